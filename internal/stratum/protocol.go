package stratum

import (
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Stratum methods used by the proxy.
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodSubmit        = "mining.submit"
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
	MethodSetExtranonce = "mining.set_extranonce"
)

// Fixed request ids of the handshake. Submissions start after them.
const (
	SubscribeID   int64 = 1
	AuthorizeID   int64 = 2
	firstSubmitID int64 = 3
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response. Pools send either the
// [code, message, data] triple or an object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// UnmarshalJSON accepts both error encodings and null.
func (e *Error) UnmarshalJSON(data []byte) error {
	var triple []any
	if err := json.Unmarshal(data, &triple); err == nil {
		if len(triple) > 0 {
			if code, ok := toInt64(triple[0]); ok {
				e.Code = int(code)
			}
		}
		if len(triple) > 1 {
			e.Message, _ = triple[1].(string)
		}
		if len(triple) > 2 {
			e.Data = triple[2]
		}
		return nil
	}

	type plain Error
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("unrecognized error shape: %w", err)
	}
	*e = Error(p)
	return nil
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
)

// SubmitRequest is a decoded mining.submit, as a pool sees it.
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params []any) *Message {
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// NewSubscribe builds the mining.subscribe request.
func NewSubscribe(userAgent string) *Message {
	return NewRequest(SubscribeID, MethodSubscribe, []any{userAgent})
}

// NewAuthorize builds the mining.authorize request.
func NewAuthorize(user, pass string) *Message {
	return NewRequest(AuthorizeID, MethodAuthorize, []any{user, pass})
}

// NewSubmit builds a mining.submit request.
func NewSubmit(id int64, s Share) *Message {
	return NewRequest(id, MethodSubmit, []any{s.Worker, s.JobID, s.ExtraNonce2, s.NTime, s.Nonce})
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// IntID returns the numeric id of the message, if it has one.
func (m *Message) IntID() (int64, bool) {
	return toInt64(m.ID)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// StringParams checks that params starts with one string per name and
// returns them. Extra params are ignored.
func StringParams(params []any, names ...string) ([]string, error) {
	if len(params) < len(names) {
		return nil, fmt.Errorf("want %d params, got %d", len(names), len(params))
	}
	out := make([]string, len(names))
	for i, name := range names {
		v, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", name)
		}
		out[i] = v
	}
	return out, nil
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	f, err := StringParams(params, "username", "job_id", "extranonce2", "ntime", "nonce")
	if err != nil {
		return nil, err
	}
	return &SubmitRequest{
		Username:    f[0],
		JobID:       f[1],
		ExtraNonce2: f[2],
		NTime:       f[3],
		Nonce:       f[4],
	}, nil
}
