package messaging

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/fxamacker/cbor/v2"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/fpgaproxy/pkg/errors"
	"github.com/bardlex/fpgaproxy/pkg/log"
)

// frameSender is the part of zmq.Socket the publisher uses.
type frameSender interface {
	SendMessage(parts ...any) (int, error)
	Close() error
}

// ZMQPublisher broadcasts telemetry on a PUB socket. Each message has three
// frames: topic, CBOR body and a little-endian uint32 sequence number, the
// same layout bitcoind uses for its notifications.
type ZMQPublisher struct {
	mu       sync.Mutex
	socket   frameSender
	endpoint string
	logger   *log.Logger
	encMode  cbor.EncMode
	sequence uint32
}

// NewZMQPublisher binds a PUB socket to endpoint
func NewZMQPublisher(endpoint string, logger *log.Logger) (*ZMQPublisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_socket", "failed to create ZMQ socket")
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_bind", "failed to bind ZMQ endpoint").
			WithContext("endpoint", endpoint)
	}

	p, err := newZMQPublisher(socket, endpoint, logger)
	if err != nil {
		_ = socket.Close()
		return nil, err
	}
	p.logger.Info("bound ZMQ publisher", "endpoint", endpoint)
	return p, nil
}

func newZMQPublisher(socket frameSender, endpoint string, logger *log.Logger) (*ZMQPublisher, error) {
	// Time values are encoded as RFC 3339 strings so subscribers in any
	// language read them without a tag registry.
	encMode, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "cbor_mode", "failed to build CBOR encoder")
	}
	return &ZMQPublisher{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger.WithComponent("zmq"),
		encMode:  encMode,
	}, nil
}

// Publish encodes v as CBOR and sends it under topic.
func (z *ZMQPublisher) Publish(topic string, v any) error {
	body, err := z.encMode.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "cbor_marshal", "failed to encode telemetry").
			WithContext("topic", topic)
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	seq := make([]byte, 4)
	binary.LittleEndian.PutUint32(seq, z.sequence)
	if _, err := z.socket.SendMessage(topic, body, seq); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_send", "failed to publish telemetry").
			WithContext("topic", topic).
			WithContext("endpoint", z.endpoint)
	}
	z.sequence++
	return nil
}

func (z *ZMQPublisher) RecordJob(_ context.Context, msg JobMessage) error {
	return z.Publish(TopicJobs, msg)
}

func (z *ZMQPublisher) RecordShare(_ context.Context, msg ShareMessage) error {
	return z.Publish(TopicShares, msg)
}

func (z *ZMQPublisher) RecordShareResult(_ context.Context, msg ShareResultMessage) error {
	return z.Publish(TopicShareResults, msg)
}

func (z *ZMQPublisher) RecordHashrate(_ context.Context, msg HashrateMessage) error {
	return z.Publish(TopicHashrate, msg)
}

func (z *ZMQPublisher) RecordStatus(_ context.Context, msg StatusMessage) error {
	return z.Publish(TopicStatus, msg)
}

// Close closes the socket
func (z *ZMQPublisher) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.socket.Close()
}
