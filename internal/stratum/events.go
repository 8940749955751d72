package stratum

import (
	"fmt"

	"github.com/bardlex/fpgaproxy/pkg/errors"
)

// Event is something the pool told us, or the loss of the connection.
// Concrete types: Subscribed, Authorized, DifficultySet, JobAnnounced,
// ShareResult and Disconnected.
type Event interface {
	event()
}

// Subscribed carries the extranonce assignment from the subscribe reply or
// a later mining.set_extranonce. Session identifies the connection the
// assignment is valid on.
type Subscribed struct {
	ExtraNonce1     string
	ExtraNonce2Size int
	Session         uint64
}

// Authorized is the authorize reply.
type Authorized struct {
	OK  bool
	Err *Error
}

// DifficultySet is a mining.set_difficulty notification.
type DifficultySet struct {
	Difficulty float64
}

// JobAnnounced is a mining.notify notification.
type JobAnnounced struct {
	Job Job
}

// ShareResult is the pool's verdict on a submitted share.
type ShareResult struct {
	ID       int64
	JobID    string
	Accepted bool
	Err      *Error
}

// Disconnected reports that the session ended. Everything learned on it is
// void.
type Disconnected struct {
	Session uint64
	Err     error
}

func (Subscribed) event()    {}
func (Authorized) event()    {}
func (DifficultySet) event() {}
func (JobAnnounced) event()  {}
func (ShareResult) event()   {}
func (Disconnected) event()  {}

// Job is one unit of pool work. Fields are kept in the hex form the pool
// sent; the header is assembled when the job is dispatched.
type Job struct {
	ID        string
	PrevHash  string
	Coinb1    string
	Coinb2    string
	Branches  []string
	Version   string
	Bits      string
	Time      string
	CleanJobs bool
}

// Share is a solved nonce ready for mining.submit. Session is the
// Subscribed.Session its extranonce came from.
type Share struct {
	Session     uint64
	Worker      string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// ParseNotify decodes mining.notify params:
// [job_id, prevhash, coinb1, coinb2, merkle_branch[], version, nbits, ntime, clean_jobs].
func ParseNotify(params []any) (Job, error) {
	if len(params) < 8 {
		return Job{}, errors.New(errors.ErrorTypeValidation, "parse_notify", "mining.notify needs 8 params").
			WithContext("params", len(params))
	}

	names := [...]string{"job_id", "prevhash", "coinb1", "coinb2"}
	var head [4]string
	for i, name := range names {
		s, ok := params[i].(string)
		if !ok {
			return Job{}, notifyFieldError(name, params[i])
		}
		head[i] = s
	}

	rawBranches, ok := params[4].([]any)
	if !ok && params[4] != nil {
		return Job{}, notifyFieldError("merkle_branch", params[4])
	}
	branches := make([]string, 0, len(rawBranches))
	for i, b := range rawBranches {
		s, ok := b.(string)
		if !ok {
			return Job{}, notifyFieldError(fmt.Sprintf("merkle_branch[%d]", i), b)
		}
		branches = append(branches, s)
	}

	var tail [3]string
	for i, name := range [...]string{"version", "nbits", "ntime"} {
		s, ok := params[5+i].(string)
		if !ok {
			return Job{}, notifyFieldError(name, params[5+i])
		}
		tail[i] = s
	}

	// some pools omit clean_jobs entirely
	var clean bool
	if len(params) > 8 {
		clean, _ = params[8].(bool)
	}

	return Job{
		ID:        head[0],
		PrevHash:  head[1],
		Coinb1:    head[2],
		Coinb2:    head[3],
		Branches:  branches,
		Version:   tail[0],
		Bits:      tail[1],
		Time:      tail[2],
		CleanJobs: clean,
	}, nil
}

func notifyFieldError(field string, v any) error {
	return errors.New(errors.ErrorTypeValidation, "parse_notify", "unexpected field type").
		WithContext("field", field).
		WithContext("type", fmt.Sprintf("%T", v))
}

// ParseSetDifficulty decodes mining.set_difficulty params.
func ParseSetDifficulty(params []any) (float64, error) {
	if len(params) < 1 {
		return 0, errors.New(errors.ErrorTypeValidation, "parse_set_difficulty", "missing difficulty")
	}
	d, ok := params[0].(float64)
	if !ok {
		return 0, errors.New(errors.ErrorTypeValidation, "parse_set_difficulty", "difficulty must be a number").
			WithContext("type", fmt.Sprintf("%T", params[0]))
	}
	return d, nil
}

// ParseSubscribeResult decodes the subscribe reply
// [subscriptions, extranonce1, extranonce2_size].
func ParseSubscribeResult(result any) (Subscribed, error) {
	arr, ok := result.([]any)
	if !ok || len(arr) < 3 {
		return Subscribed{}, errors.New(errors.ErrorTypeValidation, "parse_subscribe", "subscribe result must have 3 elements")
	}
	return parseExtranonce(arr[1], arr[2])
}

// ParseSetExtranonce decodes mining.set_extranonce params
// [extranonce1, extranonce2_size].
func ParseSetExtranonce(params []any) (Subscribed, error) {
	if len(params) < 2 {
		return Subscribed{}, errors.New(errors.ErrorTypeValidation, "parse_set_extranonce", "mining.set_extranonce needs 2 params")
	}
	return parseExtranonce(params[0], params[1])
}

func parseExtranonce(ex1, size any) (Subscribed, error) {
	e1, ok := ex1.(string)
	if !ok {
		return Subscribed{}, errors.New(errors.ErrorTypeValidation, "parse_extranonce", "extranonce1 must be a string")
	}
	n, ok := toInt64(size)
	if !ok || n < 0 {
		return Subscribed{}, errors.New(errors.ErrorTypeValidation, "parse_extranonce", "extranonce2_size must be a non-negative integer")
	}
	return Subscribed{ExtraNonce1: e1, ExtraNonce2Size: int(n)}, nil
}
