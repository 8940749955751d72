package messaging

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/fpgaproxy/pkg/log"
)

// countingRecorder counts calls and optionally fails or blocks.
type countingRecorder struct {
	Nop
	mu     sync.Mutex
	jobs   []string
	err    error
	block  chan struct{}
	closed bool
}

func (r *countingRecorder) RecordJob(ctx context.Context, msg JobMessage) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, msg.JobID)
	return r.err
}

func (r *countingRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *countingRecorder) Jobs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.jobs...)
}

func TestFanout_JoinsErrors(t *testing.T) {
	errA := stderrors.New("a down")
	errB := stderrors.New("b down")
	a := &countingRecorder{err: errA}
	b := &countingRecorder{}
	c := &countingRecorder{err: errB}
	f := Fanout{a, b, c}

	err := f.RecordJob(context.Background(), JobMessage{JobID: "4f"})
	if !stderrors.Is(err, errA) || !stderrors.Is(err, errB) {
		t.Errorf("err = %v, want both failures", err)
	}
	for i, r := range []*countingRecorder{a, b, c} {
		if got := r.Jobs(); len(got) != 1 || got[0] != "4f" {
			t.Errorf("recorder %d jobs = %v", i, got)
		}
	}

	if err := f.RecordStatus(context.Background(), StatusMessage{}); err != nil {
		t.Errorf("RecordStatus() = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if !a.closed || !b.closed || !c.closed {
		t.Error("not every recorder closed")
	}
}

func TestAsync_DrainsOnShutdown(t *testing.T) {
	next := &countingRecorder{}
	a := NewAsync(next, 8, time.Second, log.Discard())

	for _, id := range []string{"a", "b", "c"} {
		if err := a.RecordJob(context.Background(), JobMessage{JobID: id}); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	go a.Run(ctx)

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if got := next.Jobs(); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("jobs = %v", got)
	}
	if !next.closed {
		t.Error("wrapped recorder not closed")
	}
}

func TestAsync_DropsWhenFull(t *testing.T) {
	next := &countingRecorder{block: make(chan struct{})}
	a := NewAsync(next, 1, time.Second, log.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	// first record is picked up and blocks the writer
	_ = a.RecordJob(ctx, JobMessage{JobID: "first"})
	deadline := time.Now().Add(2 * time.Second)
	for len(a.queue) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("writer never picked up the first record")
		}
		time.Sleep(time.Millisecond)
	}

	_ = a.RecordJob(ctx, JobMessage{JobID: "queued"})
	start := time.Now()
	if err := a.RecordJob(ctx, JobMessage{JobID: "dropped"}); err != nil {
		t.Errorf("RecordJob() on full queue = %v, want nil", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("RecordJob blocked on a full queue")
	}

	close(next.block)
	cancel()
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if got := next.Jobs(); len(got) != 2 || got[0] != "first" || got[1] != "queued" {
		t.Errorf("jobs = %v, want [first queued]", got)
	}
}

func TestAsync_WriteTimeout(t *testing.T) {
	next := &countingRecorder{block: make(chan struct{})}
	a := NewAsync(next, 4, 20*time.Millisecond, log.Discard())

	_ = a.RecordJob(context.Background(), JobMessage{JobID: "slow"})
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	cancel()

	done := make(chan error, 1)
	go func() { done <- a.Close() }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a stuck sink")
	}
	if got := next.Jobs(); len(got) != 0 {
		t.Errorf("jobs = %v, want none", got)
	}
}
