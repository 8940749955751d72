// Package messaging carries bridge telemetry to optional sinks: Kafka, a
// ZeroMQ PUB socket and, through internal/database, time-series and
// key-value stores. Every sink is best effort.
package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/bardlex/fpgaproxy/pkg/log"
)

// Recorder receives telemetry from the orchestrator.
type Recorder interface {
	RecordJob(ctx context.Context, msg JobMessage) error
	RecordShare(ctx context.Context, msg ShareMessage) error
	RecordShareResult(ctx context.Context, msg ShareResultMessage) error
	RecordHashrate(ctx context.Context, msg HashrateMessage) error
	RecordStatus(ctx context.Context, msg StatusMessage) error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordJob(context.Context, JobMessage) error                 { return nil }
func (Nop) RecordShare(context.Context, ShareMessage) error             { return nil }
func (Nop) RecordShareResult(context.Context, ShareResultMessage) error { return nil }
func (Nop) RecordHashrate(context.Context, HashrateMessage) error       { return nil }
func (Nop) RecordStatus(context.Context, StatusMessage) error           { return nil }
func (Nop) Close() error                                                { return nil }

// Fanout forwards to every recorder and joins their errors.
type Fanout []Recorder

func (f Fanout) each(fn func(Recorder) error) error {
	var errs []error
	for _, r := range f {
		if err := fn(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) RecordJob(ctx context.Context, msg JobMessage) error {
	return f.each(func(r Recorder) error { return r.RecordJob(ctx, msg) })
}

func (f Fanout) RecordShare(ctx context.Context, msg ShareMessage) error {
	return f.each(func(r Recorder) error { return r.RecordShare(ctx, msg) })
}

func (f Fanout) RecordShareResult(ctx context.Context, msg ShareResultMessage) error {
	return f.each(func(r Recorder) error { return r.RecordShareResult(ctx, msg) })
}

func (f Fanout) RecordHashrate(ctx context.Context, msg HashrateMessage) error {
	return f.each(func(r Recorder) error { return r.RecordHashrate(ctx, msg) })
}

func (f Fanout) RecordStatus(ctx context.Context, msg StatusMessage) error {
	return f.each(func(r Recorder) error { return r.RecordStatus(ctx, msg) })
}

func (f Fanout) Close() error {
	return f.each(func(r Recorder) error { return r.Close() })
}

// Async decouples the mining loop from slow sinks. Records are queued and
// written by Run; when the queue is full the record is dropped and logged.
type Async struct {
	next    Recorder
	logger  *log.Logger
	timeout time.Duration
	queue   chan func(context.Context) error
	done    chan struct{}
}

// NewAsync wraps next with a queue of the given size. timeout bounds each
// write.
func NewAsync(next Recorder, size int, timeout time.Duration, logger *log.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Async{
		next:    next,
		logger:  logger.WithComponent("telemetry"),
		timeout: timeout,
		queue:   make(chan func(context.Context) error, size),
		done:    make(chan struct{}),
	}
}

// Run writes queued records until ctx is cancelled, then drains what is
// left. Writes outlive ctx and are bounded only by the per-record timeout.
func (a *Async) Run(ctx context.Context) {
	defer close(a.done)
	wctx := context.WithoutCancel(ctx)
	for {
		select {
		case fn := <-a.queue:
			a.write(wctx, fn)
		case <-ctx.Done():
			for {
				select {
				case fn := <-a.queue:
					a.write(wctx, fn)
				default:
					return
				}
			}
		}
	}
}

func (a *Async) write(ctx context.Context, fn func(context.Context) error) {
	wctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := fn(wctx); err != nil {
		a.logger.WithError(err).Warn("telemetry write failed")
	}
}

func (a *Async) enqueue(kind string, fn func(context.Context) error) error {
	select {
	case a.queue <- fn:
	default:
		a.logger.Warn("telemetry queue full, dropping record", "kind", kind)
	}
	return nil
}

func (a *Async) RecordJob(_ context.Context, msg JobMessage) error {
	return a.enqueue("job", func(ctx context.Context) error { return a.next.RecordJob(ctx, msg) })
}

func (a *Async) RecordShare(_ context.Context, msg ShareMessage) error {
	return a.enqueue("share", func(ctx context.Context) error { return a.next.RecordShare(ctx, msg) })
}

func (a *Async) RecordShareResult(_ context.Context, msg ShareResultMessage) error {
	return a.enqueue("share_result", func(ctx context.Context) error { return a.next.RecordShareResult(ctx, msg) })
}

func (a *Async) RecordHashrate(_ context.Context, msg HashrateMessage) error {
	return a.enqueue("hashrate", func(ctx context.Context) error { return a.next.RecordHashrate(ctx, msg) })
}

func (a *Async) RecordStatus(_ context.Context, msg StatusMessage) error {
	return a.enqueue("status", func(ctx context.Context) error { return a.next.RecordStatus(ctx, msg) })
}

// Close waits for Run to finish draining and closes the wrapped recorder.
// Run must have been started and its context cancelled.
func (a *Async) Close() error {
	<-a.done
	return a.next.Close()
}
