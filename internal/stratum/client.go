// Package stratum is the upstream side of the proxy: a Stratum V1 client
// that keeps one pool connection alive and turns its traffic into Events.
package stratum

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/bardlex/fpgaproxy/pkg/errors"
	"github.com/bardlex/fpgaproxy/pkg/log"
	"github.com/bardlex/fpgaproxy/pkg/retry"
)

// Config describes the pool and how to talk to it.
type Config struct {
	Addr         string
	User         string
	Pass         string
	UserAgent    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Reconnect    *retry.Config
}

// Client maintains the pool connection. Run owns the connection lifecycle;
// Submit may be called from any goroutine.
type Client struct {
	cfg    Config
	logger *log.Logger
	events chan Event

	mu       sync.Mutex
	session  *Session
	sessions uint64
	nextID   int64
	pending  map[int64]string
}

// NewClient creates a client. Nothing is dialed until Run or Connect.
func NewClient(cfg Config, logger *log.Logger) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = retry.ReconnectConfig()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger.WithComponent("stratum").WithPool(cfg.Addr, cfg.User),
		events:  make(chan Event, 16),
		nextID:  firstSubmitID,
		pending: make(map[int64]string),
	}
}

// Events returns the event stream. It is closed when Run returns.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connect dials the pool and queues mining.subscribe (id 1) followed by
// mining.authorize (id 2). Replies arrive later as events once the session
// is started.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnect, "connect", "failed to dial pool").
			WithContext("addr", c.cfg.Addr)
	}

	c.mu.Lock()
	c.sessions++
	id := c.sessions
	c.mu.Unlock()

	sess := NewSession(id, conn, c.logger, c.cfg.ReadTimeout, c.cfg.WriteTimeout)
	for _, msg := range []*Message{
		NewSubscribe(c.cfg.UserAgent),
		NewAuthorize(c.cfg.User, c.cfg.Pass),
	} {
		if err := sess.Send(msg); err != nil {
			sess.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeConnect, "connect", "failed to queue handshake").
				WithContext("method", msg.Method)
		}
	}

	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	return sess, nil
}

// Run connects and keeps reconnecting until ctx is cancelled. Delays
// start at the reconnect base, double up to the cap and reset after every
// successful connect. Each lost session is reported as Disconnected.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.events)

	backoff := retry.NewBackoff(c.cfg.Reconnect)
	for {
		sess, err := c.Connect(ctx)
		if err == nil {
			backoff.Reset()
			err = sess.Start(ctx, func(msg *Message) { c.handle(ctx, sess, msg) })
			c.dropSession(sess)
			c.emit(ctx, Disconnected{Session: sess.ID(), Err: err})
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := backoff.Next()
		c.logger.WithError(err).Warn("pool connection unavailable, retrying",
			"delay", delay.String(),
			"attempt", backoff.Attempt(),
		)
		if err := retry.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (c *Client) dropSession(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == sess {
		c.session = nil
	}
	if n := len(c.pending); n > 0 {
		c.logger.Warn("discarding unanswered submissions", "count", n)
	}
	clear(c.pending)
}

// Submit sends mining.submit and returns the request id the result will be
// correlated with. Ids increase monotonically for the process lifetime. An
// empty Worker defaults to the configured user. A share whose Session is
// not the live connection is refused: its extranonce1 is no longer valid.
func (c *Client) Submit(share Share) (int64, error) {
	if share.Worker == "" {
		share.Worker = c.cfg.User
	}

	c.mu.Lock()
	sess := c.session
	if sess == nil {
		c.mu.Unlock()
		return 0, errors.New(errors.ErrorTypeConnect, "submit", "not connected to pool").
			WithContext("job_id", share.JobID)
	}
	if share.Session != sess.ID() {
		c.mu.Unlock()
		return 0, errors.New(errors.ErrorTypeConnect, "submit", "share belongs to a previous pool session").
			WithContext("job_id", share.JobID).
			WithContext("share_session", share.Session).
			WithContext("live_session", sess.ID())
	}
	id := c.nextID
	c.nextID++
	c.pending[id] = share.JobID
	c.mu.Unlock()

	if err := sess.Send(NewSubmit(id, share)); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return 0, errors.Wrap(err, errors.ErrorTypeConnect, "submit", "failed to send share").
			WithContext("job_id", share.JobID)
	}

	c.logger.LogShareSubmission(share.JobID, share.Nonce, id)
	return id, nil
}

// emit blocks until the event is taken or ctx ends. Events are never
// dropped while the client runs.
func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) handle(ctx context.Context, sess *Session, msg *Message) {
	if msg.Method != "" {
		c.handleNotification(ctx, sess, msg)
		return
	}

	id, ok := msg.IntID()
	if !ok {
		c.logger.Warn("dropping response without numeric id", "id", msg.ID)
		return
	}

	switch id {
	case SubscribeID:
		if msg.Error != nil {
			c.logger.WithError(msg.Error).Error("pool rejected subscribe")
			return
		}
		sub, err := ParseSubscribeResult(msg.Result)
		if err != nil {
			c.logger.WithError(err).Warn("dropping malformed subscribe result")
			return
		}
		sub.Session = sess.ID()
		c.logger.Info("subscribed", "extranonce1", sub.ExtraNonce1, "extranonce2_size", sub.ExtraNonce2Size)
		c.emit(ctx, sub)

	case AuthorizeID:
		ok := msg.Error == nil && msg.Result == true
		switch {
		case ok:
			c.logger.Info("worker authorized")
		case msg.Error != nil:
			c.logger.WithError(msg.Error).Error("worker authorization failed")
		default:
			c.logger.Error("worker authorization failed", "result", msg.Result)
		}
		c.emit(ctx, Authorized{OK: ok, Err: msg.Error})

	default:
		c.mu.Lock()
		jobID, known := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !known {
			c.logger.Debug("response to unknown request", "id", id)
			return
		}

		accepted := msg.Error == nil && msg.Result == true
		reason := ""
		if msg.Error != nil {
			reason = msg.Error.Message
		}
		c.logger.LogShareResult(id, jobID, accepted, reason)
		c.emit(ctx, ShareResult{ID: id, JobID: jobID, Accepted: accepted, Err: msg.Error})
	}
}

func (c *Client) handleNotification(ctx context.Context, sess *Session, msg *Message) {
	switch msg.Method {
	case MethodNotify:
		job, err := ParseNotify(msg.Params)
		if err != nil {
			c.logger.WithError(err).Warn("dropping malformed mining.notify")
			return
		}
		c.emit(ctx, JobAnnounced{Job: job})

	case MethodSetDifficulty:
		d, err := ParseSetDifficulty(msg.Params)
		if err != nil {
			c.logger.WithError(err).Warn("dropping malformed mining.set_difficulty")
			return
		}
		c.emit(ctx, DifficultySet{Difficulty: d})

	case MethodSetExtranonce:
		sub, err := ParseSetExtranonce(msg.Params)
		if err != nil {
			c.logger.WithError(err).Warn("dropping malformed mining.set_extranonce")
			return
		}
		sub.Session = sess.ID()
		c.emit(ctx, sub)

	default:
		c.logger.Debug("ignoring pool method", "method", msg.Method)
	}
}
