package device

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bardlex/fpgaproxy/internal/bitcoin"
	"github.com/bardlex/fpgaproxy/pkg/circuit"
	"github.com/bardlex/fpgaproxy/pkg/errors"
	"github.com/bardlex/fpgaproxy/pkg/log"
	"github.com/bardlex/fpgaproxy/pkg/retry"
)

// Console commands understood by the firmware.
const (
	CmdClear  = "miner_clear"
	CmdJob    = "miner_job"
	CmdStatus = "miner_status"
)

// JobPayloadLen is the hex length of header plus target.
const JobPayloadLen = 2*bitcoin.HeaderSize + 64

// readSlice bounds a single blocking read so cancellation stays responsive.
const readSlice = 50 * time.Millisecond

// State is the job lifecycle as seen from the host.
type State int

const (
	StateIdle State = iota
	StateJobLoaded
	StatePolling
	StateFound
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJobLoaded:
		return "job_loaded"
	case StatePolling:
		return "polling"
	case StateFound:
		return "found"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Config controls framing and timing of the serial exchange.
type Config struct {
	Path            string
	ChunkSize       int
	ChunkDelay      time.Duration
	ResponseTimeout time.Duration
	ClearDelay      time.Duration
	PollInterval    time.Duration
	Prompt          string
}

// DefaultConfig matches the stock firmware on a 115200 baud console.
func DefaultConfig() Config {
	return Config{
		Path:            "/dev/ttyACM0",
		ChunkSize:       64,
		ChunkDelay:      2 * time.Millisecond,
		ResponseTimeout: 2 * time.Second,
		ClearDelay:      100 * time.Millisecond,
		PollInterval:    500 * time.Millisecond,
		Prompt:          "RUNTIME>",
	}
}

// Bridge owns the serial transport. Commands are serialized; the bridge is
// safe for concurrent use but is normally driven by a single worker.
type Bridge struct {
	port    Port
	cfg     Config
	logger  *log.Logger
	limiter *rate.Limiter
	breaker *circuit.Breaker

	cmdMu sync.Mutex

	stateMu sync.Mutex
	state   State
}

// NewBridge wraps an open port.
func NewBridge(port Port, cfg Config, logger *log.Logger) *Bridge {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 64
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "RUNTIME>"
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	limit := rate.Inf
	if cfg.ChunkDelay > 0 {
		limit = rate.Every(cfg.ChunkDelay)
	}

	logger = logger.WithComponent("device").WithDevice(cfg.Path)
	b := &Bridge{
		port:    port,
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
	}
	b.breaker = circuit.New(&circuit.Config{
		Name:            "serial",
		MaxFailures:     3,
		SuccessRequired: 1,
		Timeout:         5 * time.Second,
		ErrorType:       errors.ErrorTypeDevice,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("device circuit changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

// Open opens the serial port, waits settle for the board to come out of
// reset and discards whatever the console printed on boot.
func Open(ctx context.Context, cfg Config, baud int, settle time.Duration, logger *log.Logger) (*Bridge, error) {
	port, err := OpenSerial(cfg.Path, baud)
	if err != nil {
		return nil, err
	}
	if err := retry.Sleep(ctx, settle); err != nil {
		_ = port.Close()
		return nil, err
	}
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDevice, "open_serial", "failed to flush input")
	}
	return NewBridge(port, cfg, logger), nil
}

// Close releases the port.
func (b *Bridge) Close() error {
	return b.port.Close()
}

// State returns the current job state.
func (b *Bridge) State() State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

func (b *Bridge) setState(s State) {
	b.stateMu.Lock()
	b.state = s
	b.stateMu.Unlock()
}

// Command sends cmd and returns the reply with the echoed command and the
// prompt removed. Input left over from earlier commands is discarded first,
// except for status polls. A reply that never reaches the prompt within the
// response timeout is returned as-is without error.
func (b *Bridge) Command(ctx context.Context, cmd string) (string, error) {
	b.cmdMu.Lock()
	defer b.cmdMu.Unlock()

	return circuit.ExecuteWithResult(ctx, b.breaker, func() (string, error) {
		return b.exchange(ctx, cmd)
	})
}

func (b *Bridge) exchange(ctx context.Context, cmd string) (string, error) {
	if cmd != CmdStatus {
		if err := b.port.ResetInputBuffer(); err != nil {
			return "", errors.Wrap(err, errors.ErrorTypeDevice, "reset_input", "failed to discard stale input")
		}
	}

	if err := b.write(ctx, cmd); err != nil {
		return "", err
	}

	raw, complete, err := b.readUntilPrompt(ctx)
	if err != nil {
		return "", err
	}

	reply := cleanReply(raw, cmd, b.cfg.Prompt)
	if !complete {
		b.logger.Debug("device reply ended without prompt", "command", commandName(cmd))
	}
	b.logger.LogDeviceCommand(cmd, reply)
	return reply, nil
}

// write sends cmd in paced chunks followed by the newline that makes the
// console execute it.
func (b *Bridge) write(ctx context.Context, cmd string) error {
	data := []byte(cmd)
	for len(data) > 0 {
		n := min(b.cfg.ChunkSize, len(data))
		if err := b.writeChunk(ctx, data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return b.writeChunk(ctx, []byte{'\n'})
}

func (b *Bridge) writeChunk(ctx context.Context, chunk []byte) error {
	if err := b.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, errors.ErrorTypeDevice, "write", "chunk pacing failed")
	}
	for len(chunk) > 0 {
		n, err := b.port.Write(chunk)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeDevice, "write", "serial write failed")
		}
		if n == 0 {
			return errors.New(errors.ErrorTypeDevice, "write", "serial write made no progress")
		}
		chunk = chunk[n:]
	}
	return nil
}

func (b *Bridge) readUntilPrompt(ctx context.Context) (string, bool, error) {
	prompt := []byte(b.cfg.Prompt)
	deadline := time.Now().Add(b.cfg.ResponseTimeout)
	buf := make([]byte, 256)
	var resp []byte

	for {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return string(resp), false, nil
		}
		if err := b.port.SetReadTimeout(min(remaining, readSlice)); err != nil {
			return "", false, errors.Wrap(err, errors.ErrorTypeDevice, "read", "failed to set read timeout")
		}

		n, err := b.port.Read(buf)
		if n > 0 {
			resp = append(resp, buf[:n]...)
			if bytes.Contains(resp, prompt) {
				return string(resp), true, nil
			}
		}
		if err != nil {
			return "", false, errors.Wrap(err, errors.ErrorTypeDevice, "read", "serial read failed")
		}
	}
}

// cleanReply drops blank lines, the console echo of cmd and prompt markers.
func cleanReply(raw, cmd, prompt string) string {
	raw = strings.ReplaceAll(raw, prompt, "\n")
	name := commandName(cmd)

	var lines []string
	for line := range strings.Lines(raw) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, name) {
			continue
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func commandName(cmd string) string {
	name, _, _ := strings.Cut(cmd, " ")
	return name
}

// Clear resets any job loaded on the device.
func (b *Bridge) Clear(ctx context.Context) error {
	if _, err := b.Command(ctx, CmdClear); err != nil {
		return err
	}
	b.setState(StateIdle)
	return retry.Sleep(ctx, b.cfg.ClearDelay)
}

// SubmitJob clears the device and loads header and target. The nonce field
// of header is ignored by the device, which searches from zero.
func (b *Bridge) SubmitJob(ctx context.Context, header bitcoin.Header, target bitcoin.Target) error {
	payload := header.Hex() + target.DeviceHex()
	if len(payload) != JobPayloadLen {
		return errors.New(errors.ErrorTypeDevice, "submit_job", "job payload has wrong length").
			WithContext("length", len(payload)).
			WithContext("expected", JobPayloadLen)
	}

	if err := b.Clear(ctx); err != nil {
		return err
	}

	reply, err := b.Command(ctx, CmdJob+" "+payload)
	if err != nil {
		return err
	}
	lower := strings.ToLower(reply)
	if strings.Contains(lower, "error") || strings.Contains(lower, "invalid") {
		return errors.New(errors.ErrorTypeDevice, "submit_job", "device rejected job").
			WithContext("reply", reply)
	}

	b.setState(StateJobLoaded)
	return nil
}

// PollStatus queries miner_status once. A device that does not answer in
// time yields a zero Status and no error; callers poll again.
func (b *Bridge) PollStatus(ctx context.Context) (Status, error) {
	reply, err := b.Command(ctx, CmdStatus)
	if err != nil {
		return Status{}, err
	}
	status, ok := ParseStatus(reply)
	if !ok {
		return Status{}, nil
	}
	return status, nil
}

// WaitForResult polls every PollInterval until the device reports a nonce,
// timeout elapses or ctx is cancelled. Timeout is reported as a
// device_timeout error; cancellation returns ctx.Err().
func (b *Bridge) WaitForResult(ctx context.Context, timeout time.Duration) (Status, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b.setState(StatePolling)
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	start := time.Now()
	polls := 0
	for {
		select {
		case <-waitCtx.Done():
			return Status{}, b.waitDone(ctx, timeout, polls)
		case <-ticker.C:
		}

		status, err := b.PollStatus(waitCtx)
		if err != nil {
			if waitCtx.Err() != nil {
				return Status{}, b.waitDone(ctx, timeout, polls)
			}
			b.setState(StateIdle)
			return Status{}, err
		}
		polls++

		if status.Found {
			b.setState(StateFound)
			b.logger.Info("device found nonce",
				"nonce", bitcoin.FormatNonce(status.Nonce),
				"hash", status.HashHex(),
				"polls", polls,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return status, nil
		}
	}
}

func (b *Bridge) waitDone(ctx context.Context, timeout time.Duration, polls int) error {
	if err := ctx.Err(); err != nil {
		b.setState(StateIdle)
		return err
	}
	b.setState(StateTimedOut)
	return errors.New(errors.ErrorTypeDeviceTimeout, "wait_for_result", "device reported no nonce before timeout").
		WithContext("timeout", timeout.String()).
		WithContext("polls", polls)
}
