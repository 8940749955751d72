package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bardlex/fpgaproxy/pkg/log"
)

// maxLineSize bounds a single inbound line. Large coinbases and long merkle
// branch lists make notify lines much longer than typical requests.
const maxLineSize = 1 << 20

// Session represents one upstream connection to the pool
type Session struct {
	id     uint64
	conn   net.Conn
	logger *log.Logger

	// Connection management
	readTimeout  time.Duration
	writeTimeout time.Duration

	// Channels for communication
	outbound chan []byte
	done     chan struct{}

	closeOnce sync.Once
}

// NewSession wraps an established connection. id distinguishes successive
// connections of one client.
func NewSession(id uint64, conn net.Conn, logger *log.Logger, readTimeout, writeTimeout time.Duration) *Session {
	return &Session{
		id:           id,
		conn:         conn,
		logger:       logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, 64),
		done:         make(chan struct{}),
	}
}

// Start runs the write loop in the background and the read loop in the
// current goroutine, handing each decoded message to handle. It returns
// when the connection ends, always with a non-nil error.
func (s *Session) Start(ctx context.Context, handle func(*Message)) error {
	s.logger.LogConnection("connected", s.conn.RemoteAddr().String())

	go s.writeLoop(ctx)

	return s.readLoop(ctx, handle)
}

// readLoop handles incoming messages from the pool
func (s *Session) readLoop(ctx context.Context, handle func(*Message)) error {
	defer s.Close()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for {
		if s.readTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
				return fmt.Errorf("failed to set read deadline: %w", err)
			}
		}

		if !scanner.Scan() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read failed: %w", err)
			}
			return fmt.Errorf("pool closed the connection")
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s.logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(err).Warn("dropping unparseable pool line", "line", truncateLine(line))
			continue
		}

		handle(msg)
	}
}

// writeLoop handles outbound messages to the pool
func (s *Session) writeLoop(ctx context.Context) {
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.outbound:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.WithError(err).Error("failed to set write deadline")
				return
			}

			if _, err := s.conn.Write(data); err != nil {
				s.logger.WithError(err).Error("failed to write message")
				return
			}

			s.logger.LogStratumMessage("sent", string(data[:len(data)-1]))
		}
	}
}

// Send queues a message for the pool. Messages are written in order.
func (s *Session) Send(msg *Message) error {
	data, err := MarshalMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	select {
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
		return fmt.Errorf("outbound channel full")
	}
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close ends the session and closes the connection. Safe to call repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("close after disconnect", "error", err)
		}
		s.logger.LogConnection("disconnected", s.conn.RemoteAddr().String())
	})
}

// ID returns the connection number, starting at 1.
func (s *Session) ID() uint64 {
	return s.id
}

// RemoteAddr returns the pool address of the connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

func truncateLine(line []byte) string {
	const limit = 256
	if len(line) > limit {
		return string(line[:limit]) + "..."
	}
	return string(line)
}
