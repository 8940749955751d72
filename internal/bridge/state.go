package bridge

import (
	"github.com/bardlex/fpgaproxy/internal/bitcoin"
)

// SessionState is what the orchestrator knows about the pool session. It
// is mutated only by the event loop, in response to pool events.
type SessionState struct {
	Connected  bool
	Authorized bool
	// Session is the pool connection the extranonce belongs to.
	Session    uint64
	ExtraNonce *bitcoin.ExtraNonce
	Difficulty float64
	// Epoch changes whenever previously built work becomes invalid:
	// disconnects and new extranonce assignments.
	Epoch uint64
}

func newSessionState(policy bitcoin.ExtraNonce2Policy) SessionState {
	return SessionState{
		ExtraNonce: bitcoin.NewExtraNonce(policy),
		Difficulty: 1,
	}
}

// subscribe installs a fresh extranonce assignment.
func (s *SessionState) subscribe(session uint64, extraNonce1 string, size int) {
	s.Connected = true
	s.Session = session
	s.ExtraNonce.Subscribe(extraNonce1, size)
	s.Epoch++
}

// reset forgets everything tied to the lost connection. Difficulty is kept
// until the pool sends a new one.
func (s *SessionState) reset() {
	s.Connected = false
	s.Authorized = false
	s.Session = 0
	s.ExtraNonce.Invalidate()
	s.Epoch++
}
