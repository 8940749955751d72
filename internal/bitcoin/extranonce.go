package bitcoin

import (
	"fmt"

	"github.com/bardlex/fpgaproxy/pkg/errors"
)

// ExtraNonce2Policy decides what happens when the counter outgrows its slot.
type ExtraNonce2Policy string

const (
	// ExtraNonce2Truncate keeps the low-order hex digits.
	ExtraNonce2Truncate ExtraNonce2Policy = "truncate"
	// ExtraNonce2Strict refuses to produce a value that does not fit.
	ExtraNonce2Strict ExtraNonce2Policy = "strict"
)

// ExtraNonce tracks the server-assigned extranonce1 and the per-job
// extranonce2 counter. The zero value has no extranonce1 and is not ready.
type ExtraNonce struct {
	Part1     string
	Part2Size int
	Policy    ExtraNonce2Policy

	counter uint64
	set     bool
}

// NewExtraNonce returns a counter starting at zero.
func NewExtraNonce(policy ExtraNonce2Policy) *ExtraNonce {
	return &ExtraNonce{Policy: policy}
}

// Subscribe installs a fresh extranonce1 and slot size and restarts the
// counter.
func (e *ExtraNonce) Subscribe(part1 string, part2Size int) {
	e.Part1 = part1
	e.Part2Size = part2Size
	e.counter = 0
	e.set = true
}

// Invalidate forgets the subscription until the next Subscribe.
func (e *ExtraNonce) Invalidate() {
	e.Part1 = ""
	e.Part2Size = 0
	e.set = false
}

// Ready reports whether an extranonce1 is known.
func (e *ExtraNonce) Ready() bool {
	return e.set
}

// Counter returns the value the next call to Next will format.
func (e *ExtraNonce) Counter() uint64 {
	return e.counter
}

// Next formats the current counter into Part2Size*2 hex digits and advances
// it. A counter wider than the slot is truncated to its low-order digits or
// rejected, depending on Policy; the value is never widened.
func (e *ExtraNonce) Next() (string, error) {
	v, err := FormatExtraNonce2(e.counter, e.Part2Size, e.Policy)
	if err != nil {
		return "", err
	}
	e.counter++
	return v, nil
}

// FormatExtraNonce2 renders counter into a size-byte extranonce2.
func FormatExtraNonce2(counter uint64, size int, policy ExtraNonce2Policy) (string, error) {
	if size <= 0 {
		return "", nil
	}
	width := 2 * size
	s := fmt.Sprintf("%0*x", width, counter)
	if len(s) <= width {
		return s, nil
	}
	if policy == ExtraNonce2Strict {
		return "", errors.New(errors.ErrorTypeValidation, "extranonce2", "counter does not fit the extranonce2 slot").
			WithContext("counter", counter).
			WithContext("size", size)
	}
	return s[len(s)-width:], nil
}
