package bridge

import (
	"fmt"
	"time"
)

// Stats are the running counters of the mining loop. Only the event loop
// writes them.
type Stats struct {
	Started time.Time

	JobsDispatched uint64
	JobsFound      uint64
	JobsTimedOut   uint64
	JobsFailed     uint64
	JobsAbandoned  uint64

	SharesSubmitted uint64
	SharesAccepted  uint64
	SharesRejected  uint64

	TotalHashes uint64
}

// NewStats starts the uptime clock at now.
func NewStats(now time.Time) *Stats {
	return &Stats{Started: now}
}

// RecordFound adds the work of a solved job. The device searches upward
// from nonce zero, so it tried nonce+1 values. It returns the hashes and
// the job's instantaneous rate.
func (s *Stats) RecordFound(nonce uint32, elapsed time.Duration) (hashes uint64, rate float64) {
	hashes = uint64(nonce) + 1
	s.JobsFound++
	s.TotalHashes += hashes
	if secs := elapsed.Seconds(); secs > 0 {
		rate = float64(hashes) / secs
	}
	return hashes, rate
}

// AverageRate is total hashes over process uptime.
func (s *Stats) AverageRate(now time.Time) float64 {
	secs := now.Sub(s.Started).Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(s.TotalHashes) / secs
}

// FormatHashrate renders h with the largest unit below it.
func FormatHashrate(h float64) string {
	switch {
	case h < 1e3:
		return fmt.Sprintf("%.2f H/s", h)
	case h < 1e6:
		return fmt.Sprintf("%.2f kH/s", h/1e3)
	case h < 1e9:
		return fmt.Sprintf("%.2f MH/s", h/1e6)
	default:
		return fmt.Sprintf("%.2f GH/s", h/1e9)
	}
}
