package device

import (
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// Status is one parsed miner_status reply.
type Status struct {
	Busy  bool
	Found bool
	Nonce uint32
	// Hash is the found hash as printed by the firmware, high word first.
	Hash    [32]byte
	HasHash bool
}

var (
	busyRe  = regexp.MustCompile(`(?i)busy\s*=\s*([01])`)
	foundRe = regexp.MustCompile(`(?i)found\s*=\s*([01])`)
	nonceRe = regexp.MustCompile(`(?i)nonce\s+encontrado[^(\n]*\(\s*(?:0x)?([0-9a-f]{1,8})\s*\)`)
	hashRe  = regexp.MustCompile(`(?i)hash\s+encontrado\s*=\s*([0-9a-f]{64})`)
)

// ParseStatus extracts a Status from reply text. ok is false when the text
// carries no busy flag and no nonce, i.e. the device has not answered yet.
func ParseStatus(reply string) (s Status, ok bool) {
	busy := busyRe.FindStringSubmatch(reply)
	if busy != nil {
		s.Busy = busy[1] == "1"
		ok = true
	}

	foundFlag := true
	if m := foundRe.FindStringSubmatch(reply); m != nil {
		foundFlag = m[1] == "1"
	}

	if m := nonceRe.FindStringSubmatch(reply); m != nil {
		n, err := strconv.ParseUint(m[1], 16, 32)
		if err == nil {
			s.Nonce = uint32(n)
			s.Found = foundFlag
			ok = true
		}
	}

	if m := hashRe.FindStringSubmatch(reply); m != nil {
		if _, err := hex.Decode(s.Hash[:], []byte(strings.ToLower(m[1]))); err == nil {
			s.HasHash = true
		}
	}

	return s, ok
}

// HashHex returns the found hash as hex, or "" when none was reported.
func (s Status) HashHex() string {
	if !s.HasHash {
		return ""
	}
	return hex.EncodeToString(s.Hash[:])
}
