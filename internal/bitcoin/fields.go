package bitcoin

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/fpgaproxy/pkg/errors"
)

// ParseHex decodes an even-length hex field.
func ParseHex(field, s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.MalformedField(field, s, err)
	}
	return b, nil
}

// ParseWord parses an 8-hex-digit Stratum word such as version, nbits or
// ntime. The digits are read as a big-endian number.
func ParseWord(field, s string) (uint32, error) {
	if len(s) != 8 {
		return 0, errors.MalformedField(field, s, fmt.Errorf("expected 8 hex characters, got %d", len(s)))
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, errors.MalformedField(field, s, err)
	}
	return uint32(n), nil
}

// ParseHash decodes a 64-hex-digit field keeping the byte order as sent.
// Unlike chainhash.NewHashFromStr it does not reverse.
func ParseHash(field, s string) (chainhash.Hash, error) {
	var h chainhash.Hash
	if len(s) != 2*chainhash.HashSize {
		return h, errors.MalformedField(field, s, fmt.Errorf("expected %d hex characters, got %d", 2*chainhash.HashSize, len(s)))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return chainhash.Hash{}, errors.MalformedField(field, s, err)
	}
	return h, nil
}

// ParseBranches decodes merkle branches in order.
func ParseBranches(branches []string) ([]chainhash.Hash, error) {
	out := make([]chainhash.Hash, 0, len(branches))
	for i, s := range branches {
		h, err := ParseHash(fmt.Sprintf("merkle_branch[%d]", i), s)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// FormatNonce renders a nonce the way mining.submit expects it.
func FormatNonce(nonce uint32) string {
	return fmt.Sprintf("%08x", nonce)
}
