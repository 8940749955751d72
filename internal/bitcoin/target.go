// Package bitcoin holds the pure codec used to turn Stratum work into device
// jobs: compact target decoding, difficulty conversion, merkle folding and
// 80-byte header packing. Nothing in this package performs I/O.
package bitcoin

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"math/big"
	"strconv"

	"github.com/bardlex/fpgaproxy/pkg/errors"
)

// Target is a 256-bit proof-of-work threshold held as eight 32-bit words.
// Word 0 carries the least significant 32 bits.
type Target [8]uint32

var (
	maxTargetInt = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	diff1Int     = new(big.Int).Lsh(big.NewInt(0xffff), 208)
	wordMask     = big.NewInt(0xffffffff)
)

// Diff1Target is the share difficulty 1 reference target, 0xffff << 208.
var Diff1Target = TargetFromBig(diff1Int)

// MaxTarget is 2^256 - 1.
var MaxTarget = TargetFromBig(maxTargetInt)

// TargetFromBig converts v, clamping negatives to zero and anything wider
// than 256 bits to MaxTarget.
func TargetFromBig(v *big.Int) Target {
	var t Target
	if v == nil || v.Sign() <= 0 {
		return t
	}
	if v.Cmp(maxTargetInt) > 0 {
		for i := range t {
			t[i] = math.MaxUint32
		}
		return t
	}
	x := new(big.Int).Set(v)
	w := new(big.Int)
	for i := range t {
		t[i] = uint32(w.And(x, wordMask).Uint64())
		x.Rsh(x, 32)
	}
	return t
}

// Big returns the target as an integer.
func (t Target) Big() *big.Int {
	b := t.Bytes()
	return new(big.Int).SetBytes(b[:])
}

// Bytes returns the big-endian 32-byte encoding.
func (t Target) Bytes() [32]byte {
	var out [32]byte
	for i, w := range t {
		binary.BigEndian.PutUint32(out[28-4*i:], w)
	}
	return out
}

// String returns the big-endian hex form, the way targets are usually shown.
func (t Target) String() string {
	b := t.Bytes()
	return hex.EncodeToString(b[:])
}

// DeviceHex returns the 64-character form the accelerator expects: each word
// as four little-endian bytes, word 0 first.
func (t Target) DeviceHex() string {
	var out [32]byte
	for i, w := range t {
		binary.LittleEndian.PutUint32(out[4*i:], w)
	}
	return hex.EncodeToString(out[:])
}

// Cmp compares two targets and returns -1, 0 or +1.
func (t Target) Cmp(o Target) int {
	for i := len(t) - 1; i >= 0; i-- {
		switch {
		case t[i] < o[i]:
			return -1
		case t[i] > o[i]:
			return 1
		}
	}
	return 0
}

// DecodeCompactTarget parses a hex compact target such as "1d00ffff". A
// leading 0x is accepted.
func DecodeCompactTarget(bits string) (Target, error) {
	raw := bits
	if len(bits) >= 2 && bits[0] == '0' && (bits[1] == 'x' || bits[1] == 'X') {
		bits = bits[2:]
	}
	if len(bits) == 0 || len(bits) > 8 {
		return Target{}, errors.MalformedField("bits", raw, nil)
	}
	n, err := strconv.ParseUint(bits, 16, 32)
	if err != nil {
		return Target{}, errors.MalformedField("bits", raw, err)
	}
	return DecodeCompact(uint32(n)), nil
}

// DecodeCompact expands a compact target: the top byte is the exponent and
// the low 24 bits the mantissa, target = mantissa * 256^(exponent-3).
func DecodeCompact(bits uint32) Target {
	exponent := int(bits >> 24)
	mantissa := big.NewInt(int64(bits & 0x00ffffff))

	if exponent >= 3 {
		mantissa.Lsh(mantissa, uint(8*(exponent-3)))
	} else {
		mantissa.Rsh(mantissa, uint(8*(3-exponent)))
	}
	return TargetFromBig(mantissa)
}

// DifficultyToTarget returns floor(Diff1Target / difficulty). A difficulty
// that is zero, negative or NaN is treated as 1.
func DifficultyToTarget(difficulty float64) Target {
	if math.IsNaN(difficulty) || difficulty <= 0 {
		difficulty = 1
	}
	if math.IsInf(difficulty, 1) {
		return Target{}
	}

	// exact rational division, diff1 * den / num
	d := new(big.Rat).SetFloat64(difficulty)
	q := new(big.Int).Mul(diff1Int, d.Denom())
	q.Quo(q, d.Num())
	return TargetFromBig(q)
}
