// Package validation re-checks nonces reported by the device before they
// are submitted: the header is hashed locally and compared against the
// device target, the pool share target and the network target.
package validation

import (
	"bytes"
	"encoding/binary"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/fpgaproxy/internal/bitcoin"
)

// Candidate is a nonce found by the device together with the work it
// was found for.
type Candidate struct {
	Header       bitcoin.Header
	Nonce        uint32
	DeviceTarget bitcoin.Target
	ShareTarget  bitcoin.Target
	// Bits is the job's compact network target.
	Bits uint32
	// DeviceHash is the hash the firmware printed, if any.
	DeviceHash    [32]byte
	HasDeviceHash bool
}

// Result describes how a candidate compares to each target.
type Result struct {
	// Hash is in display order.
	Hash              chainhash.Hash
	Difficulty        float64
	MeetsDevice       bool
	MeetsShare        bool
	BlockCandidate    bool
	DeviceHashMatches bool
}

// Check hashes the candidate header with its nonce and classifies it.
func Check(c Candidate) Result {
	network := bitcoin.DecodeCompact(c.Bits).Big()

	header := c.Header
	binary.LittleEndian.PutUint32(header[76:80], c.Nonce)
	digest := chainhash.DoubleHashH(header[:])
	hashInt := blockchain.HashToBig(&digest)

	res := Result{
		Hash:        bitcoin.ReverseHash(digest),
		Difficulty:  shareDifficulty(hashInt),
		MeetsDevice: hashInt.Cmp(c.DeviceTarget.Big()) <= 0,
		MeetsShare:  hashInt.Cmp(c.ShareTarget.Big()) <= 0,
		// an all-zero nbits never makes a block
		BlockCandidate:    network.Sign() > 0 && hashInt.Cmp(network) <= 0,
		DeviceHashMatches: true,
	}

	if c.HasDeviceHash {
		// firmware builds differ in word order
		res.DeviceHashMatches = bytes.Equal(c.DeviceHash[:], res.Hash[:]) ||
			bytes.Equal(c.DeviceHash[:], digest[:])
	}
	return res
}

// shareDifficulty is diff1 / hash, the difficulty this hash would satisfy.
func shareDifficulty(hashInt *big.Int) float64 {
	if hashInt.Sign() == 0 {
		return 0
	}
	q := new(big.Rat).SetFrac(bitcoin.Diff1Target.Big(), hashInt)
	f, _ := q.Float64()
	return f
}
