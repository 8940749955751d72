package bitcoin

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// WorkInput is a mining.notify job plus the extranonces it is built with.
// All fields are hex as they appear on the wire.
type WorkInput struct {
	PrevHash    string
	Coinb1      string
	Coinb2      string
	Branches    []string
	Version     string
	Bits        string
	Time        string
	ExtraNonce1 string
	ExtraNonce2 string
}

// Work is a header ready for the device, with nonce zero.
type Work struct {
	Header     Header
	MerkleRoot chainhash.Hash
	Bits       uint32
	Time       uint32
}

// BuildWork decodes every field of in and assembles the header. Any bad
// field rejects the whole job with a malformed field error.
func BuildWork(in WorkInput) (Work, error) {
	prevHash, err := ParseHash("prevhash", in.PrevHash)
	if err != nil {
		return Work{}, err
	}
	branches, err := ParseBranches(in.Branches)
	if err != nil {
		return Work{}, err
	}
	version, err := ParseWord("version", in.Version)
	if err != nil {
		return Work{}, err
	}
	bits, err := ParseWord("nbits", in.Bits)
	if err != nil {
		return Work{}, err
	}
	ntime, err := ParseWord("ntime", in.Time)
	if err != nil {
		return Work{}, err
	}
	coinbase, err := BuildCoinbase(in.Coinb1, in.ExtraNonce1, in.ExtraNonce2, in.Coinb2)
	if err != nil {
		return Work{}, err
	}

	root := MerkleRoot(coinbase, branches)
	header, err := BuildHeader(version, prevHash, root, ntime, bits, 0)
	if err != nil {
		return Work{}, err
	}

	return Work{
		Header:     header,
		MerkleRoot: root,
		Bits:       bits,
		Time:       ntime,
	}, nil
}
