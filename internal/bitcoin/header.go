package bitcoin

import (
	"bytes"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/fpgaproxy/pkg/errors"
)

// HeaderSize is the serialized size of a block header.
const HeaderSize = 80

// Header is a serialized 80-byte block header.
type Header [HeaderSize]byte

// Hex returns the 160-character hex encoding.
func (h Header) Hex() string {
	return hex.EncodeToString(h[:])
}

// MerkleRoot folds the coinbase hash with the Stratum merkle branches:
// h = dsha256(coinbase), then h = dsha256(h || branch) for each branch in
// the order given. The result is the raw digest, not the display order.
func MerkleRoot(coinbase []byte, branches []chainhash.Hash) chainhash.Hash {
	return FoldMerkleBranches(chainhash.DoubleHashH(coinbase), branches)
}

// FoldMerkleBranches applies the branch fold to an existing leaf hash.
func FoldMerkleBranches(leaf chainhash.Hash, branches []chainhash.Hash) chainhash.Hash {
	var buf [2 * chainhash.HashSize]byte
	h := leaf
	for _, branch := range branches {
		copy(buf[:chainhash.HashSize], h[:])
		copy(buf[chainhash.HashSize:], branch[:])
		h = chainhash.DoubleHashH(buf[:])
	}
	return h
}

// ReverseHash returns h with its byte order flipped.
func ReverseHash(h chainhash.Hash) chainhash.Hash {
	var out chainhash.Hash
	for i := range h {
		out[i] = h[chainhash.HashSize-1-i]
	}
	return out
}

// BuildHeader packs an 80-byte header. prevHash is taken as the bytes the
// pool sent and merkleRoot as the raw digest; both are byte-reversed into
// the header. The integer fields are written little-endian.
func BuildHeader(version uint32, prevHash, merkleRoot chainhash.Hash, ntime, bits, nonce uint32) (Header, error) {
	bh := wire.BlockHeader{
		Version:    int32(version),
		PrevBlock:  ReverseHash(prevHash),
		MerkleRoot: ReverseHash(merkleRoot),
		Timestamp:  time.Unix(int64(ntime), 0),
		Bits:       bits,
		Nonce:      nonce,
	}

	var header Header
	buf := bytes.NewBuffer(header[:0])
	if err := bh.Serialize(buf); err != nil {
		return Header{}, errors.Wrap(err, errors.ErrorTypeInternal, "build_header", "failed to serialize header")
	}
	if buf.Len() != HeaderSize {
		return Header{}, errors.New(errors.ErrorTypeInternal, "build_header", "unexpected header size").
			WithContext("size", buf.Len())
	}
	copy(header[:], buf.Bytes())
	return header, nil
}

// BuildCoinbase joins the hex coinbase pieces around the extranonces and
// decodes the result.
func BuildCoinbase(coinb1, extraNonce1, extraNonce2, coinb2 string) ([]byte, error) {
	parts := []struct{ field, value string }{
		{"coinb1", coinb1},
		{"extranonce1", extraNonce1},
		{"extranonce2", extraNonce2},
		{"coinb2", coinb2},
	}

	var out []byte
	for _, p := range parts {
		b, err := ParseHex(p.field, p.value)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}
