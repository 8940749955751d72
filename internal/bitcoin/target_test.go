package bitcoin

import (
	"math"
	"math/big"
	"testing"

	"github.com/btcsuite/btcd/blockchain"

	"github.com/bardlex/fpgaproxy/pkg/errors"
)

const diff1DeviceHex = "0000000000000000000000000000000000000000000000000000ffff00000000"

func TestDiff1Target(t *testing.T) {
	want := Target{0, 0, 0, 0, 0, 0, 0xffff0000, 0}
	if Diff1Target != want {
		t.Fatalf("Diff1Target = %#v, want %#v", Diff1Target, want)
	}
	if got := Diff1Target.String(); got != "00000000ffff0000000000000000000000000000000000000000000000000000" {
		t.Errorf("String() = %s", got)
	}
	if got := Diff1Target.DeviceHex(); got != diff1DeviceHex {
		t.Errorf("DeviceHex() = %s", got)
	}
}

func TestDecodeCompactTarget(t *testing.T) {
	tests := []struct {
		name      string
		bits      string
		wantBig   string
		wantWords Target
	}{
		{
			name:    "genesis",
			bits:    "1d00ffff",
			wantBig: "00000000ffff0000000000000000000000000000000000000000000000000000",
		},
		{
			name:    "regtest easing bits",
			bits:    "207fffff",
			wantBig: "7fffff0000000000000000000000000000000000000000000000000000000000",
		},
		{
			name:    "mainnet era bits",
			bits:    "1703a30c",
			wantBig: "00000000000000000003a30c0000000000000000000000000000000000000000",
		},
		{
			name:      "exponent below three shifts right",
			bits:      "02123456",
			wantWords: Target{0x1234},
		},
		{
			name:    "uppercase hex",
			bits:    "1D00FFFF",
			wantBig: "00000000ffff0000000000000000000000000000000000000000000000000000",
		},
		{
			name:    "0x prefix",
			bits:    "0x1d00ffff",
			wantBig: "00000000ffff0000000000000000000000000000000000000000000000000000",
		},
		{
			name:    "0X prefix",
			bits:    "0X207fffff",
			wantBig: "7fffff0000000000000000000000000000000000000000000000000000000000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCompactTarget(tt.bits)
			if err != nil {
				t.Fatalf("DecodeCompactTarget(%q) error = %v", tt.bits, err)
			}
			if tt.wantBig != "" && got.String() != tt.wantBig {
				t.Errorf("got %s, want %s", got.String(), tt.wantBig)
			}
			if tt.wantBig == "" && got != tt.wantWords {
				t.Errorf("got %#v, want %#v", got, tt.wantWords)
			}
		})
	}
}

func TestDecodeCompactTarget_DeviceHex(t *testing.T) {
	got, err := DecodeCompactTarget("207fffff")
	if err != nil {
		t.Fatal(err)
	}
	if hex := got.DeviceHex(); hex != "0000000000000000000000000000000000000000000000000000000000ffff7f" {
		t.Errorf("DeviceHex() = %s", hex)
	}

	genesis, _ := DecodeCompactTarget("1d00ffff")
	if genesis != Diff1Target {
		t.Errorf("1d00ffff should decode to the difficulty 1 target")
	}
}

func TestDecodeCompactTarget_Malformed(t *testing.T) {
	for _, bits := range []string{"", "0x", "zz00ffff", "1d00ffff00", "0x1d00ffff00", "0xx1d00ff"} {
		t.Run(bits, func(t *testing.T) {
			_, err := DecodeCompactTarget(bits)
			if !errors.IsMalformedField(err) {
				t.Errorf("DecodeCompactTarget(%q) error = %v, want malformed field", bits, err)
			}
		})
	}
}

func TestDecodeCompact_MatchesBlockchain(t *testing.T) {
	// mantissas without the sign bit, where both encodings agree
	vectors := []uint32{
		0x1d00ffff, 0x1b0404cb, 0x1a05db8b, 0x1703a30c, 0x207fffff,
		0x170331db, 0x03123456, 0x04123456, 0x1f00ffff,
	}
	for _, bits := range vectors {
		want := blockchain.CompactToBig(bits)
		got := DecodeCompact(bits).Big()
		if got.Cmp(want) != 0 {
			t.Errorf("DecodeCompact(%08x) = %x, want %x", bits, got, want)
		}
		if back := blockchain.BigToCompact(got); back != bits {
			t.Errorf("BigToCompact round trip of %08x = %08x", bits, back)
		}
	}
}

func TestDecodeCompact_Clamp(t *testing.T) {
	if got := DecodeCompact(0xff7fffff); got != MaxTarget {
		t.Errorf("oversized compact value should clamp to MaxTarget, got %s", got)
	}
	if got := DecodeCompact(0x1d000000); got != (Target{}) {
		t.Errorf("zero mantissa = %s", got)
	}
}

func TestDifficultyToTarget(t *testing.T) {
	tests := []struct {
		difficulty float64
		want       string
	}{
		{1, "00000000ffff0000000000000000000000000000000000000000000000000000"},
		{2, "000000007fff8000000000000000000000000000000000000000000000000000"},
		{0.5, "00000001fffe0000000000000000000000000000000000000000000000000000"},
		{1.5, "00000000aaaa0000000000000000000000000000000000000000000000000000"},
		{0, "00000000ffff0000000000000000000000000000000000000000000000000000"},
		{-4, "00000000ffff0000000000000000000000000000000000000000000000000000"},
		{math.NaN(), "00000000ffff0000000000000000000000000000000000000000000000000000"},
		{math.Inf(1), "0000000000000000000000000000000000000000000000000000000000000000"},
	}

	for _, tt := range tests {
		if got := DifficultyToTarget(tt.difficulty).String(); got != tt.want {
			t.Errorf("DifficultyToTarget(%v) = %s, want %s", tt.difficulty, got, tt.want)
		}
	}

	if got := DifficultyToTarget(2).DeviceHex(); got != "0000000000000000000000000000000000000000000000000080ff7f00000000" {
		t.Errorf("DifficultyToTarget(2).DeviceHex() = %s", got)
	}
}

func TestDifficultyToTarget_Clamp(t *testing.T) {
	if got := DifficultyToTarget(1e-70); got != MaxTarget {
		t.Errorf("tiny difficulty should clamp to MaxTarget, got %s", got)
	}
}

func TestDifficultyToTarget_Monotonic(t *testing.T) {
	difficulties := []float64{1e-9, 0.001, 0.5, 1, 1.0001, 2, 3.7, 512, 65536, 1e6, 8.3e13}
	prev := DifficultyToTarget(difficulties[0])
	for _, d := range difficulties[1:] {
		cur := DifficultyToTarget(d)
		if cur.Cmp(prev) > 0 {
			t.Errorf("target increased between difficulty steps at %v", d)
		}
		prev = cur
	}
}

func TestTargetFromBig(t *testing.T) {
	if got := TargetFromBig(big.NewInt(-1)); got != (Target{}) {
		t.Errorf("negative should clamp to zero, got %s", got)
	}
	if got := TargetFromBig(nil); got != (Target{}) {
		t.Errorf("nil should be zero, got %s", got)
	}

	over := new(big.Int).Lsh(big.NewInt(1), 300)
	if got := TargetFromBig(over); got != MaxTarget {
		t.Errorf("oversized value should clamp, got %s", got)
	}

	v, _ := new(big.Int).SetString("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", 16)
	got := TargetFromBig(v)
	if got[0] != 0x89abcdef || got[7] != 0x01234567 {
		t.Errorf("word order wrong: %#v", got)
	}
	if got.Big().Cmp(v) != 0 {
		t.Errorf("Big() = %x, want %x", got.Big(), v)
	}
}

func TestTarget_Cmp(t *testing.T) {
	low := Target{0: 5}
	high := Target{7: 1}
	if low.Cmp(high) != -1 || high.Cmp(low) != 1 || low.Cmp(low) != 0 {
		t.Error("Cmp must order by the most significant word first")
	}
}
