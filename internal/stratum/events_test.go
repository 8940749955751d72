package stratum

import (
	"reflect"
	"testing"

	proxyErrors "github.com/bardlex/fpgaproxy/pkg/errors"
)

func notifyParams() []any {
	return []any{
		"4f",
		"00000000000000000005b8ad1d9b4a1a0b1fd9a0ea9e8b8b3ec3cb3c72f1d0a8",
		"01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff20",
		"ffffffff0100f2052a010000001976a914000000000000000000000000000000000000000088ac00000000",
		[]any{
			"b3e6b2d3b1bd1f0d1a5e1e0d2c8a5cf4b8e6c8ddf0a7d2f8e1b1a3c4d5e6f708",
		},
		"20000000",
		"1703a30c",
		"5f5e1000",
		true,
	}
}

func TestParseNotify(t *testing.T) {
	job, err := ParseNotify(notifyParams())
	if err != nil {
		t.Fatalf("ParseNotify() error = %v", err)
	}
	want := Job{
		ID:        "4f",
		PrevHash:  "00000000000000000005b8ad1d9b4a1a0b1fd9a0ea9e8b8b3ec3cb3c72f1d0a8",
		Coinb1:    "01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff20",
		Coinb2:    "ffffffff0100f2052a010000001976a914000000000000000000000000000000000000000088ac00000000",
		Branches:  []string{"b3e6b2d3b1bd1f0d1a5e1e0d2c8a5cf4b8e6c8ddf0a7d2f8e1b1a3c4d5e6f708"},
		Version:   "20000000",
		Bits:      "1703a30c",
		Time:      "5f5e1000",
		CleanJobs: true,
	}
	if !reflect.DeepEqual(job, want) {
		t.Errorf("ParseNotify() = %+v\nwant %+v", job, want)
	}
}

func TestParseNotify_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]any) []any
	}{
		{"too few params", func(p []any) []any { return p[:8] }},
		{"numeric job id", func(p []any) []any { p[0] = float64(79); return p }},
		{"branches not a list", func(p []any) []any { p[4] = "abcd"; return p }},
		{"numeric branch", func(p []any) []any { p[4] = []any{float64(1)}; return p }},
		{"numeric nbits", func(p []any) []any { p[6] = float64(0x1703a30c); return p }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseNotify(tt.mutate(notifyParams()))
			if !proxyErrors.IsType(err, proxyErrors.ErrorTypeValidation) {
				t.Errorf("ParseNotify() error = %v, want validation error", err)
			}
		})
	}
}

func TestParseNotify_NullBranchesAndMissingClean(t *testing.T) {
	p := notifyParams()
	p[4] = nil
	p[8] = nil
	job, err := ParseNotify(p)
	if err != nil {
		t.Fatalf("ParseNotify() error = %v", err)
	}
	if len(job.Branches) != 0 || job.CleanJobs {
		t.Errorf("job = %+v", job)
	}

	// eight fields, clean_jobs left out
	short := notifyParams()[:8]
	job, err = ParseNotify(short)
	if err != nil {
		t.Fatalf("ParseNotify() of 8 params error = %v", err)
	}
	if job.ID != short[0] || job.Time != short[7] || job.CleanJobs {
		t.Errorf("job = %+v", job)
	}

	if _, err := ParseNotify(notifyParams()[:7]); err == nil {
		t.Error("7 params should fail")
	}
}

func TestParseSetDifficulty(t *testing.T) {
	d, err := ParseSetDifficulty([]any{float64(16384)})
	if err != nil || d != 16384 {
		t.Errorf("ParseSetDifficulty() = %v, %v", d, err)
	}
	if _, err := ParseSetDifficulty(nil); err == nil {
		t.Error("empty params should fail")
	}
	if _, err := ParseSetDifficulty([]any{"1"}); err == nil {
		t.Error("string difficulty should fail")
	}
}

func TestParseSubscribeResult(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"id":1,"result":[[["mining.set_difficulty","b4b6693b72a50c7116db18d6497cac52"],["mining.notify","ae6812eb4cd7735a302a8a9dd95cf71f"]],"01020304",4],"error":null}`))
	if err != nil {
		t.Fatal(err)
	}
	sub, err := ParseSubscribeResult(msg.Result)
	if err != nil {
		t.Fatalf("ParseSubscribeResult() error = %v", err)
	}
	if sub.ExtraNonce1 != "01020304" || sub.ExtraNonce2Size != 4 {
		t.Errorf("sub = %+v", sub)
	}

	bad := []any{
		nil,
		[]any{[]any{}, "01020304"},
		[]any{[]any{}, float64(1), float64(4)},
		[]any{[]any{}, "01020304", float64(-1)},
		[]any{[]any{}, "01020304", float64(2.5)},
	}
	for _, result := range bad {
		if _, err := ParseSubscribeResult(result); err == nil {
			t.Errorf("ParseSubscribeResult(%v) should fail", result)
		}
	}
}

func TestParseSetExtranonce(t *testing.T) {
	sub, err := ParseSetExtranonce([]any{"aabbccdd", float64(8)})
	if err != nil || sub.ExtraNonce1 != "aabbccdd" || sub.ExtraNonce2Size != 8 {
		t.Errorf("ParseSetExtranonce() = %+v, %v", sub, err)
	}
	if _, err := ParseSetExtranonce([]any{"aabbccdd"}); err == nil {
		t.Error("missing size should fail")
	}
}
