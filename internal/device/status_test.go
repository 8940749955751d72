package device

import "testing"

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		ok     bool
		busy   bool
		found  bool
		nonce  uint32
		hashed bool
	}{
		{
			name:  "busy",
			reply: "miner: busy=1, found=0",
			ok:    true,
			busy:  true,
		},
		{
			name:  "idle without result",
			reply: "miner: busy=0, found=0",
			ok:    true,
		},
		{
			name: "firmware found",
			reply: "miner: busy=0, found=1\n" +
				"nonce encontrado = 305419896 (0x12345678)\n" +
				"hash encontrado = 0000000000000000000000000000000000000000000000000000000000000001",
			ok:     true,
			found:  true,
			nonce:  0x12345678,
			hashed: true,
		},
		{
			name:  "capitalized without prefix",
			reply: "Nonce encontrado (DEADBEEF)",
			ok:    true,
			found: true,
			nonce: 0xdeadbeef,
		},
		{
			name:  "short hex",
			reply: "nonce encontrado = 15 (0xf)",
			ok:    true,
			found: true,
			nonce: 0xf,
		},
		{
			name:  "found flag cleared",
			reply: "miner: busy=1, found=0\nnonce encontrado = 1 (0x00000001)",
			ok:    true,
			busy:  true,
			nonce: 1,
		},
		{
			name:  "nothing",
			reply: "",
		},
		{
			name:  "noise",
			reply: "HelloWorld!\nled toggled",
		},
		{
			name:  "nonce without parentheses",
			reply: "nonce encontrado = 12",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := ParseStatus(tt.reply)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if s.Busy != tt.busy || s.Found != tt.found || s.Nonce != tt.nonce {
				t.Errorf("status = %+v", s)
			}
			if s.HasHash != tt.hashed {
				t.Errorf("HasHash = %v", s.HasHash)
			}
		})
	}
}

func TestCleanReply(t *testing.T) {
	raw := "miner_job 00ff\r\n\r\nok\r\nRUNTIME>"
	if got := cleanReply(raw, "miner_job 00ff", "RUNTIME>"); got != "ok" {
		t.Errorf("cleanReply() = %q", got)
	}

	raw = "RUNTIME>miner_status\r\nminer: busy=0, found=0\r\nRUNTIME>"
	if got := cleanReply(raw, "miner_status", "RUNTIME>"); got != "miner: busy=0, found=0" {
		t.Errorf("cleanReply() = %q", got)
	}
}
