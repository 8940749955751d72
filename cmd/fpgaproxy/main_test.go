package main

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/fpgaproxy/internal/config"
	"github.com/bardlex/fpgaproxy/internal/database/journal"
	"github.com/bardlex/fpgaproxy/internal/device"
	"github.com/bardlex/fpgaproxy/internal/messaging"
	"github.com/bardlex/fpgaproxy/internal/stratum"
	"github.com/bardlex/fpgaproxy/pkg/log"
)

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:           "fpgaproxy",
		Version:               "test",
		PoolHost:              "127.0.0.1",
		PoolPort:              3333,
		PoolUser:              "bc1qtest.rig",
		PoolPass:              "x",
		PoolUserAgent:         "fpga-proxy/test",
		PoolDialTimeout:       time.Second,
		PoolWriteTimeout:      time.Second,
		PoolReadTimeout:       time.Minute,
		ReconnectBaseDelay:    10 * time.Millisecond,
		ReconnectMaxDelay:     50 * time.Millisecond,
		SerialPort:            "/dev/ttyTEST",
		SerialBaud:            115200,
		SerialChunkSize:       64,
		DeviceResponseTimeout: 200 * time.Millisecond,
		DevicePrompt:          "RUNTIME>",
		PollInterval:          5 * time.Millisecond,
		JobTimeout:            2 * time.Second,
		TargetSource:          config.TargetSourceShareDifficulty,
		DemoTargetBits:        "207fffff",
		ExtraNonce2Policy:     config.ExtraNonce2Truncate,
		PreemptOnCleanJobs:    true,
		StatusTTL:             time.Minute,
	}
}

func TestDeviceConfig(t *testing.T) {
	cfg := testConfig()
	cfg.SerialChunkDelay = 3 * time.Millisecond
	cfg.DeviceClearDelay = 50 * time.Millisecond

	got := deviceConfig(cfg)
	want := device.Config{
		Path:            "/dev/ttyTEST",
		ChunkSize:       64,
		ChunkDelay:      3 * time.Millisecond,
		ResponseTimeout: 200 * time.Millisecond,
		ClearDelay:      50 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		Prompt:          "RUNTIME>",
	}
	if got != want {
		t.Errorf("deviceConfig() = %+v\nwant %+v", got, want)
	}
}

func TestPoolConfig(t *testing.T) {
	got := poolConfig(testConfig())
	if got.Addr != "127.0.0.1:3333" || got.User != "bc1qtest.rig" || got.UserAgent != "fpga-proxy/test" {
		t.Errorf("poolConfig() = %+v", got)
	}
	if got.ReadTimeout != time.Minute {
		t.Errorf("ReadTimeout = %v", got.ReadTimeout)
	}
	if got.Reconnect.BaseDelay != 10*time.Millisecond || got.Reconnect.MaxDelay != 50*time.Millisecond {
		t.Errorf("Reconnect = %+v", got.Reconnect)
	}
	if got.Reconnect.MaxAttempts != 0 {
		t.Errorf("reconnect gives up after %d attempts", got.Reconnect.MaxAttempts)
	}
}

func TestBuildSinks(t *testing.T) {
	sinks, err := buildSinks(context.Background(), testConfig(), log.Discard())
	if err != nil || len(sinks) != 0 {
		t.Fatalf("no sinks configured: %v, %v", sinks, err)
	}

	cfg := testConfig()
	cfg.KafkaBrokers = []string{"localhost:9092"}
	cfg.SQLitePath = filepath.Join(t.TempDir(), "shares.db")
	sinks, err = buildSinks(context.Background(), cfg, log.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if len(sinks) != 2 {
		t.Fatalf("sinks = %d, want kafka and database", len(sinks))
	}
	if _, ok := sinks[0].(*messaging.KafkaProducer); !ok {
		t.Errorf("first sink = %T", sinks[0])
	}
	for _, s := range sinks {
		_ = s.Close()
	}
}

// consolePort answers like the firmware: every command is echoed, status
// polls report a fixed nonce, and each reply ends with the prompt.
type consolePort struct {
	mu      sync.Mutex
	line    []byte
	pending []byte
	closed  bool
}

func (p *consolePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range b {
		if c != '\n' {
			p.line = append(p.line, c)
			continue
		}
		cmd := string(p.line)
		p.line = p.line[:0]
		out := ""
		if cmd == device.CmdStatus {
			out = "miner: busy=0, found=1\r\nnonce encontrado = 48879 (0x0000beef)\r\n"
		}
		p.pending = append(p.pending, cmd+"\r\n"+out+"RUNTIME>"...)
	}
	return len(b), nil
}

func (p *consolePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	p.mu.Unlock()
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (p *consolePort) SetReadTimeout(time.Duration) error { return nil }

func (p *consolePort) ResetInputBuffer() error {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
	return nil
}

func (p *consolePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func send(t *testing.T, conn net.Conn, msg *stratum.Message) {
	t.Helper()
	data, err := stratum.MarshalMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		t.Fatal(err)
	}
}

func receive(t *testing.T, r *bufio.Reader) *stratum.Message {
	t.Helper()
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read from proxy: %v", err)
	}
	msg, err := stratum.ParseMessage(line)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestProxy_MinesAndJournalsShare(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := testConfig()
	cfg.PoolPort = ln.Addr().(*net.TCPAddr).Port
	cfg.SQLitePath = filepath.Join(t.TempDir(), "shares.db")

	port := &consolePort{}
	dev := device.NewBridge(port, deviceConfig(cfg), log.Discard())
	sinks, err := buildSinks(context.Background(), cfg, log.Discard())
	if err != nil {
		t.Fatal(err)
	}
	proxy := NewProxy(cfg, log.Discard(), dev, sinks)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- proxy.Run(ctx) }()

	ln.(*net.TCPListener).SetDeadline(time.Now().Add(2 * time.Second))
	conn, err := ln.Accept()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)

	if sub := receive(t, r); sub.Method != stratum.MethodSubscribe {
		t.Fatalf("first message = %+v", sub)
	}
	if auth := receive(t, r); auth.Method != stratum.MethodAuthorize {
		t.Fatalf("second message = %+v", auth)
	}
	send(t, conn, stratum.NewResponse(1, []any{[]any{}, "01020304", 4}))
	send(t, conn, stratum.NewResponse(2, true))
	send(t, conn, stratum.NewNotification(stratum.MethodSetDifficulty, []any{1}))
	send(t, conn, stratum.NewNotification(stratum.MethodNotify, []any{
		"4f",
		"00000000000000000002a7c4c1e48d76c5a37902165a270156b7a8d72728a054",
		"01000000010000000000000000000000000000000000000000000000000000000000000000ffffffff2003a0bb0c",
		"ffffffff0100f2052a010000001976a914000000000000000000000000000000000000000088ac00000000",
		[]any{
			"9f3a1cd8c5f0b5e0ee4b1ea6b1f2c6a0f1bd3e5a7d9c2b4e6f8a0c1d3e5f7a9b",
			"1a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f809",
		},
		"20000000", "1703a30c", "66a1b2c3", true,
	}))

	submit := receive(t, r)
	if submit.Method != stratum.MethodSubmit {
		t.Fatalf("expected submit, got %+v", submit)
	}
	req, err := stratum.ParseSubmitRequest(submit.Params)
	if err != nil {
		t.Fatal(err)
	}
	if req.Username != "bc1qtest.rig" || req.JobID != "4f" || req.ExtraNonce2 != "00000000" ||
		req.NTime != "66a1b2c3" || req.Nonce != "0000beef" {
		t.Errorf("submit = %+v", req)
	}
	id, _ := submit.IntID()
	if id != 3 {
		t.Errorf("submit id = %d, want 3", id)
	}
	send(t, conn, stratum.NewResponse(id, true))

	// the verdict travels through the async telemetry queue
	waitForStatus(t, cfg.SQLitePath, strconv.FormatInt(id, 10), journal.StatusAccepted)

	cancel()
	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := proxy.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() = %v", err)
	}
	if !port.closed {
		t.Error("serial port left open")
	}

	stats := proxy.orchestrator.Stats()
	if stats.SharesSubmitted != 1 || stats.SharesAccepted != 1 || stats.TotalHashes != 48880 {
		t.Errorf("stats = %+v", stats)
	}
}

func waitForStatus(t *testing.T, path, submitID, status string) {
	t.Helper()
	c, err := journal.NewClient(context.Background(), &journal.Config{Driver: journal.DriverSQLite, DSN: path})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		shares, err := c.Shares().RecentShares(context.Background(), 1)
		if err == nil && len(shares) == 1 && strconv.FormatInt(shares[0].SubmitID, 10) == submitID && shares[0].Status == status {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("share %s never reached status %q", submitID, status)
}
