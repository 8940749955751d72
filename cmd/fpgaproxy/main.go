// Package main implements fpgaproxy, which mines for a Stratum pool with an
// FPGA accelerator attached to a serial console.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/fpgaproxy/internal/bridge"
	"github.com/bardlex/fpgaproxy/internal/config"
	"github.com/bardlex/fpgaproxy/internal/database"
	"github.com/bardlex/fpgaproxy/internal/device"
	"github.com/bardlex/fpgaproxy/internal/messaging"
	"github.com/bardlex/fpgaproxy/internal/stratum"
	"github.com/bardlex/fpgaproxy/pkg/log"
	"github.com/bardlex/fpgaproxy/pkg/retry"
)

// telemetryQueue is the number of records buffered ahead of slow sinks.
const telemetryQueue = 1024

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting fpgaproxy",
		"version", cfg.Version,
		"pool", cfg.PoolAddr(),
		"worker", cfg.PoolUser,
		"serial_port", cfg.SerialPort,
		"target_source", cfg.TargetSource,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev, err := device.Open(ctx, deviceConfig(cfg), cfg.SerialBaud, cfg.SerialSettleDelay, logger)
	if err != nil {
		logger.WithError(err).Error("failed to open serial device")
		os.Exit(1)
	}
	logger.Info("serial device ready", "port", cfg.SerialPort, "baud", cfg.SerialBaud)

	sinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		_ = dev.Close()
		logger.WithError(err).Error("failed to set up telemetry")
		os.Exit(1)
	}

	proxy := NewProxy(cfg, logger, dev, sinks)

	runErr := proxy.Run(ctx)
	if runErr != nil && ctx.Err() == nil {
		logger.WithError(runErr).Error("mining loop failed")
	} else {
		logger.Info("shutdown signal received")
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := proxy.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("fpgaproxy stopped")
	if runErr != nil && ctx.Err() == nil {
		os.Exit(1)
	}
}

// deviceConfig maps the process configuration onto the serial bridge.
func deviceConfig(cfg *config.Config) device.Config {
	return device.Config{
		Path:            cfg.SerialPort,
		ChunkSize:       cfg.SerialChunkSize,
		ChunkDelay:      cfg.SerialChunkDelay,
		ResponseTimeout: cfg.DeviceResponseTimeout,
		ClearDelay:      cfg.DeviceClearDelay,
		PollInterval:    cfg.PollInterval,
		Prompt:          cfg.DevicePrompt,
	}
}

// poolConfig maps the process configuration onto the Stratum client.
func poolConfig(cfg *config.Config) stratum.Config {
	reconnect := retry.ReconnectConfig()
	reconnect.BaseDelay = cfg.ReconnectBaseDelay
	reconnect.MaxDelay = cfg.ReconnectMaxDelay

	return stratum.Config{
		Addr:         cfg.PoolAddr(),
		User:         cfg.PoolUser,
		Pass:         cfg.PoolPass,
		UserAgent:    cfg.PoolUserAgent,
		DialTimeout:  cfg.PoolDialTimeout,
		ReadTimeout:  cfg.PoolReadTimeout,
		WriteTimeout: cfg.PoolWriteTimeout,
		Reconnect:    reconnect,
	}
}

// buildSinks opens every configured telemetry sink. A sink that fails to
// start is fatal: the operator asked for it explicitly.
func buildSinks(ctx context.Context, cfg *config.Config, logger *log.Logger) ([]messaging.Recorder, error) {
	var sinks []messaging.Recorder
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		sinks = append(sinks, messaging.NewKafkaProducer(cfg.KafkaBrokers, logger))
		logger.Info("kafka telemetry enabled", "brokers", cfg.KafkaBrokers)
	}

	if cfg.ZMQPubEndpoint != "" {
		pub, err := messaging.NewZMQPublisher(cfg.ZMQPubEndpoint, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, pub)
	}

	if dbCfg := database.ConfigFrom(cfg); dbCfg.Enabled() {
		manager, err := database.NewManager(ctx, dbCfg, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, manager)
	}

	return sinks, nil
}

// Proxy owns the long-running parts of the process.
type Proxy struct {
	logger       *log.Logger
	client       *stratum.Client
	orchestrator *bridge.Orchestrator
	device       *device.Bridge
	telemetry    *messaging.Async

	telemetryCancel context.CancelFunc
	wg              sync.WaitGroup
}

// NewProxy wires the pool client, the device and the sinks together. With
// no sinks telemetry is discarded.
func NewProxy(cfg *config.Config, logger *log.Logger, dev *device.Bridge, sinks []messaging.Recorder) *Proxy {
	p := &Proxy{
		logger: logger.WithComponent("proxy"),
		client: stratum.NewClient(poolConfig(cfg), logger),
		device: dev,
	}

	var recorder messaging.Recorder
	if len(sinks) > 0 {
		p.telemetry = messaging.NewAsync(messaging.Fanout(sinks), telemetryQueue, 5*time.Second, logger)
		recorder = p.telemetry
	}

	p.orchestrator = bridge.New(bridge.ConfigFrom(cfg), p.client, dev, recorder, logger)
	return p
}

// Run blocks until ctx is cancelled or the mining loop stops.
func (p *Proxy) Run(ctx context.Context) error {
	if p.telemetry != nil {
		// telemetry outlives ctx so the final records are still written
		tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		p.telemetryCancel = cancel
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.telemetry.Run(tctx)
		}()
	}

	clientCtx, cancelClient := context.WithCancel(ctx)
	defer cancelClient()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.client.Run(clientCtx); err != nil && clientCtx.Err() == nil {
			p.logger.WithError(err).Error("pool client stopped")
		}
	}()

	err := p.orchestrator.Run(ctx)
	cancelClient()
	return err
}

// Shutdown drains telemetry and releases the serial port.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.telemetryCancel != nil {
		p.telemetryCancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for workers: %w", ctx.Err())
	}

	stats := p.orchestrator.Stats()
	p.logger.Info("final statistics",
		"jobs_dispatched", stats.JobsDispatched,
		"jobs_found", stats.JobsFound,
		"shares_submitted", stats.SharesSubmitted,
		"shares_accepted", stats.SharesAccepted,
		"shares_rejected", stats.SharesRejected,
		"total_hashes", stats.TotalHashes,
	)

	var firstErr error
	if p.telemetry != nil {
		if err := p.telemetry.Close(); err != nil {
			p.logger.WithError(err).Warn("telemetry close failed")
			firstErr = err
		}
	}
	if p.device != nil {
		if err := p.device.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
