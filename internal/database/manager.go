// Package database fans bridge telemetry out to the optional stores:
// InfluxDB for metrics, Redis for live status and a SQL share journal.
// Any of them may be absent.
package database

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/bardlex/fpgaproxy/internal/config"
	"github.com/bardlex/fpgaproxy/internal/database/influx"
	"github.com/bardlex/fpgaproxy/internal/database/journal"
	"github.com/bardlex/fpgaproxy/internal/database/redis"
	"github.com/bardlex/fpgaproxy/internal/messaging"
	"github.com/bardlex/fpgaproxy/pkg/circuit"
	"github.com/bardlex/fpgaproxy/pkg/errors"
	"github.com/bardlex/fpgaproxy/pkg/log"
	"github.com/bardlex/fpgaproxy/pkg/retry"
)

// hashrateWindow bounds the Redis hashrate history.
const hashrateWindow = 10 * time.Minute

// Manager coordinates writes across the configured stores. It implements
// messaging.Recorder.
type Manager struct {
	Influx  *influx.Client
	Redis   *redis.Client
	Journal *journal.Client

	logger *log.Logger

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

var _ messaging.Recorder = (*Manager)(nil)

// Config holds configuration for all stores; nil disables a store.
type Config struct {
	Influx  *influx.Config
	Redis   *redis.Config
	Journal *journal.Config
}

// ConfigFrom maps the process configuration to store configs. The journal
// prefers PostgreSQL when both it and SQLite are set.
func ConfigFrom(cfg *config.Config) *Config {
	out := &Config{}
	if cfg.InfluxURL != "" {
		out.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
			Worker: cfg.PoolUser,
		}
	}
	if cfg.RedisURL != "" {
		out.Redis = &redis.Config{
			URL:       cfg.RedisURL,
			Prefix:    "fpgaproxy:" + cfg.PoolUser,
			StatusTTL: cfg.StatusTTL,
		}
	}
	switch {
	case cfg.PostgresURL != "":
		out.Journal = &journal.Config{
			Driver:       journal.DriverPostgres,
			DSN:          cfg.PostgresURL,
			MaxOpenConns: 4,
			MaxIdleConns: 2,
			MaxLifetime:  30 * time.Minute,
		}
	case cfg.SQLitePath != "":
		out.Journal = &journal.Config{
			Driver: journal.DriverSQLite,
			DSN:    cfg.SQLitePath,
		}
	}
	return out
}

// Enabled reports whether any store is configured.
func (c *Config) Enabled() bool {
	return c.Influx != nil || c.Redis != nil || c.Journal != nil
}

// NewManager connects every configured store. If one fails the ones
// already opened are closed.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{
		logger: logger.WithComponent("database"),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "database",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ErrorType:       errors.ErrorTypeDatabase,
		}),
		retryConfig: retry.TelemetryConfig(),
	}

	if cfg.Journal != nil {
		client, err := journal.NewClient(ctx, cfg.Journal)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "journal_connection",
				"failed to open share journal").
				WithContext("driver", cfg.Journal.Driver)
		}
		m.Journal = client
		m.logger.Info("share journal ready", "driver", cfg.Journal.Driver)
	}

	if cfg.Redis != nil {
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis")
			if closeErr := m.Close(); closeErr != nil {
				return nil, origErr.WithContext("cleanup_error", closeErr.Error())
			}
			return nil, origErr
		}
		m.Redis = client
		m.logger.Info("redis status publisher ready")
	}

	if cfg.Influx != nil {
		client, err := influx.NewClient(ctx, cfg.Influx, logger)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB")
			if closeErr := m.Close(); closeErr != nil {
				return nil, origErr.WithContext("cleanup_error", closeErr.Error())
			}
			return nil, origErr
		}
		m.Influx = client
		m.logger.Info("influx metrics ready", "bucket", cfg.Influx.Bucket)
	}

	return m, nil
}

// Close closes all store connections
func (m *Manager) Close() error {
	var errs []error

	if m.Journal != nil {
		if err := m.Journal.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeDatabase, "journal_close", "failed to close share journal"))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_close", "failed to close Redis"))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	return stderrors.Join(errs...)
}

// Health checks every configured store
func (m *Manager) Health(ctx context.Context) error {
	if m.Journal != nil {
		if err := m.Journal.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "journal_health", "share journal health check failed")
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "redis_health", "redis health check failed")
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "influx_health", "InfluxDB health check failed")
		}
	}

	return nil
}

// protect runs a store write behind the circuit breaker with retries.
func (m *Manager) protect(ctx context.Context, op string, fn func() error) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := fn(); err != nil {
				se := errors.Wrap(err, errors.ErrorTypeDatabase, op, "store write failed")
				// connection-level failures are worth another try
				se.Retryable = errors.IsRetryable(err)
				return se
			}
			return nil
		})
	})
}

// bestEffort logs a failed secondary write without failing the record.
func (m *Manager) bestEffort(op string, err error) {
	if err != nil {
		m.logger.WithError(err).Warn("non-critical store write failed", "operation", op)
	}
}

// RecordJob writes the dispatch metric.
func (m *Manager) RecordJob(_ context.Context, msg messaging.JobMessage) error {
	if m.Influx != nil {
		m.Influx.WriteJobMetric(msg)
	}
	return nil
}

// RecordShare journals the share (critical) and updates metrics and
// counters (best effort).
func (m *Manager) RecordShare(ctx context.Context, msg messaging.ShareMessage) error {
	if m.Journal != nil {
		share := &journal.Share{
			SubmitID:    msg.SubmitID,
			Session:     int64(msg.Session),
			JobID:       msg.JobID,
			Worker:      msg.Worker,
			ExtraNonce2: msg.ExtraNonce2,
			Ntime:       msg.NTime,
			Nonce:       msg.Nonce,
			Hash:        msg.Hash,
			Difficulty:  msg.Difficulty,
			Placeholder: msg.Placeholder,
			SubmittedAt: msg.SubmittedAt,
		}
		err := m.protect(ctx, "record_share", func() error {
			return m.Journal.Shares().CreateShare(ctx, share)
		})
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
				"failed to journal share").
				WithContext("job_id", msg.JobID).
				WithContext("submit_id", msg.SubmitID)
		}
	}

	if m.Influx != nil {
		m.Influx.WriteShareMetric(msg)
	}
	if m.Redis != nil {
		_, err := m.Redis.IncrementCounter(ctx, "shares:submitted")
		m.bestEffort("redis_share_counter", err)
	}
	return nil
}

// RecordShareResult stores the verdict in the journal and bumps the
// matching counter.
func (m *Manager) RecordShareResult(ctx context.Context, msg messaging.ShareResultMessage) error {
	if m.Journal != nil {
		var updated bool
		err := m.protect(ctx, "record_share_result", func() error {
			var err error
			updated, err = m.Journal.Shares().RecordResult(ctx, msg.SubmitID, msg.Accepted, msg.Reason, msg.ReceivedAt)
			return err
		})
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share_result",
				"failed to journal share result").
				WithContext("submit_id", msg.SubmitID)
		}
		if !updated {
			m.logger.Debug("share result for unjournaled submit", "submit_id", msg.SubmitID)
		}
	}

	if m.Influx != nil {
		m.Influx.WriteShareResultMetric(msg)
	}
	if m.Redis != nil {
		counter := "shares:rejected"
		if msg.Accepted {
			counter = "shares:accepted"
		}
		_, err := m.Redis.IncrementCounter(ctx, counter)
		m.bestEffort("redis_result_counter", err)
	}
	return nil
}

// RecordHashrate writes the rate metric and the Redis history.
func (m *Manager) RecordHashrate(ctx context.Context, msg messaging.HashrateMessage) error {
	if m.Influx != nil {
		m.Influx.WriteHashrateMetric(msg)
	}
	if m.Redis != nil {
		m.bestEffort("redis_hashrate", m.Redis.SetHashrate(ctx, msg, hashrateWindow))
	}
	return nil
}

// RecordStatus refreshes the Redis status hash.
func (m *Manager) RecordStatus(ctx context.Context, msg messaging.StatusMessage) error {
	if m.Influx != nil {
		m.Influx.WriteStatusMetric(msg)
	}
	if m.Redis != nil {
		if err := m.Redis.SetStatus(ctx, msg); err != nil {
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_status", "failed to publish status")
		}
	}
	return nil
}
