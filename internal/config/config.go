// Package config loads the proxy configuration from environment variables.
// The result is built once at startup and handed to every component.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/fpgaproxy/internal/bitcoin"
)

// Target source policies.
const (
	TargetSourceNBits           = "nbits"
	TargetSourceShareDifficulty = "share_difficulty"
)

// Extranonce2 overflow policies.
const (
	ExtraNonce2Truncate = "truncate"
	ExtraNonce2Strict   = "strict"
)

// Config holds the proxy configuration
type Config struct {
	// Service identification
	ServiceName string
	Version     string

	// Upstream pool
	PoolHost           string
	PoolPort           int
	PoolUser           string
	PoolPass           string
	PoolUserAgent      string
	PoolDialTimeout    time.Duration
	PoolWriteTimeout   time.Duration
	PoolReadTimeout    time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// Serial device
	SerialPort            string
	SerialBaud            int
	SerialSettleDelay     time.Duration
	SerialChunkSize       int
	SerialChunkDelay      time.Duration
	DeviceResponseTimeout time.Duration
	DeviceClearDelay      time.Duration
	DevicePrompt          string

	// Mining loop
	PollInterval          time.Duration
	JobTimeout            time.Duration
	TargetSource          string
	DemoTargetBits        string
	DemoAnnounceShare     bool
	ExtraNonce2Policy     string
	PreemptOnCleanJobs    bool
	ValidateWorkerAddress bool
	BitcoinNetwork        string

	// Optional telemetry sinks, empty disables
	KafkaBrokers   []string
	ZMQPubEndpoint string
	RedisURL       string
	PostgresURL    string
	SQLitePath     string
	InfluxURL      string
	InfluxToken    string
	InfluxOrg      string
	InfluxBucket   string
	StatusTTL      time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "fpgaproxy"),
		Version:     getEnv("VERSION", "dev"),

		PoolHost:           getEnv("POOL_HOST", "public-pool.io"),
		PoolPort:           getEnvInt("POOL_PORT", 3333),
		PoolUser:           getEnv("POOL_USER", ""),
		PoolPass:           getEnv("POOL_PASS", "x"),
		PoolUserAgent:      getEnv("POOL_USER_AGENT", "fpga-proxy/1.0"),
		PoolDialTimeout:    getEnvDuration("POOL_DIAL_TIMEOUT", 10*time.Second),
		PoolWriteTimeout:   getEnvDuration("POOL_WRITE_TIMEOUT", 10*time.Second),
		PoolReadTimeout:    getEnvDuration("POOL_READ_TIMEOUT", 5*time.Minute),
		ReconnectBaseDelay: getEnvDuration("RECONNECT_BASE_DELAY", 5*time.Second),
		ReconnectMaxDelay:  getEnvDuration("RECONNECT_MAX_DELAY", 60*time.Second),

		SerialPort:            getEnv("SERIAL_PORT", "/dev/ttyACM0"),
		SerialBaud:            getEnvInt("SERIAL_BAUD", 115200),
		SerialSettleDelay:     getEnvDuration("SERIAL_SETTLE_DELAY", 2*time.Second),
		SerialChunkSize:       getEnvInt("SERIAL_CHUNK_SIZE", 64),
		SerialChunkDelay:      getEnvDuration("SERIAL_CHUNK_DELAY", 2*time.Millisecond),
		DeviceResponseTimeout: getEnvDuration("DEVICE_RESPONSE_TIMEOUT", 2*time.Second),
		DeviceClearDelay:      getEnvDuration("DEVICE_CLEAR_DELAY", 100*time.Millisecond),
		DevicePrompt:          getEnv("DEVICE_PROMPT", "RUNTIME>"),

		PollInterval:          getEnvDuration("POLL_INTERVAL", 500*time.Millisecond),
		JobTimeout:            getEnvDuration("JOB_TIMEOUT", 60*time.Second),
		TargetSource:          strings.ToLower(getEnv("TARGET_SOURCE", TargetSourceShareDifficulty)),
		DemoTargetBits:        getEnvAllowEmpty("DEMO_TARGET_BITS", "207fffff"),
		DemoAnnounceShare:     getEnvBool("DEMO_ANNOUNCE_SHARE", false),
		ExtraNonce2Policy:     strings.ToLower(getEnv("EXTRANONCE2_POLICY", ExtraNonce2Truncate)),
		PreemptOnCleanJobs:    getEnvBool("PREEMPT_ON_CLEAN_JOBS", true),
		ValidateWorkerAddress: getEnvBool("VALIDATE_WORKER_ADDRESS", false),
		BitcoinNetwork:        strings.ToLower(getEnv("BITCOIN_NETWORK", "mainnet")),

		KafkaBrokers:   getEnvSlice("KAFKA_BROKERS", nil),
		ZMQPubEndpoint: getEnv("ZMQ_PUB_ENDPOINT", ""),
		RedisURL:       getEnv("REDIS_URL", ""),
		PostgresURL:    getEnv("POSTGRES_URL", ""),
		SQLitePath:     getEnv("SQLITE_PATH", ""),
		InfluxURL:      getEnv("INFLUX_URL", ""),
		InfluxToken:    getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:      getEnv("INFLUX_ORG", "fpgaproxy"),
		InfluxBucket:   getEnv("INFLUX_BUCKET", "mining"),
		StatusTTL:      getEnvDuration("STATUS_TTL", 2*time.Minute),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// PoolAddr returns host:port of the upstream pool.
func (c *Config) PoolAddr() string {
	return net.JoinHostPort(c.PoolHost, strconv.Itoa(c.PoolPort))
}

// NetParams returns the chain parameters selected by BITCOIN_NETWORK.
func (c *Config) NetParams() (*chaincfg.Params, error) {
	switch c.BitcoinNetwork {
	case "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown BITCOIN_NETWORK %q", c.BitcoinNetwork)
	}
}

// WorkerAddress splits POOL_USER into the payout address and worker suffix.
func (c *Config) WorkerAddress() (address, worker string) {
	address, worker, _ = strings.Cut(c.PoolUser, ".")
	return address, worker
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.PoolHost == "" {
		return fmt.Errorf("POOL_HOST cannot be empty")
	}

	if c.PoolPort <= 0 || c.PoolPort > 65535 {
		return fmt.Errorf("POOL_PORT must be between 1 and 65535")
	}

	if c.PoolUser == "" {
		return fmt.Errorf("POOL_USER is required")
	}

	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("RECONNECT_MAX_DELAY must be >= RECONNECT_BASE_DELAY > 0")
	}

	if c.SerialPort == "" {
		return fmt.Errorf("SERIAL_PORT cannot be empty")
	}

	if c.SerialBaud <= 0 {
		return fmt.Errorf("SERIAL_BAUD must be positive")
	}

	if c.SerialChunkSize <= 0 {
		return fmt.Errorf("SERIAL_CHUNK_SIZE must be positive")
	}

	if c.DevicePrompt == "" {
		return fmt.Errorf("DEVICE_PROMPT cannot be empty")
	}

	if c.PollInterval <= 0 || c.JobTimeout <= 0 || c.DeviceResponseTimeout <= 0 {
		return fmt.Errorf("POLL_INTERVAL, JOB_TIMEOUT and DEVICE_RESPONSE_TIMEOUT must be positive")
	}

	switch c.TargetSource {
	case TargetSourceNBits, TargetSourceShareDifficulty:
	default:
		return fmt.Errorf("TARGET_SOURCE must be %q or %q", TargetSourceNBits, TargetSourceShareDifficulty)
	}

	switch c.ExtraNonce2Policy {
	case ExtraNonce2Truncate, ExtraNonce2Strict:
	default:
		return fmt.Errorf("EXTRANONCE2_POLICY must be %q or %q", ExtraNonce2Truncate, ExtraNonce2Strict)
	}

	if c.DemoTargetBits != "" {
		if _, err := bitcoin.DecodeCompactTarget(c.DemoTargetBits); err != nil {
			return fmt.Errorf("DEMO_TARGET_BITS must be up to 8 hex digits: %w", err)
		}
	}

	if c.ValidateWorkerAddress {
		params, err := c.NetParams()
		if err != nil {
			return err
		}
		addr, _ := c.WorkerAddress()
		decoded, err := btcutil.DecodeAddress(addr, params)
		if err != nil {
			return fmt.Errorf("POOL_USER address %q is invalid: %w", addr, err)
		}
		if !decoded.IsForNet(params) {
			return fmt.Errorf("POOL_USER address %q is not for %s", addr, params.Name)
		}
	}

	if c.InfluxURL != "" && c.InfluxToken == "" {
		return fmt.Errorf("INFLUX_TOKEN is required when INFLUX_URL is set")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAllowEmpty distinguishes an explicitly empty variable from an unset one.
func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for part := range strings.SplitSeq(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
