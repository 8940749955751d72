// Package influx writes bridge metrics to InfluxDB: per-job hashrate, shares
// and their verdicts, job dispatches and status snapshots.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/fpgaproxy/internal/messaging"
	"github.com/bardlex/fpgaproxy/pkg/log"
)

// Measurements written by the client.
const (
	MeasurementJobs         = "bridge_jobs"
	MeasurementShares       = "bridge_shares"
	MeasurementShareResults = "bridge_share_results"
	MeasurementHashrate     = "bridge_hashrate"
	MeasurementStatus       = "bridge_status"
)

// pointWriter is the part of api.WriteAPI the client uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI pointWriter
	worker   string
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	// Worker tags every point.
	Worker string
}

// NewClient creates a new InfluxDB client. Writes are batched and flushed
// in the background; write failures are logged.
func NewClient(ctx context.Context, cfg *Config, logger *log.Logger) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	logger = logger.WithComponent("influx")
	go func() {
		for err := range writeAPI.Errors() {
			logger.WithError(err).Warn("InfluxDB write failed")
		}
	}()

	return &Client{
		client:   client,
		writeAPI: writeAPI,
		worker:   cfg.Worker,
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending points and closes the client
func (c *Client) Close() {
	c.writeAPI.Flush()
	if c.client != nil {
		c.client.Close()
	}
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

func (c *Client) tags(extra map[string]string) map[string]string {
	tags := map[string]string{"worker": c.worker}
	for k, v := range extra {
		tags[k] = v
	}
	return tags
}

// WriteJobMetric records a job handed to the device
func (c *Client) WriteJobMetric(msg messaging.JobMessage) {
	tags := c.tags(map[string]string{
		"target_source": msg.TargetSource,
		"clean_jobs":    strconv.FormatBool(msg.CleanJobs),
	})

	fields := map[string]any{
		"job_id":     msg.JobID,
		"difficulty": msg.Difficulty,
		"nbits":      msg.NBits,
		"count":      1,
	}

	c.writeAPI.WritePoint(write.NewPoint(MeasurementJobs, tags, fields, msg.DispatchedAt))
}

// WriteShareMetric records a share submission
func (c *Client) WriteShareMetric(msg messaging.ShareMessage) {
	tags := c.tags(map[string]string{
		"placeholder": strconv.FormatBool(msg.Placeholder),
	})

	fields := map[string]any{
		"job_id":     msg.JobID,
		"submit_id":  msg.SubmitID,
		"nonce":      msg.Nonce,
		"difficulty": msg.Difficulty,
		"count":      1,
	}

	c.writeAPI.WritePoint(write.NewPoint(MeasurementShares, tags, fields, msg.SubmittedAt))
}

// WriteShareResultMetric records the pool's verdict
func (c *Client) WriteShareResultMetric(msg messaging.ShareResultMessage) {
	tags := c.tags(map[string]string{
		"accepted": strconv.FormatBool(msg.Accepted),
	})

	fields := map[string]any{
		"submit_id": msg.SubmitID,
		"count":     1,
	}
	if !msg.Accepted {
		fields["error_code"] = msg.ErrorCode
		fields["reason"] = msg.Reason
	}

	c.writeAPI.WritePoint(write.NewPoint(MeasurementShareResults, tags, fields, msg.ReceivedAt))
}

// WriteHashrateMetric records the work estimate of one job
func (c *Client) WriteHashrateMetric(msg messaging.HashrateMessage) {
	fields := map[string]any{
		"job_id":       msg.JobID,
		"hashes":       msg.Hashes,
		"elapsed_ms":   msg.ElapsedMs,
		"hashrate":     msg.Rate,
		"average_rate": msg.AverageRate,
		"total_hashes": msg.TotalHashes,
	}

	c.writeAPI.WritePoint(write.NewPoint(MeasurementHashrate, c.tags(nil), fields, msg.ReportedAt))
}

// WriteStatusMetric records a status snapshot
func (c *Client) WriteStatusMetric(msg messaging.StatusMessage) {
	fields := map[string]any{
		"connected":       msg.Connected,
		"authorized":      msg.Authorized,
		"session":         msg.Session,
		"difficulty":      msg.Difficulty,
		"shares_accepted": msg.SharesAccepted,
		"shares_rejected": msg.SharesRejected,
		"average_rate":    msg.AverageRate,
	}

	c.writeAPI.WritePoint(write.NewPoint(MeasurementStatus, c.tags(nil), fields, msg.UpdatedAt))
}
