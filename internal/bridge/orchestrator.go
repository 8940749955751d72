// Package bridge runs the mining loop: it turns pool jobs into device work
// and device results into shares.
//
// Two goroutines cooperate. The event loop owns SessionState and never
// touches the serial port; the device worker runs one job at a time. A
// single-slot queue sits between them and a newer job replaces one that
// has not started yet.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/fpgaproxy/internal/bitcoin"
	"github.com/bardlex/fpgaproxy/internal/config"
	"github.com/bardlex/fpgaproxy/internal/device"
	"github.com/bardlex/fpgaproxy/internal/messaging"
	"github.com/bardlex/fpgaproxy/internal/stratum"
	"github.com/bardlex/fpgaproxy/internal/validation"
	"github.com/bardlex/fpgaproxy/pkg/errors"
	"github.com/bardlex/fpgaproxy/pkg/log"
)

// placeholderNonce is sent once in demo mode so the worker shows up on the
// pool dashboard before the device finds anything.
const placeholderNonce = "00000000"

// Pool is the upstream side.
type Pool interface {
	Events() <-chan stratum.Event
	Submit(share stratum.Share) (int64, error)
}

// Device is the accelerator side.
type Device interface {
	SubmitJob(ctx context.Context, header bitcoin.Header, target bitcoin.Target) error
	WaitForResult(ctx context.Context, timeout time.Duration) (device.Status, error)
}

// Config selects the mining loop policies.
type Config struct {
	Worker             string
	TargetSource       string
	DemoTargetBits     string
	DemoAnnounceShare  bool
	ExtraNonce2Policy  bitcoin.ExtraNonce2Policy
	JobTimeout         time.Duration
	PreemptOnCleanJobs bool
}

// ConfigFrom extracts the orchestrator settings from the process config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Worker:             cfg.PoolUser,
		TargetSource:       cfg.TargetSource,
		DemoTargetBits:     cfg.DemoTargetBits,
		DemoAnnounceShare:  cfg.DemoAnnounceShare,
		ExtraNonce2Policy:  bitcoin.ExtraNonce2Policy(cfg.ExtraNonce2Policy),
		JobTimeout:         cfg.JobTimeout,
		PreemptOnCleanJobs: cfg.PreemptOnCleanJobs,
	}
}

// dispatch is one job on its way to the device.
type dispatch struct {
	seq         uint64
	job         stratum.Job
	work        bitcoin.Work
	target      bitcoin.Target
	extraNonce2 string
	session     uint64
	epoch       uint64
	difficulty  float64

	ctx    context.Context
	cancel context.CancelFunc
}

// result is what the worker reports back for a dispatch.
type result struct {
	d       *dispatch
	status  device.Status
	err     error
	elapsed time.Duration
}

// Orchestrator wires a Pool to a Device
type Orchestrator struct {
	cfg      Config
	pool     Pool
	device   Device
	recorder messaging.Recorder
	logger   *log.Logger

	// event loop state
	state       SessionState
	stats       *Stats
	seq         uint64
	outstanding map[uint64]*dispatch
	currentJob  string
	announced   bool

	queue   chan *dispatch
	results chan result
}

// New creates an orchestrator. A nil recorder disables telemetry.
func New(cfg Config, pool Pool, dev Device, recorder messaging.Recorder, logger *log.Logger) *Orchestrator {
	if recorder == nil {
		recorder = messaging.Nop{}
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 60 * time.Second
	}
	if cfg.TargetSource == "" {
		cfg.TargetSource = config.TargetSourceShareDifficulty
	}
	if cfg.ExtraNonce2Policy == "" {
		cfg.ExtraNonce2Policy = bitcoin.ExtraNonce2Truncate
	}
	return &Orchestrator{
		cfg:         cfg,
		pool:        pool,
		device:      dev,
		recorder:    recorder,
		logger:      logger.WithComponent("orchestrator"),
		state:       newSessionState(cfg.ExtraNonce2Policy),
		stats:       NewStats(time.Now()),
		outstanding: make(map[uint64]*dispatch),
		queue:       make(chan *dispatch, 1),
		results:     make(chan result),
	}
}

// Run drives the loop until ctx is cancelled or the pool event stream ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.worker(ctx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	o.logger.Info("mining loop started",
		"target_source", o.cfg.TargetSource,
		"job_timeout", o.cfg.JobTimeout.String(),
		"preempt_on_clean_jobs", o.cfg.PreemptOnCleanJobs,
	)

	events := o.pool.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				o.logger.Info("pool event stream closed")
				return nil
			}
			o.handleEvent(ctx, ev)
		case res := <-o.results:
			o.handleResult(ctx, res)
		}
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, ev stratum.Event) {
	switch e := ev.(type) {
	case stratum.Subscribed:
		o.abandonAll("extranonce changed")
		o.state.subscribe(e.Session, e.ExtraNonce1, e.ExtraNonce2Size)
		o.logger.Info("session subscribed",
			"session", e.Session,
			"extranonce1", e.ExtraNonce1,
			"extranonce2_size", e.ExtraNonce2Size,
		)
		o.recordStatus(ctx)

	case stratum.Authorized:
		o.state.Authorized = e.OK
		if !e.OK {
			o.logger.Error("pool refused worker; shares will be rejected", "worker", o.cfg.Worker)
		}
		o.recordStatus(ctx)

	case stratum.DifficultySet:
		o.state.Difficulty = e.Difficulty
		o.logger.Info("share difficulty changed", "difficulty", e.Difficulty)
		o.recordStatus(ctx)

	case stratum.JobAnnounced:
		o.dispatchJob(ctx, e.Job)

	case stratum.ShareResult:
		if e.Accepted {
			o.stats.SharesAccepted++
		} else {
			o.stats.SharesRejected++
		}
		msg := messaging.ShareResultMessage{
			SubmitID:   e.ID,
			JobID:      e.JobID,
			Accepted:   e.Accepted,
			ReceivedAt: time.Now(),
		}
		if e.Err != nil {
			msg.ErrorCode = e.Err.Code
			msg.Reason = e.Err.Message
		}
		o.record("share_result", o.recorder.RecordShareResult(ctx, msg))
		o.recordStatus(ctx)

	case stratum.Disconnected:
		o.abandonAll("pool disconnected")
		o.state.reset()
		o.logger.WithError(e.Err).Warn("pool session lost, waiting for resubscribe", "session", e.Session)
		o.recordStatus(ctx)

	default:
		o.logger.Debug("ignoring pool event", "event", ev)
	}
}

// dispatchJob builds device work for job and queues it.
func (o *Orchestrator) dispatchJob(ctx context.Context, job stratum.Job) {
	logger := o.logger.WithJob(job.ID)

	if !o.state.ExtraNonce.Ready() {
		logger.Warn("job arrived before subscribe completed, dropping")
		return
	}

	extraNonce2, err := o.state.ExtraNonce.Next()
	if err != nil {
		logger.WithError(err).Error("no extranonce2 available, dropping job")
		return
	}

	work, err := bitcoin.BuildWork(bitcoin.WorkInput{
		PrevHash:    job.PrevHash,
		Coinb1:      job.Coinb1,
		Coinb2:      job.Coinb2,
		Branches:    job.Branches,
		Version:     job.Version,
		Bits:        job.Bits,
		Time:        job.Time,
		ExtraNonce1: o.state.ExtraNonce.Part1,
		ExtraNonce2: extraNonce2,
	})
	if err != nil {
		logger.WithError(err).Warn("rejecting malformed job", "context", errors.GetContext(err))
		return
	}

	target, err := o.target(job)
	if err != nil {
		logger.WithError(err).Warn("rejecting job with malformed target")
		return
	}

	if job.CleanJobs && o.cfg.PreemptOnCleanJobs {
		o.abandonAll("clean_jobs")
	}

	dctx, cancel := context.WithCancel(ctx)
	o.seq++
	d := &dispatch{
		seq:         o.seq,
		job:         job,
		work:        work,
		target:      target,
		extraNonce2: extraNonce2,
		session:     o.state.Session,
		epoch:       o.state.Epoch,
		difficulty:  o.state.Difficulty,
		ctx:         dctx,
		cancel:      cancel,
	}
	o.outstanding[d.seq] = d
	o.enqueue(d)

	o.currentJob = job.ID
	o.stats.JobsDispatched++
	o.logger.LogJobDispatch(job.ID, job.CleanJobs, target.String())
	logger.Debug("job work built",
		"extranonce2", extraNonce2,
		"merkle_root", work.MerkleRoot.String(),
		"target_words", target.DeviceHex(),
	)
	o.record("job", o.recorder.RecordJob(ctx, messaging.JobMessage{
		JobID:        job.ID,
		Session:      d.session,
		PrevHash:     job.PrevHash,
		Version:      job.Version,
		NBits:        job.Bits,
		NTime:        job.Time,
		CleanJobs:    job.CleanJobs,
		ExtraNonce2:  extraNonce2,
		Target:       target.String(),
		TargetSource: o.cfg.TargetSource,
		Difficulty:   d.difficulty,
		DispatchedAt: time.Now(),
	}))

	o.announce(ctx, d)
}

// target picks the device target according to the configured source.
func (o *Orchestrator) target(job stratum.Job) (bitcoin.Target, error) {
	if o.cfg.TargetSource == config.TargetSourceNBits {
		bits := o.cfg.DemoTargetBits
		if bits == "" {
			bits = job.Bits
		}
		return bitcoin.DecodeCompactTarget(bits)
	}
	return bitcoin.DifficultyToTarget(o.state.Difficulty), nil
}

// enqueue places d in the single-slot queue, replacing a job that has not
// started yet.
func (o *Orchestrator) enqueue(d *dispatch) {
	select {
	case old := <-o.queue:
		o.logger.Info("queued job superseded", "job_id", old.job.ID, "by", d.job.ID)
		old.cancel()
		delete(o.outstanding, old.seq)
		o.stats.JobsAbandoned++
	default:
	}
	o.queue <- d
}

// abandonAll cancels every queued or running job.
func (o *Orchestrator) abandonAll(reason string) {
	for seq, d := range o.outstanding {
		o.logger.Info("abandoning job", "job_id", d.job.ID, "reason", reason)
		d.cancel()
		delete(o.outstanding, seq)
	}
}

// announce sends the one-off placeholder share in demo mode.
func (o *Orchestrator) announce(ctx context.Context, d *dispatch) {
	if !o.cfg.DemoAnnounceShare || o.cfg.TargetSource != config.TargetSourceNBits || o.announced {
		return
	}
	o.announced = true
	o.logger.Info("sending placeholder share for dashboard registration", "job_id", d.job.ID)
	o.submit(ctx, d, placeholderNonce, "", true)
}

// worker runs jobs from the queue on the device, one at a time.
func (o *Orchestrator) worker(ctx context.Context) {
	for {
		var d *dispatch
		select {
		case <-ctx.Done():
			return
		case d = <-o.queue:
		}

		res := o.runJob(d)
		select {
		case o.results <- res:
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) runJob(d *dispatch) result {
	start := time.Now()
	if err := d.ctx.Err(); err != nil {
		return result{d: d, err: err}
	}

	if err := o.device.SubmitJob(d.ctx, d.work.Header, d.target); err != nil {
		return result{d: d, err: err, elapsed: time.Since(start)}
	}

	status, err := o.device.WaitForResult(d.ctx, o.cfg.JobTimeout)
	return result{d: d, status: status, err: err, elapsed: time.Since(start)}
}

func (o *Orchestrator) handleResult(ctx context.Context, res result) {
	d := res.d
	logger := o.logger.WithJob(d.job.ID)
	delete(o.outstanding, d.seq)
	d.cancel()

	switch {
	case res.err == nil:
	case ctx.Err() != nil:
		return
	case errors.IsType(res.err, errors.ErrorTypeDeviceTimeout):
		o.stats.JobsTimedOut++
		logger.Warn("device found nothing before timeout, moving on", "elapsed_ms", res.elapsed.Milliseconds())
		return
	case d.ctx.Err() != nil:
		o.stats.JobsAbandoned++
		logger.Debug("abandoned job stopped", "elapsed_ms", res.elapsed.Milliseconds())
		return
	default:
		o.stats.JobsFailed++
		logger.WithError(res.err).Error("device job failed, moving on")
		return
	}

	hashes, rate := o.stats.RecordFound(res.status.Nonce, res.elapsed)
	now := time.Now()
	avg := o.stats.AverageRate(now)
	o.logger.LogHashrate(d.job.ID, hashes, res.elapsed, rate, FormatHashrate(rate))
	logger.Info("average hashrate", "rate", avg, "human", FormatHashrate(avg), "total_hashes", o.stats.TotalHashes)
	o.record("hashrate", o.recorder.RecordHashrate(ctx, messaging.HashrateMessage{
		JobID:       d.job.ID,
		Found:       true,
		Hashes:      hashes,
		ElapsedMs:   float64(res.elapsed.Microseconds()) / 1000,
		Rate:        rate,
		TotalHashes: o.stats.TotalHashes,
		AverageRate: avg,
		ReportedAt:  now,
	}))

	// A job preempted by clean_jobs keeps its epoch and is still submitted;
	// the pool decides whether it is stale.
	if d.epoch != o.state.Epoch {
		logger.Warn("discarding nonce found for a previous pool session",
			"nonce", bitcoin.FormatNonce(res.status.Nonce),
			"job_epoch", d.epoch,
			"epoch", o.state.Epoch,
		)
		return
	}

	check := validation.Check(validation.Candidate{
		Header:        d.work.Header,
		Nonce:         res.status.Nonce,
		DeviceTarget:  d.target,
		ShareTarget:   bitcoin.DifficultyToTarget(d.difficulty),
		Bits:          d.work.Bits,
		DeviceHash:    res.status.Hash,
		HasDeviceHash: res.status.HasHash,
	})
	nonce := bitcoin.FormatNonce(res.status.Nonce)
	switch {
	case check.BlockCandidate:
		logger.Info("nonce meets the network target", "nonce", nonce, "hash", check.Hash.String())
	case !check.MeetsDevice:
		// still submitted, the pool has the final word
		logger.Warn("device nonce does not meet its target", "nonce", nonce, "hash", check.Hash.String())
	case !check.MeetsShare:
		logger.Debug("nonce below share difficulty", "nonce", nonce, "difficulty", check.Difficulty)
	}
	if !check.DeviceHashMatches {
		logger.Warn("device hash disagrees with local hash",
			"device_hash", res.status.HashHex(),
			"hash", check.Hash.String(),
		)
	}

	o.submit(ctx, d, nonce, check.Hash.String(), false)
}

// submit sends a share for d with the given nonce.
func (o *Orchestrator) submit(ctx context.Context, d *dispatch, nonce, hash string, placeholder bool) {
	share := stratum.Share{
		Session:     d.session,
		Worker:      o.cfg.Worker,
		JobID:       d.job.ID,
		ExtraNonce2: d.extraNonce2,
		NTime:       d.job.Time,
		Nonce:       nonce,
	}
	id, err := o.pool.Submit(share)
	if err != nil {
		o.logger.WithJob(d.job.ID).WithError(err).Warn("share not sent")
		return
	}
	o.stats.SharesSubmitted++
	o.record("share", o.recorder.RecordShare(ctx, messaging.ShareMessage{
		SubmitID:    id,
		JobID:       d.job.ID,
		Session:     d.session,
		Worker:      o.cfg.Worker,
		ExtraNonce2: d.extraNonce2,
		NTime:       d.job.Time,
		Nonce:       nonce,
		Hash:        hash,
		Difficulty:  d.difficulty,
		Placeholder: placeholder,
		SubmittedAt: time.Now(),
	}))
}

func (o *Orchestrator) recordStatus(ctx context.Context) {
	o.record("status", o.recorder.RecordStatus(ctx, o.Status()))
}

// Status snapshots the loop. Call it only from the event loop goroutine or
// after Run has returned.
func (o *Orchestrator) Status() messaging.StatusMessage {
	return messaging.StatusMessage{
		Connected:      o.state.Connected,
		Authorized:     o.state.Authorized,
		Session:        o.state.Session,
		ExtraNonce1:    o.state.ExtraNonce.Part1,
		Difficulty:     o.state.Difficulty,
		CurrentJob:     o.currentJob,
		SharesAccepted: o.stats.SharesAccepted,
		SharesRejected: o.stats.SharesRejected,
		AverageRate:    o.stats.AverageRate(time.Now()),
		UpdatedAt:      time.Now(),
	}
}

// Stats returns a copy of the counters. Same caveat as Status.
func (o *Orchestrator) Stats() Stats {
	return *o.stats
}

func (o *Orchestrator) record(kind string, err error) {
	if err != nil {
		o.logger.WithError(err).Warn("telemetry record failed", "kind", kind)
	}
}
