// Package dispatch consumes transcode job messages and launches one worker
// task per message, choosing between a cost-optimized and a standard
// execution tier.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"visionsync/internal/observability/metrics"
	"visionsync/internal/queue"
)

// Tier names one worker execution tier.
type Tier string

const (
	// TierEconomy runs on interruptible spot capacity with the cheaper
	// encode preset.
	TierEconomy Tier = "economy"
	// TierStandard runs on on-demand capacity with the full rendition
	// ladder.
	TierStandard Tier = "standard"
)

const (
	defaultEconomyFraction   = 0.70
	defaultStandardTierBytes = int64(1) << 30 // 1 GiB
)

// LaunchRequest parameterizes one worker task.
type LaunchRequest struct {
	Job  queue.JobMessage
	Tier Tier
}

// Launcher starts a worker task for one job.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) error
}

// LaunchError reports a worker-launch failure. Retryable failures (capacity
// exhaustion on the spot tier) are retried once on the standard tier; any
// other failure fails the message.
type LaunchError struct {
	Tier      Tier
	Retryable bool
	Err       error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s tier: %v", e.Tier, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ObjectSizer reports the byte size of the job's input object. Optional; when
// absent or failing, the size threshold is skipped and only the economy
// fraction applies.
type ObjectSizer interface {
	Size(ctx context.Context, bucket, key string) (int64, error)
}

// Config tunes the dispatcher's tier policy.
type Config struct {
	EconomyFraction   float64
	StandardTierBytes int64
}

// Dispatcher consumes messages sequentially and launches workers.
type Dispatcher struct {
	launcher Launcher
	sizer    ObjectSizer
	cfg      Config
	logger   *slog.Logger
	recorder *metrics.Recorder
	randFn   func() float64
}

// Option mutates dispatcher construction.
type Option func(*Dispatcher)

// WithObjectSizer installs the input-size lookup used by the tier policy.
func WithObjectSizer(sizer ObjectSizer) Option {
	return func(d *Dispatcher) { d.sizer = sizer }
}

// WithRecorder overrides the metrics recorder.
func WithRecorder(recorder *metrics.Recorder) Option {
	return func(d *Dispatcher) { d.recorder = recorder }
}

// WithRandom overrides the tier-fraction randomness source, for tests.
func WithRandom(fn func() float64) Option {
	return func(d *Dispatcher) { d.randFn = fn }
}

// New builds a Dispatcher around the provided launcher.
func New(launcher Launcher, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.EconomyFraction < 0 || cfg.EconomyFraction > 1 {
		cfg.EconomyFraction = defaultEconomyFraction
	}
	if cfg.StandardTierBytes <= 0 {
		cfg.StandardTierBytes = defaultStandardTierBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		launcher: launcher,
		cfg:      cfg,
		logger:   logger,
		recorder: metrics.Default(),
		randFn:   rand.Float64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// BatchResult reports per-message outcomes so the queue redelivers only the
// failures.
type BatchResult struct {
	Started []string
	Failed  []string
}

// HandleBatch processes deliveries sequentially, one worker task per
// message. A failure on one message does not stop the rest of the batch.
func (d *Dispatcher) HandleBatch(ctx context.Context, deliveries []queue.Received) BatchResult {
	var result BatchResult
	for _, delivery := range deliveries {
		if err := d.dispatch(ctx, delivery.Message); err != nil {
			d.logger.Error("job dispatch failed",
				"message_id", delivery.ID,
				"video_id", delivery.Message.VideoID,
				"error", err)
			result.Failed = append(result.Failed, delivery.ID)
			continue
		}
		result.Started = append(result.Started, delivery.ID)
	}
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, job queue.JobMessage) error {
	if err := job.Validate(); err != nil {
		return err
	}

	tier := d.selectTier(ctx, job)
	err := d.launcher.Launch(ctx, LaunchRequest{Job: job, Tier: tier})
	if err == nil {
		d.recorder.ObserveDispatch(string(tier), "ok")
		d.logger.Info("worker launched", "video_id", job.VideoID, "tier", tier)
		return nil
	}

	var launchErr *LaunchError
	if tier == TierEconomy && errors.As(err, &launchErr) && launchErr.Retryable {
		d.recorder.ObserveDispatch(string(tier), "fallback")
		d.logger.Warn("economy tier unavailable, retrying on standard",
			"video_id", job.VideoID, "error", err)
		if retryErr := d.launcher.Launch(ctx, LaunchRequest{Job: job, Tier: TierStandard}); retryErr != nil {
			d.recorder.ObserveDispatch(string(TierStandard), "error")
			return retryErr
		}
		d.recorder.ObserveDispatch(string(TierStandard), "ok")
		d.logger.Info("worker launched", "video_id", job.VideoID, "tier", TierStandard)
		return nil
	}

	d.recorder.ObserveDispatch(string(tier), "error")
	return err
}

// selectTier sends large inputs to the standard tier unconditionally and
// otherwise splits jobs by the configured economy fraction.
func (d *Dispatcher) selectTier(ctx context.Context, job queue.JobMessage) Tier {
	if d.sizer != nil {
		sizeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		size, err := d.sizer.Size(sizeCtx, job.BucketName, job.FileName)
		cancel()
		if err != nil {
			d.logger.Warn("input size lookup failed, applying economy fraction only",
				"video_id", job.VideoID, "error", err)
		} else if size >= d.cfg.StandardTierBytes {
			return TierStandard
		}
	}
	if d.randFn() < d.cfg.EconomyFraction {
		return TierEconomy
	}
	return TierStandard
}
