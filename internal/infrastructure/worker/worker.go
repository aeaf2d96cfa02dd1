// Package worker runs queued fiscal jobs in the background.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/erp/fiscal/internal/domain/queue"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/erp/fiscal/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// Handler executes one job. Returning nil completes the job; see Worker for
// how errors are treated.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *queue.Job) error

// Handle calls f(ctx, job)
func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) error {
	return f(ctx, job)
}

// Config holds polling and retry settings for one job type
type Config struct {
	PollInterval time.Duration
	MaxAttempts  int
	BaseDelay    time.Duration
	ErrorBackoff time.Duration
	StaleAfter   time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		MaxAttempts:  queue.DefaultMaxAttempts,
		BaseDelay:    queue.DefaultBaseDelay,
		ErrorBackoff: 10 * time.Second,
		StaleAfter:   15 * time.Minute,
	}
}

// Worker polls the queue for one job type and runs each claimed job through
// its handler, one at a time. Handler errors decide the job's fate:
//   - permanent errors (queue.IsPermanent) fail the job immediately
//   - *queue.RetryLaterError puts it back without counting an attempt
//   - anything else counts an attempt and backs off until MaxAttempts
//
// Mutual exclusion across processes comes from the repository's atomic
// claim.
type Worker struct {
	repo    queue.Repository
	jobType string
	handler Handler
	config  Config
	clock   shared.Clock
	metrics *telemetry.FiscalMetrics
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is a functional option for configuring Worker
type Option func(*Worker)

// WithLogger sets a custom logger
func WithLogger(logger *zap.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock overrides the time source
func WithClock(clock shared.Clock) Option {
	return func(w *Worker) {
		w.clock = clock
	}
}

// WithMetrics records job outcomes
func WithMetrics(metrics *telemetry.FiscalMetrics) Option {
	return func(w *Worker) {
		w.metrics = metrics
	}
}

// New creates a worker for jobType
func New(repo queue.Repository, jobType string, handler Handler, cfg Config, opts ...Option) *Worker {
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = defaults.ErrorBackoff
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaults.StaleAfter
	}

	w := &Worker{
		repo:    repo,
		jobType: jobType,
		handler: handler,
		config:  cfg,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(zap.String("job_type", jobType))
	return w
}

// JobType returns the job type this worker consumes
func (w *Worker) JobType() string {
	return w.jobType
}

// Start launches the polling loop. Jobs left in processing by a crashed
// worker are released first.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return errors.New("worker already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.releaseStale(ctx)

	w.wg.Add(1)
	go w.loop(ctx)

	w.logger.Info("Job worker started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.Int("max_attempts", w.config.MaxAttempts),
		zap.Duration("base_delay", w.config.BaseDelay),
	)
	return nil
}

// Stop cancels the loop and waits for the running job to return
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Job worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	lastRelease := w.clock.Now()
	for {
		processed, err := w.RunOnce(ctx)

		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Job store unavailable, backing off",
				zap.Duration("backoff", w.config.ErrorBackoff),
				zap.Error(err),
			)
			wait = w.config.ErrorBackoff
		case processed:
			// drain the backlog before sleeping
			wait = 0
		default:
			wait = w.config.PollInterval
		}

		if now := w.clock.Now(); now.Sub(lastRelease) >= w.config.StaleAfter {
			w.releaseStale(ctx)
			lastRelease = now
		}

		if wait == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce claims and runs at most one due job. It reports whether a job was
// claimed; the error is non-nil only when the job store itself failed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.repo.ClaimNext(ctx, w.jobType, w.clock.Now())
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	start := time.Now()
	handleErr := w.execute(ctx, job)
	outcome := w.settle(job, handleErr)

	if err := w.repo.Update(ctx, job); err != nil {
		return true, fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	w.metrics.RecordJob(ctx, w.jobType, outcome, time.Since(start))
	return true, nil
}

// execute runs the handler, turning a panic into an ordinary failure
func (w *Worker) execute(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Job handler panicked",
				zap.String("job_id", job.ID.String()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, job)
}

// settle applies the handler result to job and returns the metric outcome
func (w *Worker) settle(job *queue.Job, err error) string {
	now := w.clock.Now()
	jobID := zap.String("job_id", job.ID.String())

	if err == nil {
		job.Complete(now)
		w.logger.Debug("Job completed", jobID)
		return telemetry.JobOutcomeCompleted
	}

	var later *queue.RetryLaterError
	if errors.As(err, &later) {
		job.Reschedule(later.Delay, now)
		w.logger.Info("Job rescheduled",
			jobID,
			zap.Duration("delay", later.Delay),
			zap.String("reason", later.Reason),
		)
		return telemetry.JobOutcomeRescheduled
	}

	if queue.IsPermanent(err) {
		job.Fail(err.Error(), now)
		w.logger.Warn("Job failed permanently", jobID, zap.Int("attempts", job.Attempts), zap.Error(err))
		return telemetry.JobOutcomeFailed
	}

	job.RecordFailure(err.Error(), w.config.MaxAttempts, w.config.BaseDelay, now)
	if job.Status == queue.JobStatusFailed {
		w.logger.Error("Job exhausted its attempts", jobID, zap.Int("attempts", job.Attempts), zap.Error(err))
		return telemetry.JobOutcomeFailed
	}
	w.logger.Warn("Job failed, will retry",
		jobID,
		zap.Int("attempts", job.Attempts),
		zap.Time("run_at", job.RunAt),
		zap.Error(err),
	)
	return telemetry.JobOutcomeRetried
}

func (w *Worker) releaseStale(ctx context.Context) {
	before := w.clock.Now().Add(-w.config.StaleAfter)
	released, err := w.repo.ReleaseStale(ctx, w.jobType, before)
	if err != nil {
		w.logger.Error("Failed to release stale jobs", zap.Error(err))
		return
	}
	if released > 0 {
		w.logger.Warn("Released stale jobs",
			zap.Int64("released", released),
			zap.Time("before", before),
		)
	}
}
