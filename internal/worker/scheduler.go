// Package worker runs the polling loop that claims jobs, executes their
// pipeline and records the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"guestpost-automation/internal/lifecycle"
	"guestpost-automation/internal/models"
	"guestpost-automation/internal/pipeline"
	"guestpost-automation/internal/store"
	"guestpost-automation/internal/telemetry"
)

// JobStore is the slice of the store a scheduler needs.
type JobStore interface {
	pipeline.Recorder
	ClaimNext(ctx context.Context) (models.Job, bool, error)
	LoadJobContext(ctx context.Context, jobID uuid.UUID) (store.JobContext, error)
}

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, in pipeline.Input, rec pipeline.Recorder) (pipeline.Result, error)
}

// Outcomes persists the result of a run. *lifecycle.Machine satisfies it.
type Outcomes interface {
	Succeed(ctx context.Context, jobID uuid.UUID, res pipeline.Result) (models.Job, error)
	Fail(ctx context.Context, jobID uuid.UUID, cause error) (models.Job, lifecycle.Decision, error)
}

// Options tune polling.
type Options struct {
	WorkerID     string
	PollInterval time.Duration
	// MaxBackoff caps the wait after consecutive claim errors.
	MaxBackoff time.Duration
}

// Scheduler claims one job at a time. Several schedulers may run against
// the same database; the claim query keeps them from sharing a job.
type Scheduler struct {
	store    JobStore
	runner   Runner
	outcomes Outcomes
	opts     Options
	logger   *zap.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func NewScheduler(st JobStore, runner Runner, outcomes Outcomes, opts Options, logger *zap.Logger) *Scheduler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxBackoff < opts.PollInterval {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Scheduler{
		store:    st,
		runner:   runner,
		outcomes: outcomes,
		opts:     opts,
		logger:   logger.With(zap.String("worker_id", opts.WorkerID)),
		stop:     make(chan struct{}),
	}
}

// Stop prevents further claims. A run in progress finishes first.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run loops until ctx is canceled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("worker.started", zap.Duration("poll_interval", s.opts.PollInterval))
	defer s.logger.Info("worker.stopped")

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.stop:
			return nil
		default:
		}

		claimed, err := s.ProcessNext(ctx)
		wait := s.opts.PollInterval
		switch {
		case err != nil:
			failures++
			wait = backoffWithJitter(s.opts.PollInterval, s.opts.MaxBackoff, failures)
		case claimed:
			failures = 0
			continue
		default:
			failures = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.stop:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// ProcessNext claims and executes at most one job. It reports whether a job
// was claimed. The pipeline runs detached from ctx cancellation.
func (s *Scheduler) ProcessNext(ctx context.Context) (bool, error) {
	job, ok, err := s.store.ClaimNext(ctx)
	if err != nil {
		s.logger.Warn("worker.claim_failed", zap.Error(err))
		return false, err
	}
	if !ok {
		return false, nil
	}

	telemetry.JobsClaimed.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	log := s.logger.With(zap.String("job_id", job.ID.String()), zap.Int("attempt", job.AttemptCount))
	log.Info("worker.claimed")

	runCtx := context.WithoutCancel(ctx)
	start := time.Now()
	res, runErr := s.execute(runCtx, job)
	if runErr == nil {
		if _, err := s.outcomes.Succeed(runCtx, job.ID, res); err != nil {
			log.Error("worker.record_success_failed", zap.Error(err))
			return true, err
		}
		log.Info("worker.succeeded", zap.Int64("wp_post_id", res.PostID), zap.Duration("elapsed", time.Since(start)))
		return true, nil
	}

	updated, decision, err := s.outcomes.Fail(runCtx, job.ID, runErr)
	if err != nil {
		log.Error("worker.record_failure_failed", zap.Error(err), zap.NamedError("cause", runErr))
		return true, err
	}
	log.Warn("worker.run_failed",
		zap.String("status", string(updated.Status)),
		zap.Bool("will_retry", decision.WillRetry),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(runErr),
	)
	return true, nil
}

func (s *Scheduler) execute(ctx context.Context, job models.Job) (res pipeline.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("worker.panic", zap.String("job_id", job.ID.String()), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic during pipeline run: %v", r)
		}
	}()

	jc, err := s.store.LoadJobContext(ctx, job.ID)
	if err != nil {
		if errors.Is(err, store.ErrInactive) || errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrNoCredential) {
			return pipeline.Result{}, pipeline.Permanent(fmt.Errorf("load job context: %w", err))
		}
		return pipeline.Result{}, fmt.Errorf("load job context: %w", err)
	}
	return s.runner.Run(ctx, InputFor(jc), s.store)
}

// InputFor maps a loaded job context to a pipeline run.
func InputFor(jc store.JobContext) pipeline.Input {
	notes := jc.Submission.Notes
	postStatus := jc.Submission.PostStatus
	if postStatus == "" {
		postStatus = notes.PostStatus
	}
	return pipeline.Input{
		JobID:          jc.Job.ID,
		Attempt:        jc.Job.AttemptCount,
		Kind:           jc.Submission.Kind,
		Site:           pipeline.TargetFor(jc.Site, jc.Credential),
		PublishingSite: pipeline.PublishingHost(notes.TargetSite, jc.Site.SiteURL),
		PostStatus:     postStatus,
		AuthorID:       notes.AuthorID,
		CategoryIDs:    jc.Categories,
		ExistingPostID: jc.Job.WPPostID,
		Anchor:         notes.Anchor,
		Topic:          notes.Topic,
		TargetURL:      notes.TargetURL,
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
