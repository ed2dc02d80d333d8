// Package scheduler starts chains on cron schedules and resumes suspended
// executions whose resume time has passed.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepmachine/internal/store"
	"github.com/rendis/stepmachine/pkg/machine"
)

// DefaultInterval is how often the scheduler checks jobs and due executions.
const DefaultInterval = 30 * time.Second

// ChainRunner is what the scheduler drives. Satisfied by orchestrator.Service.
type ChainRunner interface {
	RunChain(ctx context.Context, chainID string, input map[string]any) error
	ResumeDue(ctx context.Context) (int, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock sets the clock used to decide which jobs are due.
func WithClock(clock machine.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// Scheduler polls the store for due scheduled jobs and runs them.
type Scheduler struct {
	store    store.Store
	runner   ChainRunner
	parser   cron.Parser
	logger   *slog.Logger
	clock    machine.Clock
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflight sync.Map // job ID -> struct{} while the job runs
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner ChainRunner, logger *slog.Logger, opts ...Option) *Scheduler {
	sched := &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		clock:    machine.SystemClock{},
		interval: DefaultInterval,
	}
	for _, opt := range opts {
		opt(sched)
	}
	return sched
}

// Schedule stores a job that starts chainID on every cron tick. Re-scheduling
// an existing job keeps its run history; its next run is recomputed only when
// the expression changes.
func (s *Scheduler) Schedule(ctx context.Context, id, chainID, expr string, input map[string]any) (*store.ScheduledJob, error) {
	now := s.clock.Now()
	next, err := s.CalculateNextRun(expr, now)
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if len(input) > 0 {
		if raw, err = json.Marshal(input); err != nil {
			return nil, fmt.Errorf("encode input for job %q: %w", id, err)
		}
	}
	if err := s.store.UpsertScheduledJob(ctx, &store.ScheduledJob{
		ID:             id,
		ChainID:        chainID,
		CronExpression: expr,
		Input:          raw,
		Enabled:        true,
		NextRunAt:      &next,
	}); err != nil {
		return nil, err
	}
	return s.store.GetScheduledJob(ctx, id)
}

// Jobs lists stored jobs.
func (s *Scheduler) Jobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx, filter)
}

// Unschedule removes a job.
func (s *Scheduler) Unschedule(ctx context.Context, id string) error {
	return s.store.DeleteScheduledJob(ctx, id)
}

// Job run outcomes recorded in ScheduledJob.LastRunStatus.
const (
	runSucceeded = "success"
	runFailed    = "error"
)

// Start launches the background loop. It ticks once right away.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel, s.done = cancel, make(chan struct{})
	go s.loop(loopCtx, s.done)

	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

// Stop cancels the loop and waits for an in-progress tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick fires due cron jobs, then resumes executions whose resume time passed.
func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.runDue(ctx, func(job *store.ScheduledJob, now time.Time) bool {
		return job.NextRunAt == nil || !job.NextRunAt.After(now)
	}); err != nil {
		s.logger.Error("failed to list scheduled jobs", slog.String("error", err.Error()))
	}
	if ctx.Err() != nil {
		return
	}
	if _, err := s.runner.ResumeDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("failed to resume due executions", slog.String("error", err.Error()))
	}
}

// RecoverMissed runs, once, every job whose next run passed while the
// scheduler was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	n, err := s.runDue(ctx, func(job *store.ScheduledJob, now time.Time) bool {
		return job.NextRunAt != nil && job.NextRunAt.Before(now)
	})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}
	if n > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", n))
	}
	return nil
}

// runDue runs every enabled job selected by due, skipping jobs that are
// still running, and returns how many ran without error.
func (s *Scheduler) runDue(ctx context.Context, due func(*store.ScheduledJob, time.Time) bool) (int, error) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	ran := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if !due(job, now) || !s.tryAcquire(job.ID) {
			continue
		}
		err := s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
		if err != nil {
			s.logger.Error("failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
			continue
		}
		ran++
	}
	return ran, nil
}

// runJob starts the job's chain and records the run on the job.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	log := s.logger.With(slog.String("job_id", job.ID), slog.String("chain_id", job.ChainID))
	log.Info("running scheduled job")

	status := runSucceeded
	var input map[string]any
	if len(job.Input) > 0 {
		if err := json.Unmarshal(job.Input, &input); err != nil {
			log.Error("scheduled job input is not a JSON object", slog.String("error", err.Error()))
			return s.record(ctx, job, now, runFailed)
		}
	}
	if err := s.runner.RunChain(ctx, job.ChainID, input); err != nil {
		log.Error("scheduled job execution failed", slog.String("error", err.Error()))
		status = runFailed
	}
	return s.record(ctx, job, now, status)
}

// record stores the run outcome and the next cron time, even when ctx is
// already cancelled.
func (s *Scheduler) record(ctx context.Context, job *store.ScheduledJob, now time.Time, status string) error {
	next, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}
	return s.store.UpdateScheduledJob(context.WithoutCancel(ctx), job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
	})
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	_, running := s.inflight.LoadOrStore(jobID, struct{}{})
	return !running
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflight.Delete(jobID)
}

// CalculateNextRun returns the first time after from matching cronExpr
// (five fields, minute resolution).
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}
