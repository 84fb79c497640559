// Package scheduler runs engine maintenance and cron-triggered executions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/agentflow/internal/engine"
	"github.com/rendis/agentflow/internal/logging"
)

// Defaults for Config.
const (
	DefaultTickInterval      = time.Minute
	DefaultReconcileInterval = 5 * time.Minute
)

// Runner is the part of the orchestrator the scheduler drives.
type Runner interface {
	Start(ctx context.Context, workflowID string, input map[string]any, opts engine.ExecuteOptions) (string, error)
	Reconcile(ctx context.Context) (*engine.ReconcileReport, error)
}

// JobSpec declares a cron-triggered execution.
type JobSpec struct {
	ID         string         `json:"id" mapstructure:"id"`
	Cron       string         `json:"cron" mapstructure:"cron"`
	WorkflowID string         `json:"workflowId" mapstructure:"workflow_id"`
	Input      map[string]any `json:"input,omitempty" mapstructure:"input"`
}

// Job is a registered JobSpec with its run bookkeeping.
type Job struct {
	JobSpec
	NextRunAt       time.Time `json:"nextRunAt"`
	LastRunAt       time.Time `json:"lastRunAt,omitempty"`
	LastRunStatus   string    `json:"lastRunStatus,omitempty"`
	LastExecutionID string    `json:"lastExecutionId,omitempty"`
}

// Config holds scheduler settings. Zero intervals take the defaults; a
// negative ReconcileInterval disables periodic reconciliation.
type Config struct {
	TickInterval      time.Duration
	ReconcileInterval time.Duration
	Logger            *slog.Logger
}

// Scheduler ticks on a fixed interval. Each tick reconciles the store when
// the reconcile interval has elapsed, then starts every job whose next run
// is due. Ticks run on one goroutine, so a job never overlaps itself.
type Scheduler struct {
	runner Runner
	parser cron.Parser
	logger *slog.Logger
	now    func() time.Time

	tickInterval      time.Duration
	reconcileInterval time.Duration
	nextReconcile     time.Time

	lifecycle sync.Mutex
	stop      context.CancelFunc
	stopped   chan struct{}

	mu   sync.Mutex
	jobs map[string]*entry
}

type entry struct {
	job      Job
	schedule cron.Schedule
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(runner Runner, cfg Config) *Scheduler {
	s := &Scheduler{
		runner:            runner,
		parser:            cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:            logging.OrDiscard(cfg.Logger),
		now:               func() time.Time { return time.Now().UTC() },
		tickInterval:      cfg.TickInterval,
		reconcileInterval: cfg.ReconcileInterval,
		jobs:              map[string]*entry{},
	}
	if s.tickInterval <= 0 {
		s.tickInterval = DefaultTickInterval
	}
	if s.reconcileInterval == 0 {
		s.reconcileInterval = DefaultReconcileInterval
	}
	return s
}

// AddJob registers spec and computes its first run. Registering an id again
// replaces the previous job. Without an id the job is named workflow@cron.
func (s *Scheduler) AddJob(spec JobSpec) (*Job, error) {
	if spec.ID == "" {
		spec.ID = spec.WorkflowID + "@" + spec.Cron
	}
	if spec.WorkflowID == "" {
		return nil, fmt.Errorf("job %q: workflow id is required", spec.ID)
	}
	sched, err := s.parse(spec.Cron)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", spec.ID, err)
	}

	e := &entry{job: Job{JobSpec: spec, NextRunAt: sched.Next(s.now())}, schedule: sched}
	s.mu.Lock()
	s.jobs[spec.ID] = e
	s.mu.Unlock()

	s.logger.Info("scheduled job registered",
		slog.String("job_id", spec.ID),
		slog.String("workflow_id", spec.WorkflowID),
		slog.Time("next_run_at", e.job.NextRunAt),
	)
	job := e.job
	return &job, nil
}

// RemoveJob unregisters a job and reports whether it existed.
func (s *Scheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	return ok
}

// Jobs returns a snapshot of the registered jobs sorted by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, id := range slices.Sorted(maps.Keys(s.jobs)) {
		out = append(out, s.jobs[id].job)
	}
	return out
}

// Start launches the scheduling loop. The first tick runs immediately, which
// doubles as startup reconciliation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.stopped != nil {
		return errors.New("scheduler already started")
	}

	ctx, s.stop = context.WithCancel(ctx)
	s.stopped = make(chan struct{})
	go s.loop(ctx, s.stopped)

	s.logger.Info("scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
		slog.Duration("reconcile_interval", s.reconcileInterval),
	)
	return nil
}

// Stop cancels the loop and waits for the tick in progress to finish.
func (s *Scheduler) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.stopped == nil {
		return nil
	}
	s.stop()
	<-s.stopped
	s.stop, s.stopped = nil, nil
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.tickInterval)
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

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	if s.reconcileInterval > 0 && !now.Before(s.nextReconcile) {
		if _, err := s.Reconcile(ctx); err != nil {
			s.logger.Error("scheduled reconciliation failed", slog.String("error", err.Error()))
		}
		s.nextReconcile = now.Add(s.reconcileInterval)
	}

	for _, job := range s.due(now) {
		s.run(ctx, job, now)
	}
}

func (s *Scheduler) due(now time.Time) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, id := range slices.Sorted(maps.Keys(s.jobs)) {
		if e := s.jobs[id]; !e.job.NextRunAt.After(now) {
			out = append(out, e.job)
		}
	}
	return out
}

// Reconcile runs one reconciliation pass and logs what it changed.
func (s *Scheduler) Reconcile(ctx context.Context) (*engine.ReconcileReport, error) {
	report, err := s.runner.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	if len(report.Interrupted) > 0 || len(report.Resumed) > 0 || report.ExpiredRequests > 0 {
		s.logger.Info("reconciliation changed executions",
			slog.Int("interrupted", len(report.Interrupted)),
			slog.Int("resumed", len(report.Resumed)),
			slog.Int("expired_requests", report.ExpiredRequests),
		)
	}
	return report, nil
}

// run starts the job's execution without waiting for it and books the
// outcome. A failed start still advances the job to its next run.
func (s *Scheduler) run(ctx context.Context, job Job, now time.Time) {
	log := s.logger.With(slog.String("job_id", job.ID), slog.String("workflow_id", job.WorkflowID))
	log.Info("running scheduled job")

	execID, err := s.runner.Start(ctx, job.WorkflowID, job.Input, engine.ExecuteOptions{UserID: "scheduler:" + job.ID})
	status := "started"
	if err != nil {
		status = "error"
		log.Error("scheduled job failed to start", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[job.ID]
	if !ok {
		return
	}
	e.job.LastRunAt = now
	e.job.NextRunAt = e.schedule.Next(now)
	e.job.LastRunStatus = status
	if execID != "" {
		e.job.LastExecutionID = execID
	}
}

func (s *Scheduler) parse(expr string) (cron.Schedule, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// CalculateNextRun returns the first activation of cronExpr after from.
// Five-field expressions and descriptors such as @hourly are accepted.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
