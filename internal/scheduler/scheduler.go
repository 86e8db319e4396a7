package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/pkg/schema"
)

// DefaultInterval is how often the scheduler looks for due jobs.
const DefaultInterval = 30 * time.Second

// Run outcomes recorded on a job.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Runner is the execution runtime a job starts its workflow in. Satisfied
// by *engine.Engine configured headless.
type Runner interface {
	Active() bool
	Run(ctx context.Context, def *schema.WorkflowDefinition, opts engine.StartOptions) (*schema.Execution, error)
}

// Job is one cron entry.
type Job struct {
	ID         string         `json:"id" mapstructure:"id"`
	Spec       string         `json:"spec" mapstructure:"spec"`
	WorkflowID string         `json:"workflow_id" mapstructure:"workflow_id"`
	Variables  map[string]any `json:"variables,omitempty" mapstructure:"variables"`
}

// JobState is a job plus its run bookkeeping.
type JobState struct {
	Job
	NextRunAt       time.Time  `json:"next_run_at"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
}

// Scheduler starts headless runs of stored workflows on cron schedules.
// Runs happen one at a time on the scheduler goroutine; a due job whose
// runner is already busy is skipped until its next slot.
type Scheduler struct {
	runner    Runner
	workflows engine.WorkflowResolver
	parser    cron.Parser
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time

	mu     sync.Mutex
	jobs   map[string]*JobState
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler. interval <= 0 uses DefaultInterval.
func NewScheduler(runner Runner, workflows engine.WorkflowResolver, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		runner:    runner,
		workflows: workflows,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:    logger,
		interval:  interval,
		now:       func() time.Time { return time.Now().UTC() },
		jobs:      make(map[string]*JobState),
		inflight:  make(map[string]struct{}),
	}
}

// Add registers a job, replacing any job with the same ID.
func (s *Scheduler) Add(job Job) error {
	if job.ID == "" || job.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "scheduled job needs an id and a workflow_id")
	}
	next, err := s.CalculateNextRun(job.Spec, s.now())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "job %s: %v", job.ID, err).WithCause(err)
	}
	job.Variables = maps.Clone(job.Variables)

	s.mu.Lock()
	s.jobs[job.ID] = &JobState{Job: job, NextRunAt: next}
	s.mu.Unlock()
	return nil
}

// Remove drops a job. Unknown IDs are NOT_FOUND.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %s not found", id)
	}
	delete(s.jobs, id)
	return nil
}

// Jobs returns a copy of every job's state sorted by ID.
func (s *Scheduler) Jobs() []JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobState, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Jobs())), slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, job := range s.Jobs() {
		if job.NextRunAt.After(now) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		s.runJob(ctx, job.Job, now)
		s.releaseJob(job.ID)
	}
}

// RunNow runs a job immediately, outside its schedule, and returns the
// recorded outcome.
func (s *Scheduler) RunNow(ctx context.Context, id string) (JobState, error) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	var job Job
	if ok {
		job = j.Job
	}
	s.mu.Unlock()
	if !ok {
		return JobState{}, schema.NewErrorf(schema.ErrCodeNotFound, "scheduled job %s not found", id)
	}
	if !s.tryAcquire(id) {
		return JobState{}, schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %s is already running", id)
	}
	defer s.releaseJob(id)
	s.runJob(ctx, job, s.now())
	return s.state(id), nil
}

// runJob starts the job's workflow headless and records the outcome.
func (s *Scheduler) runJob(ctx context.Context, job Job, now time.Time) {
	logger := s.logger.With(slog.String("job_id", job.ID), slog.String("workflow_id", job.WorkflowID))

	if s.runner.Active() {
		logger.Info("scheduled run skipped: an execution is already active")
		s.record(job, now, StatusSkipped, "")
		return
	}

	def, err := s.workflows.ResolveWorkflow(ctx, job.WorkflowID)
	if err != nil {
		logger.Error("failed to resolve scheduled workflow", slog.String("error", err.Error()))
		s.record(job, now, StatusError, "")
		return
	}

	logger.Info("running scheduled job")
	exec, err := s.runner.Run(ctx, def, engine.StartOptions{Variables: maps.Clone(job.Variables)})
	var execID string
	if exec != nil {
		execID = exec.ID
	}
	switch {
	case schema.IsCode(err, schema.ErrCodeConflict):
		logger.Info("scheduled run skipped: an execution is already active")
		s.record(job, now, StatusSkipped, "")
	case err != nil:
		logger.Error("scheduled job execution failed", slog.String("error", err.Error()))
		s.record(job, now, StatusError, execID)
	case exec.Status == schema.ExecutionCompleted:
		s.record(job, now, StatusSuccess, execID)
	default:
		logger.Warn("scheduled execution did not complete", slog.String("status", string(exec.Status)), slog.String("error", exec.Error))
		s.record(job, now, StatusFailed, execID)
	}
}

// record stores the outcome and advances the job past now.
func (s *Scheduler) record(job Job, now time.Time, status, execID string) {
	next, err := s.CalculateNextRun(job.Spec, now)
	if err != nil {
		s.logger.Error("failed to calculate next run", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[job.ID]
	if !ok {
		return
	}
	ran := now
	j.LastRunAt = &ran
	j.LastRunStatus = status
	if execID != "" {
		j.LastExecutionID = execID
	}
	j.NextRunAt = next
}

func (s *Scheduler) state(id string) JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return *j
	}
	return JobState{}
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler, waiting for a running job.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}
