package sandbox

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chimerasec/chimera/analysis"
	"github.com/chimerasec/chimera/idgen"
	"github.com/chimerasec/chimera/ioc"
	"github.com/chimerasec/chimera/obs"
	"github.com/chimerasec/chimera/store"
)

// ErrQueueFull rejects a submission when the job queue is at capacity.
// The caller sees this immediately; nothing is dropped silently.
var ErrQueueFull = errors.New("sandbox: job queue full")

// ErrNotCancellable rejects cancellation of a job already terminal.
var ErrNotCancellable = errors.New("sandbox: job is not cancellable")

// ErrJobNotFound is returned for an unknown job id.
var ErrJobNotFound = errors.New("sandbox: job not found")

// Config tunes the orchestrator.
type Config struct {
	// QueueCapacity bounds how many jobs may wait. Default: 100.
	QueueCapacity int
	// Workers is the fixed pool size, matching available detonation
	// slots. Default: 2.
	Workers int
	// JobTimeout is the hard per-job execution ceiling. The environment
	// may specify a shorter one. Default: 5 minutes.
	JobTimeout time.Duration
	// CancelGrace is how long a running execution gets to acknowledge a
	// cancellation before it is assumed force-terminated. Default: 10s.
	CancelGrace time.Duration

	Policy analysis.Policy
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 5 * time.Minute
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	// Zero Policy thresholds are filled in by analysis.Reduce.
}

type queued struct {
	jobID   string
	content []byte
	env     Environment
}

// Orchestrator owns the sandbox job lifecycle. The queue channel is the
// sole serialization point; workers pull from it independently.
type Orchestrator struct {
	st       *store.Store
	executor Executor
	events   *obs.Events
	cfg      Config

	queue chan queued
	jobID idgen.Generator
	resID idgen.Generator
	verID idgen.Generator
	indID idgen.Generator

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	cancelled map[string]bool

	wg sync.WaitGroup
}

// New creates an orchestrator. events may be nil. Call Run to start the
// worker pool.
func New(st *store.Store, executor Executor, events *obs.Events, cfg Config) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{
		st:        st,
		executor:  executor,
		events:    events,
		cfg:       cfg,
		queue:     make(chan queued, cfg.QueueCapacity),
		jobID:     idgen.Prefixed("job_", idgen.Default),
		resID:     idgen.Prefixed("res_", idgen.Default),
		verID:     idgen.Prefixed("ver_", idgen.Default),
		indID:     idgen.Prefixed("ind_", idgen.Default),
		running:   map[string]context.CancelFunc{},
		cancelled: map[string]bool{},
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// in-flight job has reached a terminal state.
func (o *Orchestrator) Run(ctx context.Context) {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go func(n int) {
			defer o.wg.Done()
			o.worker(ctx, n)
		}(i)
	}
	o.wg.Wait()
}

// Submit creates a job in the queued state and enqueues it FIFO. A full
// queue rejects the submission with ErrQueueFull without persisting it.
func (o *Orchestrator) Submit(ctx context.Context, filename string, content []byte, environment string) (string, error) {
	env, err := LookupEnvironment(environment)
	if err != nil {
		return "", err
	}

	digest := fmt.Sprintf("%x", sha256.Sum256(content))
	job := &store.Job{
		ID:          o.jobID(),
		FileSHA256:  digest,
		Filename:    filename,
		Environment: env.Name,
		State:       store.JobQueued,
		SubmittedAt: time.Now().UnixMilli(),
	}

	// Reserve a queue slot before persisting so a full queue never
	// leaves an orphaned row behind.
	item := queued{jobID: job.ID, content: content, env: env}
	select {
	case o.queue <- item:
	default:
		return "", ErrQueueFull
	}

	if err := o.st.AppendJob(ctx, job); err != nil {
		// Slot is already taken; the worker will drop the unknown job.
		return "", fmt.Errorf("sandbox: persist job: %w", err)
	}
	obs.SandboxQueueDepth.Inc()
	o.cfg.Logger.Info("sandbox job queued",
		"job", job.ID, "file", filename, "sha256", digest, "environment", env.Name)
	return job.ID, nil
}

// Status returns the stored job record.
func (o *Orchestrator) Status(ctx context.Context, id string) (*store.Job, error) {
	j, err := o.st.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, ErrJobNotFound
	}
	return j, nil
}

// Cancel moves a queued job straight to cancelled, or signals a running
// job cooperatively. A running job that ignores the signal past the
// grace period is force-terminated by its worker; either way it ends
// cancelled. Terminal jobs are refused.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	j, err := o.st.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j == nil {
		return ErrJobNotFound
	}

	switch j.State {
	case store.JobQueued:
		// The queue slot stays occupied; the worker drops the job when
		// it sees the cancelled state.
		if err := o.st.TransitionJob(ctx, id, store.JobQueued, store.JobCancelled, "cancelled before dispatch"); err != nil {
			return err
		}
		obs.SandboxJobs.WithLabelValues(string(store.JobCancelled)).Inc()
		o.events.Record(ctx, obs.Event{Type: "job_cancelled", Entity: "job", EntityID: id,
			Detail: "cancelled while queued", Success: true})
		return nil
	case store.JobRunning:
		o.mu.Lock()
		cancel, ok := o.running[id]
		if ok {
			o.cancelled[id] = true
		}
		o.mu.Unlock()
		if !ok {
			// Worker finished between the read and the signal.
			return ErrNotCancellable
		}
		cancel()
		return nil
	default:
		return fmt.Errorf("%w: state %s", ErrNotCancellable, j.State)
	}
}

// Stats aggregates job counts by state.
func (o *Orchestrator) Stats(ctx context.Context) (*store.JobStats, error) {
	return o.st.GetJobStats(ctx)
}

func (o *Orchestrator) worker(ctx context.Context, n int) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-o.queue:
			obs.SandboxQueueDepth.Dec()
			o.execute(ctx, item, n)
		}
	}
}

// execute drives one job from queued to a terminal state.
func (o *Orchestrator) execute(ctx context.Context, item queued, worker int) {
	j, err := o.st.GetJob(ctx, item.jobID)
	if err != nil || j == nil {
		o.cfg.Logger.Error("sandbox: load job", "job", item.jobID, "error", err)
		return
	}
	if j.State != store.JobQueued {
		// Cancelled while waiting; never runs.
		return
	}
	if err := o.st.TransitionJob(ctx, j.ID, store.JobQueued, store.JobRunning, ""); err != nil {
		o.cfg.Logger.Warn("sandbox: job start refused", "job", j.ID, "error", err)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.running[j.ID] = cancel
	o.mu.Unlock()

	timeout := o.cfg.JobTimeout
	if item.env.Timeout > 0 && item.env.Timeout < timeout {
		timeout = item.env.Timeout
	}
	runCtx, cancelRun := context.WithTimeout(jobCtx, timeout)

	started := time.Now()
	o.cfg.Logger.Info("sandbox job started", "job", j.ID, "worker", worker, "environment", j.Environment)

	type outcome struct {
		report *Report
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		report, err := o.executor.Run(runCtx, j, item.content, item.env, func(p int) {
			if err := o.st.SetJobProgress(jobCtx, j.ID, p); err != nil {
				o.cfg.Logger.Warn("sandbox: progress update", "job", j.ID, "error", err)
			}
		})
		done <- outcome{report, err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-runCtx.Done():
		// Give the executor the grace period to acknowledge, then assume
		// the environment was force-terminated.
		select {
		case res = <-done:
		case <-time.After(o.cfg.CancelGrace):
			res = outcome{err: runCtx.Err()}
			o.cfg.Logger.Warn("sandbox: execution force-terminated", "job", j.ID)
		}
	}
	cancelRun()
	cancel()

	o.mu.Lock()
	wasCancelled := o.cancelled[j.ID]
	delete(o.running, j.ID)
	delete(o.cancelled, j.ID)
	o.mu.Unlock()

	elapsed := time.Since(started)
	switch {
	case wasCancelled:
		o.finish(ctx, j.ID, store.JobCancelled, "cancelled by operator")
	case runCtx.Err() == context.DeadlineExceeded:
		o.finish(ctx, j.ID, store.JobFailed, fmt.Sprintf("timeout: exceeded %s", timeout))
	case res.err != nil:
		o.finish(ctx, j.ID, store.JobFailed, fmt.Sprintf("execution failed: %v", res.err))
	default:
		if err := o.complete(ctx, j, res.report); err != nil {
			o.finish(ctx, j.ID, store.JobFailed, fmt.Sprintf("finalize failed: %v", err))
			return
		}
		obs.SandboxJobs.WithLabelValues(string(store.JobCompleted)).Inc()
		obs.SandboxJobDuration.Observe(elapsed.Seconds())
		o.cfg.Logger.Info("sandbox job completed", "job", j.ID, "elapsed_ms", elapsed.Milliseconds())
	}
}

// finish records a non-completed terminal transition.
func (o *Orchestrator) finish(ctx context.Context, id string, state store.JobState, reason string) {
	if err := o.st.TransitionJob(ctx, id, store.JobRunning, state, reason); err != nil {
		o.cfg.Logger.Error("sandbox: terminal transition", "job", id, "state", state, "error", err)
		return
	}
	obs.SandboxJobs.WithLabelValues(string(state)).Inc()
	o.events.Record(ctx, obs.Event{Type: "job_" + string(state), Entity: "job", EntityID: id,
		Detail: reason, Success: state == store.JobCancelled})
	o.cfg.Logger.Info("sandbox job finished", "job", id, "state", string(state), "reason", reason)
}

// complete reduces the report to a verdict attached to the file digest
// indicator and marks the job completed with full progress.
func (o *Orchestrator) complete(ctx context.Context, j *store.Job, report *Report) error {
	ind, err := o.st.PutIndicator(ctx, &store.Indicator{
		ID:    o.indID(),
		Value: j.FileSHA256,
		Type:  ioc.TypeSHA256,
	})
	if err != nil {
		return fmt.Errorf("store indicator: %w", err)
	}

	results := report.sourceResults(ind.ID)
	red := analysis.Reduce(results, report.maxWeight(), o.cfg.Policy)
	verdict := &store.Verdict{
		ID:          o.verID(),
		IndicatorID: ind.ID,
		Label:       red.Label,
		Confidence:  red.Confidence,
		Threat:      red.Threat,
		Evidence:    red.Evidence,
		Tags:        red.Tags,
		CreatedAt:   time.Now().UnixMilli(),
	}

	for i := range results {
		results[i].ID = o.resID()
		if err := o.st.AppendSourceResult(ctx, &results[i]); err != nil {
			return fmt.Errorf("store source result: %w", err)
		}
	}
	if err := o.st.AppendVerdict(ctx, verdict); err != nil {
		return fmt.Errorf("store verdict: %w", err)
	}
	return o.st.CompleteJob(ctx, j.ID, verdict.ID)
}
