package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/lightspeed-dms/cidx/domain/job"
	"github.com/lightspeed-dms/cidx/internal/errs"
	"github.com/lightspeed-dms/cidx/internal/log"
)

// JobHandler executes one kind of background job. The returned string
// becomes the job's result payload.
type JobHandler interface {
	Execute(ctx context.Context, j job.Job, progress Progress) (string, error)
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, j job.Job, progress Progress) (string, error)

// Execute implements JobHandler.
func (f JobHandlerFunc) Execute(ctx context.Context, j job.Job, progress Progress) (string, error) {
	return f(ctx, j, progress)
}

// Registry maps job kinds to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[job.Kind]JobHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[job.Kind]JobHandler{}}
}

// Register binds a handler to a job kind.
func (r *Registry) Register(kind job.Kind, h JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Handler returns the handler for a kind.
func (r *Registry) Handler(kind job.Kind) (JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// QueueConfig tunes the queue service.
type QueueConfig struct {
	// MaxConcurrent is the worker pool size.
	MaxConcurrent int
	// Timeout returns the execution timeout for a job kind.
	Timeout func(kind job.Kind) time.Duration
	// MaxTimeout is the largest configured timeout; the drain window is
	// 1.5 times this value.
	MaxTimeout time.Duration
	// ResultTTL is how long terminal jobs are kept.
	ResultTTL time.Duration
	// PollPeriod is the queue poll interval.
	PollPeriod time.Duration
}

// Queue is the durable background job queue. Jobs are persisted before
// execution, deduplicated on (kind, target), and executed by a bounded
// worker pool with per-kind timeouts.
type Queue struct {
	store    job.Store
	registry *Registry
	cfg      QueueConfig
	logger   *slog.Logger
	client   *http.Client

	mu             sync.Mutex
	maintenance    bool
	maintenanceMsg string
	runCtx         context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	slots          chan struct{}
}

// NewQueue creates the queue service.
func NewQueue(store job.Store, registry *Registry, cfg QueueConfig, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = time.Second
	}
	if cfg.Timeout == nil {
		cfg.Timeout = func(job.Kind) time.Duration { return 30 * time.Minute }
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 30 * time.Minute
	}
	return &Queue{
		store:    store,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		client:   &http.Client{Timeout: 10 * time.Second},
		slots:    make(chan struct{}, cfg.MaxConcurrent),
	}
}

// DrainTimeout is the window after which a running job is presumed
// orphaned: 1.5 times the largest configured job timeout.
func (q *Queue) DrainTimeout() time.Duration {
	return q.cfg.MaxTimeout + q.cfg.MaxTimeout/2
}

// Submit persists a new job. A pending or running job with the same
// (kind, target) is refused with a conflict error carrying the existing
// job's ID.
func (q *Queue) Submit(ctx context.Context, j job.Job) (job.Job, error) {
	q.mu.Lock()
	maintenance := q.maintenance
	msg := q.maintenanceMsg
	q.mu.Unlock()
	if maintenance {
		if msg != "" {
			return job.Job{}, errs.Newf(errs.KindMaintenance, "server is in maintenance mode: %s", msg)
		}
		return job.Job{}, errs.New(errs.KindMaintenance, "server is in maintenance mode")
	}

	if existing, found, err := q.store.ActiveByDedupKey(ctx, j.DedupKey()); err != nil {
		return job.Job{}, err
	} else if found {
		return job.Job{}, errs.Newf(errs.KindConflict,
			"a %s job for %s is already %s (job %s)",
			j.Kind(), j.TargetKey(), existing.Status(), existing.ID())
	}

	// Tag the job with the submitting request's correlation ID so the
	// log trail spans submission, execution and callback.
	if j.CorrelationID() == "" {
		if id := log.CorrelationID(ctx); id != "" {
			j = j.WithCorrelationID(id)
		}
	}

	if err := q.store.Save(ctx, j); err != nil {
		return job.Job{}, err
	}
	q.logger.Info("job submitted",
		slog.String("job_id", j.ID()),
		slog.String("kind", string(j.Kind())),
		slog.String("target", j.TargetKey()),
		slog.String("correlation_id", j.CorrelationID()))
	return j, nil
}

// Get returns a job by ID.
func (q *Queue) Get(ctx context.Context, id string) (job.Job, error) {
	return q.store.Get(ctx, id)
}

// List returns jobs, newest first.
func (q *Queue) List(ctx context.Context, status job.Status, limit, offset int) ([]job.Job, error) {
	return q.store.List(ctx, status, limit, offset)
}

// Cancel marks a pending job cancelled. Running jobs finish; their
// handlers observe context cancellation only at shutdown.
func (q *Queue) Cancel(ctx context.Context, id string) (job.Job, error) {
	j, err := q.store.Get(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if j.Status() != job.StatusPending {
		return job.Job{}, errs.Newf(errs.KindConflict, "job %s is %s, only pending jobs can be cancelled", id, j.Status())
	}
	j = j.Cancelled(time.Now().UTC())
	if err := q.store.Save(ctx, j); err != nil {
		return job.Job{}, err
	}
	return j, nil
}

// EnterMaintenance stops accepting new jobs and returns the number of
// jobs still running. Intake refusals carry the operator message. The
// drain wait runs in the background so callers return immediately; the
// janitor sweep catches anything that outlives the drain window.
func (q *Queue) EnterMaintenance(ctx context.Context, message string) (int, error) {
	q.mu.Lock()
	already := q.maintenance
	q.maintenance = true
	q.maintenanceMsg = message
	runCtx := q.runCtx
	q.mu.Unlock()

	running, err := q.store.Running(ctx)
	if err != nil {
		return 0, err
	}
	q.logger.Info("maintenance mode entered",
		slog.Int("running_jobs", len(running)),
		slog.String("message", message))

	if !already {
		if runCtx == nil {
			runCtx = context.Background()
		}
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.drain(runCtx)
		}()
	}
	return len(running), nil
}

// drain waits for running jobs to finish, up to the drain timeout.
func (q *Queue) drain(ctx context.Context) {
	deadline := time.Now().Add(q.DrainTimeout())
	for time.Now().Before(deadline) {
		if !q.InMaintenance() {
			return
		}
		running, err := q.store.Running(ctx)
		if err == nil && len(running) == 0 {
			q.logger.Info("maintenance drain complete")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.cfg.PollPeriod):
		}
	}
	if running, err := q.store.Running(ctx); err == nil && len(running) > 0 {
		q.logger.Warn("maintenance drain window closed with jobs still running",
			slog.Int("count", len(running)))
	}
}

// ExitMaintenance resumes job intake.
func (q *Queue) ExitMaintenance() {
	q.mu.Lock()
	q.maintenance = false
	q.maintenanceMsg = ""
	q.mu.Unlock()
	q.logger.Info("maintenance mode exited")
}

// InMaintenance reports the maintenance flag.
func (q *Queue) InMaintenance() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maintenance
}

// MaintenanceMessage returns the operator message set on entry, empty
// outside maintenance.
func (q *Queue) MaintenanceMessage() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maintenanceMsg
}

// RecoverOnBoot marks jobs left running by a previous process as failed.
// Run once before Start.
func (q *Queue) RecoverOnBoot(ctx context.Context) error {
	running, err := q.store.Running(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, j := range running {
		failed := j.Failed(now, "interrupted: server restarted during execution")
		if err := q.store.Save(ctx, failed); err != nil {
			return err
		}
		q.logger.Warn("recovered interrupted job",
			slog.String("job_id", j.ID()), slog.String("kind", string(j.Kind())))
	}
	return nil
}

// Start launches the worker pool and the janitor loop.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ctx, q.cancel = context.WithCancel(ctx)
	q.runCtx = ctx

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.dispatchLoop(ctx)
	}()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.janitorLoop(ctx)
	}()

	q.logger.Info("job queue started", slog.Int("workers", q.cfg.MaxConcurrent))
}

// Stop cancels the loops and waits for in-flight jobs.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.cancel = nil
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
	q.logger.Info("job queue stopped")
}

func (q *Queue) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatchPending(ctx)
		}
	}
}

// dispatchPending claims pending jobs while worker slots are free.
func (q *Queue) dispatchPending(ctx context.Context) {
	for {
		select {
		case q.slots <- struct{}{}:
		default:
			return // pool saturated
		}

		j, found, err := q.store.NextPending(ctx)
		if err != nil || !found {
			<-q.slots
			if err != nil && ctx.Err() == nil {
				q.logger.Error("polling queue failed", slog.String("error", err.Error()))
			}
			return
		}

		started := j.Started(time.Now().UTC())
		if err := q.store.Save(ctx, started); err != nil {
			<-q.slots
			q.logger.Error("claiming job failed",
				slog.String("job_id", j.ID()), slog.String("error", err.Error()))
			return
		}

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer func() { <-q.slots }()
			q.execute(ctx, started)
		}()
	}
}

func (q *Queue) execute(ctx context.Context, j job.Job) {
	timeout := q.cfg.Timeout(j.Kind())
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	q.logger.Info("job started",
		slog.String("job_id", j.ID()), slog.String("kind", string(j.Kind())),
		slog.String("correlation_id", j.CorrelationID()),
		slog.Duration("timeout", timeout))

	result, err := q.run(jobCtx, j)
	now := time.Now().UTC()

	var final job.Job
	switch {
	case err == nil:
		final = j.Completed(now, result)
	case jobCtx.Err() == context.DeadlineExceeded:
		final = j.Failed(now, fmt.Sprintf("timeout after %s", timeout))
	default:
		final = j.Failed(now, err.Error())
	}

	if saveErr := q.store.Save(context.WithoutCancel(ctx), final); saveErr != nil {
		q.logger.Error("persisting job outcome failed",
			slog.String("job_id", j.ID()), slog.String("error", saveErr.Error()))
		return
	}

	q.logger.Info("job finished",
		slog.String("job_id", j.ID()),
		slog.String("status", string(final.Status())),
		slog.Duration("duration", now.Sub(j.StartedAt())))

	if final.CallbackURL() != "" {
		q.notify(context.WithoutCancel(ctx), final)
	}
}

// run executes the handler with progress persistence and panic recovery.
func (q *Queue) run(ctx context.Context, j job.Job) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	h, ok := q.registry.Handler(j.Kind())
	if !ok {
		return "", errs.Newf(errs.KindInternal, "no handler registered for job kind %q", j.Kind())
	}

	progress := func(percent int) {
		updated := j.WithProgress(percent)
		if saveErr := q.store.Save(ctx, updated); saveErr != nil {
			q.logger.Warn("persisting progress failed",
				slog.String("job_id", j.ID()), slog.String("error", saveErr.Error()))
		}
	}
	return h.Execute(ctx, j, progress)
}

// notify posts the terminal job state to its callback URL, retrying
// transient failures a few times.
func (q *Queue) notify(ctx context.Context, j job.Job) {
	payload := fmt.Sprintf(`{"job_id":%q,"kind":%q,"status":%q,"result":%q,"error":%q,"correlation_id":%q}`,
		j.ID(), j.Kind(), j.Status(), j.Result(), j.ErrMessage(), j.CorrelationID())

	for attempt := 0; attempt < 3; attempt++ {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, j.CallbackURL(),
			bytes.NewBufferString(payload))
		if reqErr != nil {
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, doErr := q.client.Do(req)
		if doErr == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(attempt+1) * time.Second):
		}
	}
	q.logger.Warn("job callback delivery failed",
		slog.String("job_id", j.ID()), slog.String("url", j.CallbackURL()))
}

// janitorLoop prunes expired terminal jobs and sweeps orphans whose
// started-at exceeds the drain window.
func (q *Queue) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep(ctx)
		}
	}
}

func (q *Queue) sweep(ctx context.Context) {
	if q.cfg.ResultTTL > 0 {
		cutoff := time.Now().UTC().Add(-q.cfg.ResultTTL)
		if pruned, err := q.store.DeleteTerminalBefore(ctx, cutoff); err != nil {
			q.logger.Warn("pruning terminal jobs failed", slog.String("error", err.Error()))
		} else if pruned > 0 {
			q.logger.Debug("pruned terminal jobs", slog.Int64("count", pruned))
		}
	}

	running, err := q.store.Running(ctx)
	if err != nil {
		return
	}
	drain := q.DrainTimeout()
	now := time.Now().UTC()
	for _, j := range running {
		if j.StartedAt().IsZero() || now.Sub(j.StartedAt()) <= drain {
			continue
		}
		orphaned := j.Failed(now, "orphaned: exceeded drain window")
		if err := q.store.Save(ctx, orphaned); err != nil {
			q.logger.Warn("marking orphaned job failed",
				slog.String("job_id", j.ID()), slog.String("error", err.Error()))
			continue
		}
		q.logger.Warn("orphaned job swept",
			slog.String("job_id", j.ID()),
			slog.Duration("age", now.Sub(j.StartedAt())))
	}
}
