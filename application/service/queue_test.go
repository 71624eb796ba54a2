package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightspeed-dms/cidx/domain/job"
	"github.com/lightspeed-dms/cidx/infrastructure/persistence"
	"github.com/lightspeed-dms/cidx/internal/database"
	"github.com/lightspeed-dms/cidx/internal/errs"
	"github.com/lightspeed-dms/cidx/internal/log"
)

func newTestJobStore(t *testing.T) job.Store {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)
	require.NoError(t, db.Migrate(persistence.Models()...))
	t.Cleanup(func() { _ = db.Close() })
	return persistence.NewJobStore(&db)
}

func newTestQueue(t *testing.T, registry *Registry, cfg QueueConfig) *Queue {
	t.Helper()
	if cfg.PollPeriod == 0 {
		cfg.PollPeriod = 10 * time.Millisecond
	}
	return NewQueue(newTestJobStore(t), registry, cfg, nil)
}

func waitForStatus(t *testing.T, q *Queue, id string, want job.Status) job.Job {
	t.Helper()
	var got job.Job
	require.Eventually(t, func() bool {
		j, err := q.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status() == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return got
}

func TestQueueSubmitAndGet(t *testing.T) {
	q := newTestQueue(t, NewRegistry(), QueueConfig{})
	ctx := context.Background()

	submitted, err := q.Submit(ctx, job.New(job.KindAddGoldenRepo, "myrepo", "admin", nil))
	require.NoError(t, err)

	got, err := q.Get(ctx, submitted.ID())
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status())
	assert.Equal(t, "myrepo", got.TargetKey())
}

func TestQueueSubmitDeduplicates(t *testing.T) {
	q := newTestQueue(t, NewRegistry(), QueueConfig{})
	ctx := context.Background()

	first, err := q.Submit(ctx, job.New(job.KindAddGoldenRepo, "myrepo", "admin", nil))
	require.NoError(t, err)

	_, err = q.Submit(ctx, job.New(job.KindAddGoldenRepo, "myrepo", "other", nil))
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	assert.Contains(t, err.Error(), first.ID())

	// A different target or kind is not a duplicate.
	_, err = q.Submit(ctx, job.New(job.KindAddGoldenRepo, "otherrepo", "admin", nil))
	assert.NoError(t, err)
	_, err = q.Submit(ctx, job.New(job.KindRefreshGoldenRepo, "myrepo", "admin", nil))
	assert.NoError(t, err)
}

func TestQueueResubmitAfterTerminal(t *testing.T) {
	q := newTestQueue(t, NewRegistry(), QueueConfig{})
	ctx := context.Background()

	first, err := q.Submit(ctx, job.New(job.KindAddGoldenRepo, "myrepo", "admin", nil))
	require.NoError(t, err)
	_, err = q.Cancel(ctx, first.ID())
	require.NoError(t, err)

	_, err = q.Submit(ctx, job.New(job.KindAddGoldenRepo, "myrepo", "admin", nil))
	assert.NoError(t, err, "terminal jobs release the dedup key")
}

func TestQueueCancel(t *testing.T) {
	q := newTestQueue(t, NewRegistry(), QueueConfig{})
	ctx := context.Background()

	submitted, err := q.Submit(ctx, job.New(job.KindAddGoldenRepo, "myrepo", "admin", nil))
	require.NoError(t, err)

	cancelled, err := q.Cancel(ctx, submitted.ID())
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, cancelled.Status())

	_, err = q.Cancel(ctx, submitted.ID())
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestQueueExecutesJob(t *testing.T) {
	registry := NewRegistry()
	registry.Register(job.KindAddGoldenRepo, JobHandlerFunc(
		func(ctx context.Context, j job.Job, progress Progress) (string, error) {
			progress(50)
			return "cloned and indexed", nil
		}))

	q := newTestQueue(t, registry, QueueConfig{MaxConcurrent: 2})
	ctx := context.Background()
	q.Start(ctx)
	defer q.Stop()

	submitted, err := q.Submit(ctx, job.New(job.KindAddGoldenRepo, "myrepo", "admin", nil))
	require.NoError(t, err)

	done := waitForStatus(t, q, submitted.ID(), job.StatusCompleted)
	assert.Equal(t, "cloned and indexed", done.Result())
	assert.Equal(t, 100, done.Progress())
	assert.False(t, done.StartedAt().IsZero())
	assert.False(t, done.CompletedAt().IsZero())
}

func TestQueueHandlerErrorFailsJob(t *testing.T) {
	registry := NewRegistry()
	registry.Register(job.KindAddGoldenRepo, JobHandlerFunc(
		func(ctx context.Context, j job.Job, progress Progress) (string, error) {
			return "", errors.New("clone failed: remote unreachable")
		}))

	q := newTestQueue(t, registry, QueueConfig{})
	ctx := context.Background()
	q.Start(ctx)
	defer q.Stop()

	submitted, err := q.Submit(ctx, job.New(job.KindAddGoldenRepo, "myrepo", "admin", nil))
	require.NoError(t, err)

	failed := waitForStatus(t, q, submitted.ID(), job.StatusFailed)
	assert.Contains(t, failed.ErrMessage(), "remote unreachable")
}

func TestQueueHandlerPanicFailsJob(t *testing.T) {
	registry := NewRegistry()
	registry.Register(job.KindAddGoldenRepo, JobHandlerFunc(
		func(ctx context.Context, j job.Job, progress Progress) (string, error) {
			panic("boom")
		}))

	q := newTestQueue(t, registry, QueueConfig{})
	ctx := context.Background()
	q.Start(ctx)
	defer q.Stop()

	submitted, err := q.Submit(ctx, job.New(job.KindAddGoldenRepo, "myrepo", "admin", nil))
	require.NoError(t, err)

	failed := waitForStatus(t, q, submitted.ID(), job.StatusFailed)
	assert.Contains(t, failed.ErrMessage(), "handler panicked")
}

func TestQueueUnregisteredKindFailsJob(t *testing.T) {
	q := newTestQueue(t, NewRegistry(), QueueConfig{})
	ctx := context.Background()
	q.Start(ctx)
	defer q.Stop()

	submitted, err := q.Submit(ctx, job.New(job.KindSelfMonitor, "indexes", "system", nil))
	require.NoError(t, err)

	failed := waitForStatus(t, q, submitted.ID(), job.StatusFailed)
	assert.Contains(t, failed.ErrMessage(), "no handler registered")
}

func TestQueueTimeout(t *testing.T) {
	registry := NewRegistry()
	registry.Register(job.KindAddGoldenRepo, JobHandlerFunc(
		func(ctx context.Context, j job.Job, progress Progress) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}))

	q := newTestQueue(t, registry, QueueConfig{
		Timeout:    func(job.Kind) time.Duration { return 50 * time.Millisecond },
		MaxTimeout: 50 * time.Millisecond,
	})
	ctx := context.Background()
	q.Start(ctx)
	defer q.Stop()

	submitted, err := q.Submit(ctx, job.New(job.KindAddGoldenRepo, "myrepo", "admin", nil))
	require.NoError(t, err)

	failed := waitForStatus(t, q, submitted.ID(), job.StatusFailed)
	assert.Contains(t, failed.ErrMessage(), "timeout after")
}

func TestQueueConcurrencyCap(t *testing.T) {
	release := make(chan struct{})
	registry := NewRegistry()
	registry.Register(job.KindAddGoldenRepo, JobHandlerFunc(
		func(ctx context.Context, j job.Job, progress Progress) (string, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "done", nil
		}))

	q := newTestQueue(t, registry, QueueConfig{MaxConcurrent: 1})
	ctx := context.Background()
	q.Start(ctx)
	defer q.Stop()

	first, err := q.Submit(ctx, job.New(job.KindAddGoldenRepo, "repo-a", "admin", nil))
	require.NoError(t, err)
	second, err := q.Submit(ctx, job.New(job.KindAddGoldenRepo, "repo-b", "admin", nil))
	require.NoError(t, err)

	waitForStatus(t, q, first.ID(), job.StatusRunning)

	// With one worker slot the second job cannot start.
	time.Sleep(50 * time.Millisecond)
	got, err := q.Get(ctx, second.ID())
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status())

	close(release)
	waitForStatus(t, q, first.ID(), job.StatusCompleted)
	waitForStatus(t, q, second.ID(), job.StatusCompleted)
}

func TestQueueMaintenance(t *testing.T) {
	q := newTestQueue(t, NewRegistry(), QueueConfig{MaxTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	running, err := q.EnterMaintenance(ctx, "upgrading index format")
	require.NoError(t, err)
	assert.Zero(t, running)
	assert.True(t, q.InMaintenance())
	assert.Equal(t, "upgrading index format", q.MaintenanceMessage())

	_, err = q.Submit(ctx, job.New(job.KindAddGoldenRepo, "myrepo", "admin", nil))
	assert.Equal(t, errs.KindMaintenance, errs.KindOf(err))
	assert.Contains(t, err.Error(), "upgrading index format")

	q.ExitMaintenance()
	assert.False(t, q.InMaintenance())
	assert.Empty(t, q.MaintenanceMessage())
	_, err = q.Submit(ctx, job.New(job.KindAddGoldenRepo, "myrepo", "admin", nil))
	assert.NoError(t, err)
}

func TestQueueEnterMaintenanceDoesNotBlockOnRunningJobs(t *testing.T) {
	release := make(chan struct{})
	registry := NewRegistry()
	registry.Register(job.KindAddGoldenRepo, JobHandlerFunc(
		func(ctx context.Context, j job.Job, progress Progress) (string, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "done", nil
		}))

	q := newTestQueue(t, registry, QueueConfig{MaxTimeout: time.Minute})
	ctx := context.Background()
	q.Start(ctx)
	defer q.Stop()

	submitted, err := q.Submit(ctx, job.New(job.KindAddGoldenRepo, "myrepo", "admin", nil))
	require.NoError(t, err)
	waitForStatus(t, q, submitted.ID(), job.StatusRunning)

	// The drain waits in the background, not in the caller.
	start := time.Now()
	running, err := q.EnterMaintenance(ctx, "rolling restart")
	require.NoError(t, err)
	assert.Equal(t, 1, running)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The in-flight job still completes normally.
	close(release)
	waitForStatus(t, q, submitted.ID(), job.StatusCompleted)
	q.ExitMaintenance()
}

func TestQueueSubmitCapturesCorrelationID(t *testing.T) {
	q := newTestQueue(t, NewRegistry(), QueueConfig{})
	ctx := log.WithCorrelationID(context.Background(), "req-99")

	submitted, err := q.Submit(ctx, job.New(job.KindAddGoldenRepo, "myrepo", "admin", nil))
	require.NoError(t, err)
	assert.Equal(t, "req-99", submitted.CorrelationID())

	// The ID survives persistence so later reads still carry it.
	got, err := q.Get(context.Background(), submitted.ID())
	require.NoError(t, err)
	assert.Equal(t, "req-99", got.CorrelationID())
}

func TestQueueRecoverOnBoot(t *testing.T) {
	store := newTestJobStore(t)
	ctx := context.Background()

	running := job.New(job.KindAddGoldenRepo, "myrepo", "admin", nil).Started(time.Now().UTC())
	require.NoError(t, store.Save(ctx, running))
	pending := job.New(job.KindRefreshGoldenRepo, "myrepo", "admin", nil)
	require.NoError(t, store.Save(ctx, pending))

	q := NewQueue(store, NewRegistry(), QueueConfig{}, nil)
	require.NoError(t, q.RecoverOnBoot(ctx))

	recovered, err := q.Get(ctx, running.ID())
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, recovered.Status())
	assert.Contains(t, recovered.ErrMessage(), "interrupted")

	untouched, err := q.Get(ctx, pending.ID())
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, untouched.Status())
}

func TestQueueDrainTimeout(t *testing.T) {
	q := NewQueue(newTestJobStore(t), NewRegistry(), QueueConfig{MaxTimeout: time.Hour}, nil)
	assert.Equal(t, 90*time.Minute, q.DrainTimeout())
}
