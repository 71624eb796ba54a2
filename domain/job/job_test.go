package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob(t *testing.T) {
	j := New(KindAddGoldenRepo, "api-server", "alice", map[string]any{"url": "https://example.com/repo.git"})

	assert.NotEmpty(t, j.ID())
	assert.Equal(t, KindAddGoldenRepo, j.Kind())
	assert.Equal(t, "api-server", j.TargetKey())
	assert.Equal(t, "alice", j.Username())
	assert.Equal(t, StatusPending, j.Status())
	assert.Equal(t, 0, j.Progress())
	assert.False(t, j.CreatedAt().IsZero())
	assert.True(t, j.StartedAt().IsZero())
}

func TestDedupKey(t *testing.T) {
	a := New(KindRefreshGoldenRepo, "api-server", "alice", nil)
	b := New(KindRefreshGoldenRepo, "api-server", "bob", nil)
	c := New(KindRebuildIndex, "api-server", "alice", nil)

	assert.Equal(t, "cidx.repo.refresh:api-server", a.DedupKey())
	assert.Equal(t, a.DedupKey(), b.DedupKey(), "dedup ignores the submitting user")
	assert.NotEqual(t, a.DedupKey(), c.DedupKey(), "dedup is per kind")
}

func TestJobLifecycle(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	end := start.Add(5 * time.Minute)

	j := New(KindRebuildIndex, "api-server", "alice", nil)

	running := j.Started(start)
	assert.Equal(t, StatusRunning, running.Status())
	assert.Equal(t, start, running.StartedAt())
	assert.Equal(t, StatusPending, j.Status(), "copies never mutate the original")

	done := running.Completed(end, `{"chunks":42}`)
	assert.Equal(t, StatusCompleted, done.Status())
	assert.Equal(t, 100, done.Progress())
	assert.Equal(t, `{"chunks":42}`, done.Result())
	assert.Equal(t, end, done.CompletedAt())

	failed := running.Failed(end, "clone failed")
	assert.Equal(t, StatusFailed, failed.Status())
	assert.Equal(t, "clone failed", failed.ErrMessage())

	cancelled := j.Cancelled(end)
	assert.Equal(t, StatusCancelled, cancelled.Status())
}

func TestWithProgressClamps(t *testing.T) {
	j := New(KindAddIndex, "api-server:scip", "alice", nil)

	assert.Equal(t, 55, j.WithProgress(55).Progress())
	assert.Equal(t, 0, j.WithProgress(-10).Progress())
	assert.Equal(t, 100, j.WithProgress(250).Progress())
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestPayloadIsCopied(t *testing.T) {
	payload := map[string]any{"branch": "main"}
	j := New(KindAddGoldenRepo, "api-server", "alice", payload)

	payload["branch"] = "mutated"
	assert.Equal(t, "main", j.Payload()["branch"])

	got := j.Payload()
	got["branch"] = "mutated again"
	assert.Equal(t, "main", j.Payload()["branch"])
}

func TestRestore(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	started := created.Add(time.Minute)
	completed := created.Add(2 * time.Minute)

	j := Restore("id-1", KindRefreshGoldenRepo, "api-server", "alice",
		StatusCompleted, 100, map[string]any{"x": "y"},
		`{"changed":true}`, "", "https://hook.example.com", "",
		created, started, completed)

	require.Equal(t, "id-1", j.ID())
	assert.Equal(t, StatusCompleted, j.Status())
	assert.Equal(t, `{"changed":true}`, j.Result())
	assert.Equal(t, "https://hook.example.com", j.CallbackURL())
	assert.Equal(t, created, j.CreatedAt())
	assert.Equal(t, completed, j.CompletedAt())
}
