// Package job provides background job domain types.
package job

import (
	"context"
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the type of background work a job performs.
type Kind string

// Job kinds.
const (
	KindAddGoldenRepo     Kind = "cidx.repo.add"
	KindRemoveGoldenRepo  Kind = "cidx.repo.remove"
	KindRefreshGoldenRepo Kind = "cidx.repo.refresh"
	KindAddIndex          Kind = "cidx.repo.add_index"
	KindRebuildIndex      Kind = "cidx.index.rebuild"
	KindActivateRepo      Kind = "cidx.repo.activate"
	KindDeactivateRepo    Kind = "cidx.repo.deactivate"
	KindSelfMonitor       Kind = "cidx.ops.self_monitor"
)

// String returns the string form of the kind.
func (k Kind) String() string { return string(k) }

// Status is the lifecycle state of a job.
type Status string

// Job statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is one unit of background work. Jobs with the same (kind, target key)
// are mutually exclusive while pending or running.
type Job struct {
	id          string
	kind        Kind
	targetKey   string
	username    string
	status      Status
	progress    int
	payload     map[string]any
	result        string
	errMessage    string
	callbackURL   string
	correlationID string
	createdAt     time.Time
	startedAt     time.Time
	completedAt   time.Time
}

// New creates a pending job. The target key scopes deduplication, usually
// the repository alias the job operates on.
func New(kind Kind, targetKey, username string, payload map[string]any) Job {
	return Job{
		id:        uuid.NewString(),
		kind:      kind,
		targetKey: targetKey,
		username:  username,
		status:    StatusPending,
		payload:   copyPayload(payload),
		createdAt: time.Now().UTC(),
	}
}

// ID returns the job ID.
func (j Job) ID() string { return j.id }

// Kind returns the job kind.
func (j Job) Kind() Kind { return j.kind }

// TargetKey returns the dedup target key.
func (j Job) TargetKey() string { return j.targetKey }

// DedupKey returns the (kind, target) pair as one key.
func (j Job) DedupKey() string { return string(j.kind) + ":" + j.targetKey }

// Username returns the submitting user.
func (j Job) Username() string { return j.username }

// Status returns the job status.
func (j Job) Status() Status { return j.status }

// Progress returns completion progress, 0-100.
func (j Job) Progress() int { return j.progress }

// Payload returns a copy of the job payload.
func (j Job) Payload() map[string]any { return copyPayload(j.payload) }

// Result returns the serialized result of a completed job.
func (j Job) Result() string { return j.result }

// ErrMessage returns the failure message of a failed job.
func (j Job) ErrMessage() string { return j.errMessage }

// CallbackURL returns the completion callback URL, if registered.
func (j Job) CallbackURL() string { return j.callbackURL }

// CorrelationID returns the ID of the request that submitted the job,
// empty for system-submitted jobs.
func (j Job) CorrelationID() string { return j.correlationID }

// CreatedAt returns when the job was submitted.
func (j Job) CreatedAt() time.Time { return j.createdAt }

// StartedAt returns when the job started running (zero until then).
func (j Job) StartedAt() time.Time { return j.startedAt }

// CompletedAt returns when the job reached a terminal state.
func (j Job) CompletedAt() time.Time { return j.completedAt }

// PayloadJSON returns the payload as JSON bytes.
func (j Job) PayloadJSON() ([]byte, error) { return json.Marshal(j.payload) }

// WithCallback returns a copy with a completion callback URL.
func (j Job) WithCallback(url string) Job {
	j.callbackURL = url
	return j
}

// WithCorrelationID returns a copy tagged with the submitting
// request's correlation ID.
func (j Job) WithCorrelationID(id string) Job {
	j.correlationID = id
	return j
}

// Started returns a copy marked running.
func (j Job) Started(at time.Time) Job {
	j.status = StatusRunning
	j.startedAt = at
	return j
}

// WithProgress returns a copy with the given progress (clamped to 0-100).
func (j Job) WithProgress(p int) Job {
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	j.progress = p
	return j
}

// Completed returns a copy marked completed with a serialized result.
func (j Job) Completed(at time.Time, result string) Job {
	j.status = StatusCompleted
	j.progress = 100
	j.result = result
	j.completedAt = at
	return j
}

// Failed returns a copy marked failed with the given message.
func (j Job) Failed(at time.Time, message string) Job {
	j.status = StatusFailed
	j.errMessage = message
	j.completedAt = at
	return j
}

// Cancelled returns a copy marked cancelled.
func (j Job) Cancelled(at time.Time) Job {
	j.status = StatusCancelled
	j.completedAt = at
	return j
}

// Restore rebuilds a Job from persisted fields.
func Restore(
	id string,
	kind Kind,
	targetKey, username string,
	status Status,
	progress int,
	payload map[string]any,
	result, errMessage, callbackURL, correlationID string,
	createdAt, startedAt, completedAt time.Time,
) Job {
	return Job{
		id:            id,
		kind:          kind,
		targetKey:     targetKey,
		username:      username,
		status:        status,
		progress:      progress,
		payload:       copyPayload(payload),
		result:        result,
		errMessage:    errMessage,
		callbackURL:   callbackURL,
		correlationID: correlationID,
		createdAt:     createdAt,
		startedAt:     startedAt,
		completedAt:   completedAt,
	}
}

func copyPayload(payload map[string]any) map[string]any {
	if payload == nil {
		return make(map[string]any)
	}
	result := make(map[string]any, len(payload))
	maps.Copy(result, payload)
	return result
}

// Store persists jobs. Jobs survive restart; on boot any running job is
// conservatively marked failed("interrupted").
type Store interface {
	Save(ctx context.Context, j Job) error
	Get(ctx context.Context, id string) (Job, error)
	// ActiveByDedupKey returns the pending or running job with the given
	// dedup key, if one exists.
	ActiveByDedupKey(ctx context.Context, key string) (Job, bool, error)
	// NextPending returns the oldest pending job, FIFO per kind.
	NextPending(ctx context.Context) (Job, bool, error)
	// Running returns all currently running jobs.
	Running(ctx context.Context) ([]Job, error)
	// List returns jobs filtered by status (empty = all), newest first.
	List(ctx context.Context, status Status, limit, offset int) ([]Job, error)
	// CountByStatus returns the number of jobs in the given status.
	CountByStatus(ctx context.Context, status Status) (int64, error)
	// DeleteTerminalBefore prunes terminal jobs completed before the cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
