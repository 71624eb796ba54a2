package auth

import (
	"context"
	"time"
)

// AuditAction classifies an audit event.
type AuditAction string

// Audit actions.
const (
	AuditLogin            AuditAction = "login"
	AuditLoginFailed      AuditAction = "login_failed"
	AuditImpersonate      AuditAction = "impersonate"
	AuditImpersonateClear AuditAction = "impersonate_clear"
	AuditUserCreated      AuditAction = "user_created"
	AuditUserDeleted      AuditAction = "user_deleted"
	AuditGroupChanged     AuditAction = "group_changed"
	AuditRepoAdded        AuditAction = "repo_added"
	AuditRepoRemoved      AuditAction = "repo_removed"
	AuditMaintenance      AuditAction = "maintenance"
)

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	ID            int64       `json:"id"`
	Action        AuditAction `json:"action"`
	Actor         string      `json:"actor"`
	Target        string      `json:"target,omitempty"`
	Detail        string      `json:"detail,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	At            time.Time   `json:"at"`
}

// AuditStore appends and queries audit events.
type AuditStore interface {
	Append(ctx context.Context, e AuditEvent) error
	// Query returns events in [since, until], newest first. Zero bounds
	// are open; limit <= 0 means no limit.
	Query(ctx context.Context, since, until time.Time, limit int) ([]AuditEvent, error)
}
