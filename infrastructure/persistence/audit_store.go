package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/lightspeed-dms/cidx/domain/auth"
	"github.com/lightspeed-dms/cidx/internal/database"
)

// AuditStore is the append-only audit log.
type AuditStore struct {
	db     *database.Database
	mapper auditMapper
}

// NewAuditStore creates an audit store.
func NewAuditStore(db *database.Database) *AuditStore {
	return &AuditStore{db: db}
}

// Append records one audit event.
func (s *AuditStore) Append(ctx context.Context, e auth.AuditEvent) error {
	model := s.mapper.ToModel(e)
	if model.At.IsZero() {
		model.At = time.Now().UTC()
	}
	model.ID = 0
	if err := s.db.Session(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Query returns events in [since, until], newest first.
func (s *AuditStore) Query(ctx context.Context, since, until time.Time, limit int) ([]auth.AuditEvent, error) {
	query := s.db.Session(ctx).Order("at DESC")
	if !since.IsZero() {
		query = query.Where("at >= ?", since)
	}
	if !until.IsZero() {
		query = query.Where("at <= ?", until)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var models []AuditEventModel
	if err := query.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	out := make([]auth.AuditEvent, 0, len(models))
	for _, m := range models {
		out = append(out, s.mapper.ToDomain(m))
	}
	return out, nil
}

var _ auth.AuditStore = (*AuditStore)(nil)
