package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/lightspeed-dms/cidx/domain/job"
	"github.com/lightspeed-dms/cidx/internal/database"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// JobStore persists queued jobs.
type JobStore struct {
	db     *database.Database
	mapper jobMapper
}

// NewJobStore creates a job store.
func NewJobStore(db *database.Database) *JobStore {
	return &JobStore{db: db}
}

// Save inserts or updates a job.
func (s *JobStore) Save(ctx context.Context, j job.Job) error {
	model, err := s.mapper.ToModel(j)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	if err := s.db.Session(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// Get returns a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (job.Job, error) {
	var model JobModel
	err := s.db.Session(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return job.Job{}, errs.Newf(errs.KindNotFound, "job %s not found", id)
	}
	if err != nil {
		return job.Job{}, fmt.Errorf("query job: %w", err)
	}
	return s.mapper.ToDomain(model), nil
}

// ActiveByDedupKey returns the pending or running job with the given
// dedup key.
func (s *JobStore) ActiveByDedupKey(ctx context.Context, key string) (job.Job, bool, error) {
	var model JobModel
	err := s.db.Session(ctx).
		Where("dedup_key = ? AND status IN ?", key,
			[]string{string(job.StatusPending), string(job.StatusRunning)}).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return job.Job{}, false, nil
	}
	if err != nil {
		return job.Job{}, false, fmt.Errorf("query active job: %w", err)
	}
	return s.mapper.ToDomain(model), true, nil
}

// NextPending returns the oldest pending job.
func (s *JobStore) NextPending(ctx context.Context) (job.Job, bool, error) {
	var model JobModel
	err := s.db.Session(ctx).
		Where("status = ?", string(job.StatusPending)).
		Order("created_at").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return job.Job{}, false, nil
	}
	if err != nil {
		return job.Job{}, false, fmt.Errorf("query pending job: %w", err)
	}
	return s.mapper.ToDomain(model), true, nil
}

// Running returns all running jobs.
func (s *JobStore) Running(ctx context.Context) ([]job.Job, error) {
	var models []JobModel
	err := s.db.Session(ctx).
		Where("status = ?", string(job.StatusRunning)).
		Order("started_at").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("query running jobs: %w", err)
	}
	return s.toDomainList(models), nil
}

// List returns jobs, newest first, optionally filtered by status.
func (s *JobStore) List(ctx context.Context, status job.Status, limit, offset int) ([]job.Job, error) {
	query := s.db.Session(ctx).Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", string(status))
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var models []JobModel
	if err := query.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return s.toDomainList(models), nil
}

// CountByStatus returns the number of jobs in the given status.
func (s *JobStore) CountByStatus(ctx context.Context, status job.Status) (int64, error) {
	var n int64
	err := s.db.Session(ctx).
		Model(&JobModel{}).
		Where("status = ?", string(status)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// DeleteTerminalBefore prunes terminal jobs completed before cutoff.
func (s *JobStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.Session(ctx).
		Where("status IN ? AND completed_at < ?",
			[]string{string(job.StatusCompleted), string(job.StatusFailed), string(job.StatusCancelled)},
			cutoff).
		Delete(&JobModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("prune jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *JobStore) toDomainList(models []JobModel) []job.Job {
	out := make([]job.Job, 0, len(models))
	for _, m := range models {
		out = append(out, s.mapper.ToDomain(m))
	}
	return out
}

var _ job.Store = (*JobStore)(nil)
