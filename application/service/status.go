package service

import (
	"context"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/lightspeed-dms/cidx/domain/job"
	"github.com/lightspeed-dms/cidx/domain/repo"
)

// Health is the liveness report.
type Health struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	Maintenance bool   `json:"maintenance"`
	UptimeSec   int64  `json:"uptime_seconds"`
}

// RepoMetrics summarises one repository's index sizes.
type RepoMetrics struct {
	Name            string `json:"name"`
	Vectors         int    `json:"vectors"`
	Documents       uint64 `json:"fts_documents"`
	TemporalCommits int64  `json:"temporal_commits"`
	Symbols         int64  `json:"symbols"`
	LastCommit      string `json:"last_indexed_commit,omitempty"`
}

// Metrics is the operator-facing metrics snapshot.
type Metrics struct {
	UptimeSec     int64            `json:"uptime_seconds"`
	Repositories  int              `json:"repositories"`
	JobsByStatus  map[string]int64 `json:"jobs_by_status"`
	QueriesServed int64            `json:"queries_served"`
	CacheEntries  int              `json:"cache_entries"`
	Maintenance   bool             `json:"maintenance"`
	Repos         []RepoMetrics    `json:"repos,omitempty"`
}

// StatusService answers health and metrics requests.
type StatusService struct {
	db      *gorm.DB
	repos   repo.Store
	jobs    job.Store
	queue   *Queue
	indexes *IndexManager
	cache   *ContentCache
	started time.Time
	queries atomic.Int64
}

// NewStatusService creates the status service.
func NewStatusService(db *gorm.DB, repos repo.Store, jobs job.Store, queue *Queue,
	indexes *IndexManager, cache *ContentCache) *StatusService {
	return &StatusService{
		db:      db,
		repos:   repos,
		jobs:    jobs,
		queue:   queue,
		indexes: indexes,
		cache:   cache,
		started: time.Now().UTC(),
	}
}

// RecordQuery bumps the served-query counter.
func (s *StatusService) RecordQuery() { s.queries.Add(1) }

// Health reports liveness. Degraded means the database is unreachable;
// maintenance is reported but does not degrade health.
func (s *StatusService) Health(ctx context.Context) Health {
	h := Health{
		Status:      "ok",
		Database:    "ok",
		Maintenance: s.queue.InMaintenance(),
		UptimeSec:   int64(time.Since(s.started).Seconds()),
	}
	sqlDB, err := s.db.DB()
	if err != nil || sqlDB.PingContext(ctx) != nil {
		h.Status = "degraded"
		h.Database = "unreachable"
	}
	return h
}

// Metrics builds the full metrics snapshot. Per-repo index sizes are
// read from already-open indexes only, so metrics never force-open
// every index on disk.
func (s *StatusService) Metrics(ctx context.Context, includeRepos bool) (Metrics, error) {
	m := Metrics{
		UptimeSec:     int64(time.Since(s.started).Seconds()),
		JobsByStatus:  map[string]int64{},
		QueriesServed: s.queries.Load(),
		CacheEntries:  s.cache.Len(),
		Maintenance:   s.queue.InMaintenance(),
	}
	repos, err := s.repos.All(ctx)
	if err != nil {
		return Metrics{}, err
	}
	m.Repositories = len(repos)

	for _, status := range []job.Status{
		job.StatusPending, job.StatusRunning, job.StatusCompleted,
		job.StatusFailed, job.StatusCancelled,
	} {
		count, err := s.jobs.CountByStatus(ctx, status)
		if err != nil {
			return Metrics{}, err
		}
		m.JobsByStatus[string(status)] = count
	}

	if includeRepos {
		for _, r := range repos {
			rm := RepoMetrics{Name: r.Name(), LastCommit: r.LastIndexedCommit()}
			idx, ok := s.indexes.Open(r.Name())
			if ok {
				if idx.Vectors != nil {
					rm.Vectors, _ = idx.Vectors.Count(ctx)
				}
				if idx.FTS != nil {
					rm.Documents, _ = idx.FTS.DocCount()
				}
				if idx.Temporal != nil {
					rm.TemporalCommits, _ = idx.Temporal.Count(ctx)
				}
				if idx.Symbols != nil {
					rm.Symbols, _ = idx.Symbols.Count(ctx)
				}
			}
			m.Repos = append(m.Repos, rm)
		}
	}
	return m, nil
}
