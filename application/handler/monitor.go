package handler

import (
	"context"
	"log/slog"

	"github.com/lightspeed-dms/cidx/application/service"
	"github.com/lightspeed-dms/cidx/domain/job"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// SelfMonitorHandler audits index health across all golden
// repositories and queues rebuilds for anything that fails its
// integrity check.
type SelfMonitorHandler struct {
	deps Deps
}

type repoHealth struct {
	Name     string   `json:"name"`
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

// Execute runs the audit.
func (h *SelfMonitorHandler) Execute(ctx context.Context, j job.Job, progress service.Progress) (string, error) {
	repos, err := h.deps.Repos.All(ctx)
	if err != nil {
		return "", err
	}

	var results []repoHealth
	queued := 0
	for i, r := range repos {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !r.Flags().Semantic || r.LastIndexedCommit() == "" {
			continue
		}
		idx, err := h.deps.Indexes.For(r.Name(), r.ClonePath())
		if err != nil {
			results = append(results, repoHealth{Name: r.Name(), Valid: false,
				Problems: []string{err.Error()}})
			queued += h.queueRebuild(ctx, r.Name())
			continue
		}
		report, err := idx.Vectors.Integrity(ctx)
		if err != nil {
			results = append(results, repoHealth{Name: r.Name(), Valid: false,
				Problems: []string{err.Error()}})
			queued += h.queueRebuild(ctx, r.Name())
			continue
		}
		health := repoHealth{Name: r.Name(), Valid: report.OK(), Problems: report.Problems}
		results = append(results, health)
		if !report.OK() {
			h.deps.Logger.Warn("integrity check failed",
				slog.String("repo", r.Name()),
				slog.Any("problems", report.Problems))
			queued += h.queueRebuild(ctx, r.Name())
		}
		if len(repos) > 0 {
			progress(100 * (i + 1) / len(repos))
		}
	}
	progress(100)
	return resultJSON(map[string]any{"checked": results, "rebuilds_queued": queued}), nil
}

func (h *SelfMonitorHandler) queueRebuild(ctx context.Context, name string) int {
	_, err := h.deps.Service.RebuildIndex(ctx, "system", name)
	switch {
	case err == nil:
		return 1
	case errs.KindOf(err) == errs.KindConflict:
		// Rebuild already queued.
		return 0
	default:
		h.deps.Logger.Error("queueing rebuild failed",
			slog.String("repo", name), slog.String("error", err.Error()))
		return 0
	}
}
