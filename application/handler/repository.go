package handler

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lightspeed-dms/cidx/application/service"
	"github.com/lightspeed-dms/cidx/domain/job"
	"github.com/lightspeed-dms/cidx/domain/repo"
	"github.com/lightspeed-dms/cidx/infrastructure/git"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// Deps bundles the collaborators the repository handlers share.
type Deps struct {
	Repos     repo.Store
	Activated repo.ActivatedStore
	Git       *git.Adapter
	Indexer   *service.Indexer
	Indexes   *service.IndexManager
	Locks     *service.RepoLocks
	Service   *service.RepositoryService
	Logger    *slog.Logger
}

// RegisterAll wires every repository and index handler into the
// registry.
func RegisterAll(r *service.Registry, d Deps) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	r.Register(job.KindAddGoldenRepo, &AddGoldenHandler{d})
	r.Register(job.KindRemoveGoldenRepo, &RemoveGoldenHandler{d})
	r.Register(job.KindRefreshGoldenRepo, &RefreshHandler{d})
	r.Register(job.KindAddIndex, &AddIndexHandler{d})
	r.Register(job.KindRebuildIndex, &RebuildHandler{d})
	r.Register(job.KindActivateRepo, &ActivateHandler{d})
	r.Register(job.KindDeactivateRepo, &DeactivateHandler{d})
	r.Register(job.KindSelfMonitor, &SelfMonitorHandler{d})
}

// AddGoldenHandler clones a remote repository, builds its initial
// indexes, and records it in the registry.
type AddGoldenHandler struct {
	deps Deps
}

// Execute performs the clone and initial index.
func (h *AddGoldenHandler) Execute(ctx context.Context, j job.Job, progress service.Progress) (string, error) {
	payload := j.Payload()
	name, err := ExtractString(payload, "name")
	if err != nil {
		return "", err
	}
	url, err := ExtractString(payload, "url")
	if err != nil {
		return "", err
	}
	branch := OptionalString(payload, "branch", "")
	description := OptionalString(payload, "description", "")
	flags := flagsFromPayload(SubMap(payload, "flags"))

	release, err := h.deps.Locks.Acquire(ctx, name)
	if err != nil {
		return "", err
	}
	defer release()

	clonePath := h.deps.Service.ClonePathFor(name)
	progress(5)
	if err := h.deps.Git.Clone(ctx, url, branch, clonePath); err != nil {
		return "", err
	}
	progress(25)
	if branch == "" {
		branch = "main"
	}

	r := repo.NewRepository(name, url, branch, clonePath).
		WithFlags(flags).
		WithDescription(description)
	r, err = h.deps.Repos.Save(ctx, r)
	if err != nil {
		return "", err
	}

	head, err := h.deps.Indexer.Index(ctx, r, flags, scaled(progress, 25, 95))
	if err != nil {
		return "", err
	}

	r = r.WithLastIndexedCommit(head).WithLastRefresh(time.Now().UTC())
	if _, err := h.deps.Repos.Save(ctx, r); err != nil {
		return "", err
	}
	progress(100)
	h.deps.Logger.Info("golden repository added",
		slog.String("repo", name), slog.String("commit", head))
	return resultJSON(map[string]any{"name": name, "alias": r.PublicAlias(), "commit": head}), nil
}

// RemoveGoldenHandler deletes a golden repository's clone, indexes,
// and registry entry.
type RemoveGoldenHandler struct {
	deps Deps
}

// Execute tears the repository down.
func (h *RemoveGoldenHandler) Execute(ctx context.Context, j job.Job, progress service.Progress) (string, error) {
	name, err := ExtractString(j.Payload(), "name")
	if err != nil {
		return "", err
	}
	r, err := h.deps.Repos.ByName(ctx, name)
	if err != nil {
		return "", err
	}

	release, err := h.deps.Locks.Acquire(ctx, name)
	if err != nil {
		return "", err
	}
	defer release()

	progress(20)
	if err := h.deps.Indexes.Remove(name); err != nil {
		h.deps.Logger.Warn("removing indexes failed",
			slog.String("repo", name), slog.String("error", err.Error()))
	}
	progress(60)
	if err := os.RemoveAll(r.ClonePath()); err != nil {
		return "", errs.Wrap(errs.KindInternal, "removing clone", err)
	}
	if err := h.deps.Repos.Delete(ctx, r.ID()); err != nil {
		return "", err
	}
	progress(100)
	h.deps.Logger.Info("golden repository removed", slog.String("repo", name))
	return resultJSON(map[string]any{"name": name, "removed": true}), nil
}

// RefreshHandler pulls the latest commits and incrementally reindexes
// only what changed.
type RefreshHandler struct {
	deps Deps
}

// Execute refreshes the clone and indexes.
func (h *RefreshHandler) Execute(ctx context.Context, j job.Job, progress service.Progress) (string, error) {
	name, err := ExtractString(j.Payload(), "name")
	if err != nil {
		return "", err
	}
	r, err := h.deps.Repos.ByName(ctx, name)
	if err != nil {
		return "", err
	}

	release, err := h.deps.Locks.Acquire(ctx, name)
	if err != nil {
		return "", err
	}
	defer release()

	progress(5)
	if _, err := os.Stat(r.ClonePath()); err != nil {
		// Clone lost, recover it from the remote.
		if err := h.deps.Git.Clone(ctx, r.RemoteURL(), r.DefaultBranch(), r.ClonePath()); err != nil {
			return "", err
		}
	} else if _, err := h.deps.Git.FetchReset(ctx, r.ClonePath(), r.DefaultBranch()); err != nil {
		return "", err
	}
	progress(20)

	head, err := h.deps.Indexer.Index(ctx, r, r.Flags(), scaled(progress, 20, 95))
	if err != nil {
		return "", err
	}

	changed := head != r.LastIndexedCommit()
	r = r.WithLastIndexedCommit(head).WithLastRefresh(time.Now().UTC())
	if _, err := h.deps.Repos.Save(ctx, r); err != nil {
		return "", err
	}
	progress(100)
	return resultJSON(map[string]any{"name": name, "commit": head, "changed": changed}), nil
}

// AddIndexHandler builds one additional index kind for an existing
// repository.
type AddIndexHandler struct {
	deps Deps
}

// Execute enables and builds the requested index kind.
func (h *AddIndexHandler) Execute(ctx context.Context, j job.Job, progress service.Progress) (string, error) {
	payload := j.Payload()
	name, err := ExtractString(payload, "name")
	if err != nil {
		return "", err
	}
	kindStr, err := ExtractString(payload, "kind")
	if err != nil {
		return "", err
	}
	kind, err := repo.ParseIndexKind(kindStr)
	if err != nil {
		return "", err
	}
	r, err := h.deps.Repos.ByName(ctx, name)
	if err != nil {
		return "", err
	}

	release, err := h.deps.Locks.Acquire(ctx, name)
	if err != nil {
		return "", err
	}
	defer release()

	// Force a full pass for the new kind by clearing the indexed
	// commit just for this run.
	buildFrom := r.WithLastIndexedCommit("").WithFlags(repo.IndexFlags{}.WithKind(kind))
	head, err := h.deps.Indexer.Index(ctx, buildFrom, buildFrom.Flags(), scaled(progress, 5, 95))
	if err != nil {
		return "", err
	}

	r = r.WithFlags(r.Flags().WithKind(kind))
	if r.LastIndexedCommit() == "" {
		r = r.WithLastIndexedCommit(head)
	}
	if _, err := h.deps.Repos.Save(ctx, r); err != nil {
		return "", err
	}
	progress(100)
	return resultJSON(map[string]any{"name": name, "kind": kindStr, "commit": head}), nil
}

// RebuildHandler discards a repository's indexes and rebuilds them from
// scratch, used to recover from integrity failures.
type RebuildHandler struct {
	deps Deps
}

// Execute rebuilds all enabled indexes.
func (h *RebuildHandler) Execute(ctx context.Context, j job.Job, progress service.Progress) (string, error) {
	name, err := ExtractString(j.Payload(), "name")
	if err != nil {
		return "", err
	}
	r, err := h.deps.Repos.ByName(ctx, name)
	if err != nil {
		return "", err
	}

	release, err := h.deps.Locks.Acquire(ctx, name)
	if err != nil {
		return "", err
	}
	defer release()

	progress(5)
	if err := h.deps.Indexes.Remove(name); err != nil {
		return "", err
	}
	rebuild := r.WithLastIndexedCommit("")
	head, err := h.deps.Indexer.Index(ctx, rebuild, r.Flags(), scaled(progress, 10, 95))
	if err != nil {
		return "", err
	}

	r = r.WithLastIndexedCommit(head).WithLastRefresh(time.Now().UTC())
	if _, err := h.deps.Repos.Save(ctx, r); err != nil {
		return "", err
	}
	progress(100)
	h.deps.Logger.Info("index rebuilt", slog.String("repo", name), slog.String("commit", head))
	return resultJSON(map[string]any{"name": name, "commit": head, "rebuilt": true}), nil
}

// ActivateHandler creates a per-user writable clone of a golden
// repository.
type ActivateHandler struct {
	deps Deps
}

// Execute clones the golden working tree into the user's area.
func (h *ActivateHandler) Execute(ctx context.Context, j job.Job, progress service.Progress) (string, error) {
	payload := j.Payload()
	golden, err := ExtractString(payload, "golden")
	if err != nil {
		return "", err
	}
	alias, err := ExtractString(payload, "alias")
	if err != nil {
		return "", err
	}
	username := j.Username()
	r, err := h.deps.Repos.ByName(ctx, golden)
	if err != nil {
		return "", err
	}
	branch := OptionalString(payload, "branch", r.DefaultBranch())

	release, err := h.deps.Locks.Acquire(ctx, golden)
	if err != nil {
		return "", err
	}
	defer release()

	progress(10)
	dest := h.deps.Service.ActivatedPathFor(username, alias)
	// Local clone from the golden working tree avoids hitting the
	// remote again.
	if err := h.deps.Git.Clone(ctx, r.ClonePath(), branch, dest); err != nil {
		return "", err
	}
	progress(80)

	a := repo.NewActivated(username, alias, golden, dest, branch)
	if _, err := h.deps.Activated.Save(ctx, a); err != nil {
		_ = os.RemoveAll(dest)
		return "", err
	}
	progress(100)
	return resultJSON(map[string]any{"alias": alias, "golden": golden, "path": dest}), nil
}

// DeactivateHandler removes a user's activated copy.
type DeactivateHandler struct {
	deps Deps
}

// Execute deletes the activated clone and its record.
func (h *DeactivateHandler) Execute(ctx context.Context, j job.Job, progress service.Progress) (string, error) {
	alias, err := ExtractString(j.Payload(), "alias")
	if err != nil {
		return "", err
	}
	username := j.Username()
	a, err := h.deps.Activated.ByUserAlias(ctx, username, alias)
	if err != nil {
		return "", err
	}
	progress(30)
	if err := os.RemoveAll(a.ClonePath()); err != nil {
		return "", errs.Wrap(errs.KindInternal, "removing activated clone", err)
	}
	if err := h.deps.Activated.Delete(ctx, a.ID()); err != nil {
		return "", err
	}
	progress(100)
	return resultJSON(map[string]any{"alias": alias, "removed": true}), nil
}

func flagsFromPayload(m map[string]any) repo.IndexFlags {
	if m == nil {
		return repo.IndexFlags{Semantic: true, FTS: true}
	}
	return repo.IndexFlags{
		Semantic: ExtractBool(m, "semantic"),
		FTS:      ExtractBool(m, "fts"),
		Temporal: ExtractBool(m, "temporal"),
		SCIP:     ExtractBool(m, "scip"),
	}
}

// scaled maps a handler-local 0-100 progress range onto a slice of the
// job's overall range.
func scaled(progress service.Progress, from, to int) service.Progress {
	return func(percent int) {
		progress(from + (to-from)*percent/100)
	}
}
