package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"

	"github.com/lightspeed-dms/cidx/domain/job"
	"github.com/lightspeed-dms/cidx/domain/repo"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// GoldenAddParams configures registration of a golden repository.
type GoldenAddParams struct {
	Name          string
	RemoteURL     string
	DefaultBranch string
	Description   string
	IndexKinds    []string
	CallbackURL   string
}

// RepositoryService manages golden and activated repositories. Slow
// work (clone, index, refresh) is delegated to the job queue; this
// service validates, persists registry state, and answers reads.
type RepositoryService struct {
	repos     repo.Store
	activated repo.ActivatedStore
	queue     *Queue
	indexes   *IndexManager
	cloneRoot string
	activRoot string
	logger    *slog.Logger
}

// NewRepositoryService creates the repository service.
func NewRepositoryService(repos repo.Store, activated repo.ActivatedStore, queue *Queue,
	indexes *IndexManager, cloneRoot, activatedRoot string, logger *slog.Logger) *RepositoryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RepositoryService{
		repos:     repos,
		activated: activated,
		queue:     queue,
		indexes:   indexes,
		cloneRoot: cloneRoot,
		activRoot: activatedRoot,
		logger:    logger,
	}
}

// AddGolden validates and queues registration of a golden repository.
func (s *RepositoryService) AddGolden(ctx context.Context, username string, p GoldenAddParams) (job.Job, error) {
	if err := repo.ValidateBaseName(p.Name); err != nil {
		return job.Job{}, err
	}
	if p.RemoteURL == "" {
		return job.Job{}, errs.New(errs.KindInvalidInput, "repository URL is required")
	}
	flags, err := parseIndexKinds(p.IndexKinds)
	if err != nil {
		return job.Job{}, err
	}
	if _, err := s.repos.ByName(ctx, p.Name); err == nil {
		return job.Job{}, errs.Newf(errs.KindConflict, "repository %q already exists", p.Name)
	} else if errs.KindOf(err) != errs.KindNotFound {
		return job.Job{}, err
	}

	payload := map[string]any{
		"name":        p.Name,
		"url":         p.RemoteURL,
		"branch":      p.DefaultBranch,
		"description": p.Description,
		"flags":       flagsPayload(flags),
	}
	j := job.New(job.KindAddGoldenRepo, p.Name, username, payload).WithCallback(p.CallbackURL)
	return s.queue.Submit(ctx, j)
}

// RemoveGolden queues removal of a golden repository. Removal is
// refused while another job is actively working on the repository.
func (s *RepositoryService) RemoveGolden(ctx context.Context, username, name, callbackURL string) (job.Job, error) {
	if _, err := s.repos.ByName(ctx, name); err != nil {
		return job.Job{}, err
	}
	if err := s.checkNoActiveJobs(ctx, name); err != nil {
		return job.Job{}, err
	}
	j := job.New(job.KindRemoveGoldenRepo, name, username, map[string]any{"name": name}).
		WithCallback(callbackURL)
	return s.queue.Submit(ctx, j)
}

// RefreshGolden queues an incremental refresh.
func (s *RepositoryService) RefreshGolden(ctx context.Context, username, name, callbackURL string) (job.Job, error) {
	if _, err := s.repos.ByName(ctx, name); err != nil {
		return job.Job{}, err
	}
	j := job.New(job.KindRefreshGoldenRepo, name, username, map[string]any{"name": name}).
		WithCallback(callbackURL)
	return s.queue.Submit(ctx, j)
}

// AddIndex queues construction of an additional index kind for an
// existing repository.
func (s *RepositoryService) AddIndex(ctx context.Context, username, name, kind, callbackURL string) (job.Job, error) {
	parsed, err := repo.ParseIndexKind(kind)
	if err != nil {
		return job.Job{}, err
	}
	r, err := s.repos.ByName(ctx, name)
	if err != nil {
		return job.Job{}, err
	}
	if r.Flags().Has(parsed) {
		return job.Job{}, errs.Newf(errs.KindConflict, "repository %q already has a %s index", name, kind)
	}
	j := job.New(job.KindAddIndex, name+":"+kind, username,
		map[string]any{"name": name, "kind": kind}).WithCallback(callbackURL)
	return s.queue.Submit(ctx, j)
}

// RebuildIndex queues a full index rebuild, used after integrity
// failures.
func (s *RepositoryService) RebuildIndex(ctx context.Context, username, name string) (job.Job, error) {
	if _, err := s.repos.ByName(ctx, name); err != nil {
		return job.Job{}, err
	}
	j := job.New(job.KindRebuildIndex, name, username, map[string]any{"name": name})
	return s.queue.Submit(ctx, j)
}

// Activate queues creation of a per-user writable copy of a golden
// repository under a user-chosen alias.
func (s *RepositoryService) Activate(ctx context.Context, username, goldenName, userAlias, branch, callbackURL string) (job.Job, error) {
	if err := repo.ValidateUserAlias(userAlias); err != nil {
		return job.Job{}, err
	}
	if _, err := s.repos.ByName(ctx, goldenName); err != nil {
		return job.Job{}, err
	}
	if _, err := s.activated.ByUserAlias(ctx, username, userAlias); err == nil {
		return job.Job{}, errs.Newf(errs.KindConflict, "alias %q is already in use", userAlias)
	} else if errs.KindOf(err) != errs.KindNotFound {
		return job.Job{}, err
	}

	payload := map[string]any{
		"golden": goldenName,
		"alias":  userAlias,
		"branch": branch,
	}
	j := job.New(job.KindActivateRepo, username+":"+userAlias, username, payload).
		WithCallback(callbackURL)
	return s.queue.Submit(ctx, j)
}

// Deactivate queues removal of an activated repository.
func (s *RepositoryService) Deactivate(ctx context.Context, username, userAlias, callbackURL string) (job.Job, error) {
	if _, err := s.activated.ByUserAlias(ctx, username, userAlias); err != nil {
		return job.Job{}, err
	}
	j := job.New(job.KindDeactivateRepo, username+":"+userAlias, username,
		map[string]any{"alias": userAlias}).WithCallback(callbackURL)
	return s.queue.Submit(ctx, j)
}

// Golden returns one golden repository by base name.
func (s *RepositoryService) Golden(ctx context.Context, name string) (repo.Repository, error) {
	return s.repos.ByName(ctx, name)
}

// ListGolden returns all golden repositories.
func (s *RepositoryService) ListGolden(ctx context.Context) ([]repo.Repository, error) {
	return s.repos.All(ctx)
}

// ListActivated returns a user's activated repositories.
func (s *RepositoryService) ListActivated(ctx context.Context, username string) ([]repo.Activated, error) {
	return s.activated.ByUser(ctx, username)
}

// ClonePathFor returns the canonical clone location for a golden repo.
func (s *RepositoryService) ClonePathFor(name string) string {
	return filepath.Join(s.cloneRoot, name)
}

// ActivatedPathFor returns the clone location for an activated repo.
func (s *RepositoryService) ActivatedPathFor(username, alias string) string {
	return filepath.Join(s.activRoot, username, alias)
}

// checkNoActiveJobs refuses destructive operations while any pending or
// running job targets the repository.
func (s *RepositoryService) checkNoActiveJobs(ctx context.Context, name string) error {
	for _, kind := range []job.Kind{job.KindAddGoldenRepo, job.KindRefreshGoldenRepo, job.KindAddIndex, job.KindRebuildIndex} {
		for _, target := range activeTargets(name) {
			probe := job.New(kind, target, "", nil)
			if existing, found, err := s.queue.store.ActiveByDedupKey(ctx, probe.DedupKey()); err != nil {
				return err
			} else if found {
				return errs.Newf(errs.KindConflict,
					"repository %q has an active %s job (%s)", name, kind, existing.ID())
			}
		}
	}
	return nil
}

// activeTargets enumerates the dedup target keys a repository's jobs
// can use. AddIndex jobs suffix the index kind.
func activeTargets(name string) []string {
	targets := []string{name}
	for _, kind := range []string{"semantic", "fts", "temporal", "scip"} {
		targets = append(targets, name+":"+kind)
	}
	return targets
}

// EnsureMetaRepo registers the reserved cidx-meta repository and
// refreshes its working tree from the registry. The meta repository
// has no remote, never refreshes, and stays out of wildcard fan-out;
// querying it by name surfaces repository descriptions and the
// dependency map. Runs at boot.
func (s *RepositoryService) EnsureMetaRepo(ctx context.Context) error {
	base, _ := repo.BaseName(repo.MetaRepoAlias)
	dir := s.ClonePathFor(base)
	if err := os.MkdirAll(filepath.Join(dir, "dependency-map"), 0o755); err != nil {
		return errs.Wrap(errs.KindInternal, "creating meta repository tree", err)
	}

	if _, err := s.repos.ByName(ctx, base); errs.KindOf(err) == errs.KindNotFound {
		meta := repo.NewRepository(base, "", "main", dir).
			WithRefreshEnabled(false).
			WithDescription("Repository descriptions and the cross-repository dependency map")
		if _, err := s.repos.Save(ctx, meta); err != nil {
			return err
		}
		s.logger.Info("meta repository registered", slog.String("alias", repo.MetaRepoAlias))
	} else if err != nil {
		return err
	}

	return s.writeMetaDescriptions(ctx, dir)
}

// writeMetaDescriptions rewrites one markdown file per registered
// repository so meta queries can scan the registry.
func (s *RepositoryService) writeMetaDescriptions(ctx context.Context, dir string) error {
	repos, err := s.repos.All(ctx)
	if err != nil {
		return err
	}
	for _, r := range repos {
		if r.IsMeta() {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "# %s\n\n", r.PublicAlias())
		fmt.Fprintf(&b, "- URL: %s\n", r.RemoteURL())
		fmt.Fprintf(&b, "- Default branch: %s\n", r.DefaultBranch())
		if r.Description() != "" {
			fmt.Fprintf(&b, "\n%s\n", r.Description())
		}
		path := filepath.Join(dir, r.Name()+".md")
		if err := renameio.WriteFile(path, []byte(b.String()), 0o644); err != nil {
			return errs.Wrap(errs.KindInternal, "writing meta repository description", err)
		}
	}
	return nil
}

// Reconcile walks the registry and repairs drift between recorded index
// flags and what actually exists on disk, queueing repair jobs for
// missing indexes. Runs at boot and on demand.
func (s *RepositoryService) Reconcile(ctx context.Context) (int, error) {
	repos, err := s.repos.All(ctx)
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, r := range repos {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}
		if r.Flags().Semantic || r.Flags().FTS {
			dir := s.indexes.RepoDir(r.Name())
			if !dirExists(dir) && r.LastIndexedCommit() != "" {
				s.logger.Warn("index directory missing, queueing rebuild",
					slog.String("repo", r.Name()))
				if _, err := s.RebuildIndex(ctx, "system", r.Name()); err != nil &&
					errs.KindOf(err) != errs.KindConflict {
					return repaired, err
				}
				repaired++
			}
		}
		if !dirExists(r.ClonePath()) {
			s.logger.Warn("clone missing, queueing refresh",
				slog.String("repo", r.Name()))
			if _, err := s.RefreshGolden(ctx, "system", r.Name(), ""); err != nil &&
				errs.KindOf(err) != errs.KindConflict {
				return repaired, err
			}
			repaired++
		}
	}
	return repaired, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func parseIndexKinds(kinds []string) (repo.IndexFlags, error) {
	if len(kinds) == 0 {
		return repo.IndexFlags{Semantic: true, FTS: true}, nil
	}
	var flags repo.IndexFlags
	for _, k := range kinds {
		parsed, err := repo.ParseIndexKind(strings.TrimSpace(k))
		if err != nil {
			return repo.IndexFlags{}, err
		}
		flags = flags.WithKind(parsed)
	}
	return flags, nil
}

func flagsPayload(f repo.IndexFlags) map[string]any {
	return map[string]any{
		"semantic": f.Semantic,
		"fts":      f.FTS,
		"temporal": f.Temporal,
		"scip":     f.SCIP,
	}
}

// RefreshScheduler periodically queues refresh jobs for golden
// repositories with refresh enabled.
type RefreshScheduler struct {
	repos    repo.Store
	service  *RepositoryService
	interval time.Duration
	maxBatch int
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRefreshScheduler creates the scheduler.
func NewRefreshScheduler(repos repo.Store, service *RepositoryService,
	interval time.Duration, maxBatch int, logger *slog.Logger) *RefreshScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBatch <= 0 {
		maxBatch = 2
	}
	return &RefreshScheduler{
		repos:    repos,
		service:  service,
		interval: interval,
		maxBatch: maxBatch,
		logger:   logger,
	}
}

// Start launches the periodic loop.
func (s *RefreshScheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
	s.logger.Info("refresh scheduler started", slog.Duration("interval", s.interval))
}

// Stop terminates the loop.
func (s *RefreshScheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *RefreshScheduler) tick(ctx context.Context) {
	repos, err := s.repos.All(ctx)
	if err != nil {
		s.logger.Error("listing repositories for refresh failed", slog.String("error", err.Error()))
		return
	}
	queued := 0
	for _, r := range repos {
		if !r.RefreshEnabled() || r.IsMeta() {
			continue
		}
		if queued >= s.maxBatch {
			return
		}
		_, err := s.service.RefreshGolden(ctx, "scheduler", r.Name(), "")
		switch {
		case err == nil:
			queued++
		case errs.KindOf(err) == errs.KindConflict, errs.KindOf(err) == errs.KindMaintenance:
			// Already queued, or intake paused.
		default:
			s.logger.Warn("queueing refresh failed",
				slog.String("repo", r.Name()), slog.String("error", err.Error()))
		}
	}
	if queued > 0 {
		s.logger.Debug("refresh jobs queued", slog.Int("count", queued))
	}
}
