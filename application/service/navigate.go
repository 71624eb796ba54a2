package service

import (
	"context"
	"sort"

	"github.com/lightspeed-dms/cidx/domain/repo"
	"github.com/lightspeed-dms/cidx/domain/scip"
	"github.com/lightspeed-dms/cidx/domain/search"
	"github.com/lightspeed-dms/cidx/infrastructure/git"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// Navigator answers symbol-graph and git exploration queries. Symbol
// queries address a single repository; git tools may fan out over an
// alias list resolved through ExpandAliases.
type Navigator struct {
	repos     repo.Store
	activated repo.ActivatedStore
	access    RepoAccess
	indexes   *IndexManager
	git       *git.Adapter
}

// NewNavigator creates the navigation service.
func NewNavigator(repos repo.Store, activated repo.ActivatedStore, access RepoAccess,
	indexes *IndexManager, gitAdapter *git.Adapter) *Navigator {
	return &Navigator{
		repos:     repos,
		activated: activated,
		access:    access,
		indexes:   indexes,
		git:       gitAdapter,
	}
}

// resolveOne maps an exact alias (public or user) onto its repository.
// Navigation aliases never expand globs.
func (n *Navigator) resolveOne(ctx context.Context, username, alias string) (target, error) {
	deny := func() (target, error) {
		return target{}, errs.Newf(errs.KindNotFound,
			"repository %q not found or access denied", alias)
	}

	var t target
	if base, ok := repo.BaseName(alias); ok {
		r, err := n.repos.ByName(ctx, base)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				return deny()
			}
			return target{}, err
		}
		t = target{alias: alias, base: r.Name(), clonePath: r.ClonePath()}
	} else {
		a, err := n.activated.ByUserAlias(ctx, username, alias)
		if err != nil {
			if errs.KindOf(err) == errs.KindNotFound {
				return deny()
			}
			return target{}, err
		}
		t = target{alias: alias, base: a.GoldenName(), clonePath: a.ClonePath()}
	}

	ok, err := n.access.CanAccess(ctx, username, t.base)
	if err != nil {
		return target{}, err
	}
	if !ok {
		return deny()
	}
	return t, nil
}

// ExpandAliases resolves a list of alias entries into the concrete
// aliases the user can reach, expanding glob patterns over public and
// user aliases the same way search targets expand. The meta repository
// never matches a wildcard. Exact entries that resolve to nothing are
// reported per entry instead of failing the whole call.
func (n *Navigator) ExpandAliases(ctx context.Context, username string, entries []string) ([]string, []search.RepoError, error) {
	golden, err := n.repos.All(ctx)
	if err != nil {
		return nil, nil, err
	}
	byPublic := make(map[string]repo.Repository, len(golden))
	for _, r := range golden {
		byPublic[r.PublicAlias()] = r
	}
	activated, err := n.activated.ByUser(ctx, username)
	if err != nil {
		return nil, nil, err
	}
	byUserAlias := make(map[string]repo.Activated, len(activated))
	for _, a := range activated {
		byUserAlias[a.UserAlias()] = a
	}

	var (
		aliases    []string
		repoErrors []search.RepoError
		seen       = map[string]bool{}
	)
	add := func(alias, base string, explicit bool) error {
		if seen[alias] {
			return nil
		}
		ok, err := n.access.CanAccess(ctx, username, base)
		if err != nil {
			return err
		}
		if !ok {
			if explicit {
				repoErrors = append(repoErrors, search.RepoError{
					Repo: alias, Reason: "repository not found or access denied"})
			}
			return nil
		}
		seen[alias] = true
		aliases = append(aliases, alias)
		return nil
	}

	for _, entry := range entries {
		switch {
		case search.HasGlobMeta(entry):
			for alias, r := range byPublic {
				if alias == repo.MetaRepoAlias || !search.GlobMatch(entry, alias) {
					continue
				}
				if err := add(alias, r.Name(), false); err != nil {
					return nil, nil, err
				}
			}
			for alias, a := range byUserAlias {
				if !search.GlobMatch(entry, alias) {
					continue
				}
				if err := add(alias, a.GoldenName(), false); err != nil {
					return nil, nil, err
				}
			}
		default:
			if r, ok := byPublic[entry]; ok {
				if err := add(entry, r.Name(), true); err != nil {
					return nil, nil, err
				}
			} else if a, ok := byUserAlias[entry]; ok {
				if err := add(entry, a.GoldenName(), true); err != nil {
					return nil, nil, err
				}
			} else {
				repoErrors = append(repoErrors, search.RepoError{
					Repo: entry, Reason: "repository not found or access denied"})
			}
		}
	}

	sort.Strings(aliases)
	return aliases, repoErrors, nil
}

// SymbolQuery runs one navigation query against a repository's symbol
// graph.
func (n *Navigator) SymbolQuery(ctx context.Context, username, alias string, q scip.Query) ([]scip.Occurrence, error) {
	t, err := n.resolveOne(ctx, username, alias)
	if err != nil {
		return nil, err
	}
	idx, err := n.indexes.For(t.base, t.clonePath)
	if err != nil {
		return nil, err
	}
	if idx.Symbols == nil {
		return nil, errs.Newf(errs.KindInvalidInput,
			"repository %q has no symbol index; add one with add_index", alias)
	}
	return idx.Symbols.Query(ctx, q)
}

// Log returns the commit log.
func (n *Navigator) Log(ctx context.Context, username, alias string, opts git.LogOptions) ([]git.CommitInfo, error) {
	t, err := n.resolveOne(ctx, username, alias)
	if err != nil {
		return nil, err
	}
	return n.git.Log(t.clonePath, opts)
}

// ShowCommit returns one commit's details, optionally with its patch.
func (n *Navigator) ShowCommit(ctx context.Context, username, alias, sha string, includePatch bool) (*git.CommitDetail, error) {
	t, err := n.resolveOne(ctx, username, alias)
	if err != nil {
		return nil, err
	}
	return n.git.ShowCommit(t.clonePath, sha, includePatch)
}

// Diff returns the patch between two revisions, optionally narrowed to
// one path.
func (n *Navigator) Diff(ctx context.Context, username, alias, fromRev, toRev, path string) (string, error) {
	t, err := n.resolveOne(ctx, username, alias)
	if err != nil {
		return "", err
	}
	return n.git.Diff(t.clonePath, fromRev, toRev, path)
}

// Blame returns per-line authorship for a file at a revision.
func (n *Navigator) Blame(ctx context.Context, username, alias, rev, path string) ([]git.BlameLine, error) {
	t, err := n.resolveOne(ctx, username, alias)
	if err != nil {
		return nil, err
	}
	return n.git.Blame(t.clonePath, rev, path)
}

// FileHistory returns the commits that touched a file.
func (n *Navigator) FileHistory(ctx context.Context, username, alias, path string, maxCount int) ([]git.CommitInfo, error) {
	t, err := n.resolveOne(ctx, username, alias)
	if err != nil {
		return nil, err
	}
	return n.git.FileHistory(t.clonePath, path, maxCount)
}

// FileAtRevision returns a file's content at a revision.
func (n *Navigator) FileAtRevision(ctx context.Context, username, alias, rev, path string) (string, error) {
	t, err := n.resolveOne(ctx, username, alias)
	if err != nil {
		return "", err
	}
	return n.git.FileAtRevision(t.clonePath, rev, path)
}

// SearchCommits finds commits whose message matches a pattern.
func (n *Navigator) SearchCommits(ctx context.Context, username, alias, pattern string, opts git.LogOptions) ([]git.CommitInfo, error) {
	t, err := n.resolveOne(ctx, username, alias)
	if err != nil {
		return nil, err
	}
	return n.git.SearchCommits(t.clonePath, pattern, opts)
}

// SearchDiffs finds commits whose patches contain a pattern.
func (n *Navigator) SearchDiffs(ctx context.Context, username, alias, pattern string, opts git.LogOptions) ([]git.DiffMatch, error) {
	t, err := n.resolveOne(ctx, username, alias)
	if err != nil {
		return nil, err
	}
	return n.git.SearchDiffs(t.clonePath, pattern, opts)
}
