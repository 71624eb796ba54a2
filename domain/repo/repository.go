// Package repo provides golden and activated repository domain types.
package repo

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/lightspeed-dms/cidx/internal/errs"
)

// GlobalSuffix is appended to a golden repository's base name to form its
// public alias. It is reserved: user-supplied aliases may never end in it.
const GlobalSuffix = "-global"

// MetaRepoAlias is the reserved synthetic repository holding per-repo
// descriptions and the dependency map. It never participates in wildcard
// fan-out unless listed explicitly.
const MetaRepoAlias = "cidx-meta" + GlobalSuffix

var baseNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidateBaseName checks an admin-assigned golden repository base name.
func ValidateBaseName(name string) error {
	if name == "" {
		return errs.New(errs.KindInvalidInput, "repository name must not be empty")
	}
	if strings.HasSuffix(name, GlobalSuffix) {
		return errs.Newf(errs.KindInvalidInput,
			"repository name %q must not end in %q; the suffix is reserved for public aliases", name, GlobalSuffix)
	}
	if !baseNamePattern.MatchString(name) {
		return errs.Newf(errs.KindInvalidInput, "repository name %q contains invalid characters", name)
	}
	return nil
}

// ValidateUserAlias checks a user-chosen alias for an activated repository.
func ValidateUserAlias(alias string) error {
	if alias == "" {
		return errs.New(errs.KindInvalidInput, "alias must not be empty")
	}
	if strings.HasSuffix(alias, GlobalSuffix) {
		return errs.Newf(errs.KindInvalidInput,
			"alias %q must not end in %q; that suffix identifies golden repositories", alias, GlobalSuffix)
	}
	if !baseNamePattern.MatchString(alias) {
		return errs.Newf(errs.KindInvalidInput, "alias %q contains invalid characters", alias)
	}
	return nil
}

// PublicAlias converts a base name into its public -global form.
func PublicAlias(base string) string { return base + GlobalSuffix }

// BaseName strips the -global suffix from a public alias. The second return
// is false when the alias is not a public alias.
func BaseName(alias string) (string, bool) {
	if !strings.HasSuffix(alias, GlobalSuffix) {
		return "", false
	}
	return strings.TrimSuffix(alias, GlobalSuffix), true
}

// IndexFlags records which index kinds exist for a repository.
type IndexFlags struct {
	Semantic bool
	FTS      bool
	Temporal bool
	SCIP     bool
}

// Has reports whether the flag for the given index kind is set.
func (f IndexFlags) Has(kind IndexKind) bool {
	switch kind {
	case IndexSemantic:
		return f.Semantic
	case IndexFTS:
		return f.FTS
	case IndexTemporal:
		return f.Temporal
	case IndexSCIP:
		return f.SCIP
	default:
		return false
	}
}

// WithKind returns a copy with the given index kind enabled.
func (f IndexFlags) WithKind(kind IndexKind) IndexFlags {
	switch kind {
	case IndexSemantic:
		f.Semantic = true
	case IndexFTS:
		f.FTS = true
	case IndexTemporal:
		f.Temporal = true
	case IndexSCIP:
		f.SCIP = true
	}
	return f
}

// IndexKind identifies one of the four index families.
type IndexKind string

// Index kinds.
const (
	IndexSemantic IndexKind = "semantic"
	IndexFTS      IndexKind = "fts"
	IndexTemporal IndexKind = "temporal"
	IndexSCIP     IndexKind = "scip"
)

// ParseIndexKind validates an index kind string.
func ParseIndexKind(s string) (IndexKind, error) {
	switch IndexKind(s) {
	case IndexSemantic, IndexFTS, IndexTemporal, IndexSCIP:
		return IndexKind(s), nil
	default:
		return "", errs.Newf(errs.KindInvalidInput,
			"unknown index kind %q (want semantic, fts, temporal or scip)", s)
	}
}

// Repository is a golden repository: admin-registered, indexed, read-only
// except via activated copies.
type Repository struct {
	id                int64
	name              string
	remoteURL         string
	defaultBranch     string
	clonePath         string
	flags             IndexFlags
	lastIndexedCommit string
	lastRefresh       time.Time
	refreshEnabled    bool
	description       string
	createdAt         time.Time
	updatedAt         time.Time
}

// NewRepository creates a golden repository record. The name must already be
// validated with ValidateBaseName.
func NewRepository(name, remoteURL, defaultBranch, clonePath string) Repository {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return Repository{
		name:           name,
		remoteURL:      remoteURL,
		defaultBranch:  defaultBranch,
		clonePath:      clonePath,
		refreshEnabled: true,
	}
}

// ID returns the repository ID.
func (r Repository) ID() int64 { return r.id }

// Name returns the admin-assigned base name.
func (r Repository) Name() string { return r.name }

// PublicAlias returns the public <name>-global alias.
func (r Repository) PublicAlias() string { return PublicAlias(r.name) }

// RemoteURL returns the clone source URL.
func (r Repository) RemoteURL() string { return r.remoteURL }

// DefaultBranch returns the tracked branch.
func (r Repository) DefaultBranch() string { return r.defaultBranch }

// ClonePath returns the on-disk working tree path.
func (r Repository) ClonePath() string { return r.clonePath }

// Flags returns the index flag set.
func (r Repository) Flags() IndexFlags { return r.flags }

// LastIndexedCommit returns the SHA the indexes were last built against.
func (r Repository) LastIndexedCommit() string { return r.lastIndexedCommit }

// LastRefresh returns when the repository was last refreshed.
func (r Repository) LastRefresh() time.Time { return r.lastRefresh }

// RefreshEnabled reports whether the scheduler refreshes this repository.
func (r Repository) RefreshEnabled() bool { return r.refreshEnabled }

// Description returns the admin-supplied description.
func (r Repository) Description() string { return r.description }

// CreatedAt returns the creation timestamp.
func (r Repository) CreatedAt() time.Time { return r.createdAt }

// UpdatedAt returns the last update timestamp.
func (r Repository) UpdatedAt() time.Time { return r.updatedAt }

// IsMeta reports whether this is the reserved synthetic meta repository.
func (r Repository) IsMeta() bool { return r.PublicAlias() == MetaRepoAlias }

// WithID returns a copy with the given ID.
func (r Repository) WithID(id int64) Repository {
	r.id = id
	return r
}

// WithFlags returns a copy with the given index flags.
func (r Repository) WithFlags(flags IndexFlags) Repository {
	r.flags = flags
	return r
}

// WithLastIndexedCommit returns a copy with the given last-indexed SHA.
func (r Repository) WithLastIndexedCommit(sha string) Repository {
	r.lastIndexedCommit = sha
	return r
}

// WithLastRefresh returns a copy with the given refresh timestamp.
func (r Repository) WithLastRefresh(t time.Time) Repository {
	r.lastRefresh = t
	return r
}

// WithRefreshEnabled returns a copy with the refresh policy set.
func (r Repository) WithRefreshEnabled(enabled bool) Repository {
	r.refreshEnabled = enabled
	return r
}

// WithDescription returns a copy with the given description.
func (r Repository) WithDescription(desc string) Repository {
	r.description = desc
	return r
}

// WithTimestamps returns a copy with the given timestamps.
func (r Repository) WithTimestamps(created, updated time.Time) Repository {
	r.createdAt = created
	r.updatedAt = updated
	return r
}

// Store persists golden repositories.
type Store interface {
	Save(ctx context.Context, r Repository) (Repository, error)
	ByName(ctx context.Context, name string) (Repository, error)
	ByPublicAlias(ctx context.Context, alias string) (Repository, error)
	All(ctx context.Context) ([]Repository, error)
	Delete(ctx context.Context, id int64) error
}
