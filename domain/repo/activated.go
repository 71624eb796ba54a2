package repo

import (
	"context"
	"time"
)

// Activated is a per-user writable copy of a golden repository, keyed by
// (username, user alias). It owns its working tree; queries against the
// alias resolve to the golden original's indexes.
type Activated struct {
	id         int64
	username   string
	userAlias  string
	goldenName string
	clonePath  string
	branch     string
	createdAt  time.Time
}

// NewActivated creates an activated copy record. The alias must already be
// validated with ValidateUserAlias.
func NewActivated(username, userAlias, goldenName, clonePath, branch string) Activated {
	return Activated{
		username:   username,
		userAlias:  userAlias,
		goldenName: goldenName,
		clonePath:  clonePath,
		branch:     branch,
	}
}

// ID returns the record ID.
func (a Activated) ID() int64 { return a.id }

// Username returns the owning user.
func (a Activated) Username() string { return a.username }

// UserAlias returns the user-chosen alias.
func (a Activated) UserAlias() string { return a.userAlias }

// GoldenName returns the base name of the golden original.
func (a Activated) GoldenName() string { return a.goldenName }

// ClonePath returns the working tree path.
func (a Activated) ClonePath() string { return a.clonePath }

// Branch returns the checked-out branch.
func (a Activated) Branch() string { return a.branch }

// CreatedAt returns the creation timestamp.
func (a Activated) CreatedAt() time.Time { return a.createdAt }

// WithID returns a copy with the given ID.
func (a Activated) WithID(id int64) Activated {
	a.id = id
	return a
}

// WithCreatedAt returns a copy with the given creation timestamp.
func (a Activated) WithCreatedAt(t time.Time) Activated {
	a.createdAt = t
	return a
}

// ActivatedStore persists activated repositories.
type ActivatedStore interface {
	Save(ctx context.Context, a Activated) (Activated, error)
	ByUserAlias(ctx context.Context, username, alias string) (Activated, error)
	ByUser(ctx context.Context, username string) ([]Activated, error)
	Delete(ctx context.Context, id int64) error
}
