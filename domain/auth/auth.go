// Package auth provides user, group, session and permission domain types.
package auth

import (
	"context"
	"time"
)

// Permission is a capability token held by a group.
type Permission string

// Permission tokens.
const (
	PermQueryRepos       Permission = "query_repos"
	PermActivateRepos    Permission = "activate_repos"
	PermRepoRead         Permission = "repository:read"
	PermRepoWrite        Permission = "repository:write"
	PermRepoAdmin        Permission = "repository:admin"
	PermManageUsers      Permission = "manage_users"
	PermManageGoldenRepo Permission = "manage_golden_repos"
)

// knownPermissions is the closed set of accepted permission tokens.
var knownPermissions = map[Permission]struct{}{
	PermQueryRepos:       {},
	PermActivateRepos:    {},
	PermRepoRead:         {},
	PermRepoWrite:        {},
	PermRepoAdmin:        {},
	PermManageUsers:      {},
	PermManageGoldenRepo: {},
}

// Known reports whether the permission token is recognised.
func (p Permission) Known() bool {
	_, ok := knownPermissions[p]
	return ok
}

// User belongs to exactly one group.
type User struct {
	id           int64
	username     string
	passwordHash string
	groupName    string
	createdAt    time.Time
}

// NewUser creates a user record with a pre-computed password hash.
func NewUser(username, passwordHash, groupName string) User {
	return User{username: username, passwordHash: passwordHash, groupName: groupName}
}

// ID returns the user ID.
func (u User) ID() int64 { return u.id }

// Username returns the username.
func (u User) Username() string { return u.username }

// PasswordHash returns the stored bcrypt hash.
func (u User) PasswordHash() string { return u.passwordHash }

// GroupName returns the user's group.
func (u User) GroupName() string { return u.groupName }

// CreatedAt returns the creation timestamp.
func (u User) CreatedAt() time.Time { return u.createdAt }

// WithID returns a copy with the given ID.
func (u User) WithID(id int64) User {
	u.id = id
	return u
}

// WithGroup returns a copy assigned to a different group.
func (u User) WithGroup(group string) User {
	u.groupName = group
	return u
}

// WithPasswordHash returns a copy with a new password hash.
func (u User) WithPasswordHash(hash string) User {
	u.passwordHash = hash
	return u
}

// WithCreatedAt returns a copy with the given creation timestamp.
func (u User) WithCreatedAt(t time.Time) User {
	u.createdAt = t
	return u
}

// Group grants a set of permissions over a set of repositories.
type Group struct {
	id          int64
	name        string
	repos       []string
	permissions []Permission
}

// NewGroup creates a group.
func NewGroup(name string, repos []string, permissions []Permission) Group {
	return Group{
		name:        name,
		repos:       append([]string(nil), repos...),
		permissions: append([]Permission(nil), permissions...),
	}
}

// ID returns the group ID.
func (g Group) ID() int64 { return g.id }

// Name returns the group name.
func (g Group) Name() string { return g.name }

// Repos returns the accessible repository base names. The wildcard "*"
// grants access to every repository.
func (g Group) Repos() []string { return append([]string(nil), g.repos...) }

// Permissions returns the permission tokens.
func (g Group) Permissions() []Permission {
	return append([]Permission(nil), g.permissions...)
}

// HasPermission reports whether the group holds the given permission.
func (g Group) HasPermission(p Permission) bool {
	for _, held := range g.permissions {
		if held == p {
			return true
		}
	}
	return false
}

// CanAccessRepo reports whether the group may access the repository with
// the given base name.
func (g Group) CanAccessRepo(baseName string) bool {
	for _, r := range g.repos {
		if r == "*" || r == baseName {
			return true
		}
	}
	return false
}

// WithID returns a copy with the given ID.
func (g Group) WithID(id int64) Group {
	g.id = id
	return g
}

// Session carries the caller's identity for one authenticated request
// stream. An admin may set an impersonation target; permission checks then
// evaluate against the target, which can only constrain, never elevate.
type Session struct {
	id          string
	username    string
	impersonate string
	expiresAt   time.Time
}

// NewSession creates a session for the given user.
func NewSession(id, username string, expiresAt time.Time) Session {
	return Session{id: id, username: username, expiresAt: expiresAt}
}

// ID returns the session ID.
func (s Session) ID() string { return s.id }

// Username returns the authenticated user.
func (s Session) Username() string { return s.username }

// Impersonating returns the impersonation target, if set.
func (s Session) Impersonating() string { return s.impersonate }

// EffectiveUser returns the identity permission checks evaluate against.
func (s Session) EffectiveUser() string {
	if s.impersonate != "" {
		return s.impersonate
	}
	return s.username
}

// ExpiresAt returns the session expiry.
func (s Session) ExpiresAt() time.Time { return s.expiresAt }

// Expired reports whether the session is past its expiry.
func (s Session) Expired(now time.Time) bool { return now.After(s.expiresAt) }

// WithImpersonation returns a copy impersonating the target user.
func (s Session) WithImpersonation(target string) Session {
	s.impersonate = target
	return s
}

// UserStore persists users.
type UserStore interface {
	Save(ctx context.Context, u User) (User, error)
	ByUsername(ctx context.Context, username string) (User, error)
	All(ctx context.Context) ([]User, error)
	Delete(ctx context.Context, username string) error
}

// GroupStore persists groups.
type GroupStore interface {
	Save(ctx context.Context, g Group) (Group, error)
	ByName(ctx context.Context, name string) (Group, error)
	All(ctx context.Context) ([]Group, error)
	Delete(ctx context.Context, name string) error
}
