package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPermissionKnown(t *testing.T) {
	for _, p := range []Permission{
		PermQueryRepos, PermActivateRepos, PermRepoRead, PermRepoWrite,
		PermRepoAdmin, PermManageUsers, PermManageGoldenRepo,
	} {
		assert.True(t, p.Known(), string(p))
	}
	assert.False(t, Permission("delete_everything").Known())
	assert.False(t, Permission("").Known())
}

func TestGroupHasPermission(t *testing.T) {
	g := NewGroup("devs", []string{"api"}, []Permission{PermQueryRepos, PermRepoRead})

	assert.True(t, g.HasPermission(PermQueryRepos))
	assert.False(t, g.HasPermission(PermManageUsers))
}

func TestGroupCanAccessRepo(t *testing.T) {
	tests := []struct {
		name  string
		repos []string
		repo  string
		want  bool
	}{
		{"explicit match", []string{"api", "web"}, "api", true},
		{"no match", []string{"api"}, "web", false},
		{"wildcard", []string{"*"}, "anything", true},
		{"wildcard among names", []string{"api", "*"}, "web", true},
		{"empty list", nil, "api", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGroup("g", tt.repos, nil)
			assert.Equal(t, tt.want, g.CanAccessRepo(tt.repo))
		})
	}
}

func TestGroupCopiesSlices(t *testing.T) {
	repos := []string{"api"}
	g := NewGroup("devs", repos, []Permission{PermQueryRepos})

	repos[0] = "mutated"
	assert.True(t, g.CanAccessRepo("api"))

	got := g.Repos()
	got[0] = "mutated"
	assert.Equal(t, []string{"api"}, g.Repos())
}

func TestSessionEffectiveUser(t *testing.T) {
	s := NewSession("sid-1", "admin", time.Now().Add(time.Hour))
	assert.Equal(t, "admin", s.EffectiveUser())
	assert.Empty(t, s.Impersonating())

	imp := s.WithImpersonation("alice")
	assert.Equal(t, "alice", imp.EffectiveUser())
	assert.Equal(t, "alice", imp.Impersonating())
	assert.Equal(t, "admin", imp.Username(), "the real identity stays visible")
	assert.Equal(t, "admin", s.EffectiveUser(), "original session is unchanged")
}

func TestSessionExpired(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	s := NewSession("sid-1", "alice", now.Add(time.Minute))

	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(2*time.Minute)))
}

func TestUserWithers(t *testing.T) {
	u := NewUser("alice", "hash1", "users")

	moved := u.WithGroup("admins")
	assert.Equal(t, "admins", moved.GroupName())
	assert.Equal(t, "users", u.GroupName())

	rehashed := u.WithPasswordHash("hash2")
	assert.Equal(t, "hash2", rehashed.PasswordHash())
	assert.Equal(t, "hash1", u.PasswordHash())
}
