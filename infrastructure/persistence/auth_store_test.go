package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightspeed-dms/cidx/domain/auth"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

func TestUserStoreRoundTrip(t *testing.T) {
	store := NewUserStore(newTestDB(t))
	ctx := testCtx()

	saved, err := store.Save(ctx, auth.NewUser("alice", "bcrypt-hash", "users"))
	require.NoError(t, err)
	assert.NotZero(t, saved.ID())

	got, err := store.ByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bcrypt-hash", got.PasswordHash())
	assert.Equal(t, "users", got.GroupName())
	assert.False(t, got.CreatedAt().IsZero())
}

func TestUserStoreDuplicateUsername(t *testing.T) {
	store := NewUserStore(newTestDB(t))
	ctx := testCtx()

	_, err := store.Save(ctx, auth.NewUser("alice", "h1", "users"))
	require.NoError(t, err)

	_, err = store.Save(ctx, auth.NewUser("alice", "h2", "admins"))
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestUserStoreUpdateGroup(t *testing.T) {
	store := NewUserStore(newTestDB(t))
	ctx := testCtx()

	saved, err := store.Save(ctx, auth.NewUser("alice", "h1", "users"))
	require.NoError(t, err)

	_, err = store.Save(ctx, saved.WithGroup("admins"))
	require.NoError(t, err)

	got, err := store.ByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "admins", got.GroupName())
}

func TestUserStoreDelete(t *testing.T) {
	store := NewUserStore(newTestDB(t))
	ctx := testCtx()

	_, err := store.Save(ctx, auth.NewUser("alice", "h1", "users"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "alice"))

	_, err = store.ByUsername(ctx, "alice")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))

	err = store.Delete(ctx, "alice")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestGroupStoreRoundTrip(t *testing.T) {
	store := NewGroupStore(newTestDB(t))
	ctx := testCtx()

	g := auth.NewGroup("devs", []string{"api", "web"},
		[]auth.Permission{auth.PermQueryRepos, auth.PermRepoRead})
	saved, err := store.Save(ctx, g)
	require.NoError(t, err)
	assert.NotZero(t, saved.ID())

	got, err := store.ByName(ctx, "devs")
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "web"}, got.Repos())
	assert.True(t, got.HasPermission(auth.PermQueryRepos))
	assert.True(t, got.CanAccessRepo("web"))
	assert.False(t, got.CanAccessRepo("secret"))
}

func TestGroupStoreWildcard(t *testing.T) {
	store := NewGroupStore(newTestDB(t))
	ctx := testCtx()

	_, err := store.Save(ctx, auth.NewGroup("admins", []string{"*"}, []auth.Permission{auth.PermRepoAdmin}))
	require.NoError(t, err)

	got, err := store.ByName(ctx, "admins")
	require.NoError(t, err)
	assert.True(t, got.CanAccessRepo("anything"))
}

func TestGroupStoreAllAndDelete(t *testing.T) {
	store := NewGroupStore(newTestDB(t))
	ctx := testCtx()

	_, err := store.Save(ctx, auth.NewGroup("zeta", nil, nil))
	require.NoError(t, err)
	_, err = store.Save(ctx, auth.NewGroup("alpha", nil, nil))
	require.NoError(t, err)

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name())

	require.NoError(t, store.Delete(ctx, "zeta"))
	err = store.Delete(ctx, "zeta")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestAuditStoreAppendAndQuery(t *testing.T) {
	store := NewAuditStore(newTestDB(t))
	ctx := testCtx()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []auth.AuditEvent{
		{Action: auth.AuditLogin, Actor: "alice", At: base},
		{Action: auth.AuditImpersonate, Actor: "admin", Target: "alice", At: base.Add(time.Hour)},
		{Action: auth.AuditLoginFailed, Actor: "mallory", At: base.Add(2 * time.Hour)},
	}
	for _, e := range events {
		require.NoError(t, store.Append(ctx, e))
	}

	all, err := store.Query(ctx, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, auth.AuditLoginFailed, all[0].Action, "newest first")

	window, err := store.Query(ctx, base.Add(30*time.Minute), base.Add(90*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, auth.AuditImpersonate, window[0].Action)
	assert.Equal(t, "alice", window[0].Target)

	limited, err := store.Query(ctx, time.Time{}, time.Time{}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAuditStoreStampsTime(t *testing.T) {
	store := NewAuditStore(newTestDB(t))
	ctx := testCtx()

	require.NoError(t, store.Append(ctx, auth.AuditEvent{Action: auth.AuditLogin, Actor: "alice"}))

	all, err := store.Query(ctx, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].At.IsZero())
}
