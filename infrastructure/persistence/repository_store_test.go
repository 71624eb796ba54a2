package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightspeed-dms/cidx/domain/repo"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

func TestRepositoryStoreRoundTrip(t *testing.T) {
	store := NewRepositoryStore(newTestDB(t))
	ctx := testCtx()

	r := repo.NewRepository("api", "https://example.com/api.git", "develop", "/data/repos/api").
		WithFlags(repo.IndexFlags{Semantic: true, FTS: true}).
		WithDescription("the API server")

	saved, err := store.Save(ctx, r)
	require.NoError(t, err)
	assert.NotZero(t, saved.ID())
	assert.False(t, saved.CreatedAt().IsZero())

	got, err := store.ByName(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/api.git", got.RemoteURL())
	assert.Equal(t, "develop", got.DefaultBranch())
	assert.True(t, got.Flags().Semantic)
	assert.True(t, got.Flags().FTS)
	assert.False(t, got.Flags().Temporal)
	assert.Equal(t, "the API server", got.Description())
	assert.True(t, got.RefreshEnabled())
}

func TestRepositoryStoreByPublicAlias(t *testing.T) {
	store := NewRepositoryStore(newTestDB(t))
	ctx := testCtx()

	_, err := store.Save(ctx, repo.NewRepository("api", "url", "main", "/p"))
	require.NoError(t, err)

	got, err := store.ByPublicAlias(ctx, "api-global")
	require.NoError(t, err)
	assert.Equal(t, "api", got.Name())

	_, err = store.ByPublicAlias(ctx, "api")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestRepositoryStoreDuplicateName(t *testing.T) {
	store := NewRepositoryStore(newTestDB(t))
	ctx := testCtx()

	_, err := store.Save(ctx, repo.NewRepository("api", "url", "main", "/p"))
	require.NoError(t, err)

	_, err = store.Save(ctx, repo.NewRepository("api", "other", "main", "/q"))
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))
}

func TestRepositoryStoreUpdate(t *testing.T) {
	store := NewRepositoryStore(newTestDB(t))
	ctx := testCtx()

	saved, err := store.Save(ctx, repo.NewRepository("api", "url", "main", "/p"))
	require.NoError(t, err)

	updated, err := store.Save(ctx, saved.
		WithLastIndexedCommit("abc123").
		WithLastRefresh(time.Now().UTC()))
	require.NoError(t, err)
	assert.Equal(t, saved.ID(), updated.ID())

	got, err := store.ByName(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.LastIndexedCommit())
	assert.False(t, got.LastRefresh().IsZero())
}

func TestRepositoryStoreAllAndDelete(t *testing.T) {
	store := NewRepositoryStore(newTestDB(t))
	ctx := testCtx()

	_, err := store.Save(ctx, repo.NewRepository("web", "u1", "main", "/w"))
	require.NoError(t, err)
	api, err := store.Save(ctx, repo.NewRepository("api", "u2", "main", "/a"))
	require.NoError(t, err)

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "api", all[0].Name(), "ordered by name")

	require.NoError(t, store.Delete(ctx, api.ID()))
	err = store.Delete(ctx, api.ID())
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestActivatedStoreRoundTrip(t *testing.T) {
	store := NewActivatedStore(newTestDB(t))
	ctx := testCtx()

	a := repo.NewActivated("alice", "my-api", "api", "/data/activated/alice/my-api", "main")
	saved, err := store.Save(ctx, a)
	require.NoError(t, err)
	assert.NotZero(t, saved.ID())

	got, err := store.ByUserAlias(ctx, "alice", "my-api")
	require.NoError(t, err)
	assert.Equal(t, "api", got.GoldenName())
	assert.Equal(t, "main", got.Branch())

	_, err = store.ByUserAlias(ctx, "bob", "my-api")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err), "aliases are scoped per user")
}

func TestActivatedStoreAliasUniquePerUser(t *testing.T) {
	store := NewActivatedStore(newTestDB(t))
	ctx := testCtx()

	_, err := store.Save(ctx, repo.NewActivated("alice", "mine", "api", "/p1", "main"))
	require.NoError(t, err)

	_, err = store.Save(ctx, repo.NewActivated("alice", "mine", "web", "/p2", "main"))
	require.Error(t, err)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	// Same alias under a different user is fine.
	_, err = store.Save(ctx, repo.NewActivated("bob", "mine", "api", "/p3", "main"))
	require.NoError(t, err)
}

func TestActivatedStoreByUserAndDelete(t *testing.T) {
	store := NewActivatedStore(newTestDB(t))
	ctx := testCtx()

	first, err := store.Save(ctx, repo.NewActivated("alice", "zz", "api", "/p1", "main"))
	require.NoError(t, err)
	_, err = store.Save(ctx, repo.NewActivated("alice", "aa", "web", "/p2", "main"))
	require.NoError(t, err)

	list, err := store.ByUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "aa", list[0].UserAlias(), "ordered by alias")

	require.NoError(t, store.Delete(ctx, first.ID()))
	list, err = store.ByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
