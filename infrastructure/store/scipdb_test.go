package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightspeed-dms/cidx/domain/scip"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

func newTestSCIPDB(t *testing.T) *SCIPDatabase {
	t.Helper()
	db, err := OpenSCIPDatabase(filepath.Join(t.TempDir(), "scip.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	doc := scip.Document{
		Project: "myrepo",
		Symbols: []scip.Symbol{
			{Name: "auth.Login", File: "auth/login.go", Line: 12, Column: 6, Kind: scip.KindFunction},
			{Name: "auth.Logout", File: "auth/login.go", Line: 40, Column: 6, Kind: scip.KindFunction},
			{Name: "auth.hashPassword", File: "auth/hash.go", Line: 8, Column: 6, Kind: scip.KindFunction},
			{Name: "api.handleLogin", File: "api/handlers.go", Line: 30, Column: 6, Kind: scip.KindFunction},
			{Name: "cmd.main", File: "cmd/main.go", Line: 10, Column: 6, Kind: scip.KindFunction},
		},
		Edges: []scip.Edge{
			{From: "auth.Login", To: "auth.hashPassword", Kind: scip.EdgeCalls, File: "auth/login.go", Line: 15},
			{From: "api.handleLogin", To: "auth.Login", Kind: scip.EdgeCalls, File: "api/handlers.go", Line: 32},
			{From: "cmd.main", To: "api.handleLogin", Kind: scip.EdgeCalls, File: "cmd/main.go", Line: 14},
			{From: "api.handlers", To: "auth.Login", Kind: scip.EdgeReferences, File: "api/handlers.go", Line: 3},
		},
	}
	require.NoError(t, db.ImportDocument(context.Background(), doc))
	return db
}

func TestSCIPDefinitions(t *testing.T) {
	db := newTestSCIPDB(t)
	ctx := context.Background()

	occs, err := db.Query(ctx, scip.Query{Kind: scip.QueryDefinition, Symbol: "auth.Login", Exact: true})
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, "auth/login.go", occs[0].File)
	assert.Equal(t, 12, occs[0].Line)
	assert.Equal(t, scip.KindFunction, occs[0].Kind)

	// Substring match is the default.
	occs, err = db.Query(ctx, scip.Query{Kind: scip.QueryDefinition, Symbol: "Login"})
	require.NoError(t, err)
	assert.Len(t, occs, 2)
}

func TestSCIPReferences(t *testing.T) {
	db := newTestSCIPDB(t)

	occs, err := db.Query(context.Background(), scip.Query{
		Kind: scip.QueryReferences, Symbol: "auth.Login", Exact: true,
	})
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, "api.handlers", occs[0].Symbol)
	assert.Equal(t, scip.EdgeReferences, occs[0].Relationship)
}

func TestSCIPDependenciesAndDependents(t *testing.T) {
	db := newTestSCIPDB(t)
	ctx := context.Background()

	deps, err := db.Query(ctx, scip.Query{Kind: scip.QueryDependencies, Symbol: "auth.Login", Exact: true})
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "auth.hashPassword", deps[0].Symbol)

	dependents, err := db.Query(ctx, scip.Query{Kind: scip.QueryDependents, Symbol: "auth.Login", Exact: true})
	require.NoError(t, err)
	require.Len(t, dependents, 2)
	names := []string{dependents[0].Symbol, dependents[1].Symbol}
	assert.Contains(t, names, "api.handleLogin")
	assert.Contains(t, names, "api.handlers")
}

func TestSCIPImpactWalksTransitively(t *testing.T) {
	db := newTestSCIPDB(t)

	occs, err := db.Query(context.Background(), scip.Query{
		Kind: scip.QueryImpact, Symbol: "auth.hashPassword", Exact: true, Depth: 3,
	})
	require.NoError(t, err)

	// hashPassword <- Login <- handleLogin <- main, plus the
	// references edge into Login.
	var names []string
	for _, o := range occs {
		names = append(names, o.Symbol)
	}
	assert.Contains(t, names, "auth.Login")
	assert.Contains(t, names, "api.handleLogin")
	assert.Contains(t, names, "cmd.main")
}

func TestSCIPCallChainFollowsCallEdgesOnly(t *testing.T) {
	db := newTestSCIPDB(t)

	occs, err := db.Query(context.Background(), scip.Query{
		Kind: scip.QueryCallChain, Symbol: "auth.Login", Exact: true, Depth: 3,
	})
	require.NoError(t, err)

	var names []string
	for _, o := range occs {
		names = append(names, o.Symbol)
	}
	assert.Contains(t, names, "api.handleLogin")
	assert.Contains(t, names, "cmd.main")
	assert.NotContains(t, names, "api.handlers", "references edges stay out of call chains")
}

func TestSCIPImpactDepthBound(t *testing.T) {
	db := newTestSCIPDB(t)

	occs, err := db.Query(context.Background(), scip.Query{
		Kind: scip.QueryCallChain, Symbol: "auth.hashPassword", Exact: true, Depth: 1,
	})
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, "auth.Login", occs[0].Symbol)
}

func TestSCIPContext(t *testing.T) {
	db := newTestSCIPDB(t)

	occs, err := db.Query(context.Background(), scip.Query{
		Kind: scip.QueryContext, Symbol: "auth.Login", Exact: true,
	})
	require.NoError(t, err)
	require.Len(t, occs, 2)
	assert.Equal(t, "auth.Login", occs[0].Symbol)
	assert.Equal(t, "auth.Logout", occs[1].Symbol)
	assert.Equal(t, "auth/login.go", occs[1].Context)

	_, err = db.Query(context.Background(), scip.Query{
		Kind: scip.QueryContext, Symbol: "does.NotExist", Exact: true,
	})
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestSCIPQueryValidation(t *testing.T) {
	db := newTestSCIPDB(t)
	ctx := context.Background()

	_, err := db.Query(ctx, scip.Query{Kind: scip.QueryDefinition})
	assert.Equal(t, errs.KindInvalidInput, errs.KindOf(err))

	_, err = db.Query(ctx, scip.Query{Kind: "bogus", Symbol: "x"})
	assert.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
}

func TestSCIPClear(t *testing.T) {
	db := newTestSCIPDB(t)
	ctx := context.Background()

	count, err := db.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	require.NoError(t, db.Clear(ctx, "myrepo"))

	count, err = db.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	occs, err := db.Query(ctx, scip.Query{Kind: scip.QueryDependencies, Symbol: "auth.Login", Exact: true})
	require.NoError(t, err)
	assert.Empty(t, occs)
}

func TestSCIPLikeEscaping(t *testing.T) {
	db, err := OpenSCIPDatabase(filepath.Join(t.TempDir(), "scip.db"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.ImportDocument(ctx, scip.Document{
		Project: "p",
		Symbols: []scip.Symbol{
			{Name: "do_work", File: "a.go", Line: 1, Kind: scip.KindFunction},
			{Name: "dowork", File: "b.go", Line: 1, Kind: scip.KindFunction},
		},
	}))

	// The underscore is literal, not a single-character wildcard.
	occs, err := db.Query(ctx, scip.Query{Kind: scip.QueryDefinition, Symbol: "do_work"})
	require.NoError(t, err)
	require.Len(t, occs, 1)
	assert.Equal(t, "a.go", occs[0].File)
}
