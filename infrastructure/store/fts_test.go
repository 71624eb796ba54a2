package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightspeed-dms/cidx/domain/search"
)

func newMemFTS(t *testing.T) *FTSIndex {
	t.Helper()
	idx, err := OpenFTSIndex("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func indexFTSDocs(t *testing.T, idx *FTSIndex, docs map[string]FTSDoc) {
	t.Helper()
	require.NoError(t, idx.Index(context.Background(), docs))
}

func TestFTSExactMatchIsTokenAnd(t *testing.T) {
	idx := newMemFTS(t)
	indexFTSDocs(t, idx, map[string]FTSDoc{
		"a": {Path: "server/handler.go", Language: "go", Line: 1,
			Content: "func handleRequest(w http.ResponseWriter) { parse request body }"},
		"b": {Path: "server/router.go", Language: "go", Line: 1,
			Content: "func routeRequest(mux *chi.Mux) {}"},
	})

	hits, err := idx.Search(context.Background(), "parse request", search.Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "server/handler.go", hits[0].Path)

	// Both tokens are required, so a query where one token never
	// co-occurs matches nothing.
	hits, err = idx.Search(context.Background(), "parse mux", search.Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFTSSearchIsCaseInsensitiveByDefault(t *testing.T) {
	idx := newMemFTS(t)
	indexFTSDocs(t, idx, map[string]FTSDoc{
		"a": {Path: "a.go", Language: "go", Line: 1, Content: "connect to the database"},
	})

	hits, err := idx.Search(context.Background(), "DATABASE", search.Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a.go", hits[0].Path)
}

func TestFTSCaseSensitiveFilterDropsMismatchedCase(t *testing.T) {
	idx := newMemFTS(t)
	indexFTSDocs(t, idx, map[string]FTSDoc{
		"upper": {Path: "upper.go", Language: "go", Line: 1, Content: "call Database.Open"},
		"lower": {Path: "lower.go", Language: "go", Line: 1, Content: "call database.open"},
	})

	hits, err := idx.Search(context.Background(), "database", search.Filters{CaseSensitive: true}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "lower.go", hits[0].Path)
}

func TestFTSCaseSensitiveMatchesQueryCasing(t *testing.T) {
	idx := newMemFTS(t)
	indexFTSDocs(t, idx, map[string]FTSDoc{
		"upper": {Path: "upper.go", Language: "go", Line: 1, Content: "call Database.Open"},
		"lower": {Path: "lower.go", Language: "go", Line: 1, Content: "call database.open"},
	})

	// The query's original casing wins, not the analyzer's lowercased
	// term.
	hits, err := idx.Search(context.Background(), "Database", search.Filters{CaseSensitive: true}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "upper.go", hits[0].Path)

	// Multi-token queries require every token's casing verbatim.
	hits, err = idx.Search(context.Background(), "call Database", search.Filters{CaseSensitive: true}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "upper.go", hits[0].Path)
}

func TestFTSFuzzySearch(t *testing.T) {
	idx := newMemFTS(t)
	indexFTSDocs(t, idx, map[string]FTSDoc{
		"a": {Path: "a.go", Language: "go", Line: 1, Content: "reconcile golden repositories"},
	})

	// One substitution away from "reconcile".
	hits, err := idx.Search(context.Background(), "reconcilz", search.Filters{EditDistance: 1}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	// Fuzzy flag alone defaults to distance 1.
	hits, err = idx.Search(context.Background(), "reconcilz", search.Filters{Fuzzy: true}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	// Exact mode does not tolerate the typo.
	hits, err = idx.Search(context.Background(), "reconcilz", search.Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFTSRegexQuery(t *testing.T) {
	idx := newMemFTS(t)
	indexFTSDocs(t, idx, map[string]FTSDoc{
		"a": {Path: "a.go", Language: "go", Line: 1, Content: "func handleLogin() error"},
		"b": {Path: "b.go", Language: "go", Line: 1, Content: "func parseConfig() error"},
	})

	hits, err := idx.Search(context.Background(), "", search.Filters{Regex: "handle.*"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a.go", hits[0].Path)
}

func TestFTSLanguageFilter(t *testing.T) {
	idx := newMemFTS(t)
	indexFTSDocs(t, idx, map[string]FTSDoc{
		"go": {Path: "a.go", Language: "go", Line: 1, Content: "open connection"},
		"py": {Path: "a.py", Language: "python", Line: 1, Content: "open connection"},
	})

	hits, err := idx.Search(context.Background(), "connection", search.Filters{Language: "python"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a.py", hits[0].Path)
}

func TestFTSPathFilterAppliedPostQuery(t *testing.T) {
	idx := newMemFTS(t)
	indexFTSDocs(t, idx, map[string]FTSDoc{
		"src":  {Path: "src/auth/login.go", Language: "go", Line: 1, Content: "validate token"},
		"test": {Path: "src/auth/login_test.go", Language: "go", Line: 1, Content: "validate token"},
	})

	hits, err := idx.Search(context.Background(), "token", search.Filters{ExcludePath: "*_test.go"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "src/auth/login.go", hits[0].Path)
}

func TestFTSSnippetAndLineNumber(t *testing.T) {
	idx := newMemFTS(t)
	content := "package auth\n\n// Login validates credentials.\nfunc Login(user string) error {\n\treturn nil\n}"
	indexFTSDocs(t, idx, map[string]FTSDoc{
		"a": {Path: "auth.go", Language: "go", Line: 10, Content: content},
	})

	hits, err := idx.Search(context.Background(), "credentials", search.Filters{SnippetLines: 1}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Snippet, "validates credentials")
	// The match is on the third line of a chunk that starts at line 10.
	assert.Equal(t, 12, hits[0].Line)
	assert.Equal(t, "credentials", hits[0].MatchText)
	assert.Greater(t, hits[0].CharEnd, hits[0].CharStart)
}

func TestFTSEmptyQueryReturnsNothing(t *testing.T) {
	idx := newMemFTS(t)
	indexFTSDocs(t, idx, map[string]FTSDoc{
		"a": {Path: "a.go", Language: "go", Line: 1, Content: "something"},
	})

	hits, err := idx.Search(context.Background(), "   ", search.Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFTSDelete(t *testing.T) {
	idx := newMemFTS(t)
	indexFTSDocs(t, idx, map[string]FTSDoc{
		"a": {Path: "a.go", Language: "go", Line: 1, Content: "delete me"},
		"b": {Path: "b.go", Language: "go", Line: 1, Content: "keep me"},
	})

	require.NoError(t, idx.Delete(context.Background(), []string{"a"}))

	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	hits, err := idx.Search(context.Background(), "delete", search.Filters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestFTSMetaPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir() + "/fts"

	idx, err := OpenFTSIndex(dir, nil)
	require.NoError(t, err)
	indexFTSDocs(t, idx, map[string]FTSDoc{
		"a": {Path: "a.go", Language: "go", Line: 1, Content: "persisted document"},
	})
	require.NoError(t, idx.SetLastCommit("abc123"))
	require.NoError(t, idx.Close())

	reopened, err := OpenFTSIndex(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	lastCommit, docCount := reopened.Meta()
	assert.Equal(t, "abc123", lastCommit)
	assert.Equal(t, 1, docCount)

	hits, err := reopened.Search(context.Background(), "persisted", search.Filters{}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestFTSClosedIndexRejectsOperations(t *testing.T) {
	idx, err := OpenFTSIndex("", nil)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	assert.Error(t, idx.Index(context.Background(), map[string]FTSDoc{"a": {Path: "a.go"}}))
	_, err = idx.Search(context.Background(), "x", search.Filters{}, 10)
	assert.Error(t, err)
	// Double close is a no-op.
	assert.NoError(t, idx.Close())
}
