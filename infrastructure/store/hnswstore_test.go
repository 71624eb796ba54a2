package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightspeed-dms/cidx/domain/search"
	"github.com/lightspeed-dms/cidx/domain/vector"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

const testDims = 32

// fakeEmbedder produces deterministic unit vectors from text so related
// texts land near each other only when identical.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = fakeVector(text)
	}
	return out, nil
}

func (fakeEmbedder) Dimensions() int { return testDims }

func fakeVector(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	v := make([]float32, testDims)
	var norm float64
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(int32(seed>>32)) / float32(math.MaxInt32)
		norm += float64(v[i]) * float64(v[i])
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

func testRecord(id, path, text string) vector.Record {
	return vector.Record{
		ID:        id,
		Embedding: fakeVector(text),
		Payload: vector.Payload{
			FilePath:  path,
			ChunkText: text,
			Language:  "go",
			IndexedAt: time.Now().UTC(),
		},
	}
}

func newTestStore(t *testing.T) *HNSWStore {
	t.Helper()
	s, err := OpenHNSWStore(t.TempDir(), "", nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHNSWUpsertAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []vector.Record{
		testRecord("1", "a.go", "func ParseConfig reads the env"),
		testRecord("2", "b.go", "func ServeHTTP handles requests"),
	}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{vector.CollectionCode}, s.Collections())
}

func TestHNSWUpsertValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Upsert(ctx, []vector.Record{{
		ID:        "1",
		Embedding: fakeVector("x"),
		Payload:   vector.Payload{FilePath: "a.go"},
	}})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	noID := testRecord("", "a.go", "text")
	err = s.Upsert(ctx, []vector.Record{noID})
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestHNSWSearchFindsExactText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []vector.Record{
		testRecord("1", "auth.go", "session token verification"),
		testRecord("2", "http.go", "request routing middleware"),
		testRecord("3", "db.go", "database connection pooling"),
	}
	require.NoError(t, s.Upsert(ctx, records))

	results, err := s.Search(ctx, "session token verification", fakeEmbedder{}, search.Filters{}, 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "1", results[0].ID, "identical text embeds identically and ranks first")
	assert.InDelta(t, 1.0, results[0].Score, 0.01)
}

func TestHNSWSearchFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	py := testRecord("py", "script.py", "parse arguments")
	py.Payload.Language = "python"
	require.NoError(t, s.Upsert(ctx, []vector.Record{
		testRecord("go", "main.go", "parse arguments"),
		py,
	}))

	results, err := s.Search(ctx, "parse arguments", fakeEmbedder{},
		search.Filters{Language: "python"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "py", results[0].ID)

	results, err = s.Search(ctx, "parse arguments", fakeEmbedder{},
		search.Filters{PathFilter: "*.go"}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "go", results[0].ID)
}

func TestHNSWDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []vector.Record{
		testRecord("1", "a.go", "alpha"),
		testRecord("2", "b.go", "beta"),
	}))
	require.NoError(t, s.Delete(ctx, []string{"1"}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetContent(ctx, "1")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestHNSWGetContentChunkTextTier(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []vector.Record{
		testRecord("1", "gone.go", "the stored chunk text"),
	}))

	content, err := s.GetContent(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "the stored chunk text", content)
}

func TestHNSWGetContentWorktreeTier(t *testing.T) {
	clone := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(clone, "live.go"), []byte("current file content"), 0o644))

	s, err := OpenHNSWStore(t.TempDir(), clone, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []vector.Record{
		testRecord("1", "live.go", "stale indexed text"),
	}))

	content, err := s.GetContent(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "current file content", content, "the worktree file wins over stored text")
}

func TestHNSWPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenHNSWStore(dir, "", nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, []vector.Record{
		testRecord("1", "a.go", "persisted record"),
	}))
	require.NoError(t, s.Close())

	reopened, err := OpenHNSWStore(dir, "", nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	n, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	results, err := reopened.Search(ctx, "persisted record", fakeEmbedder{}, search.Filters{}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "1", results[0].ID)
}

func TestHNSWIntegrityClean(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := make([]vector.Record, 0, 5)
	for i := 0; i < 5; i++ {
		records = append(records, testRecord(
			fmt.Sprintf("id-%d", i), fmt.Sprintf("f%d.go", i), fmt.Sprintf("content %d", i)))
	}
	require.NoError(t, s.Upsert(ctx, records))

	report, err := s.Integrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK(), "problems: %v", report.Problems)
	assert.Equal(t, 5, report.Checked)
}

func TestHNSWClosedStoreRejectsWrites(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	err := s.Upsert(context.Background(), []vector.Record{testRecord("1", "a.go", "x")})
	assert.Error(t, err)
}
