package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseRanksSharedHitsFirst(t *testing.T) {
	f := NewFusion()

	semantic := []Hit{
		{FilePath: "a.go", ChunkOffset: 0, Score: 0.9},
		{FilePath: "b.go", ChunkOffset: 0, Score: 0.8},
		{FilePath: "c.go", ChunkOffset: 0, Score: 0.7},
	}
	fts := []Hit{
		{FilePath: "b.go", ChunkOffset: 0, Score: 12.0},
		{FilePath: "d.go", ChunkOffset: 0, Score: 3.0},
	}

	fused := f.Fuse(semantic, fts)
	require.Len(t, fused, 4)

	// b.go appears in both lists so its reciprocal ranks accumulate.
	assert.Equal(t, "b.go", fused[0].FilePath)
	assert.InDelta(t, 1.0/61.0+1.0/60.0, fused[0].Score, 1e-9)

	// a.go was rank 0 in one list only.
	assert.Equal(t, "a.go", fused[1].FilePath)
	assert.InDelta(t, 1.0/60.0, fused[1].Score, 1e-9)
}

func TestFuseTieBreaksByPath(t *testing.T) {
	f := NewFusion()

	// Same rank in separate lists gives identical scores.
	fused := f.Fuse(
		[]Hit{{FilePath: "zz.go"}},
		[]Hit{{FilePath: "aa.go"}},
	)
	require.Len(t, fused, 2)
	assert.Equal(t, "aa.go", fused[0].FilePath)
	assert.Equal(t, "zz.go", fused[1].FilePath)
}

func TestFuseDedupsOnPathAndOffset(t *testing.T) {
	f := NewFusion()

	fused := f.Fuse(
		[]Hit{{FilePath: "a.go", ChunkOffset: 100}},
		[]Hit{{FilePath: "a.go", ChunkOffset: 200}},
	)
	assert.Len(t, fused, 2, "different chunk offsets are distinct hits")

	fused = f.Fuse(
		[]Hit{{FilePath: "a.go", ChunkOffset: 100}},
		[]Hit{{FilePath: "a.go", ChunkOffset: 100}},
	)
	assert.Len(t, fused, 1, "same path and offset merges")
}

func TestFuseTopK(t *testing.T) {
	f := NewFusion()
	lists := [][]Hit{{
		{FilePath: "a.go"}, {FilePath: "b.go"}, {FilePath: "c.go"},
	}}

	assert.Len(t, f.FuseTopK(2, lists...), 2)
	assert.Len(t, f.FuseTopK(0, lists...), 3, "zero means no cap")
	assert.Len(t, f.FuseTopK(10, lists...), 3)
}

func TestFuseEmpty(t *testing.T) {
	f := NewFusion()
	assert.Nil(t, f.Fuse())
	assert.Empty(t, f.Fuse([]Hit{}, []Hit{}))
}

func TestNewFusionWithK(t *testing.T) {
	assert.Equal(t, 10.0, NewFusionWithK(10).K())
	assert.Equal(t, 60.0, NewFusionWithK(0).K(), "non-positive falls back to 60")
	assert.Equal(t, 60.0, NewFusionWithK(-5).K())
}
