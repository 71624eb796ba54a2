package store

import (
	"math/rand"
	"path/filepath"
	"strconv"
	"sync"
)

// Path quantization projects a model-dimension embedding down to 64
// dimensions, then derives 2 bits from each of 4 dimension groups. The
// resulting 4-segment directory path spreads vector files across the
// tree for locality. Collisions are tolerated; the file itself carries
// the true ID.
const (
	projectionDims = 64
	pathSegments   = 4
	projectionSeed = 0x51d7c0de
	groupSize      = projectionDims / pathSegments
	halfGroup      = groupSize / 2
)

type projector struct {
	mu     sync.Mutex
	matrix [][]float32 // projectionDims x inputDims, lazily built
	inDims int
}

func newProjector() *projector {
	return &projector{}
}

// ensure builds the projection matrix for the given input dimension.
// Entries are deterministic so paths stay stable across restarts.
func (p *projector) ensure(inDims int) {
	if p.inDims == inDims && p.matrix != nil {
		return
	}
	rng := rand.New(rand.NewSource(projectionSeed))
	matrix := make([][]float32, projectionDims)
	for i := range matrix {
		row := make([]float32, inDims)
		for j := range row {
			if rng.Intn(2) == 0 {
				row[j] = 1
			} else {
				row[j] = -1
			}
		}
		matrix[i] = row
	}
	p.matrix = matrix
	p.inDims = inDims
}

// quantize returns the 4 path segments for an embedding. Each group of
// 16 projected dimensions contributes 2 bits: the signs of its two
// half-sums.
func (p *projector) quantize(embedding []float32) []string {
	p.mu.Lock()
	p.ensure(len(embedding))
	matrix := p.matrix
	p.mu.Unlock()

	projected := make([]float32, projectionDims)
	for i, row := range matrix {
		var sum float32
		for j, v := range embedding {
			sum += row[j] * v
		}
		projected[i] = sum
	}

	segments := make([]string, pathSegments)
	for g := 0; g < pathSegments; g++ {
		group := projected[g*groupSize : (g+1)*groupSize]
		var lo, hi float32
		for _, v := range group[:halfGroup] {
			lo += v
		}
		for _, v := range group[halfGroup:] {
			hi += v
		}
		bits := 0
		if lo >= 0 {
			bits |= 1
		}
		if hi >= 0 {
			bits |= 2
		}
		segments[g] = strconv.Itoa(bits)
	}
	return segments
}

// vectorRelPath returns the repo-relative path for a vector file.
func (p *projector) vectorRelPath(id string, embedding []float32) string {
	segs := p.quantize(embedding)
	return filepath.Join(segs[0], segs[1], segs[2], segs[3], "vector_"+id+".json")
}
