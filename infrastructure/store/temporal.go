package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/renameio"

	"github.com/lightspeed-dms/cidx/domain/temporal"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

const (
	temporalGraphFile   = "hnsw_index.bin"
	temporalCommitsFile = "commits.jsonl"
	temporalMetaFile    = "temporal_meta.json"
)

type temporalMeta struct {
	NextKey uint64            `json:"next_key"`
	Keys    map[string]uint64 `json:"keys"` // "<sha>#<path>" -> graph key
}

// TemporalIndex stores a repository's commit history with embedded diff
// hunks. Commits are kept chronological on disk as JSON lines; diff
// embeddings live in an ANN graph for the unfiltered search path.
type TemporalIndex struct {
	mu      sync.RWMutex
	dir     string
	commits []temporal.Commit // chronological
	bySHA   map[string]int
	graph   *hnsw.Graph[uint64]
	meta    temporalMeta
	keyToID map[uint64]string
}

// OpenTemporalIndex opens or initializes the temporal index at dir.
func OpenTemporalIndex(dir string) (*TemporalIndex, error) {
	t := &TemporalIndex{
		dir:     dir,
		bySHA:   map[string]int{},
		graph:   hnsw.NewGraph[uint64](),
		meta:    temporalMeta{Keys: map[string]uint64{}},
		keyToID: map[uint64]string{},
	}
	t.graph.Distance = hnsw.CosineDistance
	t.graph.M = defaultM
	t.graph.EfSearch = defaultEfSearch

	if dir == "" {
		return t, nil
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *TemporalIndex) load() error {
	data, err := os.ReadFile(filepath.Join(t.dir, temporalCommitsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read temporal commits: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var c temporal.Commit
		if err := dec.Decode(&c); err != nil {
			return errs.Wrap(errs.KindIntegrity, "corrupt temporal commit log", err)
		}
		t.bySHA[c.SHA] = len(t.commits)
		t.commits = append(t.commits, c)
	}

	metaData, err := os.ReadFile(filepath.Join(t.dir, temporalMetaFile))
	if err == nil {
		if err := json.Unmarshal(metaData, &t.meta); err != nil {
			return errs.Wrap(errs.KindIntegrity, "corrupt temporal meta", err)
		}
	}
	if t.meta.Keys == nil {
		t.meta.Keys = map[string]uint64{}
	}
	for id, key := range t.meta.Keys {
		t.keyToID[key] = id
	}

	file, err := os.Open(filepath.Join(t.dir, temporalGraphFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open temporal graph: %w", err)
	}
	defer file.Close()
	if err := t.graph.Import(bufio.NewReader(file)); err != nil {
		return errs.Wrap(errs.KindIntegrity, "corrupt temporal graph", err)
	}
	return nil
}

func diffID(sha, path string) string {
	return sha + "#" + path
}

// Add appends commits (chronological) and indexes their embedded diffs.
// Commits already present are skipped, which makes refresh idempotent.
func (t *TemporalIndex) Add(ctx context.Context, commits []temporal.Commit) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := false
	for _, c := range commits {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, dup := t.bySHA[c.SHA]; dup {
			continue
		}
		t.bySHA[c.SHA] = len(t.commits)
		t.commits = append(t.commits, c)
		added = true

		for _, d := range c.Diffs {
			if len(d.Embedding) == 0 {
				continue
			}
			id := diffID(c.SHA, d.Path)
			key := t.meta.NextKey
			t.meta.NextKey++

			vec := make([]float32, len(d.Embedding))
			copy(vec, d.Embedding)
			normalizeInPlace(vec)
			t.graph.Add(hnsw.MakeNode(key, vec))
			t.meta.Keys[id] = key
			t.keyToID[key] = id
		}
	}
	if !added {
		return nil
	}
	return t.save()
}

func (t *TemporalIndex) save() error {
	if t.dir == "" {
		return nil
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("create temporal directory: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, c := range t.commits {
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("encode temporal commit: %w", err)
		}
	}
	if err := renameio.WriteFile(filepath.Join(t.dir, temporalCommitsFile), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("persist temporal commits: %w", err)
	}

	metaData, err := json.MarshalIndent(t.meta, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(filepath.Join(t.dir, temporalMetaFile), metaData, 0o644); err != nil {
		return fmt.Errorf("persist temporal meta: %w", err)
	}

	pending, err := renameio.TempFile("", filepath.Join(t.dir, temporalGraphFile))
	if err != nil {
		return fmt.Errorf("create temporal graph temp file: %w", err)
	}
	defer pending.Cleanup()
	w := bufio.NewWriter(pending)
	if err := t.graph.Export(w); err != nil {
		return fmt.Errorf("export temporal graph: %w", err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return pending.CloseAtomicallyReplace()
}

// Commits returns commits passing the filter, newest first.
func (t *TemporalIndex) Commits(ctx context.Context, f temporal.Filter, limit int) ([]temporal.Commit, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []temporal.Commit
	for i := len(t.commits) - 1; i >= 0; i-- {
		c := t.commits[i]
		if !f.Matches(c) {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Evolution returns the commits that touched path, newest first.
func (t *TemporalIndex) Evolution(ctx context.Context, path string, limit int) ([]temporal.Commit, error) {
	return t.Commits(ctx, temporal.Filter{Path: path}, limit)
}

// Search scores diff embeddings against the query. With no filter the
// ANN graph answers directly; with filters active, candidates are
// filtered first and scored by brute force so the filter semantics stay
// exact.
func (t *TemporalIndex) Search(ctx context.Context, embedding []float32, f temporal.Filter, limit int) ([]temporal.ScoredDiff, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if limit <= 0 {
		limit = 10
	}

	query := make([]float32, len(embedding))
	copy(query, embedding)
	normalizeInPlace(query)

	if (f == temporal.Filter{}) {
		return t.searchGraph(query, limit), nil
	}

	var out []temporal.ScoredDiff
	for i := len(t.commits) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := t.commits[i]
		if !f.Matches(c) {
			continue
		}
		for _, d := range c.Diffs {
			if len(d.Embedding) == 0 {
				continue
			}
			if f.DiffType != "" && d.Type != f.DiffType {
				continue
			}
			if f.Path != "" && d.Path != f.Path {
				continue
			}
			out = append(out, temporal.ScoredDiff{
				Commit: c,
				Diff:   d,
				Score:  cosineSimilarity(query, d.Embedding),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *TemporalIndex) searchGraph(query []float32, limit int) []temporal.ScoredDiff {
	if t.graph.Len() == 0 {
		return nil
	}
	nodes := t.graph.Search(query, limit)
	out := make([]temporal.ScoredDiff, 0, len(nodes))
	for _, node := range nodes {
		id, ok := t.keyToID[node.Key]
		if !ok {
			continue
		}
		sha, path := splitDiffID(id)
		idx, ok := t.bySHA[sha]
		if !ok {
			continue
		}
		c := t.commits[idx]
		for _, d := range c.Diffs {
			if d.Path != path {
				continue
			}
			out = append(out, temporal.ScoredDiff{
				Commit: c,
				Diff:   d,
				Score:  1 - float64(t.graph.Distance(query, node.Value)),
			})
			break
		}
	}
	return out
}

func splitDiffID(id string) (sha, path string) {
	for i := 0; i < len(id); i++ {
		if id[i] == '#' {
			return id[:i], id[i+1:]
		}
	}
	return id, ""
}

// Count returns the number of indexed commits.
func (t *TemporalIndex) Count(ctx context.Context) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int64(len(t.commits)), nil
}

// LastSHA returns the newest indexed commit SHA, or "".
func (t *TemporalIndex) LastSHA() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.commits) == 0 {
		return ""
	}
	return t.commits[len(t.commits)-1].SHA
}

func cosineSimilarity(normalizedQuery, candidate []float32) float64 {
	if len(normalizedQuery) != len(candidate) {
		return 0
	}
	vec := make([]float32, len(candidate))
	copy(vec, candidate)
	normalizeInPlace(vec)
	var dot float64
	for i := range vec {
		dot += float64(normalizedQuery[i]) * float64(vec[i])
	}
	return dot
}

var _ temporal.Index = (*TemporalIndex)(nil)
