// Package store implements the per-repository index stores: the HNSW
// vector store with its quantized vector file tree, the bleve FTS
// index, the temporal commit index, and the SCIP symbol database.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lightspeed-dms/cidx/domain/search"
	"github.com/lightspeed-dms/cidx/domain/vector"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// BlobReader resolves git blob content for the second content tier.
type BlobReader interface {
	BlobContent(localPath, blobSHA string) (string, error)
}

// HNSWStore is the vector store for one repository. It maintains one
// ANN graph per collection and resolves record content through the
// worktree, the git object store, or the stored chunk text.
type HNSWStore struct {
	mu          sync.RWMutex
	indexDir    string
	clonePath   string
	blobs       BlobReader
	collections map[string]*collection
	projector   *projector
	logger      *slog.Logger
	closed      bool
}

// OpenHNSWStore opens (or initializes) the vector store rooted at
// indexDir. Existing collections are auto-detected from the directory
// tree, which is how the multimodal collection announces itself.
func OpenHNSWStore(indexDir, clonePath string, blobs BlobReader, logger *slog.Logger) (*HNSWStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &HNSWStore{
		indexDir:    indexDir,
		clonePath:   clonePath,
		blobs:       blobs,
		collections: map[string]*collection{},
		projector:   newProjector(),
		logger:      logger,
	}

	entries, err := os.ReadDir(indexDir)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read index directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if name != vector.CollectionCode && name != vector.CollectionMultimodal {
			continue
		}
		dir := filepath.Join(indexDir, name)
		if _, err := os.Stat(filepath.Join(dir, metaFile)); err != nil {
			continue
		}
		c, err := openCollection(name, dir, s.projector)
		if err != nil {
			return nil, fmt.Errorf("open collection %s: %w", name, err)
		}
		s.collections[name] = c
	}
	return s, nil
}

func (s *HNSWStore) collectionFor(name string) *collection {
	if name == "" {
		name = vector.CollectionCode
	}
	c, ok := s.collections[name]
	if !ok {
		c = newCollection(name, filepath.Join(s.indexDir, name), s.projector)
		s.collections[name] = c
	}
	return c
}

// Upsert validates and stores records, then persists every touched
// collection.
func (s *HNSWStore) Upsert(ctx context.Context, records []vector.Record) error {
	if len(records) == 0 {
		return nil
	}
	for _, rec := range records {
		if err := rec.Payload.Validate(); err != nil {
			return err
		}
		if rec.ID == "" {
			return errs.New(errs.KindValidation, "vector record requires an id")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New(errs.KindInternal, "vector store is closed")
	}

	touched := map[string]*collection{}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		c := s.collectionFor(rec.Collection)
		if err := c.add(rec); err != nil {
			return err
		}
		touched[c.name] = c
	}
	return s.saveCollections(touched)
}

// Delete removes records by ID across all collections.
func (s *HNSWStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.New(errs.KindInternal, "vector store is closed")
	}

	touched := map[string]*collection{}
	for _, id := range ids {
		for _, c := range s.collections {
			if _, ok := c.meta.Keys[id]; ok {
				c.remove(id)
				touched[c.name] = c
			}
		}
	}
	return s.saveCollections(touched)
}

func (s *HNSWStore) saveCollections(touched map[string]*collection) error {
	for _, c := range touched {
		if err := c.save(); err != nil {
			return fmt.Errorf("persist collection %s: %w", c.name, err)
		}
	}
	return nil
}

// Count returns the number of live records across collections.
func (s *HNSWStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.collections {
		total += c.count()
	}
	return total, nil
}

// Search embeds the query and searches each present collection in
// parallel, deduplicating results on (file_path, chunk_offset) with the
// higher score winning.
func (s *HNSWStore) Search(ctx context.Context, queryText string, embedder search.Embedder,
	filters search.Filters, limit int) ([]vector.Result, error) {
	if limit <= 0 {
		limit = 10
	}

	embeddings, err := embedder.Embed(ctx, []string{queryText})
	if err != nil {
		return nil, errs.Wrap(errs.KindExternal, "embed query", err)
	}
	query := embeddings[0]

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errs.New(errs.KindInternal, "vector store is closed")
	}

	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	if len(names) == 0 {
		return []vector.Result{}, nil
	}

	// Over-fetch to survive post-filtering and cross-collection dedup.
	k := limit * 4
	efSearch := filters.Accuracy.EfSearch()

	var branchMu sync.Mutex
	var candidates []vector.Result
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		c := s.collections[name]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hits := c.search(query, k, efSearch)
			results := make([]vector.Result, 0, len(hits))
			for _, h := range hits {
				rec, err := c.readRecord(h.id)
				if err != nil {
					s.logger.Warn("skipping unreadable vector record",
						slog.String("id", h.id), slog.String("error", err.Error()))
					continue
				}
				if !matchesPayload(rec.Payload, filters) {
					continue
				}
				if filters.MinScore > 0 && h.score < filters.MinScore {
					continue
				}
				results = append(results, vector.Result{ID: h.id, Score: h.score, Payload: rec.Payload})
			}
			branchMu.Lock()
			candidates = append(candidates, results...)
			branchMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := dedupByChunk(candidates)
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Payload.FilePath < merged[j].Payload.FilePath
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

func matchesPayload(p vector.Payload, filters search.Filters) bool {
	if !filters.MatchesPath(p.FilePath) {
		return false
	}
	if filters.Language != "" && !strings.EqualFold(p.Language, filters.Language) {
		return false
	}
	if filters.ExcludeLanguage != "" && strings.EqualFold(p.Language, filters.ExcludeLanguage) {
		return false
	}
	return true
}

func dedupByChunk(results []vector.Result) []vector.Result {
	type chunkKey struct {
		path   string
		offset int
	}
	best := make(map[chunkKey]vector.Result, len(results))
	for _, r := range results {
		key := chunkKey{r.Payload.FilePath, r.Payload.ChunkOffset}
		if prev, ok := best[key]; !ok || r.Score > prev.Score {
			best[key] = r
		}
	}
	out := make([]vector.Result, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	return out
}

// GetContent resolves a record's text through the three tiers: the
// current worktree file, then the git blob the record points at, then
// the stored chunk text.
func (s *HNSWStore) GetContent(ctx context.Context, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec vector.Record
	var err error
	found := false
	for _, c := range s.collections {
		rec, err = c.readRecord(id)
		if err == nil {
			found = true
			break
		}
		if errs.KindOf(err) != errs.KindNotFound {
			return "", err
		}
	}
	if !found {
		return "", errs.Newf(errs.KindNotFound, "vector %s not found", id)
	}

	// Tier 1: current file on disk.
	if s.clonePath != "" {
		data, readErr := os.ReadFile(filepath.Join(s.clonePath, rec.Payload.FilePath))
		if readErr == nil {
			return chunkFromFile(string(data), rec.Payload), nil
		}
	}

	// Tier 2: git blob.
	if rec.Payload.GitBlobSHA != "" && s.blobs != nil && s.clonePath != "" {
		content, blobErr := s.blobs.BlobContent(s.clonePath, rec.Payload.GitBlobSHA)
		if blobErr == nil {
			return chunkFromFile(content, rec.Payload), nil
		}
	}

	// Tier 3: stored chunk text, else recovery guidance.
	if rec.Payload.ChunkText != "" {
		return rec.Payload.ChunkText, nil
	}
	return "", errs.Newf(errs.KindNotFound,
		"content for %s (%s) is unavailable: the file is gone from the worktree and blob %s "+
			"is unreachable; refresh the repository to rebuild the index",
		id, rec.Payload.FilePath, rec.Payload.GitBlobSHA)
}

// chunkFromFile cuts the payload's chunk out of full file content. The
// chunk offset is a byte offset; a zero-length remainder falls back to
// the whole file.
func chunkFromFile(content string, p vector.Payload) string {
	if p.ChunkOffset <= 0 || p.ChunkOffset >= len(content) {
		return content
	}
	return content[p.ChunkOffset:]
}

// Integrity runs the ANN self-check across all collections.
func (s *HNSWStore) Integrity(ctx context.Context) (vector.IntegrityReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := vector.IntegrityReport{}
	for name, c := range s.collections {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked += c.count()

		// Lazily deleted nodes linger in the graph until a rebuild.
		if orphans := c.graph.Len() - len(c.keyToID); orphans > 0 {
			report.Orphans += orphans
			report.Problems = append(report.Problems,
				fmt.Sprintf("%s: %d orphaned graph nodes", name, orphans))
		}

		// Key mapping must be a bijection.
		seen := map[uint64]string{}
		for id, key := range c.meta.Keys {
			if prev, dup := seen[key]; dup {
				report.Duplicates++
				report.Problems = append(report.Problems,
					fmt.Sprintf("%s: ids %q and %q share graph key %d", name, prev, id, key))
			}
			seen[key] = id
		}

		// Every live ID must have a vector file and vice versa.
		for id := range c.meta.Keys {
			relPath, ok := c.idPaths[id]
			if !ok {
				report.Invalid++
				report.Problems = append(report.Problems,
					fmt.Sprintf("%s: id %q has no vector file entry", name, id))
				continue
			}
			if _, err := os.Stat(filepath.Join(c.dir, vectorsDir, relPath)); err != nil {
				report.Invalid++
				report.Problems = append(report.Problems,
					fmt.Sprintf("%s: vector file for %q missing", name, id))
			}
		}
		for id := range c.idPaths {
			if _, ok := c.meta.Keys[id]; !ok {
				report.Invalid++
				report.Problems = append(report.Problems,
					fmt.Sprintf("%s: vector file entry %q has no graph key", name, id))
			}
		}
	}
	return report, nil
}

// Collections lists the collections present, code first.
func (s *HNSWStore) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close marks the store closed. Collections are persisted on every
// mutation so there is nothing to flush.
func (s *HNSWStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ vector.Store = (*HNSWStore)(nil)
