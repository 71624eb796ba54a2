package service

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/lightspeed-dms/cidx/infrastructure/git"
	"github.com/lightspeed-dms/cidx/infrastructure/store"
)

// RepoIndexes bundles the four per-repository index stores.
type RepoIndexes struct {
	Vectors  *store.HNSWStore
	FTS      *store.FTSIndex
	Temporal *store.TemporalIndex
	Symbols  *store.SCIPDatabase
}

// Close releases all underlying stores.
func (r *RepoIndexes) Close() error {
	var first error
	for _, closer := range []func() error{r.Vectors.Close, r.FTS.Close, r.Symbols.Close} {
		if err := closer(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// IndexManager opens and caches per-repository index stores under the
// index root. Layout per repository:
//
//	<root>/<name>/index/<collection>/...   vector collections
//	<root>/<name>/bleve_index/             full-text index
//	<root>/<name>/temporal/                commit history index
//	<root>/<name>/scip/<name>.scip.db      symbol database
type IndexManager struct {
	mu     sync.Mutex
	root   string
	git    *git.Adapter
	logger *slog.Logger
	open   map[string]*RepoIndexes
}

// NewIndexManager creates an index manager rooted at root.
func NewIndexManager(root string, gitAdapter *git.Adapter, logger *slog.Logger) *IndexManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &IndexManager{
		root:   root,
		git:    gitAdapter,
		logger: logger,
		open:   map[string]*RepoIndexes{},
	}
}

// RepoDir returns the index directory for a repository.
func (m *IndexManager) RepoDir(name string) string {
	return filepath.Join(m.root, name)
}

// For returns the index set for a repository, opening it on first use.
func (m *IndexManager) For(name, clonePath string) (*RepoIndexes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if idx, ok := m.open[name]; ok {
		return idx, nil
	}

	dir := m.RepoDir(name)
	vectors, err := store.OpenHNSWStore(filepath.Join(dir, "index"), clonePath, m.git, m.logger)
	if err != nil {
		return nil, fmt.Errorf("open vector store for %s: %w", name, err)
	}
	fts, err := store.OpenFTSIndex(filepath.Join(dir, "bleve_index"), m.logger)
	if err != nil {
		return nil, fmt.Errorf("open fts index for %s: %w", name, err)
	}
	temporal, err := store.OpenTemporalIndex(filepath.Join(dir, "temporal"))
	if err != nil {
		return nil, fmt.Errorf("open temporal index for %s: %w", name, err)
	}
	symbols, err := store.OpenSCIPDatabase(filepath.Join(dir, "scip", name+".scip.db"))
	if err != nil {
		return nil, fmt.Errorf("open symbol database for %s: %w", name, err)
	}

	idx := &RepoIndexes{Vectors: vectors, FTS: fts, Temporal: temporal, Symbols: symbols}
	m.open[name] = idx
	return idx, nil
}

// Open returns a repository's index set only if it is already open.
func (m *IndexManager) Open(name string) (*RepoIndexes, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.open[name]
	return idx, ok
}

// Release closes a repository's indexes and drops them from the cache.
func (m *IndexManager) Release(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.open[name]
	if !ok {
		return nil
	}
	delete(m.open, name)
	return idx.Close()
}

// Remove closes and deletes a repository's indexes from disk.
func (m *IndexManager) Remove(name string) error {
	if err := m.Release(name); err != nil {
		m.logger.Warn("closing indexes before removal failed",
			slog.String("repo", name), slog.String("error", err.Error()))
	}
	return os.RemoveAll(m.RepoDir(name))
}

// CloseAll closes every open index set, for shutdown.
func (m *IndexManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, idx := range m.open {
		if err := idx.Close(); err != nil {
			m.logger.Warn("closing indexes failed",
				slog.String("repo", name), slog.String("error", err.Error()))
		}
		delete(m.open, name)
	}
}
