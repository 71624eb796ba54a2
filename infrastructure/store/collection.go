package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/renameio"

	"github.com/lightspeed-dms/cidx/domain/vector"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

const (
	graphFile   = "hnsw_index.bin"
	idIndexFile = "id_index.bin"
	metaFile    = "collection_meta.json"
	vectorsDir  = "vectors"

	defaultM        = 16
	defaultEfSearch = 48
)

// collectionMeta is persisted alongside the graph. Keys records the
// graph label assigned to each vector ID; labels of lazily deleted
// nodes are dropped and become orphans until the next rebuild.
type collectionMeta struct {
	Dimensions int               `json:"dimensions"`
	Stale      bool              `json:"stale"`
	NextKey    uint64            `json:"next_key"`
	Keys       map[string]uint64 `json:"keys"`
}

// collection is one ANN graph plus its on-disk vector file tree.
type collection struct {
	searchMu  sync.Mutex // EfSearch is a graph-level knob set per query
	name      string
	dir       string
	graph     *hnsw.Graph[uint64]
	meta      collectionMeta
	keyToID   map[uint64]string
	idPaths   map[string]string // id -> repo-relative vector file path
	projector *projector
}

func newCollection(name, dir string, projector *projector) *collection {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = defaultM
	graph.EfSearch = defaultEfSearch
	return &collection{
		name:      name,
		dir:       dir,
		graph:     graph,
		meta:      collectionMeta{Keys: map[string]uint64{}},
		keyToID:   map[uint64]string{},
		idPaths:   map[string]string{},
		projector: projector,
	}
}

// open loads a persisted collection from dir.
func openCollection(name, dir string, projector *projector) (*collection, error) {
	c := newCollection(name, dir, projector)

	metaData, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("read collection meta: %w", err)
	}
	if err := json.Unmarshal(metaData, &c.meta); err != nil {
		return nil, errs.Wrap(errs.KindIntegrity, "corrupt collection meta", err)
	}
	if c.meta.Keys == nil {
		c.meta.Keys = map[string]uint64{}
	}
	for id, key := range c.meta.Keys {
		c.keyToID[key] = id
	}

	c.idPaths, err = loadIDIndex(filepath.Join(dir, idIndexFile))
	if err != nil {
		return nil, errs.Wrap(errs.KindIntegrity, "corrupt id index", err)
	}

	file, err := os.Open(filepath.Join(dir, graphFile))
	if err != nil {
		if os.IsNotExist(err) {
			// No graph yet; empty collection.
			return c, nil
		}
		return nil, fmt.Errorf("open graph file: %w", err)
	}
	defer file.Close()
	// Import requires an io.ByteReader.
	if err := c.graph.Import(bufio.NewReader(file)); err != nil {
		return nil, errs.Wrap(errs.KindIntegrity, "corrupt hnsw graph", err)
	}
	return c, nil
}

// add inserts or replaces a record. Replacement uses lazy deletion:
// the old graph node is orphaned rather than removed, which avoids
// graph corruption when deleting recently added nodes.
func (c *collection) add(rec vector.Record) error {
	if oldKey, ok := c.meta.Keys[rec.ID]; ok {
		delete(c.keyToID, oldKey)
		delete(c.meta.Keys, rec.ID)
	}

	key := c.meta.NextKey
	c.meta.NextKey++

	vec := make([]float32, len(rec.Embedding))
	copy(vec, rec.Embedding)
	normalizeInPlace(vec)
	c.graph.Add(hnsw.MakeNode(key, vec))

	c.meta.Keys[rec.ID] = key
	c.keyToID[key] = rec.ID
	c.meta.Dimensions = len(rec.Embedding)

	relPath := c.projector.vectorRelPath(rec.ID, rec.Embedding)
	if err := c.writeVectorFile(relPath, rec); err != nil {
		return err
	}
	c.idPaths[rec.ID] = relPath
	return nil
}

// remove lazily deletes a record and unlinks its vector file.
func (c *collection) remove(id string) {
	if key, ok := c.meta.Keys[id]; ok {
		delete(c.keyToID, key)
		delete(c.meta.Keys, id)
		c.meta.Stale = true
	}
	if relPath, ok := c.idPaths[id]; ok {
		_ = os.Remove(filepath.Join(c.dir, vectorsDir, relPath))
		delete(c.idPaths, id)
	}
}

func (c *collection) writeVectorFile(relPath string, rec vector.Record) error {
	full := filepath.Join(c.dir, vectorsDir, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create vector directory: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal vector record: %w", err)
	}
	return renameio.WriteFile(full, data, 0o644)
}

func (c *collection) readRecord(id string) (vector.Record, error) {
	relPath, ok := c.idPaths[id]
	if !ok {
		return vector.Record{}, errs.Newf(errs.KindNotFound, "vector %s not found in collection %s", id, c.name)
	}
	data, err := os.ReadFile(filepath.Join(c.dir, vectorsDir, relPath))
	if err != nil {
		return vector.Record{}, errs.Wrap(errs.KindIntegrity,
			fmt.Sprintf("vector file for %s missing", id), err)
	}
	var rec vector.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return vector.Record{}, errs.Wrap(errs.KindIntegrity,
			fmt.Sprintf("corrupt vector file for %s", id), err)
	}
	return rec, nil
}

// search returns up to k (id, similarity) pairs. Lazy-deleted orphans
// are filtered out by the key mapping.
func (c *collection) search(query []float32, k, efSearch int) []scored {
	if c.graph.Len() == 0 || k <= 0 {
		return nil
	}
	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	c.searchMu.Lock()
	c.graph.EfSearch = efSearch
	nodes := c.graph.Search(normalized, k)
	c.searchMu.Unlock()

	results := make([]scored, 0, len(nodes))
	for _, node := range nodes {
		id, ok := c.keyToID[node.Key]
		if !ok {
			continue
		}
		distance := c.graph.Distance(normalized, node.Value)
		results = append(results, scored{id: id, score: 1 - float64(distance)})
	}
	return results
}

type scored struct {
	id    string
	score float64
}

// save persists the graph, id index, and metadata atomically.
func (c *collection) save() error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create collection directory: %w", err)
	}

	pending, err := renameio.TempFile("", filepath.Join(c.dir, graphFile))
	if err != nil {
		return fmt.Errorf("create graph temp file: %w", err)
	}
	defer pending.Cleanup()
	w := bufio.NewWriter(pending)
	if err := c.graph.Export(w); err != nil {
		return fmt.Errorf("export graph: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush graph: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("persist graph: %w", err)
	}

	if err := saveIDIndex(filepath.Join(c.dir, idIndexFile), c.idPaths); err != nil {
		return fmt.Errorf("persist id index: %w", err)
	}

	metaData, err := json.MarshalIndent(c.meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal collection meta: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(c.dir, metaFile), metaData, 0o644); err != nil {
		return fmt.Errorf("persist collection meta: %w", err)
	}
	return nil
}

func (c *collection) count() int {
	return len(c.meta.Keys)
}

func normalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}
