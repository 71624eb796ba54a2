package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	bsearch "github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/google/renameio"

	"github.com/lightspeed-dms/cidx/domain/search"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

const ftsMetaFile = "meta.json"

// FTSDoc is one indexed chunk.
type FTSDoc struct {
	Path     string `json:"path"`
	Language string `json:"language"`
	Line     int    `json:"line"`
	Content  string `json:"content"`
}

// FTSHit is one full-text match with its snippet location.
type FTSHit struct {
	ID        string
	Score     float64
	Path      string
	Language  string
	Line      int
	MatchText string
	Snippet   string
	CharStart int
	CharEnd   int
}

// ftsMeta enables incremental indexing: when present, a refresh only
// needs to index the change set since LastCommit.
type ftsMeta struct {
	LastCommit string `json:"last_commit"`
	DocCount   int    `json:"doc_count"`
}

// FTSIndex is the bleve-backed full-text index for one repository.
type FTSIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	dir    string
	meta   ftsMeta
	logger *slog.Logger
	closed bool
}

// OpenFTSIndex opens or creates the index at dir. A corrupt index is
// cleared and recreated rather than failing the open; the caller is
// expected to schedule a reindex when Meta() reports no last commit.
func OpenFTSIndex(dir string, logger *slog.Logger) (*FTSIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	indexMapping, err := createFTSMapping()
	if err != nil {
		return nil, fmt.Errorf("create index mapping: %w", err)
	}

	var idx bleve.Index
	if dir == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(dir), 0o755); mkErr != nil {
			return nil, fmt.Errorf("create index parent directory: %w", mkErr)
		}
		blevePath := filepath.Join(dir, "bleve")
		idx, err = bleve.Open(blevePath)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(blevePath, indexMapping)
		} else if err != nil && isBleveCorruption(err) {
			logger.Warn("fts index corrupted, clearing",
				slog.String("path", blevePath), slog.String("error", err.Error()))
			if removeErr := os.RemoveAll(dir); removeErr != nil {
				return nil, fmt.Errorf("clear corrupt fts index: %w", removeErr)
			}
			idx, err = bleve.New(blevePath, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open fts index: %w", err)
	}

	f := &FTSIndex{index: idx, dir: dir, logger: logger}
	f.loadMeta()
	return f, nil
}

func isBleveCorruption(err error) bool {
	if err == nil {
		return false
	}
	if err == bleve.ErrorIndexMetaCorrupt {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment") ||
		strings.Contains(msg, "error opening bolt")
}

func createFTSMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	if err := im.AddCustomAnalyzer(codeAnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     codeTokenizerName,
		"token_filters": []string{lowercase.Name, codeStopFilterName},
	}); err != nil {
		return nil, err
	}
	im.DefaultAnalyzer = codeAnalyzerName

	doc := bleve.NewDocumentMapping()

	content := bleve.NewTextFieldMapping()
	content.Store = true
	content.IncludeTermVectors = true
	doc.AddFieldMappingsAt("content", content)

	path := bleve.NewTextFieldMapping()
	path.Analyzer = keyword.Name
	path.Store = true
	doc.AddFieldMappingsAt("path", path)

	// Language doubles as a facet source, so keep it un-analyzed.
	lang := bleve.NewTextFieldMapping()
	lang.Analyzer = keyword.Name
	lang.Store = true
	doc.AddFieldMappingsAt("language", lang)

	line := bleve.NewNumericFieldMapping()
	line.Store = true
	doc.AddFieldMappingsAt("line", line)

	im.DefaultMapping = doc
	return im, nil
}

// Index adds or replaces documents in one batch.
func (f *FTSIndex) Index(ctx context.Context, docs map[string]FTSDoc) error {
	if len(docs) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errs.New(errs.KindInternal, "fts index is closed")
	}

	batch := f.index.NewBatch()
	for id, doc := range docs {
		if err := batch.Index(id, doc); err != nil {
			return fmt.Errorf("index document %s: %w", id, err)
		}
	}
	if err := f.index.Batch(batch); err != nil {
		return fmt.Errorf("execute fts batch: %w", err)
	}
	f.meta.DocCount += len(docs)
	return nil
}

// Delete removes documents by ID.
func (f *FTSIndex) Delete(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errs.New(errs.KindInternal, "fts index is closed")
	}
	batch := f.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	if err := f.index.Batch(batch); err != nil {
		return fmt.Errorf("execute fts delete batch: %w", err)
	}
	return nil
}

// Search runs a full-text query. Filters select the match mode: plain
// token AND by default, fuzzy when EditDistance > 0 or Fuzzy is set,
// token-regex when Regex is non-empty.
func (f *FTSIndex) Search(ctx context.Context, queryText string, filters search.Filters, limit int) ([]FTSHit, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, errs.New(errs.KindInternal, "fts index is closed")
	}
	if limit <= 0 {
		limit = 10
	}
	if strings.TrimSpace(queryText) == "" && filters.Regex == "" {
		return []FTSHit{}, nil
	}

	q, err := buildFTSQuery(queryText, filters)
	if err != nil {
		return nil, err
	}

	// The index stores lowercased terms, so case-sensitive matching is
	// a post-filter on the stored content with the query's original
	// casing.
	var caseTerms []string
	if filters.CaseSensitive {
		caseTerms = caseTokens(queryText)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit * 3 // headroom for path post-filtering
	req.Fields = []string{"path", "language", "line", "content"}
	req.IncludeLocations = true

	res, err := f.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "fts search", err)
	}

	hits := make([]FTSHit, 0, len(res.Hits))
	for _, hit := range res.Hits {
		doc := docFromFields(hit.Fields)
		if !filters.MatchesPath(doc.Path) {
			continue
		}
		out := FTSHit{
			ID:       hit.ID,
			Score:    hit.Score,
			Path:     doc.Path,
			Language: doc.Language,
			Line:     doc.Line,
		}
		start, end, term := firstLocation(hit.Locations)
		out.CharStart, out.CharEnd = start, end
		out.MatchText = term
		out.Snippet, out.Line = extractSnippet(doc.Content, start, doc.Line, filters.SnippetLines)
		if !containsVerbatim(doc.Content, caseTerms) {
			continue
		}
		hits = append(hits, out)
		if len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

// containsVerbatim reports whether content carries every term with its
// exact casing. An empty term list matches everything.
func containsVerbatim(content string, terms []string) bool {
	for _, term := range terms {
		if !strings.Contains(content, term) {
			return false
		}
	}
	return true
}

func buildFTSQuery(queryText string, filters search.Filters) (query.Query, error) {
	var base query.Query
	switch {
	case filters.Regex != "":
		rq := bleve.NewRegexpQuery(strings.ToLower(filters.Regex))
		rq.SetField("content")
		base = rq
	case filters.Fuzzy || filters.EditDistance > 0:
		distance := filters.EditDistance
		if distance == 0 {
			distance = 1
		}
		mq := bleve.NewMatchQuery(queryText)
		mq.SetField("content")
		mq.SetFuzziness(distance)
		base = mq
	default:
		// Exact mode is a boolean AND across all tokens.
		mq := bleve.NewMatchQuery(queryText)
		mq.SetField("content")
		mq.SetOperator(query.MatchQueryOperatorAnd)
		base = mq
	}

	conjuncts := []query.Query{base}
	if filters.Language != "" {
		tq := bleve.NewTermQuery(filters.Language)
		tq.SetField("language")
		conjuncts = append(conjuncts, tq)
	}
	if len(conjuncts) == 1 {
		return base, nil
	}
	return bleve.NewConjunctionQuery(conjuncts...), nil
}

func docFromFields(fields map[string]interface{}) FTSDoc {
	doc := FTSDoc{}
	if v, ok := fields["path"].(string); ok {
		doc.Path = v
	}
	if v, ok := fields["language"].(string); ok {
		doc.Language = v
	}
	if v, ok := fields["line"].(float64); ok {
		doc.Line = int(v)
	}
	if v, ok := fields["content"].(string); ok {
		doc.Content = v
	}
	return doc
}

// firstLocation returns the earliest term location in the content field.
func firstLocation(locations bsearch.FieldTermLocationMap) (int, int, string) {
	best := -1
	end := 0
	term := ""
	for t, locs := range locations["content"] {
		for _, loc := range locs {
			if best == -1 || int(loc.Start) < best {
				best = int(loc.Start)
				end = int(loc.End)
				term = t
			}
		}
	}
	if best == -1 {
		return 0, 0, ""
	}
	return best, end, term
}

// extractSnippet returns contextLines lines around the byte offset and
// the 1-based line number of the match. Offsets are counted in runes so
// reported columns stay correct for non-ASCII content.
func extractSnippet(content string, offset, baseLine, contextLines int) (string, int) {
	if content == "" {
		return "", baseLine
	}
	if offset > len(content) {
		offset = len(content)
	}
	if contextLines < 0 {
		contextLines = 0
	}
	if contextLines > 50 {
		contextLines = 50
	}

	lines := strings.Split(content, "\n")
	lineIdx := strings.Count(content[:offset], "\n")

	start := lineIdx - contextLines
	if start < 0 {
		start = 0
	}
	stop := lineIdx + contextLines + 1
	if stop > len(lines) {
		stop = len(lines)
	}
	snippet := strings.Join(lines[start:stop], "\n")
	if !utf8.ValidString(snippet) {
		snippet = strings.ToValidUTF8(snippet, "�")
	}
	return snippet, baseLine + lineIdx
}

// Meta returns the incremental-indexing metadata.
func (f *FTSIndex) Meta() (lastCommit string, docCount int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.meta.LastCommit, f.meta.DocCount
}

// SetLastCommit records the commit the index is current to and persists
// the metadata file that marks the index incremental.
func (f *FTSIndex) SetLastCommit(sha string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.meta.LastCommit = sha
	return f.saveMeta()
}

func (f *FTSIndex) loadMeta() {
	if f.dir == "" {
		return
	}
	data, err := os.ReadFile(filepath.Join(f.dir, ftsMetaFile))
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, &f.meta)
}

func (f *FTSIndex) saveMeta() error {
	if f.dir == "" {
		return nil
	}
	data, err := json.MarshalIndent(f.meta, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(f.dir, ftsMetaFile), data, 0o644)
}

// DocCount reports the number of indexed documents.
func (f *FTSIndex) DocCount() (uint64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.index.DocCount()
}

// Close releases the underlying bleve index.
func (f *FTSIndex) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.index.Close()
}
