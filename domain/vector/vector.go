// Package vector provides vector store domain types.
package vector

import (
	"context"
	"time"

	"github.com/lightspeed-dms/cidx/domain/search"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// Collection names. Every repository has a code collection; repositories
// whose markdown embeds local images also get a multimodal collection.
const (
	CollectionCode       = "code"
	CollectionMultimodal = "multimodal"
)

// Payload carries the metadata persisted with each vector. A clean git
// file stores only GitBlobSHA and reconstructs content from the object
// store; dirty or non-git files store ChunkText. Never both.
type Payload struct {
	FilePath    string    `json:"file_path"`
	ChunkOffset int       `json:"chunk_offset"`
	LineNumber  int       `json:"line_number"`
	Language    string    `json:"language,omitempty"`
	GitBlobSHA  string    `json:"git_blob_sha,omitempty"`
	ChunkText   string    `json:"chunk_text,omitempty"`
	IndexedAt   time.Time `json:"indexed_at"`
}

// Validate enforces the blob/text exclusivity invariant.
func (p Payload) Validate() error {
	if p.GitBlobSHA != "" && p.ChunkText != "" {
		return errs.New(errs.KindValidation,
			"vector payload must carry git_blob_sha or chunk_text, not both")
	}
	if p.GitBlobSHA == "" && p.ChunkText == "" {
		return errs.New(errs.KindValidation,
			"vector payload must carry git_blob_sha or chunk_text")
	}
	return nil
}

// Record is one embedded chunk.
type Record struct {
	ID         string    `json:"id"`
	Embedding  []float32 `json:"embedding"`
	Payload    Payload   `json:"payload"`
	Collection string    `json:"collection"`
}

// Result is one scored search hit from a collection.
type Result struct {
	ID      string
	Score   float64
	Payload Payload
	Content string
}

// IntegrityReport summarises an ANN self-check.
type IntegrityReport struct {
	Checked    int      `json:"checked"`
	Orphans    int      `json:"orphans"`
	SelfLoops  int      `json:"self_loops"`
	Duplicates int      `json:"duplicates"`
	Invalid    int      `json:"invalid_neighbors"`
	Problems   []string `json:"problems,omitempty"`
}

// OK reports whether the check found no defects.
func (r IntegrityReport) OK() bool {
	return r.Orphans == 0 && r.SelfLoops == 0 && r.Duplicates == 0 && r.Invalid == 0
}

// Store is the per-repository vector store capability.
type Store interface {
	Upsert(ctx context.Context, records []Record) error
	Delete(ctx context.Context, ids []string) error
	Count(ctx context.Context) (int, error)
	// Search embeds the query text with the provider and returns ranked
	// results honoring the filters and accuracy knob.
	Search(ctx context.Context, queryText string, embedder search.Embedder,
		filters search.Filters, limit int) ([]Result, error)
	// GetContent resolves a record's text via the three-tier fallback:
	// current file read, then git blob lookup, then a recovery-guidance
	// error.
	GetContent(ctx context.Context, id string) (string, error)
	// Integrity runs the ANN self-check.
	Integrity(ctx context.Context) (IntegrityReport, error)
	// Collections lists the collections present (code, multimodal).
	Collections() []string
	Close() error
}
