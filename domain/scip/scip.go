// Package scip provides symbol-graph domain types for code navigation.
package scip

import (
	"context"

	"github.com/lightspeed-dms/cidx/internal/errs"
)

// SymbolKind classifies a symbol definition.
type SymbolKind string

// Symbol kinds.
const (
	KindFunction  SymbolKind = "function"
	KindMethod    SymbolKind = "method"
	KindClass     SymbolKind = "class"
	KindInterface SymbolKind = "interface"
	KindVariable  SymbolKind = "variable"
	KindConstant  SymbolKind = "constant"
	KindModule    SymbolKind = "module"
)

// EdgeKind is the typed relationship between two symbols.
type EdgeKind string

// Edge kinds.
const (
	EdgeCalls       EdgeKind = "calls"
	EdgeImports     EdgeKind = "imports"
	EdgeInherits    EdgeKind = "inherits"
	EdgeImplements  EdgeKind = "implements"
	EdgeReferences  EdgeKind = "references"
)

// QueryKind selects one of the navigation operations.
type QueryKind string

// Navigation query kinds.
const (
	QueryDefinition   QueryKind = "definition"
	QueryReferences   QueryKind = "references"
	QueryDependencies QueryKind = "dependencies"
	QueryDependents   QueryKind = "dependents"
	QueryImpact       QueryKind = "impact"
	QueryCallChain    QueryKind = "callchain"
	QueryContext      QueryKind = "context"
)

// ParseQueryKind validates a navigation query kind string.
func ParseQueryKind(s string) (QueryKind, error) {
	switch QueryKind(s) {
	case QueryDefinition, QueryReferences, QueryDependencies,
		QueryDependents, QueryImpact, QueryCallChain, QueryContext:
		return QueryKind(s), nil
	default:
		return "", errs.Newf(errs.KindInvalidInput, "unknown symbol query kind %q", s)
	}
}

// Symbol is a definition in the per-repo symbol graph.
type Symbol struct {
	ID      int64
	Name    string
	Project string
	File    string
	Line    int
	Column  int
	Kind    SymbolKind
}

// Occurrence is a compact navigation result record.
type Occurrence struct {
	Symbol       string     `json:"symbol"`
	Project      string     `json:"project"`
	File         string     `json:"file"`
	Line         int        `json:"line"`
	Column       int        `json:"column"`
	Kind         SymbolKind `json:"kind"`
	Relationship EdgeKind   `json:"relationship,omitempty"`
	Context      string     `json:"context,omitempty"`
}

// Query is one navigation request against a repository's symbol graph.
type Query struct {
	Kind   QueryKind
	Symbol string
	// Exact forces strict name matching; the default is substring.
	Exact bool
	// Depth bounds transitive queries (impact, callchain). Zero means the
	// store default.
	Depth int
	Limit int
}

// Database answers navigation queries for one repository.
type Database interface {
	Query(ctx context.Context, q Query) ([]Occurrence, error)
	// ImportDocument ingests one parsed SCIP document's symbols and edges.
	ImportDocument(ctx context.Context, doc Document) error
	// Clear removes all symbols for the given project (re-index).
	Clear(ctx context.Context, project string) error
	Count(ctx context.Context) (int64, error)
}

// Document is the parsed form of one SCIP indexer output unit.
type Document struct {
	Project string
	Symbols []Symbol
	Edges   []Edge
}

// Edge is one typed relationship between two symbols by name.
type Edge struct {
	From string
	To   string
	Kind EdgeKind
	File string
	Line int
}
