// Package search provides the search query contract shared by the query
// engine, the stores, and both API surfaces.
package search

import (
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// Mode selects which index families a query runs against.
type Mode string

// Search modes.
const (
	ModeSemantic Mode = "semantic"
	ModeFTS      Mode = "fts"
	ModeHybrid   Mode = "hybrid"
)

// ParseMode validates a search mode string. Empty defaults to semantic.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeSemantic, nil
	case ModeSemantic, ModeFTS, ModeHybrid:
		return Mode(s), nil
	default:
		return "", errs.Newf(errs.KindInvalidInput, "unknown search_mode %q (want semantic, fts or hybrid)", s)
	}
}

// Accuracy maps to the ANN ef_query parameter.
type Accuracy string

// Accuracy levels.
const (
	AccuracyFast     Accuracy = "fast"
	AccuracyBalanced Accuracy = "balanced"
	AccuracyHigh     Accuracy = "high"
)

// EfSearch returns the ANN ef parameter for this accuracy level.
func (a Accuracy) EfSearch() int {
	switch a {
	case AccuracyFast:
		return 16
	case AccuracyHigh:
		return 128
	default:
		return 48
	}
}

// ParseAccuracy validates an accuracy string. Empty defaults to balanced.
func ParseAccuracy(s string) (Accuracy, error) {
	switch Accuracy(s) {
	case "":
		return AccuracyBalanced, nil
	case AccuracyFast, AccuracyBalanced, AccuracyHigh:
		return Accuracy(s), nil
	default:
		return "", errs.Newf(errs.KindInvalidInput, "unknown accuracy %q (want fast, balanced or high)", s)
	}
}

// Aggregation controls how multi-repo results are merged.
type Aggregation string

// Aggregation modes.
const (
	AggregationGlobal  Aggregation = "global"
	AggregationPerRepo Aggregation = "per_repo"
)

// ParseAggregation validates an aggregation string; empty means unset
// (the engine picks the smart default for the repo count).
func ParseAggregation(s string) (Aggregation, error) {
	switch Aggregation(s) {
	case "", AggregationGlobal, AggregationPerRepo:
		return Aggregation(s), nil
	default:
		return "", errs.Newf(errs.KindInvalidInput, "unknown aggregation_mode %q (want global or per_repo)", s)
	}
}

// Format controls the response shape.
type Format string

// Response formats.
const (
	FormatFlat    Format = "flat"
	FormatGrouped Format = "grouped"
)

// ParseFormat validates a response format string; empty means unset.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatFlat, FormatGrouped:
		return Format(s), nil
	default:
		return "", errs.Newf(errs.KindInvalidInput, "unknown response_format %q (want flat or grouped)", s)
	}
}

// Query is the single search contract accepted by the query engine.
// RepoAliases holds the raw repository selector entries: explicit aliases
// and/or glob patterns expanded by the engine against accessible repos.
type Query struct {
	Text            string
	RepoAliases     []string
	Mode            Mode
	Filters         Filters
	Limit           int
	Aggregation     Aggregation
	Format          Format
	ExcludePatterns []string
}

// Validate checks the query's structural invariants.
func (q Query) Validate() error {
	if q.Text == "" {
		return errs.New(errs.KindInvalidInput, "query_text must not be empty")
	}
	if len(q.RepoAliases) == 0 {
		return errs.New(errs.KindInvalidInput, "repository_alias must name at least one repository")
	}
	if q.Limit < 0 {
		return errs.New(errs.KindInvalidInput, "limit must not be negative")
	}
	return q.Filters.Validate()
}
