package search

import (
	"regexp"
	"time"

	"github.com/lightspeed-dms/cidx/internal/errs"
)

// TimeRange bounds temporal queries. Zero endpoints are open.
type TimeRange struct {
	Since time.Time
	Until time.Time
}

// IsZero reports whether both endpoints are unset.
func (t TimeRange) IsZero() bool { return t.Since.IsZero() && t.Until.IsZero() }

// Contains reports whether ts falls inside the range.
func (t TimeRange) Contains(ts time.Time) bool {
	if !t.Since.IsZero() && ts.Before(t.Since) {
		return false
	}
	if !t.Until.IsZero() && ts.After(t.Until) {
		return false
	}
	return true
}

// Filters narrows a query. The zero value applies no filtering.
type Filters struct {
	Language        string
	ExcludeLanguage string
	PathFilter      string
	ExcludePath     string
	FileExtensions  []string
	MinScore        float64
	Accuracy        Accuracy

	// Temporal filters.
	TimeRange      TimeRange
	AtCommit       string
	IncludeRemoved bool
	ShowEvolution  bool
	EvolutionLimit int
	Author         string
	DiffType       string
	ChunkType      string

	// FTS filters.
	CaseSensitive bool
	Fuzzy         bool
	EditDistance  int
	SnippetLines  int
	Regex         string
}

// Validate checks filter value ranges.
func (f Filters) Validate() error {
	if f.EditDistance < 0 || f.EditDistance > 3 {
		return errs.Newf(errs.KindInvalidInput, "edit_distance must be 0-3, got %d", f.EditDistance)
	}
	if f.SnippetLines < 0 || f.SnippetLines > 50 {
		return errs.Newf(errs.KindInvalidInput, "snippet_lines must be 0-50, got %d", f.SnippetLines)
	}
	if f.MinScore < 0 || f.MinScore > 1 {
		return errs.Newf(errs.KindInvalidInput, "min_score must be 0-1, got %g", f.MinScore)
	}
	if f.EvolutionLimit < 0 {
		return errs.New(errs.KindInvalidInput, "evolution_limit must not be negative")
	}
	if f.Regex != "" {
		if _, err := regexp.Compile(f.Regex); err != nil {
			return errs.Wrap(errs.KindInvalidInput, "invalid regex filter", err)
		}
	}
	if !f.TimeRange.IsZero() && !f.TimeRange.Since.IsZero() && !f.TimeRange.Until.IsZero() &&
		f.TimeRange.Until.Before(f.TimeRange.Since) {
		return errs.New(errs.KindInvalidInput, "time_range end precedes start")
	}
	return nil
}

// Temporal reports whether any temporal filter is active.
func (f Filters) Temporal() bool {
	return !f.TimeRange.IsZero() || f.AtCommit != "" || f.Author != "" ||
		f.DiffType != "" || f.ShowEvolution
}

// MatchesPath applies the path include/exclude and extension filters.
func (f Filters) MatchesPath(path string) bool {
	if f.PathFilter != "" && !globMatch(f.PathFilter, path) {
		return false
	}
	if f.ExcludePath != "" && globMatch(f.ExcludePath, path) {
		return false
	}
	if len(f.FileExtensions) > 0 {
		matched := false
		for _, ext := range f.FileExtensions {
			if hasExtension(path, ext) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func hasExtension(path, ext string) bool {
	if ext == "" {
		return false
	}
	if ext[0] != '.' {
		ext = "." + ext
	}
	return len(path) >= len(ext) && path[len(path)-len(ext):] == ext
}
