package store

import (
	"bytes"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/lightspeed-dms/cidx/domain/search"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// RegexMatch is one line-level match from a filesystem scan.
type RegexMatch struct {
	Path      string `json:"file_path"`
	Line      int    `json:"line_number"`
	MatchText string `json:"match_text"`
	Snippet   string `json:"code_snippet"`
}

// maxScanFileSize skips files unlikely to be source code.
const maxScanFileSize = 2 << 20

// RegexScanner scans a repository worktree directly. Go's regexp is
// RE2-based, so hostile patterns cannot trigger catastrophic
// backtracking.
type RegexScanner struct{}

// NewRegexScanner creates a scanner.
func NewRegexScanner() *RegexScanner {
	return &RegexScanner{}
}

// ScanOptions controls one scan.
type ScanOptions struct {
	Pattern         string
	IncludePatterns []string
	ExcludePatterns []string
	CaseSensitive   bool
	ContextLines    int
	Limit           int
}

// Scan walks root and returns matching lines with context.
func (s *RegexScanner) Scan(ctx context.Context, root string, opts ScanOptions) ([]RegexMatch, error) {
	pattern := opts.Pattern
	if !opts.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errs.Newf(errs.KindInvalidInput, "invalid regex pattern: %v", err)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	contextLines := opts.ContextLines
	if contextLines < 0 {
		contextLines = 0
	}
	if contextLines > 50 {
		contextLines = 50
	}

	var matches []RegexMatch
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !includePath(rel, opts.IncludePatterns, opts.ExcludePatterns) {
			return nil
		}
		if info, infoErr := d.Info(); infoErr != nil || info.Size() > maxScanFileSize {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		if bytes.IndexByte(data, 0) >= 0 {
			// Binary file.
			return nil
		}

		lines := strings.Split(string(data), "\n")
		for i, line := range lines {
			loc := re.FindStringIndex(line)
			if loc == nil {
				continue
			}
			matches = append(matches, RegexMatch{
				Path:      rel,
				Line:      i + 1,
				MatchText: line[loc[0]:loc[1]],
				Snippet:   contextSnippet(lines, i, contextLines),
			})
			if len(matches) >= limit {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func includePath(rel string, includes, excludes []string) bool {
	for _, pattern := range excludes {
		if search.GlobMatch(pattern, rel) {
			return false
		}
	}
	if len(includes) == 0 {
		return true
	}
	for _, pattern := range includes {
		if search.GlobMatch(pattern, rel) {
			return true
		}
	}
	return false
}

func contextSnippet(lines []string, idx, contextLines int) string {
	start := idx - contextLines
	if start < 0 {
		start = 0
	}
	stop := idx + contextLines + 1
	if stop > len(lines) {
		stop = len(lines)
	}
	return strings.Join(lines[start:stop], "\n")
}
