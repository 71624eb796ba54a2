// Package temporal provides commit-history index domain types.
package temporal

import (
	"context"
	"time"
)

// DiffType classifies how a commit touched a file.
type DiffType string

// Diff types.
const (
	DiffAdded    DiffType = "added"
	DiffModified DiffType = "modified"
	DiffDeleted  DiffType = "deleted"
	DiffRenamed  DiffType = "renamed"
)

// FileDiff is one file-level change within a commit, with an optional
// embedding of the diff hunk for temporal semantic search.
type FileDiff struct {
	Path      string
	OldPath   string
	Type      DiffType
	Hunk      string
	Embedding []float32
}

// Commit is one commit record in a repository's temporal index.
type Commit struct {
	SHA       string
	Parents   []string
	Author    string
	Timestamp time.Time
	Message   string
	Diffs     []FileDiff
}

// Subject returns the first line of the commit message.
func (c Commit) Subject() string {
	for i := 0; i < len(c.Message); i++ {
		if c.Message[i] == '\n' {
			return c.Message[:i]
		}
	}
	return c.Message
}

// Filter narrows commit candidates before scoring.
type Filter struct {
	Since    time.Time
	Until    time.Time
	AtCommit string
	Author   string
	DiffType DiffType
	Path     string
}

// Matches reports whether a commit passes the filter. Path and DiffType
// apply at the file-diff level: the commit matches if any diff does.
func (f Filter) Matches(c Commit) bool {
	if !f.Since.IsZero() && c.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && c.Timestamp.After(f.Until) {
		return false
	}
	if f.AtCommit != "" && c.SHA != f.AtCommit {
		return false
	}
	if f.Author != "" && c.Author != f.Author {
		return false
	}
	if f.DiffType != "" || f.Path != "" {
		for _, d := range c.Diffs {
			if f.DiffType != "" && d.Type != f.DiffType {
				continue
			}
			if f.Path != "" && d.Path != f.Path {
				continue
			}
			return true
		}
		return false
	}
	return true
}

// Index stores and queries a repository's commit history.
type Index interface {
	Add(ctx context.Context, commits []Commit) error
	// Commits returns commits passing the filter, newest first,
	// capped at limit (<= 0 means no cap).
	Commits(ctx context.Context, f Filter, limit int) ([]Commit, error)
	// Evolution returns up to limit commits whose diffs touch path,
	// newest first.
	Evolution(ctx context.Context, path string, limit int) ([]Commit, error)
	// Search scores the filtered commits' diff embeddings against the
	// query embedding and returns the best matches.
	Search(ctx context.Context, embedding []float32, f Filter, limit int) ([]ScoredDiff, error)
	Count(ctx context.Context) (int64, error)
}

// ScoredDiff is one diff hunk scored against a query embedding.
type ScoredDiff struct {
	Commit Commit
	Diff   FileDiff
	Score  float64
}
