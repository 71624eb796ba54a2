package search

import (
	"strconv"
	"time"
)

// EvolutionEntry is one commit that touched a hit's region, attached when
// show_evolution is requested.
type EvolutionEntry struct {
	SHA       string    `json:"sha"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Subject   string    `json:"subject"`
	DiffType  string    `json:"diff_type"`
}

// TemporalContext decorates a hit with commit provenance.
type TemporalContext struct {
	CommitSHA string           `json:"commit_sha,omitempty"`
	Author    string           `json:"author,omitempty"`
	Timestamp time.Time        `json:"timestamp,omitempty"`
	DiffType  string           `json:"diff_type,omitempty"`
	Evolution []EvolutionEntry `json:"evolution,omitempty"`
}

// Hit is one search result. Exactly one of CodeSnippet or
// (SnippetPreview, CacheHandle) is populated: oversized content is parked
// behind a session-scoped cache handle.
type Hit struct {
	ID              string           `json:"id"`
	FilePath        string           `json:"file_path"`
	LineNumber      int              `json:"line_number"`
	ChunkOffset     int              `json:"chunk_offset"`
	Language        string           `json:"language,omitempty"`
	CodeSnippet     string           `json:"code_snippet,omitempty"`
	SnippetPreview  string           `json:"snippet_preview,omitempty"`
	CacheHandle     string           `json:"snippet_cache_handle,omitempty"`
	Score           float64          `json:"similarity_score"`
	RepositoryAlias string           `json:"repository_alias"`
	SourceRepo      string           `json:"source_repo,omitempty"`
	MatchText       string           `json:"match_text,omitempty"`
	TemporalContext *TemporalContext `json:"temporal_context,omitempty"`
}

// DedupKey identifies a hit across collections for dual-model merging.
func (h Hit) DedupKey() string {
	return h.FilePath + "\x00" + strconv.Itoa(h.ChunkOffset)
}

// RepoError records a per-repository failure inside a partially successful
// fan-out response.
type RepoError struct {
	Repo   string `json:"repo"`
	Reason string `json:"reason"`
}

// Timing carries per-branch and wall-clock durations for a query.
// ParallelMS is always >= the largest branch time and never their sum.
type Timing struct {
	BranchMS   map[string]int64 `json:"branch_ms,omitempty"`
	ParallelMS int64            `json:"parallel_ms"`
	MergeMS    int64            `json:"merge_ms"`
}

// Metadata describes how a query executed.
type Metadata struct {
	QueryText            string   `json:"query_text"`
	ExecutionTimeMS      int64    `json:"execution_time_ms"`
	RepositoriesSearched []string `json:"repositories_searched"`
	TimeoutOccurred      bool     `json:"timeout_occurred"`
	Timing               Timing   `json:"timing"`
}

// RepoGroup is the per-repository bucket of a grouped response.
type RepoGroup struct {
	Count   int   `json:"count"`
	Results []Hit `json:"results"`
}

// Response is the search response shape shared by REST and MCP.
// Results is set for flat responses, ResultsByRepo for grouped ones.
type Response struct {
	Success       bool                 `json:"success"`
	Results       []Hit                `json:"results,omitempty"`
	ResultsByRepo map[string]RepoGroup `json:"results_by_repo,omitempty"`
	TotalResults  int                  `json:"total_results"`
	QueryMetadata Metadata             `json:"query_metadata"`
	Errors        []RepoError          `json:"errors,omitempty"`
}
