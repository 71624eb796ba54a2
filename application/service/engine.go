package service

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lightspeed-dms/cidx/domain/repo"
	"github.com/lightspeed-dms/cidx/domain/search"
	"github.com/lightspeed-dms/cidx/domain/temporal"
	"github.com/lightspeed-dms/cidx/infrastructure/store"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

const (
	defaultRepoTimeout   = 30 * time.Second
	defaultTokenBudget   = 20000
	defaultSnippetTokens = 5000
	previewChars         = 200
	defaultEvolutionCap  = 5
)

// RepoAccess answers repository-level access questions for a user.
// Implemented by AccessService.
type RepoAccess interface {
	CanAccess(ctx context.Context, username, baseName string) (bool, error)
}

// EngineConfig tunes the query engine.
type EngineConfig struct {
	// RepoTimeout bounds each repository branch of a fan-out query.
	RepoTimeout time.Duration
	// TokenBudget caps the total snippet tokens in one response; hits
	// beyond the budget are parked behind cache handles.
	TokenBudget int
	// SnippetTokens caps any single inline snippet.
	SnippetTokens int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.RepoTimeout <= 0 {
		c.RepoTimeout = defaultRepoTimeout
	}
	if c.TokenBudget <= 0 {
		c.TokenBudget = defaultTokenBudget
	}
	if c.SnippetTokens <= 0 {
		c.SnippetTokens = defaultSnippetTokens
	}
	return c
}

// Engine runs search queries across one or more repositories, fusing
// semantic, full-text and temporal branches into a single ranked
// response.
type Engine struct {
	repos     repo.Store
	activated repo.ActivatedStore
	access    RepoAccess
	indexes   *IndexManager
	embedder  search.Embedder
	tokens    search.TokenCounter
	cache     *ContentCache
	fusion    search.Fusion
	cfg       EngineConfig
	logger    *slog.Logger
}

// NewEngine creates the query engine.
func NewEngine(repos repo.Store, activated repo.ActivatedStore, access RepoAccess,
	indexes *IndexManager, embedder search.Embedder, tokens search.TokenCounter,
	cache *ContentCache, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repos:     repos,
		activated: activated,
		access:    access,
		indexes:   indexes,
		embedder:  embedder,
		tokens:    tokens,
		cache:     cache,
		fusion:    search.NewFusion(),
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// target is one resolved repository a query fans out to. Activated
// repositories resolve to their golden repository's indexes but keep
// the user-facing alias.
type target struct {
	alias     string
	base      string
	clonePath string
}

type repoResult struct {
	target   target
	hits     []search.Hit
	branchMS map[string]int64
	elapsed  time.Duration
	err      error
}

// Search executes a query for the given effective user. The sessionID
// scopes any cache handles minted for oversized snippets.
func (e *Engine) Search(ctx context.Context, username, sessionID string, q search.Query) (search.Response, error) {
	start := time.Now()
	if q.Limit == 0 {
		q.Limit = 10
	}
	if err := q.Validate(); err != nil {
		return search.Response{}, err
	}

	targets, repoErrors, err := e.resolveTargets(ctx, username, q.RepoAliases, q.ExcludePatterns)
	if err != nil {
		return search.Response{}, err
	}
	if len(targets) == 0 {
		if len(repoErrors) > 0 {
			return search.Response{}, errs.Newf(errs.KindPermissionDenied,
				"no accessible repositories: %s", repoErrors[0].Reason)
		}
		return search.Response{}, errs.New(errs.KindInvalidInput,
			"repository_alias resolved to no repositories")
	}

	results := e.fanOut(ctx, targets, q)

	mergeStart := time.Now()
	var (
		searched []string
		timedOut bool
		branchMS = map[string]int64{}
		maxRepo  time.Duration
	)
	perRepo := make(map[string][]search.Hit, len(results))
	for _, r := range results {
		searched = append(searched, r.target.alias)
		if r.elapsed > maxRepo {
			maxRepo = r.elapsed
		}
		for branch, ms := range r.branchMS {
			if ms > branchMS[branch] {
				branchMS[branch] = ms
			}
		}
		if r.err != nil {
			reason := r.err.Error()
			if errors.Is(r.err, context.DeadlineExceeded) || errs.KindOf(r.err) == errs.KindTimeout {
				reason = "timeout after " + e.cfg.RepoTimeout.String()
				timedOut = true
			}
			repoErrors = append(repoErrors, search.RepoError{Repo: r.target.alias, Reason: reason})
			continue
		}
		perRepo[r.target.alias] = r.hits
	}
	sort.Strings(searched)

	resp := e.aggregate(q, targets, perRepo)
	e.shape(ctx, sessionID, targets, &resp, q)

	resp.Success = len(repoErrors) < len(targets)
	resp.Errors = repoErrors
	resp.QueryMetadata = search.Metadata{
		QueryText:            q.Text,
		ExecutionTimeMS:      time.Since(start).Milliseconds(),
		RepositoriesSearched: searched,
		TimeoutOccurred:      timedOut,
		Timing: search.Timing{
			BranchMS:   branchMS,
			ParallelMS: maxRepo.Milliseconds(),
			MergeMS:    time.Since(mergeStart).Milliseconds(),
		},
	}
	return resp, nil
}

// resolveTargets expands the raw alias entries against the user's
// accessible repositories. Glob entries expand over public and user
// aliases; the meta repository never matches a wildcard and must be
// named explicitly.
func (e *Engine) resolveTargets(ctx context.Context, username string,
	entries, excludePatterns []string) ([]target, []search.RepoError, error) {

	golden, err := e.repos.All(ctx)
	if err != nil {
		return nil, nil, err
	}
	byPublic := make(map[string]repo.Repository, len(golden))
	for _, r := range golden {
		byPublic[r.PublicAlias()] = r
	}
	activated, err := e.activated.ByUser(ctx, username)
	if err != nil {
		return nil, nil, err
	}
	byUserAlias := make(map[string]repo.Activated, len(activated))
	for _, a := range activated {
		byUserAlias[a.UserAlias()] = a
	}

	var (
		targets    []target
		repoErrors []search.RepoError
		seen       = map[string]bool{}
	)
	add := func(t target, explicit bool) error {
		if seen[t.alias] {
			return nil
		}
		ok, err := e.access.CanAccess(ctx, username, t.base)
		if err != nil {
			return err
		}
		if !ok {
			if explicit {
				repoErrors = append(repoErrors, search.RepoError{
					Repo: t.alias, Reason: "repository not found or access denied"})
			}
			return nil
		}
		seen[t.alias] = true
		targets = append(targets, t)
		return nil
	}

	for _, entry := range entries {
		switch {
		case search.HasGlobMeta(entry):
			for alias, r := range byPublic {
				if alias == repo.MetaRepoAlias || !search.GlobMatch(entry, alias) {
					continue
				}
				if err := add(target{alias: alias, base: r.Name(), clonePath: r.ClonePath()}, false); err != nil {
					return nil, nil, err
				}
			}
			for alias, a := range byUserAlias {
				if !search.GlobMatch(entry, alias) {
					continue
				}
				if err := add(activatedTarget(a), false); err != nil {
					return nil, nil, err
				}
			}
		default:
			if r, ok := byPublic[entry]; ok {
				if err := add(target{alias: entry, base: r.Name(), clonePath: r.ClonePath()}, true); err != nil {
					return nil, nil, err
				}
			} else if a, ok := byUserAlias[entry]; ok {
				if err := add(activatedTarget(a), true); err != nil {
					return nil, nil, err
				}
			} else {
				repoErrors = append(repoErrors, search.RepoError{
					Repo: entry, Reason: "repository not found or access denied"})
			}
		}
	}

	if len(excludePatterns) > 0 {
		filtered := targets[:0]
		for _, t := range targets {
			excluded := false
			for _, pattern := range excludePatterns {
				if search.GlobMatch(pattern, t.alias) {
					excluded = true
					break
				}
			}
			if !excluded {
				filtered = append(filtered, t)
			}
		}
		targets = filtered
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].alias < targets[j].alias })
	return targets, repoErrors, nil
}

// activatedTarget maps an activated repository onto its golden indexes
// while keeping the user alias and the user's own working tree, so
// regex scans and content reads see local edits.
func activatedTarget(a repo.Activated) target {
	return target{alias: a.UserAlias(), base: a.GoldenName(), clonePath: a.ClonePath()}
}

// fanOut queries every target in parallel under the per-repo timeout.
// One slow or failing repository never blocks the others.
func (e *Engine) fanOut(ctx context.Context, targets []target, q search.Query) []repoResult {
	results := make([]repoResult, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			repoCtx, cancel := context.WithTimeout(ctx, e.cfg.RepoTimeout)
			defer cancel()
			start := time.Now()
			hits, branchMS, err := e.searchRepo(repoCtx, t, q)
			results[i] = repoResult{
				target:   t,
				hits:     hits,
				branchMS: branchMS,
				elapsed:  time.Since(start),
				err:      err,
			}
		}(i, t)
	}
	wg.Wait()
	return results
}

// searchRepo runs the query's branches against one repository and
// fuses them.
func (e *Engine) searchRepo(ctx context.Context, t target, q search.Query) ([]search.Hit, map[string]int64, error) {
	idx, err := e.indexes.For(t.base, t.clonePath)
	if err != nil {
		return nil, nil, err
	}
	branchMS := map[string]int64{}

	if q.Filters.Temporal() {
		start := time.Now()
		hits, err := e.searchTemporal(ctx, t, idx, q)
		branchMS["temporal"] = time.Since(start).Milliseconds()
		return hits, branchMS, err
	}

	var semantic, fts []search.Hit
	runSemantic := q.Mode == search.ModeSemantic || q.Mode == search.ModeHybrid
	runFTS := q.Mode == search.ModeFTS || q.Mode == search.ModeHybrid

	if runSemantic {
		start := time.Now()
		results, err := idx.Vectors.Search(ctx, q.Text, e.embedder, q.Filters, q.Limit)
		branchMS["semantic"] = time.Since(start).Milliseconds()
		if err != nil {
			return nil, branchMS, err
		}
		semantic = make([]search.Hit, 0, len(results))
		for _, r := range results {
			semantic = append(semantic, search.Hit{
				ID:              r.ID,
				FilePath:        r.Payload.FilePath,
				LineNumber:      r.Payload.LineNumber,
				ChunkOffset:     r.Payload.ChunkOffset,
				Language:        r.Payload.Language,
				Score:           r.Score,
				RepositoryAlias: t.alias,
				SourceRepo:      t.base,
				CodeSnippet:     r.Content,
			})
		}
	}
	if runFTS {
		start := time.Now()
		results, err := idx.FTS.Search(ctx, q.Text, q.Filters, q.Limit)
		branchMS["fts"] = time.Since(start).Milliseconds()
		if err != nil {
			return nil, branchMS, err
		}
		fts = make([]search.Hit, 0, len(results))
		for _, h := range results {
			fts = append(fts, search.Hit{
				ID:              h.ID,
				FilePath:        h.Path,
				LineNumber:      h.Line,
				ChunkOffset:     h.CharStart,
				Language:        h.Language,
				Score:           h.Score,
				RepositoryAlias: t.alias,
				SourceRepo:      t.base,
				MatchText:       h.MatchText,
				CodeSnippet:     h.Snippet,
			})
		}
	}

	switch q.Mode {
	case search.ModeHybrid:
		return e.fusion.FuseTopK(q.Limit, semantic, fts), branchMS, nil
	case search.ModeFTS:
		return fts, branchMS, nil
	default:
		return semantic, branchMS, nil
	}
}

// searchTemporal answers history-scoped queries from the commit index.
func (e *Engine) searchTemporal(ctx context.Context, t target, idx *RepoIndexes, q search.Query) ([]search.Hit, error) {
	if idx.Temporal == nil {
		return nil, errs.Newf(errs.KindInvalidInput,
			"repository %q has no temporal index; add one with add_index", t.alias)
	}
	embeddings, err := e.embedder.Embed(ctx, []string{q.Text})
	if err != nil {
		return nil, errs.Wrap(errs.KindExternal, "embed query", err)
	}
	f := temporal.Filter{
		Since:    q.Filters.TimeRange.Since,
		Until:    q.Filters.TimeRange.Until,
		AtCommit: q.Filters.AtCommit,
		Author:   q.Filters.Author,
		DiffType: temporal.DiffType(q.Filters.DiffType),
		Path:     q.Filters.PathFilter,
	}
	scored, err := idx.Temporal.Search(ctx, embeddings[0], f, q.Limit)
	if err != nil {
		return nil, err
	}
	hits := make([]search.Hit, 0, len(scored))
	for _, s := range scored {
		if s.Score < q.Filters.MinScore {
			continue
		}
		hits = append(hits, search.Hit{
			ID:              s.Commit.SHA + "#" + s.Diff.Path,
			FilePath:        s.Diff.Path,
			Score:           s.Score,
			RepositoryAlias: t.alias,
			SourceRepo:      t.base,
			CodeSnippet:     s.Diff.Hunk,
			TemporalContext: &search.TemporalContext{
				CommitSHA: s.Commit.SHA,
				Author:    s.Commit.Author,
				Timestamp: s.Commit.Timestamp,
				DiffType:  string(s.Diff.Type),
			},
		})
	}
	return hits, nil
}

// aggregate merges per-repository hit lists according to the query's
// aggregation mode. Global ranks purely by score. Per-repo gives each
// repository a fair share of the limit, distributing the remainder to
// the alphabetically first repositories.
func (e *Engine) aggregate(q search.Query, targets []target, perRepo map[string][]search.Hit) search.Response {
	mode := q.Aggregation
	if mode == "" {
		if len(targets) > 1 {
			mode = search.AggregationPerRepo
		} else {
			mode = search.AggregationGlobal
		}
	}

	var flat []search.Hit
	switch mode {
	case search.AggregationPerRepo:
		aliases := make([]string, 0, len(perRepo))
		for alias := range perRepo {
			aliases = append(aliases, alias)
		}
		sort.Strings(aliases)
		if len(aliases) > 0 {
			base := q.Limit / len(aliases)
			extra := q.Limit % len(aliases)
			for i, alias := range aliases {
				share := base
				if i < extra {
					share++
				}
				hits := perRepo[alias]
				if len(hits) > share {
					hits = hits[:share]
				}
				flat = append(flat, hits...)
			}
		}
	default:
		for _, hits := range perRepo {
			flat = append(flat, hits...)
		}
		sort.SliceStable(flat, func(i, j int) bool {
			if flat[i].Score != flat[j].Score {
				return flat[i].Score > flat[j].Score
			}
			return flat[i].FilePath < flat[j].FilePath
		})
		if len(flat) > q.Limit {
			flat = flat[:q.Limit]
		}
	}

	resp := search.Response{TotalResults: len(flat)}
	if q.Format == search.FormatGrouped {
		grouped := make(map[string]search.RepoGroup)
		for _, h := range flat {
			g := grouped[h.RepositoryAlias]
			g.Results = append(g.Results, h)
			g.Count = len(g.Results)
			grouped[h.RepositoryAlias] = g
		}
		resp.ResultsByRepo = grouped
	} else {
		resp.Results = flat
	}
	return resp
}

// shape enforces the token budget, resolves missing snippet content,
// and attaches evolution context where requested.
func (e *Engine) shape(ctx context.Context, sessionID string, targets []target, resp *search.Response, q search.Query) {
	byBase := make(map[string]target, len(targets))
	for _, t := range targets {
		byBase[t.base] = t
	}

	budget := e.cfg.TokenBudget
	shapeHit := func(h *search.Hit) {
		if h.CodeSnippet == "" {
			if t, ok := byBase[h.SourceRepo]; ok {
				if idx, err := e.indexes.For(t.base, t.clonePath); err == nil {
					if content, err := idx.Vectors.GetContent(ctx, h.ID); err == nil {
						h.CodeSnippet = content
					}
				}
			}
		}
		if q.Filters.ShowEvolution && h.TemporalContext == nil {
			e.attachEvolution(ctx, byBase, h, q)
		}
		if h.CodeSnippet == "" {
			return
		}
		cost := e.tokens.CountTokens(h.CodeSnippet)
		if cost <= e.cfg.SnippetTokens && cost <= budget {
			budget -= cost
			return
		}
		// Too large for the response: park it behind a handle.
		preview := h.CodeSnippet
		if r := []rune(preview); len(r) > previewChars {
			preview = string(r[:previewChars])
		}
		h.CacheHandle = e.cache.Put(sessionID, h.CodeSnippet)
		h.SnippetPreview = preview
		h.CodeSnippet = ""
	}

	for i := range resp.Results {
		shapeHit(&resp.Results[i])
	}
	for alias, group := range resp.ResultsByRepo {
		for i := range group.Results {
			shapeHit(&group.Results[i])
		}
		resp.ResultsByRepo[alias] = group
	}
}

func (e *Engine) attachEvolution(ctx context.Context, byBase map[string]target, h *search.Hit, q search.Query) {
	t, ok := byBase[h.SourceRepo]
	if !ok {
		return
	}
	idx, err := e.indexes.For(t.base, t.clonePath)
	if err != nil || idx.Temporal == nil {
		return
	}
	limit := q.Filters.EvolutionLimit
	if limit <= 0 {
		limit = defaultEvolutionCap
	}
	commits, err := idx.Temporal.Evolution(ctx, h.FilePath, limit)
	if err != nil || len(commits) == 0 {
		return
	}
	tc := &search.TemporalContext{}
	for _, c := range commits {
		diffType := ""
		for _, d := range c.Diffs {
			if d.Path == h.FilePath {
				diffType = string(d.Type)
				break
			}
		}
		tc.Evolution = append(tc.Evolution, search.EvolutionEntry{
			SHA:       c.SHA,
			Author:    c.Author,
			Timestamp: c.Timestamp,
			Subject:   c.Subject(),
			DiffType:  diffType,
		})
	}
	h.TemporalContext = tc
}

// RegexResponse is the response shape of a regex scan.
type RegexResponse struct {
	Success bool               `json:"success"`
	Matches []store.RegexMatch `json:"matches"`
	Total   int                `json:"total_matches"`
	Errors  []search.RepoError `json:"errors,omitempty"`
}

// NormalizePatterns validates a raw include/exclude pattern field.
// Scalars are rejected rather than coerced so malformed requests fail
// loudly instead of silently matching nothing.
func NormalizePatterns(field string, raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errs.Newf(errs.KindInvalidInput,
					"%s must be a list of strings, got a list containing %T", field, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, errs.Newf(errs.KindInvalidInput,
			"%s must be a list of strings, got %T", field, raw)
	}
}

// RegexSearch scans the working trees of the resolved repositories
// with a compiled regular expression.
func (e *Engine) RegexSearch(ctx context.Context, username string, aliases []string,
	opts store.ScanOptions) (RegexResponse, error) {

	if strings.TrimSpace(opts.Pattern) == "" {
		return RegexResponse{}, errs.New(errs.KindInvalidInput, "pattern must not be empty")
	}
	targets, repoErrors, err := e.resolveTargets(ctx, username, aliases, nil)
	if err != nil {
		return RegexResponse{}, err
	}
	if len(targets) == 0 {
		return RegexResponse{}, errs.New(errs.KindInvalidInput,
			"repository_alias resolved to no repositories")
	}

	scanner := store.NewRegexScanner()
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	var matches []store.RegexMatch
	for _, t := range targets {
		if len(matches) >= limit {
			break
		}
		perRepo := opts
		perRepo.Limit = limit - len(matches)
		found, err := scanner.Scan(ctx, t.clonePath, perRepo)
		if err != nil {
			repoErrors = append(repoErrors, search.RepoError{Repo: t.alias, Reason: err.Error()})
			continue
		}
		matches = append(matches, found...)
	}
	return RegexResponse{
		Success: len(repoErrors) < len(targets),
		Matches: matches,
		Total:   len(matches),
		Errors:  repoErrors,
	}, nil
}

// CachedContent returns one page of a parked snippet for the owning
// session.
func (e *Engine) CachedContent(sessionID, handle string, page int) (CachedPage, error) {
	return e.cache.Get(sessionID, handle, page)
}
