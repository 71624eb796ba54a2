package v1

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lightspeed-dms/cidx/application/service"
	"github.com/lightspeed-dms/cidx/domain/auth"
	"github.com/lightspeed-dms/cidx/domain/search"
	"github.com/lightspeed-dms/cidx/infrastructure/api/middleware"
	"github.com/lightspeed-dms/cidx/infrastructure/store"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// SearchRouter serves the REST search facade.
type SearchRouter struct {
	engine *service.Engine
	access *service.AccessService
	status *service.StatusService
}

// NewSearchRouter creates the search router.
func NewSearchRouter(engine *service.Engine, access *service.AccessService, status *service.StatusService) *SearchRouter {
	return &SearchRouter{engine: engine, access: access, status: status}
}

// Routes returns the search routes.
func (h *SearchRouter) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.search)
	r.Post("/regex", h.regexSearch)
	r.Get("/cached/{handle}", h.cachedContent)
	return r
}

// searchRequest mirrors the MCP search tool's arguments.
type searchRequest struct {
	QueryText       string   `json:"query_text"`
	RepositoryAlias any      `json:"repository_alias"`
	SearchMode      string   `json:"search_mode,omitempty"`
	Limit           int      `json:"limit,omitempty"`
	AggregationMode string   `json:"aggregation_mode,omitempty"`
	ResponseFormat  string   `json:"response_format,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`

	Language        string   `json:"language,omitempty"`
	ExcludeLanguage string   `json:"exclude_language,omitempty"`
	PathFilter      string   `json:"path_filter,omitempty"`
	ExcludePath     string   `json:"exclude_path,omitempty"`
	FileExtensions  []string `json:"file_extensions,omitempty"`
	MinScore        float64  `json:"min_score,omitempty"`
	Accuracy        string   `json:"accuracy,omitempty"`

	TimeRangeStart string `json:"time_range_start,omitempty"`
	TimeRangeEnd   string `json:"time_range_end,omitempty"`
	AtCommit       string `json:"at_commit,omitempty"`
	Author         string `json:"author,omitempty"`
	DiffType       string `json:"diff_type,omitempty"`
	ShowEvolution  bool   `json:"show_evolution,omitempty"`
	EvolutionLimit int    `json:"evolution_limit,omitempty"`

	CaseSensitive bool   `json:"case_sensitive,omitempty"`
	Fuzzy         bool   `json:"fuzzy,omitempty"`
	EditDistance  int    `json:"edit_distance,omitempty"`
	SnippetLines  int    `json:"snippet_lines,omitempty"`
	Regex         string `json:"regex,omitempty"`
}

// buildQuery converts a request into the engine's query contract.
// repository_alias accepts a string or a list of strings.
func (req searchRequest) buildQuery() (search.Query, error) {
	aliases, err := normalizeAliases(req.RepositoryAlias)
	if err != nil {
		return search.Query{}, err
	}
	mode, err := search.ParseMode(req.SearchMode)
	if err != nil {
		return search.Query{}, err
	}
	accuracy, err := search.ParseAccuracy(req.Accuracy)
	if err != nil {
		return search.Query{}, err
	}
	aggregation, err := search.ParseAggregation(req.AggregationMode)
	if err != nil {
		return search.Query{}, err
	}
	format, err := search.ParseFormat(req.ResponseFormat)
	if err != nil {
		return search.Query{}, err
	}

	var timeRange search.TimeRange
	if req.TimeRangeStart != "" {
		t, err := time.Parse(time.RFC3339, req.TimeRangeStart)
		if err != nil {
			return search.Query{}, errs.New(errs.KindInvalidInput, "time_range_start must be RFC3339")
		}
		timeRange.Since = t
	}
	if req.TimeRangeEnd != "" {
		t, err := time.Parse(time.RFC3339, req.TimeRangeEnd)
		if err != nil {
			return search.Query{}, errs.New(errs.KindInvalidInput, "time_range_end must be RFC3339")
		}
		timeRange.Until = t
	}

	return search.Query{
		Text:            req.QueryText,
		RepoAliases:     aliases,
		Mode:            mode,
		Limit:           req.Limit,
		Aggregation:     aggregation,
		Format:          format,
		ExcludePatterns: req.ExcludePatterns,
		Filters: search.Filters{
			Language:        req.Language,
			ExcludeLanguage: req.ExcludeLanguage,
			PathFilter:      req.PathFilter,
			ExcludePath:     req.ExcludePath,
			FileExtensions:  req.FileExtensions,
			MinScore:        req.MinScore,
			Accuracy:        accuracy,
			TimeRange:       timeRange,
			AtCommit:        req.AtCommit,
			Author:          req.Author,
			DiffType:        req.DiffType,
			ShowEvolution:   req.ShowEvolution,
			EvolutionLimit:  req.EvolutionLimit,
			CaseSensitive:   req.CaseSensitive,
			Fuzzy:           req.Fuzzy,
			EditDistance:    req.EditDistance,
			SnippetLines:    req.SnippetLines,
			Regex:           req.Regex,
		},
	}, nil
}

func normalizeAliases(raw any) ([]string, error) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil, errs.New(errs.KindInvalidInput, "repository_alias must not be empty")
		}
		return []string{v}, nil
	case []any:
		return service.NormalizePatterns("repository_alias", v)
	case nil:
		return nil, errs.New(errs.KindInvalidInput, "repository_alias is required")
	default:
		return nil, errs.Newf(errs.KindInvalidInput,
			"repository_alias must be a string or list of strings, got %T", raw)
	}
}

func (h *SearchRouter) search(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	if err := h.access.RequirePermission(r.Context(), sess, auth.PermQueryRepos); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, errs.New(errs.KindInvalidInput, "invalid JSON body"))
		return
	}
	q, err := req.buildQuery()
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	resp, err := h.engine.Search(r.Context(), sess.EffectiveUser(), sess.ID(), q)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	h.status.RecordQuery()
	middleware.WriteJSON(w, http.StatusOK, resp)
}

type regexRequest struct {
	Pattern         string `json:"pattern"`
	RepositoryAlias any    `json:"repository_alias"`
	IncludePatterns any    `json:"include_patterns,omitempty"`
	ExcludePatterns any    `json:"exclude_patterns,omitempty"`
	CaseSensitive   bool   `json:"case_sensitive,omitempty"`
	ContextLines    int    `json:"context_lines,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

func (h *SearchRouter) regexSearch(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	if err := h.access.RequirePermission(r.Context(), sess, auth.PermQueryRepos); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	var req regexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, errs.New(errs.KindInvalidInput, "invalid JSON body"))
		return
	}
	aliases, err := normalizeAliases(req.RepositoryAlias)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	include, err := service.NormalizePatterns("include_patterns", req.IncludePatterns)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	exclude, err := service.NormalizePatterns("exclude_patterns", req.ExcludePatterns)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	resp, err := h.engine.RegexSearch(r.Context(), sess.EffectiveUser(), aliases, store.ScanOptions{
		Pattern:         req.Pattern,
		IncludePatterns: include,
		ExcludePatterns: exclude,
		CaseSensitive:   req.CaseSensitive,
		ContextLines:    req.ContextLines,
		Limit:           req.Limit,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, resp)
}

func (h *SearchRouter) cachedContent(w http.ResponseWriter, r *http.Request) {
	sess, ok := requireSession(w, r)
	if !ok {
		return
	}
	pageNum, _ := strconv.Atoi(r.URL.Query().Get("page"))
	page, err := h.engine.CachedContent(sess.ID(), chi.URLParam(r, "handle"), pageNum)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, page)
}
