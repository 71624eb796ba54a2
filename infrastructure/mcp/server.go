// Package mcp provides the Model Context Protocol facade.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lightspeed-dms/cidx/application/service"
	"github.com/lightspeed-dms/cidx/domain/auth"
	"github.com/lightspeed-dms/cidx/domain/search"
	"github.com/lightspeed-dms/cidx/infrastructure/store"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

// PublicUsername is the identity anonymous MCP requests run under. The
// bootstrap seeds it with query-only permissions; its password hash is
// random so it can never log in directly.
const PublicUsername = "public"

// Server wraps the MCP server with the search, navigation and git
// tools. Tool failures are returned as error content blocks, never as
// protocol errors, so clients always see a well-formed tool result.
type Server struct {
	mcpServer *server.MCPServer
	engine    *service.Engine
	navigator *service.Navigator
	status    *service.StatusService
	public    bool
	logger    *slog.Logger
}

// NewServer creates the MCP server. When public is true the server
// runs every tool as the anonymous public user, which only resolves
// golden repository aliases.
func NewServer(engine *service.Engine, navigator *service.Navigator,
	status *service.StatusService, version string, public bool, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		engine:    engine,
		navigator: navigator,
		status:    status,
		public:    public,
		logger:    logger,
	}

	mcpServer := server.NewMCPServer(
		"cidx",
		version,
		server.WithToolCapabilities(true),
	)
	s.registerSearchTools(mcpServer)
	s.registerSymbolTools(mcpServer)
	s.registerGitTools(mcpServer)

	s.mcpServer = mcpServer
	return s
}

// MCPServer returns the underlying server for HTTP mounting.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// session resolves the caller's identity. Authenticated transports put
// the session on the context; the public endpoint runs as the public
// user.
func (s *Server) session(ctx context.Context) (auth.Session, error) {
	if sess, ok := auth.SessionFrom(ctx); ok {
		return sess, nil
	}
	if s.public {
		return auth.NewSession(PublicUsername, PublicUsername, maxTime()), nil
	}
	return auth.Session{}, errs.New(errs.KindUnauthenticated, "authentication required")
}

func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", errs.KindOf(err), errs.MessageOf(err)))
}

func toolJSON(v any) *mcp.CallToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("serializing result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

func (s *Server) registerSearchTools(m *server.MCPServer) {
	searchTool := mcp.NewTool("search",
		mcp.WithDescription("Semantic, full-text or hybrid search across one or more repositories. Supports temporal filters for searching commit history."),
		mcp.WithString("query_text", mcp.Required(),
			mcp.Description("Natural language or keyword query")),
		mcp.WithArray("repository_alias", mcp.Required(),
			mcp.Description("Repository aliases or glob patterns, e.g. [\"myrepo-global\", \"team-*\"]")),
		mcp.WithString("search_mode",
			mcp.Description("semantic (default), fts or hybrid")),
		mcp.WithNumber("limit",
			mcp.Description("Maximum results (default 10)")),
		mcp.WithString("aggregation_mode",
			mcp.Description("global or per_repo result merging")),
		mcp.WithString("response_format",
			mcp.Description("flat (default) or grouped by repository")),
		mcp.WithArray("exclude_patterns",
			mcp.Description("Alias glob patterns to exclude from expansion")),
		mcp.WithString("language", mcp.Description("Filter by language")),
		mcp.WithString("exclude_language", mcp.Description("Exclude a language")),
		mcp.WithString("path_filter", mcp.Description("Glob the file path must match")),
		mcp.WithString("exclude_path", mcp.Description("Glob the file path must not match")),
		mcp.WithArray("file_extensions", mcp.Description("Restrict to file extensions")),
		mcp.WithNumber("min_score", mcp.Description("Minimum similarity score 0-1")),
		mcp.WithString("accuracy", mcp.Description("fast, balanced (default) or high")),
		mcp.WithString("time_range_start", mcp.Description("RFC3339; search commit history from this time")),
		mcp.WithString("time_range_end", mcp.Description("RFC3339; search commit history until this time")),
		mcp.WithString("at_commit", mcp.Description("Restrict temporal search to one commit SHA")),
		mcp.WithString("author", mcp.Description("Filter commits by author")),
		mcp.WithString("diff_type", mcp.Description("added, modified, deleted or renamed")),
		mcp.WithBoolean("show_evolution", mcp.Description("Attach per-hit commit evolution")),
		mcp.WithNumber("evolution_limit", mcp.Description("Evolution entries per hit")),
		mcp.WithBoolean("case_sensitive", mcp.Description("Case-sensitive full-text matching")),
		mcp.WithBoolean("fuzzy", mcp.Description("Fuzzy full-text matching")),
		mcp.WithNumber("edit_distance", mcp.Description("Fuzzy edit distance 0-3")),
		mcp.WithNumber("snippet_lines", mcp.Description("Context lines around full-text matches, 0-50")),
	)
	m.AddTool(searchTool, s.handleSearch)

	cachedTool := mcp.NewTool("get_cached_content",
		mcp.WithDescription("Retrieve a page of content previously parked behind a snippet_cache_handle"),
		mcp.WithString("cache_handle", mcp.Required(),
			mcp.Description("Handle returned by a previous search")),
		mcp.WithNumber("page", mcp.Description("Zero-based page number (default 0)")),
	)
	m.AddTool(cachedTool, s.handleCachedContent)

	regexTool := mcp.NewTool("regex_search",
		mcp.WithDescription("Scan repository working trees with a regular expression"),
		mcp.WithString("pattern", mcp.Required(), mcp.Description("Regular expression")),
		mcp.WithArray("repository_alias", mcp.Required(),
			mcp.Description("Repository aliases or glob patterns")),
		mcp.WithArray("include_patterns", mcp.Description("File globs to include; must be a list of strings")),
		mcp.WithArray("exclude_patterns", mcp.Description("File globs to exclude; must be a list of strings")),
		mcp.WithBoolean("case_sensitive", mcp.Description("Case-sensitive matching")),
		mcp.WithNumber("context_lines", mcp.Description("Context lines per match, 0-50")),
		mcp.WithNumber("limit", mcp.Description("Maximum matches (default 100)")),
	)
	m.AddTool(regexTool, s.handleRegexSearch)
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return toolError(err), nil
	}
	queryText, err := request.RequireString("query_text")
	if err != nil {
		return mcp.NewToolResultError("query_text is required"), nil
	}
	args := request.GetArguments()
	aliases, aErr := aliasesArg(args["repository_alias"])
	if aErr != nil {
		return toolError(aErr), nil
	}

	mode, pErr := search.ParseMode(request.GetString("search_mode", ""))
	if pErr != nil {
		return toolError(pErr), nil
	}
	accuracy, pErr := search.ParseAccuracy(request.GetString("accuracy", ""))
	if pErr != nil {
		return toolError(pErr), nil
	}
	aggregation, pErr := search.ParseAggregation(request.GetString("aggregation_mode", ""))
	if pErr != nil {
		return toolError(pErr), nil
	}
	format, pErr := search.ParseFormat(request.GetString("response_format", ""))
	if pErr != nil {
		return toolError(pErr), nil
	}
	excludes, pErr := service.NormalizePatterns("exclude_patterns", args["exclude_patterns"])
	if pErr != nil {
		return toolError(pErr), nil
	}
	extensions, pErr := service.NormalizePatterns("file_extensions", args["file_extensions"])
	if pErr != nil {
		return toolError(pErr), nil
	}
	timeRange, pErr := timeRangeArgs(request)
	if pErr != nil {
		return toolError(pErr), nil
	}

	q := search.Query{
		Text:            queryText,
		RepoAliases:     aliases,
		Mode:            mode,
		Limit:           request.GetInt("limit", 0),
		Aggregation:     aggregation,
		Format:          format,
		ExcludePatterns: excludes,
		Filters: search.Filters{
			Language:        request.GetString("language", ""),
			ExcludeLanguage: request.GetString("exclude_language", ""),
			PathFilter:      request.GetString("path_filter", ""),
			ExcludePath:     request.GetString("exclude_path", ""),
			FileExtensions:  extensions,
			MinScore:        request.GetFloat("min_score", 0),
			Accuracy:        accuracy,
			TimeRange:       timeRange,
			AtCommit:        request.GetString("at_commit", ""),
			Author:          request.GetString("author", ""),
			DiffType:        request.GetString("diff_type", ""),
			ShowEvolution:   request.GetBool("show_evolution", false),
			EvolutionLimit:  request.GetInt("evolution_limit", 0),
			CaseSensitive:   request.GetBool("case_sensitive", false),
			Fuzzy:           request.GetBool("fuzzy", false),
			EditDistance:    request.GetInt("edit_distance", 0),
			SnippetLines:    request.GetInt("snippet_lines", 0),
		},
	}

	resp, err := s.engine.Search(ctx, sess.EffectiveUser(), sess.ID(), q)
	if err != nil {
		return toolError(err), nil
	}
	s.status.RecordQuery()
	return toolJSON(resp), nil
}

func (s *Server) handleCachedContent(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return toolError(err), nil
	}
	handle, err := request.RequireString("cache_handle")
	if err != nil {
		return mcp.NewToolResultError("cache_handle is required"), nil
	}
	page, err := s.engine.CachedContent(sess.ID(), handle, request.GetInt("page", 0))
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(page), nil
}

func (s *Server) handleRegexSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return toolError(err), nil
	}
	pattern, err := request.RequireString("pattern")
	if err != nil {
		return mcp.NewToolResultError("pattern is required"), nil
	}
	args := request.GetArguments()
	aliases, aErr := aliasesArg(args["repository_alias"])
	if aErr != nil {
		return toolError(aErr), nil
	}
	include, pErr := service.NormalizePatterns("include_patterns", args["include_patterns"])
	if pErr != nil {
		return toolError(pErr), nil
	}
	exclude, pErr := service.NormalizePatterns("exclude_patterns", args["exclude_patterns"])
	if pErr != nil {
		return toolError(pErr), nil
	}

	resp, err := s.engine.RegexSearch(ctx, sess.EffectiveUser(), aliases, store.ScanOptions{
		Pattern:         pattern,
		IncludePatterns: include,
		ExcludePatterns: exclude,
		CaseSensitive:   request.GetBool("case_sensitive", false),
		ContextLines:    request.GetInt("context_lines", 0),
		Limit:           request.GetInt("limit", 0),
	})
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(resp), nil
}

// aliasesArg accepts a string or list of strings for repository_alias.
func aliasesArg(raw any) ([]string, error) {
	if s, ok := raw.(string); ok && s != "" {
		return []string{s}, nil
	}
	aliases, err := service.NormalizePatterns("repository_alias", raw)
	if err != nil {
		return nil, err
	}
	if len(aliases) == 0 {
		return nil, errs.New(errs.KindInvalidInput, "repository_alias is required")
	}
	return aliases, nil
}

func timeRangeArgs(request mcp.CallToolRequest) (search.TimeRange, error) {
	var tr search.TimeRange
	if v := request.GetString("time_range_start", ""); v != "" {
		t, err := parseRFC3339(v)
		if err != nil {
			return tr, errs.New(errs.KindInvalidInput, "time_range_start must be RFC3339")
		}
		tr.Since = t
	}
	if v := request.GetString("time_range_end", ""); v != "" {
		t, err := parseRFC3339(v)
		if err != nil {
			return tr, errs.New(errs.KindInvalidInput, "time_range_end must be RFC3339")
		}
		tr.Until = t
	}
	return tr, nil
}

func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// maxTime is the expiry of the anonymous public session, which never
// times out on its own.
func maxTime() time.Time {
	return time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
}
