package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lightspeed-dms/cidx/domain/search"
	"github.com/lightspeed-dms/cidx/infrastructure/git"
)

func (s *Server) registerGitTools(m *server.MCPServer) {
	repoArg := func() mcp.ToolOption {
		return mcp.WithArray("repository_alias", mcp.Required(),
			mcp.Description("Repository aliases or glob patterns; a single alias may be passed as a plain string"))
	}

	m.AddTool(mcp.NewTool("git_log",
		mcp.WithDescription("List commits, newest first"),
		repoArg(),
		mcp.WithNumber("max_count", mcp.Description("Maximum commits (default 50)")),
		mcp.WithString("author", mcp.Description("Filter by author substring")),
		mcp.WithString("path", mcp.Description("Only commits touching this path")),
	), s.handleGitLog)

	m.AddTool(mcp.NewTool("git_show",
		mcp.WithDescription("Show one commit's metadata, file stats and optionally its patch"),
		repoArg(),
		mcp.WithString("sha", mcp.Required(), mcp.Description("Commit SHA or revision")),
		mcp.WithBoolean("include_patch", mcp.Description("Include the full patch text")),
	), s.handleGitShow)

	m.AddTool(mcp.NewTool("git_diff",
		mcp.WithDescription("Diff two revisions, optionally narrowed to one path"),
		repoArg(),
		mcp.WithString("from_rev", mcp.Required(), mcp.Description("Base revision")),
		mcp.WithString("to_rev", mcp.Required(), mcp.Description("Target revision")),
		mcp.WithString("path", mcp.Description("Restrict the diff to one file path")),
	), s.handleGitDiff)

	m.AddTool(mcp.NewTool("git_blame",
		mcp.WithDescription("Per-line authorship for a file at a revision"),
		repoArg(),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path")),
		mcp.WithString("rev", mcp.Description("Revision (default HEAD)")),
	), s.handleGitBlame)

	m.AddTool(mcp.NewTool("git_file_history",
		mcp.WithDescription("Commits that touched a file, newest first"),
		repoArg(),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path")),
		mcp.WithNumber("max_count", mcp.Description("Maximum commits (default 50)")),
	), s.handleGitFileHistory)

	m.AddTool(mcp.NewTool("git_file_at_revision",
		mcp.WithDescription("A file's full content at a revision"),
		repoArg(),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path")),
		mcp.WithString("rev", mcp.Required(), mcp.Description("Revision")),
	), s.handleGitFileAtRevision)

	m.AddTool(mcp.NewTool("git_search_commits",
		mcp.WithDescription("Find commits whose message matches a pattern (case-insensitive regex)"),
		repoArg(),
		mcp.WithString("pattern", mcp.Required(), mcp.Description("Regular expression")),
		mcp.WithNumber("max_count", mcp.Description("Maximum commits (default 50)")),
	), s.handleGitSearchCommits)

	m.AddTool(mcp.NewTool("git_search_diffs",
		mcp.WithDescription("Find commits whose patches contain a pattern"),
		repoArg(),
		mcp.WithString("pattern", mcp.Required(), mcp.Description("Regular expression matched against added and removed lines")),
		mcp.WithNumber("max_count", mcp.Description("Maximum commits scanned (default 50)")),
	), s.handleGitSearchDiffs)
}

// gitTargets extracts the identity and expands the alias list every
// git tool accepts. Glob entries fan out the same way search targets
// do.
func (s *Server) gitTargets(ctx context.Context, request mcp.CallToolRequest) (string, []string, []search.RepoError, *mcp.CallToolResult) {
	sess, err := s.session(ctx)
	if err != nil {
		return "", nil, nil, toolError(err)
	}
	aliases, err := aliasesArg(request.GetArguments()["repository_alias"])
	if err != nil {
		return "", nil, nil, toolError(err)
	}
	username := sess.EffectiveUser()
	resolved, repoErrors, err := s.navigator.ExpandAliases(ctx, username, aliases)
	if err != nil {
		return "", nil, nil, toolError(err)
	}
	if len(resolved) == 0 {
		if len(repoErrors) > 0 {
			return "", nil, nil, mcp.NewToolResultError("no accessible repositories: " + repoErrors[0].Reason)
		}
		return "", nil, nil, mcp.NewToolResultError("repository_alias resolved to no repositories")
	}
	return username, resolved, repoErrors, nil
}

// runGitTool executes one git query per resolved repository. A single
// clean target keeps the flat response shape; otherwise results are
// grouped by repository with per-repository errors alongside.
func runGitTool(aliases []string, repoErrors []search.RepoError,
	run func(alias string) (any, error)) *mcp.CallToolResult {

	if len(aliases) == 1 && len(repoErrors) == 0 {
		out, err := run(aliases[0])
		if err != nil {
			return toolError(err)
		}
		return toolJSON(out)
	}

	byRepo := make(map[string]any, len(aliases))
	for _, alias := range aliases {
		out, err := run(alias)
		if err != nil {
			repoErrors = append(repoErrors, search.RepoError{Repo: alias, Reason: err.Error()})
			continue
		}
		byRepo[alias] = out
	}
	return toolJSON(map[string]any{"results_by_repo": byRepo, "errors": repoErrors})
}

func (s *Server) handleGitLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	username, aliases, repoErrors, errResult := s.gitTargets(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	opts := git.LogOptions{
		MaxCount: request.GetInt("max_count", 0),
		Author:   request.GetString("author", ""),
		Path:     request.GetString("path", ""),
	}
	return runGitTool(aliases, repoErrors, func(alias string) (any, error) {
		commits, err := s.navigator.Log(ctx, username, alias, opts)
		if err != nil {
			return nil, err
		}
		return map[string]any{"commits": commits, "count": len(commits)}, nil
	}), nil
}

func (s *Server) handleGitShow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	username, aliases, repoErrors, errResult := s.gitTargets(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	sha, err := request.RequireString("sha")
	if err != nil {
		return mcp.NewToolResultError("sha is required"), nil
	}
	includePatch := request.GetBool("include_patch", false)
	return runGitTool(aliases, repoErrors, func(alias string) (any, error) {
		return s.navigator.ShowCommit(ctx, username, alias, sha, includePatch)
	}), nil
}

func (s *Server) handleGitDiff(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	username, aliases, repoErrors, errResult := s.gitTargets(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	fromRev, err := request.RequireString("from_rev")
	if err != nil {
		return mcp.NewToolResultError("from_rev is required"), nil
	}
	toRev, err := request.RequireString("to_rev")
	if err != nil {
		return mcp.NewToolResultError("to_rev is required"), nil
	}
	path := request.GetString("path", "")
	return runGitTool(aliases, repoErrors, func(alias string) (any, error) {
		patch, err := s.navigator.Diff(ctx, username, alias, fromRev, toRev, path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"patch": patch}, nil
	}), nil
}

func (s *Server) handleGitBlame(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	username, aliases, repoErrors, errResult := s.gitTargets(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path is required"), nil
	}
	rev := request.GetString("rev", "")
	return runGitTool(aliases, repoErrors, func(alias string) (any, error) {
		lines, err := s.navigator.Blame(ctx, username, alias, rev, path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"lines": lines, "count": len(lines)}, nil
	}), nil
}

func (s *Server) handleGitFileHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	username, aliases, repoErrors, errResult := s.gitTargets(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path is required"), nil
	}
	maxCount := request.GetInt("max_count", 0)
	return runGitTool(aliases, repoErrors, func(alias string) (any, error) {
		commits, err := s.navigator.FileHistory(ctx, username, alias, path, maxCount)
		if err != nil {
			return nil, err
		}
		return map[string]any{"commits": commits, "count": len(commits)}, nil
	}), nil
}

func (s *Server) handleGitFileAtRevision(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	username, aliases, repoErrors, errResult := s.gitTargets(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path is required"), nil
	}
	rev, err := request.RequireString("rev")
	if err != nil {
		return mcp.NewToolResultError("rev is required"), nil
	}
	return runGitTool(aliases, repoErrors, func(alias string) (any, error) {
		content, err := s.navigator.FileAtRevision(ctx, username, alias, rev, path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "rev": rev, "content": content}, nil
	}), nil
}

func (s *Server) handleGitSearchCommits(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	username, aliases, repoErrors, errResult := s.gitTargets(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	pattern, err := request.RequireString("pattern")
	if err != nil {
		return mcp.NewToolResultError("pattern is required"), nil
	}
	opts := git.LogOptions{MaxCount: request.GetInt("max_count", 0)}
	return runGitTool(aliases, repoErrors, func(alias string) (any, error) {
		commits, err := s.navigator.SearchCommits(ctx, username, alias, pattern, opts)
		if err != nil {
			return nil, err
		}
		return map[string]any{"commits": commits, "count": len(commits)}, nil
	}), nil
}

func (s *Server) handleGitSearchDiffs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	username, aliases, repoErrors, errResult := s.gitTargets(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	pattern, err := request.RequireString("pattern")
	if err != nil {
		return mcp.NewToolResultError("pattern is required"), nil
	}
	opts := git.LogOptions{MaxCount: request.GetInt("max_count", 0)}
	return runGitTool(aliases, repoErrors, func(alias string) (any, error) {
		matches, err := s.navigator.SearchDiffs(ctx, username, alias, pattern, opts)
		if err != nil {
			return nil, err
		}
		return map[string]any{"matches": matches, "count": len(matches)}, nil
	}), nil
}
