package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightspeed-dms/cidx/application/service"
	"github.com/lightspeed-dms/cidx/domain/repo"
	"github.com/lightspeed-dms/cidx/infrastructure/git"
	"github.com/lightspeed-dms/cidx/infrastructure/persistence"
	"github.com/lightspeed-dms/cidx/internal/database"
)

type allowAll struct{}

func (allowAll) CanAccess(context.Context, string, string) (bool, error) { return true, nil }

// newGitToolServer stands up a public MCP server over two single-commit
// golden repositories.
func newGitToolServer(t *testing.T) *Server {
	t.Helper()
	db, err := database.NewMemory()
	require.NoError(t, err)
	require.NoError(t, db.Migrate(persistence.Models()...))
	t.Cleanup(func() { _ = db.Close() })

	repos := persistence.NewRepositoryStore(&db)
	activated := persistence.NewActivatedStore(&db)
	indexes := service.NewIndexManager(t.TempDir(), nil, nil)
	t.Cleanup(indexes.CloseAll)

	ctx := context.Background()
	for _, name := range []string{"backend", "frontend"} {
		clonePath := t.TempDir()
		r, err := gogit.PlainInit(clonePath, false)
		require.NoError(t, err)
		wt, err := r.Worktree()
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(clonePath, "main.go"), []byte("package main\n"), 0o644))
		_, err = wt.Add("main.go")
		require.NoError(t, err)
		_, err = wt.Commit("add entrypoint", &gogit.CommitOptions{
			Author: &object.Signature{Name: "alice", Email: "alice@example.com", When: time.Now()},
		})
		require.NoError(t, err)
		_, err = repos.Save(ctx, repo.NewRepository(name, "https://git.example.com/"+name+".git", "main", clonePath))
		require.NoError(t, err)
	}

	nav := service.NewNavigator(repos, activated, allowAll{}, indexes, git.NewAdapter(nil))
	return NewServer(nil, nav, nil, "test", true, nil)
}

func callArgs(args map[string]any) mcp.CallToolRequest {
	var request mcp.CallToolRequest
	request.Params.Arguments = args
	return request
}

func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError)
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &body))
	return body
}

func TestGitLogSingleAliasKeepsFlatShape(t *testing.T) {
	s := newGitToolServer(t)

	result, err := s.handleGitLog(context.Background(), callArgs(map[string]any{
		"repository_alias": "backend-global",
	}))
	require.NoError(t, err)

	body := resultJSON(t, result)
	assert.Equal(t, float64(1), body["count"])
	assert.NotContains(t, body, "results_by_repo")
}

func TestGitLogFansOutOverAliasList(t *testing.T) {
	s := newGitToolServer(t)

	result, err := s.handleGitLog(context.Background(), callArgs(map[string]any{
		"repository_alias": []any{"backend-global", "frontend-global"},
	}))
	require.NoError(t, err)

	body := resultJSON(t, result)
	byRepo, ok := body["results_by_repo"].(map[string]any)
	require.True(t, ok)
	require.Len(t, byRepo, 2)
	for _, alias := range []string{"backend-global", "frontend-global"} {
		repoBody, ok := byRepo[alias].(map[string]any)
		require.True(t, ok, alias)
		assert.Equal(t, float64(1), repoBody["count"])
	}
}

func TestGitSearchCommitsExpandsWildcard(t *testing.T) {
	s := newGitToolServer(t)

	result, err := s.handleGitSearchCommits(context.Background(), callArgs(map[string]any{
		"repository_alias": []any{"*"},
		"pattern":          "entrypoint",
	}))
	require.NoError(t, err)

	body := resultJSON(t, result)
	byRepo, ok := body["results_by_repo"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, byRepo, 2)
}

func TestGitLogReportsUnknownAliasPerRepo(t *testing.T) {
	s := newGitToolServer(t)

	result, err := s.handleGitLog(context.Background(), callArgs(map[string]any{
		"repository_alias": []any{"backend-global", "ghost-global"},
	}))
	require.NoError(t, err)

	body := resultJSON(t, result)
	byRepo, ok := body["results_by_repo"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, byRepo, 1)
	errsList, ok := body["errors"].([]any)
	require.True(t, ok)
	require.Len(t, errsList, 1)
	first, ok := errsList[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ghost-global", first["repo"])
}
