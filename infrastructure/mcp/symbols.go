package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/lightspeed-dms/cidx/domain/scip"
)

// symbolTool describes one navigation tool backed by a symbol query
// kind.
type symbolTool struct {
	name        string
	kind        scip.QueryKind
	description string
}

var symbolTools = []symbolTool{
	{"find_definition", scip.QueryDefinition,
		"Find where a symbol is defined"},
	{"find_references", scip.QueryReferences,
		"Find every reference to a symbol"},
	{"find_dependencies", scip.QueryDependencies,
		"List the symbols a symbol depends on (outgoing edges)"},
	{"find_dependents", scip.QueryDependents,
		"List the symbols that depend on a symbol (incoming edges)"},
	{"impact_analysis", scip.QueryImpact,
		"Transitively trace everything affected by changing a symbol"},
	{"call_chain", scip.QueryCallChain,
		"Trace transitive call paths from a symbol"},
	{"symbol_context", scip.QueryContext,
		"Show a symbol's definition together with its surrounding file context"},
}

func (s *Server) registerSymbolTools(m *server.MCPServer) {
	for _, st := range symbolTools {
		st := st
		tool := mcp.NewTool(st.name,
			mcp.WithDescription(st.description),
			mcp.WithString("symbol", mcp.Required(),
				mcp.Description("Symbol name; substring match unless exact is set")),
			mcp.WithString("repository_alias", mcp.Required(),
				mcp.Description("One repository alias (no globs)")),
			mcp.WithBoolean("exact", mcp.Description("Require an exact name match")),
			mcp.WithNumber("depth", mcp.Description("Traversal depth for transitive queries (default 3)")),
			mcp.WithNumber("limit", mcp.Description("Maximum results (default 50)")),
		)
		m.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return s.handleSymbolQuery(ctx, request, st.kind)
		})
	}
}

func (s *Server) handleSymbolQuery(ctx context.Context, request mcp.CallToolRequest, kind scip.QueryKind) (*mcp.CallToolResult, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return toolError(err), nil
	}
	symbol, err := request.RequireString("symbol")
	if err != nil {
		return mcp.NewToolResultError("symbol is required"), nil
	}
	alias, err := request.RequireString("repository_alias")
	if err != nil {
		return mcp.NewToolResultError("repository_alias is required"), nil
	}

	occurrences, err := s.navigator.SymbolQuery(ctx, sess.EffectiveUser(), alias, scip.Query{
		Kind:   kind,
		Symbol: symbol,
		Exact:  request.GetBool("exact", false),
		Depth:  request.GetInt("depth", 0),
		Limit:  request.GetInt("limit", 0),
	})
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(map[string]any{
		"query":   string(kind),
		"symbol":  symbol,
		"results": occurrences,
		"count":   len(occurrences),
	}), nil
}
