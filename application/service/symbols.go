package service

import (
	"regexp"
	"strings"

	"github.com/lightspeed-dms/cidx/domain/scip"
)

// Symbol extraction is a lightweight, regex-driven pass that feeds the
// per-repo symbol database when no external SCIP indexer output is
// available. It covers definitions, import edges, and call edges
// between symbols defined in the same repository.

type symbolPattern struct {
	re   *regexp.Regexp
	kind scip.SymbolKind
}

var languagePatterns = map[string][]symbolPattern{
	"go": {
		{regexp.MustCompile(`(?m)^func\s+\(\s*\w+\s+\*?(\w+)\s*\)\s+(\w+)\s*\(`), scip.KindMethod},
		{regexp.MustCompile(`(?m)^func\s+(\w+)\s*\(`), scip.KindFunction},
		{regexp.MustCompile(`(?m)^type\s+(\w+)\s+interface\b`), scip.KindInterface},
		{regexp.MustCompile(`(?m)^type\s+(\w+)\s+struct\b`), scip.KindClass},
		{regexp.MustCompile(`(?m)^type\s+(\w+)\b`), scip.KindClass},
		{regexp.MustCompile(`(?m)^const\s+(\w+)\b`), scip.KindConstant},
		{regexp.MustCompile(`(?m)^var\s+(\w+)\b`), scip.KindVariable},
	},
	"python": {
		{regexp.MustCompile(`(?m)^\s*def\s+(\w+)\s*\(`), scip.KindFunction},
		{regexp.MustCompile(`(?m)^\s*class\s+(\w+)\b`), scip.KindClass},
	},
	"javascript": {
		{regexp.MustCompile(`(?m)^\s*function\s+(\w+)\s*\(`), scip.KindFunction},
		{regexp.MustCompile(`(?m)^\s*class\s+(\w+)\b`), scip.KindClass},
		{regexp.MustCompile(`(?m)^\s*(?:export\s+)?const\s+(\w+)\s*=\s*(?:async\s+)?\(`), scip.KindFunction},
	},
	"typescript": {
		{regexp.MustCompile(`(?m)^\s*(?:export\s+)?function\s+(\w+)\s*\(`), scip.KindFunction},
		{regexp.MustCompile(`(?m)^\s*(?:export\s+)?class\s+(\w+)\b`), scip.KindClass},
		{regexp.MustCompile(`(?m)^\s*(?:export\s+)?interface\s+(\w+)\b`), scip.KindInterface},
	},
	"java": {
		{regexp.MustCompile(`(?m)^\s*(?:public|private|protected)?\s*class\s+(\w+)\b`), scip.KindClass},
		{regexp.MustCompile(`(?m)^\s*(?:public|private|protected)?\s*interface\s+(\w+)\b`), scip.KindInterface},
	},
	"rust": {
		{regexp.MustCompile(`(?m)^\s*(?:pub\s+)?fn\s+(\w+)\s*\(`), scip.KindFunction},
		{regexp.MustCompile(`(?m)^\s*(?:pub\s+)?struct\s+(\w+)\b`), scip.KindClass},
		{regexp.MustCompile(`(?m)^\s*(?:pub\s+)?trait\s+(\w+)\b`), scip.KindInterface},
	},
}

var importPatterns = map[string]*regexp.Regexp{
	"go":         regexp.MustCompile(`(?m)^\s*(?:\w+\s+)?"([^"]+)"`),
	"python":     regexp.MustCompile(`(?m)^\s*(?:from\s+([\w.]+)\s+import|import\s+([\w.]+))`),
	"javascript": regexp.MustCompile(`(?m)from\s+['"]([^'"]+)['"]|require\(['"]([^'"]+)['"]\)`),
	"typescript": regexp.MustCompile(`(?m)from\s+['"]([^'"]+)['"]`),
}

// ExtractSymbols parses one file into symbol definitions.
func ExtractSymbols(path, content string) []scip.Symbol {
	lang := DetectLanguage(path)
	patterns, ok := languagePatterns[lang]
	if !ok {
		return nil
	}

	var symbols []scip.Symbol
	seen := map[string]bool{}
	for _, p := range patterns {
		for _, m := range p.re.FindAllStringSubmatchIndex(content, -1) {
			name, col := submatchName(content, m)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			symbols = append(symbols, scip.Symbol{
				Name:   name,
				File:   path,
				Line:   1 + strings.Count(content[:m[0]], "\n"),
				Column: col,
				Kind:   p.kind,
			})
		}
	}
	return symbols
}

// submatchName returns the last non-empty capture group and its column
// on the line. Method patterns capture (receiver, name); the name is
// the last group.
func submatchName(content string, m []int) (string, int) {
	for i := len(m) - 2; i >= 2; i -= 2 {
		if m[i] < 0 {
			continue
		}
		name := content[m[i]:m[i+1]]
		lineStart := strings.LastIndexByte(content[:m[i]], '\n') + 1
		return name, m[i] - lineStart + 1
	}
	return "", 0
}

var callRegex = regexp.MustCompile(`(\w+)\s*\(`)

// ExtractEdges derives import and call edges for one file. Call edges
// only connect to names in defined, the repository-wide symbol set, to
// keep the graph from filling with stdlib noise.
func ExtractEdges(path, content string, fileSymbols []scip.Symbol, defined map[string]bool) []scip.Edge {
	var edges []scip.Edge
	lang := DetectLanguage(path)

	if re, ok := importPatterns[lang]; ok {
		for _, m := range re.FindAllStringSubmatchIndex(content, -1) {
			target, _ := submatchName(content, m)
			if target == "" {
				continue
			}
			edges = append(edges, scip.Edge{
				From: path,
				To:   target,
				Kind: scip.EdgeImports,
				File: path,
				Line: 1 + strings.Count(content[:m[0]], "\n"),
			})
		}
	}

	enclosing := enclosingSymbolFunc(fileSymbols)
	for _, m := range callRegex.FindAllStringSubmatchIndex(content, -1) {
		callee := content[m[2]:m[3]]
		if !defined[callee] {
			continue
		}
		line := 1 + strings.Count(content[:m[0]], "\n")
		caller := enclosing(line)
		if caller == "" || caller == callee {
			continue
		}
		edges = append(edges, scip.Edge{
			From: caller,
			To:   callee,
			Kind: scip.EdgeCalls,
			File: path,
			Line: line,
		})
	}
	return edges
}

// enclosingSymbolFunc returns a lookup from line number to the nearest
// preceding symbol definition in the file.
func enclosingSymbolFunc(symbols []scip.Symbol) func(line int) string {
	return func(line int) string {
		best := ""
		bestLine := -1
		for _, s := range symbols {
			if s.Kind != scip.KindFunction && s.Kind != scip.KindMethod {
				continue
			}
			if s.Line <= line && s.Line > bestLine {
				best = s.Name
				bestLine = s.Line
			}
		}
		return best
	}
}
