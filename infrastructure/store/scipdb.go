package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/gorm"

	"github.com/lightspeed-dms/cidx/domain/scip"
	"github.com/lightspeed-dms/cidx/internal/database"
	"github.com/lightspeed-dms/cidx/internal/errs"
)

const (
	defaultTraversalDepth = 3
	defaultSCIPLimit      = 50
)

// SCIPSymbolModel is the GORM model for symbol definitions.
type SCIPSymbolModel struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name    string `gorm:"column:name;index"`
	Project string `gorm:"column:project;index"`
	File    string `gorm:"column:file"`
	Line    int    `gorm:"column:line"`
	Column  int    `gorm:"column:col"`
	Kind    string `gorm:"column:kind"`
}

// TableName implements the GORM table name convention.
func (SCIPSymbolModel) TableName() string { return "scip_symbols" }

// SCIPEdgeModel is the GORM model for typed symbol relationships.
type SCIPEdgeModel struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	FromSymbol string `gorm:"column:from_symbol;index"`
	ToSymbol   string `gorm:"column:to_symbol;index"`
	Project    string `gorm:"column:project;index"`
	Kind       string `gorm:"column:kind"`
	File       string `gorm:"column:file"`
	Line       int    `gorm:"column:line"`
}

// TableName implements the GORM table name convention.
func (SCIPEdgeModel) TableName() string { return "scip_edges" }

type scipMapper struct{}

func (scipMapper) toOccurrence(m SCIPSymbolModel) scip.Occurrence {
	return scip.Occurrence{
		Symbol:  m.Name,
		Project: m.Project,
		File:    m.File,
		Line:    m.Line,
		Column:  m.Column,
		Kind:    scip.SymbolKind(m.Kind),
	}
}

func (scipMapper) toSymbolModel(project string, s scip.Symbol) SCIPSymbolModel {
	return SCIPSymbolModel{
		Name:    s.Name,
		Project: project,
		File:    s.File,
		Line:    s.Line,
		Column:  s.Column,
		Kind:    string(s.Kind),
	}
}

func (scipMapper) toEdgeModel(project string, e scip.Edge) SCIPEdgeModel {
	return SCIPEdgeModel{
		FromSymbol: e.From,
		ToSymbol:   e.To,
		Project:    project,
		Kind:       string(e.Kind),
		File:       e.File,
		Line:       e.Line,
	}
}

// SCIPDatabase answers symbol navigation queries from a per-repository
// SQLite database.
type SCIPDatabase struct {
	db     database.Database
	mapper scipMapper
}

// OpenSCIPDatabase opens (creating if needed) the symbol database file.
func OpenSCIPDatabase(path string) (*SCIPDatabase, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create scip directory: %w", err)
	}
	db, err := database.New("sqlite://" + path)
	if err != nil {
		return nil, fmt.Errorf("open scip database: %w", err)
	}
	if err := db.Migrate(&SCIPSymbolModel{}, &SCIPEdgeModel{}); err != nil {
		return nil, fmt.Errorf("migrate scip schema: %w", err)
	}
	return &SCIPDatabase{db: db}, nil
}

// ImportDocument ingests one parsed SCIP document.
func (s *SCIPDatabase) ImportDocument(ctx context.Context, doc scip.Document) error {
	return s.db.Session(ctx).Transaction(func(tx *gorm.DB) error {
		for _, sym := range doc.Symbols {
			model := s.mapper.toSymbolModel(doc.Project, sym)
			if err := tx.Create(&model).Error; err != nil {
				return fmt.Errorf("insert symbol %s: %w", sym.Name, err)
			}
		}
		for _, edge := range doc.Edges {
			model := s.mapper.toEdgeModel(doc.Project, edge)
			if err := tx.Create(&model).Error; err != nil {
				return fmt.Errorf("insert edge %s->%s: %w", edge.From, edge.To, err)
			}
		}
		return nil
	})
}

// Clear removes all symbols and edges for a project.
func (s *SCIPDatabase) Clear(ctx context.Context, project string) error {
	return s.db.Session(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project = ?", project).Delete(&SCIPSymbolModel{}).Error; err != nil {
			return err
		}
		return tx.Where("project = ?", project).Delete(&SCIPEdgeModel{}).Error
	})
}

// Count returns the number of stored symbol definitions.
func (s *SCIPDatabase) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.Session(ctx).Model(&SCIPSymbolModel{}).Count(&n).Error
	return n, err
}

// Query answers one navigation request.
func (s *SCIPDatabase) Query(ctx context.Context, q scip.Query) ([]scip.Occurrence, error) {
	if q.Symbol == "" {
		return nil, errs.New(errs.KindInvalidInput, "symbol is required")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultSCIPLimit
	}
	depth := q.Depth
	if depth <= 0 {
		depth = defaultTraversalDepth
	}

	switch q.Kind {
	case scip.QueryDefinition:
		return s.definitions(ctx, q.Symbol, q.Exact, limit)
	case scip.QueryReferences:
		return s.related(ctx, q.Symbol, q.Exact, limit, "to_symbol", scip.EdgeReferences)
	case scip.QueryDependencies:
		return s.neighbors(ctx, q.Symbol, q.Exact, limit, true)
	case scip.QueryDependents:
		return s.neighbors(ctx, q.Symbol, q.Exact, limit, false)
	case scip.QueryImpact:
		return s.traverse(ctx, q.Symbol, q.Exact, limit, depth, false)
	case scip.QueryCallChain:
		return s.traverse(ctx, q.Symbol, q.Exact, limit, depth, true)
	case scip.QueryContext:
		return s.contextOf(ctx, q.Symbol, q.Exact, limit)
	default:
		return nil, errs.Newf(errs.KindInvalidInput, "unknown symbol query kind %q", q.Kind)
	}
}

// likeEscape makes escapeLike's backslashes effective; SQLite LIKE has
// no escape character unless one is declared.
const likeEscape = ` ESCAPE '\'`

func nameCondition(exact bool) string {
	if exact {
		return "name = ?"
	}
	return "name LIKE ?" + likeEscape
}

func nameArg(symbol string, exact bool) string {
	if exact {
		return symbol
	}
	return "%" + escapeLike(symbol) + "%"
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func (s *SCIPDatabase) definitions(ctx context.Context, symbol string, exact bool, limit int) ([]scip.Occurrence, error) {
	var models []SCIPSymbolModel
	err := s.db.Session(ctx).
		Where(nameCondition(exact), nameArg(symbol, exact)).
		Order("name, file, line").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("query definitions: %w", err)
	}
	out := make([]scip.Occurrence, 0, len(models))
	for _, m := range models {
		out = append(out, s.mapper.toOccurrence(m))
	}
	return out, nil
}

// related returns edges of one kind touching the symbol on the given
// column ("to_symbol" finds incoming references).
func (s *SCIPDatabase) related(ctx context.Context, symbol string, exact bool, limit int,
	column string, kind scip.EdgeKind) ([]scip.Occurrence, error) {
	cond := column + " = ?"
	arg := symbol
	if !exact {
		cond = column + " LIKE ?" + likeEscape
		arg = "%" + escapeLike(symbol) + "%"
	}
	var edges []SCIPEdgeModel
	err := s.db.Session(ctx).
		Where(cond, arg).
		Where("kind = ?", string(kind)).
		Order("file, line").
		Limit(limit).
		Find(&edges).Error
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	out := make([]scip.Occurrence, 0, len(edges))
	for _, e := range edges {
		out = append(out, scip.Occurrence{
			Symbol:       e.FromSymbol,
			Project:      e.Project,
			File:         e.File,
			Line:         e.Line,
			Relationship: scip.EdgeKind(e.Kind),
			Context:      e.ToSymbol,
		})
	}
	return out, nil
}

// neighbors returns the direct edge neighborhood of a symbol. Outgoing
// edges are its dependencies; incoming edges its dependents.
func (s *SCIPDatabase) neighbors(ctx context.Context, symbol string, exact bool, limit int, outgoing bool) ([]scip.Occurrence, error) {
	matchCol, reportCol := "from_symbol", "to_symbol"
	if !outgoing {
		matchCol, reportCol = "to_symbol", "from_symbol"
	}
	cond := matchCol + " = ?"
	arg := symbol
	if !exact {
		cond = matchCol + " LIKE ?" + likeEscape
		arg = "%" + escapeLike(symbol) + "%"
	}
	var edges []SCIPEdgeModel
	err := s.db.Session(ctx).
		Where(cond, arg).
		Order("file, line").
		Limit(limit).
		Find(&edges).Error
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	out := make([]scip.Occurrence, 0, len(edges))
	for _, e := range edges {
		name := e.ToSymbol
		if reportCol == "from_symbol" {
			name = e.FromSymbol
		}
		out = append(out, scip.Occurrence{
			Symbol:       name,
			Project:      e.Project,
			File:         e.File,
			Line:         e.Line,
			Relationship: scip.EdgeKind(e.Kind),
		})
	}
	return out, nil
}

// traverse walks the edge graph breadth-first up to depth levels.
// callsOnly restricts the walk to call edges (callchain); otherwise all
// incoming edges count (impact analysis).
func (s *SCIPDatabase) traverse(ctx context.Context, symbol string, exact bool, limit, depth int, callsOnly bool) ([]scip.Occurrence, error) {
	seeds, err := s.resolveNames(ctx, symbol, exact)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{}
	for _, seed := range seeds {
		visited[seed] = true
	}
	frontier := seeds
	var out []scip.Occurrence

	for level := 0; level < depth && len(frontier) > 0 && len(out) < limit; level++ {
		query := s.db.Session(ctx).Where("to_symbol IN ?", frontier)
		if callsOnly {
			query = query.Where("kind = ?", string(scip.EdgeCalls))
		}
		var edges []SCIPEdgeModel
		if err := query.Order("file, line").Find(&edges).Error; err != nil {
			return nil, fmt.Errorf("traverse edges: %w", err)
		}

		var next []string
		for _, e := range edges {
			if visited[e.FromSymbol] {
				continue
			}
			visited[e.FromSymbol] = true
			next = append(next, e.FromSymbol)
			out = append(out, scip.Occurrence{
				Symbol:       e.FromSymbol,
				Project:      e.Project,
				File:         e.File,
				Line:         e.Line,
				Relationship: scip.EdgeKind(e.Kind),
				Context:      e.ToSymbol,
			})
			if len(out) >= limit {
				break
			}
		}
		frontier = next
	}
	return out, nil
}

// resolveNames expands a possibly fuzzy symbol into concrete names.
func (s *SCIPDatabase) resolveNames(ctx context.Context, symbol string, exact bool) ([]string, error) {
	if exact {
		return []string{symbol}, nil
	}
	var names []string
	err := s.db.Session(ctx).
		Model(&SCIPSymbolModel{}).
		Distinct("name").
		Where("name LIKE ?"+likeEscape, "%"+escapeLike(symbol)+"%").
		Limit(defaultSCIPLimit).
		Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("resolve symbol names: %w", err)
	}
	if len(names) == 0 {
		names = []string{symbol}
	}
	return names, nil
}

// contextOf returns the definition plus the other symbols defined in
// the same file, which is what a reader needs to orient around a hit.
func (s *SCIPDatabase) contextOf(ctx context.Context, symbol string, exact bool, limit int) ([]scip.Occurrence, error) {
	defs, err := s.definitions(ctx, symbol, exact, 1)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, errs.Newf(errs.KindNotFound, "symbol %q not found", symbol)
	}
	def := defs[0]

	var models []SCIPSymbolModel
	err = s.db.Session(ctx).
		Where("file = ? AND project = ?", def.File, def.Project).
		Order("line").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("query file context: %w", err)
	}
	out := []scip.Occurrence{def}
	for _, m := range models {
		if m.Name == def.Symbol && m.Line == def.Line {
			continue
		}
		occ := s.mapper.toOccurrence(m)
		occ.Context = def.File
		out = append(out, occ)
	}
	return out, nil
}

// Close closes the underlying database file.
func (s *SCIPDatabase) Close() error {
	return s.db.Close()
}

var _ scip.Database = (*SCIPDatabase)(nil)
