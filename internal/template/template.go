// Package template compiles CUE board templates into kanban actions.
//
// A template lists columns in order, each with a WIP limit and optional
// starting cards:
//
//	name: "basic"
//	columns: [
//		{name: "Todo", wip: 5, cards: ["First card"]},
//		{name: "Done", wip: 100},
//	]
//
// Seeding an aggregate dispatches the compiled actions one by one, so a
// seeded board has an ordinary applied log.
package template

import (
	"embed"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/tandem/internal/domain"
	"github.com/roach88/tandem/internal/kanban"
)

//go:embed schema.cue
var schemaSrc string

//go:embed builtin/*.cue
var builtins embed.FS

// Column is one compiled template column.
type Column struct {
	Name  string   `json:"name"`
	WIP   int      `json:"wip"`
	Cards []string `json:"cards"`
}

// Template is a compiled board template.
type Template struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Columns     []Column `json:"columns"`
}

// CompileError is a template problem with its CUE position when known.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Load compiles the template file at path.
func Load(path string) (*Template, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	return Compile(path, src)
}

// Builtin compiles a template shipped with the binary.
func Builtin(name string) (*Template, error) {
	src, err := builtins.ReadFile(path.Join("builtin", name+".cue"))
	if err != nil {
		return nil, fmt.Errorf("unknown builtin template %q (have %s)", name, strings.Join(BuiltinNames(), ", "))
	}
	return Compile(name+".cue", src)
}

// BuiltinNames lists the builtin templates in sorted order.
func BuiltinNames() []string {
	entries, _ := builtins.ReadDir("builtin")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".cue"))
	}
	sort.Strings(names)
	return names
}

// Compile checks src against the template schema and decodes it. The
// compiled actions are replayed against an empty board, so a template that
// compiles always seeds cleanly.
func Compile(filename string, src []byte) (*Template, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	v = schema.LookupPath(cue.ParsePath("#Template")).Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	var t Template
	if err := v.Decode(&t); err != nil {
		return nil, formatCUEError(err)
	}
	if t.Name == "" {
		t.Name = strings.TrimSuffix(path.Base(filename), ".cue")
	}

	colsVal := v.LookupPath(cue.ParsePath("columns"))
	seen := make(map[string]bool, len(t.Columns))
	for i, c := range t.Columns {
		pos := colsVal.LookupPath(cue.MakePath(cue.Index(i))).Pos()
		if seen[c.Name] {
			return nil, &CompileError{Field: fmt.Sprintf("columns[%d].name", i), Message: fmt.Sprintf("duplicate column %q", c.Name), Pos: pos}
		}
		seen[c.Name] = true
		if len(c.Cards) > c.WIP {
			return nil, &CompileError{Field: fmt.Sprintf("columns[%d].cards", i), Message: fmt.Sprintf("%d cards exceed wip %d", len(c.Cards), c.WIP), Pos: pos}
		}
	}

	if _, err := t.Apply(kanban.Empty()); err != nil {
		return nil, &CompileError{Field: "columns", Message: err.Error()}
	}
	return &t, nil
}

// Actions returns the columns in order followed by each column's cards.
func (t *Template) Actions() []kanban.Action {
	var out []kanban.Action
	for _, c := range t.Columns {
		out = append(out, kanban.AddColumn{Col: c.Name, Limit: c.WIP})
	}
	for _, c := range t.Columns {
		for _, title := range c.Cards {
			out = append(out, kanban.AddCard{Col: c.Name, Title: title})
		}
	}
	return out
}

// Apply folds the template's actions over m.
func (t *Template) Apply(m kanban.Model) (kanban.Model, error) {
	return domain.ApplyAll(kanban.Domain, m, t.Actions())
}

// ColumnNames returns the column names in order.
func (t *Template) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

func formatCUEError(err error) error {
	ce := &CompileError{Field: "cue", Message: err.Error()}
	if errs := cueerrors.Errors(err); len(errs) > 0 {
		ce.Message = errs[0].Error()
		if positions := cueerrors.Positions(errs[0]); len(positions) > 0 {
			ce.Pos = positions[0]
		}
	}
	return ce
}
