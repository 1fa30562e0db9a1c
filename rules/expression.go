package rules

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"

	"github.com/liamcoop/automod/event"
)

// expressionCostLimit prevents runaway expressions
const expressionCostLimit = 1000000

// expressionGroups are the top-level context groups visible to expressions
var expressionGroups = []string{
	"guild", "channel", "thread", "message", "author", "actor",
	"member", "user", "reaction", "raw", "event",
}

var (
	exprEnvOnce sync.Once
	exprEnv     *cel.Env
	exprEnvErr  error
)

// expressionEnv declares every context group as a dynamic variable so the
// expression can address the same paths as the other predicates
func expressionEnv() (*cel.Env, error) {
	exprEnvOnce.Do(func() {
		opts := []cel.EnvOption{
			cel.Variable("kind", cel.StringType),
			cel.Variable("timestamp", cel.StringType),
			cel.CrossTypeNumericComparisons(true),
		}
		for _, name := range expressionGroups {
			opts = append(opts, cel.Variable(name, cel.DynType))
		}
		exprEnv, exprEnvErr = cel.NewEnv(opts...)
		if exprEnvErr != nil {
			exprEnvErr = fmt.Errorf("failed to create CEL environment: %w", exprEnvErr)
		}
	})
	return exprEnv, exprEnvErr
}

// compiledExpression is a boolean program plus the context paths it
// selects
type compiledExpression struct {
	prog cel.Program
	refs []event.Path
}

// compileExpression checks that expr compiles to a boolean program
func compileExpression(expr string) (*compiledExpression, error) {
	env, err := expressionEnv()
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must evaluate to a boolean, got %s", ast.OutputType())
	}

	prog, err := env.Program(ast, cel.CostLimit(expressionCostLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return &compiledExpression{prog: prog, refs: referencedPaths(ast)}, nil
}

// referencedPaths lists the context paths an expression selects, outermost
// first. has() tests are skipped.
func referencedPaths(ast *cel.Ast) []event.Path {
	groups := make(map[string]bool, len(expressionGroups))
	for _, g := range expressionGroups {
		groups[g] = true
	}

	seen := make(map[string]bool)
	var out []event.Path
	celast.PreOrderVisit(ast.NativeRep().Expr(), celast.NewExprVisitor(func(e celast.Expr) {
		var raw string
		switch e.Kind() {
		case celast.IdentKind:
			raw = e.AsIdent()
		case celast.SelectKind:
			if e.AsSelect().IsTestOnly() {
				return
			}
			raw = selectPath(e)
		}
		if raw == "" || seen[raw] || !groups[strings.SplitN(raw, ".", 2)[0]] {
			return
		}
		p, err := event.ParsePath(raw)
		if err != nil {
			return
		}
		seen[raw] = true
		out = append(out, p)
	}))
	return out
}

// selectPath renders a chain of field selections on an identifier as a
// dotted path, or "" for anything else
func selectPath(e celast.Expr) string {
	var fields []string
	for e.Kind() == celast.SelectKind {
		sel := e.AsSelect()
		fields = append(fields, sel.FieldName())
		e = sel.Operand()
	}
	if e.Kind() != celast.IdentKind {
		return ""
	}
	parts := []string{e.AsIdent()}
	for i := len(fields) - 1; i >= 0; i-- {
		parts = append(parts, fields[i])
	}
	return strings.Join(parts, ".")
}

// absent returns the first referenced path the event does not carry
func (c *compiledExpression) absent(ectx *event.Context) (string, bool) {
	for _, p := range c.refs {
		if _, ok := ectx.Lookup(p); !ok {
			return p.String(), true
		}
	}
	return "", false
}

func expressionPredicate(args Args) (predicateFunc, error) {
	if err := args.checkKeys("expr"); err != nil {
		return nil, err
	}
	expr, err := args.RequiredString("expr")
	if err != nil {
		return nil, err
	}
	compiled, err := compileExpression(expr)
	if err != nil {
		return nil, err
	}

	return func(ectx *event.Context) (Tri, string) {
		out, _, err := compiled.prog.Eval(ectx.Fields())
		if err != nil {
			// an error on an event lacking a referenced fact is unknown, any
			// other error is false
			if path, ok := compiled.absent(ectx); ok {
				return Indeterminate, "expression: " + path
			}
			return False, ""
		}
		// Non-boolean results are treated as false
		b, ok := out.Value().(bool)
		if !ok {
			return False, ""
		}
		return FromBool(b), ""
	}, nil
}
