package expr

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// Guard is a compiled boolean step condition. The zero value and a nil Guard
// both always pass.
type Guard struct {
	src  string
	expr hcl.Expression
	refs [][]string
}

// CompileGuard parses src. An empty condition compiles to a nil Guard.
func CompileGuard(src string) (*Guard, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	e, diags := hclsyntax.ParseExpression([]byte(unwrapGuard(src)), "if", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, guardErrorf(src, "%s", diags.Error())
	}
	refs, err := references(src, e)
	if err != nil {
		return nil, err
	}
	return &Guard{src: src, expr: e, refs: refs}, nil
}

// MustGuard is CompileGuard for static conditions known to be valid.
func MustGuard(src string) *Guard {
	g, err := CompileGuard(src)
	if err != nil {
		panic(err)
	}
	return g
}

// String returns the guard as written in the pipeline.
func (g *Guard) String() string {
	if g == nil {
		return ""
	}
	return g.src
}

// Eval reports whether the guarded step should run.
func (g *Guard) Eval(s *Scope) (bool, error) {
	if g == nil || g.expr == nil {
		return true, nil
	}
	val, diags := g.expr.Value(evalContext(s, g.refs))
	if diags.HasErrors() {
		return false, guardErrorf(g.src, "%s", diags.Error())
	}
	if val.IsNull() || !val.IsKnown() || val.Type() != cty.Bool {
		return false, guardErrorf(g.src, "condition must be a bool, got %s", val.Type().FriendlyName())
	}
	return val.True(), nil
}

// Template is a compiled string with optional `${{ }}` interpolations.
type Template struct {
	src  string
	expr hcl.Expression
	refs [][]string
}

// CompileTemplate parses src. Text without interpolations is kept verbatim.
func CompileTemplate(src string) (*Template, error) {
	if !isTemplate(src) {
		return &Template{src: src}, nil
	}
	e, diags := hclsyntax.ParseTemplate([]byte(toHCLTemplate(src)), "template", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, guardErrorf(src, "%s", diags.Error())
	}
	refs, err := references(src, e)
	if err != nil {
		return nil, err
	}
	return &Template{src: src, expr: e, refs: refs}, nil
}

// String returns the template as written.
func (t *Template) String() string {
	if t == nil {
		return ""
	}
	return t.src
}

// IsLiteral reports whether the template has no interpolations.
func (t *Template) IsLiteral() bool { return t == nil || t.expr == nil }

// References returns the context paths the template reads, e.g.
// ["matrix", "os"].
func (t *Template) References() [][]string {
	if t == nil {
		return nil
	}
	return t.refs
}

// Render evaluates the template against s.
func (t *Template) Render(s *Scope) (string, error) {
	if t == nil {
		return "", nil
	}
	if t.expr == nil {
		return t.src, nil
	}
	val, diags := t.expr.Value(evalContext(s, t.refs))
	if diags.HasErrors() {
		return "", guardErrorf(t.src, "%s", diags.Error())
	}
	if val.IsNull() {
		return "", nil
	}
	str, err := convert.Convert(val, cty.String)
	if err != nil {
		return "", guardErrorf(t.src, "result is not a string: %s", err)
	}
	return str.AsString(), nil
}

// references validates every variable reference in e against the allowed
// context roots and returns them as name paths.
func references(src string, e hcl.Expression) ([][]string, error) {
	var refs [][]string
	for _, tr := range e.Variables() {
		path, err := traversalPath(tr)
		if err != nil {
			return nil, guardErrorf(src, "%s", err)
		}
		if err := checkShape(path); err != nil {
			return nil, guardErrorf(src, "%s", err)
		}
		refs = append(refs, path)
	}
	if err := checkCalls(e); err != nil {
		return nil, guardErrorf(src, "%s", err)
	}
	return refs, nil
}

// checkCalls rejects calls to functions outside the callable set.
func checkCalls(e hcl.Expression) error {
	node, ok := e.(hclsyntax.Node)
	if !ok {
		return nil
	}
	known := functions(nil)
	var unknown string
	hclsyntax.VisitAll(node, func(n hclsyntax.Node) hcl.Diagnostics {
		call, ok := n.(*hclsyntax.FunctionCallExpr)
		if !ok || unknown != "" {
			return nil
		}
		if _, ok := known[call.Name]; !ok {
			unknown = call.Name
		}
		return nil
	})
	if unknown != "" {
		return fmt.Errorf("unknown function %q", unknown)
	}
	return nil
}

func traversalPath(tr hcl.Traversal) ([]string, error) {
	path := make([]string, 0, len(tr))
	for _, step := range tr {
		switch s := step.(type) {
		case hcl.TraverseRoot:
			path = append(path, s.Name)
		case hcl.TraverseAttr:
			path = append(path, s.Name)
		case hcl.TraverseIndex:
			if s.Key.Type() != cty.String || !s.Key.IsKnown() || s.Key.IsNull() {
				return nil, fmt.Errorf("only string keys may index the context")
			}
			path = append(path, s.Key.AsString())
		default:
			return nil, fmt.Errorf("unsupported traversal in %q", strings.Join(path, "."))
		}
	}
	return path, nil
}

func checkShape(path []string) error {
	ref := strings.Join(path, ".")
	bad := fmt.Errorf("unsupported context reference %q", ref)
	switch path[0] {
	case "event", "branch":
		if len(path) != 1 {
			return bad
		}
	case "runner":
		if len(path) != 2 || path[1] != "os" {
			return bad
		}
	case "matrix", "toggles":
		if len(path) != 2 {
			return bad
		}
	case "steps":
		switch {
		case len(path) == 3 && (path[2] == "outcome" || path[2] == "conclusion"):
		case len(path) == 4 && path[2] == "outputs":
		default:
			return bad
		}
	case "needs":
		switch {
		case len(path) == 3 && path[2] == "result":
		case len(path) == 4 && path[2] == "outputs":
		default:
			return bad
		}
	default:
		return bad
	}
	return nil
}

// evalContext materializes only the referenced paths as nested cty objects.
func evalContext(s *Scope, refs [][]string) *hcl.EvalContext {
	tree := make(map[string]any)
	for _, path := range refs {
		node := tree
		for _, name := range path[:len(path)-1] {
			child, ok := node[name].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[name] = child
			}
			node = child
		}
		node[path[len(path)-1]] = s.lookup(path)
	}

	vars := make(map[string]cty.Value, len(tree))
	for name, node := range tree {
		vars[name] = toCty(node)
	}
	return &hcl.EvalContext{Variables: vars, Functions: functions(s)}
}

func toCty(node any) cty.Value {
	switch n := node.(type) {
	case cty.Value:
		return n
	case map[string]any:
		attrs := make(map[string]cty.Value, len(n))
		for k, v := range n {
			attrs[k] = toCty(v)
		}
		return cty.ObjectVal(attrs)
	}
	return cty.NilVal
}
