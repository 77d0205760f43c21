package expr

import (
	"strings"

	"blockci/pkg/utils"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

// functions returns the callable set for one evaluation. hashFiles is bound to
// the scope's workspace.
func functions(s *Scope) map[string]function.Function {
	workspace := "."
	if s != nil && s.Workspace != "" {
		workspace = s.Workspace
	}
	return map[string]function.Function{
		"hashFiles":  hashFilesFunc(workspace),
		"startsWith": stringPredicate(func(a, b string) bool { return strings.HasPrefix(a, b) }),
		"endsWith":   stringPredicate(func(a, b string) bool { return strings.HasSuffix(a, b) }),
		"contains":   stringPredicate(strings.Contains),
	}
}

func hashFilesFunc(root string) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "pattern", Type: cty.String},
		},
		VarParam: &function.Parameter{Name: "patterns", Type: cty.String},
		Type:     function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			patterns := make([]string, 0, len(args))
			for _, a := range args {
				patterns = append(patterns, a.AsString())
			}
			sum, err := utils.HashFiles(root, patterns...)
			if err != nil {
				return cty.NilVal, err
			}
			return cty.StringVal(sum), nil
		},
	})
}

// stringPredicate builds a case-insensitive two-string predicate.
func stringPredicate(fn func(a, b string) bool) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: "search", Type: cty.String},
			{Name: "item", Type: cty.String},
		},
		Type: function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			a := strings.ToLower(args[0].AsString())
			b := strings.ToLower(args[1].AsString())
			return cty.BoolVal(fn(a, b)), nil
		},
	})
}
