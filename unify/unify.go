// Package unify matches a concrete key against a compiled pattern node and
// substitutes bindings back into a pattern expression to produce a
// concrete canonical key. Matching is purely positional and arity-based:
// no regular expressions, no backtracking, since keys and patterns are
// both just (head, [identifier...]) pairs.
package unify

import (
	"github.com/ottojung/increment/errs"
	"github.com/ottojung/increment/expr"
	"github.com/ottojung/increment/schema"
)

// MatchConcrete matches key against node's output template. It returns
// the variable bindings extracted from key's argument positions, or ok ==
// false if key's (head, arity) does not match node at all. A repeated
// output variable (e.g. pair(x,x)) requires the corresponding key
// arguments to be textually identical; otherwise match fails.
func MatchConcrete(key expr.Expr, node *schema.CompiledNode) (map[string]string, bool) {
	if key.Head != node.Head || key.Arity() != node.Arity {
		return nil, false
	}
	if !node.IsPattern {
		return map[string]string{}, true
	}

	bindings := make(map[string]string, len(key.Args))
	for i, varName := range node.OutputExpr.Args {
		val := key.Args[i]
		if existing, seen := bindings[varName]; seen {
			if existing != val {
				return nil, false
			}
			continue
		}
		bindings[varName] = val
	}
	return bindings, true
}

// Substitute renders pattern with every one of its argument identifiers
// replaced by its binding, producing a concrete canonical key. It is an
// error for pattern to reference a variable absent from bindings; schema
// compilation's coverage check guarantees this never happens for inputs
// derived from a compiled node's own output variables.
func Substitute(pattern expr.Expr, bindings map[string]string) (string, error) {
	if len(pattern.Args) == 0 {
		return pattern.Head, nil
	}
	args := make([]string, len(pattern.Args))
	for i, a := range pattern.Args {
		v, ok := bindings[a]
		if !ok {
			return "", &errs.InvalidSchemaError{
				Head:   pattern.Head,
				Reason: "unbound variable \"" + a + "\" during substitution",
			}
		}
		args[i] = v
	}
	return expr.Render(expr.Expr{Head: pattern.Head, Args: args}), nil
}
