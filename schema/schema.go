// Package schema compiles user-supplied node definitions into compiled
// nodes, validates the set as a whole (variable coverage, arity-per-head,
// pattern overlap, pattern-level acyclicity), and exposes a (head, arity)
// indexed lookup plus the schema-scoped storage namespace hash.
package schema

import (
	"context"
	"fmt"
	"sort"

	"github.com/ottojung/increment/errs"
	"github.com/ottojung/increment/expr"
	"github.com/ottojung/increment/value"
)

// ComputorFunc computes a node's value from its input values, the prior
// value (if any), and the variable bindings for this instantiation. It
// returns either a new value or value.Unchanged.
type ComputorFunc func(ctx context.Context, inputs []value.Value, prior value.Value, bindings map[string]string) (value.Value, error)

// NodeDefinition is a user-supplied node: an output expression, the
// expressions it depends on, and the computor that derives its value.
type NodeDefinition struct {
	Output          string
	Inputs          []string
	Computor        ComputorFunc
	IsDeterministic bool
	HasSideEffects  bool
}

// CompiledNode is a NodeDefinition after parsing and static analysis.
type CompiledNode struct {
	Def NodeDefinition

	OutputExpr      expr.Expr
	OutputCanonical string
	Head            string
	Arity           int
	IsPattern       bool

	InputExprs      []expr.Expr
	InputCanonicals []string

	// VarsUsedInInputs is the set of output variables referenced by at
	// least one input expression.
	VarsUsedInInputs map[string]struct{}

	// RepeatedVarPositions maps a variable name to every output argument
	// position it occupies, for variables occurring more than once
	// (e.g. pair(x,x)). Variables occurring once are omitted.
	RepeatedVarPositions map[string][]int
}

// Schema is the compiled, validated node set for one engine instance.
type Schema struct {
	Nodes []*CompiledNode

	byHead map[string]*CompiledNode

	// staticDependents maps a canonical input string to the canonical
	// output keys of every exact (arity-0) node declaring it as an
	// input. Exact nodes have no variables, so this edge is known in
	// full at compile time; pattern dependents are always discovered
	// dynamically through stored reverse-dependency edges instead.
	staticDependents map[string][]string

	// patternTemplates holds the canonical output text of every pattern
	// definition, verbatim. A key equal to one of these is the pattern's
	// own template, not an instantiation of it.
	patternTemplates map[string]struct{}

	Hash string
}

// Lookup finds the compiled node for a given head and arity. Per the
// arity-per-head invariant a head has at most one compiled node.
func (s *Schema) Lookup(head string, arity int) (*CompiledNode, bool) {
	n, ok := s.byHead[head]
	if !ok || n.Arity != arity {
		return nil, false
	}
	return n, true
}

// StaticDependents returns the canonical output keys known at compile
// time to depend on canonicalInput.
func (s *Schema) StaticDependents(canonicalInput string) []string {
	return s.staticDependents[canonicalInput]
}

// IsPatternTemplate reports whether canonicalKey is, verbatim, the output
// template of one of the schema's pattern definitions.
func (s *Schema) IsPatternTemplate(canonicalKey string) bool {
	_, ok := s.patternTemplates[canonicalKey]
	return ok
}

// Compile parses and validates defs, producing a Schema. Construction-time
// errors (InvalidSchema, SchemaArityConflict, SchemaOverlap, SchemaCycle)
// abort compilation.
func Compile(defs []NodeDefinition) (*Schema, error) {
	nodes := make([]*CompiledNode, 0, len(defs))
	for _, def := range defs {
		cn, err := compileOne(def)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", def.Output, err)
		}
		nodes = append(nodes, cn)
	}

	if err := checkArityConflicts(nodes); err != nil {
		return nil, err
	}
	if err := checkOverlap(nodes); err != nil {
		return nil, err
	}
	if err := checkVariableCoverage(nodes); err != nil {
		return nil, err
	}
	if err := checkCycles(nodes); err != nil {
		return nil, err
	}

	byHead := make(map[string]*CompiledNode, len(nodes))
	for _, n := range nodes {
		byHead[n.Head] = n
	}

	staticDependents := make(map[string][]string)
	patternTemplates := make(map[string]struct{})
	for _, n := range nodes {
		if n.IsPattern {
			patternTemplates[n.OutputCanonical] = struct{}{}
			continue
		}
		for _, in := range n.InputCanonicals {
			staticDependents[in] = append(staticDependents[in], n.OutputCanonical)
		}
	}

	hash, err := computeHash(nodes)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	return &Schema{
		Nodes:            nodes,
		byHead:           byHead,
		staticDependents: staticDependents,
		patternTemplates: patternTemplates,
		Hash:             hash,
	}, nil
}

func compileOne(def NodeDefinition) (*CompiledNode, error) {
	outExpr, err := expr.Parse(def.Output)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	outCanon := expr.Render(outExpr)
	isPattern := outExpr.Arity() > 0

	varPositions := make(map[string][]int)
	for i, a := range outExpr.Args {
		varPositions[a] = append(varPositions[a], i)
	}
	repeated := make(map[string][]int)
	for v, positions := range varPositions {
		if len(positions) > 1 {
			repeated[v] = positions
		}
	}

	outVars := expr.ExtractVariables(outExpr)

	inputExprs := make([]expr.Expr, 0, len(def.Inputs))
	inputCanonicals := make([]string, 0, len(def.Inputs))
	varsUsedInInputs := make(map[string]struct{})
	for _, in := range def.Inputs {
		ie, err := expr.Parse(in)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", in, err)
		}
		inputExprs = append(inputExprs, ie)
		inputCanonicals = append(inputCanonicals, expr.Render(ie))
		for _, a := range ie.Args {
			if _, ok := outVars[a]; ok {
				varsUsedInInputs[a] = struct{}{}
			}
		}
	}

	return &CompiledNode{
		Def:                  def,
		OutputExpr:           outExpr,
		OutputCanonical:      outCanon,
		Head:                 outExpr.Head,
		Arity:                outExpr.Arity(),
		IsPattern:            isPattern,
		InputExprs:           inputExprs,
		InputCanonicals:      inputCanonicals,
		VarsUsedInInputs:     varsUsedInInputs,
		RepeatedVarPositions: repeated,
	}, nil
}

// checkVariableCoverage enforces that every argument identifier occurring
// in a node's input expressions also occurs among that node's own output
// arguments. An exact (arity-0) definition has no output variables, so
// its inputs may only be atoms; a pattern definition's inputs may use any
// subset of its own declared variables (and any arity-0 atoms) but never
// an identifier absent from the output.
func checkVariableCoverage(nodes []*CompiledNode) error {
	for _, n := range nodes {
		outVars := expr.ExtractVariables(n.OutputExpr)
		for _, ie := range n.InputExprs {
			for _, a := range ie.Args {
				if _, ok := outVars[a]; !ok {
					return &errs.InvalidSchemaError{
						Head:   n.Head,
						Reason: "input variable \"" + a + "\" does not occur in the output",
					}
				}
			}
		}
	}
	return nil
}

func checkArityConflicts(nodes []*CompiledNode) error {
	arities := make(map[string]map[int]struct{})
	order := make(map[string][]int)
	for _, n := range nodes {
		if arities[n.Head] == nil {
			arities[n.Head] = make(map[int]struct{})
		}
		if _, ok := arities[n.Head][n.Arity]; !ok {
			order[n.Head] = append(order[n.Head], n.Arity)
		}
		arities[n.Head][n.Arity] = struct{}{}
	}
	heads := make([]string, 0, len(arities))
	for h := range arities {
		heads = append(heads, h)
	}
	sort.Strings(heads)
	for _, h := range heads {
		if len(arities[h]) > 1 {
			return &errs.SchemaArityConflictError{Head: h, Arities: order[h]}
		}
	}
	return nil
}

func checkOverlap(nodes []*CompiledNode) error {
	seen := make(map[string]*CompiledNode)
	for _, n := range nodes {
		if other, ok := seen[n.Head]; ok {
			return &errs.SchemaOverlapError{First: other.OutputCanonical, Second: n.OutputCanonical}
		}
		seen[n.Head] = n
	}
	return nil
}
