// Package errs defines the error taxonomy of the incremental computation
// engine (see the component design for the list of error kinds). Each kind
// is a distinct type so callers can discriminate with errors.As instead of
// string matching.
package errs

import "fmt"

// InvalidExpressionError reports a grammar error while parsing a key or
// pattern expression.
type InvalidExpressionError struct {
	Input  string
	Reason string
}

func (e *InvalidExpressionError) Error() string {
	return fmt.Sprintf("invalid expression %q: %s", e.Input, e.Reason)
}

// InvalidSchemaError reports a variable-coverage or other structural
// violation in a node definition.
type InvalidSchemaError struct {
	Head   string
	Reason string
}

func (e *InvalidSchemaError) Error() string {
	return fmt.Sprintf("invalid schema for %q: %s", e.Head, e.Reason)
}

// SchemaArityConflictError reports the same head used with more than one
// arity across the compiled node set.
type SchemaArityConflictError struct {
	Head    string
	Arities []int
}

func (e *SchemaArityConflictError) Error() string {
	return fmt.Sprintf("schema arity conflict for head %q: arities %v", e.Head, e.Arities)
}

// SchemaOverlapError reports two pattern outputs that can match the same
// concrete key.
type SchemaOverlapError struct {
	First  string
	Second string
}

func (e *SchemaOverlapError) Error() string {
	return fmt.Sprintf("schema overlap: %q and %q can both match the same concrete key", e.First, e.Second)
}

// Patterns returns the two colliding pattern outputs.
func (e *SchemaOverlapError) Patterns() (string, string) {
	return e.First, e.Second
}

// SchemaCycleError reports a cycle in the pattern-level dependency graph.
type SchemaCycleError struct {
	Path []string
}

func (e *SchemaCycleError) Error() string {
	return fmt.Sprintf("schema cycle detected: %v", e.Path)
}

// Cycle returns the recovered cycle, head by head, closing back on the
// first element.
func (e *SchemaCycleError) Cycle() []string {
	return e.Path
}

// InvalidNodeError reports that no schema entry matches a concrete key.
type InvalidNodeError struct {
	Key string
}

func (e *InvalidNodeError) Error() string {
	return fmt.Sprintf("no schema node matches key %q", e.Key)
}

// SchemaPatternNotAllowedError reports that a pattern template was
// supplied where a concrete key is required.
type SchemaPatternNotAllowedError struct {
	Key string
}

func (e *SchemaPatternNotAllowedError) Error() string {
	return fmt.Sprintf("key %q is a pattern template, not a concrete key", e.Key)
}

// InvalidSetError reports an attempt to set a non-source node.
type InvalidSetError struct {
	Key string
}

func (e *InvalidSetError) Error() string {
	return fmt.Sprintf("%q is not a source node (it has inputs)", e.Key)
}

// MissingValueError reports a storage invariant violation: an up-to-date
// node lacks a value, or Unchanged was returned with no prior value.
type MissingValueError struct {
	Key    string
	Reason string
}

func (e *MissingValueError) Error() string {
	return fmt.Sprintf("missing value for %q: %s", e.Key, e.Reason)
}

// InvalidComputorReturnValueError reports a computor that returned
// neither a value nor the Unchanged sentinel.
type InvalidComputorReturnValueError struct {
	Key string
}

func (e *InvalidComputorReturnValueError) Error() string {
	return fmt.Sprintf("computor for %q returned neither a value nor Unchanged", e.Key)
}

// ArityMismatchError is an internal check raised while instantiating a
// pattern against a key of a different arity.
type ArityMismatchError struct {
	Key      string
	Expected int
	Actual   int
}

func (e *ArityMismatchError) Error() string {
	return fmt.Sprintf("arity mismatch for %q: expected %d, got %d", e.Key, e.Expected, e.Actual)
}
