package engine

import (
	"context"
	"fmt"

	"github.com/ottojung/increment/errs"
	"github.com/ottojung/increment/store"
	"github.com/ottojung/increment/value"
)

// status labels the outcome of bringing one concrete node up to date.
type status int

const (
	statusChanged status = iota
	statusUnchanged
	statusCached
)

type nodeResult struct {
	value  value.Value
	status status
}

// frame is one level of the simulated recursion performed by recalculate:
// a node whose children (inputs) are being visited in order, collecting
// their results before the node itself can be recomputed.
type frame struct {
	node         *concreteNode
	childIdx     int
	childResults []nodeResult
}

// recalculate brings root up to date and returns its value, visiting its
// (transitive) not-yet-up-to-date inputs in post-order using an explicit
// stack rather than native recursion, so chains and fan-outs far beyond
// the Go call stack's practical depth complete safely. A per-call memo
// keyed by canonical key ensures a node shared by several paths (a
// diamond dependency) is only ever recomputed once per Pull.
func (e *Engine) recalculate(ctx context.Context, root *concreteNode) (value.Value, error) {
	memo := make(map[string]nodeResult)
	stack := []frame{{node: root}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]

		if top.childIdx < len(top.node.InputKeys) {
			childKey := top.node.InputKeys[top.childIdx]

			if r, ok := memo[childKey]; ok {
				top.childResults = append(top.childResults, r)
				top.childIdx++
				continue
			}

			childNode, err := e.resolve(childKey)
			if err != nil {
				return nil, fmt.Errorf("recalculate: resolve %q: %w", childKey, err)
			}

			freshness, err := e.store.GetFreshness(ctx, childKey)
			if err != nil {
				return nil, fmt.Errorf("recalculate: get freshness %q: %w", childKey, err)
			}

			if freshness == store.UpToDate {
				if err := e.ensureIndexed(ctx, childNode); err != nil {
					return nil, fmt.Errorf("recalculate: %w", err)
				}
				v, ok, err := e.store.GetValue(ctx, childKey)
				if err != nil {
					return nil, fmt.Errorf("recalculate: get value %q: %w", childKey, err)
				}
				if !ok {
					return nil, &errs.MissingValueError{Key: childKey, Reason: "up-to-date node has no stored value"}
				}
				r := nodeResult{value: v, status: statusCached}
				memo[childKey] = r
				top.childResults = append(top.childResults, r)
				top.childIdx++
				continue
			}

			stack = append(stack, frame{node: childNode})
			continue
		}

		e.logger.Printf("recalculate %q: recomputing", top.node.OutputKey)
		v, st, err := e.maybeRecalculate(ctx, top.node, top.childResults)
		if err != nil {
			return nil, fmt.Errorf("recalculate %q: %w", top.node.OutputKey, err)
		}
		r := nodeResult{value: v, status: st}
		memo[top.node.OutputKey] = r

		stack = stack[:len(stack)-1]
		if len(stack) == 0 {
			return v, nil
		}
		parent := &stack[len(stack)-1]
		parent.childResults = append(parent.childResults, r)
		parent.childIdx++
	}

	// Unreachable: the loop above always returns once the root frame
	// (pushed before the loop starts) is popped.
	return nil, nil
}

// maybeRecalculate computes node's new value (or reuses its prior one)
// given the already-pulled results of its inputs, in one atomic batch:
// ensure indices, mark inputs up-to-date, run the computor (unless every
// input proved Unchanged and a prior value exists), write the result,
// mark the node itself up-to-date.
func (e *Engine) maybeRecalculate(ctx context.Context, node *concreteNode, childResults []nodeResult) (value.Value, status, error) {
	if len(node.InputKeys) == 0 {
		return nil, 0, &errs.MissingValueError{Key: node.OutputKey, Reason: "source node was never set"}
	}

	prior, hasPrior, err := e.store.GetValue(ctx, node.OutputKey)
	if err != nil {
		return nil, 0, fmt.Errorf("get prior value: %w", err)
	}

	allUnchanged := true
	for _, r := range childResults {
		if r.status != statusUnchanged {
			allUnchanged = false
			break
		}
	}

	batch, err := e.store.NewBatch(ctx)
	if err != nil {
		return nil, 0, err
	}
	if err := batch.PutInputs(ctx, node.OutputKey, node.InputKeys); err != nil {
		return nil, 0, err
	}
	for _, in := range node.InputKeys {
		if err := batch.PutRevdep(ctx, in, node.OutputKey); err != nil {
			return nil, 0, err
		}
	}
	for _, in := range node.InputKeys {
		if err := batch.PutFreshness(ctx, in, store.UpToDate); err != nil {
			return nil, 0, err
		}
	}

	if allUnchanged && hasPrior {
		if err := batch.PutFreshness(ctx, node.OutputKey, store.UpToDate); err != nil {
			return nil, 0, err
		}
		e.logger.Printf("recalculate %q: committing, every input unchanged", node.OutputKey)
		if err := batch.Commit(ctx); err != nil {
			return nil, 0, err
		}
		return prior, statusUnchanged, nil
	}

	inputValues := make([]value.Value, len(childResults))
	for i, r := range childResults {
		inputValues[i] = r.value
	}
	var priorForComputor value.Value
	if hasPrior {
		priorForComputor = prior
	}

	result, err := node.Def.Computor(ctx, inputValues, priorForComputor, node.Bindings)
	if err != nil {
		return nil, 0, fmt.Errorf("computor: %w", err)
	}

	if value.IsUnchanged(result) {
		if !hasPrior {
			return nil, 0, &errs.MissingValueError{Key: node.OutputKey, Reason: "computor returned Unchanged with no prior value"}
		}
		if err := batch.PutFreshness(ctx, node.OutputKey, store.UpToDate); err != nil {
			return nil, 0, err
		}
		e.logger.Printf("recalculate %q: committing, computor reported Unchanged", node.OutputKey)
		if err := batch.Commit(ctx); err != nil {
			return nil, 0, err
		}
		return prior, statusUnchanged, nil
	}

	if result == nil {
		return nil, 0, &errs.InvalidComputorReturnValueError{Key: node.OutputKey}
	}

	if err := batch.PutValue(ctx, node.OutputKey, result); err != nil {
		return nil, 0, err
	}
	if err := batch.PutFreshness(ctx, node.OutputKey, store.UpToDate); err != nil {
		return nil, 0, err
	}
	e.logger.Printf("recalculate %q: committing new value", node.OutputKey)
	if err := batch.Commit(ctx); err != nil {
		return nil, 0, err
	}
	return result, statusChanged, nil
}
