package engine

import (
	"context"
	"fmt"
	"testing"

	badger4 "github.com/ipfs/go-ds-badger4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottojung/increment/datastore"
	"github.com/ottojung/increment/errs"
	"github.com/ottojung/increment/schema"
	"github.com/ottojung/increment/value"
)

func setupEngine(t *testing.T, defs []schema.NodeDefinition) (*Engine, func()) {
	t.Helper()
	tempDir := t.TempDir()
	backing, err := datastore.Open(tempDir, &badger4.DefaultOptions)
	require.NoError(t, err)

	eng, err := New(backing, defs, Config{})
	require.NoError(t, err)

	return eng, func() { backing.Close() }
}

func identityComputor(_ context.Context, inputs []value.Value, _ value.Value, _ map[string]string) (value.Value, error) {
	return inputs[0], nil
}

// Scenario 1: source-only graph.
func TestSourceOnlyGraph(t *testing.T) {
	eng, cleanup := setupEngine(t, []schema.NodeDefinition{{Output: "x"}})
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, eng.Set(ctx, "x", "A"))

	v, err := eng.Pull(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "A", v)

	f, err := eng.DebugGetFreshness(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "up-to-date", f)
}

// Scenario 2: chain propagation.
func TestChainPropagation(t *testing.T) {
	eng, cleanup := setupEngine(t, []schema.NodeDefinition{
		{Output: "x"},
		{Output: "y", Inputs: []string{"x"}, Computor: identityComputor},
		{Output: "z", Inputs: []string{"y"}, Computor: identityComputor},
	})
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, eng.Set(ctx, "x", "A"))
	v, err := eng.Pull(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, "A", v)

	require.NoError(t, eng.Set(ctx, "x", "B"))

	fy, err := eng.DebugGetFreshness(ctx, "y")
	require.NoError(t, err)
	assert.Equal(t, "potentially-outdated", fy)
	fz, err := eng.DebugGetFreshness(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, "potentially-outdated", fz)

	v, err = eng.Pull(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, "B", v)

	fy, err = eng.DebugGetFreshness(ctx, "y")
	require.NoError(t, err)
	assert.Equal(t, "up-to-date", fy)
	fz, err = eng.DebugGetFreshness(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, "up-to-date", fz)
}

// Scenario 3: Unchanged short-circuit.
func TestUnchangedShortCircuit(t *testing.T) {
	calls := 0
	eng, cleanup := setupEngine(t, []schema.NodeDefinition{
		{Output: "x"},
		{
			Output: "y",
			Inputs: []string{"x"},
			Computor: func(_ context.Context, inputs []value.Value, prior value.Value, _ map[string]string) (value.Value, error) {
				calls++
				if prior != nil && prior == inputs[0] {
					return value.Unchanged, nil
				}
				return inputs[0], nil
			},
		},
		{Output: "z", Inputs: []string{"y"}, Computor: identityComputor},
	})
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, eng.Set(ctx, "x", "A"))
	v, err := eng.Pull(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, "A", v)
	assert.Equal(t, 1, calls)

	require.NoError(t, eng.Set(ctx, "x", "A"))
	v, err = eng.Pull(ctx, "z")
	require.NoError(t, err)
	assert.Equal(t, "A", v)
	assert.Equal(t, 2, calls, "y's computor runs once more to observe Unchanged, z's never reruns")
}

// Scenario 4: pattern instantiation.
func TestPatternInstantiation(t *testing.T) {
	eng, cleanup := setupEngine(t, []schema.NodeDefinition{
		{Output: "all_events"},
		{
			Output: "event_context(e)",
			Inputs: []string{"all_events"},
			Computor: func(_ context.Context, inputs []value.Value, _ value.Value, bindings map[string]string) (value.Value, error) {
				return fmt.Sprintf("%v/%s", inputs[0], bindings["e"]), nil
			},
		},
	})
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, eng.Set(ctx, "all_events", "list1"))
	v, err := eng.Pull(ctx, "event_context(id_7)")
	require.NoError(t, err)
	assert.Equal(t, "list1/id_7", v)

	keys, err := eng.DebugListMaterialized(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, "event_context(id_7)")

	require.NoError(t, eng.Set(ctx, "all_events", "list2"))
	f, err := eng.DebugGetFreshness(ctx, "event_context(id_7)")
	require.NoError(t, err)
	assert.Equal(t, "potentially-outdated", f)

	v, err = eng.Pull(ctx, "event_context(id_7)")
	require.NoError(t, err)
	assert.Equal(t, "list2/id_7", v)
}

// Scenario 5: cycle rejection.
func TestCycleRejectedAtConstruction(t *testing.T) {
	_, err := New(nil, []schema.NodeDefinition{
		{Output: "a", Inputs: []string{"b"}, Computor: identityComputor},
		{Output: "b", Inputs: []string{"a"}, Computor: identityComputor},
	}, Config{})
	require.Error(t, err)
	var target *errs.SchemaCycleError
	assert.ErrorAs(t, err, &target)
}

// Scenario 6: overlap rejection / acceptance.
func TestOverlapRejectedAtConstruction(t *testing.T) {
	_, err := New(nil, []schema.NodeDefinition{
		{Output: "foo(x)"},
		{Output: "foo(y)"},
	}, Config{})
	require.Error(t, err)
	var target *errs.SchemaOverlapError
	assert.ErrorAs(t, err, &target)
}

func TestDistinctHeadsAccepted(t *testing.T) {
	_, err := New(nil, []schema.NodeDefinition{
		{Output: "foo(x)"},
		{Output: "bar(x)"},
	}, Config{})
	require.NoError(t, err)
}

func TestSetOnDerivedNodeRejected(t *testing.T) {
	eng, cleanup := setupEngine(t, []schema.NodeDefinition{
		{Output: "x"},
		{Output: "y", Inputs: []string{"x"}, Computor: identityComputor},
	})
	defer cleanup()

	err := eng.Set(context.Background(), "y", "A")
	require.Error(t, err)
	var target *errs.InvalidSetError
	assert.ErrorAs(t, err, &target)
}

func TestPullUnknownKeyIsInvalidNode(t *testing.T) {
	eng, cleanup := setupEngine(t, []schema.NodeDefinition{{Output: "x"}})
	defer cleanup()

	_, err := eng.Pull(context.Background(), "nope")
	require.Error(t, err)
	var target *errs.InvalidNodeError
	assert.ErrorAs(t, err, &target)
}

func TestPullPatternTemplateItselfRejected(t *testing.T) {
	eng, cleanup := setupEngine(t, []schema.NodeDefinition{
		{Output: "all_events"},
		{Output: "event_context(e)", Inputs: []string{"all_events"}, Computor: identityComputor},
	})
	defer cleanup()

	_, err := eng.Pull(context.Background(), "event_context(e)")
	require.Error(t, err)
	var target *errs.SchemaPatternNotAllowedError
	assert.ErrorAs(t, err, &target)
}

func TestPullNeverSetSourceIsMissingValue(t *testing.T) {
	eng, cleanup := setupEngine(t, []schema.NodeDefinition{
		{Output: "x"},
		{Output: "y", Inputs: []string{"x"}, Computor: identityComputor},
	})
	defer cleanup()

	_, err := eng.Pull(context.Background(), "y")
	require.Error(t, err)
	var target *errs.MissingValueError
	assert.ErrorAs(t, err, &target)
}

// Seed exercises the lazy index-backfill path.
func TestSeedThenPullBackfillsIndex(t *testing.T) {
	eng, cleanup := setupEngine(t, []schema.NodeDefinition{
		{Output: "x"},
		{Output: "y", Inputs: []string{"x"}, Computor: identityComputor},
	})
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, eng.Seed(ctx, "y", "A"))
	v, err := eng.Pull(ctx, "y")
	require.NoError(t, err)
	assert.Equal(t, "A", v)

	keys, err := eng.DebugListMaterialized(ctx)
	require.NoError(t, err)
	assert.Contains(t, keys, "y")
}

// Boundary behavior: deep linear chains must not overflow the stack.
func TestDeepChainStackSafety(t *testing.T) {
	const depth = 2000
	defs := make([]schema.NodeDefinition, 0, depth+1)
	defs = append(defs, schema.NodeDefinition{Output: "n0"})
	for i := 1; i <= depth; i++ {
		defs = append(defs, schema.NodeDefinition{
			Output:   fmt.Sprintf("n%d", i),
			Inputs:   []string{fmt.Sprintf("n%d", i-1)},
			Computor: identityComputor,
		})
	}
	eng, cleanup := setupEngine(t, defs)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, eng.Set(ctx, "n0", "A"))
	v, err := eng.Pull(ctx, fmt.Sprintf("n%d", depth))
	require.NoError(t, err)
	assert.Equal(t, "A", v)
}

// Boundary behavior: wide fan-out must not overflow the stack and each
// input is computed exactly once.
func TestWideFanOutStackSafety(t *testing.T) {
	const width = 2000
	callCounts := make(map[string]int)

	defs := []schema.NodeDefinition{{Output: "root"}}
	leaves := make([]string, width)
	for i := 0; i < width; i++ {
		name := fmt.Sprintf("leaf%d", i)
		leaves[i] = name
		defs = append(defs, schema.NodeDefinition{
			Output: name,
			Inputs: []string{"root"},
			Computor: func(_ context.Context, inputs []value.Value, _ value.Value, _ map[string]string) (value.Value, error) {
				callCounts[name]++
				return inputs[0], nil
			},
		})
	}

	eng, cleanup := setupEngine(t, defs)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, eng.Set(ctx, "root", "A"))
	for _, leaf := range leaves {
		v, err := eng.Pull(ctx, leaf)
		require.NoError(t, err)
		assert.Equal(t, "A", v)
	}
	for _, leaf := range leaves {
		assert.Equal(t, 1, callCounts[leaf])
	}
}
