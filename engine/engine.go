// Package engine implements the dependency graph engine: set/pull,
// freshness propagation around the ternary up-to-date /
// potentially-outdated / absent state, on-demand pattern instantiation,
// and the Unchanged short-circuit. Both set's invalidation walk and
// pull's recomputation walk are iterative so that chains and fan-outs far
// deeper than the Go call stack's comfort zone complete safely.
package engine

import (
	"context"
	"fmt"
	"log"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	"github.com/ottojung/increment/datastore"
	"github.com/ottojung/increment/errs"
	"github.com/ottojung/increment/expr"
	"github.com/ottojung/increment/genclock"
	"github.com/ottojung/increment/schema"
	"github.com/ottojung/increment/store"
	"github.com/ottojung/increment/unify"
	"github.com/ottojung/increment/value"
)

const defaultLRUCapacity = 10_000

// Config configures an Engine instance. The zero value is valid: it
// selects the default LRU capacity and logs to log.Default().
type Config struct {
	// LRUCapacity bounds the in-memory cache of instantiated concrete
	// nodes. Zero selects defaultLRUCapacity.
	LRUCapacity int
	// Logger receives the lifecycle lines of set/seed/pull calls and of
	// each recomputation and batch commit.
	// Nil selects log.Default().
	Logger *log.Logger
}

// concreteNode is a pattern (or exact) definition instantiated against a
// specific concrete key: the key itself, the compiled node it came from,
// the variable bindings that produced it, and its already-substituted
// concrete input keys.
type concreteNode struct {
	OutputKey string
	Def       *schema.CompiledNode
	Bindings  map[string]string
	InputKeys []string
}

// Engine is one schema's live dependency graph over a backing store.
type Engine struct {
	schema *schema.Schema
	store  *store.Store
	cache  *lru.Cache[string, *concreteNode]
	mu     *fifoMutex
	logger *log.Logger
	clock  *genclock.Counter
}

// New compiles defs and returns a ready Engine backed by backing,
// namespaced under the resulting schema hash. Compilation failures
// (InvalidSchema, SchemaArityConflict, SchemaOverlap, SchemaCycle) abort
// construction.
func New(backing datastore.Datastore, defs []schema.NodeDefinition, cfg Config) (*Engine, error) {
	sch, err := schema.Compile(defs)
	if err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}

	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = defaultLRUCapacity
	}
	cache, err := lru.New[string, *concreteNode](capacity)
	if err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Engine{
		schema: sch,
		store:  store.New(backing, sch.Hash),
		cache:  cache,
		mu:     newFifoMutex(),
		logger: logger,
		clock:  genclock.New(),
	}, nil
}

// SchemaHash returns the namespace hash this engine's store is scoped to.
func (e *Engine) SchemaHash() string {
	return e.schema.Hash
}

// resolve parses and canonicalizes key, finds its compiled node, and
// instantiates (or fetches from the LRU) its concrete bindings and input
// keys. It is the single entry point shared by Set, Pull, Seed and the
// recomputation walk for turning a raw key string into a concreteNode.
func (e *Engine) resolve(key string) (*concreteNode, error) {
	parsed, err := expr.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", key, err)
	}
	canon := expr.Render(parsed)

	if cached, ok := e.cache.Get(canon); ok {
		return cached, nil
	}

	node, ok := e.schema.Lookup(parsed.Head, parsed.Arity())
	if !ok {
		return nil, &errs.InvalidNodeError{Key: canon}
	}
	if node.IsPattern && canon == node.OutputCanonical {
		return nil, &errs.SchemaPatternNotAllowedError{Key: canon}
	}

	bindings, ok := unify.MatchConcrete(parsed, node)
	if !ok {
		return nil, &errs.InvalidNodeError{Key: canon}
	}

	inputKeys := make([]string, len(node.InputExprs))
	for i, ie := range node.InputExprs {
		sub, err := unify.Substitute(ie, bindings)
		if err != nil {
			return nil, fmt.Errorf("resolve %q: substitute input %d: %w", canon, i, err)
		}
		inputKeys[i] = sub
	}

	cn := &concreteNode{OutputKey: canon, Def: node, Bindings: bindings, InputKeys: inputKeys}
	e.cache.Add(canon, cn)
	return cn, nil
}

// dependentsOf returns the union of key's statically known dependents
// (from non-pattern definitions, fixed at compile time) and its
// dynamically recorded dependents (from prior recomputations), deduped.
func (e *Engine) dependentsOf(ctx context.Context, key string) ([]string, error) {
	static := e.schema.StaticDependents(key)
	dynamic, err := e.store.ListDependents(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("dependents of %q: %w", key, err)
	}
	seen := make(map[string]struct{}, len(static)+len(dynamic))
	out := make([]string, 0, len(static)+len(dynamic))
	for _, d := range static {
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	for _, d := range dynamic {
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out, nil
}

// ensureIndexed writes node's inputs record and reverse-dependency edges
// if they are not already present. It backfills nodes that became
// up-to-date without going through a full recomputation: a restored
// Seed value, or data written by a prior process run.
func (e *Engine) ensureIndexed(ctx context.Context, node *concreteNode) error {
	_, ok, err := e.store.GetInputs(ctx, node.OutputKey)
	if err != nil {
		return fmt.Errorf("ensure indexed %q: %w", node.OutputKey, err)
	}
	if ok {
		return nil
	}
	batch, err := e.store.NewBatch(ctx)
	if err != nil {
		return fmt.Errorf("ensure indexed %q: %w", node.OutputKey, err)
	}
	if err := batch.PutInputs(ctx, node.OutputKey, node.InputKeys); err != nil {
		return fmt.Errorf("ensure indexed %q: %w", node.OutputKey, err)
	}
	for _, in := range node.InputKeys {
		if err := batch.PutRevdep(ctx, in, node.OutputKey); err != nil {
			return fmt.Errorf("ensure indexed %q: %w", node.OutputKey, err)
		}
	}
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("ensure indexed %q: %w", node.OutputKey, err)
	}
	e.logger.Printf("ensure indexed %q: backfilled inputs record", node.OutputKey)
	return nil
}

// Set writes value at a source key (one whose compiled node declares no
// inputs), marks it up-to-date, and transitively marks every dependent
// potentially-outdated, skipping anything already so marked. Every write
// lands in a single batch.
func (e *Engine) Set(ctx context.Context, key string, v value.Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	opID := uuid.New().String()
	tick := e.clock.Next()
	e.logger.Printf("[set %s #%d] key=%q", opID, tick, key)

	node, err := e.resolve(key)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	if len(node.InputKeys) != 0 {
		return &errs.InvalidSetError{Key: node.OutputKey}
	}

	batch, err := e.store.NewBatch(ctx)
	if err != nil {
		return fmt.Errorf("set %q: %w", node.OutputKey, err)
	}
	if err := batch.PutValue(ctx, node.OutputKey, v); err != nil {
		return fmt.Errorf("set %q: %w", node.OutputKey, err)
	}
	if err := batch.PutFreshness(ctx, node.OutputKey, store.UpToDate); err != nil {
		return fmt.Errorf("set %q: %w", node.OutputKey, err)
	}
	// A source's inputs record is always the empty list; writing it here
	// (rather than leaving it to Seed's deliberately-skipped path) is
	// what lets DebugListMaterialized tell a properly-set source apart
	// from one that exists only as a bare seeded value.
	if err := batch.PutInputs(ctx, node.OutputKey, node.InputKeys); err != nil {
		return fmt.Errorf("set %q: %w", node.OutputKey, err)
	}

	overlay := map[string]store.Freshness{node.OutputKey: store.UpToDate}
	visited := map[string]struct{}{node.OutputKey: {}}
	queue := []string{node.OutputKey}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		dependents, err := e.dependentsOf(ctx, cur)
		if err != nil {
			return fmt.Errorf("set %q: invalidate: %w", node.OutputKey, err)
		}
		for _, dep := range dependents {
			if _, seen := visited[dep]; seen {
				continue
			}
			visited[dep] = struct{}{}

			f, ok := overlay[dep]
			if !ok {
				f, err = e.store.GetFreshness(ctx, dep)
				if err != nil {
					return fmt.Errorf("set %q: invalidate %q: %w", node.OutputKey, dep, err)
				}
			}
			if f == store.PotentiallyOutdated {
				continue
			}

			overlay[dep] = store.PotentiallyOutdated
			if err := batch.PutFreshness(ctx, dep, store.PotentiallyOutdated); err != nil {
				return fmt.Errorf("set %q: invalidate %q: %w", node.OutputKey, dep, err)
			}
			queue = append(queue, dep)
		}
	}

	e.logger.Printf("[set %s #%d] committing, %d dependents marked potentially-outdated", opID, tick, len(visited)-1)
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("set %q: %w", node.OutputKey, err)
	}
	return nil
}

// Seed writes a bare up-to-date source value with no inputs record, for
// exercising the lazy index-backfill path Pull takes on previously seeded
// or hand-written data.
func (e *Engine) Seed(ctx context.Context, key string, v value.Value) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	opID := uuid.New().String()
	tick := e.clock.Next()
	e.logger.Printf("[seed %s #%d] key=%q", opID, tick, key)

	node, err := e.resolve(key)
	if err != nil {
		return fmt.Errorf("seed %q: %w", key, err)
	}

	batch, err := e.store.NewBatch(ctx)
	if err != nil {
		return fmt.Errorf("seed %q: %w", node.OutputKey, err)
	}
	if err := batch.PutValue(ctx, node.OutputKey, v); err != nil {
		return fmt.Errorf("seed %q: %w", node.OutputKey, err)
	}
	if err := batch.PutFreshness(ctx, node.OutputKey, store.UpToDate); err != nil {
		return fmt.Errorf("seed %q: %w", node.OutputKey, err)
	}
	e.logger.Printf("[seed %s #%d] committing %q", opID, tick, node.OutputKey)
	if err := batch.Commit(ctx); err != nil {
		return fmt.Errorf("seed %q: %w", node.OutputKey, err)
	}
	return nil
}

// Pull returns key's up-to-date value, recomputing only what changed
// inputs make necessary.
func (e *Engine) Pull(ctx context.Context, key string) (value.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	opID := uuid.New().String()
	tick := e.clock.Next()
	e.logger.Printf("[pull %s #%d] key=%q", opID, tick, key)

	node, err := e.resolve(key)
	if err != nil {
		return nil, fmt.Errorf("pull %q: %w", key, err)
	}

	freshness, err := e.store.GetFreshness(ctx, node.OutputKey)
	if err != nil {
		return nil, fmt.Errorf("pull %q: get freshness: %w", node.OutputKey, err)
	}

	if freshness == store.UpToDate {
		if err := e.ensureIndexed(ctx, node); err != nil {
			return nil, fmt.Errorf("pull %q: %w", node.OutputKey, err)
		}
		v, ok, err := e.store.GetValue(ctx, node.OutputKey)
		if err != nil {
			return nil, fmt.Errorf("pull %q: get value: %w", node.OutputKey, err)
		}
		if !ok {
			return nil, &errs.MissingValueError{Key: node.OutputKey, Reason: "up-to-date node has no stored value"}
		}
		e.logger.Printf("[pull %s #%d] cached hit for %q", opID, tick, node.OutputKey)
		return v, nil
	}

	v, err := e.recalculate(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("pull %q: recalculate: %w", node.OutputKey, err)
	}
	e.logger.Printf("[pull %s #%d] recomputed %q", opID, tick, node.OutputKey)
	return v, nil
}

// DebugGetFreshness reports key's current freshness, parsing and
// canonicalizing it first so a malformed key surfaces InvalidExpression
// rather than silently reading as "missing".
func (e *Engine) DebugGetFreshness(ctx context.Context, key string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	canon, err := expr.Canonicalize(key)
	if err != nil {
		return "", fmt.Errorf("debug freshness %q: %w", key, err)
	}
	f, err := e.store.GetFreshness(ctx, canon)
	if err != nil {
		return "", fmt.Errorf("debug freshness %q: %w", canon, err)
	}
	switch f {
	case store.UpToDate:
		return "up-to-date", nil
	case store.PotentiallyOutdated:
		return "potentially-outdated", nil
	default:
		return "missing", nil
	}
}

// DebugListMaterialized lists every concrete key that has actually been
// computed or set at least once.
func (e *Engine) DebugListMaterialized(ctx context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.ListMaterialized(ctx)
}
