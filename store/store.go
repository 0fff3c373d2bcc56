// Package store implements the schema-scoped, persistent sub-stores the
// engine reads and writes: materialized values, freshness flags, recorded
// input lists, and reverse-dependency edges. Every key lives under a
// namespace derived from the owning schema's hash, so two schemas never
// see each other's data even when backed by the same datastore.Datastore.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	ds "github.com/ipfs/go-datastore"

	"github.com/ottojung/increment/datastore"
	"github.com/ottojung/increment/value"
)

// Freshness is the ternary state a materialized node can be in.
type Freshness int

const (
	// Absent means no value has ever been computed for this key.
	Absent Freshness = iota
	// UpToDate means the stored value reflects every current input.
	UpToDate
	// PotentiallyOutdated means an input changed since this value was
	// computed; it must be recomputed before being trusted again.
	PotentiallyOutdated
)

// revdepSeparator joins an input key and a dependent key inside one
// revdeps entry name. It can never appear inside a canonical expression,
// whose alphabet is limited to identifier characters, '(', ')' and ','.
const revdepSeparator = "\x00"

// Store is one schema's view over a shared backing datastore.
type Store struct {
	backing datastore.Datastore
	ns      ds.Key
}

// New returns the sub-store namespaced under schemaHash.
func New(backing datastore.Datastore, schemaHash string) *Store {
	return &Store{
		backing: backing,
		ns:      ds.NewKey("/schema").ChildString(schemaHash),
	}
}

func (s *Store) valuesKey(key string) ds.Key {
	return s.ns.ChildString("values").ChildString(key)
}

func (s *Store) freshnessKey(key string) ds.Key {
	return s.ns.ChildString("freshness").ChildString(key)
}

func (s *Store) inputsKey(key string) ds.Key {
	return s.ns.ChildString("inputs").ChildString(key)
}

func (s *Store) revdepsPrefix() ds.Key {
	return s.ns.ChildString("revdeps")
}

func (s *Store) revdepKey(input, dependent string) ds.Key {
	return s.revdepsPrefix().ChildString(input + revdepSeparator + dependent)
}

// GetValue returns the materialized value for key, if any exists.
func (s *Store) GetValue(ctx context.Context, key string) (value.Value, bool, error) {
	raw, err := s.backing.Get(ctx, s.valuesKey(key))
	if err != nil {
		if err == ds.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get value %q: %w", key, err)
	}
	var v value.Value
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false, fmt.Errorf("get value %q: unmarshal: %w", key, err)
	}
	return v, true, nil
}

// GetFreshness returns key's current freshness state, Absent if unset.
func (s *Store) GetFreshness(ctx context.Context, key string) (Freshness, error) {
	raw, err := s.backing.Get(ctx, s.freshnessKey(key))
	if err != nil {
		if err == ds.ErrNotFound {
			return Absent, nil
		}
		return Absent, fmt.Errorf("get freshness %q: %w", key, err)
	}
	if len(raw) != 1 {
		return Absent, nil
	}
	return Freshness(raw[0]), nil
}

// GetInputs returns the canonical input keys recorded the last time key
// was computed.
func (s *Store) GetInputs(ctx context.Context, key string) ([]string, bool, error) {
	raw, err := s.backing.Get(ctx, s.inputsKey(key))
	if err != nil {
		if err == ds.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get inputs %q: %w", key, err)
	}
	if len(raw) == 0 {
		return []string{}, true, nil
	}
	return strings.Split(string(raw), revdepSeparator), true, nil
}

// ListDependents returns every key recorded as depending on input through
// a stored reverse-dependency edge. Edges are written when a dependent is
// computed or backfilled; compile-time static dependents are not listed
// here unless such an edge has been stored for them.
func (s *Store) ListDependents(ctx context.Context, input string) ([]string, error) {
	// Datastore prefix queries match whole path segments, so scan the
	// revdeps namespace and filter on the "<input><sep>" name prefix.
	namePrefix := input + revdepSeparator
	out, errc, err := s.backing.Keys(ctx, s.revdepsPrefix())
	if err != nil {
		return nil, fmt.Errorf("list dependents of %q: %w", input, err)
	}
	var dependents []string
	for k := range out {
		name := ds.NewKey(k.String()).Name()
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		dependents = append(dependents, name[len(namePrefix):])
	}
	if err := <-errc; err != nil {
		return nil, fmt.Errorf("list dependents of %q: %w", input, err)
	}
	return dependents, nil
}

// ListMaterialized returns every key that has actually been computed (or
// set) at least once, i.e. carries an inputs record, as opposed to any
// key that merely has a values row (a source value written by Seed
// without an inputs record does not count until pull backfills it).
func (s *Store) ListMaterialized(ctx context.Context) ([]string, error) {
	prefix := s.ns.ChildString("inputs")
	out, errc, err := s.backing.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list materialized: %w", err)
	}
	var keys []string
	for k := range out {
		keys = append(keys, ds.NewKey(k.String()).Name())
	}
	if err := <-errc; err != nil {
		return nil, fmt.Errorf("list materialized: %w", err)
	}
	return keys, nil
}

// Batch accumulates writes across several sub-stores so a recomputation's
// value, freshness, input list and reverse-dependency edges all land in a
// single atomic commit.
type Batch struct {
	store *Store
	batch ds.Batch
}

// NewBatch opens a new batch against the backing datastore.
func (s *Store) NewBatch(ctx context.Context) (*Batch, error) {
	b, err := s.backing.Batch(ctx)
	if err != nil {
		return nil, fmt.Errorf("new batch: %w", err)
	}
	return &Batch{store: s, batch: b}, nil
}

// PutValue stages a materialized value for key.
func (b *Batch) PutValue(ctx context.Context, key string, v value.Value) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("put value %q: marshal: %w", key, err)
	}
	if err := b.batch.Put(ctx, b.store.valuesKey(key), raw); err != nil {
		return fmt.Errorf("put value %q: %w", key, err)
	}
	return nil
}

// PutFreshness stages a freshness update for key.
func (b *Batch) PutFreshness(ctx context.Context, key string, f Freshness) error {
	if err := b.batch.Put(ctx, b.store.freshnessKey(key), []byte{byte(f)}); err != nil {
		return fmt.Errorf("put freshness %q: %w", key, err)
	}
	return nil
}

// PutInputs stages the recorded input list for key, overwriting any prior
// list (and so the revdep edges it implies must be re-derived by the
// caller before or after this call, not assumed unchanged).
func (b *Batch) PutInputs(ctx context.Context, key string, inputs []string) error {
	if err := b.batch.Put(ctx, b.store.inputsKey(key), []byte(strings.Join(inputs, revdepSeparator))); err != nil {
		return fmt.Errorf("put inputs %q: %w", key, err)
	}
	return nil
}

// PutRevdep stages a reverse-dependency edge: dependent reads input. Edges
// are append-only: a concrete node's input keys never change once
// resolved, so nothing ever needs to retract one.
func (b *Batch) PutRevdep(ctx context.Context, input, dependent string) error {
	if err := b.batch.Put(ctx, b.store.revdepKey(input, dependent), []byte{}); err != nil {
		return fmt.Errorf("put revdep %q->%q: %w", input, dependent, err)
	}
	return nil
}

// Commit flushes every staged write atomically.
func (b *Batch) Commit(ctx context.Context) error {
	if err := b.batch.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// ListSchemas lists every schema namespace present in backing, regardless
// of which Store instance (if any) is currently using it. It backs the
// supplemented "schemas" introspection operation.
func ListSchemas(ctx context.Context, backing datastore.Datastore) ([]string, error) {
	out, errc, err := backing.Keys(ctx, ds.NewKey("/schema"))
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	seen := make(map[string]struct{})
	for k := range out {
		parts := k.Namespaces()
		if len(parts) < 2 {
			continue
		}
		seen[parts[1]] = struct{}{}
	}
	if err := <-errc; err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	hashes := make([]string, 0, len(seen))
	for h := range seen {
		hashes = append(hashes, h)
	}
	return hashes, nil
}
