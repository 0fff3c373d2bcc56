package store

import (
	"context"
	"testing"

	badger4 "github.com/ipfs/go-ds-badger4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottojung/increment/datastore"
)

func setupStore(t *testing.T, schemaHash string) (*Store, func()) {
	t.Helper()
	tempDir := t.TempDir()
	backing, err := datastore.Open(tempDir, &badger4.DefaultOptions)
	require.NoError(t, err)
	s := New(backing, schemaHash)
	return s, func() { backing.Close() }
}

func TestGetValueMissing(t *testing.T) {
	s, cleanup := setupStore(t, "aaaa111122223333")
	defer cleanup()

	_, ok, err := s.GetValue(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutAndGetValue(t *testing.T) {
	s, cleanup := setupStore(t, "aaaa111122223333")
	defer cleanup()
	ctx := context.Background()

	b, err := s.NewBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, b.PutValue(ctx, "x", "A"))
	require.NoError(t, b.PutFreshness(ctx, "x", UpToDate))
	require.NoError(t, b.Commit(ctx))

	v, ok, err := s.GetValue(ctx, "x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", v)

	f, err := s.GetFreshness(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, UpToDate, f)
}

func TestFreshnessAbsentByDefault(t *testing.T) {
	s, cleanup := setupStore(t, "aaaa111122223333")
	defer cleanup()

	f, err := s.GetFreshness(context.Background(), "never-set")
	require.NoError(t, err)
	assert.Equal(t, Absent, f)
}

func TestRevdepsAndListDependents(t *testing.T) {
	s, cleanup := setupStore(t, "aaaa111122223333")
	defer cleanup()
	ctx := context.Background()

	b, err := s.NewBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, b.PutRevdep(ctx, "x", "y"))
	require.NoError(t, b.PutRevdep(ctx, "x", "z"))
	require.NoError(t, b.Commit(ctx))

	deps, err := s.ListDependents(ctx, "x")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"y", "z"}, deps)
}

func TestInputsRoundTrip(t *testing.T) {
	s, cleanup := setupStore(t, "aaaa111122223333")
	defer cleanup()
	ctx := context.Background()

	b, err := s.NewBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, b.PutInputs(ctx, "z", []string{"x", "y"}))
	require.NoError(t, b.Commit(ctx))

	inputs, ok, err := s.GetInputs(ctx, "z")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, inputs)
}

func TestListMaterializedRequiresInputsRecord(t *testing.T) {
	s, cleanup := setupStore(t, "aaaa111122223333")
	defer cleanup()
	ctx := context.Background()

	b, err := s.NewBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, b.PutValue(ctx, "bare-seed", "A"))
	require.NoError(t, b.PutFreshness(ctx, "bare-seed", UpToDate))
	require.NoError(t, b.PutInputs(ctx, "computed", []string{}))
	require.NoError(t, b.Commit(ctx))

	keys, err := s.ListMaterialized(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"computed"}, keys)
}

func TestNamespaceIsolationBetweenSchemas(t *testing.T) {
	tempDir := t.TempDir()
	backing, err := datastore.Open(tempDir, &badger4.DefaultOptions)
	require.NoError(t, err)
	defer backing.Close()

	ctx := context.Background()
	s1 := New(backing, "hash0000000000a1")
	s2 := New(backing, "hash0000000000b2")

	b, err := s1.NewBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, b.PutValue(ctx, "x", "from-s1"))
	require.NoError(t, b.Commit(ctx))

	_, ok, err := s2.GetValue(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)

	hashes, err := ListSchemas(ctx, backing)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"hash0000000000a1"}, hashes)
}
