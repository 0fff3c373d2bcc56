// Package datastore wraps an embedded badger4-backed go-datastore with the
// extra operations the engine's storage layer needs: a channel-based
// prefix iterator, a key-only prefix listing, and a whole-store merge and
// clear, all driven off ds.Query so they share badger's snapshot semantics
// with the rest of the datastore API.
package datastore

import (
	"context"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	badger4 "github.com/ipfs/go-ds-badger4"
)

// Datastore is a badger-backed ds.Datastore with batching, transactions,
// TTLs and GC, plus the prefix-scan helpers the store package relies on.
type Datastore interface {
	ds.Datastore
	ds.BatchingFeature
	ds.TxnFeature
	ds.GCFeature
	ds.PersistentFeature
	ds.TTL

	// Iterator streams every key-value pair under prefix. A failing Query
	// is returned directly; after that the error channel carries at most
	// one error (from a failed result or ctx.Done) and both channels
	// close once the scan ends.
	Iterator(ctx context.Context, prefix ds.Key, keysOnly bool) (<-chan KeyValue, <-chan error, error)

	// Merge copies every entry of other into this store via a single
	// batch commit.
	Merge(ctx context.Context, other Datastore) error

	// Clear deletes every entry in the store.
	Clear(ctx context.Context) error

	// Keys streams every key under prefix, without values.
	Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error)
}

// KeyValue is one entry returned by Iterator.
type KeyValue struct {
	Key   ds.Key
	Value []byte
}

var _ ds.Datastore = (*datastorage)(nil)
var _ ds.PersistentDatastore = (*datastorage)(nil)
var _ ds.TxnDatastore = (*datastorage)(nil)
var _ ds.TTLDatastore = (*datastorage)(nil)
var _ ds.GCDatastore = (*datastorage)(nil)
var _ ds.Batching = (*datastorage)(nil)

type datastorage struct {
	*badger4.Datastore
}

// Open opens (or creates) a badger4 datastore rooted at path.
func Open(path string, opts *badger4.Options) (Datastore, error) {
	badgerDS, err := badger4.NewDatastore(path, opts)
	if err != nil {
		return nil, err
	}
	return &datastorage{Datastore: badgerDS}, nil
}

func (s *datastorage) Iterator(ctx context.Context, prefix ds.Key, keysOnly bool) (<-chan KeyValue, <-chan error, error) {
	q := query.Query{
		Prefix:   prefix.String(),
		KeysOnly: keysOnly,
	}

	result, err := s.Datastore.Query(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan KeyValue)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		defer result.Close()

		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case res, ok := <-result.Next():
				if !ok {
					return
				}
				if res.Error != nil {
					errc <- res.Error
					return
				}
				select {
				case out <- KeyValue{Key: ds.NewKey(res.Key), Value: res.Value}:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}
	}()

	return out, errc, nil
}

func (s *datastorage) Merge(ctx context.Context, other Datastore) error {
	batch, err := s.Batch(ctx)
	if err != nil {
		return err
	}

	it, errc, err := other.Iterator(ctx, ds.NewKey("/"), false)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-errc:
			if ok && e != nil {
				return e
			}
			errc = nil
		case kv, ok := <-it:
			if !ok {
				return batch.Commit(ctx)
			}
			if err := batch.Put(ctx, kv.Key, kv.Value); err != nil {
				return err
			}
		}
	}
}

func (s *datastorage) Clear(ctx context.Context) error {
	q, err := s.Query(ctx, query.Query{KeysOnly: true})
	if err != nil {
		return err
	}
	defer q.Close()

	b, err := s.Batch(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res, ok := <-q.Next():
			if !ok {
				return b.Commit(ctx)
			}
			if res.Error != nil {
				return res.Error
			}
			if err := b.Delete(ctx, ds.NewKey(res.Key)); err != nil {
				return err
			}
		}
	}
}

func (s *datastorage) Keys(ctx context.Context, prefix ds.Key) (<-chan ds.Key, <-chan error, error) {
	q := query.Query{
		Prefix:   prefix.String(),
		KeysOnly: true,
	}

	result, err := s.Datastore.Query(ctx, q)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan ds.Key)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)
		defer result.Close()

		for {
			select {
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			case res, ok := <-result.Next():
				if !ok {
					return
				}
				if res.Error != nil {
					errc <- res.Error
					return
				}
				select {
				case out <- ds.NewKey(res.Key):
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}
	}()

	return out, errc, nil
}

func (s *datastorage) Close() error {
	return s.Datastore.Close()
}
