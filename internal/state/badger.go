package state

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/internal/logging"
)

const badgerKeyPrefix = "node/"

// BadgerStore keeps records in an embedded badger database. Badger's
// serializable transactions give the read-compare-write its atomicity.
type BadgerStore struct {
	db    *badger.DB
	codec codec
}

// BadgerOptions configures OpenBadgerStore.
type BadgerOptions struct {
	// Path is the database directory; ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any)   { logging.Error(fmt.Sprintf(format, args...)) }
func (badgerLogger) Warningf(format string, args ...any) { logging.Warn(fmt.Sprintf(format, args...)) }
func (badgerLogger) Infof(format string, args ...any)    {}
func (badgerLogger) Debugf(format string, args ...any)   {}

func OpenBadgerStore(opts BadgerOptions, cipher *Cipher) (*BadgerStore, error) {
	var bo badger.Options
	if opts.InMemory {
		bo = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, errors.New("badger state requires a path")
		}
		if err := os.MkdirAll(opts.Path, 0750); err != nil {
			return nil, fmt.Errorf("create state directory %s: %w", opts.Path, err)
		}
		bo = badger.DefaultOptions(opts.Path)
	}
	bo = bo.WithSyncWrites(opts.SyncWrites).WithNumVersionsToKeep(1).WithLogger(badgerLogger{})

	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("open badger state: %w", err)
	}
	return &BadgerStore{db: db, codec: codec{cipher: cipher}}, nil
}

func badgerKey(id string) []byte { return []byte(badgerKeyPrefix + id) }

func (b *BadgerStore) get(txn *badger.Txn, id string) (*ir.ActualState, error) {
	item, err := txn.Get(badgerKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st *ir.ActualState
	err = item.Value(func(val []byte) error {
		var derr error
		st, derr = b.codec.decode(val)
		return derr
	})
	return st, err
}

func (b *BadgerStore) Read(ctx context.Context, id string) (*ir.ActualState, error) {
	var st *ir.ActualState
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		st, err = b.get(txn, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read state for %s: %w", id, err)
	}
	return st, nil
}

// update runs fn in a read-write transaction and maps badger's commit-time
// conflict onto a ConflictError carrying the version that won.
func (b *BadgerStore) update(id string, expectedVersion int64, fn func(txn *badger.Txn) error) error {
	err := b.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		current, rerr := b.Read(context.Background(), id)
		var actual int64
		if rerr == nil && current != nil {
			actual = current.Version
		}
		return conflict(id, expectedVersion, actual)
	}
	return err
}

func (b *BadgerStore) Write(ctx context.Context, id string, st *ir.ActualState, expectedVersion int64) (int64, error) {
	next := expectedVersion + 1
	err := b.update(id, expectedVersion, func(txn *badger.Txn) error {
		prev, err := b.get(txn, id)
		if err != nil {
			return err
		}
		var current int64
		if prev != nil {
			current = prev.Version
		}
		if current != expectedVersion {
			return conflict(id, expectedVersion, current)
		}
		payload, err := b.codec.encode(stamp(id, st, next))
		if err != nil {
			return err
		}
		return txn.Set(badgerKey(id), payload)
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (b *BadgerStore) Delete(ctx context.Context, id string, expectedVersion int64) error {
	return b.update(id, expectedVersion, func(txn *badger.Txn) error {
		prev, err := b.get(txn, id)
		if err != nil {
			return err
		}
		var current int64
		if prev != nil {
			current = prev.Version
		}
		if current != expectedVersion {
			return conflict(id, expectedVersion, current)
		}
		if prev == nil {
			return nil
		}
		return txn.Delete(badgerKey(id))
	})
}

func (b *BadgerStore) List(ctx context.Context) ([]*ir.ActualState, error) {
	var out []*ir.ActualState
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				st, err := b.codec.decode(val)
				if err != nil {
					return err
				}
				out = append(out, st)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list state: %w", err)
	}
	return out, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }
