package store

import (
	"errors"
	"fmt"

	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/basenode/libs/log"
)

// kvStore is the small slice of a key-value engine the block store needs.
// Get returns nil for a missing key.
type kvStore interface {
	Get(key []byte) ([]byte, error)
	Iterate(start, end []byte, fn func(key, value []byte) error) error
	NewBatch() kvBatch
	Close() error
}

type kvBatch interface {
	Set(key, value []byte) error
	Delete(key []byte) error
	Write() error
	Close() error
}

const (
	BackendMemDB     = "memdb"
	BackendGoLevelDB = "goleveldb"
	BackendBadger    = "badgerdb"
)

var errStopIteration = errors.New("stop iteration")

// Open opens a block store on the named backend. An empty dir keeps the
// data in memory for every backend.
func Open(backend, name, dir string, logger log.Logger) (*BlockStore, error) {
	var (
		kv  kvStore
		err error
	)
	switch backend {
	case BackendMemDB:
		kv = &tmdbStore{db: dbm.NewMemDB()}
	case BackendGoLevelDB:
		var db dbm.DB
		db, err = dbm.NewDB(name, dbm.GoLevelDBBackend, dir)
		kv = &tmdbStore{db: db}
	case BackendBadger:
		kv, err = openBadger(dir, logger)
	default:
		return nil, fmt.Errorf("unknown db backend %q", backend)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", backend, err)
	}
	return newBlockStore(kv), nil
}

// NewMemStore returns an empty in-memory block store.
func NewMemStore() *BlockStore {
	return newBlockStore(&tmdbStore{db: dbm.NewMemDB()})
}

// tmdbStore adapts a tm-db database.
type tmdbStore struct {
	db dbm.DB
}

func (s *tmdbStore) Get(key []byte) ([]byte, error) { return s.db.Get(key) }

func (s *tmdbStore) Iterate(start, end []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return err
	}
	defer iter.Close()

	for ; iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			if errors.Is(err, errStopIteration) {
				return nil
			}
			return err
		}
	}
	return iter.Error()
}

func (s *tmdbStore) NewBatch() kvBatch { return &tmdbBatch{b: s.db.NewBatch()} }

func (s *tmdbStore) Close() error { return s.db.Close() }

type tmdbBatch struct {
	b dbm.Batch
}

func (b *tmdbBatch) Set(key, value []byte) error { return b.b.Set(key, value) }
func (b *tmdbBatch) Delete(key []byte) error     { return b.b.Delete(key) }
func (b *tmdbBatch) Write() error                { return b.b.WriteSync() }
func (b *tmdbBatch) Close() error                { return b.b.Close() }
