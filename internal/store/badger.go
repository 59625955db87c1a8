package store

import (
	"bytes"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/tendermint/basenode/libs/log"
)

type badgerStore struct {
	db *badger.DB
}

func openBadger(dir string, logger log.Logger) (*badgerStore, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{logger.With("module", "badger")})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) Get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (s *badgerStore) Iterate(start, end []byte, fn func(key, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(start); it.Valid(); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if end != nil && bytes.Compare(key, end) >= 0 {
				return nil
			}
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(key, value); err != nil {
				if errors.Is(err, errStopIteration) {
					return nil
				}
				return err
			}
		}
		return nil
	})
}

func (s *badgerStore) NewBatch() kvBatch { return &badgerBatch{wb: s.db.NewWriteBatch()} }

func (s *badgerStore) Close() error { return s.db.Close() }

type badgerBatch struct {
	wb      *badger.WriteBatch
	flushed bool
}

func (b *badgerBatch) Set(key, value []byte) error { return b.wb.Set(key, value) }
func (b *badgerBatch) Delete(key []byte) error     { return b.wb.Delete(key) }

func (b *badgerBatch) Write() error {
	b.flushed = true
	return b.wb.Flush()
}

func (b *badgerBatch) Close() error {
	if !b.flushed {
		b.wb.Cancel()
	}
	return nil
}

// badgerLogger routes badger's printf style logging into the node logger.
// Info and debug chatter is kept at debug level.
type badgerLogger struct {
	logger log.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
