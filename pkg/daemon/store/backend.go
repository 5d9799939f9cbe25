package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.etcd.io/bbolt"
)

// backend is the minimal key-value surface both engines provide.
type backend interface {
	view(fn func(r reader) error) error
	update(fn func(w writer) error) error
	close() error
}

type reader interface {
	// get returns a copy of the value or ErrNotFound.
	get(key []byte) ([]byte, error)
	// scan calls fn for every key with prefix in key order. Returning
	// errStopScan ends the scan without error.
	scan(prefix []byte, fn func(key, val []byte) error) error
}

type writer interface {
	reader
	set(key, val []byte) error
	delete(key []byte) error
}

// badgerBackend stores keys in a Badger directory.
type badgerBackend struct {
	db *badger.DB
}

func openBadger(path string) (*badgerBackend, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerBackend{db: db}, nil
}

func (b *badgerBackend) view(fn func(r reader) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		return fn(badgerTxn{txn})
	})
}

func (b *badgerBackend) update(fn func(w writer) error) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(badgerTxn{txn})
	})
}

func (b *badgerBackend) close() error {
	return b.db.Close()
}

type badgerTxn struct {
	txn *badger.Txn
}

func (t badgerTxn) get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t badgerTxn) scan(prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		err := item.Value(func(val []byte) error {
			return fn(key, val)
		})
		if errors.Is(err, errStopScan) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t badgerTxn) set(key, val []byte) error {
	return t.txn.Set(key, val)
}

func (t badgerTxn) delete(key []byte) error {
	return t.txn.Delete(key)
}

var boltBucket = []byte("hindsight")

// boltBackend stores keys in one bucket of a bbolt file.
type boltBackend struct {
	db *bbolt.DB
}

func openBolt(path string) (*boltBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("file may be locked by another process: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return &boltBackend{db: db}, nil
}

func (b *boltBackend) view(fn func(r reader) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		return fn(boltTxn{tx.Bucket(boltBucket)})
	})
}

func (b *boltBackend) update(fn func(w writer) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return fn(boltTxn{tx.Bucket(boltBucket)})
	})
}

func (b *boltBackend) close() error {
	return b.db.Close()
}

type boltTxn struct {
	bucket *bbolt.Bucket
}

func (t boltTxn) get(key []byte) ([]byte, error) {
	val := t.bucket.Get(key)
	if val == nil {
		return nil, ErrNotFound
	}
	// bbolt values are only valid for the life of the transaction.
	return append([]byte(nil), val...), nil
}

func (t boltTxn) scan(prefix []byte, fn func(key, val []byte) error) error {
	c := t.bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		err := fn(append([]byte(nil), k...), v)
		if errors.Is(err, errStopScan) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t boltTxn) set(key, val []byte) error {
	return t.bucket.Put(key, val)
}

func (t boltTxn) delete(key []byte) error {
	return t.bucket.Delete(key)
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}
