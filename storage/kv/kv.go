// Package kv provides the key-value backends used by the in-memory ledger:
// a map for tests and LevelDB for a simulator that survives restarts.
package kv

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: key not found")

// Database is the storage surface the ledger simulator needs. Write applies
// a batch atomically: either every change is visible or none is.
type Database interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Write(b *Batch) error
	// Keys returns every key with the prefix in lexical order.
	Keys(prefix []byte) ([][]byte, error)
	Close() error
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// Batch accumulates puts and deletes for a single atomic Write. Later
// operations on the same key win.
type Batch struct {
	ops []batchOp
}

// Put stages key=value.
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: clone(key), value: clone(value)})
}

// Delete stages the removal of key.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: clone(key), delete: true})
}

// Len is the number of staged operations.
func (b *Batch) Len() int { return len(b.ops) }

func clone(b []byte) []byte { return append([]byte(nil), b...) }

// MemDB keeps everything in a map. Values are copied on the way in and out.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(value), nil
}

func (db *MemDB) Put(key, value []byte) error {
	b := &Batch{}
	b.Put(key, value)
	return db.Write(b)
}

func (db *MemDB) Delete(key []byte) error {
	b := &Batch{}
	b.Delete(key)
	return db.Write(b)
}

func (db *MemDB) Write(b *Batch) error {
	if b == nil {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, op := range b.ops {
		if op.delete {
			delete(db.data, string(op.key))
			continue
		}
		db.data[string(op.key)] = op.value
	}
	return nil
}

func (db *MemDB) Keys(prefix []byte) ([][]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.data))
	for key := range db.data {
		if strings.HasPrefix(key, string(prefix)) {
			names = append(names, key)
		}
	}
	sort.Strings(names)
	out := make([][]byte, len(names))
	for i, name := range names {
		out[i] = []byte(name)
	}
	return out, nil
}

func (db *MemDB) Close() error { return nil }

// LevelDB persists the simulator state on disk.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens or creates the database directory at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (ldb *LevelDB) Put(key, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

// Delete removes the key. Missing keys are not an error.
func (ldb *LevelDB) Delete(key []byte) error {
	return ldb.db.Delete(key, nil)
}

func (ldb *LevelDB) Write(b *Batch) error {
	if b == nil || len(b.ops) == 0 {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, op := range b.ops {
		if op.delete {
			batch.Delete(op.key)
			continue
		}
		batch.Put(op.key, op.value)
	}
	return ldb.db.Write(batch, nil)
}

func (ldb *LevelDB) Keys(prefix []byte) ([][]byte, error) {
	iter := ldb.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	var out [][]byte
	for iter.Next() {
		out = append(out, clone(iter.Key()))
	}
	return out, iter.Error()
}

func (ldb *LevelDB) Close() error {
	return ldb.db.Close()
}
