// Package memengine is an in-memory engine.Engine intended for tests.
//
// Each transaction works on a private snapshot of the database; a writable
// transaction publishes its snapshot on commit. Only one writable transaction
// runs at a time. Databases outlive their Storage handles, so a database can
// be closed and reopened within the lifetime of an Engine.
package memengine

import (
	"bytes"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/andreyvit/objstore/engine"
)

const bucketSep = "\x00"

type Engine struct {
	mu  sync.Mutex
	dbs map[string]*database
}

func New() *Engine {
	return &Engine{dbs: make(map[string]*database)}
}

func (e *Engine) Open(name string) (engine.Storage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.dbs[name]
	if d == nil {
		d = &database{buckets: make(map[string]*memBucket)}
		d.cond = sync.NewCond(&d.mu)
		e.dbs[name] = d
	}
	return &storage{db: d}, nil
}

func (e *Engine) Delete(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.dbs, name)
	return nil
}

// Names returns the names of existing databases, sorted.
func (e *Engine) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.dbs))
	for name := range e.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type database struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*memBucket
	writer  bool
}

type storage struct {
	db     *database
	closed bool
}

func (s *storage) BeginTx(writable bool) (engine.Tx, error) {
	d := s.db
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.closed {
		return nil, engine.ErrClosed
	}
	if writable {
		for d.writer && !s.closed {
			d.cond.Wait()
		}
		if s.closed {
			return nil, engine.ErrClosed
		}
		d.writer = true
	}

	snap := make(map[string]*memBucket, len(d.buckets))
	for k, b := range d.buckets {
		if writable {
			snap[k] = b.clone()
		} else {
			snap[k] = b
		}
	}
	return &memTx{
		writable: writable,
		storage:  s,
		buckets:  snap,
	}, nil
}

func (s *storage) Close() error {
	d := s.db
	d.mu.Lock()
	defer d.mu.Unlock()
	s.closed = true
	d.cond.Broadcast()
	return nil
}

type memTx struct {
	storage  *storage
	writable bool
	buckets  map[string]*memBucket
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	if tx.writable {
		tx.storage.db.writer = false
		tx.storage.db.cond.Broadcast()
	}
}

func (tx *memTx) Bucket(name, sub string) (engine.Bucket, error) {
	if tx.closed {
		return nil, engine.ErrClosed
	}
	b := tx.buckets[bucketKey(name, sub)]
	if b == nil {
		return nil, nil
	}
	return bucketHandle{tx: tx, b: b}, nil
}

func (tx *memTx) CreateBucket(name, sub string) (engine.Bucket, error) {
	if tx.closed {
		return nil, engine.ErrClosed
	}
	if !tx.writable {
		return nil, engine.ErrNotWritable
	}

	rootKey := bucketKey(name, "")
	if tx.buckets[rootKey] == nil {
		tx.buckets[rootKey] = &memBucket{}
	}

	key := bucketKey(name, sub)
	b := tx.buckets[key]
	if b == nil {
		b = &memBucket{}
		tx.buckets[key] = b
	}
	return bucketHandle{tx: tx, b: b}, nil
}

func (tx *memTx) DeleteBucket(name, sub string) error {
	if tx.closed {
		return engine.ErrClosed
	}
	if !tx.writable {
		return engine.ErrNotWritable
	}
	key := bucketKey(name, sub)
	if tx.buckets[key] == nil {
		return engine.ErrBucketNotFound
	}
	if sub == "" {
		prefix := name + bucketSep
		for k := range tx.buckets {
			if strings.HasPrefix(k, prefix) {
				delete(tx.buckets, k)
			}
		}
		return nil
	}
	delete(tx.buckets, key)
	return nil
}

func (tx *memTx) Commit() error {
	d := tx.storage.db
	d.mu.Lock()
	defer d.mu.Unlock()
	if tx.closed {
		return engine.ErrClosed
	}
	if !tx.writable {
		tx.closeLocked()
		return engine.ErrNotWritable
	}
	if tx.storage.closed {
		tx.closeLocked()
		return engine.ErrClosed
	}
	d.buckets = tx.buckets
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	d := tx.storage.db
	d.mu.Lock()
	defer d.mu.Unlock()
	tx.closeLocked()
	return nil
}

func bucketKey(name, sub string) string {
	return name + bucketSep + sub
}

type memBucket struct {
	items []memKV // sorted by key
}

func (b *memBucket) clone() *memBucket {
	out := &memBucket{items: make([]memKV, len(b.items))}
	copy(out.items, b.items)
	return out
}

// memKV slices are never mutated in place, so clones can share them.
type memKV struct {
	key   []byte
	value []byte
}

type bucketHandle struct {
	tx *memTx
	b  *memBucket
}

func (b bucketHandle) Get(key []byte) ([]byte, error) {
	if b.tx.closed {
		return nil, engine.ErrClosed
	}
	i, ok := b.find(key)
	if !ok {
		return nil, nil
	}
	return b.b.items[i].value, nil
}

func (b bucketHandle) Put(key, value []byte) error {
	if b.tx.closed {
		return engine.ErrClosed
	}
	if !b.tx.writable {
		return engine.ErrNotWritable
	}
	key = slices.Clone(key)
	value = slices.Clone(value)
	if value == nil {
		value = []byte{}
	}

	i, ok := b.find(key)
	if ok {
		b.b.items[i].value = value
		return nil
	}
	b.b.items = slices.Insert(b.b.items, i, memKV{key: key, value: value})
	return nil
}

func (b bucketHandle) Delete(key []byte) error {
	if b.tx.closed {
		return engine.ErrClosed
	}
	if !b.tx.writable {
		return engine.ErrNotWritable
	}
	i, ok := b.find(key)
	if !ok {
		return nil
	}
	b.b.items = slices.Delete(b.b.items, i, i+1)
	return nil
}

func (b bucketHandle) Cursor() engine.Cursor {
	return &cursor{b: b.b, pos: -1}
}

func (b bucketHandle) KeyCount() (int, error) { return len(b.b.items), nil }

func (b bucketHandle) find(key []byte) (idx int, ok bool) {
	items := b.b.items
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}

type cursor struct {
	b   *memBucket
	pos int
}

func (c *cursor) at() ([]byte, []byte) {
	if c.pos < 0 || c.pos >= len(c.b.items) {
		return nil, nil
	}
	kv := c.b.items[c.pos]
	return kv.key, kv.value
}

func (c *cursor) First() ([]byte, []byte) {
	c.pos = 0
	return c.at()
}

func (c *cursor) Last() ([]byte, []byte) {
	c.pos = len(c.b.items) - 1
	return c.at()
}

func (c *cursor) Seek(seek []byte) ([]byte, []byte) {
	items := c.b.items
	c.pos = sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, seek) >= 0
	})
	return c.at()
}

func (c *cursor) Next() ([]byte, []byte) {
	if c.pos >= len(c.b.items) {
		return nil, nil
	}
	c.pos++
	return c.at()
}

func (c *cursor) Prev() ([]byte, []byte) {
	if c.pos < 0 {
		return nil, nil
	}
	c.pos--
	return c.at()
}

func (c *cursor) Err() error { return nil }
