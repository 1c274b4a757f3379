// Package boltengine implements engine.Engine on top of bbolt, one database
// file per database name.
package boltengine

import (
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/andreyvit/objstore/engine"
)

// Options configure the bbolt files opened by an Engine.
type Options struct {
	// Timeout is how long Open waits for the file lock held by another
	// handle. Zero means 1 second; a negative value waits forever.
	Timeout time.Duration

	// NoSync disables fsync after commit. Only use for tests.
	NoSync bool

	// MmapSize is the initial mmap size, in bytes.
	MmapSize int

	// FileMode of created database files; defaults to 0644.
	FileMode os.FileMode
}

type Engine struct {
	Dir     string
	Options Options
}

func New(dir string, opt Options) *Engine {
	return &Engine{Dir: dir, Options: opt}
}

// Path returns the file path of the named database.
func (e *Engine) Path(name string) string {
	return filepath.Join(e.Dir, name+".db")
}

func (e *Engine) Open(name string) (engine.Storage, error) {
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return nil, err
	}

	mode := e.Options.FileMode
	if mode == 0 {
		mode = 0o644
	}
	timeout := e.Options.Timeout
	if timeout == 0 {
		timeout = time.Second
	} else if timeout < 0 {
		timeout = 0
	}
	bdb, err := bbolt.Open(e.Path(name), mode, &bbolt.Options{
		Timeout:         timeout,
		NoSync:          e.Options.NoSync,
		InitialMmapSize: e.Options.MmapSize,
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "open %s", name)
	}
	return Wrap(bdb), nil
}

func (e *Engine) Delete(name string) error {
	err := os.Remove(e.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Wrap adapts an already open bbolt database. Closing the returned storage
// closes bdb.
func Wrap(bdb *bbolt.DB) engine.Storage {
	return &storage{bdb: bdb}
}

type storage struct {
	bdb *bbolt.DB
}

func (s *storage) BeginTx(writable bool) (engine.Tx, error) {
	btx, err := s.bdb.Begin(writable)
	if err == bbolt.ErrDatabaseNotOpen {
		return nil, engine.ErrClosed
	} else if err != nil {
		return nil, err
	}
	return &boltTx{btx: btx}, nil
}

func (s *storage) Close() error {
	return s.bdb.Close()
}

type boltTx struct {
	btx *bbolt.Tx
}

// BoltTx returns the underlying bbolt transaction.
func (tx *boltTx) BoltTx() *bbolt.Tx { return tx.btx }

func (tx *boltTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltTx) Bucket(name, sub string) (engine.Bucket, error) {
	root := tx.btx.Bucket(unsafeBytesFromString(name))
	if root == nil {
		return nil, nil
	}
	if sub == "" {
		return boltBucket{b: root}, nil
	}
	leaf := root.Bucket(unsafeBytesFromString(sub))
	if leaf == nil {
		return nil, nil
	}
	return boltBucket{b: leaf}, nil
}

func (tx *boltTx) CreateBucket(name, sub string) (engine.Bucket, error) {
	if !tx.btx.Writable() {
		return nil, engine.ErrNotWritable
	}
	root, err := tx.btx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return nil, err
	}
	if sub == "" {
		return boltBucket{b: root}, nil
	}
	leaf, err := root.CreateBucketIfNotExists([]byte(sub))
	if err != nil {
		return nil, err
	}
	return boltBucket{b: leaf}, nil
}

func (tx *boltTx) DeleteBucket(name, sub string) error {
	if !tx.btx.Writable() {
		return engine.ErrNotWritable
	}
	var err error
	if sub == "" {
		err = tx.btx.DeleteBucket(unsafeBytesFromString(name))
	} else {
		root := tx.btx.Bucket(unsafeBytesFromString(name))
		if root == nil {
			return engine.ErrBucketNotFound
		}
		err = root.DeleteBucket(unsafeBytesFromString(sub))
	}
	if err == bbolt.ErrBucketNotFound {
		return engine.ErrBucketNotFound
	}
	return err
}

func (tx *boltTx) Commit() error {
	if !tx.btx.Writable() {
		tx.btx.Rollback()
		return engine.ErrNotWritable
	}
	return tx.btx.Commit()
}

func (tx *boltTx) Rollback() error {
	err := tx.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

type boltBucket struct {
	b *bbolt.Bucket
}

func (b boltBucket) Get(key []byte) ([]byte, error) { return b.b.Get(key), nil }

func (b boltBucket) Put(key, value []byte) error {
	if !b.b.Writable() {
		return engine.ErrNotWritable
	}
	return b.b.Put(key, value)
}

func (b boltBucket) Delete(key []byte) error {
	if !b.b.Writable() {
		return engine.ErrNotWritable
	}
	return b.b.Delete(key)
}

func (b boltBucket) Cursor() engine.Cursor { return boltCursor{c: b.b.Cursor()} }

func (b boltBucket) KeyCount() (int, error) {
	var n int
	err := b.b.ForEach(func(k, v []byte) error {
		if v != nil {
			n++
		}
		return nil
	})
	return n, err
}

// boltCursor skips nested buckets, which bbolt reports as keys with nil values.
type boltCursor struct {
	c *bbolt.Cursor
}

func (c boltCursor) fwd(k, v []byte) ([]byte, []byte) {
	for k != nil && v == nil {
		k, v = c.c.Next()
	}
	return k, v
}

func (c boltCursor) back(k, v []byte) ([]byte, []byte) {
	for k != nil && v == nil {
		k, v = c.c.Prev()
	}
	return k, v
}

func (c boltCursor) First() ([]byte, []byte) { return c.fwd(c.c.First()) }

func (c boltCursor) Last() ([]byte, []byte) { return c.back(c.c.Last()) }

func (c boltCursor) Seek(seek []byte) ([]byte, []byte) { return c.fwd(c.c.Seek(seek)) }

func (c boltCursor) Next() ([]byte, []byte) { return c.fwd(c.c.Next()) }

func (c boltCursor) Prev() ([]byte, []byte) { return c.back(c.c.Prev()) }

func (c boltCursor) Err() error { return nil }

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
