// Package sqliteengine implements engine.Engine on top of SQLite, one database
// file per database name. Buckets are rows of a single kv table keyed by
// (bucket, sub, key); SQLite compares BLOBs bytewise, which gives the ordering
// required by engine.Bucket.
package sqliteengine

import (
	"context"
	"database/sql"
	_ "embed"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/andreyvit/objstore/engine"
)

//go:embed schema.sql
var schemaSQL string

type Engine struct {
	Dir string
}

func New(dir string) *Engine {
	return &Engine{Dir: dir}
}

// Path returns the file path of the named database.
func (e *Engine) Path(name string) string {
	return filepath.Join(e.Dir, name+".sqlite")
}

func (e *Engine) Open(name string) (engine.Storage, error) {
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return nil, err
	}
	return Open(e.Path(name))
}

func (e *Engine) Delete(name string) error {
	path := e.Path(name)
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		err := os.Remove(p)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// Open opens a SQLite-backed storage at the given path.
//
// The database runs in WAL mode over a single connection, so transactions
// are fully serialized: BeginTx blocks until the previous transaction ends.
func Open(path string) (engine.Storage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.WithMessage(err, "failed to connect to database")
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errors.WithMessage(err, "failed to execute schema")
	}
	return &storage{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.WithMessagef(err, "failed to execute %q", pragma)
		}
	}
	return nil
}

type storage struct {
	db *sql.DB
}

func (s *storage) BeginTx(writable bool) (engine.Tx, error) {
	stx, err := s.db.BeginTx(context.Background(), nil)
	if err == sql.ErrConnDone || (err != nil && err.Error() == "sql: database is closed") {
		return nil, engine.ErrClosed
	} else if err != nil {
		return nil, err
	}
	return &sqlTx{stx: stx, writable: writable}, nil
}

func (s *storage) Close() error {
	return s.db.Close()
}

type sqlTx struct {
	stx      *sql.Tx
	writable bool
	once     sync.Once
}

func (tx *sqlTx) Writable() bool { return tx.writable }

func (tx *sqlTx) Bucket(name, sub string) (engine.Bucket, error) {
	var n int
	err := tx.stx.QueryRow(`SELECT COUNT(*) FROM buckets WHERE name = ? AND sub = ?`, name, sub).Scan(&n)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return &bucket{tx: tx, name: name, sub: sub}, nil
}

func (tx *sqlTx) CreateBucket(name, sub string) (engine.Bucket, error) {
	if !tx.writable {
		return nil, engine.ErrNotWritable
	}
	if _, err := tx.stx.Exec(`INSERT OR IGNORE INTO buckets (name, sub) VALUES (?, '')`, name); err != nil {
		return nil, err
	}
	if sub != "" {
		if _, err := tx.stx.Exec(`INSERT OR IGNORE INTO buckets (name, sub) VALUES (?, ?)`, name, sub); err != nil {
			return nil, err
		}
	}
	return &bucket{tx: tx, name: name, sub: sub}, nil
}

func (tx *sqlTx) DeleteBucket(name, sub string) error {
	if !tx.writable {
		return engine.ErrNotWritable
	}
	var res sql.Result
	var err error
	if sub == "" {
		res, err = tx.stx.Exec(`DELETE FROM buckets WHERE name = ?`, name)
	} else {
		res, err = tx.stx.Exec(`DELETE FROM buckets WHERE name = ? AND sub = ?`, name, sub)
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return engine.ErrBucketNotFound
	}

	if sub == "" {
		_, err = tx.stx.Exec(`DELETE FROM kv WHERE name = ?`, name)
	} else {
		_, err = tx.stx.Exec(`DELETE FROM kv WHERE name = ? AND sub = ?`, name, sub)
	}
	return err
}

func (tx *sqlTx) Commit() error {
	if !tx.writable {
		tx.Rollback()
		return engine.ErrNotWritable
	}
	var err error = engine.ErrClosed
	tx.once.Do(func() {
		err = tx.stx.Commit()
	})
	return err
}

func (tx *sqlTx) Rollback() error {
	var err error
	tx.once.Do(func() {
		err = tx.stx.Rollback()
	})
	return err
}

type bucket struct {
	tx   *sqlTx
	name string
	sub  string
}

func (b *bucket) Get(key []byte) ([]byte, error) {
	var v []byte
	err := b.tx.stx.QueryRow(`SELECT v FROM kv WHERE name = ? AND sub = ? AND k = ?`, b.name, b.sub, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (b *bucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return engine.ErrNotWritable
	}
	if value == nil {
		value = []byte{}
	}
	_, err := b.tx.stx.Exec(`INSERT OR REPLACE INTO kv (name, sub, k, v) VALUES (?, ?, ?, ?)`, b.name, b.sub, key, value)
	return err
}

func (b *bucket) Delete(key []byte) error {
	if !b.tx.writable {
		return engine.ErrNotWritable
	}
	_, err := b.tx.stx.Exec(`DELETE FROM kv WHERE name = ? AND sub = ? AND k = ?`, b.name, b.sub, key)
	return err
}

func (b *bucket) KeyCount() (int, error) {
	var n int
	err := b.tx.stx.QueryRow(`SELECT COUNT(*) FROM kv WHERE name = ? AND sub = ?`, b.name, b.sub).Scan(&n)
	return n, err
}

func (b *bucket) Cursor() engine.Cursor {
	return &cursor{b: b}
}

type cursorPos int

const (
	posNone cursorPos = iota
	posAt
	posEnd
	posStart
)

// cursor re-queries SQLite on every move, positioned by the current key.
type cursor struct {
	b   *bucket
	pos cursorPos
	key []byte
	err error
}

const (
	qFirst = `SELECT k, v FROM kv WHERE name = ? AND sub = ? ORDER BY k ASC LIMIT 1`
	qLast  = `SELECT k, v FROM kv WHERE name = ? AND sub = ? ORDER BY k DESC LIMIT 1`
	qSeek  = `SELECT k, v FROM kv WHERE name = ? AND sub = ? AND k >= ? ORDER BY k ASC LIMIT 1`
	qNext  = `SELECT k, v FROM kv WHERE name = ? AND sub = ? AND k > ? ORDER BY k ASC LIMIT 1`
	qPrev  = `SELECT k, v FROM kv WHERE name = ? AND sub = ? AND k < ? ORDER BY k DESC LIMIT 1`
)

func (c *cursor) query(q string, atEnd cursorPos, args ...any) ([]byte, []byte) {
	if c.err != nil {
		return nil, nil
	}
	var k, v []byte
	args = append([]any{c.b.name, c.b.sub}, args...)
	err := c.b.tx.stx.QueryRow(q, args...).Scan(&k, &v)
	if err == sql.ErrNoRows {
		c.pos, c.key = atEnd, nil
		return nil, nil
	} else if err != nil {
		c.err = err
		return nil, nil
	}
	if v == nil {
		v = []byte{}
	}
	c.pos, c.key = posAt, k
	return k, v
}

func (c *cursor) First() ([]byte, []byte) { return c.query(qFirst, posEnd) }

func (c *cursor) Last() ([]byte, []byte) { return c.query(qLast, posStart) }

func (c *cursor) Seek(seek []byte) ([]byte, []byte) {
	if seek == nil {
		seek = []byte{}
	}
	return c.query(qSeek, posEnd, seek)
}

func (c *cursor) Next() ([]byte, []byte) {
	switch c.pos {
	case posNone, posStart:
		return c.First()
	case posAt:
		return c.query(qNext, posEnd, c.key)
	default:
		return nil, nil
	}
}

func (c *cursor) Prev() ([]byte, []byte) {
	switch c.pos {
	case posEnd:
		return c.Last()
	case posAt:
		return c.query(qPrev, posStart, c.key)
	default:
		return nil, nil
	}
}

func (c *cursor) Err() error { return c.err }
