// Package engine defines the versioned transactional key-value engine that
// objstore is layered on. An engine stores named databases; each database is a
// set of ordered buckets addressed by a root name and an optional nested name.
package engine

import (
	"github.com/pkg/errors"
)

var (
	// ErrBucketNotFound is returned by Tx.DeleteBucket when the bucket doesn't exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrNotWritable is returned when a mutation is attempted in a read-only transaction.
	ErrNotWritable = errors.New("transaction not writable")

	// ErrClosed is returned when a storage is used after Close.
	ErrClosed = errors.New("storage closed")
)

// Engine opens and deletes named databases.
type Engine interface {
	// Open opens the named database, creating it if it doesn't exist.
	// Implementations may refuse (return an error) when the database
	// is locked by another handle.
	Open(name string) (Storage, error)

	// Delete removes the named database. Deleting a database that does not
	// exist is not an error.
	Delete(name string) error
}

// Storage is an open database.
type Storage interface {
	// BeginTx starts a new transaction. Writable transactions are exclusive:
	// BeginTx(true) blocks while another writable transaction is open.
	BeginTx(writable bool) (Tx, error)

	// Close releases the storage. Open transactions must be finished first.
	Close() error
}

// Tx is a storage transaction. A Tx is not safe for concurrent use.
type Tx interface {
	// Writable returns true if this is a writable transaction.
	Writable() bool

	// Bucket returns a bucket. Use sub="" for a root bucket, non-empty for a nested bucket.
	// Returns nil, nil if the bucket doesn't exist.
	Bucket(name, sub string) (Bucket, error)

	// CreateBucket creates a bucket if it doesn't exist.
	// For sub != "", it also ensures the root bucket exists.
	CreateBucket(name, sub string) (Bucket, error)

	// DeleteBucket deletes a bucket. With sub == "", deletes the root bucket
	// along with all of its nested buckets.
	DeleteBucket(name, sub string) error

	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction. It is safe to call multiple times
	// and after Commit.
	Rollback() error
}

// Bucket is a sorted key-value collection. Keys are ordered bytewise.
//
// Slices returned by Get and by cursors are only valid until the end of the
// transaction and must not be modified.
type Bucket interface {
	// Get retrieves a value by key. Returns nil, nil if not found.
	Get(key []byte) ([]byte, error)

	// Put stores a key-value pair.
	Put(key, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key []byte) error

	// Cursor returns a cursor for iteration.
	Cursor() Cursor

	// KeyCount returns the number of keys in the bucket.
	KeyCount() (int, error)
}

// Cursor iterates over a bucket. All movement methods return a nil key when
// the cursor runs off either end, or when an error occurs; check Err.
type Cursor interface {
	// First moves to the first key-value pair.
	First() (key, value []byte)

	// Last moves to the last key-value pair.
	Last() (key, value []byte)

	// Seek moves to the first key >= seek.
	Seek(seek []byte) (key, value []byte)

	// Next moves to the next key-value pair.
	Next() (key, value []byte)

	// Prev moves to the previous key-value pair.
	Prev() (key, value []byte)

	// Err returns the first error encountered by the cursor.
	Err() error
}
