package objstore

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrUnknownStore is returned when a store name is not declared in the
	// schema or is not part of the transaction scope.
	ErrUnknownStore = errors.New("unknown store")

	// ErrUnknownIndex is returned when an index name is not declared on the store.
	ErrUnknownIndex = errors.New("unknown index")

	// ErrReadOnly is returned when a mutation is attempted through a read-only
	// transaction or accessor.
	ErrReadOnly = errors.New("read-only transaction")

	// ErrConstraint is returned when a write violates a uniqueness constraint
	// of the primary key or of a unique index.
	ErrConstraint = errors.New("constraint violation")

	// ErrDeserialization is returned when a stored record cannot be decoded
	// into the declared record type.
	ErrDeserialization = errors.New("cannot decode stored record")

	// ErrInvalidKey is returned for missing or malformed keys and index values.
	ErrInvalidKey = errors.New("invalid key")

	// ErrInvalidCursor is returned for cursor operations that the cursor's
	// source, direction or position doesn't allow.
	ErrInvalidCursor = errors.New("invalid cursor operation")

	// ErrTransactionAborted is matched by every *AbortError.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrTransactionInactive is returned for operations issued after the
	// transaction started completing.
	ErrTransactionInactive = errors.New("transaction is no longer active")

	// ErrConnectionClosed is returned for operations on a closed database.
	ErrConnectionClosed = errors.New("database connection closed")

	// ErrVersionTooNew is wrapped in *OpenError when the stored database
	// version is higher than the requested one.
	ErrVersionTooNew = errors.New("stored database version is newer than requested")

	// ErrSchemaMismatch is wrapped in *OpenError when the declared stores
	// differ from the stored ones without a version bump.
	ErrSchemaMismatch = errors.New("declared schema does not match stored schema")
)

// OpenError is returned by Open when the database cannot be opened or migrated.
type OpenError struct {
	Name          string
	Version       uint64
	StoredVersion uint64
	Err           error
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

func (e *OpenError) Error() string {
	if e.StoredVersion != 0 {
		return fmt.Sprintf("open %s v%d (stored v%d): %v", e.Name, e.Version, e.StoredVersion, e.Err)
	}
	return fmt.Sprintf("open %s v%d: %v", e.Name, e.Version, e.Err)
}

// AbortError describes why a transaction was aborted. It matches
// ErrTransactionAborted and unwraps to the reason.
type AbortError struct {
	Reason error
}

func (e *AbortError) Is(target error) bool {
	return target == ErrTransactionAborted
}

func (e *AbortError) Unwrap() error {
	return e.Reason
}

func (e *AbortError) Error() string {
	if e.Reason == nil {
		return ErrTransactionAborted.Error()
	}
	return ErrTransactionAborted.Error() + ": " + e.Reason.Error()
}

// DataError reports malformed stored bytes. It matches ErrDeserialization.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Is(target error) bool {
	return target == ErrDeserialization
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// StoreError carries the store, index and key an operation failed on.
type StoreError struct {
	Store string
	Index string
	Op    string
	Key   any
	Msg   string
	Err   error
}

func storeErrf(st *Store, idx *Index, key any, err error, format string, args ...any) error {
	e := &StoreError{Key: key, Msg: fmt.Sprintf(format, args...), Err: err}
	if st != nil {
		e.Store = st.name
	}
	if idx != nil {
		e.Index = idx.name
	}
	return e
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Error() string {
	var buf strings.Builder
	if e.Op != "" {
		buf.WriteString(e.Op)
		buf.WriteByte(' ')
	}
	buf.WriteString(e.Store)
	if e.Index != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Index)
	}
	if e.Key != nil {
		fmt.Fprintf(&buf, "/%v", e.Key)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}
