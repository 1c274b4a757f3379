package objstore

import (
	"context"
	"reflect"
)

// Accessor is a typed view of a store within a transaction. Every method
// queues a request on the transaction; the Async variants return a Future,
// the others wait for it.
type Accessor[Row, Key any] struct {
	tx    *Tx
	st    *Store
	write bool
}

// Reader returns a read-only accessor of the store within tx.
func (s *StoreOf[Row, Key]) Reader(tx *Tx) (*Accessor[Row, Key], error) {
	return access[Row, Key](tx, s.Store, ReadOnly)
}

// Writer returns a read-write accessor of the store within tx. It fails with
// ErrReadOnly on read-only transactions.
func (s *StoreOf[Row, Key]) Writer(tx *Tx) (*Accessor[Row, Key], error) {
	return access[Row, Key](tx, s.Store, ReadWrite)
}

// StoreNamed returns an accessor of a store looked up by name. Row and Key
// must match the store's declaration.
func StoreNamed[Row, Key any](tx *Tx, name string, mode Mode) (*Accessor[Row, Key], error) {
	st := tx.db.schema.StoreNamed(name)
	if st == nil {
		return nil, &StoreError{Store: name, Op: "access", Err: ErrUnknownStore}
	}
	if st.rowType != reflect.TypeFor[Row]() || st.keyType != reflect.TypeFor[Key]() {
		return nil, storeErrf(st, nil, nil, ErrUnknownStore, "declared as %v keyed by %v, requested %v keyed by %v", st.rowType, st.keyType, reflect.TypeFor[Row](), reflect.TypeFor[Key]())
	}
	return access[Row, Key](tx, st, mode)
}

func access[Row, Key any](tx *Tx, st *Store, mode Mode) (*Accessor[Row, Key], error) {
	if !tx.inScope(st) {
		return nil, storeErrf(st, nil, nil, ErrUnknownStore, "not in transaction scope %v", tx.StoreNames())
	}
	write := mode.writable()
	if write && !tx.mode.writable() {
		return nil, &StoreError{Store: st.name, Op: "access", Err: ErrReadOnly}
	}
	return &Accessor[Row, Key]{tx: tx, st: st, write: write}, nil
}

func (a *Accessor[Row, Key]) Store() *Store {
	return a.st
}

func (a *Accessor[Row, Key]) Tx() *Tx {
	return a.tx
}

func (a *Accessor[Row, Key]) checkWritable(op string) error {
	if !a.write {
		return &StoreError{Store: a.st.name, Op: op, Err: ErrReadOnly}
	}
	return nil
}

// Get returns the record with the given key, or nil if there is none.
func (a *Accessor[Row, Key]) Get(ctx context.Context, key Key) (*Row, error) {
	return a.GetAsync(key).Wait(ctx)
}

func (a *Accessor[Row, Key]) GetAsync(key Key) *Future[*Row] {
	return submit(a.tx, "get", a.st, false, func() (*Row, error) {
		rowVal, err := a.tx.getByKey(a.st, key)
		if err != nil || !rowVal.IsValid() {
			return nil, err
		}
		return rowVal.Interface().(*Row), nil
	})
}

// Has reports whether a record with the given key exists, without decoding it.
func (a *Accessor[Row, Key]) Has(ctx context.Context, key Key) (bool, error) {
	return a.HasAsync(key).Wait(ctx)
}

func (a *Accessor[Row, Key]) HasAsync(key Key) *Future[bool] {
	return submit(a.tx, "has", a.st, false, func() (bool, error) {
		keyVal, err := a.st.coerceKey(key)
		if err != nil {
			return false, err
		}
		return a.tx.exists(a.st, a.st.encodeKeyVal(nil, keyVal))
	})
}

// Put inserts or replaces a record and returns its key. A record with a zero
// key gets a generated one, which is also stored into row.
func (a *Accessor[Row, Key]) Put(ctx context.Context, row *Row) (Key, error) {
	return a.PutAsync(row).Wait(ctx)
}

func (a *Accessor[Row, Key]) PutAsync(row *Row) *Future[Key] {
	return a.put("put", row, false)
}

// Add is like Put, but fails with ErrConstraint if the key already exists.
func (a *Accessor[Row, Key]) Add(ctx context.Context, row *Row) (Key, error) {
	return a.AddAsync(row).Wait(ctx)
}

func (a *Accessor[Row, Key]) AddAsync(row *Row) *Future[Key] {
	return a.put("add", row, true)
}

func (a *Accessor[Row, Key]) put(op string, row *Row, addOnly bool) *Future[Key] {
	if err := a.checkWritable(op); err != nil {
		return failedFuture[Key](err)
	}
	if row == nil {
		return failedFuture[Key](storeErrf(a.st, nil, nil, ErrInvalidKey, "nil record"))
	}
	return submit(a.tx, op, a.st, true, func() (Key, error) {
		keyVal, err := a.tx.putVal(a.st, reflect.ValueOf(row), addOnly)
		if err != nil {
			var zero Key
			return zero, err
		}
		return keyVal.Interface().(Key), nil
	})
}

// Delete deletes the record with the given key, if any.
func (a *Accessor[Row, Key]) Delete(ctx context.Context, key Key) error {
	_, err := a.DeleteAsync(key).Wait(ctx)
	return err
}

// DeleteAsync resolves to whether a record was deleted.
func (a *Accessor[Row, Key]) DeleteAsync(key Key) *Future[bool] {
	if err := a.checkWritable("delete"); err != nil {
		return failedFuture[bool](err)
	}
	return submit(a.tx, "delete", a.st, true, func() (bool, error) {
		return a.tx.deleteByKey(a.st, key)
	})
}

// DeleteRange deletes the records with keys in kr and returns their number.
func (a *Accessor[Row, Key]) DeleteRange(ctx context.Context, kr KeyRange) (int, error) {
	return a.DeleteRangeAsync(kr).Wait(ctx)
}

func (a *Accessor[Row, Key]) DeleteRangeAsync(kr KeyRange) *Future[int] {
	if err := a.checkWritable("delete_range"); err != nil {
		return failedFuture[int](err)
	}
	return submit(a.tx, "delete_range", a.st, true, func() (int, error) {
		return a.tx.deleteRange(a.st, kr)
	})
}

// Clear deletes all records. Auto-increment keys continue from where they were.
func (a *Accessor[Row, Key]) Clear(ctx context.Context) error {
	_, err := a.ClearAsync().Wait(ctx)
	return err
}

func (a *Accessor[Row, Key]) ClearAsync() *Future[struct{}] {
	if err := a.checkWritable("clear"); err != nil {
		return failedFuture[struct{}](err)
	}
	return submit(a.tx, "clear", a.st, true, func() (struct{}, error) {
		return struct{}{}, a.tx.clear(a.st)
	})
}

func (a *Accessor[Row, Key]) Count(ctx context.Context) (int, error) {
	return a.CountRangeAsync(All()).Wait(ctx)
}

func (a *Accessor[Row, Key]) CountAsync() *Future[int] {
	return a.CountRangeAsync(All())
}

func (a *Accessor[Row, Key]) CountRange(ctx context.Context, kr KeyRange) (int, error) {
	return a.CountRangeAsync(kr).Wait(ctx)
}

func (a *Accessor[Row, Key]) CountRangeAsync(kr KeyRange) *Future[int] {
	return submit(a.tx, "count", a.st, false, func() (int, error) {
		return a.tx.count(a.st, nil, kr)
	})
}

// GetAll returns the records with keys in kr, in key order. A limit <= 0
// means no limit.
func (a *Accessor[Row, Key]) GetAll(ctx context.Context, kr KeyRange, limit int) ([]*Row, error) {
	return a.GetAllAsync(kr, limit).Wait(ctx)
}

func (a *Accessor[Row, Key]) GetAllAsync(kr KeyRange, limit int) *Future[[]*Row] {
	return submit(a.tx, "get_all", a.st, false, func() ([]*Row, error) {
		return rowsOf[Row](a.tx.getAll(a.st, nil, kr, limit))
	})
}

// GetAllKeys returns the keys in kr, in order. A limit <= 0 means no limit.
func (a *Accessor[Row, Key]) GetAllKeys(ctx context.Context, kr KeyRange, limit int) ([]Key, error) {
	return a.GetAllKeysAsync(kr, limit).Wait(ctx)
}

func (a *Accessor[Row, Key]) GetAllKeysAsync(kr KeyRange, limit int) *Future[[]Key] {
	return submit(a.tx, "get_all_keys", a.st, false, func() ([]Key, error) {
		return keysOf[Key](a.tx.getAllKeys(a.st, nil, kr, limit))
	})
}

// GetKey returns the first key in kr, or nil if the range is empty.
func (a *Accessor[Row, Key]) GetKey(ctx context.Context, kr KeyRange) (*Key, error) {
	return a.GetKeyAsync(kr).Wait(ctx)
}

func (a *Accessor[Row, Key]) GetKeyAsync(kr KeyRange) *Future[*Key] {
	return submit(a.tx, "get_key", a.st, false, func() (*Key, error) {
		return firstKey[Key](a.tx.getAllKeys(a.st, nil, kr, 1))
	})
}

// Scan returns a cursor over the records with keys in kr.
func (a *Accessor[Row, Key]) Scan(kr KeyRange, dir Direction) *Cursor[Row, Key] {
	return newCursor(a, nil, kr, dir)
}

// ScanKeys returns a cursor over the keys in kr.
func (a *Accessor[Row, Key]) ScanKeys(kr KeyRange, dir Direction) *KeyCursor[Key] {
	return newKeyCursor(a, nil, kr, dir)
}

// Index returns an accessor of the named index.
func (a *Accessor[Row, Key]) Index(name string) (*IndexAccessor[Row, Key], error) {
	idx := a.st.IndexNamed(name)
	if idx == nil {
		return nil, &StoreError{Store: a.st.name, Index: name, Op: "index", Err: ErrUnknownIndex}
	}
	return &IndexAccessor[Row, Key]{a: a, idx: idx}, nil
}

func rowsOf[Row any](vals []reflect.Value, err error) ([]*Row, error) {
	if err != nil {
		return nil, err
	}
	rows := make([]*Row, len(vals))
	for i, v := range vals {
		rows[i] = v.Interface().(*Row)
	}
	return rows, nil
}

func keysOf[Key any](vals []reflect.Value, err error) ([]Key, error) {
	if err != nil {
		return nil, err
	}
	keys := make([]Key, len(vals))
	for i, v := range vals {
		keys[i] = v.Interface().(Key)
	}
	return keys, nil
}

func firstKey[Key any](vals []reflect.Value, err error) (*Key, error) {
	if err != nil || len(vals) == 0 {
		return nil, err
	}
	k := vals[0].Interface().(Key)
	return &k, nil
}
