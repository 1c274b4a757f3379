package objstore

import (
	"bytes"
	"context"
	"iter"
	"reflect"
)

// cursorState is the position bookkeeping shared by Cursor and KeyCursor.
type cursorState struct {
	tx    *Tx
	st    *Store
	idx   *Index
	kr    KeyRange
	dir   Direction
	write bool
	scan  *scanner // used on the transaction goroutine only

	rawKey []byte // primary key of the current record
	err    error
	done   bool
}

type cursorResult[T any] struct {
	rawKey []byte
	v      T
	ok     bool
}

// move submits a cursor step: an optional reposition followed by count
// steps. decode runs on the transaction goroutine.
func move[T any](ctx context.Context, cs *cursorState, op string, count int, withValue bool, reposition func(s *scanner) error, decode func(item scanItem) (T, error)) (T, bool) {
	var zero T
	if cs.done {
		return zero, false
	}
	res, err := submitStep(cs.tx, op, cs.st, func() (cursorResult[T], error) {
		var res cursorResult[T]
		item, ok, err := cs.advance(count, withValue, reposition)
		if err != nil || !ok {
			return res, err
		}
		res.v, err = decode(item)
		res.rawKey, res.ok = item.Key, err == nil
		return res, err
	}).Wait(ctx)
	if err != nil || !res.ok {
		cs.err, cs.done, cs.rawKey = err, true, nil
		return zero, false
	}
	cs.rawKey = res.rawKey
	return res.v, true
}

func (cs *cursorState) advance(count int, withValue bool, reposition func(s *scanner) error) (scanItem, bool, error) {
	if cs.scan == nil {
		s, err := cs.tx.newScanner(cs.st, cs.idx, cs.kr, cs.dir)
		if err != nil {
			return scanItem{}, false, err
		}
		cs.scan = s
	}
	if reposition != nil {
		if err := reposition(cs.scan); err != nil {
			return scanItem{}, false, err
		}
	}
	for i := 1; ; i++ {
		item, ok, err := cs.scan.next(withValue && i == count)
		if err != nil || !ok || i >= count {
			return item, ok, err
		}
	}
}

func (cs *cursorState) fail(err error) bool {
	cs.err, cs.done, cs.rawKey = err, true, nil
	return false
}

func (cs *cursorState) checkCount(op string, n int) error {
	if n < 1 {
		return &StoreError{Store: cs.st.name, Op: op, Msg: "count must be positive", Err: ErrInvalidCursor}
	}
	return nil
}

// continueTo repositions to the first entry whose index value (primary key
// for store cursors) is at or beyond key, which must lie beyond the current
// position.
func (cs *cursorState) continueTo(key any) func(s *scanner) error {
	return func(s *scanner) error {
		var target []byte
		var err error
		if cs.idx != nil {
			target, err = cs.idx.encodeQuery(key, true)
		} else {
			target, err = cs.st.encodeQuery(key, false)
		}
		if err != nil {
			return err
		}
		if s.curVal != nil && !s.beyond(target, s.curVal) {
			return storeErrf(cs.st, cs.idx, key, ErrInvalidKey, "not beyond the cursor position")
		}
		s.seekValue(target)
		return nil
	}
}

func (cs *cursorState) checkContinuePrimaryKey() error {
	if cs.idx == nil || cs.dir.unique() {
		return &StoreError{Store: cs.st.name, Op: "continue_primary_key", Msg: "needs an index cursor without unique direction", Err: ErrInvalidCursor}
	}
	return nil
}

// continuePrimaryKey repositions to the first entry at or beyond the index
// value key and primary key pk.
func (cs *cursorState) continuePrimaryKey(key, pk any) func(s *scanner) error {
	idx := cs.idx
	return func(s *scanner) error {
		val, err := idx.encodeQuery(key, false)
		if err != nil {
			return err
		}
		rawPK, err := cs.st.encodeQuery(pk, false)
		if err != nil {
			return err
		}
		if s.curVal != nil {
			ok := s.beyond(val, s.curVal) || (bytes.Equal(val, s.curVal) && s.beyond(rawPK, s.curPK))
			if !ok {
				return storeErrf(cs.st, idx, key, ErrInvalidKey, "not beyond the cursor position")
			}
		}
		if !idx.unique {
			s.seekEntry(idx.entryKey(val, rawPK), true)
			return nil
		}

		// a unique index has at most one entry per value
		b, err := cs.tx.bucket(cs.st, idx.bucketName())
		if err != nil {
			return err
		}
		var pkAt []byte
		if b != nil {
			if pkAt, err = b.Get(val); err != nil {
				return err
			}
		}
		if pkAt != nil && s.beyond(rawPK, pkAt) {
			s.skipValue(val)
		} else {
			s.seekValue(val)
		}
		return nil
	}
}

// current returns the primary key of the record a write through the cursor
// applies to.
func (cs *cursorState) current(op string) ([]byte, error) {
	if !cs.write {
		return nil, &StoreError{Store: cs.st.name, Op: op, Err: ErrReadOnly}
	}
	if cs.rawKey == nil {
		return nil, &StoreError{Store: cs.st.name, Op: op, Msg: "no current record", Err: ErrInvalidCursor}
	}
	return cs.rawKey, nil
}

// Cursor iterates over records of a store or an index. Each step is a
// request on the transaction, so a cursor can be interleaved with writes.
// A cursor is one-shot and not safe for concurrent use.
type Cursor[Row, Key any] struct {
	cursorState
	row *Row
	key Key
}

type cursorRow[Row, Key any] struct {
	row *Row
	key Key
}

func newCursor[Row, Key any](a *Accessor[Row, Key], idx *Index, kr KeyRange, dir Direction) *Cursor[Row, Key] {
	return &Cursor[Row, Key]{cursorState: cursorState{tx: a.tx, st: a.st, idx: idx, kr: kr, dir: dir, write: a.write}}
}

func (c *Cursor[Row, Key]) move(ctx context.Context, op string, count int, reposition func(s *scanner) error) bool {
	res, ok := move(ctx, &c.cursorState, op, count, true, reposition, c.decode)
	if ok {
		c.row, c.key = res.row, res.key
	}
	return ok
}

func (c *Cursor[Row, Key]) decode(item scanItem) (cursorRow[Row, Key], error) {
	rowVal, err := decodeStoredRow(c.st, item.Key, item.Value)
	if err != nil {
		return cursorRow[Row, Key]{}, err
	}
	return cursorRow[Row, Key]{rowVal.Interface().(*Row), c.st.rowKeyVal(rowVal).Interface().(Key)}, nil
}

// Next advances to the next record. It returns false at the end of the
// range or on error; check Err.
func (c *Cursor[Row, Key]) Next(ctx context.Context) bool {
	return c.move(ctx, "cursor", 1, nil)
}

// Advance skips n-1 records and moves to the n-th one.
func (c *Cursor[Row, Key]) Advance(ctx context.Context, n int) bool {
	if err := c.checkCount("cursor_advance", n); err != nil {
		return c.fail(err)
	}
	return c.move(ctx, "cursor_advance", n, nil)
}

// ContinueTo moves to the first record whose index value (primary key for
// store cursors) is at or beyond key in the cursor's direction. key must lie
// beyond the current position, or Err reports ErrInvalidKey. A partial Tuple
// is accepted for compound indexes.
func (c *Cursor[Row, Key]) ContinueTo(ctx context.Context, key any) bool {
	return c.move(ctx, "cursor_continue", 1, c.continueTo(key))
}

// ContinuePrimaryKey moves to the first record at or beyond the index value
// key and the primary key pk. Only index cursors with Next or Prev direction
// support it.
func (c *Cursor[Row, Key]) ContinuePrimaryKey(ctx context.Context, key any, pk Key) bool {
	if err := c.checkContinuePrimaryKey(); err != nil {
		return c.fail(err)
	}
	return c.move(ctx, "continue_primary_key", 1, c.continuePrimaryKey(key, pk))
}

// Row returns the current record.
func (c *Cursor[Row, Key]) Row() *Row {
	return c.row
}

// Key returns the primary key of the current record.
func (c *Cursor[Row, Key]) Key() Key {
	return c.key
}

func (c *Cursor[Row, Key]) Err() error {
	return c.err
}

// Update replaces the current record with row. The key of row must be the
// current key.
func (c *Cursor[Row, Key]) Update(ctx context.Context, row *Row) error {
	rawKey, err := c.current("cursor_update")
	if err != nil {
		return err
	}
	if row == nil {
		return storeErrf(c.st, nil, nil, ErrInvalidKey, "nil record")
	}
	key := c.key
	_, err = submit(c.tx, "cursor_update", c.st, true, func() (struct{}, error) {
		rowVal := reflect.ValueOf(row)
		if !bytes.Equal(c.st.encodeKeyVal(nil, c.st.rowKeyVal(rowVal)), rawKey) {
			return struct{}{}, storeErrf(c.st, nil, key, ErrInvalidKey, "record key differs from the cursor position")
		}
		_, err := c.tx.putVal(c.st, rowVal, false)
		return struct{}{}, err
	}).Wait(ctx)
	return err
}

// Delete deletes the current record. The cursor keeps its position.
func (c *Cursor[Row, Key]) Delete(ctx context.Context) error {
	rawKey, err := c.current("cursor_delete")
	if err != nil {
		return err
	}
	_, err = submit(c.tx, "cursor_delete", c.st, true, func() (bool, error) {
		return c.tx.deleteRaw(c.st, rawKey)
	}).Wait(ctx)
	return err
}

// All reads the remaining records.
func (c *Cursor[Row, Key]) All(ctx context.Context) ([]*Row, error) {
	var rows []*Row
	for c.Next(ctx) {
		rows = append(rows, c.row)
	}
	return rows, c.err
}

// Rows iterates over the remaining records. Check Err after the loop.
func (c *Cursor[Row, Key]) Rows(ctx context.Context) iter.Seq2[Key, *Row] {
	return func(yield func(Key, *Row) bool) {
		for c.Next(ctx) {
			if !yield(c.key, c.row) {
				return
			}
		}
	}
}

// KeyCursor is a Cursor that yields primary keys only. Index key cursors
// don't load records.
type KeyCursor[Key any] struct {
	cursorState
	key Key
}

func newKeyCursor[Row, Key any](a *Accessor[Row, Key], idx *Index, kr KeyRange, dir Direction) *KeyCursor[Key] {
	return &KeyCursor[Key]{cursorState: cursorState{tx: a.tx, st: a.st, idx: idx, kr: kr, dir: dir}}
}

func (c *KeyCursor[Key]) move(ctx context.Context, op string, count int, reposition func(s *scanner) error) bool {
	key, ok := move(ctx, &c.cursorState, op, count, false, reposition, c.decode)
	if ok {
		c.key = key
	}
	return ok
}

func (c *KeyCursor[Key]) decode(item scanItem) (Key, error) {
	keyVal, err := c.st.decodeKeyVal(item.Key)
	if err != nil {
		var zero Key
		return zero, err
	}
	return keyVal.Interface().(Key), nil
}

// Next advances to the next key. It returns false at the end of the range or
// on error; check Err.
func (c *KeyCursor[Key]) Next(ctx context.Context) bool {
	return c.move(ctx, "key_cursor", 1, nil)
}

// Advance skips n-1 keys and moves to the n-th one.
func (c *KeyCursor[Key]) Advance(ctx context.Context, n int) bool {
	if err := c.checkCount("key_cursor_advance", n); err != nil {
		return c.fail(err)
	}
	return c.move(ctx, "key_cursor_advance", n, nil)
}

// ContinueTo is like Cursor.ContinueTo.
func (c *KeyCursor[Key]) ContinueTo(ctx context.Context, key any) bool {
	return c.move(ctx, "key_cursor_continue", 1, c.continueTo(key))
}

// ContinuePrimaryKey is like Cursor.ContinuePrimaryKey.
func (c *KeyCursor[Key]) ContinuePrimaryKey(ctx context.Context, key any, pk Key) bool {
	if err := c.checkContinuePrimaryKey(); err != nil {
		return c.fail(err)
	}
	return c.move(ctx, "continue_primary_key", 1, c.continuePrimaryKey(key, pk))
}

func (c *KeyCursor[Key]) Key() Key {
	return c.key
}

func (c *KeyCursor[Key]) Err() error {
	return c.err
}

// All reads the remaining keys.
func (c *KeyCursor[Key]) All(ctx context.Context) ([]Key, error) {
	var keys []Key
	for c.Next(ctx) {
		keys = append(keys, c.key)
	}
	return keys, c.err
}

// Keys iterates over the remaining keys. Check Err after the loop.
func (c *KeyCursor[Key]) Keys(ctx context.Context) iter.Seq[Key] {
	return func(yield func(Key) bool) {
		for c.Next(ctx) {
			if !yield(c.key) {
				return
			}
		}
	}
}
