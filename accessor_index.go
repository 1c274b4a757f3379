package objstore

import (
	"context"
)

// IndexAccessor queries a store through one of its indexes. Query arguments
// are either index values (Tuples for compound indexes) or KeyRanges.
// Records with equal index values are ordered by primary key.
type IndexAccessor[Row, Key any] struct {
	a   *Accessor[Row, Key]
	idx *Index
}

func (ia *IndexAccessor[Row, Key]) Index() *Index {
	return ia.idx
}

// Get returns the first record matching query, or nil.
func (ia *IndexAccessor[Row, Key]) Get(ctx context.Context, query any) (*Row, error) {
	return ia.GetAsync(query).Wait(ctx)
}

func (ia *IndexAccessor[Row, Key]) GetAsync(query any) *Future[*Row] {
	tx, st := ia.a.tx, ia.a.st
	return submit(tx, "index_get", st, false, func() (*Row, error) {
		rows, err := rowsOf[Row](tx.getAll(st, ia.idx, toRange(query), 1))
		if err != nil || len(rows) == 0 {
			return nil, err
		}
		return rows[0], nil
	})
}

// GetKey returns the primary key of the first record matching query, or nil.
func (ia *IndexAccessor[Row, Key]) GetKey(ctx context.Context, query any) (*Key, error) {
	return ia.GetKeyAsync(query).Wait(ctx)
}

func (ia *IndexAccessor[Row, Key]) GetKeyAsync(query any) *Future[*Key] {
	tx, st := ia.a.tx, ia.a.st
	return submit(tx, "index_get_key", st, false, func() (*Key, error) {
		return firstKey[Key](tx.getAllKeys(st, ia.idx, toRange(query), 1))
	})
}

// GetAll returns up to limit records matching query (all if limit <= 0).
func (ia *IndexAccessor[Row, Key]) GetAll(ctx context.Context, query any, limit int) ([]*Row, error) {
	return ia.GetAllAsync(query, limit).Wait(ctx)
}

func (ia *IndexAccessor[Row, Key]) GetAllAsync(query any, limit int) *Future[[]*Row] {
	tx, st := ia.a.tx, ia.a.st
	return submit(tx, "index_get_all", st, false, func() ([]*Row, error) {
		return rowsOf[Row](tx.getAll(st, ia.idx, toRange(query), limit))
	})
}

// GetAllKeys returns up to limit primary keys of records matching query.
func (ia *IndexAccessor[Row, Key]) GetAllKeys(ctx context.Context, query any, limit int) ([]Key, error) {
	return ia.GetAllKeysAsync(query, limit).Wait(ctx)
}

func (ia *IndexAccessor[Row, Key]) GetAllKeysAsync(query any, limit int) *Future[[]Key] {
	tx, st := ia.a.tx, ia.a.st
	return submit(tx, "index_get_all_keys", st, false, func() ([]Key, error) {
		return keysOf[Key](tx.getAllKeys(st, ia.idx, toRange(query), limit))
	})
}

// Count returns the number of index entries matching query. A multi-entry
// index can have several entries per record.
func (ia *IndexAccessor[Row, Key]) Count(ctx context.Context, query any) (int, error) {
	return ia.CountAsync(query).Wait(ctx)
}

func (ia *IndexAccessor[Row, Key]) CountAsync(query any) *Future[int] {
	tx, st := ia.a.tx, ia.a.st
	return submit(tx, "index_count", st, false, func() (int, error) {
		return tx.count(st, ia.idx, toRange(query))
	})
}

// Scan returns a cursor over the records whose index values are in kr.
func (ia *IndexAccessor[Row, Key]) Scan(kr KeyRange, dir Direction) *Cursor[Row, Key] {
	return newCursor(ia.a, ia.idx, kr, dir)
}

// ScanKeys returns a cursor over the primary keys of the records whose index
// values are in kr. The records themselves are not loaded.
func (ia *IndexAccessor[Row, Key]) ScanKeys(kr KeyRange, dir Direction) *KeyCursor[Key] {
	return newKeyCursor(ia.a, ia.idx, kr, dir)
}
