package objstore

import (
	"reflect"
)

// count returns the number of records (for idx == nil) or index entries in kr.
func (tx *Tx) count(st *Store, idx *Index, kr KeyRange) (int, error) {
	if idx == nil && kr.IsAll() {
		b, err := tx.bucket(st, dataBucket)
		if err != nil || b == nil {
			return 0, err
		}
		return b.KeyCount()
	}
	s, err := tx.newScanner(st, idx, kr, Next)
	if err != nil {
		return 0, err
	}
	var n int
	for {
		_, ok, err := s.next(false)
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// getAll returns up to limit records (all if limit <= 0) in kr.
func (tx *Tx) getAll(st *Store, idx *Index, kr KeyRange, limit int) ([]reflect.Value, error) {
	s, err := tx.newScanner(st, idx, kr, Next)
	if err != nil {
		return nil, err
	}
	var rows []reflect.Value
	for limit <= 0 || len(rows) < limit {
		item, ok, err := s.next(true)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		rowVal, err := decodeStoredRow(st, item.Key, item.Value)
		if err != nil {
			return nil, err
		}
		rows = append(rows, rowVal)
	}
	return rows, nil
}

// getAllKeys returns up to limit primary keys (all if limit <= 0) in kr.
func (tx *Tx) getAllKeys(st *Store, idx *Index, kr KeyRange, limit int) ([]reflect.Value, error) {
	s, err := tx.newScanner(st, idx, kr, Next)
	if err != nil {
		return nil, err
	}
	var keys []reflect.Value
	for limit <= 0 || len(keys) < limit {
		item, ok, err := s.next(false)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		keyVal, err := st.decodeKeyVal(item.Key)
		if err != nil {
			return nil, err
		}
		keys = append(keys, keyVal)
	}
	return keys, nil
}
