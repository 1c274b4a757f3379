package objstore

import (
	"context"
	"encoding/json"
	"reflect"
)

// StoreStats describes the contents of a store.
type StoreStats struct {
	Records      int `json:"records" yaml:"records"`
	IndexEntries int `json:"index_entries" yaml:"index_entries"`
	DataSize     int `json:"data_size" yaml:"data_size"`
	IndexSize    int `json:"index_size" yaml:"index_size"`
}

func (ss *StoreStats) TotalSize() int {
	return ss.DataSize + ss.IndexSize
}

// StoreStats returns record counts and sizes of a store.
func (tx *Tx) StoreStats(ctx context.Context, name string) (*StoreStats, error) {
	st := tx.db.schema.StoreNamed(name)
	if st == nil || !tx.inScope(st) {
		return nil, &StoreError{Store: name, Op: "stats", Err: ErrUnknownStore}
	}
	return submit(tx, "stats", st, false, func() (*StoreStats, error) {
		return tx.storeStats(st)
	}).Wait(ctx)
}

func (tx *Tx) storeStats(st *Store) (*StoreStats, error) {
	var ss StoreStats
	err := tx.forEachRaw(st, dataBucket, func(k, v []byte) {
		ss.Records++
		ss.DataSize += len(k) + len(v)
	})
	if err != nil {
		return nil, err
	}
	for _, idx := range st.indices {
		err := tx.forEachRaw(st, idx.bucketName(), func(k, v []byte) {
			ss.IndexEntries++
			ss.IndexSize += len(k) + len(v)
		})
		if err != nil {
			return nil, err
		}
	}
	return &ss, nil
}

func (tx *Tx) forEachRaw(st *Store, sub string, f func(k, v []byte)) error {
	b, err := tx.bucket(st, sub)
	if err != nil || b == nil {
		return err
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		f(k, v)
	}
	return c.Err()
}

func loggableRowVal(st *Store, rowVal reflect.Value) string {
	if !rowVal.IsValid() {
		return "<none>"
	}
	if st.suppressContent {
		return "<suppressed>"
	}
	raw, err := json.Marshal(rowVal.Interface())
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return string(raw)
}
