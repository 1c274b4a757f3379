package objstore

import (
	"context"
)

// Reindex rebuilds an index (or all indexes of the store when index is "")
// from the store's records. The transaction must be writable.
func (tx *Tx) Reindex(ctx context.Context, store, index string) error {
	st := tx.db.schema.StoreNamed(store)
	if st == nil || !tx.inScope(st) {
		return &StoreError{Store: store, Op: "reindex", Err: ErrUnknownStore}
	}
	indices := st.indices
	if index != "" {
		idx := st.IndexNamed(index)
		if idx == nil {
			return &StoreError{Store: store, Index: index, Op: "reindex", Err: ErrUnknownIndex}
		}
		indices = []*Index{idx}
	}
	_, err := submit(tx, "reindex", st, true, func() (struct{}, error) {
		for _, idx := range indices {
			if err := tx.reindex(idx); err != nil {
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	}).Wait(ctx)
	return err
}

func (tx *Tx) reindex(idx *Index) error {
	st := idx.store
	if err := tx.deleteBucket(st.name, idx.bucketName()); err != nil {
		return err
	}
	if _, err := tx.bucket(st, idx.bucketName()); err != nil {
		return err
	}
	return tx.backfillIndex(idx)
}
