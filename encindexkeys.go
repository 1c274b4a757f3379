package objstore

import (
	"bytes"
	"encoding/binary"
	"slices"
)

// indexRow is an entry a record contributes to an index bucket.
type indexRow struct {
	Index    *Index
	IndexOrd uint64
	KeyRaw   []byte // full index bucket key
	ValueRaw []byte // encoded index value, without the primary key
}

type indexRows []indexRow

func (rows indexRows) sort() {
	slices.SortFunc(rows, func(a, b indexRow) int {
		if a.IndexOrd != b.IndexOrd {
			if a.IndexOrd < b.IndexOrd {
				return -1
			}
			return 1
		}
		return bytes.Compare(a.KeyRaw, b.KeyRaw)
	})
}

func appendIndexKeys(buf []byte, rows indexRows) []byte {
	total := binary.MaxVarintLen32 + len(rows)*2*binary.MaxVarintLen32
	for _, row := range rows {
		total += len(row.KeyRaw)
	}

	buf = slices.Grow(buf, total)
	buf = binary.AppendUvarint(buf, uint64(len(rows)))
	for _, row := range rows {
		buf = binary.AppendUvarint(buf, row.IndexOrd)
		buf = binary.AppendUvarint(buf, uint64(len(row.KeyRaw)))
		buf = append(buf, row.KeyRaw...)
	}
	return buf
}

func decodeIndexKeys(data []byte, f func(ord uint64, key []byte)) error {
	if len(data) == 0 {
		return nil
	}
	r := varReader{data: data}
	n, err := r.size()
	if err != nil {
		return err
	}
	for range n {
		ord, err := r.uvarint()
		if err != nil {
			return err
		}
		keyLen, err := r.size()
		if err != nil {
			return err
		}
		f(ord, r.next(keyLen))
	}
	return nil
}

type indexDiffer struct {
	newRows indexRows
}

func (d *indexDiffer) checkOldKey(oldOrd uint64, oldKey []byte) bool {
	// Look for a new row that's >= old row.
	for len(d.newRows) > 0 {
		newOrd := d.newRows[0].IndexOrd
		if oldOrd < newOrd {
			return false
		} else if oldOrd == newOrd {
			c := bytes.Compare(oldKey, d.newRows[0].KeyRaw)
			if c < 0 {
				return false
			} else if c == 0 {
				return true
			}
		}
		d.newRows = d.newRows[1:]
	}
	return false
}

// findRemovedIndexKeys reports the entries of oldData missing from newRows.
// Both must be sorted by ordinal and key.
func findRemovedIndexKeys(oldData []byte, newRows indexRows, removed func(ord uint64, key []byte)) error {
	d := indexDiffer{newRows}
	return decodeIndexKeys(oldData, func(ord uint64, key []byte) {
		if !d.checkOldKey(ord, key) {
			removed(ord, key)
		}
	})
}

// deleteIndexKeys removes index entries given by ordinal. Entries of indexes
// that no longer exist are skipped, their buckets are already gone.
func (tx *Tx) deleteIndexKeys(st *Store, ss *storeState, keys []indexRow) error {
	for _, row := range keys {
		idx := ss.indexByOrdinal(row.IndexOrd)
		if idx == nil {
			continue
		}
		b, err := tx.bucket(st, idx.bucketName())
		if err != nil {
			return err
		}
		if err := b.Delete(row.KeyRaw); err != nil {
			return err
		}
	}
	return nil
}
