package objstore

import (
	"bytes"
	"reflect"

	"github.com/sirupsen/logrus"
)

// deleteRaw deletes a record and its index entries. Deleting a missing record
// is not an error.
func (tx *Tx) deleteRaw(st *Store, rawKey []byte) (bool, error) {
	ss := tx.storeState(st)
	dataB, err := tx.bucket(st, dataBucket)
	if err != nil {
		return false, err
	}
	oldRaw, err := dataB.Get(rawKey)
	if err != nil {
		return false, err
	}
	if oldRaw == nil {
		return false, nil
	}

	var old value
	if err := old.decode(oldRaw); err != nil {
		return false, storeErrf(st, nil, hexstr(rawKey), err, "decoding old value")
	}
	var removed []indexRow
	err = decodeIndexKeys(old.Index, func(ord uint64, key []byte) {
		removed = append(removed, indexRow{IndexOrd: ord, KeyRaw: bytes.Clone(key)})
	})
	if err != nil {
		return false, storeErrf(st, nil, hexstr(rawKey), err, "decoding old index keys")
	}

	if err := tx.deleteIndexKeys(st, ss, removed); err != nil {
		return false, err
	}
	if err := dataB.Delete(rawKey); err != nil {
		return false, err
	}

	var keyVal reflect.Value
	if kv, err := st.decodeKeyVal(rawKey); err == nil {
		keyVal = kv
	}
	if tx.db.verbose {
		tx.log.WithFields(logrus.Fields{"store": st.name, "key": hexstr(rawKey)}).Debug("DELETE")
	}
	tx.recordChange(Change{store: st, op: OpDelete, rawKey: bytes.Clone(rawKey), keyVal: keyVal})
	return true, nil
}

func (tx *Tx) deleteByKey(st *Store, key any) (bool, error) {
	keyVal, err := st.coerceKey(key)
	if err != nil {
		return false, err
	}
	return tx.deleteRaw(st, st.encodeKeyVal(nil, keyVal))
}

// deleteRange deletes the records with keys in kr and returns their number.
func (tx *Tx) deleteRange(st *Store, kr KeyRange) (int, error) {
	if kr.IsAll() {
		n, err := tx.count(st, nil, kr)
		if err != nil {
			return 0, err
		}
		return n, tx.clear(st)
	}

	s, err := tx.newScanner(st, nil, kr, Next)
	if err != nil {
		return 0, err
	}
	var keys [][]byte
	for {
		item, ok, err := s.next(false)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		keys = append(keys, item.Key)
	}

	var n int
	for _, k := range keys {
		deleted, err := tx.deleteRaw(st, k)
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		}
	}
	return n, nil
}

// clear deletes all records of a store by recreating its buckets. The key
// generator keeps its position.
func (tx *Tx) clear(st *Store) error {
	subs := []string{dataBucket}
	for _, idx := range st.indices {
		subs = append(subs, idx.bucketName())
	}
	for _, sub := range subs {
		if err := tx.deleteBucket(st.name, sub); err != nil {
			return err
		}
		if _, err := tx.bucket(st, sub); err != nil {
			return err
		}
	}
	if tx.db.verbose {
		tx.log.WithField("store", st.name).Debug("CLEAR")
	}
	tx.recordChange(Change{store: st, op: OpClear})
	return nil
}
