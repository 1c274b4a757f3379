package objstore

import (
	"bytes"
	"encoding/binary"
	"math"
	"reflect"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// putVal stores a record, assigning a key first if the record has none. With
// addOnly set, an existing record with the same key is a constraint error.
//
// All checks happen before the first write, so a failed put leaves the store
// untouched and the transaction usable.
func (tx *Tx) putVal(st *Store, rowVal reflect.Value, addOnly bool) (reflect.Value, error) {
	st.requireRowPtr(rowVal)
	ss := tx.storeState(st)

	root, err := tx.bucket(st, "")
	if err != nil {
		return reflect.Value{}, err
	}
	seq, err := loadSeq(root)
	if err != nil {
		return reflect.Value{}, storeErrf(st, nil, nil, err, "loading key generator")
	}
	newSeq := seq

	keyField := st.rowKeyVal(rowVal)
	var generated bool
	if keyField.IsZero() {
		switch {
		case st.autoIncrement:
			if seq == math.MaxUint64 {
				return reflect.Value{}, storeErrf(st, nil, nil, ErrConstraint, "key generator exhausted")
			}
			newSeq = seq + 1
			keyVal := reflect.New(st.keyType).Elem()
			if isSignedKind(st.keyType.Kind()) {
				if newSeq > math.MaxInt64 || keyVal.OverflowInt(int64(newSeq)) {
					return reflect.Value{}, storeErrf(st, nil, newSeq, ErrConstraint, "key generator exhausted")
				}
				keyVal.SetInt(int64(newSeq))
			} else {
				if keyVal.OverflowUint(newSeq) {
					return reflect.Value{}, storeErrf(st, nil, newSeq, ErrConstraint, "key generator exhausted")
				}
				keyVal.SetUint(newSeq)
			}
			keyField.Set(keyVal)
		case st.keyGen != nil:
			keyField.Set(st.keyGen())
		default:
			return reflect.Value{}, storeErrf(st, nil, nil, ErrInvalidKey, "record has no key")
		}
		generated = true
	} else if st.autoIncrement {
		if n, ok := seqValue(keyField); ok && n > seq {
			newSeq = n
		}
	}

	keyVal := reflect.New(st.keyType).Elem()
	keyVal.Set(keyField)
	fail := func(err error) (reflect.Value, error) {
		if generated {
			keyField.SetZero()
		}
		return reflect.Value{}, err
	}
	if err := st.keyEnc.validate(keyVal); err != nil {
		return fail(storeErrf(st, nil, nil, ErrInvalidKey, "%v", err))
	}

	rawKey := st.encodeKeyVal(nil, keyVal)
	data, err := st.encodeRowVal(nil, rowVal)
	if err != nil {
		return fail(storeErrf(st, nil, keyVal.Interface(), err, "encoding"))
	}
	rows := ss.rowsOf(rowVal, rawKey)

	dataB, err := tx.bucket(st, dataBucket)
	if err != nil {
		return fail(err)
	}
	oldRaw, err := dataB.Get(rawKey)
	if err != nil {
		return fail(err)
	}
	var old value
	if oldRaw != nil {
		if addOnly {
			return fail(storeErrf(st, nil, keyVal.Interface(), ErrConstraint, "key already exists"))
		}
		if err := old.decode(oldRaw); err != nil {
			return fail(storeErrf(st, nil, keyVal.Interface(), err, "decoding old value"))
		}
	}

	for _, row := range rows {
		if !row.Index.unique {
			continue
		}
		idxB, err := tx.bucket(st, row.Index.bucketName())
		if err != nil {
			return fail(err)
		}
		existing, err := idxB.Get(row.KeyRaw)
		if err != nil {
			return fail(err)
		}
		if existing != nil && !bytes.Equal(existing, rawKey) {
			return fail(storeErrf(st, row.Index, row.Index.describe(row.ValueRaw), ErrConstraint, "value already used by another record"))
		}
	}

	var removed []indexRow
	if oldRaw != nil {
		err := findRemovedIndexKeys(old.Index, rows, func(ord uint64, key []byte) {
			removed = append(removed, indexRow{IndexOrd: ord, KeyRaw: bytes.Clone(key)})
		})
		if err != nil {
			return fail(storeErrf(st, nil, keyVal.Interface(), err, "decoding old index keys"))
		}
	}

	valueRaw := encodeValue(nil, st.valueEnc, tx.db.version, data, appendIndexKeys(nil, rows), tx.db.compressThreshold)
	if err := dataB.Put(rawKey, valueRaw); err != nil {
		return fail(err)
	}
	if err := tx.deleteIndexKeys(st, ss, removed); err != nil {
		return fail(err)
	}
	for _, row := range rows {
		idxB, err := tx.bucket(st, row.Index.bucketName())
		if err != nil {
			return fail(err)
		}
		if err := idxB.Put(row.KeyRaw, rawKey); err != nil {
			return fail(err)
		}
	}
	if newSeq != seq {
		if err := saveSeq(root, newSeq); err != nil {
			return fail(err)
		}
	}

	if tx.db.verbose {
		tx.log.WithFields(logrus.Fields{"store": st.name, "key": keyVal.Interface()}).Debugf("PUT %s", loggableRowVal(st, rowVal))
	}
	rowCopy := st.newRow()
	rowCopy.Elem().Set(rowVal.Elem())
	tx.recordChange(Change{store: st, op: OpPut, rawKey: rawKey, keyVal: keyVal, rowVal: rowCopy})
	return keyVal, nil
}

var seqKeyRaw = []byte(seqKey)

type seqBucket interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
}

func loadSeq(b seqBucket) (uint64, error) {
	raw, err := b.Get(seqKeyRaw)
	if err != nil || raw == nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, errors.Errorf("invalid key generator value %x", raw)
	}
	return binary.BigEndian.Uint64(raw), nil
}

func saveSeq(b seqBucket, seq uint64) error {
	return b.Put(seqKeyRaw, binary.BigEndian.AppendUint64(nil, seq))
}

// seqValue returns the key generator position implied by an explicit key.
func seqValue(keyVal reflect.Value) (uint64, bool) {
	switch {
	case isSignedKind(keyVal.Kind()):
		if n := keyVal.Int(); n > 0 {
			return uint64(n), true
		}
	case isUnsignedKind(keyVal.Kind()):
		return keyVal.Uint(), true
	}
	return 0, false
}
