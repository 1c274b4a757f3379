package objstore

import (
	"reflect"
)

// getVal loads a record by raw key. It returns an invalid Value when the
// record does not exist.
func (tx *Tx) getVal(st *Store, rawKey []byte) (reflect.Value, error) {
	b, err := tx.bucket(st, dataBucket)
	if err != nil || b == nil {
		return reflect.Value{}, err
	}
	raw, err := b.Get(rawKey)
	if err != nil {
		return reflect.Value{}, storeErrf(st, nil, hexstr(rawKey), err, "get")
	}
	if raw == nil {
		return reflect.Value{}, nil
	}
	return decodeStoredRow(st, rawKey, raw)
}

func decodeStoredRow(st *Store, rawKey, raw []byte) (reflect.Value, error) {
	var vle value
	if err := vle.decode(raw); err != nil {
		return reflect.Value{}, storeErrf(st, nil, hexstr(rawKey), err, "")
	}
	rowVal, err := st.decodeRow(rawKey, &vle)
	if err != nil {
		return reflect.Value{}, storeErrf(st, nil, hexstr(rawKey), err, "")
	}
	return rowVal, nil
}

// getByKey loads a record by a caller-supplied key.
func (tx *Tx) getByKey(st *Store, key any) (reflect.Value, error) {
	keyVal, err := st.coerceKey(key)
	if err != nil {
		return reflect.Value{}, err
	}
	rawKey := st.encodeKeyVal(nil, keyVal)
	rowVal, err := tx.getVal(st, rawKey)
	if tx.db.verbose && err == nil {
		tx.log.WithField("store", st.name).WithField("key", keyVal.Interface()).Debugf("GET => %s", loggableRowVal(st, rowVal))
	}
	return rowVal, err
}

// exists reports whether a record with the given raw key exists.
func (tx *Tx) exists(st *Store, rawKey []byte) (bool, error) {
	b, err := tx.bucket(st, dataBucket)
	if err != nil || b == nil {
		return false, err
	}
	raw, err := b.Get(rawKey)
	return raw != nil, err
}
