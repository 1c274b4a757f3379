package objstore

import (
	"fmt"
	"reflect"
	"slices"
)

const (
	dataBucket     = "data"
	seqKey         = "seq"
	reservedPrefix = "_"
)

// Store describes an object store: a named collection of records of one Go
// struct type, keyed by one of its fields.
type Store struct {
	schema          *Schema
	name            string
	pos             int // index in schema.stores
	rowType         reflect.Type
	rowTypePtr      reflect.Type
	key             *fieldPath
	keyType         reflect.Type
	keyEnc          *keyEncoding
	autoIncrement   bool
	keyGen          func() reflect.Value
	indices         []*Index
	indicesByName   map[string]*Index
	valueEnc        encodingMethod
	suppressContent bool
}

func (st *Store) Name() string {
	return st.name
}

func (st *Store) KeyPath() string {
	return st.key.Path
}

func (st *Store) KeyType() reflect.Type {
	return st.keyType
}

func (st *Store) RowType() reflect.Type {
	return st.rowType
}

func (st *Store) AutoIncrement() bool {
	return st.autoIncrement
}

func (st *Store) Indices() []*Index {
	return slices.Clone(st.indices)
}

// IndexNamed returns the index with the given name, or nil.
func (st *Store) IndexNamed(name string) *Index {
	return st.indicesByName[name]
}

func (st *Store) Declaration() StoreDeclaration {
	d := StoreDeclaration{
		Name:          st.name,
		KeyPath:       st.key.Path,
		AutoIncrement: st.autoIncrement,
		Indexes:       make([]IndexDeclaration, len(st.indices)),
	}
	for i, idx := range st.indices {
		d.Indexes[i] = idx.Declaration()
	}
	return d
}

func (st *Store) String() string {
	return st.name
}

func (st *Store) newRow() reflect.Value {
	return reflect.New(st.rowType)
}

func (st *Store) rowKeyVal(rowVal reflect.Value) reflect.Value {
	return st.key.valueIn(rowVal.Elem())
}

func (st *Store) encodeKeyVal(buf []byte, keyVal reflect.Value) []byte {
	return st.keyEnc.encode(buf, keyVal)
}

func (st *Store) decodeKeyVal(raw []byte) (reflect.Value, error) {
	keyPtr := reflect.New(st.keyType)
	err := st.keyEnc.decode(raw, keyPtr)
	if err != nil {
		return reflect.Value{}, storeErrf(st, nil, nil, err, "failed to decode key %x", raw)
	}
	return keyPtr.Elem(), nil
}

// coerceKey converts a caller-supplied key (or key range bound) to the key type.
func (st *Store) coerceKey(v any) (reflect.Value, error) {
	val, err := coerceKeyValue(v, st.keyType)
	if err == nil {
		err = st.keyEnc.validate(val)
	}
	if err != nil {
		return reflect.Value{}, storeErrf(st, nil, v, ErrInvalidKey, "%v", err)
	}
	return val, nil
}

// encodeQuery encodes a key range bound. A one-element Tuple is accepted in
// place of the key.
func (st *Store) encodeQuery(v any, prefix bool) ([]byte, error) {
	if t, ok := v.(Tuple); ok {
		if len(t) != 1 {
			return nil, storeErrf(st, nil, v, ErrInvalidKey, "expected a single key")
		}
		v = t[0]
	}
	keyVal, err := st.coerceKey(v)
	if err != nil {
		return nil, err
	}
	return st.encodeKeyVal(nil, keyVal), nil
}

func (st *Store) encodeRowVal(buf []byte, rowVal reflect.Value) ([]byte, error) {
	return st.valueEnc.EncodeValue(buf, rowVal)
}

// decodeRow decodes a stored value into a new record. The key field is
// restored from the raw key when it is not part of the serialized record.
func (st *Store) decodeRow(rawKey []byte, vle *value) (reflect.Value, error) {
	data, err := vle.record()
	if err != nil {
		return reflect.Value{}, err
	}
	rowVal := st.newRow()
	err = vle.Flags.encoding().DecodeValue(data, rowVal)
	if err != nil {
		return reflect.Value{}, err
	}
	if !st.key.Serialized {
		keyVal, err := st.decodeKeyVal(rawKey)
		if err != nil {
			return reflect.Value{}, err
		}
		st.rowKeyVal(rowVal).Set(keyVal)
	}
	return rowVal, nil
}

func (st *Store) requireRowPtr(rowVal reflect.Value) {
	if rowVal.Type() != st.rowTypePtr {
		panic(fmt.Errorf("%s: expected %v, got %v", st.name, st.rowTypePtr, rowVal.Type()))
	}
	if rowVal.IsNil() {
		panic(fmt.Errorf("%s: nil row", st.name))
	}
}
