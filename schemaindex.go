package objstore

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
)

// Tuple is a value of a compound index, one element per indexed field.
// A shorter Tuple can be used as a prefix in Prefix ranges.
type Tuple []any

// Index is a secondary index of a store.
//
// A multi-entry index is declared over a single slice field and produces one
// entry per distinct element. A sparse index skips records whose indexed
// fields have zero values. Nil pointer fields are never indexed.
type Index struct {
	store      *Store
	pos        int // index in store.indices
	name       string
	fields     []*fieldPath
	partTypes  []reflect.Type
	parts      []*keyEncoding
	unique     bool
	multiEntry bool
	sparse     bool
}

func indexBucketName(name string) string {
	return "i_" + name
}

func (idx *Index) Store() *Store {
	return idx.store
}

func (idx *Index) Name() string {
	return idx.name
}

func (idx *Index) FullName() string {
	return idx.store.name + "." + idx.name
}

func (idx *Index) KeyPath() []string {
	paths := make([]string, len(idx.fields))
	for i, fp := range idx.fields {
		paths[i] = fp.Path
	}
	return paths
}

func (idx *Index) IsUnique() bool     { return idx.unique }
func (idx *Index) IsMultiEntry() bool { return idx.multiEntry }
func (idx *Index) IsSparse() bool     { return idx.sparse }

func (idx *Index) Declaration() IndexDeclaration {
	return IndexDeclaration{
		Name:       idx.name,
		KeyPath:    idx.KeyPath(),
		Unique:     idx.unique,
		MultiEntry: idx.multiEntry,
		Sparse:     idx.sparse,
	}
}

func (idx *Index) bucketName() string {
	return indexBucketName(idx.name)
}

func (idx *Index) String() string {
	return idx.FullName()
}

// resolve validates the index against its store's record type.
func (idx *Index) resolve(paths []string) error {
	st := idx.store
	if len(paths) == 0 {
		return fmt.Errorf("index %s has no fields", idx.name)
	}
	if idx.multiEntry && len(paths) != 1 {
		return fmt.Errorf("multi-entry index %s must have exactly one field", idx.name)
	}
	seen := make(map[string]bool)
	for _, path := range paths {
		if seen[path] {
			return fmt.Errorf("index %s lists field %s twice", idx.name, path)
		}
		seen[path] = true

		fp, err := resolveFieldPath(st.rowType, path, st.valueEnc)
		if err != nil {
			return fmt.Errorf("index %s: %w", idx.name, err)
		}
		if !fp.Serialized {
			return fmt.Errorf("index %s: field %s is not serialized", idx.name, path)
		}

		typ := fp.Type
		if idx.multiEntry {
			if typ.Kind() != reflect.Slice || typ.Elem().Kind() == reflect.Uint8 {
				return fmt.Errorf("multi-entry index %s: field %s must be a slice, got %v", idx.name, path, typ)
			}
			typ = typ.Elem()
		}
		if typ.Kind() == reflect.Ptr {
			typ = typ.Elem()
		}
		enc, err := keyEncodingOf(typ)
		if err != nil {
			return fmt.Errorf("index %s: field %s: %w", idx.name, path, err)
		}
		idx.fields = append(idx.fields, fp)
		idx.partTypes = append(idx.partTypes, typ)
		idx.parts = append(idx.parts, enc)
	}
	return nil
}

func (idx *Index) partValue(v reflect.Value) (reflect.Value, bool) {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return v, false
		}
		v = v.Elem()
	}
	if idx.sparse && v.IsZero() {
		return v, false
	}
	return v, true
}

// values returns the encoded index values of a record, without the primary key.
func (idx *Index) values(rowVal reflect.Value) [][]byte {
	row := rowVal.Elem()
	if idx.multiEntry {
		sv := idx.fields[0].valueIn(row)
		n := sv.Len()
		out := make([][]byte, 0, n)
		for i := 0; i < n; i++ {
			ev, ok := idx.partValue(sv.Index(i))
			if !ok || idx.parts[0].validate(ev) != nil {
				continue
			}
			enc := idx.parts[0].encode(nil, ev)
			if !slices.ContainsFunc(out, func(b []byte) bool { return string(b) == string(enc) }) {
				out = append(out, enc)
			}
		}
		return out
	}

	var buf []byte
	for i, fp := range idx.fields {
		v, ok := idx.partValue(fp.valueIn(row))
		if !ok || idx.parts[i].validate(v) != nil {
			return nil
		}
		buf = idx.parts[i].encode(buf, v)
	}
	return [][]byte{buf}
}

// entryKey builds the index bucket key of an entry. Unique indexes are keyed
// by the value alone; other indexes append the primary key so that entries of
// different records don't collide.
func (idx *Index) entryKey(val, rawKey []byte) []byte {
	if idx.unique {
		return val
	}
	buf := make([]byte, 0, len(val)+len(rawKey))
	buf = append(buf, val...)
	return append(buf, rawKey...)
}

// rowsOf returns the sorted index entries of a record.
func (ss *storeState) rowsOf(rowVal reflect.Value, rawKey []byte) indexRows {
	var rows indexRows
	for _, idx := range ss.store.indices {
		ord := ss.indexStates[idx.pos].Ordinal
		for _, val := range idx.values(rowVal) {
			rows = append(rows, indexRow{
				Index:    idx,
				IndexOrd: ord,
				KeyRaw:   idx.entryKey(val, rawKey),
				ValueRaw: val,
			})
		}
	}
	rows.sort()
	return rows
}

// encodeQuery encodes a caller-supplied index value. With prefix set, a
// compound index accepts a Tuple with fewer elements than fields.
func (idx *Index) encodeQuery(v any, prefix bool) ([]byte, error) {
	var vals []any
	if t, ok := v.(Tuple); ok {
		vals = t
	} else if len(idx.parts) == 1 {
		vals = []any{v}
	} else {
		return nil, storeErrf(idx.store, idx, v, ErrInvalidKey, "compound index value must be a Tuple of %d elements", len(idx.parts))
	}
	if len(vals) == 0 || len(vals) > len(idx.parts) || (!prefix && len(vals) != len(idx.parts)) {
		return nil, storeErrf(idx.store, idx, v, ErrInvalidKey, "expected %d elements, got %d", len(idx.parts), len(vals))
	}
	var buf []byte
	for i, x := range vals {
		val, err := coerceKeyValue(x, idx.partTypes[i])
		if err == nil {
			err = idx.parts[i].validate(val)
		}
		if err != nil {
			return nil, storeErrf(idx.store, idx, v, ErrInvalidKey, "%s: %v", idx.fields[i].Path, err)
		}
		buf = idx.parts[i].encode(buf, val)
	}
	return buf, nil
}

// describe formats an encoded index value for error messages.
func (idx *Index) describe(raw []byte) string {
	var parts []string
	for i, enc := range idx.parts {
		ptr := reflect.New(idx.partTypes[i])
		rest, err := enc.decodeFrom(raw, ptr)
		if err != nil {
			return fmt.Sprintf("%x", raw)
		}
		parts = append(parts, fmt.Sprint(ptr.Elem().Interface()))
		raw = rest
	}
	return strings.Join(parts, "|")
}
