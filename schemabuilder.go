package objstore

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"
)

// StoreOf is a typed handle of a store declared with DefineStore.
type StoreOf[Row, Key any] struct {
	*Store
}

// StoreBuilder configures a store inside DefineStore.
type StoreBuilder[Row, Key any] struct {
	st         *Store
	keyPath    string
	indexDecls []*IndexBuilder
}

// IndexBuilder configures an index declared with StoreBuilder.Index.
type IndexBuilder struct {
	idx   *Index
	paths []string
}

// DefineStore declares a store of Row records keyed by a field of type Key.
// The key field defaults to the first field of Row.
//
// DefineStore panics if the declaration is invalid, so mistakes surface at
// package initialization rather than when a database is opened.
func DefineStore[Row, Key any](scm *Schema, name string, f func(b *StoreBuilder[Row, Key])) *StoreOf[Row, Key] {
	rowPtrType := reflect.TypeFor[*Row]()
	if rowPtrType.Elem().Kind() != reflect.Struct {
		panic(fmt.Errorf("DefineStore(%s): Row must be a struct, got %v", name, rowPtrType.Elem()))
	}
	if name == "" || strings.HasPrefix(name, reservedPrefix) {
		panic(fmt.Errorf("DefineStore(%q): invalid store name", name))
	}
	st := &Store{
		name:          name,
		rowTypePtr:    rowPtrType,
		rowType:       rowPtrType.Elem(),
		valueEnc:      defaultValueEncoding,
		indicesByName: make(map[string]*Index),
	}

	b := &StoreBuilder[Row, Key]{st: st}
	if f != nil {
		f(b)
	}
	if err := b.finalize(); err != nil {
		panic(fmt.Errorf("DefineStore(%s): %w", name, err))
	}
	scm.addStore(st)
	return &StoreOf[Row, Key]{st}
}

// PrimaryKey sets the key field path (a field name, or a dotted path into
// nested structs).
func (b *StoreBuilder[Row, Key]) PrimaryKey(path string) *StoreBuilder[Row, Key] {
	b.keyPath = path
	return b
}

// AutoIncrement makes the store assign sequential keys, starting at 1, to
// records put with a zero key. Requires an integer key.
func (b *StoreBuilder[Row, Key]) AutoIncrement() *StoreBuilder[Row, Key] {
	b.st.autoIncrement = true
	return b
}

// KeyGenerator sets a function producing keys for records put with a zero key.
func (b *StoreBuilder[Row, Key]) KeyGenerator(f func() Key) *StoreBuilder[Row, Key] {
	b.st.keyGen = func() reflect.Value {
		return reflect.ValueOf(f())
	}
	return b
}

// UUIDKey generates random UUID keys for records put with a zero key. Key
// must be a string type or a 16-byte array type such as uuid.UUID.
func (b *StoreBuilder[Row, Key]) UUIDKey() *StoreBuilder[Row, Key] {
	keyType := reflect.TypeFor[Key]()
	switch {
	case keyType.Kind() == reflect.String:
		b.st.keyGen = func() reflect.Value {
			return reflect.ValueOf(uuid.NewString()).Convert(keyType)
		}
	case keyType.Kind() == reflect.Array && keyType.Len() == 16 && keyType.Elem().Kind() == reflect.Uint8:
		b.st.keyGen = func() reflect.Value {
			return reflect.ValueOf(uuid.New()).Convert(keyType)
		}
	default:
		panic(fmt.Errorf("DefineStore(%s): UUIDKey requires a string or [16]byte key, got %v", b.st.name, keyType))
	}
	return b
}

// Encoding selects the record codec; the default is MsgPack.
func (b *StoreBuilder[Row, Key]) Encoding(enc encodingMethod) *StoreBuilder[Row, Key] {
	b.st.valueEnc = enc
	return b
}

// SuppressContentWhenLogging keeps record bodies out of verbose logs.
func (b *StoreBuilder[Row, Key]) SuppressContentWhenLogging() *StoreBuilder[Row, Key] {
	b.st.suppressContent = true
	return b
}

// Index declares a secondary index over the given field paths.
func (b *StoreBuilder[Row, Key]) Index(name string, fields ...string) *IndexBuilder {
	ib := &IndexBuilder{
		idx:   &Index{store: b.st, name: name},
		paths: fields,
	}
	b.indexDecls = append(b.indexDecls, ib)
	return ib
}

func (ib *IndexBuilder) Unique() *IndexBuilder {
	ib.idx.unique = true
	return ib
}

func (ib *IndexBuilder) MultiEntry() *IndexBuilder {
	ib.idx.multiEntry = true
	return ib
}

func (ib *IndexBuilder) Sparse() *IndexBuilder {
	ib.idx.sparse = true
	return ib
}

func (b *StoreBuilder[Row, Key]) finalize() error {
	st := b.st
	keyPath := b.keyPath
	if keyPath == "" {
		if st.rowType.NumField() == 0 {
			return fmt.Errorf("%v has no fields", st.rowType)
		}
		keyPath = st.rowType.Field(0).Name
	}
	fp, err := resolveFieldPath(st.rowType, keyPath, st.valueEnc)
	if err != nil {
		return fmt.Errorf("primary key: %w", err)
	}
	st.key = fp
	st.keyType = fp.Type
	if want := reflect.TypeFor[Key](); st.keyType != want {
		return fmt.Errorf("key field %s is %v, but the store is declared with key type %v", keyPath, st.keyType, want)
	}
	st.keyEnc, err = keyEncodingOf(st.keyType)
	if err != nil {
		return fmt.Errorf("primary key: %w", err)
	}
	if st.autoIncrement {
		if !isIntegerKind(st.keyType.Kind()) {
			return fmt.Errorf("auto-increment requires an integer key, got %v", st.keyType)
		}
		if st.keyGen != nil {
			return fmt.Errorf("auto-increment cannot be combined with a key generator")
		}
	}

	for _, ib := range b.indexDecls {
		idx := ib.idx
		if idx.name == "" || strings.ContainsAny(idx.name, "\x00") {
			return fmt.Errorf("invalid index name %q", idx.name)
		}
		if st.indicesByName[idx.name] != nil {
			return fmt.Errorf("duplicate index name %q", idx.name)
		}
		if err := idx.resolve(ib.paths); err != nil {
			return err
		}
		idx.pos = len(st.indices)
		st.indices = append(st.indices, idx)
		st.indicesByName[idx.name] = idx
	}
	return nil
}
