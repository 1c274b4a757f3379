package objstore

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Schema is the set of stores an application declares. Stores are added with
// DefineStore, normally from package-level variable initializers. A schema
// becomes immutable once it has been used to open a database.
type Schema struct {
	stores       []*Store
	storesByName map[string]*Store
	frozen       atomic.Bool
}

func NewSchema() *Schema {
	return &Schema{
		storesByName: make(map[string]*Store),
	}
}

func (scm *Schema) Stores() []*Store {
	return slices.Clone(scm.stores)
}

// StoreNamed returns the store with the given name, or nil.
func (scm *Schema) StoreNamed(name string) *Store {
	return scm.storesByName[name]
}

func (scm *Schema) StoreNames() []string {
	names := make([]string, len(scm.stores))
	for i, st := range scm.stores {
		names[i] = st.name
	}
	return names
}

// Declarations returns the declarations of all stores, in definition order.
func (scm *Schema) Declarations() []StoreDeclaration {
	decls := make([]StoreDeclaration, len(scm.stores))
	for i, st := range scm.stores {
		decls[i] = st.Declaration()
	}
	return decls
}

func (scm *Schema) addStore(st *Store) {
	if scm.frozen.Load() {
		panic(fmt.Errorf("DefineStore(%s): schema is already in use by an open database", st.name))
	}
	if scm.storesByName[st.name] != nil {
		panic(fmt.Errorf("DefineStore(%s): duplicate store name", st.name))
	}
	st.schema = scm
	st.pos = len(scm.stores)
	scm.stores = append(scm.stores, st)
	scm.storesByName[st.name] = st
}

func (scm *Schema) freeze() {
	scm.frozen.Store(true)
}

// StoreDeclaration is the static description of a store: its name, primary
// key path, key generation and secondary indexes.
type StoreDeclaration struct {
	Name          string
	KeyPath       string
	AutoIncrement bool
	Indexes       []IndexDeclaration
}

// IndexDeclaration describes a secondary index over one or more record fields.
type IndexDeclaration struct {
	Name       string
	KeyPath    []string
	Unique     bool
	MultiEntry bool
	Sparse     bool
}

func (d IndexDeclaration) Equal(o IndexDeclaration) bool {
	return d.Name == o.Name && slices.Equal(d.KeyPath, o.KeyPath) && d.Unique == o.Unique && d.MultiEntry == o.MultiEntry && d.Sparse == o.Sparse
}

func (d IndexDeclaration) String() string {
	var buf strings.Builder
	buf.WriteString(d.Name)
	buf.WriteByte('(')
	buf.WriteString(strings.Join(d.KeyPath, ", "))
	buf.WriteByte(')')
	if d.Unique {
		buf.WriteString(" unique")
	}
	if d.MultiEntry {
		buf.WriteString(" multi")
	}
	if d.Sparse {
		buf.WriteString(" sparse")
	}
	return buf.String()
}

// SameKey reports whether two store declarations agree on the primary key
// and key generation, which cannot be changed without recreating the store.
func (d StoreDeclaration) SameKey(o StoreDeclaration) bool {
	return d.KeyPath == o.KeyPath && d.AutoIncrement == o.AutoIncrement
}

func (d StoreDeclaration) Index(name string) (IndexDeclaration, bool) {
	for _, idx := range d.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexDeclaration{}, false
}

// Equal compares declarations, ignoring the order of indexes.
func (d StoreDeclaration) Equal(o StoreDeclaration) bool {
	if d.Name != o.Name || !d.SameKey(o) || len(d.Indexes) != len(o.Indexes) {
		return false
	}
	for _, idx := range d.Indexes {
		other, ok := o.Index(idx.Name)
		if !ok || !idx.Equal(other) {
			return false
		}
	}
	return true
}

// Fingerprint hashes store declarations. The result does not depend on the
// order of stores or indexes.
func Fingerprint(decls []StoreDeclaration) uint64 {
	sorted := slices.Clone(decls)
	slices.SortFunc(sorted, func(a, b StoreDeclaration) int {
		return strings.Compare(a.Name, b.Name)
	})
	h := xxhash.New()
	for _, d := range sorted {
		fmt.Fprintf(h, "%s\x00%s\x00%v\x00", d.Name, d.KeyPath, d.AutoIncrement)
		for _, idx := range sortedIndexes(d.Indexes) {
			fmt.Fprintf(h, "%s\x00%s\x00%v\x00%v\x00%v\x00", idx.Name, strings.Join(idx.KeyPath, "."), idx.Unique, idx.MultiEntry, idx.Sparse)
		}
		h.WriteString("\x01")
	}
	return h.Sum64()
}
