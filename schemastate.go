package objstore

import (
	"bytes"
	"reflect"
	"slices"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/andreyvit/objstore/engine"
)

const (
	catalogBucket = reservedPrefix + "objstore"
	catalogKey    = "catalog"

	catalogEncoding = MsgPack
)

// catalog is the persisted description of a database: its version and the
// stores and indexes that exist in it. Index ordinals are never reused, so
// stale index keys recorded in values can be told apart from live ones.
type catalog struct {
	Version     uint64                 `msgpack:"v"`
	Fingerprint uint64                 `msgpack:"fp,omitempty"`
	Stores      map[string]*storeState `msgpack:"s"`
}

type storeState struct {
	KeyPath          string                 `msgpack:"k"`
	AutoIncrement    bool                   `msgpack:"ai,omitempty"`
	LastIndexOrdinal uint64                 `msgpack:"li"`
	Indexes          map[string]*indexState `msgpack:"i"`

	store            *Store
	indexStates      []*indexState
	indexStatesByOrd map[uint64]*indexState
}

type indexState struct {
	KeyPath    []string `msgpack:"k"`
	Unique     bool     `msgpack:"u,omitempty"`
	MultiEntry bool     `msgpack:"m,omitempty"`
	Sparse     bool     `msgpack:"sp,omitempty"`
	Ordinal    uint64   `msgpack:"o"`

	index *Index
}

func newCatalog() *catalog {
	return &catalog{Stores: make(map[string]*storeState)}
}

func loadCatalog(stx engine.Tx) (*catalog, error) {
	cat := newCatalog()
	b, err := stx.Bucket(catalogBucket, "")
	if err != nil {
		return nil, err
	}
	if b == nil {
		return cat, nil
	}
	raw, err := b.Get([]byte(catalogKey))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return cat, nil
	}
	if err := catalogEncoding.DecodeValue(raw, reflect.ValueOf(cat)); err != nil {
		return nil, errors.WithMessage(err, "failed to decode catalog")
	}
	if cat.Stores == nil {
		cat.Stores = make(map[string]*storeState)
	}
	for _, ss := range cat.Stores {
		if ss.Indexes == nil {
			ss.Indexes = make(map[string]*indexState)
		}
	}
	return cat, nil
}

func (cat *catalog) save(stx engine.Tx) error {
	cat.Fingerprint = Fingerprint(cat.declarations())
	raw, err := catalogEncoding.EncodeValue(nil, reflect.ValueOf(cat))
	if err != nil {
		return err
	}
	b, err := stx.CreateBucket(catalogBucket, "")
	if err != nil {
		return err
	}
	return b.Put([]byte(catalogKey), raw)
}

// declarations describes the stored stores, sorted by name.
func (cat *catalog) declarations() []StoreDeclaration {
	names := make([]string, 0, len(cat.Stores))
	for name := range cat.Stores {
		names = append(names, name)
	}
	sort.Strings(names)

	decls := make([]StoreDeclaration, 0, len(names))
	for _, name := range names {
		decls = append(decls, cat.Stores[name].declaration(name))
	}
	return decls
}

func (ss *storeState) declaration(name string) StoreDeclaration {
	d := StoreDeclaration{
		Name:          name,
		KeyPath:       ss.KeyPath,
		AutoIncrement: ss.AutoIncrement,
	}
	for idxName, is := range ss.Indexes {
		d.Indexes = append(d.Indexes, IndexDeclaration{
			Name:       idxName,
			KeyPath:    slices.Clone(is.KeyPath),
			Unique:     is.Unique,
			MultiEntry: is.MultiEntry,
			Sparse:     is.Sparse,
		})
	}
	d.Indexes = sortedIndexes(d.Indexes)
	return d
}

// bind attaches schema stores and indexes to the catalog. The catalog must
// describe exactly the declared stores.
func (cat *catalog) bind(scm *Schema) error {
	for name := range cat.Stores {
		if scm.StoreNamed(name) == nil {
			return errors.WithMessagef(ErrSchemaMismatch, "store %s exists but is not declared", name)
		}
	}
	for _, st := range scm.stores {
		ss := cat.Stores[st.name]
		if ss == nil {
			return errors.WithMessagef(ErrSchemaMismatch, "store %s is declared but does not exist", st.name)
		}
		if decl := st.Declaration(); !decl.Equal(ss.declaration(st.name)) {
			return errors.WithMessagef(ErrSchemaMismatch, "store %s has changed", st.name)
		}
		ss.store = st
		ss.indexStates = make([]*indexState, len(st.indices))
		ss.indexStatesByOrd = make(map[uint64]*indexState, len(st.indices))
		for i, idx := range st.indices {
			is := ss.Indexes[idx.name]
			is.index = idx
			ss.indexStates[i] = is
			ss.indexStatesByOrd[is.Ordinal] = is
		}
	}
	return nil
}

func (ss *storeState) indexOrdinal(idx *Index) uint64 {
	return ss.indexStates[idx.pos].Ordinal
}

func (ss *storeState) indexByOrdinal(ord uint64) *Index {
	is := ss.indexStatesByOrd[ord]
	if is == nil {
		return nil
	}
	return is.index
}

// upgrade brings the stored stores in line with scm and sets the catalog
// version. It runs inside the version change transaction.
func (tx *Tx) upgrade(scm *Schema, version uint64) (uint64, error) {
	cat, err := loadCatalog(tx.stx)
	if err != nil {
		return 0, err
	}
	oldVersion := cat.Version

	steps, err := PlanMigration(oldVersion, version, cat.declarations(), scm.Declarations())
	if err != nil {
		return oldVersion, err
	}

	var backfill []*Index
	for _, step := range steps {
		applied, err := tx.applyStep(cat, step)
		if err != nil {
			return oldVersion, errors.WithMessagef(err, "%v", step)
		}
		if !applied {
			continue
		}
		if step.Kind == StepCreateIndex {
			backfill = append(backfill, scm.StoreNamed(step.Store).IndexNamed(step.Index))
		}
		MigrationStepsTotal.WithLabelValues(step.Kind.String()).Inc()
		tx.log.WithFields(logrus.Fields{"store": step.Store, "index": step.Index, "step": step.Kind.String()}).Info("migration step applied")
	}

	cat.Version = version
	if err := cat.bind(scm); err != nil {
		return oldVersion, err
	}
	tx.cat = cat

	for _, idx := range backfill {
		if err := tx.backfillIndex(idx); err != nil {
			return oldVersion, err
		}
	}
	if err := cat.save(tx.stx); err != nil {
		return oldVersion, err
	}
	return oldVersion, nil
}

// applyStep performs a migration step unless it's already in effect.
func (tx *Tx) applyStep(cat *catalog, step MigrationStep) (bool, error) {
	switch step.Kind {
	case StepDeleteStore:
		if cat.Stores[step.Store] == nil {
			return false, nil
		}
		if err := tx.deleteBucket(step.Store, ""); err != nil {
			return false, err
		}
		delete(cat.Stores, step.Store)

	case StepDeleteIndex:
		ss := cat.Stores[step.Store]
		if ss == nil || ss.Indexes[step.Index] == nil {
			return false, nil
		}
		if err := tx.deleteBucket(step.Store, indexBucketName(step.Index)); err != nil {
			return false, err
		}
		delete(ss.Indexes, step.Index)

	case StepCreateStore:
		if cat.Stores[step.Store] != nil {
			return false, nil
		}
		if _, err := tx.bucketNamed(step.Store, dataBucket); err != nil {
			return false, err
		}
		cat.Stores[step.Store] = &storeState{
			KeyPath:       step.StoreDecl.KeyPath,
			AutoIncrement: step.StoreDecl.AutoIncrement,
			Indexes:       make(map[string]*indexState),
		}

	case StepCreateIndex:
		ss := cat.Stores[step.Store]
		if ss == nil {
			return false, errors.Errorf("store %s does not exist", step.Store)
		}
		if ss.Indexes[step.Index] != nil {
			return false, nil
		}
		if _, err := tx.bucketNamed(step.Store, indexBucketName(step.Index)); err != nil {
			return false, err
		}
		ss.LastIndexOrdinal++
		ss.Indexes[step.Index] = &indexState{
			KeyPath:    slices.Clone(step.IndexDecl.KeyPath),
			Unique:     step.IndexDecl.Unique,
			MultiEntry: step.IndexDecl.MultiEntry,
			Sparse:     step.IndexDecl.Sparse,
			Ordinal:    ss.LastIndexOrdinal,
		}

	default:
		return false, errors.Errorf("invalid migration step %v", step.Kind)
	}
	return true, nil
}

// backfillIndex adds the entries of an index created over a store that
// already has records.
func (tx *Tx) backfillIndex(idx *Index) error {
	st := idx.store
	ss := tx.storeState(st)
	ord := ss.indexOrdinal(idx)
	l := tx.log.WithFields(logrus.Fields{"store": st.name, "index": idx.name})

	dataB, err := tx.bucket(st, dataBucket)
	if err != nil {
		return err
	}
	idxB, err := tx.bucket(st, idx.bucketName())
	if err != nil {
		return err
	}

	var keys [][]byte
	c := dataB.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		keys = append(keys, bytes.Clone(k))
	}
	if err := c.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	start := time.Now()
	for _, k := range keys {
		raw, err := dataB.Get(k)
		if err != nil {
			return err
		}
		var vle value
		if err := vle.decode(raw); err != nil {
			return storeErrf(st, nil, hexstr(k), err, "backfill")
		}
		rowVal, err := st.decodeRow(k, &vle)
		if err != nil {
			return storeErrf(st, nil, hexstr(k), err, "backfill")
		}
		data, err := vle.record()
		if err != nil {
			return err
		}

		var rows indexRows
		err = decodeIndexKeys(vle.Index, func(o uint64, key []byte) {
			if o != ord && ss.indexByOrdinal(o) != nil {
				rows = append(rows, indexRow{IndexOrd: o, KeyRaw: key})
			}
		})
		if err != nil {
			return storeErrf(st, nil, hexstr(k), err, "backfill")
		}
		for _, val := range idx.values(rowVal) {
			ik := idx.entryKey(val, k)
			if idx.unique {
				existing, err := idxB.Get(ik)
				if err != nil {
					return err
				}
				if existing != nil && !bytes.Equal(existing, k) {
					return storeErrf(st, idx, idx.describe(val), ErrConstraint, "duplicate value while building index")
				}
			}
			if err := idxB.Put(ik, k); err != nil {
				return err
			}
			rows = append(rows, indexRow{Index: idx, IndexOrd: ord, KeyRaw: ik, ValueRaw: val})
		}
		rows.sort()

		newRaw := encodeValue(nil, vle.Flags.encoding(), vle.SchemaVer, data, appendIndexKeys(nil, rows), tx.db.compressThreshold)
		if err := dataB.Put(k, newRaw); err != nil {
			return err
		}
		BackfilledRecordsTotal.Inc()
	}
	l.WithFields(logrus.Fields{"records": len(keys), "ms": time.Since(start).Milliseconds()}).Info("index built")
	return nil
}
