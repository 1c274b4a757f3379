package objstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/andreyvit/objstore/engine"
)

type DumpFlags uint64

const (
	DumpStoreHeaders = DumpFlags(1 << iota)
	DumpRecords
	DumpStats
	DumpIndexes
	DumpIndexEntries

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump describes the stores of the transaction's scope in a human-readable
// form, for debugging and tests.
func (tx *Tx) Dump(ctx context.Context, f DumpFlags) (string, error) {
	return submit(tx, "dump", nil, false, func() (string, error) {
		var buf strings.Builder
		for _, st := range tx.stores {
			if err := tx.dumpStore(&buf, f, st); err != nil {
				return "", err
			}
		}
		return buf.String(), nil
	}).Wait(ctx)
}

func (tx *Tx) dumpStore(w *strings.Builder, f DumpFlags, st *Store) error {
	s, err := tx.storeStats(st)
	if err != nil {
		return err
	}
	ss := tx.storeState(st)

	if f.Contains(DumpStoreHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d records)\n", st.name, s.Records)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_entries = %d, data_size = %d, index_size = %d, total_size = %d\n", st.name, s.IndexEntries, s.DataSize, s.IndexSize, s.TotalSize())
	}

	if f.Contains(DumpRecords) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		var pos int
		err := tx.forEachRaw(st, dataBucket, func(k, v []byte) {
			pos++
			rowVal, err := decodeStoredRow(st, k, v)
			if err != nil {
				fmt.Fprintf(w, "%s.%d = ** ERROR: %v\n", st.name, pos, err)
				return
			}
			raw, err := json.Marshal(rowVal.Interface())
			if err != nil {
				fmt.Fprintf(w, "%s.%d = ** ERROR: %v\n", st.name, pos, err)
				return
			}
			fmt.Fprintf(w, "%s.%d = %s\n", st.name, pos, raw)
		})
		if err != nil {
			return err
		}
	}

	if f.Contains(DumpIndexes) {
		for _, idx := range st.indices {
			fmt.Fprintln(w, dumpSep2)
			prefix := st.name + ".i." + idx.name
			fmt.Fprintf(w, "%s (0x%x) %v\n", prefix, ss.indexOrdinal(idx), idx.Declaration())
			if !f.Contains(DumpIndexEntries) {
				continue
			}
			var pos int
			err := tx.forEachRaw(st, idx.bucketName(), func(k, v []byte) {
				pos++
				keyStr := hexstr(v)
				if keyVal, err := st.decodeKeyVal(v); err == nil {
					keyStr = fmt.Sprint(keyVal.Interface())
				}
				fmt.Fprintf(w, "%s.%d: %s => %s\n", prefix, pos, idx.describe(idx.valuePart(k, v)), keyStr)
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// DatabaseInfo describes a stored database without needing its schema.
type DatabaseInfo struct {
	Version     uint64      `json:"version" yaml:"version"`
	Fingerprint string      `json:"fingerprint" yaml:"fingerprint"`
	Stores      []StoreInfo `json:"stores" yaml:"stores"`
}

type StoreInfo struct {
	Name          string             `json:"name" yaml:"name"`
	KeyPath       string             `json:"key_path" yaml:"key_path"`
	AutoIncrement bool               `json:"auto_increment,omitempty" yaml:"auto_increment,omitempty"`
	KeyGenerator  uint64             `json:"key_generator,omitempty" yaml:"key_generator,omitempty"`
	Indexes       []IndexDeclaration `json:"indexes,omitempty" yaml:"indexes,omitempty"`
	StoreStats    `yaml:",inline"`
}

// Inspect reads the catalog and statistics of an open storage.
func Inspect(stg engine.Storage) (*DatabaseInfo, error) {
	stx, err := stg.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer stx.Rollback()

	cat, err := loadCatalog(stx)
	if err != nil {
		return nil, err
	}
	info := &DatabaseInfo{
		Version:     cat.Version,
		Fingerprint: fmt.Sprintf("%016x", Fingerprint(cat.declarations())),
	}
	for _, decl := range cat.declarations() {
		si := StoreInfo{
			Name:          decl.Name,
			KeyPath:       decl.KeyPath,
			AutoIncrement: decl.AutoIncrement,
			Indexes:       decl.Indexes,
		}
		if root, err := stx.Bucket(decl.Name, ""); err != nil {
			return nil, err
		} else if root != nil {
			si.KeyGenerator, err = loadSeq(root)
			if err != nil {
				return nil, err
			}
		}
		subs := []string{dataBucket}
		for _, idx := range decl.Indexes {
			subs = append(subs, indexBucketName(idx.Name))
		}
		for i, sub := range subs {
			err := forEachInBucket(stx, decl.Name, sub, func(k, v []byte) error {
				if i == 0 {
					si.Records++
					si.DataSize += len(k) + len(v)
				} else {
					si.IndexEntries++
					si.IndexSize += len(k) + len(v)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
		info.Stores = append(info.Stores, si)
	}
	sort.Slice(info.Stores, func(i, j int) bool {
		return info.Stores[i].Name < info.Stores[j].Name
	})
	return info, nil
}

// RawRecord is a record decoded without its Go type.
type RawRecord struct {
	Key       []byte
	SchemaVer uint64
	Value     any
}

// DumpStore calls f for every record of the named store, in key order,
// decoding records into maps, slices and scalars.
func DumpStore(stg engine.Storage, store string, f func(rec RawRecord) error) error {
	stx, err := stg.BeginTx(false)
	if err != nil {
		return err
	}
	defer stx.Rollback()

	cat, err := loadCatalog(stx)
	if err != nil {
		return err
	}
	if cat.Stores[store] == nil {
		return &StoreError{Store: store, Op: "dump", Err: ErrUnknownStore}
	}
	return forEachInBucket(stx, store, dataBucket, func(k, v []byte) error {
		var vle value
		if err := vle.decode(v); err != nil {
			return err
		}
		data, err := vle.record()
		if err != nil {
			return err
		}
		rec, err := vle.Flags.encoding().DecodeGeneric(data)
		if err != nil {
			return err
		}
		return f(RawRecord{Key: k, SchemaVer: vle.SchemaVer, Value: rec})
	})
}

func forEachInBucket(stx engine.Tx, name, sub string, f func(k, v []byte) error) error {
	b, err := stx.Bucket(name, sub)
	if err != nil {
		return errors.WithMessagef(err, "bucket %s/%s", name, sub)
	}
	if b == nil {
		return nil
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := f(k, v); err != nil {
			return err
		}
	}
	return c.Err()
}
