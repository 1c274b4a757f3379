package objstore

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/andreyvit/objstore/engine"
)

// rawRange is a range of encoded keys: Lower is inclusive, Upper exclusive,
// nil means unbounded.
type rawRange struct {
	Lower   []byte
	Upper   []byte
	Reverse bool
	Empty   bool
}

func (r *rawRange) match(k []byte) bool {
	if r.Lower != nil && bytes.Compare(k, r.Lower) < 0 {
		return false
	}
	if r.Upper != nil && bytes.Compare(k, r.Upper) >= 0 {
		return false
	}
	return true
}

func (r *rawRange) start(c engine.Cursor) ([]byte, []byte) {
	if r.Empty {
		return nil, nil
	}
	var k, v []byte
	if r.Reverse {
		if r.Upper != nil {
			k, v = seekBefore(c, r.Upper)
		} else {
			k, v = c.Last()
		}
	} else {
		if r.Lower != nil {
			k, v = c.Seek(r.Lower)
		} else {
			k, v = c.First()
		}
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

// resume continues the scan from pos, which is included only if inclusive
// is set. The bucket may have changed since pos was visited.
func (r *rawRange) resume(c engine.Cursor, pos []byte, inclusive bool) ([]byte, []byte) {
	var k, v []byte
	if r.Reverse {
		k, v = c.Seek(pos)
		if !(inclusive && k != nil && bytes.Equal(k, pos)) {
			if k == nil {
				k, v = c.Last()
			} else {
				k, v = c.Prev()
			}
		}
	} else {
		k, v = c.Seek(pos)
		if !inclusive && k != nil && bytes.Equal(k, pos) {
			k, v = c.Next()
		}
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

// seekBefore moves to the last key < bound.
func seekBefore(c engine.Cursor, bound []byte) ([]byte, []byte) {
	k, _ := c.Seek(bound)
	if k == nil {
		return c.Last()
	}
	return c.Prev()
}

// scanItem is a record visited by a scanner: its primary raw key and, for
// store scans or when requested, its stored value.
type scanItem struct {
	Key   []byte
	Value []byte
}

// scanner walks a store or an index one record at a time. Its position is
// a raw key, and every step opens a fresh engine cursor, so records may be
// written between steps. A scanner is only used on the transaction
// goroutine.
type scanner struct {
	tx     *Tx
	st     *Store
	idx    *Index
	rang   rawRange
	unique bool

	started   bool
	done      bool
	pos       []byte
	inclusive bool

	// the last visited entry: its index value (the primary key for store
	// scans) and primary key
	curVal []byte
	curPK  []byte
}

func (tx *Tx) newScanner(st *Store, idx *Index, kr KeyRange, dir Direction) (*scanner, error) {
	enc := st.encodeQuery
	if idx != nil {
		enc = idx.encodeQuery
	}
	rang, err := kr.raw(enc, dir.reverse())
	if err != nil {
		var se *StoreError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, storeErrf(st, idx, kr.String(), err, "invalid range")
	}
	return &scanner{
		tx:     tx,
		st:     st,
		idx:    idx,
		rang:   rang,
		unique: idx != nil && dir.unique(),
	}, nil
}

// next returns the next record, or ok == false at the end of the range.
// With withValue unset, index scans don't load records.
func (s *scanner) next(withValue bool) (item scanItem, ok bool, err error) {
	if s.done {
		return item, false, nil
	}
	bucketName := dataBucket
	if s.idx != nil {
		bucketName = s.idx.bucketName()
	}
	b, err := s.tx.bucket(s.st, bucketName)
	if err != nil || b == nil {
		s.done = true
		return item, false, err
	}

	c := b.Cursor()
	var k, v []byte
	if s.started {
		k, v = s.rang.resume(c, s.pos, s.inclusive)
	} else {
		s.started = true
		k, v = s.rang.start(c)
	}
	if err := c.Err(); err != nil {
		s.done = true
		return item, false, err
	}
	if k == nil {
		s.done = true
		return item, false, nil
	}

	if s.idx == nil {
		s.pos, s.inclusive = bytes.Clone(k), false
		s.curVal, s.curPK = s.pos, s.pos
		return scanItem{Key: s.pos, Value: bytes.Clone(v)}, true, nil
	}

	if s.unique {
		val := s.idx.valuePart(k, v)
		if s.rang.Reverse {
			// step back to the first entry with the same value
			k, v = c.Seek(val)
			if err := c.Err(); err != nil {
				s.done = true
				return item, false, err
			}
			s.pos, s.inclusive = bytes.Clone(k), false
		} else {
			s.pos, s.inclusive = prefixSuccessor(val), true
			if s.pos == nil {
				s.done = true
			}
		}
	} else {
		s.pos, s.inclusive = bytes.Clone(k), false
	}
	item.Key = bytes.Clone(v)
	s.curVal, s.curPK = s.idx.valuePart(bytes.Clone(k), v), item.Key
	if withValue {
		dataB, err := s.tx.bucket(s.st, dataBucket)
		if err != nil {
			return item, false, err
		}
		raw, err := dataB.Get(item.Key)
		if err != nil {
			return item, false, err
		}
		if raw == nil {
			return item, false, storeErrf(s.st, s.idx, hexstr(item.Key), nil, "index entry refers to a missing record")
		}
		item.Value = bytes.Clone(raw)
	}
	return item, true, nil
}

// valuePart strips the primary key from an index bucket key.
func (idx *Index) valuePart(k, rawKey []byte) []byte {
	if idx.unique {
		return k
	}
	return k[:len(k)-len(rawKey)]
}

// seekEntry makes the next step start at the bucket key key, or right
// beyond it when inclusive is unset, in scan order. A nil key only makes
// sense for reverse scans, where it means past the last entry.
func (s *scanner) seekEntry(key []byte, inclusive bool) {
	r := &s.rang
	if r.Empty {
		s.done = true
		return
	}
	s.started, s.done = true, false
	if r.Reverse {
		if key == nil || (r.Upper != nil && bytes.Compare(key, r.Upper) >= 0) {
			key, inclusive = r.Upper, false
		}
		if key == nil {
			s.started = false
			return
		}
	} else if r.Lower != nil && bytes.Compare(key, r.Lower) < 0 {
		key, inclusive = r.Lower, true
	}
	s.pos, s.inclusive = bytes.Clone(key), inclusive
}

// seekValue makes the next step yield the first entry whose value is at or
// beyond val in scan order.
func (s *scanner) seekValue(val []byte) {
	if s.rang.Reverse {
		// entries with this value sort before its successor
		s.seekEntry(prefixSuccessor(val), false)
	} else {
		s.seekEntry(val, true)
	}
}

// skipValue makes the next step yield the first entry beyond those with
// value val. Only used with unique indexes, where the entry key is the value.
func (s *scanner) skipValue(val []byte) {
	if s.rang.Reverse {
		s.seekEntry(val, false)
	} else if next := prefixSuccessor(val); next != nil {
		s.seekEntry(next, true)
	} else {
		s.done = true
	}
}

// beyond reports whether a comes after b in scan order.
func (s *scanner) beyond(a, b []byte) bool {
	c := bytes.Compare(a, b)
	if s.rang.Reverse {
		return c < 0
	}
	return c > 0
}
