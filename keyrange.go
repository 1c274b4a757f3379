package objstore

import (
	"bytes"
	"fmt"
)

// KeyRange selects keys of a store or values of an index. Bounds are given
// as values of the key type (or, for compound indexes, as Tuples).
type KeyRange struct {
	lower, upper         any
	hasLower, hasUpper   bool
	lowerOpen, upperOpen bool
	prefix               bool
}

// All matches everything.
func All() KeyRange {
	return KeyRange{}
}

// Only matches a single key or index value.
func Only(v any) KeyRange {
	return KeyRange{lower: v, upper: v, hasLower: true, hasUpper: true}
}

// Bound matches keys between l and u. Open bounds exclude the bound itself.
func Bound(l, u any, lowerOpen, upperOpen bool) KeyRange {
	return KeyRange{lower: l, upper: u, hasLower: true, hasUpper: true, lowerOpen: lowerOpen, upperOpen: upperOpen}
}

func LowerBound(l any, open bool) KeyRange {
	return KeyRange{lower: l, hasLower: true, lowerOpen: open}
}

func UpperBound(u any, open bool) KeyRange {
	return KeyRange{upper: u, hasUpper: true, upperOpen: open}
}

// Prefix matches compound index values starting with the given elements.
func Prefix(vals ...any) KeyRange {
	t := Tuple(vals)
	return KeyRange{lower: t, upper: t, hasLower: true, hasUpper: true, prefix: true}
}

func (r KeyRange) IsAll() bool {
	return !r.hasLower && !r.hasUpper
}

func (r KeyRange) String() string {
	if r.IsAll() {
		return "all"
	}
	if r.prefix {
		return fmt.Sprintf("prefix%v", r.lower)
	}
	var lb, ub, l, u string = "(", ")", "-inf", "+inf"
	if r.hasLower {
		l = fmt.Sprint(r.lower)
		if !r.lowerOpen {
			lb = "["
		}
	}
	if r.hasUpper {
		u = fmt.Sprint(r.upper)
		if !r.upperOpen {
			ub = "]"
		}
	}
	return lb + l + ", " + u + ub
}

// queryEncoder encodes a bound; prefix is set for Prefix ranges.
type queryEncoder func(v any, prefix bool) ([]byte, error)

// raw turns the range into a range of encoded keys. Since encoded values are
// self-delimiting, every stored key derived from a value v (a primary key, or
// an index value followed by a primary key) starts with the encoding of v,
// so bounds can be expressed through prefix successors.
func (r KeyRange) raw(enc queryEncoder, reverse bool) (rawRange, error) {
	rr := rawRange{Reverse: reverse}
	var lower, upper []byte
	var err error
	if r.hasLower {
		lower, err = enc(r.lower, r.prefix)
		if err != nil {
			return rr, err
		}
		if r.lowerOpen {
			rr.Lower = prefixSuccessor(lower)
			if rr.Lower == nil {
				rr.Empty = true
			}
		} else {
			rr.Lower = lower
		}
	}
	if r.hasUpper {
		if r.prefix {
			upper = lower
		} else {
			upper, err = enc(r.upper, false)
			if err != nil {
				return rr, err
			}
		}
		if r.upperOpen {
			rr.Upper = upper
		} else {
			rr.Upper = prefixSuccessor(upper)
		}
	}
	if lower != nil && upper != nil && bytes.Compare(lower, upper) > 0 {
		return rr, fmt.Errorf("%w: lower bound %v is greater than upper bound %v", ErrInvalidKey, r.lower, r.upper)
	}
	return rr, nil
}

// toRange interprets a query argument: a KeyRange as is, anything else as a
// single value.
func toRange(q any) KeyRange {
	if r, ok := q.(KeyRange); ok {
		return r
	}
	return Only(q)
}

// Direction is the order in which a scan visits records.
type Direction int

const (
	Next Direction = iota
	NextUnique
	Prev
	PrevUnique
)

func (d Direction) reverse() bool {
	return d == Prev || d == PrevUnique
}

// unique directions visit only the first record (by primary key) of each
// distinct index value.
func (d Direction) unique() bool {
	return d == NextUnique || d == PrevUnique
}

func (d Direction) String() string {
	switch d {
	case Next:
		return "next"
	case NextUnique:
		return "nextunique"
	case Prev:
		return "prev"
	case PrevUnique:
		return "prevunique"
	default:
		return fmt.Sprintf("invalid direction %d", int(d))
	}
}
