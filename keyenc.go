package objstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Keys are encoded as a concatenation of self-delimiting components whose
// bytewise order matches the natural order of the values, so that ranges and
// prefixes of encoded keys correspond to ranges and prefixes of values.
//
//	unsigned ints    8 bytes big-endian
//	signed ints      8 bytes big-endian, sign bit flipped
//	floats           IEEE 754 bits; negative: all bits flipped, positive: sign bit set
//	bool             1 byte
//	strings, []byte  0x00 escaped as 00 FF, terminated by 00 01
//	[N]byte          N raw bytes
//	time.Time        seconds as a signed int, then 4 bytes of nanoseconds
//	structs          fields in declaration order

const signBit = 1 << 63

var errNaNKey = errors.New("NaN cannot be used as a key")

var timeType = reflect.TypeOf((*time.Time)(nil)).Elem()

var keyEncodings sync.Map

type keyEncoding struct {
	typ        reflect.Type
	components []*keyComponent
}

type keyComponent struct {
	Type   reflect.Type
	Path   string
	Index  []int
	Encode func(buf []byte, v reflect.Value) []byte
	Decode func(b []byte, v reflect.Value) ([]byte, error)
	Check  func(v reflect.Value) error // optional
}

func keyEncodingOf(typ reflect.Type) (*keyEncoding, error) {
	if e, ok := keyEncodings.Load(typ); ok {
		return e.(*keyEncoding), nil
	}
	enc := &keyEncoding{typ: typ}
	err := enumerateKeyComponents(typ, "", nil, func(kc *keyComponent) {
		enc.components = append(enc.components, kc)
	})
	if err != nil {
		return nil, err
	}
	if len(enc.components) == 0 {
		return nil, fmt.Errorf("%v has no key components", typ)
	}
	actual, _ := keyEncodings.LoadOrStore(typ, enc)
	return actual.(*keyEncoding), nil
}

func enumerateKeyComponents(typ reflect.Type, path string, index []int, f func(kc *keyComponent)) error {
	kc := &keyComponent{
		Type:  typ,
		Path:  path,
		Index: index,
	}
	if typ == timeType {
		kc.Encode, kc.Decode = encodeTimeKey, decodeTimeKey
		f(kc)
		return nil
	}

	switch typ.Kind() {
	case reflect.Bool:
		kc.Encode, kc.Decode = encodeBoolKey, decodeBoolKey
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		kc.Encode, kc.Decode = encodeIntKey, decodeIntKey
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		kc.Encode, kc.Decode = encodeUintKey, decodeUintKey
	case reflect.Float32, reflect.Float64:
		kc.Encode, kc.Decode, kc.Check = encodeFloatKey, decodeFloatKey, checkFloatKey
	case reflect.String:
		kc.Encode, kc.Decode = encodeStringKey, decodeStringKey
	case reflect.Slice:
		if typ.Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("%s%v: slices other than []byte cannot be used as keys", pathPrefix(path), typ)
		}
		kc.Encode, kc.Decode = encodeBytesKey, decodeBytesKey
	case reflect.Array:
		if typ.Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("%s%v: arrays other than [N]byte cannot be used as keys", pathPrefix(path), typ)
		}
		kc.Encode, kc.Decode = encodeByteArrayKey, decodeByteArrayKey
	case reflect.Struct:
		n := typ.NumField()
		for i := 0; i < n; i++ {
			fld := typ.Field(i)
			if !fld.IsExported() {
				return fmt.Errorf("%s%v: unexported field %s cannot be part of a key", pathPrefix(path), typ, fld.Name)
			}
			err := enumerateKeyComponents(fld.Type, path+"."+fld.Name, append(append([]int(nil), index...), i), f)
			if err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%s%v cannot be used as a key", pathPrefix(path), typ)
	}
	f(kc)
	return nil
}

func fieldAt(v reflect.Value, index []int) reflect.Value {
	if len(index) == 0 {
		return v
	}
	return v.FieldByIndex(index)
}

func pathPrefix(path string) string {
	if path == "" {
		return ""
	}
	return path + ": "
}

func (enc *keyEncoding) encode(buf []byte, val reflect.Value) []byte {
	for _, kc := range enc.components {
		buf = kc.Encode(buf, fieldAt(val, kc.Index))
	}
	return buf
}

// validate reports components that have no place in the key order.
func (enc *keyEncoding) validate(val reflect.Value) error {
	for _, kc := range enc.components {
		if kc.Check == nil {
			continue
		}
		if err := kc.Check(fieldAt(val, kc.Index)); err != nil {
			return fmt.Errorf("%s%w", pathPrefix(kc.Path), err)
		}
	}
	return nil
}

// decodeFrom decodes a key from the beginning of buf into ptr,
// returning the remaining bytes.
func (enc *keyEncoding) decodeFrom(buf []byte, ptr reflect.Value) ([]byte, error) {
	if ptr.Kind() != reflect.Ptr {
		panic(fmt.Errorf("keyEncoding must be decoding into a ptr, got %v", ptr.Type()))
	}
	val := ptr.Elem()
	rest := buf
	for _, kc := range enc.components {
		var err error
		rest, err = kc.Decode(rest, fieldAt(val, kc.Index))
		if err != nil {
			return nil, dataErrf(buf, len(buf)-len(rest), err, "%sfailed to decode %v", pathPrefix(kc.Path), kc.Type)
		}
	}
	return rest, nil
}

func (enc *keyEncoding) decode(buf []byte, ptr reflect.Value) error {
	rest, err := enc.decodeFrom(buf, ptr)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return dataErrf(buf, len(buf)-len(rest), nil, "%d trailing bytes after %v key", len(rest), enc.typ)
	}
	return nil
}

func appendUint64(buf []byte, v uint64) []byte {
	return binary.BigEndian.AppendUint64(buf, v)
}

func appendUint32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

func readUint64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("need 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), b[8:], nil
}

func encodeBoolKey(buf []byte, v reflect.Value) []byte {
	if v.Bool() {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func decodeBoolKey(b []byte, v reflect.Value) ([]byte, error) {
	if len(b) < 1 || b[0] > 1 {
		return nil, fmt.Errorf("invalid bool")
	}
	v.SetBool(b[0] == 1)
	return b[1:], nil
}

func encodeIntKey(buf []byte, v reflect.Value) []byte {
	return appendUint64(buf, uint64(v.Int())^signBit)
}

func decodeIntKey(b []byte, v reflect.Value) ([]byte, error) {
	u, rest, err := readUint64(b)
	if err != nil {
		return nil, err
	}
	i := int64(u ^ signBit)
	if v.OverflowInt(i) {
		return nil, fmt.Errorf("%d overflows %v", i, v.Type())
	}
	v.SetInt(i)
	return rest, nil
}

func encodeUintKey(buf []byte, v reflect.Value) []byte {
	return appendUint64(buf, v.Uint())
}

func decodeUintKey(b []byte, v reflect.Value) ([]byte, error) {
	u, rest, err := readUint64(b)
	if err != nil {
		return nil, err
	}
	if v.OverflowUint(u) {
		return nil, fmt.Errorf("%d overflows %v", u, v.Type())
	}
	v.SetUint(u)
	return rest, nil
}

func checkFloatKey(v reflect.Value) error {
	if math.IsNaN(v.Float()) {
		return errNaNKey
	}
	return nil
}

func encodeFloatKey(buf []byte, v reflect.Value) []byte {
	f := v.Float()
	if f == 0 {
		f = 0 // -0 sorts and compares as 0
	}
	bits := math.Float64bits(f)
	if bits&signBit != 0 {
		bits = ^bits
	} else {
		bits |= signBit
	}
	return appendUint64(buf, bits)
}

func decodeFloatKey(b []byte, v reflect.Value) ([]byte, error) {
	bits, rest, err := readUint64(b)
	if err != nil {
		return nil, err
	}
	if bits&signBit != 0 {
		bits &^= signBit
	} else {
		bits = ^bits
	}
	v.SetFloat(math.Float64frombits(bits))
	return rest, nil
}

func appendEscaped[S string | []byte](buf []byte, s S) []byte {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c == 0 {
			buf = append(buf, 0, 0xFF)
		} else {
			buf = append(buf, c)
		}
	}
	return append(buf, 0, 1)
}

func readEscaped(b []byte) ([]byte, []byte, error) {
	var out []byte
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != 0 {
			out = append(out, c)
			continue
		}
		if i+1 >= len(b) {
			break
		}
		i++
		switch b[i] {
		case 0xFF:
			out = append(out, 0)
		case 1:
			if out == nil {
				out = []byte{}
			}
			return out, b[i+1:], nil
		default:
			return nil, nil, fmt.Errorf("invalid escape sequence 00 %02x", b[i])
		}
	}
	return nil, nil, fmt.Errorf("unterminated string")
}

func encodeStringKey(buf []byte, v reflect.Value) []byte {
	return appendEscaped(buf, v.String())
}

func decodeStringKey(b []byte, v reflect.Value) ([]byte, error) {
	s, rest, err := readEscaped(b)
	if err != nil {
		return nil, err
	}
	v.SetString(string(s))
	return rest, nil
}

func encodeBytesKey(buf []byte, v reflect.Value) []byte {
	return appendEscaped(buf, v.Bytes())
}

func decodeBytesKey(b []byte, v reflect.Value) ([]byte, error) {
	s, rest, err := readEscaped(b)
	if err != nil {
		return nil, err
	}
	v.SetBytes(s)
	return rest, nil
}

func encodeByteArrayKey(buf []byte, v reflect.Value) []byte {
	off := len(buf)
	buf = slices.Grow(buf, v.Len())[:off+v.Len()]
	reflect.Copy(reflect.ValueOf(buf[off:]), v)
	return buf
}

func decodeByteArrayKey(b []byte, v reflect.Value) ([]byte, error) {
	n := v.Len()
	if len(b) < n {
		return nil, fmt.Errorf("need %d bytes, got %d", n, len(b))
	}
	reflect.Copy(v, reflect.ValueOf(b[:n]))
	return b[n:], nil
}

func encodeTimeKey(buf []byte, v reflect.Value) []byte {
	t := v.Interface().(time.Time)
	buf = appendUint64(buf, uint64(t.Unix())^signBit)
	return appendUint32(buf, uint32(t.Nanosecond()))
}

func decodeTimeKey(b []byte, v reflect.Value) ([]byte, error) {
	u, rest, err := readUint64(b)
	if err != nil {
		return nil, err
	}
	if len(rest) < 4 {
		return nil, fmt.Errorf("truncated time")
	}
	nsec := binary.BigEndian.Uint32(rest)
	v.Set(reflect.ValueOf(time.Unix(int64(u^signBit), int64(nsec)).UTC()))
	return rest[4:], nil
}

// prefixSuccessor returns the smallest byte string greater than every string
// having the given prefix, or nil if there is none.
func prefixSuccessor(prefix []byte) []byte {
	s := bytes.Clone(prefix)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != 0xFF {
			s[i]++
			return s[:i+1]
		}
	}
	return nil
}

type kindClass int

const (
	kindOther kindClass = iota
	kindNumeric
	kindStringy
)

func classifyKind(typ reflect.Type) kindClass {
	switch typ.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return kindNumeric
	case reflect.String:
		return kindStringy
	case reflect.Slice:
		if typ.Elem().Kind() == reflect.Uint8 {
			return kindStringy
		}
	}
	return kindOther
}

// coerceKeyValue converts a caller-supplied key value to typ. Only lossless
// conversions between related kinds are allowed.
func coerceKeyValue(v any, typ reflect.Type) (reflect.Value, error) {
	val := reflect.ValueOf(v)
	if !val.IsValid() {
		return reflect.Value{}, fmt.Errorf("nil key, expected %v", typ)
	}
	vt := val.Type()
	if k := vt.Kind(); (k == reflect.Float32 || k == reflect.Float64) && math.IsNaN(val.Float()) {
		return reflect.Value{}, errNaNKey
	}
	if vt == typ {
		return val, nil
	}
	c := classifyKind(vt)
	if c == kindOther || c != classifyKind(typ) || !vt.ConvertibleTo(typ) {
		if vt.Kind() == typ.Kind() && vt.ConvertibleTo(typ) {
			return val.Convert(typ), nil
		}
		return reflect.Value{}, fmt.Errorf("key must be %v, got %v", typ, vt)
	}
	if c == kindNumeric && isSignedKind(vt.Kind()) && val.Int() < 0 && isUnsignedKind(typ.Kind()) {
		return reflect.Value{}, fmt.Errorf("%v does not fit into %v", v, typ)
	}
	out := val.Convert(typ)
	if c == kindNumeric && !out.Convert(vt).Equal(val) {
		return reflect.Value{}, fmt.Errorf("%v does not fit into %v", v, typ)
	}
	return out, nil
}

func isSignedKind(k reflect.Kind) bool {
	return k >= reflect.Int && k <= reflect.Int64
}

func isUnsignedKind(k reflect.Kind) bool {
	return k >= reflect.Uint && k <= reflect.Uintptr
}

func isIntegerKind(k reflect.Kind) bool {
	return isSignedKind(k) || isUnsignedKind(k)
}
