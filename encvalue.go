package objstore

import (
	"encoding/binary"
	"slices"

	"github.com/golang/snappy"
)

const (
	valueFormatVer1      = 1
	valueFormatVerLatest = valueFormatVer1
)

type valueFlags uint64

const (
	vfVerBit0 = valueFlags(1 << iota)
	vfVerBit1
	vfVerBit2
	vfVerBit3
	vfCompressionBit0
	vfEncodingBit0

	vfVerMask       = (vfVerBit0 | vfVerBit1 | vfVerBit2 | vfVerBit3)
	vfVer1          = vfVerBit0
	vfSnappy        = vfCompressionBit0
	vfJSON          = vfEncodingBit0
	vfSupportedMask = (vfVer1 | vfSnappy | vfJSON)
	vfDefault       = vfVer1

	minValueSize       = 4
	maxValueHeaderSize = binary.MaxVarintLen64 * 4
)

func (vf valueFlags) ver() valueFlags {
	return vf & vfVerMask
}

func (vf valueFlags) encoding() encodingMethod {
	if vf&vfJSON != 0 {
		return JSON
	}
	return MsgPack
}

func (vf valueFlags) compressed() bool {
	return vf&vfSnappy != 0
}

// value is a stored record envelope: a header, the encoded record and the
// index keys produced for the record, so that stale index entries can be
// deleted even after the index definition has changed.
type value struct {
	Flags     valueFlags
	SchemaVer uint64
	Data      []byte
	Index     []byte
}

// encodeValue builds a value from an encoded record, compressing it with
// snappy when it is at least compressThreshold bytes (0 disables compression).
func encodeValue(buf []byte, enc encodingMethod, schemaVer uint64, data []byte, indexKeys []byte, compressThreshold int) []byte {
	flags := vfDefault
	if enc == JSON {
		flags |= vfJSON
	}
	if compressThreshold > 0 && len(data) >= compressThreshold {
		compressed := snappy.Encode(nil, data)
		if len(compressed) < len(data) {
			data = compressed
			flags |= vfSnappy
		}
	}

	buf = slices.Grow(buf, maxValueHeaderSize+len(data)+len(indexKeys))
	buf = binary.AppendUvarint(buf, uint64(flags))
	buf = binary.AppendUvarint(buf, schemaVer)
	buf = binary.AppendUvarint(buf, uint64(len(data)))
	buf = binary.AppendUvarint(buf, uint64(len(indexKeys)))
	buf = append(buf, data...)
	return append(buf, indexKeys...)
}

func (vle *value) decode(data []byte) error {
	if len(data) < minValueSize {
		return dataErrf(data, 0, nil, "invalid value: at least %d bytes required", minValueSize)
	}
	r := varReader{data: data}

	v, err := r.uvarint()
	if err != nil {
		return dataErrf(data, r.off, nil, "invalid value: bad flags")
	}
	if (v & ^uint64(vfSupportedMask)) != 0 {
		return dataErrf(data, r.off, nil, "invalid value: unsupported flags %x", v)
	}
	vle.Flags = valueFlags(v)
	if vle.Flags.ver() != valueFormatVerLatest {
		return dataErrf(data, r.off, nil, "invalid value: unsupported format version %d", vle.Flags.ver())
	}

	vle.SchemaVer, err = r.uvarint()
	if err != nil {
		return dataErrf(data, r.off, nil, "invalid value: bad schema version")
	}
	dataSize, err := r.size()
	if err != nil {
		return dataErrf(data, r.off, nil, "invalid value: bad data size")
	}
	indexSize, err := r.size()
	if err != nil {
		return dataErrf(data, r.off, nil, "invalid value: bad index size")
	}
	if r.remaining() != dataSize+indexSize {
		return dataErrf(data, r.off, nil, "invalid value: got %d bytes for data+index, expected %d bytes", r.remaining(), dataSize+indexSize)
	}
	vle.Data = r.next(dataSize)
	vle.Index = r.next(indexSize)
	return nil
}

// varReader walks the uvarint-framed parts of a stored value.
type varReader struct {
	data []byte
	off  int
}

func (r *varReader) remaining() int {
	return len(r.data) - r.off
}

func (r *varReader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.off:])
	if n <= 0 {
		return 0, dataErrf(r.data, r.off, nil, "invalid uvarint")
	}
	r.off += n
	return v, nil
}

// size reads a length that must fit into the remaining bytes.
func (r *varReader) size() (int, error) {
	v, err := r.uvarint()
	if err != nil {
		return 0, err
	}
	if v > uint64(r.remaining()) {
		return 0, dataErrf(r.data, r.off, nil, "length %d exceeds the remaining %d bytes", v, r.remaining())
	}
	return int(v), nil
}

func (r *varReader) next(n int) []byte {
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

// record returns the encoded record, decompressing it if needed.
func (vle *value) record() ([]byte, error) {
	if !vle.Flags.compressed() {
		return vle.Data, nil
	}
	raw, err := snappy.Decode(nil, vle.Data)
	if err != nil {
		return nil, dataErrf(vle.Data, 0, err, "invalid value: bad snappy data")
	}
	return raw, nil
}
