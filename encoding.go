package objstore

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

type encodingMethod int

const (
	MsgPack encodingMethod = iota
	JSON

	defaultValueEncoding = MsgPack
)

func (enc encodingMethod) String() string {
	switch enc {
	case MsgPack:
		return "msgpack"
	case JSON:
		return "json"
	default:
		return "invalid"
	}
}

func (enc encodingMethod) EncodeValue(buf []byte, objVal reflect.Value) ([]byte, error) {
	switch enc {
	case MsgPack:
		bb := bytes.NewBuffer(buf)
		enc := msgpack.GetEncoder()
		enc.Reset(bb)
		enc.SetSortMapKeys(true)
		err := enc.EncodeValue(objVal)
		msgpack.PutEncoder(enc)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to encode %v using MsgPack", objVal.Type())
		}
		return bb.Bytes(), nil
	case JSON:
		raw, err := json.Marshal(objVal.Interface())
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to encode %v to JSON", objVal.Type())
		}
		return append(buf, raw...), nil
	default:
		panic("unsupported encoding")
	}
}

func (enc encodingMethod) DecodeValue(buf []byte, objPtrVal reflect.Value) error {
	switch enc {
	case MsgPack:
		var r bytes.Reader
		r.Reset(buf)
		dec := msgpack.GetDecoder()
		dec.Reset(&r)
		err := dec.DecodeValue(objPtrVal)
		msgpack.PutDecoder(dec)
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode msgpack into %v", objPtrVal.Type().Elem())
		}
		return nil
	case JSON:
		err := json.Unmarshal(buf, objPtrVal.Interface())
		if err != nil {
			return dataErrf(buf, 0, err, "failed to decode JSON into %v", objPtrVal.Type().Elem())
		}
		return nil
	default:
		panic("unsupported encoding")
	}
}

// DecodeGeneric decodes a record without knowing its Go type, producing
// maps, slices and scalars.
func (enc encodingMethod) DecodeGeneric(buf []byte) (any, error) {
	var v any
	var err error
	switch enc {
	case MsgPack:
		v, err = msgpack.NewDecoder(bytes.NewReader(buf)).DecodeInterface()
	case JSON:
		err = json.Unmarshal(buf, &v)
	default:
		panic("unsupported encoding")
	}
	if err != nil {
		return nil, dataErrf(buf, 0, err, "failed to decode %v", enc)
	}
	return v, nil
}
