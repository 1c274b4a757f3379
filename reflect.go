package objstore

import (
	"fmt"
	"reflect"
	"strings"
)

// fieldPath is a resolved dotted path to a (possibly nested) record field.
type fieldPath struct {
	Path       string
	Index      []int
	Type       reflect.Type
	Serialized bool
}

func (fp *fieldPath) valueIn(rowVal reflect.Value) reflect.Value {
	return rowVal.FieldByIndex(fp.Index)
}

func resolveFieldPath(typ reflect.Type, path string, enc encodingMethod) (*fieldPath, error) {
	if path == "" {
		return nil, fmt.Errorf("empty field path")
	}
	fp := &fieldPath{Path: path, Serialized: true}
	cur := typ
	for _, name := range strings.Split(path, ".") {
		if cur.Kind() != reflect.Struct {
			return nil, fmt.Errorf("%v.%s: %v is not a struct", typ, path, cur)
		}
		fld, ok := cur.FieldByName(name)
		if !ok {
			return nil, fmt.Errorf("%v has no field %s", typ, path)
		}
		if !fld.IsExported() {
			return nil, fmt.Errorf("%v.%s must be exported", typ, path)
		}
		if isFieldSkipped(fld, enc) {
			fp.Serialized = false
		}
		fp.Index = append(fp.Index, fld.Index...)
		cur = fld.Type
	}
	fp.Type = cur
	return fp, nil
}

func isFieldSkipped(fld reflect.StructField, enc encodingMethod) bool {
	tagName := "msgpack"
	if enc == JSON {
		tagName = "json"
	}
	name, _, _ := strings.Cut(fld.Tag.Get(tagName), ",")
	return name == "-"
}
