package objstore

import (
	"fmt"
	"reflect"
)

type (
	// Change describes one committed mutation. Changes are delivered to
	// Options.OnCommit in the order they were made.
	Change struct {
		store  *Store
		op     Op
		rawKey []byte
		keyVal reflect.Value
		rowVal reflect.Value
	}

	Op int
)

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
	OpClear  Op = 3
)

func (chg *Change) Store() *Store {
	return chg.store
}
func (chg *Change) Op() Op {
	return chg.op
}
func (chg *Change) RawKey() []byte {
	return chg.rawKey
}
func (chg *Change) HasKey() bool {
	return chg.keyVal.IsValid()
}
func (chg *Change) Key() any {
	if !chg.keyVal.IsValid() {
		return nil
	}
	return chg.keyVal.Interface()
}
func (chg *Change) HasRow() bool {
	return chg.rowVal.IsValid()
}

// Row returns the stored record (a pointer to Row) for OpPut changes.
func (chg *Change) Row() any {
	if !chg.rowVal.IsValid() {
		return nil
	}
	return chg.rowVal.Interface()
}

func (chg *Change) String() string {
	if chg.op == OpClear {
		return fmt.Sprintf("%v %s", chg.op, chg.store.name)
	}
	return fmt.Sprintf("%v %s/%v", chg.op, chg.store.name, chg.Key())
}

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpClear:
		return "clear"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}
