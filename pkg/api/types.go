// Package api defines the value types and operator opcodes shared across
// the istream loader, its decoder, and the interpreter that executes what
// it emits.
package api

// ValueType is a primitive Wasm value type.
type ValueType byte

const (
	ValueTypeI32 ValueType = 0x7f
	ValueTypeI64 ValueType = 0x7e
	ValueTypeF32 ValueType = 0x7d
	ValueTypeF64 ValueType = 0x7c
)

// String implements fmt.Stringer.
func (v ValueType) String() string {
	switch v {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	default:
		return "unknown"
	}
}

// ExternType categorizes an import or export.
type ExternType byte

const (
	ExternTypeFunc ExternType = iota
	ExternTypeTable
	ExternTypeMemory
	ExternTypeGlobal
)

// ExternTypeName renders ExternType for diagnostics.
func ExternTypeName(t ExternType) string {
	switch t {
	case ExternTypeFunc:
		return "func"
	case ExternTypeTable:
		return "table"
	case ExternTypeMemory:
		return "memory"
	case ExternTypeGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// Index is a module-local or environment-global index, depending on context.
type Index = uint32

// InvalidIndex is the sentinel used for an index that has not been
// resolved, such as an uninitialized table slot. Function entry offsets
// use environment.EntryOffsetInvalid instead.
const InvalidIndex Index = 0xffffffff

// Limits describes the min/max of a table or memory.
type Limits struct {
	Min uint32
	Max uint32
	HasMax bool
}

// PageSize is the Wasm linear memory page size in bytes.
const PageSize = 65536
