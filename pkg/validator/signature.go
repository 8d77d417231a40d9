package validator

import "github.com/gowasm/istream/pkg/api"

// OpSignature is an operator's declared operand/result types, used to
// validate and, once validated, emitted unchanged (spec.md §4.5's
// "unary/binary/compare/convert" lowering rule: pop and type-check
// operand(s), emit the opcode unchanged, push the result type).
type OpSignature struct {
	Params    []api.ValueType
	Result    api.ValueType
	HasResult bool
}

func unary(p, r api.ValueType) OpSignature  { return OpSignature{Params: []api.ValueType{p}, Result: r, HasResult: true} }
func binary(p, r api.ValueType) OpSignature { return OpSignature{Params: []api.ValueType{p, p}, Result: r, HasResult: true} }
func compare(p api.ValueType) OpSignature {
	return OpSignature{Params: []api.ValueType{p, p}, Result: api.ValueTypeI32, HasResult: true}
}
func convert(p, r api.ValueType) OpSignature { return unary(p, r) }

// OperatorSignatures covers every fixed-arity numeric operator: unary,
// binary, comparison, and conversion opcodes. Control operators
// (block/loop/if/else/end/br*/call*/return/unreachable/nop), stack-shaping
// operators (drop/select), local/global accessors, and memory ops are not
// fixed-arity in this uniform sense and are validated by dedicated rules
// in pkg/codegen (spec.md §4.5).
var OperatorSignatures = map[api.Opcode]OpSignature{
	api.OpcodeI32Eqz: unary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32Eq:  compare(api.ValueTypeI32),
	api.OpcodeI32Ne:  compare(api.ValueTypeI32),
	api.OpcodeI32LtS: compare(api.ValueTypeI32),
	api.OpcodeI32LtU: compare(api.ValueTypeI32),
	api.OpcodeI32GtS: compare(api.ValueTypeI32),
	api.OpcodeI32GtU: compare(api.ValueTypeI32),
	api.OpcodeI32LeS: compare(api.ValueTypeI32),
	api.OpcodeI32LeU: compare(api.ValueTypeI32),
	api.OpcodeI32GeS: compare(api.ValueTypeI32),
	api.OpcodeI32GeU: compare(api.ValueTypeI32),

	api.OpcodeI64Eqz: unary(api.ValueTypeI64, api.ValueTypeI32),
	api.OpcodeI64Eq:  compare(api.ValueTypeI64),
	api.OpcodeI64Ne:  compare(api.ValueTypeI64),
	api.OpcodeI64LtS: compare(api.ValueTypeI64),
	api.OpcodeI64LtU: compare(api.ValueTypeI64),
	api.OpcodeI64GtS: compare(api.ValueTypeI64),
	api.OpcodeI64GtU: compare(api.ValueTypeI64),
	api.OpcodeI64LeS: compare(api.ValueTypeI64),
	api.OpcodeI64LeU: compare(api.ValueTypeI64),
	api.OpcodeI64GeS: compare(api.ValueTypeI64),
	api.OpcodeI64GeU: compare(api.ValueTypeI64),

	api.OpcodeF32Eq: compare(api.ValueTypeF32),
	api.OpcodeF32Ne: compare(api.ValueTypeF32),
	api.OpcodeF32Lt: compare(api.ValueTypeF32),
	api.OpcodeF32Gt: compare(api.ValueTypeF32),
	api.OpcodeF32Le: compare(api.ValueTypeF32),
	api.OpcodeF32Ge: compare(api.ValueTypeF32),

	api.OpcodeF64Eq: compare(api.ValueTypeF64),
	api.OpcodeF64Ne: compare(api.ValueTypeF64),
	api.OpcodeF64Lt: compare(api.ValueTypeF64),
	api.OpcodeF64Gt: compare(api.ValueTypeF64),
	api.OpcodeF64Le: compare(api.ValueTypeF64),
	api.OpcodeF64Ge: compare(api.ValueTypeF64),

	api.OpcodeI32Clz:    unary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32Ctz:    unary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32Popcnt: unary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32Add:    binary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32Sub:    binary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32Mul:    binary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32DivS:   binary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32DivU:   binary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32RemS:   binary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32RemU:   binary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32And:    binary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32Or:     binary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32Xor:    binary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32Shl:    binary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32ShrS:   binary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32ShrU:   binary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32Rotl:   binary(api.ValueTypeI32, api.ValueTypeI32),
	api.OpcodeI32Rotr:   binary(api.ValueTypeI32, api.ValueTypeI32),

	api.OpcodeI64Clz:    unary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64Ctz:    unary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64Popcnt: unary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64Add:    binary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64Sub:    binary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64Mul:    binary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64DivS:   binary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64DivU:   binary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64RemS:   binary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64RemU:   binary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64And:    binary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64Or:     binary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64Xor:    binary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64Shl:    binary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64ShrS:   binary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64ShrU:   binary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64Rotl:   binary(api.ValueTypeI64, api.ValueTypeI64),
	api.OpcodeI64Rotr:   binary(api.ValueTypeI64, api.ValueTypeI64),

	api.OpcodeF32Abs:      unary(api.ValueTypeF32, api.ValueTypeF32),
	api.OpcodeF32Neg:      unary(api.ValueTypeF32, api.ValueTypeF32),
	api.OpcodeF32Ceil:     unary(api.ValueTypeF32, api.ValueTypeF32),
	api.OpcodeF32Floor:    unary(api.ValueTypeF32, api.ValueTypeF32),
	api.OpcodeF32Trunc:    unary(api.ValueTypeF32, api.ValueTypeF32),
	api.OpcodeF32Nearest:  unary(api.ValueTypeF32, api.ValueTypeF32),
	api.OpcodeF32Sqrt:     unary(api.ValueTypeF32, api.ValueTypeF32),
	api.OpcodeF32Add:      binary(api.ValueTypeF32, api.ValueTypeF32),
	api.OpcodeF32Sub:      binary(api.ValueTypeF32, api.ValueTypeF32),
	api.OpcodeF32Mul:      binary(api.ValueTypeF32, api.ValueTypeF32),
	api.OpcodeF32Div:      binary(api.ValueTypeF32, api.ValueTypeF32),
	api.OpcodeF32Min:      binary(api.ValueTypeF32, api.ValueTypeF32),
	api.OpcodeF32Max:      binary(api.ValueTypeF32, api.ValueTypeF32),
	api.OpcodeF32Copysign: binary(api.ValueTypeF32, api.ValueTypeF32),

	api.OpcodeF64Abs:      unary(api.ValueTypeF64, api.ValueTypeF64),
	api.OpcodeF64Neg:      unary(api.ValueTypeF64, api.ValueTypeF64),
	api.OpcodeF64Ceil:     unary(api.ValueTypeF64, api.ValueTypeF64),
	api.OpcodeF64Floor:    unary(api.ValueTypeF64, api.ValueTypeF64),
	api.OpcodeF64Trunc:    unary(api.ValueTypeF64, api.ValueTypeF64),
	api.OpcodeF64Nearest:  unary(api.ValueTypeF64, api.ValueTypeF64),
	api.OpcodeF64Sqrt:     unary(api.ValueTypeF64, api.ValueTypeF64),
	api.OpcodeF64Add:      binary(api.ValueTypeF64, api.ValueTypeF64),
	api.OpcodeF64Sub:      binary(api.ValueTypeF64, api.ValueTypeF64),
	api.OpcodeF64Mul:      binary(api.ValueTypeF64, api.ValueTypeF64),
	api.OpcodeF64Div:      binary(api.ValueTypeF64, api.ValueTypeF64),
	api.OpcodeF64Min:      binary(api.ValueTypeF64, api.ValueTypeF64),
	api.OpcodeF64Max:      binary(api.ValueTypeF64, api.ValueTypeF64),
	api.OpcodeF64Copysign: binary(api.ValueTypeF64, api.ValueTypeF64),

	api.OpcodeI32WrapI64:        convert(api.ValueTypeI64, api.ValueTypeI32),
	api.OpcodeI32TruncSF32:      convert(api.ValueTypeF32, api.ValueTypeI32),
	api.OpcodeI32TruncUF32:      convert(api.ValueTypeF32, api.ValueTypeI32),
	api.OpcodeI32TruncSF64:      convert(api.ValueTypeF64, api.ValueTypeI32),
	api.OpcodeI32TruncUF64:      convert(api.ValueTypeF64, api.ValueTypeI32),
	api.OpcodeI64ExtendSI32:     convert(api.ValueTypeI32, api.ValueTypeI64),
	api.OpcodeI64ExtendUI32:     convert(api.ValueTypeI32, api.ValueTypeI64),
	api.OpcodeI64TruncSF32:      convert(api.ValueTypeF32, api.ValueTypeI64),
	api.OpcodeI64TruncUF32:      convert(api.ValueTypeF32, api.ValueTypeI64),
	api.OpcodeI64TruncSF64:      convert(api.ValueTypeF64, api.ValueTypeI64),
	api.OpcodeI64TruncUF64:      convert(api.ValueTypeF64, api.ValueTypeI64),
	api.OpcodeF32ConvertSI32:    convert(api.ValueTypeI32, api.ValueTypeF32),
	api.OpcodeF32ConvertUI32:    convert(api.ValueTypeI32, api.ValueTypeF32),
	api.OpcodeF32ConvertSI64:    convert(api.ValueTypeI64, api.ValueTypeF32),
	api.OpcodeF32ConvertUI64:    convert(api.ValueTypeI64, api.ValueTypeF32),
	api.OpcodeF32DemoteF64:      convert(api.ValueTypeF64, api.ValueTypeF32),
	api.OpcodeF64ConvertSI32:    convert(api.ValueTypeI32, api.ValueTypeF64),
	api.OpcodeF64ConvertUI32:    convert(api.ValueTypeI32, api.ValueTypeF64),
	api.OpcodeF64ConvertSI64:    convert(api.ValueTypeI64, api.ValueTypeF64),
	api.OpcodeF64ConvertUI64:    convert(api.ValueTypeI64, api.ValueTypeF64),
	api.OpcodeF64PromoteF32:     convert(api.ValueTypeF32, api.ValueTypeF64),
	api.OpcodeI32ReinterpretF32: convert(api.ValueTypeF32, api.ValueTypeI32),
	api.OpcodeI64ReinterpretF64: convert(api.ValueTypeF64, api.ValueTypeI64),
	api.OpcodeF32ReinterpretI32: convert(api.ValueTypeI32, api.ValueTypeF32),
	api.OpcodeF64ReinterpretI64: convert(api.ValueTypeI64, api.ValueTypeF64),
}

// NaturalAlignment returns the natural alignment, in bytes, of a load/store
// opcode's access width, used by spec.md §4.5's load/store rule:
// "require alignment_log2 < 32 and 1 << alignment_log2 <= natural_alignment(opcode)".
func NaturalAlignment(opcode api.Opcode) uint32 {
	switch opcode {
	case api.OpcodeI32Load8S, api.OpcodeI32Load8U, api.OpcodeI64Load8S, api.OpcodeI64Load8U,
		api.OpcodeI32Store8, api.OpcodeI64Store8:
		return 1
	case api.OpcodeI32Load16S, api.OpcodeI32Load16U, api.OpcodeI64Load16S, api.OpcodeI64Load16U,
		api.OpcodeI32Store16, api.OpcodeI64Store16:
		return 2
	case api.OpcodeI32Load, api.OpcodeF32Load, api.OpcodeI32Store, api.OpcodeF32Store,
		api.OpcodeI64Load32S, api.OpcodeI64Load32U, api.OpcodeI64Store32:
		return 4
	case api.OpcodeI64Load, api.OpcodeF64Load, api.OpcodeI64Store, api.OpcodeF64Store:
		return 8
	default:
		return 0
	}
}

// LoadResultType is the pushed value type for a load opcode.
func LoadResultType(opcode api.Opcode) api.ValueType {
	switch opcode {
	case api.OpcodeI32Load, api.OpcodeI32Load8S, api.OpcodeI32Load8U, api.OpcodeI32Load16S, api.OpcodeI32Load16U:
		return api.ValueTypeI32
	case api.OpcodeI64Load, api.OpcodeI64Load8S, api.OpcodeI64Load8U, api.OpcodeI64Load16S, api.OpcodeI64Load16U,
		api.OpcodeI64Load32S, api.OpcodeI64Load32U:
		return api.ValueTypeI64
	case api.OpcodeF32Load:
		return api.ValueTypeF32
	case api.OpcodeF64Load:
		return api.ValueTypeF64
	default:
		return 0
	}
}

// StoreOperandType is the popped value type for a store opcode.
func StoreOperandType(opcode api.Opcode) api.ValueType {
	switch opcode {
	case api.OpcodeI32Store, api.OpcodeI32Store8, api.OpcodeI32Store16:
		return api.ValueTypeI32
	case api.OpcodeI64Store, api.OpcodeI64Store8, api.OpcodeI64Store16, api.OpcodeI64Store32:
		return api.ValueTypeI64
	case api.OpcodeF32Store:
		return api.ValueTypeF32
	case api.OpcodeF64Store:
		return api.ValueTypeF64
	default:
		return 0
	}
}

// IsLoad reports whether opcode is a memory load.
func IsLoad(opcode api.Opcode) bool {
	return opcode >= api.OpcodeI32Load && opcode <= api.OpcodeI64Load32U
}

// IsStore reports whether opcode is a memory store.
func IsStore(opcode api.Opcode) bool {
	return opcode >= api.OpcodeI32Store && opcode <= api.OpcodeI64Store32
}
