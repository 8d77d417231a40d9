// Package decoder defines the event interface the binary decoder presents
// to the Loader Driver, per spec.md §6. The decoder itself — tokenizing
// the Wasm byte sequence — is deliberately out of this core's scope
// (spec.md §1); only the interface it must implement is specified here.
// pkg/decoder/binary provides a reference implementation; pkg/decoder/
// decodertest provides a hand-driven fake for unit-testing the validator
// and emitter without a real decoder.
package decoder

import "github.com/gowasm/istream/pkg/api"

// Decoder runs two passes over the same byte buffer, per spec.md §9's
// "two-pass decoding for segments" note: pass one cannot fill element/data
// segments because they depend on all imports/definitions being mapped.
type Decoder interface {
	// DecodeModule runs pass 1: every section except the byte/index
	// payloads of element and data segments.
	DecodeModule(src []byte, cb ModuleCallbacks) error

	// DecodeSegments runs pass 2: a reduced callback table that only fills
	// element-segment function indices and data-segment bytes.
	DecodeSegments(src []byte, cb SegmentCallbacks) error
}

// ConstExprOp is one operator of a constant initializer sequence
// (spec.md §4.3): i32/i64/f32/f64.const or get_global.
type ConstExprOp struct {
	Opcode api.Opcode
	// Imm is the constant's raw bits for *.const, or the module-local
	// global index for get_global.
	Imm uint64
}

// ModuleCallbacks is the pass-1 event interface. Calls arrive in this
// order: signatures, imports, function signatures, table, memory, globals,
// exports, start, then function bodies and the pass-1 headers of element
// and data segments. The binary decoder delivers the last three in section
// order (element, code, data); decodertest delivers function bodies first.
type ModuleCallbacks interface {
	// OnSignatureCount reserves space for n signatures.
	OnSignatureCount(n uint32) error
	// OnSignature defines signature i.
	OnSignature(i uint32, params, results []api.ValueType) error

	// OnImportCount reserves space for n imports.
	OnImportCount(n uint32) error
	// OnImport announces import i's (module, field) pair; the kind
	// descriptor follows on one of the OnImport*Kind callbacks below.
	OnImport(i uint32, moduleName, fieldName string) error
	OnImportFunc(i uint32, sigIndex uint32) error
	OnImportTable(i uint32, elemType byte, limits api.Limits) error
	OnImportMemory(i uint32, limits api.Limits) error
	OnImportGlobal(i uint32, valType api.ValueType, mutable bool) error

	// OnFunctionSignatureCount reserves space for n defined functions and
	// announces each one's signature index.
	OnFunctionSignatureCount(n uint32) error
	OnFunctionSignature(definedIndex uint32, sigIndex uint32) error

	// OnTable declares the module's single table, if present.
	OnTable(elemType byte, limits api.Limits) error
	// OnMemory declares the module's single memory, if present.
	OnMemory(limits api.Limits) error

	OnGlobalCount(n uint32) error
	OnGlobalBegin(i uint32, valType api.ValueType, mutable bool) error
	OnGlobalInitExprOp(i uint32, op ConstExprOp) error
	OnGlobalEnd(i uint32) error

	OnExportCount(n uint32) error
	OnExport(name string, kind api.ExternType, index uint32) error

	// OnStart announces the optional start function, by module-local
	// function index.
	OnStart(funcIndex uint32) error

	// Function bodies.
	OnFunctionBodyBegin(definedIndex uint32) error
	OnLocalDeclCount(definedIndex uint32, n uint32) error
	OnLocalDecl(definedIndex uint32, declIndex uint32, count uint32, valType api.ValueType) error
	OnOperator(definedIndex uint32, opcode api.Opcode, imm Immediate) error
	OnFunctionBodyEnd(definedIndex uint32) error

	// Pass-1 segment events: counts, target indices and offset init
	// expressions; the payloads follow in pass 2 (SegmentCallbacks).
	OnElementSegmentCount(n uint32) error
	OnElementSegmentHeader(i uint32, tableIndex uint32) error
	OnElementSegmentInitExprOp(i uint32, op ConstExprOp) error
	OnElementSegmentInitExprEnd(i uint32) error

	OnDataSegmentCount(n uint32) error
	OnDataSegmentHeader(i uint32, memIndex uint32) error
	OnDataSegmentInitExprOp(i uint32, op ConstExprOp) error
	OnDataSegmentInitExprEnd(i uint32) error

	// OnError reports a decoder-level MalformedInput failure at the given
	// byte offset.
	OnError(offset int64, message string)
}

// SegmentCallbacks is the pass-2 event interface: it only fills element
// and data segment payloads now that all indices and memories are final
// (spec.md §6, §9).
type SegmentCallbacks interface {
	OnElementSegmentFuncIndex(segment uint32, slot uint32, funcIndex uint32) error
	OnDataSegmentBytes(segment uint32, offset uint32, data []byte) error
	OnError(offset int64, message string)
}

// Immediate carries an operator's decoded immediate operand(s). Which
// field is meaningful depends on opcode: block/loop/if carry BlockType;
// br/br_if/call/get_local/set_local/tee_local/get_global/set_global carry
// Index; call_indirect carries SigIndex; load/store carry AlignLog2+Offset;
// br_table carries Targets+Default; *.const carry ConstBits.
type Immediate struct {
	BlockType byte
	Index     uint32
	SigIndex  uint32 // call_indirect only
	AlignLog2 uint32
	Offset    uint32
	Targets   []uint32
	Default   uint32
	ConstBits uint64
}
