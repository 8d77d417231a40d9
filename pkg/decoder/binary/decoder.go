package binary

import (
	"bytes"
	"fmt"

	"github.com/gowasm/istream/pkg/api"
	"github.com/gowasm/istream/pkg/decoder"
	"github.com/gowasm/istream/pkg/validator"
)

const (
	secCustom   = 0
	secType     = 1
	secImport   = 2
	secFunction = 3
	secTable    = 4
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secStart    = 8
	secElement  = 9
	secCode     = 10
	secData     = 11
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}
var wasmVersion = []byte{0x01, 0x00, 0x00, 0x00}

// Decoder is the reference decoder.Decoder implementation: a plain
// two-pass forward scan over one module's bytes, with no state retained
// between DecodeModule and DecodeSegments beyond what each call derives
// fresh from src (spec.md §9: pass 2 "runs a reduced callback table" over
// the same buffer, not a resumption of pass 1's reader position).
type Decoder struct{}

// DecodeModule implements decoder.Decoder's pass 1: every section except
// element/data segment payloads (table/mem index + init-expr offset are
// still read and reported; the per-slot function indices and raw data
// bytes are skipped and deferred to DecodeSegments).
func (Decoder) DecodeModule(src []byte, cb decoder.ModuleCallbacks) error {
	r := newReader(src)
	if err := checkHeader(r); err != nil {
		cb.OnError(r.offset(), err.Error())
		return err
	}
	for r.remaining() > 0 {
		id, size, sub, err := readSectionHeader(r)
		if err != nil {
			cb.OnError(r.offset(), err.Error())
			return err
		}
		var secErr error
		switch id {
		case secCustom:
			// Ignored entirely, per spec.md's Non-goals (no custom-section
			// introspection in this core).
		case secType:
			secErr = decodeTypeSection(sub, cb)
		case secImport:
			secErr = decodeImportSection(sub, cb)
		case secFunction:
			secErr = decodeFunctionSection(sub, cb)
		case secTable:
			secErr = decodeTableSection(sub, cb)
		case secMemory:
			secErr = decodeMemorySection(sub, cb)
		case secGlobal:
			secErr = decodeGlobalSection(sub, cb)
		case secExport:
			secErr = decodeExportSection(sub, cb)
		case secStart:
			secErr = decodeStartSection(sub, cb)
		case secElement:
			secErr = decodeElementSectionPass1(sub, cb)
		case secCode:
			secErr = decodeCodeSection(sub, cb)
		case secData:
			secErr = decodeDataSectionPass1(sub, cb)
		default:
			secErr = fmt.Errorf("unknown section id %d", id)
		}
		if secErr != nil {
			cb.OnError(r.offset(), secErr.Error())
			return secErr
		}
		_ = size
	}
	return nil
}

// DecodeSegments implements decoder.Decoder's pass 2: every section other
// than Element/Data is skipped wholesale via its declared size, since by
// this point every index space is already fully mapped from pass 1.
func (Decoder) DecodeSegments(src []byte, cb decoder.SegmentCallbacks) error {
	r := newReader(src)
	if err := checkHeader(r); err != nil {
		cb.OnError(r.offset(), err.Error())
		return err
	}
	for r.remaining() > 0 {
		id, _, sub, err := readSectionHeader(r)
		if err != nil {
			cb.OnError(r.offset(), err.Error())
			return err
		}
		var secErr error
		switch id {
		case secElement:
			secErr = decodeElementSectionPass2(sub, cb)
		case secData:
			secErr = decodeDataSectionPass2(sub, cb)
		default:
			// Already consumed via sub; nothing further to do.
		}
		if secErr != nil {
			cb.OnError(r.offset(), secErr.Error())
			return secErr
		}
	}
	return nil
}

func checkHeader(r *reader) error {
	magic, err := r.readBytes(4)
	if err != nil || !bytes.Equal(magic, wasmMagic) {
		return fmt.Errorf("not a wasm module (bad magic)")
	}
	ver, err := r.readBytes(4)
	if err != nil || !bytes.Equal(ver, wasmVersion) {
		return fmt.Errorf("unsupported wasm version")
	}
	return nil
}

// readSectionHeader reads one section's id and size and carves out a
// bounded sub-reader over exactly its payload, so a malformed inner field
// can never read past the section boundary into the next one.
func readSectionHeader(r *reader) (id byte, size uint32, sub *reader, err error) {
	id, err = r.readByte()
	if err != nil {
		return 0, 0, nil, err
	}
	size, err = r.readU32()
	if err != nil {
		return 0, 0, nil, err
	}
	sub, err = r.sub(int(size))
	if err != nil {
		return 0, 0, nil, err
	}
	return id, size, sub, nil
}

func readLimits(r *reader) (api.Limits, error) {
	flags, err := r.readByte()
	if err != nil {
		return api.Limits{}, err
	}
	min, err := r.readU32()
	if err != nil {
		return api.Limits{}, err
	}
	if flags&0x01 == 0 {
		return api.Limits{Min: min}, nil
	}
	max, err := r.readU32()
	if err != nil {
		return api.Limits{}, err
	}
	return api.Limits{Min: min, Max: max, HasMax: true}, nil
}

func decodeTypeSection(r *reader, cb decoder.ModuleCallbacks) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	if err := cb.OnSignatureCount(n); err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		form, err := r.readByte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return fmt.Errorf("signature %d: invalid form 0x%02x", i, form)
		}
		params, err := readValueTypeVec(r)
		if err != nil {
			return err
		}
		results, err := readValueTypeVec(r)
		if err != nil {
			return err
		}
		if err := cb.OnSignature(i, params, results); err != nil {
			return err
		}
	}
	return nil
}

func readValueTypeVec(r *reader) ([]api.ValueType, error) {
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	out := make([]api.ValueType, n)
	for i := range out {
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		out[i] = api.ValueType(b)
	}
	return out, nil
}

func decodeImportSection(r *reader, cb decoder.ModuleCallbacks) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	if err := cb.OnImportCount(n); err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		mod, err := r.readString()
		if err != nil {
			return err
		}
		field, err := r.readString()
		if err != nil {
			return err
		}
		if err := cb.OnImport(i, mod, field); err != nil {
			return err
		}
		kind, err := r.readByte()
		if err != nil {
			return err
		}
		switch kind {
		case 0:
			sig, err := r.readU32()
			if err != nil {
				return err
			}
			if err := cb.OnImportFunc(i, sig); err != nil {
				return err
			}
		case 1:
			elemType, err := r.readByte()
			if err != nil {
				return err
			}
			lim, err := readLimits(r)
			if err != nil {
				return err
			}
			if err := cb.OnImportTable(i, elemType, lim); err != nil {
				return err
			}
		case 2:
			lim, err := readLimits(r)
			if err != nil {
				return err
			}
			if err := cb.OnImportMemory(i, lim); err != nil {
				return err
			}
		case 3:
			vt, err := r.readByte()
			if err != nil {
				return err
			}
			mut, err := r.readByte()
			if err != nil {
				return err
			}
			if err := cb.OnImportGlobal(i, api.ValueType(vt), mut != 0); err != nil {
				return err
			}
		default:
			return fmt.Errorf("import %d: unknown kind %d", i, kind)
		}
	}
	return nil
}

func decodeFunctionSection(r *reader, cb decoder.ModuleCallbacks) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	if err := cb.OnFunctionSignatureCount(n); err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		sig, err := r.readU32()
		if err != nil {
			return err
		}
		if err := cb.OnFunctionSignature(i, sig); err != nil {
			return err
		}
	}
	return nil
}

func decodeTableSection(r *reader, cb decoder.ModuleCallbacks) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	if n > 1 {
		return fmt.Errorf("module declares %d tables, at most one is supported", n)
	}
	for i := uint32(0); i < n; i++ {
		elemType, err := r.readByte()
		if err != nil {
			return err
		}
		lim, err := readLimits(r)
		if err != nil {
			return err
		}
		if err := cb.OnTable(elemType, lim); err != nil {
			return err
		}
	}
	return nil
}

func decodeMemorySection(r *reader, cb decoder.ModuleCallbacks) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	if n > 1 {
		return fmt.Errorf("module declares %d memories, at most one is supported", n)
	}
	for i := uint32(0); i < n; i++ {
		lim, err := readLimits(r)
		if err != nil {
			return err
		}
		if err := cb.OnMemory(lim); err != nil {
			return err
		}
	}
	return nil
}

func decodeGlobalSection(r *reader, cb decoder.ModuleCallbacks) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	if err := cb.OnGlobalCount(n); err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		vt, err := r.readByte()
		if err != nil {
			return err
		}
		mut, err := r.readByte()
		if err != nil {
			return err
		}
		if err := cb.OnGlobalBegin(i, api.ValueType(vt), mut != 0); err != nil {
			return err
		}
		ops, err := readInitExpr(r)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if err := cb.OnGlobalInitExprOp(i, op); err != nil {
				return err
			}
		}
		if err := cb.OnGlobalEnd(i); err != nil {
			return err
		}
	}
	return nil
}

func decodeExportSection(r *reader, cb decoder.ModuleCallbacks) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	if err := cb.OnExportCount(n); err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		name, err := r.readString()
		if err != nil {
			return err
		}
		kind, err := r.readByte()
		if err != nil {
			return err
		}
		idx, err := r.readU32()
		if err != nil {
			return err
		}
		if err := cb.OnExport(name, api.ExternType(kind), idx); err != nil {
			return err
		}
	}
	return nil
}

func decodeStartSection(r *reader, cb decoder.ModuleCallbacks) error {
	idx, err := r.readU32()
	if err != nil {
		return err
	}
	return cb.OnStart(idx)
}

func decodeElementSectionPass1(r *reader, cb decoder.ModuleCallbacks) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	if err := cb.OnElementSegmentCount(n); err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		tableIdx, err := r.readU32()
		if err != nil {
			return err
		}
		if err := cb.OnElementSegmentHeader(i, tableIdx); err != nil {
			return err
		}
		ops, err := readInitExpr(r)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if err := cb.OnElementSegmentInitExprOp(i, op); err != nil {
				return err
			}
		}
		if err := cb.OnElementSegmentInitExprEnd(i); err != nil {
			return err
		}
		numElems, err := r.readU32()
		if err != nil {
			return err
		}
		for slot := uint32(0); slot < numElems; slot++ {
			if _, err := r.readU32(); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeElementSectionPass2(r *reader, cb decoder.SegmentCallbacks) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		if _, err := r.readU32(); err != nil {
			return err
		}
		if _, err := readInitExpr(r); err != nil {
			return err
		}
		numElems, err := r.readU32()
		if err != nil {
			return err
		}
		for slot := uint32(0); slot < numElems; slot++ {
			fidx, err := r.readU32()
			if err != nil {
				return err
			}
			if err := cb.OnElementSegmentFuncIndex(i, slot, fidx); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeDataSectionPass1(r *reader, cb decoder.ModuleCallbacks) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	if err := cb.OnDataSegmentCount(n); err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		memIdx, err := r.readU32()
		if err != nil {
			return err
		}
		if err := cb.OnDataSegmentHeader(i, memIdx); err != nil {
			return err
		}
		ops, err := readInitExpr(r)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if err := cb.OnDataSegmentInitExprOp(i, op); err != nil {
				return err
			}
		}
		if err := cb.OnDataSegmentInitExprEnd(i); err != nil {
			return err
		}
		dataLen, err := r.readU32()
		if err != nil {
			return err
		}
		if _, err := r.readBytes(int(dataLen)); err != nil {
			return err
		}
	}
	return nil
}

func decodeDataSectionPass2(r *reader, cb decoder.SegmentCallbacks) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		if _, err := r.readU32(); err != nil {
			return err
		}
		if _, err := readInitExpr(r); err != nil {
			return err
		}
		dataLen, err := r.readU32()
		if err != nil {
			return err
		}
		data, err := r.readBytes(int(dataLen))
		if err != nil {
			return err
		}
		if err := cb.OnDataSegmentBytes(i, 0, data); err != nil {
			return err
		}
	}
	return nil
}

// readInitExpr reads one constant initializer sequence up to (excluding)
// its terminating `end` opcode, per spec.md §4.3's restricted grammar:
// i32/i64/f32/f64.const or get_global.
func readInitExpr(r *reader) ([]decoder.ConstExprOp, error) {
	var ops []decoder.ConstExprOp
	for {
		opcode, err := r.readByte()
		if err != nil {
			return nil, err
		}
		if opcode == api.OpcodeEnd {
			return ops, nil
		}
		var imm uint64
		switch opcode {
		case api.OpcodeI32Const:
			v, err := r.readS32()
			if err != nil {
				return nil, err
			}
			imm = uint64(uint32(v))
		case api.OpcodeI64Const:
			v, err := r.readS64()
			if err != nil {
				return nil, err
			}
			imm = uint64(v)
		case api.OpcodeF32Const:
			v, err := r.readF32Bits()
			if err != nil {
				return nil, err
			}
			imm = uint64(v)
		case api.OpcodeF64Const:
			v, err := r.readF64Bits()
			if err != nil {
				return nil, err
			}
			imm = v
		case api.OpcodeGetGlobal:
			v, err := r.readU32()
			if err != nil {
				return nil, err
			}
			imm = uint64(v)
		default:
			return nil, fmt.Errorf("illegal init expression opcode 0x%02x", opcode)
		}
		ops = append(ops, decoder.ConstExprOp{Opcode: opcode, Imm: imm})
	}
}

func decodeCodeSection(r *reader, cb decoder.ModuleCallbacks) error {
	n, err := r.readU32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		bodySize, err := r.readU32()
		if err != nil {
			return err
		}
		body, err := r.sub(int(bodySize))
		if err != nil {
			return err
		}
		if err := decodeFunctionBody(body, i, cb); err != nil {
			return err
		}
	}
	return nil
}

// decodeFunctionBody feeds one defined function's locals and operators to
// cb, tracking block-nesting depth itself so the `end` opcode that closes
// the function's own implicit frame is routed to OnFunctionBodyEnd instead
// of OnOperator (spec.md §4.6 draws this distinction; the wire encoding
// does not — both are byte 0x0b).
func decodeFunctionBody(r *reader, definedIndex uint32, cb decoder.ModuleCallbacks) error {
	if err := cb.OnFunctionBodyBegin(definedIndex); err != nil {
		return err
	}
	localDeclCount, err := r.readU32()
	if err != nil {
		return err
	}
	if err := cb.OnLocalDeclCount(definedIndex, localDeclCount); err != nil {
		return err
	}
	for i := uint32(0); i < localDeclCount; i++ {
		count, err := r.readU32()
		if err != nil {
			return err
		}
		vt, err := r.readByte()
		if err != nil {
			return err
		}
		if err := cb.OnLocalDecl(definedIndex, i, count, api.ValueType(vt)); err != nil {
			return err
		}
	}

	depth := 0
	for {
		opcode, err := r.readByte()
		if err != nil {
			return err
		}
		if opcode == api.OpcodeEnd && depth == 0 {
			return cb.OnFunctionBodyEnd(definedIndex)
		}
		switch opcode {
		case api.OpcodeBlock, api.OpcodeLoop, api.OpcodeIf:
			depth++
		case api.OpcodeEnd:
			depth--
		}
		imm, err := readOperatorImmediate(r, opcode)
		if err != nil {
			return err
		}
		if err := cb.OnOperator(definedIndex, opcode, imm); err != nil {
			return err
		}
	}
}

// readOperatorImmediate reads opcode's immediate operand(s), if any, per
// the Wasm MVP binary encoding.
func readOperatorImmediate(r *reader, opcode api.Opcode) (decoder.Immediate, error) {
	switch opcode {
	case api.OpcodeBlock, api.OpcodeLoop, api.OpcodeIf:
		bt, err := r.readByte()
		return decoder.Immediate{BlockType: bt}, err

	case api.OpcodeBr, api.OpcodeBrIf, api.OpcodeCall,
		api.OpcodeGetLocal, api.OpcodeSetLocal, api.OpcodeTeeLocal,
		api.OpcodeGetGlobal, api.OpcodeSetGlobal:
		idx, err := r.readU32()
		return decoder.Immediate{Index: idx}, err

	case api.OpcodeBrTable:
		count, err := r.readU32()
		if err != nil {
			return decoder.Immediate{}, err
		}
		targets := make([]uint32, count)
		for i := range targets {
			v, err := r.readU32()
			if err != nil {
				return decoder.Immediate{}, err
			}
			targets[i] = v
		}
		def, err := r.readU32()
		if err != nil {
			return decoder.Immediate{}, err
		}
		return decoder.Immediate{Targets: targets, Default: def}, nil

	case api.OpcodeCallIndirect:
		sig, err := r.readU32()
		if err != nil {
			return decoder.Immediate{}, err
		}
		if _, err := r.readByte(); err != nil { // reserved table-index byte, always 0 in MVP
			return decoder.Immediate{}, err
		}
		return decoder.Immediate{SigIndex: sig}, nil

	case api.OpcodeCurrentMemory, api.OpcodeGrowMemory:
		if _, err := r.readByte(); err != nil { // reserved byte
			return decoder.Immediate{}, err
		}
		return decoder.Immediate{}, nil

	case api.OpcodeI32Const:
		v, err := r.readS32()
		return decoder.Immediate{ConstBits: uint64(uint32(v))}, err
	case api.OpcodeI64Const:
		v, err := r.readS64()
		return decoder.Immediate{ConstBits: uint64(v)}, err
	case api.OpcodeF32Const:
		v, err := r.readF32Bits()
		return decoder.Immediate{ConstBits: uint64(v)}, err
	case api.OpcodeF64Const:
		v, err := r.readF64Bits()
		return decoder.Immediate{ConstBits: v}, err
	}

	if validator.IsLoad(opcode) || validator.IsStore(opcode) {
		align, err := r.readU32()
		if err != nil {
			return decoder.Immediate{}, err
		}
		off, err := r.readU32()
		if err != nil {
			return decoder.Immediate{}, err
		}
		return decoder.Immediate{AlignLog2: align, Offset: off}, nil
	}

	// unreachable, nop, else, end, drop, select, return, and every
	// arithmetic/comparison/conversion opcode carry no immediate.
	return decoder.Immediate{}, nil
}
