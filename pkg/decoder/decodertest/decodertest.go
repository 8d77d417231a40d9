// Package decodertest is a hand-driven fake decoder.Decoder: it replays a
// module described as plain Go structs directly through the
// decoder.ModuleCallbacks/decoder.SegmentCallbacks interfaces, bypassing
// LEB128/binary parsing entirely. It exists so the validator and code
// emitter can be unit-tested against hand-built control-flow and operator
// sequences without constructing real Wasm bytes for every case.
package decodertest

import (
	"github.com/gowasm/istream/pkg/api"
	"github.com/gowasm/istream/pkg/decoder"
)

// Sig is one function signature.
type Sig struct {
	Params  []api.ValueType
	Results []api.ValueType
}

// Import describes one imported entry; only the fields for its Kind are
// read (SigIndex for a function, ElemType and Limits for a table, Limits
// for a memory, ValType and Mutable for a global).
type Import struct {
	Module, Field string
	Kind          api.ExternType
	SigIndex      uint32 // Kind == ExternTypeFunc
	ElemType      byte   // Kind == ExternTypeTable
	Limits        api.Limits
	ValType       api.ValueType // Kind == ExternTypeGlobal
	Mutable       bool
}

// Op is one function-body operator.
type Op struct {
	Opcode api.Opcode
	Imm    decoder.Immediate
}

// Func is one defined function body.
type Func struct {
	SigIndex uint32
	Locals   []api.ValueType
	Ops      []Op
}

// Export is one export-section entry.
type Export struct {
	Name  string
	Kind  api.ExternType
	Index uint32
}

// Global is one defined global.
type Global struct {
	ValType api.ValueType
	Mutable bool
	Init    []decoder.ConstExprOp
}

// Segment is one element or data segment.
type Segment struct {
	Index uint32 // table index (element) or memory index (data)
	Init  []decoder.ConstExprOp
	Elems []uint32 // element segments: module-local function indices
	Data  []byte   // data segments: raw bytes
}

// Module is a whole module described in plain Go, in wire order.
type Module struct {
	Signatures []Sig
	Imports    []Import
	Functions  []Func
	HasTable   bool
	Table      struct {
		ElemType byte
		Limits   api.Limits
	}
	HasMemory bool
	Memory    api.Limits
	Globals   []Global
	Exports   []Export
	HasStart  bool
	Start     uint32
	Elements  []Segment
	Data      []Segment
}

// Decoder replays one Module's contents. src is ignored by both methods;
// callers pass nil.
type Decoder struct {
	Mod *Module
}

// New returns a Decoder that replays mod.
func New(mod *Module) Decoder { return Decoder{Mod: mod} }

func (d Decoder) DecodeModule(_ []byte, cb decoder.ModuleCallbacks) error {
	m := d.Mod

	if err := cb.OnSignatureCount(uint32(len(m.Signatures))); err != nil {
		return err
	}
	for i, s := range m.Signatures {
		if err := cb.OnSignature(uint32(i), s.Params, s.Results); err != nil {
			return err
		}
	}

	if err := cb.OnImportCount(uint32(len(m.Imports))); err != nil {
		return err
	}
	for i, imp := range m.Imports {
		idx := uint32(i)
		if err := cb.OnImport(idx, imp.Module, imp.Field); err != nil {
			return err
		}
		var err error
		switch imp.Kind {
		case api.ExternTypeFunc:
			err = cb.OnImportFunc(idx, imp.SigIndex)
		case api.ExternTypeTable:
			err = cb.OnImportTable(idx, imp.ElemType, imp.Limits)
		case api.ExternTypeMemory:
			err = cb.OnImportMemory(idx, imp.Limits)
		case api.ExternTypeGlobal:
			err = cb.OnImportGlobal(idx, imp.ValType, imp.Mutable)
		}
		if err != nil {
			return err
		}
	}

	if err := cb.OnFunctionSignatureCount(uint32(len(m.Functions))); err != nil {
		return err
	}
	for i, fn := range m.Functions {
		if err := cb.OnFunctionSignature(uint32(i), fn.SigIndex); err != nil {
			return err
		}
	}

	if m.HasTable {
		if err := cb.OnTable(m.Table.ElemType, m.Table.Limits); err != nil {
			return err
		}
	}
	if m.HasMemory {
		if err := cb.OnMemory(m.Memory); err != nil {
			return err
		}
	}

	if err := cb.OnGlobalCount(uint32(len(m.Globals))); err != nil {
		return err
	}
	for i, g := range m.Globals {
		idx := uint32(i)
		if err := cb.OnGlobalBegin(idx, g.ValType, g.Mutable); err != nil {
			return err
		}
		for _, op := range g.Init {
			if err := cb.OnGlobalInitExprOp(idx, op); err != nil {
				return err
			}
		}
		if err := cb.OnGlobalEnd(idx); err != nil {
			return err
		}
	}

	if err := cb.OnExportCount(uint32(len(m.Exports))); err != nil {
		return err
	}
	for _, e := range m.Exports {
		if err := cb.OnExport(e.Name, e.Kind, e.Index); err != nil {
			return err
		}
	}

	if m.HasStart {
		if err := cb.OnStart(m.Start); err != nil {
			return err
		}
	}

	for i, fn := range m.Functions {
		idx := uint32(i)
		if err := cb.OnFunctionBodyBegin(idx); err != nil {
			return err
		}
		if err := cb.OnLocalDeclCount(idx, uint32(len(fn.Locals))); err != nil {
			return err
		}
		for j, vt := range fn.Locals {
			if err := cb.OnLocalDecl(idx, uint32(j), 1, vt); err != nil {
				return err
			}
		}
		for _, op := range fn.Ops {
			if err := cb.OnOperator(idx, op.Opcode, op.Imm); err != nil {
				return err
			}
		}
		if err := cb.OnFunctionBodyEnd(idx); err != nil {
			return err
		}
	}

	if err := cb.OnElementSegmentCount(uint32(len(m.Elements))); err != nil {
		return err
	}
	for i, seg := range m.Elements {
		idx := uint32(i)
		if err := cb.OnElementSegmentHeader(idx, seg.Index); err != nil {
			return err
		}
		for _, op := range seg.Init {
			if err := cb.OnElementSegmentInitExprOp(idx, op); err != nil {
				return err
			}
		}
		if err := cb.OnElementSegmentInitExprEnd(idx); err != nil {
			return err
		}
	}

	if err := cb.OnDataSegmentCount(uint32(len(m.Data))); err != nil {
		return err
	}
	for i, seg := range m.Data {
		idx := uint32(i)
		if err := cb.OnDataSegmentHeader(idx, seg.Index); err != nil {
			return err
		}
		for _, op := range seg.Init {
			if err := cb.OnDataSegmentInitExprOp(idx, op); err != nil {
				return err
			}
		}
		if err := cb.OnDataSegmentInitExprEnd(idx); err != nil {
			return err
		}
	}

	return nil
}

func (d Decoder) DecodeSegments(_ []byte, cb decoder.SegmentCallbacks) error {
	m := d.Mod
	for i, seg := range m.Elements {
		idx := uint32(i)
		for slot, fidx := range seg.Elems {
			if err := cb.OnElementSegmentFuncIndex(idx, uint32(slot), fidx); err != nil {
				return err
			}
		}
	}
	for i, seg := range m.Data {
		idx := uint32(i)
		if err := cb.OnDataSegmentBytes(idx, 0, seg.Data); err != nil {
			return err
		}
	}
	return nil
}
