package codegen

import (
	"github.com/gowasm/istream/pkg/api"
	"github.com/gowasm/istream/pkg/decoder"
	"github.com/gowasm/istream/pkg/environment"
	"github.com/gowasm/istream/pkg/loaderr"
	"github.com/gowasm/istream/pkg/validator"
)

// brTableEntrySize is the encoded size, in bytes, of one br_table inline
// table entry: an 8-byte branch-target istream offset, a 4-byte drop
// count, and a 1-byte keep arity.
const brTableEntrySize = 8 + 4 + 1

// Operator implements spec.md §4.5: the dispatch table lowering one
// validated Wasm operator to the istream, synthesizing drop/keep
// sequences around branches and exits. Begin/AddLocalDecl/
// FinishLocalDecls/End in compiler.go cover the function-body lifecycle;
// every operator inside a body passes through here.
func (c *Compiler) Operator(opcode api.Opcode, imm decoder.Immediate) error {
	switch opcode {
	case api.OpcodeNop:
		return nil

	case api.OpcodeUnreachable:
		c.W.AppendU8(api.IstreamOpUnreachable)
		c.V.MarkUnreachable()
		return nil

	case api.OpcodeBlock:
		c.V.PushFrame(validator.FrameBlock, blockSig(imm.BlockType))
		c.Depths.push()
		return nil

	case api.OpcodeLoop:
		f := c.V.PushFrame(validator.FrameLoop, blockSig(imm.BlockType))
		f.Offset = c.W.CurrentOffset()
		c.Depths.push()
		return nil

	case api.OpcodeIf:
		if _, err := c.V.PopExpected(api.ValueTypeI32); err != nil {
			return err
		}
		f := c.V.PushFrame(validator.FrameIf, blockSig(imm.BlockType))
		c.Depths.push()
		c.W.AppendU8(api.IstreamOpBrUnless)
		f.FixupOffset = c.W.ReserveI64Offset()
		return nil

	case api.OpcodeElse:
		top := c.V.Top()
		if top.Kind != validator.FrameIf {
			return loaderr.New(loaderr.PhaseCodegen, loaderr.KindValidation, "else without a matching if")
		}
		if err := c.V.CheckSignatureOnTop(top.Sig); err != nil {
			return err
		}
		c.W.AppendU8(api.IstreamOpBr)
		newFixup := c.W.ReserveI64Offset()
		c.W.WriteI64At(top.FixupOffset, c.W.CurrentOffset())
		top.Kind = validator.FrameElse
		top.FixupOffset = newFixup
		c.V.ResetToFloor()
		return nil

	case api.OpcodeEnd:
		return c.endBlock()

	case api.OpcodeBr:
		return c.br(imm.Index, true)

	case api.OpcodeBrIf:
		return c.brIf(imm.Index)

	case api.OpcodeBrTable:
		return c.brTable(imm)

	case api.OpcodeReturn:
		return c.returnOp()

	case api.OpcodeCall:
		return c.call(imm.Index)

	case api.OpcodeCallIndirect:
		return c.callIndirect(imm.SigIndex)

	case api.OpcodeDrop:
		_, err := c.V.Pop()
		if err != nil {
			return err
		}
		c.W.AppendU8(api.IstreamOpDrop)
		return nil

	case api.OpcodeSelect:
		return c.selectOp()

	case api.OpcodeGetLocal:
		return c.getLocal(imm.Index)
	case api.OpcodeSetLocal:
		return c.setLocal(imm.Index)
	case api.OpcodeTeeLocal:
		return c.teeLocal(imm.Index)

	case api.OpcodeGetGlobal:
		return c.getGlobal(imm.Index)
	case api.OpcodeSetGlobal:
		return c.setGlobal(imm.Index)

	case api.OpcodeCurrentMemory:
		if !c.HasMemory {
			return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "current_memory requires a memory")
		}
		c.W.AppendU8(api.IstreamOpCurrentMemory)
		c.W.AppendU32(c.MemoryEnvIndex)
		c.V.PushValueType(api.ValueTypeI32)
		return nil

	case api.OpcodeGrowMemory:
		if !c.HasMemory {
			return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "grow_memory requires a memory")
		}
		if _, err := c.V.PopExpected(api.ValueTypeI32); err != nil {
			return err
		}
		c.W.AppendU8(api.IstreamOpGrowMemory)
		c.W.AppendU32(c.MemoryEnvIndex)
		c.V.PushValueType(api.ValueTypeI32)
		return nil

	case api.OpcodeI32Const:
		c.W.AppendU8(opcode)
		c.W.AppendU32(uint32(imm.ConstBits))
		c.V.PushValueType(api.ValueTypeI32)
		return nil
	case api.OpcodeI64Const:
		c.W.AppendU8(opcode)
		c.W.AppendU64(imm.ConstBits)
		c.V.PushValueType(api.ValueTypeI64)
		return nil
	case api.OpcodeF32Const:
		c.W.AppendU8(opcode)
		c.W.AppendU32(uint32(imm.ConstBits))
		c.V.PushValueType(api.ValueTypeF32)
		return nil
	case api.OpcodeF64Const:
		c.W.AppendU8(opcode)
		c.W.AppendU64(imm.ConstBits)
		c.V.PushValueType(api.ValueTypeF64)
		return nil
	}

	if validator.IsLoad(opcode) || validator.IsStore(opcode) {
		return c.memOp(opcode, imm)
	}

	sig, ok := validator.OperatorSignatures[opcode]
	if !ok {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "unsupported opcode 0x%02x", opcode)
	}
	for i := len(sig.Params) - 1; i >= 0; i-- {
		if _, err := c.V.PopExpected(sig.Params[i]); err != nil {
			return err
		}
	}
	c.W.AppendU8(opcode)
	if sig.HasResult {
		c.V.PushValueType(sig.Result)
	}
	return nil
}

// blockSig renders a block/loop/if's one-byte signature into a result-type
// list: empty, or one value type.
func blockSig(bt byte) []api.ValueType {
	if bt == api.BlockTypeEmpty {
		return nil
	}
	return []api.ValueType{api.ValueType(bt)}
}

// endBlock implements spec.md §4.5's `end` for a Block/Loop/If/Else frame
// (the Func frame's end is end_function_body, handled by Compiler.End).
// A lone `if` with a non-empty result falling straight to `end` without an
// `else` is rejected: the implicit false-arm never produces the declared
// result.
func (c *Compiler) endBlock() error {
	top := c.V.Top()
	if top.Kind == validator.FrameFunc {
		return loaderr.New(loaderr.PhaseCodegen, loaderr.KindValidation, "end seen with no open block/loop/if")
	}
	if top.Kind == validator.FrameIf && len(top.Sig) > 0 {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "if with a result requires an else")
	}
	if err := c.V.CheckSignatureOnTop(top.Sig); err != nil {
		return err
	}
	if top.Kind == validator.FrameIf || top.Kind == validator.FrameElse {
		c.W.WriteI64At(top.FixupOffset, c.W.CurrentOffset())
	}
	c.fixupTopLabel()
	c.V.ResetToFloor()
	for _, r := range top.Sig {
		c.V.PushValueType(r)
	}
	c.V.PopFrame()
	c.Depths.popSlot()
	return nil
}

// checkBranchSignature verifies the operand stack's top matches frame's
// branch arity/types without disturbing it, skipped (always ok) under Any.
// Loop frames take no branch values (Arity()==0 per spec.md's "a branch to
// a loop never carries values").
func (c *Compiler) checkBranchSignature(frame *validator.Frame) error {
	arity := frame.Arity()
	if arity == 0 {
		return nil
	}
	types, isAny, err := c.V.PeekTopTypes(arity)
	if err != nil {
		return err
	}
	if isAny {
		return nil
	}
	for i, want := range frame.Sig {
		if err := validator.CheckType(validator.FromValueType(want), types[i]); err != nil {
			return err
		}
	}
	return nil
}

// emitBranchSequence emits the drop/keep + BR pair targeting frame,
// patching or fixup-listing the target offset as needed. It does not touch
// the operand stack or mark unreachability — callers decide that.
func (c *Compiler) emitBranchSequence(idx int, frame *validator.Frame) {
	keep := frame.Arity()
	drop := len(c.V.TypeStack) - frame.Floor - keep
	if drop > 0 {
		c.W.AppendU8(api.IstreamOpDropKeep)
		c.W.AppendU32(uint32(drop))
		c.W.Append(byte(keep))
	}
	c.W.AppendU8(api.IstreamOpBr)
	slot := c.W.ReserveI64Offset()
	if frame.Offset != validator.OffsetInvalid {
		c.W.WriteI64At(slot, frame.Offset)
	} else {
		c.Depths.add(idx, slot)
	}
}

// br implements unconditional br, calling MarkUnreachable after the branch
// when markUnreachable is true; only the br opcode calls it (with true).
// br_if and br_table emit their own branch sequences.
func (c *Compiler) br(depth uint32, markUnreachable bool) error {
	idx, err := c.V.TranslateDepth(depth)
	if err != nil {
		return err
	}
	frame := c.V.FrameAt(idx)
	if err := c.checkBranchSignature(frame); err != nil {
		return err
	}
	c.emitBranchSequence(idx, frame)
	if markUnreachable {
		c.V.MarkUnreachable()
	}
	return nil
}

// brIf implements spec.md §4.5's br_if: a BR_UNLESS guards the full br
// sequence so the drop/keep only executes on the taken path; unlike br, the
// operand stack is left exactly as validated (PeekTopTypes, never popped)
// since execution may fall through.
func (c *Compiler) brIf(depth uint32) error {
	if _, err := c.V.PopExpected(api.ValueTypeI32); err != nil {
		return err
	}
	idx, err := c.V.TranslateDepth(depth)
	if err != nil {
		return err
	}
	frame := c.V.FrameAt(idx)
	if err := c.checkBranchSignature(frame); err != nil {
		return err
	}
	c.W.AppendU8(api.IstreamOpBrUnless)
	skip := c.W.ReserveI64Offset()
	c.emitBranchSequence(idx, frame)
	c.W.WriteI64At(skip, c.W.CurrentOffset())
	return nil
}

// brTable implements spec.md §4.5's br_table: an inline table of
// (branch-target-offset, drop-count, keep-arity) entries, one per target
// plus the trailing default, each checked and fixed up exactly like a
// plain br to that depth.
func (c *Compiler) brTable(imm decoder.Immediate) error {
	if _, err := c.V.PopExpected(api.ValueTypeI32); err != nil {
		return err
	}
	depths := make([]uint32, 0, len(imm.Targets)+1)
	depths = append(depths, imm.Targets...)
	depths = append(depths, imm.Default)

	c.W.AppendU8(api.IstreamOpBrTable)
	c.W.AppendU32(uint32(len(imm.Targets)))
	tableSlot := c.W.ReserveU32()
	c.W.AppendU8(api.IstreamOpBrTableData)
	c.W.AppendU32(uint32(len(depths) * brTableEntrySize))
	c.W.WriteU32At(tableSlot, uint32(c.W.CurrentOffset()))

	for _, depth := range depths {
		idx, err := c.V.TranslateDepth(depth)
		if err != nil {
			return err
		}
		frame := c.V.FrameAt(idx)
		if err := c.checkBranchSignature(frame); err != nil {
			return err
		}
		keep := frame.Arity()
		drop := len(c.V.TypeStack) - frame.Floor - keep
		slot := c.W.ReserveI64Offset()
		if frame.Offset != validator.OffsetInvalid {
			c.W.WriteI64At(slot, frame.Offset)
		} else {
			c.Depths.add(idx, slot)
		}
		c.W.AppendU32(uint32(drop))
		c.W.Append(byte(keep))
	}
	c.V.MarkUnreachable()
	return nil
}

// returnOp implements spec.md §4.5's return: a branch to the implicit Func
// frame at label-stack index 0, using the current frame's floor (not the
// func frame's) for the post-branch unreachable reset, matching every
// other branch's "reset to floor" convention.
func (c *Compiler) returnOp() error {
	funcFrame := c.V.FrameAt(0)
	if err := c.checkBranchSignature(funcFrame); err != nil {
		return err
	}
	keep := len(funcFrame.Sig)
	drop := len(c.V.TypeStack) - funcFrame.Floor - keep
	if drop > 0 {
		c.W.AppendU8(api.IstreamOpDropKeep)
		c.W.AppendU32(uint32(drop))
		c.W.Append(byte(keep))
	}
	c.W.AppendU8(api.IstreamOpReturn)
	c.V.MarkUnreachable()
	return nil
}

// call implements spec.md §4.5's call: resolve funcIndex (module-local) to
// its environment entry, check/pop params in reverse, and emit CALL_HOST
// for host-bound imports or CALL with a resolved-or-fixup-listed entry
// offset for everything else (including aliased imports from an
// already-loaded module, whose entry offset is always already known).
func (c *Compiler) call(funcIndex uint32) error {
	envIdx, ok := c.Spaces.Functions.Lookup(funcIndex)
	if !ok {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "invalid function index %d", funcIndex)
	}
	fn := c.Env.Functions[envIdx]
	sig := c.Env.Signatures[fn.SignatureIndex]
	if err := c.popParams(sig.Params); err != nil {
		return err
	}
	if fn.IsHost {
		c.W.AppendU8(api.IstreamOpCallHost)
		c.W.AppendU32(envIdx)
	} else {
		c.W.AppendU8(api.IstreamOpCall)
		slot := c.W.ReserveI64Offset()
		if fn.EntryOffset != environment.EntryOffsetInvalid {
			c.W.WriteI64At(slot, fn.EntryOffset)
		} else {
			definedIdx := funcIndex - uint32(c.Spaces.Functions.ImportLen())
			c.Calls.Add(definedIdx, slot)
		}
	}
	for _, r := range sig.Results {
		c.V.PushValueType(r)
	}
	return nil
}

// callIndirect implements spec.md §4.5's call_indirect: pop the table
// index operand, check/pop params against the declared signature (resolved
// to its environment index, not the callee's actual signature — that check
// happens at runtime against the table slot's function), emit
// CALL_INDIRECT with the table and signature environment indices.
func (c *Compiler) callIndirect(sigIndex uint32) error {
	if !c.HasTable {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "call_indirect requires a table")
	}
	envSigIdx, ok := c.Spaces.Signatures.Lookup(sigIndex)
	if !ok {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "invalid signature index %d", sigIndex)
	}
	sig := c.Env.Signatures[envSigIdx]
	if _, err := c.V.PopExpected(api.ValueTypeI32); err != nil {
		return err
	}
	if err := c.popParams(sig.Params); err != nil {
		return err
	}
	c.W.AppendU8(api.IstreamOpCallIndirect)
	c.W.AppendU32(c.TableEnvIndex)
	c.W.AppendU32(envSigIdx)
	for _, r := range sig.Results {
		c.V.PushValueType(r)
	}
	return nil
}

// popParams pops and checks params in reverse (top of stack holds the last
// parameter), mirroring the call-site argument order.
func (c *Compiler) popParams(params []api.ValueType) error {
	for i := len(params) - 1; i >= 0; i-- {
		if _, err := c.V.PopExpected(params[i]); err != nil {
			return err
		}
	}
	return nil
}

// selectOp implements select: pop the i32 condition, then two same-typed
// (or Any) operands, pushing back whichever is concrete.
func (c *Compiler) selectOp() error {
	if _, err := c.V.PopExpected(api.ValueTypeI32); err != nil {
		return err
	}
	b, err := c.V.Pop()
	if err != nil {
		return err
	}
	a, err := c.V.Pop()
	if err != nil {
		return err
	}
	result := a
	if a == validator.Any {
		result = b
	} else if b != validator.Any && a != b {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "select operands have mismatched types %s/%s", a, b)
	}
	c.W.AppendU8(api.IstreamOpSelect)
	c.V.Push(result)
	return nil
}

// localDepth computes the depth-from-top encoding shared by get_local/
// set_local/tee_local (spec.md §4.5): the distance, measured at the
// operator's point of emission (before this operator's own push/pop
// effect), from the current operand-stack top down to local slot i. This
// is a single formula because the operand stack length at that instant
// equals the runtime stack height the interpreter will see when it
// executes the corresponding istream op (pkg/vm derives the local's
// absolute position as len(stack)-depth at that same instant).
func (c *Compiler) localDepth(i uint32) uint32 {
	return uint32(len(c.V.TypeStack)) - i
}

func (c *Compiler) localType(i uint32) (api.ValueType, error) {
	if int(i) >= len(c.Func.LocalTypes) {
		return 0, loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "invalid local index %d", i)
	}
	return c.Func.LocalTypes[i], nil
}

func (c *Compiler) getLocal(i uint32) error {
	t, err := c.localType(i)
	if err != nil {
		return err
	}
	depth := c.localDepth(i)
	c.W.AppendU8(api.IstreamOpGetLocal)
	c.W.AppendU32(depth)
	c.V.PushValueType(t)
	return nil
}

func (c *Compiler) setLocal(i uint32) error {
	t, err := c.localType(i)
	if err != nil {
		return err
	}
	depth := c.localDepth(i)
	if _, err := c.V.PopExpected(t); err != nil {
		return err
	}
	c.W.AppendU8(api.IstreamOpSetLocal)
	c.W.AppendU32(depth)
	return nil
}

func (c *Compiler) teeLocal(i uint32) error {
	t, err := c.localType(i)
	if err != nil {
		return err
	}
	depth := c.localDepth(i)
	popped, err := c.V.PopExpected(t)
	if err != nil {
		return err
	}
	c.V.Push(popped)
	c.W.AppendU8(api.IstreamOpTeeLocal)
	c.W.AppendU32(depth)
	return nil
}

func (c *Compiler) getGlobal(i uint32) error {
	envIdx, ok := c.Spaces.Globals.Lookup(i)
	if !ok {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "invalid global index %d", i)
	}
	g := c.Env.Globals[envIdx]
	c.W.AppendU8(api.IstreamOpGetGlobal)
	c.W.AppendU32(envIdx)
	c.V.PushValueType(g.Type)
	return nil
}

func (c *Compiler) setGlobal(i uint32) error {
	envIdx, ok := c.Spaces.Globals.Lookup(i)
	if !ok {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "invalid global index %d", i)
	}
	g := c.Env.Globals[envIdx]
	if !g.Mutable {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "cannot set immutable global %d", i)
	}
	if _, err := c.V.PopExpected(g.Type); err != nil {
		return err
	}
	c.W.AppendU8(api.IstreamOpSetGlobal)
	c.W.AppendU32(envIdx)
	return nil
}

// memOp implements spec.md §4.5's load/store rule: require a memory,
// require alignment_log2 < 32 and 1<<alignment_log2 <= natural alignment,
// pop/push the opcode's operand(s), emit the opcode unchanged plus the
// memory's environment index and the immediate byte offset.
func (c *Compiler) memOp(opcode api.Opcode, imm decoder.Immediate) error {
	if !c.HasMemory {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "memory operation requires a memory")
	}
	if imm.AlignLog2 >= 32 {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "alignment_log2 %d out of range", imm.AlignLog2)
	}
	if uint32(1)<<imm.AlignLog2 > validator.NaturalAlignment(opcode) {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "alignment exceeds natural alignment for opcode 0x%02x", opcode)
	}
	if validator.IsStore(opcode) {
		if _, err := c.V.PopExpected(validator.StoreOperandType(opcode)); err != nil {
			return err
		}
		if _, err := c.V.PopExpected(api.ValueTypeI32); err != nil {
			return err
		}
		c.W.AppendU8(opcode)
		c.W.AppendU32(c.MemoryEnvIndex)
		c.W.AppendU32(imm.Offset)
		return nil
	}
	if _, err := c.V.PopExpected(api.ValueTypeI32); err != nil {
		return err
	}
	c.W.AppendU8(opcode)
	c.W.AppendU32(c.MemoryEnvIndex)
	c.W.AppendU32(imm.Offset)
	c.V.PushValueType(validator.LoadResultType(opcode))
	return nil
}
