// Package codegen implements the Code Emitter, spec.md §4.5-§4.7: it
// drives a validator.Validator and an istream.Writer together as the
// coroutine spec.md §1 describes, lowering each validated operator to the
// flat istream and synthesizing drop/keep sequences around branches and
// returns.
package codegen

import (
	"github.com/gowasm/istream/pkg/api"
	"github.com/gowasm/istream/pkg/environment"
	"github.com/gowasm/istream/pkg/indexspace"
	"github.com/gowasm/istream/pkg/istream"
	"github.com/gowasm/istream/pkg/loaderr"
	"github.com/gowasm/istream/pkg/validator"
)

// Shared is state threaded across every function body compiled for one
// module load: the environment being appended to, this load's index
// maps, the istream writer, and the per-defined-function call fixups.
type Shared struct {
	Env    *environment.Environment
	Spaces *indexspace.Spaces
	W      *istream.Writer
	Calls  *FuncFixups

	HasTable       bool
	TableEnvIndex  api.Index
	HasMemory      bool
	MemoryEnvIndex api.Index
}

// Compiler is the per-function-body state: the validator half and the
// emitter half advancing together. One Compiler is reused across all of a
// module's function bodies (Reset between them), mirroring the teacher's
// habit of reusing scratch state across calls.
type Compiler struct {
	*Shared
	V      *validator.Validator
	Depths depthFixups

	DefinedIndex uint32
	Func         *environment.Function
	Sig          *environment.Signature
}

// NewCompiler allocates a Compiler bound to shared, reused across function
// bodies via Begin.
func NewCompiler(shared *Shared) *Compiler {
	return &Compiler{Shared: shared, V: validator.New()}
}

// Begin implements spec.md §4.6's begin_function_body: record the entry
// offset, resolve pending call fixups targeting this function, reset
// per-function state, push the signature's params, and install the
// implicit Func frame.
func (c *Compiler) Begin(definedIndex uint32, fn *environment.Function, sig *environment.Signature) {
	fn.EntryOffset = c.W.CurrentOffset()
	for _, off := range c.Calls.Drain(definedIndex) {
		c.W.WriteI64At(off, fn.EntryOffset)
	}

	c.DefinedIndex = definedIndex
	c.Func = fn
	c.Sig = sig

	c.V.Reset()
	c.Depths.reset()

	fn.LocalTypes = append(fn.LocalTypes[:0], sig.Params...)
	for _, p := range sig.Params {
		c.V.PushValueType(p)
	}
	c.V.PushFrame(validator.FrameFunc, sig.Results)
	c.Depths.push()
}

// AddLocalDecl implements one on_local_decl callback of spec.md §4.6:
// append count copies of valType to the function's local-type list and
// push count copies onto the operand stack.
func (c *Compiler) AddLocalDecl(count uint32, valType api.ValueType) {
	for i := uint32(0); i < count; i++ {
		c.Func.LocalTypes = append(c.Func.LocalTypes, valType)
		c.V.PushValueType(valType)
	}
	c.Func.NumLocals += count
}

// FinishLocalDecls is called once after the last on_local_decl: emits
// ALLOCA<total_local_count> and raises the Func frame's floor so user
// operand pushes do not see the local slots as poppable.
func (c *Compiler) FinishLocalDecls() {
	c.W.AppendU8(api.IstreamOpAlloca)
	c.W.AppendU32(c.Func.NumLocals)
	c.V.Top().Floor += int(c.Func.NumLocals)
}

// End implements spec.md §4.6's end_function_body.
func (c *Compiler) End() error {
	frame := c.V.Top()
	if frame.Kind != validator.FrameFunc {
		return loaderr.New(loaderr.PhaseCodegen, loaderr.KindValidation, "function body ended inside an open block/loop/if")
	}
	if err := c.V.CheckSignatureOnTop(c.Sig.Results); err != nil {
		return err
	}
	c.fixupTopLabel()

	if c.V.TopIsAny() {
		c.V.ResetToFloor()
		for _, r := range c.Sig.Results {
			c.V.PushValueType(r)
		}
	}

	c.emitDropKeep(frame.Floor, len(c.Sig.Results))
	c.W.AppendU8(api.IstreamOpReturn)
	c.V.PopFrame()
	c.Depths.popSlot()
	return nil
}

// fixupTopLabel patches every pending depth-fixup entry for the current
// frame to the current istream offset — this resolves forward `br`s that
// targeted this block (spec.md §4.5's `end`, §4.7). The slot itself is
// left in place; the caller pops it via c.Depths.popSlot() once the
// matching validator frame is popped.
func (c *Compiler) fixupTopLabel() {
	c.Depths.patchTop(c.W, c.W.CurrentOffset())
}

// emitDropKeep emits spec.md's generic drop/keep sequence: drop
// (len(TypeStack) - floor - keep) values, keeping the top keep values. A
// zero drop count is a no-op (the operands are already positioned
// correctly).
func (c *Compiler) emitDropKeep(floor int, keep int) {
	drop := len(c.V.TypeStack) - floor - keep
	if drop <= 0 {
		return
	}
	c.W.AppendU8(api.IstreamOpDropKeep)
	c.W.AppendU32(uint32(drop))
	c.W.Append(byte(keep))
}
