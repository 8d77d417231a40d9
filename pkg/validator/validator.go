// Package validator implements the type-checker half of spec.md §4.4: an
// operand type stack carrying a polymorphic "any" sentinel for unreachable
// regions, and a nested control-frame stack enforcing block signatures.
// It holds no istream state — pkg/codegen drives a Validator and an
// istream.Writer together, the coroutine spec.md §1 describes.
package validator

import (
	"github.com/gowasm/istream/pkg/api"
	"github.com/gowasm/istream/pkg/loaderr"
)

// Type is one entry of the operand type stack: either a api.ValueType or
// the polymorphic Any sentinel. Wasm value type bytes (0x7c-0x7f) are all
// positive, so a negative sentinel never collides with a real type.
type Type int16

// Any marks a statically unreachable region: pushes are suppressed, pops
// return Any without shrinking the stack (spec.md §4.4).
const Any Type = -1

// FromValueType lifts a concrete value type onto the operand stack.
func FromValueType(v api.ValueType) Type { return Type(v) }

func (t Type) String() string {
	if t == Any {
		return "any"
	}
	return api.ValueType(t).String()
}

// FrameKind is the control-frame shape.
type FrameKind int

const (
	FrameFunc FrameKind = iota
	FrameBlock
	FrameLoop
	FrameIf
	FrameElse
)

func (k FrameKind) String() string {
	switch k {
	case FrameFunc:
		return "func"
	case FrameBlock:
		return "block"
	case FrameLoop:
		return "loop"
	case FrameIf:
		return "if"
	case FrameElse:
		return "else"
	default:
		return "unknown"
	}
}

// Frame is one control frame, per spec.md §3's Validator state: kind,
// result-type signature, the operand floor at entry, and the two
// kind-specific offset fields the emitter drives (Offset for Loop's
// back-edge target; FixupOffset for If/Else's conditional/
// unconditional jump site).
type Frame struct {
	Kind  FrameKind
	Sig   []api.ValueType // 0 or 1 result type, per current Wasm
	Floor int             // type_stack length at frame entry

	// Offset means: Loop's istream entry offset (resolved immediately);
	// Block/If/Else keep OffsetInvalid, and branches to them are patched
	// through the emitter's depth fixups when the frame ends.
	Offset int64
	// FixupOffset is the istream offset of the conditional/unconditional
	// jump operand awaiting a patch (If/Else only).
	FixupOffset int64
}

// OffsetInvalid marks a Frame.Offset / Frame.FixupOffset not yet known.
const OffsetInvalid int64 = -1

// Arity is the number of values a branch to this frame must carry: 0 for
// Loop (loops have no result on a back-edge), else len(Sig).
func (f *Frame) Arity() int {
	if f.Kind == FrameLoop {
		return 0
	}
	return len(f.Sig)
}

// Validator is the per-function-body type-checker state.
type Validator struct {
	TypeStack []Type
	Labels    []Frame
}

// New returns a Validator with no frames; PushFrame must be called to
// install the implicit Func frame before any operator is validated
// (spec.md §4.6's begin_function_body).
func New() *Validator {
	return &Validator{}
}

// Reset clears all state, reused across function bodies to avoid
// reallocating per function (grounded on the teacher's habit of reusing
// scratch buffers across calls where cheap to do so).
func (v *Validator) Reset() {
	v.TypeStack = v.TypeStack[:0]
	v.Labels = v.Labels[:0]
}

// Top returns the current control frame.
func (v *Validator) Top() *Frame {
	return &v.Labels[len(v.Labels)-1]
}

// Depth is the number of live control frames.
func (v *Validator) Depth() int { return len(v.Labels) }

// PushFrame installs a new control frame, floor defaulting to the current
// operand stack length.
func (v *Validator) PushFrame(kind FrameKind, sig []api.ValueType) *Frame {
	v.Labels = append(v.Labels, Frame{Kind: kind, Sig: sig, Floor: len(v.TypeStack), Offset: OffsetInvalid, FixupOffset: OffsetInvalid})
	return v.Top()
}

// PopFrame removes the current control frame.
func (v *Validator) PopFrame() Frame {
	f := v.Labels[len(v.Labels)-1]
	v.Labels = v.Labels[:len(v.Labels)-1]
	return f
}

// stackTop returns the top entry, or ok=false if the stack is empty.
func (v *Validator) stackTop() (Type, bool) {
	if len(v.TypeStack) == 0 {
		return 0, false
	}
	return v.TypeStack[len(v.TypeStack)-1], true
}

// topIsAny reports whether Any is currently on top of the operand stack.
func (v *Validator) topIsAny() bool {
	t, ok := v.stackTop()
	return ok && t == Any
}

// TopIsAny is the exported form of topIsAny, used by pkg/codegen to decide
// whether a frame fell through only via branches to its implicit label.
func (v *Validator) TopIsAny() bool { return v.topIsAny() }

// Push pushes t, a no-op if Any is on top (sticky polymorphism).
func (v *Validator) Push(t Type) {
	if v.topIsAny() {
		return
	}
	v.TypeStack = append(v.TypeStack, t)
}

// PushValueType is a convenience wrapper around Push.
func (v *Validator) PushValueType(t api.ValueType) { v.Push(FromValueType(t)) }

// Pop pops and returns the top entry, or Any without shrinking if Any is
// on top. Returns a ValidationError on underflow past the current frame's
// floor.
func (v *Validator) Pop() (Type, error) {
	if v.topIsAny() {
		return Any, nil
	}
	floor := v.Top().Floor
	if len(v.TypeStack) <= floor {
		return 0, loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "stack underflow")
	}
	t := v.TypeStack[len(v.TypeStack)-1]
	v.TypeStack = v.TypeStack[:len(v.TypeStack)-1]
	return t, nil
}

// PopExpected pops one value and checks it against expected.
func (v *Validator) PopExpected(expected api.ValueType) (Type, error) {
	actual, err := v.Pop()
	if err != nil {
		return 0, err
	}
	if err := CheckType(FromValueType(expected), actual); err != nil {
		return 0, err
	}
	return actual, nil
}

// CheckType implements spec.md §4.4's check_type: ok if actual is Any or
// expected equals actual.
func CheckType(expected, actual Type) error {
	if actual == Any || expected == actual {
		return nil
	}
	return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation,
		"type mismatch: expected %s, got %s", expected, actual)
}

// ResetToFloor truncates the operand stack to the current frame's floor.
func (v *Validator) ResetToFloor() {
	v.TypeStack = v.TypeStack[:v.Top().Floor]
}

// MarkUnreachable implements the shared tail of unreachable/return/br/
// br_table: reset to floor and push the Any sentinel.
func (v *Validator) MarkUnreachable() {
	v.ResetToFloor()
	v.Push(Any)
}

// CheckSignatureOnTop verifies that the frame's result signature sits on
// top of the operand stack, both in types (reverse order check, top of
// stack is the *last* signature element) and in exact excess count over
// the floor — used by end and else (including the function body's final
// end); branches and return check their payload with PeekTopTypes.
func (v *Validator) CheckSignatureOnTop(sig []api.ValueType) error {
	if v.topIsAny() {
		return nil
	}
	have := len(v.TypeStack) - v.Top().Floor
	if have != len(sig) {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation,
			"expected %d value(s) on the stack, found %d", len(sig), have)
	}
	base := len(v.TypeStack) - len(sig)
	for i, want := range sig {
		got := v.TypeStack[base+i]
		if err := CheckType(FromValueType(want), got); err != nil {
			return err
		}
	}
	return nil
}

// Excess is the number of operand-stack entries above the current frame's
// floor, used by the emitter to size drop/keep sequences. It is undefined
// (and unused) while Any sits on top, since the actual runtime depth is
// not statically knowable in that case — callers compute drop/keep against
// the *target* frame's floor using len(TypeStack), which remains valid
// even under Any (spec.md §4.5's br/br_if/br_table/return lowering).
func (v *Validator) Excess() int {
	return len(v.TypeStack) - v.Top().Floor
}

// PeekTopTypes returns the top n operand types without popping them, used
// by br/br_if/br_table to check a branch target's signature sits on top
// without disturbing the stack (spec.md §4.5). Returns anyOnTop=true (and
// no error) when Any is on top, since any payload shape is then acceptable;
// returns a ValidationError when fewer than n entries sit above the
// current frame's floor.
func (v *Validator) PeekTopTypes(n int) (types []Type, anyOnTop bool, err error) {
	if v.topIsAny() {
		return nil, true, nil
	}
	if len(v.TypeStack)-v.Top().Floor < n {
		return nil, false, loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "stack underflow")
	}
	return v.TypeStack[len(v.TypeStack)-n:], false, nil
}

// FrameAt returns the control frame at depth-from-bottom index idx.
func (v *Validator) FrameAt(idx int) *Frame { return &v.Labels[idx] }

// TranslateDepth converts a Wasm "levels up from current" branch depth
// into a bottom-up frame index (spec.md §4.5's br lowering).
func (v *Validator) TranslateDepth(depth uint32) (int, error) {
	idx := len(v.Labels) - 1 - int(depth)
	if idx < 0 {
		return 0, loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "invalid branch depth %d", depth)
	}
	return idx, nil
}
