// Package vm is a minimal istream interpreter: a stack machine that
// executes the flat bytecode pkg/codegen emits, used to exercise the
// loader end-to-end in tests (spec.md §8's round-trip scenarios). It sits
// outside the core loader/validator/codegen scope spec.md §1 draws, the
// way the teacher's internal/engine/interpreter sits behind the
// wasm.Engine interface rather than inside compilation.
//
// Local/global addressing, call framing, and the br_table inline-table
// layout mirror pkg/codegen/ops.go exactly; changing one without the
// other desyncs compiler and interpreter silently.
package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/gowasm/istream/pkg/api"
	"github.com/gowasm/istream/pkg/environment"
)

// callStackCeiling bounds call nesting depth, mirroring the teacher's
// callStackCeiling guard against runaway recursion.
const callStackCeiling = 2048

// brTableEntrySize must match pkg/codegen's brTableEntrySize.
const brTableEntrySize = 8 + 4 + 1

// Trap is a runtime fault: the call unwinds immediately and reports Kind.
type Trap struct {
	Kind string
}

func (t *Trap) Error() string { return "wasm trap: " + t.Kind }

func trap(kind string) error { return &Trap{Kind: kind} }

var (
	// ErrUnreachable is returned when an unreachable operator executes.
	ErrUnreachable = trap("unreachable executed")
	// ErrIntegerDivideByZero is returned by div_s/div_u/rem_s/rem_u on a
	// zero divisor.
	ErrIntegerDivideByZero = trap("integer divide by zero")
	// ErrIntegerOverflow is returned by i32/i64 div_s on MinInt/-1.
	ErrIntegerOverflow = trap("integer overflow")
	// ErrOutOfBoundsMemoryAccess is returned by a load/store whose
	// effective address range falls outside the memory's current size.
	ErrOutOfBoundsMemoryAccess = trap("out of bounds memory access")
	// ErrUninitializedElement is returned by call_indirect through an
	// empty table slot.
	ErrUninitializedElement = trap("uninitialized element")
	// ErrIndirectCallIndexOutOfBounds is returned by call_indirect with a
	// table index past the table's length.
	ErrIndirectCallIndexOutOfBounds = trap("undefined element index")
	// ErrIndirectCallTypeMismatch is returned by call_indirect whose table
	// slot's function does not match the declared signature.
	ErrIndirectCallTypeMismatch = trap("indirect call type mismatch")
	// ErrCallStackOverflow is returned once nesting passes
	// callStackCeiling.
	ErrCallStackOverflow = trap("call stack exhausted")
)

type frame struct {
	pc          int64
	base        int // stack index below this call's params/locals
	resultCount int
}

// Machine executes one call to completion against a shared Environment;
// the istream within one function is linear, so a single flat stack plus
// a frame stack (for call/return bookkeeping) is enough — no separate
// per-frame locals array, per pkg/codegen's depth-from-top addressing.
type Machine struct {
	env        *environment.Environment
	stack      []uint64
	frames     []*frame
	byOffset   map[int64]*environment.Function
}

// New returns a Machine bound to env, ready for repeated Call invocations.
func New(env *environment.Environment) *Machine {
	m := &Machine{env: env, byOffset: map[int64]*environment.Function{}}
	for _, fn := range env.Functions {
		if !fn.IsHost {
			m.byOffset[fn.EntryOffset] = fn
		}
	}
	return m
}

// Call invokes fn (host or defined) with args and runs it to completion.
func (m *Machine) Call(fn *environment.Function, args []uint64) ([]uint64, error) {
	if fn.IsHost {
		return fn.Invoke(args)
	}
	m.stack = append(m.stack[:0], args...)
	m.frames = m.frames[:0]
	sig := m.env.Signatures[fn.SignatureIndex]
	m.frames = append(m.frames, &frame{pc: fn.EntryOffset, base: 0, resultCount: len(sig.Results)})
	return m.run()
}

func (m *Machine) push(v uint64) { m.stack = append(m.stack, v) }

func (m *Machine) pop() uint64 {
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v
}

func (m *Machine) dropKeep(drop, keep int) {
	if drop == 0 {
		return
	}
	top := len(m.stack)
	kept := append([]uint64(nil), m.stack[top-keep:]...)
	m.stack = append(m.stack[:top-keep-drop], kept...)
}

func (m *Machine) readU8(f *frame) byte {
	b := m.env.Istream[f.pc]
	f.pc++
	return b
}

func (m *Machine) readU32(f *frame) uint32 {
	v := binary.LittleEndian.Uint32(m.env.Istream[f.pc:])
	f.pc += 4
	return v
}

func (m *Machine) readU64(f *frame) uint64 {
	v := binary.LittleEndian.Uint64(m.env.Istream[f.pc:])
	f.pc += 8
	return v
}

func (m *Machine) readI64(f *frame) int64 { return int64(m.readU64(f)) }

func (m *Machine) readI64At(off int64) int64 {
	return int64(binary.LittleEndian.Uint64(m.env.Istream[off:]))
}

func (m *Machine) readU32At(off int64) uint32 {
	return binary.LittleEndian.Uint32(m.env.Istream[off:])
}

// run executes frames until the outermost one returns.
func (m *Machine) run() ([]uint64, error) {
	for {
		f := m.frames[len(m.frames)-1]
		op := m.readU8(f)

		switch op {
		case api.IstreamOpAlloca:
			n := m.readU32(f)
			for i := uint32(0); i < n; i++ {
				m.push(0)
			}

		case api.IstreamOpDrop:
			m.pop()

		case api.IstreamOpDropKeep:
			drop := int(m.readU32(f))
			keep := int(m.readU8(f))
			m.dropKeep(drop, keep)

		case api.IstreamOpSelect:
			c := m.pop()
			b := m.pop()
			a := m.pop()
			if c != 0 {
				m.push(a)
			} else {
				m.push(b)
			}

		case api.IstreamOpBr:
			f.pc = m.readI64(f)

		case api.IstreamOpBrUnless:
			target := m.readI64(f)
			if m.pop() == 0 {
				f.pc = target
			}

		case api.IstreamOpBrTable:
			count := m.readU32(f)
			tableOffset := int64(m.readU32(f))
			idx := uint32(m.pop())
			if idx >= count {
				idx = count
			}
			entry := tableOffset + int64(idx)*brTableEntrySize
			target := m.readI64At(entry)
			drop := int(m.readU32At(entry + 8))
			keep := int(m.env.Istream[entry+12])
			m.dropKeep(drop, keep)
			f.pc = target

		case api.IstreamOpReturn:
			results := append([]uint64(nil), m.stack[len(m.stack)-f.resultCount:]...)
			m.stack = append(m.stack[:f.base], results...)
			m.frames = m.frames[:len(m.frames)-1]
			if len(m.frames) == 0 {
				return results, nil
			}

		case api.IstreamOpUnreachable:
			return nil, ErrUnreachable

		case api.IstreamOpCall:
			target := m.readI64(f)
			callee := m.byOffset[target]
			sig := m.env.Signatures[callee.SignatureIndex]
			if err := m.pushCallFrame(callee, sig); err != nil {
				return nil, err
			}

		case api.IstreamOpCallHost:
			envIdx := m.readU32(f)
			callee := m.env.Functions[envIdx]
			sig := m.env.Signatures[callee.SignatureIndex]
			args := append([]uint64(nil), m.stack[len(m.stack)-len(sig.Params):]...)
			m.stack = m.stack[:len(m.stack)-len(sig.Params)]
			results, err := callee.Invoke(args)
			if err != nil {
				return nil, err
			}
			for _, r := range results {
				m.push(r)
			}

		case api.IstreamOpCallIndirect:
			tableEnvIdx := m.readU32(f)
			sigEnvIdx := m.readU32(f)
			table := m.env.Tables[tableEnvIdx]
			tblIdx := uint32(m.pop())
			if tblIdx >= uint32(len(table.Elements)) {
				return nil, ErrIndirectCallIndexOutOfBounds
			}
			calleeEnvIdx := table.Elements[tblIdx]
			if calleeEnvIdx == api.InvalidIndex {
				return nil, ErrUninitializedElement
			}
			callee := m.env.Functions[calleeEnvIdx]
			wantSig := m.env.Signatures[sigEnvIdx]
			gotSig := m.env.Signatures[callee.SignatureIndex]
			if !wantSig.Equal(gotSig) {
				return nil, ErrIndirectCallTypeMismatch
			}
			if callee.IsHost {
				args := append([]uint64(nil), m.stack[len(m.stack)-len(gotSig.Params):]...)
				m.stack = m.stack[:len(m.stack)-len(gotSig.Params)]
				results, err := callee.Invoke(args)
				if err != nil {
					return nil, err
				}
				for _, r := range results {
					m.push(r)
				}
			} else if err := m.pushCallFrame(callee, gotSig); err != nil {
				return nil, err
			}

		case api.IstreamOpGetLocal:
			depth := m.readU32(f)
			m.push(m.stack[len(m.stack)-int(depth)])

		case api.IstreamOpSetLocal:
			depth := m.readU32(f)
			pos := len(m.stack) - int(depth)
			m.stack[pos] = m.pop()

		case api.IstreamOpTeeLocal:
			depth := m.readU32(f)
			pos := len(m.stack) - int(depth)
			m.stack[pos] = m.stack[len(m.stack)-1]

		case api.IstreamOpGetGlobal:
			envIdx := m.readU32(f)
			m.push(m.env.Globals[envIdx].Value)

		case api.IstreamOpSetGlobal:
			envIdx := m.readU32(f)
			m.env.Globals[envIdx].Value = m.pop()

		case api.IstreamOpCurrentMemory:
			envIdx := m.readU32(f)
			m.push(uint64(m.env.Memories[envIdx].PageCount()))

		case api.IstreamOpGrowMemory:
			envIdx := m.readU32(f)
			delta := uint32(m.pop())
			prev, ok := m.env.Memories[envIdx].Grow(delta)
			if !ok {
				m.push(uint64(uint32(0xffffffff)))
			} else {
				m.push(uint64(prev))
			}

		default:
			if err := m.numericOrMemOp(f, op); err != nil {
				return nil, err
			}
		}
	}
}

func (m *Machine) pushCallFrame(callee *environment.Function, sig *environment.Signature) error {
	if len(m.frames) >= callStackCeiling {
		return ErrCallStackOverflow
	}
	base := len(m.stack) - len(sig.Params)
	m.frames = append(m.frames, &frame{pc: callee.EntryOffset, base: base, resultCount: len(sig.Results)})
	return nil
}

// numericOrMemOp dispatches every raw source Opcode emitted verbatim by
// the code emitter: *.const, arithmetic/comparison/conversion, and
// load/store (spec.md §6's "carried over unchanged" rule).
func (m *Machine) numericOrMemOp(f *frame, op byte) error {
	opcode := api.Opcode(op)
	switch opcode {
	case api.OpcodeI32Const:
		m.push(uint64(m.readU32(f)))
		return nil
	case api.OpcodeI64Const:
		m.push(m.readU64(f))
		return nil
	case api.OpcodeF32Const:
		m.push(uint64(m.readU32(f)))
		return nil
	case api.OpcodeF64Const:
		m.push(m.readU64(f))
		return nil
	}

	if isLoadOpcode(opcode) || isStoreOpcode(opcode) {
		return m.memOp(f, opcode)
	}
	return m.numericOp(opcode)
}

func isLoadOpcode(o api.Opcode) bool {
	return o >= api.OpcodeI32Load && o <= api.OpcodeI64Load32U
}

func isStoreOpcode(o api.Opcode) bool {
	return o >= api.OpcodeI32Store && o <= api.OpcodeI64Store32
}

func (m *Machine) memOp(f *frame, opcode api.Opcode) error {
	envIdx := m.readU32(f)
	offset := m.readU32(f)
	mem := m.env.Memories[envIdx]

	if isStoreOpcode(opcode) {
		v := m.pop()
		base := uint32(m.pop())
		switch opcode {
		case api.OpcodeI32Store, api.OpcodeI64Store32:
			return m.writeN(mem, base, offset, uint32(v), 4)
		case api.OpcodeI32Store8, api.OpcodeI64Store8:
			return m.writeN(mem, base, offset, uint32(v), 1)
		case api.OpcodeI32Store16, api.OpcodeI64Store16:
			return m.writeN(mem, base, offset, uint32(v), 2)
		case api.OpcodeI64Store:
			return m.writeN64(mem, base, offset, v)
		case api.OpcodeF32Store:
			return m.writeN(mem, base, offset, uint32(v), 4)
		case api.OpcodeF64Store:
			return m.writeN64(mem, base, offset, v)
		}
		return fmt.Errorf("unhandled store opcode 0x%02x", byte(opcode))
	}

	base := uint32(m.pop())
	switch opcode {
	case api.OpcodeI32Load:
		v, err := m.readN(mem, base, offset, 4)
		if err != nil {
			return err
		}
		m.push(uint64(v))
	case api.OpcodeI32Load8S:
		v, err := m.readN(mem, base, offset, 1)
		if err != nil {
			return err
		}
		m.push(uint64(uint32(int32(int8(v)))))
	case api.OpcodeI32Load8U:
		v, err := m.readN(mem, base, offset, 1)
		if err != nil {
			return err
		}
		m.push(uint64(v))
	case api.OpcodeI32Load16S:
		v, err := m.readN(mem, base, offset, 2)
		if err != nil {
			return err
		}
		m.push(uint64(uint32(int32(int16(v)))))
	case api.OpcodeI32Load16U:
		v, err := m.readN(mem, base, offset, 2)
		if err != nil {
			return err
		}
		m.push(uint64(v))
	case api.OpcodeI64Load:
		v, err := m.readN64(mem, base, offset)
		if err != nil {
			return err
		}
		m.push(v)
	case api.OpcodeI64Load8S:
		v, err := m.readN(mem, base, offset, 1)
		if err != nil {
			return err
		}
		m.push(uint64(int64(int8(v))))
	case api.OpcodeI64Load8U:
		v, err := m.readN(mem, base, offset, 1)
		if err != nil {
			return err
		}
		m.push(uint64(v))
	case api.OpcodeI64Load16S:
		v, err := m.readN(mem, base, offset, 2)
		if err != nil {
			return err
		}
		m.push(uint64(int64(int16(v))))
	case api.OpcodeI64Load16U:
		v, err := m.readN(mem, base, offset, 2)
		if err != nil {
			return err
		}
		m.push(uint64(v))
	case api.OpcodeI64Load32S:
		v, err := m.readN(mem, base, offset, 4)
		if err != nil {
			return err
		}
		m.push(uint64(int64(int32(v))))
	case api.OpcodeI64Load32U:
		v, err := m.readN(mem, base, offset, 4)
		if err != nil {
			return err
		}
		m.push(uint64(v))
	case api.OpcodeF32Load:
		v, err := m.readN(mem, base, offset, 4)
		if err != nil {
			return err
		}
		m.push(uint64(v))
	case api.OpcodeF64Load:
		v, err := m.readN64(mem, base, offset)
		if err != nil {
			return err
		}
		m.push(v)
	default:
		return fmt.Errorf("unhandled load opcode 0x%02x", byte(opcode))
	}
	return nil
}

func effectiveAddr(base, offset uint32, width int, memLen int) (int, error) {
	addr := uint64(base) + uint64(offset)
	if addr+uint64(width) > uint64(memLen) {
		return 0, ErrOutOfBoundsMemoryAccess
	}
	return int(addr), nil
}

func (m *Machine) readN(mem *environment.Memory, base, offset uint32, width int) (uint32, error) {
	addr, err := effectiveAddr(base, offset, width, len(mem.Buffer))
	if err != nil {
		return 0, err
	}
	var v uint32
	for i := 0; i < width; i++ {
		v |= uint32(mem.Buffer[addr+i]) << (8 * i)
	}
	return v, nil
}

func (m *Machine) readN64(mem *environment.Memory, base, offset uint32) (uint64, error) {
	addr, err := effectiveAddr(base, offset, 8, len(mem.Buffer))
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem.Buffer[addr:]), nil
}

func (m *Machine) writeN(mem *environment.Memory, base, offset uint32, v uint32, width int) error {
	addr, err := effectiveAddr(base, offset, width, len(mem.Buffer))
	if err != nil {
		return err
	}
	for i := 0; i < width; i++ {
		mem.Buffer[addr+i] = byte(v >> (8 * i))
	}
	return nil
}

func (m *Machine) writeN64(mem *environment.Memory, base, offset uint32, v uint64) error {
	addr, err := effectiveAddr(base, offset, 8, len(mem.Buffer))
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem.Buffer[addr:], v)
	return nil
}

// numericOp executes every fixed-arity arithmetic/comparison/conversion
// opcode validator.OperatorSignatures type-checks at compile time.
func (m *Machine) numericOp(opcode api.Opcode) error {
	switch opcode {
	// i32 comparisons
	case api.OpcodeI32Eqz:
		m.push(b2u(uint32(m.pop()) == 0))
	case api.OpcodeI32Eq:
		b, a := uint32(m.pop()), uint32(m.pop())
		m.push(b2u(a == b))
	case api.OpcodeI32Ne:
		b, a := uint32(m.pop()), uint32(m.pop())
		m.push(b2u(a != b))
	case api.OpcodeI32LtS:
		b, a := int32(m.pop()), int32(m.pop())
		m.push(b2u(a < b))
	case api.OpcodeI32LtU:
		b, a := uint32(m.pop()), uint32(m.pop())
		m.push(b2u(a < b))
	case api.OpcodeI32GtS:
		b, a := int32(m.pop()), int32(m.pop())
		m.push(b2u(a > b))
	case api.OpcodeI32GtU:
		b, a := uint32(m.pop()), uint32(m.pop())
		m.push(b2u(a > b))
	case api.OpcodeI32LeS:
		b, a := int32(m.pop()), int32(m.pop())
		m.push(b2u(a <= b))
	case api.OpcodeI32LeU:
		b, a := uint32(m.pop()), uint32(m.pop())
		m.push(b2u(a <= b))
	case api.OpcodeI32GeS:
		b, a := int32(m.pop()), int32(m.pop())
		m.push(b2u(a >= b))
	case api.OpcodeI32GeU:
		b, a := uint32(m.pop()), uint32(m.pop())
		m.push(b2u(a >= b))

	// i64 comparisons
	case api.OpcodeI64Eqz:
		m.push(b2u(m.pop() == 0))
	case api.OpcodeI64Eq:
		b, a := m.pop(), m.pop()
		m.push(b2u(a == b))
	case api.OpcodeI64Ne:
		b, a := m.pop(), m.pop()
		m.push(b2u(a != b))
	case api.OpcodeI64LtS:
		b, a := int64(m.pop()), int64(m.pop())
		m.push(b2u(a < b))
	case api.OpcodeI64LtU:
		b, a := m.pop(), m.pop()
		m.push(b2u(a < b))
	case api.OpcodeI64GtS:
		b, a := int64(m.pop()), int64(m.pop())
		m.push(b2u(a > b))
	case api.OpcodeI64GtU:
		b, a := m.pop(), m.pop()
		m.push(b2u(a > b))
	case api.OpcodeI64LeS:
		b, a := int64(m.pop()), int64(m.pop())
		m.push(b2u(a <= b))
	case api.OpcodeI64LeU:
		b, a := m.pop(), m.pop()
		m.push(b2u(a <= b))
	case api.OpcodeI64GeS:
		b, a := int64(m.pop()), int64(m.pop())
		m.push(b2u(a >= b))
	case api.OpcodeI64GeU:
		b, a := m.pop(), m.pop()
		m.push(b2u(a >= b))

	// f32/f64 comparisons
	case api.OpcodeF32Eq:
		b, a := m.popF32(), m.popF32()
		m.push(b2u(a == b))
	case api.OpcodeF32Ne:
		b, a := m.popF32(), m.popF32()
		m.push(b2u(a != b))
	case api.OpcodeF32Lt:
		b, a := m.popF32(), m.popF32()
		m.push(b2u(a < b))
	case api.OpcodeF32Gt:
		b, a := m.popF32(), m.popF32()
		m.push(b2u(a > b))
	case api.OpcodeF32Le:
		b, a := m.popF32(), m.popF32()
		m.push(b2u(a <= b))
	case api.OpcodeF32Ge:
		b, a := m.popF32(), m.popF32()
		m.push(b2u(a >= b))
	case api.OpcodeF64Eq:
		b, a := m.popF64(), m.popF64()
		m.push(b2u(a == b))
	case api.OpcodeF64Ne:
		b, a := m.popF64(), m.popF64()
		m.push(b2u(a != b))
	case api.OpcodeF64Lt:
		b, a := m.popF64(), m.popF64()
		m.push(b2u(a < b))
	case api.OpcodeF64Gt:
		b, a := m.popF64(), m.popF64()
		m.push(b2u(a > b))
	case api.OpcodeF64Le:
		b, a := m.popF64(), m.popF64()
		m.push(b2u(a <= b))
	case api.OpcodeF64Ge:
		b, a := m.popF64(), m.popF64()
		m.push(b2u(a >= b))

	// i32 arithmetic/bitwise
	case api.OpcodeI32Clz:
		m.push(uint64(bits.LeadingZeros32(uint32(m.pop()))))
	case api.OpcodeI32Ctz:
		m.push(uint64(bits.TrailingZeros32(uint32(m.pop()))))
	case api.OpcodeI32Popcnt:
		m.push(uint64(bits.OnesCount32(uint32(m.pop()))))
	case api.OpcodeI32Add:
		b, a := uint32(m.pop()), uint32(m.pop())
		m.push(uint64(a + b))
	case api.OpcodeI32Sub:
		b, a := uint32(m.pop()), uint32(m.pop())
		m.push(uint64(a - b))
	case api.OpcodeI32Mul:
		b, a := uint32(m.pop()), uint32(m.pop())
		m.push(uint64(a * b))
	case api.OpcodeI32DivS:
		b, a := int32(m.pop()), int32(m.pop())
		if b == 0 {
			return ErrIntegerDivideByZero
		}
		if a == math.MinInt32 && b == -1 {
			return ErrIntegerOverflow
		}
		m.push(uint64(uint32(a / b)))
	case api.OpcodeI32DivU:
		b, a := uint32(m.pop()), uint32(m.pop())
		if b == 0 {
			return ErrIntegerDivideByZero
		}
		m.push(uint64(a / b))
	case api.OpcodeI32RemS:
		b, a := int32(m.pop()), int32(m.pop())
		if b == 0 {
			return ErrIntegerDivideByZero
		}
		m.push(uint64(uint32(a % b)))
	case api.OpcodeI32RemU:
		b, a := uint32(m.pop()), uint32(m.pop())
		if b == 0 {
			return ErrIntegerDivideByZero
		}
		m.push(uint64(a % b))
	case api.OpcodeI32And:
		b, a := uint32(m.pop()), uint32(m.pop())
		m.push(uint64(a & b))
	case api.OpcodeI32Or:
		b, a := uint32(m.pop()), uint32(m.pop())
		m.push(uint64(a | b))
	case api.OpcodeI32Xor:
		b, a := uint32(m.pop()), uint32(m.pop())
		m.push(uint64(a ^ b))
	case api.OpcodeI32Shl:
		b, a := uint32(m.pop()), uint32(m.pop())
		m.push(uint64(a << (b % 32)))
	case api.OpcodeI32ShrS:
		b, a := uint32(m.pop()), int32(m.pop())
		m.push(uint64(uint32(a >> (b % 32))))
	case api.OpcodeI32ShrU:
		b, a := uint32(m.pop()), uint32(m.pop())
		m.push(uint64(a >> (b % 32)))
	case api.OpcodeI32Rotl:
		b, a := uint32(m.pop()), uint32(m.pop())
		m.push(uint64(bits.RotateLeft32(a, int(b))))
	case api.OpcodeI32Rotr:
		b, a := uint32(m.pop()), uint32(m.pop())
		m.push(uint64(bits.RotateLeft32(a, -int(b))))

	// i64 arithmetic/bitwise
	case api.OpcodeI64Clz:
		m.push(uint64(bits.LeadingZeros64(m.pop())))
	case api.OpcodeI64Ctz:
		m.push(uint64(bits.TrailingZeros64(m.pop())))
	case api.OpcodeI64Popcnt:
		m.push(uint64(bits.OnesCount64(m.pop())))
	case api.OpcodeI64Add:
		b, a := m.pop(), m.pop()
		m.push(a + b)
	case api.OpcodeI64Sub:
		b, a := m.pop(), m.pop()
		m.push(a - b)
	case api.OpcodeI64Mul:
		b, a := m.pop(), m.pop()
		m.push(a * b)
	case api.OpcodeI64DivS:
		b, a := int64(m.pop()), int64(m.pop())
		if b == 0 {
			return ErrIntegerDivideByZero
		}
		if a == math.MinInt64 && b == -1 {
			return ErrIntegerOverflow
		}
		m.push(uint64(a / b))
	case api.OpcodeI64DivU:
		b, a := m.pop(), m.pop()
		if b == 0 {
			return ErrIntegerDivideByZero
		}
		m.push(a / b)
	case api.OpcodeI64RemS:
		b, a := int64(m.pop()), int64(m.pop())
		if b == 0 {
			return ErrIntegerDivideByZero
		}
		m.push(uint64(a % b))
	case api.OpcodeI64RemU:
		b, a := m.pop(), m.pop()
		if b == 0 {
			return ErrIntegerDivideByZero
		}
		m.push(a % b)
	case api.OpcodeI64And:
		b, a := m.pop(), m.pop()
		m.push(a & b)
	case api.OpcodeI64Or:
		b, a := m.pop(), m.pop()
		m.push(a | b)
	case api.OpcodeI64Xor:
		b, a := m.pop(), m.pop()
		m.push(a ^ b)
	case api.OpcodeI64Shl:
		b, a := m.pop(), m.pop()
		m.push(a << (b % 64))
	case api.OpcodeI64ShrS:
		b, a := m.pop(), int64(m.pop())
		m.push(uint64(a >> (b % 64)))
	case api.OpcodeI64ShrU:
		b, a := m.pop(), m.pop()
		m.push(a >> (b % 64))
	case api.OpcodeI64Rotl:
		b, a := m.pop(), m.pop()
		m.push(bits.RotateLeft64(a, int(b)))
	case api.OpcodeI64Rotr:
		b, a := m.pop(), m.pop()
		m.push(bits.RotateLeft64(a, -int(b)))

	// f32 arithmetic
	case api.OpcodeF32Abs:
		m.pushF32(float32(math.Abs(float64(m.popF32()))))
	case api.OpcodeF32Neg:
		m.pushF32(-m.popF32())
	case api.OpcodeF32Ceil:
		m.pushF32(float32(math.Ceil(float64(m.popF32()))))
	case api.OpcodeF32Floor:
		m.pushF32(float32(math.Floor(float64(m.popF32()))))
	case api.OpcodeF32Trunc:
		m.pushF32(float32(math.Trunc(float64(m.popF32()))))
	case api.OpcodeF32Nearest:
		m.pushF32(float32(math.RoundToEven(float64(m.popF32()))))
	case api.OpcodeF32Sqrt:
		m.pushF32(float32(math.Sqrt(float64(m.popF32()))))
	case api.OpcodeF32Add:
		b, a := m.popF32(), m.popF32()
		m.pushF32(a + b)
	case api.OpcodeF32Sub:
		b, a := m.popF32(), m.popF32()
		m.pushF32(a - b)
	case api.OpcodeF32Mul:
		b, a := m.popF32(), m.popF32()
		m.pushF32(a * b)
	case api.OpcodeF32Div:
		b, a := m.popF32(), m.popF32()
		m.pushF32(a / b)
	case api.OpcodeF32Min:
		b, a := m.popF32(), m.popF32()
		m.pushF32(float32(wasmMin(float64(a), float64(b))))
	case api.OpcodeF32Max:
		b, a := m.popF32(), m.popF32()
		m.pushF32(float32(wasmMax(float64(a), float64(b))))
	case api.OpcodeF32Copysign:
		b, a := m.popF32(), m.popF32()
		m.pushF32(float32(math.Copysign(float64(a), float64(b))))

	// f64 arithmetic
	case api.OpcodeF64Abs:
		m.pushF64(math.Abs(m.popF64()))
	case api.OpcodeF64Neg:
		m.pushF64(-m.popF64())
	case api.OpcodeF64Ceil:
		m.pushF64(math.Ceil(m.popF64()))
	case api.OpcodeF64Floor:
		m.pushF64(math.Floor(m.popF64()))
	case api.OpcodeF64Trunc:
		m.pushF64(math.Trunc(m.popF64()))
	case api.OpcodeF64Nearest:
		m.pushF64(math.RoundToEven(m.popF64()))
	case api.OpcodeF64Sqrt:
		m.pushF64(math.Sqrt(m.popF64()))
	case api.OpcodeF64Add:
		b, a := m.popF64(), m.popF64()
		m.pushF64(a + b)
	case api.OpcodeF64Sub:
		b, a := m.popF64(), m.popF64()
		m.pushF64(a - b)
	case api.OpcodeF64Mul:
		b, a := m.popF64(), m.popF64()
		m.pushF64(a * b)
	case api.OpcodeF64Div:
		b, a := m.popF64(), m.popF64()
		m.pushF64(a / b)
	case api.OpcodeF64Min:
		b, a := m.popF64(), m.popF64()
		m.pushF64(wasmMin(a, b))
	case api.OpcodeF64Max:
		b, a := m.popF64(), m.popF64()
		m.pushF64(wasmMax(a, b))
	case api.OpcodeF64Copysign:
		b, a := m.popF64(), m.popF64()
		m.pushF64(math.Copysign(a, b))

	// conversions
	case api.OpcodeI32WrapI64:
		m.push(uint64(uint32(m.pop())))
	case api.OpcodeI64ExtendSI32:
		m.push(uint64(int64(int32(m.pop()))))
	case api.OpcodeI64ExtendUI32:
		m.push(uint64(uint32(m.pop())))
	case api.OpcodeI32TruncSF32:
		m.push(uint64(uint32(int32(m.popF32()))))
	case api.OpcodeI32TruncUF32:
		m.push(uint64(uint32(m.popF32())))
	case api.OpcodeI32TruncSF64:
		m.push(uint64(uint32(int32(m.popF64()))))
	case api.OpcodeI32TruncUF64:
		m.push(uint64(uint32(m.popF64())))
	case api.OpcodeI64TruncSF32:
		m.push(uint64(int64(m.popF32())))
	case api.OpcodeI64TruncUF32:
		m.push(uint64(m.popF32()))
	case api.OpcodeI64TruncSF64:
		m.push(uint64(int64(m.popF64())))
	case api.OpcodeI64TruncUF64:
		m.push(uint64(m.popF64()))
	case api.OpcodeF32ConvertSI32:
		m.pushF32(float32(int32(m.pop())))
	case api.OpcodeF32ConvertUI32:
		m.pushF32(float32(uint32(m.pop())))
	case api.OpcodeF32ConvertSI64:
		m.pushF32(float32(int64(m.pop())))
	case api.OpcodeF32ConvertUI64:
		m.pushF32(float32(m.pop()))
	case api.OpcodeF32DemoteF64:
		m.pushF32(float32(m.popF64()))
	case api.OpcodeF64ConvertSI32:
		m.pushF64(float64(int32(m.pop())))
	case api.OpcodeF64ConvertUI32:
		m.pushF64(float64(uint32(m.pop())))
	case api.OpcodeF64ConvertSI64:
		m.pushF64(float64(int64(m.pop())))
	case api.OpcodeF64ConvertUI64:
		m.pushF64(float64(m.pop()))
	case api.OpcodeF64PromoteF32:
		m.pushF64(float64(m.popF32()))
	case api.OpcodeI32ReinterpretF32:
		m.push(uint64(math.Float32bits(m.popF32())))
	case api.OpcodeI64ReinterpretF64:
		m.push(math.Float64bits(m.popF64()))
	case api.OpcodeF32ReinterpretI32:
		m.pushF32(math.Float32frombits(uint32(m.pop())))
	case api.OpcodeF64ReinterpretI64:
		m.pushF64(math.Float64frombits(m.pop()))

	default:
		return fmt.Errorf("unhandled opcode 0x%02x", byte(opcode))
	}
	return nil
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (m *Machine) popF32() float32    { return math.Float32frombits(uint32(m.pop())) }
func (m *Machine) popF64() float64    { return math.Float64frombits(m.pop()) }
func (m *Machine) pushF32(v float32)  { m.push(uint64(math.Float32bits(v))) }
func (m *Machine) pushF64(v float64)  { m.push(math.Float64bits(v)) }

// wasmMin/wasmMax give NaN and signed-zero propagation matching Wasm's
// float min/max (as opposed to Go's math.Min/Max, which don't distinguish
// -0 from +0).
func wasmMin(a, b float64) float64 {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.NaN()
	}
	if a == 0 && b == 0 {
		if math.Signbit(a) {
			return a
		}
		return b
	}
	if a < b {
		return a
	}
	return b
}

func wasmMax(a, b float64) float64 {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.NaN()
	}
	if a == 0 && b == 0 {
		if math.Signbit(a) {
			return b
		}
		return a
	}
	if a > b {
		return a
	}
	return b
}
