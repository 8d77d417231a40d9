package loader_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gowasm/istream/pkg/api"
	"github.com/gowasm/istream/pkg/decoder"
	"github.com/gowasm/istream/pkg/decoder/decodertest"
	"github.com/gowasm/istream/pkg/environment"
	"github.com/gowasm/istream/pkg/hostdelegate"
	"github.com/gowasm/istream/pkg/loader"
	"github.com/gowasm/istream/pkg/vm"
)

type noHosts struct{}

func (noHosts) Lookup(string) (*hostdelegate.HostModule, bool) { return nil, false }

func op(opcode api.Opcode) decodertest.Op { return decodertest.Op{Opcode: opcode} }

func opIdx(opcode api.Opcode, idx uint32) decodertest.Op {
	return decodertest.Op{Opcode: opcode, Imm: decoder.Immediate{Index: idx}}
}

func opConst(opcode api.Opcode, bits uint64) decodertest.Op {
	return decodertest.Op{Opcode: opcode, Imm: decoder.Immediate{ConstBits: bits}}
}

func i32(v int32) uint64 { return uint64(uint32(v)) }

func TestLoadAddFunctionAndCall(t *testing.T) {
	mod := &decodertest.Module{
		Signatures: []decodertest.Sig{
			{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
		},
		Functions: []decodertest.Func{
			{SigIndex: 0, Ops: []decodertest.Op{
				opIdx(api.OpcodeGetLocal, 0),
				opIdx(api.OpcodeGetLocal, 1),
				op(api.OpcodeI32Add),
			}},
		},
		Exports: []decodertest.Export{{Name: "add", Kind: api.ExternTypeFunc, Index: 0}},
	}

	env := environment.New()
	m, err := loader.Load(env, noHosts{}, "m", nil, decodertest.New(mod))
	require.NoError(t, err)

	exp, ok := m.FindExport("add")
	require.True(t, ok)
	fn := env.Functions[exp.Index]

	mach := vm.New(env)
	results, err := mach.Call(fn, []uint64{i32(3), i32(4)})
	require.NoError(t, err)
	require.Equal(t, []uint64{i32(7)}, results)
}

// TestLoadIfElse builds `if (p0) { 1 } else { 2 }` returning i32, and
// exercises both branches.
func TestLoadIfElse(t *testing.T) {
	mod := &decodertest.Module{
		Signatures: []decodertest.Sig{
			{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
		},
		Functions: []decodertest.Func{
			{SigIndex: 0, Ops: []decodertest.Op{
				opIdx(api.OpcodeGetLocal, 0),
				{Opcode: api.OpcodeIf, Imm: decoder.Immediate{BlockType: byte(api.ValueTypeI32)}},
				opConst(api.OpcodeI32Const, i32(1)),
				op(api.OpcodeElse),
				opConst(api.OpcodeI32Const, i32(2)),
				op(api.OpcodeEnd),
			}},
		},
		Exports: []decodertest.Export{{Name: "pick", Kind: api.ExternTypeFunc, Index: 0}},
	}

	env := environment.New()
	m, err := loader.Load(env, noHosts{}, "m", nil, decodertest.New(mod))
	require.NoError(t, err)
	exp, _ := m.FindExport("pick")
	fn := env.Functions[exp.Index]
	mach := vm.New(env)

	results, err := mach.Call(fn, []uint64{i32(1)})
	require.NoError(t, err)
	require.Equal(t, []uint64{i32(1)}, results)

	results, err = mach.Call(fn, []uint64{i32(0)})
	require.NoError(t, err)
	require.Equal(t, []uint64{i32(2)}, results)
}

// TestLoadLoopWithBreak builds a loop summing 0..n-1 via a local
// accumulator and an unconditional backward br 0, exercising loop offset
// resolution (no fixup needed — the loop header's offset is known before
// its own body is emitted) alongside an if-guarded forward br to the
// enclosing block (the loop exit, resolved by a depth fixup).
func TestLoadLoopWithBreak(t *testing.T) {
	// locals: [0]=n (param), [1]=i (local), [2]=acc (local)
	mod := &decodertest.Module{
		Signatures: []decodertest.Sig{
			{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
		},
		Functions: []decodertest.Func{
			{SigIndex: 0, Locals: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, Ops: []decodertest.Op{
				// block wraps the loop so a branch to it leaves the loop
				{Opcode: api.OpcodeBlock, Imm: decoder.Immediate{BlockType: api.BlockTypeEmpty}},
				{Opcode: api.OpcodeLoop, Imm: decoder.Immediate{BlockType: api.BlockTypeEmpty}},
				// if i >= n, br 2 (from inside the if: 0 = if, 1 = loop, 2 = block)
				opIdx(api.OpcodeGetLocal, 1), // i
				opIdx(api.OpcodeGetLocal, 0), // n
				op(api.OpcodeI32GeU),
				{Opcode: api.OpcodeIf, Imm: decoder.Immediate{BlockType: api.BlockTypeEmpty}},
				opIdx(api.OpcodeBr, 2), // exit loop
				op(api.OpcodeEnd),
				// acc += i
				opIdx(api.OpcodeGetLocal, 2),
				opIdx(api.OpcodeGetLocal, 1),
				op(api.OpcodeI32Add),
				opIdx(api.OpcodeSetLocal, 2),
				// i += 1
				opIdx(api.OpcodeGetLocal, 1),
				opConst(api.OpcodeI32Const, i32(1)),
				op(api.OpcodeI32Add),
				opIdx(api.OpcodeSetLocal, 1),
				opIdx(api.OpcodeBr, 0), // continue loop
				op(api.OpcodeEnd),      // end loop
				op(api.OpcodeEnd),      // end block
				opIdx(api.OpcodeGetLocal, 2),
			}},
		},
		Exports: []decodertest.Export{{Name: "sum", Kind: api.ExternTypeFunc, Index: 0}},
	}

	env := environment.New()
	m, err := loader.Load(env, noHosts{}, "m", nil, decodertest.New(mod))
	require.NoError(t, err)
	exp, _ := m.FindExport("sum")
	fn := env.Functions[exp.Index]
	mach := vm.New(env)

	results, err := mach.Call(fn, []uint64{i32(5)})
	require.NoError(t, err)
	require.Equal(t, []uint64{i32(0 + 1 + 2 + 3 + 4)}, results)
}

// TestLoadIndirectCall builds two modules: a table-owning module exporting
// a table whose slot 0 holds the function dispatched to, and a caller
// module importing the table and invoking call_indirect against it.
func TestLoadIndirectCall(t *testing.T) {
	owner := &decodertest.Module{
		Signatures: []decodertest.Sig{
			{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
		},
		Functions: []decodertest.Func{
			{SigIndex: 0, Ops: []decodertest.Op{
				opIdx(api.OpcodeGetLocal, 0),
				opConst(api.OpcodeI32Const, i32(10)),
				op(api.OpcodeI32Add),
			}},
		},
		HasTable: true,
		Exports: []decodertest.Export{
			{Name: "tbl", Kind: api.ExternTypeTable, Index: 0},
		},
		Elements: []decodertest.Segment{
			{Index: 0, Init: []decoder.ConstExprOp{{Opcode: api.OpcodeI32Const, Imm: 0}}, Elems: []uint32{0}},
		},
	}
	owner.Table.ElemType = 0x70
	owner.Table.Limits = api.Limits{Min: 1}

	env := environment.New()
	_, err := loader.Load(env, noHosts{}, "owner", nil, decodertest.New(owner))
	require.NoError(t, err)

	caller := &decodertest.Module{
		Signatures: []decodertest.Sig{
			{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
		},
		Imports: []decodertest.Import{
			{Module: "owner", Field: "tbl", Kind: api.ExternTypeTable, ElemType: 0x70, Limits: api.Limits{Min: 1}},
		},
		Functions: []decodertest.Func{
			{SigIndex: 0, Ops: []decodertest.Op{
				opIdx(api.OpcodeGetLocal, 0),
				opConst(api.OpcodeI32Const, i32(0)),
				{Opcode: api.OpcodeCallIndirect, Imm: decoder.Immediate{SigIndex: 0}},
			}},
		},
		Exports: []decodertest.Export{{Name: "callit", Kind: api.ExternTypeFunc, Index: 0}},
	}

	m, err := loader.Load(env, noHosts{}, "caller", nil, decodertest.New(caller))
	require.NoError(t, err)
	exp, _ := m.FindExport("callit")
	fn := env.Functions[exp.Index]
	mach := vm.New(env)

	results, err := mach.Call(fn, []uint64{i32(7)})
	require.NoError(t, err)
	require.Equal(t, []uint64{i32(17)}, results)
}

// TestLoadUnknownImportIsLinkError exercises the import resolver's
// unknown-module-name rejection (spec.md §4.2, §7's LinkError kind).
func TestLoadUnknownImportIsLinkError(t *testing.T) {
	mod := &decodertest.Module{
		Signatures: []decodertest.Sig{{}},
		Imports: []decodertest.Import{
			{Module: "nope", Field: "fn", Kind: api.ExternTypeFunc, SigIndex: 0},
		},
	}
	env := environment.New()
	before := len(env.Signatures)
	_, err := loader.Load(env, noHosts{}, "m", nil, decodertest.New(mod))
	require.Error(t, err)
	require.Equal(t, before, len(env.Signatures), "a failed load must leave the environment untouched")
}

// TestLoadSignatureMismatchIsLinkError exercises import signature
// compatibility checking: importing a function whose declared signature
// does not match the target export's actual signature.
func TestLoadSignatureMismatchIsLinkError(t *testing.T) {
	owner := &decodertest.Module{
		Signatures: []decodertest.Sig{
			{Results: []api.ValueType{api.ValueTypeI32}},
		},
		Functions: []decodertest.Func{
			{SigIndex: 0, Ops: []decodertest.Op{opConst(api.OpcodeI32Const, i32(1))}},
		},
		Exports: []decodertest.Export{{Name: "f", Kind: api.ExternTypeFunc, Index: 0}},
	}
	env := environment.New()
	_, err := loader.Load(env, noHosts{}, "owner", nil, decodertest.New(owner))
	require.NoError(t, err)

	caller := &decodertest.Module{
		Signatures: []decodertest.Sig{
			{Params: []api.ValueType{api.ValueTypeI32}}, // mismatched: owner's "f" takes no params
		},
		Imports: []decodertest.Import{
			{Module: "owner", Field: "f", Kind: api.ExternTypeFunc, SigIndex: 0},
		},
	}
	mark := len(env.Functions)
	_, err = loader.Load(env, noHosts{}, "caller", nil, decodertest.New(caller))
	require.Error(t, err)
	require.Equal(t, mark, len(env.Functions))
}

// TestLoadUnreachableRegionValidates exercises the polymorphic Any
// sentinel: code after unreachable must still type-check under relaxed
// (non-shrinking-pop, suppressed-push) rules instead of being rejected
// outright.
func TestLoadUnreachableRegionValidates(t *testing.T) {
	mod := &decodertest.Module{
		Signatures: []decodertest.Sig{
			{Results: []api.ValueType{api.ValueTypeI32}},
		},
		Functions: []decodertest.Func{
			{SigIndex: 0, Ops: []decodertest.Op{
				op(api.OpcodeUnreachable),
				op(api.OpcodeI32Add), // would underflow a concrete stack; fine under Any
			}},
		},
		Exports: []decodertest.Export{{Name: "dead", Kind: api.ExternTypeFunc, Index: 0}},
	}
	env := environment.New()
	m, err := loader.Load(env, noHosts{}, "m", nil, decodertest.New(mod))
	require.NoError(t, err)
	exp, _ := m.FindExport("dead")
	fn := env.Functions[exp.Index]
	mach := vm.New(env)
	_, err = mach.Call(fn, nil)
	require.ErrorIs(t, err, vm.ErrUnreachable)
}

func TestLoadDivideByZeroTraps(t *testing.T) {
	mod := &decodertest.Module{
		Signatures: []decodertest.Sig{
			{Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}},
		},
		Functions: []decodertest.Func{
			{SigIndex: 0, Ops: []decodertest.Op{
				opIdx(api.OpcodeGetLocal, 0),
				opIdx(api.OpcodeGetLocal, 1),
				op(api.OpcodeI32DivS),
			}},
		},
		Exports: []decodertest.Export{{Name: "div", Kind: api.ExternTypeFunc, Index: 0}},
	}
	env := environment.New()
	m, err := loader.Load(env, noHosts{}, "m", nil, decodertest.New(mod))
	require.NoError(t, err)
	exp, _ := m.FindExport("div")
	fn := env.Functions[exp.Index]
	mach := vm.New(env)
	_, err = mach.Call(fn, []uint64{i32(1), i32(0)})
	require.ErrorIs(t, err, vm.ErrIntegerDivideByZero)
}
