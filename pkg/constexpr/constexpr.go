// Package constexpr implements the Init-Expression Evaluator, spec.md
// §4.3: a minimal constant-folding evaluator producing a single typed
// scalar from a constrained initializer sequence (i32/i64/f32/f64.const,
// or get_global referring to an imported, immutable global).
package constexpr

import (
	"fmt"

	"github.com/gowasm/istream/pkg/api"
	"github.com/gowasm/istream/pkg/decoder"
	"github.com/gowasm/istream/pkg/environment"
	"github.com/gowasm/istream/pkg/loaderr"
)

// Value is the evaluator's single result: a type tag plus raw bits.
type Value struct {
	Type api.ValueType
	Bits uint64
}

// GlobalMap resolves a module-local global index to its environment-global
// index and whether it is an import (used to reject references to
// not-yet-initialized defined globals).
type GlobalMap interface {
	// Lookup returns the environment-global index and whether the
	// module-local index i refers to an imported global.
	Lookup(i uint32) (envIndex api.Index, isImport bool, ok bool)
}

// Eval consumes a sequence of ConstExprOps (already read by the decoder)
// and produces one Value, or a ValidationError per spec.md §4.3/§7.
//
// env supplies the value of any referenced imported global; globals maps
// module-local indices to environment ones.
func Eval(ops []decoder.ConstExprOp, env *environment.Environment, globals GlobalMap) (Value, error) {
	if len(ops) != 1 {
		return Value{}, loaderr.New(loaderr.PhaseConstExpr, loaderr.KindValidation,
			"init expression must contain exactly one operator, got %d", len(ops))
	}
	op := ops[0]
	switch op.Opcode {
	case api.OpcodeI32Const:
		return Value{Type: api.ValueTypeI32, Bits: op.Imm}, nil
	case api.OpcodeI64Const:
		return Value{Type: api.ValueTypeI64, Bits: op.Imm}, nil
	case api.OpcodeF32Const:
		return Value{Type: api.ValueTypeF32, Bits: op.Imm}, nil
	case api.OpcodeF64Const:
		return Value{Type: api.ValueTypeF64, Bits: op.Imm}, nil
	case api.OpcodeGetGlobal:
		localIdx := uint32(op.Imm)
		envIdx, isImport, ok := globals.Lookup(localIdx)
		if !ok {
			return Value{}, loaderr.New(loaderr.PhaseConstExpr, loaderr.KindValidation,
				"init expression references unknown global %d", localIdx)
		}
		if !isImport {
			return Value{}, loaderr.New(loaderr.PhaseConstExpr, loaderr.KindValidation,
				"init expression may only reference an imported global, got defined global %d", localIdx)
		}
		g := env.Globals[envIdx]
		if g.Mutable {
			return Value{}, loaderr.New(loaderr.PhaseConstExpr, loaderr.KindValidation,
				"init expression may only reference an immutable global, got mutable global %d", localIdx)
		}
		return Value{Type: g.Type, Bits: g.Value}, nil
	default:
		return Value{}, loaderr.New(loaderr.PhaseConstExpr, loaderr.KindValidation,
			"illegal init expression opcode 0x%x", op.Opcode)
	}
}

// CheckType reports a ValidationError if v's type does not match the
// context's expected type (spec.md §4.3: "type mismatches between the
// init-expr result type and the expected context type are reported as
// errors").
func CheckType(v Value, expected api.ValueType) error {
	if v.Type != expected {
		return loaderr.New(loaderr.PhaseConstExpr, loaderr.KindValidation,
			"init expression type mismatch: expected %s, got %s", expected, v.Type)
	}
	return nil
}

// AsI32 extracts an i32 result, used by element/data segment offsets.
func AsI32(v Value) (int32, error) {
	if v.Type != api.ValueTypeI32 {
		return 0, fmt.Errorf("expected i32 offset, got %s", v.Type)
	}
	return int32(uint32(v.Bits)), nil
}
