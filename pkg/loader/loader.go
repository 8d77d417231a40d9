// Package loader implements the Loader Driver, spec.md §5: the top-level
// two-pass orchestration tying the Index-Space Mapper, Import Resolver,
// Init-Expression Evaluator, and Validator/Code Emitter coroutine together
// against one decoder.Decoder, with Mark-based rollback of the whole
// Environment on the first error either pass reports.
package loader

import (
	"github.com/gowasm/istream/pkg/api"
	"github.com/gowasm/istream/pkg/codegen"
	"github.com/gowasm/istream/pkg/constexpr"
	"github.com/gowasm/istream/pkg/corelog"
	"github.com/gowasm/istream/pkg/decoder"
	"github.com/gowasm/istream/pkg/environment"
	"github.com/gowasm/istream/pkg/indexspace"
	"github.com/gowasm/istream/pkg/istream"
	"github.com/gowasm/istream/pkg/linker"
	"github.com/gowasm/istream/pkg/loaderr"
	"go.uber.org/zap"
)

// pendingGlobal accumulates one defined global's init-expression operators
// between OnGlobalBegin and OnGlobalEnd.
type pendingGlobal struct {
	valType api.ValueType
	mutable bool
	ops     []decoder.ConstExprOp
}

// segInit accumulates one element/data segment's target and init-expression
// result between pass 1 (header + offset) and pass 2 (payload).
type segInit struct {
	targetEnvIdx api.Index // table or memory environment index
	ops          []decoder.ConstExprOp
	offset       int64
}

// loader drives one module load against one Environment, implementing both
// decoder.ModuleCallbacks (pass 1) and decoder.SegmentCallbacks (pass 2).
// Not exported: callers drive it only through Load.
type loader struct {
	env      *environment.Environment
	resolver linker.Resolver
	spaces   indexspace.Spaces
	shared   *codegen.Shared
	compiler *codegen.Compiler
	module   *environment.Module

	pending         []*linker.Pending
	definedFuncs    []*environment.Function
	definedSigs     []*environment.Signature
	globalsPending  []pendingGlobal
	elemSegs        []segInit
	dataSegs        []segInit
	localDeclTotal  uint32
	localDeclSeen   uint32

	firstErr error
}

// Load runs both decoder passes for one module's bytes, appending every
// resolved signature/function/global/table/memory to env and the compiled
// code to env.Istream. On error every environment vector and env.Istream is
// truncated back to its length at entry (spec.md §5, §7); element and data
// bytes already written into a pre-existing (imported) table or memory are
// not restored.
func Load(env *environment.Environment, host linker.HostRegistry, name string, src []byte, dec decoder.Decoder) (*environment.Module, error) {
	mark := env.Mark()

	l := &loader{
		env:      env,
		resolver: linker.Resolver{Env: env, Host: host},
		module:   &environment.Module{IstreamStart: int64(len(env.Istream))},
	}
	l.shared = &codegen.Shared{Env: env, Spaces: &l.spaces, W: istream.New(&env.Istream)}
	l.compiler = codegen.NewCompiler(l.shared)

	if err := dec.DecodeModule(src, l); err != nil {
		env.Rollback(mark)
		return nil, l.reportedErr(err)
	}
	if l.firstErr != nil {
		env.Rollback(mark)
		return nil, l.firstErr
	}

	if err := dec.DecodeSegments(src, l); err != nil {
		env.Rollback(mark)
		return nil, l.reportedErr(err)
	}
	if l.firstErr != nil {
		env.Rollback(mark)
		return nil, l.firstErr
	}

	l.module.IstreamEnd = int64(len(env.Istream))
	envIdx := api.Index(len(env.Modules))
	env.Modules = append(env.Modules, l.module)
	if err := env.RegisterModule(name, envIdx); err != nil {
		env.Rollback(mark)
		return nil, err
	}
	return l.module, nil
}

// reportedErr prefers the structured error recorded via OnError over the
// decoder's own return value, since OnError carries the precise byte
// offset; decoders that return a plain error with no OnError call still
// surface it.
func (l *loader) reportedErr(decErr error) error {
	if l.firstErr != nil {
		return l.firstErr
	}
	return decErr
}

func (l *loader) globalAdapter() indexspace.FuncGlobalAdapter {
	return indexspace.FuncGlobalAdapter{M: &l.spaces.Globals}
}

// --- Signatures ---

func (l *loader) OnSignatureCount(n uint32) error {
	corelog.Logger().Debug("type section", zap.Uint32("count", n))
	l.spaces.Signatures.ReserveDefined(n)
	return nil
}

func (l *loader) OnSignature(i uint32, params, results []api.ValueType) error {
	sig := &environment.Signature{
		Params:  append([]api.ValueType{}, params...),
		Results: append([]api.ValueType{}, results...),
	}
	envIdx := api.Index(len(l.env.Signatures))
	l.env.Signatures = append(l.env.Signatures, sig)
	l.spaces.Signatures.SetDefined(i, envIdx)
	return nil
}

// --- Imports ---

func (l *loader) OnImportCount(n uint32) error {
	l.pending = make([]*linker.Pending, n)
	return nil
}

func (l *loader) OnImport(i uint32, moduleName, fieldName string) error {
	p, err := l.resolver.Begin(moduleName, fieldName)
	if err != nil {
		return err
	}
	l.pending[i] = p
	l.module.Imports = append(l.module.Imports, environment.Import{ModuleName: moduleName, FieldName: fieldName})
	return nil
}

func (l *loader) OnImportFunc(i uint32, sigIndex uint32) error {
	sigEnvIdx, ok := l.spaces.Signatures.Lookup(sigIndex)
	if !ok {
		return loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "import %d: invalid signature index %d", i, sigIndex)
	}
	declaredSig := l.env.Signatures[sigEnvIdx]
	envIdx, err := l.resolver.ResolveFunc(l.pending[i], sigEnvIdx, declaredSig)
	if err != nil {
		return err
	}
	l.spaces.Functions.AppendImport(envIdx)
	l.module.Imports[i].Type = api.ExternTypeFunc
	l.module.Imports[i].DescFunc = sigEnvIdx
	return nil
}

func (l *loader) OnImportTable(i uint32, elemType byte, limits api.Limits) error {
	if l.shared.HasTable {
		return loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "module already has a table")
	}
	envIdx, err := l.resolver.ResolveTable(l.pending[i], elemType, limits)
	if err != nil {
		return err
	}
	l.module.TableIndex = &envIdx
	l.shared.HasTable = true
	l.shared.TableEnvIndex = envIdx
	l.module.Imports[i].Type = api.ExternTypeTable
	l.module.Imports[i].DescTable.ElemType = elemType
	l.module.Imports[i].DescTable.Limits = limits
	return nil
}

func (l *loader) OnImportMemory(i uint32, limits api.Limits) error {
	if l.shared.HasMemory {
		return loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "module already has a memory")
	}
	envIdx, err := l.resolver.ResolveMemory(l.pending[i], limits)
	if err != nil {
		return err
	}
	l.module.MemoryIndex = &envIdx
	l.shared.HasMemory = true
	l.shared.MemoryEnvIndex = envIdx
	l.module.Imports[i].Type = api.ExternTypeMemory
	l.module.Imports[i].DescMemory = limits
	return nil
}

func (l *loader) OnImportGlobal(i uint32, valType api.ValueType, mutable bool) error {
	envIdx, err := l.resolver.ResolveGlobal(l.pending[i], valType, mutable)
	if err != nil {
		return err
	}
	l.spaces.Globals.AppendImport(envIdx)
	l.module.Imports[i].Type = api.ExternTypeGlobal
	l.module.Imports[i].DescGlobal.ValType = valType
	l.module.Imports[i].DescGlobal.Mutable = mutable
	return nil
}

// --- Defined functions ---

func (l *loader) OnFunctionSignatureCount(n uint32) error {
	corelog.Logger().Debug("function section", zap.Uint32("count", n))
	l.spaces.Functions.ReserveDefined(n)
	l.definedFuncs = make([]*environment.Function, n)
	l.definedSigs = make([]*environment.Signature, n)
	l.shared.Calls = codegen.NewFuncFixups(int(n))
	return nil
}

func (l *loader) OnFunctionSignature(definedIndex uint32, sigIndex uint32) error {
	sigEnvIdx, ok := l.spaces.Signatures.Lookup(sigIndex)
	if !ok {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "function %d: invalid signature index %d", definedIndex, sigIndex)
	}
	fn := &environment.Function{SignatureIndex: sigEnvIdx, EntryOffset: environment.EntryOffsetInvalid}
	envIdx := api.Index(len(l.env.Functions))
	l.env.Functions = append(l.env.Functions, fn)
	l.spaces.Functions.SetDefined(definedIndex, envIdx)
	l.definedFuncs[definedIndex] = fn
	l.definedSigs[definedIndex] = l.env.Signatures[sigEnvIdx]
	return nil
}

// --- Table / memory ---

func (l *loader) OnTable(elemType byte, limits api.Limits) error {
	if l.shared.HasTable {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "module already has a table")
	}
	elements := make([]api.Index, limits.Min)
	for i := range elements {
		elements[i] = api.InvalidIndex
	}
	tbl := &environment.Table{Limits: limits, Elements: elements}
	envIdx := api.Index(len(l.env.Tables))
	l.env.Tables = append(l.env.Tables, tbl)
	l.module.TableIndex = &envIdx
	l.shared.HasTable = true
	l.shared.TableEnvIndex = envIdx
	return nil
}

func (l *loader) OnMemory(limits api.Limits) error {
	if l.shared.HasMemory {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "module already has a memory")
	}
	mem := &environment.Memory{Limits: limits, Buffer: make([]byte, uint64(limits.Min)*api.PageSize)}
	envIdx := api.Index(len(l.env.Memories))
	l.env.Memories = append(l.env.Memories, mem)
	l.module.MemoryIndex = &envIdx
	l.shared.HasMemory = true
	l.shared.MemoryEnvIndex = envIdx
	return nil
}

// --- Defined globals ---

func (l *loader) OnGlobalCount(n uint32) error {
	l.spaces.Globals.ReserveDefined(n)
	l.globalsPending = make([]pendingGlobal, n)
	return nil
}

func (l *loader) OnGlobalBegin(i uint32, valType api.ValueType, mutable bool) error {
	l.globalsPending[i] = pendingGlobal{valType: valType, mutable: mutable}
	return nil
}

func (l *loader) OnGlobalInitExprOp(i uint32, op decoder.ConstExprOp) error {
	l.globalsPending[i].ops = append(l.globalsPending[i].ops, op)
	return nil
}

func (l *loader) OnGlobalEnd(i uint32) error {
	pg := l.globalsPending[i]
	val, err := constexpr.Eval(pg.ops, l.env, l.globalAdapter())
	if err != nil {
		return err
	}
	if err := constexpr.CheckType(val, pg.valType); err != nil {
		return err
	}
	g := &environment.Global{Type: pg.valType, Mutable: pg.mutable, Value: val.Bits}
	envIdx := api.Index(len(l.env.Globals))
	l.env.Globals = append(l.env.Globals, g)
	l.spaces.Globals.SetDefined(i, envIdx)
	return nil
}

// --- Exports / start ---

func (l *loader) OnExportCount(n uint32) error { return nil }

func (l *loader) OnExport(name string, kind api.ExternType, index uint32) error {
	var envIdx api.Index
	switch kind {
	case api.ExternTypeFunc:
		idx, ok := l.spaces.Functions.Lookup(index)
		if !ok {
			return loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "export %q: invalid function index %d", name, index)
		}
		envIdx = idx
	case api.ExternTypeTable:
		if l.module.TableIndex == nil {
			return loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "export %q: module has no table", name)
		}
		envIdx = *l.module.TableIndex
	case api.ExternTypeMemory:
		if l.module.MemoryIndex == nil {
			return loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "export %q: module has no memory", name)
		}
		envIdx = *l.module.MemoryIndex
	case api.ExternTypeGlobal:
		idx, ok := l.spaces.Globals.Lookup(index)
		if !ok {
			return loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "export %q: invalid global index %d", name, index)
		}
		if l.env.Globals[idx].Mutable {
			return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "export %q: cannot export a mutable global", name)
		}
		envIdx = idx
	default:
		return loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "export %q: unknown kind %d", name, kind)
	}
	if err := l.module.AddExport(environment.Export{Name: name, Type: kind, Index: envIdx}); err != nil {
		return loaderr.Wrap(loaderr.PhaseLink, loaderr.KindLink, err, "export %q", name)
	}
	return nil
}

func (l *loader) OnStart(funcIndex uint32) error {
	envIdx, ok := l.spaces.Functions.Lookup(funcIndex)
	if !ok {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "start: invalid function index %d", funcIndex)
	}
	fn := l.env.Functions[envIdx]
	sig := l.env.Signatures[fn.SignatureIndex]
	if len(sig.Params) != 0 || len(sig.Results) != 0 {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "start function must take no parameters and return no results")
	}
	l.module.StartFuncIndex = &envIdx
	return nil
}

// --- Function bodies ---

func (l *loader) OnFunctionBodyBegin(definedIndex uint32) error {
	corelog.Logger().Debug("compiling function", zap.Uint32("definedIndex", definedIndex))
	l.localDeclTotal, l.localDeclSeen = 0, 0
	l.compiler.Begin(definedIndex, l.definedFuncs[definedIndex], l.definedSigs[definedIndex])
	return nil
}

func (l *loader) OnLocalDeclCount(definedIndex uint32, n uint32) error {
	l.localDeclTotal, l.localDeclSeen = n, 0
	if n == 0 {
		l.compiler.FinishLocalDecls()
	}
	return nil
}

func (l *loader) OnLocalDecl(definedIndex uint32, declIndex uint32, count uint32, valType api.ValueType) error {
	l.compiler.AddLocalDecl(count, valType)
	l.localDeclSeen++
	if l.localDeclSeen == l.localDeclTotal {
		l.compiler.FinishLocalDecls()
	}
	return nil
}

func (l *loader) OnOperator(definedIndex uint32, opcode api.Opcode, imm decoder.Immediate) error {
	return l.compiler.Operator(opcode, imm)
}

func (l *loader) OnFunctionBodyEnd(definedIndex uint32) error {
	return l.compiler.End()
}

// --- Element / data segments: pass-1 headers ---

func (l *loader) OnElementSegmentCount(n uint32) error {
	l.elemSegs = make([]segInit, n)
	return nil
}

func (l *loader) OnElementSegmentHeader(i uint32, tableIndex uint32) error {
	if l.module.TableIndex == nil {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "element segment %d: module has no table", i)
	}
	l.elemSegs[i].targetEnvIdx = *l.module.TableIndex
	return nil
}

func (l *loader) OnElementSegmentInitExprOp(i uint32, op decoder.ConstExprOp) error {
	l.elemSegs[i].ops = append(l.elemSegs[i].ops, op)
	return nil
}

func (l *loader) OnElementSegmentInitExprEnd(i uint32) error {
	val, err := constexpr.Eval(l.elemSegs[i].ops, l.env, l.globalAdapter())
	if err != nil {
		return err
	}
	off, err := constexpr.AsI32(val)
	if err != nil {
		return loaderr.Wrap(loaderr.PhaseConstExpr, loaderr.KindValidation, err, "element segment %d offset", i)
	}
	l.elemSegs[i].offset = int64(off)
	return nil
}

func (l *loader) OnDataSegmentCount(n uint32) error {
	l.dataSegs = make([]segInit, n)
	return nil
}

func (l *loader) OnDataSegmentHeader(i uint32, memIndex uint32) error {
	if l.module.MemoryIndex == nil {
		return loaderr.New(loaderr.PhaseValidate, loaderr.KindValidation, "data segment %d: module has no memory", i)
	}
	l.dataSegs[i].targetEnvIdx = *l.module.MemoryIndex
	return nil
}

func (l *loader) OnDataSegmentInitExprOp(i uint32, op decoder.ConstExprOp) error {
	l.dataSegs[i].ops = append(l.dataSegs[i].ops, op)
	return nil
}

func (l *loader) OnDataSegmentInitExprEnd(i uint32) error {
	val, err := constexpr.Eval(l.dataSegs[i].ops, l.env, l.globalAdapter())
	if err != nil {
		return err
	}
	off, err := constexpr.AsI32(val)
	if err != nil {
		return loaderr.Wrap(loaderr.PhaseConstExpr, loaderr.KindValidation, err, "data segment %d offset", i)
	}
	l.dataSegs[i].offset = int64(off)
	return nil
}

// --- Pass 2: segment payloads ---

func (l *loader) OnElementSegmentFuncIndex(segment uint32, slot uint32, funcIndex uint32) error {
	seg := l.elemSegs[segment]
	envFuncIdx, ok := l.spaces.Functions.Lookup(funcIndex)
	if !ok {
		return loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "element segment %d: invalid function index %d", segment, funcIndex)
	}
	tbl := l.env.Tables[seg.targetEnvIdx]
	pos := seg.offset + int64(slot)
	if pos < 0 || pos >= int64(len(tbl.Elements)) {
		return loaderr.New(loaderr.PhaseLink, loaderr.KindResource, "element segment %d: slot %d out of table bounds", segment, slot)
	}
	tbl.Elements[pos] = envFuncIdx
	return nil
}

func (l *loader) OnDataSegmentBytes(segment uint32, offset uint32, data []byte) error {
	seg := l.dataSegs[segment]
	mem := l.env.Memories[seg.targetEnvIdx]
	pos := seg.offset + int64(offset)
	if pos < 0 || pos+int64(len(data)) > int64(len(mem.Buffer)) {
		return loaderr.New(loaderr.PhaseLink, loaderr.KindResource, "data segment %d: write out of memory bounds", segment)
	}
	copy(mem.Buffer[pos:], data)
	return nil
}

// --- Decoder-reported malformed input ---

func (l *loader) OnError(offset int64, message string) {
	if l.firstErr == nil {
		l.firstErr = loaderr.NewAt(loaderr.PhaseDecode, loaderr.KindMalformedInput, offset, "%s", message)
	}
	// The caller gets the structured error via the returned error; this is
	// diagnostic breadcrumb only, not a report.
	corelog.Logger().Debug("malformed wasm input", zap.Int64("offset", offset), zap.String("message", message))
}
