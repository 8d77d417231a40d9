// Package linker implements the Import Resolver, spec.md §4.2: looks up
// each import by (module_name, field_name) in the environment, routes to
// either a registered module's exports or a host-module delegate, and
// enforces kind and limits compatibility.
package linker

import (
	"github.com/gowasm/istream/pkg/api"
	"github.com/gowasm/istream/pkg/corelog"
	"github.com/gowasm/istream/pkg/environment"
	"github.com/gowasm/istream/pkg/hostdelegate"
	"github.com/gowasm/istream/pkg/loaderr"
	"go.uber.org/zap"
)

// HostRegistry looks up a host module by name; kept distinct from
// environment's module registry since host modules are not "loaded"
// modules in the environment's Modules vector in every embedding (some
// hosts register purely native delegates that never appear as a Module).
// Implementations may return the same backing registry as the
// environment's own module lookup when a host module is also given a
// Module entry; the Resolver consults Host before the environment's
// registered modules.
type HostRegistry interface {
	Lookup(name string) (*hostdelegate.HostModule, bool)
}

// Resolver drives import resolution against one Environment and one
// HostRegistry across a single load.
type Resolver struct {
	Env  *environment.Environment
	Host HostRegistry
}

// Pending captures the state of one import between OnImport (step 1-3 of
// spec.md §4.2) and the subsequent OnImport<Kind> callback that supplies
// the kind descriptor.
type Pending struct {
	ModuleName, FieldName string

	IsHost     bool
	HostModule *hostdelegate.HostModule

	// Populated only when !IsHost.
	TargetModule      *environment.Module
	TargetModuleIndex api.Index
	ResolvedExport    *environment.Export
}

// Begin performs spec.md §4.2 steps 1-3 for on_import(i, mod, field):
//  1. look up mod in the environment registry (error if absent);
//  2. if the target is a host module, defer kind checking;
//  3. else look up field in the target module's exports (error if absent).
func (r *Resolver) Begin(moduleName, fieldName string) (*Pending, error) {
	if hm, ok := r.Host.Lookup(moduleName); ok {
		return &Pending{ModuleName: moduleName, FieldName: fieldName, IsHost: true, HostModule: hm}, nil
	}

	mod, idx, ok := r.Env.LookupModule(moduleName)
	if !ok {
		return nil, loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "unknown import module %q", moduleName)
	}
	exp, ok := mod.FindExport(fieldName)
	if !ok {
		return nil, loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "unknown module field %q.%q", moduleName, fieldName)
	}
	return &Pending{
		ModuleName:        moduleName,
		FieldName:         fieldName,
		TargetModule:      mod,
		TargetModuleIndex: idx,
		ResolvedExport:    exp,
	}, nil
}

func limitsCompatible(declared, actual api.Limits) bool {
	if actual.Min < declared.Min {
		return false
	}
	if declared.HasMax {
		if !actual.HasMax || actual.Max > declared.Max {
			return false
		}
	}
	return true
}

// ResolveFunc finalizes a function import, returning the environment-global
// function index. sigEnvIndex is the already-mapped environment-global
// index of the import's declared signature.
func (r *Resolver) ResolveFunc(p *Pending, sigEnvIndex api.Index, declaredSig *environment.Signature) (api.Index, error) {
	if p.IsHost {
		envIdx := api.Index(len(r.Env.Functions))
		fn := &environment.Function{IsHost: true, ModuleName: p.ModuleName, FieldName: p.FieldName, SignatureIndex: sigEnvIndex}
		r.Env.Functions = append(r.Env.Functions, fn)

		desc := hostdelegate.ImportFuncDesc{ModuleName: p.ModuleName, FieldName: p.FieldName, SignatureIndex: fn.SignatureIndex}
		if err := p.HostModule.Delegate.ImportFunc(desc, fn); err != nil {
			return 0, loaderr.Wrap(loaderr.PhaseLink, loaderr.KindLink, err, "host import %s.%s failed", p.ModuleName, p.FieldName)
		}
		r.registerHostExport(p, api.ExternTypeFunc, envIdx)
		return envIdx, nil
	}

	if p.ResolvedExport.Type != api.ExternTypeFunc {
		return 0, loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "import %s.%s: expected func, got %s",
			p.ModuleName, p.FieldName, api.ExternTypeName(p.ResolvedExport.Type))
	}
	envIdx := p.ResolvedExport.Index
	actual := r.Env.Functions[envIdx]
	actualSig := r.Env.Signatures[actual.SignatureIndex]
	if !actualSig.Equal(declaredSig) {
		return 0, loaderr.New(loaderr.PhaseLink, loaderr.KindLink,
			"import signature mismatch for %s.%s: declared %s, export is %s",
			p.ModuleName, p.FieldName, declaredSig, actualSig)
	}
	return envIdx, nil
}

// ResolveTable finalizes a table import.
func (r *Resolver) ResolveTable(p *Pending, elemType byte, declared api.Limits) (api.Index, error) {
	if p.IsHost {
		envIdx := api.Index(len(r.Env.Tables))
		tbl := &environment.Table{}
		r.Env.Tables = append(r.Env.Tables, tbl)
		desc := hostdelegate.ImportTableDesc{ModuleName: p.ModuleName, FieldName: p.FieldName, ElemType: elemType,
			Limits: hostdelegate.Limits{Min: declared.Min, Max: declared.Max, HasMax: declared.HasMax}}
		if err := p.HostModule.Delegate.ImportTable(desc, tbl); err != nil {
			return 0, loaderr.Wrap(loaderr.PhaseLink, loaderr.KindLink, err, "host import %s.%s failed", p.ModuleName, p.FieldName)
		}
		if !limitsCompatible(declared, tbl.Limits) {
			return 0, loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "host table import %s.%s has incompatible limits", p.ModuleName, p.FieldName)
		}
		r.registerHostExport(p, api.ExternTypeTable, envIdx)
		return envIdx, nil
	}

	if p.ResolvedExport.Type != api.ExternTypeTable {
		return 0, loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "import %s.%s: expected table, got %s",
			p.ModuleName, p.FieldName, api.ExternTypeName(p.ResolvedExport.Type))
	}
	envIdx := p.ResolvedExport.Index
	actual := r.Env.Tables[envIdx]
	if !limitsCompatible(declared, actual.Limits) {
		return 0, loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "table import %s.%s has incompatible limits", p.ModuleName, p.FieldName)
	}
	return envIdx, nil
}

// ResolveMemory finalizes a memory import.
func (r *Resolver) ResolveMemory(p *Pending, declared api.Limits) (api.Index, error) {
	if p.IsHost {
		envIdx := api.Index(len(r.Env.Memories))
		mem := &environment.Memory{}
		r.Env.Memories = append(r.Env.Memories, mem)
		desc := hostdelegate.ImportMemoryDesc{ModuleName: p.ModuleName, FieldName: p.FieldName,
			Limits: hostdelegate.Limits{Min: declared.Min, Max: declared.Max, HasMax: declared.HasMax}}
		if err := p.HostModule.Delegate.ImportMemory(desc, mem); err != nil {
			return 0, loaderr.Wrap(loaderr.PhaseLink, loaderr.KindLink, err, "host import %s.%s failed", p.ModuleName, p.FieldName)
		}
		if !limitsCompatible(declared, mem.Limits) {
			return 0, loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "host memory import %s.%s has incompatible limits", p.ModuleName, p.FieldName)
		}
		r.registerHostExport(p, api.ExternTypeMemory, envIdx)
		return envIdx, nil
	}

	if p.ResolvedExport.Type != api.ExternTypeMemory {
		return 0, loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "import %s.%s: expected memory, got %s",
			p.ModuleName, p.FieldName, api.ExternTypeName(p.ResolvedExport.Type))
	}
	envIdx := p.ResolvedExport.Index
	actual := r.Env.Memories[envIdx]
	if !limitsCompatible(declared, actual.Limits) {
		return 0, loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "memory import %s.%s has incompatible limits", p.ModuleName, p.FieldName)
	}
	return envIdx, nil
}

// ResolveGlobal finalizes a global import. Per spec.md §9's resolved open
// question, the environment index recorded is that of the *appended*
// global, not the pre-append length (the source design's off-by-one).
func (r *Resolver) ResolveGlobal(p *Pending, valType api.ValueType, mutable bool) (api.Index, error) {
	if p.IsHost {
		g := &environment.Global{}
		r.Env.Globals = append(r.Env.Globals, g)
		envIdx := api.Index(len(r.Env.Globals) - 1)
		desc := hostdelegate.ImportGlobalDesc{ModuleName: p.ModuleName, FieldName: p.FieldName, ValType: byte(valType), Mutable: mutable}
		if err := p.HostModule.Delegate.ImportGlobal(desc, g); err != nil {
			return 0, loaderr.Wrap(loaderr.PhaseLink, loaderr.KindLink, err, "host import %s.%s failed", p.ModuleName, p.FieldName)
		}
		r.registerHostExport(p, api.ExternTypeGlobal, envIdx)
		return envIdx, nil
	}

	if p.ResolvedExport.Type != api.ExternTypeGlobal {
		return 0, loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "import %s.%s: expected global, got %s",
			p.ModuleName, p.FieldName, api.ExternTypeName(p.ResolvedExport.Type))
	}
	envIdx := p.ResolvedExport.Index
	actual := r.Env.Globals[envIdx]
	if actual.Type != valType || actual.Mutable != mutable {
		return 0, loaderr.New(loaderr.PhaseLink, loaderr.KindLink, "global import %s.%s type/mutability mismatch", p.ModuleName, p.FieldName)
	}
	return envIdx, nil
}

// registerHostExport shares one resolved object across repeated imports of
// the same (host module, field) pair, per spec.md §4.2.
func (r *Resolver) registerHostExport(p *Pending, kind api.ExternType, envIdx api.Index) {
	if p.HostModule.Module == nil {
		return
	}
	if _, exists := p.HostModule.Module.FindExport(p.FieldName); exists {
		corelog.Logger().Warn("re-importing an already resolved host export",
			zap.String("module", p.ModuleName), zap.String("field", p.FieldName))
		return
	}
	_ = p.HostModule.Module.AddExport(environment.Export{Name: p.FieldName, Type: kind, Index: envIdx})
}
