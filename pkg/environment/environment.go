package environment

import "github.com/gowasm/istream/pkg/api"

// Environment is the process-wide container every load appends to: ordered
// vectors of signatures, functions, globals, tables, memories, modules, a
// single contiguous istream byte buffer, and a name registry. Mirrors the
// teacher's internal/wasm Store, generalized to spec.md's "shared across
// loads" model (the teacher instantiates a Store per Runtime; this design
// has one Environment that every Loader Driver invocation mutates and can
// roll back independently via Mark).
type Environment struct {
	Signatures []*Signature
	Functions  []*Function
	Globals    []*Global
	Tables     []*Table
	Memories   []*Memory
	Modules    []*Module

	Istream []byte

	namesToModule map[string]api.Index
}

// New returns an empty Environment ready to accept loads.
func New() *Environment {
	return &Environment{namesToModule: map[string]api.Index{}}
}

// Mark is an opaque snapshot of every vector length plus the istream
// length, letting the loader roll a failed load back to exactly where it
// started (spec.md §3, §5, §7).
type Mark struct {
	signatures int
	functions  int
	globals    int
	tables     int
	memories   int
	modules    int
	istream    int
}

// Mark snapshots the current environment state.
func (e *Environment) Mark() Mark {
	return Mark{
		signatures: len(e.Signatures),
		functions:  len(e.Functions),
		globals:    len(e.Globals),
		tables:     len(e.Tables),
		memories:   len(e.Memories),
		modules:    len(e.Modules),
		istream:    len(e.Istream),
	}
}

// Rollback truncates every vector and the istream buffer back to m. Called
// on the first error reported during a load (spec.md §5, §7); it does not
// reclaim already-returned allocations inside pooled storage, only lengths
// (spec.md §5).
func (e *Environment) Rollback(m Mark) {
	// Any module names registered by the failed load must also be
	// forgotten, since RegisterModule is keyed by name, not by index.
	for name, idx := range e.namesToModule {
		if int(idx) >= m.modules {
			delete(e.namesToModule, name)
		}
	}
	e.Signatures = e.Signatures[:m.signatures]
	e.Functions = e.Functions[:m.functions]
	e.Globals = e.Globals[:m.globals]
	e.Tables = e.Tables[:m.tables]
	e.Memories = e.Memories[:m.memories]
	e.Modules = e.Modules[:m.modules]
	e.Istream = e.Istream[:m.istream]
}

// RegisterModule names a just-appended module so future imports can find it
// by (module_name, field_name).
func (e *Environment) RegisterModule(name string, idx api.Index) error {
	if _, exists := e.namesToModule[name]; exists {
		return &DuplicateModuleNameError{Name: name}
	}
	e.namesToModule[name] = idx
	return nil
}

// LookupModule finds a previously registered module by name.
func (e *Environment) LookupModule(name string) (*Module, api.Index, bool) {
	idx, ok := e.namesToModule[name]
	if !ok {
		return nil, 0, false
	}
	return e.Modules[idx], idx, true
}

// DuplicateModuleNameError reports an attempt to register a module name
// that is already taken.
type DuplicateModuleNameError struct{ Name string }

func (e *DuplicateModuleNameError) Error() string {
	return "module name already registered: " + e.Name
}
