// Package indexspace implements the Index-Space Mapper, spec.md §4.2: three
// parallel tables mapping module-local indices for signatures, functions,
// and globals to environment-global indices. Imported entries come first
// and alias existing environment entries; defined entries come after and
// point at freshly appended environment slots.
package indexspace

import "github.com/gowasm/istream/pkg/api"

// Map is one of sig_map/func_map/global_map: module-local index -> the
// environment-global index it resolves to.
type Map struct {
	entries   []api.Index
	importLen int // number of entries filled by imports, always a prefix
}

// ReserveDefined grows the map by n slots for defined (non-import) entries,
// to be filled in as each definition arrives. Mirrors
// spec.md §4.2's "reserves environment slots in batches when count
// callbacks fire".
func (m *Map) ReserveDefined(n uint32) {
	start := len(m.entries)
	m.entries = append(m.entries, make([]api.Index, n)...)
	_ = start
}

// AppendImport records an imported entry's environment index. Imports must
// all be appended before any SetDefined call, matching the binary format's
// import-section-before-everything-else ordering.
func (m *Map) AppendImport(envIndex api.Index) {
	m.entries = append(m.entries, envIndex)
	m.importLen = len(m.entries)
}

// SetDefined fills slot definedIndex (0-based over the defined-only
// suffix) with its environment index.
func (m *Map) SetDefined(definedIndex uint32, envIndex api.Index) {
	m.entries[m.importLen+int(definedIndex)] = envIndex
}

// Lookup translates a module-local index to its environment-global index.
func (m *Map) Lookup(localIndex uint32) (api.Index, bool) {
	if int(localIndex) >= len(m.entries) {
		return 0, false
	}
	return m.entries[localIndex], true
}

// IsImport reports whether localIndex falls in the imported prefix.
func (m *Map) IsImport(localIndex uint32) bool {
	return int(localIndex) < m.importLen
}

// Len is the total number of module-local entries mapped so far.
func (m *Map) Len() int { return len(m.entries) }

// DefinedCount is the number of non-import (defined) entries.
func (m *Map) DefinedCount() int { return len(m.entries) - m.importLen }

// ImportLen is the size of the imported prefix, i.e. the module-local
// index of the first defined (non-import) entry.
func (m *Map) ImportLen() int { return m.importLen }

// Spaces bundles the three parallel maps the loader drives in lockstep:
// signatures, functions, and globals (spec.md §3's "Index maps").
type Spaces struct {
	Signatures Map
	Functions  Map
	Globals    Map
}

// FuncGlobalAdapter adapts Spaces.Globals to constexpr.GlobalMap without an
// import cycle (constexpr only needs Lookup + isImport).
type FuncGlobalAdapter struct{ M *Map }

func (a FuncGlobalAdapter) Lookup(i uint32) (envIndex api.Index, isImport bool, ok bool) {
	envIndex, ok = a.M.Lookup(i)
	if !ok {
		return 0, false, false
	}
	return envIndex, a.M.IsImport(i), true
}
