// Package environment holds the process-wide (or loader-wide) container
// spec.md §3 describes: ordered vectors of signatures, functions, globals,
// tables, and memories, a shared istream byte buffer, and a module name
// registry, plus the Mark type supporting rollback of a failed load.
//
// Field and type naming follows the teacher's internal/wasm package
// (FunctionType, ValueType, Index, ExternType) generalized to the spec's
// own vocabulary: a Signature replaces wazero's FunctionType, and Function/
// Global/Table/Memory are environment-global entries rather than per-
// module instances, since this design links everything into one shared
// environment instead of instantiating per-module stores.
package environment

import (
	"fmt"

	"github.com/gowasm/istream/pkg/api"
)

// Signature is an ordered parameter/result type list. Result arity is 0 or
// 1 under current Wasm, but nothing here hardcodes that.
type Signature struct {
	Params  []api.ValueType
	Results []api.ValueType
}

// Equal reports whether two signatures have identical parameter and result
// type lists, used by the import resolver to check call-site/callee
// signature compatibility (spec.md §4.2).
func (s *Signature) Equal(o *Signature) bool {
	if len(s.Params) != len(o.Params) || len(s.Results) != len(o.Results) {
		return false
	}
	for i, t := range s.Params {
		if o.Params[i] != t {
			return false
		}
	}
	for i, t := range s.Results {
		if o.Results[i] != t {
			return false
		}
	}
	return true
}

func (s *Signature) String() string {
	return fmt.Sprintf("%v_%v", s.Params, s.Results)
}

// HostInvoke is the callback a host module binds to an imported function.
// args/results are raw 64-bit lanes, matching pkg/vm's unified value stack
// representation.
type HostInvoke func(args []uint64) (results []uint64, err error)

// Function is tagged either Host or Defined.
type Function struct {
	IsHost bool

	SignatureIndex api.Index // environment-global signature index

	// Defined-only fields.
	EntryOffset int64          // istream offset; EntryOffsetInvalid (-1) until emitted
	NumLocals   uint32         // count of declared local slots (excludes params)
	LocalTypes  []api.ValueType // params followed by locals, in order

	// Host-only fields.
	ModuleName string
	FieldName  string
	Invoke     HostInvoke
}

// EntryOffsetInvalid is the sentinel meaning "this defined function's body
// has not been emitted yet."
const EntryOffsetInvalid int64 = -1

// Global is a typed scalar plus mutability.
type Global struct {
	Type    api.ValueType
	Mutable bool
	Value   uint64 // raw bit pattern; f32/f64 reinterpret through math.Float32/64bits
}

// Table holds function indices (environment-global) of length Limits.Min;
// uninitialized slots hold api.InvalidIndex.
type Table struct {
	Limits    api.Limits
	Elements  []api.Index
}

// Memory is a linear memory: limits in pages plus a raw byte buffer sized
// to Limits.Min pages.
type Memory struct {
	Limits api.Limits
	Buffer []byte
}

// Grow attempts to grow the memory by delta pages, returning the previous
// page count, or false if it would exceed Limits.Max (when set) or the
// implementation's absolute cap of 65536 pages (the 32-bit address space).
func (m *Memory) Grow(delta uint32) (previousPages uint32, ok bool) {
	const maxPages = 65536
	previousPages = uint32(len(m.Buffer)) / api.PageSize
	newPages := uint64(previousPages) + uint64(delta)
	if newPages > maxPages || (m.Limits.HasMax && newPages > uint64(m.Limits.Max)) {
		return previousPages, false
	}
	m.Buffer = append(m.Buffer, make([]byte, uint64(delta)*api.PageSize)...)
	return previousPages, true
}

// PageCount is the current size of the memory in pages.
func (m *Memory) PageCount() uint32 {
	return uint32(len(m.Buffer)) / api.PageSize
}

// Import records one import directive, kind-specific descriptor included.
type Import struct {
	ModuleName string
	FieldName  string
	Type       api.ExternType

	// Exactly one of the following is meaningful, selected by Type.
	DescFunc   api.Index // signature index
	DescTable  struct {
		ElemType byte
		Limits   api.Limits
	}
	DescMemory api.Limits
	DescGlobal struct {
		ValType api.ValueType
		Mutable bool
	}
}

// Export records one export directive.
type Export struct {
	Name  string
	Type  api.ExternType
	Index api.Index // environment-global index of the kind-specific vector
}

// Module is the result of one load.
type Module struct {
	IsHost bool

	// At most one of each, per spec.md's Non-goals.
	TableIndex  *api.Index
	MemoryIndex *api.Index

	StartFuncIndex *api.Index // environment-global function index

	Imports []Import
	Exports []Export
	exportByName map[string]int // index into Exports

	// Defined modules only.
	IstreamStart int64
	IstreamEnd   int64
}

// FindExport looks up an export by name.
func (m *Module) FindExport(name string) (*Export, bool) {
	if m.exportByName == nil {
		return nil, false
	}
	i, ok := m.exportByName[name]
	if !ok {
		return nil, false
	}
	return &m.Exports[i], true
}

// AddExport appends an export and indexes it by name, rejecting duplicates
// (spec.md §7: LinkError "duplicate export").
func (m *Module) AddExport(e Export) error {
	if m.exportByName == nil {
		m.exportByName = map[string]int{}
	}
	if _, exists := m.exportByName[e.Name]; exists {
		return fmt.Errorf("duplicate export %q", e.Name)
	}
	m.exportByName[e.Name] = len(m.Exports)
	m.Exports = append(m.Exports, e)
	return nil
}
