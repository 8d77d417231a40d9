// Package hostdelegate defines the interface a host module implements so
// the Import Resolver (spec.md §4.2) can synthesize native-bound imports
// instead of routing to another defined module's exports.
package hostdelegate

import "github.com/gowasm/istream/pkg/environment"

// ImportFuncDesc is handed to Delegate.ImportFunc.
type ImportFuncDesc struct {
	ModuleName, FieldName string
	SignatureIndex        uint32
}

// ImportTableDesc is handed to Delegate.ImportTable.
type ImportTableDesc struct {
	ModuleName, FieldName string
	ElemType              byte
	Limits                Limits
}

// ImportMemoryDesc is handed to Delegate.ImportMemory.
type ImportMemoryDesc struct {
	ModuleName, FieldName string
	Limits                Limits
}

// ImportGlobalDesc is handed to Delegate.ImportGlobal.
type ImportGlobalDesc struct {
	ModuleName, FieldName string
	ValType               byte
	Mutable               bool
}

// Limits mirrors api.Limits field for field; the Import Resolver converts
// between the two.
type Limits struct {
	Min    uint32
	Max    uint32
	HasMax bool
}

// Delegate is the four-entry-point interface spec.md §6 names: one per
// importable kind. Each call receives the import descriptor and the
// already-appended environment slot to populate in place (the slot is
// appended before the delegate runs, per the resolved design decision in
// spec.md §9's "open question" — the delegate populates the *new* slot,
// not a pre-existing one).
type Delegate interface {
	ImportFunc(desc ImportFuncDesc, slot *environment.Function) error
	ImportTable(desc ImportTableDesc, slot *environment.Table) error
	ImportMemory(desc ImportMemoryDesc, slot *environment.Memory) error
	ImportGlobal(desc ImportGlobalDesc, slot *environment.Global) error
}

// HostModule is a registered host module: a name plus the delegate that
// answers imports against it. Once an import is resolved, it is recorded
// as an export of the host module under the same field name so subsequent
// imports from the same host module by the same field share the resolved
// object (spec.md §4.2).
type HostModule struct {
	Name     string
	Delegate Delegate

	// Module, if set, accumulates resolved imports as exports under their
	// field name (spec.md §4.2), so repeated imports of the same field
	// share one resolved environment slot. Host modules that never expect
	// to be re-imported may leave this nil.
	Module *environment.Module
}
