package codegen

import "github.com/gowasm/istream/pkg/istream"

// FuncFixups is the per-defined-function fixup table of spec.md §4.7:
// entries added by `call` targeting a callee whose body has not started,
// drained in that callee's begin_function_body. Indexed by the callee's
// defined-function index (0-based over defined-only functions), so no
// back-pointers between function records are needed to resolve calls that
// arrive before their callee's body is emitted (spec.md §9).
type FuncFixups struct {
	lists [][]int64
}

// NewFuncFixups allocates a table sized for n defined functions.
func NewFuncFixups(n int) *FuncFixups {
	return &FuncFixups{lists: make([][]int64, n)}
}

// Add records that the istream 64-bit slot at offset must be patched to
// definedIndex's entry offset once it is known.
func (f *FuncFixups) Add(definedIndex uint32, offset int64) {
	f.lists[definedIndex] = append(f.lists[definedIndex], offset)
}

// Drain returns and clears every pending fixup for definedIndex.
func (f *FuncFixups) Drain(definedIndex uint32) []int64 {
	l := f.lists[definedIndex]
	f.lists[definedIndex] = nil
	return l
}

// depthFixups is the per-live-control-frame fixup list of spec.md §4.7:
// indexed by current label_stack depth, grown on demand. Entries are
// added by br/br_if/br_table targeting a still-open frame whose branch
// offset is not yet known (Block, or If/Else mid-construction); drained on
// `end` by patching every entry to the istream offset immediately after
// the frame.
type depthFixups struct {
	lists [][]int64
}

func (d *depthFixups) push() {
	d.lists = append(d.lists, nil)
}

// popSlot discards the fixup slot for the frame being popped, once its
// entries have already been patched by patchTop. Per spec.md §4.7, "when
// popping a frame whose fixups slot is above the new stack depth, the
// slot is destroyed" — by construction this is always exactly the top
// slot, since frames are pushed/popped in lockstep with it.
func (d *depthFixups) popSlot() {
	d.lists = d.lists[:len(d.lists)-1]
}

func (d *depthFixups) add(frameIdx int, offset int64) {
	d.lists[frameIdx] = append(d.lists[frameIdx], offset)
}

// patchTop resolves every pending entry in the current (top) frame's
// fixup list to offset, leaving the now-empty slot in place.
func (d *depthFixups) patchTop(w *istream.Writer, offset int64) {
	top := d.lists[len(d.lists)-1]
	for _, off := range top {
		w.WriteI64At(off, offset)
	}
	d.lists[len(d.lists)-1] = nil
}

func (d *depthFixups) reset() {
	d.lists = d.lists[:0]
}
