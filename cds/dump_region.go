package cds

import (
	"fmt"

	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils/vmem"
)

// preferredCommitBytes is the smallest step a dump region commits memory in
const preferredCommitBytes int = memutils.M

// DumpRegion is one region (rw, ro or md) of the archive buffer. All regions share a single
// reservation: each starts where the previous one was packed.
type DumpRegion struct {
	name     string
	maxDelta int
	marker   *PtrMarker

	rs *vmem.ReservedSpace
	vs *vmem.VirtualSpace

	base   uintptr
	top    uintptr
	end    uintptr
	packed bool
}

// NewDumpRegion creates a region. maxDelta, when positive, bounds the offset of any byte of the
// region from the bottom of the buffer.
func NewDumpRegion(name string, maxDelta int, marker *PtrMarker) *DumpRegion {
	return &DumpRegion{
		name:     name,
		maxDelta: maxDelta,
		marker:   marker,
	}
}

// Init places the region at the bottom of rs. vs tracks the commitment of the whole reservation
// and normally starts with nothing committed.
func (r *DumpRegion) Init(rs *vmem.ReservedSpace, vs *vmem.VirtualSpace) {
	r.rs = rs
	r.vs = vs
	r.base = rs.Base()
	r.top = r.base
	r.end = rs.End()
}

func (r *DumpRegion) Name() string {
	return r.name
}

func (r *DumpRegion) Base() uintptr {
	return r.base
}

func (r *DumpRegion) Top() uintptr {
	return r.top
}

func (r *DumpRegion) End() uintptr {
	return r.end
}

func (r *DumpRegion) Used() int {
	return int(r.top - r.base)
}

func (r *DumpRegion) Reserved() int {
	return int(r.end - r.base)
}

func (r *DumpRegion) IsPacked() bool {
	return r.packed
}

func (r *DumpRegion) IsAllocatable() bool {
	return !r.packed && r.base != 0
}

func (r *DumpRegion) Contains(addr uintptr) bool {
	return addr >= r.base && addr < r.top
}

// Bytes is a view of the used part of the region
func (r *DumpRegion) Bytes() []byte {
	return memutils.BytesAt(r.base, r.Used())
}

func (r *DumpRegion) commitTo(newTop uintptr) {
	need := int(newTop - r.rs.Base())
	has := r.vs.CommittedSize()
	if need <= has {
		return
	}

	commit := max(need-has, preferredCommitBytes)
	commit = min(commit, r.vs.UncommittedSize())
	err := r.vs.ExpandBy(commit)
	if err != nil {
		panic(fatalWrapf(err, "failed to expand the shared archive buffer for the %s region", r.name))
	}
}

func (r *DumpRegion) expandTopTo(newTop uintptr) {
	if !r.IsAllocatable() {
		panic(fmt.Sprintf("%s region is not allocatable", r.name))
	}
	if newTop < r.top {
		panic(fmt.Sprintf("%s region cannot grow backwards", r.name))
	}
	if newTop > r.end {
		panic(&OutOfSpaceError{
			Region:    r.name,
			Needed:    int(newTop - r.top),
			Available: int(r.end - r.top),
		})
	}

	r.commitTo(newTop)
	r.top = newTop

	if r.maxDelta > 0 {
		delta := int(newTop - 1 - r.rs.Base())
		if delta > r.maxDelta {
			panic(fatalf("out of memory in the archive: offset %#x exceeds the limit %#x, reduce the number of shared classes",
				delta, r.maxDelta))
		}
	}
}

// Allocate returns size zeroed bytes aligned to the object alignment
func (r *DumpRegion) Allocate(size int) uintptr {
	p := memutils.AlignUp(r.top, uintptr(memutils.ObjectAlignment))
	newTop := p + uintptr(memutils.AlignUp(size, memutils.ObjectAlignment))
	r.expandTopTo(newTop)
	clear(memutils.BytesAt(p, int(newTop-p)))
	return p
}

// AppendWord appends value and, if mark is set, records it as a pointer
func (r *DumpRegion) AppendWord(value uint64, mark bool) uintptr {
	if !memutils.IsAligned(r.top, uintptr(memutils.BytesPerWord)) {
		panic(fmt.Sprintf("%s region top %#x is not word aligned", r.name, r.top))
	}

	p := r.top
	r.expandTopTo(p + uintptr(memutils.BytesPerWord))
	memutils.StoreWord(p, value)
	if mark {
		r.marker.MarkPointer(p)
	}
	return p
}

// Pack freezes the region, rounding its end up to the reservation's alignment. next, if any, starts
// at the new end and takes over the rest of the reservation.
func (r *DumpRegion) Pack(next *DumpRegion) {
	if r.packed {
		panic(fmt.Sprintf("%s region is already packed", r.name))
	}

	r.end = memutils.AlignUp(r.top, uintptr(r.rs.Alignment()))
	r.packed = true
	if next != nil {
		next.rs = r.rs
		next.vs = r.vs
		next.base = r.end
		next.top = r.end
		next.end = r.rs.End()
	}
}
