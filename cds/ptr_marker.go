package cds

import (
	"fmt"

	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils/bitmap"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils/vmem"
)

const initialPtrmapBits int = 16 * memutils.K

// PtrMarker records which words of the archive buffer hold pointers. Bit i covers the word at
// buffer bottom + 8*i. The buffer is the committed part of vs, so the range covered grows as the dump
// regions commit memory.
type PtrMarker struct {
	vs        *vmem.VirtualSpace
	ptrmap    *bitmap.Bitmap
	compacted bool
}

func NewPtrMarker(vs *vmem.VirtualSpace) *PtrMarker {
	return &PtrMarker{
		vs:     vs,
		ptrmap: bitmap.New(initialPtrmapBits),
	}
}

func (m *PtrMarker) base() uintptr {
	return m.vs.Low()
}

func (m *PtrMarker) end() uintptr {
	return m.vs.High()
}

func (m *PtrMarker) index(loc uintptr) int {
	if !memutils.IsAligned(loc, uintptr(memutils.BytesPerWord)) {
		panic(fmt.Sprintf("pointers must be stored at word-aligned addresses: %#x", loc))
	}
	return int(loc-m.base()) / memutils.BytesPerWord
}

// MarkPointer marks the word at loc if it lies in the buffer and holds a non-null value. Locations
// outside the buffer are ignored.
func (m *PtrMarker) MarkPointer(loc uintptr) {
	if m.compacted {
		panic("cannot mark pointers after the bitmap has been compacted")
	}
	if loc < m.base() || loc >= m.end() {
		return
	}

	value := memutils.LoadWord(loc)
	// A pointer to the very bottom of the buffer could not be told apart from null once the archive
	// is mapped at address zero
	if uintptr(value) == m.base() {
		panic(fmt.Sprintf("pointer at %#x refers to the bottom of the archive buffer", loc))
	}
	if value == 0 {
		return
	}

	idx := m.index(loc)
	if idx >= m.ptrmap.Size() {
		m.ptrmap.Resize((idx + 1) * 2)
	}
	m.ptrmap.SetBit(idx)
}

// SetAndMarkPointer stores value at loc and marks it
func (m *PtrMarker) SetAndMarkPointer(loc uintptr, value uint64) {
	memutils.StoreWord(loc, value)
	m.MarkPointer(loc)
}

// ClearPointer unmarks the word at loc
func (m *PtrMarker) ClearPointer(loc uintptr) {
	if m.compacted {
		panic("cannot clear pointers after the bitmap has been compacted")
	}
	if loc < m.base() || loc >= m.end() {
		panic(fmt.Sprintf("location %#x is outside the archive buffer [%#x, %#x)", loc, m.base(), m.end()))
	}

	idx := m.index(loc)
	if idx < m.ptrmap.Size() {
		m.ptrmap.ClearBit(idx)
	}
}

// IsMarked reports whether the word at loc is marked as a pointer
func (m *PtrMarker) IsMarked(loc uintptr) bool {
	if loc < m.base() || loc >= m.end() {
		return false
	}
	idx := m.index(loc)
	return idx < m.ptrmap.Size() && m.ptrmap.At(idx)
}

// Compact truncates the bitmap after maxIndex, the highest bit that can still be set, and freezes it.
// A maxIndex of -1 leaves an empty bitmap.
func (m *PtrMarker) Compact(maxIndex int) {
	if m.compacted {
		panic("pointer bitmap is already compacted")
	}
	if maxIndex >= m.ptrmap.Size() {
		panic(fmt.Sprintf("cannot compact a bitmap of %d bits to %d bits", m.ptrmap.Size(), maxIndex+1))
	}
	m.ptrmap.Resize(maxIndex + 1)
	m.compacted = true
}

func (m *PtrMarker) Bitmap() *bitmap.Bitmap {
	return m.ptrmap
}

func (m *PtrMarker) IsCompacted() bool {
	return m.compacted
}
