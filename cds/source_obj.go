package cds

import (
	"fmt"

	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils/bitmap"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaobj"
)

// FollowMode is what the builder does with an object it reaches
type FollowMode int

const (
	// MakeACopy copies the object into the buffer and follows its pointers
	MakeACopy FollowMode = iota
	// PointToIt leaves pointers to the object as they are. Used for objects of the base archive.
	PointToIt
	// SetToNull clears every pointer to the object in the copies
	SetToNull
)

var followModeMapping = map[FollowMode]string{
	MakeACopy: "MakeACopy",
	PointToIt: "PointToIt",
	SetToNull: "SetToNull",
}

func (m FollowMode) String() string {
	return followModeMapping[m]
}

// SourceObjInfo is what the builder knows about one source object
type SourceObjInfo struct {
	obj         metaobj.MetaspaceObj
	sourceAddr  uintptr
	dumpedAddr  uintptr
	sizeInBytes int
	readOnly    bool
	followMode  FollowMode

	// [ptrmapStart, ptrmapEnd) are the bits of the owning SourceObjList's bitmap covering this object
	ptrmapStart int
	ptrmapEnd   int
}

func newSourceObjInfo(obj metaobj.MetaspaceObj, readOnly bool, mode FollowMode) *SourceObjInfo {
	info := &SourceObjInfo{
		obj:         obj,
		sourceAddr:  obj.Addr(),
		sizeInBytes: obj.SizeInBytes(),
		readOnly:    readOnly,
		followMode:  mode,
	}
	if mode == PointToIt {
		info.dumpedAddr = info.sourceAddr
	}
	return info
}

func (i *SourceObjInfo) Obj() metaobj.MetaspaceObj {
	return i.obj
}

func (i *SourceObjInfo) SourceAddr() uintptr {
	return i.sourceAddr
}

// DumpedAddr is where the object lives in the buffer. It is the source address for PointToIt objects
// and zero for SetToNull objects.
func (i *SourceObjInfo) DumpedAddr() uintptr {
	return i.dumpedAddr
}

func (i *SourceObjInfo) SizeInBytes() int {
	return i.sizeInBytes
}

func (i *SourceObjInfo) ReadOnly() bool {
	return i.readOnly
}

func (i *SourceObjInfo) FollowMode() FollowMode {
	return i.followMode
}

func (i *SourceObjInfo) ShouldCopy() bool {
	return i.followMode == MakeACopy
}

// SourceObjList holds the objects bound for one region in gather order, with a bitmap marking the
// pointer fields of each object relative to its own start
type SourceObjList struct {
	totalBytes int
	objs       []*SourceObjInfo
	ptrmap     *bitmap.Bitmap
}

func NewSourceObjList() *SourceObjList {
	return &SourceObjList{
		ptrmap: bitmap.New(initialPtrmapBits),
	}
}

func (l *SourceObjList) Objs() []*SourceObjInfo {
	return l.objs
}

func (l *SourceObjList) Len() int {
	return len(l.objs)
}

func (l *SourceObjList) TotalBytes() int {
	return l.totalBytes
}

func (l *SourceObjList) Ptrmap() *bitmap.Bitmap {
	return l.ptrmap
}

// Append adds a copied object and reserves its bits in the list's bitmap
func (l *SourceObjList) Append(info *SourceObjInfo) {
	l.objs = append(l.objs, info)

	info.ptrmapStart = l.totalBytes / memutils.BytesPerWord
	l.totalBytes = memutils.AlignUp(l.totalBytes+info.sizeInBytes, memutils.BytesPerWord)
	info.ptrmapEnd = l.totalBytes / memutils.BytesPerWord

	if l.ptrmap.Size() <= info.ptrmapEnd {
		l.ptrmap.Resize((info.ptrmapEnd + 1) * 2)
	}
}

// RememberEmbeddedPointer marks the field at fieldAddr, inside info's source object, as a pointer
func (l *SourceObjList) RememberEmbeddedPointer(info *SourceObjInfo, fieldAddr uintptr) {
	if fieldAddr < info.sourceAddr {
		panic(fmt.Sprintf("field %#x lies before its object at %#x", fieldAddr, info.sourceAddr))
	}
	offset := int(fieldAddr - info.sourceAddr)
	if offset+memutils.BytesPerWord > info.sizeInBytes {
		panic(fmt.Sprintf("field at offset %d overruns its %s object of %d bytes", offset, info.obj.Type(), info.sizeInBytes))
	}
	if !memutils.IsAligned(offset, memutils.BytesPerWord) {
		panic(fmt.Sprintf("field at offset %d of a %s object is not word aligned", offset, info.obj.Type()))
	}

	l.ptrmap.SetBit(info.ptrmapStart + offset/memutils.BytesPerWord)
}

// EachPointer calls visit with the buffer address of every remembered pointer field of info's copy
func (l *SourceObjList) EachPointer(info *SourceObjInfo, visit func(loc uintptr)) {
	l.ptrmap.Iterate(info.ptrmapStart, info.ptrmapEnd, func(index int) bool {
		visit(info.dumpedAddr + uintptr((index-info.ptrmapStart)*memutils.BytesPerWord))
		return true
	})
}

// EachSourcePointer calls visit with the address held by every remembered pointer field of info's
// source object, in field order
func (l *SourceObjList) EachSourcePointer(info *SourceObjInfo, visit func(target uintptr)) {
	l.ptrmap.Iterate(info.ptrmapStart, info.ptrmapEnd, func(index int) bool {
		loc := info.sourceAddr + uintptr((index-info.ptrmapStart)*memutils.BytesPerWord)
		visit(metaobj.TaggedPointer(memutils.LoadWord(loc)).Address())
		return true
	})
}

// Reorder rebuilds the list in the order given, carrying each object's pointer bits along. order
// must hold exactly the objects already in the list.
func (l *SourceObjList) Reorder(order []*SourceObjInfo) {
	if len(order) != len(l.objs) {
		panic(fmt.Sprintf("reordering a list of %d objects with %d objects", len(l.objs), len(order)))
	}

	old := l.ptrmap
	l.objs = make([]*SourceObjInfo, 0, len(order))
	l.totalBytes = 0
	l.ptrmap = bitmap.New(old.Size())

	for _, info := range order {
		oldStart, oldEnd := info.ptrmapStart, info.ptrmapEnd
		l.Append(info)
		old.Iterate(oldStart, oldEnd, func(index int) bool {
			l.ptrmap.SetBit(info.ptrmapStart + index - oldStart)
			return true
		})
	}
}
