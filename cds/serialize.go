package cds

import (
	"github.com/cockroachdb/errors"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaobj"
)

// The md region holds the class names followed by the serialized tables:
//
//	objectCount, objectCount * {pointer, kind}
//	classCount,  classCount  * {pointer, nameOffset, nameLength}   sorted by name
//	symbolCount, symbolCount * {pointer}                           sorted by source address
//	rootCount,   rootCount   * {pointer}
//
// nameOffset is relative to the bottom of md. Every instance class is preceded by a slot holding the
// address of its class table record.

const (
	kindShift = 56
	sizeMask  = uint64(1)<<kindShift - 1

	classRecordWords = 3
)

func encodeKind(objType metaobj.ObjType, size int) uint64 {
	return uint64(objType)<<kindShift | uint64(size)&sizeMask
}

func decodeKind(word uint64) (metaobj.ObjType, int) {
	return metaobj.ObjType(word >> kindShift), int(word & sizeMask)
}

func estimateTablesSize(b *ArchiveBuilder) int {
	words := 4
	words += 2 * (b.rwSrcObjs.Len() + b.roSrcObjs.Len())
	words += classRecordWords*len(b.classes) + len(b.symbols) + len(b.roots)

	names := 0
	for _, info := range b.classes {
		names += memutils.AlignUp(len(classOf(info.obj).Name()), memutils.ObjectAlignment)
	}
	return memutils.WordsToBytes(words) + names
}

// writeTables appends the names and tables to md and returns the offset of the tables from the
// bottom of md
func writeTables(b *ArchiveBuilder) int {
	md := b.md

	nameOffsets := make([]int, len(b.classes))
	for i, info := range b.classes {
		name := classOf(info.obj).Name()
		nameOffsets[i] = md.Used()
		if len(name) > 0 {
			p := md.Allocate(len(name))
			copy(memutils.BytesAt(p, len(name)), name)
			nameOffsets[i] = int(p - md.Base())
		}
	}

	offset := md.Used()

	md.AppendWord(uint64(b.rwSrcObjs.Len()+b.roSrcObjs.Len()), false)
	for _, list := range []*SourceObjList{b.rwSrcObjs, b.roSrcObjs} {
		for _, info := range list.Objs() {
			md.AppendWord(uint64(info.dumpedAddr), true)
			md.AppendWord(encodeKind(info.obj.Type(), info.sizeInBytes), false)
		}
	}

	md.AppendWord(uint64(len(b.classes)), false)
	for i, info := range b.classes {
		class := classOf(info.obj)
		record := md.AppendWord(uint64(info.dumpedAddr), true)
		md.AppendWord(uint64(nameOffsets[i]), false)
		md.AppendWord(uint64(len(class.Name())), false)
		if class.IsInstanceClass() {
			b.marker.SetAndMarkPointer(info.dumpedAddr-uintptr(memutils.BytesPerWord), uint64(record))
		}
	}

	md.AppendWord(uint64(len(b.symbols)), false)
	for _, info := range b.symbols {
		md.AppendWord(uint64(info.dumpedAddr), true)
	}

	md.AppendWord(uint64(len(b.relocatedRoots)), false)
	for _, root := range b.relocatedRoots {
		md.AppendWord(uint64(root), root != 0)
	}

	return offset
}

// ArchivedObject is one object of a mapped archive
type ArchivedObject struct {
	Addr        uintptr
	Type        metaobj.ObjType
	SizeInBytes int
}

// ArchivedClass is one entry of a mapped archive's class table
type ArchivedClass struct {
	Addr uintptr
	Name string
	// Record is the address of the class's table record
	Record uintptr
}

type tables struct {
	// classTable is the address of the first class record
	classTable uintptr
	objects    []ArchivedObject
	classes    []ArchivedClass
	symbols    []uintptr
	roots      []uintptr
}

type tableReader struct {
	mdBase uintptr
	addr   uintptr
	end    uintptr
	err    error
}

func (r *tableReader) word() uint64 {
	if r.err != nil {
		return 0
	}
	if r.addr+uintptr(memutils.BytesPerWord) > r.end {
		r.err = errors.New("serialized tables overrun the md region")
		return 0
	}
	value := memutils.LoadWord(r.addr)
	r.addr += uintptr(memutils.BytesPerWord)
	return value
}

func (r *tableReader) count(recordWords int) int {
	n := r.word()
	remaining := uint64(r.end-r.addr) / uint64(memutils.BytesPerWord)
	if r.err == nil && n*uint64(recordWords) > remaining {
		r.err = errors.Newf("table of %d records does not fit in the md region", n)
		return 0
	}
	return int(n)
}

func (r *tableReader) name(offset, length int) string {
	if r.err != nil {
		return ""
	}
	if offset < 0 || length < 0 || r.mdBase+uintptr(offset+length) > r.end {
		r.err = errors.Newf("class name [%d, %d) lies outside the md region", offset, offset+length)
		return ""
	}
	return string(memutils.BytesAt(r.mdBase+uintptr(offset), length))
}

// readTables decodes the tables of an md region mapped at mdBase with used bytes, starting offset
// bytes in
func readTables(mdBase uintptr, used int, offset int) (*tables, error) {
	if offset < 0 || offset > used {
		return nil, errors.Newf("serialized data offset %d is outside the md region of %d bytes", offset, used)
	}
	r := &tableReader{
		mdBase: mdBase,
		addr:   mdBase + uintptr(offset),
		end:    mdBase + uintptr(used),
	}
	t := &tables{}

	t.objects = make([]ArchivedObject, r.count(2))
	for i := range t.objects {
		addr := uintptr(r.word())
		objType, size := decodeKind(r.word())
		if r.err == nil && !objType.IsValid() {
			return nil, errors.Newf("archived object at %#x has unknown kind %d", addr, objType)
		}
		t.objects[i] = ArchivedObject{Addr: addr, Type: objType, SizeInBytes: size}
	}

	t.classes = make([]ArchivedClass, r.count(classRecordWords))
	t.classTable = r.addr
	for i := range t.classes {
		record := r.addr
		addr := uintptr(r.word())
		nameOffset := int(r.word())
		nameLength := int(r.word())
		t.classes[i] = ArchivedClass{Addr: addr, Name: r.name(nameOffset, nameLength), Record: record}
	}

	t.symbols = make([]uintptr, r.count(1))
	for i := range t.symbols {
		t.symbols[i] = uintptr(r.word())
	}

	t.roots = make([]uintptr, r.count(1))
	for i := range t.roots {
		t.roots[i] = uintptr(r.word())
	}

	if r.err != nil {
		return nil, r.err
	}
	return t, nil
}
