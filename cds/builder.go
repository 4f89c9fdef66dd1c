package cds

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/cds/filemap"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils/vmem"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaobj"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

const (
	DefaultSharedBaseAddress   uintptr = 0x800000000
	DefaultMaxDelta            int     = 0x7FFFFFFF
	DefaultCoreRegionAlignment int     = 64 * memutils.K
)

// BuilderOptions configures an ArchiveBuilder
type BuilderOptions struct {
	// Dynamic builds a top layer archive over BaseArchive
	Dynamic bool
	// BaseArchive is the mapped static archive. Objects inside it are pointed to, not copied.
	BaseArchive *MappedArchive

	// SharedBaseAddress is where a static archive asks to be mapped
	SharedBaseAddress uintptr
	// MaxDelta bounds the offset of any archived byte from the archive bottom
	MaxDelta int
	// CoreRegionAlignment aligns the ends of the rw, ro and md regions. It is raised to the page size
	// when smaller.
	CoreRegionAlignment int
	// BufferSize overrides the estimated size of the archive buffer
	BufferSize int
}

func (o *BuilderOptions) fillDefaults() {
	if o.SharedBaseAddress == 0 {
		o.SharedBaseAddress = DefaultSharedBaseAddress
	}
	if o.MaxDelta == 0 {
		o.MaxDelta = DefaultMaxDelta
	}
	if o.CoreRegionAlignment == 0 {
		o.CoreRegionAlignment = DefaultCoreRegionAlignment
	}
	o.CoreRegionAlignment = max(o.CoreRegionAlignment, vmem.PageSize())
}

func (o *BuilderOptions) validate() error {
	if o.Dynamic && o.BaseArchive == nil {
		return errors.New("a dynamic archive needs a mapped base archive")
	}
	if !o.Dynamic && o.BaseArchive != nil {
		return errors.New("a static archive cannot be built over a base archive")
	}
	err := memutils.CheckPow2(o.CoreRegionAlignment, "CoreRegionAlignment")
	if err != nil {
		return err
	}
	if !memutils.IsAligned(o.SharedBaseAddress, uintptr(o.CoreRegionAlignment)) {
		return errors.Newf("SharedBaseAddress %#x is not aligned to %d", o.SharedBaseAddress, o.CoreRegionAlignment)
	}
	if o.BufferSize < 0 || o.MaxDelta < 0 {
		return errors.New("BufferSize and MaxDelta cannot be negative")
	}
	return nil
}

// Phase is the step an ArchiveBuilder has completed
type Phase int

const (
	PhaseCreated Phase = iota
	PhaseGathered
	PhaseSorted
	PhaseBufferReserved
	PhaseRWDumped
	PhaseRODumped
	PhaseEmbeddedPointersRelocated
	PhaseRootsRelocated
	PhaseClassesShareable
	PhaseTablesWritten
	PhaseRelocatedToRequested
	PhaseWritten
)

var phaseMapping = map[Phase]string{
	PhaseCreated:                   "Created",
	PhaseGathered:                  "Gathered",
	PhaseSorted:                    "Sorted",
	PhaseBufferReserved:            "BufferReserved",
	PhaseRWDumped:                  "RWDumped",
	PhaseRODumped:                  "RODumped",
	PhaseEmbeddedPointersRelocated: "EmbeddedPointersRelocated",
	PhaseRootsRelocated:            "RootsRelocated",
	PhaseClassesShareable:          "ClassesShareable",
	PhaseTablesWritten:             "TablesWritten",
	PhaseRelocatedToRequested:      "RelocatedToRequested",
	PhaseWritten:                   "Written",
}

func (p Phase) String() string {
	return phaseMapping[p]
}

var activeBuilder atomic.Pointer[ArchiveBuilder]

// ArchiveBuilder copies a graph of metadata objects into a buffer laid out as an archive, rewrites the
// pointers between them for the requested mapping address and writes the archive file. Its steps
// must be called in order; Dump runs all of them.
type ArchiveBuilder struct {
	logger  *slog.Logger
	options BuilderOptions
	phase   Phase

	// tableLock guards the source object table during gathering
	tableLock   sync.Mutex
	srcObjTable *swiss.Map[uintptr, *SourceObjInfo]
	rwSrcObjs   *SourceObjList
	roSrcObjs   *SourceObjList

	roots          []metaobj.MetaspaceObj
	relocatedRoots []uintptr
	classes        []*SourceObjInfo
	symbols        []*SourceObjInfo
	excluded       int

	rs     *vmem.ReservedSpace
	vs     *vmem.VirtualSpace
	marker *PtrMarker
	rw     *DumpRegion
	ro     *DumpRegion
	md     *DumpRegion

	serializedDataOffset int
	requestedBottom      uintptr
	requestedTop         uintptr

	stats AllocStats
}

// NewArchiveBuilder creates the builder. Only one builder may exist at a time; Close releases it.
func NewArchiveBuilder(logger *slog.Logger, options BuilderOptions) (*ArchiveBuilder, error) {
	options.fillDefaults()
	if err := options.validate(); err != nil {
		return nil, err
	}

	builder := &ArchiveBuilder{
		logger:      logger,
		options:     options,
		srcObjTable: swiss.NewMap[uintptr, *SourceObjInfo](1024),
		rwSrcObjs:   NewSourceObjList(),
		roSrcObjs:   NewSourceObjList(),
	}
	if !activeBuilder.CompareAndSwap(nil, builder) {
		return nil, ErrBuilderActive
	}
	return builder, nil
}

// Close releases the buffer and lets another builder be created
func (b *ArchiveBuilder) Close() error {
	var err error
	if b.rs != nil {
		err = b.rs.Release()
		b.rs = nil
	}
	activeBuilder.CompareAndSwap(b, nil)
	return err
}

func (b *ArchiveBuilder) Phase() Phase {
	return b.phase
}

func (b *ArchiveBuilder) advance(op string, from Phase) error {
	if b.phase != from {
		return errors.Newf("ArchiveBuilder.%s called in phase %s, expected %s", op, b.phase, from)
	}
	b.phase = from + 1
	return nil
}

func (b *ArchiveBuilder) isDynamic() bool {
	return b.options.Dynamic
}

func (b *ArchiveBuilder) Stats() *AllocStats {
	return &b.stats
}

// RWObjs and ROObjs are the copied objects of each region in copy order
func (b *ArchiveBuilder) RWObjs() *SourceObjList {
	return b.rwSrcObjs
}

func (b *ArchiveBuilder) ROObjs() *SourceObjList {
	return b.roSrcObjs
}

// SourceObjInfo returns what the builder knows about the object at a source address
func (b *ArchiveBuilder) SourceObjInfo(addr uintptr) (*SourceObjInfo, bool) {
	return b.srcObjTable.Get(addr)
}

func (b *ArchiveBuilder) Regions() (rw, ro, md *DumpRegion) {
	return b.rw, b.ro, b.md
}

func (b *ArchiveBuilder) PtrMarker() *PtrMarker {
	return b.marker
}

func (b *ArchiveBuilder) RequestedBottom() uintptr {
	return b.requestedBottom
}

func (b *ArchiveBuilder) RequestedTop() uintptr {
	return b.requestedTop
}

func (b *ArchiveBuilder) BufferBottom() uintptr {
	return b.rs.Base()
}

func (b *ArchiveBuilder) BufferTop() uintptr {
	return b.md.Top()
}

func (b *ArchiveBuilder) IsInBufferSpace(addr uintptr) bool {
	return b.rs != nil && addr >= b.rs.Base() && addr < b.md.Top()
}

func (b *ArchiveBuilder) followModeOf(obj metaobj.MetaspaceObj) FollowMode {
	if b.options.BaseArchive != nil && b.options.BaseArchive.IsInSharedSpace(obj.Addr()) {
		return PointToIt
	}
	if obj.Type() == metaobj.MethodDataType {
		return SetToNull
	}
	if obj.Type() == metaobj.ClassType {
		class := classOf(obj)
		reason := ExclusionReasonFor(class, b.isDynamic())
		if reason != NotExcluded {
			b.excluded++
			b.logger.LogAttrs(context.Background(), slog.LevelInfo, "Skipping class",
				slog.String("Class", class.Name()), slog.String("Reason", reason.String()))
			return SetToNull
		}
	}
	return MakeACopy
}

func classOf(obj metaobj.MetaspaceObj) metaobj.ClassObj {
	class, ok := obj.(metaobj.ClassObj)
	if !ok {
		panic(fmt.Sprintf("object at %#x has class type but is a %T", obj.Addr(), obj))
	}
	return class
}

func (b *ArchiveBuilder) listFor(readOnly bool) *SourceObjList {
	if readOnly {
		return b.roSrcObjs
	}
	return b.rwSrcObjs
}

// gatherOne records obj, reached through the field at fieldAddr of enclosing (nil for roots). It
// returns the object's info when it is newly seen and must be followed.
func (b *ArchiveBuilder) gatherOne(enclosing *SourceObjInfo, fieldAddr uintptr, obj metaobj.MetaspaceObj) *SourceObjInfo {
	addr := obj.Addr()
	if addr == 0 || !memutils.IsAligned(addr, uintptr(memutils.ObjectAlignment)) || obj.SizeInBytes() <= 0 || !obj.Type().IsValid() {
		panic(fmt.Sprintf("unexpected %s object at %#x of %d bytes", obj.Type(), addr, obj.SizeInBytes()))
	}

	if enclosing != nil {
		stored := metaobj.TaggedPointer(memutils.LoadWord(fieldAddr))
		if stored.Address() != addr {
			panic(fmt.Sprintf("field %#x of the %s at %#x holds %#x, not %#x",
				fieldAddr, enclosing.obj.Type(), enclosing.sourceAddr, stored.Address(), addr))
		}
		b.listFor(enclosing.readOnly).RememberEmbeddedPointer(enclosing, fieldAddr)
	}

	readOnly := obj.ReadOnlyByDefault()
	if existing, ok := b.srcObjTable.Get(addr); ok {
		if existing.readOnly != readOnly {
			panic(fmt.Sprintf("object at %#x was reached as both read-only and writable", addr))
		}
		return nil
	}

	info := newSourceObjInfo(obj, readOnly, b.followModeOf(obj))
	b.srcObjTable.Put(addr, info)
	if !info.ShouldCopy() {
		return nil
	}

	b.listFor(readOnly).Append(info)
	switch obj.Type() {
	case metaobj.ClassType:
		b.classes = append(b.classes, info)
	case metaobj.SymbolType:
		b.symbols = append(b.symbols, info)
	}
	return info
}

// GatherSourceObjs walks the graph breadth first from roots, deciding for every reachable object
// whether to copy it, point to it or drop references to it
func (b *ArchiveBuilder) GatherSourceObjs(roots []metaobj.MetaspaceObj) error {
	b.logger.Debug("ArchiveBuilder::GatherSourceObjs")
	if err := b.advance("GatherSourceObjs", PhaseCreated); err != nil {
		return err
	}

	b.tableLock.Lock()
	defer b.tableLock.Unlock()

	var queue []*SourceObjInfo
	for _, root := range roots {
		if root == nil {
			continue
		}
		b.roots = append(b.roots, root)
		if info := b.gatherOne(nil, 0, root); info != nil {
			queue = append(queue, info)
		}
	}

	for len(queue) > 0 {
		enclosing := queue[0]
		queue = queue[1:]
		enclosing.obj.PointersDo(metaobj.PointerIteratorFunc(func(fieldAddr uintptr, target metaobj.MetaspaceObj) {
			if target == nil {
				return
			}
			if next := b.gatherOne(enclosing, fieldAddr, target); next != nil {
				queue = append(queue, next)
			}
		}))
	}

	b.logger.LogAttrs(context.Background(), slog.LevelInfo, "Gathered source objects",
		slog.Int("Total", b.srcObjTable.Count()),
		slog.Int("RW", b.rwSrcObjs.Len()),
		slog.Int("RO", b.roSrcObjs.Len()),
		slog.Int("Classes", len(b.classes)),
		slog.Int("Symbols", len(b.symbols)),
		slog.Int("ExcludedClasses", b.excluded),
	)
	return nil
}

// SortMetadataObjs orders the classes by name and the symbols by source address, then lays out the rw
// and ro objects from that order so the archive does not depend on the order of the roots
func (b *ArchiveBuilder) SortMetadataObjs() error {
	if err := b.advance("SortMetadataObjs", PhaseGathered); err != nil {
		return err
	}

	slices.SortFunc(b.classes, func(l, r *SourceObjInfo) bool {
		lName, rName := classOf(l.obj).Name(), classOf(r.obj).Name()
		if lName != rName {
			return lName < rName
		}
		return l.sourceAddr < r.sourceAddr
	})
	slices.SortFunc(b.symbols, bySourceAddr)

	var rwOrder, roOrder []*SourceObjInfo
	for _, info := range b.layoutOrder() {
		if info.readOnly {
			roOrder = append(roOrder, info)
		} else {
			rwOrder = append(rwOrder, info)
		}
	}
	b.rwSrcObjs.Reorder(rwOrder)
	b.roSrcObjs.Reorder(roOrder)
	return nil
}

func bySourceAddr(l, r *SourceObjInfo) bool {
	return l.sourceAddr < r.sourceAddr
}

// layoutOrder walks the copied objects breadth first from the sorted classes, then from the sorted
// symbols, then from whatever only other roots reach, taken in source address order
func (b *ArchiveBuilder) layoutOrder() []*SourceObjInfo {
	total := b.rwSrcObjs.Len() + b.roSrcObjs.Len()
	seen := swiss.NewMap[uintptr, struct{}](uint32(total))
	order := make([]*SourceObjInfo, 0, total)
	var queue []*SourceObjInfo

	enqueue := func(info *SourceObjInfo) {
		if !info.ShouldCopy() || seen.Has(info.sourceAddr) {
			return
		}
		seen.Put(info.sourceAddr, struct{}{})
		queue = append(queue, info)
	}
	walk := func(seeds []*SourceObjInfo) {
		for _, seed := range seeds {
			enqueue(seed)
		}
		for len(queue) > 0 {
			info := queue[0]
			queue = queue[1:]
			order = append(order, info)
			b.listFor(info.readOnly).EachSourcePointer(info, func(target uintptr) {
				if next, ok := b.srcObjTable.Get(target); ok {
					enqueue(next)
				}
			})
		}
	}

	walk(b.classes)
	walk(b.symbols)

	var rest []*SourceObjInfo
	for _, list := range []*SourceObjList{b.rwSrcObjs, b.roSrcObjs} {
		for _, info := range list.Objs() {
			if !seen.Has(info.sourceAddr) {
				rest = append(rest, info)
			}
		}
	}
	slices.SortFunc(rest, bySourceAddr)
	walk(rest)

	return order
}

// Classes are the copied classes, sorted by name once SortMetadataObjs has run
func (b *ArchiveBuilder) Classes() []*SourceObjInfo {
	return b.classes
}

func (b *ArchiveBuilder) Symbols() []*SourceObjInfo {
	return b.symbols
}

func (b *ArchiveBuilder) estimateArchiveSize() int {
	total := b.rwSrcObjs.TotalBytes() + b.roSrcObjs.TotalBytes()
	// one guard word at the bottom and one slot in front of each instance class
	total += memutils.BytesPerWord * (1 + len(b.classes))
	total += estimateTablesSize(b)
	// each of rw, ro and md may waste up to an alignment unit when packed
	total += 3 * b.options.CoreRegionAlignment
	return memutils.AlignUp(total, b.options.CoreRegionAlignment)
}

func (b *ArchiveBuilder) computeRequestedBottom() uintptr {
	if b.isDynamic() {
		return memutils.AlignUp(b.options.BaseArchive.RequestedTop(), uintptr(b.options.CoreRegionAlignment))
	}
	return b.options.SharedBaseAddress
}

// ReserveBuffer reserves the archive buffer, preferably at the requested address so that no
// relocation is needed, and places the rw region at its bottom
func (b *ArchiveBuilder) ReserveBuffer() error {
	if err := b.advance("ReserveBuffer", PhaseSorted); err != nil {
		return err
	}

	size := b.estimateArchiveSize()
	if b.options.BufferSize > 0 {
		size = memutils.AlignUp(b.options.BufferSize, b.options.CoreRegionAlignment)
	}
	requested := b.computeRequestedBottom()

	rs, err := vmem.Reserve(b.logger, size, b.options.CoreRegionAlignment, requested)
	if err != nil {
		return fatalWrapf(err, "unable to reserve %d bytes for the archive buffer", size)
	}
	vs, err := vmem.NewVirtualSpace(rs, 0)
	if err != nil {
		_ = rs.Release()
		return fatalWrapf(err, "unable to set up the archive buffer")
	}

	b.rs = rs
	b.vs = vs
	b.marker = NewPtrMarker(vs)
	b.rw = NewDumpRegion("rw", b.options.MaxDelta, b.marker)
	b.ro = NewDumpRegion("ro", b.options.MaxDelta, b.marker)
	b.md = NewDumpRegion("md", b.options.MaxDelta, b.marker)
	b.rw.Init(rs, vs)

	// The bottom word is never an object, so no marked pointer can equal the buffer bottom
	b.rw.AppendWord(0, false)

	b.logger.LogAttrs(context.Background(), slog.LevelInfo, "Reserved archive buffer",
		slog.String("Bottom", fmt.Sprintf("%#x", rs.Base())),
		slog.String("Requested", fmt.Sprintf("%#x", requested)),
		slog.Int("Size", size),
	)
	return nil
}

func (b *ArchiveBuilder) copyOne(region *DumpRegion, info *SourceObjInfo) {
	if info.obj.Type() == metaobj.ClassType && classOf(info.obj).IsInstanceClass() {
		// Filled with the address of the class's table record once the tables are written
		region.Allocate(memutils.BytesPerWord)
		b.stats.ClassSlots.add(memutils.BytesPerWord)
	}

	dest := region.Allocate(info.sizeInBytes)
	copy(memutils.BytesAt(dest, info.sizeInBytes), memutils.BytesAt(info.sourceAddr, info.sizeInBytes))
	info.dumpedAddr = dest
	b.stats.recordObject(info.readOnly, info.obj.Type(), memutils.AlignUp(info.sizeInBytes, memutils.ObjectAlignment))
}

func (b *ArchiveBuilder) dumpRegion(region *DumpRegion, list *SourceObjList, next *DumpRegion) {
	for _, info := range list.Objs() {
		b.copyOne(region, info)
	}
	region.Pack(next)

	b.logger.LogAttrs(context.Background(), slog.LevelDebug, "Dumped region",
		slog.String("Region", region.Name()),
		slog.Int("Objects", list.Len()),
		slog.Int("Used", region.Used()),
		slog.Int("Reserved", region.Reserved()),
	)
}

// DumpRWRegion copies every writable object into the rw region
func (b *ArchiveBuilder) DumpRWRegion() error {
	if err := b.advance("DumpRWRegion", PhaseBufferReserved); err != nil {
		return err
	}
	b.dumpRegion(b.rw, b.rwSrcObjs, b.ro)
	return nil
}

// DumpRORegion copies every read-only object into the ro region
func (b *ArchiveBuilder) DumpRORegion() error {
	if err := b.advance("DumpRORegion", PhaseRWDumped); err != nil {
		return err
	}
	b.dumpRegion(b.ro, b.roSrcObjs, b.md)
	return nil
}

// dumpedAddrOf translates a source address into its address in the buffer
func (b *ArchiveBuilder) dumpedAddrOf(src uintptr) uintptr {
	info, ok := b.srcObjTable.Get(src)
	if !ok {
		panic(fmt.Sprintf("pointer to %#x refers to an object that was never gathered", src))
	}
	return info.dumpedAddr
}

func (b *ArchiveBuilder) relocatePointer(loc uintptr) {
	old := metaobj.TaggedPointer(memutils.LoadWord(loc))
	dumped := b.dumpedAddrOf(old.Address())

	var value uint64
	if dumped != 0 {
		value = uint64(old.WithAddress(dumped))
	}
	b.marker.SetAndMarkPointer(loc, value)
}

// RelocateEmbeddedPointers rewrites every pointer field of the copies to refer to the copies,
// keeping pointer tags
func (b *ArchiveBuilder) RelocateEmbeddedPointers() error {
	if err := b.advance("RelocateEmbeddedPointers", PhaseRODumped); err != nil {
		return err
	}

	for _, list := range []*SourceObjList{b.rwSrcObjs, b.roSrcObjs} {
		for _, info := range list.Objs() {
			list.EachPointer(info, b.relocatePointer)
		}
	}
	return nil
}

// RelocateRoots translates the roots into buffer addresses
func (b *ArchiveBuilder) RelocateRoots() error {
	if err := b.advance("RelocateRoots", PhaseEmbeddedPointersRelocated); err != nil {
		return err
	}

	b.relocatedRoots = make([]uintptr, len(b.roots))
	for i, root := range b.roots {
		b.relocatedRoots[i] = b.dumpedAddrOf(root.Addr())
	}
	return nil
}

// RelocatedRoots are the buffer addresses of the roots, zero for roots that were dropped
func (b *ArchiveBuilder) RelocatedRoots() []uintptr {
	return b.relocatedRoots
}

// MakeClassesShareable strips process-local state from the copied classes
func (b *ArchiveBuilder) MakeClassesShareable() error {
	if err := b.advance("MakeClassesShareable", PhaseRootsRelocated); err != nil {
		return err
	}

	instanceClasses := 0
	for _, info := range b.classes {
		class := classOf(info.obj)
		if class.IsInstanceClass() {
			instanceClasses++
		}
		class.RemoveUnshareableInfo(memutils.BytesAt(info.dumpedAddr, info.sizeInBytes))
	}

	b.logger.LogAttrs(context.Background(), slog.LevelInfo, "Classes made shareable",
		slog.Int("Classes", len(b.classes)),
		slog.Int("InstanceClasses", instanceClasses),
	)
	return nil
}

// WriteSerializedTables writes the object kind index, the class table, the symbol table and the
// roots into the md region
func (b *ArchiveBuilder) WriteSerializedTables() error {
	if err := b.advance("WriteSerializedTables", PhaseClassesShareable); err != nil {
		return err
	}

	before := b.md.Used()
	b.serializedDataOffset = writeTables(b)
	b.stats.Tables.add(b.md.Used() - before)
	return nil
}

// RelocateToRequested rewrites every marked pointer for the requested mapping address, drops the
// marks of null pointers and compacts the bitmap
func (b *ArchiveBuilder) RelocateToRequested() error {
	if err := b.advance("RelocateToRequested", PhaseTablesWritten); err != nil {
		return err
	}

	b.md.Pack(nil)

	bottom := b.rs.Base()
	top := b.md.Top()
	b.requestedBottom = b.computeRequestedBottom()
	b.requestedTop = b.requestedBottom + (b.md.End() - bottom)

	base := b.options.BaseArchive
	maxIndex := -1
	ptrmap := b.marker.Bitmap()
	ptrmap.Iterate(0, ptrmap.Size(), func(index int) bool {
		loc := bottom + uintptr(index*memutils.BytesPerWord)
		p := metaobj.TaggedPointer(memutils.LoadWord(loc))
		if p == 0 {
			ptrmap.ClearBit(index)
			return true
		}

		addr := p.Address()
		switch {
		case addr >= bottom && addr < top:
			p = p.WithAddress(b.requestedBottom + (addr - bottom))
		case base != nil && base.IsInMappedRange(addr):
			p = p.WithAddress(base.RequestedBottom() + (addr - base.MappedBottom()))
		default:
			panic(fmt.Sprintf("pointer %#x at %#x is neither in the buffer nor in the base archive", addr, loc))
		}
		memutils.StoreWord(loc, uint64(p))
		maxIndex = index
		return true
	})
	b.marker.Compact(maxIndex)

	b.logger.LogAttrs(context.Background(), slog.LevelInfo, "Relocated archive to requested address",
		slog.String("Buffer", fmt.Sprintf("%#x", bottom)),
		slog.String("Requested", fmt.Sprintf("%#x", b.requestedBottom)),
		slog.Int("PointerBits", ptrmap.Size()),
	)
	return nil
}

func (b *ArchiveBuilder) requestedAddrOf(buffered uintptr) uintptr {
	return b.requestedBottom + (buffered - b.rs.Base())
}

// WriteArchive writes the relocated buffer to path
func (b *ArchiveBuilder) WriteArchive(path string, options filemap.Options) error {
	if err := b.advance("WriteArchive", PhaseRelocatedToRequested); err != nil {
		return err
	}

	header := filemap.Header{
		Magic:                filemap.StaticMagic,
		Alignment:            uint32(b.options.CoreRegionAlignment),
		RequestedBase:        uint64(b.requestedBottom),
		PtrmapSizeInBits:     uint64(b.marker.Bitmap().Size()),
		SerializedDataOffset: uint64(b.serializedDataOffset),
	}
	if b.isDynamic() {
		base := b.options.BaseArchive.Header()
		header.Magic = filemap.DynamicMagic
		header.BaseHeaderCRC = int32(base.CRC)
		for i := range header.BaseRegionCRC {
			header.BaseRegionCRC[i] = base.Regions[i].CRC
		}
		header.BaseArchivePath = b.options.BaseArchive.Path()
	}

	info := filemap.New(b.logger, options)
	err := info.OpenForWrite(path, header)
	if err != nil {
		return err
	}

	info.SetRegion(filemap.RegionRW, b.rw.Bytes(), b.requestedAddrOf(b.rw.Base()), b.rw.Reserved(), false, false)
	info.SetRegion(filemap.RegionRO, b.ro.Bytes(), b.requestedAddrOf(b.ro.Base()), b.ro.Reserved(), true, false)
	info.SetRegion(filemap.RegionMD, b.md.Bytes(), b.requestedAddrOf(b.md.Base()), b.md.Reserved(), false, false)
	if !b.isDynamic() {
		info.SetRegion(filemap.RegionMC, nil, b.requestedTop, 0, false, true)
	}
	info.SetBitmap(b.marker.Bitmap().Bytes())

	err = info.WriteHeader()
	if err == nil {
		err = info.WriteRegions()
	}
	if err == nil {
		err = info.Close()
	}
	if err != nil {
		info.Abort()
		return err
	}

	b.logger.LogAttrs(context.Background(), slog.LevelInfo, "Wrote archive",
		slog.String("Path", path),
		slog.Bool("Dynamic", b.isDynamic()),
		slog.Int("Bytes", int(b.requestedTop-b.requestedBottom)),
	)
	return nil
}
