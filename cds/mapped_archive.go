package cds

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/maphash"
	"github.com/elastic/go-freelru"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/cds/filemap"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils/bitmap"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaobj"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaspace"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

const DefaultClassCacheSize uint32 = 256

var _ metaspace.SharedSpace = (*MappedArchive)(nil)

// InitializeOptions configures the mapping of an archive
type InitializeOptions struct {
	filemap.Options

	// BaseArchive is the mapped static archive a dynamic archive was built over
	BaseArchive *MappedArchive
	// Kinds supplies the behavior restored onto archived objects of each kind
	Kinds *KindRegistry
	// ClassCacheSize is the number of class name lookups kept in the cache
	ClassCacheSize uint32
}

// MappedArchive is an archive mapped into this process and relocated to where it landed
type MappedArchive struct {
	logger *slog.Logger
	info   *filemap.FileMapInfo
	header filemap.Header
	path   string
	base   *MappedArchive

	mappedBottom    uintptr
	mappedTop       uintptr
	requestedBottom uintptr
	requestedTop    uintptr

	tables     *tables
	kinds      *KindRegistry
	classCache *freelru.SyncedLRU[string, int]
	cacheSize  uint32

	requireSharing bool
}

// Initialize maps the archive at path. Failures are marked ErrSharingDisabled, or ErrFatal when
// options.RequireSharedSpaces is set.
func Initialize(logger *slog.Logger, path string, options InitializeOptions) (*MappedArchive, error) {
	if options.ClassCacheSize == 0 {
		options.ClassCacheSize = DefaultClassCacheSize
	}

	info := filemap.New(logger, options.Options)
	archive := &MappedArchive{
		logger: logger,
		info:   info,
		path:   path,
		base:   options.BaseArchive,
		kinds:  options.Kinds,

		cacheSize:      options.ClassCacheSize,
		requireSharing: options.RequireSharedSpaces,
	}

	err := archive.initialize()
	if err != nil {
		_ = info.Unmap()
		_ = info.Close()
		return nil, err
	}
	return archive, nil
}

func (a *MappedArchive) disable(err error) error {
	if errors.Is(err, ErrFatal) || errors.Is(err, ErrSharingDisabled) {
		return err
	}
	if a.requireSharing {
		return errors.Mark(err, ErrFatal)
	}
	a.logger.LogAttrs(context.Background(), slog.LevelWarn, "Class data sharing disabled",
		slog.String("Path", a.path), slog.String("Reason", err.Error()))
	return errors.Mark(err, ErrSharingDisabled)
}

func (a *MappedArchive) initialize() error {
	info := a.info
	err := info.OpenForRead(a.path)
	if err != nil {
		return err
	}
	err = info.ReadHeader()
	if err != nil {
		return err
	}

	var baseHeader *filemap.Header
	if a.base != nil {
		baseHeader = a.base.Header()
	}
	err = info.Validate(baseHeader)
	if err != nil {
		return err
	}
	a.header = *info.Header()

	ptrmap, err := info.ReadBitmap()
	if err != nil {
		return err
	}

	a.mappedBottom, err = info.MapRegions()
	if err != nil {
		return err
	}
	size := uintptr(a.header.MappedSize())
	a.mappedTop = a.mappedBottom + size
	a.requestedBottom = uintptr(a.header.Regions[filemap.RegionRW].BaseAddress)
	a.requestedTop = a.requestedBottom + size

	err = a.relocate(ptrmap)
	if err != nil {
		return err
	}
	err = info.ProtectRegions()
	if err != nil {
		return a.disable(err)
	}

	md := a.header.Regions[filemap.RegionMD]
	mdBase := a.mappedBottom + uintptr(md.BaseAddress-a.header.Regions[filemap.RegionRW].BaseAddress)
	a.tables, err = readTables(mdBase, int(md.Used), int(a.header.SerializedDataOffset))
	if err != nil {
		return a.disable(errors.Wrap(err, "corrupt serialized tables"))
	}

	err = a.restoreKinds()
	if err != nil {
		return a.disable(err)
	}

	hasher := maphash.NewHasher[string]()
	a.classCache, err = freelru.NewSynced[string, int](a.cacheSize, func(name string) uint32 {
		return uint32(hasher.Hash(name))
	})
	if err != nil {
		return a.disable(errors.Wrap(err, "unable to create the class name cache"))
	}

	err = info.Close()
	if err != nil {
		return a.disable(err)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelInfo, "Mapped archive",
		slog.String("Path", a.path),
		slog.Bool("Dynamic", a.header.IsDynamic()),
		slog.String("Bottom", fmt.Sprintf("%#x", a.mappedBottom)),
		slog.Bool("Relocated", a.mappedBottom != a.requestedBottom),
		slog.Int("Objects", len(a.tables.objects)),
		slog.Int("Classes", len(a.tables.classes)),
	)
	return nil
}

// relocate moves every marked pointer from the requested addresses to the mapped ones. Pointers
// into the base archive move by the base archive's own relocation.
func (a *MappedArchive) relocate(ptrmap *bitmap.Bitmap) error {
	delta := a.mappedBottom - a.requestedBottom
	baseMoved := a.base != nil && a.base.mappedBottom != a.base.requestedBottom
	if delta == 0 && !baseMoved {
		return nil
	}

	var err error
	ptrmap.Iterate(0, ptrmap.Size(), func(index int) bool {
		loc := a.mappedBottom + uintptr(index*memutils.BytesPerWord)
		if loc+uintptr(memutils.BytesPerWord) > a.mappedTop {
			err = errors.Newf("relocation bit %d lies outside the mapped archive", index)
			return false
		}

		p := metaobj.TaggedPointer(memutils.LoadWord(loc))
		addr := p.Address()
		switch {
		case addr >= a.requestedBottom && addr < a.requestedTop:
			p = p.WithAddress(a.mappedBottom + (addr - a.requestedBottom))
		case a.base != nil && addr >= a.base.requestedBottom && addr < a.base.requestedTop:
			p = p.WithAddress(a.base.mappedBottom + (addr - a.base.requestedBottom))
		default:
			err = errors.Newf("pointer %#x at offset %#x lies outside the archive", addr, index*memutils.BytesPerWord)
			return false
		}
		memutils.StoreWord(loc, uint64(p))
		return true
	})
	if err != nil {
		return a.disable(err)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "MappedArchive::relocate",
		slog.String("Requested", fmt.Sprintf("%#x", a.requestedBottom)),
		slog.String("Mapped", fmt.Sprintf("%#x", a.mappedBottom)),
	)
	return nil
}

func (a *MappedArchive) restoreKinds() error {
	if a.kinds == nil || a.kinds.Len() == 0 {
		return nil
	}
	for _, obj := range a.tables.objects {
		behavior, ok := a.kinds.Lookup(obj.Type)
		if !ok {
			continue
		}
		err := behavior.Restore(obj)
		if err != nil {
			return errors.Wrapf(err, "unable to restore the %s at %#x", obj.Type, obj.Addr)
		}
	}
	return nil
}

func (a *MappedArchive) Header() *filemap.Header {
	return &a.header
}

func (a *MappedArchive) Path() string {
	return a.path
}

func (a *MappedArchive) Base() *MappedArchive {
	return a.base
}

func (a *MappedArchive) MappedBottom() uintptr {
	return a.mappedBottom
}

func (a *MappedArchive) MappedTop() uintptr {
	return a.mappedTop
}

func (a *MappedArchive) RequestedBottom() uintptr {
	return a.requestedBottom
}

func (a *MappedArchive) RequestedTop() uintptr {
	return a.requestedTop
}

// IsInMappedRange reports whether addr lies in this archive, not counting its base archive
func (a *MappedArchive) IsInMappedRange(addr uintptr) bool {
	return addr >= a.mappedBottom && addr < a.mappedTop
}

// IsInSharedSpace reports whether addr lies in this archive or its base archive
func (a *MappedArchive) IsInSharedSpace(addr uintptr) bool {
	if a.IsInMappedRange(addr) {
		return true
	}
	return a.base != nil && a.base.IsInSharedSpace(addr)
}

func (a *MappedArchive) Objects() []ArchivedObject {
	return a.tables.objects
}

// Classes are the archived classes sorted by name
func (a *MappedArchive) Classes() []ArchivedClass {
	return a.tables.classes
}

func (a *MappedArchive) Symbols() []uintptr {
	return a.tables.symbols
}

func (a *MappedArchive) Roots() []uintptr {
	return a.tables.roots
}

// EachObject calls visit for every archived object of kind until visit returns false
func (a *MappedArchive) EachObject(kind metaobj.ObjType, visit func(obj ArchivedObject) bool) {
	for _, obj := range a.tables.objects {
		if obj.Type == kind && !visit(obj) {
			return
		}
	}
}

// FindClass looks a class up by name in this archive, then in its base archive
func (a *MappedArchive) FindClass(name string) (uintptr, bool) {
	if index, ok := a.classCache.Get(name); ok {
		return a.tables.classes[index].Addr, true
	}

	index, found := slices.BinarySearchFunc(a.tables.classes, name, func(class ArchivedClass, target string) int {
		return strings.Compare(class.Name, target)
	})
	if found {
		a.classCache.Add(name, index)
		return a.tables.classes[index].Addr, true
	}

	if a.base != nil {
		return a.base.FindClass(name)
	}
	return 0, false
}

// ClassRecord returns the table entry of the archived instance class at addr, found through the slot
// in front of the class
func (a *MappedArchive) ClassRecord(addr uintptr) (ArchivedClass, bool) {
	if !a.IsInMappedRange(addr) || addr-uintptr(memutils.BytesPerWord) < a.mappedBottom {
		if a.base != nil {
			return a.base.ClassRecord(addr)
		}
		return ArchivedClass{}, false
	}

	record := uintptr(memutils.LoadWord(addr - uintptr(memutils.BytesPerWord)))
	if record < a.tables.classTable {
		return ArchivedClass{}, false
	}
	recordBytes := uintptr(memutils.WordsToBytes(classRecordWords))
	index := int((record - a.tables.classTable) / recordBytes)
	if index >= len(a.tables.classes) {
		return ArchivedClass{}, false
	}
	class := a.tables.classes[index]
	if class.Record != record || class.Addr != addr {
		return ArchivedClass{}, false
	}
	return class, true
}

// Unmap releases the mapping. Nothing in the archive may be used afterwards.
func (a *MappedArchive) Unmap() error {
	return a.info.Unmap()
}
