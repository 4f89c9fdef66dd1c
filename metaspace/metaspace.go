package metaspace

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils/vmem"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaspace/internal/chunks"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaspace/internal/utils"
	"golang.org/x/exp/slog"
)

// space is the pair of shared structures behind one metadata type
type space struct {
	mdType  MetadataType
	list    *chunks.VirtualSpaceList
	manager *chunks.ChunkManager
}

// Metaspace is the process-wide metadata memory subsystem: the virtual space lists and chunk
// managers of the class and non-class spaces, the GC policy and the global counters. Arenas for
// individual class loaders are created from it with NewClassLoaderMetaspace.
type Metaspace struct {
	logger      *slog.Logger
	options     CreateOptions
	createFlags CreateFlags

	// expandLock guards both spaces' lists, chunk managers and occupancy maps. It is always taken
	// after an arena lock, never before.
	expandLock utils.OptionalMutex

	nonClass space
	class    *space
	classRS  *vmem.ReservedSpace

	counters Counters
	gc       *GCPolicy

	arenaLock utils.OptionalMutex
	arenas    map[*ClassLoaderMetaspace]struct{}
}

// New creates a Metaspace: it reserves the first non-class node and, unless disabled, the
// compressed class space
func New(logger *slog.Logger, options CreateOptions) (*Metaspace, error) {
	options.fillDefaults()
	if err := options.validate(); err != nil {
		return nil, err
	}

	useMutex := options.Flags&CreateExternallySynchronized == 0
	ms := &Metaspace{
		logger:      logger,
		options:     options,
		createFlags: options.Flags,
		expandLock:  utils.OptionalMutex{UseMutex: useMutex},
		arenaLock:   utils.OptionalMutex{UseMutex: useMutex},
		arenas:      make(map[*ClassLoaderMetaspace]struct{}),
	}
	ms.gc = NewGCPolicy(logger, &ms.counters, options)

	initialWords := memutils.AlignUp(
		memutils.BytesToWords(options.InitialBootClassLoaderMetaspaceSize),
		chunks.ReserveAlignment()/memutils.BytesPerWord,
	)
	nonClassList, err := chunks.NewVirtualSpaceList(logger, initialWords, ms.gc, ms.commitListener)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reserve the metaspace")
	}
	ms.nonClass = space{
		mdType:  NonClassType,
		list:    nonClassList,
		manager: chunks.NewChunkManager(logger, false),
	}

	if ms.UsesClassSpace() {
		err = ms.initializeClassSpace()
		if err != nil {
			_ = nonClassList.Release()
			return nil, err
		}
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "Metaspace::New",
		slog.Int("MetaspaceSize", options.MetaspaceSize),
		slog.Int("MaxMetaspaceSize", options.MaxMetaspaceSize),
		slog.Bool("ClassSpace", ms.UsesClassSpace()),
		slog.String("Flags", options.Flags.String()),
	)
	return ms, nil
}

func (ms *Metaspace) initializeClassSpace() error {
	size := memutils.AlignUp(ms.options.CompressedClassSpaceSize, chunks.ReserveAlignment())
	rs, err := vmem.Reserve(ms.logger, size, chunks.ReserveAlignment(), ms.options.CompressedClassSpaceBaseAddress)
	if err != nil {
		return errors.Wrapf(err, "failed to reserve %d bytes of compressed class space", size)
	}

	list, err := chunks.NewClassVirtualSpaceList(ms.logger, rs, ms.gc, ms.commitListener)
	if err != nil {
		_ = rs.Release()
		return err
	}

	ms.classRS = rs
	ms.class = &space{
		mdType:  ClassType,
		list:    list,
		manager: chunks.NewChunkManager(ms.logger, true),
	}
	return nil
}

func (ms *Metaspace) commitListener(committedDelta int, reservedDelta int, isClass bool) {
	mdType := NonClassType
	if isClass {
		mdType = ClassType
	}
	ms.counters.AddCommitted(mdType, committedDelta)
	ms.counters.AddReserved(mdType, reservedDelta)
}

// UsesClassSpace reports whether class metadata lives in a separate compressed class space
func (ms *Metaspace) UsesClassSpace() bool {
	return ms.createFlags&CreateNoCompressedClassSpace == 0
}

// ClassSpaceBase is the bottom of the compressed class space, or 0
func (ms *Metaspace) ClassSpaceBase() uintptr {
	if ms.classRS == nil {
		return 0
	}
	return ms.classRS.Base()
}

func (ms *Metaspace) spaceFor(mdType MetadataType) *space {
	if mdType == ClassType && ms.class != nil {
		return ms.class
	}
	return &ms.nonClass
}

func (ms *Metaspace) Counters() *Counters {
	return &ms.counters
}

func (ms *Metaspace) GCPolicy() *GCPolicy {
	return ms.gc
}

// IsInSharedSpace reports whether addr lies in a mapped archive
func (ms *Metaspace) IsInSharedSpace(addr uintptr) bool {
	return ms.options.SharedSpace != nil && ms.options.SharedSpace.IsInSharedSpace(addr)
}

// Contains reports whether addr lies in a mapped archive or in any chunk of either space
func (ms *Metaspace) Contains(addr uintptr) bool {
	if ms.IsInSharedSpace(addr) {
		return true
	}

	ms.expandLock.Lock()
	defer ms.expandLock.Unlock()

	if ms.class != nil && ms.class.list.Contains(addr) {
		return true
	}
	return ms.nonClass.list.Contains(addr)
}

// Purge releases the virtual space nodes whose chunks are all free. It is meant to run after a GC
// has unloaded classes.
func (ms *Metaspace) Purge() int {
	ms.expandLock.Lock()
	defer ms.expandLock.Unlock()

	purged := ms.nonClass.list.Purge(ms.nonClass.manager)
	if ms.class != nil {
		purged += ms.class.list.Purge(ms.class.manager)
	}

	ms.logger.LogAttrs(context.Background(), slog.LevelDebug, "Metaspace::Purge", slog.Int("PurgedNodes", purged))
	return purged
}

// ComputeNewSize adjusts the GC threshold after a GC
func (ms *Metaspace) ComputeNewSize() {
	ms.gc.ComputeNewSize()
}

// expandAndAllocate raises the GC threshold enough for words and retries the allocation until it
// succeeds, the threshold cannot be raised further, or another goroutine raised it
func (ms *Metaspace) expandAndAllocate(arena *ClassLoaderMetaspace, words int, mdType MetadataType) uintptr {
	delta := ms.gc.DeltaCapacityUntilGC(memutils.WordsToBytes(words))

	for {
		newCapacity, oldCapacity, canRetry, incremented := ms.gc.IncCapacityUntilGC(delta)
		addr := arena.allocate(words, mdType)

		if incremented {
			ms.logger.LogAttrs(context.Background(), slog.LevelDebug, "Metaspace::expandAndAllocate",
				slog.Int("OldCapacityUntilGC", oldCapacity),
				slog.Int("NewCapacityUntilGC", newCapacity),
				slog.Bool("Allocated", addr != 0),
			)
		}

		if addr != 0 || incremented || !canRetry {
			return addr
		}
	}
}

func (ms *Metaspace) register(arena *ClassLoaderMetaspace) {
	ms.arenaLock.Lock()
	defer ms.arenaLock.Unlock()
	ms.arenas[arena] = struct{}{}
}

func (ms *Metaspace) unregister(arena *ClassLoaderMetaspace) {
	ms.arenaLock.Lock()
	defer ms.arenaLock.Unlock()
	delete(ms.arenas, arena)
}

// Verify runs the full consistency checks of every shared structure
func (ms *Metaspace) Verify() error {
	ms.expandLock.Lock()
	defer ms.expandLock.Unlock()

	for _, sp := range ms.spaces() {
		if err := sp.list.Validate(); err != nil {
			return errors.Wrapf(err, "%s virtual space list", sp.mdType)
		}
		if err := sp.manager.Validate(); err != nil {
			return errors.Wrapf(err, "%s chunk manager", sp.mdType)
		}

		committed := sp.list.CommittedWords()
		if committed != ms.counters.CommittedWords(sp.mdType) {
			return errors.Newf("%s space has %d committed words but the counters show %d",
				sp.mdType, committed, ms.counters.CommittedWords(sp.mdType))
		}
	}
	return nil
}

func (ms *Metaspace) spaces() []*space {
	if ms.class != nil {
		return []*space{&ms.nonClass, ms.class}
	}
	return []*space{&ms.nonClass}
}

// Statistics returns the combined chunk statistics of every arena plus the free chunks of the given
// type
func (ms *Metaspace) Statistics(mdType MetadataType) memutils.DetailedStatistics {
	var stats memutils.DetailedStatistics
	stats.Clear()

	sp := ms.spaceFor(mdType)
	ms.expandLock.Lock()
	sp.manager.AddStatistics(&stats)
	sp.list.AddStatistics(&stats)
	ms.expandLock.Unlock()

	return stats
}

// PrintDetailedMap writes the layout of both spaces and every arena as JSON
func (ms *Metaspace) PrintDetailedMap() ([]byte, error) {
	writer := jwriter.NewWriter()
	root := writer.Object()

	root.Name("CapacityUntilGC").Int(ms.gc.CapacityUntilGC())
	root.Name("CommittedBytes").Int(ms.counters.TotalCommittedBytes())
	root.Name("ReservedBytes").Int(ms.counters.TotalReservedBytes())
	root.Name("CapacityBytes").Int(ms.counters.TotalCapacityBytes())
	root.Name("UsedBytes").Int(ms.counters.TotalUsedBytes())

	ms.expandLock.Lock()
	for _, sp := range ms.spaces() {
		obj := root.Name(sp.mdType.String()).Object()
		list := obj.Name("VirtualSpaceList").Object()
		sp.list.PrintNodes(list)
		list.End()
		free := obj.Name("ChunkManager").Object()
		sp.manager.PrintFreeLists(free)
		free.End()
		obj.End()
	}
	ms.expandLock.Unlock()

	ms.arenaLock.Lock()
	arenas := root.Name("Arenas").Array()
	for arena := range ms.arenas {
		obj := arenas.Object()
		arena.printDetailedMap(obj)
		obj.End()
	}
	arenas.End()
	ms.arenaLock.Unlock()

	root.End()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return writer.Bytes(), nil
}

// Destroy releases every reservation. No arena may be used afterward.
func (ms *Metaspace) Destroy() error {
	ms.expandLock.Lock()
	defer ms.expandLock.Unlock()

	err := ms.nonClass.list.Release()
	if ms.class != nil {
		classErr := ms.class.list.Release()
		if classErr == nil {
			classErr = ms.classRS.Release()
		}
		err = errors.CombineErrors(err, classErr)
	}
	return err
}
