package metaspace

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaobj"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaspace/internal/utils"
	"golang.org/x/exp/slog"
)

// ClassLoaderMetaspace is the arena of one class loader. Everything it allocates is released at once
// by Close when the loader is unloaded.
type ClassLoaderMetaspace struct {
	logger    *slog.Logger
	ms        *Metaspace
	spaceType SpaceType

	lock     utils.OptionalMutex
	vsm      *SpaceManager
	classVSM *SpaceManager
	closed   bool
}

// NewClassLoaderMetaspace creates an arena and hands it its first chunks
func (ms *Metaspace) NewClassLoaderMetaspace(spaceType SpaceType) *ClassLoaderMetaspace {
	arena := &ClassLoaderMetaspace{
		logger:    ms.logger,
		ms:        ms,
		spaceType: spaceType,
		lock:      utils.OptionalMutex{UseMutex: ms.createFlags&CreateExternallySynchronized == 0},
	}

	arena.lock.Lock()
	arena.vsm = newSpaceManager(ms.logger, ms, &ms.nonClass, NonClassType, spaceType)
	arena.vsm.initializeFirstChunk()
	if ms.class != nil {
		arena.classVSM = newSpaceManager(ms.logger, ms, ms.class, ClassType, spaceType)
		arena.classVSM.initializeFirstChunk()
	}
	arena.lock.Unlock()

	ms.register(arena)
	ms.logger.Debug("ClassLoaderMetaspace::New")
	return arena
}

func (a *ClassLoaderMetaspace) SpaceType() SpaceType {
	return a.spaceType
}

func (a *ClassLoaderMetaspace) spaceManager(mdType MetadataType) *SpaceManager {
	if mdType == ClassType && a.classVSM != nil {
		return a.classVSM
	}
	return a.vsm
}

// SpaceManager returns the manager serving the given type. With no class space, both types share
// the non-class manager.
func (a *ClassLoaderMetaspace) SpaceManager(mdType MetadataType) *SpaceManager {
	return a.spaceManager(mdType)
}

func (a *ClassLoaderMetaspace) allocate(words int, mdType MetadataType) uintptr {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.closed {
		panic("allocation from a closed class loader metaspace")
	}
	return a.spaceManager(mdType).Allocate(words)
}

// Allocate returns words of zeroed memory for an object of objType. Class objects go to the class
// space. If the arena cannot grow, the GC trigger is asked to collect once and the GC threshold is
// raised; if the allocation still fails, an *OutOfMemoryError is returned.
func (a *ClassLoaderMetaspace) Allocate(words int, objType metaobj.ObjType) (uintptr, error) {
	if words <= 0 {
		return 0, errors.Newf("allocation of %d words", words)
	}

	mdType := NonClassType
	if objType.IsClassSpace() {
		mdType = ClassType
	}

	addr := a.allocate(words, mdType)
	if addr == 0 && a.ms.options.GCTrigger != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Metadata allocation failed, collecting",
			slog.Int("Words", words), slog.String("MetadataType", mdType.String()))

		a.ms.options.GCTrigger.CollectForMetadataAllocation(words, mdType)
		addr = a.allocate(words, mdType)
	}
	if addr == 0 {
		addr = a.ms.expandAndAllocate(a, words, mdType)
	}

	if addr == 0 {
		err := &OutOfMemoryError{
			Words:        words,
			MetadataType: mdType,
			ClassSpace:   mdType == ClassType && a.classVSM != nil,
		}
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "Metaspace out of memory",
			slog.Int("Words", words),
			slog.String("MetadataType", mdType.String()),
			slog.Bool("ClassSpace", err.ClassSpace),
			slog.Int("CommittedBytes", a.ms.counters.TotalCommittedBytes()),
		)
		return 0, err
	}

	memutils.ZeroWords(addr, allocationWordSize(words))
	return addr, nil
}

// Deallocate gives back a block before the arena is closed, for metadata that turned out to be
// unneeded. Blocks in a mapped archive are ignored.
func (a *ClassLoaderMetaspace) Deallocate(addr uintptr, words int, isClass bool) {
	if a.ms.IsInSharedSpace(addr) {
		return
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	if a.closed {
		panic(fmt.Sprintf("deallocation of %#x in a closed class loader metaspace", addr))
	}

	mdType := NonClassType
	if isClass {
		mdType = ClassType
	}
	a.spaceManager(mdType).Deallocate(addr, words)
}

// Contains reports whether addr was allocated from this arena
func (a *ClassLoaderMetaspace) Contains(addr uintptr) bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	if a.classVSM != nil && a.classVSM.Contains(addr) {
		return true
	}
	return a.vsm.Contains(addr)
}

// UsedWords and CapacityWords sum both managers
func (a *ClassLoaderMetaspace) UsedWords() int {
	a.lock.Lock()
	defer a.lock.Unlock()

	used := a.vsm.UsedWords()
	if a.classVSM != nil {
		used += a.classVSM.UsedWords()
	}
	return used
}

func (a *ClassLoaderMetaspace) CapacityWords() int {
	a.lock.Lock()
	defer a.lock.Unlock()

	capacity := a.vsm.CapacityWords()
	if a.classVSM != nil {
		capacity += a.classVSM.CapacityWords()
	}
	return capacity
}

func (a *ClassLoaderMetaspace) AddStatistics(stats *memutils.DetailedStatistics) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.vsm.AddStatistics(stats)
	if a.classVSM != nil {
		a.classVSM.AddStatistics(stats)
	}
}

func (a *ClassLoaderMetaspace) Validate() error {
	a.lock.Lock()
	defer a.lock.Unlock()

	if err := a.vsm.Validate(); err != nil {
		return err
	}
	if a.classVSM != nil {
		return a.classVSM.Validate()
	}
	return nil
}

// Close returns all of the arena's chunks to the chunk managers
func (a *ClassLoaderMetaspace) Close() {
	a.lock.Lock()
	if a.closed {
		a.lock.Unlock()
		return
	}
	a.closed = true

	a.vsm.Close()
	if a.classVSM != nil {
		a.classVSM.Close()
	}
	a.lock.Unlock()

	a.ms.unregister(a)
	a.logger.Debug("ClassLoaderMetaspace::Close")
}

func (a *ClassLoaderMetaspace) printDetailedMap(json jwriter.ObjectState) {
	a.lock.Lock()
	defer a.lock.Unlock()

	json.Name("SpaceType").String(a.spaceType.String())
	managers := json.Name("SpaceManagers").Array()
	for _, manager := range []*SpaceManager{a.vsm, a.classVSM} {
		if manager == nil {
			continue
		}
		obj := managers.Object()
		manager.PrintDetailedMap(obj)
		obj.End()
	}
	managers.End()
}
