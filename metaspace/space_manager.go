package metaspace

import (
	"context"
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaspace/internal/chunks"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

const (
	// AllocationFromDictionaryLimit is the freelist size, in words, above which allocations try the
	// freelist before the current chunk
	AllocationFromDictionaryLimit int = 4 * memutils.K
	// SmallChunkLimit is the number of small chunks an arena receives before it moves to medium chunks
	SmallChunkLimit int = 4
	// AnonAndDelegatingSpecializedChunkLimit is the number of specialized chunks an anonymous or
	// reflection arena receives before it moves to small chunks
	AnonAndDelegatingSpecializedChunkLimit int = 4

	minAllocationWords int = 3
)

// SpaceManager is the part of an arena that serves one space. It bump-allocates out of its current
// chunk, refills from the chunk manager or the virtual space list, and recycles deallocated blocks
// through a BlockFreelist.
//
// SpaceManager is guarded by its arena's lock. It takes the expand lock whenever it touches shared
// structures.
type SpaceManager struct {
	logger    *slog.Logger
	mdType    MetadataType
	spaceType SpaceType
	space     *space
	ms        *Metaspace
	sizes     chunks.ChunkSizes

	chunksInUse   [chunks.NumberOfInUseLists]chunks.ChunkList
	currentChunk  *chunks.Chunk
	blockFreelist *BlockFreelist

	capacityWords int
	usedWords     int
	wastedWords   int
}

func newSpaceManager(logger *slog.Logger, ms *Metaspace, sp *space, mdType MetadataType, spaceType SpaceType) *SpaceManager {
	return &SpaceManager{
		logger:    logger,
		mdType:    mdType,
		spaceType: spaceType,
		space:     sp,
		ms:        ms,
		sizes:     sp.manager.Sizes(),
	}
}

func (m *SpaceManager) MetadataType() MetadataType {
	return m.mdType
}

// CapacityWords is the total size of the chunks held by this manager
func (m *SpaceManager) CapacityWords() int {
	return m.capacityWords
}

// UsedWords is the number of words handed out of this manager's chunks
func (m *SpaceManager) UsedWords() int {
	return m.usedWords
}

// WastedWords counts words lost to dark matter and to remainders too small to recycle
func (m *SpaceManager) WastedWords() int {
	return m.wastedWords
}

func (m *SpaceManager) CurrentChunk() *chunks.Chunk {
	return m.currentChunk
}

func (m *SpaceManager) ChunkCount(index chunks.ChunkIndex) int {
	return m.chunksInUse[index].Count()
}

func (m *SpaceManager) BlockFreelist() *BlockFreelist {
	return m.blockFreelist
}

func allocationWordSize(words int) int {
	rawWords := max(words, minAllocationWords)
	return memutils.BytesToWords(memutils.AlignUp(memutils.WordsToBytes(rawWords), memutils.ObjectAlignment))
}

func (m *SpaceManager) initialChunkSize() int {
	switch m.spaceType {
	case BootSpaceType:
		if m.mdType == ClassType {
			return m.sizes.Medium
		}
		words := memutils.BytesToWords(m.ms.options.InitialBootClassLoaderMetaspaceSize)
		return memutils.AlignUp(words, m.sizes.Specialized)
	case AnonymousSpaceType, ReflectionSpaceType:
		return m.sizes.Specialized
	}
	return m.sizes.Small
}

// initializeFirstChunk gives the manager its first chunk. It is fine for this to fail; the first
// allocation will try again.
func (m *SpaceManager) initializeFirstChunk() {
	words := m.initialChunkSize()

	m.ms.expandLock.Lock()
	defer m.ms.expandLock.Unlock()

	chunk := m.getNewChunk(words)
	if chunk == nil {
		m.logger.LogAttrs(context.Background(), slog.LevelDebug, "No initial chunk for arena",
			slog.String("SpaceType", m.spaceType.String()),
			slog.String("MetadataType", m.mdType.String()),
			slog.Int("Words", words),
		)
		return
	}
	m.addChunk(chunk, true)
}

// Allocate returns words of memory, or 0 if the arena cannot grow. The caller must hold the arena lock.
func (m *SpaceManager) Allocate(words int) uintptr {
	rawWords := allocationWordSize(words)

	if m.blockFreelist != nil && m.blockFreelist.TotalWords() > AllocationFromDictionaryLimit {
		addr := m.blockFreelist.GetBlock(rawWords)
		if addr != 0 {
			return addr
		}
	}

	return m.allocateWork(rawWords)
}

func (m *SpaceManager) allocateWork(words int) uintptr {
	var addr uintptr
	if m.currentChunk != nil {
		addr = m.currentChunk.Allocate(words)
	}

	if addr == 0 {
		addr = m.growAndAllocate(words)
	}

	if addr != 0 {
		m.incUsed(words)
	}
	return addr
}

func (m *SpaceManager) incUsed(words int) {
	m.usedWords += words
	m.ms.counters.AddUsed(m.mdType, words)
}

func (m *SpaceManager) growAndAllocate(words int) uintptr {
	m.ms.expandLock.Lock()
	defer m.ms.expandLock.Unlock()

	chunkWords := m.calcChunkSize(words)
	chunk := m.getNewChunk(chunkWords)
	if chunk == nil {
		return 0
	}

	m.addChunk(chunk, false)
	return chunk.Allocate(words)
}

// getNewChunk must be called with the expand lock held
func (m *SpaceManager) getNewChunk(chunkWords int) *chunks.Chunk {
	chunk := m.space.manager.FreelistAllocate(chunkWords)
	if chunk == nil {
		chunk = m.space.list.GetNewChunk(m.space.manager, chunkWords, m.sizes.Medium*chunks.MediumChunkMultiple)
	}
	return chunk
}

// calcChunkSize picks the size of the next chunk. Young arenas get small chunks so that loaders that
// never grow do not waste memory.
func (m *SpaceManager) calcChunkSize(words int) int {
	var chunkWords int

	if m.mdType == NonClassType && m.spaceType.isSmallLoader() &&
		m.chunksInUse[chunks.SpecializedIndex].Count() < AnonAndDelegatingSpecializedChunkLimit &&
		words <= m.sizes.Specialized {
		chunkWords = m.sizes.Specialized
	} else if m.chunksInUse[chunks.MediumIndex].Count() == 0 &&
		m.chunksInUse[chunks.SmallIndex].Count() < SmallChunkLimit {
		chunkWords = m.sizes.Small
		if words > m.sizes.Small {
			chunkWords = m.sizes.Medium
		}
	} else {
		chunkWords = m.sizes.Medium
	}

	// Requests larger than the chosen chunk get a humongous chunk of their own
	return max(chunkWords, memutils.AlignUp(words, m.sizes.Specialized))
}

// addChunk must be called with the expand lock held. Fixed-size chunks replace the current chunk;
// humongous chunks only do so if makeCurrent is set.
func (m *SpaceManager) addChunk(chunk *chunks.Chunk, makeCurrent bool) {
	chunk.ResetEmpty()
	index := m.sizes.IndexBySize(chunk.WordSize())

	if index != chunks.HumongousIndex {
		m.retireCurrentChunk()
		m.currentChunk = chunk
	} else if makeCurrent {
		m.currentChunk = chunk
	}
	m.chunksInUse[index].PushFront(chunk)

	m.capacityWords += chunk.WordSize()
	m.ms.counters.AddCapacity(m.mdType, chunk.WordSize())

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "SpaceManager::addChunk",
		slog.String("Chunk", index.String()),
		slog.Int("Words", chunk.WordSize()),
		slog.String("MetadataType", m.mdType.String()),
		slog.String("SpaceType", m.spaceType.String()),
	)
}

// retireCurrentChunk moves the unused tail of the current chunk into the block freelist
func (m *SpaceManager) retireCurrentChunk() {
	if m.currentChunk == nil {
		return
	}

	remaining := m.currentChunk.FreeWords()
	if remaining < MinDictionaryBlockWords {
		m.wastedWords += remaining
		return
	}

	addr := m.currentChunk.Allocate(remaining)
	m.freelist().ReturnBlock(addr, remaining)
	m.incUsed(remaining)
}

func (m *SpaceManager) freelist() *BlockFreelist {
	if m.blockFreelist == nil {
		m.blockFreelist = NewBlockFreelist()
	}
	return m.blockFreelist
}

// Deallocate takes back a block allocated from this manager. The caller must hold the arena lock.
func (m *SpaceManager) Deallocate(addr uintptr, words int) {
	if memutils.DebugBuild && !m.Contains(addr) {
		panic(fmt.Sprintf("deallocated block at %#x does not belong to this %s space manager", addr, m.mdType))
	}

	rawWords := allocationWordSize(words)
	if rawWords < MinDictionaryBlockWords {
		// Too small to track; the words stay unusable until the arena is closed
		memutils.MangleWords(addr, rawWords)
		m.wastedWords += rawWords
		return
	}

	m.freelist().ReturnBlock(addr, rawWords)
}

// Close returns every chunk to the chunk manager
func (m *SpaceManager) Close() {
	m.ms.expandLock.Lock()
	defer m.ms.expandLock.Unlock()

	m.ms.counters.AddCapacity(m.mdType, -m.capacityWords)
	m.ms.counters.AddUsed(m.mdType, -m.usedWords)

	for i := 0; i < chunks.NumberOfInUseLists; i++ {
		m.space.manager.ReturnChunkList(&m.chunksInUse[i])
	}

	m.currentChunk = nil
	m.blockFreelist = nil
	m.capacityWords = 0
	m.usedWords = 0

	memutils.DebugValidate(m.space.manager)
}

// Contains reports whether addr lies in one of this manager's chunks
func (m *SpaceManager) Contains(addr uintptr) bool {
	for i := 0; i < chunks.NumberOfInUseLists; i++ {
		found := false
		m.chunksInUse[i].Each(func(chunk *chunks.Chunk) {
			if chunk.Contains(addr) {
				found = true
			}
		})
		if found {
			return true
		}
	}
	return false
}

func (m *SpaceManager) AddStatistics(stats *memutils.DetailedStatistics) {
	for i := 0; i < chunks.NumberOfInUseLists; i++ {
		m.chunksInUse[i].Each(func(chunk *chunks.Chunk) {
			stats.AddChunk(chunk.WordSize(), chunk.UsedWords())
		})
	}
	if m.blockFreelist != nil {
		m.blockFreelist.AddStatistics(stats)
	}
}

func (m *SpaceManager) Validate() error {
	capacity := 0
	used := 0
	for i := 0; i < chunks.NumberOfInUseLists; i++ {
		var err error
		m.chunksInUse[i].Each(func(chunk *chunks.Chunk) {
			if err != nil {
				return
			}
			if chunk.IsTaggedFree() {
				err = errors.Errorf("chunk at %#x is held by an arena but tagged free", chunk.Bottom())
				return
			}
			if int(chunk.Index()) != i {
				err = errors.Errorf("%s chunk at %#x is in the %s list", chunk.Index(), chunk.Bottom(), chunks.ChunkIndex(i))
				return
			}
			capacity += chunk.WordSize()
			used += chunk.UsedWords()
		})
		if err != nil {
			return err
		}
	}

	if capacity != m.capacityWords {
		return errors.Errorf("arena chunks hold %d words but the arena tracks %d", capacity, m.capacityWords)
	}
	if used != m.usedWords {
		return errors.Errorf("arena chunks have %d words in use but the arena tracks %d", used, m.usedWords)
	}
	return nil
}

func (m *SpaceManager) PrintDetailedMap(json jwriter.ObjectState) {
	json.Name("MetadataType").String(m.mdType.String())
	json.Name("CapacityWords").Int(m.capacityWords)
	json.Name("UsedWords").Int(m.usedWords)
	json.Name("WastedWords").Int(m.wastedWords)

	counts := json.Name("Chunks").Object()
	for i := 0; i < chunks.NumberOfInUseLists; i++ {
		counts.Name(chunks.ChunkIndex(i).String()).Int(m.chunksInUse[i].Count())
	}
	counts.End()

	if m.currentChunk != nil {
		json.Name("CurrentChunk").String(fmt.Sprintf("%#x", m.currentChunk.Bottom()))
	}
	if m.blockFreelist != nil {
		freelist := json.Name("BlockFreelist").Object()
		m.blockFreelist.PrintBlocks(freelist)
		freelist.End()
	}
}
