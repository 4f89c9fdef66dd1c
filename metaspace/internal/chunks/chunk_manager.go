package chunks

import (
	"context"
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// ChunkManager is the free chunk pool of one space. Fixed-size chunks sit in per-size free lists and
// humongous chunks in a size-ordered dictionary. Free chunks are split when an exact size is missing
// and coalesced with their neighbors when returned.
//
// ChunkManager is not synchronized: every method must be called with the expand lock held.
type ChunkManager struct {
	logger  *slog.Logger
	isClass bool
	sizes   ChunkSizes

	freeLists [NumberOfFreeLists]ChunkList
	humongous humongousDictionary

	freeChunksTotal int
	freeChunksCount int
}

func NewChunkManager(logger *slog.Logger, isClass bool) *ChunkManager {
	return &ChunkManager{
		logger:    logger,
		isClass:   isClass,
		sizes:     SizesFor(isClass),
		humongous: newHumongousDictionary(),
	}
}

func (cm *ChunkManager) IsClass() bool {
	return cm.isClass
}

func (cm *ChunkManager) Sizes() ChunkSizes {
	return cm.sizes
}

// FreeChunksTotalWords is the number of words held by all free chunks
func (cm *ChunkManager) FreeChunksTotalWords() int {
	return cm.freeChunksTotal
}

func (cm *ChunkManager) FreeChunksCount() int {
	return cm.freeChunksCount
}

// FreeChunks returns the free list for a fixed chunk size. The list must not be modified.
func (cm *ChunkManager) FreeChunks(index ChunkIndex) *ChunkList {
	if int(index) >= NumberOfFreeLists {
		panic(fmt.Sprintf("there is no free list for %s chunks", index))
	}
	return &cm.freeLists[index]
}

func (cm *ChunkManager) HumongousCount() int {
	return cm.humongous.Count()
}

func (cm *ChunkManager) HumongousWords() int {
	return cm.humongous.Words()
}

func (cm *ChunkManager) linkFree(chunk *Chunk) {
	if chunk.index == HumongousIndex {
		cm.humongous.ReturnChunk(chunk)
	} else {
		cm.freeLists[chunk.index].PushFront(chunk)
	}

	cm.freeChunksTotal += chunk.wordSize
	cm.freeChunksCount++
}

func (cm *ChunkManager) unlinkFree(chunk *Chunk) {
	if chunk.index == HumongousIndex {
		cm.humongous.Remove(chunk)
	} else {
		cm.freeLists[chunk.index].Remove(chunk)
	}

	cm.freeChunksTotal -= chunk.wordSize
	cm.freeChunksCount--
	if cm.freeChunksTotal < 0 || cm.freeChunksCount < 0 {
		panic(fmt.Sprintf("free chunk accounting went negative: %d words in %d chunks", cm.freeChunksTotal, cm.freeChunksCount))
	}
}

// FreelistAllocate removes a chunk of exactly words (fixed sizes) or at least words (humongous) from the
// pool and hands it to the caller in the in-use state. It returns nil if the pool cannot serve the
// request, in which case the caller must get fresh memory from the virtual space list.
func (cm *ChunkManager) FreelistAllocate(words int) *Chunk {
	chunk := cm.freeChunksGet(words)
	if chunk == nil {
		return nil
	}

	node := chunk.container
	node.updateInUseInfo(chunk, true)
	node.IncContainerCount()
	chunk.useCount++

	cm.logger.LogAttrs(context.Background(), slog.LevelDebug, "ChunkManager::FreelistAllocate",
		slog.String("Chunk", chunk.index.String()),
		slog.Int("ChunkWords", chunk.wordSize),
		slog.Int("RequestedWords", words),
		slog.Int("FreeChunksTotalWords", cm.freeChunksTotal),
	)

	memutils.DebugValidate(cm)
	return chunk
}

func (cm *ChunkManager) freeChunksGet(words int) *Chunk {
	if words > cm.sizes.Medium {
		chunk := cm.humongous.GetChunk(words)
		if chunk == nil {
			return nil
		}

		cm.freeChunksTotal -= chunk.wordSize
		cm.freeChunksCount--
		if chunk.wordSize > words {
			cm.logger.LogAttrs(context.Background(), slog.LevelDebug, "Humongous chunk larger than requested",
				slog.Int("ChunkWords", chunk.wordSize), slog.Int("WasteWords", chunk.wordSize-words))
		}
		return chunk
	}

	index := cm.sizes.IndexBySize(words)
	chunk := cm.freeLists[index].Head()
	if chunk == nil {
		// No exact fit: carve one out of the next larger free chunk, if any
		for larger := index.Next(); int(larger) < NumberOfFreeLists; larger = larger.Next() {
			head := cm.freeLists[larger].Head()
			if head != nil {
				chunk = cm.splitChunk(words, head)
				break
			}
		}
	}

	if chunk == nil {
		return nil
	}

	cm.unlinkFree(chunk)
	return chunk
}

// splitChunk replaces the free chunk larger by a free chunk of targetWords at its bottom, followed by
// the largest chunks the alignment of each position permits. Every resulting chunk is free and linked
// into its free list. The target chunk is returned.
func (cm *ChunkManager) splitChunk(targetWords int, larger *Chunk) *Chunk {
	largerIndex := larger.index
	targetIndex := cm.sizes.IndexBySize(targetWords)
	if targetIndex >= largerIndex {
		panic(fmt.Sprintf("cannot split a %s chunk into %s chunks", largerIndex, targetIndex))
	}

	regionStart := larger.bottom
	regionEnd := larger.End()
	node := larger.container
	ocmap := node.occupancy

	cm.unlinkFree(larger)
	node.unregisterChunk(larger)
	releaseChunk(larger)

	// The target chunk keeps the start bit of the old chunk
	target := newChunk(targetIndex, cm.isClass, regionStart, targetWords, node)
	target.origin = OriginSplit
	target.isTaggedFree = true
	node.registerChunk(target)
	cm.linkFree(target)

	p := regionStart + uintptr(memutils.WordsToBytes(targetWords))
	for p < regionEnd {
		index := largerIndex.Prev()
		size := cm.sizes.SizeByIndex(index)
		for !memutils.IsAligned(p, uintptr(memutils.WordsToBytes(size))) {
			index = index.Prev()
			if index < targetIndex {
				panic(fmt.Sprintf("split position %#x is not aligned to the target chunk size", p))
			}
			size = cm.sizes.SizeByIndex(index)
		}

		chunk := newChunk(index, cm.isClass, p, size, node)
		chunk.origin = OriginSplit
		chunk.isTaggedFree = true
		node.registerChunk(chunk)
		ocmap.SetChunkStartsAtAddress(p, true)
		cm.linkFree(chunk)

		p += uintptr(memutils.WordsToBytes(size))
	}

	cm.logger.LogAttrs(context.Background(), slog.LevelDebug, "ChunkManager::splitChunk",
		slog.String("From", largerIndex.String()),
		slog.String("To", targetIndex.String()),
		slog.String("At", fmt.Sprintf("%#x", regionStart)),
	)

	return target
}

// ReturnSingleChunk gives an in-use chunk back to the pool and tries to merge it with its neighbors
// into larger free chunks
func (cm *ChunkManager) ReturnSingleChunk(chunk *Chunk) {
	if chunk.list != nil {
		panic(fmt.Sprintf("chunk at %#x is still linked into a list", chunk.bottom))
	}
	if chunk.isTaggedFree {
		panic(fmt.Sprintf("chunk at %#x was returned twice", chunk.bottom))
	}

	node := chunk.container
	chunk.ResetEmpty()
	node.updateInUseInfo(chunk, false)
	node.DecContainerCount()
	cm.linkFree(chunk)

	if chunk.index == SpecializedIndex || chunk.index == SmallIndex {
		current := chunk
		for target := chunk.index.Next(); target <= MediumIndex; target = target.Next() {
			merged := cm.attemptToCoalesceAroundChunk(current, target)
			if merged == nil {
				break
			}
			current = merged
		}
	}
}

// ReturnChunkList returns every chunk of list to the pool, emptying the list
func (cm *ChunkManager) ReturnChunkList(list *ChunkList) {
	for chunk := list.PopFront(); chunk != nil; chunk = list.PopFront() {
		cm.ReturnSingleChunk(chunk)
	}
}

// attemptToCoalesceAroundChunk merges the aligned region of targetIndex size around chunk into one free
// chunk if the region is fully committed, bounded by chunk starts and holds no in-use granule
func (cm *ChunkManager) attemptToCoalesceAroundChunk(chunk *Chunk, targetIndex ChunkIndex) *Chunk {
	targetWords := cm.sizes.SizeByIndex(targetIndex)
	if chunk.wordSize >= targetWords {
		return nil
	}

	regionBytes := uintptr(memutils.WordsToBytes(targetWords))
	regionStart := memutils.AlignDown(chunk.bottom, regionBytes)
	regionEnd := regionStart + regionBytes

	node := chunk.container
	ocmap := node.occupancy
	if regionStart < node.Bottom() || regionEnd > node.Top() {
		return nil
	}
	if !ocmap.ChunkStartsAtAddress(regionStart) {
		return nil
	}
	if regionEnd < node.Top() && !ocmap.ChunkStartsAtAddress(regionEnd) {
		return nil
	}
	if ocmap.IsRegionInUse(regionStart, targetWords) {
		return nil
	}

	removed := cm.removeChunksInArea(node, regionStart, targetWords)

	merged := newChunk(targetIndex, cm.isClass, regionStart, targetWords, node)
	merged.origin = OriginMerged
	merged.isTaggedFree = true
	ocmap.WipeChunkStartBitsInRegion(regionStart, targetWords)
	ocmap.SetChunkStartsAtAddress(regionStart, true)
	node.registerChunk(merged)
	cm.linkFree(merged)

	cm.logger.LogAttrs(context.Background(), slog.LevelDebug, "ChunkManager::coalesce",
		slog.String("Into", targetIndex.String()),
		slog.String("At", fmt.Sprintf("%#x", regionStart)),
		slog.Int("MergedChunks", removed),
	)

	return merged
}

// removeChunksInArea unlinks and forgets every free chunk starting in [start, start+words)
func (cm *ChunkManager) removeChunksInArea(node *VirtualSpaceNode, start uintptr, words int) int {
	var doomed []*Chunk
	node.occupancy.ChunkStartsInRegion(start, words, func(addr uintptr) {
		doomed = append(doomed, node.ChunkAt(addr))
	})

	for _, chunk := range doomed {
		cm.RemoveChunk(chunk)
		node.unregisterChunk(chunk)
		releaseChunk(chunk)
	}

	return len(doomed)
}

// RemoveChunk takes a free chunk out of the pool without handing it to anyone. The caller is
// responsible for the chunk afterward.
func (cm *ChunkManager) RemoveChunk(chunk *Chunk) {
	if chunk == nil || !chunk.isTaggedFree {
		panic("only free chunks can be removed from the chunk manager")
	}
	cm.unlinkFree(chunk)
}

func (cm *ChunkManager) eachFreeChunk(visit func(chunk *Chunk)) {
	for i := 0; i < NumberOfFreeLists; i++ {
		cm.freeLists[i].Each(visit)
	}
	cm.humongous.Each(visit)
}

func (cm *ChunkManager) AddStatistics(stats *memutils.DetailedStatistics) {
	cm.eachFreeChunk(func(chunk *Chunk) {
		stats.AddFreeChunk(chunk.wordSize)
	})
}

func (cm *ChunkManager) PrintFreeLists(json jwriter.ObjectState) {
	json.Name("FreeChunksTotalWords").Int(cm.freeChunksTotal)
	json.Name("FreeChunksCount").Int(cm.freeChunksCount)

	lists := json.Name("FreeLists").Object()
	for i := 0; i < NumberOfFreeLists; i++ {
		list := &cm.freeLists[i]
		obj := lists.Name(ChunkIndex(i).String()).Object()
		obj.Name("Count").Int(list.Count())
		obj.Name("Words").Int(list.Words())
		obj.End()
	}

	humongous := lists.Name(HumongousIndex.String()).Object()
	humongous.Name("Count").Int(cm.humongous.Count())
	humongous.Name("Words").Int(cm.humongous.Words())
	sizes := humongous.Name("Sizes").Array()
	for _, size := range cm.humongous.sizes {
		sizes.Int(size)
	}
	sizes.End()
	humongous.End()

	lists.End()
}

// Validate checks the free chunk accounting and the state of every free chunk
func (cm *ChunkManager) Validate() error {
	words := cm.humongous.Words()
	count := cm.humongous.Count()
	for i := 0; i < NumberOfFreeLists; i++ {
		words += cm.freeLists[i].Words()
		count += cm.freeLists[i].Count()
	}

	if words != cm.freeChunksTotal {
		return errors.Errorf("free lists hold %d words but the manager tracks %d", words, cm.freeChunksTotal)
	}
	if count != cm.freeChunksCount {
		return errors.Errorf("free lists hold %d chunks but the manager tracks %d", count, cm.freeChunksCount)
	}

	var err error
	cm.eachFreeChunk(func(chunk *Chunk) {
		if err != nil {
			return
		}
		if !chunk.isTaggedFree {
			err = errors.Errorf("chunk at %#x is in the free pool but not tagged free", chunk.bottom)
			return
		}
		if chunk.isClass != cm.isClass {
			err = errors.Errorf("chunk at %#x belongs to the other space", chunk.bottom)
			return
		}
		err = chunk.Validate()
		if err == nil {
			err = chunk.container.occupancy.VerifyForChunk(chunk)
		}
	})
	return err
}
