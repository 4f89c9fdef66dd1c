package metaspace

import (
	"fmt"

	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"golang.org/x/exp/slices"
)

const (
	// MinDictionaryBlockWords is the smallest block the freelist tracks. Smaller deallocations are
	// dropped.
	MinDictionaryBlockWords int = 6
	// WasteMultiplier bounds how much larger than a request a reused block may be
	WasteMultiplier int = 4
)

// BlockFreelist holds blocks of deallocated metadata, ordered by size, for reuse by the arena that
// freed them
type BlockFreelist struct {
	sizes      []int
	blocks     *swiss.Map[int, []uintptr]
	totalWords int
	count      int
}

func NewBlockFreelist() *BlockFreelist {
	return &BlockFreelist{
		blocks: swiss.NewMap[int, []uintptr](8),
	}
}

func (f *BlockFreelist) TotalWords() int {
	return f.totalWords
}

func (f *BlockFreelist) Count() int {
	return f.count
}

// ReturnBlock adds the block of words at addr to the freelist
func (f *BlockFreelist) ReturnBlock(addr uintptr, words int) {
	if words < MinDictionaryBlockWords {
		panic(fmt.Sprintf("block of %d words is too small for the freelist", words))
	}
	memutils.MangleWords(addr, words)

	bucket, ok := f.blocks.Get(words)
	if !ok {
		pos, _ := slices.BinarySearch(f.sizes, words)
		f.sizes = slices.Insert(f.sizes, pos, words)
	}
	f.blocks.Put(words, append(bucket, addr))

	f.totalWords += words
	f.count++
}

func (f *BlockFreelist) take(size int) uintptr {
	bucket, _ := f.blocks.Get(size)
	addr := bucket[len(bucket)-1]
	bucket = bucket[:len(bucket)-1]

	if len(bucket) == 0 {
		f.blocks.Delete(size)
		pos, _ := slices.BinarySearch(f.sizes, size)
		f.sizes = slices.Delete(f.sizes, pos, pos+1)
	} else {
		f.blocks.Put(size, bucket)
	}

	f.totalWords -= size
	f.count--
	return addr
}

// GetBlock returns a block of at least words, splitting off and keeping any usable remainder. It
// returns 0 if there is no block of that size, or if the smallest one would waste too much.
func (f *BlockFreelist) GetBlock(words int) uintptr {
	if words < MinDictionaryBlockWords {
		return 0
	}

	pos, _ := slices.BinarySearch(f.sizes, words)
	if pos >= len(f.sizes) {
		return 0
	}

	blockSize := f.sizes[pos]
	if blockSize > WasteMultiplier*words {
		return 0
	}

	addr := f.take(blockSize)
	unused := blockSize - words
	if unused >= MinDictionaryBlockWords {
		f.ReturnBlock(addr+uintptr(memutils.WordsToBytes(words)), unused)
	}
	return addr
}

func (f *BlockFreelist) AddStatistics(stats *memutils.DetailedStatistics) {
	for _, size := range f.sizes {
		bucket, _ := f.blocks.Get(size)
		for range bucket {
			stats.AddFreeChunk(size)
		}
	}
}

func (f *BlockFreelist) PrintBlocks(json jwriter.ObjectState) {
	json.Name("TotalWords").Int(f.totalWords)
	json.Name("Count").Int(f.count)

	arr := json.Name("Sizes").Array()
	defer arr.End()
	for _, size := range f.sizes {
		bucket, _ := f.blocks.Get(size)
		obj := arr.Object()
		obj.Name("Words").Int(size)
		obj.Name("Count").Int(len(bucket))
		obj.End()
	}
}
