package chunks

import (
	"sync"
	"sync/atomic"

	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/pkg/errors"
)

var chunkAllocator = sync.Pool{
	New: func() any {
		return &Chunk{}
	},
}

// Chunk describes a block of metadata memory inside a VirtualSpaceNode. The descriptor lives outside the
// memory it describes; the node keeps it in a slot indexed by the chunk's first granule.
//
// A chunk is either free, in which case it is linked into its ChunkManager's free list or humongous
// dictionary, or in use, in which case it is linked into one of a space manager's chains. The same
// links serve both.
type Chunk struct {
	index     ChunkIndex
	isClass   bool
	bottom    uintptr
	wordSize  int
	container *VirtualSpaceNode
	origin    ChunkOrigin
	useCount  int

	// top is written only by the owning arena but read by statistics walks that hold the expand lock
	top atomic.Uintptr

	isTaggedFree bool

	next *Chunk
	prev *Chunk
	list *ChunkList
}

func newChunk(index ChunkIndex, isClass bool, bottom uintptr, wordSize int, container *VirtualSpaceNode) *Chunk {
	chunk := chunkAllocator.Get().(*Chunk)
	*chunk = Chunk{
		index:     index,
		isClass:   isClass,
		bottom:    bottom,
		wordSize:  wordSize,
		container: container,
		origin:    OriginNormal,
	}
	chunk.top.Store(bottom)
	return chunk
}

func releaseChunk(chunk *Chunk) {
	*chunk = Chunk{}
	chunkAllocator.Put(chunk)
}

func (c *Chunk) Index() ChunkIndex {
	return c.index
}

func (c *Chunk) IsClass() bool {
	return c.isClass
}

func (c *Chunk) Bottom() uintptr {
	return c.bottom
}

func (c *Chunk) End() uintptr {
	return c.bottom + uintptr(memutils.WordsToBytes(c.wordSize))
}

func (c *Chunk) Top() uintptr {
	return c.top.Load()
}

func (c *Chunk) WordSize() int {
	return c.wordSize
}

func (c *Chunk) UsedWords() int {
	return int(c.top.Load()-c.bottom) / memutils.BytesPerWord
}

func (c *Chunk) FreeWords() int {
	return int(c.End()-c.top.Load()) / memutils.BytesPerWord
}

// Container is the node whose address range holds this chunk. The node outlives every chunk it holds.
func (c *Chunk) Container() *VirtualSpaceNode {
	return c.container
}

func (c *Chunk) Origin() ChunkOrigin {
	return c.origin
}

func (c *Chunk) UseCount() int {
	return c.useCount
}

func (c *Chunk) IsTaggedFree() bool {
	return c.isTaggedFree
}

func (c *Chunk) Next() *Chunk {
	return c.next
}

func (c *Chunk) Contains(addr uintptr) bool {
	return addr >= c.bottom && addr < c.End()
}

// Allocate bumps the chunk's top by words and returns the previous top, or 0 if the chunk does not
// have room
func (c *Chunk) Allocate(words int) uintptr {
	result := c.top.Load()
	if words > int(c.End()-result)/memutils.BytesPerWord {
		return 0
	}

	c.top.Store(result + uintptr(memutils.WordsToBytes(words)))
	return result
}

// ResetEmpty discards everything allocated from the chunk
func (c *Chunk) ResetEmpty() {
	c.top.Store(c.bottom)
}

func (c *Chunk) Validate() error {
	if c.container == nil {
		return errors.Errorf("chunk at %#x has no container", c.bottom)
	}
	top := c.top.Load()
	if top < c.bottom || top > c.End() {
		return errors.Errorf("chunk at %#x has top %#x outside [%#x, %#x]", c.bottom, top, c.bottom, c.End())
	}
	if c.index != HumongousIndex {
		sizes := SizesFor(c.isClass)
		if c.wordSize != sizes.SizeByIndex(c.index) {
			return errors.Errorf("%s chunk at %#x has size %d", c.index, c.bottom, c.wordSize)
		}
		if !memutils.IsAligned(c.bottom, uintptr(memutils.WordsToBytes(c.wordSize))) {
			return errors.Errorf("%s chunk at %#x is not aligned to its size", c.index, c.bottom)
		}
	} else {
		sizes := SizesFor(c.isClass)
		if c.wordSize <= sizes.Medium || c.wordSize%sizes.Specialized != 0 {
			return errors.Errorf("humongous chunk at %#x has invalid size %d", c.bottom, c.wordSize)
		}
	}
	if c.isTaggedFree && top != c.bottom {
		return errors.Errorf("free chunk at %#x still has %d words allocated", c.bottom, c.UsedWords())
	}
	return nil
}
