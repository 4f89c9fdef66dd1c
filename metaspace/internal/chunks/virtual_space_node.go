package chunks

import (
	"context"
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils/vmem"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// VirtualSpaceNode owns one reserved address range, commits it from the bottom up and hands out chunks
// from its committed part by bumping top.
type VirtualSpaceNode struct {
	logger  *slog.Logger
	isClass bool
	sizes   ChunkSizes

	rs              *vmem.ReservedSpace
	vs              *vmem.VirtualSpace
	ownsReservation bool

	top            uintptr
	containerCount int
	occupancy      *OccupancyMap

	// chunks holds the descriptor of every chunk, at the index of the chunk's first granule
	chunks []*Chunk

	next *VirtualSpaceNode
}

// ReserveAlignment is the alignment of every node's bottom. Medium chunks must sit on addresses aligned
// to their size, so nodes are aligned at least that much.
func ReserveAlignment() int {
	return max(vmem.PageSize(), memutils.WordsToBytes(MediumChunkWords))
}

// CommitAlignmentWords is the commit granularity in words
func CommitAlignmentWords() int {
	return vmem.PageSize() / memutils.BytesPerWord
}

// NewVirtualSpaceNode reserves a range of wordSize words for a new node
func NewVirtualSpaceNode(logger *slog.Logger, isClass bool, wordSize int) (*VirtualSpaceNode, error) {
	byteSize := memutils.AlignUp(memutils.WordsToBytes(wordSize), ReserveAlignment())
	rs, err := vmem.Reserve(logger, byteSize, ReserveAlignment(), 0)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reserve a metaspace node")
	}

	node, err := newVirtualSpaceNode(logger, isClass, rs)
	if err != nil {
		_ = rs.Release()
		return nil, err
	}
	node.ownsReservation = true
	return node, nil
}

// NewVirtualSpaceNodeOver builds a node over an existing reservation, as is done for class space. The
// node does not release rs.
func NewVirtualSpaceNodeOver(logger *slog.Logger, isClass bool, rs *vmem.ReservedSpace) (*VirtualSpaceNode, error) {
	if !memutils.IsAligned(rs.Base(), uintptr(ReserveAlignment())) {
		return nil, errors.Wrapf(memutils.AlignmentError, "node base %#x must be aligned to %d", rs.Base(), ReserveAlignment())
	}
	return newVirtualSpaceNode(logger, isClass, rs)
}

func newVirtualSpaceNode(logger *slog.Logger, isClass bool, rs *vmem.ReservedSpace) (*VirtualSpaceNode, error) {
	vs, err := vmem.NewVirtualSpace(rs, 0)
	if err != nil {
		return nil, err
	}

	sizes := SizesFor(isClass)
	wordSize := rs.Size() / memutils.BytesPerWord
	return &VirtualSpaceNode{
		logger:    logger,
		isClass:   isClass,
		sizes:     sizes,
		rs:        rs,
		vs:        vs,
		top:       rs.Base(),
		occupancy: NewOccupancyMap(rs.Base(), wordSize, sizes.Specialized),
	}, nil
}

func (n *VirtualSpaceNode) IsClass() bool {
	return n.isClass
}

func (n *VirtualSpaceNode) Bottom() uintptr {
	return n.rs.Base()
}

// End is the end of the reserved range
func (n *VirtualSpaceNode) End() uintptr {
	return n.rs.End()
}

func (n *VirtualSpaceNode) Top() uintptr {
	return n.top
}

func (n *VirtualSpaceNode) CommittedEnd() uintptr {
	return n.vs.High()
}

func (n *VirtualSpaceNode) Next() *VirtualSpaceNode {
	return n.next
}

func (n *VirtualSpaceNode) ReservedWords() int {
	return n.rs.Size() / memutils.BytesPerWord
}

func (n *VirtualSpaceNode) CommittedWords() int {
	return n.vs.CommittedSize() / memutils.BytesPerWord
}

func (n *VirtualSpaceNode) UsedWords() int {
	return int(n.top-n.Bottom()) / memutils.BytesPerWord
}

// FreeWordsInVS is the committed space above top
func (n *VirtualSpaceNode) FreeWordsInVS() int {
	return int(n.CommittedEnd()-n.top) / memutils.BytesPerWord
}

func (n *VirtualSpaceNode) IsAvailable(words int) bool {
	return words <= n.FreeWordsInVS()
}

func (n *VirtualSpaceNode) Contains(addr uintptr) bool {
	return addr >= n.Bottom() && addr < n.top
}

func (n *VirtualSpaceNode) OccupancyMap() *OccupancyMap {
	return n.occupancy
}

// ContainerCount is the number of this node's chunks that are not in the free pool
func (n *VirtualSpaceNode) ContainerCount() int {
	return n.containerCount
}

func (n *VirtualSpaceNode) IncContainerCount() {
	n.containerCount++
}

func (n *VirtualSpaceNode) DecContainerCount() {
	n.containerCount--
	if n.containerCount < 0 {
		panic(fmt.Sprintf("container count of node at %#x went negative", n.Bottom()))
	}
}

func (n *VirtualSpaceNode) granuleIndex(addr uintptr) int {
	return int(addr-n.Bottom()) / memutils.WordsToBytes(n.sizes.Specialized)
}

// ChunkAt returns the chunk starting at addr, or nil
func (n *VirtualSpaceNode) ChunkAt(addr uintptr) *Chunk {
	if addr < n.Bottom() || addr >= n.top {
		return nil
	}
	index := n.granuleIndex(addr)
	if index >= len(n.chunks) {
		return nil
	}
	return n.chunks[index]
}

// FindChunk returns the chunk that contains addr, or nil
func (n *VirtualSpaceNode) FindChunk(addr uintptr) *Chunk {
	if !n.Contains(addr) {
		return nil
	}
	for index := n.granuleIndex(addr); index >= 0; index-- {
		chunk := n.chunks[index]
		if chunk != nil {
			if chunk.Contains(addr) {
				return chunk
			}
			return nil
		}
	}
	return nil
}

func (n *VirtualSpaceNode) registerChunk(chunk *Chunk) {
	index := n.granuleIndex(chunk.bottom)
	if index >= len(n.chunks) {
		n.chunks = append(n.chunks, make([]*Chunk, n.granuleIndex(n.top)-len(n.chunks))...)
	}
	n.chunks[index] = chunk
}

func (n *VirtualSpaceNode) unregisterChunk(chunk *Chunk) {
	index := n.granuleIndex(chunk.bottom)
	if n.chunks[index] != chunk {
		panic(fmt.Sprintf("chunk at %#x is not registered with its node", chunk.bottom))
	}
	n.chunks[index] = nil
}

func (n *VirtualSpaceNode) updateInUseInfo(chunk *Chunk, inUse bool) {
	chunk.isTaggedFree = !inUse
	n.occupancy.SetRegionInUse(chunk.bottom, chunk.wordSize, inUse)
}

// TakeFromCommitted carves a chunk of words out of the committed space above top. Fixed-size chunks
// are aligned to their size; the gap in front of them is filled with padding chunks that go straight to
// cm. It returns nil if the committed space cannot hold the chunk and its padding.
func (n *VirtualSpaceNode) TakeFromCommitted(cm *ChunkManager, words int) *Chunk {
	index := HumongousIndex
	alignmentWords := n.sizes.Specialized
	if words <= n.sizes.Medium {
		index = n.sizes.IndexBySize(words)
		alignmentWords = words
	}

	nextAligned := memutils.AlignUp(n.top, uintptr(memutils.WordsToBytes(alignmentWords)))
	paddingWords := int(nextAligned-n.top) / memutils.BytesPerWord
	if !n.IsAvailable(paddingWords + words) {
		return nil
	}

	if (index == SmallIndex || index == MediumIndex) && nextAligned > n.top {
		n.allocatePaddingChunksUntilTopIsAt(cm, nextAligned)
	}

	start := n.top
	n.top += uintptr(memutils.WordsToBytes(words))

	chunk := newChunk(index, n.isClass, start, words, n)
	chunk.origin = OriginNormal
	n.registerChunk(chunk)
	n.occupancy.SetChunkStartsAtAddress(start, true)
	n.updateInUseInfo(chunk, true)
	n.IncContainerCount()

	memutils.DebugValidate(chunk)
	return chunk
}

func (n *VirtualSpaceNode) allocatePaddingChunksUntilTopIsAt(cm *ChunkManager, target uintptr) {
	for n.top < target {
		paddingWords := n.sizes.Small
		if !memutils.IsAligned(n.top, uintptr(memutils.WordsToBytes(n.sizes.Small))) {
			paddingWords = n.sizes.Specialized
		}

		here := n.top
		n.top += uintptr(memutils.WordsToBytes(paddingWords))

		padding := newChunk(n.sizes.IndexBySize(paddingWords), n.isClass, here, paddingWords, n)
		padding.origin = OriginPadding
		n.registerChunk(padding)
		n.occupancy.SetChunkStartsAtAddress(here, true)
		n.updateInUseInfo(padding, true)
		n.IncContainerCount()

		n.logger.LogAttrs(context.Background(), slog.LevelDebug, "Created padding chunk",
			slog.String("At", fmt.Sprintf("%#x", here)),
			slog.Int("Words", paddingWords),
			slog.Bool("ClassSpace", n.isClass),
		)

		// The chunk manager may merge the padding chunk away immediately
		cm.ReturnSingleChunk(padding)
	}

	if n.top != target {
		panic(fmt.Sprintf("padding overshot: top %#x, target %#x", n.top, target))
	}
}

// ExpandBy commits between minWords and preferredWords more words. It fails if the reservation cannot
// hold minWords more.
func (n *VirtualSpaceNode) ExpandBy(minWords, preferredWords int) bool {
	minBytes := memutils.WordsToBytes(minWords)
	preferredBytes := memutils.WordsToBytes(preferredWords)

	uncommitted := n.vs.UncommittedSize()
	if uncommitted < minBytes {
		return false
	}

	commit := min(preferredBytes, uncommitted)
	err := n.vs.ExpandBy(commit)
	if err != nil {
		n.logger.LogAttrs(context.Background(), slog.LevelWarn, "Failed to commit metaspace",
			slog.Int("Bytes", commit), slog.String("Error", err.Error()))
		return false
	}
	return true
}

// Retire fills the rest of the committed space with the largest chunks that fit and returns them all to
// cm, so that no committed memory is stranded when the list moves on to a new node
func (n *VirtualSpaceNode) Retire(cm *ChunkManager) {
	for index := MediumIndex; ; index = index.Prev() {
		size := n.sizes.SizeByIndex(index)
		for n.FreeWordsInVS() >= size {
			chunk := n.TakeFromCommitted(cm, size)
			if chunk == nil {
				break
			}
			chunk.origin = OriginLeftover
			cm.ReturnSingleChunk(chunk)
		}

		if index == SpecializedIndex {
			break
		}
	}

	if n.FreeWordsInVS() != 0 {
		panic(fmt.Sprintf("retired node at %#x still has %d free committed words", n.Bottom(), n.FreeWordsInVS()))
	}
}

// Purge removes every chunk of this node from cm. All of them must be free.
func (n *VirtualSpaceNode) Purge(cm *ChunkManager) {
	if n.containerCount != 0 {
		panic(fmt.Sprintf("cannot purge node at %#x with %d chunks in use", n.Bottom(), n.containerCount))
	}

	for i, chunk := range n.chunks {
		if chunk == nil {
			continue
		}
		cm.RemoveChunk(chunk)
		n.chunks[i] = nil
		releaseChunk(chunk)
	}
	n.chunks = nil
}

// Release gives the node's address range back to the OS if the node owns it
func (n *VirtualSpaceNode) Release() error {
	if !n.ownsReservation {
		return nil
	}
	return n.rs.Release()
}

// EachChunk visits the node's chunks from bottom to top
func (n *VirtualSpaceNode) EachChunk(visit func(chunk *Chunk)) {
	for _, chunk := range n.chunks {
		if chunk != nil {
			visit(chunk)
		}
	}
}

// Validate walks the node's chunks and checks that they tile [bottom, top), that the occupancy map
// matches each of them and that the container count is correct
func (n *VirtualSpaceNode) Validate() error {
	expected := n.Bottom()
	inUse := 0
	var err error

	n.EachChunk(func(chunk *Chunk) {
		if err != nil {
			return
		}
		if chunk.bottom != expected {
			err = errors.Errorf("gap or overlap in node at %#x: expected chunk at %#x, found %#x", n.Bottom(), expected, chunk.bottom)
			return
		}
		if chunk.container != n {
			err = errors.Errorf("chunk at %#x points at the wrong container", chunk.bottom)
			return
		}
		if !chunk.isTaggedFree {
			inUse++
		}
		err = chunk.Validate()
		if err == nil {
			err = n.occupancy.VerifyForChunk(chunk)
		}
		expected = chunk.End()
	})
	if err != nil {
		return err
	}

	if expected != n.top {
		return errors.Errorf("chunks of node at %#x end at %#x but top is %#x", n.Bottom(), expected, n.top)
	}
	if inUse != n.containerCount {
		return errors.Errorf("node at %#x has %d chunks in use but a container count of %d", n.Bottom(), inUse, n.containerCount)
	}
	if n.top > n.CommittedEnd() {
		return errors.Errorf("node at %#x has top %#x above its committed end %#x", n.Bottom(), n.top, n.CommittedEnd())
	}
	return nil
}

func (n *VirtualSpaceNode) AddStatistics(stats *memutils.DetailedStatistics) {
	n.EachChunk(func(chunk *Chunk) {
		if chunk.isTaggedFree {
			return
		}
		stats.AddChunk(chunk.wordSize, chunk.UsedWords())
	})
}

func (n *VirtualSpaceNode) PrintChunks(json jwriter.ObjectState) {
	json.Name("Bottom").String(fmt.Sprintf("%#x", n.Bottom()))
	json.Name("ReservedWords").Int(n.ReservedWords())
	json.Name("CommittedWords").Int(n.CommittedWords())
	json.Name("UsedWords").Int(n.UsedWords())
	json.Name("ContainerCount").Int(n.containerCount)

	arr := json.Name("Chunks").Array()
	defer arr.End()

	n.EachChunk(func(chunk *Chunk) {
		obj := arr.Object()
		defer obj.End()

		obj.Name("Offset").Int(int(chunk.bottom - n.Bottom()))
		obj.Name("Type").String(chunk.index.String())
		obj.Name("Words").Int(chunk.wordSize)
		obj.Name("Free").Bool(chunk.isTaggedFree)
		obj.Name("Origin").String(chunk.origin.String())
		if !chunk.isTaggedFree {
			obj.Name("UsedWords").Int(chunk.UsedWords())
		}
	})
}
