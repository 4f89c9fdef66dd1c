package chunks

import (
	"fmt"

	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils/bitmap"
	"github.com/pkg/errors"
)

// OccupancyMap tracks, for one node's address range, where chunks start and which granules belong to
// chunks in use. A granule is the size of the smallest chunk. The map is not synchronized: callers must
// hold the expand lock.
type OccupancyMap struct {
	reference      uintptr
	wordSize       int
	granuleWords   int
	chunkStartBits *bitmap.Bitmap
	inUseBits      *bitmap.Bitmap
}

// NewOccupancyMap covers wordSize words starting at reference with granules of granuleWords words
func NewOccupancyMap(reference uintptr, wordSize int, granuleWords int) *OccupancyMap {
	memutils.DebugCheckPow2(granuleWords, "granuleWords")
	if wordSize%granuleWords != 0 {
		panic(fmt.Sprintf("occupancy map range of %d words is not a multiple of the granule size %d", wordSize, granuleWords))
	}

	granules := wordSize / granuleWords
	return &OccupancyMap{
		reference:      reference,
		wordSize:       wordSize,
		granuleWords:   granuleWords,
		chunkStartBits: bitmap.New(granules),
		inUseBits:      bitmap.New(granules),
	}
}

func (m *OccupancyMap) GranuleWords() int {
	return m.granuleWords
}

func (m *OccupancyMap) bitPosition(addr uintptr) int {
	offset := addr - m.reference
	if addr < m.reference || offset >= uintptr(memutils.WordsToBytes(m.wordSize)) {
		panic(fmt.Sprintf("address %#x is outside the occupancy map range starting at %#x", addr, m.reference))
	}

	granuleBytes := uintptr(memutils.WordsToBytes(m.granuleWords))
	if offset%granuleBytes != 0 {
		panic(fmt.Sprintf("address %#x is not aligned to the occupancy map granule", addr))
	}
	return int(offset / granuleBytes)
}

func (m *OccupancyMap) granules(words int) int {
	if words%m.granuleWords != 0 {
		panic(fmt.Sprintf("region of %d words is not a multiple of the granule size %d", words, m.granuleWords))
	}
	return words / m.granuleWords
}

func (m *OccupancyMap) ChunkStartsAtAddress(addr uintptr) bool {
	return m.chunkStartBits.At(m.bitPosition(addr))
}

func (m *OccupancyMap) SetChunkStartsAtAddress(addr uintptr, starts bool) {
	m.chunkStartBits.PutBit(m.bitPosition(addr), starts)
}

// IsRegionInUse reports whether any granule of [addr, addr+words) belongs to an in-use chunk
func (m *OccupancyMap) IsRegionInUse(addr uintptr, words int) bool {
	return m.inUseBits.IsAnySetInRange(m.bitPosition(addr), m.granules(words))
}

func (m *OccupancyMap) SetRegionInUse(addr uintptr, words int, inUse bool) {
	m.inUseBits.SetRange(m.bitPosition(addr), m.granules(words), inUse)
}

// WipeChunkStartBitsInRegion clears every chunk start in [addr, addr+words)
func (m *OccupancyMap) WipeChunkStartBitsInRegion(addr uintptr, words int) {
	m.chunkStartBits.SetRange(m.bitPosition(addr), m.granules(words), false)
}

// ChunkStartsInRegion visits the address of every chunk start in [addr, addr+words)
func (m *OccupancyMap) ChunkStartsInRegion(addr uintptr, words int, visit func(start uintptr)) {
	start := m.bitPosition(addr)
	granuleBytes := uintptr(memutils.WordsToBytes(m.granuleWords))
	m.chunkStartBits.Iterate(start, start+m.granules(words), func(index int) bool {
		visit(m.reference + uintptr(index)*granuleBytes)
		return true
	})
}

// VerifyForChunk checks that the map agrees with chunk: one start bit at its bottom, no other start
// bits inside it, and in-use bits matching its free state.
func (m *OccupancyMap) VerifyForChunk(chunk *Chunk) error {
	if !m.ChunkStartsAtAddress(chunk.bottom) {
		return errors.Errorf("no chunk start bit for chunk at %#x", chunk.bottom)
	}

	pos := m.bitPosition(chunk.bottom)
	count := m.granules(chunk.wordSize)
	if count > 1 && m.chunkStartBits.IsAnySetInRange(pos+1, count-1) {
		return errors.Errorf("chunk start bits set inside chunk at %#x", chunk.bottom)
	}

	inUse := m.inUseBits.CountOnes(pos, pos+count)
	if chunk.isTaggedFree && inUse != 0 {
		return errors.Errorf("free chunk at %#x has %d granules marked in use", chunk.bottom, inUse)
	}
	if !chunk.isTaggedFree && inUse != count {
		return errors.Errorf("in-use chunk at %#x has only %d of %d granules marked in use", chunk.bottom, inUse, count)
	}
	return nil
}
