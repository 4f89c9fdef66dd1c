package chunks

import (
	"fmt"

	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
)

// ChunkIndex is a chunk size class. Each non-humongous class is a fixed multiple of the next smaller.
type ChunkIndex int

const (
	SpecializedIndex ChunkIndex = iota
	SmallIndex
	MediumIndex
	HumongousIndex

	// NumberOfFreeLists is the number of fixed-size free lists; humongous chunks live in a dictionary
	NumberOfFreeLists int = 3
	// NumberOfInUseLists is the number of chunk chains a space manager keeps
	NumberOfInUseLists int = 4
)

var chunkIndexMapping = map[ChunkIndex]string{
	SpecializedIndex: "Specialized",
	SmallIndex:       "Small",
	MediumIndex:      "Medium",
	HumongousIndex:   "Humongous",
}

func (i ChunkIndex) String() string {
	return chunkIndexMapping[i]
}

func (i ChunkIndex) Next() ChunkIndex {
	return i + 1
}

func (i ChunkIndex) Prev() ChunkIndex {
	if i == SpecializedIndex {
		panic("there is no chunk index below Specialized")
	}
	return i - 1
}

// Chunk sizes in words
const (
	SpecializedChunkWords int = 128
	SmallChunkWords       int = 512
	MediumChunkWords      int = 8 * memutils.K

	ClassSpecializedChunkWords int = 128
	ClassSmallChunkWords       int = 256
	ClassMediumChunkWords      int = 4 * memutils.K

	// MediumChunkMultiple is how many medium chunks of committed memory a space manager asks for when
	// the virtual space has to grow
	MediumChunkMultiple int = 4
)

// ChunkSizes holds the fixed chunk sizes of one space (class or non-class)
type ChunkSizes struct {
	Specialized int
	Small       int
	Medium      int
}

func SizesFor(isClass bool) ChunkSizes {
	if isClass {
		return ChunkSizes{
			Specialized: ClassSpecializedChunkWords,
			Small:       ClassSmallChunkWords,
			Medium:      ClassMediumChunkWords,
		}
	}

	return ChunkSizes{
		Specialized: SpecializedChunkWords,
		Small:       SmallChunkWords,
		Medium:      MediumChunkWords,
	}
}

// SizeByIndex returns the word size of a non-humongous chunk class
func (s ChunkSizes) SizeByIndex(index ChunkIndex) int {
	switch index {
	case SpecializedIndex:
		return s.Specialized
	case SmallIndex:
		return s.Small
	case MediumIndex:
		return s.Medium
	}

	panic(fmt.Sprintf("chunk index %s has no fixed size", index))
}

// IndexBySize classifies a chunk by its word size. Any size that is not one of the fixed sizes is humongous.
func (s ChunkSizes) IndexBySize(words int) ChunkIndex {
	switch words {
	case s.Specialized:
		return SpecializedIndex
	case s.Small:
		return SmallIndex
	case s.Medium:
		return MediumIndex
	}

	if words <= s.Medium {
		panic(fmt.Sprintf("chunk size %d is neither a fixed size nor humongous", words))
	}
	return HumongousIndex
}

// ListIndex returns the free list a request of words is served from: the smallest fixed class that
// can hold it, or humongous.
func (s ChunkSizes) ListIndex(words int) ChunkIndex {
	switch {
	case words <= s.Specialized:
		return SpecializedIndex
	case words <= s.Small:
		return SmallIndex
	case words <= s.Medium:
		return MediumIndex
	}
	return HumongousIndex
}

// LargestPossiblePadding is the most padding that can precede a chunk of words once it has been
// aligned to its own size
func (s ChunkSizes) LargestPossiblePadding(words int) int {
	if words > s.Medium {
		return 0
	}
	return words - s.Specialized
}

// ChunkOrigin records how a chunk came to exist
type ChunkOrigin int

const (
	OriginNormal ChunkOrigin = iota
	OriginPadding
	OriginLeftover
	OriginMerged
	OriginSplit
)

var chunkOriginMapping = map[ChunkOrigin]string{
	OriginNormal:   "Normal",
	OriginPadding:  "Padding",
	OriginLeftover: "Leftover",
	OriginMerged:   "Merged",
	OriginSplit:    "Split",
}

func (o ChunkOrigin) String() string {
	return chunkOriginMapping[o]
}
