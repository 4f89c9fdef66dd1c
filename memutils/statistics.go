package memutils

import "math"

// Statistics summarizes a set of chunks and the metadata allocated from them. All sizes are in words.
type Statistics struct {
	ChunkCount      int
	AllocationCount int
	ChunkWords      int
	AllocationWords int
}

func (s *Statistics) Clear() {
	s.ChunkCount = 0
	s.AllocationCount = 0
	s.ChunkWords = 0
	s.AllocationWords = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.ChunkCount += other.ChunkCount
	s.AllocationCount += other.AllocationCount
	s.ChunkWords += other.ChunkWords
	s.AllocationWords += other.AllocationWords
}

type DetailedStatistics struct {
	Statistics
	FreeChunkCount   int
	FreeChunkWords   int
	ChunkSizeMin     int
	ChunkSizeMax     int
	FreeChunkSizeMin int
	FreeChunkSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeChunkCount = 0
	s.FreeChunkWords = 0
	s.ChunkSizeMin = math.MaxInt
	s.ChunkSizeMax = 0
	s.FreeChunkSizeMin = math.MaxInt
	s.FreeChunkSizeMax = 0
}

func (s *DetailedStatistics) AddFreeChunk(words int) {
	s.FreeChunkCount++
	s.FreeChunkWords += words

	if words < s.FreeChunkSizeMin {
		s.FreeChunkSizeMin = words
	}

	if words > s.FreeChunkSizeMax {
		s.FreeChunkSizeMax = words
	}
}

func (s *DetailedStatistics) AddChunk(words int, usedWords int) {
	s.ChunkCount++
	s.ChunkWords += words
	s.AllocationWords += usedWords

	if words < s.ChunkSizeMin {
		s.ChunkSizeMin = words
	}

	if words > s.ChunkSizeMax {
		s.ChunkSizeMax = words
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeChunkCount += other.FreeChunkCount
	s.FreeChunkWords += other.FreeChunkWords

	if other.FreeChunkSizeMin < s.FreeChunkSizeMin {
		s.FreeChunkSizeMin = other.FreeChunkSizeMin
	}

	if other.FreeChunkSizeMax > s.FreeChunkSizeMax {
		s.FreeChunkSizeMax = other.FreeChunkSizeMax
	}

	if other.ChunkSizeMin < s.ChunkSizeMin {
		s.ChunkSizeMin = other.ChunkSizeMin
	}

	if other.ChunkSizeMax > s.ChunkSizeMax {
		s.ChunkSizeMax = other.ChunkSizeMax
	}
}
