package bitmap

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/pkg/errors"
)

const (
	bitsPerWord   = 64
	logBitsPerWrd = 6
	wordMask      = bitsPerWord - 1
)

// Bitmap is a growable bit vector backed by 64-bit words. Bits beyond Size are always clear.
// Bitmap is not synchronized.
type Bitmap struct {
	words []uint64
	size  int
}

func wordsFor(size int) int {
	return (size + bitsPerWord - 1) >> logBitsPerWrd
}

// New creates a Bitmap holding size clear bits
func New(size int) *Bitmap {
	return &Bitmap{
		words: make([]uint64, wordsFor(size)),
		size:  size,
	}
}

// FromBytes decodes a Bitmap of size bits written by Bytes
func FromBytes(data []byte, size int) (*Bitmap, error) {
	wordCount := wordsFor(size)
	if len(data) < wordCount*8 {
		return nil, errors.Errorf("bitmap of %d bits needs %d bytes but only %d were provided", size, wordCount*8, len(data))
	}

	b := New(size)
	for i := 0; i < wordCount; i++ {
		b.words[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	b.clearTail()
	return b, nil
}

func (b *Bitmap) Size() int {
	return b.size
}

func (b *Bitmap) SizeInWords() int {
	return wordsFor(b.size)
}

// Words exposes the backing words. The slice is only valid until the next Resize.
func (b *Bitmap) Words() []uint64 {
	return b.words[:wordsFor(b.size)]
}

// Bytes encodes the bitmap as SizeInWords little-endian words
func (b *Bitmap) Bytes() []byte {
	out := make([]byte, b.SizeInWords()*8)
	for i, word := range b.Words() {
		binary.LittleEndian.PutUint64(out[i*8:], word)
	}
	return out
}

// Resize changes the number of bits held. New bits are clear; bits past the new size are dropped.
func (b *Bitmap) Resize(size int) {
	needed := wordsFor(size)
	if needed > cap(b.words) {
		grown := make([]uint64, needed)
		copy(grown, b.words)
		b.words = grown
	} else if needed > len(b.words) {
		oldLen := len(b.words)
		b.words = b.words[:needed]
		clear(b.words[oldLen:])
	} else {
		clear(b.words[needed:])
		b.words = b.words[:needed]
	}
	b.size = size
	b.clearTail()
}

func (b *Bitmap) clearTail() {
	rest := b.size & wordMask
	if rest != 0 && len(b.words) > 0 {
		b.words[len(b.words)-1] &= (uint64(1) << rest) - 1
	}
}

func (b *Bitmap) checkIndex(index int) {
	if index < 0 || index >= b.size {
		panic(fmt.Sprintf("bit index %d out of range [0, %d)", index, b.size))
	}
}

func (b *Bitmap) checkRange(start, count int) {
	if start < 0 || count < 0 || start+count > b.size {
		panic(fmt.Sprintf("bit range [%d, %d) out of range [0, %d)", start, start+count, b.size))
	}
}

func (b *Bitmap) At(index int) bool {
	b.checkIndex(index)
	return b.words[index>>logBitsPerWrd]&(uint64(1)<<(index&wordMask)) != 0
}

func (b *Bitmap) SetBit(index int) {
	b.checkIndex(index)
	b.words[index>>logBitsPerWrd] |= uint64(1) << (index & wordMask)
}

func (b *Bitmap) ClearBit(index int) {
	b.checkIndex(index)
	b.words[index>>logBitsPerWrd] &^= uint64(1) << (index & wordMask)
}

func (b *Bitmap) PutBit(index int, value bool) {
	if value {
		b.SetBit(index)
	} else {
		b.ClearBit(index)
	}
}

// SetRange sets or clears count bits starting at start. Whole words are written at once.
func (b *Bitmap) SetRange(start, count int, value bool) {
	b.checkRange(start, count)

	index := start
	end := start + count
	for index < end {
		if index&wordMask == 0 && end-index >= bitsPerWord {
			if value {
				b.words[index>>logBitsPerWrd] = ^uint64(0)
			} else {
				b.words[index>>logBitsPerWrd] = 0
			}
			index += bitsPerWord
			continue
		}

		chunkBits := min(bitsPerWord-(index&wordMask), end-index)
		mask := rangeMask(index&wordMask, chunkBits)
		if value {
			b.words[index>>logBitsPerWrd] |= mask
		} else {
			b.words[index>>logBitsPerWrd] &^= mask
		}
		index += chunkBits
	}
}

// IsAnySetInRange reports whether any of count bits starting at start is set
func (b *Bitmap) IsAnySetInRange(start, count int) bool {
	b.checkRange(start, count)

	index := start
	end := start + count
	for index < end {
		if index&wordMask == 0 && end-index >= bitsPerWord {
			if b.words[index>>logBitsPerWrd] != 0 {
				return true
			}
			index += bitsPerWord
			continue
		}

		chunkBits := min(bitsPerWord-(index&wordMask), end-index)
		if b.words[index>>logBitsPerWrd]&rangeMask(index&wordMask, chunkBits) != 0 {
			return true
		}
		index += chunkBits
	}

	return false
}

// CountOnes counts the set bits in [start, end)
func (b *Bitmap) CountOnes(start, end int) int {
	count := 0
	b.Iterate(start, end, func(int) bool {
		count++
		return true
	})
	return count
}

func rangeMask(offset, count int) uint64 {
	if count == bitsPerWord {
		return ^uint64(0)
	}
	return ((uint64(1) << count) - 1) << offset
}

// Iterate calls visit for every set bit in [start, end) in ascending order. Iteration stops early
// when visit returns false, in which case Iterate also returns false.
func (b *Bitmap) Iterate(start, end int, visit func(index int) bool) bool {
	if end > b.size {
		end = b.size
	}
	if start >= end {
		return true
	}

	wordIndex := start >> logBitsPerWrd
	word := b.words[wordIndex] &^ ((uint64(1) << (start & wordMask)) - 1)
	for {
		for word != 0 {
			index := wordIndex<<logBitsPerWrd + bits.TrailingZeros64(word)
			if index >= end {
				return true
			}
			if !visit(index) {
				return false
			}
			word &= word - 1
		}

		wordIndex++
		if wordIndex<<logBitsPerWrd >= end {
			return true
		}
		word = b.words[wordIndex]
	}
}

// HighestSetBit returns the index of the last set bit, or -1 if no bit is set
func (b *Bitmap) HighestSetBit() int {
	for i := wordsFor(b.size) - 1; i >= 0; i-- {
		if b.words[i] != 0 {
			return i<<logBitsPerWrd + bitsPerWord - 1 - bits.LeadingZeros64(b.words[i])
		}
	}
	return -1
}

// Validate verifies that no bit past Size is set
func (b *Bitmap) Validate() error {
	if len(b.words) != wordsFor(b.size) {
		return errors.Errorf("bitmap of %d bits is backed by %d words", b.size, len(b.words))
	}
	rest := b.size & wordMask
	if rest != 0 && b.words[len(b.words)-1]>>rest != 0 {
		return errors.Errorf("bitmap of %d bits has bits set past its end", b.size)
	}
	return nil
}
