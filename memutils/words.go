package memutils

import "unsafe"

const (
	// BytesPerWord is the size of a metadata word. Metaspace sizes are expressed in words throughout.
	BytesPerWord int = int(unsafe.Sizeof(uintptr(0)))
	// LogBytesPerWord is log2(BytesPerWord)
	LogBytesPerWord int = 3

	// ObjectAlignment is the byte alignment of every metadata allocation
	ObjectAlignment int = 8

	K int = 1024
	M int = K * K
	G int = K * M
)

// WordsToBytes converts a word count to a byte count
func WordsToBytes(words int) int {
	return words << LogBytesPerWord
}

// BytesToWords converts a byte count to a word count, rounding up
func BytesToWords(bytes int) int {
	return (bytes + BytesPerWord - 1) >> LogBytesPerWord
}

// WordsAt returns a view of words metadata words starting at addr. addr must lie in memory that
// is not managed by the Go garbage collector (a reserved range) or in memory kept alive by the caller.
func WordsAt(addr uintptr, words int) []uint64 {
	if words == 0 {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(addr)), words)
}

// BytesAt returns a view of size bytes starting at addr, with the same lifetime caveats as WordsAt
func BytesAt(addr uintptr, size int) []byte {
	if size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// LoadWord reads the word stored at addr
func LoadWord(addr uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr))
}

// StoreWord writes value into the word at addr
func StoreWord(addr uintptr, value uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = value
}

// ZeroWords clears words metadata words starting at addr
func ZeroWords(addr uintptr, words int) {
	clear(WordsAt(addr, words))
}
