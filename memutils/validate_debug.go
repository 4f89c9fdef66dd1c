//go:build debug_mem_utils

package memutils

const (
	// DebugBuild is true when the debug_mem_utils build tag is present
	DebugBuild bool = true
	// mangleValue is the 8-byte pattern written over metadata words that were deliberately given up
	mangleValue uint64 = 0xf5f5f5f5f5f5f5f5
)

// MangleWords overwrites words metadata words at addr with an easy-to-identify pattern so that use of
// memory that was deliberately given up is easy to spot.
// This method no-ops unless the debug_mem_utils build tag is present.
func MangleWords(addr uintptr, words int) {
	dest := WordsAt(addr, words)
	for i := range dest {
		dest[i] = mangleValue
	}
}

// IsMangled reports whether the words at addr still carry the pattern written by MangleWords.
// This method always returns true unless the debug_mem_utils build tag is present.
func IsMangled(addr uintptr, words int) bool {
	for _, word := range WordsAt(addr, words) {
		if word != mangleValue {
			return false
		}
	}

	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}

// DebugCheckAligned panics if value is not aligned to alignment.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckAligned[T Number](value T, alignment T, name string) {
	err := CheckAligned[T](value, alignment, name)
	if err != nil {
		panic(err)
	}
}
