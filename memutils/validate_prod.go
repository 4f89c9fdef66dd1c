//go:build !debug_mem_utils

package memutils

const (
	// DebugBuild is true when the debug_mem_utils build tag is present
	DebugBuild bool = false
)

// MangleWords overwrites words metadata words at addr with an easy-to-identify pattern so that use of
// memory that was deliberately given up is easy to spot.
// This method no-ops unless the debug_mem_utils build tag is present.
func MangleWords(addr uintptr, words int) {
}

// IsMangled reports whether the words at addr still carry the pattern written by MangleWords.
// This method always returns true unless the debug_mem_utils build tag is present.
func IsMangled(addr uintptr, words int) bool {
	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
}

// DebugCheckAligned panics if value is not aligned to alignment.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckAligned[T Number](value T, alignment T, name string) {
}
