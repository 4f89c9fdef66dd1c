package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~int64 | ~uint64 | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// CheckAligned returns an error if value is not a multiple of alignment, which must be a power of two
func CheckAligned[T Number](value T, alignment T, name string) error {
	if !IsAligned(value, alignment) {
		return cerrors.Wrapf(AlignmentError, "%s is %#x, alignment %#x", name, value, alignment)
	}
	return nil
}

func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

func AlignDown[T Number](value T, alignment T) T {
	return value &^ (alignment - 1)
}

func IsAligned[T Number](value T, alignment T) bool {
	return value&(alignment-1) == 0
}
