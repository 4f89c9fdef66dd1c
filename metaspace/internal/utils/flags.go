package utils

import (
	"math/bits"
	"strings"

	"golang.org/x/exp/constraints"
)

// FlagStringMapping renders bit flags as a pipe-separated list of registered names
type FlagStringMapping[T constraints.Integer] struct {
	names map[T]string
}

func NewFlagStringMapping[T constraints.Integer]() FlagStringMapping[T] {
	return FlagStringMapping[T]{names: make(map[T]string)}
}

func (m FlagStringMapping[T]) Register(flag T, name string) {
	m.names[flag] = name
}

func (m FlagStringMapping[T]) FlagsToString(flags T) string {
	if flags == 0 {
		return "None"
	}

	var sb strings.Builder
	value := uint64(flags)
	for value != 0 {
		bit := uint64(1) << bits.TrailingZeros64(value)
		value &^= bit

		if sb.Len() > 0 {
			sb.WriteString("|")
		}
		name, ok := m.names[T(bit)]
		if !ok {
			name = "Unknown"
		}
		sb.WriteString(name)
	}
	return sb.String()
}
