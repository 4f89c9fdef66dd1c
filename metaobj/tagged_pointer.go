package metaobj

// TagMask covers the low bits of an embedded pointer that carry flags instead of address bits.
// Metadata is at least 8-byte aligned, so two tag bits never collide with the address.
const TagMask uint64 = 0x3

// TaggedPointer is an embedded metadata pointer with a 2-bit tag stored alongside the address
type TaggedPointer uint64

func MakeTaggedPointer(addr uintptr, tag uint8) TaggedPointer {
	if uint64(addr)&TagMask != 0 {
		panic("tagged pointer address must be 4-byte aligned")
	}
	return TaggedPointer(uint64(addr) | uint64(tag)&TagMask)
}

func (p TaggedPointer) Address() uintptr {
	return uintptr(uint64(p) &^ TagMask)
}

func (p TaggedPointer) Tag() uint8 {
	return uint8(uint64(p) & TagMask)
}

// WithAddress keeps the tag and replaces the address
func (p TaggedPointer) WithAddress(addr uintptr) TaggedPointer {
	return MakeTaggedPointer(addr, p.Tag())
}

func (p TaggedPointer) IsNull() bool {
	return p.Address() == 0
}
