package metaobj

// MetaspaceObj is a live metadata object as seen by the archive builder. The builder never assumes a
// layout beyond the object's size, its kind and the locations of its embedded metadata pointers.
type MetaspaceObj interface {
	// Addr is the address of the object's first byte
	Addr() uintptr
	Type() ObjType
	SizeInBytes() int
	ReadOnlyByDefault() bool
	// PointersDo pushes every embedded metadata pointer field of the object to it
	PointersDo(it PointerIterator)
}

// PointerIterator receives the embedded pointer fields of a MetaspaceObj. fieldAddr is the address of
// the field inside the object; the field holds target's address, possibly carrying a tag in its low
// bits. target is nil when the field is null.
type PointerIterator interface {
	Push(fieldAddr uintptr, target MetaspaceObj)
}

// PointerIteratorFunc adapts a function to PointerIterator
type PointerIteratorFunc func(fieldAddr uintptr, target MetaspaceObj)

func (f PointerIteratorFunc) Push(fieldAddr uintptr, target MetaspaceObj) {
	f(fieldAddr, target)
}

// ClassObj is a MetaspaceObj of ClassType
type ClassObj interface {
	MetaspaceObj

	Name() string
	IsInstanceClass() bool
	IsHidden() bool
	IsSigned() bool
	FailedVerification() bool
	MajorVersion() int
	IsJFREventClass() bool

	// RemoveUnshareableInfo clears, in the archived copy, every field that is only meaningful inside the
	// process that loaded the class: loader identity, init markers, resolved handles.
	RemoveUnshareableInfo(archived []byte)
}
