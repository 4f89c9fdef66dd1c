package metaobj

// ObjType identifies the kind of a metadata object. It selects the archive region an object is copied
// into and, once an archive is mapped, the behavior registered for the kind.
type ObjType uint8

const (
	ClassType ObjType = iota
	SymbolType
	TypeArrayType
	MethodType
	ConstMethodType
	MethodDataType
	ConstantPoolType
	ConstantPoolCacheType
	AnnotationsType
	MethodCountersType
	RecordComponentType

	ObjTypeCount int = iota
)

var objTypeMapping = map[ObjType]string{
	ClassType:             "Class",
	SymbolType:            "Symbol",
	TypeArrayType:         "TypeArray",
	MethodType:            "Method",
	ConstMethodType:       "ConstMethod",
	MethodDataType:        "MethodData",
	ConstantPoolType:      "ConstantPool",
	ConstantPoolCacheType: "ConstantPoolCache",
	AnnotationsType:       "Annotations",
	MethodCountersType:    "MethodCounters",
	RecordComponentType:   "RecordComponent",
}

func (t ObjType) String() string {
	str, ok := objTypeMapping[t]
	if !ok {
		return "Unknown"
	}
	return str
}

func (t ObjType) IsValid() bool {
	return int(t) < ObjTypeCount
}

// ReadOnlyByDefault reports whether objects of this kind are never written after class loading
// completes and can therefore live in the read-only archive region
func (t ObjType) ReadOnlyByDefault() bool {
	switch t {
	case SymbolType, TypeArrayType, ConstMethodType, AnnotationsType, RecordComponentType:
		return true
	}
	return false
}

// IsClassSpace reports whether objects of this kind are allocated in compressed class space
func (t ObjType) IsClassSpace() bool {
	return t == ClassType
}
