package metaspace

// MetadataType selects which of the two spaces an allocation is served from
type MetadataType int

const (
	// ClassType allocations hold class structures and go to the compressed class space when one exists
	ClassType MetadataType = iota
	// NonClassType allocations hold every other kind of metadata
	NonClassType

	MetadataTypeCount int = 2
)

var metadataTypeMapping = map[MetadataType]string{
	ClassType:    "Class",
	NonClassType: "NonClass",
}

func (t MetadataType) String() string {
	return metadataTypeMapping[t]
}

func (t MetadataType) IsClass() bool {
	return t == ClassType
}

// SpaceType describes the class loader that owns an arena. It decides how large the arena's chunks
// are while it is young.
type SpaceType int

const (
	StandardSpaceType SpaceType = iota
	BootSpaceType
	AnonymousSpaceType
	ReflectionSpaceType
)

var spaceTypeMapping = map[SpaceType]string{
	StandardSpaceType:   "Standard",
	BootSpaceType:       "Boot",
	AnonymousSpaceType:  "Anonymous",
	ReflectionSpaceType: "Reflection",
}

func (t SpaceType) String() string {
	return spaceTypeMapping[t]
}

// isSmallLoader reports whether loaders of this type usually hold very little metadata
func (t SpaceType) isSmallLoader() bool {
	return t == AnonymousSpaceType || t == ReflectionSpaceType
}
