package metaspace

// GCTrigger is the garbage collector, as seen from metaspace. When an allocation fails,
// CollectForMetadataAllocation is called once, outside every metaspace lock, to unload classes and
// free metadata. It may call Metaspace.Purge and Metaspace.ComputeNewSize.
type GCTrigger interface {
	CollectForMetadataAllocation(words int, mdType MetadataType)
}

// SharedSpace answers whether an address belongs to a mapped class data sharing archive
type SharedSpace interface {
	IsInSharedSpace(addr uintptr) bool
}
