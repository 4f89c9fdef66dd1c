package memutils

// Validatable is anything DebugValidate can check: chunks, nodes, free lists and the chunk manager
type Validatable interface {
	Validate() error
}
