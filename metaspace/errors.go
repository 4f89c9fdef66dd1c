package metaspace

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrOutOfMemory marks every *OutOfMemoryError
var ErrOutOfMemory = errors.New("metaspace exhausted")

// OutOfMemoryError is returned when an allocation fails after a GC and an attempt to raise the GC
// threshold
type OutOfMemoryError struct {
	Words        int
	MetadataType MetadataType
	// ClassSpace is set when the compressed class space, rather than metaspace as a whole, ran out
	ClassSpace bool
}

func (e *OutOfMemoryError) Error() string {
	space := "Metaspace"
	if e.ClassSpace {
		space = "Compressed class space"
	}
	return fmt.Sprintf("%s: failed to allocate %d words of %s metadata", space, e.Words, e.MetadataType)
}

func (e *OutOfMemoryError) Is(target error) bool {
	return target == ErrOutOfMemory
}
