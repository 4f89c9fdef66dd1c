package metaspace

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaspace/internal/utils"
)

// CreateFlags indicate specific metaspace behaviors to activate or deactivate
type CreateFlags int32

var metaspaceCreateFlagsMapping = utils.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	metaspaceCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return metaspaceCreateFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that this metaspace and all arenas created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time or are synchronized by some other mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateNoCompressedClassSpace places class metadata in the non-class space instead of reserving
	// a separate compressed class space
	CreateNoCompressedClassSpace
)

func init() {
	CreateExternallySynchronized.Register("metaspace.CreateExternallySynchronized")
	CreateNoCompressedClassSpace.Register("metaspace.CreateNoCompressedClassSpace")
}

const (
	// DefaultMetaspaceSize is the initial GC threshold: 21MiB
	DefaultMetaspaceSize int = 21 * memutils.M
	// DefaultMaxMetaspaceSize leaves metaspace unbounded
	DefaultMaxMetaspaceSize int = math.MaxInt
	// DefaultCompressedClassSpaceSize is the size of the class space reservation: 1GiB
	DefaultCompressedClassSpaceSize int = memutils.G
	DefaultMinMetaspaceFreeRatio    int = 40
	DefaultMaxMetaspaceFreeRatio    int = 70
	DefaultMinMetaspaceExpansion    int = 256 * memutils.K
	DefaultMaxMetaspaceExpansion    int = 4 * memutils.M
	// DefaultInitialBootClassLoaderMetaspaceSize is the size of the boot loader's first chunk
	DefaultInitialBootClassLoaderMetaspaceSize int = 4 * memutils.M
)

// CreateOptions contains optional settings when creating a Metaspace. Sizes are in bytes; zero
// fields take their defaults.
type CreateOptions struct {
	// Flags indicates specific metaspace behaviors to activate or deactivate
	Flags CreateFlags

	MetaspaceSize            int
	MaxMetaspaceSize         int
	CompressedClassSpaceSize int
	// CompressedClassSpaceBaseAddress is a hint for where to reserve the class space; 0 lets the
	// OS choose
	CompressedClassSpaceBaseAddress uintptr

	MinMetaspaceFreeRatio int
	MaxMetaspaceFreeRatio int
	MinMetaspaceExpansion int
	MaxMetaspaceExpansion int

	InitialBootClassLoaderMetaspaceSize int

	// GCTrigger is asked to collect when an allocation cannot be satisfied. If it is nil, a failed
	// allocation goes straight to raising the GC threshold.
	GCTrigger GCTrigger
	// SharedSpace answers whether an address lies in a mapped archive. Deallocations of such
	// addresses are ignored.
	SharedSpace SharedSpace
}

func (o *CreateOptions) fillDefaults() {
	if o.MetaspaceSize == 0 {
		o.MetaspaceSize = DefaultMetaspaceSize
	}
	if o.MaxMetaspaceSize == 0 {
		o.MaxMetaspaceSize = DefaultMaxMetaspaceSize
	}
	if o.CompressedClassSpaceSize == 0 {
		o.CompressedClassSpaceSize = DefaultCompressedClassSpaceSize
	}
	if o.MinMetaspaceFreeRatio == 0 {
		o.MinMetaspaceFreeRatio = DefaultMinMetaspaceFreeRatio
	}
	if o.MaxMetaspaceFreeRatio == 0 {
		o.MaxMetaspaceFreeRatio = DefaultMaxMetaspaceFreeRatio
	}
	if o.MinMetaspaceExpansion == 0 {
		o.MinMetaspaceExpansion = DefaultMinMetaspaceExpansion
	}
	if o.MaxMetaspaceExpansion == 0 {
		o.MaxMetaspaceExpansion = DefaultMaxMetaspaceExpansion
	}
	if o.InitialBootClassLoaderMetaspaceSize == 0 {
		o.InitialBootClassLoaderMetaspaceSize = DefaultInitialBootClassLoaderMetaspaceSize
	}
}

func (o *CreateOptions) validate() error {
	if o.MinMetaspaceFreeRatio < 0 || o.MinMetaspaceFreeRatio > 100 {
		return errors.Newf("MinMetaspaceFreeRatio must be in [0, 100], but is %d", o.MinMetaspaceFreeRatio)
	}
	if o.MaxMetaspaceFreeRatio < 0 || o.MaxMetaspaceFreeRatio > 100 {
		return errors.Newf("MaxMetaspaceFreeRatio must be in [0, 100], but is %d", o.MaxMetaspaceFreeRatio)
	}
	if o.MinMetaspaceFreeRatio > o.MaxMetaspaceFreeRatio {
		return errors.Newf("MinMetaspaceFreeRatio (%d) must not exceed MaxMetaspaceFreeRatio (%d)",
			o.MinMetaspaceFreeRatio, o.MaxMetaspaceFreeRatio)
	}
	if o.MinMetaspaceFreeRatio == 100 {
		return errors.New("MinMetaspaceFreeRatio of 100 leaves no room for metadata")
	}
	if o.MetaspaceSize > o.MaxMetaspaceSize {
		return errors.Newf("MetaspaceSize (%d) must not exceed MaxMetaspaceSize (%d)", o.MetaspaceSize, o.MaxMetaspaceSize)
	}
	if o.MinMetaspaceExpansion > o.MaxMetaspaceExpansion {
		return errors.Newf("MinMetaspaceExpansion (%d) must not exceed MaxMetaspaceExpansion (%d)",
			o.MinMetaspaceExpansion, o.MaxMetaspaceExpansion)
	}
	if o.Flags&CreateNoCompressedClassSpace == 0 && o.CompressedClassSpaceSize <= 0 {
		return errors.Newf("CompressedClassSpaceSize must be positive, but is %d", o.CompressedClassSpaceSize)
	}
	return nil
}
