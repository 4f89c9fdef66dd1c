package vmem

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"golang.org/x/exp/slog"
)

// ReservedSpace is a range of address space claimed from the OS. Nothing inside it is accessible until
// it is committed through a VirtualSpace.
type ReservedSpace struct {
	logger    *slog.Logger
	base      uintptr
	size      int
	alignment int
	keepAlive []byte
}

// Reserve claims size bytes of address space aligned to alignment. If requested is non-zero the OS is
// asked to place the range there; when it cannot, the range lands wherever the OS chooses. Callers
// that need the exact address must compare Base with requested.
func Reserve(logger *slog.Logger, size int, alignment int, requested uintptr) (*ReservedSpace, error) {
	if alignment == 0 {
		alignment = PageSize()
	}
	err := memutils.CheckPow2(alignment, "alignment")
	if err != nil {
		return nil, err
	}
	if alignment%PageSize() != 0 {
		return nil, errors.Newf("reservation alignment %d is not a multiple of the page size %d", alignment, PageSize())
	}
	if size <= 0 {
		return nil, errors.Newf("cannot reserve %d bytes", size)
	}
	size = memutils.AlignUp(size, alignment)

	if requested != 0 && !memutils.IsAligned(requested, uintptr(alignment)) {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "requested reservation address is misaligned, ignoring it",
			slog.String("Requested", fmt.Sprintf("%#x", requested)), slog.Int("Alignment", alignment))
		requested = 0
	}

	base, keepAlive, err := osReserve(size, alignment, requested)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes", size)
	}

	logger.LogAttrs(context.Background(), slog.LevelDebug, "Reserved address range",
		slog.String("Base", fmt.Sprintf("%#x", base)),
		slog.Int("Size", size),
		slog.Bool("AtRequestedAddress", requested != 0 && base == requested),
	)

	return &ReservedSpace{
		logger:    logger,
		base:      base,
		size:      size,
		alignment: alignment,
		keepAlive: keepAlive,
	}, nil
}

func (rs *ReservedSpace) Base() uintptr {
	return rs.base
}

func (rs *ReservedSpace) End() uintptr {
	return rs.base + uintptr(rs.size)
}

func (rs *ReservedSpace) Size() int {
	return rs.size
}

func (rs *ReservedSpace) Alignment() int {
	return rs.alignment
}

func (rs *ReservedSpace) IsReserved() bool {
	return rs.base != 0
}

func (rs *ReservedSpace) Contains(addr uintptr) bool {
	return addr >= rs.base && addr < rs.End()
}

// Release returns the whole range to the OS. Any VirtualSpace over it becomes invalid.
func (rs *ReservedSpace) Release() error {
	if rs.base == 0 {
		return nil
	}

	err := osRelease(rs.base, rs.size, rs.keepAlive)
	if err != nil {
		return errors.Wrapf(err, "failed to release reservation at %#x", rs.base)
	}

	rs.logger.Debug("ReservedSpace::Release", slog.Int("Size", rs.size))
	rs.base = 0
	rs.size = 0
	rs.keepAlive = nil
	return nil
}
