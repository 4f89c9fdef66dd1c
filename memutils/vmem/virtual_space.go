package vmem

import (
	"github.com/cockroachdb/errors"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
)

// VirtualSpace tracks the committed prefix of a ReservedSpace. Memory is committed from the low end
// upward in page-sized steps.
type VirtualSpace struct {
	rs        *ReservedSpace
	committed int
}

// NewVirtualSpace creates a VirtualSpace over rs with initialCommit bytes committed up front
func NewVirtualSpace(rs *ReservedSpace, initialCommit int) (*VirtualSpace, error) {
	if !rs.IsReserved() {
		return nil, errors.New("cannot create a virtual space over a released reservation")
	}

	vs := &VirtualSpace{rs: rs}
	if initialCommit > 0 {
		err := vs.ExpandBy(initialCommit)
		if err != nil {
			return nil, err
		}
	}
	return vs, nil
}

func (vs *VirtualSpace) Reserved() *ReservedSpace {
	return vs.rs
}

func (vs *VirtualSpace) Low() uintptr {
	return vs.rs.Base()
}

// High is the end of the committed prefix
func (vs *VirtualSpace) High() uintptr {
	return vs.rs.Base() + uintptr(vs.committed)
}

func (vs *VirtualSpace) CommittedSize() int {
	return vs.committed
}

func (vs *VirtualSpace) UncommittedSize() int {
	return vs.rs.Size() - vs.committed
}

func (vs *VirtualSpace) Contains(addr uintptr) bool {
	return addr >= vs.Low() && addr < vs.High()
}

// ExpandBy commits at least bytes more memory, rounded up to the page size. It fails without side
// effects if the reservation does not have room.
func (vs *VirtualSpace) ExpandBy(bytes int) error {
	if bytes <= 0 {
		return nil
	}

	grow := memutils.AlignUp(bytes, PageSize())
	if grow > vs.UncommittedSize() {
		return errors.Newf("cannot commit %d bytes: only %d bytes remain uncommitted", grow, vs.UncommittedSize())
	}

	err := osCommit(vs.High(), grow)
	if err != nil {
		return errors.Wrapf(err, "failed to commit %d bytes at %#x", grow, vs.High())
	}

	vs.committed += grow
	return nil
}

// ShrinkBy uncommits bytes from the high end of the committed prefix. bytes must be page aligned.
func (vs *VirtualSpace) ShrinkBy(bytes int) error {
	if bytes <= 0 {
		return nil
	}
	if !memutils.IsAligned(bytes, PageSize()) {
		return errors.Wrapf(memutils.AlignmentError, "shrink size %d is not page aligned", bytes)
	}
	if bytes > vs.committed {
		return errors.Newf("cannot uncommit %d bytes: only %d bytes are committed", bytes, vs.committed)
	}

	err := osUncommit(vs.High()-uintptr(bytes), bytes)
	if err != nil {
		return errors.Wrapf(err, "failed to uncommit %d bytes", bytes)
	}

	vs.committed -= bytes
	return nil
}
