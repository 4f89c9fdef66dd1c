package cds_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/cds"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils/vmem"
	"github.com/stretchr/testify/require"
)

const bufferAlignment = 64 * memutils.K

func newBuffer(t *testing.T, size int, commit int) (*vmem.ReservedSpace, *vmem.VirtualSpace) {
	rs, err := vmem.Reserve(testLogger(), size, bufferAlignment, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rs.Release())
	})

	vs, err := vmem.NewVirtualSpace(rs, commit)
	require.NoError(t, err)
	return rs, vs
}

func recoverPanic(f func()) (r any) {
	defer func() {
		r = recover()
	}()
	f()
	return nil
}

func TestDumpRegionAllocate(t *testing.T) {
	rs, vs := newBuffer(t, 4*bufferAlignment, 0)
	marker := cds.NewPtrMarker(vs)
	rw := cds.NewDumpRegion("rw", cds.DefaultMaxDelta, marker)
	ro := cds.NewDumpRegion("ro", cds.DefaultMaxDelta, marker)
	require.False(t, ro.IsAllocatable())

	rw.Init(rs, vs)
	require.True(t, rw.IsAllocatable())
	require.Equal(t, rs.Base(), rw.Base())
	require.Equal(t, rs.End(), rw.End())
	require.Zero(t, vs.CommittedSize())

	first := rw.Allocate(12)
	require.Equal(t, rs.Base(), first)
	require.Equal(t, rs.Base()+16, rw.Top())
	require.Equal(t, 16, rw.Used())
	require.Equal(t, rs.Size(), vs.CommittedSize())
	require.Equal(t, make([]byte, 16), rw.Bytes())

	word := rw.AppendWord(0xcafe, false)
	require.Equal(t, first+16, word)
	require.Equal(t, uint64(0xcafe), memutils.LoadWord(word))
	require.False(t, marker.IsMarked(word))

	pointer := rw.AppendWord(uint64(word), true)
	require.True(t, marker.IsMarked(pointer))
	require.True(t, rw.Contains(pointer))
	require.False(t, rw.Contains(rw.Top()))

	rw.Pack(ro)
	require.True(t, rw.IsPacked())
	require.False(t, rw.IsAllocatable())
	require.Equal(t, rs.Base()+uintptr(bufferAlignment), rw.End())
	require.Equal(t, bufferAlignment, rw.Reserved())
	require.Equal(t, rw.End(), ro.Base())
	require.Equal(t, rs.End(), ro.End())
	require.True(t, ro.IsAllocatable())

	require.Panics(t, func() { rw.Allocate(8) })
	require.Panics(t, func() { rw.Pack(nil) })

	second := ro.Allocate(3)
	require.Equal(t, ro.Base(), second)
	require.Equal(t, 8, ro.Used())
}

func TestDumpRegionOutOfSpace(t *testing.T) {
	rs, vs := newBuffer(t, bufferAlignment, 0)
	rw := cds.NewDumpRegion("rw", cds.DefaultMaxDelta, cds.NewPtrMarker(vs))
	rw.Init(rs, vs)
	rw.Allocate(bufferAlignment - 8)

	r := recoverPanic(func() { rw.Allocate(16) })
	var outOfSpace *cds.OutOfSpaceError
	require.ErrorAs(t, r.(error), &outOfSpace)
	require.Equal(t, "rw", outOfSpace.Region)
	require.Equal(t, 16, outOfSpace.Needed)
	require.Equal(t, 8, outOfSpace.Available)
	require.True(t, errors.Is(outOfSpace, cds.ErrFatal))

	// The failed allocation left the region as it was
	require.Equal(t, bufferAlignment-8, rw.Used())
	rw.Allocate(8)
	require.Equal(t, rs.End(), rw.Top())
}

func TestDumpRegionMaxDelta(t *testing.T) {
	rs, vs := newBuffer(t, bufferAlignment, 0)
	rw := cds.NewDumpRegion("rw", 100, cds.NewPtrMarker(vs))
	rw.Init(rs, vs)
	rw.Allocate(64)

	r := recoverPanic(func() { rw.Allocate(64) })
	err, ok := r.(error)
	require.True(t, ok)
	require.True(t, errors.Is(err, cds.ErrFatal))
	require.NotErrorIs(t, err, cds.ErrSharingDisabled)
}

func TestPtrMarker(t *testing.T) {
	rs, vs := newBuffer(t, 4*bufferAlignment, 4*bufferAlignment)
	marker := cds.NewPtrMarker(vs)
	base := rs.Base()

	// null pointers are not marked
	marker.MarkPointer(base + 8)
	require.False(t, marker.IsMarked(base+8))

	memutils.StoreWord(base+8, uint64(base))
	require.Panics(t, func() { marker.MarkPointer(base + 8) })

	marker.SetAndMarkPointer(base+16, uint64(base+8))
	require.True(t, marker.IsMarked(base+16))
	require.Equal(t, uint64(base+8), memutils.LoadWord(base+16))

	// Locations outside the buffer are ignored
	marker.MarkPointer(rs.End())
	require.False(t, marker.IsMarked(rs.End()))
	require.Panics(t, func() { marker.ClearPointer(rs.End()) })

	far := rs.End() - 8
	marker.SetAndMarkPointer(far, uint64(base+16))
	require.True(t, marker.IsMarked(far))
	farIndex := int(far-base) / memutils.BytesPerWord
	require.Greater(t, marker.Bitmap().Size(), farIndex)

	marker.ClearPointer(far)
	require.False(t, marker.IsMarked(far))
	require.Equal(t, 2, marker.Bitmap().HighestSetBit())

	marker.Compact(2)
	require.True(t, marker.IsCompacted())
	require.Equal(t, 3, marker.Bitmap().Size())
	require.True(t, marker.IsMarked(base+16))
	require.Panics(t, func() { marker.MarkPointer(base + 16) })
	require.Panics(t, func() { marker.ClearPointer(base + 16) })
	require.Panics(t, func() { marker.Compact(2) })
}

func TestPtrMarkerCompactEmpty(t *testing.T) {
	_, vs := newBuffer(t, bufferAlignment, bufferAlignment)
	marker := cds.NewPtrMarker(vs)

	marker.Compact(-1)
	require.Zero(t, marker.Bitmap().Size())
	require.Empty(t, marker.Bitmap().Bytes())
}
