package vmem_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils/vmem"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func TestReserveCommitUncommit(t *testing.T) {
	logger := slog.Default()
	rs, err := vmem.Reserve(logger, 4*memutils.M, 64*memutils.K, 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, rs.Release()) }()

	require.True(t, memutils.IsAligned(rs.Base(), uintptr(64*memutils.K)))
	require.Equal(t, 4*memutils.M, rs.Size())

	vs, err := vmem.NewVirtualSpace(rs, 0)
	require.NoError(t, err)
	require.Equal(t, 0, vs.CommittedSize())

	require.NoError(t, vs.ExpandBy(1))
	require.Equal(t, vmem.PageSize(), vs.CommittedSize())

	words := memutils.WordsAt(vs.Low(), vmem.PageSize()/memutils.BytesPerWord)
	words[0] = 0xCAFEBABE
	words[len(words)-1] = 42
	require.Equal(t, uint64(0xCAFEBABE), memutils.LoadWord(vs.Low()))

	require.Error(t, vs.ExpandBy(8*memutils.M))
	require.Equal(t, vmem.PageSize(), vs.CommittedSize())

	require.NoError(t, vs.ShrinkBy(vmem.PageSize()))
	require.Equal(t, 0, vs.CommittedSize())
	require.NoError(t, vs.ExpandBy(vmem.PageSize()))
	require.Equal(t, uint64(0), memutils.LoadWord(vs.Low()))
}

func TestReserveRejectsBadAlignment(t *testing.T) {
	_, err := vmem.Reserve(slog.Default(), memutils.M, 3*vmem.PageSize(), 0)
	require.Error(t, err)
}

func TestMapFile(t *testing.T) {
	page := vmem.PageSize()
	path := filepath.Join(t.TempDir(), "payload")

	payload := make([]byte, 2*page)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rs, err := vmem.Reserve(slog.Default(), 4*page, page, 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, rs.Release()) }()

	target := rs.Base() + uintptr(page)
	require.NoError(t, vmem.MapFile(rs, f, int64(page), target, page, vmem.ProtRead|vmem.ProtWrite))
	require.Equal(t, payload[page:2*page], memutils.BytesAt(target, page))

	require.Error(t, vmem.MapFile(rs, f, 0, rs.End(), page, vmem.ProtRead))
	require.Equal(t, "rw-", (vmem.ProtRead | vmem.ProtWrite).String())
}
