//go:build debug_mem_utils

package metaspace_test

import (
	"testing"

	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaobj"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaspace"
	"github.com/stretchr/testify/require"
)

func TestDeallocateForeignBlockPanics(t *testing.T) {
	ms := newMetaspace(t, metaspace.CreateOptions{Flags: metaspace.CreateNoCompressedClassSpace})
	owner := ms.NewClassLoaderMetaspace(metaspace.StandardSpaceType)
	defer owner.Close()
	other := ms.NewClassLoaderMetaspace(metaspace.StandardSpaceType)
	defer other.Close()

	block, err := owner.Allocate(100, metaobj.MethodType)
	require.NoError(t, err)

	require.Panics(t, func() { other.Deallocate(block, 100, false) })
	require.Nil(t, other.SpaceManager(metaspace.NonClassType).BlockFreelist())

	buffer := make([]uint64, 100)
	require.Panics(t, func() { owner.Deallocate(uintptrOf(buffer), 100, false) })

	owner.Deallocate(block, 100, false)
	require.Equal(t, 100, owner.SpaceManager(metaspace.NonClassType).BlockFreelist().TotalWords())
}
