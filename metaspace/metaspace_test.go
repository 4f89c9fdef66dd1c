package metaspace_test

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaobj"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaspace"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaspace/internal/chunks"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaspace/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func newMetaspace(t *testing.T, options metaspace.CreateOptions) *metaspace.Metaspace {
	logger := slog.New(slog.NewTextHandler(os.Stdout))
	if options.CompressedClassSpaceSize == 0 {
		options.CompressedClassSpaceSize = 16 * memutils.M
	}
	if options.InitialBootClassLoaderMetaspaceSize == 0 {
		options.InitialBootClassLoaderMetaspaceSize = memutils.M
	}

	ms, err := metaspace.New(logger, options)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, ms.Destroy())
	})
	return ms
}

func TestAllocateZeroedMemory(t *testing.T) {
	ms := newMetaspace(t, metaspace.CreateOptions{})
	arena := ms.NewClassLoaderMetaspace(metaspace.StandardSpaceType)
	defer arena.Close()

	addr, err := arena.Allocate(10, metaobj.MethodType)
	require.NoError(t, err)
	require.NotZero(t, addr)
	require.True(t, memutils.IsAligned(addr, uintptr(memutils.ObjectAlignment)))
	for _, word := range memutils.WordsAt(addr, 10) {
		require.Zero(t, word)
	}
	memutils.StoreWord(addr, 0xdeadbeef)

	classAddr, err := arena.Allocate(60, metaobj.ClassType)
	require.NoError(t, err)
	require.True(t, arena.SpaceManager(metaspace.ClassType).Contains(classAddr))
	require.False(t, arena.SpaceManager(metaspace.NonClassType).Contains(classAddr))
	require.GreaterOrEqual(t, uint64(classAddr), uint64(ms.ClassSpaceBase()))

	require.True(t, arena.Contains(addr))
	require.True(t, ms.Contains(addr))
	require.True(t, ms.Contains(classAddr))
	require.Equal(t, 70, arena.UsedWords())
	require.Equal(t, chunks.SmallChunkWords+chunks.ClassSmallChunkWords, arena.CapacityWords())

	require.NoError(t, arena.Validate())
	require.NoError(t, ms.Verify())
}

func TestMinimumAllocationSize(t *testing.T) {
	ms := newMetaspace(t, metaspace.CreateOptions{Flags: metaspace.CreateNoCompressedClassSpace})
	arena := ms.NewClassLoaderMetaspace(metaspace.StandardSpaceType)
	defer arena.Close()

	first, err := arena.Allocate(1, metaobj.SymbolType)
	require.NoError(t, err)
	second, err := arena.Allocate(1, metaobj.SymbolType)
	require.NoError(t, err)
	require.Equal(t, uintptr(3*memutils.BytesPerWord), second-first)
}

func TestStandardArenaChunkProgression(t *testing.T) {
	ms := newMetaspace(t, metaspace.CreateOptions{Flags: metaspace.CreateNoCompressedClassSpace})
	arena := ms.NewClassLoaderMetaspace(metaspace.StandardSpaceType)
	defer arena.Close()

	manager := arena.SpaceManager(metaspace.NonClassType)
	require.Equal(t, 1, manager.ChunkCount(chunks.SmallIndex))

	for i := 0; i < 4; i++ {
		_, err := arena.Allocate(400, metaobj.ConstMethodType)
		require.NoError(t, err)
	}
	require.Equal(t, 4, manager.ChunkCount(chunks.SmallIndex))
	require.Equal(t, 0, manager.ChunkCount(chunks.MediumIndex))

	_, err := arena.Allocate(400, metaobj.ConstMethodType)
	require.NoError(t, err)
	require.Equal(t, 4, manager.ChunkCount(chunks.SmallIndex))
	require.Equal(t, 1, manager.ChunkCount(chunks.MediumIndex))
	require.Equal(t, chunks.MediumIndex, manager.CurrentChunk().Index())

	// The tails of the retired small chunks went to the block freelist
	require.Equal(t, 4, manager.BlockFreelist().Count())
	require.Equal(t, 4*(chunks.SmallChunkWords-400), manager.BlockFreelist().TotalWords())

	_, err = arena.Allocate(10000, metaobj.TypeArrayType)
	require.NoError(t, err)
	require.Equal(t, 1, manager.ChunkCount(chunks.HumongousIndex))
	require.Equal(t, chunks.MediumIndex, manager.CurrentChunk().Index())

	require.NoError(t, arena.Validate())
	require.NoError(t, ms.Verify())
}

func TestAnonymousArenaUsesSpecializedChunks(t *testing.T) {
	ms := newMetaspace(t, metaspace.CreateOptions{Flags: metaspace.CreateNoCompressedClassSpace})
	arena := ms.NewClassLoaderMetaspace(metaspace.AnonymousSpaceType)
	defer arena.Close()

	manager := arena.SpaceManager(metaspace.NonClassType)
	require.Equal(t, 1, manager.ChunkCount(chunks.SpecializedIndex))

	for i := 0; i < 4; i++ {
		_, err := arena.Allocate(100, metaobj.MethodType)
		require.NoError(t, err)
	}
	require.Equal(t, 4, manager.ChunkCount(chunks.SpecializedIndex))
	require.Equal(t, 0, manager.ChunkCount(chunks.SmallIndex))

	_, err := arena.Allocate(100, metaobj.MethodType)
	require.NoError(t, err)
	require.Equal(t, 4, manager.ChunkCount(chunks.SpecializedIndex))
	require.Equal(t, 1, manager.ChunkCount(chunks.SmallIndex))
}

func TestBootArenaFirstChunk(t *testing.T) {
	ms := newMetaspace(t, metaspace.CreateOptions{})
	arena := ms.NewClassLoaderMetaspace(metaspace.BootSpaceType)
	defer arena.Close()

	nonClass := arena.SpaceManager(metaspace.NonClassType)
	require.Equal(t, 1, nonClass.ChunkCount(chunks.HumongousIndex))
	require.Equal(t, memutils.BytesToWords(memutils.M), nonClass.CapacityWords())
	require.Equal(t, chunks.HumongousIndex, nonClass.CurrentChunk().Index())

	class := arena.SpaceManager(metaspace.ClassType)
	require.Equal(t, 1, class.ChunkCount(chunks.MediumIndex))

	addr, err := arena.Allocate(20000, metaobj.ConstantPoolType)
	require.NoError(t, err)
	require.True(t, nonClass.CurrentChunk().Contains(addr))
}

func TestDeallocate(t *testing.T) {
	ms := newMetaspace(t, metaspace.CreateOptions{Flags: metaspace.CreateNoCompressedClassSpace})
	arena := ms.NewClassLoaderMetaspace(metaspace.StandardSpaceType)
	defer arena.Close()

	manager := arena.SpaceManager(metaspace.NonClassType)

	tiny, err := arena.Allocate(4, metaobj.SymbolType)
	require.NoError(t, err)
	arena.Deallocate(tiny, 4, false)
	require.Nil(t, manager.BlockFreelist())
	require.Equal(t, 4, manager.WastedWords())

	block, err := arena.Allocate(100, metaobj.MethodType)
	require.NoError(t, err)
	arena.Deallocate(block, 100, false)
	require.Equal(t, 100, manager.BlockFreelist().TotalWords())
	require.NoError(t, arena.Validate())
}

func TestDeallocateIgnoresSharedSpace(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	shared := mocks.NewMockSharedSpace(ctrl)
	ms := newMetaspace(t, metaspace.CreateOptions{
		Flags:       metaspace.CreateNoCompressedClassSpace,
		SharedSpace: shared,
	})
	arena := ms.NewClassLoaderMetaspace(metaspace.StandardSpaceType)
	defer arena.Close()

	shared.EXPECT().IsInSharedSpace(uintptr(0x800000000)).Return(true)
	arena.Deallocate(0x800000000, 100, false)
	require.Nil(t, arena.SpaceManager(metaspace.NonClassType).BlockFreelist())
}

func TestCloseReturnsChunks(t *testing.T) {
	ms := newMetaspace(t, metaspace.CreateOptions{})
	arena := ms.NewClassLoaderMetaspace(metaspace.StandardSpaceType)

	for i := 0; i < 6; i++ {
		_, err := arena.Allocate(300, metaobj.MethodType)
		require.NoError(t, err)
	}
	_, err := arena.Allocate(50, metaobj.ClassType)
	require.NoError(t, err)

	counters := ms.Counters()
	require.NotZero(t, counters.CapacityWords(metaspace.NonClassType))
	require.NotZero(t, counters.UsedWords(metaspace.ClassType))

	arena.Close()
	require.Zero(t, counters.CapacityWords(metaspace.NonClassType))
	require.Zero(t, counters.CapacityWords(metaspace.ClassType))
	require.Zero(t, counters.UsedWords(metaspace.NonClassType))
	require.Zero(t, counters.UsedWords(metaspace.ClassType))
	require.NoError(t, ms.Verify())

	stats := ms.Statistics(metaspace.NonClassType)
	require.Zero(t, stats.ChunkCount)
	require.NotZero(t, stats.FreeChunkCount)

	// Closing twice is harmless
	arena.Close()

	// The only node is current, so nothing is purged
	require.Equal(t, 0, ms.Purge())
}

func TestGCTriggeredOnThreshold(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	trigger := mocks.NewMockGCTrigger(ctrl)
	ms := newMetaspace(t, metaspace.CreateOptions{
		Flags:         metaspace.CreateNoCompressedClassSpace,
		MetaspaceSize: memutils.M,
		GCTrigger:     trigger,
	})
	arena := ms.NewClassLoaderMetaspace(metaspace.StandardSpaceType)
	defer arena.Close()

	collections := 0
	trigger.EXPECT().CollectForMetadataAllocation(gomock.Any(), metaspace.NonClassType).
		Do(func(words int, mdType metaspace.MetadataType) {
			collections++
			ms.ComputeNewSize()
		}).AnyTimes()

	before := ms.GCPolicy().CapacityUntilGC()
	for i := 0; i < 64; i++ {
		_, err := arena.Allocate(4000, metaobj.ConstMethodType)
		require.NoError(t, err)
	}

	require.Greater(t, collections, 0)
	require.Greater(t, ms.GCPolicy().CapacityUntilGC(), before)
	require.LessOrEqual(t, ms.Counters().TotalCommittedBytes(), ms.GCPolicy().CapacityUntilGC())
	require.NoError(t, ms.Verify())
}

func TestOutOfMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	trigger := mocks.NewMockGCTrigger(ctrl)
	ms := newMetaspace(t, metaspace.CreateOptions{
		Flags:            metaspace.CreateNoCompressedClassSpace,
		MetaspaceSize:    memutils.M,
		MaxMetaspaceSize: 2 * memutils.M,
		GCTrigger:        trigger,
	})
	arena := ms.NewClassLoaderMetaspace(metaspace.StandardSpaceType)
	defer arena.Close()

	words := memutils.BytesToWords(4 * memutils.M)
	trigger.EXPECT().CollectForMetadataAllocation(words, metaspace.NonClassType).Times(1)

	addr, err := arena.Allocate(words, metaobj.TypeArrayType)
	require.Zero(t, addr)
	require.True(t, errors.Is(err, metaspace.ErrOutOfMemory))

	var oom *metaspace.OutOfMemoryError
	require.True(t, errors.As(err, &oom))
	require.Equal(t, words, oom.Words)
	require.False(t, oom.ClassSpace)
	require.NoError(t, ms.Verify())
}

func TestPrintDetailedMap(t *testing.T) {
	ms := newMetaspace(t, metaspace.CreateOptions{})
	arena := ms.NewClassLoaderMetaspace(metaspace.ReflectionSpaceType)
	defer arena.Close()

	_, err := arena.Allocate(64, metaobj.MethodType)
	require.NoError(t, err)

	data, err := ms.PrintDetailedMap()
	require.NoError(t, err)
	require.True(t, json.Valid(data))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Contains(t, decoded, "NonClass")
	require.Contains(t, decoded, "Class")
	require.Len(t, decoded["Arenas"], 1)
}

func TestCreateOptionsValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout))

	_, err := metaspace.New(logger, metaspace.CreateOptions{
		MinMetaspaceFreeRatio: 80,
		MaxMetaspaceFreeRatio: 50,
	})
	require.Error(t, err)

	_, err = metaspace.New(logger, metaspace.CreateOptions{
		MetaspaceSize:    4 * memutils.M,
		MaxMetaspaceSize: 2 * memutils.M,
	})
	require.Error(t, err)

	require.Equal(t, "metaspace.CreateExternallySynchronized|metaspace.CreateNoCompressedClassSpace",
		(metaspace.CreateExternallySynchronized | metaspace.CreateNoCompressedClassSpace).String())
}
