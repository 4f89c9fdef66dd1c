package chunks

import (
	"os"
	"testing"

	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout))
}

func newTestList(t *testing.T) (*VirtualSpaceList, *ChunkManager) {
	logger := testLogger()
	list, err := NewVirtualSpaceList(logger, VirtualSpaceSize, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, list.Release())
	})

	return list, NewChunkManager(logger, false)
}

func requireConsistent(t *testing.T, list *VirtualSpaceList, cm *ChunkManager) {
	require.NoError(t, list.Validate())
	require.NoError(t, cm.Validate())
}

func wordOffset(node *VirtualSpaceNode, addr uintptr) int {
	return int(addr-node.Bottom()) / memutils.BytesPerWord
}

func TestSplitMediumIntoSmall(t *testing.T) {
	list, cm := newTestList(t)

	medium := list.GetNewChunk(cm, MediumChunkWords, 0)
	require.NotNil(t, medium)
	node := medium.Container()
	base := medium.Bottom()
	require.Equal(t, 0, wordOffset(node, base))

	cm.ReturnSingleChunk(medium)
	require.Equal(t, 1, cm.FreeChunks(MediumIndex).Count())
	require.Equal(t, MediumChunkWords, cm.FreeChunksTotalWords())

	small := cm.FreelistAllocate(SmallChunkWords)
	require.NotNil(t, small)
	require.Equal(t, base, small.Bottom())
	require.Equal(t, SmallIndex, small.Index())
	require.Equal(t, OriginSplit, small.Origin())
	require.False(t, small.IsTaggedFree())

	require.Equal(t, 0, cm.FreeChunks(MediumIndex).Count())
	require.Equal(t, 0, cm.FreeChunks(SpecializedIndex).Count())
	require.Equal(t, 15, cm.FreeChunks(SmallIndex).Count())
	require.Equal(t, MediumChunkWords-SmallChunkWords, cm.FreeChunksTotalWords())
	require.Equal(t, 1, node.ContainerCount())
	requireConsistent(t, list, cm)

	// Returning the small chunk restores the medium chunk
	cm.ReturnSingleChunk(small)
	require.Equal(t, 1, cm.FreeChunks(MediumIndex).Count())
	require.Equal(t, 0, cm.FreeChunks(SmallIndex).Count())
	require.Equal(t, MediumChunkWords, cm.FreeChunksTotalWords())
	require.Equal(t, base, cm.FreeChunks(MediumIndex).Head().Bottom())
	require.Equal(t, OriginMerged, cm.FreeChunks(MediumIndex).Head().Origin())
	require.Equal(t, 0, node.ContainerCount())
	requireConsistent(t, list, cm)
}

func TestMediumRequestWithOnlySmallChunksFree(t *testing.T) {
	list, cm := newTestList(t)

	first := list.GetNewChunk(cm, SmallChunkWords, 0)
	second := list.GetNewChunk(cm, SmallChunkWords, 0)
	require.NotNil(t, first)
	require.NotNil(t, second)
	node := first.Container()

	cm.ReturnSingleChunk(first)
	cm.ReturnSingleChunk(second)
	require.Equal(t, 2, cm.FreeChunks(SmallIndex).Count())
	requireConsistent(t, list, cm)

	require.Nil(t, cm.FreelistAllocate(MediumChunkWords))
	require.Equal(t, 2, cm.FreeChunks(SmallIndex).Count())

	medium := list.GetNewChunk(cm, MediumChunkWords, 0)
	require.NotNil(t, medium)
	require.Equal(t, MediumChunkWords, wordOffset(node, medium.Bottom()))
	require.Equal(t, OriginNormal, medium.Origin())

	// The padding in front of the new chunk completes the first medium region, which is now one free chunk
	require.Equal(t, 0, cm.FreeChunks(SmallIndex).Count())
	require.Equal(t, 1, cm.FreeChunks(MediumIndex).Count())
	require.Equal(t, node.Bottom(), cm.FreeChunks(MediumIndex).Head().Bottom())
	require.Equal(t, 1, node.ContainerCount())
	requireConsistent(t, list, cm)
}

func TestPaddingChunks(t *testing.T) {
	list, cm := newTestList(t)

	specialized := list.GetNewChunk(cm, SpecializedChunkWords, 0)
	require.NotNil(t, specialized)
	node := specialized.Container()

	small := list.GetNewChunk(cm, SmallChunkWords, 0)
	require.NotNil(t, small)
	require.Equal(t, SmallChunkWords, wordOffset(node, small.Bottom()))

	padding := cm.FreeChunks(SpecializedIndex)
	require.Equal(t, 3, padding.Count())
	padding.Each(func(chunk *Chunk) {
		require.Equal(t, OriginPadding, chunk.Origin())
		require.True(t, chunk.IsTaggedFree())
	})
	require.Equal(t, 2, node.ContainerCount())
	requireConsistent(t, list, cm)

	// Freeing the specialized chunk lets it merge with the padding behind it
	cm.ReturnSingleChunk(specialized)
	require.Equal(t, 0, cm.FreeChunks(SpecializedIndex).Count())
	require.Equal(t, 1, cm.FreeChunks(SmallIndex).Count())
	requireConsistent(t, list, cm)
}

func TestSpecializedFromFreeSmall(t *testing.T) {
	list, cm := newTestList(t)

	small := list.GetNewChunk(cm, SmallChunkWords, 0)
	require.NotNil(t, small)
	holder := list.GetNewChunk(cm, SmallChunkWords, 0)
	require.NotNil(t, holder)
	cm.ReturnSingleChunk(small)

	chunks := make([]*Chunk, 0, 4)
	for i := 0; i < 4; i++ {
		chunk := cm.FreelistAllocate(SpecializedChunkWords)
		require.NotNil(t, chunk)
		chunks = append(chunks, chunk)
	}
	require.Nil(t, cm.FreelistAllocate(SpecializedChunkWords))
	require.Equal(t, 0, cm.FreeChunksTotalWords())
	requireConsistent(t, list, cm)

	for _, chunk := range chunks {
		cm.ReturnSingleChunk(chunk)
	}
	require.Equal(t, 1, cm.FreeChunks(SmallIndex).Count())
	require.Equal(t, 0, cm.FreeChunks(SpecializedIndex).Count())
	require.Equal(t, SmallChunkWords, cm.FreeChunksTotalWords())
	requireConsistent(t, list, cm)
}

func TestSpecializedChunksMergeIntoMedium(t *testing.T) {
	list, cm := newTestList(t)

	count := MediumChunkWords / SpecializedChunkWords
	chunks := make([]*Chunk, 0, count)
	for i := 0; i < count; i++ {
		chunk := list.GetNewChunk(cm, SpecializedChunkWords, 0)
		require.NotNil(t, chunk)
		chunks = append(chunks, chunk)
	}
	holder := list.GetNewChunk(cm, SmallChunkWords, 0)
	require.NotNil(t, holder)
	node := holder.Container()
	require.Equal(t, 0, wordOffset(node, chunks[0].Bottom()))
	require.Equal(t, MediumChunkWords, wordOffset(node, holder.Bottom()))
	require.Equal(t, 0, cm.FreeChunksTotalWords())
	requireConsistent(t, list, cm)

	// Returning the chunks out of order still merges every small region once it is complete
	for i := 0; i < count; i += 2 {
		cm.ReturnSingleChunk(chunks[i])
	}
	require.Equal(t, count/2, cm.FreeChunks(SpecializedIndex).Count())
	require.Equal(t, 0, cm.FreeChunks(SmallIndex).Count())
	requireConsistent(t, list, cm)

	for i := 1; i < count-2; i += 2 {
		cm.ReturnSingleChunk(chunks[i])
	}
	require.Equal(t, 3, cm.FreeChunks(SpecializedIndex).Count())
	require.Equal(t, MediumChunkWords/SmallChunkWords-1, cm.FreeChunks(SmallIndex).Count())
	require.Equal(t, 0, cm.FreeChunks(MediumIndex).Count())
	requireConsistent(t, list, cm)

	cm.ReturnSingleChunk(chunks[count-1])
	require.Equal(t, 0, cm.FreeChunks(SpecializedIndex).Count())
	require.Equal(t, 0, cm.FreeChunks(SmallIndex).Count())
	require.Equal(t, 1, cm.FreeChunks(MediumIndex).Count())

	medium := cm.FreeChunks(MediumIndex).Head()
	require.Equal(t, node.Bottom(), medium.Bottom())
	require.Equal(t, OriginMerged, medium.Origin())
	require.Equal(t, MediumChunkWords, cm.FreeChunksTotalWords())
	require.Equal(t, 1, node.ContainerCount())
	requireConsistent(t, list, cm)
}

func TestHumongousChunks(t *testing.T) {
	list, cm := newTestList(t)

	words := MediumChunkWords + 15*SpecializedChunkWords
	humongous := list.GetNewChunk(cm, words, 0)
	require.NotNil(t, humongous)
	require.Equal(t, HumongousIndex, humongous.Index())
	require.Equal(t, words, humongous.WordSize())

	cm.ReturnSingleChunk(humongous)
	require.Equal(t, 1, cm.HumongousCount())
	require.Equal(t, words, cm.HumongousWords())

	require.Nil(t, cm.FreelistAllocate(words+SpecializedChunkWords))

	reused := cm.FreelistAllocate(MediumChunkWords + SpecializedChunkWords)
	require.NotNil(t, reused)
	require.Equal(t, words, reused.WordSize())
	require.Equal(t, 1, reused.UseCount())
	require.Equal(t, 0, cm.HumongousCount())
	require.Equal(t, 0, cm.FreeChunksTotalWords())
	requireConsistent(t, list, cm)
}

func TestRetireAndPurge(t *testing.T) {
	list, cm := newTestList(t)

	chunk := list.GetNewChunk(cm, SpecializedChunkWords, 4*MediumChunkWords)
	require.NotNil(t, chunk)
	oldNode := list.Current()
	free := oldNode.FreeWordsInVS()
	require.Greater(t, free, 0)

	oldNode.Retire(cm)
	require.Equal(t, 0, oldNode.FreeWordsInVS())
	require.Equal(t, free, cm.FreeChunksTotalWords())
	requireConsistent(t, list, cm)

	require.NoError(t, list.createNewVirtualSpace(VirtualSpaceSize))
	require.Equal(t, 2, list.NodeCount())
	require.NotEqual(t, oldNode, list.Current())

	// A node with a chunk in use survives
	require.Equal(t, 0, list.Purge(cm))

	cm.ReturnSingleChunk(chunk)
	require.Equal(t, 0, oldNode.ContainerCount())
	require.Equal(t, 1, list.Purge(cm))
	require.Equal(t, 1, list.NodeCount())
	require.Equal(t, 0, cm.FreeChunksTotalWords())
	require.Equal(t, 0, cm.FreeChunksCount())
	requireConsistent(t, list, cm)
}

func TestDoubleReturnPanics(t *testing.T) {
	list, cm := newTestList(t)

	chunk := list.GetNewChunk(cm, SmallChunkWords, 0)
	require.NotNil(t, chunk)
	holder := list.GetNewChunk(cm, SmallChunkWords, 0)
	require.NotNil(t, holder)

	cm.ReturnSingleChunk(chunk)
	require.Panics(t, func() {
		cm.ReturnSingleChunk(chunk)
	})
}

type denyAll struct{}

func (denyAll) CanExpand(words int, isClass bool) bool { return false }
func (denyAll) AllowedExpansion() int                  { return 0 }

func TestExpansionPolicyDenies(t *testing.T) {
	logger := testLogger()
	list, err := NewVirtualSpaceList(logger, VirtualSpaceSize, denyAll{}, nil)
	require.NoError(t, err)
	defer list.Release()

	cm := NewChunkManager(logger, false)
	require.Nil(t, list.GetNewChunk(cm, SmallChunkWords, 0))
	require.Equal(t, 0, list.CommittedWords())
}

func TestCommitListener(t *testing.T) {
	logger := testLogger()
	committed := 0
	reserved := 0
	list, err := NewVirtualSpaceList(logger, VirtualSpaceSize, nil, func(committedDelta int, reservedDelta int, isClass bool) {
		require.False(t, isClass)
		committed += committedDelta
		reserved += reservedDelta
	})
	require.NoError(t, err)
	require.Equal(t, VirtualSpaceSize, reserved)

	cm := NewChunkManager(logger, false)
	require.NotNil(t, list.GetNewChunk(cm, MediumChunkWords, 0))
	require.Equal(t, list.CommittedWords(), committed)
	require.GreaterOrEqual(t, committed, MediumChunkWords)

	require.NoError(t, list.Release())
	require.Equal(t, 0, committed)
	require.Equal(t, 0, reserved)
}
