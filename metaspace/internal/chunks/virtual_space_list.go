package chunks

import (
	"context"
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils/vmem"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"
)

// VirtualSpaceSize is the default size of a new non-class node in words
const VirtualSpaceSize int = 256 * memutils.K

// ExpansionPolicy decides whether a list may commit more memory
type ExpansionPolicy interface {
	// CanExpand reports whether words more may be committed for the given space
	CanExpand(words int, isClass bool) bool
	// AllowedExpansion is the number of words that may be committed before the next GC
	AllowedExpansion() int
}

// CommitListener is told about every change in committed or reserved words of a list
type CommitListener func(committedDelta int, reservedDelta int, isClass bool)

// VirtualSpaceList is the chain of nodes of one space. The non-class list grows by reserving new nodes;
// the class list consists of a single node over the compressed class space reservation.
//
// VirtualSpaceList is not synchronized: every method must be called with the expand lock held.
type VirtualSpaceList struct {
	logger  *slog.Logger
	isClass bool
	sizes   ChunkSizes

	head    *VirtualSpaceNode
	current *VirtualSpaceNode

	reservedWords  int
	committedWords int
	nodeCount      int

	policy   ExpansionPolicy
	listener CommitListener
}

// NewVirtualSpaceList creates the non-class list with a first node of initialWords
func NewVirtualSpaceList(logger *slog.Logger, initialWords int, policy ExpansionPolicy, listener CommitListener) (*VirtualSpaceList, error) {
	list := &VirtualSpaceList{
		logger:   logger,
		sizes:    SizesFor(false),
		policy:   policy,
		listener: listener,
	}

	err := list.createNewVirtualSpace(max(initialWords, VirtualSpaceSize))
	if err != nil {
		return nil, err
	}
	return list, nil
}

// NewClassVirtualSpaceList creates the class list over rs, which the list does not own
func NewClassVirtualSpaceList(logger *slog.Logger, rs *vmem.ReservedSpace, policy ExpansionPolicy, listener CommitListener) (*VirtualSpaceList, error) {
	node, err := NewVirtualSpaceNodeOver(logger, true, rs)
	if err != nil {
		return nil, err
	}

	list := &VirtualSpaceList{
		logger:   logger,
		isClass:  true,
		sizes:    SizesFor(true),
		policy:   policy,
		listener: listener,
	}
	list.linkNode(node)
	return list, nil
}

func (l *VirtualSpaceList) IsClass() bool {
	return l.isClass
}

func (l *VirtualSpaceList) Current() *VirtualSpaceNode {
	return l.current
}

func (l *VirtualSpaceList) ReservedWords() int {
	return l.reservedWords
}

func (l *VirtualSpaceList) CommittedWords() int {
	return l.committedWords
}

func (l *VirtualSpaceList) NodeCount() int {
	return l.nodeCount
}

func (l *VirtualSpaceList) notify(committedDelta, reservedDelta int) {
	l.committedWords += committedDelta
	l.reservedWords += reservedDelta
	if l.committedWords < 0 || l.reservedWords < 0 {
		panic(fmt.Sprintf("virtual space list accounting went negative: %d committed, %d reserved", l.committedWords, l.reservedWords))
	}

	if l.listener != nil && (committedDelta != 0 || reservedDelta != 0) {
		l.listener(committedDelta, reservedDelta, l.isClass)
	}
}

func (l *VirtualSpaceList) linkNode(node *VirtualSpaceNode) {
	if l.head == nil {
		l.head = node
	} else {
		node.next = l.head
		l.head = node
	}
	l.current = node
	l.nodeCount++
	l.notify(node.CommittedWords(), node.ReservedWords())
}

func (l *VirtualSpaceList) createNewVirtualSpace(words int) error {
	if l.isClass {
		panic("the class space cannot grow by adding nodes")
	}

	node, err := NewVirtualSpaceNode(l.logger, false, words)
	if err != nil {
		return err
	}
	l.linkNode(node)

	l.logger.LogAttrs(context.Background(), slog.LevelDebug, "VirtualSpaceList::createNewVirtualSpace",
		slog.String("Bottom", fmt.Sprintf("%#x", node.Bottom())),
		slog.Int("ReservedWords", node.ReservedWords()),
		slog.Int("NodeCount", l.nodeCount),
	)
	return nil
}

func (l *VirtualSpaceList) expandNodeBy(node *VirtualSpaceNode, minWords, preferredWords int) bool {
	before := node.CommittedWords()
	result := node.ExpandBy(minWords, preferredWords)
	l.notify(node.CommittedWords()-before, 0)
	return result
}

// expandBy commits at least minWords more, preferably preferredWords, moving to a new node if the
// current one is exhausted
func (l *VirtualSpaceList) expandBy(cm *ChunkManager, minWords, preferredWords int) bool {
	memutils.DebugCheckAligned(minWords, CommitAlignmentWords(), "minWords")
	memutils.DebugCheckAligned(preferredWords, CommitAlignmentWords(), "preferredWords")

	if l.policy != nil {
		if !l.policy.CanExpand(minWords, l.isClass) {
			return false
		}
		allowed := l.policy.AllowedExpansion()
		if allowed < minWords {
			return false
		}
		preferredWords = min(preferredWords, allowed)
	}

	if l.expandNodeBy(l.current, minWords, preferredWords) {
		return true
	}

	if l.isClass {
		return false
	}

	// The current node is too small; hand its remaining committed space to the pool and start a new one
	l.current.Retire(cm)

	nodeWords := memutils.AlignUp(max(VirtualSpaceSize, preferredWords), ReserveAlignment()/memutils.BytesPerWord)
	if err := l.createNewVirtualSpace(nodeWords); err != nil {
		l.logger.LogAttrs(context.Background(), slog.LevelWarn, "Failed to reserve a new metaspace node",
			slog.Int("Words", nodeWords), slog.String("Error", err.Error()))
		return false
	}

	return l.expandNodeBy(l.current, minWords, preferredWords)
}

// GetNewChunk carves a chunk of chunkWords out of the current node, committing more memory first if
// necessary. suggestedCommitWords is how much the caller would like committed in one go. It returns nil
// if the expansion policy or the address space does not allow it.
func (l *VirtualSpaceList) GetNewChunk(cm *ChunkManager, chunkWords int, suggestedCommitWords int) *Chunk {
	chunk := l.current.TakeFromCommitted(cm, chunkWords)
	if chunk != nil {
		return chunk
	}

	commitAlignment := CommitAlignmentWords()
	minWords := memutils.AlignUp(chunkWords+l.sizes.LargestPossiblePadding(chunkWords), commitAlignment)
	preferredWords := max(memutils.AlignUp(suggestedCommitWords, commitAlignment), minWords)

	if !l.expandBy(cm, minWords, preferredWords) {
		return nil
	}

	chunk = l.current.TakeFromCommitted(cm, chunkWords)
	if chunk == nil {
		panic(fmt.Sprintf("expanded by %d words but still cannot take a chunk of %d words", minWords, chunkWords))
	}
	return chunk
}

// Purge releases every node other than the current one whose chunks are all free
func (l *VirtualSpaceList) Purge(cm *ChunkManager) int {
	purged := 0
	var prev *VirtualSpaceNode
	node := l.head
	for node != nil {
		next := node.next
		if node.containerCount != 0 || node == l.current {
			prev = node
			node = next
			continue
		}

		if prev == nil {
			l.head = next
		} else {
			prev.next = next
		}
		node.next = nil

		node.Purge(cm)
		l.nodeCount--
		l.notify(-node.CommittedWords(), -node.ReservedWords())

		l.logger.LogAttrs(context.Background(), slog.LevelDebug, "VirtualSpaceList::Purge",
			slog.String("Bottom", fmt.Sprintf("%#x", node.Bottom())),
			slog.Int("ReservedWords", node.ReservedWords()),
		)
		if err := node.Release(); err != nil {
			l.logger.LogAttrs(context.Background(), slog.LevelWarn, "Failed to release a metaspace node",
				slog.String("Error", err.Error()))
		}

		purged++
		node = next
	}

	return purged
}

// Contains reports whether addr lies below the top of any node of the list
func (l *VirtualSpaceList) Contains(addr uintptr) bool {
	return l.FindNode(addr) != nil
}

func (l *VirtualSpaceList) FindNode(addr uintptr) *VirtualSpaceNode {
	for node := l.head; node != nil; node = node.next {
		if node.Contains(addr) {
			return node
		}
	}
	return nil
}

func (l *VirtualSpaceList) EachNode(visit func(node *VirtualSpaceNode)) {
	for node := l.head; node != nil; node = node.next {
		visit(node)
	}
}

func (l *VirtualSpaceList) AddStatistics(stats *memutils.DetailedStatistics) {
	l.EachNode(func(node *VirtualSpaceNode) {
		node.AddStatistics(stats)
	})
}

func (l *VirtualSpaceList) Validate() error {
	committed := 0
	reserved := 0
	count := 0
	for node := l.head; node != nil; node = node.next {
		if err := node.Validate(); err != nil {
			return err
		}
		committed += node.CommittedWords()
		reserved += node.ReservedWords()
		count++
	}

	if committed != l.committedWords || reserved != l.reservedWords || count != l.nodeCount {
		return errors.Errorf("virtual space list tracks %d committed, %d reserved words in %d nodes but holds %d, %d in %d",
			l.committedWords, l.reservedWords, l.nodeCount, committed, reserved, count)
	}
	return nil
}

// Release gives every node back to the OS. The list cannot be used afterward.
func (l *VirtualSpaceList) Release() error {
	var err error
	for node := l.head; node != nil; node = node.next {
		releaseErr := node.Release()
		if releaseErr != nil && err == nil {
			err = releaseErr
		}
	}

	l.notify(-l.committedWords, -l.reservedWords)
	l.head = nil
	l.current = nil
	l.nodeCount = 0
	return err
}

func (l *VirtualSpaceList) PrintNodes(json jwriter.ObjectState) {
	json.Name("ClassSpace").Bool(l.isClass)
	json.Name("ReservedWords").Int(l.reservedWords)
	json.Name("CommittedWords").Int(l.committedWords)

	arr := json.Name("Nodes").Array()
	defer arr.End()

	l.EachNode(func(node *VirtualSpaceNode) {
		obj := arr.Object()
		defer obj.End()
		node.PrintChunks(obj)
	})
}
