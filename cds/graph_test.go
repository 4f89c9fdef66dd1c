package cds_test

import (
	"os"
	"testing"

	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaobj"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaspace"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// loaderWord is the word of a fake class that only makes sense in the live process
const loaderWord = 1

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout))
}

type fakeField struct {
	word   int
	target metaobj.MetaspaceObj
}

type fakeObj struct {
	addr    uintptr
	objType metaobj.ObjType
	words   int
	fields  []fakeField
}

func (o *fakeObj) Addr() uintptr {
	return o.addr
}

func (o *fakeObj) Type() metaobj.ObjType {
	return o.objType
}

func (o *fakeObj) SizeInBytes() int {
	return memutils.WordsToBytes(o.words)
}

func (o *fakeObj) ReadOnlyByDefault() bool {
	return o.objType.ReadOnlyByDefault()
}

func (o *fakeObj) PointersDo(it metaobj.PointerIterator) {
	for _, field := range o.fields {
		it.Push(o.addr+uintptr(memutils.WordsToBytes(field.word)), field.target)
	}
}

// isPointerWord reports whether word holds an embedded pointer
func (o *fakeObj) isPointerWord(word int) bool {
	for _, field := range o.fields {
		if field.word == word {
			return true
		}
	}
	return false
}

type fakeClass struct {
	fakeObj
	name     string
	array    bool
	hidden   bool
	signed   bool
	failed   bool
	jfrEvent bool
	major    int
}

func (c *fakeClass) Name() string {
	return c.name
}

func (c *fakeClass) IsInstanceClass() bool {
	return !c.array
}

func (c *fakeClass) IsHidden() bool {
	return c.hidden
}

func (c *fakeClass) IsSigned() bool {
	return c.signed
}

func (c *fakeClass) FailedVerification() bool {
	return c.failed
}

func (c *fakeClass) MajorVersion() int {
	return c.major
}

func (c *fakeClass) IsJFREventClass() bool {
	return c.jfrEvent
}

func (c *fakeClass) RemoveUnshareableInfo(archived []byte) {
	offset := memutils.WordsToBytes(loaderWord)
	clear(archived[offset : offset+memutils.BytesPerWord])
}

// graph allocates fake metadata objects in a real metaspace
type graph struct {
	t     *testing.T
	arena *metaspace.ClassLoaderMetaspace
	seed  uint64
}

func newGraph(t *testing.T) *graph {
	ms, err := metaspace.New(testLogger(), metaspace.CreateOptions{
		CompressedClassSpaceSize:            16 * memutils.M,
		InitialBootClassLoaderMetaspaceSize: memutils.M,
	})
	require.NoError(t, err)
	arena := ms.NewClassLoaderMetaspace(metaspace.StandardSpaceType)
	t.Cleanup(func() {
		arena.Close()
		require.NoError(t, ms.Destroy())
	})

	return &graph{t: t, arena: arena}
}

// payload is the value a fake object's non-pointer word holds
func payload(seed uint64, word int) uint64 {
	return seed<<20 | uint64(word)<<1 | 1
}

func (g *graph) allocate(objType metaobj.ObjType, words int) fakeObj {
	addr, err := g.arena.Allocate(words, objType)
	require.NoError(g.t, err)

	g.seed++
	for i := 0; i < words; i++ {
		memutils.StoreWord(addr+uintptr(memutils.WordsToBytes(i)), payload(g.seed, i))
	}
	return fakeObj{addr: addr, objType: objType, words: words}
}

func (g *graph) obj(objType metaobj.ObjType, words int) *fakeObj {
	obj := g.allocate(objType, words)
	return &obj
}

func (g *graph) class(name string, words int) *fakeClass {
	return &fakeClass{
		fakeObj: g.allocate(metaobj.ClassType, words),
		name:    name,
		major:   52,
	}
}

// link stores a pointer to target, tagged with tag, in word of from
func link(from *fakeObj, word int, target metaobj.MetaspaceObj, tag uint8) {
	value := metaobj.MakeTaggedPointer(target.Addr(), tag)
	memutils.StoreWord(from.addr+uintptr(memutils.WordsToBytes(word)), uint64(value))
	from.fields = append(from.fields, fakeField{word: word, target: target})
}

// nullField records a null pointer in word of from
func nullField(from *fakeObj, word int) {
	memutils.StoreWord(from.addr+uintptr(memutils.WordsToBytes(word)), 0)
	from.fields = append(from.fields, fakeField{word: word})
}

func wordAt(addr uintptr, word int) uint64 {
	return memutils.LoadWord(addr + uintptr(memutils.WordsToBytes(word)))
}

// requirePayload checks that the copy at addr carries obj's non-pointer words, skipping the skip words
func requirePayload(t *testing.T, obj *fakeObj, addr uintptr, skip ...int) {
	for i := 0; i < obj.words; i++ {
		if obj.isPointerWord(i) || slices.Contains(skip, i) {
			continue
		}
		require.Equal(t, wordAt(obj.addr, i), wordAt(addr, i), "word %d of the %s", i, obj.objType)
	}
}
