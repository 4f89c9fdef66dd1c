package cds_test

import (
	"bytes"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/cds"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/memutils"
	"github.com/openeuler-mirror/bishengjdk-8-sub000/metaobj"
	"github.com/stretchr/testify/require"
)

func newBuilder(t *testing.T, options cds.BuilderOptions) *cds.ArchiveBuilder {
	builder, err := cds.NewArchiveBuilder(testLogger(), options)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, builder.Close())
	})
	return builder
}

func runSteps(t *testing.T, steps ...func() error) {
	for _, step := range steps {
		require.NoError(t, step())
	}
}

// classGraph is a class with a name symbol and two methods sharing one const method. The first
// method points back to the class.
type classGraph struct {
	class       *fakeClass
	name        *fakeObj
	method1     *fakeObj
	method2     *fakeObj
	constMethod *fakeObj
}

func newClassGraph(g *graph, className string) classGraph {
	c := classGraph{
		class:       g.class(className, 12),
		name:        g.obj(metaobj.SymbolType, 4),
		method1:     g.obj(metaobj.MethodType, 8),
		method2:     g.obj(metaobj.MethodType, 8),
		constMethod: g.obj(metaobj.ConstMethodType, 6),
	}

	link(&c.class.fakeObj, 2, c.name, 0)
	link(&c.class.fakeObj, 3, c.method1, 0)
	link(&c.class.fakeObj, 4, c.method2, 1)
	link(c.method1, 1, c.constMethod, 0)
	link(c.method1, 2, c.class, 0)
	link(c.method2, 1, c.constMethod, 2)
	nullField(c.method2, 2)
	link(c.constMethod, 1, c.name, 0)
	return c
}

func dumpedAddr(t *testing.T, builder *cds.ArchiveBuilder, obj metaobj.MetaspaceObj) uintptr {
	info, ok := builder.SourceObjInfo(obj.Addr())
	require.True(t, ok)
	return info.DumpedAddr()
}

func TestGatherCopiesEachObjectOnce(t *testing.T) {
	g := newGraph(t)
	c := newClassGraph(g, "java/lang/Object")

	builder := newBuilder(t, cds.BuilderOptions{})
	// method1 is both a root and reachable from the class
	require.NoError(t, builder.GatherSourceObjs([]metaobj.MetaspaceObj{c.class, c.method1, nil}))
	runSteps(t,
		builder.SortMetadataObjs,
		builder.ReserveBuffer,
		builder.DumpRWRegion,
		builder.DumpRORegion,
	)

	require.Equal(t, 3, builder.RWObjs().Len())
	require.Equal(t, 2, builder.ROObjs().Len())
	require.Len(t, builder.Classes(), 1)
	require.Len(t, builder.Symbols(), 1)

	rw, ro, _ := builder.Regions()
	require.True(t, rw.IsPacked())
	require.True(t, ro.IsPacked())
	require.Equal(t, rw.End(), ro.Base())

	seen := map[uintptr]bool{}
	for _, obj := range []metaobj.MetaspaceObj{c.class, c.method1, c.method2, c.name, c.constMethod} {
		info, ok := builder.SourceObjInfo(obj.Addr())
		require.True(t, ok)
		require.True(t, info.ShouldCopy())
		require.Equal(t, cds.MakeACopy, info.FollowMode())
		require.False(t, seen[info.DumpedAddr()])
		seen[info.DumpedAddr()] = true

		if obj.ReadOnlyByDefault() {
			require.True(t, ro.Contains(info.DumpedAddr()))
		} else {
			require.True(t, rw.Contains(info.DumpedAddr()))
		}
	}

	// The guard word, then the slot in front of the class
	require.Equal(t, rw.Base()+16, dumpedAddr(t, builder, c.class))
	require.Equal(t, c.method1.Addr(), builder.RWObjs().Objs()[1].SourceAddr())

	stats := builder.Stats()
	require.Equal(t, 1, stats.RW[metaobj.ClassType].Count)
	require.Equal(t, 2, stats.RW[metaobj.MethodType].Count)
	require.Equal(t, 128, stats.RW[metaobj.MethodType].Bytes)
	require.Equal(t, 1, stats.RO[metaobj.SymbolType].Count)
	require.Equal(t, 1, stats.ClassSlots.Count)
}

func TestRelocateEmbeddedPointers(t *testing.T) {
	g := newGraph(t)
	c := newClassGraph(g, "java/lang/Object")
	sourcePointer := wordAt(c.class.Addr(), 3)

	builder := newBuilder(t, cds.BuilderOptions{})
	runSteps(t,
		func() error { return builder.GatherSourceObjs([]metaobj.MetaspaceObj{c.class}) },
		builder.SortMetadataObjs,
		builder.ReserveBuffer,
		builder.DumpRWRegion,
		builder.DumpRORegion,
		builder.RelocateEmbeddedPointers,
		builder.RelocateRoots,
	)

	class := dumpedAddr(t, builder, c.class)
	method1 := dumpedAddr(t, builder, c.method1)
	method2 := dumpedAddr(t, builder, c.method2)
	constMethod := dumpedAddr(t, builder, c.constMethod)
	name := dumpedAddr(t, builder, c.name)

	testCases := []struct {
		name   string
		loc    uintptr
		target uintptr
		tag    uint8
	}{
		{name: "class name", loc: class + 16, target: name},
		{name: "first method", loc: class + 24, target: method1},
		{name: "tagged second method", loc: class + 32, target: method2, tag: 1},
		{name: "const method", loc: method1 + 8, target: constMethod},
		{name: "back pointer", loc: method1 + 16, target: class},
		{name: "tagged const method", loc: method2 + 8, target: constMethod, tag: 2},
		{name: "read-only to read-only", loc: constMethod + 8, target: name},
	}
	marker := builder.PtrMarker()
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			pointer := metaobj.TaggedPointer(memutils.LoadWord(testCase.loc))
			require.Equal(t, testCase.target, pointer.Address())
			require.Equal(t, testCase.tag, pointer.Tag())
			require.True(t, marker.IsMarked(testCase.loc))
		})
	}

	require.Zero(t, wordAt(method2, 2))
	require.False(t, marker.IsMarked(method2+16))
	require.False(t, marker.IsMarked(class))

	requirePayload(t, &c.class.fakeObj, class)
	requirePayload(t, c.method1, method1)
	requirePayload(t, c.constMethod, constMethod)

	// Sources are left alone
	require.Equal(t, sourcePointer, wordAt(c.class.Addr(), 3))
	require.Equal(t, []uintptr{class}, builder.RelocatedRoots())
}

// buildRegions runs a builder up to relocation and returns copies of its rw and ro regions
func buildRegions(t *testing.T, roots []metaobj.MetaspaceObj) ([]byte, []byte) {
	builder, err := cds.NewArchiveBuilder(testLogger(), cds.BuilderOptions{})
	require.NoError(t, err)
	defer func() { require.NoError(t, builder.Close()) }()

	runSteps(t,
		func() error { return builder.GatherSourceObjs(roots) },
		builder.SortMetadataObjs,
		builder.ReserveBuffer,
		builder.DumpRWRegion,
		builder.DumpRORegion,
		builder.RelocateEmbeddedPointers,
		builder.RelocateRoots,
		builder.MakeClassesShareable,
		builder.WriteSerializedTables,
		builder.RelocateToRequested,
	)

	rw, ro, _ := builder.Regions()
	return bytes.Clone(rw.Bytes()), bytes.Clone(ro.Bytes())
}

func TestLayoutIgnoresRootOrder(t *testing.T) {
	g := newGraph(t)
	object := newClassGraph(g, "java/lang/Object")
	str := newClassGraph(g, "java/lang/String")
	link(&str.class.fakeObj, 5, object.class, 0)
	array := g.obj(metaobj.TypeArrayType, 6)
	table := g.obj(metaobj.TypeArrayType, 4)

	rw, ro := buildRegions(t, []metaobj.MetaspaceObj{object.class, str.class, array, table})
	reversedRW, reversedRO := buildRegions(t, []metaobj.MetaspaceObj{table, array, str.method2, str.class, object.class})
	require.Equal(t, rw, reversedRW)
	require.Equal(t, ro, reversedRO)

	// The classes come first, in name order
	builder := newBuilder(t, cds.BuilderOptions{})
	runSteps(t,
		func() error { return builder.GatherSourceObjs([]metaobj.MetaspaceObj{str.class, object.class}) },
		builder.SortMetadataObjs,
	)
	require.Equal(t, object.class.Addr(), builder.RWObjs().Objs()[0].SourceAddr())
	require.Equal(t, str.class.Addr(), builder.RWObjs().Objs()[1].SourceAddr())
	require.Equal(t, object.name.Addr(), builder.ROObjs().Objs()[0].SourceAddr())
}

func TestExcludedObjectsAreNulled(t *testing.T) {
	g := newGraph(t)
	app := g.class("com/example/App", 16)
	hidden := g.class("com/example/App$$Lambda", 8)
	hidden.hidden = true
	signed := g.class("com/example/Signed", 8)
	signed.signed = true
	old := g.class("com/example/Old", 8)
	old.major = 49
	array := g.class("[Lcom/example/App;", 8)
	array.array = true
	array.hidden = true
	methodData := g.obj(metaobj.MethodDataType, 10)
	method := g.obj(metaobj.MethodType, 8)

	link(&app.fakeObj, 2, hidden, 0)
	link(&app.fakeObj, 3, signed, 0)
	link(&app.fakeObj, 4, old, 0)
	link(&app.fakeObj, 5, array, 0)
	link(&app.fakeObj, 6, method, 0)
	link(method, 1, methodData, 3)
	link(&hidden.fakeObj, 2, method, 0)

	builder := newBuilder(t, cds.BuilderOptions{})
	runSteps(t,
		func() error { return builder.GatherSourceObjs([]metaobj.MetaspaceObj{app}) },
		builder.SortMetadataObjs,
		builder.ReserveBuffer,
		builder.DumpRWRegion,
		builder.DumpRORegion,
		builder.RelocateEmbeddedPointers,
	)

	for _, obj := range []metaobj.MetaspaceObj{hidden, signed, methodData} {
		info, ok := builder.SourceObjInfo(obj.Addr())
		require.True(t, ok)
		require.Equal(t, cds.SetToNull, info.FollowMode())
		require.Zero(t, info.DumpedAddr())
	}

	// Old class versions only matter to dynamic archives; array classes are never excluded
	for _, obj := range []metaobj.MetaspaceObj{old, array} {
		info, ok := builder.SourceObjInfo(obj.Addr())
		require.True(t, ok)
		require.Equal(t, cds.MakeACopy, info.FollowMode())
	}

	dumped := dumpedAddr(t, builder, app)
	require.Zero(t, wordAt(dumped, 2))
	require.Zero(t, wordAt(dumped, 3))
	require.NotZero(t, wordAt(dumped, 4))
	require.NotZero(t, wordAt(dumped, 5))
	require.Zero(t, wordAt(dumpedAddr(t, builder, method), 1))

	names := []string{}
	for _, info := range builder.Classes() {
		names = append(names, info.Obj().(metaobj.ClassObj).Name())
	}
	require.Equal(t, []string{"[Lcom/example/App;", "com/example/App", "com/example/Old"}, names)
}

func TestExclusionReasons(t *testing.T) {
	testCases := []struct {
		name    string
		class   fakeClass
		dynamic bool
		reason  cds.ExclusionReason
	}{
		{name: "plain", class: fakeClass{major: 52}, reason: cds.NotExcluded},
		{name: "failed verification", class: fakeClass{major: 52, failed: true}, reason: cds.ExcludedFailedVerification},
		{name: "signed", class: fakeClass{major: 52, signed: true}, reason: cds.ExcludedSigned},
		{name: "hidden", class: fakeClass{major: 52, hidden: true}, reason: cds.ExcludedHidden},
		{name: "old version static", class: fakeClass{major: 49}, reason: cds.NotExcluded},
		{name: "old version dynamic", class: fakeClass{major: 49}, dynamic: true, reason: cds.ExcludedOldVersion},
		{name: "jfr event", class: fakeClass{major: 52, jfrEvent: true}, reason: cds.ExcludedJFREvent},
		{name: "array", class: fakeClass{array: true, signed: true}, reason: cds.NotExcluded},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			class := testCase.class
			require.Equal(t, testCase.reason, cds.ExclusionReasonFor(&class, testCase.dynamic))
		})
	}
}

func TestRelocateToRequested(t *testing.T) {
	g := newGraph(t)
	c := newClassGraph(g, "java/lang/Object")

	requested := uintptr(0x900000000)
	builder := newBuilder(t, cds.BuilderOptions{SharedBaseAddress: requested})
	runSteps(t,
		func() error { return builder.GatherSourceObjs([]metaobj.MetaspaceObj{c.class}) },
		builder.SortMetadataObjs,
		builder.ReserveBuffer,
		builder.DumpRWRegion,
		builder.DumpRORegion,
		builder.RelocateEmbeddedPointers,
		builder.RelocateRoots,
		builder.MakeClassesShareable,
		builder.WriteSerializedTables,
	)

	class := dumpedAddr(t, builder, c.class)
	method1 := dumpedAddr(t, builder, c.method1)
	require.Zero(t, wordAt(class, loaderWord))

	marker := builder.PtrMarker()
	// The slot in front of the class points at its class table record in md
	_, _, md := builder.Regions()
	require.True(t, md.Contains(uintptr(memutils.LoadWord(class-8))))
	require.True(t, marker.IsMarked(class-8))

	bottom := builder.BufferBottom()
	require.NoError(t, builder.RelocateToRequested())
	require.Equal(t, requested, builder.RequestedBottom())
	require.True(t, md.IsPacked())
	require.True(t, marker.IsCompacted())

	require.Equal(t, uint64(requested+(method1-bottom)), wordAt(class, 3))

	ptrmap := marker.Bitmap()
	require.Equal(t, ptrmap.HighestSetBit()+1, ptrmap.Size())
	ptrmap.Iterate(0, ptrmap.Size(), func(index int) bool {
		value := metaobj.TaggedPointer(memutils.LoadWord(bottom + uintptr(index*memutils.BytesPerWord)))
		require.GreaterOrEqual(t, uint64(value.Address()), uint64(builder.RequestedBottom()))
		require.Less(t, uint64(value.Address()), uint64(builder.RequestedTop()))
		return true
	})

	require.Panics(t, func() {
		marker.MarkPointer(class + 24)
	})
}

func TestBuilderPhaseOrder(t *testing.T) {
	g := newGraph(t)
	class := g.class("java/lang/Object", 6)

	builder := newBuilder(t, cds.BuilderOptions{})
	require.Error(t, builder.DumpRWRegion())
	require.Error(t, builder.ReserveBuffer())
	require.Equal(t, cds.PhaseCreated, builder.Phase())

	require.NoError(t, builder.GatherSourceObjs([]metaobj.MetaspaceObj{class}))
	require.Error(t, builder.GatherSourceObjs([]metaobj.MetaspaceObj{class}))
	require.Equal(t, cds.PhaseGathered, builder.Phase())
	require.Equal(t, "Gathered", builder.Phase().String())
}

func TestOnlyOneActiveBuilder(t *testing.T) {
	first, err := cds.NewArchiveBuilder(testLogger(), cds.BuilderOptions{})
	require.NoError(t, err)

	_, err = cds.NewArchiveBuilder(testLogger(), cds.BuilderOptions{})
	require.True(t, errors.Is(err, cds.ErrBuilderActive))

	require.NoError(t, first.Close())
	second, err := cds.NewArchiveBuilder(testLogger(), cds.BuilderOptions{})
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestBuilderOptionsValidation(t *testing.T) {
	_, err := cds.NewArchiveBuilder(testLogger(), cds.BuilderOptions{Dynamic: true})
	require.Error(t, err)

	_, err = cds.NewArchiveBuilder(testLogger(), cds.BuilderOptions{SharedBaseAddress: 0x800001000})
	require.Error(t, err)

	_, err = cds.NewArchiveBuilder(testLogger(), cds.BuilderOptions{CoreRegionAlignment: 3 * 64 * memutils.K})
	require.Error(t, err)
}

func TestGatherPanicsOnMismatchedField(t *testing.T) {
	g := newGraph(t)
	class := g.class("java/lang/Object", 6)
	method := g.obj(metaobj.MethodType, 4)
	// The field does not hold the address the object claims it does
	class.fields = append(class.fields, fakeField{word: 2, target: method})

	builder := newBuilder(t, cds.BuilderOptions{})
	require.Panics(t, func() {
		_ = builder.GatherSourceObjs([]metaobj.MetaspaceObj{class})
	})
}
