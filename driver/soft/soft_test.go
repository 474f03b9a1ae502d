// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"encoding/binary"
	stderrors "errors"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gviegas/raytrace/driver"
)

const testLib = `
RaytracingAccelerationStructure scene : register(t0);
RWTexture2D<float4> output : register(u0);

struct Payload { float3 color; };

[shader("raygeneration")]
void RayGen() {}

[shader("miss")]
void Miss(inout Payload p) {}

[shader("closesthit")]
void Hit(inout Payload p, in BuiltInTriangleIntersectionAttributes a) {}
`

func openTest(t *testing.T) *Driver {
	t.Helper()
	d := &Driver{}
	gpu, err := d.Open()
	require.NoError(t, err)
	require.Same(t, d, gpu)
	t.Cleanup(d.Close)
	return d
}

func newBuf(t *testing.T, d *Driver, size int64, visible bool, usg driver.Usage) driver.Buffer {
	t.Helper()
	b, err := d.NewBuffer(size, visible, usg)
	require.NoError(t, err)
	t.Cleanup(b.Destroy)
	return b
}

// run records commands with fn and commits them,
// returning the execution result.
func run(t *testing.T, d *Driver, fn func(cb driver.CmdBuffer)) error {
	t.Helper()
	cb, err := d.NewCmdBuffer()
	require.NoError(t, err)
	require.NoError(t, cb.Begin())
	fn(cb)
	if err := cb.End(); err != nil {
		return err
	}
	ch := make(chan *driver.WorkItem, 1)
	require.NoError(t, d.Commit(&driver.WorkItem{Work: []driver.CmdBuffer{cb}}, ch))
	return (<-ch).Err
}

type scene struct {
	vb, blas, blasScratch driver.Buffer
	ib, tlas, tlasScratch driver.Buffer
	blasSizes, tlasSizes  driver.ASSizes
	bottomBuild, topBuild driver.ASBuild
}

func newScene(t *testing.T, d *Driver, ninst int) *scene {
	t.Helper()
	s := &scene{}
	s.vb = newBuf(t, d, 36, true, driver.UVertexData|driver.UAccelInput)
	for i, x := range [...]float32{0, 1, 0, 0.866, -0.5, 0, -0.866, -0.5, 0} {
		binary.LittleEndian.PutUint32(s.vb.Bytes()[i*4:], math.Float32bits(x))
	}
	s.bottomBuild.Inputs = driver.ASInputs{
		Type:     driver.ASBottom,
		Geometry: []driver.Geometry{{Opaque: true, VertBuf: s.vb, VertStride: 12, VertCount: 3}},
	}
	var err error
	s.blasSizes, err = d.ASSizes(&s.bottomBuild.Inputs)
	require.NoError(t, err)
	s.blas = newBuf(t, d, s.blasSizes.Result, false, driver.UAccelStruct|driver.UShaderWrite)
	s.blasScratch = newBuf(t, d, s.blasSizes.Scratch, false, driver.UShaderWrite)
	s.bottomBuild.Dst, s.bottomBuild.Scratch = s.blas, s.blasScratch

	s.ib = newBuf(t, d, int64(ninst)*driver.InstanceSize, true, driver.UAccelInput)
	for i := range ninst {
		inst := driver.ASInstance{
			Transform:    [12]float32{1, 0, 0, float32(i), 0, 1, 0, 0, 0, 0, 1, 0},
			ID:           uint32(i),
			Mask:         driver.InstanceMaskAll,
			Contribution: uint32(i),
			AS:           s.blas.Addr(),
		}
		inst.Put(s.ib.Bytes()[i*driver.InstanceSize:])
	}
	s.topBuild.Inputs = driver.ASInputs{
		Type:      driver.ASTop,
		Flags:     driver.BAllowUpdate,
		InstCount: ninst,
		InstBuf:   s.ib,
	}
	s.tlasSizes, err = d.ASSizes(&s.topBuild.Inputs)
	require.NoError(t, err)
	s.tlas = newBuf(t, d, s.tlasSizes.Result, false, driver.UAccelStruct|driver.UShaderWrite|driver.UShaderRead)
	s.tlasScratch = newBuf(t, d, max(s.tlasSizes.Scratch, s.tlasSizes.UpdateScratch), false, driver.UShaderWrite)
	s.topBuild.Dst, s.topBuild.Scratch = s.tlas, s.tlasScratch
	return s
}

func (s *scene) build(cb driver.CmdBuffer) {
	cb.BeginWork(false)
	cb.BuildAS(&s.bottomBuild)
	cb.UAVBarrier([]driver.Buffer{s.blas})
	cb.BuildAS(&s.topBuild)
	cb.UAVBarrier([]driver.Buffer{s.tlas, s.tlasScratch})
	cb.EndWork()
}

func TestOpenClose(t *testing.T) {
	var found bool
	for _, x := range driver.Drivers() {
		if x.Name() == driverName {
			found = true
		}
	}
	assert.True(t, found, "soft driver not registered")

	d := &Driver{}
	g1, err := d.Open()
	require.NoError(t, err)
	g2, err := d.Open()
	require.NoError(t, err)
	assert.Same(t, g1, g2)
	assert.Equal(t, d, g1.Driver())
	d.Close()
	d.Close()

	_, err = d.NewBuffer(64, true, driver.UGeneric)
	assert.ErrorIs(t, err, driver.ErrFatal)
	_, err = d.Open()
	require.NoError(t, err)
	d.Close()
}

func TestBuffer(t *testing.T) {
	d := openTest(t)
	vis := newBuf(t, d, 100, true, driver.UGeneric)
	hid := newBuf(t, d, 300, false, driver.UGeneric)

	assert.True(t, vis.Visible())
	assert.Len(t, vis.Bytes(), int(vis.Cap()))
	assert.EqualValues(t, 256, vis.Cap())
	assert.Nil(t, hid.Bytes())
	assert.EqualValues(t, 512, hid.Cap())
	assert.NotZero(t, vis.Addr())
	assert.NotEqual(t, vis.Addr(), hid.Addr())
	assert.Zero(t, vis.Addr()%driver.Addr(limits.ASAlign))

	assert.EqualValues(t, 768, d.MemoryUsage())
	d.SetMemoryLimit(1024)
	defer d.SetMemoryLimit(0)
	_, err := d.NewBuffer(4096, false, driver.UGeneric)
	assert.ErrorIs(t, err, driver.ErrNoDeviceMemory)
	assert.EqualValues(t, 768, d.MemoryUsage())
}

func TestCopy(t *testing.T) {
	d := openTest(t)
	src := newBuf(t, d, 256, true, driver.UCopySrc)
	dst := newBuf(t, d, 256, true, driver.UCopyDst)
	copy(src.Bytes(), "0123456789")

	err := run(t, d, func(cb driver.CmdBuffer) {
		cb.BeginBlit(false)
		cb.Fill(dst, 0, 0xab, 16)
		cb.CopyBuffer(&driver.BufferCopy{From: src, FromOff: 2, To: dst, ToOff: 4, Size: 4})
		cb.EndBlit()
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xab, 0xab, 0xab, 0xab, '2', '3', '4', '5', 0xab}, dst.Bytes()[:9])

	// Usage is checked at recording time.
	err = run(t, d, func(cb driver.CmdBuffer) {
		cb.BeginBlit(false)
		cb.CopyBuffer(&driver.BufferCopy{From: dst, To: src, Size: 4})
		cb.EndBlit()
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestErrorChain(t *testing.T) {
	// Callers using the standard library must see the
	// sentinels too.
	err := validationf("CopyBuffer: usage %#x", 0x20)
	assert.True(t, stderrors.Is(err, ErrValidation))
	assert.True(t, stderrors.Is(errors.Wrap(err, "submit"), ErrValidation))
	assert.Contains(t, err.Error(), "CopyBuffer: usage 0x20")

	d := openTest(t)
	d.SetMemoryLimit(1)
	defer d.SetMemoryLimit(0)
	_, err = d.NewBuffer(1024, false, driver.UCopyDst)
	assert.True(t, stderrors.Is(err, driver.ErrNoDeviceMemory))
}

func TestRecording(t *testing.T) {
	d := openTest(t)
	s := newScene(t, d, 1)
	cases := [...]struct {
		name string
		fn   func(cb driver.CmdBuffer)
	}{
		{"BuildAS outside of work", func(cb driver.CmdBuffer) { cb.BuildAS(&s.bottomBuild) }},
		{"unterminated work", func(cb driver.CmdBuffer) { cb.BeginWork(false) }},
		{"nested blocks", func(cb driver.CmdBuffer) {
			cb.BeginWork(false)
			cb.BeginBlit(false)
		}},
		{"small destination", func(cb driver.CmdBuffer) {
			b := s.bottomBuild
			b.Dst = s.blasScratch
			cb.BeginWork(false)
			cb.BuildAS(&b)
			cb.EndWork()
		}},
		{"dispatch without pipeline", func(cb driver.CmdBuffer) {
			cb.BeginWork(false)
			cb.DispatchRays(&driver.DispatchRays{Width: 1, Height: 1, Depth: 1})
			cb.EndWork()
		}},
	}
	for _, c := range cases {
		err := run(t, d, c.fn)
		assert.ErrorIs(t, err, ErrValidation, c.name)
	}
}

func TestBuild(t *testing.T) {
	d := openTest(t)
	s := newScene(t, d, 3)
	require.NoError(t, run(t, d, s.build))

	info, ok := d.ASInfo(s.blas)
	require.True(t, ok)
	assert.Equal(t, driver.ASBottom, info.Type)
	assert.Equal(t, 1, info.Triangles)

	info, ok = d.ASInfo(s.tlas)
	require.True(t, ok)
	assert.Equal(t, driver.ASTop, info.Type)
	require.Len(t, info.Instances, 3)
	for i, inst := range info.Instances {
		assert.EqualValues(t, i, inst.Contribution)
		assert.Equal(t, s.blas.Addr(), inst.AS)
		assert.EqualValues(t, i, inst.Transform[3])
	}
	assert.Equal(t, Stats{Commits: 1, Builds: 2}, d.Stats())
}

func TestBuildHazard(t *testing.T) {
	d := openTest(t)
	s := newScene(t, d, 1)
	err := run(t, d, func(cb driver.CmdBuffer) {
		cb.BeginWork(false)
		cb.BuildAS(&s.bottomBuild)
		cb.BuildAS(&s.topBuild)
		cb.EndWork()
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "missing UAV barrier")

	// A waiting block acts as a barrier.
	err = run(t, d, func(cb driver.CmdBuffer) {
		cb.BeginWork(false)
		cb.BuildAS(&s.bottomBuild)
		cb.EndWork()
		cb.BeginWork(true)
		cb.BuildAS(&s.topBuild)
		cb.EndWork()
	})
	assert.NoError(t, err)

	// So does a global barrier on acceleration structure
	// writes.
	err = run(t, d, func(cb driver.CmdBuffer) {
		cb.BeginWork(false)
		cb.BuildAS(&s.bottomBuild)
		cb.EndWork()
		cb.Barrier([]driver.Barrier{{
			SyncBefore:   driver.SAccelBuild,
			SyncAfter:    driver.SAccelBuild,
			AccessBefore: driver.AAccelWrite,
			AccessAfter:  driver.AAccelRead,
		}})
		cb.BeginWork(false)
		cb.BuildAS(&s.topBuild)
		cb.EndWork()
	})
	assert.NoError(t, err)
}

func TestUpdate(t *testing.T) {
	d := openTest(t)
	s := newScene(t, d, 2)
	require.NoError(t, run(t, d, s.build))

	update := s.topBuild
	update.Inputs.Flags |= driver.BPerformUpdate
	update.Src = s.tlas
	record := func(b *driver.ASBuild) func(driver.CmdBuffer) {
		return func(cb driver.CmdBuffer) {
			cb.BeginWork(false)
			cb.BuildAS(b)
			cb.UAVBarrier([]driver.Buffer{b.Dst})
			cb.EndWork()
		}
	}

	// Moving instances is allowed.
	binary.LittleEndian.PutUint32(s.ib.Bytes()[12:], math.Float32bits(5))
	require.NoError(t, run(t, d, record(&update)))
	info, _ := d.ASInfo(s.tlas)
	assert.Equal(t, 1, info.Updates)
	assert.EqualValues(t, 5, info.Instances[0].Transform[3])

	// Changing the referred structure is not.
	other := newBuf(t, d, s.blasSizes.Result, false, driver.UAccelStruct|driver.UShaderWrite)
	b := s.bottomBuild
	b.Dst = other
	require.NoError(t, run(t, d, record(&b)))
	inst := driver.ASInstance{Mask: driver.InstanceMaskAll, AS: other.Addr()}
	inst.Put(s.ib.Bytes()[driver.InstanceSize:])
	err := run(t, d, record(&update))
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "update changes the structure")

	// Nor is changing the instance count.
	s.ib = newBuf(t, d, 4*driver.InstanceSize, true, driver.UAccelInput)
	for i := range 3 {
		inst := driver.ASInstance{Mask: driver.InstanceMaskAll, AS: s.blas.Addr()}
		inst.Put(s.ib.Bytes()[i*driver.InstanceSize:])
	}
	bigger := newBuf(t, d, 1<<16, false, driver.UAccelStruct|driver.UShaderWrite)
	update.Inputs.InstBuf = s.ib
	update.Inputs.InstCount = 3
	update.Dst = bigger
	err = run(t, d, record(&update))
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "instance count")

	// Sources must allow updates.
	noUpdate := s.topBuild
	noUpdate.Inputs.Flags = driver.BNone
	noUpdate.Dst = bigger
	require.NoError(t, run(t, d, record(&noUpdate)))
	update = noUpdate
	update.Inputs.Flags |= driver.BPerformUpdate
	update.Src = bigger
	err = run(t, d, record(&update))
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "BAllowUpdate")
}

func TestRemove(t *testing.T) {
	d := openTest(t)
	s := newScene(t, d, 1)
	cb, err := d.NewCmdBuffer()
	require.NoError(t, err)
	require.NoError(t, cb.Begin())
	s.build(cb)
	require.NoError(t, cb.End())

	d.Remove("test")
	assert.Equal(t, "test", d.Removed())
	ch := make(chan *driver.WorkItem, 1)
	err = d.Commit(&driver.WorkItem{Work: []driver.CmdBuffer{cb}}, ch)
	assert.ErrorIs(t, err, driver.ErrDeviceRemoved)
	_, err = d.NewBuffer(64, true, driver.UGeneric)
	assert.ErrorIs(t, err, driver.ErrDeviceRemoved)

	d.Close()
	_, err = d.Open()
	require.NoError(t, err)
	assert.Empty(t, d.Removed())
}

func TestPipeline(t *testing.T) {
	d := openTest(t)
	lib, err := d.NewShaderCode([]byte(testLib))
	require.NoError(t, err)
	sig, err := d.NewRootSig(&driver.RootSigDesc{Local: true, Params: []driver.RootParam{{Type: driver.RPConstBuf}}})
	require.NoError(t, err)
	state := driver.RTState{
		Library:      lib,
		Exports:      []string{"RayGen", "Miss", "Hit"},
		HitGroups:    []driver.HitGroup{{Name: "Group", ClosestHit: "Hit"}},
		Local:        []driver.LocalSig{{Sig: sig, Exports: []string{"Hit"}}},
		MaxPayload:   12,
		MaxAttrib:    8,
		MaxRecursion: 1,
	}
	pl, err := d.NewRTPipeline(&state)
	require.NoError(t, err)
	defer pl.Destroy()

	for _, name := range [...]string{"RayGen", "Miss", "Group"} {
		id, ok := pl.ShaderID(name)
		assert.True(t, ok, name)
		assert.Len(t, id, limits.ShaderIDSize)
	}
	_, ok := pl.ShaderID("Hit")
	assert.False(t, ok, "closest hit functions have no identifier")
	// Hit groups inherit the association of their
	// closest hit shader.
	assert.Same(t, sig, pl.(*rtPipeline).exports["Group"].local)

	bad := state
	bad.Exports = []string{"RayGen", "Missing"}
	_, err = d.NewRTPipeline(&bad)
	assert.ErrorContains(t, err, "not found")

	bad = state
	bad.HitGroups = []driver.HitGroup{{Name: "Group", ClosestHit: "Miss"}}
	_, err = d.NewRTPipeline(&bad)
	assert.ErrorContains(t, err, "right stage")

	bad = state
	bad.Local = append(bad.Local, driver.LocalSig{Sig: sig, Exports: []string{"Hit"}})
	_, err = d.NewRTPipeline(&bad)
	assert.ErrorContains(t, err, "more than one")
}

// dispatchFixture creates everything needed to dispatch
// rays over scene s.
type dispatchFixture struct {
	pl     driver.RTPipeline
	heap   driver.DescHeap
	img    driver.Image
	sbt    driver.Buffer
	stride int64
}

func newDispatch(t *testing.T, d *Driver, s *scene) *dispatchFixture {
	t.Helper()
	return newDispatchLib(t, d, s, testLib)
}

func newDispatchLib(t *testing.T, d *Driver, s *scene, src string) *dispatchFixture {
	t.Helper()
	lib, err := d.NewShaderCode([]byte(src))
	require.NoError(t, err)
	rgSig, err := d.NewRootSig(&driver.RootSigDesc{Local: true, Params: []driver.RootParam{{
		Type: driver.RPTable,
		Ranges: []driver.DescRange{
			{Type: driver.DImage, Len: 1, Offset: 0},
			{Type: driver.DAccelStruct, Len: 1, Offset: 1},
		},
	}}})
	require.NoError(t, err)
	pl, err := d.NewRTPipeline(&driver.RTState{
		Library:      lib,
		Exports:      []string{"RayGen", "Miss", "Hit"},
		HitGroups:    []driver.HitGroup{{Name: "Group", ClosestHit: "Hit"}},
		Local:        []driver.LocalSig{{Sig: rgSig, Exports: []string{"RayGen"}}},
		MaxPayload:   12,
		MaxAttrib:    8,
		MaxRecursion: 1,
	})
	require.NoError(t, err)

	img, err := d.NewImage(driver.RGBA8un, driver.Dim3D{Width: 4, Height: 4}, 1, 1, driver.UShaderWrite)
	require.NoError(t, err)
	view, err := img.NewView(driver.IView2D, 0, 1, 0, 1)
	require.NoError(t, err)
	heap, err := d.NewDescHeap([]driver.Descriptor{
		{Type: driver.DImage, Stages: driver.SRayGen, Nr: 0, Len: 1},
		{Type: driver.DAccelStruct, Stages: driver.SRayGen, Nr: 1, Len: 1},
	})
	require.NoError(t, err)
	require.NoError(t, heap.New(1))
	heap.SetImage(0, 0, 0, []driver.ImageView{view})
	heap.SetAS(0, 1, 0, []driver.Buffer{s.tlas})

	const stride = 64
	sbt := newBuf(t, d, 8*stride, true, driver.UShaderTable)
	p := sbt.Bytes()
	id, _ := pl.ShaderID("RayGen")
	copy(p, id)
	binary.LittleEndian.PutUint64(p[32:], uint64(heap.Handle(0)))

	return &dispatchFixture{pl: pl, heap: heap, img: img, sbt: sbt, stride: stride}
}

// table writes nmiss miss records followed by nhit hit
// group records after the ray generation record, and
// returns the dispatch that uses them.
func (f *dispatchFixture) table(nmiss, nhit int) *driver.DispatchRays {
	p := f.sbt.Bytes()
	miss, _ := f.pl.ShaderID("Miss")
	group, _ := f.pl.ShaderID("Group")
	for i := range nmiss + nhit {
		id := group
		if i < nmiss {
			id = miss
		}
		copy(p[int64(1+i)*f.stride:], id)
	}
	base := f.sbt.Addr()
	st := driver.Addr(f.stride)
	return &driver.DispatchRays{
		RayGen:   driver.AddrRange{Start: base, Size: f.stride},
		Miss:     driver.AddrStrideRange{Start: base + st, Size: int64(nmiss) * f.stride, Stride: f.stride},
		HitGroup: driver.AddrStrideRange{Start: base + st*driver.Addr(1+nmiss), Size: int64(nhit) * f.stride, Stride: f.stride},
		Width:    4,
		Height:   4,
		Depth:    1,
	}
}

func (f *dispatchFixture) rays() *driver.DispatchRays { return f.table(1, 1) }

func (f *dispatchFixture) record(rays *driver.DispatchRays, layout bool) func(driver.CmdBuffer) {
	return func(cb driver.CmdBuffer) {
		if layout {
			cb.Transition([]driver.Transition{{
				LayoutBefore: driver.LUndefined,
				LayoutAfter:  driver.LShaderStore,
				Img:          f.img,
			}})
		}
		cb.BeginWork(false)
		cb.SetPipeline(f.pl)
		cb.SetDescHeap(f.heap, 0)
		cb.DispatchRays(rays)
		cb.EndWork()
	}
}

func TestDispatch(t *testing.T) {
	d := openTest(t)
	s := newScene(t, d, 1)
	require.NoError(t, run(t, d, s.build))
	f := newDispatch(t, d, s)

	require.NoError(t, run(t, d, f.record(f.rays(), true)))
	info := d.LastDispatch()
	assert.Equal(t, "RayGen", info.RayGen)
	assert.Equal(t, []string{"Miss"}, info.Miss)
	assert.Equal(t, []string{"Group"}, info.HitGroup)
	assert.Equal(t, 1, info.Instances)
	assert.Equal(t, 4, info.Width)
	assert.Equal(t, 1, d.Stats().Dispatches)
}

func TestDispatchInvalid(t *testing.T) {
	d := openTest(t)
	s := newScene(t, d, 2)
	require.NoError(t, run(t, d, s.build))
	f := newDispatch(t, d, s)

	// Instance 1 contributes hit record 1, which does
	// not exist.
	err := run(t, d, f.record(f.rays(), true))
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "contributes hit group record 1")

	cases := [...]struct {
		name   string
		modify func(r *driver.DispatchRays)
		want   string
	}{
		{"misaligned hit table", func(r *driver.DispatchRays) { r.HitGroup.Start += 32 }, "not aligned"},
		{"bad stride", func(r *driver.DispatchRays) { r.Miss.Stride, r.Miss.Size = 48, 48 }, "multiple"},
		{"miss as hit group", func(r *driver.DispatchRays) {
			r.HitGroup.Start = r.Miss.Start
			r.HitGroup.Size = 2 * r.HitGroup.Stride
		}, "miss identifier in the hit group table"},
		{"raygen as miss", func(r *driver.DispatchRays) { r.Miss.Start = r.RayGen.Start }, "ray generation identifier in the miss table"},
	}
	for _, c := range cases {
		rays := f.rays()
		c.modify(rays)
		err := run(t, d, f.record(rays, false))
		if assert.ErrorIs(t, err, ErrValidation, c.name) {
			assert.Contains(t, err.Error(), c.want, c.name)
		}
	}
}

func TestDispatchLayout(t *testing.T) {
	d := openTest(t)
	s := newScene(t, d, 1)
	require.NoError(t, run(t, d, s.build))
	f := newDispatch(t, d, s)

	err := run(t, d, f.record(f.rays(), false))
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "LShaderStore")
}

func TestDispatchPending(t *testing.T) {
	d := openTest(t)
	s := newScene(t, d, 1)
	require.NoError(t, run(t, d, s.build))
	f := newDispatch(t, d, s)

	err := run(t, d, func(cb driver.CmdBuffer) {
		cb.Transition([]driver.Transition{{LayoutAfter: driver.LShaderStore, Img: f.img}})
		cb.BeginWork(false)
		cb.BuildAS(&s.topBuild)
		cb.SetPipeline(f.pl)
		cb.SetDescHeap(f.heap, 0)
		cb.DispatchRays(f.rays())
		cb.EndWork()
	})
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "still being built")
	assert.False(t, errors.Is(err, driver.ErrDeviceRemoved))
}

const traceLib = testLib + `
[shader("raygeneration")]
void Trace() {
    RayDesc ray;
    Payload p;
    TraceRay(scene, RAY_FLAG_NONE, 0xFF, 0, 2, 0, ray, p);
    TraceRay(scene, RAY_FLAG_ACCEPT_FIRST_HIT_AND_END_SEARCH, 0xFF, 1, 2, 1, ray, p);
}
`

func TestReflectTraces(t *testing.T) {
	assert.Equal(t, rayIndexing{contrib: 1, mult: 2, miss: 1}, reflectTraces([]byte(traceLib)))
	assert.Zero(t, reflectTraces([]byte(testLib)))
	// Non-literal indexing is not reflected.
	assert.Zero(t, reflectTraces([]byte(`TraceRay(s, f, m, rayType, 2, rayType, ray, p);`)))
}

func setContributions(s *scene, contrib ...uint32) {
	for i, c := range contrib {
		var inst driver.ASInstance
		p := s.ib.Bytes()[i*driver.InstanceSize:]
		inst.Get(p)
		inst.Contribution = c
		inst.Put(p)
	}
}

func TestDispatchRayTypes(t *testing.T) {
	d := openTest(t)
	s := newScene(t, d, 2)
	setContributions(s, 0, 2)
	require.NoError(t, run(t, d, s.build))
	f := newDispatchLib(t, d, s, traceLib)

	// Shadow rays use miss index 1.
	err := run(t, d, f.record(f.table(1, 4), true))
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "miss index 1")

	require.NoError(t, run(t, d, f.record(f.table(2, 4), false)))
	info := d.LastDispatch()
	assert.Len(t, info.HitGroup, 4)
	assert.Empty(t, info.Partial)

	// Shadow rays through instance 1 index record 3.
	err = run(t, d, f.record(f.table(2, 3), false))
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "instance 1 contributes hit group records 2 to 3, but the table has 3")
}

func TestDispatchPartial(t *testing.T) {
	d := openTest(t)
	s := newScene(t, d, 1)
	require.NoError(t, run(t, d, s.build))
	f := newDispatchLib(t, d, s, traceLib)

	// A lone instance with a single record has no record
	// for shadow rays.
	require.NoError(t, run(t, d, f.record(f.table(2, 1), true)))
	assert.Equal(t, []int{0}, d.LastDispatch().Partial)

	require.NoError(t, run(t, d, f.record(f.table(2, 2), false)))
	assert.Empty(t, d.LastDispatch().Partial)

	// Every record of a group must exist.
	setContributions(s, 1)
	require.NoError(t, run(t, d, s.build))
	err := run(t, d, f.record(f.table(2, 1), false))
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "contributes hit group record 1")
}
