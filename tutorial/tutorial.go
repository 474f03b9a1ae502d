// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package tutorial renders a small animated scene with
// hardware ray tracing.
// Three triangles spin above a plane that receives their
// shadows. Every frame rewrites the instance transforms,
// refits the top-level structure and dispatches one ray
// per pixel of the output image.
package tutorial

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/accel"
	"github.com/gviegas/raytrace/config"
	"github.com/gviegas/raytrace/driver"
	"github.com/gviegas/raytrace/gfx"
	"github.com/gviegas/raytrace/log"
	"github.com/gviegas/raytrace/pipeline"
	"github.com/gviegas/raytrace/sbt"
)

var logger = log.New("tutorial")

// Descriptor heap layout.
const (
	descOutput = iota
	descScene
)

// Root signatures.
const (
	sigRayGen = iota
	sigHit
	sigEmpty
	sigGlobal
	numSig
)

// Demo is the state of the scene.
type Demo struct {
	gc  *gfx.Context
	cfg config.Config

	tri, plane   *accel.Mesh
	triB, planeB *accel.Bottom
	table        *accel.Table
	top          *accel.Top

	perFrame driver.Buffer
	perInst  driver.Buffer

	lib  driver.ShaderCode
	sigs [numSig]driver.RootSig
	pl   *pipeline.Pipeline
	heap driver.DescHeap
	sbt  *sbt.Table

	out    driver.Image
	view   driver.ImageView
	layout driver.Layout

	angle  float32
	frames int
}

// Init creates the scene and every resource needed to
// render it.
// It waits for the initial acceleration structure builds
// to complete.
func Init(ctx context.Context, gc *gfx.Context, cfg *config.Config, comp Compiler) (*Demo, error) {
	d := &Demo{gc: gc, cfg: *cfg}
	err := d.initScene(ctx)
	if err == nil {
		err = d.initAccel(ctx)
	}
	if err == nil {
		err = d.initBindings(comp)
	}
	if err != nil {
		d.Destroy()
		return nil, err
	}
	logger.Infof("scene ready: %d instances, %d shader records", d.table.Len(), d.sbt.Layout().Records())
	return d, nil
}

func (d *Demo) initScene(ctx context.Context) (err error) {
	if d.tri, err = accel.NewMesh(ctx, d.gc, triangleVerts); err != nil {
		return
	}
	if d.plane, err = accel.NewMesh(ctx, d.gc, planeVerts); err != nil {
		return
	}
	gpu := d.gc.GPU()
	for _, x := range [...]struct {
		buf  *driver.Buffer
		data []byte
	}{
		{&d.perFrame, encode(&perFrame)},
		{&d.perInst, encode(perInstance(d.cfg.Scene.Triangles))},
	} {
		if *x.buf, err = gpu.NewBuffer(int64(len(x.data)), true, driver.UShaderConst); err != nil {
			return errors.Wrap(err, "tutorial: constant buffer")
		}
		copy((*x.buf).Bytes(), x.data)
	}
	return
}

func (d *Demo) initAccel(ctx context.Context) error {
	opt := accel.Options{Pad: d.cfg.Accel.ScratchPad, Granularity: d.cfg.Accel.Granularity}
	err := d.gc.Run(ctx, func(cb driver.CmdBuffer) (err error) {
		cb.BeginWork(false)
		defer cb.EndWork()
		if d.triB, err = accel.BuildBottom(d.gc, cb, d.tri, d.cfg.Scene.Triangles); err != nil {
			return
		}
		if d.planeB, err = accel.BuildBottom(d.gc, cb, d.plane, 1); err != nil {
			return
		}
		if d.table, err = accel.NewTable(d.gc.GPU(), groups(&d.cfg, d.triB, d.planeB), gfx.NumFrames); err != nil {
			return
		}
		d.top, err = accel.BuildTop(d.gc, cb, d.table, 0, opt)
		return
	})
	if err != nil {
		return err
	}
	d.triB.ReleaseScratch()
	d.planeB.ReleaseScratch()
	return nil
}

func (d *Demo) initBindings(comp Compiler) (err error) {
	if err = d.initPipeline(comp); err != nil {
		return
	}
	gpu := d.gc.GPU()
	w, h := d.cfg.Width, d.cfg.Height
	if d.out, err = gpu.NewImage(driver.RGBA8un, driver.Dim3D{Width: w, Height: h}, 1, 1, driver.UShaderWrite|driver.UCopySrc); err != nil {
		return errors.Wrap(err, "tutorial: output image")
	}
	if d.view, err = d.out.NewView(driver.IView2D, 0, 1, 0, 1); err != nil {
		return errors.Wrap(err, "tutorial: output view")
	}
	d.layout = driver.LUndefined

	if d.heap, err = gpu.NewDescHeap([]driver.Descriptor{
		{Type: driver.DImage, Stages: driver.SRayGen, Nr: descOutput, Len: 1},
		{Type: driver.DAccelStruct, Stages: driver.SAllRT, Nr: descScene, Len: 1},
	}); err != nil {
		return errors.Wrap(err, "tutorial: descriptor heap")
	}
	if err = d.heap.New(1); err != nil {
		return errors.Wrap(err, "tutorial: descriptor heap")
	}
	d.heap.SetImage(0, descOutput, 0, []driver.ImageView{d.view})
	d.heap.SetAS(0, descScene, 0, []driver.Buffer{d.top.Result})

	var b sbt.Builder
	b.RayGen(RayGenerationMain, sbt.DescTable(d.heap.Handle(0)))
	b.Miss(MissMain)
	b.Miss(ShadowMissMain)
	for i := range d.cfg.Scene.Triangles {
		b.HitGroup(HitGroup,
			sbt.ConstBuf(d.perFrame.Addr()),
			sbt.ConstBuf(d.perInst.Addr()+driver.Addr(int64(i)*PerInstanceSize)))
		b.HitGroup(HitGroupShadow)
	}
	b.HitGroup(HitGroupPlane)
	d.sbt, err = b.Build(gpu, d.pl)
	return
}

func (d *Demo) initPipeline(comp Compiler) error {
	code, err := comp.Compile(Library, "", LibraryTarget)
	if err != nil {
		return errors.Wrap(err, "tutorial: compile library")
	}
	if d.lib, err = d.gc.GPU().NewShaderCode(code); err != nil {
		return errors.Wrap(err, "tutorial: shader library")
	}

	rt := d.gc.Raytracer()
	descs := [numSig]driver.RootSigDesc{
		sigRayGen: {
			Local: true,
			Params: []driver.RootParam{{
				Type: driver.RPTable,
				Ranges: []driver.DescRange{
					{Type: driver.DImage, Len: 1, Offset: descOutput, Register: 0},
					{Type: driver.DAccelStruct, Len: 1, Offset: descScene, Register: 0},
				},
			}},
		},
		sigHit: {
			Local: true,
			Params: []driver.RootParam{
				{Type: driver.RPConstBuf, Register: 0},
				{Type: driver.RPConstBuf, Register: 1},
			},
		},
		sigEmpty:  {Local: true},
		sigGlobal: {},
	}
	for i := range descs {
		if d.sigs[i], err = rt.NewRootSig(&descs[i]); err != nil {
			return errors.Wrapf(err, "tutorial: root signature %d", i)
		}
	}

	var b pipeline.Builder
	b.Library(d.lib,
		RayGenerationMain, MissMain, ShadowMissMain,
		ClosestHitMain, ShadowClosestHitMain, ClosestHitMainPlane)
	b.HitGroup(HitGroup, ClosestHitMain)
	b.HitGroup(HitGroupShadow, ShadowClosestHitMain)
	b.HitGroup(HitGroupPlane, ClosestHitMainPlane)
	b.Local(d.sigs[sigRayGen], RayGenerationMain)
	b.Local(d.sigs[sigHit], ClosestHitMain)
	b.Local(d.sigs[sigEmpty], MissMain, ShadowMissMain, ShadowClosestHitMain, ClosestHitMainPlane)
	// float3 color; barycentrics.
	b.Config(12, 8)
	b.Recursion(2)
	b.Global(d.sigs[sigGlobal])
	st, err := b.State()
	if err != nil {
		return err
	}
	d.pl, err = st.New(rt)
	return err
}

// UpdateAndRender records and submits one frame.
// It waits until the frame's previous submission
// completes, which makes its instance region safe to
// rewrite.
// driver.ErrDeviceRemoved is returned unwrapped; the
// Demo and its gfx.Context must be recreated.
func (d *Demo) UpdateAndRender(ctx context.Context) error {
	if err := d.gc.Begin(ctx); err != nil {
		return err
	}
	if err := d.render(d.gc.CmdBuffer(), d.gc.Frame()); err != nil {
		d.gc.Abort()
		return err
	}
	if err := d.gc.Submit(); err != nil {
		return err
	}
	d.layout = driver.LCopySrc
	d.angle += d.cfg.RotationStep
	d.frames++
	return nil
}

func (d *Demo) render(cb driver.CmdBuffer, region int) error {
	d.table.Update(region, d.angle)

	cb.Transition([]driver.Transition{{
		Barrier: driver.Barrier{
			SyncBefore:   driver.SCopy,
			SyncAfter:    driver.SRayTracing,
			AccessBefore: driver.ACopyRead,
			AccessAfter:  driver.AShaderWrite,
		},
		LayoutBefore: d.layout,
		LayoutAfter:  driver.LShaderStore,
		Img:          d.out,
	}})

	cb.BeginWork(false)
	path, err := d.top.Refresh(cb, d.table, region)
	if err != nil {
		cb.EndWork()
		return err
	}
	if path == accel.PathRebuild {
		// The result buffer may have been replaced.
		d.heap.SetAS(0, descScene, 0, []driver.Buffer{d.top.Result})
	}
	cb.SetPipeline(d.pl.RTPipeline)
	cb.SetDescHeap(d.heap, 0)
	rays := d.sbt.Dispatch(d.cfg.Width, d.cfg.Height)
	cb.DispatchRays(&rays)
	cb.EndWork()

	cb.Transition([]driver.Transition{{
		Barrier: driver.Barrier{
			SyncBefore:   driver.SRayTracing,
			SyncAfter:    driver.SCopy,
			AccessBefore: driver.AShaderWrite,
			AccessAfter:  driver.ACopyRead,
		},
		LayoutBefore: driver.LShaderStore,
		LayoutAfter:  driver.LCopySrc,
		Img:          d.out,
	}})
	logger.Debugf("frame %d: region %d, %s", d.frames, region, path)
	return nil
}

// Output returns the image that frames are rendered to.
// It is left in driver.LCopySrc layout after each frame.
func (d *Demo) Output() driver.Image { return d.out }

// Layout returns the shader table layout.
func (d *Demo) Layout() sbt.Layout { return d.sbt.Layout() }

// Angle returns the animation angle of the next frame.
func (d *Demo) Angle() float32 { return d.angle }

// Frames returns the number of frames submitted.
func (d *Demo) Frames() int { return d.frames }

// Destroy waits for pending frames and destroys every
// resource of d.
// It must not be called while a frame is recording.
func (d *Demo) Destroy() {
	if err := d.gc.Flush(context.Background()); err != nil {
		logger.Warningf("Destroy: %v", err)
	}
	if d.sbt != nil {
		d.sbt.Destroy()
	}
	if d.heap != nil {
		d.heap.Destroy()
	}
	if d.view != nil {
		d.view.Destroy()
	}
	if d.out != nil {
		d.out.Destroy()
	}
	if d.pl != nil {
		d.pl.Destroy()
	}
	for _, s := range d.sigs {
		if s != nil {
			s.Destroy()
		}
	}
	if d.lib != nil {
		d.lib.Destroy()
	}
	if d.top != nil {
		d.top.Destroy()
	}
	if d.table != nil {
		d.table.Destroy()
	}
	for _, b := range [...]*accel.Bottom{d.triB, d.planeB} {
		if b != nil {
			b.Destroy()
		}
	}
	for _, m := range [...]*accel.Mesh{d.tri, d.plane} {
		if m != nil {
			m.Destroy()
		}
	}
	for _, b := range [...]driver.Buffer{d.perFrame, d.perInst} {
		if b != nil {
			b.Destroy()
		}
	}
	*d = Demo{gc: d.gc}
}
