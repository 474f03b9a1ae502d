// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package gfx provides the GPU context used by the ray
// tracing packages.
// Unlike package-level driver state, a Context is owned
// by its creator and can be recreated after device
// removal.
package gfx

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"

	"github.com/gviegas/raytrace/driver"
	"github.com/gviegas/raytrace/log"
)

// NumFrames is the number of frames in flight.
const NumFrames = 2

var logger = log.New("gfx")

// ErrNoDriver means that no registered driver matched the
// requested name or could be opened.
var ErrNoDriver = errors.New("gfx: driver not found")

// ErrNotRecording means that a method that requires a
// frame to be recording was called outside of a
// Begin/Submit pair.
var ErrNotRecording = errors.New("gfx: frame not recording")

// Context holds an open driver and the per-frame state
// needed to record and submit work.
// It must not be used concurrently.
type Context struct {
	drv    driver.Driver
	gpu    driver.GPU
	rt     driver.Raytracer
	limits driver.Limits
	frames [NumFrames]frame
	cur    int
	rec    bool
}

// frame is a command buffer and the state of its last
// submission.
// sem is held from Begin until the submitted work
// completes; err is written before sem is released.
type frame struct {
	cb  driver.CmdBuffer
	wk  *driver.WorkItem
	ch  chan *driver.WorkItem
	sem *semaphore.Weighted
	err error
}

// loadDriver opens the first driver that matches name.
func loadDriver(name string) (driver.Driver, driver.GPU, error) {
	err := ErrNoDriver
	for _, drv := range driver.Match(name) {
		var gpu driver.GPU
		if gpu, err = drv.Open(); err != nil {
			logger.Warningf("driver '%s' failed to open: %v", drv.Name(), err)
			continue
		}
		return drv, gpu, nil
	}
	return nil, nil, err
}

// New opens a driver whose name contains name and creates
// a Context for it.
// If no such driver can be opened, every registered
// driver is tried.
// The GPU must implement driver.Raytracer.
func New(name string) (*Context, error) {
	drv, gpu, err := loadDriver(name)
	if err != nil && name != "" {
		logger.Noticef("no '%s' driver, trying all drivers", name)
		drv, gpu, err = loadDriver("")
	}
	if err != nil {
		return nil, err
	}
	rt, ok := gpu.(driver.Raytracer)
	if !ok {
		drv.Close()
		return nil, errors.Wrapf(driver.ErrNoRaytracing, "gfx: driver '%s'", drv.Name())
	}
	c := &Context{
		drv:    drv,
		gpu:    gpu,
		rt:     rt,
		limits: gpu.Limits(),
	}
	for i := range c.frames {
		cb, err := gpu.NewCmdBuffer()
		if err != nil {
			c.destroyFrames()
			drv.Close()
			return nil, errors.Wrap(err, "gfx: new command buffer")
		}
		c.frames[i] = frame{
			cb:  cb,
			wk:  &driver.WorkItem{Work: []driver.CmdBuffer{cb}},
			ch:  make(chan *driver.WorkItem, 1),
			sem: semaphore.NewWeighted(1),
		}
	}
	logger.Infof("using driver '%s'", drv.Name())
	return c, nil
}

func (c *Context) destroyFrames() {
	for i := range c.frames {
		if c.frames[i].cb != nil {
			c.frames[i].cb.Destroy()
		}
		c.frames[i] = frame{}
	}
}

// Close waits for pending work, destroys the frame state
// and closes the driver.
// Objects created from c.GPU() must have been destroyed.
func (c *Context) Close() {
	if c.drv == nil {
		return
	}
	c.Abort()
	if err := c.Flush(context.Background()); err != nil {
		logger.Warningf("Close: %v", err)
	}
	c.destroyFrames()
	c.drv.Close()
	*c = Context{}
}

// Driver returns the driver.Driver.
func (c *Context) Driver() driver.Driver { return c.drv }

// GPU returns the driver.GPU.
func (c *Context) GPU() driver.GPU { return c.gpu }

// Raytracer returns c.GPU() as a driver.Raytracer.
func (c *Context) Raytracer() driver.Raytracer { return c.rt }

// Limits returns GPU().Limits().
// It must not be changed by the caller.
func (c *Context) Limits() *driver.Limits { return &c.limits }

// Frame returns the index of the current frame, in the
// range [0, NumFrames).
// The current frame advances on every Submit call.
func (c *Context) Frame() int { return c.cur }

// CmdBuffer returns the command buffer of the current
// frame.
// It is only valid for recording between calls to Begin
// and Submit.
func (c *Context) CmdBuffer() driver.CmdBuffer { return c.frames[c.cur].cb }

// Begin waits until the previous submission of the
// current frame completes and then begins its command
// buffer.
// Data used only by that submission (e.g., the frame's
// region of an upload buffer) can be rewritten after
// Begin returns.
// If the previous submission failed, its error is
// returned and the frame is left idle.
func (c *Context) Begin(ctx context.Context) error {
	if c.rec {
		return errors.New("gfx: Begin: frame already recording")
	}
	f := &c.frames[c.cur]
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return errors.Wrap(err, "gfx: Begin")
	}
	if err := f.err; err != nil {
		f.err = nil
		f.sem.Release(1)
		return err
	}
	if err := f.cb.Begin(); err != nil {
		f.sem.Release(1)
		return errors.Wrap(err, "gfx: Begin")
	}
	c.rec = true
	return nil
}

// Abort discards the commands recorded in the current
// frame, leaving it idle.
func (c *Context) Abort() {
	if !c.rec {
		return
	}
	if err := c.frames[c.cur].cb.Reset(); err != nil {
		logger.Warningf("Abort: %v", err)
	}
	c.release()
}

func (c *Context) release() {
	c.rec = false
	c.frames[c.cur].sem.Release(1)
}

// Submit ends and commits the command buffer of the
// current frame, then advances to the next frame.
// It does not wait for execution to complete.
func (c *Context) Submit() error {
	if !c.rec {
		return ErrNotRecording
	}
	f := &c.frames[c.cur]
	if err := f.cb.End(); err != nil {
		c.release()
		return errors.Wrap(err, "gfx: Submit")
	}
	f.wk.Err = nil
	if err := c.gpu.Commit(f.wk, f.ch); err != nil {
		f.cb.Reset()
		c.release()
		if errors.Is(err, driver.ErrDeviceRemoved) {
			return err
		}
		return errors.Wrap(err, "gfx: Submit")
	}
	c.rec = false
	go f.wait()
	c.cur = (c.cur + 1) % NumFrames
	return nil
}

func (f *frame) wait() {
	wk := <-f.ch
	f.err, wk.Err = wk.Err, nil
	f.sem.Release(1)
}

// Flush waits for every submitted frame to complete.
// It returns the first error produced by their execution.
func (c *Context) Flush(ctx context.Context) error {
	if c.rec {
		return errors.New("gfx: Flush: frame still recording")
	}
	var err error
	for i := range c.frames {
		f := &c.frames[i]
		if e := f.sem.Acquire(ctx, 1); e != nil {
			return errors.Wrap(e, "gfx: Flush")
		}
		if err == nil {
			err = f.err
		}
		f.err = nil
		f.sem.Release(1)
	}
	return err
}

// Run records commands with fn into the current frame,
// submits them and waits for execution to complete.
// It is meant for one-time work such as uploads and
// initial builds.
func (c *Context) Run(ctx context.Context, fn func(cb driver.CmdBuffer) error) error {
	if err := c.Begin(ctx); err != nil {
		return err
	}
	if err := fn(c.CmdBuffer()); err != nil {
		c.Abort()
		return err
	}
	if err := c.Submit(); err != nil {
		return err
	}
	return c.Flush(ctx)
}

// Upload copies data into dst at offset off through a
// host-visible staging buffer and waits for the copy to
// complete.
// dst must have been created with driver.UCopyDst.
func (c *Context) Upload(ctx context.Context, dst driver.Buffer, off int64, data []byte) error {
	if off < 0 || off+int64(len(data)) > dst.Cap() {
		return errors.AssertionFailedf("gfx: Upload: %d bytes at offset %d exceed buffer capacity %d", len(data), off, dst.Cap())
	}
	if dst.Visible() {
		copy(dst.Bytes()[off:], data)
		return nil
	}
	stg, err := c.gpu.NewBuffer(int64(len(data)), true, driver.UCopySrc)
	if err != nil {
		return errors.Wrap(err, "gfx: Upload: staging buffer")
	}
	defer stg.Destroy()
	copy(stg.Bytes(), data)
	return c.Run(ctx, func(cb driver.CmdBuffer) error {
		cb.BeginBlit(false)
		cb.CopyBuffer(&driver.BufferCopy{
			From:  stg,
			To:    dst,
			ToOff: off,
			Size:  int64(len(data)),
		})
		cb.EndBlit()
		return nil
	})
}
