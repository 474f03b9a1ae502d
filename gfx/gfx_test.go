// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package gfx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gviegas/raytrace/driver"
	"github.com/gviegas/raytrace/driver/soft"
)

func newTest(t *testing.T) *Context {
	t.Helper()
	c, err := New("soft")
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestNew(t *testing.T) {
	for _, name := range [...]string{"soft", "SoFt", "", "no such driver"} {
		c, err := New(name)
		require.NoError(t, err, name)
		assert.Equal(t, "soft", c.Driver().Name(), name)
		assert.NotNil(t, c.GPU(), name)
		assert.NotNil(t, c.Raytracer(), name)
		assert.Equal(t, c.GPU().Limits(), *c.Limits(), name)
		assert.Equal(t, 0, c.Frame(), name)
		c.Close()
		c.Close()
	}
}

func TestFrames(t *testing.T) {
	c := newTest(t)
	ctx := context.Background()

	assert.ErrorIs(t, c.Submit(), ErrNotRecording)
	for i := range 5 {
		require.Equal(t, i%NumFrames, c.Frame())
		require.NoError(t, c.Begin(ctx))
		assert.True(t, c.CmdBuffer().IsRecording())
		assert.Error(t, c.Begin(ctx))
		assert.Error(t, c.Flush(ctx))
		require.NoError(t, c.Submit())
	}
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 5, c.Driver().(*soft.Driver).Stats().Commits)
}

func TestBeginCanceled(t *testing.T) {
	c := newTest(t)
	f := &c.frames[c.Frame()]
	require.True(t, f.sem.TryAcquire(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Begin(ctx), context.Canceled)
	assert.ErrorIs(t, c.Flush(ctx), context.Canceled)
	f.sem.Release(1)
	assert.NoError(t, c.Begin(context.Background()))
	assert.NoError(t, c.Submit())
}

func TestRunError(t *testing.T) {
	c := newTest(t)
	ctx := context.Background()

	// Invalid recording fails on Submit and
	// leaves the frame usable.
	err := c.Run(ctx, func(cb driver.CmdBuffer) error {
		cb.EndWork()
		return nil
	})
	assert.ErrorIs(t, err, soft.ErrValidation)
	assert.NoError(t, c.Run(ctx, func(driver.CmdBuffer) error { return nil }))
}

func TestUpload(t *testing.T) {
	c := newTest(t)
	ctx := context.Background()
	gpu := c.GPU()

	dst, err := gpu.NewBuffer(512, false, driver.UCopyDst|driver.UCopySrc)
	require.NoError(t, err)
	defer dst.Destroy()
	rb, err := gpu.NewBuffer(512, true, driver.UCopyDst)
	require.NoError(t, err)
	defer rb.Destroy()

	require.NoError(t, c.Upload(ctx, dst, 16, []byte("acceleration")))
	require.NoError(t, c.Run(ctx, func(cb driver.CmdBuffer) error {
		cb.BeginBlit(false)
		cb.CopyBuffer(&driver.BufferCopy{From: dst, To: rb, Size: 512})
		cb.EndBlit()
		return nil
	}))
	assert.Equal(t, "acceleration", string(rb.Bytes()[16:28]))

	// Host-visible destinations are written directly.
	require.NoError(t, c.Upload(ctx, rb, 0, []byte("tlas")))
	assert.Equal(t, "tlas", string(rb.Bytes()[:4]))

	err = c.Upload(ctx, dst, 510, []byte("blas"))
	assert.Error(t, err)
}

func TestDeviceRemoved(t *testing.T) {
	c, err := New("soft")
	require.NoError(t, err)
	ctx := context.Background()

	c.Driver().(*soft.Driver).Remove("test")
	require.NoError(t, c.Begin(ctx))
	assert.ErrorIs(t, c.Submit(), driver.ErrDeviceRemoved)
	c.Close()

	c = newTest(t)
	assert.NoError(t, c.Run(ctx, func(driver.CmdBuffer) error { return nil }))
}

func TestAbort(t *testing.T) {
	c := newTest(t)
	ctx := context.Background()

	c.Abort()
	require.NoError(t, c.Begin(ctx))
	c.CmdBuffer().BeginWork(false)
	c.Abort()
	assert.False(t, c.CmdBuffer().IsRecording())
	assert.Equal(t, 0, c.Frame())
	assert.ErrorIs(t, c.Submit(), ErrNotRecording)
	require.NoError(t, c.Begin(ctx))
	require.NoError(t, c.Submit())
	require.NoError(t, c.Flush(ctx))
	assert.Equal(t, 1, c.Driver().(*soft.Driver).Stats().Commits)
}
