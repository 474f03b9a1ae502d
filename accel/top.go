// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package accel

import (
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/driver"
	"github.com/gviegas/raytrace/gfx"
)

// Options controls the allocation of top-level scratch
// memory.
// Pad is added to the scratch size reported by the
// driver, and the sum is rounded up to a multiple of
// Granularity (if greater than 1).
type Options struct {
	Pad         int64
	Granularity int64
}

// Path identifies the kind of build that Refresh
// recorded.
type Path int

// Build paths.
const (
	PathUpdate Path = iota
	PathRebuild
)

func (p Path) String() string {
	switch p {
	case PathUpdate:
		return "update"
	case PathRebuild:
		return "rebuild"
	}
	return "invalid"
}

// Top is a top-level acceleration structure built from
// the instances of a Table.
type Top struct {
	gpu    driver.GPU
	rt     driver.Raytracer
	opt    Options
	Result driver.Buffer
	// Scratch is large enough for both builds and
	// updates, so it is kept for the lifetime of
	// the structure.
	Scratch driver.Buffer
	sizes   driver.ASSizes
	// Topology of the last full build.
	count int
	refs  []driver.Addr
}

func topInputs(t *Table, region int) driver.ASInputs {
	return driver.ASInputs{
		Type:      driver.ASTop,
		Flags:     driver.BAllowUpdate | driver.BPreferFastBuild,
		InstCount: t.Len(),
		InstBuf:   t.Buffer(),
		InstOff:   t.Offset(region),
	}
}

// BuildTop creates the buffers of a top-level structure
// for the instances of t and records its build from the
// given region, followed by a UAV barrier.
// cb must be recording compute work, and the bottom-level
// structures that t refers to must be visible to it
// (i.e., their builds must have been followed by a
// barrier).
func BuildTop(gc *gfx.Context, cb driver.CmdBuffer, t *Table, region int, opt Options) (*Top, error) {
	top := &Top{
		gpu: gc.GPU(),
		rt:  gc.Raytracer(),
		opt: opt,
	}
	if err := top.Rebuild(cb, t, region); err != nil {
		return nil, err
	}
	return top, nil
}

// scratchSize returns the scratch size to allocate.
func (top *Top) scratchSize(sz driver.ASSizes) int64 {
	n := max(sz.Scratch, sz.UpdateScratch) + top.opt.Pad
	return alignUp(n, top.opt.Granularity)
}

// realloc ensures that the buffers can hold the given
// sizes, replacing them if needed.
// On failure, the current buffers are left intact.
func (top *Top) realloc(sz driver.ASSizes) error {
	var result, scratch driver.Buffer
	var err error
	if top.Result == nil || top.Result.Cap() < sz.Result {
		usg := driver.UAccelStruct | driver.UShaderWrite | driver.UShaderRead
		if result, err = top.gpu.NewBuffer(sz.Result, false, usg); err != nil {
			return errors.Wrap(err, prefix+"top-level result buffer")
		}
	}
	if n := top.scratchSize(sz); top.Scratch == nil || top.Scratch.Cap() < n {
		if scratch, err = top.gpu.NewBuffer(n, false, driver.UShaderWrite); err != nil {
			if result != nil {
				result.Destroy()
			}
			return errors.Wrap(err, prefix+"top-level scratch buffer")
		}
	}
	if result != nil {
		if top.Result != nil {
			top.Result.Destroy()
		}
		top.Result = result
	}
	if scratch != nil {
		if top.Scratch != nil {
			top.Scratch.Destroy()
		}
		top.Scratch = scratch
	}
	top.sizes = sz
	return nil
}

// Rebuild records a full build from the given region of
// t, followed by a UAV barrier.
// If t has grown since the last build, the buffers are
// replaced; in that case, no pending work may refer to
// the structure.
func (top *Top) Rebuild(cb driver.CmdBuffer, t *Table, region int) error {
	in := topInputs(t, region)
	sz, err := top.rt.ASSizes(&in)
	if err != nil {
		return errors.Wrap(err, prefix+"top-level size query")
	}
	if err := top.realloc(sz); err != nil {
		return err
	}
	cb.BuildAS(&driver.ASBuild{
		Inputs:  in,
		Dst:     top.Result,
		Scratch: top.Scratch,
	})
	top.barrier(cb)
	top.count = t.Len()
	top.refs = t.Refs()
	logger.Debugf("top-level build: %d instances, %d bytes", top.count, sz.Result)
	return nil
}

// Update records an in-place update (refit) from the
// given region of t, followed by a UAV barrier.
// Only instance transforms may have changed since the
// last full build; otherwise, it returns
// ErrTopologyChanged and records nothing.
func (top *Top) Update(cb driver.CmdBuffer, t *Table, region int) error {
	if top.Result == nil {
		return errors.AssertionFailedf(prefix + "Update: structure was never built")
	}
	if t.Len() != top.count || !slices.Equal(t.Refs(), top.refs) {
		return ErrTopologyChanged
	}
	in := topInputs(t, region)
	in.Flags |= driver.BPerformUpdate
	cb.BuildAS(&driver.ASBuild{
		Inputs:  in,
		Dst:     top.Result,
		Src:     top.Result,
		Scratch: top.Scratch,
	})
	top.barrier(cb)
	return nil
}

// Refresh records an update when the topology of t is
// unchanged and a full build otherwise.
// It returns which path was recorded.
func (top *Top) Refresh(cb driver.CmdBuffer, t *Table, region int) (Path, error) {
	err := top.Update(cb, t, region)
	if !errors.Is(err, ErrTopologyChanged) {
		return PathUpdate, err
	}
	logger.Infof("topology changed (%d -> %d instances), rebuilding", top.count, t.Len())
	return PathRebuild, top.Rebuild(cb, t, region)
}

// barrier records a UAV barrier on the result and
// scratch buffers.
func (top *Top) barrier(cb driver.CmdBuffer) {
	cb.UAVBarrier([]driver.Buffer{top.Result, top.Scratch})
}

// Addr returns the address of the structure.
func (top *Top) Addr() driver.Addr { return top.Result.Addr() }

// Sizes returns the sizes reported for the last full
// build.
func (top *Top) Sizes() driver.ASSizes { return top.sizes }

// Destroy destroys the structure's buffers.
func (top *Top) Destroy() {
	if top.Result != nil {
		top.Result.Destroy()
	}
	if top.Scratch != nil {
		top.Scratch.Destroy()
	}
	*top = Top{}
}
