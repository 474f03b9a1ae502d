// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/driver"
)

// accelStruct is the content of an acceleration structure
// buffer.
type accelStruct struct {
	typ   driver.ASType
	flags driver.BuildFlag
	// Bottom-level structures keep their triangles
	// (three Float32x3 vertices each).
	tris  [][9]float32
	geoms int
	// Top-level structures keep their instances and the
	// bottom-level buffers they refer to, in order.
	insts []driver.ASInstance
	blas  []*buffer
	// Number of updates since the last full build.
	updates int
}

func alignAS(n int64) int64 {
	a := int64(limits.ASAlign)
	return (n + a - 1) &^ (a - 1)
}

// ASSizes returns the memory requirements of an
// acceleration structure build.
func (d *Driver) ASSizes(in *driver.ASInputs) (driver.ASSizes, error) {
	var sz driver.ASSizes
	switch in.Type {
	case driver.ASBottom:
		if len(in.Geometry) == 0 {
			return sz, errors.New("soft: ASSizes: no geometry")
		}
		var ntri int64
		for i, g := range in.Geometry {
			if g.VertCount < 3 || g.VertCount%3 != 0 {
				return sz, errors.Newf("soft: ASSizes: geometry %d has invalid vertex count %d", i, g.VertCount)
			}
			if g.VertStride < 12 || g.VertStride%4 != 0 {
				return sz, errors.Newf("soft: ASSizes: geometry %d has invalid vertex stride %d", i, g.VertStride)
			}
			ntri += int64(g.VertCount / 3)
		}
		sz.Result = alignAS(256 + 64*ntri)
		sz.Scratch = alignAS(128 + 32*ntri)
		if in.Flags&driver.BAllowUpdate != 0 {
			sz.UpdateScratch = alignAS(64 + 16*ntri)
		}
	case driver.ASTop:
		if in.InstCount < 0 || in.InstCount > limits.MaxInstances {
			return sz, errors.Newf("soft: ASSizes: invalid instance count %d", in.InstCount)
		}
		n := int64(in.InstCount)
		sz.Result = alignAS(256 + 128*n)
		sz.Scratch = alignAS(256 + 64*n)
		if in.Flags&driver.BAllowUpdate != 0 {
			sz.UpdateScratch = alignAS(128 + 32*n)
		}
	default:
		return sz, errors.Newf("soft: ASSizes: invalid type %d", in.Type)
	}
	return sz, nil
}

// ASInfo describes the content of an acceleration
// structure buffer.
type ASInfo struct {
	Type      driver.ASType
	Flags     driver.BuildFlag
	Triangles int
	Instances []driver.ASInstance
	Updates   int
}

// ASInfo returns the acceleration structure that the last
// executed build stored in buf.
// It returns false if no build targeted buf.
func (d *Driver) ASInfo(buf driver.Buffer) (ASInfo, bool) {
	b, ok := buf.(*buffer)
	if !ok {
		return ASInfo{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.as == nil {
		return ASInfo{}, false
	}
	return ASInfo{
		Type:      b.as.typ,
		Flags:     b.as.flags,
		Triangles: len(b.as.tris),
		Instances: slices.Clone(b.as.insts),
		Updates:   b.as.updates,
	}, true
}
