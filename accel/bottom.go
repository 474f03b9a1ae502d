// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package accel

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/driver"
	"github.com/gviegas/raytrace/gfx"
	"github.com/gviegas/raytrace/linear"
)

// VertexStride is the stride of Mesh vertices.
// Vertices are Float32x3 positions.
const VertexStride = 12

// Mesh is triangle geometry stored in a device-local
// vertex buffer.
type Mesh struct {
	Buf    driver.Buffer
	Count  int
	Stride int64
}

// NewMesh creates a Mesh containing the given triangle
// list, uploaded through a staging buffer.
// It waits for the upload to complete, so it must not be
// called while gc is recording a frame.
func NewMesh(ctx context.Context, gc *gfx.Context, verts []linear.V3) (*Mesh, error) {
	if len(verts) == 0 || len(verts)%3 != 0 {
		return nil, errors.Newf(prefix+"NewMesh: invalid vertex count %d", len(verts))
	}
	data := make([]byte, len(verts)*VertexStride)
	for i := range verts {
		for j, x := range verts[i] {
			binary.LittleEndian.PutUint32(data[i*VertexStride+j*4:], math.Float32bits(x))
		}
	}
	usg := driver.UVertexData | driver.UAccelInput | driver.UCopyDst
	buf, err := gc.GPU().NewBuffer(int64(len(data)), false, usg)
	if err != nil {
		return nil, errors.Wrap(err, prefix+"NewMesh")
	}
	if err := gc.Upload(ctx, buf, 0, data); err != nil {
		buf.Destroy()
		return nil, errors.Wrap(err, prefix+"NewMesh")
	}
	return &Mesh{buf, len(verts), VertexStride}, nil
}

// Destroy destroys the mesh's vertex buffer.
func (m *Mesh) Destroy() {
	if m.Buf != nil {
		m.Buf.Destroy()
	}
	*m = Mesh{}
}

// geometry returns the build input describing m.
func (m *Mesh) geometry() driver.Geometry {
	return driver.Geometry{
		Opaque:     true,
		VertBuf:    m.Buf,
		VertStride: m.Stride,
		VertCount:  m.Count,
	}
}

// Bottom is a bottom-level acceleration structure built
// from a single Mesh.
// Instances is the number of times the structure is
// instanced in the scene.
type Bottom struct {
	Mesh      *Mesh
	Result    driver.Buffer
	Scratch   driver.Buffer
	Sizes     driver.ASSizes
	Instances int
}

// BuildBottom records the build of a bottom-level
// structure for mesh, followed by a UAV barrier on the
// result.
// cb must be recording compute work.
// Result and scratch buffers are created here; on
// failure, nothing is left allocated.
func BuildBottom(gc *gfx.Context, cb driver.CmdBuffer, mesh *Mesh, instances int) (*Bottom, error) {
	if instances < 1 {
		return nil, errors.Newf(prefix+"BuildBottom: invalid instance count %d", instances)
	}
	in := driver.ASInputs{
		Type:     driver.ASBottom,
		Flags:    driver.BPreferFastTrace,
		Geometry: []driver.Geometry{mesh.geometry()},
	}
	sizes, err := gc.Raytracer().ASSizes(&in)
	if err != nil {
		return nil, errors.Wrap(err, prefix+"BuildBottom: size query")
	}
	scratch, err := gc.GPU().NewBuffer(sizes.Scratch, false, driver.UShaderWrite)
	if err != nil {
		return nil, errors.Wrap(err, prefix+"BuildBottom: scratch buffer")
	}
	result, err := gc.GPU().NewBuffer(sizes.Result, false, driver.UAccelStruct|driver.UShaderWrite)
	if err != nil {
		scratch.Destroy()
		return nil, errors.Wrap(err, prefix+"BuildBottom: result buffer")
	}
	cb.BuildAS(&driver.ASBuild{
		Inputs:  in,
		Dst:     result,
		Scratch: scratch,
	})
	cb.UAVBarrier([]driver.Buffer{result})
	logger.Debugf("bottom-level build: %d vertices, %d bytes", mesh.Count, sizes.Result)
	return &Bottom{
		Mesh:      mesh,
		Result:    result,
		Scratch:   scratch,
		Sizes:     sizes,
		Instances: instances,
	}, nil
}

// Addr returns the address of the structure, as stored in
// instance records.
func (b *Bottom) Addr() driver.Addr { return b.Result.Addr() }

// ReleaseScratch destroys the scratch buffer.
// It must only be called after the build completes.
func (b *Bottom) ReleaseScratch() {
	if b.Scratch != nil {
		b.Scratch.Destroy()
		b.Scratch = nil
	}
}

// Destroy destroys the structure's buffers.
// The Mesh is not destroyed.
func (b *Bottom) Destroy() {
	b.ReleaseScratch()
	if b.Result != nil {
		b.Result.Destroy()
	}
	*b = Bottom{}
}
