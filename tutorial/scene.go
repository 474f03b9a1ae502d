// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package tutorial

import (
	"encoding/binary"

	"github.com/gviegas/raytrace/accel"
	"github.com/gviegas/raytrace/config"
	"github.com/gviegas/raytrace/linear"
)

var (
	triangleVerts = []linear.V3{
		{0, 1, 0},
		{0.866, -0.5, 0},
		{-0.866, -0.5, 0},
	}
	planeVerts = []linear.V3{
		{-100, -1, -2}, {100, -1, 100}, {-100, -1, 100},
		{-100, -1, -2}, {100, -1, -2}, {100, -1, 100},
	}
)

// perFrameData is the layout of the PerFrame constant
// buffer.
type perFrameData struct {
	A, B, C [3]linear.V4
}

// perInstanceData is the layout of one element of the
// PerInstance constant buffer.
type perInstanceData struct {
	A, B, C linear.V4
}

var perFrame = perFrameData{
	A: [3]linear.V4{{1, 0, 0, 1}, {0, 1, 0, 1}, {0, 0, 1, 1}},
	B: [3]linear.V4{{1, 1, 0, 1}, {0, 1, 1, 1}, {1, 0, 1, 1}},
	C: [3]linear.V4{{1, 0, 1, 1}, {1, 1, 0, 1}, {0, 1, 1, 1}},
}

// Instance colors, cycled when there are more than three
// triangle instances.
var instanceColors = [...]linear.V4{
	{1, 0, 0, 1},
	{0, 1, 0, 0},
	{0, 0, 1, 0},
}

// PerInstanceSize is the distance in bytes between the
// constant data of consecutive triangle instances.
var PerInstanceSize = int64(binary.Size(perInstanceData{}))

// perInstance returns the constant data of n triangle
// instances.
func perInstance(n int) []perInstanceData {
	s := make([]perInstanceData, n)
	for i := range s {
		c := instanceColors[i%len(instanceColors)]
		s[i] = perInstanceData{c, c, c}
	}
	return s
}

// encode returns the little-endian encoding of v.
func encode(v any) []byte {
	b, err := binary.Append(nil, binary.LittleEndian, v)
	if err != nil {
		panic(err)
	}
	return b
}

// groups returns the instance groups of the scene.
// Triangle instances use two hit records (primary and
// shadow), the plane uses one.
func groups(cfg *config.Config, tri, plane *accel.Bottom) []accel.Group {
	return []accel.Group{
		{
			Bottom:     tri,
			Count:      cfg.Scene.Triangles,
			HitRecords: 2,
			Placement: accel.Placement{
				Offset: cfg.Scene.Offset,
				Scale:  linear.V3(cfg.Scene.Scale),
				Spin:   true,
			},
		},
		{
			Bottom:     plane,
			Count:      1,
			HitRecords: 1,
			Placement:  accel.Placement{Scale: linear.V3{1, 1, 1}},
		},
	}
}
