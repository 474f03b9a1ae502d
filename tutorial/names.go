// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package tutorial

import (
	_ "embed"
)

// Functions exported by Library.
const (
	RayGenerationMain    = "RayGenerationMain"
	MissMain             = "MissMain"
	ShadowMissMain       = "ShadowMissMain"
	ClosestHitMain       = "ClosestHitMain"
	ShadowClosestHitMain = "ShadowClosestHitMain"
	ClosestHitMainPlane  = "ClosestHitMainPlane"
)

// Hit groups of the pipeline.
const (
	HitGroup       = "HitGroup"
	HitGroupShadow = "HitGroupShadow"
	HitGroupPlane  = "HitGroupPlane"
)

// Library is the HLSL source of the shader library.
//
// Bindings:
//
//	t0 | SceneAS (heap slot 1)
//	u0 | Output (heap slot 0)
//	b0 | PerFrame
//	b1 | PerInstance
//
//go:embed shaders/pathtracer.hlsl
var Library []byte

// LibraryTarget is the shader model that Library is
// compiled for.
const LibraryTarget = "lib_6_3"

// Compiler compiles shader source into a form that a
// driver accepts in driver.GPU.NewShaderCode.
// entry is empty for libraries.
type Compiler interface {
	Compile(src []byte, entry, target string) ([]byte, error)
}

// Passthrough is a Compiler for drivers that consume
// source directly, such as the software driver.
type Passthrough struct{}

// Compile returns src unchanged.
func (Passthrough) Compile(src []byte, _, _ string) ([]byte, error) { return src, nil }
