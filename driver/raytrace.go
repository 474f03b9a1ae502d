// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package driver

import (
	"encoding/binary"
	"math"
)

// Addr is a GPU virtual address.
type Addr uint64

// Raytracer is the interface that a GPU implements when
// it supports hardware ray tracing.
type Raytracer interface {
	// ASSizes returns the memory requirements of an
	// acceleration structure build described by in.
	// Buffers in the geometry/instance inputs are not
	// accessed; only counts, types and flags matter.
	ASSizes(in *ASInputs) (ASSizes, error)

	// NewRootSig creates a new root signature.
	NewRootSig(desc *RootSigDesc) (RootSig, error)

	// NewRTPipeline creates a new ray tracing pipeline.
	NewRTPipeline(state *RTState) (RTPipeline, error)
}

// ASType is the type of an acceleration structure.
type ASType int

// Acceleration structure types.
const (
	ASBottom ASType = iota
	ASTop
)

// BuildFlag is a mask of acceleration structure build
// flags.
type BuildFlag int

// Build flags.
const (
	// The structure can be updated later.
	BAllowUpdate BuildFlag = 1 << iota
	// Update (refit) ASBuild.Src rather than
	// building from scratch. Src must have been
	// built with BAllowUpdate, and only instance
	// transforms may differ.
	BPerformUpdate
	BPreferFastTrace
	BPreferFastBuild
	BNone BuildFlag = 0
)

// Geometry describes triangle geometry for a bottom-level
// acceleration structure build.
// Vertices are Float32x3 positions.
type Geometry struct {
	Opaque     bool
	VertBuf    Buffer
	VertOff    int64
	VertStride int64
	VertCount  int
}

// ASInputs describes the inputs of an acceleration
// structure build.
// Geometry is used for ASBottom; InstCount/InstBuf/InstOff
// are used for ASTop. The instance buffer contains InstCount
// records of InstanceSize bytes each (see ASInstance).
type ASInputs struct {
	Type      ASType
	Flags     BuildFlag
	Geometry  []Geometry
	InstCount int
	InstBuf   Buffer
	InstOff   int64
}

// ASSizes describes the memory requirements of an
// acceleration structure build, in bytes.
type ASSizes struct {
	Result        int64
	Scratch       int64
	UpdateScratch int64
}

// ASBuild describes the parameters of a BuildAS command.
// Src is only used when Inputs.Flags contains
// BPerformUpdate; it may be the same buffer as Dst.
type ASBuild struct {
	Inputs  ASInputs
	Dst     Buffer
	Src     Buffer
	Scratch Buffer
}

// InstanceSize is the size of an instance record in an
// instance buffer.
const InstanceSize = 64

// Instance flags.
const (
	IFlagNone           = 0
	IFlagCullDisable    = 1
	IFlagFrontCCW       = 2
	IFlagForceOpaque    = 4
	IFlagForceNonOpaque = 8
)

// Largest values of the 24-bit instance fields.
const (
	InstanceIDMask      = 1<<24 - 1
	InstanceContribMask = 1<<24 - 1
)

// InstanceMaskAll is the instance mask that every ray
// matches.
const InstanceMaskAll uint8 = 0xff

// ASInstance describes an instance of a bottom-level
// acceleration structure in a top-level one.
// It is encoded as follows (little-endian):
//
//	[0:48]  | 3x4 row-major transform (float32)
//	[48:52] | ID (bits 0-23), Mask (bits 24-31)
//	[52:56] | Contribution (bits 0-23), Flags (bits 24-31)
//	[56:64] | AS (address of the bottom-level structure)
type ASInstance struct {
	Transform    [12]float32
	ID           uint32
	Mask         uint8
	Contribution uint32
	Flags        uint8
	AS           Addr
}

// Put encodes i into b[:InstanceSize].
func (i *ASInstance) Put(b []byte) {
	_ = b[InstanceSize-1]
	for j, x := range i.Transform {
		binary.LittleEndian.PutUint32(b[j*4:], math.Float32bits(x))
	}
	binary.LittleEndian.PutUint32(b[48:], i.ID&InstanceIDMask|uint32(i.Mask)<<24)
	binary.LittleEndian.PutUint32(b[52:], i.Contribution&InstanceContribMask|uint32(i.Flags)<<24)
	binary.LittleEndian.PutUint64(b[56:], uint64(i.AS))
}

// Get decodes b[:InstanceSize] into i.
func (i *ASInstance) Get(b []byte) {
	_ = b[InstanceSize-1]
	for j := range i.Transform {
		i.Transform[j] = math.Float32frombits(binary.LittleEndian.Uint32(b[j*4:]))
	}
	x := binary.LittleEndian.Uint32(b[48:])
	i.ID, i.Mask = x&InstanceIDMask, uint8(x>>24)
	x = binary.LittleEndian.Uint32(b[52:])
	i.Contribution, i.Flags = x&InstanceContribMask, uint8(x>>24)
	i.AS = Addr(binary.LittleEndian.Uint64(b[56:]))
}

// RootParamType is the type of a root parameter.
type RootParamType int

// Root parameter types.
const (
	// Descriptor table (8-byte heap handle).
	RPTable RootParamType = iota
	// Constant buffer address (8 bytes).
	RPConstBuf
	// Inline 32-bit constants (4 bytes each).
	RPConstants
)

// DescRange is a range of descriptors in a table.
// Offset is given in heap slots from the table start.
// The range binds Len consecutive slots to shader
// registers starting at Register.
type DescRange struct {
	Type     DescType
	Len      int
	Offset   int
	Register int
}

// RootParam describes a root parameter.
// Ranges is only used for RPTable. Register is used for
// RPConstBuf and RPConstants. Count is only used for
// RPConstants.
type RootParam struct {
	Type     RootParamType
	Ranges   []DescRange
	Register int
	Count    int
}

// RootSigDesc describes a root signature.
// Local root signatures have their arguments stored in
// shader table records; global ones are set on the
// command buffer.
type RootSigDesc struct {
	Local  bool
	Params []RootParam
}

// ArgSize returns the size in bytes of the argument block
// described by d, as laid out in a shader table record.
// Handles and addresses are 8-byte aligned, constants are
// 4-byte aligned.
func (d *RootSigDesc) ArgSize() int64 {
	var n int64
	for _, p := range d.Params {
		switch p.Type {
		case RPTable, RPConstBuf:
			n = (n + 7) &^ 7
			n += 8
		case RPConstants:
			n += 4 * int64(p.Count)
		}
	}
	return n
}

// RootSig is the interface that defines a root signature.
type RootSig interface {
	Destroyer

	// Desc returns a copy of the description used to
	// create the root signature.
	Desc() RootSigDesc
}

// HitGroup defines a hit group export.
// AnyHit and Intersection are optional.
type HitGroup struct {
	Name         string
	ClosestHit   string
	AnyHit       string
	Intersection string
}

// LocalSig associates a local root signature with a
// number of exports (shader functions or hit groups).
type LocalSig struct {
	Sig     RootSig
	Exports []string
}

// RTState defines the state of a ray tracing pipeline.
// Library contains the functions named in Exports.
// Exports that are not associated with any local root
// signature have no local arguments.
type RTState struct {
	Library      ShaderCode
	Exports      []string
	HitGroups    []HitGroup
	Local        []LocalSig
	Global       RootSig
	MaxPayload   int
	MaxAttrib    int
	MaxRecursion int
}

// RTPipeline is the interface that defines a ray tracing
// pipeline.
type RTPipeline interface {
	Pipeline

	// ShaderID returns the shader identifier of a ray
	// generation or miss function, or of a hit group.
	// The identifier has Limits.ShaderIDSize bytes.
	// It returns false if name is not exported.
	ShaderID(name string) ([]byte, bool)
}

// AddrRange is a range of GPU memory.
type AddrRange struct {
	Start Addr
	Size  int64
}

// AddrStrideRange is a range of GPU memory split into
// records of Stride bytes.
type AddrStrideRange struct {
	Start  Addr
	Size   int64
	Stride int64
}

// DispatchRays describes the parameters of a DispatchRays
// command.
type DispatchRays struct {
	RayGen   AddrRange
	Miss     AddrStrideRange
	HitGroup AddrStrideRange
	Callable AddrStrideRange
	Width    int
	Height   int
	Depth    int
}
