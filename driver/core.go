// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package driver

// GPU is the main interface to an underlying driver
// implementation.
// It is used to create other types and to execute commands.
// A GPU is obtained from a call to Driver.Open.
// GPUs that support hardware ray tracing also implement
// the Raytracer interface.
type GPU interface {
	// Driver returns the Driver that owns the GPU.
	Driver() Driver

	// Commit commits a batch of command buffers to the GPU
	// for execution.
	// The order of command buffers in wk.Work is meaningful:
	// commands of a given command buffer only start after
	// the ones in previous command buffers complete.
	// If it succeeds, wk is sent to ch when all commands
	// complete execution, with wk.Err set to the outcome.
	// Command buffers in wk.Work cannot be used for
	// recording until then.
	// If it fails, nothing is sent to ch.
	Commit(wk *WorkItem, ch chan<- *WorkItem) error

	// NewCmdBuffer creates a new command buffer.
	NewCmdBuffer() (CmdBuffer, error)

	// NewShaderCode creates a new shader code.
	NewShaderCode(data []byte) (ShaderCode, error)

	// NewDescHeap creates a new descriptor heap.
	NewDescHeap(ds []Descriptor) (DescHeap, error)

	// NewBuffer creates a new buffer.
	NewBuffer(size int64, visible bool, usg Usage) (Buffer, error)

	// NewImage creates a new image.
	NewImage(pf PixelFmt, size Dim3D, layers, levels int, usg Usage) (Image, error)

	// Limits returns the implementation limits.
	// They are immutable for the lifetime of the GPU.
	Limits() Limits
}

// WorkItem is a batch of command buffers that is
// committed to the GPU as a unit.
type WorkItem struct {
	Work []CmdBuffer
	// Err is set by the GPU when execution completes.
	Err error
	// Custom is not used by the GPU.
	Custom any
}

// Destroyer is the interface that wraps the Destroy method.
// Types that implement this interface may allocate external
// memory that is not managed by GC, so Destroy must be
// called explicitly to ensure such memory is deallocated.
type Destroyer interface {
	Destroy()
}

// CmdBuffer is the interface that defines a command buffer.
// Commands are recorded into command buffers and later
// committed to the GPU for execution. Recording is split
// into logical blocks containing either compute (which
// includes ray tracing) or copy commands. The usage is as
// follows:
// First, call Begin to prepare the command buffer for
// recording. Then, if it succeeds:
//
// To record compute/ray tracing commands:
//  1. call BeginWork
//  2. call Set* methods to configure state
//  3. call BuildAS, UAVBarrier and DispatchRays commands
//  4. repeat 2-3 as needed
//  5. call EndWork
//
// To record copy commands:
//  1. call BeginBlit
//  2. call CopyBuffer/Fill commands
//  3. call EndBlit
//
// Finally, call End and, if it succeeds, GPU.Commit.
// Note that Begin* commands must not be nested, and
// must always be ended before another call to Begin*
// and prior to the final End call.
type CmdBuffer interface {
	Destroyer

	// Begin prepares the command buffer for recording.
	// This method must be called before any command
	// is recorded in the command buffer. It needs to
	// be called again if the command buffer is
	// executed or reset.
	Begin() error

	// IsRecording returns whether the command buffer
	// is between calls to Begin and End.
	IsRecording() bool

	// BeginWork begins compute work.
	// If wait is set, compute work only starts when
	// all previous commands recorded in the same
	// command buffer are done executing.
	BeginWork(wait bool)

	// EndWork ends the current compute work.
	EndWork()

	// BeginBlit begins data transfer.
	// If wait is set, data transfer only starts when
	// all previous commands recorded in the same
	// command buffer are done executing.
	BeginBlit(wait bool)

	// EndBlit ends the current data transfer.
	EndBlit()

	// SetPipeline sets the pipeline.
	SetPipeline(pl Pipeline)

	// SetDescHeap sets the descriptor heap copy that
	// is visible to ray tracing shaders.
	// Handles written in shader tables must refer to
	// this heap copy.
	SetDescHeap(dh DescHeap, cpy int)

	// BuildAS records an acceleration structure build
	// or update.
	// It must only be called during compute work.
	// The result is not visible to subsequent builds
	// or dispatches until a UAVBarrier naming b.Dst
	// is recorded.
	BuildAS(b *ASBuild)

	// UAVBarrier waits for all writes to the given
	// buffers, as storage or acceleration structures,
	// to complete before subsequent commands read them.
	// It must only be called during compute work.
	UAVBarrier(buf []Buffer)

	// DispatchRays launches ray generation shaders.
	// It must only be called during compute work,
	// with a ray tracing pipeline set.
	DispatchRays(d *DispatchRays)

	// CopyBuffer copies data between buffers.
	// It must only be called during data transfer.
	CopyBuffer(param *BufferCopy)

	// Fill fills a buffer range with copies of
	// a byte value.
	// It must only be called during data transfer.
	// off and size must be aligned to 4 bytes.
	Fill(buf Buffer, off int64, value byte, size int64)

	// Barrier inserts a number of global barriers
	// in the command buffer.
	Barrier(b []Barrier)

	// Transition inserts a number of image layout
	// transitions in the command buffer.
	Transition(t []Transition)

	// End ends command recording and prepares the
	// command buffer for execution.
	// New recordings are not allowed until the
	// command buffer is executed or reset.
	// Upon failure, the command buffer is reset.
	End() error

	// Reset discards all recorded commands from the
	// command buffer.
	Reset() error
}

// BufferCopy describes the parameters of a copy command
// that copies data from one buffer to another.
type BufferCopy struct {
	From    Buffer
	FromOff int64
	To      Buffer
	ToOff   int64
	Size    int64
}

// Sync is the type of a synchronization scope.
type Sync int

// Synchronization scopes.
const (
	SComputeShading Sync = 1 << iota
	SCopy
	SAccelBuild
	SRayTracing
	SAll
	SNone Sync = 0
)

// Access is the type of a memory access scope.
type Access int

// Memory access scopes.
const (
	ACopyRead Access = 1 << iota
	ACopyWrite
	AShaderRead
	AShaderWrite
	AAccelRead
	AAccelWrite
	AAnyRead
	AAnyWrite
	ANone Access = 0
)

// Layout is the type of an image layout.
type Layout int

// Image layouts.
const (
	LUndefined Layout = iota
	LCommon
	LShaderRead
	LShaderStore
	LCopySrc
	LCopyDst
)

// Barrier represents a synchronization barrier.
type Barrier struct {
	SyncBefore   Sync
	SyncAfter    Sync
	AccessBefore Access
	AccessAfter  Access
}

// Transition represents a layout transition on a
// whole image.
type Transition struct {
	Barrier

	LayoutBefore Layout
	LayoutAfter  Layout
	Img          Image
}

// ShaderCode is the interface that defines a shader binary
// for execution in a programmable pipeline stage.
// For ray tracing, it is a library containing a number of
// exported functions.
type ShaderCode interface {
	Destroyer
}

// Stage is a mask of programmable stages.
type Stage int

// Stages.
const (
	SCompute Stage = 1 << iota
	SRayGen
	SMiss
	SClosestHit
	SAnyHit
	SIntersection
	SAllRT = SRayGen | SMiss | SClosestHit | SAnyHit | SIntersection
)

// DescType is the type of a descriptor.
type DescType int

// Descriptor types.
const (
	// Read/write buffer.
	DBuffer DescType = iota
	// Read/write image.
	DImage
	// Constant buffer.
	DConstant
	// Top-level acceleration structure.
	DAccelStruct
)

// Descriptor describes data for use in shaders.
// Descriptors occupy consecutive heap slots in the
// order they are given to GPU.NewDescHeap, Len slots
// each.
type Descriptor struct {
	Type   DescType
	Stages Stage
	Nr     int
	Len    int
}

// DescHeap is the interface that defines a set of descriptors
// for use in programmable pipeline stages.
type DescHeap interface {
	Destroyer

	// New creates enough storage for n copies of each
	// descriptor.
	// All copies from a previous call to New are invalidated,
	// unless n is the same as the current Count value, in
	// which case it is a no-op.
	// Calling New(0) frees all storage.
	New(n int) error

	// SetBuffer updates the buffer ranges referred by the
	// given descriptor of the given heap copy.
	// The descriptor must be of type DBuffer or DConstant.
	// Buffer ranges must be aligned to 256 bytes.
	SetBuffer(cpy, nr, start int, buf []Buffer, off, size []int64)

	// SetImage updates the image views referred by the
	// given descriptor of the given heap copy.
	// The descriptor must be of type DImage.
	SetImage(cpy, nr, start int, iv []ImageView)

	// SetAS updates the acceleration structures referred
	// by the given descriptor of the given heap copy.
	// The descriptor must be of type DAccelStruct and
	// the buffers must contain top-level structures.
	SetAS(cpy, nr, start int, as []Buffer)

	// Count returns the number of heap copies created
	// by New.
	Count() int

	// Handle returns the GPU handle of the first slot
	// of the given heap copy. Consecutive slots are
	// Limits.DescSize bytes apart.
	Handle(cpy int) Addr
}

// Pipeline is the interface that defines a GPU pipeline.
type Pipeline interface {
	Destroyer
}

// Usage is a mask indicating valid uses for a resource.
type Usage int

// Usage flags for Buffer and Image.
const (
	// The resource can be read in shaders.
	UShaderRead Usage = 1 << iota
	// The resource can be written in shaders or by
	// acceleration structure builds (unordered access).
	UShaderWrite
	// The resource can provide constant data for shaders.
	// Valid only for Buffer.
	UShaderConst
	// The resource can provide vertex data.
	// Valid only for Buffer.
	UVertexData
	// The resource can be the source of copy commands.
	UCopySrc
	// The resource can be the destination of copy commands.
	UCopyDst
	// The resource can store acceleration structures.
	// Valid only for Buffer.
	UAccelStruct
	// The resource can provide read-only input to
	// acceleration structure builds.
	// Valid only for Buffer.
	UAccelInput
	// The resource can store shader tables.
	// Valid only for Buffer.
	UShaderTable
	// The resource can be used for any purpose.
	UGeneric Usage = 1<<iota - 1
)

// Buffer is the interface that defines a GPU buffer.
// The size of the buffer is fixed. When a larger buffer
// is necessary, a new one must be created and the data
// must be copied explicitly.
type Buffer interface {
	Destroyer

	// Visible returns whether the buffer is host visible.
	// Non-visible memory cannot be accessed by the CPU.
	Visible() bool

	// Bytes returns a slice of length Cap referring to the
	// underlying data. If the buffer is not host visible,
	// it returns nil instead.
	// The slice is valid for the lifetime of the buffer.
	Bytes() []byte

	// Cap returns the capacity of the buffer in bytes,
	// which may be greater than the size requested during
	// buffer creation.
	// This value is immutable.
	Cap() int64

	// Addr returns the GPU virtual address of the first
	// byte of the buffer.
	// This value is immutable.
	Addr() Addr
}

// PixelFmt describes the format of a pixel.
type PixelFmt int

// Pixel formats.
const (
	RGBA8un PixelFmt = iota
	RGBA16f
	RGBA32f
)

// Size returns the size in bytes of a single pixel.
func (f PixelFmt) Size() int {
	switch f {
	case RGBA8un:
		return 4
	case RGBA16f:
		return 8
	case RGBA32f:
		return 16
	}
	return 0
}

// Dim3D is a three-dimensional size.
type Dim3D struct {
	Width, Height, Depth int
}

// Image is the interface that defines a GPU image.
type Image interface {
	Destroyer

	// NewView creates a new image view.
	// All views created from a given image must be
	// detroyed before the image itself is destroyed.
	NewView(typ ViewType, layer, layers, level, levels int) (ImageView, error)
}

// ViewType is the type of a resource view.
type ViewType int

// View types.
const (
	IView1D ViewType = iota
	IView2D
	IView3D
	IView2DArray
)

// ImageView is the interface that defines a typed view of
// an Image resource.
type ImageView interface {
	Destroyer
}

// Limits describes implementation limits.
// These may vary across drivers and devices.
type Limits struct {
	// Maximum width and height of 2D images.
	MaxImage2D int
	// Maximum number of layers in an image.
	MaxLayers int

	// Size of a descriptor heap slot, in bytes.
	DescSize int
	// Maximum number of descriptors in a heap.
	MaxDescriptors int

	// Size of shader identifiers, in bytes.
	ShaderIDSize int
	// Required alignment of shader table records
	// (and thus of record strides).
	ShaderRecordAlign int
	// Required alignment of the start address of
	// each shader table range.
	ShaderTableAlign int
	// Maximum stride of shader table records.
	MaxRecordStride int
	// Required alignment of acceleration structure
	// result and scratch addresses.
	ASAlign int
	// Maximum number of instances in a top-level
	// acceleration structure.
	MaxInstances int
	// Maximum recursion depth of TraceRay calls.
	MaxRecursion int
	// Maximum dimensions of DispatchRays.
	MaxDispatchRays [3]int
}
