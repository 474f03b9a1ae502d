// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/driver"
)

type cbState int

const (
	cbIdle cbState = iota
	cbRecording
	cbEnded
	cbCommitted
)

type block int

const (
	blkNone block = iota
	blkWork
	blkBlit
)

type opcode int

const (
	opBeginWork opcode = iota
	opSetPipeline
	opSetDescHeap
	opBuildAS
	opUAVBarrier
	opDispatchRays
	opCopyBuffer
	opFill
	opBarrier
	opTransition
)

// command is a recorded command.
// Only the fields relevant to op are set.
type command struct {
	op    opcode
	wait  bool
	pl    *rtPipeline
	heap  *descHeap
	cpy   int
	build driver.ASBuild
	bufs  []*buffer
	rays  driver.DispatchRays
	copy  driver.BufferCopy
	off   int64
	size  int64
	value byte
	bar   []driver.Barrier
	trans []driver.Transition
}

// cmdBuffer implements driver.CmdBuffer.
type cmdBuffer struct {
	d     *Driver
	state cbState // guarded by d.mu
	rec   bool
	blk   block
	pl    *rtPipeline
	cmds  []command
	err   error
}

// NewCmdBuffer creates a new command buffer.
func (d *Driver) NewCmdBuffer() (driver.CmdBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	return &cmdBuffer{d: d}, nil
}

// fail records the first recording error.
func (cb *cmdBuffer) fail(format string, args ...any) {
	if cb.err == nil {
		cb.err = validationf(format, args...)
	}
}

// check reports whether a command can be recorded in the
// given block.
func (cb *cmdBuffer) check(name string, blk block) bool {
	switch {
	case !cb.rec:
		cb.fail("%s: command buffer is not recording", name)
		return false
	case blk != blkNone && cb.blk != blk:
		cb.fail("%s: called outside of its Begin*/End* block", name)
		return false
	}
	return true
}

func (cb *cmdBuffer) buffer(name string, buf driver.Buffer, usg driver.Usage) *buffer {
	b, ok := buf.(*buffer)
	switch {
	case !ok || b == nil:
		cb.fail("%s: invalid buffer", name)
		return nil
	case b.data == nil || b.d != cb.d:
		cb.fail("%s: buffer destroyed or not created by this driver", name)
		return nil
	case b.usg&usg != usg:
		cb.fail("%s: buffer usage %#x lacks %#x", name, b.usg, usg)
		return nil
	}
	return b
}

// Begin prepares the command buffer for recording.
func (cb *cmdBuffer) Begin() error {
	cb.d.mu.Lock()
	defer cb.d.mu.Unlock()
	switch cb.state {
	case cbCommitted:
		return errors.New("soft: Begin: command buffer is pending execution")
	case cbRecording:
		return errors.New("soft: Begin: command buffer is already recording")
	}
	cb.state = cbRecording
	cb.rec = true
	cb.blk = blkNone
	cb.pl = nil
	cb.cmds = cb.cmds[:0]
	cb.err = nil
	return nil
}

// IsRecording returns whether the command buffer is
// recording.
func (cb *cmdBuffer) IsRecording() bool { return cb.rec }

// BeginWork begins compute work.
func (cb *cmdBuffer) BeginWork(wait bool) {
	if !cb.check("BeginWork", blkNone) {
		return
	}
	if cb.blk != blkNone {
		cb.fail("BeginWork: nested block")
		return
	}
	cb.blk = blkWork
	cb.cmds = append(cb.cmds, command{op: opBeginWork, wait: wait})
}

// EndWork ends compute work.
func (cb *cmdBuffer) EndWork() {
	if cb.check("EndWork", blkWork) {
		cb.blk = blkNone
	}
}

// BeginBlit begins data transfer.
func (cb *cmdBuffer) BeginBlit(wait bool) {
	if !cb.check("BeginBlit", blkNone) {
		return
	}
	if cb.blk != blkNone {
		cb.fail("BeginBlit: nested block")
		return
	}
	cb.blk = blkBlit
	if wait {
		cb.cmds = append(cb.cmds, command{op: opBeginWork, wait: true})
	}
}

// EndBlit ends data transfer.
func (cb *cmdBuffer) EndBlit() {
	if cb.check("EndBlit", blkBlit) {
		cb.blk = blkNone
	}
}

// SetPipeline sets the pipeline.
func (cb *cmdBuffer) SetPipeline(pl driver.Pipeline) {
	if !cb.check("SetPipeline", blkWork) {
		return
	}
	p, ok := pl.(*rtPipeline)
	if !ok || p == nil || p.d != cb.d {
		cb.fail("SetPipeline: not a ray tracing pipeline of this driver")
		return
	}
	cb.pl = p
	cb.cmds = append(cb.cmds, command{op: opSetPipeline, pl: p})
}

// SetDescHeap sets the descriptor heap copy visible to
// ray tracing shaders.
func (cb *cmdBuffer) SetDescHeap(dh driver.DescHeap, cpy int) {
	if !cb.check("SetDescHeap", blkWork) {
		return
	}
	h, ok := dh.(*descHeap)
	switch {
	case !ok || h == nil || h.d != cb.d:
		cb.fail("SetDescHeap: invalid descriptor heap")
		return
	case cpy < 0 || cpy >= h.Count():
		cb.fail("SetDescHeap: heap copy %d out of bounds", cpy)
		return
	}
	cb.cmds = append(cb.cmds, command{op: opSetDescHeap, heap: h, cpy: cpy})
}

// BuildAS records an acceleration structure build.
func (cb *cmdBuffer) BuildAS(b *driver.ASBuild) {
	if !cb.check("BuildAS", blkWork) {
		return
	}
	const name = "BuildAS"
	dst := cb.buffer(name, b.Dst, driver.UAccelStruct)
	scratch := cb.buffer(name, b.Scratch, driver.UShaderWrite)
	if dst == nil || scratch == nil {
		return
	}
	if dst == scratch {
		cb.fail("BuildAS: destination and scratch are the same buffer")
		return
	}
	sz, err := cb.d.ASSizes(&b.Inputs)
	if err != nil {
		cb.fail("BuildAS: %v", err)
		return
	}
	update := b.Inputs.Flags&driver.BPerformUpdate != 0
	need := sz.Scratch
	if update {
		need = sz.UpdateScratch
		if cb.buffer(name, b.Src, driver.UAccelStruct) == nil {
			return
		}
	}
	switch {
	case dst.Cap() < sz.Result:
		cb.fail("BuildAS: destination has %d bytes, %d required", dst.Cap(), sz.Result)
		return
	case scratch.Cap() < need:
		cb.fail("BuildAS: scratch has %d bytes, %d required", scratch.Cap(), need)
		return
	}
	switch b.Inputs.Type {
	case driver.ASBottom:
		for i, g := range b.Inputs.Geometry {
			vb := cb.buffer(name, g.VertBuf, driver.UAccelInput)
			if vb == nil {
				return
			}
			if end := g.VertOff + g.VertStride*int64(g.VertCount-1) + 12; g.VertOff < 0 || end > vb.Cap() {
				cb.fail("BuildAS: geometry %d exceeds its vertex buffer", i)
				return
			}
		}
	case driver.ASTop:
		ib := cb.buffer(name, b.Inputs.InstBuf, driver.UAccelInput)
		if ib == nil {
			return
		}
		if b.Inputs.InstOff < 0 || b.Inputs.InstOff%16 != 0 {
			cb.fail("BuildAS: instance offset %d is not aligned to 16 bytes", b.Inputs.InstOff)
			return
		}
		if end := b.Inputs.InstOff + int64(b.Inputs.InstCount)*driver.InstanceSize; end > ib.Cap() {
			cb.fail("BuildAS: %d instances exceed the instance buffer", b.Inputs.InstCount)
			return
		}
	}
	c := command{op: opBuildAS, build: *b}
	c.build.Inputs.Geometry = append([]driver.Geometry(nil), b.Inputs.Geometry...)
	cb.cmds = append(cb.cmds, c)
}

// UAVBarrier records a barrier on writes to the given
// buffers.
func (cb *cmdBuffer) UAVBarrier(buf []driver.Buffer) {
	if !cb.check("UAVBarrier", blkWork) {
		return
	}
	bufs := make([]*buffer, 0, len(buf))
	for _, x := range buf {
		b := cb.buffer("UAVBarrier", x, 0)
		if b == nil {
			return
		}
		bufs = append(bufs, b)
	}
	cb.cmds = append(cb.cmds, command{op: opUAVBarrier, bufs: bufs})
}

// DispatchRays records a ray dispatch.
func (cb *cmdBuffer) DispatchRays(d *driver.DispatchRays) {
	if !cb.check("DispatchRays", blkWork) {
		return
	}
	if cb.pl == nil {
		cb.fail("DispatchRays: no pipeline set")
		return
	}
	for i, n := range [...]int{d.Width, d.Height, d.Depth} {
		if n < 1 || n > limits.MaxDispatchRays[i] {
			cb.fail("DispatchRays: dimension %d (%d) out of range", i, n)
			return
		}
	}
	align := driver.Addr(limits.ShaderTableAlign)
	if d.RayGen.Start == 0 || d.RayGen.Start%align != 0 {
		cb.fail("DispatchRays: ray generation record at %#x is not aligned to %d bytes", d.RayGen.Start, align)
		return
	}
	if d.RayGen.Size < int64(limits.ShaderIDSize) {
		cb.fail("DispatchRays: ray generation record size %d is too small", d.RayGen.Size)
		return
	}
	for _, x := range [...]struct {
		name string
		r    driver.AddrStrideRange
	}{
		{"miss", d.Miss},
		{"hit group", d.HitGroup},
		{"callable", d.Callable},
	} {
		if x.r.Size == 0 {
			continue
		}
		switch {
		case x.r.Start%align != 0:
			cb.fail("DispatchRays: %s table at %#x is not aligned to %d bytes", x.name, x.r.Start, align)
			return
		case x.r.Stride < int64(limits.ShaderIDSize) || x.r.Stride%int64(limits.ShaderRecordAlign) != 0:
			cb.fail("DispatchRays: %s stride %d is not a multiple of %d", x.name, x.r.Stride, limits.ShaderRecordAlign)
			return
		case x.r.Stride > int64(limits.MaxRecordStride):
			cb.fail("DispatchRays: %s stride %d exceeds %d", x.name, x.r.Stride, limits.MaxRecordStride)
			return
		case x.r.Size%x.r.Stride != 0:
			cb.fail("DispatchRays: %s table size %d is not a multiple of its stride", x.name, x.r.Size)
			return
		}
	}
	cb.cmds = append(cb.cmds, command{op: opDispatchRays, rays: *d})
}

// CopyBuffer records a buffer copy.
func (cb *cmdBuffer) CopyBuffer(param *driver.BufferCopy) {
	if !cb.check("CopyBuffer", blkBlit) {
		return
	}
	from := cb.buffer("CopyBuffer", param.From, driver.UCopySrc)
	to := cb.buffer("CopyBuffer", param.To, driver.UCopyDst)
	if from == nil || to == nil {
		return
	}
	if param.Size < 0 || param.FromOff < 0 || param.ToOff < 0 ||
		param.FromOff+param.Size > from.Cap() || param.ToOff+param.Size > to.Cap() {
		cb.fail("CopyBuffer: range out of bounds")
		return
	}
	cb.cmds = append(cb.cmds, command{op: opCopyBuffer, copy: *param})
}

// Fill records a buffer fill.
func (cb *cmdBuffer) Fill(buf driver.Buffer, off int64, value byte, size int64) {
	if !cb.check("Fill", blkBlit) {
		return
	}
	b := cb.buffer("Fill", buf, driver.UCopyDst)
	if b == nil {
		return
	}
	if off%4 != 0 || size%4 != 0 || off < 0 || size < 0 || off+size > b.Cap() {
		cb.fail("Fill: invalid range [%d, %d)", off, off+size)
		return
	}
	cb.cmds = append(cb.cmds, command{op: opFill, bufs: []*buffer{b}, off: off, size: size, value: value})
}

// Barrier records global barriers.
func (cb *cmdBuffer) Barrier(b []driver.Barrier) {
	if cb.check("Barrier", blkNone) {
		cb.cmds = append(cb.cmds, command{op: opBarrier, bar: append([]driver.Barrier(nil), b...)})
	}
}

// Transition records image layout transitions.
func (cb *cmdBuffer) Transition(t []driver.Transition) {
	if !cb.check("Transition", blkNone) {
		return
	}
	for i := range t {
		if img, ok := t[i].Img.(*image); !ok || img == nil || img.d != cb.d {
			cb.fail("Transition: invalid image")
			return
		}
		if t[i].LayoutAfter == driver.LUndefined {
			cb.fail("Transition: cannot transition to LUndefined")
			return
		}
	}
	cb.cmds = append(cb.cmds, command{op: opTransition, trans: append([]driver.Transition(nil), t...)})
}

// End ends command recording.
func (cb *cmdBuffer) End() error {
	cb.d.mu.Lock()
	defer cb.d.mu.Unlock()
	if !cb.rec {
		return errors.New("soft: End: command buffer is not recording")
	}
	if cb.blk != blkNone && cb.err == nil {
		cb.fail("End: unterminated Begin* block")
	}
	cb.rec = false
	if err := cb.err; err != nil {
		cb.state = cbIdle
		cb.cmds = cb.cmds[:0]
		cb.err = nil
		return err
	}
	cb.state = cbEnded
	return nil
}

// Reset discards all recorded commands.
func (cb *cmdBuffer) Reset() error {
	cb.d.mu.Lock()
	defer cb.d.mu.Unlock()
	if cb.state == cbCommitted {
		return errors.New("soft: Reset: command buffer is pending execution")
	}
	cb.state = cbIdle
	cb.rec = false
	cb.blk = blkNone
	cb.pl = nil
	cb.cmds = cb.cmds[:0]
	cb.err = nil
	return nil
}

// Destroy destroys the command buffer.
func (cb *cmdBuffer) Destroy() {
	if cb == nil {
		return
	}
	cb.cmds = nil
}
