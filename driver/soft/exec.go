// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/driver"
)

// execState is the state of command buffer execution.
type execState struct {
	pl   *rtPipeline
	heap *descHeap
	cpy  int
	// Buffers written by acceleration structure builds
	// that were not followed by a barrier yet.
	pending map[*buffer]string
}

// DispatchInfo describes the last executed DispatchRays
// command, as resolved from its shader tables.
type DispatchInfo struct {
	RayGen   string
	Miss     []string
	HitGroup []string
	// Instances in the top-level structures reachable
	// from the ray generation record.
	Instances int
	// Instances whose hit group records do not cover every
	// ray type. Rays of the missing types must not hit them.
	Partial []int
	Width   int
	Height  int
	Depth   int
}

// LastDispatch returns information about the last executed
// DispatchRays command.
func (d *Driver) LastDispatch() DispatchInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// execute executes a batch of command buffers.
func (d *Driver) execute(work []driver.CmdBuffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, x := range work {
		if d.removed != "" {
			return driver.ErrDeviceRemoved
		}
		cb := x.(*cmdBuffer)
		st := execState{pending: make(map[*buffer]string)}
		for j := range cb.cmds {
			if err := d.exec(&cb.cmds[j], &st); err != nil {
				return errors.Wrapf(err, "command buffer %d, command %d", i, j)
			}
		}
	}
	return nil
}

func (d *Driver) exec(c *command, st *execState) error {
	switch c.op {
	case opBeginWork:
		if c.wait {
			clear(st.pending)
		}
	case opSetPipeline:
		if d.plines[c.pl.id] != c.pl {
			return validationf("SetPipeline: pipeline was destroyed")
		}
		st.pl = c.pl
	case opSetDescHeap:
		if c.heap.d == nil || c.cpy >= len(c.heap.cpys) {
			return validationf("SetDescHeap: heap copy %d no longer exists", c.cpy)
		}
		st.heap, st.cpy = c.heap, c.cpy
	case opBuildAS:
		return d.execBuild(&c.build, st)
	case opUAVBarrier:
		for _, b := range c.bufs {
			delete(st.pending, b)
		}
	case opDispatchRays:
		return d.execDispatch(&c.rays, st)
	case opCopyBuffer:
		from, to := c.copy.From.(*buffer), c.copy.To.(*buffer)
		if from.data == nil || to.data == nil {
			return validationf("CopyBuffer: buffer destroyed before execution")
		}
		copy(to.data[c.copy.ToOff:c.copy.ToOff+c.copy.Size], from.data[c.copy.FromOff:c.copy.FromOff+c.copy.Size])
	case opFill:
		b := c.bufs[0]
		if b.data == nil {
			return validationf("Fill: buffer destroyed before execution")
		}
		for i := range b.data[c.off : c.off+c.size] {
			b.data[c.off+int64(i)] = c.value
		}
	case opBarrier:
		for _, b := range c.bar {
			if b.AccessBefore&(driver.AShaderWrite|driver.AAccelWrite|driver.AAnyWrite) != 0 {
				clear(st.pending)
			}
		}
	case opTransition:
		for i := range c.trans {
			t := &c.trans[i]
			img := t.Img.(*image)
			if img.data == nil {
				return validationf("Transition: image destroyed before execution")
			}
			if t.LayoutBefore != driver.LUndefined && t.LayoutBefore != img.layout {
				return validationf("Transition: image is in layout %d, not %d", img.layout, t.LayoutBefore)
			}
			img.layout = t.LayoutAfter
		}
	}
	return nil
}

func (d *Driver) execBuild(b *driver.ASBuild, st *execState) error {
	dst, scratch := b.Dst.(*buffer), b.Scratch.(*buffer)
	if dst.data == nil || scratch.data == nil {
		return validationf("BuildAS: buffer destroyed before execution")
	}
	if what, ok := st.pending[scratch]; ok {
		return validationf("BuildAS: scratch buffer is still in use as %s of a previous build (missing UAV barrier)", what)
	}
	if what, ok := st.pending[dst]; ok {
		return validationf("BuildAS: destination is still in use as %s of a previous build (missing UAV barrier)", what)
	}
	var src *accelStruct
	update := b.Inputs.Flags&driver.BPerformUpdate != 0
	if update {
		sb := b.Src.(*buffer)
		switch {
		case sb.data == nil:
			return validationf("BuildAS: update source destroyed before execution")
		case sb.as == nil || sb.as.typ != b.Inputs.Type:
			return validationf("BuildAS: update source does not hold a structure of the same type")
		case sb.as.flags&driver.BAllowUpdate == 0:
			return validationf("BuildAS: update source was not built with BAllowUpdate")
		}
		if _, ok := st.pending[sb]; ok && sb != dst {
			return validationf("BuildAS: update source is still being built (missing UAV barrier)")
		}
		src = sb.as
	}

	as := &accelStruct{
		typ:   b.Inputs.Type,
		flags: b.Inputs.Flags &^ driver.BPerformUpdate,
	}
	switch b.Inputs.Type {
	case driver.ASBottom:
		as.geoms = len(b.Inputs.Geometry)
		for _, g := range b.Inputs.Geometry {
			vb := g.VertBuf.(*buffer)
			if vb.data == nil {
				return validationf("BuildAS: vertex buffer destroyed before execution")
			}
			for v := 0; v < g.VertCount; v += 3 {
				var tri [9]float32
				for k := range 3 {
					off := g.VertOff + int64(v+k)*g.VertStride
					for c := range 3 {
						tri[k*3+c] = math.Float32frombits(binary.LittleEndian.Uint32(vb.data[off+int64(c)*4:]))
					}
				}
				as.tris = append(as.tris, tri)
			}
		}
		if update && len(as.tris) != len(src.tris) {
			return validationf("BuildAS: update changes the triangle count from %d to %d", len(src.tris), len(as.tris))
		}
	case driver.ASTop:
		ib := b.Inputs.InstBuf.(*buffer)
		if ib.data == nil {
			return validationf("BuildAS: instance buffer destroyed before execution")
		}
		n := b.Inputs.InstCount
		as.insts = make([]driver.ASInstance, n)
		as.blas = make([]*buffer, n)
		for i := range n {
			inst := &as.insts[i]
			inst.Get(ib.data[b.Inputs.InstOff+int64(i)*driver.InstanceSize:])
			obj, off, ok := d.lookup(inst.AS)
			blas, isBuf := obj.(*buffer)
			switch {
			case !ok || !isBuf || off != 0:
				return validationf("BuildAS: instance %d refers to %#x, which is not an acceleration structure", i, inst.AS)
			case blas.as == nil || blas.as.typ != driver.ASBottom:
				return validationf("BuildAS: instance %d refers to a buffer without a bottom-level structure", i)
			}
			if _, ok := st.pending[blas]; ok {
				return validationf("BuildAS: instance %d refers to a bottom-level structure whose build is not complete (missing UAV barrier)", i)
			}
			as.blas[i] = blas
		}
		if update {
			if n != len(src.insts) {
				return validationf("BuildAS: update changes the instance count from %d to %d", len(src.insts), n)
			}
			for i := range n {
				if as.blas[i] != src.blas[i] {
					return validationf("BuildAS: update changes the structure referred by instance %d", i)
				}
			}
		}
	}
	if update {
		as.updates = src.updates + 1
		d.stats.Updates++
	} else {
		d.stats.Builds++
	}
	dst.as = as
	st.pending[dst] = "destination"
	st.pending[scratch] = "scratch"
	return nil
}

// record returns the memory of a shader table record.
func (d *Driver) record(addr driver.Addr, size int64) ([]byte, error) {
	obj, off, ok := d.lookup(addr)
	b, isBuf := obj.(*buffer)
	switch {
	case !ok || !isBuf:
		return nil, validationf("DispatchRays: shader record at %#x is not in a buffer", addr)
	case b.usg&driver.UShaderTable == 0:
		return nil, validationf("DispatchRays: shader record at %#x is in a buffer without UShaderTable usage", addr)
	case off+size > b.Cap():
		return nil, validationf("DispatchRays: shader record at %#x exceeds its buffer", addr)
	}
	return b.data[off : off+size], nil
}

// resolveRecord resolves the identifier of a record and
// checks its local arguments.
// Null identifiers resolve to the empty string.
func (d *Driver) resolveRecord(rec []byte, kind idKind, st *execState, tlas map[*buffer]bool) (string, error) {
	var id shaderID
	copy(id[:], rec)
	if id == (shaderID{}) {
		if kind == idRayGen {
			return "", validationf("DispatchRays: null ray generation record")
		}
		return "", nil
	}
	e, ok := st.pl.byID[id]
	if !ok {
		if _, other := d.plines[id.pipeline()]; other {
			return "", validationf("DispatchRays: identifier belongs to pipeline %d, not the one set (%d)", id.pipeline(), st.pl.id)
		}
		return "", validationf("DispatchRays: unknown shader identifier")
	}
	if e.kind != kind {
		return "", validationf("DispatchRays: %q is a %s identifier in the %s table", e.name, e.kind, kind)
	}
	if e.local == nil {
		return e.name, nil
	}
	idSize := int64(limits.ShaderIDSize)
	if int64(len(rec)) < idSize+e.local.size {
		return "", validationf("DispatchRays: record of %q has %d bytes, %d required for its local arguments", e.name, len(rec), idSize+e.local.size)
	}
	args := rec[idSize:]
	var n int64
	for i, p := range e.local.desc.Params {
		switch p.Type {
		case driver.RPTable:
			n = (n + 7) &^ 7
			h := driver.Addr(binary.LittleEndian.Uint64(args[n:]))
			n += 8
			if err := d.checkTable(e.name, i, h, &p, st, tlas); err != nil {
				return "", err
			}
		case driver.RPConstBuf:
			n = (n + 7) &^ 7
			addr := driver.Addr(binary.LittleEndian.Uint64(args[n:]))
			n += 8
			obj, _, ok := d.lookup(addr)
			b, isBuf := obj.(*buffer)
			switch {
			case !ok || !isBuf:
				return "", validationf("DispatchRays: %q parameter %d: %#x is not a buffer address", e.name, i, addr)
			case b.usg&driver.UShaderConst == 0:
				return "", validationf("DispatchRays: %q parameter %d: buffer lacks UShaderConst usage", e.name, i)
			case addr%16 != 0:
				return "", validationf("DispatchRays: %q parameter %d: address %#x is not aligned to 16 bytes", e.name, i, addr)
			}
		case driver.RPConstants:
			n += 4 * int64(p.Count)
		}
	}
	return e.name, nil
}

// checkTable checks a descriptor table argument.
func (d *Driver) checkTable(name string, param int, h driver.Addr, p *driver.RootParam, st *execState, tlas map[*buffer]bool) error {
	if st.heap == nil {
		return validationf("DispatchRays: %q parameter %d: no descriptor heap set", name, param)
	}
	cpy, first, ok := st.heap.resolve(h)
	if !ok || cpy != st.cpy {
		return validationf("DispatchRays: %q parameter %d: handle %#x is not in the heap copy set", name, param, h)
	}
	for _, r := range p.Ranges {
		for k := range r.Len {
			idx := first + r.Offset + k
			if idx >= st.heap.nslot {
				return validationf("DispatchRays: %q parameter %d: range exceeds the heap", name, param)
			}
			if t := st.heap.typeOf(idx); t != r.Type {
				return validationf("DispatchRays: %q parameter %d: slot %d has type %d, not %d", name, param, idx, t, r.Type)
			}
			s := &st.heap.cpys[cpy][idx]
			switch r.Type {
			case driver.DImage:
				if s.view == nil || s.view.img == nil || s.view.img.data == nil {
					return validationf("DispatchRays: %q parameter %d: slot %d has no image", name, param, idx)
				}
				img := s.view.img
				if img.usg&driver.UShaderWrite == 0 {
					return validationf("DispatchRays: %q parameter %d: image lacks UShaderWrite usage", name, param)
				}
				if img.layout != driver.LShaderStore {
					return validationf("DispatchRays: %q parameter %d: image is in layout %d, not LShaderStore", name, param, img.layout)
				}
			case driver.DAccelStruct:
				b := s.buf
				switch {
				case b == nil || b.data == nil:
					return validationf("DispatchRays: %q parameter %d: slot %d has no acceleration structure", name, param, idx)
				case b.as == nil || b.as.typ != driver.ASTop:
					return validationf("DispatchRays: %q parameter %d: slot %d does not hold a top-level structure", name, param, idx)
				}
				if _, ok := st.pending[b]; ok {
					return validationf("DispatchRays: top-level structure is still being built (missing UAV barrier)")
				}
				tlas[b] = true
			default:
				if s.buf == nil || s.buf.data == nil {
					return validationf("DispatchRays: %q parameter %d: slot %d has no buffer", name, param, idx)
				}
			}
		}
	}
	return nil
}

func (d *Driver) execDispatch(r *driver.DispatchRays, st *execState) error {
	if st.pl == nil {
		return validationf("DispatchRays: no pipeline set")
	}
	tlas := make(map[*buffer]bool)
	info := DispatchInfo{Width: r.Width, Height: r.Height, Depth: r.Depth}

	rec, err := d.record(r.RayGen.Start, r.RayGen.Size)
	if err != nil {
		return err
	}
	if info.RayGen, err = d.resolveRecord(rec, idRayGen, st, tlas); err != nil {
		return err
	}
	for _, x := range [...]struct {
		r     driver.AddrStrideRange
		kind  idKind
		names *[]string
	}{
		{r.Miss, idMiss, &info.Miss},
		{r.HitGroup, idHitGroup, &info.HitGroup},
	} {
		if x.r.Size == 0 {
			continue
		}
		tbl, err := d.record(x.r.Start, x.r.Size)
		if err != nil {
			return err
		}
		for off := int64(0); off < x.r.Size; off += x.r.Stride {
			name, err := d.resolveRecord(tbl[off:off+x.r.Stride], x.kind, st, tlas)
			if err != nil {
				return errors.Wrapf(err, "%s record %d", x.kind, off/x.r.Stride)
			}
			*x.names = append(*x.names, name)
		}
	}
	if len(tlas) == 0 {
		return validationf("DispatchRays: no top-level structure is bound to the ray generation record")
	}
	ix := st.pl.rays
	if ix.mult > 0 && ix.miss >= len(info.Miss) {
		return validationf("DispatchRays: rays use miss index %d, but the table has %d miss records", ix.miss, len(info.Miss))
	}
	for b := range tlas {
		partial, err := checkContributions(b.as, ix, len(info.HitGroup))
		if err != nil {
			return err
		}
		info.Partial = append(info.Partial, partial...)
		info.Instances += len(b.as.insts)
	}
	d.stats.Dispatches++
	d.last = info
	return nil
}

// checkContributions checks that every hit group record
// that rays can index through the instances of as exists.
// Consecutive instances of the same bottom-level structure
// form a group, whose contributions are spaced by the number
// of records of each instance. An instance with fewer records
// than ray types is returned in partial; only its own
// records are checked.
func checkContributions(as *accelStruct, ix rayIndexing, nhit int) (partial []int, err error) {
	mult := max(ix.mult, 1)
	n := len(as.insts)
	for i := range n {
		c := int(as.insts[i].Contribution)
		if c >= nhit {
			return nil, validationf("DispatchRays: instance %d contributes hit group record %d, but the table has %d", i, c, nhit)
		}
		var recs int
		switch {
		case i+1 < n && as.blas[i+1] == as.blas[i]:
			recs = int(as.insts[i+1].Contribution) - c
		case i > 0 && as.blas[i-1] == as.blas[i]:
			recs = c - int(as.insts[i-1].Contribution)
		default:
			recs = nhit - c
			for j := range n {
				if o := int(as.insts[j].Contribution); o > c {
					recs = min(recs, o-c)
				}
			}
		}
		if recs < mult {
			partial = append(partial, i)
			continue
		}
		geoms := 1
		if blas := as.blas[i].as; blas != nil {
			geoms = max(blas.geoms, 1)
		}
		if last := c + ix.contrib + (geoms-1)*mult; last >= nhit {
			return nil, validationf("DispatchRays: instance %d contributes hit group records %d to %d, but the table has %d", i, c, last, nhit)
		}
	}
	return
}
