// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package accel

import (
	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/driver"
	"github.com/gviegas/raytrace/linear"
)

// Placement describes how the instances of a Group are
// laid out in the scene.
// Instance i is rotated about Axis by angle·i radians
// (when Spin is set), then translated by Offset·i along
// the X axis, then scaled by Scale.
// A zero Axis means the Y axis.
type Placement struct {
	Offset float32
	Scale  linear.V3
	Spin   bool
	Axis   linear.V3
}

// Transform computes the transform of instance i of a
// group placed by p, for the given animation angle.
// It is S · T(p.Offset·i, 0, 0) · R(angle·i).
func Transform(p *Placement, i int, angle float32) linear.A34 {
	var s, m linear.M4
	s.Scale(p.Scale[0], p.Scale[1], p.Scale[2])
	m.Translate(p.Offset*float32(i), 0, 0)
	if p.Spin {
		axis := p.Axis
		if axis == (linear.V3{}) {
			axis = linear.V3{0, 1, 0}
		} else {
			axis.Norm(&axis)
		}
		var q linear.Q
		var r linear.M4
		q.Rotate(angle*float32(i), &axis)
		r.RotateQ(&q)
		m.Mul(&m, &r)
	}
	m.Mul(&s, &m)
	var a linear.A34
	a.FromM4(&m)
	return a
}

// Group is a number of instances of the same
// bottom-level structure.
// HitRecords is the number of hit group records that each
// instance uses in the shader table (one per ray type).
type Group struct {
	Bottom     *Bottom
	Count      int
	HitRecords int
	Placement  Placement
}

// Contributions returns, for each group, the hit group
// contribution of its first instance.
// The contribution of instance i of group g is
// Contributions(groups)[g] + i·groups[g].HitRecords, and
// the last element is the total number of hit records.
func Contributions(groups []Group) []uint32 {
	base := make([]uint32, len(groups)+1)
	for i, g := range groups {
		base[i+1] = base[i] + uint32(g.Count*g.HitRecords)
	}
	return base
}

// Table is a host-visible buffer of instance records.
// It holds one region of records per frame in flight, so
// a region can be rewritten while the GPU reads another.
type Table struct {
	buf     driver.Buffer
	groups  []Group
	base    []uint32
	n       int
	regions int
}

// NewTable creates a Table for the given groups, with
// the given number of regions.
// Records are ordered by group, then by instance.
func NewTable(gpu driver.GPU, groups []Group, regions int) (*Table, error) {
	if regions < 1 {
		return nil, errors.Newf(prefix+"NewTable: invalid region count %d", regions)
	}
	var n int
	for i, g := range groups {
		switch {
		case g.Bottom == nil || g.Bottom.Result == nil:
			return nil, errors.Newf(prefix+"NewTable: group %d has no bottom-level structure", i)
		case g.Count < 1 || g.HitRecords < 1:
			return nil, errors.Newf(prefix+"NewTable: group %d has %d instances and %d hit records", i, g.Count, g.HitRecords)
		}
		n += g.Count
	}
	if n == 0 {
		return nil, errors.New(prefix + "NewTable: no instances")
	}
	if lim := gpu.Limits().MaxInstances; n > lim {
		return nil, errors.Newf(prefix+"NewTable: %d instances exceed the limit of %d", n, lim)
	}
	base := Contributions(groups)
	if base[len(groups)] > driver.InstanceContribMask {
		return nil, errors.Newf(prefix+"NewTable: %d hit records cannot be addressed", base[len(groups)])
	}
	buf, err := gpu.NewBuffer(int64(n*regions)*driver.InstanceSize, true, driver.UAccelInput)
	if err != nil {
		return nil, errors.Wrap(err, prefix+"NewTable")
	}
	t := &Table{
		buf:     buf,
		groups:  append([]Group(nil), groups...),
		base:    base,
		n:       n,
		regions: regions,
	}
	for i := range regions {
		t.Update(i, 0)
	}
	return t, nil
}

// Len returns the number of instances in a region.
func (t *Table) Len() int { return t.n }

// Regions returns the number of regions.
func (t *Table) Regions() int { return t.regions }

// HitRecords returns the number of hit group records
// that the instances refer to.
func (t *Table) HitRecords() int { return int(t.base[len(t.groups)]) }

// Buffer returns the instance buffer.
func (t *Table) Buffer() driver.Buffer { return t.buf }

// Offset returns the byte offset of the given region in
// the instance buffer.
func (t *Table) Offset(region int) int64 {
	if region < 0 || region >= t.regions {
		panic("accel.Table.Offset: region out of bounds")
	}
	return int64(region*t.n) * driver.InstanceSize
}

// Refs returns the addresses of the bottom-level
// structures referred by each instance, in record order.
func (t *Table) Refs() []driver.Addr {
	refs := make([]driver.Addr, 0, t.n)
	for _, g := range t.groups {
		for range g.Count {
			refs = append(refs, g.Bottom.Addr())
		}
	}
	return refs
}

// Update rewrites the records of the given region using
// angle as the animation angle.
// The region must not be in use by pending GPU work.
func (t *Table) Update(region int, angle float32) {
	b := t.buf.Bytes()[t.Offset(region):]
	var k int
	for gi := range t.groups {
		g := &t.groups[gi]
		for i := range g.Count {
			inst := driver.ASInstance{
				Transform:    Transform(&g.Placement, i, angle),
				ID:           uint32(i),
				Mask:         driver.InstanceMaskAll,
				Contribution: t.base[gi] + uint32(i*g.HitRecords),
				AS:           g.Bottom.Addr(),
			}
			inst.Put(b[k*driver.InstanceSize:])
			k++
		}
	}
}

// Instance decodes record i of the given region.
func (t *Table) Instance(region, i int) driver.ASInstance {
	if i < 0 || i >= t.n {
		panic("accel.Table.Instance: index out of bounds")
	}
	var inst driver.ASInstance
	inst.Get(t.buf.Bytes()[t.Offset(region)+int64(i)*driver.InstanceSize:])
	return inst
}

// Destroy destroys the instance buffer.
func (t *Table) Destroy() {
	if t.buf != nil {
		t.buf.Destroy()
	}
	*t = Table{}
}
