// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package sbt

import (
	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/driver"
)

// Record is the content of a record: the export whose
// identifier it holds and its local arguments.
type Record struct {
	Name string
	Args []Arg
}

// Builder accumulates records by partition.
// The zero value is ready for use.
type Builder struct {
	recs [numPartition][]Record
}

// Add appends a record to the given partition.
func (b *Builder) Add(p Partition, name string, args ...Arg) {
	b.recs[p] = append(b.recs[p], Record{name, args})
}

// RayGen is b.Add(RayGen, name, args...).
func (b *Builder) RayGen(name string, args ...Arg) { b.Add(RayGen, name, args...) }

// Miss is b.Add(Miss, name, args...).
func (b *Builder) Miss(name string, args ...Arg) { b.Add(Miss, name, args...) }

// HitGroup is b.Add(HitGroup, name, args...).
func (b *Builder) HitGroup(name string, args ...Arg) { b.Add(HitGroup, name, args...) }

// Layout computes the layout of the records added so far.
// The stride accommodates the largest local argument
// size that src declares for the records' exports.
func (b *Builder) Layout(lim *driver.Limits, src Source) (Layout, error) {
	var maxArgs int64
	var count [numPartition]int
	for p := range b.recs {
		for _, r := range b.recs[p] {
			n, ok := src.ArgSize(r.Name)
			if !ok {
				return Layout{}, errors.AssertionFailedf(prefix+"unknown export %q", r.Name)
			}
			maxArgs = max(maxArgs, n)
		}
		count[p] = len(b.recs[p])
	}
	return NewLayout(lim, maxArgs, count)
}

// Build creates a Table containing the records added
// so far.
func (b *Builder) Build(gpu driver.GPU, src Source) (*Table, error) {
	lim := gpu.Limits()
	lay, err := b.Layout(&lim, src)
	if err != nil {
		return nil, err
	}
	t, err := New(gpu, lay)
	if err != nil {
		return nil, err
	}
	w, err := t.Writer(src)
	if err == nil {
	loop:
		for p := range b.recs {
			for i, r := range b.recs[p] {
				if err = w.Write(Partition(p), i, r.Name, r.Args...); err != nil {
					break loop
				}
			}
		}
	}
	if err != nil {
		t.Destroy()
		return nil, err
	}
	logger.Debugf("shader table: %d records of %d bytes", lay.Records(), lay.Stride)
	return t, nil
}

// Table is a shader table stored in a host-visible
// buffer.
type Table struct {
	buf driver.Buffer
	lay Layout
}

// New creates a zeroed Table for the given layout.
func New(gpu driver.GPU, lay Layout) (*Table, error) {
	if lay.Size() == 0 {
		return nil, errors.AssertionFailedf(prefix + "empty layout")
	}
	buf, err := gpu.NewBuffer(lay.Size(), true, driver.UShaderTable)
	if err != nil {
		return nil, errors.Wrap(err, prefix+"table buffer")
	}
	if a := driver.Addr(gpu.Limits().ShaderTableAlign); a > 0 && buf.Addr()%a != 0 {
		buf.Destroy()
		return nil, errors.AssertionFailedf(prefix+"table address %#x is not aligned to %d bytes", buf.Addr(), a)
	}
	clear(buf.Bytes())
	return &Table{buf, lay}, nil
}

// Writer returns a Writer for the table's memory.
func (t *Table) Writer(src Source) (*Writer, error) {
	return NewWriter(src, t.lay, t.buf.Bytes())
}

// Layout returns the table layout.
func (t *Table) Layout() Layout { return t.lay }

// Buffer returns the table buffer.
func (t *Table) Buffer() driver.Buffer { return t.buf }

// Destroy destroys the table buffer.
func (t *Table) Destroy() {
	if t.buf != nil {
		t.buf.Destroy()
	}
	*t = Table{}
}
