// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package sbt lays out and writes shader binding tables.
// A table is a sequence of fixed-stride records split into
// ray generation, miss and hit group partitions, in this
// order. The same Layout that places the records is used
// to compute the ranges of a dispatch, so they cannot
// disagree.
package sbt

import (
	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/driver"
	"github.com/gviegas/raytrace/log"
)

var logger = log.New("sbt")

const prefix = "sbt: "

// Partition identifies a range of records.
type Partition int

// Partitions.
const (
	RayGen Partition = iota
	Miss
	HitGroup
	numPartition
)

func (p Partition) String() string {
	switch p {
	case RayGen:
		return "ray generation"
	case Miss:
		return "miss"
	case HitGroup:
		return "hit group"
	}
	return "invalid"
}

// Layout describes the placement of records in a table.
type Layout struct {
	// Size of shader identifiers.
	IDSize int64
	// Size of every record. It is a multiple of both
	// the record alignment and the table alignment.
	Stride int64
	// Number of records in each partition.
	Count [numPartition]int
}

func alignUp(n, a int64) int64 { return (n + a - 1) / a * a }

// NewLayout computes the layout of a table whose records
// have at most maxArgs bytes of local arguments.
// count gives the number of records in each partition;
// there must be exactly one ray generation record.
func NewLayout(lim *driver.Limits, maxArgs int64, count [numPartition]int) (Layout, error) {
	switch {
	case maxArgs < 0:
		return Layout{}, errors.AssertionFailedf(prefix+"negative argument size %d", maxArgs)
	case count[RayGen] != 1:
		return Layout{}, errors.AssertionFailedf(prefix+"%d ray generation records", count[RayGen])
	case count[Miss] < 0 || count[HitGroup] < 0:
		return Layout{}, errors.AssertionFailedf(prefix+"invalid record counts %v", count)
	case lim.ShaderIDSize < 1 || lim.ShaderRecordAlign < 1 || lim.ShaderTableAlign < 1:
		return Layout{}, errors.AssertionFailedf(prefix + "invalid limits")
	}
	id := int64(lim.ShaderIDSize)
	stride := alignUp(id+maxArgs, int64(lim.ShaderRecordAlign))
	stride = alignUp(stride, int64(lim.ShaderTableAlign))
	if lim.MaxRecordStride > 0 && stride > int64(lim.MaxRecordStride) {
		return Layout{}, errors.AssertionFailedf(prefix+"stride %d exceeds the limit of %d", stride, lim.MaxRecordStride)
	}
	return Layout{IDSize: id, Stride: stride, Count: count}, nil
}

// Records returns the total number of records.
func (l Layout) Records() int {
	var n int
	for _, c := range l.Count {
		n += c
	}
	return n
}

// Size returns the size of the table in bytes.
func (l Layout) Size() int64 { return l.Stride * int64(l.Records()) }

// MaxArgs returns the number of bytes available for local
// arguments in each record.
func (l Layout) MaxArgs() int64 { return l.Stride - l.IDSize }

// Range returns the byte offset and size of a partition.
func (l Layout) Range(p Partition) (off, size int64) {
	for i := range p {
		off += int64(l.Count[i])
	}
	return off * l.Stride, int64(l.Count[p]) * l.Stride
}

// Offset returns the byte offset of record i of a
// partition.
func (l Layout) Offset(p Partition, i int) int64 {
	off, _ := l.Range(p)
	return off + int64(i)*l.Stride
}
