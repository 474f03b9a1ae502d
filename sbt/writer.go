// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package sbt

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/driver"
)

// Source provides shader identifiers and the local
// argument sizes declared for them.
// *pipeline.Pipeline implements this interface.
type Source interface {
	ShaderID(name string) ([]byte, bool)
	ArgSize(name string) (int64, bool)
}

type argKind int

const (
	argTable argKind = iota
	argConstBuf
	argConstants
)

// Arg is a local root argument stored in a record.
type Arg struct {
	kind   argKind
	addr   driver.Addr
	consts []uint32
}

// DescTable returns a descriptor table argument referring to
// the given heap handle.
func DescTable(handle driver.Addr) Arg { return Arg{kind: argTable, addr: handle} }

// ConstBuf returns a constant buffer argument referring
// to the given address.
func ConstBuf(addr driver.Addr) Arg { return Arg{kind: argConstBuf, addr: addr} }

// Constants returns an inline constants argument.
func Constants(v ...uint32) Arg { return Arg{kind: argConstants, consts: v} }

// put encodes args into b, which must be large enough.
// It returns the number of bytes written.
// Handles and addresses are 8-byte aligned.
func put(b []byte, args []Arg) int64 {
	var n int64
	for _, a := range args {
		switch a.kind {
		case argTable, argConstBuf:
			n = (n + 7) &^ 7
			if b != nil {
				binary.LittleEndian.PutUint64(b[n:], uint64(a.addr))
			}
			n += 8
		case argConstants:
			for _, x := range a.consts {
				if b != nil {
					binary.LittleEndian.PutUint32(b[n:], x)
				}
				n += 4
			}
		}
	}
	return n
}

// argSize returns the size of args as laid out in a
// record.
func argSize(args []Arg) int64 { return put(nil, args) }

// Writer writes records into a table's memory.
type Writer struct {
	src Source
	lay Layout
	buf []byte
}

// NewWriter creates a Writer that writes records laid out
// by lay into buf, taking identifiers from src.
func NewWriter(src Source, lay Layout, buf []byte) (*Writer, error) {
	if int64(len(buf)) < lay.Size() {
		return nil, errors.AssertionFailedf(prefix+"buffer has %d bytes, %d required", len(buf), lay.Size())
	}
	return &Writer{src, lay, buf}, nil
}

// Write writes record i of partition p: the identifier of
// the named export followed by args.
// Unknown names and arguments that exceed what the
// export's local root signature declares are assertion
// failures.
func (w *Writer) Write(p Partition, i int, name string, args ...Arg) error {
	if p < 0 || p >= numPartition || i < 0 || i >= w.lay.Count[p] {
		return errors.AssertionFailedf(prefix+"record %d of the %s partition is out of bounds", i, p)
	}
	id, ok := w.src.ShaderID(name)
	if !ok {
		return errors.AssertionFailedf(prefix+"unknown export %q", name)
	}
	if int64(len(id)) != w.lay.IDSize {
		return errors.AssertionFailedf(prefix+"identifier of %q has %d bytes, layout expects %d", name, len(id), w.lay.IDSize)
	}
	declared, ok := w.src.ArgSize(name)
	if !ok {
		return errors.AssertionFailedf(prefix+"no local arguments declared for %q", name)
	}
	n := argSize(args)
	switch {
	case n > declared:
		return errors.AssertionFailedf(prefix+"arguments of %q take %d bytes, but its local root signature declares %d", name, n, declared)
	case n > w.lay.MaxArgs():
		return errors.AssertionFailedf(prefix+"arguments of %q take %d bytes, but records only have room for %d", name, n, w.lay.MaxArgs())
	}
	rec := w.buf[w.lay.Offset(p, i):][:w.lay.Stride]
	clear(rec)
	copy(rec, id)
	put(rec[w.lay.IDSize:], args)
	return nil
}
