// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package soft

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/driver"
)

// descHeap implements driver.DescHeap.
type descHeap struct {
	d     *Driver
	ds    []driver.Descriptor
	start []int // first slot of each descriptor
	nslot int   // slots per copy
	addr  driver.Addr
	cpys  [][]slot
}

// slot is the content of a descriptor heap slot.
type slot struct {
	buf  *buffer
	off  int64
	size int64
	view *imageView
}

// NewDescHeap creates a new descriptor heap.
func (d *Driver) NewDescHeap(ds []driver.Descriptor) (driver.DescHeap, error) {
	h := &descHeap{
		d:     d,
		ds:    append([]driver.Descriptor(nil), ds...),
		start: make([]int, len(ds)),
	}
	for i, x := range ds {
		if x.Len < 1 {
			return nil, errors.Newf("soft: NewDescHeap: descriptor %d has invalid length %d", x.Nr, x.Len)
		}
		for j := range i {
			if ds[j].Nr == x.Nr {
				return nil, errors.Newf("soft: NewDescHeap: duplicate descriptor number %d", x.Nr)
			}
		}
		h.start[i] = h.nslot
		h.nslot += x.Len
	}
	if h.nslot > limits.MaxDescriptors {
		return nil, errors.Newf("soft: NewDescHeap: too many descriptors (%d)", h.nslot)
	}
	return h, nil
}

// New creates enough storage for n copies of each
// descriptor.
func (h *descHeap) New(n int) error {
	if n == len(h.cpys) {
		return nil
	}
	h.d.mu.Lock()
	defer h.d.mu.Unlock()
	if h.addr != 0 {
		h.d.free(h.addr, h.size(len(h.cpys)))
		h.addr = 0
	}
	h.cpys = nil
	if n <= 0 {
		return nil
	}
	addr, err := h.d.alloc(h.size(n), h)
	if err != nil {
		return err
	}
	h.addr = addr
	h.cpys = make([][]slot, n)
	for i := range h.cpys {
		h.cpys[i] = make([]slot, h.nslot)
	}
	return nil
}

func (h *descHeap) size(n int) int64 { return int64(max(n*h.nslot, 1)) * int64(limits.DescSize) }

// descriptor returns the index of the descriptor numbered nr.
// It panics if nr is not in the heap or has the wrong type.
func (h *descHeap) descriptor(nr int, typ ...driver.DescType) int {
	for i, x := range h.ds {
		if x.Nr != nr {
			continue
		}
		for _, t := range typ {
			if x.Type == t {
				return i
			}
		}
		panic(fmt.Sprintf("soft: descriptor %d has type %d", nr, x.Type))
	}
	panic(fmt.Sprintf("soft: no descriptor numbered %d", nr))
}

// SetBuffer updates buffer ranges of a DBuffer or DConstant
// descriptor.
func (h *descHeap) SetBuffer(cpy, nr, start int, buf []driver.Buffer, off, size []int64) {
	i := h.descriptor(nr, driver.DBuffer, driver.DConstant)
	if start+len(buf) > h.ds[i].Len {
		panic("soft: SetBuffer: range out of bounds")
	}
	for j := range buf {
		b := buf[j].(*buffer)
		if off[j]%256 != 0 {
			panic("soft: SetBuffer: misaligned buffer range")
		}
		h.cpys[cpy][h.start[i]+start+j] = slot{buf: b, off: off[j], size: size[j]}
	}
}

// SetImage updates image views of a DImage descriptor.
func (h *descHeap) SetImage(cpy, nr, start int, iv []driver.ImageView) {
	i := h.descriptor(nr, driver.DImage)
	if start+len(iv) > h.ds[i].Len {
		panic("soft: SetImage: range out of bounds")
	}
	for j := range iv {
		h.cpys[cpy][h.start[i]+start+j] = slot{view: iv[j].(*imageView)}
	}
}

// SetAS updates acceleration structures of a DAccelStruct
// descriptor.
func (h *descHeap) SetAS(cpy, nr, start int, as []driver.Buffer) {
	i := h.descriptor(nr, driver.DAccelStruct)
	if start+len(as) > h.ds[i].Len {
		panic("soft: SetAS: range out of bounds")
	}
	for j := range as {
		b := as[j].(*buffer)
		if b.usg&driver.UAccelStruct == 0 {
			panic("soft: SetAS: buffer lacks UAccelStruct usage")
		}
		h.cpys[cpy][h.start[i]+start+j] = slot{buf: b, size: b.Cap()}
	}
}

// Count returns the number of heap copies.
func (h *descHeap) Count() int { return len(h.cpys) }

// Handle returns the handle of the first slot of a heap
// copy.
func (h *descHeap) Handle(cpy int) driver.Addr {
	if cpy < 0 || cpy >= len(h.cpys) {
		panic("soft: Handle: heap copy out of bounds")
	}
	return h.addr + driver.Addr(cpy*h.nslot*limits.DescSize)
}

// typeOf returns the descriptor type of a slot index.
func (h *descHeap) typeOf(slot int) driver.DescType {
	for i := len(h.start) - 1; i >= 0; i-- {
		if slot >= h.start[i] {
			return h.ds[i].Type
		}
	}
	return -1
}

// resolve converts a handle into a heap copy and slot.
func (h *descHeap) resolve(handle driver.Addr) (cpy, slot int, ok bool) {
	if handle < h.addr || len(h.cpys) == 0 {
		return
	}
	off := int(handle - h.addr)
	if off%limits.DescSize != 0 {
		return
	}
	idx := off / limits.DescSize
	if idx >= len(h.cpys)*h.nslot {
		return
	}
	return idx / h.nslot, idx % h.nslot, true
}

// Destroy destroys the descriptor heap.
func (h *descHeap) Destroy() {
	if h == nil || h.d == nil {
		return
	}
	h.New(0)
	*h = descHeap{}
}
