// Copyright 2023 Gustavo C. Viegas. All rights reserved.

// Package pagemap defines a page-granular address space
// allocator useful for emulating GPU virtual addresses.
package pagemap

import (
	"math/bits"
	"sort"

	"github.com/cockroachdb/errors"
)

// PageSize is the size of a page in bytes.
const PageSize = 1 << 16

// Base is the address of the first page.
// Address zero is never allocated.
const Base uint64 = 1 << 32

// nbit is the number of pages tracked by a single word.
const nbit = 64

// ErrExhausted means that the map cannot grow any further.
var ErrExhausted = errors.New("pagemap: address space exhausted")

// Map is a growable set of pages, each of which may be
// part of an allocation owned by a value of type T.
// The zero value is an empty map ready for use.
type Map[T any] struct {
	s     []uint64
	rem   int
	max   int
	spans []span[T]
}

type span[T any] struct {
	first, n int
	size     int64
	v        T
}

// New creates a map limited to maxPages pages.
// If maxPages is less than 1, the map grows without bound.
func New[T any](maxPages int) *Map[T] { return &Map[T]{max: maxPages} }

// Len returns the number of pages in the map.
func (m *Map[_]) Len() int { return len(m.s) * nbit }

// Rem returns the number of unallocated pages in the map.
func (m *Map[_]) Rem() int { return m.rem }

func (m *Map[_]) grow(nplus int) error {
	if m.max > 0 && m.Len()+nplus*nbit > m.max {
		return ErrExhausted
	}
	m.rem += nplus * nbit
	m.s = append(m.s, make([]uint64, nplus)...)
	return nil
}

func (m *Map[_]) set(index int, on bool) {
	i, b := index/nbit, uint64(1)<<(index&(nbit-1))
	switch {
	case on && m.s[i]&b == 0:
		m.s[i] |= b
		m.rem--
	case !on && m.s[i]&b != 0:
		m.s[i] &^= b
		m.rem++
	}
}

// search locates a contiguous range of n free pages.
func (m *Map[_]) search(n int) (index int, ok bool) {
	if m.rem < n {
		return
	}
	var cnt int
	for i, x := range m.s {
		if x == ^uint64(0) {
			cnt = 0
			continue
		}
		if x == 0 {
			if cnt == 0 {
				index = i * nbit
			}
			cnt += nbit
			if cnt >= n {
				return index, true
			}
			continue
		}
		for b := range nbit {
			if x&(1<<b) != 0 {
				cnt = 0
				continue
			}
			if cnt == 0 {
				index = i*nbit + b
			}
			if cnt++; cnt >= n {
				return index, true
			}
		}
	}
	return
}

// Alloc allocates enough pages to hold size bytes and
// associates them with v.
// It returns the address of the first byte.
func (m *Map[T]) Alloc(size int64, v T) (addr uint64, err error) {
	if size < 1 {
		size = 1
	}
	n := int((size + PageSize - 1) / PageSize)
	index, ok := m.search(n)
	if !ok {
		// Grow enough to fit n pages after any trailing
		// free run.
		trail := 0
		if len(m.s) > 0 {
			trail = bits.LeadingZeros64(m.s[len(m.s)-1])
		}
		need := (n - trail + nbit - 1) / nbit
		if err = m.grow(max(need, 1)); err != nil {
			return
		}
		if index, ok = m.search(n); !ok {
			return 0, ErrExhausted
		}
	}
	for i := index; i < index+n; i++ {
		m.set(i, true)
	}
	sp := span[T]{first: index, n: n, size: size, v: v}
	i := sort.Search(len(m.spans), func(i int) bool { return m.spans[i].first >= index })
	m.spans = append(m.spans, span[T]{})
	copy(m.spans[i+1:], m.spans[i:])
	m.spans[i] = sp
	return Base + uint64(index)*PageSize, nil
}

// find returns the index of the span containing addr.
func (m *Map[_]) find(addr uint64) (int, bool) {
	if addr < Base {
		return 0, false
	}
	page := int((addr - Base) / PageSize)
	i := sort.Search(len(m.spans), func(i int) bool { return m.spans[i].first+m.spans[i].n > page })
	if i == len(m.spans) || m.spans[i].first > page {
		return 0, false
	}
	return i, true
}

// Free releases the allocation that starts at addr.
// It returns false if addr is not the start of an
// allocation.
func (m *Map[_]) Free(addr uint64) bool {
	i, ok := m.find(addr)
	if !ok || Base+uint64(m.spans[i].first)*PageSize != addr {
		return false
	}
	sp := m.spans[i]
	for j := sp.first; j < sp.first+sp.n; j++ {
		m.set(j, false)
	}
	m.spans = append(m.spans[:i], m.spans[i+1:]...)
	return true
}

// Lookup returns the value that owns addr, along with the
// offset of addr from the start of the allocation.
// Addresses past the requested size of the allocation
// (but within its last page) are not considered owned.
func (m *Map[T]) Lookup(addr uint64) (v T, off int64, ok bool) {
	i, ok := m.find(addr)
	if !ok {
		return
	}
	sp := &m.spans[i]
	off = int64(addr - (Base + uint64(sp.first)*PageSize))
	if off >= sp.size {
		return v, 0, false
	}
	return sp.v, off, true
}

// Count returns the number of live allocations.
func (m *Map[_]) Count() int { return len(m.spans) }
