// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package sbt

import (
	"github.com/gviegas/raytrace/driver"
)

// Dispatch returns the parameters of a dispatch of
// width × height × 1 rays using a table laid out by l
// starting at base.
func (l Layout) Dispatch(base driver.Addr, width, height int) driver.DispatchRays {
	rg, _ := l.Range(RayGen)
	ms, msz := l.Range(Miss)
	hg, hsz := l.Range(HitGroup)
	return driver.DispatchRays{
		RayGen: driver.AddrRange{
			Start: base + driver.Addr(rg),
			Size:  l.Stride,
		},
		Miss: driver.AddrStrideRange{
			Start:  base + driver.Addr(ms),
			Size:   msz,
			Stride: l.Stride,
		},
		HitGroup: driver.AddrStrideRange{
			Start:  base + driver.Addr(hg),
			Size:   hsz,
			Stride: l.Stride,
		},
		Width:  width,
		Height: height,
		Depth:  1,
	}
}

// Dispatch returns the parameters of a dispatch of
// width × height × 1 rays using t.
func (t *Table) Dispatch(width, height int) driver.DispatchRays {
	return t.lay.Dispatch(t.buf.Addr(), width, height)
}
