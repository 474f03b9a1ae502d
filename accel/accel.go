// Copyright 2024 Gustavo C. Viegas. All rights reserved.

// Package accel builds the acceleration structures of a
// ray traced scene: one bottom-level structure per mesh,
// a table of instances referring to them and a top-level
// structure that is refit every frame.
package accel

import (
	"github.com/cockroachdb/errors"

	"github.com/gviegas/raytrace/log"
)

var logger = log.New("accel")

// ErrTopologyChanged means that a top-level structure
// cannot be updated in place because the number of
// instances or the structures they refer to differ from
// those of the last full build.
var ErrTopologyChanged = errors.New("accel: instance topology changed")

const prefix = "accel: "

func alignUp(n, a int64) int64 {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}
