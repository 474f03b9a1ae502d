// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package linear

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestV3(t *testing.T) {
	v := V3{1, 2, 4}
	w := V3{0, -1, 2}

	var u V3
	u.Scale(-1, &v)
	assert.Equal(t, V3{-1, -2, -4}, u, "Scale")
	assert.Equal(t, float32(6), v.Dot(&w), "Dot")
	assert.InDelta(t, math.Sqrt(21), v.Len(), 1e-6, "Len")

	x := V3{0, 0, -2}
	y := V3{0, 4, 0}
	x.Norm(&x)
	y.Norm(&y)
	assert.Equal(t, V3{0, 0, -1}, x, "Norm aliased")
	assert.Equal(t, V3{0, 1, 0}, y, "Norm aliased")
	u.Norm(&V3{3, 0, 4})
	assert.InDeltaSlice(t, []float32{0.6, 0, 0.8}, u[:], 1e-6, "Norm")
}

func TestM4(t *testing.T) {
	var s, tr, m M4
	s.Scale(2, 3, 4)
	assert.Equal(t, M4{{2}, {1: 3}, {2: 4}, {3: 1}}, s, "Scale")
	tr.Translate(-1, -2, -3)
	assert.Equal(t, M4{{1}, {1: 1}, {2: 1}, {-1, -2, -3, 1}}, tr, "Translate")

	m.Mul(&tr, &s)
	assert.Equal(t, M4{{2}, {1: 3}, {2: 4}, {-1, -2, -3, 1}}, m, "T*S")
	m.Mul(&s, &tr)
	assert.Equal(t, M4{{2}, {1: 3}, {2: 4}, {-2, -6, -12, 1}}, m, "S*T")
	// Aliasing.
	m = tr
	m.Mul(&m, &s)
	assert.Equal(t, M4{{2}, {1: 3}, {2: 4}, {-1, -2, -3, 1}}, m, "T*S aliased")
}

func TestRotate(t *testing.T) {
	var q Q
	q.Rotate(0, &V3{1})
	assert.Equal(t, Q{R: 1}, q, "identity")

	// Half-angle encoding.
	q.Rotate(math.Pi, &V3{0, 1, 0})
	assert.InDelta(t, 1, q.V[1], 1e-6)
	assert.InDelta(t, 0, q.R, 1e-6)

	var r M4
	q.Rotate(math.Pi/2, &V3{0, 0, 1})
	r.RotateQ(&q)
	// x maps to y, y maps to -x.
	assert.InDeltaSlice(t, []float32{0, 1, 0, 0}, r[0][:], 1e-6)
	assert.InDeltaSlice(t, []float32{-1, 0, 0, 0}, r[1][:], 1e-6)
	assert.Equal(t, V4{0, 0, 0, 1}, r[3])
}

func TestA34(t *testing.T) {
	var a A34
	var m, s M4
	m.Translate(7, 8, 9)
	a.FromM4(&m)
	assert.Equal(t, A34{1, 0, 0, 7, 0, 1, 0, 8, 0, 0, 1, 9}, a, "row-major layout")

	s.Scale(2, 3, 4)
	m.Mul(&m, &s)
	a.FromM4(&m)
	assert.Equal(t, A34{2, 0, 0, 7, 0, 3, 0, 8, 0, 0, 4, 9}, a)
}
