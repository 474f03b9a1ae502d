// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package linear

// A34 is a row-major 3x4 affine matrix of float32.
// It holds the first three rows of a 4x4 matrix whose last
// row is [0 0 0 1], which is how instance transforms are
// laid out in acceleration structure inputs.
type A34 [12]float32

// FromM4 sets a to contain the first three rows of m.
func (a *A34) FromM4(m *M4) {
	for r := range 3 {
		for c := range 4 {
			a[r*4+c] = m[c][r]
		}
	}
}
