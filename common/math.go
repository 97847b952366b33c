package common

import (
	"github.com/go-gl/mathgl/mgl32"
)

// RowMajor3x4 packs the upper three rows of a column-major 4x4 affine transform into the
// 12-float row-major layout expected by acceleration structure instance records.
// The bottom row of m is assumed to be (0, 0, 0, 1) and is discarded.
//
// Parameters:
//   - m: the column-major transform
//
// Returns:
//   - [12]float32: rows 0..2 of m, each as 4 consecutive floats
func RowMajor3x4(m mgl32.Mat4) [12]float32 {
	var out [12]float32
	t := m.Transpose()
	copy(out[:], t[:12])
	return out
}

// Mat4FromRowMajor3x4 expands a 12-float row-major affine transform back into a column-major
// 4x4 matrix with a (0, 0, 0, 1) bottom row.
//
// Parameters:
//   - rows: the packed transform produced by RowMajor3x4
//
// Returns:
//   - mgl32.Mat4: the column-major transform
func Mat4FromRowMajor3x4(rows [12]float32) mgl32.Mat4 {
	return mgl32.Mat4FromRows(
		mgl32.Vec4{rows[0], rows[1], rows[2], rows[3]},
		mgl32.Vec4{rows[4], rows[5], rows[6], rows[7]},
		mgl32.Vec4{rows[8], rows[9], rows[10], rows[11]},
		mgl32.Vec4{0, 0, 0, 1},
	)
}

// InverseTranspose returns the transpose of the inverse of m, used to transform normals.
// A singular matrix yields the zero matrix, matching mgl32.Mat4.Inv.
//
// Parameters:
//   - m: the transform to invert
//
// Returns:
//   - mgl32.Mat4: (m^-1)^T
func InverseTranspose(m mgl32.Mat4) mgl32.Mat4 {
	return m.Inv().Transpose()
}

// TransformPoint applies the affine transform m to point p.
func TransformPoint(m mgl32.Mat4, p mgl32.Vec3) mgl32.Vec3 {
	return m.Mul4x1(p.Vec4(1)).Vec3()
}
