// Package linalg is the dense tensor substrate of the model.
//
// Every tensor is a gonum *mat.Dense. gonum panics on incompatible shapes;
// the helpers here validate first and return an error wrapping
// ErrShapeMismatch so callers can propagate it.
package linalg

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrShapeMismatch is returned when a tensor's dimensions violate an
// operation's contract.
var ErrShapeMismatch = errors.New("shape mismatch")

// ShapeErrorf builds an error wrapping ErrShapeMismatch.
func ShapeErrorf(op, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", op, ErrShapeMismatch, fmt.Sprintf(format, args...))
}

// CheckCols verifies that m has exactly want columns.
func CheckCols(op string, m mat.Matrix, want int) error {
	if m == nil {
		return ShapeErrorf(op, "nil tensor")
	}
	if _, c := m.Dims(); c != want {
		return ShapeErrorf(op, "expected %d columns, got %d", want, c)
	}
	return nil
}

// CheckDims verifies that m is exactly r x c.
func CheckDims(op string, m mat.Matrix, r, c int) error {
	if m == nil {
		return ShapeErrorf(op, "nil tensor")
	}
	if mr, mc := m.Dims(); mr != r || mc != c {
		return ShapeErrorf(op, "expected %dx%d, got %dx%d", r, c, mr, mc)
	}
	return nil
}

// Zeros returns an r x c tensor of zeros.
func Zeros(r, c int) *mat.Dense {
	return mat.NewDense(r, c, nil)
}

// MatMul returns a * b.
func MatMul(a, b mat.Matrix) (*mat.Dense, error) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ac != br {
		return nil, ShapeErrorf("matmul", "a is %dx%d, b is %dx%d", ar, ac, br, bc)
	}
	out := mat.NewDense(ar, bc, nil)
	out.Mul(a, b)
	return out, nil
}

// Add returns a + b.
func Add(a, b mat.Matrix) (*mat.Dense, error) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return nil, ShapeErrorf("add", "a is %dx%d, b is %dx%d", ar, ac, br, bc)
	}
	out := mat.NewDense(ar, ac, nil)
	out.Add(a, b)
	return out, nil
}

// AddInPlace performs dst += src.
func AddInPlace(dst *mat.Dense, src mat.Matrix) error {
	dr, dc := dst.Dims()
	if err := CheckDims("add", src, dr, dc); err != nil {
		return err
	}
	dst.Add(dst, src)
	return nil
}

// AddRowVector adds v to every row of m in-place (bias broadcast).
func AddRowVector(m *mat.Dense, v []float64) error {
	r, c := m.Dims()
	if len(v) != c {
		return ShapeErrorf("add bias", "bias length %d, tensor has %d columns", len(v), c)
	}
	for i := 0; i < r; i++ {
		floats.Add(m.RawRowView(i), v)
	}
	return nil
}

// Linear returns x * w + b. A nil bias is skipped.
func Linear(x, w mat.Matrix, b []float64) (*mat.Dense, error) {
	out, err := MatMul(x, w)
	if err != nil {
		return nil, err
	}
	if b != nil {
		if err := AddRowVector(out, b); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Scale returns f * m.
func Scale(f float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	out.Scale(f, m)
	return out
}

// Apply returns fn applied elementwise to m.
func Apply(fn func(float64) float64, m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 { return fn(v) }, m)
	return out
}

// Row returns a copy of row i as a 1 x c tensor.
func Row(m *mat.Dense, i int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(1, c, nil)
	copy(out.RawRowView(0), m.RawRowView(i))
	return out
}

// ColumnBlock returns a view of columns [j, k) of m. Writes to the view are
// visible in m.
func ColumnBlock(m *mat.Dense, j, k int) *mat.Dense {
	r, _ := m.Dims()
	return m.Slice(0, r, j, k).(*mat.Dense)
}

// Random returns an r x c tensor with every element drawn from dist.
func Random(r, c int, dist distuv.Rander) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = dist.Rand()
	}
	return mat.NewDense(r, c, data)
}

// Constant returns an r x c tensor filled with v.
func Constant(r, c int, v float64) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = v
	}
	return mat.NewDense(r, c, data)
}

// IsFinite reports whether m contains no NaN or Inf values.
func IsFinite(m mat.Matrix) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
