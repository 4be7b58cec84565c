package vit

import (
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-vit/internal/kernels"
	"github.com/23skdu/longbow-vit/internal/linalg"
)

// LayerNorm implements per-token layer normalization with a learned scale
// (Gamma) and shift (Beta).
type LayerNorm struct {
	Dim   int
	Gamma []float64
	Beta  []float64
	Eps   float64
}

// NewLayerNorm creates an identity-initialized LayerNorm (Gamma=1, Beta=0),
// which behaves as pure normalization.
func NewLayerNorm(dim int, eps float64) *LayerNorm {
	gamma := make([]float64, dim)
	for i := range gamma {
		gamma[i] = 1.0
	}
	return &LayerNorm{
		Dim:   dim,
		Gamma: gamma,
		Beta:  make([]float64, dim),
		Eps:   eps,
	}
}

// Normalize returns (x - mean) / sqrt(var + eps) per row, without the affine
// step. The input is not modified.
func (l *LayerNorm) Normalize(x mat.Matrix) (*mat.Dense, error) {
	if err := linalg.CheckCols("layernorm", x, l.Dim); err != nil {
		return nil, err
	}
	out := mat.DenseCopyOf(x)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		kernels.Normalize(out.RawRowView(i), l.Eps)
	}
	return out, nil
}

// Forward normalizes every row of x and applies Gamma and Beta.
func (l *LayerNorm) Forward(x mat.Matrix) (*mat.Dense, error) {
	out, err := l.Normalize(x)
	if err != nil {
		return nil, err
	}
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		for j := range row {
			row[j] = row[j]*l.Gamma[j] + l.Beta[j]
		}
	}
	return out, nil
}
