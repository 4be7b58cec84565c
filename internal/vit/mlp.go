package vit

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-vit/internal/kernels"
	"github.com/23skdu/longbow-vit/internal/linalg"
)

// MLP is the position-wise feed-forward network:
// out = gelu(x*Hidden + HiddenBias) * Output + OutputBias.
type MLP struct {
	EmbedDim  int
	HiddenDim int

	Hidden     *mat.Dense // EmbedDim x HiddenDim
	HiddenBias []float64
	Output     *mat.Dense // HiddenDim x EmbedDim
	OutputBias []float64
}

// NewMLP creates a feed-forward block with Xavier-uniform weights and zero
// biases.
func NewMLP(embedDim, hiddenDim int, src rand.Source) *MLP {
	in := initializer{src: src}
	return &MLP{
		EmbedDim:   embedDim,
		HiddenDim:  hiddenDim,
		Hidden:     in.xavier(embedDim, hiddenDim),
		HiddenBias: make([]float64, hiddenDim),
		Output:     in.xavier(hiddenDim, embedDim),
		OutputBias: make([]float64, embedDim),
	}
}

// Forward applies the MLP to every token (row) independently.
func (m *MLP) Forward(x mat.Matrix) (*mat.Dense, error) {
	if err := linalg.CheckCols("mlp", x, m.EmbedDim); err != nil {
		return nil, err
	}
	hidden, err := linalg.Linear(x, m.Hidden, m.HiddenBias)
	if err != nil {
		return nil, err
	}
	kernels.Gelu(hidden.RawMatrix().Data)
	return linalg.Linear(hidden, m.Output, m.OutputBias)
}
