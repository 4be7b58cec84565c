package vit

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-vit/internal/kernels"
	"github.com/23skdu/longbow-vit/internal/linalg"
)

// MultiHeadAttention computes full (unmasked) scaled dot-product
// self-attention over a token sequence.
type MultiHeadAttention struct {
	EmbedDim int
	NumHeads int
	HeadDim  int

	Query  *mat.Dense // EmbedDim x EmbedDim
	Key    *mat.Dense
	Value  *mat.Dense
	Output *mat.Dense

	QueryBias  []float64
	KeyBias    []float64
	ValueBias  []float64
	OutputBias []float64
}

// NewMultiHeadAttention creates an attention layer with Xavier-uniform
// projections and zero biases. embedDim must be divisible by numHeads.
func NewMultiHeadAttention(embedDim, numHeads int, src rand.Source) (*MultiHeadAttention, error) {
	if embedDim <= 0 || numHeads <= 0 {
		return nil, fmt.Errorf("%w: attention needs positive sizes, got embed_dim=%d num_heads=%d",
			ErrInvalidConfiguration, embedDim, numHeads)
	}
	if embedDim%numHeads != 0 {
		return nil, fmt.Errorf("%w: embed_dim %d is not divisible by num_heads %d",
			ErrInvalidConfiguration, embedDim, numHeads)
	}

	in := initializer{src: src}
	return &MultiHeadAttention{
		EmbedDim:   embedDim,
		NumHeads:   numHeads,
		HeadDim:    embedDim / numHeads,
		Query:      in.xavier(embedDim, embedDim),
		Key:        in.xavier(embedDim, embedDim),
		Value:      in.xavier(embedDim, embedDim),
		Output:     in.xavier(embedDim, embedDim),
		QueryBias:  make([]float64, embedDim),
		KeyBias:    make([]float64, embedDim),
		ValueBias:  make([]float64, embedDim),
		OutputBias: make([]float64, embedDim),
	}, nil
}

// Forward maps [seqLen, EmbedDim] to [seqLen, EmbedDim].
func (a *MultiHeadAttention) Forward(x mat.Matrix) (*mat.Dense, error) {
	concat, _, err := a.attend(x, false)
	if err != nil {
		return nil, err
	}
	return linalg.Linear(concat, a.Output, a.OutputBias)
}

// Weights returns the softmax attention probabilities of every head for x,
// each [seqLen, seqLen] with rows indexed by query position.
func (a *MultiHeadAttention) Weights(x mat.Matrix) ([]*mat.Dense, error) {
	_, weights, err := a.attend(x, true)
	return weights, err
}

// attend returns the concatenated per-head context [seqLen, EmbedDim]
// before the output projection.
func (a *MultiHeadAttention) attend(x mat.Matrix, keepWeights bool) (*mat.Dense, []*mat.Dense, error) {
	if err := linalg.CheckCols("attention", x, a.EmbedDim); err != nil {
		return nil, nil, err
	}

	q, err := linalg.Linear(x, a.Query, a.QueryBias)
	if err != nil {
		return nil, nil, err
	}
	k, err := linalg.Linear(x, a.Key, a.KeyBias)
	if err != nil {
		return nil, nil, err
	}
	v, err := linalg.Linear(x, a.Value, a.ValueBias)
	if err != nil {
		return nil, nil, err
	}

	seqLen, _ := x.Dims()
	concat := mat.NewDense(seqLen, a.EmbedDim, nil)
	scale := 1.0 / math.Sqrt(float64(a.HeadDim))

	var weights []*mat.Dense
	if keepWeights {
		weights = make([]*mat.Dense, 0, a.NumHeads)
	}

	for h := 0; h < a.NumHeads; h++ {
		lo, hi := h*a.HeadDim, (h+1)*a.HeadDim
		// Heads are column views; no data is copied.
		qh := linalg.ColumnBlock(q, lo, hi)
		kh := linalg.ColumnBlock(k, lo, hi)
		vh := linalg.ColumnBlock(v, lo, hi)

		scores := linalg.Scratch.GetSquare(seqLen)
		scores.Mul(qh, kh.T())
		scores.Scale(scale, scores)
		for i := 0; i < seqLen; i++ {
			kernels.Softmax(scores.RawRowView(i))
		}

		linalg.ColumnBlock(concat, lo, hi).Mul(scores, vh)

		if keepWeights {
			weights = append(weights, mat.DenseCopyOf(scores))
		}
		linalg.Scratch.PutSquare(scores)
	}

	return concat, weights, nil
}
