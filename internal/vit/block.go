package vit

import (
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-vit/internal/linalg"
)

// Block is a pre-norm transformer encoder block:
//
//	x1 = x + Attention(AttnNorm(x))
//	x2 = x1 + MLP(MLPNorm(x1))
//
// It holds no per-call state and is safe for concurrent use.
type Block struct {
	AttnNorm  *LayerNorm
	Attention *MultiHeadAttention
	MLPNorm   *LayerNorm
	MLP       *MLP
}

// NewBlock creates an encoder block for cfg, drawing weights from src.
func NewBlock(cfg Config, src rand.Source) (*Block, error) {
	attn, err := NewMultiHeadAttention(cfg.EmbedDim, cfg.NumHeads, src)
	if err != nil {
		return nil, err
	}
	return &Block{
		AttnNorm:  NewLayerNorm(cfg.EmbedDim, cfg.Eps()),
		Attention: attn,
		MLPNorm:   NewLayerNorm(cfg.EmbedDim, cfg.Eps()),
		MLP:       NewMLP(cfg.EmbedDim, cfg.HiddenDim(), src),
	}, nil
}

// Forward runs the block on a [seqLen, embedDim] sequence. x is not modified.
func (b *Block) Forward(x mat.Matrix) (*mat.Dense, error) {
	start := time.Now()
	normed, err := b.AttnNorm.Forward(x)
	if err != nil {
		return nil, err
	}
	attn, err := b.Attention.Forward(normed)
	if err != nil {
		return nil, err
	}
	x1, err := linalg.Add(x, attn)
	if err != nil {
		return nil, err
	}
	observeLayer("attention", start)

	start = time.Now()
	normed, err = b.MLPNorm.Forward(x1)
	if err != nil {
		return nil, err
	}
	ff, err := b.MLP.Forward(normed)
	if err != nil {
		return nil, err
	}
	if err := linalg.AddInPlace(x1, ff); err != nil {
		return nil, err
	}
	observeLayer("mlp", start)

	return x1, nil
}
