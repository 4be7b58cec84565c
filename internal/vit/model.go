package vit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-vit/internal/linalg"
)

// VisionTransformer is an image classifier over flattened square grayscale
// images. Parameters are read-only after New, so a single model can serve
// concurrent forward calls.
type VisionTransformer struct {
	Config Config

	PatchEmbed   *PatchEmbedding
	ClassToken   *mat.Dense // 1 x EmbedDim
	PosEmbedding *mat.Dense // SeqLen x EmbedDim
	Blocks       []*Block
	Head         *mat.Dense // EmbedDim x NumClasses
}

// New validates cfg and builds a model whose parameters are all drawn from
// src. A nil src falls back to NewSource(cfg.Seed).
//
// Class token and positional embeddings are N(0,1)*0.02, the classifier head
// is N(0,1)*sqrt(2/embed_dim); projections inside the blocks and the patch
// embedding are Xavier-uniform with zero biases; LayerNorms start at identity.
func New(cfg Config, src rand.Source) (*VisionTransformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil {
		src = NewSource(cfg.Seed)
	}

	m := &VisionTransformer{
		Config:     cfg,
		PatchEmbed: NewPatchEmbedding(cfg.PatchArea(), cfg.EmbedDim, src),
		Blocks:     make([]*Block, cfg.NumLayers),
	}
	for i := range m.Blocks {
		b, err := NewBlock(cfg, src)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		m.Blocks[i] = b
	}

	in := initializer{src: src}
	m.PosEmbedding = in.normal(cfg.SeqLen(), cfg.EmbedDim, tokenInitScale)
	m.ClassToken = in.normal(1, cfg.EmbedDim, tokenInitScale)
	m.Head = in.he(cfg.EmbedDim, cfg.NumClasses)

	log.Debug().
		Int("image_size", cfg.ImageSize).
		Int("patches", cfg.NumPatches()).
		Int("embed_dim", cfg.EmbedDim).
		Int("heads", cfg.NumHeads).
		Int("layers", cfg.NumLayers).
		Int("classes", cfg.NumClasses).
		Int("parameters", m.NumParameters()).
		Msg("Initialized vision transformer")

	return m, nil
}

// NumParameters counts every learned scalar in the model.
func (m *VisionTransformer) NumParameters() int {
	cfg := m.Config
	e, h := cfg.EmbedDim, cfg.HiddenDim()

	n := cfg.PatchArea()*e + e // patch projection + bias
	n += e                     // class token
	n += cfg.SeqLen() * e      // positions
	perBlock := 4*(e*e+e) + // q, k, v, out
		(e*h + h) + (h*e + e) + // mlp
		4*e // two layer norms
	n += cfg.NumLayers * perBlock
	n += e * cfg.NumClasses
	return n
}

// Forward maps a [batch, image_size^2] tensor of images to
// [batch, num_classes] raw logits. Row i of the result belongs to row i of
// images.
func (m *VisionTransformer) Forward(images mat.Matrix) (*mat.Dense, error) {
	batch, err := m.checkBatch(images)
	if err != nil {
		return nil, err
	}

	out := mat.NewDense(batch, m.Config.NumClasses, nil)
	for b := 0; b < batch; b++ {
		logits, err := m.ForwardImage(mat.Row(nil, b, images))
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", b, err)
		}
		copy(out.RawRowView(b), logits)
	}
	return out, nil
}

// ForwardContext is Forward with images processed concurrently by up to
// workers goroutines (runtime.NumCPU() when workers <= 0). Each result is
// written to its pre-indexed output row. If ctx is cancelled or any image
// fails, no partial result is returned.
func (m *VisionTransformer) ForwardContext(ctx context.Context, images mat.Matrix, workers int) (*mat.Dense, error) {
	batch, err := m.checkBatch(images)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	out := mat.NewDense(batch, m.Config.NumClasses, nil)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for b := 0; b < batch; b++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			logits, err := m.ForwardImage(mat.Row(nil, b, images))
			if err != nil {
				return fmt.Errorf("image %d: %w", b, err)
			}
			copy(out.RawRowView(b), logits)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ForwardImage runs the full pipeline on one flattened image and returns
// its logits.
func (m *VisionTransformer) ForwardImage(image []float64) ([]float64, error) {
	cls, err := m.Embed(image)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	logits, err := linalg.MatMul(cls, m.Head)
	if err != nil {
		return nil, err
	}
	observeLayer("head", start)
	imagesForwarded.Inc()

	return logits.RawRowView(0), nil
}

// Embed returns the encoded class token [1, embed_dim] for one image.
func (m *VisionTransformer) Embed(image []float64) (*mat.Dense, error) {
	seq, err := m.Sequence(image)
	if err != nil {
		return nil, err
	}

	x := seq
	for i, block := range m.Blocks {
		x, err = block.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
	}
	return linalg.Row(x, 0), nil
}

// Sequence builds the encoder input [num_patches+1, embed_dim] for one image:
// the class token in row 0, patch embeddings in raster order after it, plus
// the positional embeddings.
func (m *VisionTransformer) Sequence(image []float64) (*mat.Dense, error) {
	cfg := m.Config
	if len(image) != cfg.ImagePixels() {
		return nil, linalg.ShapeErrorf("forward", "expected %d pixels per image, got %d", cfg.ImagePixels(), len(image))
	}

	start := time.Now()
	patches, err := Patchify(image, cfg.ImageSize, cfg.PatchSize)
	if err != nil {
		return nil, err
	}
	embedded, err := m.PatchEmbed.Forward(patches)
	if err != nil {
		return nil, err
	}

	seq := linalg.Zeros(cfg.SeqLen(), cfg.EmbedDim)
	copy(seq.RawRowView(0), m.ClassToken.RawRowView(0))
	for i := 0; i < cfg.NumPatches(); i++ {
		copy(seq.RawRowView(i+1), embedded.RawRowView(i))
	}
	if err := linalg.AddInPlace(seq, m.PosEmbedding); err != nil {
		return nil, err
	}
	observeLayer("embedding", start)

	return seq, nil
}

func (m *VisionTransformer) checkBatch(images mat.Matrix) (int, error) {
	if images == nil {
		return 0, linalg.ShapeErrorf("forward", "nil image batch")
	}
	batch, cols := images.Dims()
	if cols != m.Config.ImagePixels() {
		return 0, linalg.ShapeErrorf("forward", "expected %d columns (image_size^2), got %d", m.Config.ImagePixels(), cols)
	}
	if batch == 0 {
		return 0, linalg.ShapeErrorf("forward", "empty image batch")
	}
	return batch, nil
}
