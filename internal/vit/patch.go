package vit

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-vit/internal/linalg"
)

// Patchify splits a flattened imageSize x imageSize image into
// non-overlapping patchSize x patchSize patches.
//
// Patch p sits at grid cell (p / perSide, p % perSide) and row p of the
// result holds its pixels in row-major order: column i*patchSize+j is image
// pixel (patchRow*patchSize+i, patchCol*patchSize+j). Positional embeddings
// depend on this ordering.
func Patchify(image []float64, imageSize, patchSize int) (*mat.Dense, error) {
	if imageSize <= 0 || patchSize <= 0 || imageSize%patchSize != 0 {
		return nil, linalg.ShapeErrorf("patchify", "image size %d is not a multiple of patch size %d", imageSize, patchSize)
	}
	if len(image) != imageSize*imageSize {
		return nil, linalg.ShapeErrorf("patchify", "expected %d pixels, got %d", imageSize*imageSize, len(image))
	}

	perSide := imageSize / patchSize
	numPatches := perSide * perSide
	area := patchSize * patchSize
	patches := mat.NewDense(numPatches, area, nil)

	for p := 0; p < numPatches; p++ {
		patchRow := p / perSide
		patchCol := p % perSide
		dst := patches.RawRowView(p)

		for i := 0; i < patchSize; i++ {
			imgRow := patchRow*patchSize + i
			start := imgRow*imageSize + patchCol*patchSize
			copy(dst[i*patchSize:(i+1)*patchSize], image[start:start+patchSize])
		}
	}
	return patches, nil
}

// Unpatchify is the inverse of Patchify.
func Unpatchify(patches *mat.Dense, imageSize, patchSize int) ([]float64, error) {
	if imageSize <= 0 || patchSize <= 0 || imageSize%patchSize != 0 {
		return nil, linalg.ShapeErrorf("unpatchify", "image size %d is not a multiple of patch size %d", imageSize, patchSize)
	}
	perSide := imageSize / patchSize
	if err := linalg.CheckDims("unpatchify", patches, perSide*perSide, patchSize*patchSize); err != nil {
		return nil, err
	}

	image := make([]float64, imageSize*imageSize)
	for p := 0; p < perSide*perSide; p++ {
		patchRow := p / perSide
		patchCol := p % perSide
		src := patches.RawRowView(p)

		for i := 0; i < patchSize; i++ {
			imgRow := patchRow*patchSize + i
			start := imgRow*imageSize + patchCol*patchSize
			copy(image[start:start+patchSize], src[i*patchSize:(i+1)*patchSize])
		}
	}
	return image, nil
}

// PatchEmbedding linearly projects flattened patches into the embedding space.
type PatchEmbedding struct {
	InputDim int
	EmbedDim int
	Weight   *mat.Dense // InputDim x EmbedDim
	Bias     []float64  // EmbedDim, zero-initialized
}

// NewPatchEmbedding creates a projection from inputDim (patch area) to
// embedDim with Xavier-uniform weights drawn from src.
func NewPatchEmbedding(inputDim, embedDim int, src rand.Source) *PatchEmbedding {
	in := initializer{src: src}
	return &PatchEmbedding{
		InputDim: inputDim,
		EmbedDim: embedDim,
		Weight:   in.xavier(inputDim, embedDim),
		Bias:     make([]float64, embedDim),
	}
}

// Forward maps [numPatches, InputDim] to [numPatches, EmbedDim].
func (e *PatchEmbedding) Forward(patches mat.Matrix) (*mat.Dense, error) {
	if err := linalg.CheckCols("patch embedding", patches, e.InputDim); err != nil {
		return nil, err
	}
	return linalg.Linear(patches, e.Weight, e.Bias)
}
