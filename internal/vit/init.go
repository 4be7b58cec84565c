package vit

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-vit/internal/linalg"
)

// tokenInitScale scales the class token and positional embeddings.
const tokenInitScale = 0.02

// initializer draws parameters from a single explicit source so that two
// models built from equal seeds are identical.
type initializer struct {
	src rand.Source
}

// NewSource returns the deterministic source used for a given seed.
func NewSource(seed uint64) rand.Source {
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
}

// xavier draws from U(-l, l) with l = sqrt(6 / (fanIn + fanOut)).
func (in initializer) xavier(fanIn, fanOut int) *mat.Dense {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	return linalg.Random(fanIn, fanOut, distuv.Uniform{Min: -limit, Max: limit, Src: in.src})
}

// normal draws from N(0, 1) scaled by scale.
func (in initializer) normal(rows, cols int, scale float64) *mat.Dense {
	return linalg.Random(rows, cols, distuv.Normal{Mu: 0, Sigma: scale, Src: in.src})
}

// he draws the classifier head: N(0, 1) * sqrt(2 / fanIn).
func (in initializer) he(fanIn, fanOut int) *mat.Dense {
	return in.normal(fanIn, fanOut, math.Sqrt(2.0/float64(fanIn)))
}
