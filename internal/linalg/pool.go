package linalg

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// ScratchPool recycles backing storage for short-lived square matrices,
// mainly the seqLen x seqLen attention scores computed once per head.
type ScratchPool struct {
	square sync.Pool
}

// Scratch is the shared pool used by the model.
var Scratch = &ScratchPool{}

// GetSquare returns a zeroed n x n matrix.
func (p *ScratchPool) GetSquare(n int) *mat.Dense {
	if v := p.square.Get(); v != nil {
		buf := v.(*[]float64)
		if cap(*buf) >= n*n {
			raw := (*buf)[:n*n]
			clear(raw)
			return mat.NewDense(n, n, raw)
		}
	}
	return mat.NewDense(n, n, nil)
}

// PutSquare returns a matrix obtained from GetSquare to the pool.
// The caller must not use m afterwards.
func (p *ScratchPool) PutSquare(m *mat.Dense) {
	if m == nil {
		return
	}
	raw := m.RawMatrix().Data
	raw = raw[:cap(raw)]
	p.square.Put(&raw)
}
