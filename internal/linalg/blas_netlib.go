//go:build netlib

package linalg

// Registers the netlib BLAS implementation (Accelerate on macOS, OpenBLAS on
// Linux) for gonum's float64 routines. Requires cgo and a system BLAS.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("netlib BLAS enabled for float64 matmul")
}
