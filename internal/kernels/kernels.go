// Package kernels holds row-wise nonlinearities and statistics over float64
// slices: softmax, GELU and layer normalization.
package kernels

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	sqrt2overPi = 0.7978845608028654
	geluCoeff   = 0.044715
)

// GeluScalar returns the tanh approximation of GELU for a single value.
func GeluScalar(x float64) float64 {
	// GELU(x) = 0.5 * x * (1 + tanh(sqrt(2/pi) * (x + 0.044715 * x^3)))
	return 0.5 * x * (1 + math.Tanh(sqrt2overPi*(x+geluCoeff*x*x*x)))
}

// Gelu applies GELU in-place.
// math.Tanh saturates cleanly, so the result stays finite for large |x|.
func Gelu(data []float64) {
	for i, x := range data {
		data[i] = GeluScalar(x)
	}
}

// Softmax applies a numerically stable softmax in-place to a row.
func Softmax(row []float64) {
	if len(row) == 0 {
		return
	}
	max := floats.Max(row)

	var sum float64
	for i, v := range row {
		e := math.Exp(v - max)
		row[i] = e
		sum += e
	}

	// sum >= 1 because the max element contributes exp(0)
	floats.Scale(1/sum, row)
}

// MeanVariance returns the mean and population variance of a row.
func MeanVariance(row []float64) (mean, variance float64) {
	n := float64(len(row))
	if n == 0 {
		return 0, 0
	}
	mean = floats.Sum(row) / n

	var varSum float64
	for _, v := range row {
		diff := v - mean
		varSum += diff * diff
	}
	return mean, varSum / n
}

// Normalize rewrites row as (x - mean) / sqrt(variance + eps).
// It returns the statistics used.
func Normalize(row []float64, eps float64) (mean, variance float64) {
	mean, variance = MeanVariance(row)
	invStd := 1.0 / math.Sqrt(variance+eps)
	for i, v := range row {
		row[i] = (v - mean) * invStd
	}
	return mean, variance
}
