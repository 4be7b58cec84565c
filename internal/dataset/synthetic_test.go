package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestSynthetic(t *testing.T) {
	a := Synthetic(16, 28, 1)
	b := Synthetic(16, 28, 1)
	c := Synthetic(16, 28, 2)

	r, cols := a.Dims()
	require.Equal(t, 16, r)
	require.Equal(t, 784, cols)

	assert.True(t, mat.Equal(a, b))
	assert.False(t, mat.Equal(a, c))
	assert.GreaterOrEqual(t, mat.Min(a), 0.0)
	assert.LessOrEqual(t, mat.Max(a), 1.0)

	for i := 0; i < r; i++ {
		assert.Greater(t, mat.Max(a.RowView(i)), 0.0, "image %d is blank", i)
	}
}

func TestOneHotImages(t *testing.T) {
	images := OneHotImages(4, 4)
	r, c := images.Dims()
	require.Equal(t, 4, r)
	require.Equal(t, 16, c)

	for i := 0; i < r; i++ {
		row := images.RawRowView(i)
		var sum float64
		for _, v := range row {
			sum += v
		}
		assert.Equal(t, 1.0, sum)
		assert.Equal(t, 1.0, row[i*4])
	}
}
