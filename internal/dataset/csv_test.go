package dataset

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestReadMatrixCSV(t *testing.T) {
	input := "a, b, c\n1, 2, 3\n\n   \n4.5,-1e2 , 0\n"

	m, err := ReadMatrixCSV(strings.NewReader(input), true)
	require.NoError(t, err)
	r, c := m.Dims()
	require.Equal(t, 2, r)
	require.Equal(t, 3, c)
	assert.Equal(t, []float64{1, 2, 3}, m.RawRowView(0))
	assert.Equal(t, []float64{4.5, -100, 0}, m.RawRowView(1))
}

func TestReadMatrixCSVErrors(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		hasHeader bool
		contains  string
	}{
		{"inconsistent columns", "1,2,3\n4,5\n", false, "line 2: expected 3, got 2"},
		{"invalid number", "1,2\n3,x7\n", false, `"x7" at line 2`},
		{"header parsed as data", "a,b\n1,2\n", false, `"a" at line 1`},
		{"empty", "", false, "no data found"},
		{"header only", "a,b,c\n", true, "no data found"},
		{"blank lines only", "\n  \n\n", false, "no data found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMatrixCSV(strings.NewReader(tt.input), tt.hasHeader)
			require.ErrorIs(t, err, ErrDataFormat)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestMatrixCSVRoundTrip(t *testing.T) {
	m := mat.NewDense(2, 3, []float64{0.1, -2, 1e-9, 3.14159, 0, 42})
	path := filepath.Join(t.TempDir(), "m.csv")
	require.NoError(t, SaveMatrixCSV(m, path))

	back, err := LoadMatrixCSV(path, false)
	require.NoError(t, err)
	assert.True(t, mat.Equal(m, back))

	var buf bytes.Buffer
	require.NoError(t, WriteMatrixCSV(&buf, mat.NewDense(1, 2, []float64{1, 0.5})))
	assert.Equal(t, "1,0.5\n", buf.String())
}

func TestLoadVectorCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v.csv")
	require.NoError(t, os.WriteFile(path, []byte("value,weight\n1,9\n2,9\n3,9\n"), 0o644))

	v, err := LoadVectorCSV(path, true)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, v)

	m, err := LoadVectorAsMatrix(path, true)
	require.NoError(t, err)
	r, c := m.Dims()
	assert.Equal(t, 1, r)
	assert.Equal(t, 3, c)

	_, err = LoadVectorCSV(filepath.Join(t.TempDir(), "nope.csv"), false)
	assert.ErrorIs(t, err, ErrDataFormat)
}

func TestSplitLabeled(t *testing.T) {
	labeled := mat.NewDense(2, 5, []float64{
		7, 0, 255, 0, 51,
		1, 255, 0, 0, 0,
	})
	images, labels, err := SplitLabeled(labeled, 4, 255)
	require.NoError(t, err)
	assert.Equal(t, []int{7, 1}, labels)
	assert.InDeltaSlice(t, []float64{0, 1, 0, 0.2}, images.RawRowView(0), 1e-12)

	unlabeled := mat.NewDense(1, 4, []float64{0, 0.5, 1, 0.25})
	images, labels, err = SplitLabeled(unlabeled, 4, 1)
	require.NoError(t, err)
	assert.Nil(t, labels)
	assert.Equal(t, []float64{0, 0.5, 1, 0.25}, images.RawRowView(0))

	_, _, err = SplitLabeled(unlabeled, 9, 1)
	assert.ErrorIs(t, err, ErrDataFormat)

	_, _, err = SplitLabeled(unlabeled, 4, 0)
	assert.ErrorIs(t, err, ErrDataFormat)
}

func TestSplitLabeledScalesDimRawImages(t *testing.T) {
	// A raw 0..255 export whose brightest pixel is 1 is still byte data.
	raw := mat.NewDense(1, 5, []float64{3, 0, 1, 0, 1})
	images, labels, err := SplitLabeled(raw, 4, 255)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, labels)
	assert.InDeltaSlice(t, []float64{0, 1.0 / 255, 0, 1.0 / 255}, images.RawRowView(0), 1e-15)
}
