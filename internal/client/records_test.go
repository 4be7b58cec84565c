package client

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestBuildLogitsRecord(t *testing.T) {
	builder := NewRecordBatchBuilder(memory.NewGoAllocator())

	t.Run("Empty input", func(t *testing.T) {
		rb, err := builder.BuildLogitsRecord(0, nil, nil)
		assert.NoError(t, err)
		assert.Nil(t, rb)
	})

	t.Run("Valid input", func(t *testing.T) {
		logits := mat.NewDense(2, 3, []float64{
			0.1, 2.0, -1.0,
			5.0, 0.0, 0.0,
		})
		rb, err := builder.BuildLogitsRecord(10, logits, []int{1, 2})
		require.NoError(t, err)
		require.NotNil(t, rb)
		defer rb.Release()

		assert.Equal(t, int64(2), rb.NumRows())
		assert.Equal(t, int64(5), rb.NumCols())
		assert.True(t, rb.Schema().Equal(LogitsSchema(3)))

		idx, err := Int64Column(rb, ColumnIndex)
		require.NoError(t, err)
		assert.Equal(t, []int64{10, 11}, idx)

		labels := rb.Column(1).(*array.Int32)
		assert.Equal(t, int32(2), labels.Value(1))

		preds := rb.Column(2).(*array.Int32)
		assert.Equal(t, int32(1), preds.Value(0))
		assert.Equal(t, int32(0), preds.Value(1))

		conf := rb.Column(3).(*array.Float64)
		assert.Greater(t, conf.Value(1), 0.9)

		back, err := MatrixFromColumn(rb, ColumnLogits)
		require.NoError(t, err)
		assert.True(t, mat.Equal(logits, back))
	})

	t.Run("Nil labels are null", func(t *testing.T) {
		rb, err := builder.BuildLogitsRecord(0, mat.NewDense(1, 2, []float64{1, 2}), nil)
		require.NoError(t, err)
		defer rb.Release()
		assert.True(t, rb.Column(1).IsNull(0))
	})

	t.Run("Label count mismatch", func(t *testing.T) {
		_, err := builder.BuildLogitsRecord(0, mat.NewDense(2, 2, nil), []int{1})
		assert.Error(t, err)
	})
}

func TestImageRecordRoundTrip(t *testing.T) {
	builder := NewRecordBatchBuilder(memory.NewGoAllocator())
	images := mat.NewDense(3, 4, []float64{
		0, 0.25, 0.5, 1,
		1, 1, 1, 1,
		0, 0, 0, 0.125,
	})

	rb, err := builder.BuildImageRecord(0, images)
	require.NoError(t, err)
	defer rb.Release()

	back, err := MatrixFromColumn(rb, ColumnPixels)
	require.NoError(t, err)
	assert.True(t, mat.Equal(images, back))

	// Sliced records must honor the list offset.
	sliced := rb.NewSlice(1, 3)
	defer sliced.Release()
	part, err := MatrixFromColumn(sliced, ColumnPixels)
	require.NoError(t, err)
	assert.Equal(t, images.RawRowView(2), part.RawRowView(1))

	_, err = MatrixFromColumn(rb, "missing")
	assert.Error(t, err)
	_, err = MatrixFromColumn(rb, ColumnIndex)
	assert.Error(t, err)
}

func TestMatrixFromFloat32Column(t *testing.T) {
	mem := memory.NewGoAllocator()
	lb := array.NewFixedSizeListBuilder(mem, 2, arrow.PrimitiveTypes.Float32)
	defer lb.Release()
	vb := lb.ValueBuilder().(*array.Float32Builder)
	lb.Append(true)
	vb.AppendValues([]float32{0.5, 1.5}, nil)
	arr := lb.NewArray()
	defer arr.Release()

	schema := arrow.NewSchema([]arrow.Field{{Name: ColumnPixels, Type: arr.DataType()}}, nil)
	rb := array.NewRecordBatch(schema, []arrow.Array{arr}, 1)
	defer rb.Release()

	m, err := MatrixFromColumn(rb, ColumnPixels)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1.5}, m.RawRowView(0))
}
