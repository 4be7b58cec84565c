package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-vit/internal/vit"
)

// Column names shared by the image and logits schemas.
const (
	ColumnIndex      = "index"
	ColumnLabel      = "label"
	ColumnPrediction = "prediction"
	ColumnConfidence = "confidence"
	ColumnLogits     = "logits"
	ColumnPixels     = "pixels"
)

// LogitsSchema describes one classified image per row.
func LogitsSchema(numClasses int) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: ColumnIndex, Type: arrow.PrimitiveTypes.Int64},
			{Name: ColumnLabel, Type: arrow.PrimitiveTypes.Int32, Nullable: true},
			{Name: ColumnPrediction, Type: arrow.PrimitiveTypes.Int32},
			{Name: ColumnConfidence, Type: arrow.PrimitiveTypes.Float64},
			{Name: ColumnLogits, Type: arrow.FixedSizeListOf(int32(numClasses), arrow.PrimitiveTypes.Float64)},
		},
		nil,
	)
}

// ImageSchema describes one flattened image per row.
func ImageSchema(pixels int) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: ColumnIndex, Type: arrow.PrimitiveTypes.Int64},
			{Name: ColumnPixels, Type: arrow.FixedSizeListOf(int32(pixels), arrow.PrimitiveTypes.Float64)},
		},
		nil,
	)
}

// RecordBatchBuilder creates Arrow record batches from model tensors.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildLogitsRecord converts a [batch, classes] logits tensor into a record
// batch following LogitsSchema. Row i gets index offset+i; labels may be nil,
// in which case the label column is null. A nil logits tensor yields a nil
// record.
func (b *RecordBatchBuilder) BuildLogitsRecord(offset int, logits *mat.Dense, labels []int) (arrow.RecordBatch, error) {
	if logits == nil || logits.IsEmpty() {
		return nil, nil
	}
	rows, classes := logits.Dims()
	if labels != nil && len(labels) != rows {
		return nil, fmt.Errorf("logits record: %d rows, %d labels", rows, len(labels))
	}
	preds := vit.Predict(logits)

	idxB := array.NewInt64Builder(b.mem)
	defer idxB.Release()
	labelB := array.NewInt32Builder(b.mem)
	defer labelB.Release()
	predB := array.NewInt32Builder(b.mem)
	defer predB.Release()
	confB := array.NewFloat64Builder(b.mem)
	defer confB.Release()
	listB := array.NewFixedSizeListBuilder(b.mem, int32(classes), arrow.PrimitiveTypes.Float64)
	defer listB.Release()
	valB := listB.ValueBuilder().(*array.Float64Builder)

	for i := 0; i < rows; i++ {
		idxB.Append(int64(offset + i))
		if labels != nil {
			labelB.Append(int32(labels[i]))
		} else {
			labelB.AppendNull()
		}
		predB.Append(int32(preds[i].Class))
		confB.Append(preds[i].Confidence)
		listB.Append(true)
		valB.AppendValues(logits.RawRowView(i), nil)
	}

	cols := []arrow.Array{idxB.NewArray(), labelB.NewArray(), predB.NewArray(), confB.NewArray(), listB.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(LogitsSchema(classes), cols, int64(rows)), nil
}

// BuildImageRecord converts a [batch, pixels] image tensor into a record
// batch following ImageSchema.
func (b *RecordBatchBuilder) BuildImageRecord(offset int, images *mat.Dense) (arrow.RecordBatch, error) {
	if images == nil || images.IsEmpty() {
		return nil, nil
	}
	rows, pixels := images.Dims()

	idxB := array.NewInt64Builder(b.mem)
	defer idxB.Release()
	listB := array.NewFixedSizeListBuilder(b.mem, int32(pixels), arrow.PrimitiveTypes.Float64)
	defer listB.Release()
	valB := listB.ValueBuilder().(*array.Float64Builder)

	for i := 0; i < rows; i++ {
		idxB.Append(int64(offset + i))
		listB.Append(true)
		valB.AppendValues(images.RawRowView(i), nil)
	}

	idxArr := idxB.NewArray()
	defer idxArr.Release()
	listArr := listB.NewArray()
	defer listArr.Release()

	return array.NewRecordBatch(ImageSchema(pixels), []arrow.Array{idxArr, listArr}, int64(rows)), nil
}

// MatrixFromColumn copies a fixed_size_list<float32|float64> column into a
// [rows, list_size] tensor.
func MatrixFromColumn(rec arrow.RecordBatch, name string) (*mat.Dense, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("record has no %q column", name)
	}
	list, ok := rec.Column(indices[0]).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("column %q is %s, want fixed_size_list", name, rec.Column(indices[0]).DataType())
	}
	rows := list.Len()
	width := int(list.DataType().(*arrow.FixedSizeListType).Len())
	if rows == 0 || width == 0 {
		return nil, fmt.Errorf("column %q is empty", name)
	}

	out := mat.NewDense(rows, width, nil)
	switch values := list.ListValues().(type) {
	case *array.Float64:
		for i := 0; i < rows; i++ {
			start, _ := list.ValueOffsets(i)
			row := out.RawRowView(i)
			for j := range row {
				row[j] = values.Value(int(start) + j)
			}
		}
	case *array.Float32:
		for i := 0; i < rows; i++ {
			start, _ := list.ValueOffsets(i)
			row := out.RawRowView(i)
			for j := range row {
				row[j] = float64(values.Value(int(start) + j))
			}
		}
	default:
		return nil, fmt.Errorf("column %q has %s values, want float32 or float64", name, values.DataType())
	}
	return out, nil
}

// Int64Column returns the values of an int64 column.
func Int64Column(rec arrow.RecordBatch, name string) ([]int64, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, fmt.Errorf("record has no %q column", name)
	}
	col, ok := rec.Column(indices[0]).(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("column %q is %s, want int64", name, rec.Column(indices[0]).DataType())
	}
	out := make([]int64, col.Len())
	for i := range out {
		out[i] = col.Value(i)
	}
	return out, nil
}
