package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

// LoadMatrixCSV reads a numeric CSV file into a [rows, cols] tensor.
func LoadMatrixCSV(path string, hasHeader bool) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDataFormat, err)
	}
	defer f.Close()

	m, err := ReadMatrixCSV(f, hasHeader)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r, c := m.Dims()
	log.Debug().Str("path", path).Int("rows", r).Int("cols", c).Msg("Loaded CSV matrix")
	return m, nil
}

// ReadMatrixCSV parses comma separated numbers. Fields are trimmed, blank
// lines are skipped and, when hasHeader is set, the first non-blank line is
// ignored. The first data row fixes the column count.
func ReadMatrixCSV(r io.Reader, hasHeader bool) (*mat.Dense, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	var (
		data       []float64
		rows, cols int
		skipHeader = hasHeader
	)
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDataFormat, err)
		}
		if blank(record) {
			continue
		}
		if skipHeader {
			skipHeader = false
			continue
		}

		line, _ := cr.FieldPos(0)
		if cols == 0 {
			cols = len(record)
		} else if len(record) != cols {
			return nil, fmt.Errorf("%w: inconsistent number of columns at line %d: expected %d, got %d",
				ErrDataFormat, line, cols, len(record))
		}

		for _, field := range record {
			tok := strings.TrimSpace(field)
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: invalid number %q at line %d", ErrDataFormat, tok, line)
			}
			data = append(data, v)
		}
		rows++
	}

	if rows == 0 {
		return nil, fmt.Errorf("%w: no data found", ErrDataFormat)
	}
	return mat.NewDense(rows, cols, data), nil
}

// LoadVectorCSV returns the first column of every data row.
func LoadVectorCSV(path string, hasHeader bool) ([]float64, error) {
	m, err := LoadMatrixCSV(path, hasHeader)
	if err != nil {
		return nil, err
	}
	return mat.Col(nil, 0, m), nil
}

// LoadVectorAsMatrix returns the first column as a [1, N] row tensor.
func LoadVectorAsMatrix(path string, hasHeader bool) (*mat.Dense, error) {
	v, err := LoadVectorCSV(path, hasHeader)
	if err != nil {
		return nil, err
	}
	return mat.NewDense(1, len(v), v), nil
}

// SaveMatrixCSV writes m to path, one row per line.
func SaveMatrixCSV(m mat.Matrix, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteMatrixCSV(f, m); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteMatrixCSV writes m as comma separated values using the shortest
// representation that round-trips.
func WriteMatrixCSV(w io.Writer, m mat.Matrix) error {
	cw := csv.NewWriter(w)
	r, c := m.Dims()
	record := make([]string, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			record[j] = strconv.FormatFloat(m.At(i, j), 'g', -1, 64)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SplitLabeled interprets a CSV matrix as images. With pixels columns every
// row is an image; with pixels+1 the first column holds the label (the
// layout of the common mnist_train.csv export). Intensities are divided by
// scale: 255 for raw byte exports, 1 for tables already in [0,1].
func SplitLabeled(m *mat.Dense, pixels int, scale float64) (*mat.Dense, []int, error) {
	if scale <= 0 {
		return nil, nil, fmt.Errorf("%w: pixel scale must be positive, got %g", ErrDataFormat, scale)
	}
	r, c := m.Dims()
	var (
		images *mat.Dense
		labels []int
	)
	switch c {
	case pixels:
		images = mat.DenseCopyOf(m)
	case pixels + 1:
		images = mat.DenseCopyOf(m.Slice(0, r, 1, c))
		labels = make([]int, r)
		for i := range labels {
			labels[i] = int(m.At(i, 0))
		}
	default:
		return nil, nil, fmt.Errorf("%w: expected %d or %d columns per image row, got %d", ErrDataFormat, pixels, pixels+1, c)
	}

	if scale != 1 {
		images.Scale(1/scale, images)
	}
	return images, labels, nil
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

