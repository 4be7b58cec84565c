package dataset

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idxImages(t *testing.T, magic uint32, count, rows, cols int, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []uint32{magic, uint32(count), uint32(rows), uint32(cols)}))
	buf.Write(payload)
	return buf.Bytes()
}

func idxLabels(t *testing.T, magic uint32, labels []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []uint32{magic, uint32(len(labels))}))
	buf.Write(labels)
	return buf.Bytes()
}

func TestReadImages(t *testing.T) {
	payload := []byte{
		0, 255, 51, 102, // image 0 (2x2)
		255, 255, 0, 0, // image 1
	}
	images, err := ReadImages(bytes.NewReader(idxImages(t, 2051, 2, 2, 2, payload)))
	require.NoError(t, err)

	r, c := images.Dims()
	require.Equal(t, 2, r)
	require.Equal(t, 4, c)
	assert.InDeltaSlice(t, []float64{0, 1, 0.2, 0.4}, images.RawRowView(0), 1e-12)
	assert.InDeltaSlice(t, []float64{1, 1, 0, 0}, images.RawRowView(1), 1e-12)
}

func TestReadImagesErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"wrong magic", idxImages(t, 2049, 1, 2, 2, []byte{1, 2, 3, 4})},
		{"truncated payload", idxImages(t, 2051, 2, 2, 2, []byte{1, 2, 3, 4, 5})},
		{"truncated header", []byte{0, 0, 8, 3, 0, 0}},
		{"empty archive", idxImages(t, 2051, 0, 28, 28, nil)},
		{"oversized image", idxImages(t, 2051, 0xFFFFFFFF, 0xFFFF, 0xFFFF, []byte{1, 2, 3})},
		{"count beyond payload", idxImages(t, 2051, 0xFFFFFFFF, 28, 28, []byte{1, 2, 3})},
		{"no input", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadImages(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, ErrDataFormat)
		})
	}
}

func TestReadLabels(t *testing.T) {
	labels, err := ReadLabels(bytes.NewReader(idxLabels(t, 2049, []byte{7, 2, 1, 0, 4})))
	require.NoError(t, err)
	assert.Equal(t, []int{7, 2, 1, 0, 4}, labels)

	_, err = ReadLabels(bytes.NewReader(idxLabels(t, 2051, []byte{1})))
	assert.ErrorIs(t, err, ErrDataFormat)

	data := idxLabels(t, 2049, []byte{1, 2, 3})
	_, err = ReadLabels(bytes.NewReader(data[:len(data)-1]))
	assert.ErrorIs(t, err, ErrDataFormat)
}

func TestReadLabelsCountBeyondPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []uint32{2049, 0xFFFFFFFF}))
	buf.Write([]byte{1, 2, 3})

	_, err := ReadLabels(&buf)
	assert.ErrorIs(t, err, ErrDataFormat)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestLoadImagesAndLabelsFromFiles(t *testing.T) {
	dir := t.TempDir()
	imgPath := filepath.Join(dir, "t10k-images-idx3-ubyte")
	lblPath := filepath.Join(dir, "t10k-labels-idx1-ubyte.gz")

	require.NoError(t, os.WriteFile(imgPath, idxImages(t, 2051, 1, 2, 2, []byte{0, 0, 0, 255}), 0o644))

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write(idxLabels(t, 2049, []byte{3}))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(lblPath, gz.Bytes(), 0o644))

	images, err := LoadImages(imgPath)
	require.NoError(t, err)
	assert.Equal(t, 1.0, images.At(0, 3))

	labels, err := LoadLabels(lblPath)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, labels)

	_, err = LoadImages(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, ErrDataFormat)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
