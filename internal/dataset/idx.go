// Package dataset loads model inputs: MNIST-style IDX archives, CSV tables
// and generated images.
package dataset

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"
)

// ErrDataFormat is returned for unreadable or malformed input files.
var ErrDataFormat = errors.New("invalid data format")

const (
	imagesMagic = 2051
	labelsMagic = 2049

	pixelScale = 255.0

	// maxImagePixels bounds rows*cols of a single image (4096x4096).
	maxImagePixels = 1 << 24
	// reserveFloats is the initial capacity reserved for decoded pixels.
	reserveFloats = 1 << 20
)

// LoadImages reads an IDX image archive (optionally gzip-compressed, by
// ".gz" suffix) into a [count, rows*cols] tensor with pixels scaled to [0,1].
func LoadImages(path string) (*mat.Dense, error) {
	r, closeFn, err := open(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	images, err := ReadImages(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	n, pixels := images.Dims()
	log.Info().Str("path", path).Int("images", n).Int("pixels", pixels).Msg("Loaded IDX images")
	return images, nil
}

// ReadImages decodes an IDX3 image stream: big-endian magic 2051, count,
// rows and cols followed by count*rows*cols unsigned bytes.
func ReadImages(r io.Reader) (*mat.Dense, error) {
	var hdr [4]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: image header: %w", ErrDataFormat, err)
	}
	if hdr[0] != imagesMagic {
		return nil, fmt.Errorf("%w: image magic %d, want %d", ErrDataFormat, hdr[0], imagesMagic)
	}
	count, rows, cols := int(hdr[1]), int(hdr[2]), int(hdr[3])
	if count == 0 || rows == 0 || cols == 0 {
		return nil, fmt.Errorf("%w: empty image archive (count=%d rows=%d cols=%d)", ErrDataFormat, count, rows, cols)
	}

	if uint64(rows)*uint64(cols) > maxImagePixels {
		return nil, fmt.Errorf("%w: image size %dx%d exceeds %d pixels", ErrDataFormat, rows, cols, maxImagePixels)
	}

	// Storage grows with the payload actually read, so a header claiming
	// more images than the stream holds fails on truncation.
	pixels := rows * cols
	buf := make([]byte, pixels)
	data := make([]float64, 0, min(count, max(1, reserveFloats/pixels))*pixels)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: image %d of %d truncated at byte offset %d: %w",
				ErrDataFormat, i, count, 16+uint64(i)*uint64(pixels), err)
		}
		for _, b := range buf {
			data = append(data, float64(b)/pixelScale)
		}
	}
	return mat.NewDense(count, pixels, data), nil
}

// LoadLabels reads an IDX label archive (optionally gzip-compressed).
func LoadLabels(path string) ([]int, error) {
	r, closeFn, err := open(path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	labels, err := ReadLabels(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Info().Str("path", path).Int("labels", len(labels)).Msg("Loaded IDX labels")
	return labels, nil
}

// ReadLabels decodes an IDX1 label stream: big-endian magic 2049 and count
// followed by count unsigned bytes.
func ReadLabels(r io.Reader) ([]int, error) {
	var hdr [2]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: label header: %w", ErrDataFormat, err)
	}
	if hdr[0] != labelsMagic {
		return nil, fmt.Errorf("%w: label magic %d, want %d", ErrDataFormat, hdr[0], labelsMagic)
	}

	count := int64(hdr[1])
	buf, err := io.ReadAll(io.LimitReader(r, count))
	if err != nil {
		return nil, fmt.Errorf("%w: labels: %w", ErrDataFormat, err)
	}
	if int64(len(buf)) != count {
		return nil, fmt.Errorf("%w: labels truncated, got %d of %d: %w", ErrDataFormat, len(buf), count, io.ErrUnexpectedEOF)
	}
	labels := make([]int, len(buf))
	for i, b := range buf {
		labels[i] = int(b)
	}
	return labels, nil
}

func open(path string) (io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrDataFormat, err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return bufio.NewReader(f), func() { _ = f.Close() }, nil
	}

	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrDataFormat, path, err)
	}
	return zr, func() {
		_ = zr.Close()
		_ = f.Close()
	}, nil
}
