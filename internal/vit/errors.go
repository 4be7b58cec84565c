package vit

import (
	"errors"

	"github.com/23skdu/longbow-vit/internal/linalg"
)

var (
	// ErrInvalidConfiguration is returned by New when the dimensional
	// constraints of a Config do not hold.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrShapeMismatch is returned when an input tensor violates the shape
	// contract of a layer.
	ErrShapeMismatch = linalg.ErrShapeMismatch
)
