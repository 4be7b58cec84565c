package vit

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-vit/internal/kernels"
	"github.com/23skdu/longbow-vit/internal/linalg"
)

// Prediction is the most probable class of one image.
type Prediction struct {
	Class      int     `json:"class" cbor:"class"`
	Confidence float64 `json:"confidence" cbor:"confidence"`
}

// Probabilities applies a row-wise softmax to a [batch, num_classes] logits
// tensor. logits is not modified.
func Probabilities(logits mat.Matrix) *mat.Dense {
	probs := mat.DenseCopyOf(logits)
	r, _ := probs.Dims()
	for i := 0; i < r; i++ {
		kernels.Softmax(probs.RawRowView(i))
	}
	return probs
}

// Predict returns the argmax class and its probability for every row.
func Predict(logits mat.Matrix) []Prediction {
	probs := Probabilities(logits)
	r, _ := probs.Dims()
	preds := make([]Prediction, r)
	for i := 0; i < r; i++ {
		row := probs.RawRowView(i)
		idx := floats.MaxIdx(row)
		preds[i] = Prediction{Class: idx, Confidence: row[idx]}
	}
	return preds
}

// Accuracy returns the fraction of predictions matching labels.
func Accuracy(preds []Prediction, labels []int) (float64, error) {
	if len(preds) != len(labels) {
		return 0, linalg.ShapeErrorf("accuracy", "%d predictions, %d labels", len(preds), len(labels))
	}
	if len(preds) == 0 {
		return 0, nil
	}
	correct := 0
	for i, p := range preds {
		if p.Class == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(preds)), nil
}
