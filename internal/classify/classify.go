// Package classify runs a model over large image batches by splitting them
// into chunks that are processed concurrently and streamed back as they
// complete.
package classify

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-vit/internal/linalg"
)

const (
	defaultChunkSize = 32
	maxWorkers       = 16
)

// Model maps a [batch, pixels] image tensor to [batch, classes] logits.
// *vit.VisionTransformer satisfies it.
type Model interface {
	Forward(images mat.Matrix) (*mat.Dense, error)
}

// StreamResult carries the logits of images [Offset, Offset+Count) of the
// submitted batch. A non-nil Err ends the useful part of the stream.
type StreamResult struct {
	Offset int
	Count  int
	Logits *mat.Dense
	Err    error
}

// Classifier dispatches image chunks to a fixed pool of workers sharing one
// read-only model.
type Classifier struct {
	model     Model
	workers   int
	chunkSize int
	tracer    trace.Tracer
}

// NewClassifier creates a classifier. workers <= 0 uses the CPU count
// (capped at 16); chunkSize <= 0 uses 32 images per chunk.
func NewClassifier(model Model, workers, chunkSize int) *Classifier {
	if workers <= 0 {
		workers = min(runtime.NumCPU(), maxWorkers)
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Classifier{
		model:     model,
		workers:   workers,
		chunkSize: chunkSize,
		tracer:    otel.Tracer("vit-classify"),
	}
}

type chunk struct {
	offset, count int
}

// ClassifyBatch streams logits for images in completion order. The channel
// is closed once every dispatched chunk has reported. Cancelling ctx stops
// dispatching further chunks; chunks already running still report.
func (c *Classifier) ClassifyBatch(ctx context.Context, images *mat.Dense) <-chan StreamResult {
	if images == nil || images.IsEmpty() {
		out := make(chan StreamResult, 1)
		out <- StreamResult{Err: linalg.ShapeErrorf("classify", "empty image batch")}
		close(out)
		return out
	}

	batch, cols := images.Dims()
	numChunks := (batch + c.chunkSize - 1) / c.chunkSize

	ctx, span := c.tracer.Start(ctx, "ClassifyBatch")
	span.SetAttributes(
		attribute.Int("batch_size", batch),
		attribute.Int("chunks", numChunks),
		attribute.Int("workers", c.workers),
	)

	// Buffered so workers never block on a slow consumer.
	results := make(chan StreamResult, numChunks)
	jobs := make(chan chunk)

	go func() {
		defer close(jobs)
		for off := 0; off < batch; off += c.chunkSize {
			select {
			case jobs <- chunk{offset: off, count: min(c.chunkSize, batch-off)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	workers := min(c.workers, numChunks)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if ctx.Err() != nil {
					results <- StreamResult{Offset: job.offset, Count: job.count, Err: ctx.Err()}
					continue
				}
				results <- c.run(images.Slice(job.offset, job.offset+job.count, 0, cols), job)
			}
		}()
	}

	start := time.Now()
	go func() {
		wg.Wait()
		close(results)

		elapsed := time.Since(start)
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if elapsed > 0 {
			throughput.Set(float64(batch) / elapsed.Seconds())
		}
		log.Debug().
			Int("images", batch).
			Int("chunks", numChunks).
			Dur("elapsed", elapsed).
			Msg("Classified batch")
	}()

	return results
}

func (c *Classifier) run(images mat.Matrix, job chunk) StreamResult {
	start := time.Now()
	logits, err := c.model.Forward(images)
	chunkDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		chunkErrors.Inc()
		return StreamResult{Offset: job.offset, Count: job.count, Err: fmt.Errorf("chunk at %d: %w", job.offset, err)}
	}
	chunksProcessed.Inc()
	imagesClassified.Add(float64(job.count))
	return StreamResult{Offset: job.offset, Count: job.count, Logits: logits}
}

// Classify runs ClassifyBatch and reassembles the stream into a single
// [batch, classes] tensor in input order.
func (c *Classifier) Classify(ctx context.Context, images *mat.Dense) (*mat.Dense, error) {
	var (
		out      *mat.Dense
		covered  int
		firstErr error
	)
	for res := range c.ClassifyBatch(ctx, images) {
		if res.Err != nil {
			if firstErr == nil {
				firstErr = res.Err
			}
			continue
		}
		if out == nil {
			batch, _ := images.Dims()
			_, classes := res.Logits.Dims()
			out = mat.NewDense(batch, classes, nil)
		}
		for i := 0; i < res.Count; i++ {
			copy(out.RawRowView(res.Offset+i), res.Logits.RawRowView(i))
		}
		covered += res.Count
	}

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if batch, _ := images.Dims(); covered != batch {
		return nil, fmt.Errorf("classify: %d of %d images returned", covered, batch)
	}
	return out, nil
}
