package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-vit/internal/cache"
	"github.com/23skdu/longbow-vit/internal/classify"
	"github.com/23skdu/longbow-vit/internal/client"
	"github.com/23skdu/longbow-vit/internal/linalg"
	"github.com/23skdu/longbow-vit/internal/vit"
)

const (
	contentTypeCBOR = "application/cbor"
	contentTypeJSON = "application/json"

	maxBodyBytes     = 64 << 20
	admissionTimeout = 5 * time.Second
)

var (
	imagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vit_images_processed_total",
		Help: "The total number of images classified by the server",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vit_request_duration_seconds",
		Help:    "Time spent processing classify requests",
		Buckets: prometheus.DefBuckets,
	})

	requestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vit_requests_rejected_total",
		Help: "Classify requests rejected before inference, by reason",
	}, []string{"reason"})
)

type ClassifierInterface interface {
	ClassifyBatch(ctx context.Context, images *mat.Dense) <-chan classify.StreamResult
	Classify(ctx context.Context, images *mat.Dense) (*mat.Dense, error)
}

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

type classifyRequest struct {
	Images [][]float64 `json:"images" cbor:"images"`
}

type classifyResponse struct {
	RequestID   string           `json:"request_id" cbor:"request_id"`
	Logits      [][]float64      `json:"logits" cbor:"logits"`
	Predictions []vit.Prediction `json:"predictions" cbor:"predictions"`
}

type Server struct {
	classifier    ClassifierInterface
	flightClient  FlightClientInterface
	cache         cache.LogitsCache
	datasetName   string
	pixels        int
	builder       *client.RecordBatchBuilder
	sem           *semaphore.Weighted
	maxConcurrent int64
}

// NewServer creates the HTTP front end. fc and lc may be nil to disable
// Flight forwarding and result caching.
func NewServer(c ClassifierInterface, fc FlightClientInterface, lc cache.LogitsCache, dataset string, pixels, maxConcurrent int) *Server {
	return &Server{
		classifier:    c,
		flightClient:  fc,
		cache:         lc,
		datasetName:   dataset,
		pixels:        pixels,
		builder:       client.NewRecordBatchBuilder(memory.NewGoAllocator()),
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxConcurrent: int64(maxConcurrent),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/classify", s.handleClassify)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(ctx context.Context, addr string, srv *Server) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Starting ViT Server")
	if srv.flightClient != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding results over Flight")
	}

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var tracer = otel.Tracer("vit-server")

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleClassify")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)
	span.SetAttributes(attribute.String("request_id", requestID))
	logger := log.With().Str("request_id", requestID).Logger()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ct := requestContentType(r)
	var req classifyRequest
	if err := decode(ct, io.LimitReader(r.Body, maxBodyBytes), &req); err != nil {
		span.RecordError(err)
		requestsRejected.WithLabelValues("decode").Inc()
		http.Error(w, fmt.Sprintf("Bad Request (%s decode): %v", ct, err), http.StatusBadRequest)
		return
	}
	if len(req.Images) == 0 {
		requestsRejected.WithLabelValues("empty").Inc()
		http.Error(w, "Bad Request: no images", http.StatusBadRequest)
		return
	}
	for i, img := range req.Images {
		if len(img) != s.pixels {
			err := linalg.ShapeErrorf("classify", "image %d has %d pixels, expected %d", i, len(img), s.pixels)
			span.RecordError(err)
			requestsRejected.WithLabelValues("shape").Inc()
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
	}

	span.SetAttributes(attribute.Int("image_count", len(req.Images)))

	// Admission Control
	weight := int64(len(req.Images))
	if weight > s.maxConcurrent {
		requestsRejected.WithLabelValues("too_large").Inc()
		http.Error(w, fmt.Sprintf("Server busy: batch of %d exceeds limit %d", weight, s.maxConcurrent), http.StatusServiceUnavailable)
		return
	}
	admitCtx, cancel := context.WithTimeout(ctx, admissionTimeout)
	err := s.sem.Acquire(admitCtx, weight)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to acquire semaphore")
		requestsRejected.WithLabelValues("busy").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	logits, err := s.classify(ctx, req.Images)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Classification failed")
		status := http.StatusInternalServerError
		if errors.Is(err, linalg.ErrShapeMismatch) {
			status = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), status)
		return
	}
	imagesProcessed.Add(float64(len(req.Images)))

	if s.flightClient != nil {
		if err := s.forward(ctx, logits); err != nil {
			logger.Error().Err(err).Msg("Error forwarding results over Flight")
		}
	}

	resp := classifyResponse{
		RequestID:   requestID,
		Logits:      make([][]float64, len(req.Images)),
		Predictions: vit.Predict(logits),
	}
	for i := range resp.Logits {
		resp.Logits[i] = mat.Row(nil, i, logits)
	}

	w.Header().Set("Content-Type", ct)
	if err := encode(ct, w, resp); err != nil {
		logger.Error().Err(err).Msg("Failed to write response")
	}
}

// classify answers cached images directly and streams the rest through the
// classifier.
func (s *Server) classify(ctx context.Context, images [][]float64) (*mat.Dense, error) {
	var (
		logits  *mat.Dense
		keys    = make([]string, len(images))
		missing []int
		cached  = make(map[int][]float64)
	)
	for i, img := range images {
		if s.cache == nil {
			missing = append(missing, i)
			continue
		}
		keys[i] = cache.Key(s.datasetName, img)
		if v, ok := s.cache.Get(keys[i]); ok {
			cached[i] = v
		} else {
			missing = append(missing, i)
		}
	}

	setRow := func(i int, row []float64) {
		if logits == nil {
			logits = mat.NewDense(len(images), len(row), nil)
		}
		copy(logits.RawRowView(i), row)
	}
	for i, row := range cached {
		setRow(i, row)
	}
	if len(missing) == 0 {
		return logits, nil
	}

	batch := mat.NewDense(len(missing), s.pixels, nil)
	for j, i := range missing {
		copy(batch.RawRowView(j), images[i])
	}

	var firstErr error
	for res := range s.classifier.ClassifyBatch(ctx, batch) {
		if res.Err != nil {
			if firstErr == nil {
				firstErr = res.Err
			}
			continue
		}
		for k := 0; k < res.Count; k++ {
			i := missing[res.Offset+k]
			row := res.Logits.RawRowView(k)
			setRow(i, row)
			if s.cache != nil {
				s.cache.Put(keys[i], row)
			}
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return logits, nil
}

func (s *Server) forward(ctx context.Context, logits *mat.Dense) error {
	rb, err := s.builder.BuildLogitsRecord(0, logits, nil)
	if err != nil || rb == nil {
		return err
	}
	defer rb.Release()
	return s.flightClient.DoPut(ctx, s.datasetName, rb)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// requestContentType returns the codec for a request: JSON when asked for,
// CBOR otherwise.
func requestContentType(r *http.Request) string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && mt == contentTypeJSON {
		return contentTypeJSON
	}
	return contentTypeCBOR
}

func decode(ct string, r io.Reader, v any) error {
	if ct == contentTypeJSON {
		return json.NewDecoder(r).Decode(v)
	}
	return cbor.NewDecoder(r).Decode(v)
}

func encode(ct string, w io.Writer, v any) error {
	if ct == contentTypeJSON {
		return json.NewEncoder(w).Encode(v)
	}
	return cbor.NewEncoder(w).Encode(v)
}
