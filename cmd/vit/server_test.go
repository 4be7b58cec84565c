package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/fxamacker/cbor/v2"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-vit/internal/cache"
	"github.com/23skdu/longbow-vit/internal/classify"
	"github.com/23skdu/longbow-vit/internal/dataset"
	"github.com/23skdu/longbow-vit/internal/vit"
)

type mockFlightClient struct {
	mock.Mock
}

func (m *mockFlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	args := m.Called(ctx, datasetName, record)
	return args.Error(0)
}

func (m *mockFlightClient) Close() error {
	return nil
}

// countingClassifier wraps a real classifier and counts images sent to it.
type countingClassifier struct {
	*classify.Classifier
	images int
}

func (c *countingClassifier) ClassifyBatch(ctx context.Context, images *mat.Dense) <-chan classify.StreamResult {
	n, _ := images.Dims()
	c.images += n
	return c.Classifier.ClassifyBatch(ctx, images)
}

func testModel(t *testing.T) (*vit.VisionTransformer, vit.Config) {
	t.Helper()
	cfg := vit.NewConfig(8, 4, 16, 4, 1, 3)
	model, err := vit.New(cfg, vit.NewSource(1))
	require.NoError(t, err)
	return model, cfg
}

func imageRows(m *mat.Dense) [][]float64 {
	r, _ := m.Dims()
	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = mat.Row(nil, i, m)
	}
	return rows
}

func postClassify(t *testing.T, h http.Handler, ct string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/classify", bytes.NewReader(body))
	if ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestServer_Full(t *testing.T) {
	model, cfg := testModel(t)
	images := dataset.Synthetic(3, cfg.ImageSize, 9)
	want, err := model.Forward(images)
	require.NoError(t, err)

	mfc := &mockFlightClient{}
	counter := &countingClassifier{Classifier: classify.NewClassifier(model, 2, 2)}
	srv := NewServer(counter, mfc, cache.NewMapCache(0), "test-dataset", cfg.ImagePixels(), 64)
	h := srv.Handler()

	t.Run("Classify CBOR with Forwarding", func(t *testing.T) {
		mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil)

		body, err := cbor.Marshal(classifyRequest{Images: imageRows(images)})
		require.NoError(t, err)
		rr := postClassify(t, h, contentTypeCBOR, body)

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
		assert.Equal(t, contentTypeCBOR, rr.Header().Get("Content-Type"))

		var resp classifyResponse
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, rr.Header().Get("X-Request-Id"), resp.RequestID)
		require.Len(t, resp.Logits, 3)
		require.Len(t, resp.Predictions, 3)
		for i := range resp.Logits {
			assert.Equal(t, want.RawRowView(i), resp.Logits[i])
		}
		assert.Equal(t, vit.Predict(want), resp.Predictions)
		assert.Equal(t, 3, counter.images)
		mfc.AssertExpectations(t)
	})

	t.Run("Classify JSON served from cache", func(t *testing.T) {
		body, err := json.Marshal(classifyRequest{Images: imageRows(images)[:2]})
		require.NoError(t, err)
		rr := postClassify(t, h, "application/json; charset=utf-8", body)

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		assert.Equal(t, contentTypeJSON, rr.Header().Get("Content-Type"))

		var resp classifyResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Logits, 2)
		assert.InDeltaSlice(t, want.RawRowView(1), resp.Logits[1], 1e-12)
		assert.Equal(t, 3, counter.images, "cached images are not reclassified")
	})

	t.Run("Health Check", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})

	t.Run("Metrics", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "vit_images_processed_total")
	})
}

func TestServer_Errors(t *testing.T) {
	model, cfg := testModel(t)
	srv := NewServer(classify.NewClassifier(model, 1, 4), nil, nil, "test-dataset", cfg.ImagePixels(), 2)
	h := srv.Handler()

	good := make([]float64, cfg.ImagePixels())

	t.Run("Method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/classify", nil)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("Bad body", func(t *testing.T) {
		rr := postClassify(t, h, contentTypeCBOR, []byte{0xff, 0x00, 0x13})
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = postClassify(t, h, contentTypeJSON, []byte(`{"images": [[1, 2`))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("No images", func(t *testing.T) {
		body, _ := cbor.Marshal(classifyRequest{})
		rr := postClassify(t, h, "", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Wrong pixel count", func(t *testing.T) {
		body, _ := cbor.Marshal(classifyRequest{Images: [][]float64{good, make([]float64, 10)}})
		rr := postClassify(t, h, contentTypeCBOR, body)
		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
		assert.Contains(t, rr.Body.String(), "shape mismatch")
	})

	t.Run("Over admission limit", func(t *testing.T) {
		body, _ := cbor.Marshal(classifyRequest{Images: [][]float64{good, good, good}})
		rr := postClassify(t, h, contentTypeCBOR, body)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("Within admission limit", func(t *testing.T) {
		body, _ := cbor.Marshal(classifyRequest{Images: [][]float64{good, good}})
		rr := postClassify(t, h, contentTypeCBOR, body)
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}

func TestServer_ForwardFailureDoesNotFailRequest(t *testing.T) {
	model, cfg := testModel(t)
	mfc := &mockFlightClient{}
	mfc.On("DoPut", mock.Anything, "ds", mock.Anything).Return(assert.AnError)

	srv := NewServer(classify.NewClassifier(model, 1, 4), mfc, nil, "ds", cfg.ImagePixels(), 8)
	body, _ := cbor.Marshal(classifyRequest{Images: [][]float64{make([]float64, cfg.ImagePixels())}})
	rr := postClassify(t, srv.Handler(), contentTypeCBOR, body)

	assert.Equal(t, http.StatusOK, rr.Code)
	mfc.AssertNumberOfCalls(t, "DoPut", 1)
}
