package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

type mockFlightServer struct {
	flight.BaseFlightServer

	mu       sync.Mutex
	fail     bool
	paths    []string
	received []*mat.Dense
}

func (s *mockFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	if s.fail {
		return errors.New("store unavailable")
	}
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	if desc := reader.LatestFlightDescriptor(); desc != nil {
		s.mu.Lock()
		s.paths = append(s.paths, desc.Path...)
		s.mu.Unlock()
	}

	for reader.Next() {
		logits, err := MatrixFromColumn(reader.Record(), ColumnLogits)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.received = append(s.received, logits)
		s.mu.Unlock()
	}
	return reader.Err()
}

func startMockServer(t *testing.T, mock *mockFlightServer) string {
	t.Helper()
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mock)
	require.NoError(t, server.Init("localhost:0"))

	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return server.Addr().String()
}

func TestFlightClient_DoPut(t *testing.T) {
	mock := &mockFlightServer{}
	addr := startMockServer(t, mock)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	logits := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	rb, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildLogitsRecord(0, logits, nil)
	require.NoError(t, err)
	defer rb.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.DoPut(ctx, "mnist-test", rb))

	mock.mu.Lock()
	defer mock.mu.Unlock()
	assert.Equal(t, []string{"mnist-test"}, mock.paths)
	require.Len(t, mock.received, 1)
	assert.True(t, mat.Equal(logits, mock.received[0]))
	assert.Equal(t, StateClosed, client.Breaker().State())
}

func TestFlightClient_BreakerOpensOnFailures(t *testing.T) {
	addr := startMockServer(t, &mockFlightServer{fail: true})

	client, err := NewFlightClient(addr, WithCircuitBreaker(NewCircuitBreaker(2, time.Hour)))
	require.NoError(t, err)
	defer client.Close()

	rb, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildLogitsRecord(0, mat.NewDense(1, 2, []float64{0, 1}), nil)
	require.NoError(t, err)
	defer rb.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		err := client.DoPut(ctx, "mnist-test", rb)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, StateOpen, client.Breaker().State())
	assert.ErrorIs(t, client.DoPut(ctx, "mnist-test", rb), ErrCircuitOpen)
}
