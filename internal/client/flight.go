package client

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultMaxFailures  = 5
	defaultResetTimeout = 30 * time.Second
)

// FlightClient forwards classification records to a downstream store over
// Arrow Flight. Calls fail fast with ErrCircuitOpen while the store is
// unhealthy.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
}

// Option configures a FlightClient.
type Option func(*FlightClient)

// WithCircuitBreaker replaces the default breaker (5 failures, 30s).
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(c *FlightClient) { c.breaker = cb }
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string, opts ...Option) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	c := &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		breaker: NewCircuitBreaker(defaultMaxFailures, defaultResetTimeout),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DoPut sends a record batch to the given dataset on the server.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	err := c.breaker.Do(func() error {
		return c.put(ctx, datasetName, record)
	})
	switch {
	case err == nil:
		recordsForwarded.WithLabelValues("ok").Inc()
		rowsForwarded.Add(float64(record.NumRows()))
	case errors.Is(err, ErrCircuitOpen):
		recordsForwarded.WithLabelValues("rejected").Inc()
	default:
		recordsForwarded.WithLabelValues("error").Inc()
	}
	return err
}

func (c *FlightClient) put(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	})

	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// Drain the server's acknowledgements so errors raised after the last
	// message surface here.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Breaker exposes the client's circuit breaker.
func (c *FlightClient) Breaker() *CircuitBreaker {
	return c.breaker
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
