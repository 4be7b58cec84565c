package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-vit/internal/client"
)

// ViTFlightServer classifies images streamed over Flight DoExchange. Each
// incoming record must carry a "pixels" fixed_size_list column; every record
// is answered with one logits record.
type ViTFlightServer struct {
	flight.BaseFlightServer
	classifier ClassifierInterface
	alloc      memory.Allocator
	builder    *client.RecordBatchBuilder
}

func NewViTFlightServer(c ClassifierInterface) *ViTFlightServer {
	alloc := memory.NewGoAllocator()
	return &ViTFlightServer{
		classifier: c,
		alloc:      alloc,
		builder:    client.NewRecordBatchBuilder(alloc),
	}
}

func (s *ViTFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx := stream.Context()
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	var writer *flight.Writer
	defer func() {
		if writer != nil {
			_ = writer.Close()
		}
	}()

	for reader.Next() {
		rec := reader.Record()
		images, err := client.MatrixFromColumn(rec, client.ColumnPixels)
		if err != nil {
			return fmt.Errorf("exchange: %w", err)
		}
		offset := 0
		if idx, err := client.Int64Column(rec, client.ColumnIndex); err == nil && len(idx) > 0 {
			offset = int(idx[0])
		}

		logits, err := s.classifier.Classify(ctx, images)
		if err != nil {
			return fmt.Errorf("exchange: %w", err)
		}
		out, err := s.builder.BuildLogitsRecord(offset, logits, nil)
		if err != nil {
			return err
		}

		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()), ipc.WithAllocator(s.alloc))
		}
		err = writer.Write(out)
		out.Release()
		if err != nil {
			return err
		}
		imagesProcessed.Add(float64(rec.NumRows()))
		log.Debug().Int64("rows", rec.NumRows()).Int("offset", offset).Msg("DoExchange classified batch")
	}
	return reader.Err()
}

func StartFlightServer(addr string, c ClassifierInterface) (flight.Server, error) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewViTFlightServer(c))

	if err := server.Init(addr); err != nil {
		return nil, err
	}

	log.Info().Str("addr", server.Addr().String()).Msg("Starting ViT Flight Server")
	go func() {
		if err := server.Serve(); err != nil {
			log.Error().Err(err).Msg("Flight server failed")
		}
	}()
	return server, nil
}
