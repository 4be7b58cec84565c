//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-vit/internal/client"
	"github.com/23skdu/longbow-vit/internal/dataset"
	"github.com/23skdu/longbow-vit/internal/vit"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}
	cfg := vit.DefaultMNISTConfig()

	log.Info().Str("addr", addr).Msg("Connecting to ViT Flight Server")

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer conn.Close()
	fc := flight.NewClientFromConn(conn, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Retry until the server accepts the exchange
	var stream flight.FlightService_DoExchangeClient
	for i := 0; i < 10; i++ {
		stream, err = fc.DoExchange(ctx)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Exchange failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open exchange after retries")
	}

	images := dataset.Synthetic(3, cfg.ImageSize, 1)
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildImageRecord(0, images)
	if err != nil {
		log.Fatal().Err(err).Msg("Build image record failed")
	}
	defer rec.Release()

	log.Info().Int64("count", rec.NumRows()).Msg("Sending images")
	start := time.Now()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		log.Fatal().Err(err).Msg("Write failed")
	}
	_ = writer.Close()
	_ = stream.CloseSend()

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		log.Fatal().Err(err).Msg("Read failed")
	}
	defer reader.Release()

	if !reader.Next() {
		log.Fatal().Err(reader.Err()).Msg("No logits record received")
	}
	logits, err := client.MatrixFromColumn(reader.Record(), client.ColumnLogits)
	if err != nil {
		log.Fatal().Err(err).Msg("Decode logits failed")
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("Received logits")

	r, c := logits.Dims()
	if r != int(rec.NumRows()) {
		log.Fatal().Int64("expected", rec.NumRows()).Int("got", r).Msg("Count mismatch")
	}
	if c != cfg.NumClasses {
		log.Fatal().Int("dim", c).Msgf("Dimension mismatch (expected %d)", cfg.NumClasses)
	}
	for i, p := range vit.Predict(logits) {
		log.Info().Int("index", i).Int("class", p.Class).Float64("confidence", p.Confidence).Msg("Prediction valid")
	}

	fmt.Println("VERIFICATION PASSED")
}
