package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-vit/internal/cache"
	"github.com/23skdu/longbow-vit/internal/classify"
	"github.com/23skdu/longbow-vit/internal/client"
	"github.com/23skdu/longbow-vit/internal/dataset"
	"github.com/23skdu/longbow-vit/internal/vit"
)

var (
	configPath    = flag.String("config", "", "Path to a YAML model config (defaults to the MNIST config)")
	imagesPath    = flag.String("images", "", "Path to an IDX image archive (e.g. t10k-images-idx3-ubyte[.gz])")
	labelsPath    = flag.String("labels", "", "Path to the matching IDX label archive")
	csvPath       = flag.String("csv", "", "Path to a CSV of images, one per row, optional leading label column")
	csvHeader     = flag.Bool("csv-header", false, "CSV input has a header line")
	csvScale      = flag.Float64("csv-scale", 255, "Divide CSV pixel values by this (255 for raw bytes, 1 for [0,1] data)")
	synthetic     = flag.Int("synthetic", 0, "Classify N generated images")
	limit         = flag.Int("limit", 0, "Classify at most N images")
	seed          = flag.Uint64("seed", 0, "Override the config's initialization seed")
	workers       = flag.Int("workers", 0, "Concurrent forward workers (0 = NumCPU)")
	chunkSize     = flag.Int("chunk", 32, "Images per classifier chunk")
	outPath       = flag.String("out", "", "Write logits as an Arrow IPC stream to this file ('-' for stdout)")
	logitsCSV     = flag.String("logits-csv", "", "Write logits as CSV to this file")
	show          = flag.Int("show", 10, "Log predictions for the first N images")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	duration      = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	serverAddr    = flag.String("flight-server", "", "Flight server to forward results to (e.g., localhost:3000)")
	datasetName   = flag.String("dataset", "vit_logits", "Target dataset name on the Flight server")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight-listen", "", "Address to listen on for Flight DoExchange classification (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 4096, "Maximum number of images in flight across HTTP requests")
	cacheEntries  = flag.Int("cache-entries", 100000, "Logits cache capacity for the HTTP server (0 disables)")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", *logLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	model, err := vit.New(cfg, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create model")
	}
	log.Info().
		Int("image_size", cfg.ImageSize).
		Int("patch_size", cfg.PatchSize).
		Int("embed_dim", cfg.EmbedDim).
		Int("heads", cfg.NumHeads).
		Int("layers", cfg.NumLayers).
		Int("classes", cfg.NumClasses).
		Int("parameters", model.NumParameters()).
		Uint64("seed", cfg.Seed).
		Msg("Model ready")

	classifier := classify.NewClassifier(model, *workers, *chunkSize)

	var fc *client.FlightClient
	if *serverAddr != "" {
		fc, err = client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Msg("Connected to Flight Server")
	}

	// Server Mode
	if *listenAddr != "" || *flightAddr != "" {
		if err := serve(ctx, cfg, classifier, fc); err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
		return
	}

	images, labels, err := loadImages(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load images")
	}

	if *duration > 0 {
		soak(ctx, classifier, images, *duration)
		return
	}

	start := time.Now()
	logits, err := model.ForwardContext(ctx, images, *workers)
	if err != nil {
		log.Fatal().Err(err).Msg("Forward pass failed")
	}
	elapsed := time.Since(start)

	n, _ := images.Dims()
	log.Info().
		Int("count", n).
		Dur("elapsed", elapsed).
		Float64("images_per_sec", float64(n)/elapsed.Seconds()).
		Msg("Classified images")

	report(logits, labels)

	if err := writeOutputs(ctx, fc, logits, labels); err != nil {
		log.Fatal().Err(err).Msg("Failed to write results")
	}
}

func loadConfig() (vit.Config, error) {
	cfg := vit.DefaultMNISTConfig()
	if *configPath != "" {
		var err error
		if cfg, err = vit.LoadConfig(*configPath); err != nil {
			return cfg, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			cfg.Seed = *seed
		}
	})
	return cfg, cfg.Validate()
}

// loadImages picks the input source: IDX archive, CSV, or generated images.
func loadImages(cfg vit.Config) (*mat.Dense, []int, error) {
	var (
		images *mat.Dense
		labels []int
		err    error
	)
	switch {
	case *imagesPath != "":
		if images, err = dataset.LoadImages(*imagesPath); err != nil {
			return nil, nil, err
		}
		if *labelsPath != "" {
			if labels, err = dataset.LoadLabels(*labelsPath); err != nil {
				return nil, nil, err
			}
		}
	case *csvPath != "":
		raw, err := dataset.LoadMatrixCSV(*csvPath, *csvHeader)
		if err != nil {
			return nil, nil, err
		}
		if images, labels, err = dataset.SplitLabeled(raw, cfg.ImagePixels(), *csvScale); err != nil {
			return nil, nil, err
		}
	default:
		n := *synthetic
		if n <= 0 {
			n = 16
		}
		images = dataset.Synthetic(n, cfg.ImageSize, cfg.Seed)
		log.Info().Int("count", n).Msg("Using synthetic images")
	}

	n, _ := images.Dims()
	if labels != nil && len(labels) < n {
		log.Warn().Int("images", n).Int("labels", len(labels)).Msg("Fewer labels than images, ignoring labels")
		labels = nil
	}
	if *limit > 0 && *limit < n {
		images = mat.DenseCopyOf(images.Slice(0, *limit, 0, cfg.ImagePixels()))
		n = *limit
	}
	if labels != nil {
		labels = labels[:n]
	}
	return images, labels, nil
}

func report(logits *mat.Dense, labels []int) {
	preds := vit.Predict(logits)
	for i := 0; i < min(*show, len(preds)); i++ {
		ev := log.Info().Int("image", i).Int("prediction", preds[i].Class).Float64("confidence", preds[i].Confidence)
		if labels != nil {
			ev = ev.Int("label", labels[i])
		}
		ev.Msg("Prediction")
	}
	if labels != nil {
		acc, err := vit.Accuracy(preds, labels)
		if err != nil {
			log.Warn().Err(err).Msg("Accuracy unavailable")
			return
		}
		log.Info().Float64("accuracy", acc).Int("count", len(labels)).Msg("Evaluation complete")
	}
}

func writeOutputs(ctx context.Context, fc *client.FlightClient, logits *mat.Dense, labels []int) error {
	if *logitsCSV != "" {
		if err := dataset.SaveMatrixCSV(logits, *logitsCSV); err != nil {
			return err
		}
		log.Info().Str("path", *logitsCSV).Msg("Wrote logits CSV")
	}
	if *outPath == "" && fc == nil {
		return nil
	}

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildLogitsRecord(0, logits, labels)
	if err != nil {
		return err
	}
	defer rec.Release()

	if fc != nil {
		putCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := fc.DoPut(putCtx, *datasetName, rec); err != nil {
			return err
		}
		log.Info().Int64("rows", rec.NumRows()).Str("dataset", *datasetName).Msg("Sent logits over Flight")
	}

	if *outPath != "" {
		var w io.Writer = os.Stdout
		if *outPath != "-" {
			f, err := os.Create(*outPath)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		if err := writeArrowStream(w, rec); err != nil {
			return err
		}
	}
	return nil
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func serve(ctx context.Context, cfg vit.Config, classifier *classify.Classifier, fc *client.FlightClient) error {
	if *flightAddr != "" {
		fs, err := StartFlightServer(*flightAddr, classifier)
		if err != nil {
			return err
		}
		defer fs.Shutdown()
	}

	if *listenAddr == "" {
		<-ctx.Done()
		return nil
	}

	var lc cache.LogitsCache
	if *cacheEntries > 0 {
		lc = cache.NewMapCache(*cacheEntries)
	}
	var fcInterface FlightClientInterface
	if fc != nil {
		fcInterface = fc
	}
	srv := NewServer(classifier, fcInterface, lc, *datasetName, cfg.ImagePixels(), *maxConcurrent)
	return startServer(ctx, *listenAddr, srv)
}

func soak(ctx context.Context, classifier *classify.Classifier, images *mat.Dense, d time.Duration) {
	log.Info().Str("duration", d.String()).Msg("Starting soak test")
	n, _ := images.Dims()

	startTime := time.Now()
	endTime := startTime.Add(d)
	var totalImages int64
	var iter int

	for time.Now().Before(endTime) && ctx.Err() == nil {
		if _, err := classifier.Classify(ctx, images); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Fatal().Err(err).Msg("Soak iteration failed")
		}
		totalImages += int64(n)
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_images", totalImages).
				Float64("images_per_sec", float64(totalImages)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_images", totalImages).
		Dur("total_time", totalElapsed).
		Float64("avg_images_per_sec", float64(totalImages)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("vit"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
