package classify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vit_classify_chunk_duration_seconds",
		Help:    "Time spent running the model over one chunk of images",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	})

	chunksProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vit_classify_chunks_total",
		Help: "Total number of chunks classified successfully",
	})

	chunkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vit_classify_chunk_errors_total",
		Help: "Total number of chunks that failed",
	})

	imagesClassified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vit_classify_images_total",
		Help: "Total number of images classified",
	})

	throughput = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vit_classify_throughput",
		Help: "Throughput of the last batch in images per second",
	})
)
