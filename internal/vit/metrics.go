package vit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LayerDuration tracks time spent in specific model stages per image.
	LayerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vit_layer_duration_seconds",
		Help:    "Time spent in specific model stages",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"layer_type"})

	imagesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vit_images_forwarded_total",
		Help: "Total number of images passed through the forward pipeline",
	})
)

func observeLayer(layer string, start time.Time) {
	LayerDuration.WithLabelValues(layer).Observe(time.Since(start).Seconds())
}
