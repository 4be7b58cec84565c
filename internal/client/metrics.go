package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vit_flight_circuit_state",
		Help: "Flight forwarding circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	recordsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vit_flight_put_total",
		Help: "Record batches forwarded over Flight, by outcome",
	}, []string{"status"})

	rowsForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vit_flight_rows_total",
		Help: "Rows successfully forwarded over Flight",
	})
)
