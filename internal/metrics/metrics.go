// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics registers the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TensorFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "printwatch_tensor_frames_total",
		Help: "Total number of detection tensor frames decoded",
	})

	TensorFramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printwatch_tensor_frames_dropped_total",
		Help: "Total number of detection tensor frames dropped by reason",
	}, []string{"reason"})

	AggregatorFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "printwatch_aggregator_frames_total",
		Help: "Total number of windowed aggregation frames emitted",
	})

	AggregatorRowsRetained = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "printwatch_aggregator_rows_retained",
		Help: "Detection rows currently retained in the aggregation table",
	})

	BusRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printwatch_bus_requests_total",
		Help: "Total number of bus requests dispatched by subject pattern and outcome",
	}, []string{"pattern", "outcome"})

	RelayDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "printwatch_relay_drops_total",
		Help: "Total number of buffered cloud events dropped on FIFO overflow",
	})

	RelayPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "printwatch_relay_published_total",
		Help: "Total number of cloud events published to the remote bus",
	})

	PipelineTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "printwatch_pipeline_transitions_total",
		Help: "Total number of pipeline state transitions by pipeline and state",
	}, []string{"pipeline", "state"})
)

// IncTensorDrop records a dropped tensor frame with a concrete reason.
func IncTensorDrop(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	TensorFramesDroppedTotal.WithLabelValues(reason).Inc()
}

// IncBusRequest records a dispatched bus request outcome.
func IncBusRequest(pattern, outcome string) {
	if pattern == "" {
		pattern = "unknown"
	}
	BusRequestsTotal.WithLabelValues(pattern, outcome).Inc()
}
