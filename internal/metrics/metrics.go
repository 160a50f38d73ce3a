//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the engine's work as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"edgexfoundry/app-ble-positioning/internal/positioning"
)

const namespace = "ble_positioning"

// Collector implements positioning.Observer. Persistence failures are
// also logged, since they are never returned to the ingestion path.
type Collector struct {
	lc       logger.LoggingClient
	registry *prometheus.Registry

	reports      *prometheus.CounterVec
	readings     prometheus.Counter
	reassigns    *prometheus.CounterVec
	writes       *prometheus.CounterVec
	evicted      prometheus.Counter
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector creates a Collector with its own registry, which also
// carries the Go runtime and process collectors.
func NewCollector(lc logger.LoggingClient) *Collector {
	c := &Collector{
		lc:       lc,
		registry: prometheus.NewRegistry(),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Gateway reports processed, by outcome.",
		}, []string{"outcome"}),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Tag readings accepted.",
		}),
		reassigns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "zone_reassignments_total",
			Help:      "Zone reassignments, by reason.",
		}, []string{"reason"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_writes_total",
			Help:      "Asynchronous store writes, by operation and outcome.",
		}, []string{"op", "outcome"}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_readings_total",
			Help:      "Readings removed by the retention horizon.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed, by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	c.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		c.reports,
		c.readings,
		c.reassigns,
		c.writes,
		c.evicted,
		c.httpRequests,
		c.httpDuration,
	)
	return c
}

// Registry returns the registry the metrics are registered with.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ReportProcessed(gatewayID string, readings int, err error) {
	if err != nil {
		c.reports.WithLabelValues("rejected").Inc()
		return
	}
	c.reports.WithLabelValues("accepted").Inc()
	c.readings.Add(float64(readings))
}

// ReportDropped counts a report which never reached the engine.
func (c *Collector) ReportDropped() {
	c.reports.WithLabelValues("dropped").Inc()
}

func (c *Collector) ZoneReassigned(d positioning.Decision) {
	c.reassigns.WithLabelValues(string(d.Reason)).Inc()
}

func (c *Collector) Persisted(res positioning.PersistResult) {
	switch {
	case res.Err == nil:
		c.writes.WithLabelValues(string(res.Op), "ok").Inc()
		return
	case errors.Is(res.Err, positioning.ErrPersistQueueFull):
		c.writes.WithLabelValues(string(res.Op), "dropped").Inc()
	default:
		c.writes.WithLabelValues(string(res.Op), "failed").Inc()
	}

	c.lc.Error("Failed to persist.",
		"op", string(res.Op), "tag", res.TagID, "attempts", res.Attempts, "error", res.Err.Error())
}

func (c *Collector) Evicted(n int) {
	c.evicted.Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts and times the requests served by next.
func (c *Collector) WrapHandler(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		c.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		c.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
