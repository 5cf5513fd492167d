// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package oplog

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/juju/mgo/v3/bson"
)

const metricsNamespace = "juju_oplog"

// Collector is a prometheus.Collector that collects metrics about an
// oplog stream. A nil *Collector is valid and records nothing, so
// instrumentation stays optional.
type Collector struct {
	operations     *prometheus.CounterVec
	decodeFailures prometheus.Counter
	cursorReopens  prometheus.Counter
	lastTimestamp  prometheus.Gauge
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "The number of decoded oplog operations, by kind.",
			}, []string{"kind"},
		),
		decodeFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "decode_failures_total",
				Help:      "The number of oplog entries that failed to decode.",
			},
		),
		cursorReopens: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "cursor_reopens_total",
				Help:      "The number of times the tailing cursor was reopened.",
			},
		),
		lastTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "last_timestamp_seconds",
				Help:      "The wall clock seconds of the newest oplog entry seen.",
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.operations.Describe(ch)
	c.decodeFailures.Describe(ch)
	c.cursorReopens.Describe(ch)
	c.lastTimestamp.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.operations.Collect(ch)
	c.decodeFailures.Collect(ch)
	c.cursorReopens.Collect(ch)
	c.lastTimestamp.Collect(ch)
}

func (c *Collector) observeOperation(kind Kind) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) observeDecodeFailure() {
	if c == nil {
		return
	}
	c.decodeFailures.Inc()
}

func (c *Collector) observeReopen() {
	if c == nil {
		return
	}
	c.cursorReopens.Inc()
}

func (c *Collector) observeEntry(ts bson.MongoTimestamp) {
	if c == nil {
		return
	}
	c.lastTimestamp.Set(float64(int64(ts) >> 32))
}
