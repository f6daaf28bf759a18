// Copyright 2015 The Prometheus Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package walfiltermetrics registers and updates the Prometheus collectors
// a long-running walfilter instance exposes, implementing
// walfilter.Metrics so ReassemblyState never imports client_golang itself.
package walfiltermetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/prometheus/walfilter/internal/walfilter"
)

// Metrics holds every collector this package registers.
type Metrics struct {
	recordsTotal      *prometheus.CounterVec
	bytesProcessed    prometheus.Counter
	segmentFetchTotal *prometheus.CounterVec
}

// New creates and registers the collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walfilter",
			Name:      "records_total",
			Help:      "Total number of WAL records filtered, by action taken.",
		}, []string{"action"}),
		bytesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "walfilter",
			Name:      "bytes_processed_total",
			Help:      "Total number of WAL bytes written to output.",
		}),
		segmentFetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "walfilter",
			Name:      "segment_fetch_total",
			Help:      "Total number of neighbor-segment fetches attempted while reassembling a straddling record, by direction and result.",
		}, []string{"direction", "result"}),
	}
	reg.MustRegister(m.recordsTotal, m.bytesProcessed, m.segmentFetchTotal)
	return m
}

var _ walfilter.Metrics = (*Metrics)(nil)

// RecordFiltered implements walfilter.Metrics.
func (m *Metrics) RecordFiltered(action walfilter.FilterAction) {
	label := "pass"
	if action == walfilter.ActionNoop {
		label = "noop"
	}
	m.recordsTotal.WithLabelValues(label).Inc()
}

// BytesProcessed implements walfilter.Metrics.
func (m *Metrics) BytesProcessed(n int) {
	m.bytesProcessed.Add(float64(n))
}

// SegmentFetch implements walfilter.Metrics.
func (m *Metrics) SegmentFetch(dir walfilter.Direction, found bool) {
	direction := "prev"
	if dir == walfilter.DirectionNext {
		direction = "next"
	}
	result := "missing"
	if found {
		result = "found"
	}
	m.segmentFetchTotal.WithLabelValues(direction, result).Inc()
}
