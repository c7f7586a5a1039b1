// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package server

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/westerndigitalcorporation/gfmd/internal/core"
)

// OpMetric counts operations (RPCs served, removals dispatched, files fixed)
// and tracks their latency and how many are outstanding. It registers
// <name>{result,...}, a counter where every Start counts as result="all" and
// every failure as result="failed", <name>_latency{...}, a summary of the
// latency of ops that didn't fail, and <name>_pending{...}, a gauge of
// started but unfinished ops.
type OpMetric struct {
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric registers the metric set 'name' with the given extra labels.
func NewOpMetric(name string, labels ...string) *OpMetric {
	return &OpMetric{
		counters:  promauto.NewCounterVec(prometheus.CounterOpts{Name: name}, append([]string{"result"}, labels...)),
		latencies: promauto.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency"}, labels),
		pending:   promauto.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending"}, labels),
	}
}

// Op is one operation being measured.
type Op struct {
	m      *OpMetric
	values []string
	start  time.Time
	failed bool
}

// Start begins measuring an operation with the given label values.
func (m *OpMetric) Start(values ...string) *Op {
	m.counters.WithLabelValues(append([]string{"all"}, values...)...).Inc()
	m.pending.WithLabelValues(values...).Inc()
	return &Op{m: m, values: values, start: time.Now()}
}

// Failed marks the op failed, which excludes it from the latency summary.
func (op *Op) Failed() {
	op.failed = true
	op.m.counters.WithLabelValues(append([]string{"failed"}, op.values...)...).Inc()
}

// End finishes the op.
func (op *Op) End() {
	if !op.failed {
		op.m.latencies.WithLabelValues(op.values...).Observe(time.Since(op.start).Seconds())
	}
	op.m.pending.WithLabelValues(op.values...).Dec()
}

// EndWithError marks the op failed unless err is NoError, then ends it.
func (op *Op) EndWithError(err core.Error) {
	if err != core.NoError {
		op.Failed()
	}
	op.End()
}

// Count reads back the counter for 'result'.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	var v dto.Metric
	if m.counters.WithLabelValues(append([]string{result}, values...)...).Write(&v) != nil || v.Counter == nil {
		return 0
	}
	return uint64(v.Counter.GetValue())
}

// String describes the latency and outstanding count for the label values.
func (m *OpMetric) String(values ...string) string {
	out := SummaryString(m.latencies.WithLabelValues(values...))
	var v dto.Metric
	if m.pending.WithLabelValues(values...).Write(&v) == nil && v.Gauge != nil {
		out += fmt.Sprintf(" / %d pending", int64(v.Gauge.GetValue()))
	}
	return fmt.Sprintf("%s / %d failed", out, m.Count("failed", values...))
}

// Strings maps each key to String(key), for an OpMetric with one label.
func (m *OpMetric) Strings(keys ...string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = m.String(k)
	}
	return out
}

// SummaryString renders a summary's count and quantiles.
func SummaryString(obs prometheus.Observer) string {
	s, ok := obs.(prometheus.Summary)
	if !ok {
		return ""
	}
	var v dto.Metric
	if s.Write(&v) != nil || v.Summary == nil {
		return ""
	}
	out := fmt.Sprintf("count=%d", v.Summary.GetSampleCount())
	for _, q := range v.Summary.Quantile {
		out += fmt.Sprintf("; %gth=%.3fs", q.GetQuantile()*100, q.GetValue())
	}
	return out
}
