// Copyright 2025 RTCMock Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

var (
	sessionCurrent   atomic.Int32
	sessionTotal     atomic.Int32
	negotiationTotal atomic.Int32

	promSessionCurrent     prometheus.Gauge
	promSessionDuration    prometheus.Histogram
	promSessionConnectTime prometheus.Histogram
	promNegotiationCounter *prometheus.CounterVec
	promConnectionResult   *prometheus.CounterVec
)

func initSessionStats(nodeID string) {
	promSessionCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "session",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promSessionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "session",
		Name:        "duration_seconds",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Buckets: []float64{
			1, 5, 10, 30, 60, 5 * 60, 10 * 60, 30 * 60, 60 * 60, 2 * 60 * 60,
		},
	})
	promSessionConnectTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "session",
		Name:        "connect_time_ms",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Buckets:     prometheus.ExponentialBucketsRange(10, 30000, 15),
	})
	promNegotiationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "session",
		Name:        "negotiation_counter",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"kind", "status"})
	promConnectionResult = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "session",
		Name:        "connection_result",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"result"})

	prometheus.MustRegister(promSessionCurrent)
	prometheus.MustRegister(promSessionDuration)
	prometheus.MustRegister(promSessionConnectTime)
	prometheus.MustRegister(promNegotiationCounter)
	prometheus.MustRegister(promConnectionResult)
}

func SessionStarted() {
	if !initialized.Load() {
		return
	}
	promSessionCurrent.Add(1)
	sessionCurrent.Inc()
	sessionTotal.Inc()
}

func SessionEnded(startedAt time.Time) {
	if !initialized.Load() {
		return
	}
	if !startedAt.IsZero() {
		promSessionDuration.Observe(float64(time.Since(startedAt)) / float64(time.Second))
	}
	promSessionCurrent.Sub(1)
	sessionCurrent.Dec()
}

func RecordConnectTime(d time.Duration) {
	if !initialized.Load() {
		return
	}
	promSessionConnectTime.Observe(float64(d.Milliseconds()))
}

// RecordNegotiation counts one offer/answer exchange by kind: "offer",
// "answer", "renegotiation", or "ice_restart".
func RecordNegotiation(kind string, err error) {
	if !initialized.Load() {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	promNegotiationCounter.WithLabelValues(kind, status).Inc()
	negotiationTotal.Inc()
}

func RecordConnectionResult(result string) {
	if !initialized.Load() {
		return
	}
	promConnectionResult.WithLabelValues(result).Inc()
}

func SessionsCurrent() int32 {
	return sessionCurrent.Load()
}

func SessionsTotal() int32 {
	return sessionTotal.Load()
}

func NegotiationsTotal() int32 {
	return negotiationTotal.Load()
}
