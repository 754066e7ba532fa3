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
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	atomicMessagesIn      uint64
	atomicMessagesOut     uint64
	atomicMessageBytesIn  uint64
	atomicMessageBytesOut uint64

	promDataChannelCurrent prometheus.Gauge
	promMessageTotal       *prometheus.CounterVec
	promMessageBytes       *prometheus.CounterVec
)

func initDataChannelStats(nodeID string) {
	promDataChannelCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "datachannel",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promMessageTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "message",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, promPacketLabels)
	promMessageBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "message",
		Name:        "bytes",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, promPacketLabels)

	prometheus.MustRegister(promDataChannelCurrent)
	prometheus.MustRegister(promMessageTotal)
	prometheus.MustRegister(promMessageBytes)
}

func DataChannelOpened() {
	if !initialized.Load() {
		return
	}
	promDataChannelCurrent.Add(1)
}

func DataChannelClosed() {
	if !initialized.Load() {
		return
	}
	promDataChannelCurrent.Sub(1)
}

func IncrementMessages(direction Direction, count uint64) {
	if direction == Incoming {
		atomic.AddUint64(&atomicMessagesIn, count)
	} else {
		atomic.AddUint64(&atomicMessagesOut, count)
	}
	if !initialized.Load() {
		return
	}
	promMessageTotal.WithLabelValues(string(direction)).Add(float64(count))
}

func IncrementMessageBytes(direction Direction, count uint64) {
	if direction == Incoming {
		atomic.AddUint64(&atomicMessageBytesIn, count)
	} else {
		atomic.AddUint64(&atomicMessageBytesOut, count)
	}
	if !initialized.Load() {
		return
	}
	promMessageBytes.WithLabelValues(string(direction)).Add(float64(count))
}
