package prometheus

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

var (
	atomicPacketsIn      uint64
	atomicPacketsOut     uint64
	atomicPacketsDropped uint64

	promPacketLabels = []string{"direction"}

	promPacketTotal   *prometheus.CounterVec
	promPacketDropped prometheus.Counter
	promNackTotal     *prometheus.CounterVec
	promPliTotal      *prometheus.CounterVec
	promFirTotal      *prometheus.CounterVec
)

func initPacketStats(nodeID string) {
	promPacketTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "packet",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, promPacketLabels)
	promPacketDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "packet",
		Name:        "dropped",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promNackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "nack",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, promPacketLabels)
	promPliTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "pli",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, promPacketLabels)
	promFirTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "fir",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, promPacketLabels)

	prometheus.MustRegister(promPacketTotal)
	prometheus.MustRegister(promPacketDropped)
	prometheus.MustRegister(promNackTotal)
	prometheus.MustRegister(promPliTotal)
	prometheus.MustRegister(promFirTotal)
}

func IncrementPackets(direction Direction, count uint64) {
	if direction == Incoming {
		atomic.AddUint64(&atomicPacketsIn, count)
	} else {
		atomic.AddUint64(&atomicPacketsOut, count)
	}
	if !initialized.Load() {
		return
	}
	promPacketTotal.WithLabelValues(string(direction)).Add(float64(count))
}

func IncrementPacketsDropped(count uint64) {
	atomic.AddUint64(&atomicPacketsDropped, count)
	if !initialized.Load() {
		return
	}
	promPacketDropped.Add(float64(count))
}

func IncrementRTCP(direction Direction, nack, pli, fir int32) {
	if !initialized.Load() {
		return
	}
	if nack > 0 {
		promNackTotal.WithLabelValues(string(direction)).Add(float64(nack))
	}
	if pli > 0 {
		promPliTotal.WithLabelValues(string(direction)).Add(float64(pli))
	}
	if fir > 0 {
		promFirTotal.WithLabelValues(string(direction)).Add(float64(fir))
	}
}
