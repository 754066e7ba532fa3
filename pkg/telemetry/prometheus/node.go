package prometheus

import (
	"time"

	"github.com/mackerelio/go-osstat/memory"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	rtcmockNamespace string = "rtcmock"
)

var (
	initialized atomic.Bool

	ServiceOperationCounter *prometheus.CounterVec

	promNodeCPULoad    prometheus.Gauge
	promNodeMemoryLoad prometheus.Gauge
	promNodeNumCPUs    prometheus.Gauge
	promNodeLoadAvg    prometheus.Gauge
)

func Init(nodeID string) {
	if initialized.Swap(true) {
		return
	}

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   rtcmockNamespace,
			Subsystem:   "node",
			Name:        "service_operation",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
		[]string{"type", "status", "error_type"},
	)

	promNodeCPULoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "node",
		Name:        "cpu_load",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promNodeMemoryLoad = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "node",
		Name:        "memory_load",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promNodeNumCPUs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "node",
		Name:        "num_cpus",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promNodeLoadAvg = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   rtcmockNamespace,
		Subsystem:   "node",
		Name:        "loadavg_1m",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})

	prometheus.MustRegister(ServiceOperationCounter)
	prometheus.MustRegister(promNodeCPULoad)
	prometheus.MustRegister(promNodeMemoryLoad)
	prometheus.MustRegister(promNodeNumCPUs)
	prometheus.MustRegister(promNodeLoadAvg)

	initSessionStats(nodeID)
	initDataChannelStats(nodeID)
	initPacketStats(nodeID)
}

// RecordServiceOperation counts one service-boundary call. errorType is empty
// on success.
func RecordServiceOperation(opType, status, errorType string) {
	if !initialized.Load() {
		return
	}
	ServiceOperationCounter.WithLabelValues(opType, status, errorType).Inc()
}

func getMemoryStats() (memoryLoad float32, err error) {
	memInfo, err := memory.Get()
	if err != nil {
		return
	}

	if memInfo.Total != 0 {
		memoryLoad = float32(memInfo.Used) / float32(memInfo.Total)
	}
	return
}

// UpdateNodeStats samples system load and refreshes the node gauges. Called
// periodically while the server runs.
func UpdateNodeStats() error {
	if !initialized.Load() {
		return nil
	}

	cpuLoad, numCPUs, err := getCPUStats()
	if err != nil {
		return err
	}
	promNodeCPULoad.Set(float64(cpuLoad))
	promNodeNumCPUs.Set(float64(numCPUs))

	loadAvg, err := getLoadAvg()
	if err == nil && loadAvg != nil {
		promNodeLoadAvg.Set(loadAvg.Loadavg1)
	}

	memoryLoad, _ := getMemoryStats()
	// vm_stat may be unavailable in minimal environments; keep the last value
	if memoryLoad > 0 {
		promNodeMemoryLoad.Set(float64(memoryLoad))
	}
	return nil
}

// StartNodeStatsLoop keeps node gauges fresh until stop is closed.
func StartNodeStatsLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = UpdateNodeStats()
		case <-stop:
			return
		}
	}
}
