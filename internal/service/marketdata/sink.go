package marketdata

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sinkDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_sink_dropped_total",
			Help: "Updates dropped because an asynchronous sink was full",
		},
		[]string{"sink"},
	)
	sinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_sink_failures_total",
			Help: "Asynchronous sink writes that failed",
		},
		[]string{"sink"},
	)
)

func init() {
	prometheus.MustRegister(sinkDrops, sinkFailures)
}

const defaultSinkBuffer = 1024

// sinkQueue decouples the engine's writer lock from slow downstream writes.
type sinkQueue[T any] struct {
	name  string
	items chan T
}

func newSinkQueue[T any](name string, size int) sinkQueue[T] {
	if size <= 0 {
		size = defaultSinkBuffer
	}
	return sinkQueue[T]{name: name, items: make(chan T, size)}
}

func (q sinkQueue[T]) offer(item T) bool {
	select {
	case q.items <- item:
		return true
	default:
		sinkDrops.WithLabelValues(q.name).Inc()
		return false
	}
}
