package syncer

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	cyclesTotal       *prometheus.CounterVec
	acceptedTotal     prometheus.Counter
	rejectedTotal     prometheus.Counter
	quarantinedTotal  prometheus.Counter
	queueDepth        prometheus.Gauge
	consecutiveFailed prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drivertrack",
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Sync cycles by outcome.",
		}, []string{"outcome"}),
		acceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivertrack",
			Subsystem: "sync",
			Name:      "points_accepted_total",
			Help:      "Points acknowledged by the server and removed from the queue.",
		}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivertrack",
			Subsystem: "sync",
			Name:      "points_rejected_total",
			Help:      "Points rejected by the server.",
		}),
		quarantinedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivertrack",
			Subsystem: "sync",
			Name:      "points_quarantined_total",
			Help:      "Points moved to the dead-letter table.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivertrack",
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Points waiting in the local queue.",
		}),
		consecutiveFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drivertrack",
			Subsystem: "sync",
			Name:      "fail_count",
			Help:      "Consecutive failed sync attempts.",
		}),
	}
}

func (m *Metrics) register(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	reg.MustRegister(
		m.cyclesTotal,
		m.acceptedTotal,
		m.rejectedTotal,
		m.quarantinedTotal,
		m.queueDepth,
		m.consecutiveFailed,
	)
}
