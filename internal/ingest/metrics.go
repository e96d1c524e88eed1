package ingest

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	batchesTotal  *prometheus.CounterVec
	acceptedTotal prometheus.Counter
	rejectedTotal prometheus.Counter
	insertedTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drivertrack",
			Subsystem: "ingest",
			Name:      "batches_total",
			Help:      "Location batches by outcome.",
		}, []string{"outcome"}),
		acceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivertrack",
			Subsystem: "ingest",
			Name:      "points_accepted_total",
			Help:      "Points acknowledged to clients, including duplicates.",
		}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivertrack",
			Subsystem: "ingest",
			Name:      "points_rejected_total",
			Help:      "Points rejected for an unknown or foreign session.",
		}),
		insertedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drivertrack",
			Subsystem: "ingest",
			Name:      "points_inserted_total",
			Help:      "Points newly written to storage.",
		}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	reg.MustRegister(m.batchesTotal, m.acceptedTotal, m.rejectedTotal, m.insertedTotal)
}
