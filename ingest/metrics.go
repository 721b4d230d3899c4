package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reasons a reading can be dropped
const (
	ReasonRead   = "read"
	ReasonAck    = "ack"
	ReasonDecode = "decode"
	ReasonStore  = "store"
	ReasonPanic  = "panic"
)

// Metrics groups the ingest path counters
type Metrics struct {
	Received prometheus.Counter
	Stored   prometheus.Counter
	Dropped  *prometheus.CounterVec
	Active   prometheus.Gauge
}

// NewMetrics creates the ingest metrics and registers them with reg when it is not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "granxa_ingest_payloads_received_total",
			Help: "Total number of payloads read from devices",
		}),
		Stored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "granxa_ingest_readings_stored_total",
			Help: "Total number of readings inserted into the store",
		}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "granxa_ingest_readings_dropped_total",
			Help: "Total number of readings dropped, by reason",
		}, []string{"reason"}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "granxa_ingest_active_handlers",
			Help: "Number of connection handlers currently running",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Received, m.Stored, m.Dropped, m.Active)
	}

	return m
}
