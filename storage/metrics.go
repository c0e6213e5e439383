package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts upload traffic. A nil *Metrics records nothing.
type Metrics struct {
	partsUploaded  prometheus.Counter
	bytesUploaded  prometheus.Counter
	uploadsAborted prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		partsUploaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "upload_parts_total",
			Help: "Number of upload parts sent to the object store.",
		}),
		bytesUploaded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "upload_bytes_total",
			Help: "Number of bytes sent to the object store.",
		}),
		uploadsAborted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "uploads_aborted_total",
			Help: "Number of uploads aborted after a failure.",
		}),
	}
}

func (m *Metrics) partUploaded(size int64) {
	if m == nil {
		return
	}
	m.partsUploaded.Inc()
	m.bytesUploaded.Add(float64(size))
}

func (m *Metrics) uploadAborted() {
	if m == nil {
		return
	}
	m.uploadsAborted.Inc()
}
