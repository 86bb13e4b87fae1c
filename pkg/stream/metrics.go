package stream

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ssargent/treedump/pkg/codec"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// Metrics holds the Prometheus collectors for loads and saves. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	recordsLoaded *prometheus.CounterVec
	recordsSaved  *prometheus.CounterVec
	bytesLoaded   prometheus.Counter
	bytesSaved    prometheus.Counter
	corruptions   *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		recordsLoaded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treedump_records_loaded_total",
				Help: "Records applied from import streams, by record kind",
			},
			[]string{"kind"},
		),
		recordsSaved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treedump_records_saved_total",
				Help: "Records written to export streams, by record kind",
			},
			[]string{"kind"},
		),
		bytesLoaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "treedump_bytes_loaded_total",
			Help: "Uncompressed stream bytes consumed by loads",
		}),
		bytesSaved: factory.NewCounter(prometheus.CounterOpts{
			Name: "treedump_bytes_saved_total",
			Help: "Uncompressed stream bytes produced by saves",
		}),
		corruptions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treedump_corrupt_streams_total",
				Help: "Loads aborted because the stream was corrupt, by corruption kind",
			},
			[]string{"kind"},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "treedump_store_errors_total",
				Help: "Loads aborted by a target store failure, by operation",
			},
			[]string{"op"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "treedump_run_duration_seconds",
				Help:    "Duration of load and save runs",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"operation", "status"},
		),
	}
}

func (m *Metrics) recordLoaded(kind codec.RecordKind) {
	if m == nil {
		return
	}
	m.recordsLoaded.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) recordSaved(kind codec.RecordKind, n int) {
	if m == nil {
		return
	}
	m.recordsSaved.WithLabelValues(kind.String()).Inc()
	m.bytesSaved.Add(float64(n))
}

func (m *Metrics) corruption(kind codec.CorruptionKind) {
	if m == nil {
		return
	}
	m.corruptions.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) storeError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) observeRun(operation string, start time.Time, err error, bytesLoaded int64) {
	if m == nil {
		return
	}
	status := statusSuccess
	if err != nil {
		status = statusError
	}
	m.runDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
	if bytesLoaded > 0 {
		m.bytesLoaded.Add(float64(bytesLoaded))
	}
}
