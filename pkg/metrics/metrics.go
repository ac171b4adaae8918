package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all application metrics
type Metrics struct {
	Registry *prometheus.Registry

	// HTTP metrics
	RequestDuration *prometheus.HistogramVec
	RequestTotal    *prometheus.CounterVec

	// Domain metrics
	PatientsCreated   prometheus.Counter
	PatientIDConflict prometheus.Counter
	TokenRotations    prometheus.Counter
	TokenResolutions  *prometheus.CounterVec
	EntriesAppended   prometheus.Counter
	EntryEdits        *prometheus.CounterVec
	AccessDenied      *prometheus.CounterVec
	LoginAttempts     *prometheus.CounterVec

	// Store and broker metrics
	DatabaseOperations *prometheus.CounterVec
	DatabaseLatency    *prometheus.HistogramVec
	EventsPublished    *prometheus.CounterVec
	EventsConsumed     *prometheus.CounterVec
	EventLatency       prometheus.Histogram
}

// New creates all metrics and registers them on a fresh registry, so that
// several instances can coexist in one process.
func New(namespace string) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "path", "status"}),
		RequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		PatientsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patients_created_total",
			Help:      "Total number of patients registered",
		}),
		PatientIDConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "patient_id_conflicts_total",
			Help:      "Patient creations rejected because the minted code was taken",
		}),
		TokenRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qr_token_rotations_total",
			Help:      "Total number of QR token rotations",
		}),
		TokenResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qr_token_resolutions_total",
			Help:      "QR token lookups by outcome",
		}, []string{"result"}),
		EntriesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_entries_appended_total",
			Help:      "Total number of record entries appended",
		}),
		EntryEdits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_entry_edits_total",
			Help:      "Record entry edit attempts by outcome",
		}, []string{"result"}),
		AccessDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_denied_total",
			Help:      "Authorization denials by operation",
		}, []string{"operation"}),
		LoginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Login attempts by session kind and outcome",
		}, []string{"kind", "result"}),

		DatabaseOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
		DatabaseLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "database_operation_duration_seconds",
			Help:      "Duration of database operations",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Domain events handed to the broker by outcome",
		}, []string{"type", "status"}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Domain events handled by the worker by outcome",
		}, []string{"type", "status"}),
		EventLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_latency_seconds",
			Help:      "Time between an event occurring and the worker handling it",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestDuration,
		m.RequestTotal,
		m.PatientsCreated,
		m.PatientIDConflict,
		m.TokenRotations,
		m.TokenResolutions,
		m.EntriesAppended,
		m.EntryEdits,
		m.AccessDenied,
		m.LoginAttempts,
		m.DatabaseOperations,
		m.DatabaseLatency,
		m.EventsPublished,
		m.EventsConsumed,
		m.EventLatency,
	)

	return m
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// ObserveResolution records a QR lookup.
func (m *Metrics) ObserveResolution(found bool) {
	if m == nil {
		return
	}
	if found {
		m.TokenResolutions.WithLabelValues("found").Inc()
		return
	}
	m.TokenResolutions.WithLabelValues("not_found").Inc()
}

// ObserveLogin records a login attempt.
func (m *Metrics) ObserveLogin(kind string, ok bool) {
	if m == nil {
		return
	}
	m.LoginAttempts.WithLabelValues(kind, result(ok)).Inc()
}

// ObserveEdit records an entry edit attempt.
func (m *Metrics) ObserveEdit(ok bool) {
	if m == nil {
		return
	}
	m.EntryEdits.WithLabelValues(result(ok)).Inc()
}

// ObserveDenied records an authorization denial.
func (m *Metrics) ObserveDenied(operation string) {
	if m == nil {
		return
	}
	m.AccessDenied.WithLabelValues(operation).Inc()
}

// ObservePatientCreated records a successful patient registration.
func (m *Metrics) ObservePatientCreated() {
	if m == nil {
		return
	}
	m.PatientsCreated.Inc()
}

// ObserveConflict records a patient code collision.
func (m *Metrics) ObserveConflict() {
	if m == nil {
		return
	}
	m.PatientIDConflict.Inc()
}

// ObserveRotation records a QR token rotation.
func (m *Metrics) ObserveRotation() {
	if m == nil {
		return
	}
	m.TokenRotations.Inc()
}

// ObserveAppend records a new record entry.
func (m *Metrics) ObserveAppend() {
	if m == nil {
		return
	}
	m.EntriesAppended.Inc()
}

// ObservePublish records a broker publish.
func (m *Metrics) ObservePublish(eventType string, ok bool) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, result(ok)).Inc()
}

// ObserveConsumed records a handled event and how long it took to arrive.
func (m *Metrics) ObserveConsumed(eventType string, ok bool, latency time.Duration) {
	if m == nil {
		return
	}
	m.EventsConsumed.WithLabelValues(eventType, result(ok)).Inc()
	if latency > 0 {
		m.EventLatency.Observe(latency.Seconds())
	}
}
