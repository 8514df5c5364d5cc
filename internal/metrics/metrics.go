// Package metrics exposes run progress as Prometheus collectors on a
// private registry. The registry is written to a node-exporter textfile
// after each phase, so a run can be scraped without serving HTTP.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/san-kum/mlipal/internal/convergence"
	"github.com/san-kum/mlipal/internal/events"
)

const namespace = "mlipal"

type Metrics struct {
	registry *prometheus.Registry

	Iteration        prometheus.Gauge
	DatasetSize      *prometheus.GaugeVec
	DisagreementMax  prometheus.Gauge
	DisagreementMean prometheus.Gauge
	AboveCutoff      prometheus.Gauge
	ValidationMAE    *prometheus.GaugeVec
	Converged        prometheus.Gauge
	MemberMAEForce   *prometheus.GaugeVec
	EventsTotal      *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	PhaseDuration    *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, labelled with runID.
func New(runID string) *Metrics {
	labels := prometheus.Labels{"run": runID}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Iteration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "iteration",
			Help: "Current active-learning iteration", ConstLabels: labels,
		}),
		DatasetSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dataset_structures",
			Help: "Structures per dataset split", ConstLabels: labels,
		}, []string{"split"}),
		DisagreementMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "disagreement_max_mev",
			Help: "Largest committee disagreement on the pool, meV/Å", ConstLabels: labels,
		}),
		DisagreementMean: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "disagreement_mean_mev",
			Help: "Mean committee disagreement on the pool, meV/Å", ConstLabels: labels,
		}),
		AboveCutoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "above_cutoff",
			Help: "Pool structures above the disagreement cutoff", ConstLabels: labels,
		}),
		ValidationMAE: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "committee", Name: "validation_mae",
			Help: "Committee-averaged validation MAE (energy meV/atom, force meV/Å)", ConstLabels: labels,
		}, []string{"quantity"}),
		Converged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "converged",
			Help: "1 when the last convergence check passed", ConstLabels: labels,
		}),
		MemberMAEForce: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "committee", Name: "member_mae_force",
			Help: "Latest force MAE reported by each member, meV/Å", ConstLabels: labels,
		}, []string{"member"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "Progress events by kind", ConstLabels: labels,
		}, []string{"kind"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total",
			Help: "Failures by error kind", ConstLabels: labels,
		}, []string{"error_kind"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "phase_duration_seconds",
			Help:        "Wall time per phase",
			ConstLabels: labels,
			Buckets:     []float64{0.1, 1, 10, 60, 300, 900, 3600, 14400},
		}, []string{"phase"}),
	}
	m.registry.MustRegister(
		m.Iteration, m.DatasetSize, m.DisagreementMax, m.DisagreementMean, m.AboveCutoff,
		m.ValidationMAE, m.Converged, m.MemberMAEForce, m.EventsTotal, m.ErrorsTotal, m.PhaseDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Emit counts the event and tracks per-member progress.
func (m *Metrics) Emit(e events.Event) {
	m.EventsTotal.WithLabelValues(string(e.Kind)).Inc()
	switch e.Kind {
	case events.KindProgress:
		if e.Member != "" {
			m.MemberMAEForce.WithLabelValues(e.Member).Set(e.MAEForce)
		}
	case events.KindError:
		kind := e.ErrorKind
		if kind == "" {
			kind = "unknown"
		}
		m.ErrorsTotal.WithLabelValues(kind).Inc()
	}
}

// ObserveSplit records the dataset sizes of an iteration.
func (m *Metrics) ObserveSplit(iteration, train, valid, pool int) {
	m.Iteration.Set(float64(iteration))
	m.DatasetSize.WithLabelValues("train").Set(float64(train))
	m.DatasetSize.WithLabelValues("valid").Set(float64(valid))
	m.DatasetSize.WithLabelValues("pool").Set(float64(pool))
}

func (m *Metrics) ObserveConvergence(res convergence.Result) {
	m.DisagreementMax.Set(res.Metrics.DisagreementMax)
	m.DisagreementMean.Set(res.Metrics.DisagreementMean)
	m.AboveCutoff.Set(float64(res.Metrics.StructuresAboveCutoff))
	if v := res.Metrics.ValidationMAEEnergy; v != nil {
		m.ValidationMAE.WithLabelValues("energy").Set(*v)
	}
	if v := res.Metrics.ValidationMAEForce; v != nil {
		m.ValidationMAE.WithLabelValues("force").Set(*v)
	}
	if res.Converged {
		m.Converged.Set(1)
	} else {
		m.Converged.Set(0)
	}
}

func (m *Metrics) ObservePhase(phase string, d time.Duration) {
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// WriteTextfile writes the registry in text exposition format to path.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
