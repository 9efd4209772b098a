package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Event kinds and outcomes used as label values on telefeed_events_total.
const (
	EventNew  = "new"
	EventEdit = "edit"

	OutcomeSent     = "sent"
	OutcomeEdited   = "edited"
	OutcomeResent   = "resent"
	OutcomeDeleted  = "deleted"
	OutcomeFiltered = "filtered"
	OutcomeSkipped  = "skipped"
	OutcomeFailed   = "failed"
)

// Restore levels and outcomes used on telefeed_restore_total.
const (
	LevelSession   = "session"
	LevelReconnect = "reconnect"
	LevelRule      = "rule"

	OutcomeRestored = "restored"
)

// Forwarding groups the collectors describing the redirection pipeline.
// A nil *Forwarding is valid and records nothing.
type Forwarding struct {
	Events             *prometheus.CounterVec
	ForwardDuration    prometheus.Histogram
	ListenersInstalled prometheus.Gauge
	SessionsLive       prometheus.Gauge
	Links              prometheus.Gauge
	Restore            *prometheus.CounterVec
}

// NewForwarding returns unregistered collectors. Use NewMetrics to get a
// registered set.
func NewForwarding() *Forwarding {
	return newForwarding()
}

func newForwarding() *Forwarding {
	return &Forwarding{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Chat events handled by the redirection engine",
		}, []string{"kind", "outcome"}),
		ForwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Time spent applying one chat event to its destination",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ListenersInstalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners_installed",
			Help:      "Rule listeners currently installed",
		}),
		SessionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_live",
			Help:      "Connected sessions in the registry",
		}),
		Links: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "links",
			Help:      "Source to destination message links held in memory",
		}),
		Restore: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restore_total",
			Help:      "Startup restoration results per session and per rule",
		}, []string{"level", "outcome"}),
	}
}

func (f *Forwarding) register(reg prometheus.Registerer) {
	reg.MustRegister(f.Events, f.ForwardDuration, f.ListenersInstalled, f.SessionsLive, f.Links, f.Restore)
}

// ObserveEvent counts one handled event and its latency.
func (f *Forwarding) ObserveEvent(kind, outcome string, took time.Duration) {
	if f == nil {
		return
	}
	f.Events.WithLabelValues(kind, outcome).Inc()
	f.ForwardDuration.Observe(took.Seconds())
}

func (f *Forwarding) SetListeners(n int) {
	if f == nil {
		return
	}
	f.ListenersInstalled.Set(float64(n))
}

func (f *Forwarding) SetSessionsLive(n int) {
	if f == nil {
		return
	}
	f.SessionsLive.Set(float64(n))
}

func (f *Forwarding) SetLinks(n int) {
	if f == nil {
		return
	}
	f.Links.Set(float64(n))
}

// ObserveRestore counts restoration outcomes at session or rule level.
func (f *Forwarding) ObserveRestore(level, outcome string, n int) {
	if f == nil || n == 0 {
		return
	}
	f.Restore.WithLabelValues(level, outcome).Add(float64(n))
}
