package enjambre

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments of the core. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	PinsVisible            prometheus.Gauge
	PendingMutations       prometheus.Gauge
	MutationsReplayed      prometheus.Counter
	MutationReplayFailures prometheus.Counter
	TilesDownloaded        prometheus.Counter
	TileFetchFailures      prometheus.Counter
	TileRuns               *prometheus.CounterVec
	Notifications          *prometheus.CounterVec
	UnreadConversations    prometheus.Gauge
	ActiveSubscriptions    prometheus.Gauge
	StorageDegraded        prometheus.Gauge
}

// NewMetrics creates the instruments on a private registry under namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PinsVisible: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pins_visible",
			Help:      "Pins in the filtered view",
		}),
		PendingMutations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_mutations",
			Help:      "Offline writes waiting for replay",
		}),
		MutationsReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_replayed_total",
			Help:      "Offline writes replayed successfully",
		}),
		MutationReplayFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutation_replay_failures_total",
			Help:      "Replay attempts that failed and left the queue blocked",
		}),
		TilesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_downloaded_total",
			Help:      "Map tiles fetched and persisted",
		}),
		TileFetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tile_fetch_failures_total",
			Help:      "Map tile fetches that failed",
		}),
		TileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tile_runs_total",
			Help:      "Region caching runs by outcome",
		}, []string{"outcome"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Conversation notifications by result",
		}, []string{"result"}),
		UnreadConversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_conversations",
			Help:      "Conversations unread by the owner across tracked pins",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversation_subscriptions",
			Help:      "Per-pin conversation subscriptions currently open",
		}),
		StorageDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_degraded",
			Help:      "1 when local storage fell back to memory",
		}),
	}
	reg.MustRegister(
		m.PinsVisible,
		m.PendingMutations,
		m.MutationsReplayed,
		m.MutationReplayFailures,
		m.TilesDownloaded,
		m.TileFetchFailures,
		m.TileRuns,
		m.Notifications,
		m.UnreadConversations,
		m.ActiveSubscriptions,
		m.StorageDegraded,
	)
	return m
}

// Registry returns the registry the instruments are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) setPinsVisible(n int) {
	if m != nil {
		m.PinsVisible.Set(float64(n))
	}
}

func (m *Metrics) setPending(n int) {
	if m != nil {
		m.PendingMutations.Set(float64(n))
	}
}

func (m *Metrics) replayed(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.MutationsReplayed.Inc()
	} else {
		m.MutationReplayFailures.Inc()
	}
}

func (m *Metrics) tileFetched(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.TilesDownloaded.Inc()
	} else {
		m.TileFetchFailures.Inc()
	}
}

func (m *Metrics) tileRun(outcome string) {
	if m != nil {
		m.TileRuns.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) notification(result string) {
	if m != nil {
		m.Notifications.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) setUnread(n int) {
	if m != nil {
		m.UnreadConversations.Set(float64(n))
	}
}

func (m *Metrics) setSubscriptions(n int) {
	if m != nil {
		m.ActiveSubscriptions.Set(float64(n))
	}
}

func (m *Metrics) setDegraded(d bool) {
	if m == nil {
		return
	}
	if d {
		m.StorageDegraded.Set(1)
	} else {
		m.StorageDegraded.Set(0)
	}
}
