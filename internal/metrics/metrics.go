// Package metrics provides Prometheus metrics for earshot devices.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all earshot metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// EngineMetrics holds all Prometheus metrics for an earshot device.
type EngineMetrics struct {
	// Peer population gauges
	PeersByConnection *prometheus.GaugeVec // labels: state
	PairedPeers       prometheus.Gauge

	// Pairing counters
	PairingRequestsSent prometheus.Counter
	PairingTimeouts     prometheus.Counter
	PairingsCompleted   prometheus.Counter

	// Token exchange counters
	TokenExchangesCompleted prometheus.Counter
	TokenExchangeTimeouts   prometheus.Counter

	// Registry housekeeping
	StalePeersPurged prometheus.Counter

	// Proximity gauges (labeled by peer)
	PeerDistance *prometheus.GaugeVec // labels: target_peer
	PeerVolume   *prometheus.GaugeVec // labels: target_peer

	// Application state (one series per state, value 1 for current)
	AppState *prometheus.GaugeVec // labels: state

	// Ranging health
	DegradedRanging prometheus.Gauge

	// Device info (constant labels exposed as a gauge)
	DeviceInfo *prometheus.GaugeVec // labels: device, version
}

// InitMetrics initializes all metrics with the device name as a
// constant label.
func InitMetrics(deviceName, version string) *EngineMetrics {
	constLabels := prometheus.Labels{
		"device": deviceName,
	}

	m := &EngineMetrics{
		PeersByConnection: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "earshot_peers",
			Help:        "Known peers by connection state",
			ConstLabels: constLabels,
		}, []string{"state"}),
		PairedPeers: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "earshot_paired_peers",
			Help:        "Number of persisted paired peers",
			ConstLabels: constLabels,
		}),

		PairingRequestsSent: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "earshot_pairing_requests_sent_total",
			Help:        "Total outbound pairing requests",
			ConstLabels: constLabels,
		}),
		PairingTimeouts: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "earshot_pairing_timeouts_total",
			Help:        "Total pairing requests that expired unanswered",
			ConstLabels: constLabels,
		}),
		PairingsCompleted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "earshot_pairings_completed_total",
			Help:        "Total pairings completed in either direction",
			ConstLabels: constLabels,
		}),

		TokenExchangesCompleted: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "earshot_token_exchanges_completed_total",
			Help:        "Total precise-ranging token exchanges completed",
			ConstLabels: constLabels,
		}),
		TokenExchangeTimeouts: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "earshot_token_exchange_timeouts_total",
			Help:        "Total token exchanges that timed out",
			ConstLabels: constLabels,
		}),

		StalePeersPurged: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "earshot_stale_peers_purged_total",
			Help:        "Total unpaired peers removed for inactivity",
			ConstLabels: constLabels,
		}),

		PeerDistance: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "earshot_peer_distance_meters",
			Help:        "Smoothed distance estimate per peer in meters",
			ConstLabels: constLabels,
		}, []string{"target_peer"}),
		PeerVolume: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "earshot_peer_volume",
			Help:        "Derived listening volume per peer in [0, 1]",
			ConstLabels: constLabels,
		}, []string{"target_peer"}),

		AppState: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "earshot_app_state",
			Help:        "Application state (value is 1 for the current state)",
			ConstLabels: constLabels,
		}, []string{"state"}),

		DegradedRanging: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "earshot_degraded_ranging",
			Help:        "Whether ranging fell back to signal strength (1) or not (0)",
			ConstLabels: constLabels,
		}),

		DeviceInfo: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "earshot_device_info",
			Help: "Device information (value is always 1)",
		}, []string{"device", "version"}),
	}

	m.DeviceInfo.WithLabelValues(deviceName, version).Set(1)

	return m
}

// RemovePeer drops the per-peer proximity series after a disconnect.
func (m *EngineMetrics) RemovePeer(peerID string) {
	m.PeerDistance.DeleteLabelValues(peerID)
	m.PeerVolume.DeleteLabelValues(peerID)
}

// SetAppState marks the given state current and clears the others.
func (m *EngineMetrics) SetAppState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1.0
		}
		m.AppState.WithLabelValues(s).Set(v)
	}
}

// Handler returns an HTTP handler serving the metrics registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
