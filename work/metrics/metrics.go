package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the playback engine. Registered once at package
// init via promauto; handlers expose them on /metrics.
var (
	// ProbeResults counts stream probe outcomes by classification.
	ProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptv_player_probe_results_total",
		Help: "Stream probe outcomes by classification",
	}, []string{"result"})

	// EngineStarts counts engine start attempts by engine and outcome.
	EngineStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptv_player_engine_starts_total",
		Help: "Engine start attempts by engine and result",
	}, []string{"engine", "result"})

	// EngineFallbacks counts transitions from a failed engine to the next
	// candidate in the selection order.
	EngineFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptv_player_engine_fallbacks_total",
		Help: "Fallbacks from a failed engine to the next candidate",
	}, []string{"from", "to"})

	// ProxiedRetries counts proxied retry attempts after a fatal engine error.
	ProxiedRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "iptv_player_proxied_retries_total",
		Help: "Proxied retry attempts after a fatal engine error",
	})

	// PlaybackErrors counts fatal playback errors by engine.
	PlaybackErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptv_player_playback_errors_total",
		Help: "Fatal playback errors by engine",
	}, []string{"engine"})

	// RenewalAttempts counts signed-URL renewal attempts by outcome.
	RenewalAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptv_player_renewal_attempts_total",
		Help: "Signed URL renewal attempts by result",
	}, []string{"result"})

	// ActiveSessions tracks whether a playback session is currently running.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iptv_player_active_sessions",
		Help: "Number of active playback sessions",
	})

	// CatalogChannels tracks the size of the loaded channel catalog.
	CatalogChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "iptv_player_catalog_channels",
		Help: "Number of channels in the loaded catalog",
	})

	// ResumeSaves counts resume position writes by outcome.
	ResumeSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iptv_player_resume_saves_total",
		Help: "Resume position writes by result",
	}, []string{"result"})
)
