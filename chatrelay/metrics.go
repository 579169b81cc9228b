package chatrelay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricsNamespace = "chatrelay"

const (
	resultOK    = "ok"
	resultError = "error"
)

// Metrics holds the bot's prometheus collectors. Each instance has its own
// registry, so multiple bots (or tests) don't collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	relayRequests    *prometheus.CounterVec
	relayDuration    prometheus.Histogram
	historyBuffers   prometheus.GaugeFunc
	classifications  *prometheus.CounterVec
	renames          *prometheus.CounterVec
	discordCommands  *prometheus.CounterVec
	apiRequests      *prometheus.CounterVec
	permissionDenied prometheus.Counter
}

func newMetrics(bufferCount func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		relayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "relay_requests_total",
				Help:      "Completion requests relayed, by result.",
			},
			[]string{"result"},
		),
		relayDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "relay_duration_seconds",
				Help:      "Time from submitting a prompt to receiving the full reply.",
				Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
			},
		),
		historyBuffers: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "history_buffers",
				Help:      "Conversation history buffers in memory.",
			},
			bufferCount,
		),
		classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "nickname_classifications_total",
				Help:      "Nicknames classified, by severity.",
			},
			[]string{"severity"},
		),
		renames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "nickname_renames_total",
				Help:      "Members renamed to a placeholder nickname, by result.",
			},
			[]string{"result"},
		),
		discordCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "discord_commands_total",
				Help:      "Slash commands received, by command name.",
			},
			[]string{"command"},
		),
		apiRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "api_requests_total",
				Help:      "Admin API requests, by route and status code.",
			},
			[]string{"route", "code"},
		),
		permissionDenied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "permission_denied_total",
				Help:      "Slash commands rejected for missing permissions.",
			},
		),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.relayRequests,
		m.relayDuration,
		m.historyBuffers,
		m.classifications,
		m.renames,
		m.discordCommands,
		m.apiRequests,
		m.permissionDenied,
	)
	return m
}

// Registry returns the registry the collectors are registered with
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
