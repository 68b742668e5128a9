package light

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsNamespace = "zwave_home"

	metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "light_commands_total",
		Namespace: metricsNamespace,
		Help:      "The number of dimmer commands issued, by result.",
	}, []string{"light", "command", "result"})

	metricMalformedPayloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "light_malformed_payloads_total",
		Namespace: metricsNamespace,
		Help:      "The number of color payloads that could not be decoded.",
	}, []string{"light"})

	metricRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "light_deferred_refreshes_total",
		Namespace: metricsNamespace,
		Help:      "The number of deferred primary value re-reads issued.",
	}, []string{"light"})
)
