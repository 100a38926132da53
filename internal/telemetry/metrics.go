package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/archestra-oss/mcp-sandbox-supervisor/internal/model"
)

// Metrics is the supervisor's prometheus surface: container lifecycle
// counts, tool inventory, and proxy request volume/latency. Constructed the
// same way as the teacher's ContextMetrics
// (NewXWithRegisterer(reg) *X, one labeled vec per concern), which is the
// only place in the retrieval pack this idiom survives — the metrics
// *source* file wasn't in the pack, only its test, so the field names and
// constructor shape below are reconstructed from context_metrics_test.go's
// assertions rather than copied from source.
type Metrics struct {
	containerStateGauge *prometheus.GaugeVec
	toolsGauge          *prometheus.GaugeVec
	proxyRequests       *prometheus.CounterVec
	proxyDuration       *prometheus.HistogramVec
	runtimeRestarts     prometheus.Counter
}

// NewMetricsWithRegisterer constructs Metrics against reg, allowing tests to
// use a scratch prometheus.NewRegistry() instead of the global default
// registerer.
func NewMetricsWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		containerStateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Name:      "mcp_container_state",
			Help:      "Number of registered MCP containers currently in each state.",
		}, []string{"state"}),
		toolsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sandboxd",
			Name:      "mcp_tools_available",
			Help:      "Number of tools currently advertised, per MCP.",
		}, []string{"mcp_id"}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Name:      "proxy_requests_total",
			Help:      "Total proxy requests handled, by MCP id and outcome.",
		}, []string{"mcp_id", "status"}),
		proxyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sandboxd",
			Name:      "proxy_request_duration_seconds",
			Help:      "Proxy request latency in seconds, by MCP id.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mcp_id"}),
		runtimeRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sandboxd",
			Name:      "runtime_restarts_total",
			Help:      "Total number of times the container runtime was restarted or reset.",
		}),
	}

	reg.MustRegister(m.containerStateGauge, m.toolsGauge, m.proxyRequests, m.proxyDuration, m.runtimeRestarts)
	return m
}

// RecordContainerStateCounts replaces the container-state gauge snapshot
// with counts, zeroing every known ContainerStatus first so a state that
// drops to zero containers is still reported rather than left stale.
func (m *Metrics) RecordContainerStateCounts(counts map[model.ContainerStatus]int) {
	for _, s := range []model.ContainerStatus{
		model.ContainerNotCreated, model.ContainerCreated, model.ContainerInitializing,
		model.ContainerRunning, model.ContainerError, model.ContainerRestarting,
		model.ContainerStopping, model.ContainerStopped, model.ContainerExited,
	} {
		m.containerStateGauge.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// RecordToolCount sets the current tool count for mcpID.
func (m *Metrics) RecordToolCount(mcpID string, count int) {
	m.toolsGauge.WithLabelValues(mcpID).Set(float64(count))
}

// RecordProxyRequest records one completed proxy request's outcome and
// latency.
func (m *Metrics) RecordProxyRequest(mcpID, status string, durationSeconds float64) {
	m.proxyRequests.WithLabelValues(mcpID, status).Inc()
	m.proxyDuration.WithLabelValues(mcpID).Observe(durationSeconds)
}

// RecordRuntimeRestart increments the runtime-restart counter (Restart and
// Reset both count).
func (m *Metrics) RecordRuntimeRestart() {
	m.runtimeRestarts.Inc()
}

// Handler returns the /metrics HTTP handler serving reg's registered
// collectors.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
