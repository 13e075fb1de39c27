package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Proxy metrics
	MinerConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratumgate_miner_connections_total",
			Help: "Total accepted miner connections by outcome",
		},
		[]string{"outcome"},
	)

	ActivePipelines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stratumgate_active_pipelines",
			Help: "Number of live miner connection pipelines",
		},
	)

	PortServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stratumgate_port_servers",
			Help: "Number of open tenant listeners",
		},
	)

	AuthorizeRewritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratumgate_authorize_rewrites_total",
			Help: "Total mining.authorize credentials rewritten",
		},
	)

	TLSPassthroughTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratumgate_tls_passthrough_total",
			Help: "Total connections switched to opaque TLS passthrough",
		},
	)

	UpstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratumgate_upstream_errors_total",
			Help: "Total upstream error replies by class",
		},
		[]string{"class"},
	)

	PortReloadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratumgate_port_reloads_total",
			Help: "Total targeted port reloads",
		},
	)

	// Scheduler metrics
	SchedulerTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratumgate_scheduler_ticks_total",
			Help: "Total schedule evaluation ticks",
		},
	)

	RemindersSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stratumgate_reminders_sent_total",
			Help: "Total subscription-expiry reminders delivered",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratumgate_api_requests_total",
			Help: "Total control-plane requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(MinerConnectionsTotal)
	prometheus.MustRegister(ActivePipelines)
	prometheus.MustRegister(PortServers)
	prometheus.MustRegister(AuthorizeRewritesTotal)
	prometheus.MustRegister(TLSPassthroughTotal)
	prometheus.MustRegister(UpstreamErrorsTotal)
	prometheus.MustRegister(PortReloadsTotal)
	prometheus.MustRegister(SchedulerTicksTotal)
	prometheus.MustRegister(RemindersSentTotal)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
