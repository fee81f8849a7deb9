package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter          = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_jobs_enqueued_total", Help: "Total enqueued jobs"})
	JobsCompleted           = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed              = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_jobs_failed_total", Help: "Jobs finished in failed status"})
	QueueDepthGauge         = prometheus.NewGauge(prometheus.GaugeOpts{Name: "outreach_jobs_pending", Help: "Jobs waiting to be claimed"})
	RateLimitRejects        = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_rate_limit_rejects_total", Help: "API requests rejected by rate limiter"})
	MessagesSent            = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_messages_sent_total", Help: "Campaign messages sent"})
	CampaignPauses          = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_campaign_pauses_total", Help: "Campaigns paused on credit exhaustion"})
	GatewayCalls            = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_gateway_calls_total", Help: "Successful AI gateway generations"})
	GatewayCacheHits        = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_gateway_cache_hits_total", Help: "Gateway responses served from cache"})
	GatewayDowngrades       = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_gateway_downgrades_total", Help: "Requests downgraded to the cheap tier"})
	GatewayQuotaDenials     = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_gateway_quota_denials_total", Help: "Requests denied on exhausted AI credits"})
	GatewayProviderFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "outreach_gateway_provider_failures_total", Help: "Individual provider call failures"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			JobsCompleted,
			JobsFailed,
			QueueDepthGauge,
			RateLimitRejects,
			MessagesSent,
			CampaignPauses,
			GatewayCalls,
			GatewayCacheHits,
			GatewayDowngrades,
			GatewayQuotaDenials,
			GatewayProviderFailures,
		)
	})
	return promhttp.Handler()
}
