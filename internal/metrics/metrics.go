package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ChatRequests      *prometheus.CounterVec
	ProviderLatency   *prometheus.HistogramVec
	ProviderErrors    *prometheus.CounterVec
	QuotaRejected     prometheus.Counter
	RateLimited       prometheus.Counter
	ComplianceResults *prometheus.CounterVec
	ComplianceDropped prometheus.Counter
	SweptMessages     prometheus.Counter
	EnqueuedJobs      prometheus.Counter
	ProcessedJobs     prometheus.Counter
	UpdatesTotal      prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ChatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "chat_requests_total",
				Help:      "Send-message requests by outcome",
			}, []string{"outcome"}),
			ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "chatgate",
				Name:      "provider_request_seconds",
				Help:      "Wall-clock latency of provider round trips",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60, 120},
			}, []string{"family"}),
			ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "provider_errors_total",
				Help:      "Failed provider round trips by family",
			}, []string{"family"}),
			QuotaRejected: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "quota_rejected_total",
				Help:      "Requests rejected because the daily quota was exhausted",
			}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the per-minute rate limiter",
			}),
			ComplianceResults: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "compliance_results_total",
				Help:      "Compliance evaluations by result",
			}, []string{"result"}),
			ComplianceDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "compliance_dropped_total",
				Help:      "Compliance evaluations dropped before running",
			}),
			SweptMessages: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "compliance_swept_total",
				Help:      "UNCHECKED messages re-evaluated by the sweeper",
			}),
			EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "queue_enqueued_total",
				Help:      "Total compliance jobs enqueued to redis stream",
			}),
			ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "queue_processed_total",
				Help:      "Total compliance jobs consumed from redis stream",
			}),
			UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "chatgate",
				Name:      "telegram_updates_total",
				Help:      "Total telegram updates received",
			}),
		}
		prometheus.MustRegister(
			global.ChatRequests,
			global.ProviderLatency,
			global.ProviderErrors,
			global.QuotaRejected,
			global.RateLimited,
			global.ComplianceResults,
			global.ComplianceDropped,
			global.SweptMessages,
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.UpdatesTotal,
		)
	})
	return global
}
