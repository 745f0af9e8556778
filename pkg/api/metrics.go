package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codeready-toolchain/herder/pkg/scheduler"
)

// metrics holds the server's Prometheus instruments on a private registry so
// multiple servers can coexist in tests.
type metrics struct {
	registry *prometheus.Registry

	webhookEvents *prometheus.CounterVec
	claims        *prometheus.CounterVec
	rateLimited   *prometheus.CounterVec
	queueDepth    prometheus.GaugeFunc
	activeWorkers prometheus.GaugeFunc
}

func newMetrics(sched *scheduler.Scheduler, workerCount func(context.Context) int) *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}

	m.webhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "herder_webhook_events_total",
		Help: "Webhook events by dispatch outcome.",
	}, []string{"outcome"})

	m.claims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "herder_work_claims_total",
		Help: "Worker claim attempts by result.",
	}, []string{"result"})

	m.rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "herder_rate_limited_total",
		Help: "Requests rejected by the sliding-window rate limiter.",
	}, []string{"surface"})

	m.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "herder_queue_depth",
		Help: "Sessions waiting in the global work queue.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		depth, err := sched.QueueDepth(ctx)
		if err != nil {
			return -1
		}
		return float64(depth)
	})

	m.activeWorkers = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "herder_active_workers",
		Help: "Worker hosts currently considered alive.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return float64(workerCount(ctx))
	})

	m.registry.MustRegister(m.webhookEvents, m.claims, m.rateLimited, m.queueDepth, m.activeWorkers)
	return m
}

func (m *metrics) handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
