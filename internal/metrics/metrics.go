// Package metrics provides Prometheus instrumentation for escrowd.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escrowd"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowOperationsTotal counts state machine operations by name and outcome.
	EscrowOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_operations_total",
			Help:      "Escrow operations by operation and result (ok or the error kind).",
		},
		[]string{"op", "result"},
	)

	// EscrowSettlementsTotal counts terminal settlements by kind.
	EscrowSettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_settlements_total",
			Help:      "Settled escrows by kind (release, refund, emergency).",
		},
		[]string{"kind"},
	)

	// EscrowFeesCollected sums platform fees paid out, in smallest token units.
	EscrowFeesCollected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_fees_collected_units_total",
		Help:      "Platform fees transferred to the platform wallet, in token units.",
	})

	// EscrowDuration observes time from creation to settlement.
	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to settlement in seconds.",
		Buckets:   []float64{60, 600, 3600, 6 * 3600, 86400, 3 * 86400, 7 * 86400, 30 * 86400},
	})

	// EmergencyActionsTotal counts owner emergency actions. Any non-zero value
	// deserves a look.
	EmergencyActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_actions_total",
			Help:      "Owner emergency withdrawals by action (withdraw, sweep).",
		},
		[]string{"action"},
	)

	// EscrowOpen tracks non-terminal escrows by state.
	EscrowOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "escrow_open",
			Help:      "Escrows currently awaiting delivery or disputed.",
		},
		[]string{"state"},
	)

	// EscrowLockedUnits tracks the sum of amounts held by open escrows.
	EscrowLockedUnits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "escrow_locked_units",
		Help:      "Token units held by non-terminal escrows.",
	})

	// EscrowExpired tracks open escrows whose deadline has passed.
	EscrowExpired = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "escrow_expired",
		Help:      "Escrows awaiting delivery whose deadline has passed (refund claimable).",
	})

	// CustodyBalanceUnits is the custody account's token balance.
	CustodyBalanceUnits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "custody_balance_units",
		Help:      "Token balance of the escrow custody account.",
	})

	// ChainCallsTotal counts token gateway calls by method and result.
	ChainCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_calls_total",
			Help:      "Token contract calls by method and result.",
		},
		[]string{"method", "result"},
	)

	// ChainCallDuration observes token gateway latency by method.
	ChainCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_call_duration_seconds",
			Help:      "Token contract call latency in seconds, including confirmation waits.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method"},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		},
		[]string{"tier"}, // anonymous, authenticated
	)

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowOperationsTotal,
		EscrowSettlementsTotal,
		EscrowFeesCollected,
		EscrowDuration,
		EmergencyActionsTotal,
		EscrowOpen,
		EscrowLockedUnits,
		EscrowExpired,
		CustodyBalanceUnits,
		ChainCallsTotal,
		ChainCallDuration,
		WebhookDeliveriesTotal,
		ActiveWebSocketClients,
		RateLimitedTotal,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// ObserveChainCall records one gateway call. Use with defer:
//
//	defer metrics.ObserveChainCall("transfer", time.Now(), &err)
func ObserveChainCall(method string, start time.Time, errp *error) {
	ChainCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	result := "ok"
	if errp != nil && *errp != nil {
		result = "error"
	}
	ChainCallsTotal.WithLabelValues(method, result).Inc()
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, keeps label cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
