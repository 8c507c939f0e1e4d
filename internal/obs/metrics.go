package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	reconcileTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_reconcile_ticks_total",
			Help: "Reconciliation ticks by result.",
		},
		[]string{"result"},
	)

	reconcileMembers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_reconcile_members",
			Help: "Connected members seen in the last tick by classification.",
		},
		[]string{"state"},
	)

	roleChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_role_changes_total",
			Help: "Role grants and revocations applied to members.",
		},
		[]string{"op"},
	)

	broadcastMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_broadcast_messages_total",
			Help: "Broadcast messages by group and outcome (forwarded, suppressed, unmapped, failed).",
		},
		[]string{"group", "outcome"},
	)

	feedCursor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warden_feed_cursor",
			Help: "Highest feed id processed per feed.",
		},
		[]string{"feed"},
	)

	platformRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_platform_requests_total",
			Help: "Outbound platform API requests.",
		},
		[]string{"route", "status"},
	)

	platformDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warden_platform_request_duration_seconds",
			Help:    "Outbound platform API latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	notifyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warden_notify_failures_total",
			Help: "Operational notifications that could not be delivered.",
		},
		[]string{"sink"},
	)
)

// InitMetrics registers collectors in the default registry.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			reconcileTicks,
			reconcileMembers,
			roleChanges,
			broadcastMessages,
			feedCursor,
			platformRequests,
			platformDuration,
			notifyFailures,
		)
	})
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ReconcileTick(result string) { reconcileTicks.WithLabelValues(result).Inc() }

func ReconcileMembers(authorized, unknown int) {
	reconcileMembers.WithLabelValues("authorized").Set(float64(authorized))
	reconcileMembers.WithLabelValues("unknown").Set(float64(unknown))
}

func RoleChanges(op string, n int) {
	if n > 0 {
		roleChanges.WithLabelValues(op).Add(float64(n))
	}
}

func BroadcastMessage(group, outcome string) {
	broadcastMessages.WithLabelValues(group, outcome).Inc()
}

func FeedCursor(feed string, id int64) { feedCursor.WithLabelValues(feed).Set(float64(id)) }

// PlatformRequest records one outbound API call.
func PlatformRequest(route string, status int, took time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	platformRequests.WithLabelValues(route, code).Inc()
	platformDuration.WithLabelValues(route).Observe(took.Seconds())
}

func NotifyFailure(sink string) { notifyFailures.WithLabelValues(sink).Inc() }
