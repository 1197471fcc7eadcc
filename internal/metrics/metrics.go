// Package metrics exposes Prometheus instrumentation for the POS core.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SalesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_sales_recorded_total",
		Help: "Sales committed to the local store, by shop.",
	}, []string{"shop"})

	ReturnsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_returns_recorded_total",
		Help: "Return exchanges committed, by shop.",
	}, []string{"shop"})

	PurchasesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_purchases_recorded_total",
		Help: "Purchases committed, by shop.",
	}, []string{"shop"})

	TransferActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_transfer_actions_total",
		Help: "Transfer workflow actions, by action (propose, accept, cancel).",
	}, []string{"action"})

	LedgerOffline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pos_ledger_offline",
		Help: "1 while the remote ledger is unreachable.",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_http_requests_total",
		Help: "HTTP requests served, by path and status code.",
	}, []string{"path", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pos_http_request_duration_seconds",
		Help:    "HTTP request latency, by path.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})
)

// Handler serves the scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency per route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		httpRequests.WithLabelValues(path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}

// WatchLedger samples the ledger's liveness predicate into a gauge until ctx
// is done.
func WatchLedger(isOnline func() bool, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if isOnline() {
				LedgerOffline.Set(0)
			} else {
				LedgerOffline.Set(1)
			}
		}
	}
}
