// Package metrics holds the Prometheus instruments shared by the
// transport, the seat manager and the maintenance jobs. The dashboard
// exposes them under /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	seatsGrantedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nlserv_seats_granted_total",
		Help: "Number of TakeSeat requests granted",
	}, []string{"product"})

	seatsDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nlserv_seats_denied_total",
		Help: "Number of TakeSeat requests denied because the quota was full",
	}, []string{"product"})

	seatsReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nlserv_seats_released_total",
		Help: "Number of ReleaseSeat requests",
	}, []string{"product"})

	seatsRefreshedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nlserv_seats_refreshed_total",
		Help: "Number of RefreshSeat requests",
	}, []string{"product"})

	staleReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nlserv_stale_connections_reaped_total",
		Help: "Number of stale connections deleted by the reaper",
	})

	licencesLoaded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nlserv_licences_loaded",
		Help: "Number of verified licences admitted by the last reload",
	})

	lastReloadTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nlserv_last_reload_timestamp",
		Help: "Unix timestamp of the last successful licence reload",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nlserv_request_duration_seconds",
		Help:    "Duration of licence protocol requests in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2.0, 12), // 1ms .. ~4s
	}, []string{"type"})

	requestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nlserv_request_errors_total",
		Help: "Number of requests answered with a non-zero error code",
	}, []string{"type"})
)

// RecordSeatGranted counts a successful TakeSeat.
func RecordSeatGranted(product string) { seatsGrantedTotal.WithLabelValues(product).Inc() }

// RecordSeatDenied counts a TakeSeat turned away on quota.
func RecordSeatDenied(product string) { seatsDeniedTotal.WithLabelValues(product).Inc() }

// RecordSeatReleased counts a ReleaseSeat.
func RecordSeatReleased(product string) { seatsReleasedTotal.WithLabelValues(product).Inc() }

// RecordSeatRefreshed counts a RefreshSeat.
func RecordSeatRefreshed(product string) { seatsRefreshedTotal.WithLabelValues(product).Inc() }

// RecordStaleReaped counts connections removed by the reaper.
func RecordStaleReaped(n int64) {
	if n > 0 {
		staleReapedTotal.Add(float64(n))
	}
}

// RecordReload records the outcome of a licence reload.
func RecordReload(licences int) {
	licencesLoaded.Set(float64(licences))
	lastReloadTime.Set(float64(time.Now().Unix()))
}

// RecordRequest records one protocol request's duration and outcome.
func RecordRequest(messageType string, duration time.Duration, failed bool) {
	requestDuration.WithLabelValues(messageType).Observe(duration.Seconds())
	if failed {
		requestErrorsTotal.WithLabelValues(messageType).Inc()
	}
}
