package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	tunnelOpens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tunnel_starter",
			Subsystem: "tunnel",
			Name:      "opens_total",
			Help:      "Number of successful tunnel opens.",
		}, []string{"app"},
	)
	tunnelCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tunnel_starter",
			Subsystem: "tunnel",
			Name:      "closes_total",
			Help:      "Number of tunnel closes requested by a client.",
		}, []string{"app"},
	)
	tunnelCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tunnel_starter",
			Subsystem: "tunnel",
			Name:      "crashes_total",
			Help:      "Number of tunnel processes that exited unexpectedly.",
		}, []string{"app"},
	)
	tunnelFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tunnel_starter",
			Subsystem: "tunnel",
			Name:      "failures_total",
			Help:      "Number of tunnel operations that ended in a failed record.",
		}, []string{"app", "reason"},
	)
	activeTunnels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tunnel_starter",
			Subsystem: "tunnel",
			Name:      "active",
			Help:      "Current number of non-terminal tunnel records.",
		},
	)
)

// Register registers all collectors with r. Safe to call multiple times;
// subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{tunnelOpens, tunnelCloses, tunnelCrashes, tunnelFailures, activeTunnels}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// RegisterDefault registers with the default Prometheus registry.
func RegisterDefault() error { return Register(prometheus.DefaultRegisterer) }

// Handler serves the default gatherer; mount it on the API server.
func Handler() http.Handler { return promhttp.Handler() }

func IncOpen(app string)  { tunnelOpens.WithLabelValues(app).Inc() }
func IncClose(app string) { tunnelCloses.WithLabelValues(app).Inc() }
func IncCrash(app string) { tunnelCrashes.WithLabelValues(app).Inc() }
func SetActive(n int)     { activeTunnels.Set(float64(n)) }

func IncFailure(app, reason string) { tunnelFailures.WithLabelValues(app, reason).Inc() }
