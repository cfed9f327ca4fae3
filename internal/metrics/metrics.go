// Package metrics holds the Prometheus collectors of the commerce service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "commerce"

// Metrics groups every collector the services report to
type Metrics struct {
	stockMutations     *prometheus.CounterVec
	stockDuration      *prometheus.HistogramVec
	lowStockAlerts     prometheus.Counter
	offerResolutions   *prometheus.CounterVec
	couponApplications *prometheus.CounterVec
	couponRedemptions  prometheus.Counter
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stockMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "stock_mutations_total",
			Help:      "Stock counter mutations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		stockDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "stock_mutation_duration_seconds",
			Help:      "Latency of stock counter mutations including the ledger write.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		lowStockAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inventory",
			Name:      "low_stock_alerts_total",
			Help:      "Low stock notifications emitted.",
		}),
		offerResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "offer_resolutions_total",
			Help:      "Best-offer resolutions by result.",
		}, []string{"result"}),
		couponApplications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "coupon_applications_total",
			Help:      "Coupon validations by outcome (applied or the ineligibility reason).",
		}, []string{"outcome"}),
		couponRedemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "coupon_redemptions_total",
			Help:      "Coupon redemptions recorded.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.stockMutations,
			m.stockDuration,
			m.lowStockAlerts,
			m.offerResolutions,
			m.couponApplications,
			m.couponRedemptions,
		)
	}
	return m
}

// ObserveStockMutation counts one mutation and its latency
func (m *Metrics) ObserveStockMutation(operation, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.stockMutations.WithLabelValues(operation, outcome).Inc()
	m.stockDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

func (m *Metrics) LowStockAlert() {
	if m == nil {
		return
	}
	m.lowStockAlerts.Inc()
}

// OfferResolved counts a best-offer lookup; result is "applied" or "none"
func (m *Metrics) OfferResolved(result string) {
	if m == nil {
		return
	}
	m.offerResolutions.WithLabelValues(result).Inc()
}

func (m *Metrics) CouponApplied(outcome string) {
	if m == nil {
		return
	}
	m.couponApplications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CouponRedeemed() {
	if m == nil {
		return
	}
	m.couponRedemptions.Inc()
}
