// Package metrics holds the prometheus collectors of the storefront core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	requests        *prometheus.CounterVec
	renewals        *prometheus.CounterVec
	signOuts        prometheus.Counter
	capacityReached prometheus.Counter
	statusChanges   *prometheus.CounterVec
	checkouts       *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_requests_total",
				Help: "Outbound API calls by outcome",
			},
			[]string{"outcome"},
		),
		renewals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_token_renewals_total",
				Help: "Credential renewal calls by result",
			},
			[]string{"result"},
		),
		signOuts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_sign_outs_total",
			Help: "Forced sign-outs after unrecoverable authorization failures",
		}),
		capacityReached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_cart_capacity_reached_total",
			Help: "Cart additions clamped by the item limit",
		}),
		statusChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_order_status_changes_total",
				Help: "Order status mutations by result",
			},
			[]string{"result"},
		),
		checkouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storefront_checkouts_total",
				Help: "Checkout submissions by result",
			},
			[]string{"result"},
		),
	}
	reg.MustRegister(m.requests, m.renewals, m.signOuts, m.capacityReached, m.statusChanges, m.checkouts)
	return m
}

// Request records an outbound call: "ok", "error", "unauthorized" or "replayed".
func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Renewal(success bool) {
	if m == nil {
		return
	}
	m.renewals.WithLabelValues(result(success)).Inc()
}

func (m *Metrics) SignOut() {
	if m == nil {
		return
	}
	m.signOuts.Inc()
}

func (m *Metrics) CapacityReached() {
	if m == nil {
		return
	}
	m.capacityReached.Inc()
}

// StatusChange records a status mutation: "applied", "reverted", "rejected" or "staged".
func (m *Metrics) StatusChange(res string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(res).Inc()
}

func (m *Metrics) Checkout(success bool) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(result(success)).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
