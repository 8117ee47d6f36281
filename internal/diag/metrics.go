// Package diag exposes an optional local HTTP surface for operators
// running this client unattended: a health check, a status snapshot, and
// a Prometheus scrape endpoint. None of it is required for the SIP/SIMPLE
// engine itself to function — wiring it up is the embedding application's
// choice, made by constructing a Server and calling ListenAndServe.
//
// Grounded on flowpbx's internal/api (chi router, middleware stack,
// envelope/writeJSON/writeError response helpers) and internal/metrics
// (a hand-rolled prometheus.Collector built from small provider
// interfaces and prometheus.Desc fields), generalized from PBX call/trunk
// /CDR counts to this client's registration state, tracked dialog count,
// and tracked subscription count.
package diag

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RegistrationStateProvider exposes the registrar's current lifecycle
// state as a string (e.g. "registered", "failed") so the collector does
// not need to import internal/registrar just to read its State type.
type RegistrationStateProvider interface {
	RegistrationStateString() string
}

// DialogCountProvider exposes how many IM sessions are currently tracked.
type DialogCountProvider interface {
	DialogCount() int
}

// SubscriptionCountProvider exposes how many event subscriptions are
// currently tracked.
type SubscriptionCountProvider interface {
	SubscriptionCount() int
}

// AuthRetryCounter exposes the authentication engine's current
// challenge-triggered retry count, summed across its roles. It is not a
// lifetime total: each role's count returns to zero when an exchange
// succeeds.
type AuthRetryCounter interface {
	AuthRetryCount() uint64
}

// Collector is a prometheus.Collector gathering this account's state at
// scrape time. Any provider may be nil if the embedding application does
// not track it.
type Collector struct {
	registration RegistrationStateProvider
	dialogs      DialogCountProvider
	subs         SubscriptionCountProvider
	authRetries  AuthRetryCounter
	startTime    time.Time

	registrationDesc *prometheus.Desc
	dialogsDesc      *prometheus.Desc
	subsDesc         *prometheus.Desc
	authRetriesDesc  *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector builds a Collector. startTime is when the account process
// began running, used to compute the uptime gauge.
func NewCollector(
	registration RegistrationStateProvider,
	dialogs DialogCountProvider,
	subs SubscriptionCountProvider,
	authRetries AuthRetryCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		registration: registration,
		dialogs:      dialogs,
		subs:         subs,
		authRetries:  authRetries,
		startTime:    startTime,

		registrationDesc: prometheus.NewDesc(
			"sipsimple_registration_state",
			"Current registration lifecycle state (1=registered, 0=other)",
			[]string{"state"}, nil,
		),
		dialogsDesc: prometheus.NewDesc(
			"sipsimple_im_sessions_active",
			"Number of IM sessions currently tracked",
			nil, nil,
		),
		subsDesc: prometheus.NewDesc(
			"sipsimple_subscriptions_active",
			"Number of event subscriptions currently tracked",
			nil, nil,
		),
		authRetriesDesc: prometheus.NewDesc(
			"sipsimple_auth_retries_total",
			"Current challenge-triggered request retry count across auth roles (reset on success)",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"sipsimple_uptime_seconds",
			"Seconds since this account process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registrationDesc
	ch <- c.dialogsDesc
	ch <- c.subsDesc
	ch <- c.authRetriesDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector, querying every provider at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.registration != nil {
		state := c.registration.RegistrationStateString()
		value := 0.0
		if state == "registered" {
			value = 1
		}
		ch <- prometheus.MustNewConstMetric(c.registrationDesc, prometheus.GaugeValue, value, state)
	}
	if c.dialogs != nil {
		ch <- prometheus.MustNewConstMetric(c.dialogsDesc, prometheus.GaugeValue, float64(c.dialogs.DialogCount()))
	}
	if c.subs != nil {
		ch <- prometheus.MustNewConstMetric(c.subsDesc, prometheus.GaugeValue, float64(c.subs.SubscriptionCount()))
	}
	if c.authRetries != nil {
		ch <- prometheus.MustNewConstMetric(c.authRetriesDesc, prometheus.CounterValue, float64(c.authRetries.AuthRetryCount()))
	}
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
