// Package metrics holds the Prometheus collectors for the security engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	MetricWAFRequestsTotal       = "security_waf_requests_total"
	MetricWAFRuleMatchesTotal    = "security_waf_rule_matches_total"
	MetricWAFBansTotal           = "security_waf_bans_total"
	MetricWAFInspectDuration     = "security_waf_inspect_duration_seconds"
	MetricRuleMatchesTotal       = "security_rule_matches_total"
	MetricThreatsTotal           = "security_threats_total"
	MetricAnomaliesTotal         = "security_anomalies_total"
	MetricCounterStoreErrorTotal = "security_counter_store_errors_total"
	MetricLedgerAppendsTotal     = "security_ledger_appends_total"
	MetricLedgerVerifyFailures   = "security_ledger_verify_failures_total"
	MetricPublishErrorsTotal     = "security_publish_errors_total"
)

// Decision labels for WAF requests.
const (
	DecisionAllowed = "allowed"
	DecisionBlocked = "blocked"
	DecisionBanned  = "banned"
)

type Metrics struct {
	wafRequests       *prometheus.CounterVec
	wafRuleMatches    *prometheus.CounterVec
	wafBans           prometheus.Counter
	wafInspect        prometheus.Histogram
	ruleMatches       *prometheus.CounterVec
	threats           *prometheus.CounterVec
	anomalies         *prometheus.CounterVec
	counterStoreErrs  *prometheus.CounterVec
	ledgerAppends     *prometheus.CounterVec
	ledgerVerifyFails prometheus.Counter
	publishErrors     *prometheus.CounterVec
}

// NewMetrics builds unregistered collectors; call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		wafRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricWAFRequestsTotal,
			Help: "Requests inspected by the WAF by decision",
		}, []string{"decision"}),
		wafRuleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricWAFRuleMatchesTotal,
			Help: "WAF rule matches by rule and action",
		}, []string{"rule_id", "action"}),
		wafBans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricWAFBansTotal,
			Help: "Source addresses banned after repeated blocks",
		}),
		wafInspect: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricWAFInspectDuration,
			Help:    "Time spent inspecting a request",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
		ruleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRuleMatchesTotal,
			Help: "Detection rule matches by rule",
		}, []string{"rule_id"}),
		threats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricThreatsTotal,
			Help: "Threats raised by type and severity",
		}, []string{"type", "severity"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricAnomaliesTotal,
			Help: "Anomalies raised by kind",
		}, []string{"kind"}),
		counterStoreErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCounterStoreErrorTotal,
			Help: "Counter store failures by component and applied fail policy",
		}, []string{"component", "policy"}),
		ledgerAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricLedgerAppendsTotal,
			Help: "Entries appended to the audit ledger by chain",
		}, []string{"chain"}),
		ledgerVerifyFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricLedgerVerifyFailures,
			Help: "Chain verifications that found a broken link",
		}),
		publishErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPublishErrorsTotal,
			Help: "Failed event publications by topic",
		}, []string{"topic"}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.wafRequests,
		m.wafRuleMatches,
		m.wafBans,
		m.wafInspect,
		m.ruleMatches,
		m.threats,
		m.anomalies,
		m.counterStoreErrs,
		m.ledgerAppends,
		m.ledgerVerifyFails,
		m.publishErrors,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) WAFRequest(decision string, took time.Duration) {
	if m == nil {
		return
	}
	m.wafRequests.WithLabelValues(decision).Inc()
	m.wafInspect.Observe(took.Seconds())
}

func (m *Metrics) WAFRuleMatch(ruleID, action string) {
	if m == nil {
		return
	}
	m.wafRuleMatches.WithLabelValues(ruleID, action).Inc()
}

func (m *Metrics) WAFBan() {
	if m == nil {
		return
	}
	m.wafBans.Inc()
}

func (m *Metrics) RuleMatch(ruleID string) {
	if m == nil {
		return
	}
	m.ruleMatches.WithLabelValues(ruleID).Inc()
}

func (m *Metrics) Threat(threatType, severity string) {
	if m == nil {
		return
	}
	m.threats.WithLabelValues(threatType, severity).Inc()
}

func (m *Metrics) Anomaly(kind string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(kind).Inc()
}

func (m *Metrics) CounterStoreError(component, policy string) {
	if m == nil {
		return
	}
	m.counterStoreErrs.WithLabelValues(component, policy).Inc()
}

func (m *Metrics) LedgerAppend(chain string) {
	if m == nil {
		return
	}
	m.ledgerAppends.WithLabelValues(chain).Inc()
}

func (m *Metrics) LedgerVerifyFailure() {
	if m == nil {
		return
	}
	m.ledgerVerifyFails.Inc()
}

func (m *Metrics) PublishError(topic string) {
	if m == nil {
		return
	}
	m.publishErrors.WithLabelValues(topic).Inc()
}
