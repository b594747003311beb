package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndRecord(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	m.WAFRequest(DecisionBlocked, time.Millisecond)
	m.WAFRequest(DecisionBlocked, time.Millisecond)
	m.CounterStoreError("waf", "open")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.wafRequests.WithLabelValues(DecisionBlocked)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.counterStoreErrs.WithLabelValues("waf", "open")))

	assert.Error(t, m.Register(reg), "double registration fails")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.WAFRequest(DecisionAllowed, time.Millisecond)
		m.WAFBan()
		m.RuleMatch("r")
		m.Threat("xss", "high")
		m.Anomaly("velocity")
		m.LedgerAppend("audit-0")
		m.LedgerVerifyFailure()
		m.PublishError("t")
	})
}
