package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"security-engine/internal/anomaly"
	"security-engine/internal/audit"
	"security-engine/internal/baseline"
	"security-engine/internal/encryption"
	"security-engine/internal/eventlog"
	"security-engine/internal/incident"
	"security-engine/internal/ledger"
	"security-engine/internal/models"
	"security-engine/internal/rules"
	"security-engine/internal/secrets"
	"security-engine/internal/store"
	"security-engine/internal/waf"
)

type recordingPublisher struct {
	mu        sync.Mutex
	threats   []*models.Threat
	anomalies []*models.Anomaly
	incidents []*models.Incident
}

func (p *recordingPublisher) PublishThreat(_ context.Context, t *models.Threat) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threats = append(p.threats, t)
	return nil
}

func (p *recordingPublisher) PublishAnomaly(_ context.Context, a *models.Anomaly) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.anomalies = append(p.anomalies, a)
	return nil
}

func (p *recordingPublisher) PublishIncident(_ context.Context, inc *models.Incident) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.incidents = append(p.incidents, inc)
	return nil
}

type fixture struct {
	svc       *SecurityService
	waf       *waf.Engine
	secrets   secrets.Store
	eventLog  *eventlog.MemoryStore
	publisher *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	counters := store.NewMemoryStore()

	ruleEngine := rules.NewEngine(counters, store.FailOpen, 0, logger, nil)
	require.Empty(t, ruleEngine.Load(rules.DefaultDefinitions()))
	wafEngine := waf.NewEngine(counters, waf.DefaultConfig(), logger, nil)
	require.Empty(t, wafEngine.Load(waf.DefaultDefinitions()))

	sealer, err := encryption.NewManager([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	secretStore := secrets.NewMemoryStore(sealer)

	l := ledger.New(ledger.NewMemoryRepository(), logger, nil)
	eventLog := eventlog.NewMemoryStore(1000)
	publisher := &recordingPublisher{}

	svc, err := NewSecurityService(Dependencies{
		Rules:     ruleEngine,
		WAF:       wafEngine,
		Detector:  anomaly.NewDetector(baseline.NewTracker(), counters, anomaly.DefaultConfig(), logger, nil),
		Audit:     audit.NewService(l, ledger.NewShardRouter("audit", 2), nil, logger),
		Incidents: incident.NewManager(logger),
		EventLog:  eventLog,
		Publisher: publisher,
		Secrets:   secretStore,
	}, DefaultConfig(), logger)
	require.NoError(t, err)

	return &fixture{svc: svc, waf: wafEngine, secrets: secretStore, eventLog: eventLog, publisher: publisher}
}

var admin = Actor{ID: "admin@example.com", Request: audit.RequestMetadata{IPAddress: "10.9.9.9"}}

func loginFailed(ip string) *models.SecurityEvent {
	return &models.SecurityEvent{EventType: "login_failed", IPAddress: ip, Outcome: models.OutcomeFailure}
}

func auditActions(t *testing.T, svc *SecurityService, f audit.Filter) []string {
	t.Helper()
	page, err := svc.AuditLogs(context.Background(), f)
	require.NoError(t, err)
	out := make([]string, 0, len(page.Items))
	for _, l := range page.Items {
		out = append(out, l.Action)
	}
	return out
}

// bruteForce drives the brute-force threshold rule and returns its threat.
func bruteForce(t *testing.T, f *fixture, ip string) *models.Threat {
	t.Helper()
	var res *ProcessResult
	for i := 0; i < 5; i++ {
		var err error
		res, err = f.svc.ProcessEvent(context.Background(), loginFailed(ip))
		require.NoError(t, err)
		if i < 4 {
			require.Empty(t, res.Threats)
		}
	}
	require.Len(t, res.Threats, 1)
	return res.Threats[0]
}

func TestProcessEvent_RaisesThresholdThreat(t *testing.T) {
	f := newFixture(t)

	th := bruteForce(t, f, "198.51.100.20")
	assert.Equal(t, models.ThreatBruteForce, th.Type)
	assert.Equal(t, models.SeverityHigh, th.Severity)
	assert.Equal(t, "198.51.100.20", th.Source)

	tracked, err := f.svc.Threat(th.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreatActive, tracked.Status)

	require.Len(t, f.publisher.threats, 1)
	assert.Equal(t, []string{"threat.detected"}, auditActions(t, f.svc, audit.Filter{Actor: ActorDetection}))

	evs, err := f.eventLog.Since(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Len(t, evs, 5)
	for _, ev := range evs {
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestProcessEvent_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.ProcessEvent(context.Background(), &models.SecurityEvent{IPAddress: "10.0.0.1"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.svc.ProcessEvent(context.Background(), nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUpdateThreatStatus(t *testing.T) {
	f := newFixture(t)
	th := bruteForce(t, f, "198.51.100.21")

	updated, err := f.svc.UpdateThreatStatus(context.Background(), admin, th.ID, models.ThreatFalsePositive)
	require.NoError(t, err)
	assert.Equal(t, models.ThreatFalsePositive, updated.Status)
	assert.Equal(t, models.ThreatActive, th.Status, "the original threat value is never mutated")

	_, err = f.svc.UpdateThreatStatus(context.Background(), admin, th.ID, models.ThreatMitigated)
	assert.ErrorIs(t, err, models.ErrInvalidThreatTransition)
	_, err = f.svc.UpdateThreatStatus(context.Background(), admin, "missing", models.ThreatMitigated)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.UpdateThreatStatus(context.Background(), Actor{}, th.ID, models.ThreatMitigated)
	assert.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, []string{"threat.status"}, auditActions(t, f.svc, audit.Filter{Actor: admin.ID}))
	assert.Len(t, f.svc.Threats(models.ThreatFalsePositive, 0), 1)
	assert.Empty(t, f.svc.Threats(models.ThreatActive, 0))
}

func TestIncidentLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	th := bruteForce(t, f, "198.51.100.22")

	_, err := f.svc.CreateIncident(ctx, admin, IncidentRequest{Title: "x", ThreatIDs: []string{"nope"}})
	assert.ErrorIs(t, err, ErrNotFound)

	inc, err := f.svc.CreateIncident(ctx, admin, IncidentRequest{Title: "Brute force on login", ThreatIDs: []string{th.ID}})
	require.NoError(t, err)
	assert.Equal(t, models.SeverityHigh, inc.Priority)

	for _, to := range []models.IncidentStatus{models.IncidentInvestigating, models.IncidentContained, models.IncidentRemediated} {
		inc, err = f.svc.TransitionIncident(ctx, admin, inc.ID, to)
		require.NoError(t, err)
	}
	mitigated, err := f.svc.Threat(th.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreatMitigated, mitigated.Status)

	inc, err = f.svc.UpdateIncident(ctx, admin, inc.ID, IncidentUpdate{RootCause: "weak password", Remediation: "reset"})
	require.NoError(t, err)
	assert.Equal(t, "weak password", inc.RootCause)

	inc, err = f.svc.TransitionIncident(ctx, admin, inc.ID, models.IncidentClosed)
	require.NoError(t, err)
	_, err = f.svc.UpdateIncident(ctx, admin, inc.ID, IncidentUpdate{Note: "late"})
	assert.ErrorIs(t, err, incident.ErrClosed)

	assert.Len(t, f.publisher.incidents, 6)
	actions := auditActions(t, f.svc, audit.Filter{Actor: admin.ID, ResourceType: "incident"})
	assert.Len(t, actions, 6)
	assert.Contains(t, actions, "incident.create")
	assert.Contains(t, auditActions(t, f.svc, audit.Filter{Actor: admin.ID, ResourceType: "threat"}), "threat.status")
}

func TestRuleAdminIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.ToggleDetectionRule(ctx, admin, "brute-force-login", false)
	require.NoError(t, err)
	assert.False(t, r.Enabled)

	_, err = f.svc.UpsertDetectionRule(ctx, admin, rules.Definition{
		ID: "bad", Field: rules.FieldEventType, PatternType: "regex", Pattern: "(", Action: "log", Severity: "low",
	})
	assert.ErrorIs(t, err, rules.ErrInvalidPattern)

	_, err = f.svc.UpsertWAFRule(ctx, admin, waf.Definition{
		ID: "custom", Targets: []string{"uri"}, Pattern: "/wp-admin", Action: "block", Severity: "medium", Tags: []string{"scanner"},
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteWAFRule(ctx, admin, "custom"))
	assert.ErrorIs(t, f.svc.DeleteWAFRule(ctx, admin, "custom"), waf.ErrRuleNotFound)

	page, err := f.svc.AuditLogs(ctx, audit.Filter{Actor: admin.ID})
	require.NoError(t, err)
	require.Equal(t, 3, page.Total)
	for _, l := range page.Items {
		assert.Equal(t, "10.9.9.9", l.Request.IPAddress)
	}
	toggle := page.Items[len(page.Items)-1]
	assert.Equal(t, "rule.toggle", toggle.Action)
	assert.Contains(t, string(toggle.Before), `"enabled":true`)
	assert.Contains(t, string(toggle.After), `"enabled":false`)
}

func TestUnban(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.waf.Ban(ctx, "203.0.113.50", time.Hour))
	bans, err := f.svc.Bans(ctx)
	require.NoError(t, err)
	require.Len(t, bans, 1)

	require.NoError(t, f.svc.Unban(ctx, admin, "203.0.113.50"))
	assert.ErrorIs(t, f.svc.Unban(ctx, admin, "203.0.113.50"), ErrNotFound)
	assert.ErrorIs(t, f.svc.Unban(ctx, admin, ""), ErrValidation)
	assert.Equal(t, []string{"ban.remove"}, auditActions(t, f.svc, audit.Filter{Actor: admin.ID}))
}

func TestHandleWAFBlockTracksThreat(t *testing.T) {
	f := newFixture(t)
	req := &waf.Request{Method: "GET", URI: "/?q=%27+OR+1%3D1+--", RemoteAddr: "192.0.2.99"}
	d, err := f.waf.Inspect(context.Background(), req)
	require.NoError(t, err)
	require.True(t, d.Blocked)

	f.svc.HandleWAFBlock(context.Background(), d.Threat, req)

	_, err = f.svc.Threat(d.Threat.ID)
	require.NoError(t, err)
	page, err := f.svc.AuditLogs(context.Background(), audit.Filter{Actor: ActorWAF})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "192.0.2.99", page.Items[0].Request.IPAddress)
}

func TestRotateSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.secrets.Set(ctx, "webhook/signing", "initial-value", 0)
	require.NoError(t, err)

	meta, err := f.svc.RotateSecret(ctx, admin, "webhook/signing")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Version)

	value, err := f.secrets.Get(ctx, "webhook/signing")
	require.NoError(t, err)
	assert.NotEqual(t, "initial-value", value)

	page, err := f.svc.AuditLogs(ctx, audit.Filter{Actor: admin.ID})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "secret.rotate", page.Items[0].Action)
	assert.NotContains(t, string(page.Items[0].After), value)
	assert.NotContains(t, string(page.Items[0].Before), "initial-value")

	_, err = f.svc.RotateSecret(ctx, admin, "missing")
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestRunBatchAnomalies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clock := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return clock }

	emit := func(n int) {
		for i := 0; i < n; i++ {
			require.NoError(t, f.eventLog.Record(ctx, &models.SecurityEvent{
				ID:        fmt.Sprintf("%d-%d", clock.Unix(), i),
				Timestamp: clock.Add(-time.Minute),
				EventType: "login",
				UserID:    "u1",
				Outcome:   models.OutcomeSuccess,
			}))
		}
	}

	for i := 0; i < 10; i++ {
		clock = clock.Add(10 * time.Minute)
		emit(4 + 2*(i%2))
		found, err := f.svc.RunBatchAnomalies(ctx, 5*time.Minute)
		require.NoError(t, err)
		require.Empty(t, found)
	}

	clock = clock.Add(10 * time.Minute)
	emit(30)
	found, err := f.svc.RunBatchAnomalies(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, found, 2)
	metrics := []string{found[0].Metric, found[1].Metric}
	assert.ElementsMatch(t, []string{"events:user:u1", "events:type:login"}, metrics)
	assert.InDelta(t, 25.0, found[0].Score, 1e-6)
	assert.Len(t, f.publisher.anomalies, 2)
}

func TestStatsAndHealth(t *testing.T) {
	f := newFixture(t)
	bruteForce(t, f, "198.51.100.23")

	stats, err := f.svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Detection.TotalMatches)
	assert.Equal(t, 1, stats.TrackedThreats)

	status, err := f.svc.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", status["service"])

	f.svc.health = func(context.Context) map[string]error {
		return map[string]error{"redis": fmt.Errorf("connection refused")}
	}
	status, err = f.svc.HealthCheck(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "connection refused", status["redis"])
}

func TestServiceFactory(t *testing.T) {
	factory := NewServiceFactory(Dependencies{}, DefaultConfig(), zap.NewNop())
	_, err := factory.SecurityService()
	assert.Error(t, err)
	factory.Cleanup()
}
