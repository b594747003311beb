package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"security-engine/internal/models"
	"security-engine/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newEngine(t *testing.T, policy store.FailPolicy) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	e := NewEngine(store.NewMemoryStore(store.WithClock(clock.Now)), policy, 100, zap.NewNop(), nil)
	e.now = clock.Now
	return e, clock
}

func failedLogin(ip string) *models.SecurityEvent {
	return &models.SecurityEvent{EventType: "login_failed", IPAddress: ip, UserID: "alice", Outcome: models.OutcomeFailure}
}

func TestPattern(t *testing.T) {
	lit := Literal("login_failed")
	assert.True(t, lit.Match("login_failed"))
	assert.False(t, lit.Match("login_failed_twice"))
	assert.Equal(t, PatternLiteral, lit.Kind())

	re, err := Regex(`^login_`)
	require.NoError(t, err)
	assert.True(t, re.Match("login_failed_twice"))
	assert.Equal(t, `^login_`, re.String())

	_, err = Regex(`(unclosed`)
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = ParsePattern("glob", "*")
	assert.ErrorIs(t, err, ErrInvalidPattern)

	assert.False(t, Pattern{}.Match(""))
}

func TestThresholdRule_MatchesAtThresholdAndResets(t *testing.T) {
	e, clock := newEngine(t, store.FailOpen)
	diags := e.Load([]Definition{DefaultDefinitions()[0]})
	require.Empty(t, diags)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		res := e.MatchAllRules(ctx, failedLogin("10.0.0.1"))
		require.Empty(t, res.Threats, "event %d", i+1)
	}
	res := e.MatchAllRules(ctx, failedLogin("10.0.0.1"))
	require.Len(t, res.Threats, 1)
	th := res.Threats[0]
	assert.Equal(t, models.ThreatBruteForce, th.Type)
	assert.Equal(t, models.SeverityHigh, th.Severity)
	assert.Equal(t, "10.0.0.1", th.Source)
	assert.Equal(t, []string{"brute-force-login"}, th.RuleIDs)
	require.NotEmpty(t, th.Indicators)
	assert.Equal(t, "login_failed", th.Indicators[0].Value)
	assert.Contains(t, th.Indicators[0].Context, "Brute force login")

	clock.Advance(301 * time.Second)
	for i := 0; i < 4; i++ {
		res := e.MatchAllRules(ctx, failedLogin("10.0.0.1"))
		require.Empty(t, res.Threats, "after reset, event %d", i+1)
	}
}

func TestThresholdRule_CountsPerSource(t *testing.T) {
	e, _ := newEngine(t, store.FailOpen)
	e.Load([]Definition{DefaultDefinitions()[0]})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		e.MatchAllRules(ctx, failedLogin("10.0.0.1"))
		e.MatchAllRules(ctx, failedLogin("10.0.0.2"))
	}
	assert.Empty(t, e.MatchAllRules(ctx, failedLogin("10.0.0.3")).Threats)
	assert.Len(t, e.MatchAllRules(ctx, failedLogin("10.0.0.2")).Threats, 1)
}

func TestLoad_InvalidRegexDisablesRule(t *testing.T) {
	e, _ := newEngine(t, store.FailOpen)
	diags := e.Load([]Definition{
		{ID: "bad", Field: FieldResource, PatternType: "regex", Pattern: `([`, Action: "alert", Severity: "low"},
		{ID: "good", Field: FieldResource, Pattern: "/admin", Action: "alert", Severity: "low"},
		{ID: "", Pattern: "x", Action: "alert", Severity: "low"},
	})
	require.Len(t, diags, 2)
	assert.Equal(t, "bad", diags[0].RuleID)

	bad, err := e.Get("bad")
	require.NoError(t, err)
	assert.False(t, bad.Enabled)
	assert.NotEmpty(t, bad.Diagnostic)

	_, err = e.SetEnabled("bad", true)
	assert.ErrorIs(t, err, ErrInvalidPattern)

	res := e.MatchAllRules(context.Background(), &models.SecurityEvent{EventType: "http", IPAddress: "1.1.1.1", Resource: "/admin"})
	require.Len(t, res.Threats, 1)
	assert.Equal(t, []string{"good"}, res.Threats[0].RuleIDs)
}

func TestSetEnabled_KeepsIdentity(t *testing.T) {
	e, _ := newEngine(t, store.FailOpen)
	e.Load(DefaultDefinitions())
	before, err := e.Get("privilege-change")
	require.NoError(t, err)
	version := e.Version()

	off, err := e.SetEnabled("privilege-change", false)
	require.NoError(t, err)
	assert.False(t, off.Enabled)
	assert.Equal(t, before.ID, off.ID)
	assert.Equal(t, before.Pattern.String(), off.Pattern.String())
	assert.True(t, before.Enabled, "published rules are not mutated")
	assert.Greater(t, e.Version(), version)

	ev := &models.SecurityEvent{EventType: "role_granted", UserID: "mallory"}
	assert.Empty(t, e.MatchAllRules(context.Background(), ev).Threats)

	_, err = e.SetEnabled("privilege-change", true)
	require.NoError(t, err)
	assert.Len(t, e.MatchAllRules(context.Background(), ev).Threats, 1)

	_, err = e.SetEnabled("missing", true)
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestUpsertAndDelete(t *testing.T) {
	e, _ := newEngine(t, store.FailOpen)
	e.Load(nil)

	_, err := e.Upsert(Definition{ID: "r1", Field: "metadata:client", PatternType: "regex", Pattern: `curl`, Action: "log", Severity: "low"})
	require.NoError(t, err)
	_, err = e.Upsert(Definition{ID: "r2", Field: "nonsense", Pattern: "x", Action: "log", Severity: "low"})
	assert.ErrorIs(t, err, ErrInvalidRule)
	_, err = e.Upsert(Definition{ID: "r3", PatternType: "regex", Pattern: `(`, Action: "log", Severity: "low"})
	assert.ErrorIs(t, err, ErrInvalidPattern)
	_, err = e.Upsert(Definition{ID: "r4", Pattern: "x", Action: "explode", Severity: "low"})
	assert.ErrorIs(t, err, ErrInvalidRule)

	require.Len(t, e.List(), 1)
	ev := &models.SecurityEvent{EventType: "http", IPAddress: "2.2.2.2", Metadata: map[string]string{"client": "curl/8.0"}}
	assert.Len(t, e.MatchAllRules(context.Background(), ev).Threats, 1)

	_, err = e.Upsert(Definition{ID: "r1", Field: "metadata:client", Pattern: "wget", Action: "log", Severity: "low"})
	require.NoError(t, err)
	assert.Empty(t, e.MatchAllRules(context.Background(), ev).Threats)

	require.NoError(t, e.Delete("r1"))
	assert.ErrorIs(t, e.Delete("r1"), ErrRuleNotFound)
	assert.Empty(t, e.List())
}

type downStore struct{ store.CounterStore }

func (downStore) IncrWithExpire(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis: connection refused")
}

func TestThresholdRule_FailPolicy(t *testing.T) {
	for _, tc := range []struct {
		policy  store.FailPolicy
		threats int
	}{
		{store.FailOpen, 0},
		{store.FailClosed, 1},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			e := NewEngine(downStore{}, tc.policy, 10, zap.NewNop(), nil)
			e.Load([]Definition{DefaultDefinitions()[0]})

			res := e.MatchAllRules(context.Background(), failedLogin("10.0.0.9"))
			assert.Equal(t, []string{"brute-force-login"}, res.Degraded)
			assert.Len(t, res.Threats, tc.threats)
		})
	}
}

func TestHistory_RingAndTop(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Add(Match{RuleID: fmt.Sprintf("r%d", i%2), Source: "s", ThreatID: fmt.Sprint(i)})
	}
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, uint64(5), h.Total())

	recent := h.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "4", recent[0].ThreatID)
	assert.Equal(t, "3", recent[1].ThreatID)

	assert.Equal(t, []Count{{Key: "r0", Count: 2}, {Key: "r1", Count: 1}}, h.TopRules(5))
	assert.Equal(t, []Count{{Key: "s", Count: 3}}, h.TopSources(1))
}

func TestParseRuleFile(t *testing.T) {
	defs, err := Parse([]byte(`
rules:
  - id: tor-exit
    name: Tor exit node
    field: metadata:asn
    pattern: "AS60729"
    action: alert
    severity: medium
    enabled: false
`))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	r, err := Compile(defs[0])
	require.NoError(t, err)
	assert.False(t, r.Enabled)
	assert.Equal(t, "metadata:asn", r.Field)
	assert.Equal(t, models.ActionAlert, r.Action)
}

func TestDefaultDefinitionsCompile(t *testing.T) {
	for _, d := range DefaultDefinitions() {
		r, err := Compile(d)
		require.NoError(t, err, d.ID)
		assert.True(t, r.Enabled)
	}
}

func TestConcurrentEvaluationAndToggle(t *testing.T) {
	e, _ := newEngine(t, store.FailOpen)
	e.Load(DefaultDefinitions())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				e.MatchAllRules(context.Background(), &models.SecurityEvent{EventType: "role_granted", UserID: "u"})
			}
		}()
	}
	for j := 0; j < 100; j++ {
		_, err := e.SetEnabled("privilege-change", j%2 == 0)
		require.NoError(t, err)
	}
	wg.Wait()
}
