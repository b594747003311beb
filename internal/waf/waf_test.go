package waf

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
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

func newEngine(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := NewEngine(store.NewMemoryStore(store.WithClock(clock.Now)), DefaultConfig(), zap.NewNop(), nil)
	e.now = clock.Now
	require.Empty(t, e.Load(DefaultDefinitions()))
	return e, clock
}

func argRequest(ip, value string) *Request {
	return &Request{
		Method:     http.MethodGet,
		URI:        "/search?q=" + url.QueryEscape(value),
		Headers:    http.Header{"User-Agent": {"Mozilla/5.0"}},
		Args:       url.Values{"q": {value}},
		Cookies:    map[string]string{},
		RemoteAddr: ip,
	}
}

func TestInspect_SQLInjectionBlocked(t *testing.T) {
	e, _ := newEngine(t)

	d, err := e.Inspect(context.Background(), argRequest("10.0.0.1", "' OR 1=1 --"))
	require.NoError(t, err)
	assert.True(t, d.Blocked)
	require.NotNil(t, d.Threat)
	assert.Equal(t, models.ThreatSQLInjection, d.Threat.Type)
	assert.Equal(t, models.SeverityCritical, d.Threat.Severity)
	assert.Equal(t, "10.0.0.1", d.Threat.Source)
	assert.Equal(t, []string{"sqli-tautology"}, d.Threat.RuleIDs)
}

func TestInspect_BenignNotBlocked(t *testing.T) {
	e, _ := newEngine(t)

	d, err := e.Inspect(context.Background(), argRequest("10.0.0.1", "hello world"))
	require.NoError(t, err)
	assert.False(t, d.Blocked)
	assert.Empty(t, d.Matches)
	assert.Nil(t, d.Threat)
}

func TestInspect_DefaultRulesCatchCommonAttacks(t *testing.T) {
	e, _ := newEngine(t)
	cases := map[string]models.ThreatType{
		"1 UNION SELECT password FROM users": models.ThreatSQLInjection,
		"<script>alert(1)</script>":          models.ThreatXSS,
		"foo; cat /etc/passwd":               models.ThreatCommandInjection,
		"../../etc/shadow":                   models.ThreatPathTraversal,
		"%252e%252e%252fconfig":              models.ThreatPathTraversal,
		"<img src=x onerror=alert(1)>":       models.ThreatXSS,
		"x' AND sleep(5)":                    models.ThreatSQLInjection,
	}
	for payload, want := range cases {
		t.Run(payload, func(t *testing.T) {
			d, err := e.Inspect(context.Background(), argRequest("192.0.2.1", payload))
			require.NoError(t, err)
			require.True(t, d.Blocked)
			assert.Equal(t, want, d.Threat.Type)
		})
	}
}

func TestInspect_ProtocolPhaseRunsFirst(t *testing.T) {
	e, _ := newEngine(t)
	req := argRequest("10.0.0.2", "<script>")
	req.Method = "TRACE"

	d, err := e.Inspect(context.Background(), req)
	require.NoError(t, err)
	require.True(t, d.Blocked)
	require.Len(t, d.Matches, 1, "evaluation stops at the first block")
	assert.Equal(t, "protocol-method", d.Matches[0].RuleID)
	assert.Equal(t, models.ThreatProtocolViolation, d.Threat.Type)
}

func TestInspect_ScannerUserAgent(t *testing.T) {
	e, _ := newEngine(t)
	req := argRequest("10.0.0.3", "hello")
	req.Headers.Set("User-Agent", "sqlmap/1.7")

	d, err := e.Inspect(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, d.Blocked)
	assert.Equal(t, models.ThreatScanner, d.Threat.Type)
}

func TestInspect_LogMatchesDoNotHalt(t *testing.T) {
	e, _ := newEngine(t)

	d, err := e.Inspect(context.Background(), argRequest("10.0.0.4", "select name from users where x='a' or 'a'='a'"))
	require.NoError(t, err)
	require.True(t, d.Blocked)
	require.Len(t, d.Matches, 2)
	assert.Equal(t, "sql-keyword", d.Matches[0].RuleID)
	assert.Equal(t, models.ActionLog, d.Matches[0].Action)
	assert.Equal(t, "sqli-tautology", d.Matches[1].RuleID)
	assert.Equal(t, models.SeverityCritical, d.Threat.Severity)
	assert.Equal(t, models.ThreatSQLInjection, d.Threat.Type)
	assert.Len(t, d.Threat.Indicators, 2)

	d, err = e.Inspect(context.Background(), argRequest("10.0.0.4", "delete my account"))
	require.NoError(t, err)
	assert.False(t, d.Blocked)
	require.Len(t, d.Matches, 1)

	events := e.Events(0)
	require.Len(t, events, 3)
	assert.Equal(t, "sql-keyword", events[0].RuleID)
	assert.False(t, events[0].Blocked)
	assert.True(t, events[1].Blocked)
}

func TestBanEscalation(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		d, err := e.Inspect(ctx, argRequest("203.0.113.7", "' OR 1=1 --"))
		require.NoError(t, err)
		require.True(t, d.Blocked)
		require.False(t, d.BanIssued)
	}
	banned, err := e.IsBanned(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, banned, "9 blocks do not ban")

	d, err := e.Inspect(ctx, argRequest("203.0.113.7", "' OR 1=1 --"))
	require.NoError(t, err)
	assert.True(t, d.BanIssued)

	banned, err = e.IsBanned(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, banned)

	d, err = e.Inspect(ctx, argRequest("203.0.113.7", "hello world"))
	require.NoError(t, err)
	assert.True(t, d.Blocked)
	assert.True(t, d.Banned)
	assert.Empty(t, d.Matches, "banned sources are rejected before rule evaluation")

	bans, err := e.Bans(ctx)
	require.NoError(t, err)
	require.Len(t, bans, 1)
	assert.Equal(t, "203.0.113.7", bans[0].Address)
	assert.Equal(t, 24*time.Hour, bans[0].ExpiresIn)

	require.NoError(t, e.Unban(ctx, "203.0.113.7"))
	d, err = e.Inspect(ctx, argRequest("203.0.113.7", "hello world"))
	require.NoError(t, err)
	assert.False(t, d.Blocked)

	stats := e.Stats(5)
	assert.Equal(t, uint64(12), stats.Inspected)
	assert.Equal(t, uint64(10), stats.Blocked)
	assert.Equal(t, uint64(1), stats.BannedRejections)
	assert.Equal(t, uint64(1), stats.BansIssued)
	require.NotEmpty(t, stats.TopSources)
	assert.Equal(t, "203.0.113.7", stats.TopSources[0].Key)
	assert.Equal(t, 10, stats.TopSources[0].Count)
}

func TestStrikesExpireAfterWindow(t *testing.T) {
	e, clock := newEngine(t)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_, err := e.Inspect(ctx, argRequest("198.51.100.1", "' OR 1=1 --"))
		require.NoError(t, err)
	}
	clock.Advance(time.Hour + time.Second)
	d, err := e.Inspect(ctx, argRequest("198.51.100.1", "' OR 1=1 --"))
	require.NoError(t, err)
	assert.False(t, d.BanIssued)
}

// downStore fails every ban lookup.
type downStore struct {
	*store.MemoryStore
}

func (downStore) Exists(context.Context, string) (bool, error) {
	return false, store.ErrUnavailable
}

func TestInspect_BanCheckUnavailable(t *testing.T) {
	tests := []struct {
		name        string
		policy      store.FailPolicy
		wantBlocked bool
	}{
		{name: "fail open allows", policy: store.FailOpen, wantBlocked: false},
		{name: "fail closed blocks", policy: store.FailClosed, wantBlocked: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.FailPolicy = tt.policy
			e := NewEngine(downStore{store.NewMemoryStore()}, cfg, zap.NewNop(), nil)
			require.Empty(t, e.Load(DefaultDefinitions()))

			d, err := e.Inspect(context.Background(), argRequest("192.0.2.10", "hello world"))
			require.NoError(t, err)
			assert.True(t, d.Degraded)
			assert.Equal(t, tt.wantBlocked, d.Blocked)
			assert.False(t, d.Banned, "no ban exists for the source")

			stats := e.Stats(5)
			assert.Zero(t, stats.BannedRejections)
			if tt.wantBlocked {
				assert.Equal(t, uint64(1), stats.Blocked)
			} else {
				assert.Zero(t, stats.Blocked)
			}
		})
	}
}

func TestRuleManagement(t *testing.T) {
	e, _ := newEngine(t)

	_, err := e.SetEnabled("sqli-tautology", false)
	require.NoError(t, err)
	_, err = e.SetEnabled("sqli-stacked", false)
	require.NoError(t, err)
	d, err := e.Inspect(context.Background(), argRequest("10.1.1.1", "' OR 1=1 --"))
	require.NoError(t, err)
	assert.False(t, d.Blocked)

	_, err = e.Upsert(Definition{ID: "bad", Targets: []string{"args"}, Pattern: "(", Action: "block", Severity: "high"})
	assert.ErrorIs(t, err, ErrInvalidRule)
	_, err = e.Upsert(Definition{ID: "bad", Targets: []string{"nowhere"}, Pattern: "x", Action: "block", Severity: "high"})
	assert.ErrorIs(t, err, ErrInvalidRule)

	diags := e.Load([]Definition{{ID: "broken", Targets: []string{"args"}, Pattern: "[", Action: "block", Severity: "low"}})
	require.Len(t, diags, 1)
	r, err := e.Get("broken")
	require.NoError(t, err)
	assert.False(t, r.Enabled)
	_, err = e.SetEnabled("broken", true)
	assert.ErrorIs(t, err, ErrInvalidRule)

	require.NoError(t, e.Delete("broken"))
	assert.ErrorIs(t, e.Delete("broken"), ErrRuleNotFound)
}

func TestPhaseOrderingWithCustomRules(t *testing.T) {
	e, _ := newEngine(t)
	e.Load([]Definition{
		{ID: "a-payload", Phase: PhasePayload, Targets: []string{"args"}, Pattern: "evil", Action: "block", Severity: "high", Tags: []string{"xss"}},
		{ID: "z-protocol", Phase: PhaseProtocol, Targets: []string{"args"}, Pattern: "evil", Action: "alert", Severity: "low", Tags: []string{"protocol"}},
	})

	d, err := e.Inspect(context.Background(), argRequest("10.2.2.2", "evil"))
	require.NoError(t, err)
	require.Len(t, d.Matches, 2)
	assert.Equal(t, "z-protocol", d.Matches[0].RuleID)
	assert.Equal(t, "a-payload", d.Matches[1].RuleID)
	assert.Equal(t, models.ThreatXSS, d.Threat.Type, "xss outranks protocol")
}

func TestMiddleware(t *testing.T) {
	e, _ := newEngine(t)
	var (
		reached bool
		threats []*models.Threat
	)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	})
	h := e.Middleware(1024, func(_ context.Context, th *models.Threat, _ *Request) {
		threats = append(threats, th)
	})(next)

	req := httptest.NewRequest(http.MethodGet, "/search?q="+url.QueryEscape("' OR 1=1 --"), nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"request blocked"}`, rec.Body.String())
	assert.False(t, reached)
	require.Len(t, threats, 1)

	req = httptest.NewRequest(http.MethodPost, "/comments", strings.NewReader("text=hello+world"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, reached)
	assert.Equal(t, "text=hello+world", rec.Body.String(), "body is restored for the next handler")

	req = httptest.NewRequest(http.MethodPost, "/comments", strings.NewReader("text=<script>alert(1)</script>"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(strings.Repeat("a", 2048)))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRequestFromHTTP(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/p?a=1", strings.NewReader("b=2"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.AddCookie(&http.Cookie{Name: "session", Value: "abc"})
	r.RemoteAddr = "192.0.2.10:5555"

	req, err := RequestFromHTTP(r, 100)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", req.RemoteAddr)
	assert.Equal(t, "1", req.Args.Get("a"))
	assert.Equal(t, "2", req.Args.Get("b"))
	assert.Equal(t, "abc", req.Cookies["session"])
	assert.Equal(t, []string{"abc"}, req.values(TargetCookies))
	for _, h := range req.values(TargetHeaders) {
		assert.False(t, strings.HasPrefix(h, "cookie:"), fmt.Sprintf("cookie header leaked into headers: %s", h))
	}
}
