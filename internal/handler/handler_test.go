package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
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
	"security-engine/internal/service"
	"security-engine/internal/store"
	"security-engine/internal/waf"
)

const testToken = "test-admin-token"

type testAPI struct {
	router chi.Router
	svc    *service.SecurityService
	signer *encryption.Signer
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	return newTestAPIWithConfig(t, RouterConfig{AdminToken: testToken, Timeout: 5 * time.Second})
}

func newTestAPIWithConfig(t *testing.T, cfg RouterConfig) *testAPI {
	t.Helper()
	logger := zap.NewNop()
	counters := store.NewMemoryStore()

	ruleEngine := rules.NewEngine(counters, store.FailOpen, 0, logger, nil)
	require.Empty(t, ruleEngine.Load(rules.DefaultDefinitions()))
	wafEngine := waf.NewEngine(counters, waf.DefaultConfig(), logger, nil)
	require.Empty(t, wafEngine.Load(waf.DefaultDefinitions()))

	sealer, err := encryption.NewManager([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)
	signer, err := encryption.GenerateSigner()
	require.NoError(t, err)

	svc, err := service.NewSecurityService(service.Dependencies{
		Rules:     ruleEngine,
		WAF:       wafEngine,
		Detector:  anomaly.NewDetector(baseline.NewTracker(), counters, anomaly.DefaultConfig(), logger, nil),
		Audit:     audit.NewService(ledger.New(ledger.NewMemoryRepository(), logger, nil), ledger.NewShardRouter("audit", 2), nil, logger),
		Incidents: incident.NewManager(logger),
		EventLog:  eventlog.NewMemoryStore(100),
		Secrets:   secrets.NewMemoryStore(sealer),
		Signer:    signer,
	}, service.DefaultConfig(), logger)
	require.NoError(t, err)

	router := NewRouter(
		cfg,
		NewSecurityHandler(svc, logger),
		svc.HealthCheck,
		nil,
		wafEngine.Middleware(1<<16, svc.HandleWAFBlock),
		logger,
	)
	return &testAPI{router: router, svc: svc, signer: signer}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("User-Agent", "ops-console/1.0")
	req.Header.Set(ActorHeader, "alice@example.com")
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Meta    *Meta           `json:"meta"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestAdminAuth(t *testing.T) {
	api := newTestAPI(t)

	tests := map[string]string{
		"missing": "",
		"wrong":   "Bearer nope",
		"scheme":  "Basic " + testToken,
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			api.router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "unauthorized", decodeEnvelope(t, rec).Code)
		})
	}

	rec := api.do(t, http.MethodGet, "/api/v1/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestEvent(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/events", `{"event_type":"login_failed","ip_address":"203.0.113.7","outcome":"failure"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var res service.ProcessResult
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &res))
	assert.NotEmpty(t, res.EventID)
	assert.Empty(t, res.Threats)
}

func TestIngestEvent_Validation(t *testing.T) {
	api := newTestAPI(t)

	tests := map[string]string{
		"missing source": `{"event_type":"login_failed"}`,
		"unknown field":  `{"event_type":"login","ip_address":"203.0.113.7","bogus":1}`,
		"malformed":      `{"event_type":`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/api/v1/events", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, CodeValidation, decodeEnvelope(t, rec).Code)
		})
	}
}

func TestIngestEvent_BlockedByWAF(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/events", `{"event_type":"login","user_id":"x' OR 1=1 --"}`)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"request blocked"}`, rec.Body.String())

	threats := api.svc.Threats(models.ThreatActive, 10)
	require.Len(t, threats, 1)
	assert.Equal(t, models.ThreatSQLInjection, threats[0].Type)
}

// sqliFrom posts an injection attempt over a connection from peer.
func (a *testAPI) sqliFrom(t *testing.T, peer, forwardedFor string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events",
		strings.NewReader(`{"event_type":"login","user_id":"x' OR 1=1 --"}`))
	req.RemoteAddr = peer
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec.Code
}

func bannedAddresses(t *testing.T, svc *service.SecurityService) []string {
	t.Helper()
	bans, err := svc.Bans(context.Background())
	require.NoError(t, err)
	var out []string
	for _, b := range bans {
		out = append(out, b.Address)
	}
	return out
}

func TestWAFBan_ForwardingHeadersIgnoredWithoutTrustedProxy(t *testing.T) {
	api := newTestAPI(t)

	for i := 0; i < 12; i++ {
		code := api.sqliFrom(t, "203.0.113.9:5555", fmt.Sprintf("10.0.0.%d", i))
		require.Equal(t, http.StatusForbidden, code, "request %d", i)
	}

	assert.Equal(t, []string{"203.0.113.9"}, bannedAddresses(t, api.svc))
}

func TestWAFBan_TrustedProxyForwardsClient(t *testing.T) {
	api := newTestAPIWithConfig(t, RouterConfig{
		AdminToken:     testToken,
		Timeout:        5 * time.Second,
		TrustedProxies: []string{"10.0.0.0/8"},
	})

	// The client prepends a different fake hop each time. The proxy appends
	// the real peer it saw.
	for i := 0; i < 10; i++ {
		xff := fmt.Sprintf("192.0.2.%d, 198.51.100.7, 10.1.1.1", i)
		require.Equal(t, http.StatusForbidden, api.sqliFrom(t, "10.0.0.2:443", xff))
	}

	assert.Equal(t, []string{"198.51.100.7"}, bannedAddresses(t, api.svc))
}

func TestForwardedClient(t *testing.T) {
	proxies := parseProxies([]string{"10.0.0.0/8", "192.0.2.1", "bogus"}, zap.NewNop())
	require.Len(t, proxies, 2)

	tests := []struct {
		name   string
		xff    string
		realIP string
		want   string
	}{
		{name: "rightmost untrusted hop", xff: "1.2.3.4, 198.51.100.7, 10.0.0.5", want: "198.51.100.7"},
		{name: "single proxy host", xff: "198.51.100.8, 192.0.2.1", want: "198.51.100.8"},
		{name: "real ip fallback", realIP: "198.51.100.9", want: "198.51.100.9"},
		{name: "garbage hop", xff: "not-an-ip", want: ""},
		{name: "only proxies", xff: "10.0.0.1, 10.0.0.2", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, forwardedClient(r, proxies))
		})
	}
}

func TestInspect(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/waf/inspect", `{"method":"get","uri":"/search?q=%27%20OR%201%3D1%20--","remote_addr":"198.51.100.4"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var d waf.Decision
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &d))
	assert.True(t, d.Blocked)
	require.NotNil(t, d.Threat)
	assert.Equal(t, "198.51.100.4", d.Threat.Source)

	rec = api.do(t, http.MethodPost, "/api/v1/waf/inspect", `{"method":"GET","uri":"not a uri"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThreatNotFound(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/api/v1/threats/missing", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decodeEnvelope(t, rec).Code)
}

func TestToggleWAFRule_AuditedAndExported(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/rules/waf/xss-script/toggle", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/api/v1/rules/waf/xss-script", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		ID      string `json:"id"`
		Enabled *bool  `json:"enabled"`
	}
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &view))
	assert.Equal(t, "xss-script", view.ID)
	require.NotNil(t, view.Enabled)
	assert.False(t, *view.Enabled)

	rec = api.do(t, http.MethodPost, "/api/v1/rules/waf/xss-script/toggle", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/audit/logs?action=rule.toggle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Meta)
	assert.Equal(t, 1, env.Meta.Total)
	var logs []audit.Log
	require.NoError(t, json.Unmarshal(env.Data, &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "alice@example.com", logs[0].Actor)
	assert.Equal(t, "ops-console/1.0", logs[0].Request.UserAgent)

	rec = api.do(t, http.MethodGet, "/api/v1/audit/export?format=csv", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "audit-export.csv")
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "id,chain_id,sequence"))
	assert.Contains(t, lines[1], "rule.toggle")

	sig, err := base64.StdEncoding.DecodeString(rec.Header().Get(SignatureHeader))
	require.NoError(t, err)
	assert.True(t, encryption.Verify(api.signer.PublicKey(), rec.Body.Bytes(), sig))

	rec = api.do(t, http.MethodGet, "/api/v1/audit/signing-key", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var key map[string]string
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &key))
	assert.Equal(t, base64.StdEncoding.EncodeToString(api.signer.PublicKey()), key["public_key"])

	rec = api.do(t, http.MethodGet, "/api/v1/audit/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var verify verifyResponse
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &verify))
	assert.True(t, verify.Valid)
	assert.Len(t, verify.Chains, 2)
}

func TestAuditQuery_BadParameters(t *testing.T) {
	api := newTestAPI(t)

	for _, path := range []string{
		"/api/v1/audit/logs?from=yesterday",
		"/api/v1/audit/logs?limit=-1",
		"/api/v1/audit/verify?from=5&to=2",
		"/api/v1/audit/search",
	} {
		rec := api.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestUnknownRoute(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodGet, "/nope", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"endpoint not found"}`, rec.Body.String())
}

func TestActorFrom_DefaultsToAnonymous(t *testing.T) {
	assert.Equal(t, anonymousActor, actorFrom(context.Background()).ID)
}
