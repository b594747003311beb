package handler

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"security-engine/internal/audit"
	"security-engine/internal/incident"
	"security-engine/internal/ledger"
	"security-engine/internal/models"
	"security-engine/internal/rules"
	"security-engine/internal/service"
	"security-engine/internal/waf"
)

const maxRequestBody = 1 << 20

// SignatureHeader carries the base64 Ed25519 signature of an audit export.
const SignatureHeader = "X-Audit-Signature"

// SecurityHandler serves the admin and query API.
type SecurityHandler struct {
	svc    *service.SecurityService
	logger *zap.Logger
}

func NewSecurityHandler(svc *service.SecurityService, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers the admin routes. ingest wraps event ingestion,
// typically with the WAF middleware; it may be nil.
func (h *SecurityHandler) RegisterRoutes(r chi.Router, ingest func(http.Handler) http.Handler) {
	r.Route("/audit", func(r chi.Router) {
		r.Get("/logs", h.AuditLogs)
		r.Get("/logs/{id}", h.AuditLog)
		r.Get("/verify", h.VerifyAudit)
		r.Get("/export", h.ExportAudit)
		r.Get("/search", h.SearchAudit)
		r.Get("/signing-key", h.SigningKey)
	})

	r.Route("/rules/detection", func(r chi.Router) {
		r.Get("/", h.ListDetectionRules)
		r.Get("/{id}", h.GetDetectionRule)
		r.Put("/{id}", h.PutDetectionRule)
		r.Delete("/{id}", h.DeleteDetectionRule)
		r.Post("/{id}/toggle", h.ToggleDetectionRule)
	})

	r.Route("/rules/waf", func(r chi.Router) {
		r.Get("/", h.ListWAFRules)
		r.Get("/{id}", h.GetWAFRule)
		r.Put("/{id}", h.PutWAFRule)
		r.Delete("/{id}", h.DeleteWAFRule)
		r.Post("/{id}/toggle", h.ToggleWAFRule)
	})

	r.Get("/stats", h.Stats)
	r.Get("/bans", h.ListBans)
	r.Delete("/bans/{address}", h.Unban)
	r.Post("/waf/inspect", h.Inspect)

	r.Group(func(r chi.Router) {
		if ingest != nil {
			r.Use(ingest)
		}
		r.Post("/events", h.IngestEvent)
	})

	r.Route("/threats", func(r chi.Router) {
		r.Get("/", h.ListThreats)
		r.Get("/{id}", h.GetThreat)
		r.Post("/{id}/status", h.UpdateThreatStatus)
	})

	r.Route("/incidents", func(r chi.Router) {
		r.Get("/", h.ListIncidents)
		r.Post("/", h.CreateIncident)
		r.Get("/{id}", h.GetIncident)
		r.Patch("/{id}", h.UpdateIncident)
		r.Post("/{id}/transition", h.TransitionIncident)
		r.Post("/{id}/threats", h.AttachThreat)
	})

	r.Route("/secrets", func(r chi.Router) {
		r.Get("/metadata", h.SecretMetadata)
		r.Post("/rotate", h.RotateSecret)
	})
}

func (h *SecurityHandler) decode(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func queryInt(q url.Values, key string, def int) (int, error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("%s must be a non-negative integer", key)
	}
	return n, nil
}

func queryTime(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, badRequest("%s must be an RFC3339 timestamp", key)
	}
	return t, nil
}

// Audit

func (h *SecurityHandler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Actor:        q.Get("actor"),
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
	}
	var err error
	if f.From, err = queryTime(q, "from"); err != nil {
		respondWithError(w, h.logger, err, "Invalid query")
		return
	}
	if f.To, err = queryTime(q, "to"); err != nil {
		respondWithError(w, h.logger, err, "Invalid query")
		return
	}
	if f.Limit, err = queryInt(q, "limit", audit.DefaultPageSize); err != nil {
		respondWithError(w, h.logger, err, "Invalid query")
		return
	}
	if f.Offset, err = queryInt(q, "offset", 0); err != nil {
		respondWithError(w, h.logger, err, "Invalid query")
		return
	}

	page, err := h.svc.AuditLogs(r.Context(), f)
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to query audit logs")
		return
	}
	resp := successResponse(page.Items, "")
	resp.Meta = &Meta{Total: page.Total, Limit: page.Limit, Offset: page.Offset}
	respondWithJSON(w, h.logger, http.StatusOK, resp)
}

func (h *SecurityHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	l, err := h.svc.AuditLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to get audit log")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(l, ""))
}

type verifyResponse struct {
	Valid         bool                           `json:"valid"`
	BrokenAtIndex *int                           `json:"broken_at_index,omitempty"`
	Chains        map[string]ledger.VerifyResult `json:"chains"`
}

func (h *SecurityHandler) VerifyAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := queryInt(q, "from", 0)
	if err != nil {
		respondWithError(w, h.logger, err, "Invalid query")
		return
	}
	to, err := queryInt(q, "to", 0)
	if err != nil {
		respondWithError(w, h.logger, err, "Invalid query")
		return
	}
	limit := 0
	if to > 0 {
		if to < from {
			respondWithError(w, h.logger, badRequest("to must not be before from"), "Invalid query")
			return
		}
		limit = to - from
	}

	chain := q.Get("chain")
	results, err := h.svc.VerifyAudit(r.Context(), chain, uint64(from), limit)
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to verify audit chain")
		return
	}
	resp := verifyResponse{Valid: true, Chains: results}
	for _, res := range results {
		if !res.Valid {
			resp.Valid = false
			if chain != "" {
				resp.BrokenAtIndex = res.BrokenAtIndex
			}
		}
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(resp, ""))
}

func (h *SecurityHandler) ExportAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := audit.ExportOptions{
		Format: audit.ExportFormat(strings.ToLower(q.Get("format"))),
		Actor:  q.Get("actor"),
	}
	var err error
	if opts.From, err = queryTime(q, "from"); err != nil {
		respondWithError(w, h.logger, err, "Invalid query")
		return
	}
	if opts.To, err = queryTime(q, "to"); err != nil {
		respondWithError(w, h.logger, err, "Invalid query")
		return
	}
	if opts.Limit, err = queryInt(q, "limit", 0); err != nil {
		respondWithError(w, h.logger, err, "Invalid query")
		return
	}
	if opts.Format == "" {
		opts.Format = audit.ExportFormatJSON
	}

	data, err := h.svc.ExportAudit(r.Context(), opts)
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to export audit logs")
		return
	}
	w.Header().Set("Content-Type", opts.Format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-export.%s"`, opts.Format))
	if sig, ok := h.svc.SignAuditExport(data); ok {
		w.Header().Set(SignatureHeader, base64.StdEncoding.EncodeToString(sig))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *SecurityHandler) SigningKey(w http.ResponseWriter, r *http.Request) {
	pub, err := h.svc.AuditSigningKey()
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to get signing key")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(map[string]string{
		"algorithm":  "ed25519",
		"public_key": base64.StdEncoding.EncodeToString(pub),
	}, ""))
}

func (h *SecurityHandler) SearchAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q, "limit", audit.DefaultPageSize)
	if err != nil {
		respondWithError(w, h.logger, err, "Invalid query")
		return
	}
	logs, err := h.svc.SearchAudit(r.Context(), q.Get("q"), limit)
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to search audit logs")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(logs, ""))
}

// Detection rules

type detectionRuleView struct {
	rules.Definition
	Diagnostic string `json:"diagnostic,omitempty"`
}

func detectionView(r *rules.Rule) detectionRuleView {
	return detectionRuleView{Definition: r.Definition(), Diagnostic: r.Diagnostic}
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *SecurityHandler) decodeToggle(r *http.Request) (bool, error) {
	var req toggleRequest
	if err := h.decode(r, &req); err != nil {
		return false, err
	}
	if req.Enabled == nil {
		return false, badRequest("enabled is required")
	}
	return *req.Enabled, nil
}

func (h *SecurityHandler) ListDetectionRules(w http.ResponseWriter, r *http.Request) {
	list := h.svc.DetectionRules()
	out := make([]detectionRuleView, 0, len(list))
	for _, rule := range list {
		out = append(out, detectionView(rule))
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(out, ""))
}

func (h *SecurityHandler) GetDetectionRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.DetectionRule(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to get detection rule")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(detectionView(rule), ""))
}

func (h *SecurityHandler) PutDetectionRule(w http.ResponseWriter, r *http.Request) {
	var def rules.Definition
	if err := h.decode(r, &def); err != nil {
		respondWithError(w, h.logger, err, "Invalid detection rule")
		return
	}
	def.ID = chi.URLParam(r, "id")
	rule, err := h.svc.UpsertDetectionRule(r.Context(), actorFrom(r.Context()), def)
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to save detection rule")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(detectionView(rule), "Detection rule saved"))
}

func (h *SecurityHandler) DeleteDetectionRule(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteDetectionRule(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondWithError(w, h.logger, err, "Failed to delete detection rule")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Detection rule deleted"))
}

func (h *SecurityHandler) ToggleDetectionRule(w http.ResponseWriter, r *http.Request) {
	enabled, err := h.decodeToggle(r)
	if err != nil {
		respondWithError(w, h.logger, err, "Invalid toggle request")
		return
	}
	rule, err := h.svc.ToggleDetectionRule(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), enabled)
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to toggle detection rule")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(detectionView(rule), ""))
}

// WAF rules

type wafRuleView struct {
	waf.Definition
	Diagnostic string `json:"diagnostic,omitempty"`
}

func wafView(r *waf.Rule) wafRuleView {
	return wafRuleView{Definition: r.Definition(), Diagnostic: r.Diagnostic}
}

func (h *SecurityHandler) ListWAFRules(w http.ResponseWriter, r *http.Request) {
	list := h.svc.WAFRules()
	out := make([]wafRuleView, 0, len(list))
	for _, rule := range list {
		out = append(out, wafView(rule))
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(out, ""))
}

func (h *SecurityHandler) GetWAFRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.svc.WAFRule(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to get WAF rule")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(wafView(rule), ""))
}

func (h *SecurityHandler) PutWAFRule(w http.ResponseWriter, r *http.Request) {
	var def waf.Definition
	if err := h.decode(r, &def); err != nil {
		respondWithError(w, h.logger, err, "Invalid WAF rule")
		return
	}
	def.ID = chi.URLParam(r, "id")
	rule, err := h.svc.UpsertWAFRule(r.Context(), actorFrom(r.Context()), def)
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to save WAF rule")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(wafView(rule), "WAF rule saved"))
}

func (h *SecurityHandler) DeleteWAFRule(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteWAFRule(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		respondWithError(w, h.logger, err, "Failed to delete WAF rule")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "WAF rule deleted"))
}

func (h *SecurityHandler) ToggleWAFRule(w http.ResponseWriter, r *http.Request) {
	enabled, err := h.decodeToggle(r)
	if err != nil {
		respondWithError(w, h.logger, err, "Invalid toggle request")
		return
	}
	rule, err := h.svc.ToggleWAFRule(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), enabled)
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to toggle WAF rule")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(wafView(rule), ""))
}

// Stats and bans

func (h *SecurityHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to get stats")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(stats, ""))
}

func (h *SecurityHandler) ListBans(w http.ResponseWriter, r *http.Request) {
	bans, err := h.svc.Bans(r.Context())
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to list bans")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(bans, ""))
}

func (h *SecurityHandler) Unban(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if err := h.svc.Unban(r.Context(), actorFrom(r.Context()), address); err != nil {
		respondWithError(w, h.logger, err, "Failed to remove ban")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Ban removed"))
}

type inspectRequest struct {
	Method     string              `json:"method"`
	URI        string              `json:"uri"`
	Headers    map[string][]string `json:"headers"`
	Body       string              `json:"body"`
	RemoteAddr string              `json:"remote_addr"`
}

// Inspect evaluates a request snapshot sent by an upstream proxy.
func (h *SecurityHandler) Inspect(w http.ResponseWriter, r *http.Request) {
	var in inspectRequest
	if err := h.decode(r, &in); err != nil {
		respondWithError(w, h.logger, err, "Invalid inspection request")
		return
	}
	u, err := url.ParseRequestURI(in.URI)
	if err != nil {
		respondWithError(w, h.logger, badRequest("uri: %v", err), "Invalid inspection request")
		return
	}
	req := &waf.Request{
		Method:     strings.ToUpper(in.Method),
		URI:        in.URI,
		Headers:    http.Header{},
		Args:       u.Query(),
		Body:       in.Body,
		Cookies:    make(map[string]string),
		RemoteAddr: in.RemoteAddr,
	}
	for k, vs := range in.Headers {
		for _, v := range vs {
			req.Headers.Add(k, v)
		}
	}
	for _, c := range (&http.Request{Header: req.Headers}).Cookies() {
		req.Cookies[c.Name] = c.Value
	}

	d, err := h.svc.InspectRequest(r.Context(), req)
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to inspect request")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(d, ""))
}

// Events

func (h *SecurityHandler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.SecurityEvent
	if err := h.decode(r, &ev); err != nil {
		respondWithError(w, h.logger, err, "Invalid security event")
		return
	}
	res, err := h.svc.ProcessEvent(r.Context(), &ev)
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to process security event")
		return
	}
	respondWithJSON(w, h.logger, http.StatusAccepted, successResponse(res, ""))
}

// Threats

func (h *SecurityHandler) ListThreats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q, "limit", 100)
	if err != nil {
		respondWithError(w, h.logger, err, "Invalid query")
		return
	}
	threats := h.svc.Threats(models.ThreatStatus(q.Get("status")), limit)
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(threats, ""))
}

func (h *SecurityHandler) GetThreat(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.Threat(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to get threat")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(t, ""))
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *SecurityHandler) UpdateThreatStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := h.decode(r, &req); err != nil {
		respondWithError(w, h.logger, err, "Invalid status request")
		return
	}
	t, err := h.svc.UpdateThreatStatus(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), models.ThreatStatus(req.Status))
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to update threat status")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(t, ""))
}

// Incidents

func (h *SecurityHandler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q, "limit", 0)
	if err != nil {
		respondWithError(w, h.logger, err, "Invalid query")
		return
	}
	list := h.svc.Incidents(incident.Filter{Status: models.IncidentStatus(q.Get("status")), Limit: limit})
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(list, ""))
}

func (h *SecurityHandler) CreateIncident(w http.ResponseWriter, r *http.Request) {
	var req service.IncidentRequest
	if err := h.decode(r, &req); err != nil {
		respondWithError(w, h.logger, err, "Invalid incident")
		return
	}
	inc, err := h.svc.CreateIncident(r.Context(), actorFrom(r.Context()), req)
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to create incident")
		return
	}
	respondWithJSON(w, h.logger, http.StatusCreated, successResponse(inc, "Incident created"))
}

func (h *SecurityHandler) GetIncident(w http.ResponseWriter, r *http.Request) {
	inc, err := h.svc.Incident(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to get incident")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(inc, ""))
}

func (h *SecurityHandler) UpdateIncident(w http.ResponseWriter, r *http.Request) {
	var req service.IncidentUpdate
	if err := h.decode(r, &req); err != nil {
		respondWithError(w, h.logger, err, "Invalid incident update")
		return
	}
	inc, err := h.svc.UpdateIncident(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req)
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to update incident")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(inc, ""))
}

func (h *SecurityHandler) TransitionIncident(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := h.decode(r, &req); err != nil {
		respondWithError(w, h.logger, err, "Invalid transition")
		return
	}
	inc, err := h.svc.TransitionIncident(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), models.IncidentStatus(req.Status))
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to transition incident")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(inc, ""))
}

type attachRequest struct {
	ThreatID string `json:"threat_id"`
}

func (h *SecurityHandler) AttachThreat(w http.ResponseWriter, r *http.Request) {
	var req attachRequest
	if err := h.decode(r, &req); err != nil {
		respondWithError(w, h.logger, err, "Invalid attach request")
		return
	}
	inc, err := h.svc.AttachThreat(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), req.ThreatID)
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to attach threat")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(inc, ""))
}

// Secrets

func (h *SecurityHandler) SecretMetadata(w http.ResponseWriter, r *http.Request) {
	meta, err := h.svc.SecretMetadata(r.Context(), r.URL.Query().Get("key"))
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to get secret metadata")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(meta, ""))
}

type rotateRequest struct {
	Key string `json:"key"`
}

func (h *SecurityHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	var req rotateRequest
	if err := h.decode(r, &req); err != nil {
		respondWithError(w, h.logger, err, "Invalid rotate request")
		return
	}
	meta, err := h.svc.RotateSecret(r.Context(), actorFrom(r.Context()), req.Key)
	if err != nil {
		respondWithError(w, h.logger, err, "Failed to rotate secret")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(meta, "Secret rotated"))
}
