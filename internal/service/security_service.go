package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"security-engine/internal/anomaly"
	"security-engine/internal/audit"
	"security-engine/internal/encryption"
	"security-engine/internal/eventlog"
	"security-engine/internal/events"
	"security-engine/internal/incident"
	"security-engine/internal/metrics"
	"security-engine/internal/models"
	"security-engine/internal/rules"
	"security-engine/internal/secrets"
	"security-engine/internal/util"
	"security-engine/internal/waf"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
)

// Actors used for entries the engine writes on its own behalf.
const (
	ActorDetection = "system:detection"
	ActorWAF       = "system:waf"
)

const defaultThreatCacheSize = 10000

// HealthFunc reports per-dependency health errors. An empty map is healthy.
type HealthFunc func(ctx context.Context) map[string]error

type Config struct {
	BatchInterval   time.Duration
	BatchWindow     time.Duration
	ThreatCacheSize int
	StatsTop        int
}

func DefaultConfig() Config {
	return Config{
		BatchInterval:   5 * time.Minute,
		BatchWindow:     5 * time.Minute,
		ThreatCacheSize: defaultThreatCacheSize,
		StatsTop:        10,
	}
}

// Dependencies are the components SecurityService orchestrates. Publisher,
// Signer and Health may be nil.
type Dependencies struct {
	Rules     *rules.Engine
	WAF       *waf.Engine
	Detector  *anomaly.Detector
	Audit     *audit.Service
	Incidents *incident.Manager
	EventLog  eventlog.Store
	Publisher events.Publisher
	Secrets   secrets.Store
	Signer    *encryption.Signer
	Metrics   *metrics.Metrics
	Health    HealthFunc
}

// SecurityService ties detection, WAF, auditing and incident handling
// together. Every administrative mutation is written to the audit ledger.
type SecurityService struct {
	rules     *rules.Engine
	waf       *waf.Engine
	detector  *anomaly.Detector
	audit     *audit.Service
	incidents *incident.Manager
	eventLog  eventlog.Store
	publisher events.Publisher
	secrets   secrets.Store
	signer    *encryption.Signer
	metrics   *metrics.Metrics
	health    HealthFunc
	threats   *lru.Cache[string, *models.Threat]
	threatMu  sync.Mutex
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

func NewSecurityService(deps Dependencies, cfg Config, logger *zap.Logger) (*SecurityService, error) {
	if deps.Rules == nil || deps.WAF == nil || deps.Detector == nil || deps.Audit == nil ||
		deps.Incidents == nil || deps.EventLog == nil || deps.Secrets == nil {
		return nil, errors.New("security service: missing required dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if cfg.ThreatCacheSize <= 0 {
		cfg.ThreatCacheSize = defaultThreatCacheSize
	}
	if cfg.StatsTop <= 0 {
		cfg.StatsTop = 10
	}
	threats, err := lru.New[string, *models.Threat](cfg.ThreatCacheSize)
	if err != nil {
		return nil, fmt.Errorf("threat cache: %w", err)
	}
	return &SecurityService{
		rules:     deps.Rules,
		waf:       deps.WAF,
		detector:  deps.Detector,
		audit:     deps.Audit,
		incidents: deps.Incidents,
		eventLog:  deps.EventLog,
		publisher: deps.Publisher,
		secrets:   deps.Secrets,
		signer:    deps.Signer,
		metrics:   deps.Metrics,
		health:    deps.Health,
		threats:   threats,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// ProcessResult is what one ingested event produced.
type ProcessResult struct {
	EventID   string            `json:"event_id"`
	Threats   []*models.Threat  `json:"threats"`
	Anomalies []*models.Anomaly `json:"anomalies"`
	Degraded  []string          `json:"degraded,omitempty"`
}

// ProcessEvent runs an event through the rule engine and the streaming
// anomaly checks. Counter store trouble degrades the result instead of
// failing it.
func (s *SecurityService) ProcessEvent(ctx context.Context, ev *models.SecurityEvent) (*ProcessResult, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: event is required", ErrValidation)
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now().UTC()
	}
	if ev.Outcome == "" {
		ev.Outcome = models.OutcomeSuccess
	}

	if err := s.eventLog.Record(ctx, ev); err != nil {
		s.logger.Warn("Failed to record security event",
			util.String("event_id", ev.ID),
			util.ErrorField(err))
	}

	res := &ProcessResult{EventID: ev.ID}

	matched := s.rules.MatchAllRules(ctx, ev)
	res.Degraded = append(res.Degraded, matched.Degraded...)
	for _, t := range matched.Threats {
		s.raiseThreat(ctx, Actor{ID: ActorDetection}, t)
	}
	res.Threats = matched.Threats

	checked := s.detector.CheckEvent(ctx, ev)
	res.Degraded = append(res.Degraded, checked.Degraded...)
	for _, a := range checked.Anomalies {
		s.publishAnomaly(ctx, a)
	}
	res.Anomalies = checked.Anomalies

	if len(res.Threats) > 0 || len(res.Anomalies) > 0 {
		s.logger.Info("Security event flagged",
			util.String("event_id", ev.ID),
			util.String("event_type", ev.EventType),
			util.String("source", ev.Source()),
			util.Int("threats", len(res.Threats)),
			util.Int("anomalies", len(res.Anomalies)))
	}
	return res, nil
}

// HandleWAFBlock is the WAF middleware's block callback.
func (s *SecurityService) HandleWAFBlock(ctx context.Context, t *models.Threat, req *waf.Request) {
	actor := Actor{ID: ActorWAF}
	if req != nil {
		actor.Request = audit.RequestMetadata{
			IPAddress: req.RemoteAddr,
			UserAgent: req.Headers.Get("User-Agent"),
		}
	}
	s.raiseThreat(context.WithoutCancel(ctx), actor, t)
}

// raiseThreat caches, counts, publishes and audits a new threat.
func (s *SecurityService) raiseThreat(ctx context.Context, actor Actor, t *models.Threat) {
	s.threats.Add(t.ID, t)
	s.metrics.Threat(string(t.Type), t.Severity.String())

	if err := s.publisher.PublishThreat(ctx, t); err != nil {
		s.logger.Warn("Failed to publish threat",
			util.String("threat_id", t.ID),
			util.ErrorField(err))
	}
	s.record(ctx, actor, "threat.detected", "threat", t.ID, nil, t)
}

func (s *SecurityService) publishAnomaly(ctx context.Context, a *models.Anomaly) {
	if err := s.publisher.PublishAnomaly(ctx, a); err != nil {
		s.logger.Warn("Failed to publish anomaly",
			util.String("anomaly_id", a.ID),
			util.ErrorField(err))
	}
}

// RunBatchAnomalies analyzes the events recorded within the last window.
func (s *SecurityService) RunBatchAnomalies(ctx context.Context, window time.Duration) ([]*models.Anomaly, error) {
	if window <= 0 {
		window = s.cfg.BatchWindow
	}
	evs, err := s.eventLog.Since(ctx, s.now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("read event window: %w", err)
	}
	found, err := s.detector.AnalyzeBatch(ctx, evs)
	if err != nil {
		return nil, err
	}
	for _, a := range found {
		s.publishAnomaly(ctx, a)
	}
	s.logger.Info("Batch anomaly run completed",
		util.Int("events", len(evs)),
		util.Int("anomalies", len(found)),
		util.Duration("window", window))
	return found, nil
}

// RunBatchLoop runs RunBatchAnomalies on every BatchInterval until ctx is
// done.
func (s *SecurityService) RunBatchLoop(ctx context.Context) {
	if s.cfg.BatchInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunBatchAnomalies(ctx, s.cfg.BatchWindow); err != nil {
				s.logger.Error("Batch anomaly run failed", util.ErrorField(err))
			}
		}
	}
}

// Stats is the dashboard view across detection and the WAF.
type Stats struct {
	Detection      rules.Stats `json:"detection"`
	WAF            waf.Stats   `json:"waf"`
	ActiveBans     int         `json:"active_bans"`
	OpenIncidents  int         `json:"open_incidents"`
	TrackedThreats int         `json:"tracked_threats"`
	Baselines      int         `json:"baselines"`
	GeneratedAt    time.Time   `json:"generated_at"`
}

func (s *SecurityService) Stats(ctx context.Context) (*Stats, error) {
	bans, err := s.waf.Bans(ctx)
	if err != nil {
		return nil, err
	}
	open := 0
	for _, inc := range s.incidents.List(incident.Filter{}) {
		if inc.Status != models.IncidentClosed {
			open++
		}
	}
	return &Stats{
		Detection:      s.rules.Stats(s.cfg.StatsTop),
		WAF:            s.waf.Stats(s.cfg.StatsTop),
		ActiveBans:     len(bans),
		OpenIncidents:  open,
		TrackedThreats: s.threats.Len(),
		Baselines:      len(s.detector.Baselines()),
		GeneratedAt:    s.now().UTC(),
	}, nil
}

// HealthCheck returns per-dependency status and an error when any of them
// is unhealthy.
func (s *SecurityService) HealthCheck(ctx context.Context) (map[string]string, error) {
	status := map[string]string{"service": "ok"}
	if s.health == nil {
		return status, nil
	}
	failed := s.health(ctx)
	for name, err := range failed {
		status[name] = err.Error()
	}
	if len(failed) > 0 {
		return status, fmt.Errorf("%d dependencies unhealthy", len(failed))
	}
	return status, nil
}

// InspectRequest runs a request snapshot through the WAF on behalf of an
// upstream proxy. Blocked requests raise a threat like the middleware does.
func (s *SecurityService) InspectRequest(ctx context.Context, req *waf.Request) (*waf.Decision, error) {
	if req == nil || req.Method == "" || req.URI == "" {
		return nil, fmt.Errorf("%w: method and uri are required", ErrValidation)
	}
	d, err := s.waf.Inspect(ctx, req)
	if err != nil {
		return nil, err
	}
	if d.Threat != nil {
		s.HandleWAFBlock(ctx, d.Threat, req)
	}
	return d, nil
}
