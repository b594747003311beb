// Package waf inspects inbound HTTP requests with phased regex rules,
// blocks attacks and escalates repeat offenders to temporary bans.
package waf

import (
	"container/ring"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"security-engine/internal/metrics"
	"security-engine/internal/models"
	"security-engine/internal/rules"
	"security-engine/internal/store"
	"security-engine/internal/util"
)

const (
	strikePrefix = "waf:strikes:"
	banPrefix    = "waf:ban:"

	maxIndicatorValue = 256
)

type Config struct {
	BanThreshold int64
	StrikeWindow time.Duration
	BanDuration  time.Duration
	BanCacheTTL  time.Duration
	BanCacheSize int
	HistorySize  int
	FailPolicy   store.FailPolicy
}

func DefaultConfig() Config {
	return Config{
		BanThreshold: 10,
		StrikeWindow: time.Hour,
		BanDuration:  24 * time.Hour,
		BanCacheTTL:  30 * time.Second,
		BanCacheSize: 10000,
		HistorySize:  10000,
		FailPolicy:   store.FailOpen,
	}
}

// RuleMatch is one rule that matched a request.
type RuleMatch struct {
	RuleID   string          `json:"rule_id"`
	RuleName string          `json:"rule_name"`
	Target   string          `json:"target"`
	Value    string          `json:"value"`
	Action   models.Action   `json:"action"`
	Severity models.Severity `json:"severity"`
}

// Decision is the outcome of inspecting one request.
type Decision struct {
	Blocked   bool           `json:"blocked"`
	Banned    bool           `json:"banned"`
	BanIssued bool           `json:"ban_issued"`
	Degraded  bool           `json:"degraded"`
	Matches   []RuleMatch    `json:"matches,omitempty"`
	Threat    *models.Threat `json:"threat,omitempty"`
}

// Event records a rule match, blocking or not.
type Event struct {
	ID       string          `json:"id"`
	At       time.Time       `json:"at"`
	Source   string          `json:"source"`
	Method   string          `json:"method"`
	URI      string          `json:"uri"`
	RuleID   string          `json:"rule_id"`
	RuleName string          `json:"rule_name"`
	Target   string          `json:"target"`
	Action   models.Action   `json:"action"`
	Severity models.Severity `json:"severity"`
	Blocked  bool            `json:"blocked"`
}

// Ban is an active address-level block.
type Ban struct {
	Address   string        `json:"address"`
	ExpiresIn time.Duration `json:"expires_in"`
}

type ruleSet struct {
	rules   []*Rule // ordered by phase, then id
	version uint64
}

type Engine struct {
	current  atomic.Pointer[ruleSet]
	writeMu  sync.Mutex
	counters store.CounterStore
	cfg      Config
	banCache *expirable.LRU[string, bool]
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	eventsMu sync.Mutex
	events   *ring.Ring
	eventLen int

	inspected  atomic.Uint64
	blocked    atomic.Uint64
	rejected   atomic.Uint64
	bansIssued atomic.Uint64
}

func NewEngine(counters store.CounterStore, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = rules.DefaultHistorySize
	}
	if cfg.BanCacheSize <= 0 {
		cfg.BanCacheSize = 10000
	}
	e := &Engine{
		counters: counters,
		cfg:      cfg,
		banCache: expirable.NewLRU[string, bool](cfg.BanCacheSize, nil, cfg.BanCacheTTL),
		logger:   logger,
		metrics:  m,
		now:      time.Now,
		events:   ring.New(cfg.HistorySize),
	}
	e.current.Store(&ruleSet{})
	return e
}

func sortRules(rs []*Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Phase != rs[j].Phase {
			return rs[i].Phase < rs[j].Phase
		}
		return rs[i].ID < rs[j].ID
	})
}

// Load replaces the rule set. Rules with bad patterns are kept disabled.
func (e *Engine) Load(defs []Definition) []rules.Diagnostic {
	var (
		diags []rules.Diagnostic
		rs    []*Rule
		seen  = make(map[string]bool)
	)
	for _, d := range defs {
		r, err := Compile(d)
		if err != nil {
			diags = append(diags, rules.Diagnostic{RuleID: d.ID, Message: err.Error()})
			e.logger.Warn("WAF rule disabled at load",
				zap.String("rule_id", d.ID),
				zap.Error(err))
		}
		if r == nil || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		rs = append(rs, r)
	}
	sortRules(rs)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.current.Store(&ruleSet{rules: rs, version: e.current.Load().version + 1})
	e.logger.Info("WAF rules loaded",
		zap.Int("rules", len(rs)),
		zap.Int("diagnostics", len(diags)))
	return diags
}

func (e *Engine) publish(fn func(rs []*Rule) ([]*Rule, error)) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cur := e.current.Load()
	next, err := fn(append([]*Rule(nil), cur.rules...))
	if err != nil {
		return err
	}
	sortRules(next)
	e.current.Store(&ruleSet{rules: next, version: cur.version + 1})
	return nil
}

func indexOf(rs []*Rule, id string) int {
	for i, r := range rs {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// Upsert adds or replaces a rule. A pattern that does not compile is
// rejected.
func (e *Engine) Upsert(d Definition) (*Rule, error) {
	r, err := Compile(d)
	if err != nil {
		return nil, err
	}
	err = e.publish(func(rs []*Rule) ([]*Rule, error) {
		if i := indexOf(rs, r.ID); i >= 0 {
			rs[i] = r
			return rs, nil
		}
		return append(rs, r), nil
	})
	return r, err
}

func (e *Engine) Delete(id string) error {
	return e.publish(func(rs []*Rule) ([]*Rule, error) {
		i := indexOf(rs, id)
		if i < 0 {
			return nil, ErrRuleNotFound
		}
		return append(rs[:i], rs[i+1:]...), nil
	})
}

func (e *Engine) SetEnabled(id string, enabled bool) (*Rule, error) {
	var updated *Rule
	err := e.publish(func(rs []*Rule) ([]*Rule, error) {
		i := indexOf(rs, id)
		if i < 0 {
			return nil, ErrRuleNotFound
		}
		if enabled && rs[i].Pattern == nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidRule, rs[i].Diagnostic)
		}
		updated = rs[i].withEnabled(enabled)
		rs[i] = updated
		return rs, nil
	})
	return updated, err
}

func (e *Engine) Get(id string) (*Rule, error) {
	rs := e.current.Load().rules
	if i := indexOf(rs, id); i >= 0 {
		return rs[i], nil
	}
	return nil, ErrRuleNotFound
}

// List returns rules in evaluation order.
func (e *Engine) List() []*Rule {
	return append([]*Rule(nil), e.current.Load().rules...)
}

// matchRule returns the first target value of req that r matches.
func matchRule(r *Rule, req *Request) (Target, string, bool) {
	for _, t := range r.Targets {
		for _, v := range req.values(t) {
			if r.Pattern.MatchString(v) {
				return t, v, true
			}
		}
	}
	return 0, "", false
}

// Inspect checks the ban list, then evaluates enabled rules in phase order.
// Evaluation stops at the first blocking match. Log and alert matches are
// recorded and evaluation continues.
func (e *Engine) Inspect(ctx context.Context, req *Request) (*Decision, error) {
	start := e.now()
	e.inspected.Add(1)
	d := &Decision{}

	banned, err := e.IsBanned(ctx, req.RemoteAddr)
	if err != nil {
		d.Degraded = true
		e.metrics.CounterStoreError("waf.ban", e.cfg.FailPolicy.String())
		e.logger.Warn("Ban check unavailable",
			zap.String("source", req.RemoteAddr),
			zap.String("policy", e.cfg.FailPolicy.String()),
			zap.Error(err))
		if e.cfg.FailPolicy == store.FailClosed {
			d.Blocked = true
			e.blocked.Add(1)
			e.metrics.WAFRequest(metrics.DecisionBlocked, time.Since(start))
			return d, nil
		}
	}
	if banned {
		d.Blocked, d.Banned = true, true
		e.rejected.Add(1)
		e.metrics.WAFRequest(metrics.DecisionBanned, time.Since(start))
		return d, nil
	}

	var matched []*Rule
	for _, r := range e.current.Load().rules {
		if !r.Enabled || r.Pattern == nil {
			continue
		}
		target, value, ok := matchRule(r, req)
		if !ok {
			continue
		}

		blocking := r.Action == models.ActionBlock
		matched = append(matched, r)
		d.Matches = append(d.Matches, RuleMatch{
			RuleID:   r.ID,
			RuleName: r.Name,
			Target:   target.String(),
			Value:    util.Truncate(value, maxIndicatorValue),
			Action:   r.Action,
			Severity: r.Severity,
		})
		e.recordEvent(Event{
			ID:       uuid.NewString(),
			At:       e.now().UTC(),
			Source:   req.RemoteAddr,
			Method:   req.Method,
			URI:      util.Truncate(req.URI, maxIndicatorValue),
			RuleID:   r.ID,
			RuleName: r.Name,
			Target:   target.String(),
			Action:   r.Action,
			Severity: r.Severity,
			Blocked:  blocking,
		})
		e.metrics.WAFRuleMatch(r.ID, r.Action.String())

		if blocking {
			d.Blocked = true
			break
		}
	}

	if !d.Blocked {
		e.metrics.WAFRequest(metrics.DecisionAllowed, time.Since(start))
		return d, nil
	}

	e.blocked.Add(1)
	d.Threat = e.compositeThreat(req, matched, d.Matches)
	e.logger.Warn("WAF blocked request",
		zap.String("source", req.RemoteAddr),
		zap.String("method", req.Method),
		zap.String("uri", util.Truncate(req.URI, maxIndicatorValue)),
		zap.Strings("rule_ids", d.Threat.RuleIDs),
		zap.String("threat_type", string(d.Threat.Type)))

	issued, err := e.strike(ctx, req.RemoteAddr)
	if err != nil {
		d.Degraded = true
		e.metrics.CounterStoreError("waf.strike", e.cfg.FailPolicy.String())
		e.logger.Warn("Strike counter unavailable",
			zap.String("source", req.RemoteAddr),
			zap.Error(err))
	}
	d.BanIssued = issued
	e.metrics.WAFRequest(metrics.DecisionBlocked, time.Since(start))
	return d, nil
}

func (e *Engine) compositeThreat(req *Request, matched []*Rule, matches []RuleMatch) *models.Threat {
	severities := make([]models.Severity, 0, len(matched))
	ruleIDs := make([]string, 0, len(matched))
	indicators := make([]models.ThreatIndicator, 0, len(matches))
	for i, r := range matched {
		severities = append(severities, r.Severity)
		ruleIDs = append(ruleIDs, r.ID)
		indicators = append(indicators, models.ThreatIndicator{
			Type:       "waf_" + matches[i].Target,
			Value:      matches[i].Value,
			Confidence: 0.9,
			Context:    r.Name,
		})
	}

	return &models.Threat{
		ID:          uuid.NewString(),
		Type:        threatTypeFor(matched),
		Severity:    models.MaxSeverity(severities...),
		Source:      req.RemoteAddr,
		Target:      util.Truncate(req.Method+" "+req.URI, maxIndicatorValue),
		RuleIDs:     ruleIDs,
		DetectedAt:  e.now().UTC(),
		Description: "Request blocked by WAF rules: " + strings.Join(ruleIDs, ", "),
		Indicators:  indicators,
		Status:      models.ThreatActive,
		Mitigations: models.ActionBlock.Mitigation(),
	}
}

// strike counts a blocked request against source and bans it once the
// threshold is reached inside the strike window.
func (e *Engine) strike(ctx context.Context, source string) (bool, error) {
	if source == "" {
		return false, nil
	}
	count, err := e.counters.IncrWithExpire(ctx, strikePrefix+source, e.cfg.StrikeWindow)
	if err != nil {
		return false, err
	}
	if count < e.cfg.BanThreshold {
		return false, nil
	}
	if err := e.Ban(ctx, source, e.cfg.BanDuration); err != nil {
		return false, err
	}
	return true, nil
}

// Ban blocks source for d.
func (e *Engine) Ban(ctx context.Context, source string, d time.Duration) error {
	if err := e.counters.SetWithTTL(ctx, banPrefix+source, e.now().UTC().Format(time.RFC3339), d); err != nil {
		return err
	}
	e.banCache.Add(source, true)
	e.bansIssued.Add(1)
	e.metrics.WAFBan()
	e.logger.Warn("Source banned",
		zap.String("source", source),
		zap.Duration("duration", d))
	return nil
}

// IsBanned is a cheap existence check run before any rule. Positive results
// are cached briefly in process.
func (e *Engine) IsBanned(ctx context.Context, source string) (bool, error) {
	if source == "" {
		return false, nil
	}
	if _, ok := e.banCache.Get(source); ok {
		return true, nil
	}
	banned, err := e.counters.Exists(ctx, banPrefix+source)
	if err != nil {
		return false, err
	}
	if banned {
		e.banCache.Add(source, true)
	}
	return banned, nil
}

// Unban lifts a ban and clears the source's strikes.
func (e *Engine) Unban(ctx context.Context, source string) error {
	e.banCache.Remove(source)
	if err := e.counters.Delete(ctx, banPrefix+source, strikePrefix+source); err != nil {
		return err
	}
	e.logger.Info("Source unbanned", zap.String("source", source))
	return nil
}

func (e *Engine) Bans(ctx context.Context) ([]Ban, error) {
	keys, err := e.counters.Keys(ctx, banPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Ban, 0, len(keys))
	for _, k := range keys {
		ttl, err := e.counters.TTL(ctx, k)
		if err != nil {
			return nil, err
		}
		if ttl <= 0 {
			continue
		}
		out = append(out, Ban{Address: strings.TrimPrefix(k, banPrefix), ExpiresIn: ttl})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (e *Engine) recordEvent(ev Event) {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	e.events.Value = ev
	e.events = e.events.Next()
	if e.eventLen < e.cfg.HistorySize {
		e.eventLen++
	}
}

// Events returns up to n recent matches, newest first.
func (e *Engine) Events(n int) []Event {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	if n <= 0 || n > e.eventLen {
		n = e.eventLen
	}
	out := make([]Event, 0, n)
	for p := e.events.Prev(); len(out) < n; p = p.Prev() {
		out = append(out, p.Value.(Event))
	}
	return out
}

type Stats struct {
	Inspected        uint64        `json:"inspected"`
	Blocked          uint64        `json:"blocked"`
	BannedRejections uint64        `json:"banned_rejections"`
	BansIssued       uint64        `json:"bans_issued"`
	Rules            int           `json:"rules"`
	TopRules         []rules.Count `json:"top_rules"`
	TopSources       []rules.Count `json:"top_sources"`
}

func (e *Engine) Stats(top int) Stats {
	ruleCounts := make(map[string]int)
	sourceCounts := make(map[string]int)
	for _, ev := range e.Events(0) {
		ruleCounts[ev.RuleID]++
		if ev.Blocked {
			sourceCounts[ev.Source]++
		}
	}
	return Stats{
		Inspected:        e.inspected.Load(),
		Blocked:          e.blocked.Load(),
		BannedRejections: e.rejected.Load(),
		BansIssued:       e.bansIssued.Load(),
		Rules:            len(e.current.Load().rules),
		TopRules:         rules.TopN(ruleCounts, top),
		TopSources:       rules.TopN(sourceCounts, top),
	}
}
