// Package rules evaluates detection rules against security events and turns
// matches into threats.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"security-engine/internal/metrics"
	"security-engine/internal/models"
	"security-engine/internal/store"
)

var ErrRuleNotFound = errors.New("detection rule not found")

// Diagnostic explains why a rule was disabled at load time.
type Diagnostic struct {
	RuleID  string `json:"rule_id"`
	Message string `json:"message"`
}

// snapshot is an immutable rule set. Evaluations hold one snapshot for
// their whole run.
type snapshot struct {
	rules   []*Rule
	version uint64
}

func (s *snapshot) find(id string) (int, *Rule) {
	for i, r := range s.rules {
		if r.ID == id {
			return i, r
		}
	}
	return -1, nil
}

// MatchResult is the outcome of evaluating every enabled rule for one event.
// Degraded lists threshold rules whose counter could not be read.
type MatchResult struct {
	Threats  []*models.Threat `json:"threats"`
	Degraded []string         `json:"degraded,omitempty"`
}

type Engine struct {
	current  atomic.Pointer[snapshot]
	writeMu  sync.Mutex
	counters store.CounterStore
	policy   store.FailPolicy
	history  *History
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewEngine(counters store.CounterStore, policy store.FailPolicy, historySize int, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		counters: counters,
		policy:   policy,
		history:  NewHistory(historySize),
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
	e.current.Store(&snapshot{})
	return e
}

func (e *Engine) History() *History { return e.history }

// Load replaces the whole rule set. Rules with bad patterns are kept
// disabled and reported; structurally invalid definitions are skipped and
// reported.
func (e *Engine) Load(defs []Definition) []Diagnostic {
	var (
		diags []Diagnostic
		rules []*Rule
		seen  = make(map[string]bool)
	)
	for _, d := range defs {
		r, err := Compile(d)
		if err != nil {
			diags = append(diags, Diagnostic{RuleID: d.ID, Message: err.Error()})
			e.logger.Warn("Detection rule disabled at load",
				zap.String("rule_id", d.ID),
				zap.Error(err))
		}
		if r == nil || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		rules = append(rules, r)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.current.Store(&snapshot{rules: rules, version: e.current.Load().version + 1})
	e.logger.Info("Detection rules loaded",
		zap.Int("rules", len(rules)),
		zap.Int("diagnostics", len(diags)))
	return diags
}

// publish applies fn to a copy of the current rule list and swaps it in.
func (e *Engine) publish(fn func(rules []*Rule) ([]*Rule, error)) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cur := e.current.Load()
	next, err := fn(append([]*Rule(nil), cur.rules...))
	if err != nil {
		return err
	}
	e.current.Store(&snapshot{rules: next, version: cur.version + 1})
	return nil
}

// Upsert adds or replaces a rule. Unlike Load, a pattern that does not
// compile is rejected.
func (e *Engine) Upsert(d Definition) (*Rule, error) {
	r, err := Compile(d)
	if err != nil {
		return nil, err
	}
	err = e.publish(func(rules []*Rule) ([]*Rule, error) {
		if i, _ := (&snapshot{rules: rules}).find(r.ID); i >= 0 {
			rules[i] = r
			return rules, nil
		}
		return append(rules, r), nil
	})
	return r, err
}

func (e *Engine) Delete(id string) error {
	return e.publish(func(rules []*Rule) ([]*Rule, error) {
		i, _ := (&snapshot{rules: rules}).find(id)
		if i < 0 {
			return nil, ErrRuleNotFound
		}
		return append(rules[:i], rules[i+1:]...), nil
	})
}

// SetEnabled toggles a rule without touching its identity or pattern.
func (e *Engine) SetEnabled(id string, enabled bool) (*Rule, error) {
	var updated *Rule
	err := e.publish(func(rules []*Rule) ([]*Rule, error) {
		i, r := (&snapshot{rules: rules}).find(id)
		if r == nil {
			return nil, ErrRuleNotFound
		}
		if enabled && r.Pattern.IsZero() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPattern, r.Diagnostic)
		}
		updated = r.withEnabled(enabled)
		rules[i] = updated
		return rules, nil
	})
	return updated, err
}

func (e *Engine) Get(id string) (*Rule, error) {
	if _, r := e.current.Load().find(id); r != nil {
		return r, nil
	}
	return nil, ErrRuleNotFound
}

// List returns the rules sorted by id.
func (e *Engine) List() []*Rule {
	rules := append([]*Rule(nil), e.current.Load().rules...)
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// Version increases with every change to the rule set.
func (e *Engine) Version() uint64 {
	return e.current.Load().version
}

func thresholdKey(r *Rule, source string) string {
	return "rule:" + r.ID + ":" + source
}

// MatchRule reports whether r matches ev. Threshold rules count pattern hits
// per source and match once the count reaches the threshold inside the
// window. When the counter store fails the fail policy decides the result
// and the store error is returned alongside it.
func (e *Engine) MatchRule(ctx context.Context, r *Rule, ev *models.SecurityEvent) (bool, error) {
	if !r.Enabled || r.Pattern.IsZero() || !r.Pattern.Match(fieldValue(ev, r.Field)) {
		return false, nil
	}
	if !r.HasThreshold() {
		return true, nil
	}

	count, err := e.counters.IncrWithExpire(ctx, thresholdKey(r, ev.Source()), r.Window)
	if err != nil {
		e.metrics.CounterStoreError("rules", e.policy.String())
		e.logger.Warn("Threshold counter unavailable",
			zap.String("rule_id", r.ID),
			zap.String("source", ev.Source()),
			zap.String("policy", e.policy.String()),
			zap.Error(err))
		return e.policy == store.FailClosed, err
	}
	return count >= r.Threshold, nil
}

// MatchAllRules evaluates every enabled rule and returns one threat per
// match.
func (e *Engine) MatchAllRules(ctx context.Context, ev *models.SecurityEvent) MatchResult {
	snap := e.current.Load()
	var res MatchResult
	for _, r := range snap.rules {
		if !r.Enabled {
			continue
		}
		matched, err := e.MatchRule(ctx, r, ev)
		if err != nil {
			res.Degraded = append(res.Degraded, r.ID)
		}
		if !matched {
			continue
		}

		t := e.threatFor(r, ev, err != nil)
		res.Threats = append(res.Threats, t)
		e.history.Add(Match{
			RuleID:   r.ID,
			RuleName: r.Name,
			Source:   ev.Source(),
			ThreatID: t.ID,
			At:       t.DetectedAt,
		})
		e.metrics.RuleMatch(r.ID)
		e.logger.Info("Detection rule matched",
			zap.String("rule_id", r.ID),
			zap.String("source", ev.Source()),
			zap.String("action", r.Action.String()),
			zap.String("severity", r.Severity.String()))
	}
	return res
}

func (e *Engine) threatFor(r *Rule, ev *models.SecurityEvent, degraded bool) *models.Threat {
	confidence := 1.0
	if degraded {
		confidence = 0.5
	}
	indicators := []models.ThreatIndicator{{
		Type:       "rule_match",
		Value:      r.Pattern.String(),
		Confidence: confidence,
		Context:    fmt.Sprintf("%s on %s", r.Name, r.Field),
	}}
	if r.HasThreshold() {
		indicators = append(indicators, models.ThreatIndicator{
			Type:       "threshold",
			Value:      fmt.Sprintf("%d in %s", r.Threshold, r.Window),
			Confidence: confidence,
			Context:    "source " + ev.Source(),
		})
	}
	if degraded {
		indicators = append(indicators, models.ThreatIndicator{
			Type:       "counter_unavailable",
			Value:      e.policy.String(),
			Confidence: confidence,
		})
	}

	return &models.Threat{
		ID:          uuid.NewString(),
		Type:        r.ThreatType,
		Severity:    r.Severity,
		Source:      ev.Source(),
		Target:      ev.Resource,
		RuleIDs:     []string{r.ID},
		DetectedAt:  e.now().UTC(),
		Description: fmt.Sprintf("%s: %s", r.Name, r.Description),
		Indicators:  indicators,
		Status:      models.ThreatActive,
		Mitigations: r.Action.Mitigation(),
	}
}

type Stats struct {
	Rules        int     `json:"rules"`
	Enabled      int     `json:"enabled"`
	TotalMatches uint64  `json:"total_matches"`
	TopRules     []Count `json:"top_rules"`
	TopSources   []Count `json:"top_sources"`
}

func (e *Engine) Stats(top int) Stats {
	snap := e.current.Load()
	s := Stats{
		Rules:        len(snap.rules),
		TotalMatches: e.history.Total(),
		TopRules:     e.history.TopRules(top),
		TopSources:   e.history.TopSources(top),
	}
	for _, r := range snap.rules {
		if r.Enabled {
			s.Enabled++
		}
	}
	return s
}
