package waf

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"security-engine/internal/models"
)

var (
	ErrInvalidRule  = errors.New("invalid waf rule")
	ErrRuleNotFound = errors.New("waf rule not found")
)

// Target is a request field a rule inspects.
type Target int

const (
	TargetMethod Target = iota + 1
	TargetURI
	TargetHeaders
	TargetArgs
	TargetBody
	TargetCookies
)

var targetNames = map[Target]string{
	TargetMethod:  "method",
	TargetURI:     "uri",
	TargetHeaders: "headers",
	TargetArgs:    "args",
	TargetBody:    "body",
	TargetCookies: "cookies",
}

func (t Target) String() string {
	if name, ok := targetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("target(%d)", int(t))
}

func ParseTarget(s string) (Target, error) {
	for t, name := range targetNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown target %q", s)
}

// Phases run in ascending order.
const (
	PhaseProtocol = 1
	PhasePayload  = 2
)

// Rule is a compiled WAF rule. A rule whose pattern failed to compile has a
// nil Pattern and stays disabled.
type Rule struct {
	ID          string
	Name        string
	Description string
	Enabled     bool
	Phase       int
	Targets     []Target
	Pattern     *regexp.Regexp
	Action      models.Action
	Severity    models.Severity
	Tags        []string
	Diagnostic  string

	def Definition
}

type Definition struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Phase       int      `yaml:"phase" json:"phase"`
	Targets     []string `yaml:"targets" json:"targets"`
	Pattern     string   `yaml:"pattern" json:"pattern"`
	Action      string   `yaml:"action" json:"action"`
	Severity    string   `yaml:"severity" json:"severity"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Compile validates d. A bad regex yields a disabled rule plus an error
// wrapping ErrInvalidRule; any other problem yields a nil rule.
func Compile(d Definition) (*Rule, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if len(d.Targets) == 0 {
		return nil, fmt.Errorf("%w: %s: at least one target is required", ErrInvalidRule, d.ID)
	}
	targets := make([]Target, 0, len(d.Targets))
	for _, name := range d.Targets {
		t, err := ParseTarget(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, d.ID, err)
		}
		targets = append(targets, t)
	}
	action, err := models.ParseAction(d.Action)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, d.ID, err)
	}
	severity, err := models.ParseSeverity(d.Severity)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, d.ID, err)
	}
	if d.Phase == 0 {
		d.Phase = PhasePayload
	}
	name := d.Name
	if name == "" {
		name = d.ID
	}

	r := &Rule{
		ID:          d.ID,
		Name:        name,
		Description: d.Description,
		Enabled:     d.Enabled == nil || *d.Enabled,
		Phase:       d.Phase,
		Targets:     targets,
		Action:      action,
		Severity:    severity,
		Tags:        append([]string(nil), d.Tags...),
		def:         d,
	}
	re, err := regexp.Compile(d.Pattern)
	if err != nil {
		r.Enabled = false
		r.Diagnostic = err.Error()
		return r, fmt.Errorf("%w: %s: %v", ErrInvalidRule, d.ID, err)
	}
	r.Pattern = re
	return r, nil
}

func (r *Rule) Definition() Definition {
	d := r.def
	enabled := r.Enabled
	d.Enabled = &enabled
	return d
}

func (r *Rule) withEnabled(enabled bool) *Rule {
	c := *r
	c.Enabled = enabled
	return &c
}

// tagThreatTypes maps rule tags to threat types, most specific first.
var tagThreatTypes = []struct {
	tag        string
	threatType models.ThreatType
}{
	{"sqli", models.ThreatSQLInjection},
	{"xss", models.ThreatXSS},
	{"command-injection", models.ThreatCommandInjection},
	{"path-traversal", models.ThreatPathTraversal},
	{"lfi", models.ThreatPathTraversal},
	{"protocol", models.ThreatProtocolViolation},
	{"scanner", models.ThreatScanner},
}

// threatTypeFor picks the highest-precedence type among the tags of the
// matched rules.
func threatTypeFor(matched []*Rule) models.ThreatType {
	tags := make(map[string]bool)
	for _, r := range matched {
		for _, t := range r.Tags {
			tags[t] = true
		}
	}
	for _, tt := range tagThreatTypes {
		if tags[tt.tag] {
			return tt.threatType
		}
	}
	return models.ThreatAnomaly
}
