package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"security-engine/internal/models"
)

var ErrInvalidRule = errors.New("invalid detection rule")

// Field names a SecurityEvent attribute a rule pattern is tested against.
// "metadata:<key>" selects one metadata entry.
const (
	FieldEventType = "event_type"
	FieldAction    = "action"
	FieldResource  = "resource"
	FieldOutcome   = "outcome"
	FieldSource    = "source"
	FieldUserID    = "user_id"
	FieldIPAddress = "ip_address"
	FieldCountry   = "country"

	metadataPrefix = "metadata:"
)

func validField(f string) bool {
	switch f {
	case FieldEventType, FieldAction, FieldResource, FieldOutcome, FieldSource,
		FieldUserID, FieldIPAddress, FieldCountry:
		return true
	}
	return strings.HasPrefix(f, metadataPrefix) && len(f) > len(metadataPrefix)
}

func fieldValue(e *models.SecurityEvent, f string) string {
	switch f {
	case FieldEventType:
		return e.EventType
	case FieldAction:
		return e.Action
	case FieldResource:
		return e.Resource
	case FieldOutcome:
		return string(e.Outcome)
	case FieldSource:
		return e.Source()
	case FieldUserID:
		return e.UserID
	case FieldIPAddress:
		return e.IPAddress
	case FieldCountry:
		return e.Country
	}
	if strings.HasPrefix(f, metadataPrefix) {
		return e.Metadata[strings.TrimPrefix(f, metadataPrefix)]
	}
	return ""
}

// Rule is a compiled detection rule. Rules are immutable once published to
// an engine snapshot; changes produce a new Rule.
type Rule struct {
	ID          string
	Name        string
	Description string
	Enabled     bool
	Field       string
	Pattern     Pattern
	Threshold   int64
	Window      time.Duration
	Action      models.Action
	Severity    models.Severity
	ThreatType  models.ThreatType
	Tags        []string

	// Diagnostic is set when the pattern failed to compile. Such a rule
	// stays disabled.
	Diagnostic string

	def Definition
}

func (r *Rule) HasThreshold() bool {
	return r.Threshold > 0
}

// Definition is the serialized form of a rule, as found in rule files and
// the admin API.
type Definition struct {
	ID            string   `yaml:"id" json:"id"`
	Name          string   `yaml:"name" json:"name"`
	Description   string   `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled       *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Field         string   `yaml:"field" json:"field"`
	PatternType   string   `yaml:"pattern_type,omitempty" json:"pattern_type,omitempty"`
	Pattern       string   `yaml:"pattern" json:"pattern"`
	Threshold     int64    `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	WindowSeconds int64    `yaml:"window_seconds,omitempty" json:"window_seconds,omitempty"`
	Action        string   `yaml:"action" json:"action"`
	Severity      string   `yaml:"severity" json:"severity"`
	ThreatType    string   `yaml:"threat_type,omitempty" json:"threat_type,omitempty"`
	Tags          []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Compile validates d and resolves its pattern. A pattern error is returned
// together with a disabled rule carrying the diagnostic; any other problem
// returns a nil rule.
func Compile(d Definition) (*Rule, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if d.Field == "" {
		d.Field = FieldEventType
	}
	if !validField(d.Field) {
		return nil, fmt.Errorf("%w: %s: unknown field %q", ErrInvalidRule, d.ID, d.Field)
	}
	action, err := models.ParseAction(d.Action)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, d.ID, err)
	}
	severity, err := models.ParseSeverity(d.Severity)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, d.ID, err)
	}
	if d.Threshold < 0 || d.WindowSeconds < 0 {
		return nil, fmt.Errorf("%w: %s: threshold and window must not be negative", ErrInvalidRule, d.ID)
	}
	if d.Threshold > 0 && d.WindowSeconds == 0 {
		return nil, fmt.Errorf("%w: %s: threshold requires window_seconds", ErrInvalidRule, d.ID)
	}
	threatType := models.ThreatType(d.ThreatType)
	if threatType == "" {
		threatType = models.ThreatAnomaly
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
		Field:       d.Field,
		Threshold:   d.Threshold,
		Window:      time.Duration(d.WindowSeconds) * time.Second,
		Action:      action,
		Severity:    severity,
		ThreatType:  threatType,
		Tags:        append([]string(nil), d.Tags...),
		def:         d,
	}

	p, err := ParsePattern(d.PatternType, d.Pattern)
	if err != nil {
		r.Enabled = false
		r.Diagnostic = err.Error()
		return r, fmt.Errorf("rule %s: %w", d.ID, err)
	}
	r.Pattern = p
	return r, nil
}

// Definition returns the serialized form reflecting the rule's current
// enabled state.
func (r *Rule) Definition() Definition {
	d := r.def
	enabled := r.Enabled
	d.Enabled = &enabled
	return d
}

// withEnabled returns a copy of r with the enabled flag changed.
func (r *Rule) withEnabled(enabled bool) *Rule {
	c := *r
	c.Enabled = enabled
	return &c
}
