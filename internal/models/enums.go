package models

import (
	"fmt"
	"strings"
)

// Severity is ordered: a larger value is more severe.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

func ParseSeverity(s string) (Severity, error) {
	for sev, name := range severityNames {
		if strings.EqualFold(s, name) {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalText() ([]byte, error) {
	if _, ok := severityNames[s]; !ok {
		return nil, fmt.Errorf("unknown severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MaxSeverity returns the most severe of the given values.
func MaxSeverity(values ...Severity) Severity {
	var max Severity
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	return max
}

// Action is what a matching rule asks the caller to do.
type Action int

const (
	ActionLog Action = iota + 1
	ActionAlert
	ActionQuarantine
	ActionBlock
)

var actionNames = map[Action]string{
	ActionLog:        "log",
	ActionAlert:      "alert",
	ActionQuarantine: "quarantine",
	ActionBlock:      "block",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

func ParseAction(s string) (Action, error) {
	for act, name := range actionNames {
		if strings.EqualFold(s, name) {
			return act, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

func (a Action) MarshalText() ([]byte, error) {
	if _, ok := actionNames[a]; !ok {
		return nil, fmt.Errorf("unknown action %d", int(a))
	}
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(b []byte) error {
	v, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Mitigation returns the default response steps recorded on a threat.
func (a Action) Mitigation() []string {
	switch a {
	case ActionBlock:
		return []string{"request blocked", "source strike recorded"}
	case ActionQuarantine:
		return []string{"source quarantined for review"}
	case ActionAlert:
		return []string{"security team alerted"}
	default:
		return nil
	}
}
