package models

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidThreatTransition = errors.New("invalid threat status transition")

type ThreatType string

const (
	ThreatBruteForce          ThreatType = "brute_force"
	ThreatSQLInjection        ThreatType = "sql_injection"
	ThreatXSS                 ThreatType = "xss"
	ThreatCommandInjection    ThreatType = "command_injection"
	ThreatPathTraversal       ThreatType = "path_traversal"
	ThreatProtocolViolation   ThreatType = "protocol_violation"
	ThreatScanner             ThreatType = "scanner"
	ThreatRateAbuse           ThreatType = "rate_abuse"
	ThreatPrivilegeEscalation ThreatType = "privilege_escalation"
	ThreatDataExfiltration    ThreatType = "data_exfiltration"
	ThreatAnomaly             ThreatType = "anomaly"
)

type ThreatStatus string

const (
	ThreatActive        ThreatStatus = "active"
	ThreatMitigated     ThreatStatus = "mitigated"
	ThreatFalsePositive ThreatStatus = "false_positive"
)

type ThreatIndicator struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Context    string  `json:"context,omitempty"`
}

// Threat is a detected malicious or suspicious condition.
type Threat struct {
	ID          string            `json:"id"`
	Type        ThreatType        `json:"type"`
	Severity    Severity          `json:"severity"`
	Source      string            `json:"source"`
	Target      string            `json:"target,omitempty"`
	RuleIDs     []string          `json:"rule_ids,omitempty"`
	DetectedAt  time.Time         `json:"detected_at"`
	Description string            `json:"description"`
	Indicators  []ThreatIndicator `json:"indicators"`
	Status      ThreatStatus      `json:"status"`
	Mitigations []string          `json:"mitigations,omitempty"`
}

// Transition moves an active threat to a terminal status.
func (t *Threat) Transition(to ThreatStatus) error {
	if t.Status != ThreatActive {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidThreatTransition, t.Status)
	}
	switch to {
	case ThreatMitigated, ThreatFalsePositive:
		t.Status = to
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidThreatTransition, t.Status, to)
	}
}

type AnomalyKind string

const (
	AnomalyStatistical      AnomalyKind = "statistical"
	AnomalyVelocity         AnomalyKind = "velocity"
	AnomalyTimeOfDay        AnomalyKind = "time_of_day"
	AnomalyImpossibleTravel AnomalyKind = "impossible_travel"
	AnomalyCheckUnavailable AnomalyKind = "check_unavailable"
)

// Anomaly is a statistically or behaviourally unusual observation.
type Anomaly struct {
	ID         string            `json:"id"`
	Kind       AnomalyKind       `json:"kind"`
	Metric     string            `json:"metric"`
	Score      float64           `json:"score"`
	Baseline   float64           `json:"baseline"`
	Current    float64           `json:"current"`
	Deviation  float64           `json:"deviation"`
	DetectedAt time.Time         `json:"detected_at"`
	Context    map[string]string `json:"context,omitempty"`
}
