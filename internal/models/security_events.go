package models

import (
	"errors"
	"time"
)

var ErrInvalidEvent = errors.New("invalid security event")

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeBlocked Outcome = "blocked"
)

// SecurityEvent is an observation fed into detection.
type SecurityEvent struct {
	ID        string            `json:"id" ch:"id"`
	Timestamp time.Time         `json:"timestamp" ch:"timestamp"`
	EventType string            `json:"event_type" ch:"event_type"`
	UserID    string            `json:"user_id,omitempty" ch:"user_id"`
	IPAddress string            `json:"ip_address,omitempty" ch:"ip_address"`
	Country   string            `json:"country,omitempty" ch:"country"`
	Resource  string            `json:"resource,omitempty" ch:"resource"`
	Action    string            `json:"action,omitempty" ch:"action"`
	Outcome   Outcome           `json:"outcome" ch:"outcome"`
	Metadata  map[string]string `json:"metadata,omitempty" ch:"metadata"`
	RiskScore *float64          `json:"risk_score,omitempty" ch:"risk_score"`
}

// Source identifies who produced the event: the network address when known,
// otherwise the user.
func (e *SecurityEvent) Source() string {
	if e.IPAddress != "" {
		return e.IPAddress
	}
	return e.UserID
}

// Actor identifies the principal for per-actor behavioural checks.
func (e *SecurityEvent) Actor() string {
	if e.UserID != "" {
		return e.UserID
	}
	return e.IPAddress
}

func (e *SecurityEvent) Validate() error {
	if e.EventType == "" {
		return errors.Join(ErrInvalidEvent, errors.New("event_type is required"))
	}
	if e.UserID == "" && e.IPAddress == "" {
		return errors.Join(ErrInvalidEvent, errors.New("user_id or ip_address is required"))
	}
	switch e.Outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomeBlocked, "":
	default:
		return errors.Join(ErrInvalidEvent, errors.New("outcome must be success, failure or blocked"))
	}
	return nil
}
