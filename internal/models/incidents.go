package models

import "time"

type IncidentStatus string

const (
	IncidentOpen          IncidentStatus = "open"
	IncidentInvestigating IncidentStatus = "investigating"
	IncidentContained     IncidentStatus = "contained"
	IncidentRemediated    IncidentStatus = "remediated"
	IncidentClosed        IncidentStatus = "closed"
)

// TimelineEntry records one mutation of an incident.
type TimelineEntry struct {
	At      time.Time `json:"at"`
	Actor   string    `json:"actor"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
}

// Incident groups related threats under one investigation.
type Incident struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Priority    Severity        `json:"priority"`
	Status      IncidentStatus  `json:"status"`
	ThreatIDs   []string        `json:"threat_ids"`
	Timeline    []TimelineEntry `json:"timeline"`
	RootCause   string          `json:"root_cause,omitempty"`
	Remediation string          `json:"remediation,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
}
