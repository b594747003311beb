// Package incident tracks investigations that group related threats.
package incident

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"security-engine/internal/models"
)

var (
	ErrNotFound          = errors.New("incident not found")
	ErrInvalidIncident   = errors.New("invalid incident")
	ErrInvalidTransition = errors.New("invalid incident transition")
	ErrClosed            = errors.New("incident is closed")
)

// Timeline entry kinds.
const (
	KindCreated     = "created"
	KindStatus      = "status"
	KindNote        = "note"
	KindRootCause   = "root_cause"
	KindRemediation = "remediation"
	KindThreat      = "threat_attached"
)

var nextStatus = map[models.IncidentStatus]models.IncidentStatus{
	models.IncidentOpen:          models.IncidentInvestigating,
	models.IncidentInvestigating: models.IncidentContained,
	models.IncidentContained:     models.IncidentRemediated,
	models.IncidentRemediated:    models.IncidentClosed,
}

// CanTransition reports whether from -> to is allowed: one step forward, or
// straight to closed from any open state.
func CanTransition(from, to models.IncidentStatus) bool {
	if from == models.IncidentClosed {
		return false
	}
	return to == models.IncidentClosed || nextStatus[from] == to
}

// CreateRequest opens an incident. Priority defaults to the highest
// severity among Threats.
type CreateRequest struct {
	Title    string
	Priority models.Severity
	Threats  []*models.Threat
}

type Filter struct {
	Status models.IncidentStatus
	Limit  int
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager holds incidents in process. Callers always receive copies.
type Manager struct {
	mu        sync.RWMutex
	incidents map[string]*models.Incident
	logger    *zap.Logger
	now       func() time.Time
}

func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		incidents: make(map[string]*models.Incident),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Create(actor string, req CreateRequest) (*models.Incident, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidIncident)
	}
	if len(req.Threats) == 0 {
		return nil, fmt.Errorf("%w: at least one threat is required", ErrInvalidIncident)
	}

	ids := make([]string, 0, len(req.Threats))
	severities := make([]models.Severity, 0, len(req.Threats))
	seen := make(map[string]bool)
	for _, t := range req.Threats {
		if t == nil || t.ID == "" {
			return nil, fmt.Errorf("%w: threat without id", ErrInvalidIncident)
		}
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		ids = append(ids, t.ID)
		severities = append(severities, t.Severity)
	}
	priority := req.Priority
	if priority == 0 {
		priority = models.MaxSeverity(severities...)
	}
	if priority == 0 {
		return nil, fmt.Errorf("%w: priority could not be derived", ErrInvalidIncident)
	}

	now := m.now().UTC()
	inc := &models.Incident{
		ID:        uuid.NewString(),
		Title:     title,
		Priority:  priority,
		Status:    models.IncidentOpen,
		ThreatIDs: ids,
		CreatedAt: now,
		UpdatedAt: now,
	}
	inc.Timeline = append(inc.Timeline, models.TimelineEntry{
		At:      now,
		Actor:   actor,
		Kind:    KindCreated,
		Message: fmt.Sprintf("opened with %d threat(s), priority %s", len(ids), priority),
	})

	m.mu.Lock()
	m.incidents[inc.ID] = inc
	m.mu.Unlock()

	m.logger.Info("Incident opened",
		zap.String("incident_id", inc.ID),
		zap.String("priority", priority.String()),
		zap.Int("threats", len(ids)))
	return clone(inc), nil
}

// mutate applies fn to an open incident and appends the timeline entry it
// returns.
func (m *Manager) mutate(id, actor string, fn func(inc *models.Incident, now time.Time) (models.TimelineEntry, error)) (*models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inc, ok := m.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	if inc.Status == models.IncidentClosed {
		return nil, ErrClosed
	}
	now := m.now().UTC()
	entry, err := fn(inc, now)
	if err != nil {
		return nil, err
	}
	entry.At, entry.Actor = now, actor
	inc.Timeline = append(inc.Timeline, entry)
	inc.UpdatedAt = now
	return clone(inc), nil
}

func (m *Manager) Transition(id, actor string, to models.IncidentStatus) (*models.Incident, error) {
	inc, err := m.mutate(id, actor, func(inc *models.Incident, now time.Time) (models.TimelineEntry, error) {
		if !CanTransition(inc.Status, to) {
			return models.TimelineEntry{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inc.Status, to)
		}
		from := inc.Status
		inc.Status = to
		if to == models.IncidentClosed {
			closedAt := now
			inc.ClosedAt = &closedAt
		}
		return models.TimelineEntry{Kind: KindStatus, Message: fmt.Sprintf("%s -> %s", from, to)}, nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Incident transitioned",
		zap.String("incident_id", id),
		zap.String("status", string(to)),
		zap.String("actor", actor))
	return inc, nil
}

func (m *Manager) AddNote(id, actor, note string) (*models.Incident, error) {
	if strings.TrimSpace(note) == "" {
		return nil, fmt.Errorf("%w: note is empty", ErrInvalidIncident)
	}
	return m.mutate(id, actor, func(*models.Incident, time.Time) (models.TimelineEntry, error) {
		return models.TimelineEntry{Kind: KindNote, Message: note}, nil
	})
}

func (m *Manager) SetRootCause(id, actor, text string) (*models.Incident, error) {
	return m.mutate(id, actor, func(inc *models.Incident, _ time.Time) (models.TimelineEntry, error) {
		inc.RootCause = text
		return models.TimelineEntry{Kind: KindRootCause, Message: text}, nil
	})
}

func (m *Manager) SetRemediation(id, actor, text string) (*models.Incident, error) {
	return m.mutate(id, actor, func(inc *models.Incident, _ time.Time) (models.TimelineEntry, error) {
		inc.Remediation = text
		return models.TimelineEntry{Kind: KindRemediation, Message: text}, nil
	})
}

// AttachThreat adds t to the incident and raises its priority if t is more
// severe.
func (m *Manager) AttachThreat(id, actor string, t *models.Threat) (*models.Incident, error) {
	if t == nil || t.ID == "" {
		return nil, fmt.Errorf("%w: threat without id", ErrInvalidIncident)
	}
	return m.mutate(id, actor, func(inc *models.Incident, _ time.Time) (models.TimelineEntry, error) {
		for _, existing := range inc.ThreatIDs {
			if existing == t.ID {
				return models.TimelineEntry{}, fmt.Errorf("%w: threat %s already attached", ErrInvalidIncident, t.ID)
			}
		}
		inc.ThreatIDs = append(inc.ThreatIDs, t.ID)
		inc.Priority = models.MaxSeverity(inc.Priority, t.Severity)
		return models.TimelineEntry{Kind: KindThreat, Message: t.ID}, nil
	})
}

func (m *Manager) Get(id string) (*models.Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(inc), nil
}

// List returns incidents newest first.
func (m *Manager) List(f Filter) []*models.Incident {
	m.mu.RLock()
	out := make([]*models.Incident, 0, len(m.incidents))
	for _, inc := range m.incidents {
		if f.Status != "" && inc.Status != f.Status {
			continue
		}
		out = append(out, clone(inc))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func clone(inc *models.Incident) *models.Incident {
	c := *inc
	c.ThreatIDs = append([]string(nil), inc.ThreatIDs...)
	c.Timeline = append([]models.TimelineEntry(nil), inc.Timeline...)
	if inc.ClosedAt != nil {
		closedAt := *inc.ClosedAt
		c.ClosedAt = &closedAt
	}
	return &c
}
