package service

import (
	"context"
	"fmt"

	"security-engine/internal/incident"
	"security-engine/internal/models"
	"security-engine/internal/util"
)

type IncidentRequest struct {
	Title     string          `json:"title"`
	Priority  models.Severity `json:"priority,omitempty"`
	ThreatIDs []string        `json:"threat_ids"`
}

// IncidentUpdate carries optional annotations. Empty fields are left alone.
type IncidentUpdate struct {
	Note        string `json:"note,omitempty"`
	RootCause   string `json:"root_cause,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

func (s *SecurityService) CreateIncident(ctx context.Context, actor Actor, req IncidentRequest) (*models.Incident, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if len(req.ThreatIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one threat id is required", ErrValidation)
	}
	threats := make([]*models.Threat, 0, len(req.ThreatIDs))
	for _, id := range req.ThreatIDs {
		t, err := s.Threat(id)
		if err != nil {
			return nil, err
		}
		threats = append(threats, t)
	}

	inc, err := s.incidents.Create(actor.ID, incident.CreateRequest{
		Title:    req.Title,
		Priority: req.Priority,
		Threats:  threats,
	})
	if err != nil {
		return nil, err
	}
	s.incidentChanged(ctx, actor, "incident.create", nil, inc)
	return inc, nil
}

func (s *SecurityService) Incident(id string) (*models.Incident, error) {
	return s.incidents.Get(id)
}

func (s *SecurityService) Incidents(f incident.Filter) []*models.Incident {
	return s.incidents.List(f)
}

// TransitionIncident advances an incident. Reaching remediated marks its
// still-active threats mitigated.
func (s *SecurityService) TransitionIncident(ctx context.Context, actor Actor, id string, to models.IncidentStatus) (*models.Incident, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	before, err := s.incidents.Get(id)
	if err != nil {
		return nil, err
	}
	inc, err := s.incidents.Transition(id, actor.ID, to)
	if err != nil {
		return nil, err
	}
	s.incidentChanged(ctx, actor, "incident.transition", before, inc)

	if to == models.IncidentRemediated {
		for _, tid := range inc.ThreatIDs {
			t, err := s.Threat(tid)
			if err != nil || t.Status != models.ThreatActive {
				continue
			}
			if _, err := s.UpdateThreatStatus(ctx, actor, tid, models.ThreatMitigated); err != nil {
				s.logger.Warn("Failed to mitigate incident threat",
					util.String("incident_id", id),
					util.String("threat_id", tid),
					util.ErrorField(err))
			}
		}
	}
	return inc, nil
}

func (s *SecurityService) UpdateIncident(ctx context.Context, actor Actor, id string, u IncidentUpdate) (*models.Incident, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if u.Note == "" && u.RootCause == "" && u.Remediation == "" {
		return nil, fmt.Errorf("%w: nothing to update", ErrValidation)
	}
	before, err := s.incidents.Get(id)
	if err != nil {
		return nil, err
	}

	inc := before
	if u.Note != "" {
		if inc, err = s.incidents.AddNote(id, actor.ID, u.Note); err != nil {
			return nil, err
		}
	}
	if u.RootCause != "" {
		if inc, err = s.incidents.SetRootCause(id, actor.ID, u.RootCause); err != nil {
			return nil, err
		}
	}
	if u.Remediation != "" {
		if inc, err = s.incidents.SetRemediation(id, actor.ID, u.Remediation); err != nil {
			return nil, err
		}
	}
	s.incidentChanged(ctx, actor, "incident.update", before, inc)
	return inc, nil
}

func (s *SecurityService) AttachThreat(ctx context.Context, actor Actor, id, threatID string) (*models.Incident, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	t, err := s.Threat(threatID)
	if err != nil {
		return nil, err
	}
	before, err := s.incidents.Get(id)
	if err != nil {
		return nil, err
	}
	inc, err := s.incidents.AttachThreat(id, actor.ID, t)
	if err != nil {
		return nil, err
	}
	s.incidentChanged(ctx, actor, "incident.attach_threat", before, inc)
	return inc, nil
}

func (s *SecurityService) incidentChanged(ctx context.Context, actor Actor, action string, before, after *models.Incident) {
	var prev interface{}
	if before != nil {
		prev = before
	}
	s.record(ctx, actor, action, "incident", after.ID, prev, after)
	if err := s.publisher.PublishIncident(ctx, after); err != nil {
		s.logger.Warn("Failed to publish incident",
			util.String("incident_id", after.ID),
			util.ErrorField(err))
	}
}
