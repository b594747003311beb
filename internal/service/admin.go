package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"security-engine/internal/audit"
	"security-engine/internal/ledger"
	"security-engine/internal/models"
	"security-engine/internal/rules"
	"security-engine/internal/secrets"
	"security-engine/internal/util"
	"security-engine/internal/waf"
)

const rotatedSecretBytes = 32

// Actor identifies who performs an administrative action.
type Actor struct {
	ID        string
	SessionID string
	Request   audit.RequestMetadata
}

// record writes one audit entry. The mutation has already been applied, so
// a ledger failure is logged rather than returned.
func (s *SecurityService) record(ctx context.Context, actor Actor, action, resourceType, resourceID string, before, after interface{}) {
	_, err := s.audit.Record(ctx, audit.Entry{
		Actor:        actor.ID,
		SessionID:    actor.SessionID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Request:      actor.Request,
		Before:       before,
		After:        after,
		Outcome:      audit.OutcomeSuccess,
	})
	if err != nil {
		s.logger.Error("Failed to write audit entry",
			util.String("action", action),
			util.String("resource_id", resourceID),
			util.String("actor", actor.ID),
			util.ErrorField(err))
	}
}

func requireActor(a Actor) error {
	if a.ID == "" {
		return fmt.Errorf("%w: actor is required", ErrValidation)
	}
	return nil
}

// Detection rules

func (s *SecurityService) DetectionRules() []*rules.Rule {
	return s.rules.List()
}

func (s *SecurityService) DetectionRule(id string) (*rules.Rule, error) {
	return s.rules.Get(id)
}

func (s *SecurityService) UpsertDetectionRule(ctx context.Context, actor Actor, d rules.Definition) (*rules.Rule, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	var before interface{}
	if prev, err := s.rules.Get(d.ID); err == nil {
		before = prev.Definition()
	}
	r, err := s.rules.Upsert(d)
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, "rule.upsert", "detection_rule", r.ID, before, r.Definition())
	return r, nil
}

func (s *SecurityService) DeleteDetectionRule(ctx context.Context, actor Actor, id string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	prev, err := s.rules.Get(id)
	if err != nil {
		return err
	}
	if err := s.rules.Delete(id); err != nil {
		return err
	}
	s.record(ctx, actor, "rule.delete", "detection_rule", id, prev.Definition(), nil)
	return nil
}

func (s *SecurityService) ToggleDetectionRule(ctx context.Context, actor Actor, id string, enabled bool) (*rules.Rule, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	prev, err := s.rules.Get(id)
	if err != nil {
		return nil, err
	}
	r, err := s.rules.SetEnabled(id, enabled)
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, "rule.toggle", "detection_rule", id, prev.Definition(), r.Definition())
	return r, nil
}

// WAF rules

func (s *SecurityService) WAFRules() []*waf.Rule {
	return s.waf.List()
}

func (s *SecurityService) WAFRule(id string) (*waf.Rule, error) {
	return s.waf.Get(id)
}

func (s *SecurityService) UpsertWAFRule(ctx context.Context, actor Actor, d waf.Definition) (*waf.Rule, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	var before interface{}
	if prev, err := s.waf.Get(d.ID); err == nil {
		before = prev.Definition()
	}
	r, err := s.waf.Upsert(d)
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, "rule.upsert", "waf_rule", r.ID, before, r.Definition())
	return r, nil
}

func (s *SecurityService) DeleteWAFRule(ctx context.Context, actor Actor, id string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	prev, err := s.waf.Get(id)
	if err != nil {
		return err
	}
	if err := s.waf.Delete(id); err != nil {
		return err
	}
	s.record(ctx, actor, "rule.delete", "waf_rule", id, prev.Definition(), nil)
	return nil
}

func (s *SecurityService) ToggleWAFRule(ctx context.Context, actor Actor, id string, enabled bool) (*waf.Rule, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	prev, err := s.waf.Get(id)
	if err != nil {
		return nil, err
	}
	r, err := s.waf.SetEnabled(id, enabled)
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, "rule.toggle", "waf_rule", id, prev.Definition(), r.Definition())
	return r, nil
}

// Bans

func (s *SecurityService) Bans(ctx context.Context) ([]waf.Ban, error) {
	return s.waf.Bans(ctx)
}

func (s *SecurityService) Unban(ctx context.Context, actor Actor, address string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if address == "" {
		return fmt.Errorf("%w: address is required", ErrValidation)
	}
	banned, err := s.waf.IsBanned(ctx, address)
	if err != nil {
		return err
	}
	if !banned {
		return fmt.Errorf("%w: no active ban for %s", ErrNotFound, address)
	}
	if err := s.waf.Unban(ctx, address); err != nil {
		return err
	}
	s.record(ctx, actor, "ban.remove", "ban", address, map[string]string{"address": address}, nil)
	return nil
}

// Threats

func (s *SecurityService) Threat(id string) (*models.Threat, error) {
	t, ok := s.threats.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: threat %s", ErrNotFound, id)
	}
	c := *t
	return &c, nil
}

// Threats lists tracked threats newest first, optionally by status.
func (s *SecurityService) Threats(status models.ThreatStatus, limit int) []*models.Threat {
	all := s.threats.Values()
	out := make([]*models.Threat, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if status != "" && all[i].Status != status {
			continue
		}
		c := *all[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// UpdateThreatStatus moves an active threat to mitigated or false_positive.
// Stored threats are replaced, never mutated in place.
func (s *SecurityService) UpdateThreatStatus(ctx context.Context, actor Actor, id string, to models.ThreatStatus) (*models.Threat, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	s.threatMu.Lock()
	cur, ok := s.threats.Get(id)
	if !ok {
		s.threatMu.Unlock()
		return nil, fmt.Errorf("%w: threat %s", ErrNotFound, id)
	}
	next := *cur
	if err := next.Transition(to); err != nil {
		s.threatMu.Unlock()
		return nil, err
	}
	s.threats.Add(id, &next)
	s.threatMu.Unlock()

	s.record(ctx, actor, "threat.status", "threat", id,
		map[string]string{"status": string(cur.Status)},
		map[string]string{"status": string(next.Status)})
	out := next
	return &out, nil
}

// Secrets

// RotateSecret replaces key with a fresh random value. The value itself is
// never returned or audited.
func (s *SecurityService) RotateSecret(ctx context.Context, actor Actor, key string) (secrets.Secret, error) {
	if err := requireActor(actor); err != nil {
		return secrets.Secret{}, err
	}
	before, err := s.secrets.Metadata(ctx, key)
	if err != nil {
		return secrets.Secret{}, err
	}
	_, meta, err := s.secrets.Rotate(ctx, key, secrets.TokenGenerator(rotatedSecretBytes))
	if err != nil {
		return secrets.Secret{}, err
	}
	s.record(ctx, actor, "secret.rotate", "secret", key, before, meta)
	s.logger.Info("Secret rotated",
		util.String("key", key),
		util.Int("version", meta.Version),
		util.String("backend", s.secrets.Backend()))
	return meta, nil
}

func (s *SecurityService) SecretMetadata(ctx context.Context, key string) (secrets.Secret, error) {
	return s.secrets.Metadata(ctx, key)
}

// Audit

func (s *SecurityService) AuditLogs(ctx context.Context, f audit.Filter) (*audit.Page, error) {
	return s.audit.Query(ctx, f)
}

func (s *SecurityService) AuditLog(ctx context.Context, id string) (*audit.Log, error) {
	return s.audit.Get(ctx, id)
}

func (s *SecurityService) SearchAudit(ctx context.Context, query string, limit int) ([]*audit.Log, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrValidation)
	}
	return s.audit.Search(ctx, query, limit)
}

func (s *SecurityService) ExportAudit(ctx context.Context, opts audit.ExportOptions) ([]byte, error) {
	return s.audit.Export(ctx, opts)
}

// SignAuditExport signs an export with the service's Ed25519 key. ok is
// false when no signing key is configured.
func (s *SecurityService) SignAuditExport(data []byte) (sig []byte, ok bool) {
	if s.signer == nil {
		return nil, false
	}
	return s.signer.Sign(data), true
}

func (s *SecurityService) AuditSigningKey() (ed25519.PublicKey, error) {
	if s.signer == nil {
		return nil, fmt.Errorf("%w: no audit signing key configured", ErrNotFound)
	}
	return s.signer.PublicKey(), nil
}

// VerifyAudit checks one chain, or every chain when chainID is empty.
func (s *SecurityService) VerifyAudit(ctx context.Context, chainID string, from uint64, limit int) (map[string]ledger.VerifyResult, error) {
	var results map[string]ledger.VerifyResult
	if chainID == "" {
		all, err := s.audit.VerifyAll(ctx)
		if err != nil {
			return nil, err
		}
		results = all
	} else {
		res, err := s.audit.Verify(ctx, chainID, from, limit)
		if err != nil {
			if errors.Is(err, ledger.ErrChainNotFound) {
				return nil, fmt.Errorf("%w: chain %s", ErrNotFound, chainID)
			}
			return nil, err
		}
		results = map[string]ledger.VerifyResult{chainID: res}
	}
	for chain, res := range results {
		if !res.Valid {
			s.logger.Error("Audit chain integrity violated",
				util.String("chain_id", chain),
				util.String("reason", res.Reason))
		}
	}
	return results, nil
}
