// Package events publishes threats, anomalies and incident changes to
// downstream consumers such as alerting and notification delivery.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-engine/internal/metrics"
	"security-engine/internal/models"
)

type Publisher interface {
	PublishThreat(ctx context.Context, t *models.Threat) error
	PublishAnomaly(ctx context.Context, a *models.Anomaly) error
	PublishIncident(ctx context.Context, inc *models.Incident) error
}

// Producer writes one message to a topic.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type Topics struct {
	Threat   string
	Anomaly  string
	Incident string
}

type envelope struct {
	Type      string      `json:"type"`
	EmittedAt time.Time   `json:"emitted_at"`
	Payload   interface{} `json:"payload"`
}

type KafkaPublisher struct {
	producer Producer
	topics   Topics
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewKafkaPublisher(p Producer, topics Topics, m *metrics.Metrics, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: p, topics: topics, metrics: m, logger: logger}
}

func (k *KafkaPublisher) publish(ctx context.Context, topic, kind, key string, payload interface{}) error {
	value, err := json.Marshal(envelope{Type: kind, EmittedAt: time.Now().UTC(), Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}
	if err := k.producer.ProduceMessage(ctx, topic, []byte(key), value, map[string]string{"event-type": kind}); err != nil {
		k.metrics.PublishError(topic)
		k.logger.Warn("Failed to publish security event",
			zap.String("topic", topic),
			zap.String("type", kind),
			zap.String("key", key),
			zap.Error(err))
		return err
	}
	return nil
}

// PublishThreat keys by source so one source's threats stay ordered.
func (k *KafkaPublisher) PublishThreat(ctx context.Context, t *models.Threat) error {
	return k.publish(ctx, k.topics.Threat, "threat", t.Source, t)
}

func (k *KafkaPublisher) PublishAnomaly(ctx context.Context, a *models.Anomaly) error {
	return k.publish(ctx, k.topics.Anomaly, "anomaly", a.Metric, a)
}

func (k *KafkaPublisher) PublishIncident(ctx context.Context, inc *models.Incident) error {
	return k.publish(ctx, k.topics.Incident, "incident", inc.ID, inc)
}

// NopPublisher drops everything. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishThreat(context.Context, *models.Threat) error     { return nil }
func (NopPublisher) PublishAnomaly(context.Context, *models.Anomaly) error   { return nil }
func (NopPublisher) PublishIncident(context.Context, *models.Incident) error { return nil }
