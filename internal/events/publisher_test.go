package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"security-engine/internal/models"
)

type message struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

type recordingProducer struct {
	sent []message
	err  error
}

func (r *recordingProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, message{topic: topic, key: string(key), value: value, headers: headers})
	return nil
}

func TestKafkaPublisher_Threat(t *testing.T) {
	p := &recordingProducer{}
	pub := NewKafkaPublisher(p, Topics{Threat: "threats", Anomaly: "anomalies", Incident: "incidents"}, nil, zap.NewNop())

	err := pub.PublishThreat(context.Background(), &models.Threat{ID: "t1", Source: "10.0.0.1", Severity: models.SeverityHigh})
	require.NoError(t, err)
	require.Len(t, p.sent, 1)
	assert.Equal(t, "threats", p.sent[0].topic)
	assert.Equal(t, "10.0.0.1", p.sent[0].key)
	assert.Equal(t, "threat", p.sent[0].headers["event-type"])

	var env struct {
		Type    string        `json:"type"`
		Payload models.Threat `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(p.sent[0].value, &env))
	assert.Equal(t, "threat", env.Type)
	assert.Equal(t, models.SeverityHigh, env.Payload.Severity)
}

func TestKafkaPublisher_PropagatesErrors(t *testing.T) {
	boom := errors.New("broker down")
	pub := NewKafkaPublisher(&recordingProducer{err: boom}, Topics{Anomaly: "anomalies"}, nil, zap.NewNop())

	err := pub.PublishAnomaly(context.Background(), &models.Anomaly{Metric: "events:user:alice"})
	assert.ErrorIs(t, err, boom)
}
