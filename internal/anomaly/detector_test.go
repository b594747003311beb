package anomaly

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"security-engine/internal/baseline"
	"security-engine/internal/models"
	"security-engine/internal/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newDetector(t *testing.T, cfg Config) (*Detector, *testClock) {
	t.Helper()
	clock := &testClock{t: time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)}
	counters := store.NewMemoryStore(store.WithClock(clock.Now))
	d := NewDetector(baseline.NewTracker(), counters, cfg, zap.NewNop(), nil)
	d.now = clock.Now
	return d, clock
}

func loginEvent(user string, at time.Time) *models.SecurityEvent {
	return &models.SecurityEvent{EventType: "login", UserID: user, Action: "login", Timestamp: at}
}

func TestCheckEvent_VelocityThreshold(t *testing.T) {
	d, clock := newDetector(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		res := d.CheckEvent(ctx, loginEvent("alice", clock.Now()))
		require.Empty(t, res.Anomalies, "event %d", i+1)
	}

	res := d.CheckEvent(ctx, loginEvent("alice", clock.Now()))
	require.Len(t, res.Anomalies, 1)
	a := res.Anomalies[0]
	assert.Equal(t, models.AnomalyVelocity, a.Kind)
	assert.Equal(t, float64(101), a.Current)
	assert.Equal(t, float64(100), a.Baseline)
	assert.Empty(t, res.Degraded)
}

func TestCheckEvent_VelocityWindowSlides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VelocityMax = 3
	d, clock := newDetector(t, cfg)
	ctx := context.Background()
	start := clock.Now()

	for i := 0; i < 3; i++ {
		assert.Empty(t, d.CheckEvent(ctx, loginEvent("bob", start)).Anomalies)
	}
	clock.Set(start.Add(61 * time.Second))
	assert.Empty(t, d.CheckEvent(ctx, loginEvent("bob", clock.Now())).Anomalies)
}

func TestCheckEvent_TimeOfDay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VelocityMax = 10000
	d, _ := newDetector(t, cfg)
	ctx := context.Background()
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 120; i++ {
		res := d.CheckEvent(ctx, loginEvent("carol", day.Add(10*time.Hour)))
		require.Empty(t, res.Anomalies)
	}

	res := d.CheckEvent(ctx, loginEvent("carol", day.Add(3*time.Hour)))
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, models.AnomalyTimeOfDay, res.Anomalies[0].Kind)
	assert.Equal(t, "3", res.Anomalies[0].Context["hour"])

	res = d.CheckEvent(ctx, loginEvent("carol", day.Add(10*time.Hour)))
	assert.Empty(t, res.Anomalies)
}

func TestCheckEvent_TimeOfDayNeedsConfidence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VelocityMax = 10000
	d, _ := newDetector(t, cfg)
	ctx := context.Background()
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 60; i++ {
		d.CheckEvent(ctx, loginEvent("dave", day.Add(10*time.Hour)))
	}
	res := d.CheckEvent(ctx, loginEvent("dave", day.Add(3*time.Hour)))
	assert.Empty(t, res.Anomalies)
}

func TestCheckEvent_ImpossibleTravel(t *testing.T) {
	d, _ := newDetector(t, DefaultConfig())
	ctx := context.Background()
	t0 := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

	ev := func(country string, at time.Time) *models.SecurityEvent {
		e := loginEvent("erin", at)
		e.Country = country
		return e
	}

	assert.Empty(t, d.CheckEvent(ctx, ev("US", t0)).Anomalies)

	res := d.CheckEvent(ctx, ev("DE", t0.Add(time.Hour)))
	require.Len(t, res.Anomalies, 1)
	a := res.Anomalies[0]
	assert.Equal(t, models.AnomalyImpossibleTravel, a.Kind)
	assert.Equal(t, "US", a.Context["from_country"])
	assert.Equal(t, "DE", a.Context["to_country"])

	assert.Empty(t, d.CheckEvent(ctx, ev("DE", t0.Add(4*time.Hour))).Anomalies)
	assert.Empty(t, d.CheckEvent(ctx, ev("DE", t0.Add(5*time.Hour))).Anomalies)
}

func TestAnalyzeBatch(t *testing.T) {
	d, clock := newDetector(t, DefaultConfig())
	ctx := context.Background()

	batch := func(n int) []*models.SecurityEvent {
		out := make([]*models.SecurityEvent, n)
		for i := range out {
			out[i] = loginEvent("alice", clock.Now())
		}
		return out
	}

	for i := 0; i < 10; i++ {
		n := 4
		if i%2 == 1 {
			n = 6
		}
		got, err := d.AnalyzeBatch(ctx, batch(n))
		require.NoError(t, err)
		require.Empty(t, got)
	}

	got, err := d.AnalyzeBatch(ctx, batch(50))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "events:user:alice", got[0].Metric)
	assert.Equal(t, "events:type:login", got[1].Metric)
	assert.InDelta(t, 45.0, got[0].Score, 1e-9)
	assert.InDelta(t, 5.0, got[0].Baseline, 1e-9)

	b, ok := d.baselines.Get("events:user:alice")
	require.True(t, ok)
	assert.Equal(t, int64(11), b.Count, "flagged counts still update the baseline")
}

func TestAnalyzeBatch_GatesOnSampleCount(t *testing.T) {
	d, clock := newDetector(t, DefaultConfig())
	ctx := context.Background()

	for _, n := range []int{1, 2, 1} {
		events := make([]*models.SecurityEvent, n)
		for i := range events {
			events[i] = loginEvent("zed", clock.Now())
		}
		_, err := d.AnalyzeBatch(ctx, events)
		require.NoError(t, err)
	}
	events := make([]*models.SecurityEvent, 500)
	for i := range events {
		events[i] = loginEvent("zed", clock.Now())
	}
	got, err := d.AnalyzeBatch(ctx, events)
	require.NoError(t, err)
	assert.Empty(t, got)
}

type brokenStore struct {
	store.CounterStore
}

var errDown = errors.New("connection refused")

func (brokenStore) WindowAdd(context.Context, string, string, time.Time, time.Duration) (int64, error) {
	return 0, errDown
}

func (brokenStore) HashGetAll(context.Context, string) (map[string]string, error) {
	return nil, errDown
}

func TestCheckEvent_FailPolicy(t *testing.T) {
	for _, tc := range []struct {
		policy    store.FailPolicy
		anomalies int
	}{
		{store.FailOpen, 0},
		{store.FailClosed, 2},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.FailPolicy = tc.policy
			d := NewDetector(baseline.NewTracker(), brokenStore{}, cfg, zap.NewNop(), nil)

			res := d.CheckEvent(context.Background(), loginEvent("frank", time.Now()))
			assert.Equal(t, []string{CheckVelocity, CheckTimeOfDay}, res.Degraded)
			require.Len(t, res.Anomalies, tc.anomalies)
			for _, a := range res.Anomalies {
				assert.Equal(t, models.AnomalyCheckUnavailable, a.Kind)
			}
		})
	}
}
