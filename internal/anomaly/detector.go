// Package anomaly finds unusual activity that individual rules miss:
// volume spikes against learned baselines plus per-actor velocity,
// time-of-day and impossible-travel checks.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"security-engine/internal/baseline"
	"security-engine/internal/metrics"
	"security-engine/internal/models"
	"security-engine/internal/store"
)

const (
	CheckVelocity  = "velocity"
	CheckTimeOfDay = "time_of_day"
	CheckTravel    = "impossible_travel"

	histogramTTL = 30 * 24 * time.Hour
	locationTTL  = 30 * 24 * time.Hour
)

type Config struct {
	ZScoreThreshold            float64
	MinSamples                 int64
	VelocityWindow             time.Duration
	VelocityMax                int64
	TimeOfDayMinSamples        int64
	TimeOfDayConfidenceSamples int64
	TimeOfDayRarity            float64
	TravelWindow               time.Duration
	FailPolicy                 store.FailPolicy
}

func DefaultConfig() Config {
	return Config{
		ZScoreThreshold:            3,
		MinSamples:                 10,
		VelocityWindow:             60 * time.Second,
		VelocityMax:                100,
		TimeOfDayMinSamples:        50,
		TimeOfDayConfidenceSamples: 100,
		TimeOfDayRarity:            0.01,
		TravelWindow:               3 * time.Hour,
		FailPolicy:                 store.FailOpen,
	}
}

// Result of the streaming checks for one event. Degraded names the checks
// that could not run because the counter store failed.
type Result struct {
	Anomalies []*models.Anomaly `json:"anomalies"`
	Degraded  []string          `json:"degraded,omitempty"`
}

type Detector struct {
	baselines *baseline.Tracker
	counters  store.CounterStore
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewDetector(b *baseline.Tracker, counters store.CounterStore, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		baselines: b,
		counters:  counters,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

func (d *Detector) Baselines() []baseline.Baseline {
	return d.baselines.Snapshot()
}

func (d *Detector) newAnomaly(kind models.AnomalyKind, metric string) *models.Anomaly {
	d.metrics.Anomaly(string(kind))
	return &models.Anomaly{
		ID:         uuid.NewString(),
		Kind:       kind,
		Metric:     metric,
		DetectedAt: d.now().UTC(),
	}
}

type dimension struct {
	name string
	key  func(*models.SecurityEvent) string
}

var batchDimensions = []dimension{
	{name: "user", key: func(e *models.SecurityEvent) string { return e.UserID }},
	{name: "ip", key: func(e *models.SecurityEvent) string { return e.IPAddress }},
	{name: "type", key: func(e *models.SecurityEvent) string { return e.EventType }},
}

// AnalyzeBatch counts events per user, source address and event type and
// compares each count with that group's baseline. Every count is folded
// into its baseline whether or not it was flagged.
func (d *Detector) AnalyzeBatch(ctx context.Context, events []*models.SecurityEvent) ([]*models.Anomaly, error) {
	results := make([][]*models.Anomaly, len(batchDimensions))

	g, ctx := errgroup.WithContext(ctx)
	for i, dim := range batchDimensions {
		i, dim := i, dim
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = d.analyzeDimension(dim, events)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("analyze batch: %w", err)
	}

	var out []*models.Anomaly
	for _, r := range results {
		out = append(out, r...)
	}
	if len(out) > 0 {
		d.logger.Info("Batch anomaly analysis flagged groups",
			zap.Int("events", len(events)),
			zap.Int("anomalies", len(out)))
	}
	return out, nil
}

func (d *Detector) analyzeDimension(dim dimension, events []*models.SecurityEvent) []*models.Anomaly {
	counts := make(map[string]int)
	for _, e := range events {
		if k := dim.key(e); k != "" {
			counts[k]++
		}
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []*models.Anomaly
	for _, k := range keys {
		metric := "events:" + dim.name + ":" + k
		count := float64(counts[k])
		z, before := d.baselines.Observe(metric, count)
		if before.Count < d.cfg.MinSamples || z <= d.cfg.ZScoreThreshold {
			continue
		}
		a := d.newAnomaly(models.AnomalyStatistical, metric)
		a.Score = z
		a.Baseline = before.Mean
		a.Current = count
		a.Deviation = count - before.Mean
		a.Context = map[string]string{
			"dimension": dim.name,
			"group":     k,
			"samples":   strconv.FormatInt(before.Count, 10),
		}
		out = append(out, a)
	}
	return out
}

// CheckEvent runs the streaming checks for one event. Checks for different
// actors touch disjoint keys.
func (d *Detector) CheckEvent(ctx context.Context, e *models.SecurityEvent) Result {
	var res Result
	actor := e.Actor()
	if actor == "" {
		return res
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = d.now()
	}

	if a, err := d.checkVelocity(ctx, actor, e); err != nil {
		d.degrade(&res, CheckVelocity, actor, err)
	} else if a != nil {
		res.Anomalies = append(res.Anomalies, a)
	}

	if a, err := d.checkTimeOfDay(ctx, actor, ts); err != nil {
		d.degrade(&res, CheckTimeOfDay, actor, err)
	} else if a != nil {
		res.Anomalies = append(res.Anomalies, a)
	}

	if e.Country != "" {
		if a, err := d.checkTravel(ctx, actor, e.Country, ts); err != nil {
			d.degrade(&res, CheckTravel, actor, err)
		} else if a != nil {
			res.Anomalies = append(res.Anomalies, a)
		}
	}
	return res
}

// degrade applies the fail policy to a check whose counter store call
// failed. Fail-closed reports the check itself as an anomaly.
func (d *Detector) degrade(res *Result, check, actor string, err error) {
	d.metrics.CounterStoreError("anomaly."+check, d.cfg.FailPolicy.String())
	d.logger.Warn("Anomaly check could not run",
		zap.String("check", check),
		zap.String("actor", actor),
		zap.String("policy", d.cfg.FailPolicy.String()),
		zap.Error(err))

	res.Degraded = append(res.Degraded, check)
	if d.cfg.FailPolicy == store.FailClosed {
		a := d.newAnomaly(models.AnomalyCheckUnavailable, check+":"+actor)
		a.Context = map[string]string{"check": check, "actor": actor, "error": err.Error()}
		res.Anomalies = append(res.Anomalies, a)
	}
}

func (d *Detector) checkVelocity(ctx context.Context, actor string, e *models.SecurityEvent) (*models.Anomaly, error) {
	action := e.Action
	if action == "" {
		action = e.EventType
	}
	metric := "velocity:" + actor + ":" + action

	count, err := d.counters.WindowAdd(ctx, metric, uuid.NewString(), d.now(), d.cfg.VelocityWindow)
	if err != nil {
		return nil, err
	}
	if count <= d.cfg.VelocityMax {
		return nil, nil
	}

	a := d.newAnomaly(models.AnomalyVelocity, metric)
	a.Score = float64(count) / float64(d.cfg.VelocityMax)
	a.Baseline = float64(d.cfg.VelocityMax)
	a.Current = float64(count)
	a.Deviation = float64(count - d.cfg.VelocityMax)
	a.Context = map[string]string{
		"actor":  actor,
		"action": action,
		"window": d.cfg.VelocityWindow.String(),
	}
	return a, nil
}

// checkTimeOfDay scores the event's hour against the actor's history before
// recording it.
func (d *Detector) checkTimeOfDay(ctx context.Context, actor string, ts time.Time) (*models.Anomaly, error) {
	key := "tod:" + actor
	hist, err := d.counters.HashGetAll(ctx, key)
	if err != nil {
		return nil, err
	}

	hour := strconv.Itoa(ts.UTC().Hour())
	var total, atHour int64
	for h, v := range hist {
		n, _ := strconv.ParseInt(v, 10, 64)
		total += n
		if h == hour {
			atHour = n
		}
	}

	if _, err := d.counters.HashIncr(ctx, key, hour, 1, histogramTTL); err != nil {
		return nil, err
	}

	if total <= d.cfg.TimeOfDayMinSamples || total <= d.cfg.TimeOfDayConfidenceSamples {
		return nil, nil
	}
	share := float64(atHour) / float64(total)
	if share >= d.cfg.TimeOfDayRarity {
		return nil, nil
	}

	a := d.newAnomaly(models.AnomalyTimeOfDay, key)
	a.Score = 1 - share/d.cfg.TimeOfDayRarity
	a.Baseline = d.cfg.TimeOfDayRarity
	a.Current = share
	a.Deviation = d.cfg.TimeOfDayRarity - share
	a.Context = map[string]string{
		"actor":   actor,
		"hour":    hour,
		"samples": strconv.FormatInt(total, 10),
	}
	return a, nil
}

// checkTravel flags a country change faster than plausible travel. The
// stored location only moves when the observation is accepted.
func (d *Detector) checkTravel(ctx context.Context, actor, country string, ts time.Time) (*models.Anomaly, error) {
	key := "geo:" + actor
	last, err := d.counters.HashGetAll(ctx, key)
	if err != nil {
		return nil, err
	}

	if prev := last["country"]; prev != "" && prev != country {
		if at, perr := time.Parse(time.RFC3339Nano, last["ts"]); perr == nil {
			elapsed := ts.Sub(at)
			if math.Abs(float64(elapsed)) < float64(d.cfg.TravelWindow) {
				a := d.newAnomaly(models.AnomalyImpossibleTravel, key)
				a.Score = 1 - math.Abs(float64(elapsed))/float64(d.cfg.TravelWindow)
				a.Baseline = d.cfg.TravelWindow.Hours()
				a.Current = math.Abs(elapsed.Hours())
				a.Deviation = a.Baseline - a.Current
				a.Context = map[string]string{
					"actor":        actor,
					"from_country": prev,
					"to_country":   country,
					"elapsed":      elapsed.String(),
				}
				return a, nil
			}
		}
	}

	err = d.counters.HashSet(ctx, key, map[string]string{
		"country": country,
		"ts":      ts.UTC().Format(time.RFC3339Nano),
	}, locationTTL)
	return nil, err
}
