package monitor

import (
	"context"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/quorumsec/aegis/internal/events"
)

// behavioralWindow is how many numeric observations a feature profile keeps.
const behavioralWindow = 100

// behavioralThreshold is the overall score above which an observation is
// flagged.
const behavioralThreshold = 0.8

// StatisticalDetector flags values that deviate from a numeric baseline. The
// z-score of a candidate is scaled by sensitivity and compared against the
// threshold.
type StatisticalDetector struct {
	Name        string
	Sensitivity float64
	Threshold   float64

	baseline []float64
}

// NewStatisticalDetector creates a detector. Zero sensitivity defaults to 1;
// zero threshold defaults to 3 (the three-sigma rule).
func NewStatisticalDetector(name string, sensitivity, threshold float64) *StatisticalDetector {
	if sensitivity <= 0 {
		sensitivity = 1
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &StatisticalDetector{Name: name, Sensitivity: sensitivity, Threshold: threshold}
}

// Observe folds a value into the baseline.
func (d *StatisticalDetector) Observe(value float64) {
	d.baseline = append(d.baseline, value)
}

// Score returns the scaled z-score of a candidate. With fewer than two
// baseline points, or a degenerate baseline, the score is zero.
func (d *StatisticalDetector) Score(value float64) float64 {
	if len(d.baseline) < 2 {
		return 0
	}
	mean := stat.Mean(d.baseline, nil)
	stddev := stat.StdDev(d.baseline, nil)
	if stddev == 0 || math.IsNaN(stddev) {
		if value == mean {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(value-mean) / stddev * d.Sensitivity
}

// IsAnomaly reports whether a candidate exceeds the detector threshold.
func (d *StatisticalDetector) IsAnomaly(value float64) (float64, bool) {
	score := d.Score(value)
	return score, score > d.Threshold
}

// featureProfile tracks one feature of one user.
type featureProfile struct {
	numeric []float64
	counts  map[string]int
	total   int
}

// BehavioralDetector keeps per-user, per-feature profiles and scores candidate
// observations against them. Numeric features score by z-score over a bounded
// history; categorical features score by rarity.
type BehavioralDetector struct {
	profiles map[string]map[string]*featureProfile
}

// NewBehavioralDetector creates an empty detector.
func NewBehavioralDetector() *BehavioralDetector {
	return &BehavioralDetector{profiles: make(map[string]map[string]*featureProfile)}
}

// Observe folds an observation into a user's profile. Numeric values extend
// the bounded history; everything else counts as categorical.
func (d *BehavioralDetector) Observe(userID string, features map[string]any) {
	byFeature := d.profiles[userID]
	if byFeature == nil {
		byFeature = make(map[string]*featureProfile)
		d.profiles[userID] = byFeature
	}
	for name, value := range features {
		profile := byFeature[name]
		if profile == nil {
			profile = &featureProfile{counts: make(map[string]int)}
			byFeature[name] = profile
		}
		if num, ok := asFloat(value); ok {
			profile.numeric = append(profile.numeric, num)
			if len(profile.numeric) > behavioralWindow {
				profile.numeric = profile.numeric[len(profile.numeric)-behavioralWindow:]
			}
			continue
		}
		key, _ := value.(string)
		profile.counts[key]++
		profile.total++
	}
}

// Score computes per-feature anomaly scores for a candidate observation and
// the overall score (the per-feature maximum). Unknown features and users
// score zero.
func (d *BehavioralDetector) Score(userID string, features map[string]any) (map[string]float64, float64) {
	scores := make(map[string]float64, len(features))
	overall := 0.0
	byFeature := d.profiles[userID]
	for name, value := range features {
		score := 0.0
		if profile := byFeature[name]; profile != nil {
			score = profile.score(value)
		}
		scores[name] = score
		if score > overall {
			overall = score
		}
	}
	return scores, overall
}

func (p *featureProfile) score(value any) float64 {
	if num, ok := asFloat(value); ok {
		if len(p.numeric) < 2 {
			return 0
		}
		mean := stat.Mean(p.numeric, nil)
		stddev := stat.StdDev(p.numeric, nil)
		if stddev == 0 {
			if num == mean {
				return 0
			}
			return 1
		}
		return math.Abs(num-mean) / stddev
	}
	if p.total == 0 {
		return 0
	}
	key, _ := value.(string)
	return 1 - float64(p.counts[key])/float64(p.total)
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// RegisterMetricDetector installs a statistical detector for a named system
// metric, replacing any existing one. Zero sensitivity and threshold take
// the detector defaults.
func (m *Manager) RegisterMetricDetector(name string, sensitivity, threshold float64) {
	m.mu.Lock()
	m.metrics[name] = NewStatisticalDetector(name, sensitivity, threshold)
	m.mu.Unlock()
}

// ObserveMetric scores a value against the metric's baseline, emits
// security.anomaly_detected when it deviates, and then folds the value into
// the baseline. A metric without a registered detector gets one with default
// settings on first use.
func (m *Manager) ObserveMetric(ctx context.Context, name string, value float64) (float64, bool) {
	m.mu.Lock()
	detector := m.metrics[name]
	if detector == nil {
		detector = NewStatisticalDetector(name, 0, 0)
		m.metrics[name] = detector
	}
	score, anomaly := detector.IsAnomaly(value)
	detector.Observe(value)
	m.mu.Unlock()

	if anomaly {
		m.logger.Warn("statistical anomaly detected", "metric", name, "value", value, "score", score)
		m.bus.EmitSync(ctx, events.Event{
			Topic:    events.TopicSecurityAnomalyDetected,
			Source:   "monitor",
			Priority: events.PriorityHigh,
			Data:     map[string]any{"metric": name, "value": value, "score": score},
		})
	}
	return score, anomaly
}

// CheckBehavior scores an observation against the user's profile, emits
// security.anomaly_detected when it crosses the threshold, and then folds the
// observation into the profile.
func (m *Manager) CheckBehavior(ctx context.Context, userID string, features map[string]any) (float64, bool) {
	m.mu.Lock()
	scores, overall := m.behavior.Score(userID, features)
	anomaly := overall > behavioralThreshold
	m.behavior.Observe(userID, features)
	m.mu.Unlock()

	if anomaly {
		m.logger.Warn("behavioral anomaly detected", "user_id", userID, "score", overall)
		m.bus.EmitSync(ctx, events.Event{
			Topic:    events.TopicSecurityAnomalyDetected,
			Source:   "monitor",
			Priority: events.PriorityHigh,
			Data: map[string]any{
				"user_id": userID, "score": overall, "feature_scores": scores,
			},
		})
	}
	return overall, anomaly
}
