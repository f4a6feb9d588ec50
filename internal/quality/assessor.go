// Package quality classifies channel health from heartbeat latency, request
// outcomes and latency stability.
package quality

import (
	"math"
	"time"
)

type Level int

const (
	Excellent Level = iota
	Good
	Fair
	Poor
	Critical
)

func (l Level) String() string {
	switch l {
	case Excellent:
		return "excellent"
	case Good:
		return "good"
	case Fair:
		return "fair"
	case Poor:
		return "poor"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Degrade returns the next worse level, clamped at Critical.
func (l Level) Degrade() Level {
	if l >= Critical {
		return Critical
	}
	return l + 1
}

const (
	HistorySize     = 50
	TrendSamples    = 10
	TrendEscalation = 100 * time.Millisecond
)

// Thresholds are inclusive latency upper bounds per level.
type Thresholds struct {
	Excellent, Good, Fair, Poor time.Duration
}

// Quality is a snapshot of the assessor's view of the channel.
type Quality struct {
	Level                Level         `json:"level"`
	Latency              time.Duration `json:"latency"`
	Stability            float64       `json:"stability"`
	ErrorRate            float64       `json:"errorRate"`
	ConsecutiveSuccesses int           `json:"consecutiveSuccesses"`
	ConsecutiveFailures  int           `json:"consecutiveFailures"`
	LastSuccessTime      time.Time     `json:"lastSuccessTime"`
	PredictedLevel       Level         `json:"predictedQuality"`
	RecentErrors         int           `json:"recentErrors"`
	Samples              int           `json:"samples"`
}

// Classify is the pure level function. Precedence: error rate or stability
// failure, then excellent, then ascending latency bounds, else critical.
func Classify(latency time.Duration, errorRate, stability float64, t Thresholds) Level {
	switch {
	case errorRate > 0.3 || stability < 0.3:
		return Critical
	case latency <= t.Excellent && errorRate <= 0.01 && stability > 0.9:
		return Excellent
	case latency <= t.Good:
		return Good
	case latency <= t.Fair:
		return Fair
	case latency <= t.Poor:
		return Poor
	default:
		return Critical
	}
}

// Trend degrades base by one level when the newest of the last TrendSamples
// latencies exceeds the oldest by more than TrendEscalation. It never
// upgrades.
func Trend(base Level, recent []time.Duration) Level {
	if len(recent) < 2 {
		return base
	}
	if recent[len(recent)-1]-recent[0] > TrendEscalation {
		return base.Degrade()
	}
	return base
}

type Assessor struct {
	thresholds   Thresholds
	maxDeviation time.Duration

	latency *Window[time.Duration]
	errors  *Window[time.Time]

	total, failed        int
	consecutiveSuccesses int
	consecutiveFailures  int
	lastSuccess          time.Time
}

func NewAssessor(t Thresholds, maxDeviation time.Duration) *Assessor {
	if maxDeviation <= 0 {
		maxDeviation = 500 * time.Millisecond
	}
	return &Assessor{
		thresholds:   t,
		maxDeviation: maxDeviation,
		latency:      NewWindow[time.Duration](HistorySize),
		errors:       NewWindow[time.Time](HistorySize),
	}
}

// RecordLatency records one heartbeat round trip as a successful request.
func (a *Assessor) RecordLatency(d time.Duration, at time.Time) {
	if d < 0 {
		d = 0
	}
	a.latency.Push(d)
	a.RecordSuccess(at)
}

func (a *Assessor) RecordSuccess(at time.Time) {
	a.total++
	a.consecutiveSuccesses++
	a.consecutiveFailures = 0
	a.lastSuccess = at
}

func (a *Assessor) RecordFailure(at time.Time) {
	a.total++
	a.failed++
	a.consecutiveFailures++
	a.consecutiveSuccesses = 0
	a.errors.Push(at)
}

func (a *Assessor) Reset() {
	a.latency.Reset()
	a.errors.Reset()
	a.total, a.failed = 0, 0
	a.consecutiveSuccesses, a.consecutiveFailures = 0, 0
	a.lastSuccess = time.Time{}
}

func (a *Assessor) Quality() Quality {
	samples := a.latency.Values()
	avg, stddev := meanStddev(samples)
	stability := clamp01(1 - float64(stddev)/float64(a.maxDeviation))
	errorRate := 0.0
	if a.total > 0 {
		errorRate = float64(a.failed) / float64(a.total)
	}
	level := Classify(avg, errorRate, stability, a.thresholds)
	return Quality{
		Level:                level,
		Latency:              avg,
		Stability:            stability,
		ErrorRate:            errorRate,
		ConsecutiveSuccesses: a.consecutiveSuccesses,
		ConsecutiveFailures:  a.consecutiveFailures,
		LastSuccessTime:      a.lastSuccess,
		PredictedLevel:       Trend(level, a.latency.Last(TrendSamples)),
		RecentErrors:         a.errors.Len(),
		Samples:              len(samples),
	}
}

func meanStddev(samples []time.Duration) (time.Duration, time.Duration) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s)
	}
	mean := sum / float64(len(samples))
	var sq float64
	for _, s := range samples {
		diff := float64(s) - mean
		sq += diff * diff
	}
	return time.Duration(mean), time.Duration(math.Sqrt(sq / float64(len(samples))))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
