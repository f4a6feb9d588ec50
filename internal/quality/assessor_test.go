package quality

import (
	"testing"
	"time"
)

var thresholds = Thresholds{
	Excellent: 100 * time.Millisecond,
	Good:      300 * time.Millisecond,
	Fair:      1000 * time.Millisecond,
	Poor:      3000 * time.Millisecond,
}

func TestClassify(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		name      string
		latency   time.Duration
		errorRate float64
		stability float64
		want      Level
	}{
		{"high error rate wins", 10 * ms, 0.31, 1, Critical},
		{"low stability wins", 10 * ms, 0, 0.29, Critical},
		{"excellent", 100 * ms, 0.01, 0.95, Excellent},
		{"excellent needs stability above 0.9", 50 * ms, 0, 0.9, Good},
		{"excellent needs tiny error rate", 50 * ms, 0.02, 1, Good},
		{"good bound inclusive", 300 * ms, 0, 1, Good},
		{"fair", 301 * ms, 0, 1, Fair},
		{"fair bound inclusive", 1000 * ms, 0.3, 0.3, Fair},
		{"poor", 2500 * ms, 0.1, 0.5, Poor},
		{"beyond poor", 3001 * ms, 0, 1, Critical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.latency, tt.errorRate, tt.stability, thresholds)
			if got != tt.want {
				t.Errorf("Classify(%s, %g, %g) = %s, want %s", tt.latency, tt.errorRate, tt.stability, got, tt.want)
			}
			// pure: same inputs, same output
			if again := Classify(tt.latency, tt.errorRate, tt.stability, thresholds); again != got {
				t.Errorf("Classify not deterministic: %s then %s", got, again)
			}
		})
	}
}

func TestTrend(t *testing.T) {
	ms := time.Millisecond
	rising := []time.Duration{50 * ms, 60 * ms, 80 * ms, 120 * ms, 151 * ms}
	flat := []time.Duration{50 * ms, 300 * ms, 20 * ms, 150 * ms}
	falling := []time.Duration{400 * ms, 100 * ms}

	if got := Trend(Good, rising); got != Fair {
		t.Errorf("rising trend = %s, want fair", got)
	}
	if got := Trend(Good, flat); got != Good {
		t.Errorf("flat trend = %s, want good", got)
	}
	if got := Trend(Fair, falling); got != Fair {
		t.Errorf("falling trend must never upgrade, got %s", got)
	}
	if got := Trend(Critical, rising); got != Critical {
		t.Errorf("critical must stay critical, got %s", got)
	}
	if got := Trend(Excellent, nil); got != Excellent {
		t.Errorf("no samples = %s, want excellent", got)
	}
}

func TestAssessor_StableLowLatency(t *testing.T) {
	a := NewAssessor(thresholds, 500*time.Millisecond)
	now := time.Unix(0, 0)
	for i := 0; i < 20; i++ {
		a.RecordLatency(40*time.Millisecond, now)
	}
	q := a.Quality()
	if q.Level != Excellent {
		t.Errorf("level = %s, want excellent", q.Level)
	}
	if q.Latency != 40*time.Millisecond {
		t.Errorf("latency = %s, want 40ms", q.Latency)
	}
	if q.Stability != 1 {
		t.Errorf("stability = %g, want 1", q.Stability)
	}
	if q.ConsecutiveSuccesses != 20 || q.ConsecutiveFailures != 0 {
		t.Errorf("consecutive = %d/%d", q.ConsecutiveSuccesses, q.ConsecutiveFailures)
	}
	if !q.LastSuccessTime.Equal(now) {
		t.Errorf("lastSuccessTime = %v", q.LastSuccessTime)
	}
}

func TestAssessor_ErrorRate(t *testing.T) {
	a := NewAssessor(thresholds, 500*time.Millisecond)
	now := time.Unix(0, 0)
	a.RecordLatency(50*time.Millisecond, now)
	a.RecordLatency(50*time.Millisecond, now)
	a.RecordFailure(now)
	a.RecordFailure(now)

	q := a.Quality()
	if q.ErrorRate != 0.5 {
		t.Errorf("errorRate = %g, want 0.5", q.ErrorRate)
	}
	if q.Level != Critical {
		t.Errorf("level = %s, want critical", q.Level)
	}
	if q.ConsecutiveFailures != 2 || q.ConsecutiveSuccesses != 0 {
		t.Errorf("consecutive = %d/%d", q.ConsecutiveSuccesses, q.ConsecutiveFailures)
	}
	if q.RecentErrors != 2 {
		t.Errorf("recentErrors = %d, want 2", q.RecentErrors)
	}
}

func TestAssessor_UnstableLatency(t *testing.T) {
	a := NewAssessor(thresholds, 100*time.Millisecond)
	now := time.Unix(0, 0)
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			a.RecordLatency(10*time.Millisecond, now)
		} else {
			a.RecordLatency(400*time.Millisecond, now)
		}
	}
	q := a.Quality()
	if q.Stability != 0 {
		t.Errorf("stability = %g, want 0", q.Stability)
	}
	if q.Level != Critical {
		t.Errorf("level = %s, want critical", q.Level)
	}
}

func TestAssessor_PredictedDegradesOnRisingLatency(t *testing.T) {
	a := NewAssessor(thresholds, time.Second)
	now := time.Unix(0, 0)
	for i := 0; i < 10; i++ {
		a.RecordLatency(time.Duration(100+i*20)*time.Millisecond, now)
	}
	q := a.Quality()
	if q.Level != Good {
		t.Fatalf("level = %s, want good", q.Level)
	}
	if q.PredictedLevel != Fair {
		t.Errorf("predicted = %s, want fair", q.PredictedLevel)
	}
}

func TestAssessor_HistoryBounded(t *testing.T) {
	a := NewAssessor(thresholds, time.Second)
	now := time.Unix(0, 0)
	for i := 0; i < HistorySize; i++ {
		a.RecordLatency(5*time.Second, now)
	}
	for i := 0; i < HistorySize; i++ {
		a.RecordLatency(20*time.Millisecond, now)
	}
	q := a.Quality()
	if q.Samples != HistorySize {
		t.Errorf("samples = %d, want %d", q.Samples, HistorySize)
	}
	if q.Latency != 20*time.Millisecond {
		t.Errorf("old samples not pruned, latency = %s", q.Latency)
	}

	a.Reset()
	if got := a.Quality(); got.Samples != 0 || got.ErrorRate != 0 {
		t.Errorf("Reset left state: %+v", got)
	}
}

func TestWindow(t *testing.T) {
	w := NewWindow[int](3)
	for i := 1; i <= 5; i++ {
		w.Push(i)
	}
	got := w.Values()
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Errorf("Values = %v, want [3 4 5]", got)
	}
	last := w.Last(2)
	if len(last) != 2 || last[0] != 4 || last[1] != 5 {
		t.Errorf("Last(2) = %v, want [4 5]", last)
	}
	if len(w.Last(10)) != 3 {
		t.Errorf("Last beyond len should return all")
	}
}

func TestLevelString(t *testing.T) {
	if Poor.String() != "poor" || Level(9).String() != "unknown" {
		t.Error("unexpected level names")
	}
	if Critical.Degrade() != Critical || Excellent.Degrade() != Good {
		t.Error("Degrade should step down and clamp")
	}
}
