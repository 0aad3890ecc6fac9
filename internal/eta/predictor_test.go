package eta

import (
	"math"
	"testing"
	"time"

	"tankwatch/internal/models"
)

var now = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func fixed() *Predictor {
	return NewPredictor(WithClock(func() time.Time { return now }))
}

func flowOf(rate, conf float64, smoothed bool) *models.FlowRateData {
	trend := models.TrendLoading
	if rate < 0 {
		trend = models.TrendUnloading
	}
	if rate == 0 {
		trend = models.TrendStable
	}
	return &models.FlowRateData{VolumeFlowRate: rate, Trend: trend, Confidence: conf, Smoothed: smoothed}
}

func TestNoFlowIsFarFuture(t *testing.T) {
	p := fixed()
	for _, f := range []*models.FlowRateData{nil, flowOf(0, 0.9, true), {VolumeFlowRate: 0.005, Trend: models.TrendLoading, Confidence: 1}} {
		got := p.Compute(Input{CurrentVolume: 100, TargetVolume: 500, Flow: f})
		if got.EstimatedCompletion.Sub(now) < 300*24*time.Hour {
			t.Fatalf("completion too close: %v", got.EstimatedCompletion)
		}
		if got.Confidence != 0.1 || len(got.Assumptions) != 1 || got.Assumptions[0] != AssumeNoFlow {
			t.Fatalf("unexpected fallback %+v", got)
		}
	}
}

func TestLoadingETA(t *testing.T) {
	got := fixed().Compute(Input{CurrentVolume: 1000, TargetVolume: 5000, MaxCapacity: 10000, Flow: flowOf(1000, 0.8, false)})
	if got.RemainingVolume != 4000 {
		t.Fatalf("remaining = %v", got.RemainingVolume)
	}
	if want := now.Add(4 * time.Hour); !got.EstimatedCompletion.Equal(want) {
		t.Fatalf("completion = %v, want %v", got.EstimatedCompletion, want)
	}
	if got.Confidence != 0.8 || len(got.Assumptions) != 0 {
		t.Fatalf("unexpected confidence/assumptions %+v", got)
	}
}

func TestLoadingClampedToCapacity(t *testing.T) {
	got := fixed().Compute(Input{CurrentVolume: 1000, TargetVolume: 20000, MaxCapacity: 3000, Flow: flowOf(1000, 0.8, false)})
	if got.RemainingVolume != 2000 {
		t.Fatalf("remaining = %v, want 2000", got.RemainingVolume)
	}
	if math.Abs(got.Confidence-0.64) > 1e-9 || got.Assumptions[0] != AssumeCapacity {
		t.Fatalf("capacity clamp not reflected: %+v", got)
	}
}

func TestUnloadingDrainsCurrentVolume(t *testing.T) {
	mass := 8.5
	got := fixed().Compute(Input{CurrentVolume: 10000, Flow: flowOf(-5000, 0.8, true), CurrentMass: &mass})
	if got.RemainingVolume != 10000 || !got.EstimatedCompletion.Equal(now.Add(2*time.Hour)) {
		t.Fatalf("unexpected unloading ETA %+v", got)
	}
	if math.Abs(got.RemainingMass-8.5) > 1e-9 {
		t.Fatalf("remaining mass = %v", got.RemainingMass)
	}
	if math.Abs(got.Confidence-0.88) > 1e-9 {
		t.Fatalf("smoothed bonus not applied: %v", got.Confidence)
	}
}

func TestHorizonAdjustments(t *testing.T) {
	long := fixed().Compute(Input{CurrentVolume: 0, TargetVolume: 100000, Flow: flowOf(1000, 0.8, false)})
	if math.Abs(long.Confidence-0.56) > 1e-9 || long.Assumptions[0] != AssumeLongHorizon {
		t.Fatalf("long horizon %+v", long)
	}
	soon := fixed().Compute(Input{CurrentVolume: 0, TargetVolume: 100, Flow: flowOf(1000, 0.8, false)})
	if math.Abs(soon.Confidence-0.72) > 1e-9 || soon.Assumptions[0] != AssumeImminent {
		t.Fatalf("imminent %+v", soon)
	}
}

func TestConfidenceAlwaysClamped(t *testing.T) {
	p := fixed()
	for _, c := range []float64{0, 0.05, 0.95, 1, 5} {
		for _, smoothed := range []bool{true, false} {
			got := p.Compute(Input{CurrentVolume: 10, TargetVolume: 20, MaxCapacity: 15, Flow: flowOf(100, c, smoothed)})
			if got.Confidence < 0.1 || got.Confidence > 1 {
				t.Fatalf("confidence %v out of range for input %v", got.Confidence, c)
			}
		}
	}
}

func TestAggregateBottleneck(t *testing.T) {
	p := fixed()
	out := p.Aggregate([]TankETA{
		{ID: "A", Active: true, ETA: models.ETACalculation{EstimatedCompletion: now.Add(2 * time.Hour), RemainingVolume: 1000, Confidence: 0.9, Assumptions: []string{AssumeImminent}}},
		{ID: "B", Active: true, ETA: models.ETACalculation{EstimatedCompletion: now.Add(5 * time.Hour), RemainingVolume: 3000, Confidence: 0.5, Assumptions: []string{AssumeImminent}}},
		{ID: "C", Active: false, ETA: models.ETACalculation{EstimatedCompletion: now.Add(50 * time.Hour), RemainingVolume: 9000, Confidence: 0.1}},
	})
	if !out.EstimatedCompletion.Equal(now.Add(5*time.Hour)) || out.BottleneckTank != "B" {
		t.Fatalf("bottleneck not chosen: %+v", out)
	}
	if out.RemainingVolume != 4000 || out.ActiveTanks != 2 {
		t.Fatalf("totals %+v", out)
	}
	if math.Abs(out.Confidence-0.6) > 1e-9 {
		t.Fatalf("weighted confidence = %v, want 0.6", out.Confidence)
	}
	if len(out.Assumptions) != 2 || out.Assumptions[1] != "2 tanks active" {
		t.Fatalf("assumptions %v", out.Assumptions)
	}
}

func TestAggregateEdgeCases(t *testing.T) {
	p := fixed()
	empty := p.Aggregate([]TankETA{{ID: "A"}})
	if empty.Confidence != 0 || empty.RemainingVolume != 0 || empty.Assumptions[0] != AssumeNoActive {
		t.Fatalf("no active tanks %+v", empty)
	}
	zero := p.Aggregate([]TankETA{
		{ID: "A", Active: true, ETA: models.ETACalculation{Confidence: 0.4}},
		{ID: "B", Active: true, ETA: models.ETACalculation{Confidence: 0.8}},
	})
	if math.Abs(zero.Confidence-0.6) > 1e-9 {
		t.Fatalf("simple average expected, got %v", zero.Confidence)
	}
}

func TestFormatRemaining(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{-time.Minute, "Overdue"},
		{20 * time.Minute, "20 min"},
		{45 * time.Minute, "45 min"},
		{3*time.Hour + 5*time.Minute, "3h 5m"},
		{50 * time.Hour, "2d 2h"},
		{200 * time.Hour, "Unknown"},
	}
	for _, tc := range cases {
		if got := FormatRemaining(now.Add(tc.d), now); got != tc.want {
			t.Fatalf("FormatRemaining(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestConfidenceLabel(t *testing.T) {
	cases := map[float64]string{0.95: "High", 0.8: "High", 0.7: "Medium", 0.3: "Low", 0.29: "Very Low"}
	for c, want := range cases {
		if got := ConfidenceLabel(c); got != want {
			t.Fatalf("ConfidenceLabel(%v) = %q, want %q", c, got, want)
		}
	}
}
