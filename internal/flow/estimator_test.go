package flow

import (
	"math"
	"testing"
	"time"

	"tankwatch/internal/models"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func feed(e *Estimator, id string, every time.Duration, volumes ...float64) {
	for i, v := range volumes {
		e.AddSample(id, models.FlowSample{Timestamp: t0.Add(time.Duration(i) * every), VolumeLiters: v})
	}
}

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func TestEstimateNeedsTwoSamples(t *testing.T) {
	e := NewEstimator(DefaultTuning())
	if e.Estimate("1P") != nil {
		t.Fatalf("unknown tank must have no estimate")
	}
	feed(e, "1P", 3*time.Second, 1000)
	if e.Estimate("1P") != nil {
		t.Fatalf("single sample must have no estimate")
	}
	feed(e, "1P", 3*time.Second, 1000, 1010)
	est := e.Estimate("1P")
	if est == nil {
		t.Fatalf("expected estimate after two samples")
	}
	if est.Smoothed {
		t.Fatalf("a single interval cannot be smoothed")
	}
	if !near(est.VolumeFlowRate, 12000, 1e-6) || est.Trend != models.TrendLoading {
		t.Fatalf("unexpected estimate %+v", est)
	}
	if !near(est.Confidence, 0.8*2/5, 1e-9) {
		t.Fatalf("confidence = %v", est.Confidence)
	}
}

func TestDuplicateTimestampIsIgnored(t *testing.T) {
	e := NewEstimator(DefaultTuning())
	feed(e, "1P", 3*time.Second, 1000, 1010)
	before := e.Estimate("1P")

	e.AddSample("1P", models.FlowSample{Timestamp: t0.Add(3 * time.Second), VolumeLiters: 5000})
	e.AddSample("1P", models.FlowSample{Timestamp: t0, VolumeLiters: 5000})

	if n := len(e.History("1P")); n != 2 {
		t.Fatalf("history = %d, want 2", n)
	}
	if after := e.Estimate("1P"); *after != *before {
		t.Fatalf("estimate changed: %+v -> %+v", before, after)
	}
}

func TestHistoryEvictsOldest(t *testing.T) {
	tun := DefaultTuning()
	tun.HistorySize = 3
	e := NewEstimator(tun)
	feed(e, "1P", time.Minute, 1, 2, 3, 4, 5)
	h := e.History("1P")
	if len(h) != 3 || h[0].VolumeLiters != 3 || h[2].VolumeLiters != 5 {
		t.Fatalf("unexpected history %+v", h)
	}
}

func TestSteadyFlowIsSmoothedAndConfident(t *testing.T) {
	e := NewEstimator(DefaultTuning())
	feed(e, "1P", 3*time.Second, 0, 10, 20, 30, 40, 50, 60, 70, 80, 90)
	est := e.Estimate("1P")
	if !est.Smoothed || est.Trend != models.TrendLoading {
		t.Fatalf("unexpected estimate %+v", est)
	}
	if !near(est.VolumeFlowRate, 12000, 1e-3) {
		t.Fatalf("rate = %v", est.VolumeFlowRate)
	}
	if !near(est.Confidence, 0.88, 1e-9) {
		t.Fatalf("confidence = %v, want 0.88", est.Confidence)
	}
}

func TestSpikeIsRejected(t *testing.T) {
	e := NewEstimator(DefaultTuning())
	feed(e, "1P", 3*time.Second, 0, 10, 20, 30, 40, 550, 60, 70, 80, 90)
	est := e.Estimate("1P")
	if !near(est.VolumeFlowRate, 12000, 1) {
		t.Fatalf("spike leaked into rate: %v", est.VolumeFlowRate)
	}
	if est.Confidence >= 0.8 {
		t.Fatalf("rejected sample should cost confidence, got %v", est.Confidence)
	}
}

func TestRejectOutliersKeepsShortSeries(t *testing.T) {
	in := []models.FlowSample{
		{Timestamp: t0, VolumeLiters: 0},
		{Timestamp: t0.Add(time.Minute), VolumeLiters: 10000},
		{Timestamp: t0.Add(2 * time.Minute), VolumeLiters: 0},
	}
	if out := rejectOutliers(in, 3); len(out) != 3 {
		t.Fatalf("series under four samples must pass through, got %d", len(out))
	}
	if out := rejectOutliers(append(in, models.FlowSample{Timestamp: t0.Add(3 * time.Minute)}), 0); len(out) != 4 {
		t.Fatalf("zero threshold disables filtering")
	}
}

func TestSmallMovementIsStable(t *testing.T) {
	e := NewEstimator(DefaultTuning())
	// 1 L per minute is 60 L/h; with a 100 L/h threshold that is stable.
	tun := DefaultTuning()
	tun.StabilityThreshold = 100
	e.SetTuning(tun)
	feed(e, "1P", time.Minute, 1000, 1001, 1002, 1003)
	est := e.Estimate("1P")
	if est.Trend != models.TrendStable || est.VolumeFlowRate != 0 {
		t.Fatalf("expected stable, got %+v", est)
	}
}

func TestUnloadingWithMass(t *testing.T) {
	e := NewEstimator(DefaultTuning())
	for i := 0; i < 6; i++ {
		m := 85.0 - float64(i)*0.85
		e.AddSample("1P", models.FlowSample{Timestamp: t0.Add(time.Duration(i) * time.Minute), VolumeLiters: 100000 - float64(i)*1000, MassTons: &m})
	}
	est := e.Estimate("1P")
	if est.Trend != models.TrendUnloading || !near(est.VolumeFlowRate, -60000, 1e-3) {
		t.Fatalf("unexpected estimate %+v", est)
	}
	if est.MassFlowRate == nil || !near(*est.MassFlowRate, -51, 1e-6) {
		t.Fatalf("mass rate = %v", est.MassFlowRate)
	}
}

func TestMassRateOmittedWhenIncomplete(t *testing.T) {
	e := NewEstimator(DefaultTuning())
	m := 1.0
	e.AddSample("1P", models.FlowSample{Timestamp: t0, VolumeLiters: 0, MassTons: &m})
	e.AddSample("1P", models.FlowSample{Timestamp: t0.Add(time.Minute), VolumeLiters: 1000})
	if est := e.Estimate("1P"); est.MassFlowRate != nil {
		t.Fatalf("mass rate needs mass on every sample")
	}
}

func TestAveragesAndPredictions(t *testing.T) {
	e := NewEstimator(DefaultTuning())
	feed(e, "1P", 30*time.Minute, 0, 1000, 2000, 3000, 4000, 5000, 6000)

	avgs := e.Averages("1P")
	if len(avgs) != 3 {
		t.Fatalf("averages = %d", len(avgs))
	}
	if a := avgs[0]; a.Window != time.Hour || a.DataPoints != 3 || a.TimeSpan != time.Hour || !near(a.AverageRate, 2000, 1e-6) {
		t.Fatalf("1h average %+v", a)
	}
	if a := avgs[1]; a.DataPoints != 7 || a.TimeSpan != 3*time.Hour || !near(a.AverageRate, 2000, 1e-6) {
		t.Fatalf("6h average %+v", a)
	}

	p1, ok := e.Predict("1P", time.Hour)
	if !ok || !near(p1.PredictedVolume, 8000, 1e-3) || !near(p1.Confidence, 0.88, 1e-9) {
		t.Fatalf("1h prediction %+v", p1)
	}
	p6, _ := e.Predict("1P", 6*time.Hour)
	if !near(p6.Confidence, 0.44, 1e-9) {
		t.Fatalf("6h prediction should be discounted by history span, got %v", p6.Confidence)
	}

	a := e.Analyze("1P")
	if a == nil || len(a.Predictions) != 2 || a.Current.VolumeLiters != 6000 {
		t.Fatalf("unexpected analysis %+v", a)
	}
}

func TestConfidenceStaysInRange(t *testing.T) {
	e := NewEstimator(DefaultTuning())
	feed(e, "1P", time.Second, 0, 5000, -300, 80000, 2, 2, 90000, -1)
	est := e.Estimate("1P")
	if est.Confidence < 0.1 || est.Confidence > 1 {
		t.Fatalf("confidence out of range: %v", est.Confidence)
	}
}

func TestClearAndTuning(t *testing.T) {
	e := NewEstimator(DefaultTuning())
	e.Clear("missing")
	feed(e, "1P", time.Minute, 1, 2, 3, 4, 5, 6)
	feed(e, "2S", time.Minute, 1, 2)

	tun := e.Tuning()
	tun.HistorySize = 4
	e.SetTuning(tun)
	if h := e.History("1P"); len(h) != 4 || h[0].VolumeLiters != 3 {
		t.Fatalf("resize should keep the newest samples, got %+v", h)
	}

	e.Clear("1P")
	if e.History("1P") != nil || e.Estimate("1P") != nil {
		t.Fatalf("1P should be cleared")
	}
	if e.Estimate("2S") == nil {
		t.Fatalf("2S must survive clearing 1P")
	}
	e.ClearAll()
	if e.Estimate("2S") != nil {
		t.Fatalf("ClearAll should drop every tank")
	}
}

func TestTuningNormalization(t *testing.T) {
	got := Tuning{HistorySize: 10000, SmoothingFactor: 7, TimingTolerance: -1}.Normalized()
	if got.HistorySize != MaxHistorySize || got.SmoothingFactor != 0.3 || got.TimingTolerance != 0.5 {
		t.Fatalf("unexpected normalization %+v", got)
	}
	if got := (Tuning{HistorySize: 1}).Normalized(); got.HistorySize != MinHistorySize {
		t.Fatalf("history size floor not applied: %d", got.HistorySize)
	}
}

func TestQuantizedLevelStepIsKept(t *testing.T) {
	e := NewEstimator(DefaultTuning())
	feed(e, "1P", 3*time.Second, 1000, 1000, 1000, 1010, 1010)
	samples := e.History("1P")
	if kept := rejectOutliers(samples, DefaultTuning().OutlierThreshold); len(kept) != len(samples) {
		t.Fatalf("quantized steps rejected: kept %d of %d", len(kept), len(samples))
	}
	est := e.Estimate("1P")
	if est.Trend != models.TrendLoading || !near(est.VolumeFlowRate, 2520, 1e-6) {
		t.Fatalf("a filling tank must not read as stable: %+v", est)
	}
}

func TestSpikeOnFlatSeriesIsRejected(t *testing.T) {
	in := []models.FlowSample{
		{Timestamp: t0, VolumeLiters: 1000},
		{Timestamp: t0.Add(3 * time.Second), VolumeLiters: 1000},
		{Timestamp: t0.Add(6 * time.Second), VolumeLiters: 1010},
		{Timestamp: t0.Add(9 * time.Second), VolumeLiters: 1010},
		{Timestamp: t0.Add(12 * time.Second), VolumeLiters: 9000},
		{Timestamp: t0.Add(15 * time.Second), VolumeLiters: 1010},
		{Timestamp: t0.Add(18 * time.Second), VolumeLiters: 1010},
	}
	out := rejectOutliers(in, 3)
	if len(out) != len(in)-1 {
		t.Fatalf("expected only the spike to go, kept %d", len(out))
	}
	for _, s := range out {
		if s.VolumeLiters == 9000 {
			t.Fatalf("spike survived")
		}
	}
}
