package flow

import (
	"math"
	"sync"
	"time"

	"tankwatch/internal/models"
)

const (
	MinHistorySize = 2
	MaxHistorySize = 500

	// fullHistoryPoints is the sample count below which confidence is scaled down.
	fullHistoryPoints = 5
	baseConfidence    = 0.8
)

// Tuning holds the operator-adjustable estimator parameters.
type Tuning struct {
	StabilityThreshold float64 `json:"stabilityThreshold"` // L/h
	SmoothingFactor    float64 `json:"smoothingFactor"`
	HistorySize        int     `json:"historySize"`
	OutlierThreshold   float64 `json:"outlierThreshold"`
	TimingTolerance    float64 `json:"timingTolerance"`
}

func DefaultTuning() Tuning {
	return Tuning{
		StabilityThreshold: 30, // 0.03 m³/h
		SmoothingFactor:    0.3,
		HistorySize:        20,
		OutlierThreshold:   3,
		TimingTolerance:    0.5,
	}
}

// Normalized replaces out-of-range values with defaults.
func (t Tuning) Normalized() Tuning {
	d := DefaultTuning()
	if t.StabilityThreshold < 0 {
		t.StabilityThreshold = d.StabilityThreshold
	}
	if t.SmoothingFactor <= 0 || t.SmoothingFactor > 1 {
		t.SmoothingFactor = d.SmoothingFactor
	}
	if t.HistorySize == 0 {
		t.HistorySize = d.HistorySize
	}
	if t.HistorySize < MinHistorySize {
		t.HistorySize = MinHistorySize
	}
	if t.HistorySize > MaxHistorySize {
		t.HistorySize = MaxHistorySize
	}
	if t.OutlierThreshold < 0 {
		t.OutlierThreshold = d.OutlierThreshold
	}
	if t.TimingTolerance <= 0 {
		t.TimingTolerance = d.TimingTolerance
	}
	return t
}

type WindowAverage struct {
	Window      time.Duration `json:"window"`
	AverageRate float64       `json:"averageRate"`
	DataPoints  int           `json:"dataPoints"`
	TimeSpan    time.Duration `json:"timeSpan"`
}

type Prediction struct {
	Horizon         time.Duration `json:"horizon"`
	PredictedVolume float64       `json:"predictedVolume"`
	Confidence      float64       `json:"confidence"`
}

type Analysis struct {
	TankID      string               `json:"tankId"`
	Current     models.FlowSample    `json:"current"`
	Rate        *models.FlowRateData `json:"rate,omitempty"`
	Averages    []WindowAverage      `json:"averages"`
	Predictions []Prediction         `json:"predictions"`
}

var (
	AverageWindows     = []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour}
	PredictionHorizons = []time.Duration{time.Hour, 6 * time.Hour}
)

type series struct {
	buf *ring[models.FlowSample]
	est *models.FlowRateData
}

// Estimator tracks per-tank flow histories and derives rates from them.
type Estimator struct {
	mu     sync.RWMutex
	tuning Tuning
	tanks  map[string]*series
	now    func() time.Time
}

type Option func(*Estimator)

func WithClock(now func() time.Time) Option {
	return func(e *Estimator) { e.now = now }
}

func NewEstimator(t Tuning, opts ...Option) *Estimator {
	e := &Estimator{tuning: t.Normalized(), tanks: map[string]*series{}, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Estimator) Tuning() Tuning {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tuning
}

// SetTuning applies new parameters, resizing buffers and recomputing estimates.
func (e *Estimator) SetTuning(t Tuning) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tuning = t.Normalized()
	for _, s := range e.tanks {
		if s.buf.Cap() != e.tuning.HistorySize {
			s.buf = s.buf.Resize(e.tuning.HistorySize)
		}
		s.est = estimate(s.buf.Items(), e.tuning)
	}
}

// AddReading records a sample stamped with the current time.
func (e *Estimator) AddReading(tankID string, volumeLiters float64, massTons *float64) {
	e.AddSample(tankID, models.FlowSample{Timestamp: e.now(), VolumeLiters: volumeLiters, MassTons: massTons})
}

// AddSample appends a sample and recomputes the tank's estimate. Samples that are not
// newer than the last one are ignored and the previous estimate is kept.
func (e *Estimator) AddSample(tankID string, s models.FlowSample) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ser, ok := e.tanks[tankID]
	if !ok {
		ser = &series{buf: newRing[models.FlowSample](e.tuning.HistorySize)}
		e.tanks[tankID] = ser
	}
	if last, ok := ser.buf.Last(); ok && !s.Timestamp.After(last.Timestamp) {
		return
	}
	if s.MassTons != nil {
		m := *s.MassTons
		s.MassTons = &m
	}
	ser.buf.Push(s)
	ser.est = estimate(ser.buf.Items(), e.tuning)
}

// Estimate returns the latest flow estimate, or nil with fewer than two samples.
func (e *Estimator) Estimate(tankID string) *models.FlowRateData {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ser, ok := e.tanks[tankID]
	if !ok || ser.est == nil {
		return nil
	}
	return cloneRate(ser.est)
}

func (e *Estimator) History(tankID string) []models.FlowSample {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ser, ok := e.tanks[tankID]
	if !ok {
		return nil
	}
	return ser.buf.Items()
}

// Averages computes the mean rate over each rolling window ending at the newest sample.
func (e *Estimator) Averages(tankID string) []WindowAverage {
	e.mu.RLock()
	samples, tuning := e.samples(tankID), e.tuning
	e.mu.RUnlock()
	return averages(rejectOutliers(samples, tuning.OutlierThreshold))
}

// Predict extrapolates the current volume over the horizon at the current rate.
func (e *Estimator) Predict(tankID string, horizon time.Duration) (Prediction, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ser, ok := e.tanks[tankID]
	if !ok || ser.est == nil || horizon <= 0 {
		return Prediction{}, false
	}
	return predict(ser.buf.Items(), ser.est, horizon), true
}

// Analyze bundles estimate, rolling averages and predictions for one tank.
func (e *Estimator) Analyze(tankID string) *Analysis {
	e.mu.RLock()
	ser, ok := e.tanks[tankID]
	if !ok || ser.buf.Len() == 0 {
		e.mu.RUnlock()
		return nil
	}
	samples := ser.buf.Items()
	var est *models.FlowRateData
	if ser.est != nil {
		est = cloneRate(ser.est)
	}
	tuning := e.tuning
	e.mu.RUnlock()

	a := &Analysis{
		TankID:   tankID,
		Current:  samples[len(samples)-1],
		Rate:     est,
		Averages: averages(rejectOutliers(samples, tuning.OutlierThreshold)),
	}
	if est != nil {
		for _, h := range PredictionHorizons {
			a.Predictions = append(a.Predictions, predict(samples, est, h))
		}
	}
	return a
}

func (e *Estimator) Clear(tankID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tanks, tankID)
}

func (e *Estimator) ClearAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tanks = map[string]*series{}
}

func (e *Estimator) samples(tankID string) []models.FlowSample {
	ser, ok := e.tanks[tankID]
	if !ok {
		return nil
	}
	return ser.buf.Items()
}

func estimate(samples []models.FlowSample, t Tuning) *models.FlowRateData {
	if len(samples) < 2 {
		return nil
	}
	kept := rejectOutliers(samples, t.OutlierThreshold)
	st, withMass := steps(kept)
	if len(st) == 0 {
		return nil
	}

	rates := make([]float64, len(st))
	masses := make([]float64, len(st))
	for i, s := range st {
		rates[i] = s.rate
		masses[i] = s.mass
	}
	out := &models.FlowRateData{VolumeFlowRate: rates[len(rates)-1]}
	mass := masses[len(masses)-1]
	if len(rates) >= 2 {
		out.VolumeFlowRate = ema(rates, t.SmoothingFactor)
		mass = ema(masses, t.SmoothingFactor)
		out.Smoothed = true
	}

	switch {
	case math.Abs(out.VolumeFlowRate) < t.StabilityThreshold:
		out.Trend = models.TrendStable
		out.VolumeFlowRate = 0
		mass = 0
	case out.VolumeFlowRate > 0:
		out.Trend = models.TrendLoading
	default:
		out.Trend = models.TrendUnloading
	}
	if withMass {
		out.MassFlowRate = &mass
	}

	c := baseConfidence
	if n := len(samples); n < fullHistoryPoints {
		c *= float64(n) / fullHistoryPoints
	}
	if len(kept) < len(samples) {
		c *= float64(len(kept)) / float64(len(samples))
	}
	if consistentTiming(st, t.TimingTolerance) {
		c *= 1.1
	}
	out.Confidence = clampConfidence(c)
	return out
}

func averages(samples []models.FlowSample) []WindowAverage {
	out := make([]WindowAverage, 0, len(AverageWindows))
	if len(samples) == 0 {
		for _, w := range AverageWindows {
			out = append(out, WindowAverage{Window: w})
		}
		return out
	}
	latest := samples[len(samples)-1].Timestamp
	for _, w := range AverageWindows {
		cutoff := latest.Add(-w)
		var in []models.FlowSample
		for _, s := range samples {
			if !s.Timestamp.Before(cutoff) {
				in = append(in, s)
			}
		}
		avg := WindowAverage{Window: w, DataPoints: len(in)}
		if len(in) >= 2 {
			first, last := in[0], in[len(in)-1]
			avg.TimeSpan = last.Timestamp.Sub(first.Timestamp)
			if h := avg.TimeSpan.Hours(); h > 0 {
				avg.AverageRate = (last.VolumeLiters - first.VolumeLiters) / h
			}
		}
		out = append(out, avg)
	}
	return out
}

func predict(samples []models.FlowSample, est *models.FlowRateData, horizon time.Duration) Prediction {
	current := samples[len(samples)-1]
	span := current.Timestamp.Sub(samples[0].Timestamp)
	coverage := math.Min(1, span.Hours()/horizon.Hours())
	return Prediction{
		Horizon:         horizon,
		PredictedVolume: current.VolumeLiters + est.VolumeFlowRate*horizon.Hours(),
		Confidence:      clampConfidence(est.Confidence * coverage),
	}
}

func cloneRate(r *models.FlowRateData) *models.FlowRateData {
	out := *r
	if r.MassFlowRate != nil {
		m := *r.MassFlowRate
		out.MassFlowRate = &m
	}
	return &out
}
