package flow

import (
	"math"
	"sort"
	"time"

	"tankwatch/internal/models"
)

// madScale turns a median absolute deviation into a standard-deviation equivalent.
const madScale = 1.4826

// meanDevScale turns a mean absolute deviation into a standard-deviation equivalent.
const meanDevScale = 1.2533

// residualFloor is the minimum rejection limit relative to the series magnitude.
const residualFloor = 1e-6

type step struct {
	rate  float64 // L/h
	mass  float64 // t/h
	hours float64
}

func hoursBetween(a, b time.Time) float64 {
	return b.Sub(a).Hours()
}

// steps returns the rates between consecutive samples, skipping zero-length intervals.
func steps(samples []models.FlowSample) ([]step, bool) {
	out := make([]step, 0, len(samples))
	withMass := true
	for i := 1; i < len(samples); i++ {
		h := hoursBetween(samples[i-1].Timestamp, samples[i].Timestamp)
		if h <= 0 {
			continue
		}
		st := step{rate: (samples[i].VolumeLiters - samples[i-1].VolumeLiters) / h, hours: h}
		if samples[i].MassTons != nil && samples[i-1].MassTons != nil {
			st.mass = (*samples[i].MassTons - *samples[i-1].MassTons) / h
		} else {
			withMass = false
		}
		out = append(out, st)
	}
	return out, withMass && len(out) > 0
}

// rejectOutliers drops samples that sit too far off the robust trend line. The trend
// slope is the median consecutive rate; dispersion is the scaled MAD of residuals,
// or the mean deviation when the MAD collapses to zero.
func rejectOutliers(samples []models.FlowSample, threshold float64) []models.FlowSample {
	if len(samples) < 4 || threshold <= 0 {
		return samples
	}
	st, _ := steps(samples)
	if len(st) < 3 {
		return samples
	}
	rates := make([]float64, len(st))
	for i, s := range st {
		rates[i] = s.rate
	}
	slope := median(rates)

	t0 := samples[0].Timestamp
	resid := make([]float64, len(samples))
	for i, s := range samples {
		resid[i] = s.VolumeLiters - slope*hoursBetween(t0, s.Timestamp)
	}
	center := median(resid)
	dev := make([]float64, len(samples))
	for i, r := range resid {
		dev[i] = math.Abs(r - center)
	}
	var scale float64
	for _, s := range samples {
		scale = math.Max(scale, math.Abs(s.VolumeLiters))
	}
	floor := residualFloor * math.Max(1, scale)
	spread := madScale * median(dev)
	if spread <= floor {
		// Quantized levels leave most residuals identical. Fall back to the mean
		// deviation, never below one quantization step.
		var sum float64
		for _, d := range dev {
			sum += d
		}
		spread = math.Max(meanDevScale*sum/float64(len(dev)), smallestStep(samples))
	}
	// Floor the limit so float noise on a perfectly linear series never rejects points.
	limit := math.Max(threshold*spread, floor)

	kept := make([]models.FlowSample, 0, len(samples))
	for i, s := range samples {
		if dev[i] <= limit {
			kept = append(kept, s)
		}
	}
	if len(kept) < 2 {
		return samples
	}
	return kept
}

// smallestStep is the smallest non-zero volume change between consecutive samples.
func smallestStep(samples []models.FlowSample) float64 {
	var out float64
	for i := 1; i < len(samples); i++ {
		d := math.Abs(samples[i].VolumeLiters - samples[i-1].VolumeLiters)
		if d > 0 && (out == 0 || d < out) {
			out = d
		}
	}
	return out
}

func median(in []float64) float64 {
	if len(in) == 0 {
		return 0
	}
	v := append([]float64(nil), in...)
	sort.Float64s(v)
	n := len(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return (v[n/2-1] + v[n/2]) / 2
}

// ema applies exponential smoothing over xs, seeded with the first value.
func ema(xs []float64, alpha float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := xs[0]
	for _, x := range xs[1:] {
		s = alpha*x + (1-alpha)*s
	}
	return s
}

// consistentTiming reports whether every interval is within tolerance of the mean interval.
func consistentTiming(st []step, tolerance float64) bool {
	if len(st) < 2 {
		return false
	}
	var sum float64
	for _, s := range st {
		sum += s.hours
	}
	mean := sum / float64(len(st))
	for _, s := range st {
		if math.Abs(s.hours-mean) > tolerance*mean {
			return false
		}
	}
	return true
}

func clampConfidence(c float64) float64 {
	return math.Max(0.1, math.Min(1.0, c))
}
