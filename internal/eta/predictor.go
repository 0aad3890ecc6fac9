package eta

import (
	"fmt"
	"math"
	"time"

	"tankwatch/internal/models"
)

const (
	// FarFuture is the completion horizon reported when no meaningful flow exists.
	FarFuture = 365 * 24 * time.Hour

	minRate         = 0.01  // L/h, below this the flow is treated as absent
	minDivisorRate  = 0.001 // L/h
	longHorizon     = 48.0  // hours
	imminentHorizon = 0.5   // hours
	fallbackConf    = 0.1
)

const (
	AssumeNoFlow      = "no significant flow detected"
	AssumeCapacity    = "target exceeds tank capacity; remaining volume clamped to capacity"
	AssumeLongHorizon = "completion more than 48h away; flow may change"
	AssumeImminent    = "completion imminent"
	AssumeNoActive    = "no active tanks"
)

// Input carries everything needed for one completion estimate.
type Input struct {
	CurrentVolume float64
	TargetVolume  float64
	Flow          *models.FlowRateData
	MaxCapacity   float64
	CurrentMass   *float64
	TargetMass    *float64
}

type Predictor struct {
	now func() time.Time
}

type Option func(*Predictor)

func WithClock(now func() time.Time) Option {
	return func(p *Predictor) { p.now = now }
}

func NewPredictor(opts ...Option) *Predictor {
	p := &Predictor{now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Compute estimates when the tank reaches its target at the current flow rate.
func (p *Predictor) Compute(in Input) models.ETACalculation {
	now := p.now()
	if in.Flow == nil || in.Flow.Trend == models.TrendStable || math.Abs(in.Flow.VolumeFlowRate) < minRate {
		return farFuture(now, 0, AssumeNoFlow)
	}
	rate := in.Flow.VolumeFlowRate
	conf := in.Flow.Confidence
	var notes []string

	var remaining float64
	if in.Flow.Trend == models.TrendLoading {
		remaining = math.Max(0, in.TargetVolume-in.CurrentVolume)
		if in.MaxCapacity > 0 && in.TargetVolume > in.MaxCapacity {
			remaining = math.Max(0, in.MaxCapacity-in.CurrentVolume)
			conf *= 0.8
			notes = append(notes, AssumeCapacity)
		}
	} else {
		remaining = math.Max(0, in.CurrentVolume)
	}

	if math.Abs(rate) < minDivisorRate {
		return farFuture(now, rate, AssumeNoFlow)
	}
	hours := remaining / math.Abs(rate)

	if in.Flow.Smoothed {
		conf *= 1.1
	}
	if hours > longHorizon {
		conf *= 0.7
		notes = append(notes, AssumeLongHorizon)
	}
	if hours < imminentHorizon {
		conf *= 0.9
		notes = append(notes, AssumeImminent)
	}

	return models.ETACalculation{
		EstimatedCompletion: now.Add(time.Duration(hours * float64(time.Hour))),
		RemainingVolume:     remaining,
		RemainingMass:       remainingMass(in, remaining),
		CurrentRate:         rate,
		Confidence:          clamp(conf),
		Assumptions:         nonNil(notes),
	}
}

func remainingMass(in Input, remainingVolume float64) float64 {
	if in.CurrentMass != nil && in.TargetMass != nil {
		if in.Flow.Trend == models.TrendLoading {
			return math.Max(0, *in.TargetMass-*in.CurrentMass)
		}
		return math.Max(0, *in.CurrentMass)
	}
	if in.CurrentMass != nil && in.CurrentVolume > 0 {
		return remainingVolume * (*in.CurrentMass / in.CurrentVolume)
	}
	return 0
}

func farFuture(now time.Time, rate float64, note string) models.ETACalculation {
	return models.ETACalculation{
		EstimatedCompletion: now.Add(FarFuture),
		CurrentRate:         rate,
		Confidence:          fallbackConf,
		Assumptions:         []string{note},
	}
}

func clamp(c float64) float64 {
	return math.Max(0.1, math.Min(1.0, c))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// TankETA is one tank's contribution to an operation-wide estimate.
type TankETA struct {
	ID     string                `json:"id"`
	ETA    models.ETACalculation `json:"eta"`
	Active bool                  `json:"active"`
}

type OperationETA struct {
	models.ETACalculation
	BottleneckTank string `json:"bottleneckTank,omitempty"`
	ActiveTanks    int    `json:"activeTanks"`
}

// Aggregate combines per-tank estimates. The overall completion is the latest active one.
func (p *Predictor) Aggregate(in []TankETA) OperationETA {
	var active []TankETA
	for _, t := range in {
		if t.Active {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return OperationETA{ETACalculation: models.ETACalculation{
			EstimatedCompletion: p.now(),
			Assumptions:         []string{AssumeNoActive},
		}}
	}

	out := OperationETA{ActiveTanks: len(active)}
	seen := map[string]bool{}
	var weighted, plain float64
	for _, t := range active {
		out.RemainingVolume += t.ETA.RemainingVolume
		out.RemainingMass += t.ETA.RemainingMass
		out.CurrentRate += t.ETA.CurrentRate
		weighted += t.ETA.Confidence * t.ETA.RemainingVolume
		plain += t.ETA.Confidence
		if out.BottleneckTank == "" || t.ETA.EstimatedCompletion.After(out.EstimatedCompletion) {
			out.EstimatedCompletion = t.ETA.EstimatedCompletion
			out.BottleneckTank = t.ID
		}
		for _, a := range t.ETA.Assumptions {
			if !seen[a] {
				seen[a] = true
				out.Assumptions = append(out.Assumptions, a)
			}
		}
	}
	if out.RemainingVolume > 0 {
		out.Confidence = weighted / out.RemainingVolume
	} else {
		out.Confidence = plain / float64(len(active))
	}
	out.Assumptions = append(out.Assumptions, fmt.Sprintf("%d tanks active", len(active)))
	return out
}

// FormatRemaining renders the time left until completion for display.
func FormatRemaining(completion, now time.Time) string {
	d := completion.Sub(now)
	switch {
	case d < 0:
		return "Overdue"
	case d < time.Hour:
		return fmt.Sprintf("%d min", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	case d < 168*time.Hour:
		return fmt.Sprintf("%dd %dh", int(d.Hours())/24, int(d.Hours())%24)
	default:
		return "Unknown"
	}
}

func ConfidenceLabel(c float64) string {
	switch {
	case c >= 0.8:
		return "High"
	case c >= 0.6:
		return "Medium"
	case c >= 0.3:
		return "Low"
	default:
		return "Very Low"
	}
}
