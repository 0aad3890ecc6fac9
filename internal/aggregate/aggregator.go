package aggregate

import (
	"fmt"
	"log/slog"

	"tankwatch/internal/config"
	"tankwatch/internal/models"
)

type TankTotal struct {
	ID           string       `json:"id"`
	Group        models.Group `json:"group"`
	VolumeLiters float64      `json:"volumeLiters"`
	MassTons     float64      `json:"massTons"`
	FillPercent  float64      `json:"fillPercent"`
	Corrected    bool         `json:"corrected"`
}

type GroupTotal struct {
	VolumeLiters float64 `json:"volumeLiters"`
	MassTons     float64 `json:"massTons"`
	Tanks        int     `json:"tanks"`
}

type Totals struct {
	Tanks        []TankTotal                 `json:"tanks"`
	Groups       map[models.Group]GroupTotal `json:"groups"`
	VolumeLiters float64                     `json:"volumeLiters"`
	MassTons     float64                     `json:"massTons"`
	Fallbacks    int                         `json:"fallbacks"`
}

// Tank returns the per-tank figures for id.
func (t Totals) Tank(id string) (TankTotal, bool) {
	for _, tt := range t.Tanks {
		if tt.ID == id {
			return tt, true
		}
	}
	return TankTotal{}, false
}

// Aggregator turns tank levels into volumes and masses and rolls them up per group.
type Aggregator struct {
	catalogue *config.Catalogue
	corrector VolumeCorrector
	log       *slog.Logger
}

func New(catalogue *config.Catalogue, corrector VolumeCorrector, logger *slog.Logger) *Aggregator {
	if corrector == nil {
		corrector = VCFCorrector{}
	}
	return &Aggregator{catalogue: catalogue, corrector: corrector, log: logger}
}

func (a *Aggregator) Compute(tanks []models.Tank) Totals {
	out := Totals{
		Tanks:  make([]TankTotal, 0, len(tanks)),
		Groups: map[models.Group]GroupTotal{},
	}
	for _, t := range tanks {
		spec, _ := a.catalogue.Lookup(t.SourceIndex)
		temp := BaseTemperatureC
		if t.TemperatureC != nil {
			temp = *t.TemperatureC
		}
		vol := spec.VolumeAt(t.CurrentLevelMm)
		mass, err := a.correct(vol, spec.ReferenceDensity, temp)
		tt := TankTotal{ID: t.ID, Group: t.Group, VolumeLiters: vol, MassTons: mass, Corrected: err == nil}
		if err != nil {
			tt.MassTons = LinearMass(vol, spec.ReferenceDensity, temp, spec.Product)
			out.Fallbacks++
			if a.log != nil {
				a.log.Warn("volume correction fallback", "tank", t.ID, "err", err)
			}
		}
		if spec.CapacityLiters > 0 {
			tt.FillPercent = vol / spec.CapacityLiters * 100
		}
		out.Tanks = append(out.Tanks, tt)

		g := out.Groups[t.Group]
		g.VolumeLiters += tt.VolumeLiters
		g.MassTons += tt.MassTons
		g.Tanks++
		out.Groups[t.Group] = g
		out.VolumeLiters += tt.VolumeLiters
		out.MassTons += tt.MassTons
	}
	return out
}

func (a *Aggregator) correct(vol, density, temp float64) (mass float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("corrector panic: %v", r)
		}
	}()
	return a.corrector.CorrectToMassTons(vol, density, temp)
}
