package aggregate

import (
	"fmt"
	"math"

	"tankwatch/internal/models"
)

// VolumeCorrector converts an observed volume at temperature into standard mass.
type VolumeCorrector interface {
	CorrectToMassTons(volumeLiters, densityKgPerL, temperatureC float64) (float64, error)
}

const (
	BaseTemperatureC = 15.0

	// k0 is the thermal expansion constant for refined products and crude.
	k0 = 613.9723

	minDensity = 0.61
	maxDensity = 1.075

	PetroleumExpansion = 0.0007
	WaterExpansion     = 0.00025
)

// VCFCorrector applies a volume correction factor at a 15 °C base.
type VCFCorrector struct{}

func (VCFCorrector) CorrectToMassTons(volumeLiters, densityKgPerL, temperatureC float64) (float64, error) {
	if densityKgPerL < minDensity || densityKgPerL > maxDensity {
		return 0, fmt.Errorf("density %.4f kg/L outside %.2f..%.3f", densityKgPerL, minDensity, maxDensity)
	}
	if math.IsNaN(volumeLiters) || math.IsNaN(temperatureC) {
		return 0, fmt.Errorf("invalid volume or temperature")
	}
	return volumeLiters * VCF(densityKgPerL, temperatureC) * densityKgPerL / 1000, nil
}

// VCF returns the correction factor from observed volume to volume at 15 °C.
func VCF(densityKgPerL, temperatureC float64) float64 {
	rho := densityKgPerL * 1000
	alpha := k0 / (rho * rho)
	dt := temperatureC - BaseTemperatureC
	return math.Exp(-alpha * dt * (1 + 0.8*alpha*dt))
}

// LinearMass approximates the corrected mass with a fixed expansion coefficient.
func LinearMass(volumeLiters, densityKgPerL, temperatureC float64, product models.Product) float64 {
	beta := PetroleumExpansion
	if product == models.ProductWater {
		beta = WaterExpansion
	}
	return volumeLiters * densityKgPerL * (1 - beta*(temperatureC-BaseTemperatureC)) / 1000
}
