package model

// FuelGenerator converts He3 into rocket propellant via thermal conversion.
type FuelGenerator struct {
	ID              string  `json:"id"`
	Efficiency      float64 `json:"efficiency"`
	ThermalGWhPerKg float64 `json:"thermal_gwh_per_kg"`
	KWhPerKgProp    float64 `json:"kwh_per_kg_prop"`
	He3KgPerStep    float64 `json:"he3_kg_per_step"`
	PowerKWh        float64 `json:"power_kwh"`
	Health          Health  `json:"health"`
}

// Convert processes up to the per-step He3 intake from what is available and
// returns the He3 consumed and the propellant produced.
func (g *FuelGenerator) Convert(he3AvailKg float64) (he3UsedKg, propOutKg float64) {
	if he3AvailKg <= 0 || g.KWhPerKgProp <= 0 {
		return 0, 0
	}
	used := he3AvailKg
	if g.He3KgPerStep > 0 && used > g.He3KgPerStep {
		used = g.He3KgPerStep
	}
	kWh := used * g.ThermalGWhPerKg * 1e6 * g.Efficiency
	return used, kWh / g.KWhPerKgProp
}
