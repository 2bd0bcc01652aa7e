package model

// ScienceRover alternates between operating off its battery and charging
// from the grid. It only operates when the battery can cover the step's draw.
type ScienceRover struct {
	ID                string  `json:"id"`
	Mode              Mode    `json:"mode"`
	PowerUsageKWh     float64 `json:"power_usage_kwh"`
	ScienceGeneration float64 `json:"science_generation"`
	BatteryKWh        float64 `json:"battery_kwh"`
	BatteryCapacityKWh float64 `json:"battery_capacity_kwh"`
	ChargeRateKWh     float64 `json:"charge_rate_kwh"`
	LifetimeSteps     uint64  `json:"lifetime_steps"`
	WearPerStep       float64 `json:"wear_per_step"`
	Health            Health  `json:"health"`
}

func (r *ScienceRover) NeedsCharge() bool {
	return r.BatteryKWh < r.PowerUsageKWh
}

// ChargeDemand is the grid draw requested this step.
func (r *ScienceRover) ChargeDemand() float64 {
	if !r.NeedsCharge() {
		return 0
	}
	room := r.BatteryCapacityKWh - r.BatteryKWh
	if r.ChargeRateKWh > 0 && room > r.ChargeRateKWh {
		room = r.ChargeRateKWh
	}
	if room < 0 {
		room = 0
	}
	return room
}

// Charge banks grid energy and returns the amount actually accepted.
func (r *ScienceRover) Charge(kWh float64) float64 {
	room := r.BatteryCapacityKWh - r.BatteryKWh
	if kWh > room {
		kWh = room
	}
	if kWh < 0 {
		kWh = 0
	}
	r.BatteryKWh += kWh
	return kWh
}

// Operate runs one step off the battery and returns the science produced.
func (r *ScienceRover) Operate() float64 {
	if r.NeedsCharge() {
		return 0
	}
	r.BatteryKWh -= r.PowerUsageKWh
	return r.ScienceGeneration
}
