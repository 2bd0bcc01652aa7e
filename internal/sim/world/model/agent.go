package model

// Mode is the lifecycle state shared by all agent types.
type Mode string

const (
	ModeIdle      Mode = "IDLE"
	ModeActive    Mode = "ACTIVE"
	ModeThrottled Mode = "THROTTLED"
	ModeFault     Mode = "FAULT"
	ModeRetired   Mode = "RETIRED"
)

// Rand is the slice of the kernel PRNG agents are allowed to see.
type Rand interface {
	Float64() float64
	Triangular(min, mode, max float64) float64
}

type Health struct {
	AgeSteps     uint64  `json:"age_steps"`
	Wear         float64 `json:"wear"`
	FaultCounter int     `json:"fault_counter"`
}

// Tick ages the agent by one step; wear accrues only while working.
func (h *Health) Tick(active bool, wearPerStep float64) {
	h.AgeSteps++
	if active {
		h.Wear += wearPerStep
	}
}

// Retired reports whether the agent has reached end of life.
func Retired(h Health, lifetimeSteps uint64) bool {
	return lifetimeSteps > 0 && h.AgeSteps >= lifetimeSteps
}

// Faulted reports whether accumulated wear crosses the fault threshold.
func Faulted(h Health, wearThreshold float64) bool {
	return wearThreshold > 0 && h.Wear >= wearThreshold
}
