package world

// Sector ids. The step pipeline iterates sectors in this fixed order.
const (
	SectorEnergy         = "energy"
	SectorManufacturing  = "manufacturing"
	SectorConstruction   = "construction"
	SectorEquipment      = "equipment"
	SectorTransportation = "transportation"
	SectorScience        = "science"
)

// Resource ids.
const (
	ResHe3      = "He3_kg"
	ResWater    = "H2O_kg"
	ResH2       = "H2_kg"
	ResO2       = "O2_kg"
	ResRegolith = "FeTiO3_kg"
	ResMetal    = "Metal_kg"
	ResFuel     = "rocket_fuel_kg"
	ResShells   = "shells"
)

// Metric ids.
const (
	MetricDustCoverage   = "IND-DUST-COV"
	MetricScienceRate    = "SCI-RATE"
	MetricPowerShortage  = "PWR-SHORTAGE-KW"
	MetricPowerSupply    = "PWR-SUPPLY-KWH"
	MetricBatterySoC     = "PWR-BATTERY-SOC"
	MetricBacklogExpired = "backlog_expired_count"
	MetricLaunches       = "TRN-LAUNCHES"
	MetricRoversActive   = "rovers_active"
	MetricAgentFaults    = "agent_fault_count"
)

const (
	BodyEarth = "earth"
	BodyMoon  = "moon"
)

// BufferTarget drives deficiency-based task priority.
type BufferTarget struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (b BufferTarget) Deficiency(current float64) float64 {
	d := b.Min - current
	if d < 0 {
		return 0
	}
	return d
}

// stepContext is handed to each sector for the duration of one step.
type stepContext struct {
	t      uint64
	rng    *Rand
	bus    *Bus
	ledger *Ledger
	errs   *[]string
}

func (kc *stepContext) fail(msg string) {
	*kc.errs = append(*kc.errs, msg)
}

// sector is the contract every sector satisfies toward the orchestrator.
type sector interface {
	ID() string
	PowerDemand() float64
	Step(kc *stepContext, allocKWh float64)
	Stocks() map[string]float64
	// TakeContributions returns and clears this step's metric contributions.
	TakeContributions() map[string]float64
	SetThrottle(f float64)
	Throttle() float64
	// ResetFaults clears FAULT agents back to service; returns how many.
	ResetFaults() int
}

func clampThrottle(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
