package model

// ISRUTask enumerates what an ISRU unit can be assigned to do.
type ISRUTask string

const (
	TaskIceExtraction      ISRUTask = "ICE_EXTRACTION"
	TaskRegolithExtraction ISRUTask = "REGOLITH_EXTRACTION"
	TaskHe3Extraction      ISRUTask = "HE3_EXTRACTION"
	TaskElectrolysis       ISRUTask = "ELECTROLYSIS"
	TaskMetal              ISRUTask = "METAL"
)

// ISRUTaskSpec describes one task: power drawn per working step, resources
// consumed and produced on completion, and how many steps the task takes.
// He3 extraction ignores Outputs and uses the stochastic ore model instead.
type ISRUTaskSpec struct {
	PowerKWh      float64            `json:"power_kwh"`
	Inputs        map[string]float64 `json:"inputs,omitempty"`
	Outputs       map[string]float64 `json:"outputs,omitempty"`
	DurationSteps int                `json:"duration_steps"`
}

// ISRU is an in-situ resource unit: one assignable extractor/processor.
type ISRU struct {
	ID         string                    `json:"id"`
	Mode       Mode                      `json:"mode"`
	Task       ISRUTask                  `json:"task,omitempty"`
	Tasks      map[ISRUTask]ISRUTaskSpec `json:"tasks"`
	Efficiency float64                   `json:"efficiency"`

	// He3 ore model: regolith throughput per step and concentration range.
	ThroughputKg float64 `json:"throughput_kg"`
	MinPpb       float64 `json:"min_ppb"`
	MidPpb       float64 `json:"mid_ppb"`
	MaxPpb       float64 `json:"max_ppb"`

	StepsRemaining int     `json:"steps_remaining"`
	LifetimeSteps  uint64  `json:"lifetime_steps"`
	WearPerStep    float64 `json:"wear_per_step"`
	Health         Health  `json:"health"`
}

// Assign puts an idle unit on a task. Returns false if the unit is busy or
// the task is unknown.
func (u *ISRU) Assign(task ISRUTask) bool {
	if u.Mode != ModeIdle {
		return false
	}
	spec, ok := u.Tasks[task]
	if !ok {
		return false
	}
	u.Mode = ModeActive
	u.Task = task
	u.StepsRemaining = spec.DurationSteps
	if u.StepsRemaining < 1 {
		u.StepsRemaining = 1
	}
	return true
}

func (u *ISRU) PowerDemand() float64 {
	if u.Mode != ModeActive {
		return 0
	}
	return u.Tasks[u.Task].PowerKWh
}

// ISRUResult is what one working step yielded. Inputs and Outputs are only
// populated on the completing step.
type ISRUResult struct {
	Done    bool
	Inputs  map[string]float64
	Outputs map[string]float64
}

// Step advances the current task by one powered step.
func (u *ISRU) Step(rng Rand) ISRUResult {
	if u.Mode != ModeActive {
		return ISRUResult{}
	}
	u.StepsRemaining--
	if u.StepsRemaining > 0 {
		return ISRUResult{}
	}

	spec := u.Tasks[u.Task]
	res := ISRUResult{Done: true, Inputs: spec.Inputs}
	if u.Task == TaskHe3Extraction {
		ppb := rng.Triangular(u.MinPpb, u.MidPpb, u.MaxPpb)
		res.Outputs = map[string]float64{
			"He3_kg": u.ThroughputKg * ppb * 1e-9 * u.Efficiency,
		}
	} else {
		out := make(map[string]float64, len(spec.Outputs))
		for k, v := range spec.Outputs {
			out[k] = v * u.Efficiency
		}
		res.Outputs = out
	}

	u.Mode = ModeIdle
	u.Task = ""
	u.StepsRemaining = 0
	return res
}
