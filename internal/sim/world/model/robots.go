package model

// PrintingRobot turns regolith into structural shells, one shell per run.
type PrintingRobot struct {
	ID              string  `json:"id"`
	Mode            Mode    `json:"mode"`
	PowerKWh        float64 `json:"power_kwh"`
	Efficiency      float64 `json:"efficiency"`
	PrintSteps      int     `json:"print_steps"`
	RegolithPerRunKg float64 `json:"regolith_per_run_kg"`

	StepsRemaining int     `json:"steps_remaining"`
	ShellsProduced int     `json:"shells_produced"`
	LifetimeSteps  uint64  `json:"lifetime_steps"`
	WearPerStep    float64 `json:"wear_per_step"`
	Health         Health  `json:"health"`
}

func (p *PrintingRobot) StartPrint() bool {
	if p.Mode != ModeIdle {
		return false
	}
	p.Mode = ModeActive
	p.StepsRemaining = p.PrintSteps
	if p.StepsRemaining < 1 {
		p.StepsRemaining = 1
	}
	return true
}

func (p *PrintingRobot) PowerDemand() float64 {
	if p.Mode != ModeActive {
		return 0
	}
	return p.PowerKWh
}

// Step advances the print job. Returns true on the completing step, along
// with the regolith consumed by the run.
func (p *PrintingRobot) Step() (shellDone bool, regolithKg float64) {
	if p.Mode != ModeActive {
		return false, 0
	}
	p.StepsRemaining--
	if p.StepsRemaining > 0 {
		return false, 0
	}
	p.Mode = ModeIdle
	p.StepsRemaining = 0
	p.ShellsProduced++
	return true, p.RegolithPerRunKg
}

// AssemblyRobot joins one shell and one equipment unit into a module.
type AssemblyRobot struct {
	ID            string  `json:"id"`
	Mode          Mode    `json:"mode"`
	PowerKWh      float64 `json:"power_kwh"`
	AssemblySteps int     `json:"assembly_steps"`

	CurrentModule  string  `json:"current_module,omitempty"`
	StepsRemaining int     `json:"steps_remaining"`
	ModulesBuilt   int     `json:"modules_built"`
	LifetimeSteps  uint64  `json:"lifetime_steps"`
	WearPerStep    float64 `json:"wear_per_step"`
	Health         Health  `json:"health"`
}

func (a *AssemblyRobot) StartAssembly(moduleType string) bool {
	if a.Mode != ModeIdle {
		return false
	}
	a.Mode = ModeActive
	a.CurrentModule = moduleType
	a.StepsRemaining = a.AssemblySteps
	if a.StepsRemaining < 1 {
		a.StepsRemaining = 1
	}
	return true
}

func (a *AssemblyRobot) PowerDemand() float64 {
	if a.Mode != ModeActive {
		return 0
	}
	return a.PowerKWh
}

// Step advances the assembly. Returns the module type on the completing step.
func (a *AssemblyRobot) Step() (completedModule string) {
	if a.Mode != ModeActive {
		return ""
	}
	a.StepsRemaining--
	if a.StepsRemaining > 0 {
		return ""
	}
	m := a.CurrentModule
	a.Mode = ModeIdle
	a.CurrentModule = ""
	a.StepsRemaining = 0
	a.ModulesBuilt++
	return m
}
