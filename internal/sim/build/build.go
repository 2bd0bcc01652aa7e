package build

import (
	"fmt"
	"sort"

	"proxima.base/internal/sim/catalogs"
	"proxima.base/internal/sim/tuning"
	"proxima.base/internal/sim/world"
	"proxima.base/internal/sim/world/model"
)

// ConfigError marks a document-store problem: the runner maps it to its own
// exit code.
type ConfigError struct {
	Collection string
	ID         string
	Reason     string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s/%s: %s", e.Collection, e.ID, e.Reason)
}

func confErr(collection, id, format string, args ...any) *ConfigError {
	return &ConfigError{Collection: collection, ID: id, Reason: fmt.Sprintf(format, args...)}
}

// Build resolves one experiment document against the catalogs and projects it
// into a runnable world config plus its active policies.
func Build(cats *catalogs.Catalogs, tun tuning.Tuning, experimentID string) (world.Config, []world.Policy, error) {
	var cfg world.Config

	exp, ok := cats.Experiments.ByID[experimentID]
	if !ok {
		return cfg, nil, confErr("experiments", experimentID, "not found")
	}
	env, ok := cats.Environments.ByID[exp.EnvironmentID]
	if !ok {
		return cfg, nil, confErr("environments", exp.EnvironmentID, "not found (experiment %s)", exp.ID)
	}
	sys, ok := cats.Systems.ByID[exp.WorldSystemID]
	if !ok {
		return cfg, nil, confErr("world_systems", exp.WorldSystemID, "not found (experiment %s)", exp.ID)
	}

	commitMode, err := world.ParseCommitMode(firstNonEmpty(exp.CommitMode, tun.CommitMode))
	if err != nil {
		return cfg, nil, confErr("experiments", exp.ID, "%v", err)
	}

	cfg = world.Config{
		ExperimentID:       exp.ID,
		Seed:               exp.Seed,
		StepsPerMonth:      tun.StepsPerMonth,
		LogSkipSteps:       tun.LogSkipSteps,
		SnapshotEverySteps: tun.SnapshotEverySteps,
		CommitMode:         commitMode,
		PriorityMin:        tun.PriorityMin,
	}

	cfg.Metrics = buildMetrics(cats, env)

	for _, gid := range exp.ActiveGoalIDs {
		g, ok := cats.Goals.ByID[gid]
		if !ok {
			return cfg, nil, confErr("goals", gid, "not found (experiment %s)", exp.ID)
		}
		cfg.Goals = append(cfg.Goals, g)
	}

	b := &builder{cats: cats, env: env, tun: tun}
	if err := b.sectors(sys, &cfg); err != nil {
		return cfg, nil, err
	}

	policies, err := buildPolicies(cats, tun, exp)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, policies, nil
}

// buildMetrics takes the metric collection and binds the environment's dust
// decay into the dust definition.
func buildMetrics(cats *catalogs.Catalogs, env catalogs.EnvironmentDoc) []world.MetricDef {
	defs := make([]world.MetricDef, 0, len(cats.Metrics.Defs))
	for _, d := range cats.Metrics.Defs {
		if d.ID == world.MetricDustCoverage && env.DustDecayPerStep > 0 {
			d.Accumulate = true
			d.DecayPerStep = env.DustDecayPerStep
		}
		defs = append(defs, d)
	}
	return defs
}

func buildPolicies(cats *catalogs.Catalogs, tun tuning.Tuning, exp catalogs.ExperimentDoc) ([]world.Policy, error) {
	var out []world.Policy
	for _, pid := range exp.ActivePolicyIDs {
		doc, ok := cats.Policies.ByID[pid]
		if !ok {
			return nil, confErr("policies", pid, "not found (experiment %s)", exp.ID)
		}
		var p world.Policy
		switch doc.Type {
		case "dust_throttle":
			p = world.NewDustThrottlePolicy(1.0)
		case "science_growth":
			p = world.NewScienceGrowthPolicy(0, 0, tun.StepsPerMonth)
		case "maintenance_reset":
			p = world.NewMaintenanceResetPolicy(uint64(tun.StepsPerMonth))
		default:
			return nil, confErr("policies", pid, "unknown type %q", doc.Type)
		}
		if len(doc.Params) > 0 {
			c, ok := p.(world.Configurable)
			if !ok {
				return nil, confErr("policies", pid, "type %q takes no params", doc.Type)
			}
			if err := c.Configure(doc.Params); err != nil {
				return nil, confErr("policies", pid, "bad params: %v", err)
			}
		}
		p.SetEnabled(doc.Enabled)
		out = append(out, p)
	}
	return out, nil
}

type builder struct {
	cats *catalogs.Catalogs
	env  catalogs.EnvironmentDoc
	tun  tuning.Tuning
}

func (b *builder) sectors(sys catalogs.WorldSystemDoc, cfg *world.Config) error {
	ids := make([]string, 0, len(sys.Sectors))
	for id := range sys.Sectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		sec := sys.Sectors[id]
		var err error
		switch id {
		case world.SectorEnergy:
			err = b.energy(sys.ID, sec, &cfg.Energy)
		case world.SectorManufacturing:
			err = b.manufacturing(sys.ID, sec, &cfg.Manufacturing)
		case world.SectorConstruction:
			err = b.construction(sys.ID, sec, &cfg.Construction)
		case world.SectorEquipment:
			b.equipment(sec, &cfg.Equipment)
		case world.SectorTransportation:
			err = b.transportation(sys.ID, sec, &cfg.Transportation)
		case world.SectorScience:
			err = b.science(sys.ID, sec, &cfg.Science)
		default:
			err = confErr("world_systems", sys.ID, "unknown sector %q", id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// expand resolves a component ref into count instances worth of merged
// parameters, template first, overrides on top.
func (b *builder) expand(systemID string, ref catalogs.ComponentRef, wantType string) (catalogs.ComponentTemplateDoc, []map[string]float64, error) {
	tpl, ok := b.cats.Components.ByID[ref.TemplateID]
	if !ok {
		return tpl, nil, confErr("component_templates", ref.TemplateID, "not found (world_system %s)", systemID)
	}
	if tpl.Type != wantType {
		return tpl, nil, confErr("component_templates", ref.TemplateID, "type %q where %q expected", tpl.Type, wantType)
	}
	n := ref.Count
	if n < 1 {
		n = 1
	}
	params := make([]map[string]float64, n)
	for i := 0; i < n; i++ {
		m := map[string]float64{}
		for k, v := range tpl.Params {
			m[k] = v
		}
		for k, v := range ref.Overrides {
			m[k] = v
		}
		params[i] = m
	}
	return tpl, params, nil
}

func instanceID(templateID string, i int) string {
	return fmt.Sprintf("%s-%03d", templateID, i+1)
}

func (b *builder) energy(systemID string, sec catalogs.SectorDoc, out *world.EnergyConfig) error {
	for _, ref := range sec.Components {
		tpl := b.cats.Components.ByID[ref.TemplateID]
		switch tpl.Type {
		case "power_generator":
			_, params, err := b.expand(systemID, ref, "power_generator")
			if err != nil {
				return err
			}
			for i, p := range params {
				avail := p["availability"]
				if avail <= 0 {
					avail = b.env.SolarAvailability
				}
				out.Generators = append(out.Generators, model.PowerGenerator{
					ID:           instanceID(ref.TemplateID, i),
					CapacityKWh:  p["capacity_kwh"],
					Efficiency:   p["efficiency"],
					Availability: avail,
				})
			}
		case "power_storage":
			_, params, err := b.expand(systemID, ref, "power_storage")
			if err != nil {
				return err
			}
			for i, p := range params {
				out.Storages = append(out.Storages, model.PowerStorage{
					ID:           instanceID(ref.TemplateID, i),
					CapacityKWh:  p["capacity_kwh"],
					LevelKWh:     p["level_kwh"],
					ChargeEff:    p["charge_eff"],
					DischargeEff: p["discharge_eff"],
					MinLevelFrac: p["min_level_frac"],
					MaxLevelFrac: p["max_level_frac"],
				})
			}
		default:
			return confErr("world_systems", systemID, "energy sector cannot field %q", tpl.Type)
		}
	}
	return nil
}

func (b *builder) manufacturing(systemID string, sec catalogs.SectorDoc, out *world.ManufacturingConfig) error {
	for _, ref := range sec.Components {
		tpl, params, err := b.expand(systemID, ref, "isru")
		if err != nil {
			return err
		}
		tasks, err := taskSpecs(tpl)
		if err != nil {
			return err
		}
		for i, p := range params {
			minPpb, maxPpb := b.env.He3DensityPpb[0], b.env.He3DensityPpb[1]
			out.Units = append(out.Units, model.ISRU{
				ID:           instanceID(ref.TemplateID, i),
				Mode:         model.ModeIdle,
				Tasks:        tasks,
				Efficiency:   p["efficiency"],
				ThroughputKg: p["throughput_kg"],
				MinPpb:       minPpb,
				MidPpb:       (minPpb + maxPpb) / 2,
				MaxPpb:       maxPpb,
				LifetimeSteps: uint64(p["lifetime_steps"]),
				WearPerStep:   p["wear_per_step"],
			})
		}
	}
	out.InitialStocks = sec.InitialStocks
	out.BufferTargets = bufferTargets(sec.BufferTargets)
	out.TaskWeights = map[model.ISRUTask]float64{}
	for task, w := range sec.TaskWeights {
		out.TaskWeights[model.ISRUTask(task)] = w
	}
	out.BacklogMaxAgeSteps = b.tun.BacklogMaxAgeSteps
	out.DRRQuantum = b.tun.DRRQuantum
	out.FaultWear = b.tun.Thresholds.FaultWear
	return nil
}

func taskSpecs(tpl catalogs.ComponentTemplateDoc) (map[model.ISRUTask]model.ISRUTaskSpec, error) {
	out := map[model.ISRUTask]model.ISRUTaskSpec{}
	for name, t := range tpl.Tasks {
		out[model.ISRUTask(name)] = model.ISRUTaskSpec{
			PowerKWh:      t.PowerKWh,
			Inputs:        t.Inputs,
			Outputs:       t.Outputs,
			DurationSteps: t.DurationSteps,
		}
	}
	if len(out) == 0 {
		return nil, confErr("component_templates", tpl.ID, "isru template without tasks")
	}
	return out, nil
}

func (b *builder) construction(systemID string, sec catalogs.SectorDoc, out *world.ConstructionConfig) error {
	for _, ref := range sec.Components {
		tpl := b.cats.Components.ByID[ref.TemplateID]
		switch tpl.Type {
		case "printing_robot":
			_, params, err := b.expand(systemID, ref, "printing_robot")
			if err != nil {
				return err
			}
			for i, p := range params {
				regolith := p["regolith_per_run_kg"]
				if regolith <= 0 {
					regolith = b.env.RegolithPerShell
				}
				out.Printers = append(out.Printers, model.PrintingRobot{
					ID:               instanceID(ref.TemplateID, i),
					Mode:             model.ModeIdle,
					PowerKWh:         p["power_kwh"],
					Efficiency:       p["efficiency"],
					PrintSteps:       int(p["print_steps"]),
					RegolithPerRunKg: regolith,
					LifetimeSteps:    uint64(p["lifetime_steps"]),
					WearPerStep:      p["wear_per_step"],
				})
			}
		case "assembly_robot":
			_, params, err := b.expand(systemID, ref, "assembly_robot")
			if err != nil {
				return err
			}
			for i, p := range params {
				out.Assemblers = append(out.Assemblers, model.AssemblyRobot{
					ID:            instanceID(ref.TemplateID, i),
					Mode:          model.ModeIdle,
					PowerKWh:      p["power_kwh"],
					AssemblySteps: int(p["assembly_steps"]),
					LifetimeSteps: uint64(p["lifetime_steps"]),
					WearPerStep:   p["wear_per_step"],
				})
			}
		default:
			return confErr("world_systems", systemID, "construction sector cannot field %q", tpl.Type)
		}
	}
	out.InitialStocks = sec.InitialStocks
	out.ShellStorageCapacity = int(sec.Params["shell_storage_capacity"])
	out.MaxConcurrentProjects = int(sec.Params["max_concurrent_projects"])
	if bt, ok := sec.BufferTargets[world.ResRegolith]; ok {
		out.RegolithBuffer = world.BufferTarget{Min: bt.Min, Max: bt.Max}
	}
	out.BacklogMaxAgeSteps = b.tun.BacklogMaxAgeSteps
	out.FaultWear = b.tun.Thresholds.FaultWear
	return nil
}

func (b *builder) equipment(sec catalogs.SectorDoc, out *world.EquipmentConfig) {
	out.InitialStocks = sec.InitialStocks
	out.MinimumLevels = sec.MinimumLevels
	out.BacklogMaxAgeSteps = b.tun.BacklogMaxAgeSteps
}

func (b *builder) transportation(systemID string, sec catalogs.SectorDoc, out *world.TransportationConfig) error {
	for _, ref := range sec.Components {
		tpl := b.cats.Components.ByID[ref.TemplateID]
		switch tpl.Type {
		case "rocket":
			_, params, err := b.expand(systemID, ref, "rocket")
			if err != nil {
				return err
			}
			for i, p := range params {
				dist := p["distance_km"]
				if dist <= 0 {
					dist = b.env.EarthDistanceKm
				}
				speed := p["cruise_speed_kmh"]
				if speed <= 0 {
					speed = b.env.RocketSpeedKmh
				}
				out.Rockets = append(out.Rockets, model.Rocket{
					ID:             instanceID(ref.TemplateID, i),
					Phase:          model.PhaseIdle,
					DistanceKm:     dist,
					CruiseSpeedKmh: speed,
					LoadingSteps:   int(p["loading_steps"]),
					CapacityKg:     p["capacity_kg"],
					PropPerKg:      p["prop_per_kg"],
				})
			}
		case "fuel_generator":
			_, params, err := b.expand(systemID, ref, "fuel_generator")
			if err != nil {
				return err
			}
			for i, p := range params {
				out.FuelGenerators = append(out.FuelGenerators, model.FuelGenerator{
					ID:              instanceID(ref.TemplateID, i),
					Efficiency:      p["efficiency"],
					ThermalGWhPerKg: p["thermal_gwh_per_kg"],
					KWhPerKgProp:    p["kwh_per_kg_prop"],
					He3KgPerStep:    p["he3_kg_per_step"],
					PowerKWh:        p["power_kwh"],
				})
			}
		default:
			return confErr("world_systems", systemID, "transportation sector cannot field %q", tpl.Type)
		}
	}
	out.InitialStocks = sec.InitialStocks
	out.PayloadMassKg = sec.PayloadMassKg
	out.He3MinKg = b.tun.Thresholds.He3MinKg
	out.He3RequestKg = sec.Params["he3_request_kg"]
	out.RocketFuelMinKg = b.tun.Thresholds.RocketFuelMinKg
	out.DustPerLaunch = sec.Params["dust_per_launch"]
	out.FaultWear = b.tun.Thresholds.FaultWear
	return nil
}

func (b *builder) science(systemID string, sec catalogs.SectorDoc, out *world.ScienceConfig) error {
	for _, ref := range sec.Components {
		_, params, err := b.expand(systemID, ref, "science_rover")
		if err != nil {
			return err
		}
		for i, p := range params {
			r := roverFromParams(p)
			r.ID = instanceID(ref.TemplateID, i)
			r.Mode = model.ModeIdle
			r.BatteryKWh = p["battery_kwh"]
			out.Rovers = append(out.Rovers, r)
			// Later arrivals are built from the last template seen.
			tplRover := roverFromParams(p)
			out.RoverTemplate = tplRover
		}
	}
	out.BaselinePowerKWh = sec.Params["baseline_power_kwh"]
	out.RoverEquipment = sec.RoverEquipment
	out.FaultWear = b.tun.Thresholds.FaultWear
	return nil
}

func roverFromParams(p map[string]float64) model.ScienceRover {
	return model.ScienceRover{
		PowerUsageKWh:      p["power_usage_kwh"],
		ScienceGeneration:  p["science_generation"],
		BatteryCapacityKWh: p["battery_capacity_kwh"],
		ChargeRateKWh:      p["charge_rate_kwh"],
		LifetimeSteps:      uint64(p["lifetime_steps"]),
		WearPerStep:        p["wear_per_step"],
	}
}

func bufferTargets(in map[string]catalogs.BufferDoc) map[string]world.BufferTarget {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]world.BufferTarget, len(in))
	for k, v := range in {
		out[k] = world.BufferTarget{Min: v.Min, Max: v.Max}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
