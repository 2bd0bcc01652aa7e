package world

import (
	"fmt"
	"log"
	"sort"
)

type Config struct {
	ExperimentID string
	Seed         int64

	StepsPerMonth      int
	LogSkipSteps       int
	SnapshotEverySteps int
	CommitMode         CommitMode
	PriorityMin        float64

	Metrics []MetricDef
	Goals   []Goal

	Energy         EnergyConfig
	Manufacturing  ManufacturingConfig
	Construction   ConstructionConfig
	Equipment      EquipmentConfig
	Transportation TransportationConfig
	Science        ScienceConfig
}

// World is the simulation kernel: a single-threaded stepper over six sectors
// coupled through the event bus and the stock-flow ledger.
type World struct {
	cfg Config

	t      uint64
	seed   int64
	rng    *Rand
	bus    *Bus
	ledger *Ledger

	eval     *Evaluator
	policies *PolicyEngine
	mutator  *Mutator

	sectors []sector
	byID    map[string]sector

	energy         *EnergySector
	manufacturing  *ManufacturingSector
	construction   *ConstructionSector
	equipment      *EquipmentSector
	transportation *TransportationSector
	science        *ScienceSector

	paused      bool
	completions map[string]float64

	logger     *log.Logger
	stepLogger StepLogger
	snapSink   chan<- SnapshotV1
}

type StepLogger interface {
	WriteStep(StepLogEntry) error
}

type SectorLog struct {
	Stocks   map[string]float64 `json:"stocks"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Throttle float64            `json:"throttle"`
}

// StepLogEntry is the append-only per-step record shipped to the log sinks.
type StepLogEntry struct {
	ExperimentID  string               `json:"experiment_id"`
	T             uint64               `json:"t"`
	Sectors       map[string]SectorLog `json:"sectors"`
	Evaluation    EvaluationResult     `json:"evaluation"`
	PolicyEffects []Effect             `json:"policy_effects,omitempty"`
	RunnerState   string               `json:"runner_state"`
	Errors        []string             `json:"errors,omitempty"`
	Digest        string               `json:"digest"`
}

func New(cfg Config, logger *log.Logger) (*World, error) {
	if cfg.ExperimentID == "" {
		return nil, fmt.Errorf("empty experiment id")
	}
	if cfg.StepsPerMonth <= 0 {
		cfg.StepsPerMonth = 1
	}
	if cfg.PriorityMin <= 0 {
		cfg.PriorityMin = 0.05
	}

	w := &World{
		cfg:         cfg,
		seed:        cfg.Seed,
		rng:         NewRand(cfg.Seed, 0),
		bus:         NewBus(),
		ledger:      NewLedger(cfg.CommitMode),
		eval:        NewEvaluator(cfg.Metrics, cfg.Goals, cfg.StepsPerMonth),
		policies:    NewPolicyEngine(),
		byID:        map[string]sector{},
		completions: map[string]float64{},
		logger:      logger,
	}
	w.mutator = &Mutator{w: w}

	w.energy = NewEnergySector(cfg.Energy)
	w.manufacturing = NewManufacturingSector(cfg.Manufacturing)
	w.construction = NewConstructionSector(cfg.Construction)
	w.equipment = NewEquipmentSector(cfg.Equipment)
	w.transportation = NewTransportationSector(cfg.Transportation)
	w.science = NewScienceSector(cfg.Science)

	w.sectors = []sector{
		w.energy, w.manufacturing, w.construction,
		w.equipment, w.transportation, w.science,
	}
	for _, s := range w.sectors {
		w.byID[s.ID()] = s
	}

	w.wire()
	return w, nil
}

// wire connects sector inboxes to the bus. Registration order is fixed; it
// is part of the deterministic delivery order.
func (w *World) wire() {
	b := w.bus
	b.Subscribe(SectorConstruction, TopicConstructionRequest, w.construction.OnConstructionRequest)
	b.Subscribe(SectorConstruction, TopicResourceAllocated, w.construction.OnResourceAllocated)
	b.Subscribe(SectorManufacturing, TopicResourceRequest, w.manufacturing.OnResourceRequest)
	b.Subscribe(SectorEquipment, TopicEquipmentRequest, w.equipment.OnEquipmentRequest)
	b.Subscribe(SectorEquipment, TopicPayloadDelivered, func(ev Event) error {
		return w.equipment.OnPayloadDelivered(w.ledger, ev)
	})
	b.Subscribe(SectorTransportation, TopicTransportRequest, w.transportation.OnTransportRequest)
	b.Subscribe(SectorTransportation, TopicResourceAllocated, w.transportation.OnResourceAllocated)
	b.Subscribe(SectorScience, TopicModuleCompleted, w.science.OnModuleCompleted)

	// Arrival bookkeeping for growth-policy pipelines.
	b.Subscribe("kernel", TopicModuleCompleted, func(ev Event) error {
		qty := ev.Qty
		if qty <= 0 {
			qty = 1
		}
		if ev.Equipment != "" {
			w.completions[ev.Equipment] += qty
		}
		if ev.Module != "" && ev.Module != ev.Equipment {
			w.completions[ev.Module] += qty
		}
		return nil
	})
	b.Subscribe("kernel", TopicPayloadDelivered, func(ev Event) error {
		for res, qty := range ev.Payload {
			w.completions[res] += qty
		}
		return nil
	})
}

func (w *World) Config() Config             { return w.cfg }
func (w *World) AddPolicy(p Policy)         { w.policies.Add(p) }
func (w *World) Policies() *PolicyEngine    { return w.policies }
func (w *World) Evaluator() *Evaluator      { return w.eval }
func (w *World) Bus() *Bus                  { return w.bus }
func (w *World) CurrentStep() uint64        { return w.t }
func (w *World) Paused() bool               { return w.paused }
func (w *World) SetStepLogger(l StepLogger) { w.stepLogger = l }
func (w *World) SetSnapshotSink(ch chan<- SnapshotV1) { w.snapSink = ch }

func (w *World) Sector(id string) (interface{ Stocks() map[string]float64 }, bool) {
	s, ok := w.byID[id]
	return s, ok
}

// StepOnce runs one full pipeline step. A strict-mode commit overdraft is
// fatal and returned; all other failures are recovered in place and surface
// in the entry's errors.
func (w *World) StepOnce() (StepLogEntry, error) {
	var errs []string
	w.rng.Reseed(w.seed, w.t)

	// 1. Deliver last step's events.
	w.bus.Swap()
	for _, de := range w.bus.Deliver() {
		errs = append(errs, de.Error())
		if w.logger != nil {
			w.logger.Printf("event delivery: %v", de)
		}
	}

	// 2. Evaluate against last step's committed state.
	ev := w.eval.Evaluate(w.t, w.completions)

	// 3. Policies. Completions accumulate across steps so off-tick arrivals
	// stay visible; a month tick consumes them.
	monthTick := w.t%uint64(w.cfg.StepsPerMonth) == 0
	effects := w.policies.Apply(w.mutator, ev, monthTick)
	if monthTick {
		w.completions = map[string]float64{}
	}

	// 4. Goal-weighted sector priorities.
	priorities := w.sectorPriorities()

	// 5. Power allocation.
	demands := map[string]float64{}
	for _, s := range w.sectors {
		if s.ID() == SectorEnergy {
			continue
		}
		demands[s.ID()] = s.PowerDemand()
	}
	alloc := w.energy.Allocate(demands, priorities)

	// 6. Step sectors.
	kc := &stepContext{t: w.t, rng: w.rng, bus: w.bus, ledger: w.ledger, errs: &errs}
	for _, s := range w.sectors {
		s.Step(kc, alloc[s.ID()])
	}

	// 7. Commit stock flows.
	stocks := map[string]map[string]float64{}
	for _, s := range w.sectors {
		stocks[s.ID()] = s.Stocks()
	}
	dropped, commitErr := w.ledger.Commit(stocks)
	for _, d := range dropped {
		errs = append(errs, d.Error())
	}

	// 8. Aggregate metrics.
	contribs := map[string]map[string]float64{}
	for _, s := range w.sectors {
		contribs[s.ID()] = s.TakeContributions()
	}
	w.eval.Aggregate(contribs)

	tRan := w.t
	if commitErr == nil {
		// The snapshot digest below describes "ready to run step t+1".
		w.t++
	}

	entry := w.buildLogEntry(tRan, ev, effects, contribs, errs, commitErr)
	if w.stepLogger != nil {
		if err := w.stepLogger.WriteStep(entry); err != nil && w.logger != nil {
			w.logger.Printf("step log: %v", err)
		}
	}

	if commitErr != nil {
		return entry, fmt.Errorf("step %d: %w", tRan, commitErr)
	}

	if w.snapSink != nil && w.cfg.SnapshotEverySteps > 0 && w.t%uint64(w.cfg.SnapshotEverySteps) == 0 {
		select {
		case w.snapSink <- w.ExportSnapshot():
		default:
			// Never stall the step loop on a slow snapshot writer.
		}
	}
	return entry, nil
}

// sectorPriorities combines active goal weights with each sector's share of
// the goal metric's contributions.
func (w *World) sectorPriorities() map[string]float64 {
	prios := map[string]float64{}
	for _, g := range w.eval.Goals() {
		total := 0.0
		for _, s := range w.sectors {
			total += abs(w.eval.Contribution(g.MetricID, s.ID()))
		}
		if total <= 0 {
			continue
		}
		for _, s := range w.sectors {
			share := abs(w.eval.Contribution(g.MetricID, s.ID())) / total
			prios[s.ID()] += g.Weight * share
		}
	}
	for _, s := range w.sectors {
		if prios[s.ID()] < w.cfg.PriorityMin {
			prios[s.ID()] = w.cfg.PriorityMin
		}
	}
	return prios
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func (w *World) buildLogEntry(tRan uint64, ev EvaluationResult, effects []Effect, contribs map[string]map[string]float64, errs []string, commitErr error) StepLogEntry {
	if commitErr != nil {
		errs = append(errs, commitErr.Error())
	}
	entry := StepLogEntry{
		ExperimentID:  w.cfg.ExperimentID,
		T:             tRan,
		Sectors:       map[string]SectorLog{},
		Evaluation:    ev,
		PolicyEffects: effects,
		RunnerState:   w.RunnerState(),
		Errors:        errs,
	}
	ids := make([]string, 0, len(w.sectors))
	for _, s := range w.sectors {
		ids = append(ids, s.ID())
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := w.byID[id]
		sl := SectorLog{Stocks: map[string]float64{}, Throttle: s.Throttle()}
		for k, v := range s.Stocks() {
			sl.Stocks[k] = v
		}
		if c := contribs[id]; len(c) > 0 {
			sl.Metrics = c
		}
		entry.Sectors[id] = sl
	}
	entry.Digest = w.StateDigest()
	return entry
}

func (w *World) RunnerState() string {
	if w.paused {
		return "paused"
	}
	return "running"
}

func (w *World) SetPaused(p bool) { w.paused = p }
