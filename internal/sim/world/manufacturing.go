package world

import (
	"fmt"
	"sort"

	"proxima.base/internal/sim/world/model"
)

// taskOutput maps each ISRU task to the stock it replenishes, for
// deficiency-driven prioritization.
var taskOutput = map[model.ISRUTask]string{
	model.TaskIceExtraction:      ResWater,
	model.TaskRegolithExtraction: ResRegolith,
	model.TaskHe3Extraction:      ResHe3,
	model.TaskElectrolysis:       ResH2,
	model.TaskMetal:              ResMetal,
}

var taskOrder = []model.ISRUTask{
	model.TaskIceExtraction,
	model.TaskRegolithExtraction,
	model.TaskHe3Extraction,
	model.TaskElectrolysis,
	model.TaskMetal,
}

type ManufacturingConfig struct {
	Units              []model.ISRU
	InitialStocks      map[string]float64
	BufferTargets      map[string]BufferTarget
	TaskWeights        map[model.ISRUTask]float64
	BacklogMaxAgeSteps int
	DRRQuantum         float64
	FaultWear          float64
}

type resourceRequest struct {
	RequestID string  `json:"request_id"`
	Requester string  `json:"requester"`
	Resource  string  `json:"resource"`
	Qty       float64 `json:"qty"`
	AgeSteps  int     `json:"age_steps"`
}

// ManufacturingSector runs the ISRU fleet under a deficit-round-robin task
// scheduler and serves resource requests from the other sectors.
type ManufacturingSector struct {
	cfg   ManufacturingConfig
	units []*model.ISRU

	stocks  map[string]float64
	backlog []resourceRequest // fulfilled LIFO
	sched   *drrScheduler

	throttle float64
	contrib  map[string]float64
}

func NewManufacturingSector(cfg ManufacturingConfig) *ManufacturingSector {
	s := &ManufacturingSector{
		cfg:     cfg,
		stocks:  map[string]float64{},
		sched:   newDRRScheduler(),
		contrib: map[string]float64{},
	}
	for k, v := range cfg.InitialStocks {
		s.stocks[k] = v
	}
	for i := range cfg.Units {
		u := cfg.Units[i]
		s.units = append(s.units, &u)
	}
	sort.Slice(s.units, func(i, j int) bool { return s.units[i].ID < s.units[j].ID })
	for _, task := range taskOrder {
		if cfg.TaskWeights[task] > 0 {
			s.sched.AddTask(string(task))
		}
	}
	return s
}

func (s *ManufacturingSector) ID() string                 { return SectorManufacturing }
func (s *ManufacturingSector) Stocks() map[string]float64 { return s.stocks }
func (s *ManufacturingSector) SetThrottle(f float64)      { s.throttle = clampThrottle(f) }
func (s *ManufacturingSector) Throttle() float64          { return s.throttle }

func (s *ManufacturingSector) PowerDemand() float64 {
	d := 0.0
	for _, u := range s.units {
		d += u.PowerDemand()
	}
	// Headroom for one task assignment this step.
	best := 0.0
	for _, spec := range s.taskSpecs() {
		if spec.PowerKWh > best {
			best = spec.PowerKWh
		}
	}
	return d + best
}

func (s *ManufacturingSector) taskSpecs() map[model.ISRUTask]model.ISRUTaskSpec {
	out := map[model.ISRUTask]model.ISRUTaskSpec{}
	for _, u := range s.units {
		for t, spec := range u.Tasks {
			if _, ok := out[t]; !ok {
				out[t] = spec
			}
		}
	}
	return out
}

// OnResourceRequest queues an incoming request.
func (s *ManufacturingSector) OnResourceRequest(ev Event) error {
	if ev.Resource == "" || ev.Qty <= 0 {
		return fmt.Errorf("malformed resource_request %q qty=%v", ev.Resource, ev.Qty)
	}
	s.backlog = append(s.backlog, resourceRequest{
		RequestID: ev.RequestID,
		Requester: ev.Requester,
		Resource:  ev.Resource,
		Qty:       ev.Qty,
	})
	return nil
}

func (s *ManufacturingSector) Step(kc *stepContext, allocKWh float64) {
	budget := allocKWh

	// Per-unit throttle draw, in unit order so replays line up.
	throttled := map[string]bool{}
	for _, u := range s.units {
		if u.Mode == model.ModeRetired || u.Mode == model.ModeFault {
			continue
		}
		if s.throttle > 0 && kc.rng.Float64() < s.throttle {
			throttled[u.ID] = true
		}
	}

	s.serveBacklog(kc)
	s.schedule(kc, budget, throttled)

	for _, u := range s.units {
		if u.Mode == model.ModeRetired {
			continue
		}
		if u.Mode == model.ModeFault {
			u.Health.Tick(false, 0)
			continue
		}
		if throttled[u.ID] {
			u.Health.Tick(false, 0)
			continue
		}
		active := false
		if u.Mode == model.ModeActive {
			demand := u.PowerDemand()
			if budget >= demand {
				budget -= demand
				active = true
				res := u.Step(kc.rng)
				if res.Done {
					for r, q := range res.Inputs {
						kc.ledger.Consume(SectorManufacturing, r, q)
					}
					total := 0.0
					for r, q := range res.Outputs {
						kc.ledger.Produce(SectorManufacturing, r, q)
						total += q
					}
					s.contrib["mfg_output_kg"] += total
				}
			}
		}
		u.Health.Tick(active, u.WearPerStep)
		if model.Retired(u.Health, u.LifetimeSteps) {
			u.Mode = model.ModeRetired
		} else if u.Mode != model.ModeFault && model.Faulted(u.Health, s.cfg.FaultWear) {
			u.Mode = model.ModeFault
			u.Health.FaultCounter++
			s.contrib[MetricAgentFaults]++
		}
	}
}

// serveBacklog fulfills queued requests newest-first against current stock.
// Requests that outlive the backlog age cap are dropped and counted.
func (s *ManufacturingSector) serveBacklog(kc *stepContext) {
	avail := map[string]float64{}
	for r, v := range s.stocks {
		avail[r] = v
	}
	var keep []resourceRequest
	for i := len(s.backlog) - 1; i >= 0; i-- {
		r := s.backlog[i]
		if avail[r.Resource] >= r.Qty {
			avail[r.Resource] -= r.Qty
			kc.ledger.Transfer(SectorManufacturing, r.Requester, r.Resource, r.Qty)
			kc.bus.Publish(Event{
				Topic:     TopicResourceAllocated,
				Step:      kc.t,
				RequestID: r.RequestID,
				Requester: r.Requester,
				Resource:  r.Resource,
				Qty:       r.Qty,
			})
			continue
		}
		r.AgeSteps++
		if s.cfg.BacklogMaxAgeSteps > 0 && r.AgeSteps > s.cfg.BacklogMaxAgeSteps {
			s.contrib[MetricBacklogExpired]++
			continue
		}
		keep = append(keep, r)
	}
	// keep was built newest-first; restore queue order.
	for i, j := 0, len(keep)-1; i < j; i, j = i+1, j-1 {
		keep[i], keep[j] = keep[j], keep[i]
	}
	s.backlog = keep
}

func (s *ManufacturingSector) schedule(kc *stepContext, budget float64, throttled map[string]bool) {
	specs := s.taskSpecs()
	prio := map[string]float64{}
	avail := map[string]bool{}
	for _, task := range taskOrder {
		w := s.cfg.TaskWeights[task]
		if w <= 0 {
			continue
		}
		p := w
		if bt, ok := s.cfg.BufferTargets[taskOutput[task]]; ok && bt.Deficiency(s.stocks[taskOutput[task]]) <= 0 {
			p = 0
		}
		prio[string(task)] = p

		spec, known := specs[task]
		a := known && budget >= spec.PowerKWh && s.idleUnit(task, throttled) != nil
		for r, q := range spec.Inputs {
			if s.stocks[r] < q {
				a = false
			}
		}
		avail[string(task)] = a
	}

	winner, spend, ok := s.sched.Pick(prio, avail, s.cfg.DRRQuantum)
	if !ok {
		return
	}
	u := s.idleUnit(model.ISRUTask(winner), throttled)
	if u != nil && u.Assign(model.ISRUTask(winner)) {
		s.sched.Commit(winner, spend)
	}
}

func (s *ManufacturingSector) idleUnit(task model.ISRUTask, throttled map[string]bool) *model.ISRU {
	for _, u := range s.units {
		if u.Mode != model.ModeIdle || throttled[u.ID] {
			continue
		}
		if _, ok := u.Tasks[task]; ok {
			return u
		}
	}
	return nil
}

func (s *ManufacturingSector) TakeContributions() map[string]float64 {
	c := s.contrib
	s.contrib = map[string]float64{}
	return c
}

func (s *ManufacturingSector) ResetFaults() int {
	n := 0
	for _, u := range s.units {
		if u.Mode == model.ModeFault {
			u.Mode = model.ModeIdle
			u.Health.Wear = 0
			n++
		}
	}
	return n
}

type manufacturingState struct {
	Units    []model.ISRU       `json:"units"`
	Stocks   map[string]float64 `json:"stocks"`
	Backlog  []resourceRequest  `json:"backlog,omitempty"`
	Sched    *drrScheduler      `json:"sched"`
	Throttle float64            `json:"throttle"`
}

func (s *ManufacturingSector) snapshot() manufacturingState {
	st := manufacturingState{
		Stocks:   s.stocks,
		Backlog:  s.backlog,
		Sched:    s.sched,
		Throttle: s.throttle,
	}
	for _, u := range s.units {
		st.Units = append(st.Units, *u)
	}
	return st
}

func (s *ManufacturingSector) restore(st manufacturingState) {
	s.units = nil
	for i := range st.Units {
		u := st.Units[i]
		s.units = append(s.units, &u)
	}
	s.stocks = st.Stocks
	if s.stocks == nil {
		s.stocks = map[string]float64{}
	}
	s.backlog = st.Backlog
	if st.Sched != nil {
		s.sched = st.Sched
	}
	if s.sched.Banks == nil {
		s.sched.Banks = map[string]float64{}
	}
	s.throttle = st.Throttle
}
