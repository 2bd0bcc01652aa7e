package world

import (
	"fmt"
	"sort"

	"proxima.base/internal/sim/world/model"
)

type RequestStatus string

const (
	StatusQueued     RequestStatus = "QUEUED"
	StatusInProgress RequestStatus = "IN_PROGRESS"
	StatusCompleted  RequestStatus = "COMPLETED"
	StatusFailed     RequestStatus = "FAILED"
)

type ConstructionRequest struct {
	ID            string        `json:"id"`
	Module        string        `json:"module"`
	Equipment     string        `json:"equipment"`
	Requester     string        `json:"requester"`
	Status        RequestStatus `json:"status"`
	ShellsNeeded  int           `json:"shells_needed"`
	EquipmentQty  float64       `json:"equipment_qty"`
	EquipmentAsked bool         `json:"equipment_asked"`
	AssignedRobot string        `json:"assigned_robot,omitempty"`
	AgeSteps      int           `json:"age_steps"`
}

type ConstructionConfig struct {
	Printers   []model.PrintingRobot
	Assemblers []model.AssemblyRobot

	InitialStocks         map[string]float64
	ShellStorageCapacity  int
	MaxConcurrentProjects int
	RegolithBuffer        BufferTarget
	BacklogMaxAgeSteps    int
	FaultWear             float64
}

// ConstructionSector prints shells to stock and assembles modules to order.
type ConstructionSector struct {
	cfg        ConstructionConfig
	printers   []*model.PrintingRobot
	assemblers []*model.AssemblyRobot

	stocks    map[string]float64
	queue     []*ConstructionRequest
	reqSeq    uint64
	regolithAsked bool

	throttle float64
	contrib  map[string]float64
}

func NewConstructionSector(cfg ConstructionConfig) *ConstructionSector {
	s := &ConstructionSector{
		cfg:     cfg,
		stocks:  map[string]float64{},
		contrib: map[string]float64{},
	}
	for k, v := range cfg.InitialStocks {
		s.stocks[k] = v
	}
	for i := range cfg.Printers {
		p := cfg.Printers[i]
		s.printers = append(s.printers, &p)
	}
	for i := range cfg.Assemblers {
		a := cfg.Assemblers[i]
		s.assemblers = append(s.assemblers, &a)
	}
	sort.Slice(s.printers, func(i, j int) bool { return s.printers[i].ID < s.printers[j].ID })
	sort.Slice(s.assemblers, func(i, j int) bool { return s.assemblers[i].ID < s.assemblers[j].ID })
	return s
}

func (s *ConstructionSector) ID() string                 { return SectorConstruction }
func (s *ConstructionSector) Stocks() map[string]float64 { return s.stocks }
func (s *ConstructionSector) SetThrottle(f float64)      { s.throttle = clampThrottle(f) }
func (s *ConstructionSector) Throttle() float64          { return s.throttle }

func (s *ConstructionSector) PowerDemand() float64 {
	d := 0.0
	for _, p := range s.printers {
		if p.Mode == model.ModeActive {
			d += p.PowerKWh
		} else if p.Mode == model.ModeIdle {
			d += p.PowerKWh // may start this step
		}
	}
	for _, a := range s.assemblers {
		if a.Mode == model.ModeActive || a.Mode == model.ModeIdle {
			d += a.PowerKWh
		}
	}
	return d
}

// OnConstructionRequest expands an incoming order into per-module projects.
func (s *ConstructionSector) OnConstructionRequest(ev Event) error {
	if ev.Module == "" && ev.Equipment == "" {
		return fmt.Errorf("construction_request without module")
	}
	n := int(ev.Qty)
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		s.reqSeq++
		s.queue = append(s.queue, &ConstructionRequest{
			ID:           fmt.Sprintf("cr-%d-%d", ev.Step, s.reqSeq),
			Module:       ev.Module,
			Equipment:    ev.Equipment,
			Requester:    ev.Requester,
			Status:       StatusQueued,
			ShellsNeeded: 1,
			EquipmentQty: 1,
		})
	}
	return nil
}

func (s *ConstructionSector) Step(kc *stepContext, allocKWh float64) {
	budget := allocKWh

	s.startPrints(kc)
	s.advanceQueue(kc)

	for _, p := range s.printers {
		if p.Mode == model.ModeRetired || p.Mode == model.ModeFault {
			p.Health.Tick(false, 0)
			continue
		}
		active := false
		if p.Mode == model.ModeActive && budget >= p.PowerKWh {
			budget -= p.PowerKWh
			active = true
			if done, regolith := p.Step(); done {
				kc.ledger.Consume(SectorConstruction, ResRegolith, regolith)
				kc.ledger.Produce(SectorConstruction, ResShells, 1)
				kc.bus.Publish(Event{Topic: TopicShellProduced, Step: kc.t, Qty: 1})
				s.contrib["shells_produced"]++
			}
		}
		p.Health.Tick(active, p.WearPerStep)
		s.lifecycle(&p.Mode, &p.Health, p.LifetimeSteps)
	}

	for _, a := range s.assemblers {
		if a.Mode == model.ModeRetired || a.Mode == model.ModeFault {
			a.Health.Tick(false, 0)
			continue
		}
		active := false
		if a.Mode == model.ModeActive && budget >= a.PowerKWh {
			budget -= a.PowerKWh
			active = true
			if module := a.Step(); module != "" {
				s.completeProject(kc, a.ID, module)
			}
		}
		a.Health.Tick(active, a.WearPerStep)
		s.lifecycle(&a.Mode, &a.Health, a.LifetimeSteps)
	}

	s.expireQueue()
}

func (s *ConstructionSector) lifecycle(mode *model.Mode, h *model.Health, lifetime uint64) {
	if model.Retired(*h, lifetime) {
		*mode = model.ModeRetired
	} else if *mode != model.ModeFault && model.Faulted(*h, s.cfg.FaultWear) {
		*mode = model.ModeFault
		h.FaultCounter++
		s.contrib[MetricAgentFaults]++
	}
}

// startPrints keeps the shell buffer topped up and the regolith feed ordered.
func (s *ConstructionSector) startPrints(kc *stepContext) {
	printing := 0
	for _, p := range s.printers {
		if p.Mode == model.ModeActive {
			printing++
		}
	}
	regolithNeeded := 0.0
	for _, p := range s.printers {
		if p.Mode != model.ModeIdle {
			continue
		}
		if int(s.stocks[ResShells])+printing >= s.cfg.ShellStorageCapacity {
			break
		}
		if s.stocks[ResRegolith] < p.RegolithPerRunKg*float64(printing+1) {
			regolithNeeded += p.RegolithPerRunKg
			continue
		}
		if p.StartPrint() {
			printing++
		}
	}

	// One regolith order per dry spell.
	def := s.cfg.RegolithBuffer.Deficiency(s.stocks[ResRegolith])
	if def > 0 || regolithNeeded > 0 {
		if !s.regolithAsked {
			qty := def + regolithNeeded
			if qty <= 0 {
				qty = regolithNeeded
			}
			kc.bus.Publish(Event{
				Topic:     TopicResourceRequest,
				Step:      kc.t,
				RequestID: fmt.Sprintf("con-reg-%d", kc.t),
				Requester: SectorConstruction,
				Resource:  ResRegolith,
				Qty:       qty,
			})
			s.regolithAsked = true
		}
	} else {
		s.regolithAsked = false
	}
}

// OnResourceAllocated clears the pending regolith order marker.
func (s *ConstructionSector) OnResourceAllocated(ev Event) error {
	if ev.Requester == SectorConstruction && ev.Resource == ResRegolith {
		s.regolithAsked = false
	}
	return nil
}

// advanceQueue starts QUEUED projects that have shells, equipment and an
// idle assembly robot. Missing equipment is requested exactly once per
// project.
func (s *ConstructionSector) advanceQueue(kc *stepContext) {
	inProgress := 0
	for _, r := range s.queue {
		if r.Status == StatusInProgress {
			inProgress++
		}
	}
	shellsFree := s.stocks[ResShells]
	equipFree := map[string]float64{}

	for _, r := range s.queue {
		if r.Status != StatusQueued {
			continue
		}
		if s.cfg.MaxConcurrentProjects > 0 && inProgress >= s.cfg.MaxConcurrentProjects {
			break
		}
		if _, seen := equipFree[r.Equipment]; !seen {
			equipFree[r.Equipment] = s.stocks[r.Equipment]
		}
		haveShells := shellsFree >= float64(r.ShellsNeeded)
		haveEquip := r.Equipment == "" || equipFree[r.Equipment] >= r.EquipmentQty
		if !haveEquip {
			if !r.EquipmentAsked {
				kc.bus.Publish(Event{
					Topic:     TopicEquipmentRequest,
					Step:      kc.t,
					RequestID: r.ID,
					Requester: SectorConstruction,
					Equipment: r.Equipment,
					Qty:       r.EquipmentQty,
				})
				r.EquipmentAsked = true
			}
			continue
		}
		if !haveShells {
			continue
		}
		robot := s.idleAssembler()
		if robot == nil {
			continue
		}
		if !robot.StartAssembly(r.Module) {
			continue
		}
		// Inputs are consumed at start; a project that started owns them.
		kc.ledger.Consume(SectorConstruction, ResShells, float64(r.ShellsNeeded))
		if r.Equipment != "" {
			kc.ledger.Consume(SectorConstruction, r.Equipment, r.EquipmentQty)
			equipFree[r.Equipment] -= r.EquipmentQty
		}
		shellsFree -= float64(r.ShellsNeeded)
		r.Status = StatusInProgress
		r.AssignedRobot = robot.ID
		inProgress++
	}
}

func (s *ConstructionSector) idleAssembler() *model.AssemblyRobot {
	for _, a := range s.assemblers {
		if a.Mode == model.ModeIdle {
			return a
		}
	}
	return nil
}

func (s *ConstructionSector) completeProject(kc *stepContext, robotID, module string) {
	var keep []*ConstructionRequest
	completed := false
	for _, r := range s.queue {
		if !completed && r.Status == StatusInProgress && r.AssignedRobot == robotID {
			completed = true
			kc.bus.Publish(Event{
				Topic:     TopicModuleCompleted,
				Step:      kc.t,
				RequestID: r.ID,
				Requester: r.Requester,
				Module:    r.Module,
				Equipment: r.Equipment,
				Qty:       1,
			})
			s.contrib["modules_completed"]++
			continue
		}
		keep = append(keep, r)
	}
	s.queue = keep
	if !completed {
		// Robot finished with no tracked project; still announce the module.
		kc.bus.Publish(Event{Topic: TopicModuleCompleted, Step: kc.t, Module: module, Qty: 1})
	}
}

func (s *ConstructionSector) expireQueue() {
	if s.cfg.BacklogMaxAgeSteps <= 0 {
		return
	}
	var keep []*ConstructionRequest
	for _, r := range s.queue {
		if r.Status == StatusQueued {
			r.AgeSteps++
			if r.AgeSteps > s.cfg.BacklogMaxAgeSteps {
				r.Status = StatusFailed
				s.contrib[MetricBacklogExpired]++
				continue
			}
		}
		keep = append(keep, r)
	}
	s.queue = keep
}

func (s *ConstructionSector) TakeContributions() map[string]float64 {
	c := s.contrib
	s.contrib = map[string]float64{}
	return c
}

func (s *ConstructionSector) ResetFaults() int {
	n := 0
	for _, p := range s.printers {
		if p.Mode == model.ModeFault {
			p.Mode = model.ModeIdle
			p.Health.Wear = 0
			n++
		}
	}
	for _, a := range s.assemblers {
		if a.Mode == model.ModeFault {
			a.Mode = model.ModeIdle
			a.Health.Wear = 0
			n++
		}
	}
	return n
}

type constructionState struct {
	Printers      []model.PrintingRobot  `json:"printers"`
	Assemblers    []model.AssemblyRobot  `json:"assemblers"`
	Stocks        map[string]float64     `json:"stocks"`
	Queue         []*ConstructionRequest `json:"queue,omitempty"`
	ReqSeq        uint64                 `json:"req_seq"`
	RegolithAsked bool                   `json:"regolith_asked"`
	Throttle      float64                `json:"throttle"`
}

func (s *ConstructionSector) snapshot() constructionState {
	st := constructionState{
		Stocks:        s.stocks,
		Queue:         s.queue,
		ReqSeq:        s.reqSeq,
		RegolithAsked: s.regolithAsked,
		Throttle:      s.throttle,
	}
	for _, p := range s.printers {
		st.Printers = append(st.Printers, *p)
	}
	for _, a := range s.assemblers {
		st.Assemblers = append(st.Assemblers, *a)
	}
	return st
}

func (s *ConstructionSector) restore(st constructionState) {
	s.printers = nil
	s.assemblers = nil
	for i := range st.Printers {
		p := st.Printers[i]
		s.printers = append(s.printers, &p)
	}
	for i := range st.Assemblers {
		a := st.Assemblers[i]
		s.assemblers = append(s.assemblers, &a)
	}
	s.stocks = st.Stocks
	if s.stocks == nil {
		s.stocks = map[string]float64{}
	}
	s.queue = st.Queue
	s.reqSeq = st.ReqSeq
	s.regolithAsked = st.RegolithAsked
	s.throttle = st.Throttle
}
