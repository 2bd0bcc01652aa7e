package world

import (
	"fmt"
	"sort"

	"proxima.base/internal/sim/world/model"
)

type ScienceConfig struct {
	Rovers           []model.ScienceRover
	BaselinePowerKWh float64
	// RoverEquipment is the module/equipment id whose completion grows the
	// fleet.
	RoverEquipment string
	RoverTemplate  model.ScienceRover
	FaultWear      float64
}

// ScienceSector runs the rover fleet: rovers operate off battery and charge
// from the grid, and the fleet grows when new rover modules are completed.
type ScienceSector struct {
	cfg    ScienceConfig
	rovers []*model.ScienceRover

	stocks     map[string]float64
	throttle   float64
	targetRate float64
	roverSeq   uint64

	cumScience float64
	contrib    map[string]float64
}

func NewScienceSector(cfg ScienceConfig) *ScienceSector {
	s := &ScienceSector{
		cfg:     cfg,
		stocks:  map[string]float64{},
		contrib: map[string]float64{},
	}
	for i := range cfg.Rovers {
		r := cfg.Rovers[i]
		if r.Mode == "" {
			r.Mode = model.ModeIdle
		}
		s.rovers = append(s.rovers, &r)
	}
	s.roverSeq = uint64(len(s.rovers))
	sort.Slice(s.rovers, func(i, j int) bool { return s.rovers[i].ID < s.rovers[j].ID })
	return s
}

func (s *ScienceSector) ID() string                 { return SectorScience }
func (s *ScienceSector) Stocks() map[string]float64 { return s.stocks }
func (s *ScienceSector) SetThrottle(f float64)      { s.throttle = clampThrottle(f) }
func (s *ScienceSector) Throttle() float64          { return s.throttle }

// SetTargetRate caps per-step science output; zero means uncapped.
func (s *ScienceSector) SetTargetRate(r float64) {
	if r < 0 {
		r = 0
	}
	s.targetRate = r
}

func (s *ScienceSector) TargetRate() float64 { return s.targetRate }

func (s *ScienceSector) PowerDemand() float64 {
	d := s.cfg.BaselinePowerKWh
	for _, r := range s.rovers {
		if r.Mode == model.ModeRetired || r.Mode == model.ModeFault {
			continue
		}
		d += r.ChargeDemand()
	}
	return d
}

// OnModuleCompleted grows the fleet when a rover module arrives.
func (s *ScienceSector) OnModuleCompleted(ev Event) error {
	if s.cfg.RoverEquipment == "" {
		return nil
	}
	if ev.Equipment != s.cfg.RoverEquipment && ev.Module != s.cfg.RoverEquipment {
		return nil
	}
	n := int(ev.Qty)
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		s.roverSeq++
		r := s.cfg.RoverTemplate
		r.ID = fmt.Sprintf("rover-%03d", s.roverSeq)
		r.Mode = model.ModeIdle
		s.rovers = append(s.rovers, &r)
	}
	sort.Slice(s.rovers, func(i, j int) bool { return s.rovers[i].ID < s.rovers[j].ID })
	return nil
}

func (s *ScienceSector) Step(kc *stepContext, allocKWh float64) {
	budget := allocKWh - s.cfg.BaselinePowerKWh
	if budget < 0 {
		budget = 0
	}

	stepScience := 0.0
	active := 0
	for _, r := range s.rovers {
		if r.Mode == model.ModeRetired {
			continue
		}
		if r.Mode == model.ModeFault {
			r.Health.Tick(false, 0)
			continue
		}
		if s.throttle > 0 && kc.rng.Float64() < s.throttle {
			r.Mode = model.ModeThrottled
			r.Health.Tick(false, 0)
			s.finishLifecycle(r)
			continue
		}
		worked := false
		if r.NeedsCharge() {
			want := r.ChargeDemand()
			if want > budget {
				want = budget
			}
			budget -= r.Charge(want)
			r.Mode = model.ModeIdle
		} else if s.targetRate <= 0 || stepScience < s.targetRate {
			stepScience += r.Operate()
			r.Mode = model.ModeActive
			worked = true
			active++
		} else {
			r.Mode = model.ModeIdle
		}
		r.Health.Tick(worked, r.WearPerStep)
		s.finishLifecycle(r)
	}

	s.cumScience += stepScience
	s.contrib[MetricScienceRate] = stepScience
	s.contrib[MetricRoversActive] = float64(s.activeFleet())
	s.contrib["science_cumulative"] = s.cumScience
}

func (s *ScienceSector) finishLifecycle(r *model.ScienceRover) {
	if model.Retired(r.Health, r.LifetimeSteps) {
		r.Mode = model.ModeRetired
	} else if r.Mode != model.ModeFault && model.Faulted(r.Health, s.cfg.FaultWear) {
		r.Mode = model.ModeFault
		r.Health.FaultCounter++
		s.contrib[MetricAgentFaults]++
	}
}

// activeFleet counts rovers still in service.
func (s *ScienceSector) activeFleet() int {
	n := 0
	for _, r := range s.rovers {
		if r.Mode != model.ModeRetired && r.Mode != model.ModeFault {
			n++
		}
	}
	return n
}

func (s *ScienceSector) FleetSize() int { return s.activeFleet() }

func (s *ScienceSector) TakeContributions() map[string]float64 {
	c := s.contrib
	s.contrib = map[string]float64{}
	return c
}

func (s *ScienceSector) ResetFaults() int {
	n := 0
	for _, r := range s.rovers {
		if r.Mode == model.ModeFault {
			r.Mode = model.ModeIdle
			r.Health.Wear = 0
			n++
		}
	}
	return n
}

type scienceState struct {
	Rovers     []model.ScienceRover `json:"rovers"`
	Stocks     map[string]float64   `json:"stocks"`
	Throttle   float64              `json:"throttle"`
	TargetRate float64              `json:"target_rate"`
	RoverSeq   uint64               `json:"rover_seq"`
	CumScience float64              `json:"cum_science"`
}

func (s *ScienceSector) snapshot() scienceState {
	st := scienceState{
		Stocks:     s.stocks,
		Throttle:   s.throttle,
		TargetRate: s.targetRate,
		RoverSeq:   s.roverSeq,
		CumScience: s.cumScience,
	}
	for _, r := range s.rovers {
		st.Rovers = append(st.Rovers, *r)
	}
	return st
}

func (s *ScienceSector) restore(st scienceState) {
	s.rovers = nil
	for i := range st.Rovers {
		r := st.Rovers[i]
		s.rovers = append(s.rovers, &r)
	}
	s.stocks = st.Stocks
	if s.stocks == nil {
		s.stocks = map[string]float64{}
	}
	s.throttle = st.Throttle
	s.targetRate = st.TargetRate
	s.roverSeq = st.RoverSeq
	s.cumScience = st.CumScience
}
