package world

import (
	"sort"

	"proxima.base/internal/sim/world/model"
)

type EnergyConfig struct {
	Generators []model.PowerGenerator
	Storages   []model.PowerStorage
}

// EnergySector produces and allocates power. Allocation happens before the
// other sectors step; Step only books its metrics.
type EnergySector struct {
	gens   []*model.PowerGenerator
	stores []*model.PowerStorage

	stocks   map[string]float64
	throttle float64
	contrib  map[string]float64

	lastSupply    float64
	lastShortage  float64
	lastGenerated float64
}

func NewEnergySector(cfg EnergyConfig) *EnergySector {
	s := &EnergySector{
		stocks:  map[string]float64{},
		contrib: map[string]float64{},
	}
	for i := range cfg.Generators {
		g := cfg.Generators[i]
		s.gens = append(s.gens, &g)
	}
	for i := range cfg.Storages {
		st := cfg.Storages[i]
		s.stores = append(s.stores, &st)
	}
	sort.Slice(s.gens, func(i, j int) bool { return s.gens[i].ID < s.gens[j].ID })
	sort.Slice(s.stores, func(i, j int) bool { return s.stores[i].ID < s.stores[j].ID })
	return s
}

func (s *EnergySector) ID() string                  { return SectorEnergy }
func (s *EnergySector) PowerDemand() float64        { return 0 }
func (s *EnergySector) Stocks() map[string]float64  { return s.stocks }
func (s *EnergySector) SetThrottle(f float64)       { s.throttle = clampThrottle(f) }
func (s *EnergySector) Throttle() float64           { return s.throttle }
func (s *EnergySector) ResetFaults() int            { return 0 }

// Allocate runs the grid for one step: generate to need, cover shortfall
// from batteries, bank the surplus, and split scarce supply proportionally
// to priority-weighted demand.
func (s *EnergySector) Allocate(demands, priorities map[string]float64) map[string]float64 {
	ids := make([]string, 0, len(demands))
	total := 0.0
	for id, d := range demands {
		if d < 0 {
			d = 0
		}
		ids = append(ids, id)
		total += d
	}
	sort.Strings(ids)

	// Generation targets demand plus whatever the batteries can absorb.
	chargeRoom := 0.0
	for _, st := range s.stores {
		if st.ChargeEff > 0 {
			room := st.CapacityKWh*maxFrac(st.MaxLevelFrac) - st.LevelKWh
			if room > 0 {
				chargeRoom += room / st.ChargeEff
			}
		}
	}
	need := total + chargeRoom
	generated := 0.0
	for _, g := range s.gens {
		got := g.Generate(need - generated)
		generated += got
		g.Health.Tick(got > 0, 0)
	}

	supply := generated
	if supply < total {
		for _, st := range s.stores {
			supply += st.Discharge(total - supply)
			if supply >= total {
				break
			}
		}
	} else {
		surplus := supply - total
		for _, st := range s.stores {
			surplus -= st.Charge(surplus)
			if surplus <= 0 {
				break
			}
		}
	}

	alloc := make(map[string]float64, len(demands))
	if supply >= total {
		for _, id := range ids {
			alloc[id] = demands[id]
		}
		s.lastShortage = 0
	} else {
		// Waterfall: repeatedly split the remainder by priority-weighted
		// demand, capping at demand, until nothing moves.
		remaining := supply
		unmet := map[string]float64{}
		for _, id := range ids {
			unmet[id] = demands[id]
		}
		for round := 0; round < len(ids) && remaining > 1e-9; round++ {
			wsum := 0.0
			for _, id := range ids {
				if unmet[id] > 0 {
					wsum += prio(priorities, id) * unmet[id]
				}
			}
			if wsum <= 0 {
				break
			}
			moved := false
			for _, id := range ids {
				if unmet[id] <= 0 {
					continue
				}
				share := remaining * prio(priorities, id) * unmet[id] / wsum
				if share > unmet[id] {
					share = unmet[id]
				}
				if share > 0 {
					alloc[id] += share
					unmet[id] -= share
					moved = true
				}
			}
			granted := 0.0
			for _, v := range alloc {
				granted += v
			}
			remaining = supply - granted
			if !moved {
				break
			}
		}
		s.lastShortage = total - supply
	}

	s.lastSupply = supply
	s.lastGenerated = generated
	return alloc
}

func prio(p map[string]float64, id string) float64 {
	if v, ok := p[id]; ok && v > 0 {
		return v
	}
	return 1
}

func maxFrac(f float64) float64 {
	if f <= 0 || f > 1 {
		return 1
	}
	return f
}

func (s *EnergySector) Step(kc *stepContext, allocKWh float64) {
	soc := 0.0
	cap := 0.0
	for _, st := range s.stores {
		soc += st.LevelKWh
		cap += st.CapacityKWh
	}
	s.contrib[MetricPowerSupply] = s.lastSupply
	s.contrib[MetricPowerShortage] = s.lastShortage
	if cap > 0 {
		s.contrib[MetricBatterySoC] = soc / cap
	}
}

func (s *EnergySector) TakeContributions() map[string]float64 {
	c := s.contrib
	s.contrib = map[string]float64{}
	return c
}

type energyState struct {
	Generators []model.PowerGenerator `json:"generators"`
	Storages   []model.PowerStorage   `json:"storages"`
	Stocks     map[string]float64     `json:"stocks"`
	Throttle   float64                `json:"throttle"`
}

func (s *EnergySector) snapshot() energyState {
	st := energyState{Stocks: s.stocks, Throttle: s.throttle}
	for _, g := range s.gens {
		st.Generators = append(st.Generators, *g)
	}
	for _, b := range s.stores {
		st.Storages = append(st.Storages, *b)
	}
	return st
}

func (s *EnergySector) restore(st energyState) {
	s.gens = nil
	s.stores = nil
	for i := range st.Generators {
		g := st.Generators[i]
		s.gens = append(s.gens, &g)
	}
	for i := range st.Storages {
		b := st.Storages[i]
		s.stores = append(s.stores, &b)
	}
	s.stocks = st.Stocks
	if s.stocks == nil {
		s.stocks = map[string]float64{}
	}
	s.throttle = st.Throttle
}
