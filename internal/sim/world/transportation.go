package world

import (
	"fmt"
	"sort"

	"proxima.base/internal/sim/world/model"
)

type TransportationConfig struct {
	Rockets        []model.Rocket
	FuelGenerators []model.FuelGenerator

	InitialStocks map[string]float64
	// PayloadMassKg maps a resource id to the mass of one unit. Unlisted
	// resources count 1 kg per unit.
	PayloadMassKg map[string]float64

	He3MinKg        float64
	He3RequestKg    float64
	RocketFuelMinKg float64
	DustPerLaunch   float64
	FaultWear       float64
}

// TransportationSector runs the fuel pipeline and the rocket fleet.
type TransportationSector struct {
	cfg      TransportationConfig
	rockets  []*model.Rocket
	fuelgens []*model.FuelGenerator

	stocks     map[string]float64
	queue      []Event // transport requests, processed LIFO
	he3Pending bool

	throttle float64
	contrib  map[string]float64
}

func NewTransportationSector(cfg TransportationConfig) *TransportationSector {
	s := &TransportationSector{
		cfg:     cfg,
		stocks:  map[string]float64{},
		contrib: map[string]float64{},
	}
	for k, v := range cfg.InitialStocks {
		s.stocks[k] = v
	}
	for i := range cfg.Rockets {
		r := cfg.Rockets[i]
		if r.Phase == "" {
			r.Phase = model.PhaseIdle
		}
		s.rockets = append(s.rockets, &r)
	}
	for i := range cfg.FuelGenerators {
		g := cfg.FuelGenerators[i]
		s.fuelgens = append(s.fuelgens, &g)
	}
	sort.Slice(s.rockets, func(i, j int) bool { return s.rockets[i].ID < s.rockets[j].ID })
	sort.Slice(s.fuelgens, func(i, j int) bool { return s.fuelgens[i].ID < s.fuelgens[j].ID })
	return s
}

func (s *TransportationSector) ID() string                 { return SectorTransportation }
func (s *TransportationSector) Stocks() map[string]float64 { return s.stocks }
func (s *TransportationSector) SetThrottle(f float64)      { s.throttle = clampThrottle(f) }
func (s *TransportationSector) Throttle() float64          { return s.throttle }

func (s *TransportationSector) PowerDemand() float64 {
	d := 0.0
	for _, g := range s.fuelgens {
		d += g.PowerKWh
	}
	return d
}

func (s *TransportationSector) OnTransportRequest(ev Event) error {
	if len(ev.Payload) == 0 {
		return fmt.Errorf("transport_request without payload")
	}
	s.queue = append(s.queue, ev)
	return nil
}

// OnResourceAllocated clears the pending He3 order marker; the stock itself
// arrives via the ledger.
func (s *TransportationSector) OnResourceAllocated(ev Event) error {
	if ev.Requester == SectorTransportation && ev.Resource == ResHe3 {
		s.he3Pending = false
	}
	return nil
}

func (s *TransportationSector) Step(kc *stepContext, allocKWh float64) {
	budget := allocKWh

	s.fuelPipeline(kc, &budget)
	s.processQueue(kc)
	s.stepRockets(kc)

	s.contrib["fuel_level_kg"] = s.stocks[ResFuel]
}

// fuelPipeline keeps He3 on order while reserves are low and converts what
// is on hand into propellant.
func (s *TransportationSector) fuelPipeline(kc *stepContext, budget *float64) {
	lowHe3 := s.stocks[ResHe3] < s.cfg.He3MinKg
	lowFuel := s.stocks[ResFuel] < s.cfg.RocketFuelMinKg
	if (lowHe3 || lowFuel) && !s.he3Pending {
		qty := s.cfg.He3RequestKg
		if qty <= 0 {
			qty = s.cfg.He3MinKg
		}
		if qty > 0 {
			kc.bus.Publish(Event{
				Topic:     TopicResourceRequest,
				Step:      kc.t,
				RequestID: fmt.Sprintf("trn-he3-%d", kc.t),
				Requester: SectorTransportation,
				Resource:  ResHe3,
				Qty:       qty,
			})
			s.he3Pending = true
		}
	}

	he3Avail := s.stocks[ResHe3]
	for _, g := range s.fuelgens {
		active := false
		if he3Avail > 0 && *budget >= g.PowerKWh {
			used, prop := g.Convert(he3Avail)
			if used > 0 {
				*budget -= g.PowerKWh
				active = true
				he3Avail -= used
				kc.ledger.Consume(SectorTransportation, ResHe3, used)
				kc.ledger.Produce(SectorTransportation, ResFuel, prop)
				s.contrib["fuel_produced_kg"] += prop
			}
		}
		g.Health.Tick(active, 0)
	}
}

// processQueue launches what fuel allows, newest request first. A request
// that cannot be fueled or crewed stays queued.
func (s *TransportationSector) processQueue(kc *stepContext) {
	fuelFree := s.stocks[ResFuel]
	for i := len(s.queue) - 1; i >= 0; i-- {
		req := s.queue[i]
		rocket := s.idleRocket()
		if rocket == nil {
			break
		}
		outMass := s.payloadMass(req.Payload)
		prop := rocket.PropNeeded(outMass, 0)
		if rocket.CapacityKg > 0 && outMass > rocket.CapacityKg {
			// Oversized request; drop it rather than wedge the queue.
			kc.fail(fmt.Sprintf("transport request %s exceeds rocket capacity (%.0f kg)", req.RequestID, outMass))
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			continue
		}
		if fuelFree < prop {
			continue
		}
		dest := req.Destination
		if dest == "" {
			dest = BodyMoon
		}
		home := req.Origin
		if home == "" {
			home = BodyEarth
		}
		if !rocket.CommitRoundTrip(req.Payload, nil, dest, home, req.RequestID) {
			continue
		}
		fuelFree -= prop
		kc.ledger.Consume(SectorTransportation, ResFuel, prop)
		s.queue = append(s.queue[:i], s.queue[i+1:]...)
		s.contrib[MetricLaunches]++
		if s.cfg.DustPerLaunch > 0 {
			s.contrib[MetricDustCoverage] += s.cfg.DustPerLaunch
		}
	}
}

func (s *TransportationSector) stepRockets(kc *stepContext) {
	for _, r := range s.rockets {
		if r.Phase == model.PhaseIdle {
			r.Health.Tick(false, 0)
			continue
		}
		arr := r.Step()
		r.Health.Tick(true, 0)
		if arr == nil {
			continue
		}
		kc.bus.Publish(Event{
			Topic:       TopicPayloadDelivered,
			Step:        kc.t,
			RequestID:   arr.RequestID,
			Destination: arr.Location,
			Payload:     arr.Payload,
		})
	}
}

func (s *TransportationSector) idleRocket() *model.Rocket {
	for _, r := range s.rockets {
		if r.Phase == model.PhaseIdle {
			return r
		}
	}
	return nil
}

func (s *TransportationSector) payloadMass(p map[string]float64) float64 {
	m := 0.0
	for res, qty := range p {
		unit := 1.0
		if u, ok := s.cfg.PayloadMassKg[res]; ok && u > 0 {
			unit = u
		}
		m += qty * unit
	}
	return m
}

func (s *TransportationSector) TakeContributions() map[string]float64 {
	c := s.contrib
	s.contrib = map[string]float64{}
	return c
}

func (s *TransportationSector) ResetFaults() int { return 0 }

type transportationState struct {
	Rockets    []model.Rocket        `json:"rockets"`
	FuelGens   []model.FuelGenerator `json:"fuel_generators"`
	Stocks     map[string]float64    `json:"stocks"`
	Queue      []Event               `json:"queue,omitempty"`
	He3Pending bool                  `json:"he3_pending"`
	Throttle   float64               `json:"throttle"`
}

func (s *TransportationSector) snapshot() transportationState {
	st := transportationState{
		Stocks:     s.stocks,
		Queue:      s.queue,
		He3Pending: s.he3Pending,
		Throttle:   s.throttle,
	}
	for _, r := range s.rockets {
		st.Rockets = append(st.Rockets, *r)
	}
	for _, g := range s.fuelgens {
		st.FuelGens = append(st.FuelGens, *g)
	}
	return st
}

func (s *TransportationSector) restore(st transportationState) {
	s.rockets = nil
	s.fuelgens = nil
	for i := range st.Rockets {
		r := st.Rockets[i]
		s.rockets = append(s.rockets, &r)
	}
	for i := range st.FuelGens {
		g := st.FuelGens[i]
		s.fuelgens = append(s.fuelgens, &g)
	}
	s.stocks = st.Stocks
	if s.stocks == nil {
		s.stocks = map[string]float64{}
	}
	s.queue = st.Queue
	s.he3Pending = st.He3Pending
	s.throttle = st.Throttle
}
