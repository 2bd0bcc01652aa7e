package world

import (
	"fmt"
	"sort"
)

type EquipmentConfig struct {
	InitialStocks      map[string]float64
	MinimumLevels      map[string]float64
	BacklogMaxAgeSteps int
}

type equipmentOrder struct {
	RequestID string  `json:"request_id"`
	Requester string  `json:"requester"`
	Equipment string  `json:"equipment"`
	Qty       float64 `json:"qty"`
	AgeSteps  int     `json:"age_steps"`
}

// EquipmentSector is a logistics hub: it holds equipment stock, serves
// equipment requests FIFO, and keeps Earth resupply orders in flight so the
// same shortage is never ordered twice.
type EquipmentSector struct {
	cfg EquipmentConfig

	stocks  map[string]float64
	pending map[string]float64 // ordered but not yet delivered
	arrived map[string]float64 // delivered this step, lands in stocks at commit
	backlog []equipmentOrder   // fulfilled FIFO

	throttle float64
	contrib  map[string]float64
}

func NewEquipmentSector(cfg EquipmentConfig) *EquipmentSector {
	s := &EquipmentSector{
		cfg:     cfg,
		stocks:  map[string]float64{},
		pending: map[string]float64{},
		arrived: map[string]float64{},
		contrib: map[string]float64{},
	}
	for k, v := range cfg.InitialStocks {
		s.stocks[k] = v
	}
	return s
}

func (s *EquipmentSector) ID() string                 { return SectorEquipment }
func (s *EquipmentSector) PowerDemand() float64       { return 0 }
func (s *EquipmentSector) Stocks() map[string]float64 { return s.stocks }
func (s *EquipmentSector) SetThrottle(f float64)      { s.throttle = clampThrottle(f) }
func (s *EquipmentSector) Throttle() float64          { return s.throttle }
func (s *EquipmentSector) ResetFaults() int           { return 0 }

// OnPayloadDelivered books a lunar delivery into physical stock and clears
// the matching in-flight quantity. The ledger credit does not reach stocks
// until commit, so the quantity is also tracked as arrived for this step's
// resupply check.
func (s *EquipmentSector) OnPayloadDelivered(l *Ledger, ev Event) error {
	if ev.Destination != BodyMoon {
		return nil
	}
	for eq, qty := range ev.Payload {
		if qty <= 0 {
			continue
		}
		l.Produce(SectorEquipment, eq, qty)
		s.arrived[eq] += qty
		p := s.pending[eq] - qty
		if p < 0 {
			p = 0
		}
		s.pending[eq] = p
	}
	return nil
}

func (s *EquipmentSector) OnEquipmentRequest(ev Event) error {
	if ev.Equipment == "" || ev.Qty <= 0 {
		return fmt.Errorf("malformed equipment_request %q qty=%v", ev.Equipment, ev.Qty)
	}
	s.backlog = append(s.backlog, equipmentOrder{
		RequestID: ev.RequestID,
		Requester: ev.Requester,
		Equipment: ev.Equipment,
		Qty:       ev.Qty,
	})
	return nil
}

func (s *EquipmentSector) Step(kc *stepContext, allocKWh float64) {
	s.fulfillBacklog(kc)
	s.resupply(kc)
	// Commit moves the arrived credits into stocks after this step.
	s.arrived = map[string]float64{}
}

func (s *EquipmentSector) fulfillBacklog(kc *stepContext) {
	avail := map[string]float64{}
	for k, v := range s.stocks {
		avail[k] = v
	}
	var keep []equipmentOrder
	for _, o := range s.backlog {
		if avail[o.Equipment] >= o.Qty {
			avail[o.Equipment] -= o.Qty
			kc.ledger.Transfer(SectorEquipment, o.Requester, o.Equipment, o.Qty)
			kc.bus.Publish(Event{
				Topic:     TopicEquipmentAllocated,
				Step:      kc.t,
				RequestID: o.RequestID,
				Requester: o.Requester,
				Equipment: o.Equipment,
				Qty:       o.Qty,
			})
			continue
		}
		o.AgeSteps++
		if s.cfg.BacklogMaxAgeSteps > 0 && o.AgeSteps > s.cfg.BacklogMaxAgeSteps {
			s.contrib[MetricBacklogExpired]++
			continue
		}
		keep = append(keep, o)
	}
	s.backlog = keep
}

// resupply orders from Earth whenever effective stock (physical, in-flight,
// and this step's uncommitted deliveries) drops under the configured minimum.
// Bumping pending in the same step is what makes the trigger idempotent.
func (s *EquipmentSector) resupply(kc *stepContext) {
	types := make([]string, 0, len(s.cfg.MinimumLevels))
	for eq := range s.cfg.MinimumLevels {
		types = append(types, eq)
	}
	sort.Strings(types)
	for _, eq := range types {
		min := s.cfg.MinimumLevels[eq]
		effective := s.stocks[eq] + s.pending[eq] + s.arrived[eq]
		if effective >= min {
			continue
		}
		qty := min - effective
		kc.bus.Publish(Event{
			Topic:       TopicTransportRequest,
			Step:        kc.t,
			RequestID:   fmt.Sprintf("eq-%s-%d", eq, kc.t),
			Requester:   SectorEquipment,
			Origin:      BodyEarth,
			Destination: BodyMoon,
			Payload:     map[string]float64{eq: qty},
		})
		s.pending[eq] += qty
	}
}

func (s *EquipmentSector) PendingOrders(eq string) float64 { return s.pending[eq] }

func (s *EquipmentSector) TakeContributions() map[string]float64 {
	c := s.contrib
	s.contrib = map[string]float64{}
	return c
}

type equipmentState struct {
	Stocks   map[string]float64 `json:"stocks"`
	Pending  map[string]float64 `json:"pending"`
	Backlog  []equipmentOrder   `json:"backlog,omitempty"`
	Throttle float64            `json:"throttle"`
}

func (s *EquipmentSector) snapshot() equipmentState {
	return equipmentState{Stocks: s.stocks, Pending: s.pending, Backlog: s.backlog, Throttle: s.throttle}
}

func (s *EquipmentSector) restore(st equipmentState) {
	s.stocks = st.Stocks
	if s.stocks == nil {
		s.stocks = map[string]float64{}
	}
	s.pending = st.Pending
	if s.pending == nil {
		s.pending = map[string]float64{}
	}
	s.arrived = map[string]float64{}
	s.backlog = st.Backlog
	s.throttle = st.Throttle
}
