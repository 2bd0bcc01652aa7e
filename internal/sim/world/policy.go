package world

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Effect records one mutation a policy performed.
type Effect struct {
	PolicyID string  `json:"policy_id"`
	Action   string  `json:"action"`
	Target   string  `json:"target,omitempty"`
	Value    float64 `json:"value,omitempty"`
	Detail   string  `json:"detail,omitempty"`
}

// Mutator is the narrowed world handle policies act through. Policies never
// touch stocks directly; they read EvaluationResult and mutate via these.
type Mutator struct {
	w *World
}

func (m *Mutator) SetThrottle(sectorID string, f float64) error {
	s, ok := m.w.byID[sectorID]
	if !ok {
		return fmt.Errorf("unknown sector %q", sectorID)
	}
	s.SetThrottle(f)
	return nil
}

func (m *Mutator) SetTargetRate(sectorID string, r float64) error {
	s, ok := m.w.byID[sectorID]
	if !ok {
		return fmt.Errorf("unknown sector %q", sectorID)
	}
	ts, ok := s.(*ScienceSector)
	if !ok {
		return fmt.Errorf("sector %q has no target rate", sectorID)
	}
	ts.SetTargetRate(r)
	return nil
}

// RequestBuild publishes a construction order on the bus.
func (m *Mutator) RequestBuild(module, equipment string, qty float64, requester string) {
	m.w.bus.Publish(Event{
		Topic:     TopicConstructionRequest,
		Step:      m.w.t,
		RequestID: fmt.Sprintf("pol-%s-%d", equipment, m.w.t),
		Requester: requester,
		Module:    module,
		Equipment: equipment,
		Qty:       qty,
	})
}

func (m *Mutator) Publish(ev Event) {
	ev.Step = m.w.t
	m.w.bus.Publish(ev)
}

// ResetFaults clears FAULT agents across all sectors; returns the count.
func (m *Mutator) ResetFaults() int {
	n := 0
	for _, s := range m.w.sectors {
		n += s.ResetFaults()
	}
	return n
}

// Policy is the uniform contract every policy satisfies.
type Policy interface {
	ID() string
	Name() string
	Enabled() bool
	SetEnabled(bool)
	Apply(m *Mutator, ev EvaluationResult) ([]Effect, error)
}

// GrowthTicker marks policies that act on month boundaries only.
type GrowthTicker interface {
	WantsGrowthTick() bool
}

// Configurable policies accept parameter updates from set_policy commands.
type Configurable interface {
	Configure(params json.RawMessage) error
}

// PolicyEngine applies enabled policies in insertion order. A failing policy
// is reported as an error effect; the others still run.
type PolicyEngine struct {
	order []string
	byID  map[string]Policy
}

func NewPolicyEngine() *PolicyEngine {
	return &PolicyEngine{byID: map[string]Policy{}}
}

func (e *PolicyEngine) Add(p Policy) {
	if _, ok := e.byID[p.ID()]; ok {
		e.byID[p.ID()] = p
		return
	}
	e.order = append(e.order, p.ID())
	e.byID[p.ID()] = p
}

func (e *PolicyEngine) Remove(id string) {
	if _, ok := e.byID[id]; !ok {
		return
	}
	delete(e.byID, id)
	for i, o := range e.order {
		if o == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

func (e *PolicyEngine) Get(id string) (Policy, bool) {
	p, ok := e.byID[id]
	return p, ok
}

func (e *PolicyEngine) List() []Policy {
	out := make([]Policy, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.byID[id])
	}
	return out
}

func (e *PolicyEngine) Apply(m *Mutator, ev EvaluationResult, monthTick bool) []Effect {
	var effects []Effect
	for _, id := range e.order {
		p := e.byID[id]
		if !p.Enabled() {
			continue
		}
		if gt, ok := p.(GrowthTicker); ok && gt.WantsGrowthTick() && !monthTick {
			continue
		}
		eff, err := p.Apply(m, ev)
		if err != nil {
			effects = append(effects, Effect{PolicyID: id, Action: "error", Detail: err.Error()})
			continue
		}
		effects = append(effects, eff...)
	}
	return effects
}

type policyState struct {
	Enabled map[string]bool            `json:"enabled"`
	State   map[string]json.RawMessage `json:"state,omitempty"`
}

// Stateful policies round-trip internal state through snapshots.
type Stateful interface {
	MarshalState() (json.RawMessage, error)
	UnmarshalState(json.RawMessage) error
}

func (e *PolicyEngine) snapshot() policyState {
	st := policyState{Enabled: map[string]bool{}, State: map[string]json.RawMessage{}}
	ids := append([]string(nil), e.order...)
	sort.Strings(ids)
	for _, id := range ids {
		p := e.byID[id]
		st.Enabled[id] = p.Enabled()
		if sp, ok := p.(Stateful); ok {
			if raw, err := sp.MarshalState(); err == nil {
				st.State[id] = raw
			}
		}
	}
	return st
}

func (e *PolicyEngine) restore(st policyState) {
	for id, on := range st.Enabled {
		if p, ok := e.byID[id]; ok {
			p.SetEnabled(on)
		}
	}
	for id, raw := range st.State {
		if p, ok := e.byID[id]; ok {
			if sp, ok := p.(Stateful); ok {
				_ = sp.UnmarshalState(raw)
			}
		}
	}
}
