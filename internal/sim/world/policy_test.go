package world

import (
	"math"
	"testing"
)

func TestDustThrottleRamp(t *testing.T) {
	p := NewDustThrottlePolicy(1.0)

	cases := []struct {
		dust float64
		want float64
	}{
		{0.0, 0},
		{0.7, 0},   // edge of the safe band
		{0.85, 0.4},
		{1.0, 0.8},  // at target: full throttle
		{1.5, 0.8},  // beyond target: clamped
		{0.6, 0},    // back in the safe band: released
	}
	for _, c := range cases {
		got := p.Throttle(c.dust)
		if math.Abs(got-c.want) > 1e-12 {
			t.Fatalf("dust %.2f: want throttle %.2f, got %v", c.dust, c.want, got)
		}
	}
}

func TestDustThrottleApplySetsSectors(t *testing.T) {
	w := &World{bus: NewBus(), byID: map[string]sector{}}
	sci := NewScienceSector(ScienceConfig{})
	mfg := NewManufacturingSector(ManufacturingConfig{})
	w.byID[SectorScience] = sci
	w.byID[SectorManufacturing] = mfg
	m := &Mutator{w: w}

	p := NewDustThrottlePolicy(1.0)
	ev := EvaluationResult{Metrics: map[string]float64{MetricDustCoverage: 0.85}}

	effects, err := p.Apply(m, ev)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(effects) != 2 {
		t.Fatalf("want 2 set_throttle effects, got %v", effects)
	}
	if sci.Throttle() != 0.4 || mfg.Throttle() != 0.4 {
		t.Fatalf("throttles: science=%v manufacturing=%v, want 0.4", sci.Throttle(), mfg.Throttle())
	}

	// Reapplying with the same reading is idempotent.
	if _, err := p.Apply(m, ev); err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if sci.Throttle() != 0.4 {
		t.Fatalf("reapply changed throttle: %v", sci.Throttle())
	}

	// Safe band resets the throttle to zero.
	ev.Metrics[MetricDustCoverage] = 0.5
	if _, err := p.Apply(m, ev); err != nil {
		t.Fatalf("apply safe band: %v", err)
	}
	if sci.Throttle() != 0 || mfg.Throttle() != 0 {
		t.Fatalf("safe band did not release throttle: science=%v manufacturing=%v", sci.Throttle(), mfg.Throttle())
	}
}

func TestScienceGrowthOrdersDeficitOnly(t *testing.T) {
	w := &World{bus: NewBus(), byID: map[string]sector{}}
	m := &Mutator{w: w}

	p := NewScienceGrowthPolicy(100, 10, 720)
	p.ExpectedLosses = 1
	p.Pipeline = []PipelineOrder{{ArrivalMonth: 6, Qty: 5}}

	// Month 5, one-month lead: target rate 200, 20 rovers required.
	// Forecast is 10 active - 1 loss + 5 in flight = 14.
	ev := EvaluationResult{
		T:       5 * 720,
		Metrics: map[string]float64{MetricRoversActive: 10},
	}
	effects, err := p.Apply(m, ev)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(effects) != 1 || effects[0].Action != "request_build" {
		t.Fatalf("want one request_build effect, got %v", effects)
	}
	if effects[0].Value != 8 {
		t.Fatalf("order quantity: want 8, got %v", effects[0].Value)
	}

	reqs := drainTopic(w.bus, TopicConstructionRequest)
	if len(reqs) != 1 || reqs[0].Qty != 8 || reqs[0].Equipment != "Science_Rover_EQ" {
		t.Fatalf("construction request: %+v", reqs)
	}
	if len(p.Pipeline) != 2 {
		t.Fatalf("new order not tracked in pipeline: %v", p.Pipeline)
	}
}

func TestScienceGrowthHoldsWhenForecastCovers(t *testing.T) {
	w := &World{bus: NewBus(), byID: map[string]sector{}}
	m := &Mutator{w: w}

	p := NewScienceGrowthPolicy(100, 10, 720)
	ev := EvaluationResult{
		T:       5 * 720,
		Metrics: map[string]float64{MetricRoversActive: 30},
	}
	effects, err := p.Apply(m, ev)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(effects) != 1 || effects[0].Action != "hold" {
		t.Fatalf("want hold, got %v", effects)
	}
	if n := len(drainTopic(w.bus, TopicConstructionRequest)); n != 0 {
		t.Fatalf("hold still published %d build requests", n)
	}
}

func TestScienceGrowthRetiresPipelineOnArrival(t *testing.T) {
	p := NewScienceGrowthPolicy(100, 10, 720)
	p.Pipeline = []PipelineOrder{
		{ArrivalMonth: 3, Qty: 4},
		{ArrivalMonth: 5, Qty: 6},
	}
	p.retirePipeline(EvaluationResult{
		Completions: map[string]float64{"Science_Rover_EQ": 5},
	})
	if len(p.Pipeline) != 1 || p.Pipeline[0].Qty != 5 {
		t.Fatalf("pipeline after arrivals: %v", p.Pipeline)
	}
}

type stubSector struct {
	id       string
	throttle float64
	resets   int
}

func (s *stubSector) ID() string                        { return s.id }
func (s *stubSector) PowerDemand() float64              { return 0 }
func (s *stubSector) Step(*stepContext, float64)        {}
func (s *stubSector) Stocks() map[string]float64        { return nil }
func (s *stubSector) TakeContributions() map[string]float64 { return nil }
func (s *stubSector) SetThrottle(f float64)             { s.throttle = f }
func (s *stubSector) Throttle() float64                 { return s.throttle }
func (s *stubSector) ResetFaults() int                  { s.resets++; return 3 }

func TestMaintenanceResetRunsOnCadenceOnly(t *testing.T) {
	stub := &stubSector{id: "stub"}
	w := &World{bus: NewBus(), byID: map[string]sector{"stub": stub}, sectors: []sector{stub}}
	m := &Mutator{w: w}

	p := NewMaintenanceResetPolicy(100)

	if effects, err := p.Apply(m, EvaluationResult{T: 50}); err != nil || effects != nil {
		t.Fatalf("off-cadence apply: effects=%v err=%v", effects, err)
	}
	if stub.resets != 0 {
		t.Fatalf("reset ran off cadence")
	}

	effects, err := p.Apply(m, EvaluationResult{T: 200})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(effects) != 1 || effects[0].Value != 3 {
		t.Fatalf("want reset effect value 3, got %v", effects)
	}
	if stub.resets != 1 {
		t.Fatalf("reset count: %d", stub.resets)
	}
}

func TestPolicyEngineIsolatesFailures(t *testing.T) {
	w := &World{bus: NewBus(), byID: map[string]sector{}}
	m := &Mutator{w: w}

	e := NewPolicyEngine()
	e.Add(&DustThrottlePolicy{enabled: true}) // zero target: Apply errors
	e.Add(NewMaintenanceResetPolicy(1))

	effects := e.Apply(m, EvaluationResult{T: 1}, false)
	if len(effects) != 1 || effects[0].Action != "error" || effects[0].PolicyID != PolicyDustThrottle {
		t.Fatalf("want one error effect from dust policy, got %v", effects)
	}
}

func TestPolicyEngineGrowthTickGating(t *testing.T) {
	w := &World{bus: NewBus(), byID: map[string]sector{}}
	m := &Mutator{w: w}

	e := NewPolicyEngine()
	e.Add(NewScienceGrowthPolicy(100, 10, 720))

	if effects := e.Apply(m, EvaluationResult{T: 360, Metrics: map[string]float64{}}, false); len(effects) != 0 {
		t.Fatalf("growth policy ran off the month tick: %v", effects)
	}
	if effects := e.Apply(m, EvaluationResult{T: 720, Metrics: map[string]float64{}}, true); len(effects) == 0 {
		t.Fatalf("growth policy skipped the month tick")
	}
}
