package world

import (
	"encoding/json"
	"fmt"
	"math"
)

const (
	PolicyDustThrottle  = "PLCY-DUST-THROTTLE"
	PolicyScienceGrowth = "PLCY-SCI-GROWTH"
	PolicyMaintReset    = "PLCY-MAINT-RESET"
)

// DustThrottlePolicy throttles dust-sensitive sectors linearly between a
// start ratio of the dust target and the target itself, and releases the
// throttle once dust falls back into the safe band.
type DustThrottlePolicy struct {
	enabled bool

	MetricID    string   `json:"metric_id"`
	TargetDust  float64  `json:"target_dust"`
	StartRatio  float64  `json:"start_ratio"`
	MaxThrottle float64  `json:"max_throttle"`
	Sectors     []string `json:"sectors"`
}

func NewDustThrottlePolicy(targetDust float64) *DustThrottlePolicy {
	return &DustThrottlePolicy{
		enabled:     true,
		MetricID:    MetricDustCoverage,
		TargetDust:  targetDust,
		StartRatio:  0.7,
		MaxThrottle: 0.8,
		Sectors:     []string{SectorScience, SectorManufacturing},
	}
}

func (p *DustThrottlePolicy) ID() string        { return PolicyDustThrottle }
func (p *DustThrottlePolicy) Name() string      { return "Dust Coverage Throttle" }
func (p *DustThrottlePolicy) Enabled() bool     { return p.enabled }
func (p *DustThrottlePolicy) SetEnabled(v bool) { p.enabled = v }

// Throttle computes the throttle factor for a dust level.
func (p *DustThrottlePolicy) Throttle(dust float64) float64 {
	start := p.TargetDust * p.StartRatio
	switch {
	case dust <= start:
		return 0
	case dust >= p.TargetDust:
		return p.MaxThrottle
	default:
		return p.MaxThrottle * (dust - start) / (p.TargetDust - start)
	}
}

func (p *DustThrottlePolicy) Apply(m *Mutator, ev EvaluationResult) ([]Effect, error) {
	if p.TargetDust <= 0 {
		return nil, fmt.Errorf("dust target not configured")
	}
	theta := p.Throttle(ev.Metrics[p.MetricID])
	var effects []Effect
	for _, sec := range p.Sectors {
		if err := m.SetThrottle(sec, theta); err != nil {
			return effects, err
		}
		effects = append(effects, Effect{
			PolicyID: PolicyDustThrottle,
			Action:   "set_throttle",
			Target:   sec,
			Value:    theta,
		})
	}
	return effects, nil
}

func (p *DustThrottlePolicy) Configure(params json.RawMessage) error {
	return json.Unmarshal(params, p)
}

// PipelineOrder tracks an in-flight rover order so the growth controller
// does not double-order.
type PipelineOrder struct {
	ArrivalMonth float64 `json:"arrival_month"`
	Qty          float64 `json:"qty"`
}

// ScienceGrowthPolicy sizes the rover fleet against a doubling science
// target. It runs on month ticks only.
type ScienceGrowthPolicy struct {
	enabled bool

	BaseRate             float64 `json:"base_rate"`
	DoublingPeriodMonths float64 `json:"doubling_period_months"`
	LeadMonths           float64 `json:"lead_months"`
	SafetyMargin         float64 `json:"safety_margin"`
	PerRoverRate         float64 `json:"per_rover_rate"`
	ExpectedLosses       float64 `json:"expected_losses"`
	Module               string  `json:"module"`
	Equipment            string  `json:"equipment"`
	StepsPerMonth        int     `json:"steps_per_month"`

	Pipeline []PipelineOrder `json:"pipeline,omitempty"`
}

func NewScienceGrowthPolicy(baseRate, perRoverRate float64, stepsPerMonth int) *ScienceGrowthPolicy {
	return &ScienceGrowthPolicy{
		enabled:              true,
		BaseRate:             baseRate,
		DoublingPeriodMonths: 6,
		LeadMonths:           1,
		SafetyMargin:         0.1,
		PerRoverRate:         perRoverRate,
		Module:               "Science_Rover",
		Equipment:            "Science_Rover_EQ",
		StepsPerMonth:        stepsPerMonth,
	}
}

func (p *ScienceGrowthPolicy) ID() string            { return PolicyScienceGrowth }
func (p *ScienceGrowthPolicy) Name() string          { return "Science Growth (Doubling)" }
func (p *ScienceGrowthPolicy) Enabled() bool         { return p.enabled }
func (p *ScienceGrowthPolicy) SetEnabled(v bool)     { p.enabled = v }
func (p *ScienceGrowthPolicy) WantsGrowthTick() bool { return true }

func (p *ScienceGrowthPolicy) Apply(m *Mutator, ev EvaluationResult) ([]Effect, error) {
	if p.PerRoverRate <= 0 {
		return nil, fmt.Errorf("per-rover rate not configured")
	}
	spm := p.StepsPerMonth
	if spm <= 0 {
		spm = 1
	}
	month := float64(ev.T) / float64(spm)

	p.retirePipeline(ev)

	period := p.DoublingPeriodMonths
	if period <= 0 {
		period = 6
	}
	horizon := month + p.LeadMonths
	targetRate := p.BaseRate * math.Pow(2, horizon/period)
	required := math.Ceil(targetRate / p.PerRoverRate)

	forecast := ev.Metrics[MetricRoversActive] - p.ExpectedLosses
	for _, o := range p.Pipeline {
		if o.ArrivalMonth <= horizon {
			forecast += o.Qty
		}
	}

	q := math.Ceil((1+p.SafetyMargin)*required) - forecast
	if q <= 0 {
		return []Effect{{
			PolicyID: PolicyScienceGrowth,
			Action:   "hold",
			Value:    targetRate,
			Detail:   fmt.Sprintf("forecast %.0f covers required %.0f", forecast, required),
		}}, nil
	}

	m.RequestBuild(p.Module, p.Equipment, q, SectorScience)
	p.Pipeline = append(p.Pipeline, PipelineOrder{ArrivalMonth: horizon, Qty: q})
	return []Effect{{
		PolicyID: PolicyScienceGrowth,
		Action:   "request_build",
		Target:   p.Equipment,
		Value:    q,
	}}, nil
}

// retirePipeline drops in-flight quantities whose arrival was observed.
func (p *ScienceGrowthPolicy) retirePipeline(ev EvaluationResult) {
	arrived := ev.Completions[p.Equipment] + ev.Completions[p.Module]
	if arrived <= 0 {
		return
	}
	var keep []PipelineOrder
	for _, o := range p.Pipeline {
		if arrived <= 0 {
			keep = append(keep, o)
			continue
		}
		if o.Qty <= arrived {
			arrived -= o.Qty
			continue
		}
		o.Qty -= arrived
		arrived = 0
		keep = append(keep, o)
	}
	p.Pipeline = keep
}

func (p *ScienceGrowthPolicy) Configure(params json.RawMessage) error {
	return json.Unmarshal(params, p)
}

func (p *ScienceGrowthPolicy) MarshalState() (json.RawMessage, error) {
	return json.Marshal(p.Pipeline)
}

func (p *ScienceGrowthPolicy) UnmarshalState(raw json.RawMessage) error {
	return json.Unmarshal(raw, &p.Pipeline)
}

// MaintenanceResetPolicy returns FAULT agents to service on a fixed cadence.
type MaintenanceResetPolicy struct {
	enabled bool

	IntervalSteps uint64 `json:"interval_steps"`
}

func NewMaintenanceResetPolicy(interval uint64) *MaintenanceResetPolicy {
	return &MaintenanceResetPolicy{enabled: true, IntervalSteps: interval}
}

func (p *MaintenanceResetPolicy) ID() string        { return PolicyMaintReset }
func (p *MaintenanceResetPolicy) Name() string      { return "Maintenance Fault Reset" }
func (p *MaintenanceResetPolicy) Enabled() bool     { return p.enabled }
func (p *MaintenanceResetPolicy) SetEnabled(v bool) { p.enabled = v }

func (p *MaintenanceResetPolicy) Apply(m *Mutator, ev EvaluationResult) ([]Effect, error) {
	if p.IntervalSteps == 0 || ev.T%p.IntervalSteps != 0 {
		return nil, nil
	}
	n := m.ResetFaults()
	if n == 0 {
		return nil, nil
	}
	return []Effect{{
		PolicyID: PolicyMaintReset,
		Action:   "reset_faults",
		Value:    float64(n),
	}}, nil
}

func (p *MaintenanceResetPolicy) Configure(params json.RawMessage) error {
	return json.Unmarshal(params, p)
}
