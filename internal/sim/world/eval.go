package world

import (
	"math"
	"sort"
)

type GoalType string

const (
	GoalTarget     GoalType = "target"
	GoalBounds     GoalType = "bounds"
	GoalGrowthRate GoalType = "growth_rate"
)

type Direction string

const (
	Maximize Direction = "maximize"
	Minimize Direction = "minimize"
)

type Goal struct {
	ID        string    `json:"id"`
	MetricID  string    `json:"metric_id"`
	Direction Direction `json:"direction"`
	Type      GoalType  `json:"type"`

	Target float64 `json:"target,omitempty"`
	Lo     float64 `json:"lo,omitempty"`
	Hi     float64 `json:"hi,omitempty"`

	// growth_rate: target(t) = GrowthBase * GrowthFactor^(months / GrowthPeriodMonths)
	GrowthBase         float64 `json:"growth_base,omitempty"`
	GrowthFactor       float64 `json:"growth_factor,omitempty"`
	GrowthPeriodMonths float64 `json:"growth_period_months,omitempty"`

	Weight        float64 `json:"weight"`
	HorizonMonths float64 `json:"horizon_months,omitempty"`
}

type MetricDef struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Polarity string `json:"polarity,omitempty"` // "positive" or "negative"

	// Accumulating metrics (dust) carry value across steps with decay;
	// everything else is recomputed from contributions each step.
	Accumulate   bool    `json:"accumulate,omitempty"`
	DecayPerStep float64 `json:"decay_per_step,omitempty"`
}

type metricState struct {
	Def           MetricDef
	Value         float64
	Contributions map[string]float64 // sector id -> last step's contribution
}

type Score struct {
	Value  float64 `json:"value"`
	Score  float64 `json:"score"`
	Status string  `json:"status"` // within, approaching, outside
}

// EvaluationResult is the per-step snapshot policies act on. Values reflect
// the previous step's commits.
type EvaluationResult struct {
	T       uint64             `json:"t"`
	Metrics map[string]float64 `json:"metrics"`
	Scores  map[string]Score   `json:"scores"`
	// Completions counts module/equipment arrivals observed since the last
	// growth tick, for pipeline bookkeeping in growth policies.
	Completions map[string]float64 `json:"completions,omitempty"`
}

// Evaluator aggregates sector metric contributions and scores active goals.
type Evaluator struct {
	metrics map[string]*metricState
	order   []string
	goals   []Goal

	stepsPerMonth int
}

func NewEvaluator(defs []MetricDef, goals []Goal, stepsPerMonth int) *Evaluator {
	if stepsPerMonth <= 0 {
		stepsPerMonth = 1
	}
	e := &Evaluator{metrics: map[string]*metricState{}, stepsPerMonth: stepsPerMonth}
	for _, d := range defs {
		e.register(d)
	}
	e.goals = append(e.goals, goals...)
	return e
}

func (e *Evaluator) register(d MetricDef) {
	if _, ok := e.metrics[d.ID]; ok {
		return
	}
	e.metrics[d.ID] = &metricState{Def: d, Contributions: map[string]float64{}}
	e.order = append(e.order, d.ID)
}

func (e *Evaluator) SetGoals(goals []Goal) { e.goals = append([]Goal(nil), goals...) }

func (e *Evaluator) Goals() []Goal { return e.goals }

// Aggregate folds one step's sector contributions into metric values.
// Contributions to unknown metrics register them as plain gauges.
func (e *Evaluator) Aggregate(contribs map[string]map[string]float64) {
	sectors := make([]string, 0, len(contribs))
	for s := range contribs {
		sectors = append(sectors, s)
	}
	sort.Strings(sectors)

	seen := map[string]bool{}
	for _, s := range sectors {
		for id := range contribs[s] {
			if _, ok := e.metrics[id]; !ok {
				e.register(MetricDef{ID: id, Polarity: "positive"})
			}
			seen[id] = true
		}
	}

	for _, id := range e.order {
		m := e.metrics[id]
		sum := 0.0
		newContribs := map[string]float64{}
		for _, s := range sectors {
			if v, ok := contribs[s][id]; ok {
				sum += v
				newContribs[s] = v
			}
		}
		if m.Def.Accumulate {
			m.Value = m.Value*(1-m.Def.DecayPerStep) + sum
			if m.Value < 0 {
				m.Value = 0
			}
		} else if seen[id] {
			m.Value = sum
		}
		m.Contributions = newContribs
	}
}

// Inject adds an out-of-band contribution (inject_event command, tests).
func (e *Evaluator) Inject(metricID string, v float64) {
	if _, ok := e.metrics[metricID]; !ok {
		e.register(MetricDef{ID: metricID, Polarity: "positive"})
	}
	e.metrics[metricID].Value += v
}

func (e *Evaluator) Value(metricID string) float64 {
	if m, ok := e.metrics[metricID]; ok {
		return m.Value
	}
	return 0
}

func (e *Evaluator) Contribution(metricID, sectorID string) float64 {
	if m, ok := e.metrics[metricID]; ok {
		return m.Contributions[sectorID]
	}
	return 0
}

func (e *Evaluator) Evaluate(t uint64, completions map[string]float64) EvaluationResult {
	res := EvaluationResult{
		T:           t,
		Metrics:     map[string]float64{},
		Scores:      map[string]Score{},
		Completions: completions,
	}
	for _, id := range e.order {
		res.Metrics[id] = e.metrics[id].Value
	}
	months := float64(t) / float64(e.stepsPerMonth)
	for _, g := range e.goals {
		v := e.Value(g.MetricID)
		score := e.scoreGoal(g, v, months)
		res.Scores[g.ID] = Score{Value: v, Score: score, Status: status(score)}
	}
	return res
}

func (e *Evaluator) scoreGoal(g Goal, v, months float64) float64 {
	switch g.Type {
	case GoalBounds:
		if v >= g.Lo && v <= g.Hi {
			return 1
		}
		span := g.Hi - g.Lo
		if span <= 0 {
			span = math.Max(math.Abs(g.Hi), 1)
		}
		dist := g.Lo - v
		if v > g.Hi {
			dist = v - g.Hi
		}
		return 1 - clamp01(dist/span)

	case GoalGrowthRate:
		period := g.GrowthPeriodMonths
		if period <= 0 {
			period = 1
		}
		target := g.GrowthBase * math.Pow(g.GrowthFactor, months/period)
		if target <= 0 {
			return 1
		}
		if g.Direction == Minimize {
			if v <= 0 {
				return 1
			}
			return math.Min(target/v, 1)
		}
		return math.Min(v/target, 1)

	default: // target
		negative := e.polarity(g.MetricID) == "negative"
		if g.Target == 0 {
			if v == 0 {
				return 1
			}
			return 0
		}
		if negative && v <= g.Target {
			// Staying under a cap on a harmful metric is full marks.
			return 1
		}
		return 1 - clamp01(math.Abs(v-g.Target)/math.Abs(g.Target))
	}
}

func (e *Evaluator) polarity(metricID string) string {
	if m, ok := e.metrics[metricID]; ok && m.Def.Polarity != "" {
		return m.Def.Polarity
	}
	return "positive"
}

func status(score float64) string {
	switch {
	case score >= 0.9:
		return "within"
	case score >= 0.5:
		return "approaching"
	default:
		return "outside"
	}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

type evalState struct {
	Values map[string]float64 `json:"values"`
	Goals  []Goal             `json:"goals"`
}

func (e *Evaluator) snapshot() evalState {
	st := evalState{Values: map[string]float64{}, Goals: e.goals}
	for id, m := range e.metrics {
		st.Values[id] = m.Value
	}
	return st
}

func (e *Evaluator) restore(st evalState) {
	for id, v := range st.Values {
		if _, ok := e.metrics[id]; !ok {
			e.register(MetricDef{ID: id, Polarity: "positive"})
		}
		e.metrics[id].Value = v
	}
	if st.Goals != nil {
		e.goals = st.Goals
	}
}
