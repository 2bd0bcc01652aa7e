package world

import (
	"math"
	"testing"
)

func dustEvaluator() *Evaluator {
	return NewEvaluator([]MetricDef{
		{ID: MetricDustCoverage, Polarity: "negative", Accumulate: true, DecayPerStep: 0.1},
		{ID: MetricScienceRate, Polarity: "positive"},
	}, nil, 720)
}

func TestEvaluatorAccumulateAndDecay(t *testing.T) {
	e := dustEvaluator()

	e.Aggregate(map[string]map[string]float64{
		SectorTransportation: {MetricDustCoverage: 1},
	})
	if v := e.Value(MetricDustCoverage); v != 1 {
		t.Fatalf("after first contribution: want 1, got %v", v)
	}

	// No contribution: the metric decays.
	e.Aggregate(map[string]map[string]float64{})
	if v := e.Value(MetricDustCoverage); math.Abs(v-0.9) > 1e-12 {
		t.Fatalf("after decay: want 0.9, got %v", v)
	}

	e.Aggregate(map[string]map[string]float64{
		SectorTransportation: {MetricDustCoverage: 0.5},
	})
	want := 0.9*0.9 + 0.5
	if v := e.Value(MetricDustCoverage); math.Abs(v-want) > 1e-12 {
		t.Fatalf("decay plus contribution: want %v, got %v", want, v)
	}
}

func TestEvaluatorGaugeHoldsWhenUnreported(t *testing.T) {
	e := dustEvaluator()
	e.Aggregate(map[string]map[string]float64{
		SectorScience: {MetricScienceRate: 42},
	})
	e.Aggregate(map[string]map[string]float64{})
	if v := e.Value(MetricScienceRate); v != 42 {
		t.Fatalf("gauge lost its last value: %v", v)
	}
	e.Aggregate(map[string]map[string]float64{
		SectorScience: {MetricScienceRate: 7},
	})
	if v := e.Value(MetricScienceRate); v != 7 {
		t.Fatalf("gauge not recomputed: %v", v)
	}
}

func TestEvaluatorUnknownMetricAutoRegisters(t *testing.T) {
	e := dustEvaluator()
	e.Aggregate(map[string]map[string]float64{
		SectorManufacturing: {"mfg_output_kg": 12},
	})
	if v := e.Value("mfg_output_kg"); v != 12 {
		t.Fatalf("unregistered contribution dropped: %v", v)
	}
}

func TestEvaluatorNegativePolarityCapScoring(t *testing.T) {
	e := dustEvaluator()
	e.SetGoals([]Goal{{
		ID:       "GOAL-DUST",
		MetricID: MetricDustCoverage,
		Type:     GoalTarget,
		Target:   1.0,
		Weight:   1,
	}})

	e.Inject(MetricDustCoverage, 0.8)
	res := e.Evaluate(0, nil)
	if sc := res.Scores["GOAL-DUST"]; sc.Score != 1 || sc.Status != "within" {
		t.Fatalf("under the cap must score 1/within, got %+v", sc)
	}

	e.Inject(MetricDustCoverage, 0.7) // now 1.5
	res = e.Evaluate(0, nil)
	if sc := res.Scores["GOAL-DUST"]; math.Abs(sc.Score-0.5) > 1e-12 || sc.Status != "approaching" {
		t.Fatalf("50%% over the cap: want 0.5/approaching, got %+v", sc)
	}
}

func TestEvaluatorBoundsScoring(t *testing.T) {
	e := dustEvaluator()
	g := Goal{ID: "G", MetricID: MetricScienceRate, Type: GoalBounds, Lo: 2, Hi: 4, Weight: 1}
	e.SetGoals([]Goal{g})

	cases := []struct {
		v      float64
		score  float64
		status string
	}{
		{3, 1, "within"},
		{5, 0.5, "approaching"},
		{7, 0, "outside"},
		{1, 0.5, "approaching"},
	}
	for _, c := range cases {
		e.Aggregate(map[string]map[string]float64{SectorScience: {MetricScienceRate: c.v}})
		res := e.Evaluate(0, nil)
		sc := res.Scores["G"]
		if math.Abs(sc.Score-c.score) > 1e-12 || sc.Status != c.status {
			t.Fatalf("v=%v: want %v/%s, got %+v", c.v, c.score, c.status, sc)
		}
	}
}

func TestEvaluatorGrowthRateScoring(t *testing.T) {
	e := dustEvaluator()
	e.SetGoals([]Goal{{
		ID:                 "G-SCI",
		MetricID:           MetricScienceRate,
		Direction:          Maximize,
		Type:               GoalGrowthRate,
		GrowthBase:         100,
		GrowthFactor:       2,
		GrowthPeriodMonths: 6,
		Weight:             1,
	}})

	// Month 6: target is 200.
	e.Aggregate(map[string]map[string]float64{SectorScience: {MetricScienceRate: 150}})
	res := e.Evaluate(6*720, nil)
	if sc := res.Scores["G-SCI"]; math.Abs(sc.Score-0.75) > 1e-12 {
		t.Fatalf("150 of 200: want 0.75, got %+v", sc)
	}

	e.Aggregate(map[string]map[string]float64{SectorScience: {MetricScienceRate: 250}})
	res = e.Evaluate(6*720, nil)
	if sc := res.Scores["G-SCI"]; sc.Score != 1 || sc.Status != "within" {
		t.Fatalf("overshoot must clamp to 1, got %+v", sc)
	}
}

func TestEvaluatorSnapshotRoundTrip(t *testing.T) {
	e := dustEvaluator()
	e.SetGoals([]Goal{{ID: "G", MetricID: MetricDustCoverage, Type: GoalTarget, Target: 1, Weight: 2}})
	e.Inject(MetricDustCoverage, 0.6)

	st := e.snapshot()
	e2 := dustEvaluator()
	e2.restore(st)
	if v := e2.Value(MetricDustCoverage); v != 0.6 {
		t.Fatalf("restored value: want 0.6, got %v", v)
	}
	if gs := e2.Goals(); len(gs) != 1 || gs[0].Weight != 2 {
		t.Fatalf("restored goals: %+v", gs)
	}
}
