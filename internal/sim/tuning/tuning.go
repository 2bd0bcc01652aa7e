package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	StepsPerMonth      int `yaml:"steps_per_month"`
	LogSkipSteps       int `yaml:"log_skip_steps"`
	SnapshotEverySteps int `yaml:"snapshot_every_steps"`
	BacklogMaxAgeSteps int `yaml:"backlog_max_age_steps"`

	CommitMode  string  `yaml:"commit_mode"` // "strict" or "lenient"
	DRRQuantum  float64 `yaml:"drr_quantum"`
	PriorityMin float64 `yaml:"priority_min"`

	Thresholds Thresholds  `yaml:"thresholds"`
	Store      StoreLimits `yaml:"store"`
}

type Thresholds struct {
	He3MinKg        float64 `yaml:"he3_min_kg"`
	RocketFuelMinKg float64 `yaml:"rocket_fuel_min_kg"`
	FaultWear       float64 `yaml:"fault_wear"`
}

type StoreLimits struct {
	RetryMax       int `yaml:"retry_max"`
	RetryBaseMs    int `yaml:"retry_base_ms"`
	WriteQueueSize int `yaml:"write_queue_size"`
}

func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	applyDefaults(&t)
	return t, nil
}

func Defaults() Tuning {
	var t Tuning
	applyDefaults(&t)
	return t
}

func applyDefaults(t *Tuning) {
	if t.StepsPerMonth <= 0 {
		t.StepsPerMonth = 720 // 1 step = 1 hour
	}
	if t.LogSkipSteps <= 0 {
		t.LogSkipSteps = 1
	}
	if t.SnapshotEverySteps <= 0 {
		t.SnapshotEverySteps = 500
	}
	if t.BacklogMaxAgeSteps <= 0 {
		t.BacklogMaxAgeSteps = 168
	}
	if t.CommitMode == "" {
		t.CommitMode = "strict"
	}
	if t.DRRQuantum <= 0 {
		t.DRRQuantum = 1
	}
	if t.PriorityMin <= 0 {
		t.PriorityMin = 0.05
	}
	if t.Thresholds.He3MinKg <= 0 {
		t.Thresholds.He3MinKg = 1.0
	}
	if t.Thresholds.RocketFuelMinKg <= 0 {
		t.Thresholds.RocketFuelMinKg = 5000
	}
	if t.Thresholds.FaultWear <= 0 {
		t.Thresholds.FaultWear = 1.0
	}
	if t.Store.RetryMax <= 0 {
		t.Store.RetryMax = 5
	}
	if t.Store.RetryBaseMs <= 0 {
		t.Store.RetryBaseMs = 50
	}
	if t.Store.WriteQueueSize <= 0 {
		t.Store.WriteQueueSize = 65536
	}
}
