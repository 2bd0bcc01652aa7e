package tuning

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	content := `
steps_per_month: 720
commit_mode: lenient
thresholds:
  he3_min_kg: 2.5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tn, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if tn.StepsPerMonth != 720 || tn.CommitMode != "lenient" {
		t.Fatalf("explicit values lost: %+v", tn)
	}
	if tn.Thresholds.He3MinKg != 2.5 {
		t.Fatalf("he3_min_kg = %v, want 2.5", tn.Thresholds.He3MinKg)
	}
	if tn.Thresholds.RocketFuelMinKg != 5000 {
		t.Fatalf("missing threshold not defaulted: %v", tn.Thresholds.RocketFuelMinKg)
	}
	if tn.Store.WriteQueueSize != 65536 || tn.Store.RetryMax != 5 {
		t.Fatalf("store defaults wrong: %+v", tn.Store)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	if err := os.WriteFile(path, []byte("steps_per_month: [not a number"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("bad yaml accepted")
	}
}

func TestDefaultsAreRunnable(t *testing.T) {
	tn := Defaults()
	if tn.StepsPerMonth != 720 {
		t.Fatalf("steps_per_month = %d, want 720", tn.StepsPerMonth)
	}
	if tn.CommitMode != "strict" {
		t.Fatalf("commit_mode = %q, want strict", tn.CommitMode)
	}
	if tn.DRRQuantum != 1 || tn.PriorityMin != 0.05 {
		t.Fatalf("scheduler defaults wrong: %+v", tn)
	}
}
