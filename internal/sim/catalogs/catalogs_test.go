package catalogs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "environments.json"), `[
		{"id": "env-a", "dust_decay_per_step": 0.002, "solar_availability": 0.8,
		 "he3_density_ppb": [4, 20], "earth_distance_km": 384400, "rocket_speed_kmh": 1602}
	]`)
	writeFile(t, filepath.Join(dir, "component_templates.json"), `[
		{"id": "rover-a", "type": "science_rover", "params": {"science_generation": 5}},
		{"id": "isru-a", "type": "isru", "params": {"efficiency": 0.8},
		 "tasks": {"ICE_EXTRACTION": {"power_kwh": 100, "outputs": {"H2O_kg": 10}, "duration_steps": 2}}}
	]`)
	writeFile(t, filepath.Join(dir, "world_systems.json"), `[
		{"id": "sys-a", "sectors": {
			"science": {"components": [{"template_id": "rover-a", "count": 2}]}
		}}
	]`)
	writeFile(t, filepath.Join(dir, "goals.json"), `[
		{"id": "goal-a", "metric_id": "SCI-RATE", "direction": "maximize", "type": "target", "target": 10, "weight": 1}
	]`)
	writeFile(t, filepath.Join(dir, "metrics.json"), `[
		{"id": "SCI-RATE", "polarity": "positive"},
		{"id": "IND-DUST-COV", "polarity": "negative"}
	]`)
	writeFile(t, filepath.Join(dir, "policies.json"), `[
		{"id": "pol-a", "type": "dust_throttle", "enabled": true, "params": {"target_dust": 0.8}}
	]`)
	writeFile(t, filepath.Join(dir, "experiments", "exp-a.json"), `{
		"id": "exp-a", "environment_id": "env-a", "world_system_id": "sys-a",
		"active_goal_ids": ["goal-a"], "active_policy_ids": ["pol-a"], "seed": 42
	}`)
	return dir
}

func TestLoadResolvesAllCollections(t *testing.T) {
	dir := writeStore(t)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := c.Environments.ByID["env-a"]; !ok {
		t.Fatalf("environment env-a not loaded")
	}
	if got := c.Components.ByID["isru-a"].Tasks["ICE_EXTRACTION"].Outputs["H2O_kg"]; got != 10 {
		t.Fatalf("isru task output = %v, want 10", got)
	}
	if got := c.Systems.ByID["sys-a"].Sectors["science"].Components[0].Count; got != 2 {
		t.Fatalf("component count = %d, want 2", got)
	}
	exp, ok := c.Experiments.ByID["exp-a"]
	if !ok {
		t.Fatalf("experiment exp-a not loaded")
	}
	if exp.Seed != 42 || exp.WorldSystemID != "sys-a" {
		t.Fatalf("experiment fields wrong: %+v", exp)
	}
	for name, d := range map[string]string{
		"environments": c.Environments.Digest,
		"components":   c.Components.Digest,
		"experiments":  c.Experiments.Digest,
	} {
		if len(d) != 64 {
			t.Fatalf("%s digest = %q, want sha256 hex", name, d)
		}
	}
}

func TestLoadDigestsAreContentAddressed(t *testing.T) {
	a, err := Load(writeStore(t))
	if err != nil {
		t.Fatalf("Load a: %v", err)
	}
	b, err := Load(writeStore(t))
	if err != nil {
		t.Fatalf("Load b: %v", err)
	}
	if a.Goals.Digest != b.Goals.Digest {
		t.Fatalf("same content produced different digests")
	}

	dir := writeStore(t)
	writeFile(t, filepath.Join(dir, "goals.json"), `[
		{"id": "goal-a", "metric_id": "SCI-RATE", "direction": "maximize", "type": "target", "target": 99, "weight": 1}
	]`)
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load c: %v", err)
	}
	if c.Goals.Digest == a.Goals.Digest {
		t.Fatalf("changed content kept the old digest")
	}
}

func TestLoadRejectsSchemaViolations(t *testing.T) {
	dir := writeStore(t)
	writeFile(t, filepath.Join(dir, "schemas", "goals.schema.json"), `{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type": "object",
		"required": ["id", "metric_id", "weight"],
		"properties": {"weight": {"type": "number", "minimum": 0}}
	}`)
	writeFile(t, filepath.Join(dir, "goals.json"), `[
		{"id": "goal-bad", "metric_id": "SCI-RATE", "weight": -1}
	]`)

	_, err := Load(dir)
	if err == nil {
		t.Fatalf("schema violation not rejected")
	}
	if !strings.Contains(err.Error(), "goals") {
		t.Fatalf("error does not name the collection: %v", err)
	}
}

func TestLoadRejectsMissingIDs(t *testing.T) {
	dir := writeStore(t)
	writeFile(t, filepath.Join(dir, "environments.json"), `[{"dust_decay_per_step": 0.1}]`)
	if _, err := Load(dir); err == nil {
		t.Fatalf("environment without id accepted")
	}

	dir = writeStore(t)
	writeFile(t, filepath.Join(dir, "experiments", "broken.json"), `{"seed": 1}`)
	if _, err := Load(dir); err == nil {
		t.Fatalf("experiment without id accepted")
	}
}

func TestLoadToleratesMissingSchemaAndExperimentDirs(t *testing.T) {
	dir := writeStore(t)
	if err := os.RemoveAll(filepath.Join(dir, "experiments")); err != nil {
		t.Fatalf("remove experiments: %v", err)
	}
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load without experiments dir: %v", err)
	}
	if len(c.Experiments.ByID) != 0 {
		t.Fatalf("expected empty experiment catalog")
	}
	if len(c.Experiments.Digest) != 64 {
		t.Fatalf("empty catalog still needs a digest")
	}
}
