package catalogs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"proxima.base/internal/sim/world"
)

// Catalogs is the loaded document store: every collection the builder and the
// runner read, validated and content-digested.
type Catalogs struct {
	Environments EnvironmentCatalog
	Components   ComponentCatalog
	Systems      SystemCatalog
	Goals        GoalCatalog
	Metrics      MetricCatalog
	Policies     PolicyCatalog
	Experiments  ExperimentCatalog
}

type EnvironmentCatalog struct {
	ByID   map[string]EnvironmentDoc
	Digest string
}

// EnvironmentDoc describes the physical setting a world system runs in.
type EnvironmentDoc struct {
	ID                string  `json:"id"`
	Name              string  `json:"name,omitempty"`
	DustDecayPerStep  float64 `json:"dust_decay_per_step"`
	SolarAvailability float64 `json:"solar_availability"`

	// He3 concentration range in regolith, parts per billion. The extraction
	// model draws triangular with mode at the midpoint.
	He3DensityPpb [2]float64 `json:"he3_density_ppb"`

	EarthDistanceKm  float64 `json:"earth_distance_km"`
	RocketSpeedKmh   float64 `json:"rocket_speed_kmh"`
	IceDepositFrac   float64 `json:"ice_deposit_frac,omitempty"`
	RegolithPerShell float64 `json:"regolith_per_shell,omitempty"`
}

type ComponentCatalog struct {
	ByID   map[string]ComponentTemplateDoc
	Digest string
}

// ComponentTemplateDoc is one agent template. Params carries the
// type-specific numbers; the builder projects them onto the model structs.
type ComponentTemplateDoc struct {
	ID     string             `json:"id"`
	Type   string             `json:"type"` // isru, printing_robot, assembly_robot, rocket, fuel_generator, science_rover, power_generator, power_storage
	Name   string             `json:"name,omitempty"`
	Params map[string]float64 `json:"params,omitempty"`
	Tasks  map[string]TaskDoc `json:"tasks,omitempty"`
}

type TaskDoc struct {
	PowerKWh      float64            `json:"power_kwh"`
	Inputs        map[string]float64 `json:"inputs,omitempty"`
	Outputs       map[string]float64 `json:"outputs,omitempty"`
	DurationSteps int                `json:"duration_steps"`
}

type SystemCatalog struct {
	ByID   map[string]WorldSystemDoc
	Digest string
}

// WorldSystemDoc lays out one base: which components each sector fields and
// the sector-level knobs.
type WorldSystemDoc struct {
	ID      string               `json:"id"`
	Name    string               `json:"name,omitempty"`
	Sectors map[string]SectorDoc `json:"sectors"`
}

type SectorDoc struct {
	Components    []ComponentRef     `json:"components,omitempty"`
	InitialStocks map[string]float64 `json:"initial_stocks,omitempty"`

	BufferTargets map[string]BufferDoc `json:"buffer_targets,omitempty"`
	TaskWeights   map[string]float64   `json:"task_weights,omitempty"`
	MinimumLevels map[string]float64   `json:"minimum_levels,omitempty"`

	// RoverEquipment names the module whose completion grows the science
	// fleet.
	RoverEquipment string `json:"rover_equipment,omitempty"`

	// PayloadMassKg maps resource ids to per-unit launch mass.
	PayloadMassKg map[string]float64 `json:"payload_mass_kg,omitempty"`

	Params map[string]float64 `json:"params,omitempty"`
}

type ComponentRef struct {
	TemplateID string             `json:"template_id"`
	Count      int                `json:"count"`
	Overrides  map[string]float64 `json:"overrides,omitempty"`
}

type BufferDoc struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

type GoalCatalog struct {
	ByID   map[string]world.Goal
	Digest string
}

type MetricCatalog struct {
	Defs   []world.MetricDef
	ByID   map[string]world.MetricDef
	Digest string
}

type PolicyCatalog struct {
	ByID   map[string]PolicyDoc
	Digest string
}

// PolicyDoc selects a built-in policy implementation and its parameters.
type PolicyDoc struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"` // dust_throttle, science_growth, maintenance_reset
	Enabled bool            `json:"enabled"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type ExperimentCatalog struct {
	ByID   map[string]ExperimentDoc
	Digest string
}

// ExperimentDoc binds an environment, a world system, goals and policies into
// one runnable configuration.
type ExperimentDoc struct {
	ID              string   `json:"id"`
	Name            string   `json:"name,omitempty"`
	EnvironmentID   string   `json:"environment_id"`
	WorldSystemID   string   `json:"world_system_id"`
	ActiveGoalIDs   []string `json:"active_goal_ids"`
	ActivePolicyIDs []string `json:"active_policy_ids"`
	Seed            int64    `json:"seed"`
	Steps           uint64   `json:"steps,omitempty"`
	CommitMode      string   `json:"commit_mode,omitempty"`
}

// Load reads every collection under storeDir. Collections with a schema file
// under <storeDir>/schemas are validated document by document.
func Load(storeDir string) (*Catalogs, error) {
	schemas, err := loadSchemas(filepath.Join(storeDir, "schemas"))
	if err != nil {
		return nil, err
	}

	var c Catalogs
	if err := loadEnvironments(storeDir, schemas, &c.Environments); err != nil {
		return nil, err
	}
	if err := loadComponents(storeDir, schemas, &c.Components); err != nil {
		return nil, err
	}
	if err := loadSystems(storeDir, schemas, &c.Systems); err != nil {
		return nil, err
	}
	if err := loadGoals(storeDir, schemas, &c.Goals); err != nil {
		return nil, err
	}
	if err := loadMetrics(storeDir, schemas, &c.Metrics); err != nil {
		return nil, err
	}
	if err := loadPolicies(storeDir, schemas, &c.Policies); err != nil {
		return nil, err
	}
	if err := loadExperiments(storeDir, schemas, &c.Experiments); err != nil {
		return nil, err
	}
	return &c, nil
}

type schemaSet map[string]*jsonschema.Schema

// loadSchemas compiles every *.schema.json under dir, keyed by collection
// name ("environments.schema.json" -> "environments"). Missing dir is fine.
func loadSchemas(dir string) (schemaSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return schemaSet{}, nil
		}
		return nil, err
	}
	set := schemaSet{}
	compiler := jsonschema.NewCompiler()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".schema.json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		sch, err := compiler.Compile(path)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
		set[strings.TrimSuffix(e.Name(), ".schema.json")] = sch
	}
	return set, nil
}

func (s schemaSet) validate(collection string, raw []byte) error {
	sch, ok := s[collection]
	if !ok {
		return nil
	}
	var docs []any
	if err := json.Unmarshal(raw, &docs); err != nil {
		return err
	}
	for i, d := range docs {
		if err := sch.Validate(d); err != nil {
			return fmt.Errorf("%s[%d]: %w", collection, i, err)
		}
	}
	return nil
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// loadCollection reads one JSON-array collection file, validates it, and
// unmarshals into out. Returns the content digest.
func loadCollection(storeDir, name string, schemas schemaSet, out any) (string, error) {
	raw, err := os.ReadFile(filepath.Join(storeDir, name+".json"))
	if err != nil {
		return "", err
	}
	if err := schemas.validate(name, raw); err != nil {
		return "", fmt.Errorf("%s.json: %w", name, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return "", fmt.Errorf("%s.json: %w", name, err)
	}
	return sha256Hex(raw), nil
}

func loadEnvironments(storeDir string, schemas schemaSet, out *EnvironmentCatalog) error {
	var docs []EnvironmentDoc
	digest, err := loadCollection(storeDir, "environments", schemas, &docs)
	if err != nil {
		return err
	}
	out.Digest = digest
	out.ByID = map[string]EnvironmentDoc{}
	for _, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("environments.json: empty id")
		}
		out.ByID[d.ID] = d
	}
	return nil
}

func loadComponents(storeDir string, schemas schemaSet, out *ComponentCatalog) error {
	var docs []ComponentTemplateDoc
	digest, err := loadCollection(storeDir, "component_templates", schemas, &docs)
	if err != nil {
		return err
	}
	out.Digest = digest
	out.ByID = map[string]ComponentTemplateDoc{}
	for _, d := range docs {
		if d.ID == "" || d.Type == "" {
			return fmt.Errorf("component_templates.json: %q missing id or type", d.ID)
		}
		out.ByID[d.ID] = d
	}
	return nil
}

func loadSystems(storeDir string, schemas schemaSet, out *SystemCatalog) error {
	var docs []WorldSystemDoc
	digest, err := loadCollection(storeDir, "world_systems", schemas, &docs)
	if err != nil {
		return err
	}
	out.Digest = digest
	out.ByID = map[string]WorldSystemDoc{}
	for _, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("world_systems.json: empty id")
		}
		out.ByID[d.ID] = d
	}
	return nil
}

func loadGoals(storeDir string, schemas schemaSet, out *GoalCatalog) error {
	var docs []world.Goal
	digest, err := loadCollection(storeDir, "goals", schemas, &docs)
	if err != nil {
		return err
	}
	out.Digest = digest
	out.ByID = map[string]world.Goal{}
	for _, g := range docs {
		if g.ID == "" {
			return fmt.Errorf("goals.json: empty id")
		}
		out.ByID[g.ID] = g
	}
	return nil
}

func loadMetrics(storeDir string, schemas schemaSet, out *MetricCatalog) error {
	var docs []world.MetricDef
	digest, err := loadCollection(storeDir, "metrics", schemas, &docs)
	if err != nil {
		return err
	}
	out.Digest = digest
	out.Defs = docs
	out.ByID = map[string]world.MetricDef{}
	for _, m := range docs {
		if m.ID == "" {
			return fmt.Errorf("metrics.json: empty id")
		}
		out.ByID[m.ID] = m
	}
	return nil
}

func loadPolicies(storeDir string, schemas schemaSet, out *PolicyCatalog) error {
	var docs []PolicyDoc
	digest, err := loadCollection(storeDir, "policies", schemas, &docs)
	if err != nil {
		return err
	}
	out.Digest = digest
	out.ByID = map[string]PolicyDoc{}
	for _, p := range docs {
		if p.ID == "" || p.Type == "" {
			return fmt.Errorf("policies.json: %q missing id or type", p.ID)
		}
		out.ByID[p.ID] = p
	}
	return nil
}

// loadExperiments reads one document per file under <storeDir>/experiments,
// digesting the sorted concatenation.
func loadExperiments(storeDir string, schemas schemaSet, out *ExperimentCatalog) error {
	dir := filepath.Join(storeDir, "experiments")
	out.ByID = map[string]ExperimentDoc{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			out.Digest = sha256Hex(nil)
			return nil
		}
		return err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	var concat bytes.Buffer
	for _, p := range files {
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		concat.Write(b)
		concat.WriteByte('\n')

		if sch, ok := schemas["experiments"]; ok {
			var doc any
			if err := json.Unmarshal(b, &doc); err != nil {
				return fmt.Errorf("experiment %s: %w", filepath.Base(p), err)
			}
			if err := sch.Validate(doc); err != nil {
				return fmt.Errorf("experiment %s: %w", filepath.Base(p), err)
			}
		}

		var exp ExperimentDoc
		if err := json.Unmarshal(b, &exp); err != nil {
			return fmt.Errorf("experiment %s: %w", filepath.Base(p), err)
		}
		if exp.ID == "" {
			return fmt.Errorf("experiment %s: missing id", filepath.Base(p))
		}
		out.ByID[exp.ID] = exp
	}
	out.Digest = sha256Hex(concat.Bytes())
	return nil
}
