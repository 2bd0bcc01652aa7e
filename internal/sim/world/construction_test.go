package world

import (
	"testing"

	"proxima.base/internal/sim/world/model"
)

func testConstruction() ConstructionConfig {
	return ConstructionConfig{
		Printers: []model.PrintingRobot{{
			ID: "printer-001", Mode: model.ModeIdle, PowerKWh: 5, Efficiency: 1,
			PrintSteps: 1, RegolithPerRunKg: 100,
		}},
		Assemblers: []model.AssemblyRobot{{
			ID: "assembler-001", Mode: model.ModeIdle, PowerKWh: 5, AssemblySteps: 1,
		}},
		ShellStorageCapacity:  10,
		MaxConcurrentProjects: 2,
	}
}

func TestConstructionProjectLifecycle(t *testing.T) {
	cfg := testConstruction()
	cfg.InitialStocks = map[string]float64{
		ResShells:        1,
		"Science_Rover_EQ": 1,
		ResRegolith:      1000,
	}
	s := NewConstructionSector(cfg)

	if err := s.OnConstructionRequest(Event{
		Topic:     TopicConstructionRequest,
		Step:      0,
		Requester: SectorScience,
		Module:    "Science_Rover",
		Equipment: "Science_Rover_EQ",
		Qty:       1,
	}); err != nil {
		t.Fatalf("request handler: %v", err)
	}

	// Step 1: project starts, consuming one shell and one equipment unit.
	kc, _, ledger, _ := testCtx(1, 5)
	s.Step(kc, 100)
	stocks := map[string]map[string]float64{SectorConstruction: s.Stocks()}
	if _, err := ledger.Commit(stocks); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// The one-step assembly completed within the same sector step.
	done := drainTopic(kc.bus, TopicModuleCompleted)
	if len(done) != 1 || done[0].Module != "Science_Rover" || done[0].Equipment != "Science_Rover_EQ" {
		t.Fatalf("module_completed: %+v", done)
	}
	if len(s.queue) != 0 {
		t.Fatalf("completed project still queued: %+v", s.queue)
	}
	if s.Stocks()["Science_Rover_EQ"] != 0 {
		t.Fatalf("equipment not consumed: %v", s.Stocks()["Science_Rover_EQ"])
	}
}

func TestConstructionRequestsMissingEquipmentOnce(t *testing.T) {
	cfg := testConstruction()
	cfg.InitialStocks = map[string]float64{ResShells: 5, ResRegolith: 1000}
	s := NewConstructionSector(cfg)

	_ = s.OnConstructionRequest(Event{
		Topic:     TopicConstructionRequest,
		Module:    "Science_Rover",
		Equipment: "Science_Rover_EQ",
		Qty:       1,
	})

	kc, bus, _, _ := testCtx(0, 5)
	s.Step(kc, 100)
	if n := len(drainTopic(bus, TopicEquipmentRequest)); n != 1 {
		t.Fatalf("want 1 equipment request, got %d", n)
	}

	// Equipment still missing next step: no duplicate request.
	kc2, bus2, _, _ := testCtx(1, 5)
	s.Step(kc2, 100)
	if n := len(drainTopic(bus2, TopicEquipmentRequest)); n != 0 {
		t.Fatalf("duplicate equipment request: %d", n)
	}
	if len(s.queue) != 1 || s.queue[0].Status != StatusQueued {
		t.Fatalf("project should wait queued: %+v", s.queue)
	}
}

func TestConstructionShellBufferCapStopsPrinting(t *testing.T) {
	cfg := testConstruction()
	cfg.ShellStorageCapacity = 3
	cfg.InitialStocks = map[string]float64{ResShells: 3, ResRegolith: 1000}
	s := NewConstructionSector(cfg)

	kc, _, _, _ := testCtx(0, 5)
	s.Step(kc, 100)
	if s.printers[0].Mode != model.ModeIdle {
		t.Fatalf("printer started with a full shell buffer")
	}
}

func TestConstructionRegolithOrderIdempotent(t *testing.T) {
	cfg := testConstruction()
	cfg.RegolithBuffer = BufferTarget{Min: 500, Max: 1000}
	s := NewConstructionSector(cfg) // zero regolith on hand

	kc, bus, _, _ := testCtx(0, 5)
	s.Step(kc, 100)
	if n := len(drainTopic(bus, TopicResourceRequest)); n != 1 {
		t.Fatalf("want 1 regolith order, got %d", n)
	}

	kc2, bus2, _, _ := testCtx(1, 5)
	s.Step(kc2, 100)
	if n := len(drainTopic(bus2, TopicResourceRequest)); n != 0 {
		t.Fatalf("duplicate regolith order while pending")
	}

	// Allocation arrives: the marker clears and a later shortage reorders.
	_ = s.OnResourceAllocated(Event{Topic: TopicResourceAllocated, Requester: SectorConstruction, Resource: ResRegolith})
	kc3, bus3, _, _ := testCtx(2, 5)
	s.Step(kc3, 100)
	if n := len(drainTopic(bus3, TopicResourceRequest)); n != 1 {
		t.Fatalf("no reorder after allocation cleared the marker")
	}
}

func TestConstructionQueueExpiry(t *testing.T) {
	cfg := testConstruction()
	cfg.BacklogMaxAgeSteps = 2
	cfg.Assemblers = nil // nothing can start
	s := NewConstructionSector(cfg)

	_ = s.OnConstructionRequest(Event{Topic: TopicConstructionRequest, Module: "Habitat", Qty: 1})

	expired := 0.0
	for step := uint64(0); step < 3; step++ {
		kc, _, _, _ := testCtx(step, 5)
		s.Step(kc, 100)
		expired += s.TakeContributions()[MetricBacklogExpired]
	}
	if len(s.queue) != 0 || expired != 1 {
		t.Fatalf("queue=%d expired=%v, want 0 and 1", len(s.queue), expired)
	}
}
