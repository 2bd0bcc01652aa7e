package world

import "testing"

func testCtx(t uint64, seed int64) (*stepContext, *Bus, *Ledger, *[]string) {
	bus := NewBus()
	ledger := NewLedger(CommitStrict)
	errs := &[]string{}
	return &stepContext{t: t, rng: NewRand(seed, t), bus: bus, ledger: ledger, errs: errs}, bus, ledger, errs
}

func drainTopic(b *Bus, topic Topic) []Event {
	var out []Event
	for _, ev := range b.Pending() {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

func TestEquipmentResupplyNoDuplicateOrders(t *testing.T) {
	s := NewEquipmentSector(EquipmentConfig{
		InitialStocks: map[string]float64{"Science_Rover_EQ": 1},
		MinimumLevels: map[string]float64{"Science_Rover_EQ": 3},
	})

	kc, bus, _, _ := testCtx(0, 1)
	s.Step(kc, 0)

	reqs := drainTopic(bus, TopicTransportRequest)
	if len(reqs) != 1 {
		t.Fatalf("want 1 transport request, got %d", len(reqs))
	}
	if got := reqs[0].Payload["Science_Rover_EQ"]; got != 2 {
		t.Fatalf("want qty 2 ordered, got %v", got)
	}
	if s.PendingOrders("Science_Rover_EQ") != 2 {
		t.Fatalf("pending orders: want 2, got %v", s.PendingOrders("Science_Rover_EQ"))
	}

	// Next step, nothing delivered: effective stock covers the minimum, so
	// no second order goes out.
	kc2, bus2, _, _ := testCtx(1, 1)
	s.Step(kc2, 0)
	if n := len(drainTopic(bus2, TopicTransportRequest)); n != 0 {
		t.Fatalf("duplicate resupply order published: %d", n)
	}
}

func TestEquipmentDeliveryClearsPending(t *testing.T) {
	s := NewEquipmentSector(EquipmentConfig{
		MinimumLevels: map[string]float64{"Excavator_EQ": 2},
	})
	kc, _, _, _ := testCtx(0, 1)
	s.Step(kc, 0)
	if s.PendingOrders("Excavator_EQ") != 2 {
		t.Fatalf("want 2 pending, got %v", s.PendingOrders("Excavator_EQ"))
	}

	l := NewLedger(CommitStrict)
	err := s.OnPayloadDelivered(l, Event{
		Topic:       TopicPayloadDelivered,
		Destination: BodyMoon,
		Payload:     map[string]float64{"Excavator_EQ": 2},
	})
	if err != nil {
		t.Fatalf("delivery handler: %v", err)
	}
	if s.PendingOrders("Excavator_EQ") != 0 {
		t.Fatalf("pending not cleared: %v", s.PendingOrders("Excavator_EQ"))
	}
	stocks := map[string]map[string]float64{SectorEquipment: s.Stocks()}
	if _, err := l.Commit(stocks); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if s.Stocks()["Excavator_EQ"] != 2 {
		t.Fatalf("stock after delivery: want 2, got %v", s.Stocks()["Excavator_EQ"])
	}
}

// Deliveries are handled before the sector steps and the ledger credit only
// lands at commit. The resupply check in between must still see the landed
// quantity, or it reorders stock that is already on the pad.
func TestEquipmentDeliveryStepDoesNotReorder(t *testing.T) {
	s := NewEquipmentSector(EquipmentConfig{
		InitialStocks: map[string]float64{"Excavator_EQ": 3},
		MinimumLevels: map[string]float64{"Excavator_EQ": 5},
	})

	kc, bus, ledger, _ := testCtx(0, 1)
	s.Step(kc, 0)
	if len(drainTopic(bus, TopicTransportRequest)) != 1 || s.PendingOrders("Excavator_EQ") != 2 {
		t.Fatalf("want one order for 2 in flight, pending=%v", s.PendingOrders("Excavator_EQ"))
	}
	if _, err := ledger.Commit(map[string]map[string]float64{SectorEquipment: s.Stocks()}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Step 1, pipeline order: deliver, then step, then commit.
	kc2, bus2, ledger2, _ := testCtx(1, 1)
	err := s.OnPayloadDelivered(ledger2, Event{
		Topic:       TopicPayloadDelivered,
		Destination: BodyMoon,
		Payload:     map[string]float64{"Excavator_EQ": 2},
	})
	if err != nil {
		t.Fatalf("delivery handler: %v", err)
	}
	s.Step(kc2, 0)
	if n := len(drainTopic(bus2, TopicTransportRequest)); n != 0 {
		t.Fatalf("duplicate resupply order published in the delivery step: %d (pending=%v stock=%v)",
			n, s.PendingOrders("Excavator_EQ"), s.Stocks()["Excavator_EQ"])
	}
	if _, err := ledger2.Commit(map[string]map[string]float64{SectorEquipment: s.Stocks()}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if s.Stocks()["Excavator_EQ"] != 5 {
		t.Fatalf("stock after delivery commit: want 5, got %v", s.Stocks()["Excavator_EQ"])
	}

	// Step 2: stock sits at the minimum, nothing new goes out.
	kc3, bus3, _, _ := testCtx(2, 1)
	s.Step(kc3, 0)
	if n := len(drainTopic(bus3, TopicTransportRequest)); n != 0 {
		t.Fatalf("resupply ordered at the minimum: %d", n)
	}
}

func TestEquipmentBacklogFulfilledFIFO(t *testing.T) {
	s := NewEquipmentSector(EquipmentConfig{
		InitialStocks: map[string]float64{"Drill_EQ": 1},
	})
	_ = s.OnEquipmentRequest(Event{Topic: TopicEquipmentRequest, RequestID: "first", Requester: SectorConstruction, Equipment: "Drill_EQ", Qty: 1})
	_ = s.OnEquipmentRequest(Event{Topic: TopicEquipmentRequest, RequestID: "second", Requester: SectorConstruction, Equipment: "Drill_EQ", Qty: 1})

	kc, bus, ledger, _ := testCtx(0, 1)
	s.Step(kc, 0)

	allocs := drainTopic(bus, TopicEquipmentAllocated)
	if len(allocs) != 1 || allocs[0].RequestID != "first" {
		t.Fatalf("want oldest request served first, got %+v", allocs)
	}
	stocks := map[string]map[string]float64{
		SectorEquipment:    s.Stocks(),
		SectorConstruction: {},
	}
	if _, err := ledger.Commit(stocks); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if stocks[SectorConstruction]["Drill_EQ"] != 1 {
		t.Fatalf("allocation did not transfer stock: %v", stocks[SectorConstruction])
	}
}
