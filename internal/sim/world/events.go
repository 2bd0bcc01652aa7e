package world

import "fmt"

// Topic is the closed set of event channels sectors talk over.
type Topic string

const (
	TopicConstructionRequest Topic = "construction_request"
	TopicEquipmentRequest    Topic = "equipment_request"
	TopicEquipmentAllocated  Topic = "equipment_allocated"
	TopicTransportRequest    Topic = "transport_request"
	TopicResourceRequest     Topic = "resource_request"
	TopicResourceAllocated   Topic = "resource_allocated"
	TopicPayloadDelivered    Topic = "payload_delivered"
	TopicModuleCompleted     Topic = "module_completed"
	TopicShellProduced       Topic = "shell_produced"
)

// Event is a flat record; fields not meaningful for a topic stay zero.
type Event struct {
	Topic     Topic   `json:"topic"`
	Step      uint64  `json:"t"`
	Seq       uint64  `json:"seq"`
	RequestID string  `json:"request_id,omitempty"`
	Requester string  `json:"requester,omitempty"`
	Resource  string  `json:"resource,omitempty"`
	Equipment string  `json:"equipment,omitempty"`
	Module    string  `json:"module,omitempty"`
	Qty       float64 `json:"qty,omitempty"`

	Origin      string             `json:"origin,omitempty"`
	Destination string             `json:"destination,omitempty"`
	Payload     map[string]float64 `json:"payload,omitempty"`
}

type DeliveryError struct {
	Subscriber string
	Topic      Topic
	Err        error
}

func (e DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.Topic, e.Subscriber, e.Err)
}

type busSub struct {
	id string
	fn func(Event) error
}

// Bus buffers published events for one step. publish at step t, observe at t+1.
type Bus struct {
	next []Event
	cur  []Event
	seq  uint64

	subs map[Topic][]busSub
}

func NewBus() *Bus {
	return &Bus{subs: map[Topic][]busSub{}}
}

func (b *Bus) Subscribe(id string, topic Topic, fn func(Event) error) {
	b.subs[topic] = append(b.subs[topic], busSub{id: id, fn: fn})
}

// Publish appends to the next-step buffer. Never delivered in the same step.
func (b *Bus) Publish(ev Event) {
	ev.Seq = b.seq
	b.seq++
	b.next = append(b.next, ev)
}

// Swap moves the next-step buffer into the deliverable position.
// Called once per step, before delivery.
func (b *Bus) Swap() {
	b.cur = b.next
	b.next = nil
}

// Deliver drains the current buffer to subscribers in publish order,
// registration order per topic. A failing subscriber does not block the
// others and the event is not redelivered.
func (b *Bus) Deliver() []DeliveryError {
	var errs []DeliveryError
	for _, ev := range b.cur {
		for _, s := range b.subs[ev.Topic] {
			if err := s.fn(ev); err != nil {
				errs = append(errs, DeliveryError{Subscriber: s.id, Topic: ev.Topic, Err: err})
			}
		}
	}
	b.cur = nil
	return errs
}

// Pending returns events not yet delivered (for snapshots).
func (b *Bus) Pending() []Event {
	out := make([]Event, 0, len(b.cur)+len(b.next))
	out = append(out, b.cur...)
	out = append(out, b.next...)
	return out
}

func (b *Bus) Restore(pending []Event, seq uint64) {
	b.cur = nil
	b.next = append([]Event(nil), pending...)
	b.seq = seq
}

func (b *Bus) Seq() uint64 { return b.seq }
