package model

import "math"

type RocketPhase string

const (
	PhaseIdle     RocketPhase = "IDLE"
	PhaseOutbound RocketPhase = "OUTBOUND"
	PhaseLoading  RocketPhase = "LOADING"
	PhaseInbound  RocketPhase = "INBOUND"
)

// Arrival is emitted when a rocket reaches a body with cargo aboard.
type Arrival struct {
	Location  string
	Payload   map[string]float64
	RequestID string
}

// Rocket flies fixed round trips: outbound with the delivery payload, a
// loading stay, then inbound with the return payload. Fuel accounting is the
// sector's job; the rocket only keeps time.
type Rocket struct {
	ID             string  `json:"id"`
	Phase          RocketPhase `json:"phase"`
	DistanceKm     float64 `json:"distance_km"`
	CruiseSpeedKmh float64 `json:"cruise_speed_kmh"`
	LoadingSteps   int     `json:"loading_steps"`
	CapacityKg     float64 `json:"capacity_kg"`
	PropPerKg      float64 `json:"prop_per_kg"`

	ETA           int                `json:"eta"`
	OutPayload    map[string]float64 `json:"out_payload,omitempty"`
	ReturnPayload map[string]float64 `json:"return_payload,omitempty"`
	OutDest       string             `json:"out_dest,omitempty"`
	HomeDest      string             `json:"home_dest,omitempty"`
	RequestID     string             `json:"request_id,omitempty"`
	Missions      int                `json:"missions"`
	Health        Health             `json:"health"`
}

// TripSteps is the one-way flight time in whole steps.
func (r *Rocket) TripSteps() int {
	if r.CruiseSpeedKmh <= 0 {
		return 1
	}
	return int(math.Ceil(r.DistanceKm / r.CruiseSpeedKmh))
}

// PropNeeded is the fuel for a full round trip carrying out and return cargo.
func (r *Rocket) PropNeeded(outKg, returnKg float64) float64 {
	return (outKg + returnKg) * r.PropPerKg
}

// CommitRoundTrip launches an idle rocket. The caller must already have
// deducted the fuel.
func (r *Rocket) CommitRoundTrip(out, ret map[string]float64, outDest, homeDest, requestID string) bool {
	if r.Phase != PhaseIdle {
		return false
	}
	r.Phase = PhaseOutbound
	r.ETA = r.TripSteps()
	r.OutPayload = out
	r.ReturnPayload = ret
	r.OutDest = outDest
	r.HomeDest = homeDest
	r.RequestID = requestID
	return true
}

// Step advances the mission clock by one step. Phase transitions never
// consume a step of the new phase. Returns a non-nil Arrival when cargo
// reaches a body this step.
func (r *Rocket) Step() *Arrival {
	switch r.Phase {
	case PhaseOutbound:
		r.ETA--
		if r.ETA > 0 {
			return nil
		}
		r.Phase = PhaseLoading
		r.ETA = r.LoadingSteps
		return &Arrival{Location: r.OutDest, Payload: r.OutPayload, RequestID: r.RequestID}
	case PhaseLoading:
		r.ETA--
		if r.ETA > 0 {
			return nil
		}
		r.Phase = PhaseInbound
		r.ETA = r.TripSteps()
		return nil
	case PhaseInbound:
		r.ETA--
		if r.ETA > 0 {
			return nil
		}
		arr := &Arrival{Location: r.HomeDest, Payload: r.ReturnPayload, RequestID: r.RequestID}
		r.Phase = PhaseIdle
		r.ETA = 0
		r.OutPayload = nil
		r.ReturnPayload = nil
		r.OutDest = ""
		r.HomeDest = ""
		r.RequestID = ""
		r.Missions++
		return arr
	default:
		return nil
	}
}
