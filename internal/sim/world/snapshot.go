package world

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const snapshotVersion = 1

type SnapshotHeader struct {
	Version      int    `json:"version"`
	ExperimentID string `json:"experiment_id"`
	T            uint64 `json:"t"`
}

// SnapshotV1 is the complete serializable world state: loading it and
// resuming must be indistinguishable from never having stopped.
type SnapshotV1 struct {
	Header SnapshotHeader `json:"header"`
	Seed   int64          `json:"seed"`
	Paused bool           `json:"paused"`

	BusSeq        uint64  `json:"bus_seq"`
	PendingEvents []Event `json:"pending_events,omitempty"`

	// Arrivals observed since the last growth tick, not yet consumed.
	Completions map[string]float64 `json:"completions,omitempty"`

	Energy         energyState         `json:"energy"`
	Manufacturing  manufacturingState  `json:"manufacturing"`
	Construction   constructionState   `json:"construction"`
	Equipment      equipmentState      `json:"equipment"`
	Transportation transportationState `json:"transportation"`
	Science        scienceState        `json:"science"`

	Eval     evalState   `json:"eval"`
	Policies policyState `json:"policies"`
}

func (w *World) ExportSnapshot() SnapshotV1 {
	return SnapshotV1{
		Header: SnapshotHeader{
			Version:      snapshotVersion,
			ExperimentID: w.cfg.ExperimentID,
			T:            w.t,
		},
		Seed:           w.seed,
		Paused:         w.paused,
		BusSeq:         w.bus.Seq(),
		PendingEvents:  w.bus.Pending(),
		Completions:    w.completions,
		Energy:         w.energy.snapshot(),
		Manufacturing:  w.manufacturing.snapshot(),
		Construction:   w.construction.snapshot(),
		Equipment:      w.equipment.snapshot(),
		Transportation: w.transportation.snapshot(),
		Science:        w.science.snapshot(),
		Eval:           w.eval.snapshot(),
		Policies:       w.policies.snapshot(),
	}
}

func (w *World) ImportSnapshot(s SnapshotV1) error {
	if s.Header.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", s.Header.Version)
	}
	if s.Header.ExperimentID != "" && s.Header.ExperimentID != w.cfg.ExperimentID {
		return fmt.Errorf("snapshot experiment mismatch: %s != %s", s.Header.ExperimentID, w.cfg.ExperimentID)
	}
	w.t = s.Header.T
	w.seed = s.Seed
	w.paused = s.Paused
	w.bus.Restore(s.PendingEvents, s.BusSeq)
	w.completions = s.Completions
	if w.completions == nil {
		w.completions = map[string]float64{}
	}
	w.energy.restore(s.Energy)
	w.manufacturing.restore(s.Manufacturing)
	w.construction.restore(s.Construction)
	w.equipment.restore(s.Equipment)
	w.transportation.restore(s.Transportation)
	w.science.restore(s.Science)
	w.eval.restore(s.Eval)
	w.policies.restore(s.Policies)
	return nil
}

// StateDigest is the canonical sha256 over the full snapshot. Two worlds with
// equal digests are in identical states.
func (w *World) StateDigest() string {
	b, err := json.Marshal(w.ExportSnapshot())
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
