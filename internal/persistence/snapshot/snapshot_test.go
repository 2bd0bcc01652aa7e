package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"proxima.base/internal/sim/world"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	snap := world.SnapshotV1{
		Header: world.SnapshotHeader{Version: 1, ExperimentID: "exp-a", T: 250},
		Seed:   42,
		BusSeq: 9001,
	}

	path := PathFor(filepath.Join(dir, "snapshots"), snap.Header.T)
	if err := Write(path, snap); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Header != snap.Header || got.Seed != snap.Seed || got.BusSeq != snap.BusSeq {
		t.Fatalf("round trip changed the snapshot: %+v", got)
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap-000000000001.json.zst")
	if err := Write(path, world.SnapshotV1{Header: world.SnapshotHeader{Version: 1, ExperimentID: "x", T: 1}}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := Read(filepath.Join(t.TempDir(), "missing.json.zst")); err == nil {
		t.Fatalf("missing file not reported")
	}
}

// Write goes through a temp file, so the checkpoint directory only ever holds
// complete checkpoints under names Latest resolves.
func TestWriteLeavesNoPartialFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	snap := world.SnapshotV1{Header: world.SnapshotHeader{Version: 1, ExperimentID: "exp-a", T: 42}}
	if err := Write(PathFor(dir, snap.Header.T), snap); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(ents) != 1 || ents[0].Name() != "snap-000000000042.json.zst" {
		t.Fatalf("unexpected files after write: %v", ents)
	}
	if _, err := Read(PathFor(dir, snap.Header.T)); err != nil {
		t.Fatalf("Read after write: %v", err)
	}
}

func TestLatestPicksNewestCheckpoint(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")

	if p, err := Latest(dir); err != nil || p != "" {
		t.Fatalf("empty dir: path=%q err=%v", p, err)
	}

	for _, step := range []uint64{500, 1500, 1000} {
		snap := world.SnapshotV1{Header: world.SnapshotHeader{Version: 1, ExperimentID: "exp-a", T: step}}
		if err := Write(PathFor(dir, step), snap); err != nil {
			t.Fatalf("Write t=%d: %v", step, err)
		}
	}

	p, err := Latest(dir)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if p != PathFor(dir, 1500) {
		t.Fatalf("latest = %s, want t=1500", p)
	}
	got, err := Read(p)
	if err != nil {
		t.Fatalf("Read latest: %v", err)
	}
	if got.Header.T != 1500 {
		t.Fatalf("latest header t = %d, want 1500", got.Header.T)
	}
}
