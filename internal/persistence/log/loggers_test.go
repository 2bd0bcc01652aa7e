package log

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"proxima.base/internal/sim/world"
)

func entry(t uint64) world.StepLogEntry {
	return world.StepLogEntry{
		ExperimentID: "exp-a",
		T:            t,
		Evaluation: world.EvaluationResult{
			T:       t,
			Metrics: map[string]float64{"SCI-RATE": float64(t) * 2, "IND-DUST-COV": 0.1},
		},
		RunnerState: "running",
		Digest:      "d",
	}
}

func readJSONL(t *testing.T, dir string) []world.StepLogEntry {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var out []world.StepLogEntry
	for _, e := range ents {
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		dec, err := zstd.NewReader(f)
		if err != nil {
			t.Fatalf("zstd: %v", err)
		}
		sc := bufio.NewScanner(dec)
		for sc.Scan() {
			var rec world.StepLogEntry
			if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			out = append(out, rec)
		}
		dec.Close()
		f.Close()
	}
	return out
}

func TestStepLoggerWritesDecodableLines(t *testing.T) {
	dir := t.TempDir()
	l := NewStepLogger(dir, 1)
	for i := uint64(0); i < 5; i++ {
		if err := l.WriteStep(entry(i)); err != nil {
			t.Fatalf("WriteStep %d: %v", i, err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recs := readJSONL(t, filepath.Join(dir, "steps"))
	if len(recs) != 5 {
		t.Fatalf("records = %d, want 5", len(recs))
	}
	for i, rec := range recs {
		if rec.T != uint64(i) || rec.ExperimentID != "exp-a" {
			t.Fatalf("record %d wrong: %+v", i, rec)
		}
	}
}

func TestStepLoggerSampling(t *testing.T) {
	dir := t.TempDir()
	l := NewStepLogger(dir, 10)
	for i := uint64(0); i < 25; i++ {
		if err := l.WriteStep(entry(i)); err != nil {
			t.Fatalf("WriteStep %d: %v", i, err)
		}
	}
	l.Close()

	recs := readJSONL(t, filepath.Join(dir, "steps"))
	if len(recs) != 3 {
		t.Fatalf("kept %d records, want t=0,10,20", len(recs))
	}
	for i, want := range []uint64{0, 10, 20} {
		if recs[i].T != want {
			t.Fatalf("record %d t = %d, want %d", i, recs[i].T, want)
		}
	}
}

func TestCSVMetricsLoggerFixesColumnsOnFirstWrite(t *testing.T) {
	dir := t.TempDir()
	l := NewCSVMetricsLogger(dir, 1)

	if err := l.WriteStep(entry(0)); err != nil {
		t.Fatalf("WriteStep: %v", err)
	}
	// A metric registered later must not change the column set.
	late := entry(1)
	late.Evaluation.Metrics["TRN-LAUNCHES"] = 1
	if err := l.WriteStep(late); err != nil {
		t.Fatalf("WriteStep late: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "metrics.csv"))
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	header := rows[0]
	if len(header) != 3 || header[0] != "t" || header[1] != "IND-DUST-COV" || header[2] != "SCI-RATE" {
		t.Fatalf("header wrong: %v", header)
	}
	if rows[1][0] != "0" || rows[2][0] != "1" {
		t.Fatalf("t column wrong: %v %v", rows[1], rows[2])
	}
	if rows[2][2] != "2" {
		t.Fatalf("SCI-RATE at t=1 = %s, want 2", rows[2][2])
	}
}

func TestCSVMetricsLoggerAppendsAcrossRuns(t *testing.T) {
	dir := t.TempDir()

	a := NewCSVMetricsLogger(dir, 1)
	for i := uint64(0); i < 2; i++ {
		if err := a.WriteStep(entry(i)); err != nil {
			t.Fatalf("WriteStep %d: %v", i, err)
		}
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// A resumed run must not truncate the earlier rows.
	b := NewCSVMetricsLogger(dir, 1)
	if err := b.WriteStep(entry(2)); err != nil {
		t.Fatalf("WriteStep resumed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close resumed: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "metrics.csv"))
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want header + 3", len(rows))
	}
	if rows[0][0] != "t" || rows[3][0] != "2" {
		t.Fatalf("resumed rows wrong: %v", rows)
	}
	for _, row := range rows[1:] {
		if row[0] == "t" {
			t.Fatalf("header repeated on resume: %v", rows)
		}
	}
}

func TestCSVMetricsLoggerSampling(t *testing.T) {
	dir := t.TempDir()
	l := NewCSVMetricsLogger(dir, 2)
	for i := uint64(0); i < 5; i++ {
		if err := l.WriteStep(entry(i)); err != nil {
			t.Fatalf("WriteStep %d: %v", i, err)
		}
	}
	l.Close()

	f, err := os.Open(filepath.Join(dir, "metrics.csv"))
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want header + t=0,2,4", len(rows))
	}
}
