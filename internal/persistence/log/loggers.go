package log

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"proxima.base/internal/sim/world"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// StepLogger writes one JSONL entry per kept step (compressed). Entries are
// sampled at skip granularity: t is kept when t%skip == 0, skip 0 keeps all.
type StepLogger struct {
	w    *JSONLZstdWriter
	skip uint64
}

func NewStepLogger(experimentDir string, skip int) *StepLogger {
	if skip < 0 {
		skip = 0
	}
	return &StepLogger{
		w:    NewJSONLZstdWriter(filepath.Join(experimentDir, "steps"), "steps"),
		skip: uint64(skip),
	}
}

func (l *StepLogger) WriteStep(e world.StepLogEntry) error {
	if l.skip > 1 && e.T%l.skip != 0 {
		return nil
	}
	return l.w.Write(e)
}

func (l *StepLogger) Close() error { return l.w.Close() }

// CSVMetricsLogger flattens the evaluation block into one CSV row per kept
// step. The column set is fixed by the first entry written; metrics that
// register later land in the JSONL stream only.
type CSVMetricsLogger struct {
	path string
	skip uint64

	mu   sync.Mutex
	f    *os.File
	w    *csv.Writer
	cols []string
}

func NewCSVMetricsLogger(experimentDir string, skip int) *CSVMetricsLogger {
	if skip < 0 {
		skip = 0
	}
	return &CSVMetricsLogger{
		path: filepath.Join(experimentDir, "metrics.csv"),
		skip: uint64(skip),
	}
}

func (l *CSVMetricsLogger) WriteStep(e world.StepLogEntry) error {
	if l.skip > 1 && e.T%l.skip != 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		if err := l.openLocked(e); err != nil {
			return err
		}
	}

	row := make([]string, 0, len(l.cols)+1)
	row = append(row, strconv.FormatUint(e.T, 10))
	for _, c := range l.cols {
		row = append(row, strconv.FormatFloat(e.Evaluation.Metrics[c], 'g', -1, 64))
	}
	if err := l.w.Write(row); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

// openLocked appends so a resumed run keeps the prior run's rows. The header
// goes out only when the file is new.
func (l *CSVMetricsLogger) openLocked(e world.StepLogEntry) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	cols := make([]string, 0, len(e.Evaluation.Metrics))
	for name := range e.Evaluation.Metrics {
		cols = append(cols, name)
	}
	sort.Strings(cols)

	l.f = f
	l.w = csv.NewWriter(f)
	l.cols = cols
	if st.Size() > 0 {
		return nil
	}
	return l.w.Write(append([]string{"t"}, cols...))
}

func (l *CSVMetricsLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	l.w.Flush()
	err := l.w.Error()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	l.w = nil
	return err
}
