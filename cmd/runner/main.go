package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"proxima.base/internal/persistence/indexdb"
	persistlog "proxima.base/internal/persistence/log"
	"proxima.base/internal/persistence/snapshot"
	"proxima.base/internal/sim/build"
	"proxima.base/internal/sim/catalogs"
	"proxima.base/internal/sim/tuning"
	"proxima.base/internal/sim/world"
	"proxima.base/internal/transport/observer"
)

const (
	exitOK        = 0
	exitConfig    = 2
	exitOverdraft = 3
	exitStore     = 4
)

// envConfig carries the deployment-side knobs. Flags override these.
type envConfig struct {
	ExperimentID string `env:"EXPERIMENT_ID"`
	DBURI        string `env:"DB_URI"`
	UpdateRateMS int    `env:"UPDATE_RATE_MS" envDefault:"0"`
	UpdateCycles int    `env:"UPDATE_CYCLES" envDefault:"0"`
	ReadOnly     bool   `env:"READ_ONLY" envDefault:"false"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		fmt.Fprintf(os.Stderr, "parse environment: %v\n", err)
		return exitConfig
	}

	var (
		experimentID = flag.String("experiment-id", ec.ExperimentID, "experiment document id to run")
		steps        = flag.Int("steps", ec.UpdateCycles, "number of steps to run (0 = experiment's configured length)")
		seed         = flag.Int64("seed", 0, "override the experiment's seed (0 = keep)")
		readOnly     = flag.Bool("read-only", ec.ReadOnly, "refuse observer commands and skip the inbox")
		configDir    = flag.String("configs", "./configs", "config directory (tuning.yaml + store/)")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		dbURI        = flag.String("db", ec.DBURI, "result store uri (default: <data>/<experiment>/index.db)")
		addr         = flag.String("addr", "127.0.0.1:8080", "observer http listen address (empty to disable)")
		rateMS       = flag.Int("rate-ms", ec.UpdateRateMS, "wall-clock delay between steps in milliseconds (0 = free-running)")
		snapPath     = flag.String("snapshot", "", "path to snapshot to resume from (optional)")
		loadLatest   = flag.Bool("load-latest-snapshot", true, "resume from the newest checkpoint if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[runner] ", log.LstdFlags|log.Lmicroseconds)

	if strings.TrimSpace(*experimentID) == "" {
		logger.Printf("no experiment id (flag -experiment-id or EXPERIMENT_ID)")
		return exitConfig
	}

	tune, err := tuning.Load(filepath.Join(*configDir, "tuning.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found; using defaults")
			tune = tuning.Defaults()
		} else {
			logger.Printf("load tuning: %v", err)
			return exitConfig
		}
	}

	cats, err := catalogs.Load(filepath.Join(*configDir, "store"))
	if err != nil {
		logger.Printf("load catalogs: %v", err)
		return exitConfig
	}

	cfg, policies, err := build.Build(cats, tune, *experimentID)
	if err != nil {
		logger.Printf("build experiment: %v", err)
		return exitConfig
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}

	expDir := filepath.Join(*dataDir, "experiments", cfg.ExperimentID)
	_ = os.MkdirAll(expDir, 0o755)

	uri := strings.TrimSpace(*dbURI)
	if uri == "" {
		uri = filepath.Join(expDir, "index.db")
	}
	store, err := indexdb.Open(uri, tune.Store)
	if err != nil {
		logger.Printf("open store: %v", err)
		return exitStore
	}
	defer store.Close()

	if err := store.UpsertCatalogs(cats, tune); err != nil {
		logger.Printf("store: upsert catalogs: %v", err)
	}

	w, err := world.New(cfg, logger)
	if err != nil {
		logger.Printf("world: %v", err)
		return exitConfig
	}
	for _, p := range policies {
		w.AddPolicy(p)
	}

	// Resume from a checkpoint if one exists.
	snapDir := filepath.Join(expDir, "snapshots")
	resume := strings.TrimSpace(*snapPath)
	if resume == "" && *loadLatest {
		if p, err := snapshot.Latest(snapDir); err == nil {
			resume = p
		}
	}
	if resume != "" {
		snap, err := snapshot.Read(resume)
		if err != nil {
			logger.Printf("read snapshot: %v", err)
			return exitConfig
		}
		if err := w.ImportSnapshot(snap); err != nil {
			logger.Printf("import snapshot: %v", err)
			return exitConfig
		}
		logger.Printf("resumed from %s t=%d", filepath.Base(resume), w.CurrentStep())
	}

	ctx, cancel := signalContext()
	defer cancel()

	stepLog := persistlog.NewStepLogger(expDir, tune.LogSkipSteps)
	csvLog := persistlog.NewCSVMetricsLogger(expDir, tune.LogSkipSteps)
	defer stepLog.Close()
	defer csvLog.Close()

	obs := observer.NewServer(w, store, *readOnly, logger)
	w.SetStepLogger(multiStepLogger{jsonl: stepLog, csv: csvLog, store: store, obs: obs})

	// Snapshot writer. The sink is drained off the step loop so a slow disk
	// never stalls the simulation.
	snapCh := make(chan world.SnapshotV1, 2)
	w.SetSnapshotSink(snapCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				path := snapshot.PathFor(snapDir, snap.Header.T)
				if err := snapshot.Write(path, snap); err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				store.RecordSnapshot(snap.Header.ExperimentID, snap.Header.T, path, snap.Seed)
			}
		}
	}()

	if strings.TrimSpace(*addr) != "" {
		srv := startObserverHTTP(ctx, *addr, obs, logger)
		defer func() {
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = srv.Shutdown(ctx2)
		}()
	}

	limit := *steps
	if limit <= 0 {
		if exp, ok := cats.Experiments.ByID[cfg.ExperimentID]; ok {
			limit = int(exp.Steps)
		}
	}
	logger.Printf("running experiment=%s seed=%d steps=%d read_only=%v", cfg.ExperimentID, cfg.Seed, limit, *readOnly)

	code := stepLoop(ctx, w, store, limit, *rateMS, *readOnly, logger)
	if n := store.Dropped(); n > 0 {
		logger.Printf("store fell behind: %d writes dropped", n)
	}
	logger.Printf("stopped at t=%d", w.CurrentStep())
	return code
}

func stepLoop(ctx context.Context, w *world.World, store *indexdb.Store, limit, rateMS int, readOnly bool, logger *log.Logger) int {
	ran := 0
	for {
		select {
		case <-ctx.Done():
			return exitOK
		default:
		}
		if limit > 0 && ran >= limit {
			return exitOK
		}

		if !readOnly {
			drainCommands(w, store, logger)
		}

		if w.Paused() {
			sleepStep(ctx, rateMS)
			continue
		}

		if _, err := w.StepOnce(); err != nil {
			var od *world.CommitOverdraftError
			if errors.As(err, &od) {
				logger.Printf("commit overdraft at t=%d: %v", w.CurrentStep(), od)
				return exitOverdraft
			}
			logger.Printf("step failed at t=%d: %v", w.CurrentStep(), err)
			return exitOK
		}
		ran++
		sleepStep(ctx, rateMS)
	}
}

// drainCommands applies the inbox oldest first. A command that fails to
// apply is logged and removed; it never blocks the ones behind it.
func drainCommands(w *world.World, store *indexdb.Store, logger *log.Logger) {
	cmds, err := store.PendingCommands(w.Config().ExperimentID)
	if err != nil {
		logger.Printf("read command inbox: %v", err)
		return
	}
	for _, c := range cmds {
		if err := w.ApplyCommand(c); err != nil {
			logger.Printf("command %s (%s) rejected: %v", c.CmdID, c.Kind, err)
		}
		if err := store.DeleteCommand(c.CmdID); err != nil {
			logger.Printf("delete command %s: %v", c.CmdID, err)
		}
	}
}

func sleepStep(ctx context.Context, rateMS int) {
	if rateMS <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(rateMS) * time.Millisecond):
	}
}

func startObserverHTTP(ctx context.Context, addr string, obs *observer.Server, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/observer/bootstrap", obs.BootstrapHandler())
	mux.HandleFunc("/v1/observer/ws", obs.WSHandler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("observer listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("observer http: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx2)
	}()
	return srv
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

// multiStepLogger fans each entry out to every sink. Sink failures are
// independent; the JSONL stream is the source of truth.
type multiStepLogger struct {
	jsonl *persistlog.StepLogger
	csv   *persistlog.CSVMetricsLogger
	store *indexdb.Store
	obs   *observer.Server
}

func (m multiStepLogger) WriteStep(e world.StepLogEntry) error {
	var first error
	if m.jsonl != nil {
		if err := m.jsonl.WriteStep(e); err != nil && first == nil {
			first = err
		}
	}
	if m.csv != nil {
		if err := m.csv.WriteStep(e); err != nil && first == nil {
			first = err
		}
	}
	if m.store != nil {
		m.store.WriteStep(e)
	}
	if m.obs != nil {
		m.obs.Broadcast(e)
	}
	return first
}
