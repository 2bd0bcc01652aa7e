package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"proxima.base/internal/sim/catalogs"
	"proxima.base/internal/sim/tuning"
	"proxima.base/internal/sim/world"
)

// UnavailableError reports that the result store could not be reached even
// after the configured retries. The runner maps it to its own exit code.
type UnavailableError struct {
	URI string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("result store %s unavailable: %v", e.URI, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Store indexes step records, snapshot locations and the command inbox in a
// single SQLite file. Step writes are asynchronous; command operations are
// synchronous because the runner drains the inbox between steps.
type Store struct {
	db  *sql.DB
	uri string

	retryMax  int
	retryBase time.Duration

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

type reqKind int

const (
	reqStep reqKind = iota + 1
	reqSnapshot
)

type req struct {
	kind reqKind

	step     world.StepLogEntry
	snapshot snapshotRow
}

type snapshotRow struct {
	ExperimentID string
	T            uint64
	Path         string
	Seed         int64
	RecordedAt   string
}

// Open connects to a SQLite store. The URI accepts plain paths and the
// sqlite:// prefix. Connection and schema setup retry with exponential
// backoff; exhausting the retries yields *UnavailableError.
func Open(uri string, limits tuning.StoreLimits) (*Store, error) {
	if uri == "" {
		return nil, &UnavailableError{URI: uri, Err: fmt.Errorf("empty db uri")}
	}
	path := strings.TrimPrefix(uri, "sqlite://")

	s := &Store{
		uri:       uri,
		retryMax:  limits.RetryMax,
		retryBase: time.Duration(limits.RetryBaseMs) * time.Millisecond,
		ch:        make(chan req, limits.WriteQueueSize),
	}

	err := s.withRetry(func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return err
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)

		if err := initPragmas(db); err != nil {
			_ = db.Close()
			return err
		}
		if err := initSchema(db); err != nil {
			_ = db.Close()
			return err
		}
		s.db = db
		return nil
	})
	if err != nil {
		return nil, &UnavailableError{URI: uri, Err: err}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL suits the append-heavy step stream; NORMAL is enough durability
	// for a secondary index (the JSONL logs remain the source of truth).
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS steps (
			experiment_id TEXT NOT NULL,
			t INTEGER NOT NULL,
			digest TEXT NOT NULL,
			runner_state TEXT NOT NULL,
			errors INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (experiment_id, t)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			experiment_id TEXT NOT NULL,
			t INTEGER NOT NULL,
			path TEXT NOT NULL,
			seed INTEGER NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (experiment_id, t)
		);`,
		`CREATE TABLE IF NOT EXISTS commands (
			cmd_id TEXT PRIMARY KEY,
			experiment_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT,
			ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_commands_exp_ts ON commands(experiment_id, ts);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// Dropped reports how many async writes were discarded because the writer
// fell behind.
func (s *Store) Dropped() uint64 { return s.dropped.Load() }

func (s *Store) WriteStep(entry world.StepLogEntry) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqStep, step: entry}:
	default:
		s.dropped.Add(1)
	}
}

func (s *Store) RecordSnapshot(experimentID string, t uint64, path string, seed int64) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		ExperimentID: experimentID,
		T:            t,
		Path:         path,
		Seed:         seed,
		RecordedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
		s.dropped.Add(1)
	}
}

// LatestSnapshot returns the newest recorded snapshot path for an
// experiment, or "" when none was recorded.
func (s *Store) LatestSnapshot(experimentID string) (path string, t uint64, err error) {
	row := s.db.QueryRow(
		`SELECT path, t FROM snapshots WHERE experiment_id = ? ORDER BY t DESC LIMIT 1`,
		experimentID,
	)
	if err := row.Scan(&path, &t); err != nil {
		if err == sql.ErrNoRows {
			return "", 0, nil
		}
		return "", 0, err
	}
	return path, t, nil
}

// StepDigests returns the logged digests for [from, to] in ascending order,
// keyed by t. Used by replay verification.
func (s *Store) StepDigests(experimentID string, from, to uint64) (map[uint64]string, error) {
	rows, err := s.db.Query(
		`SELECT t, digest FROM steps WHERE experiment_id = ? AND t BETWEEN ? AND ? ORDER BY t`,
		experimentID, int64(from), int64(to),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[uint64]string{}
	for rows.Next() {
		var t int64
		var d string
		if err := rows.Scan(&t, &d); err != nil {
			return nil, err
		}
		out[uint64(t)] = d
	}
	return out, rows.Err()
}

// EnqueueCommand inserts one command into the inbox. Duplicate cmd_ids are
// ignored so retried submissions stay idempotent.
func (s *Store) EnqueueCommand(experimentID string, cmd world.Command) error {
	return s.withRetry(func() error {
		_, err := s.db.Exec(
			`INSERT OR IGNORE INTO commands(cmd_id, experiment_id, kind, payload, ts) VALUES(?,?,?,?,?)`,
			cmd.CmdID, experimentID, cmd.Kind, string(cmd.Payload), cmd.TS,
		)
		return err
	})
}

// PendingCommands returns the inbox for an experiment ordered by submission
// time, oldest first. Ties break on cmd_id for a stable order.
func (s *Store) PendingCommands(experimentID string) ([]world.Command, error) {
	rows, err := s.db.Query(
		`SELECT cmd_id, kind, payload, ts FROM commands WHERE experiment_id = ? ORDER BY ts, cmd_id`,
		experimentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []world.Command
	for rows.Next() {
		var c world.Command
		var payload sql.NullString
		if err := rows.Scan(&c.CmdID, &c.Kind, &payload, &c.TS); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			c.Payload = json.RawMessage(payload.String)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCommand(cmdID string) error {
	return s.withRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM commands WHERE cmd_id = ?`, cmdID)
		return err
	})
}

// UpsertCatalogs records the digests and canonical JSON of every loaded
// collection plus the applied tuning, so a run's inputs can be audited later.
func (s *Store) UpsertCatalogs(cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	add := func(name, digest string, v any) {
		b, err := json.Marshal(v)
		if err != nil || len(b) == 0 {
			return
		}
		rows = append(rows, kv{name: name, digest: digest, json: b})
	}

	add("environments", cats.Environments.Digest, sortedVals(cats.Environments.ByID, func(d catalogs.EnvironmentDoc) string { return d.ID }))
	add("component_templates", cats.Components.Digest, sortedVals(cats.Components.ByID, func(d catalogs.ComponentTemplateDoc) string { return d.ID }))
	add("world_systems", cats.Systems.Digest, sortedVals(cats.Systems.ByID, func(d catalogs.WorldSystemDoc) string { return d.ID }))
	add("goals", cats.Goals.Digest, sortedVals(cats.Goals.ByID, func(g world.Goal) string { return g.ID }))
	add("metrics", cats.Metrics.Digest, cats.Metrics.Defs)
	add("policies", cats.Policies.Digest, sortedVals(cats.Policies.ByID, func(p catalogs.PolicyDoc) string { return p.ID }))
	add("experiments", cats.Experiments.Digest, sortedVals(cats.Experiments.ByID, func(e catalogs.ExperimentDoc) string { return e.ID }))

	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	return s.withRetry(func() error {
		tx, err := s.db.BeginTx(context.Background(), nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
			return err
		}
		stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range rows {
			if r.name == "" || r.digest == "" {
				continue
			}
			if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func sortedVals[V any](m map[string]V, key func(V) string) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out
}

func (s *Store) withRetry(fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= s.retryMax {
			return err
		}
		time.Sleep(s.retryBase << attempt)
	}
}

func (s *Store) loop() {
	ctx := context.Background()

	insertStep, _ := s.db.Prepare(`INSERT OR REPLACE INTO steps(experiment_id,t,digest,runner_state,errors,raw_json) VALUES(?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(experiment_id,t,path,seed,recorded_at) VALUES(?,?,?,?,?)`)
	defer func() {
		if insertStep != nil {
			_ = insertStep.Close()
		}
		if insertSnapshot != nil {
			_ = insertSnapshot.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			s.dropped.Add(1)
			continue
		}
		switch r.kind {
		case reqStep:
			e := r.step
			b, _ := json.Marshal(e)
			if insertStep != nil {
				if _, err := tx.Stmt(insertStep).Exec(
					e.ExperimentID,
					int64(e.T),
					e.Digest,
					e.RunnerState,
					len(e.Errors),
					string(b),
				); err != nil {
					rollback()
					s.dropped.Add(1)
					continue
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(
					sn.ExperimentID,
					int64(sn.T),
					sn.Path,
					sn.Seed,
					sn.RecordedAt,
				); err != nil {
					rollback()
					s.dropped.Add(1)
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
