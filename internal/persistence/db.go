// Package persistence stores learned charging policies and run summaries in
// SQLite.
package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"gonum.org/v1/gonum/mat"
	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/wrsn-simulator/core"
	"github.com/signalsfoundry/wrsn-simulator/internal/optimizer"
)

// ErrCheckpointNotFound is returned when no table was stored for an action
// list.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// DB wraps a SQLite connection.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY inside a run.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		fingerprint TEXT PRIMARY KEY,
		policy TEXT NOT NULL,
		actions_json TEXT NOT NULL,
		q_table BLOB NOT NULL,
		run_id TEXT NOT NULL,
		saved_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		scenario TEXT NOT NULL,
		policy TEXT NOT NULL,
		seed INTEGER NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		sim_seconds REAL NOT NULL,
		stop_reason TEXT NOT NULL,
		alive INTEGER NOT NULL,
		dead_nodes INTEGER NOT NULL,
		avg_energy REAL NOT NULL,
		energy_delivered REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_saved ON checkpoints(saved_at);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
	`
	_, err := db.conn.Exec(schema)
	return err
}

type checkpointRow struct {
	Fingerprint string    `db:"fingerprint"`
	Policy      string    `db:"policy"`
	ActionsJSON string    `db:"actions_json"`
	QTable      []byte    `db:"q_table"`
	RunID       string    `db:"run_id"`
	SavedAt     time.Time `db:"saved_at"`
}

// SaveCheckpoint stores cp, replacing any table previously saved for the same
// action list.
func (db *DB) SaveCheckpoint(runID, policy string, cp optimizer.Checkpoint) error {
	if cp.Q == nil {
		return fmt.Errorf("save checkpoint: empty table")
	}
	actionsJSON, err := json.Marshal(cp.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	table, err := cp.Q.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode q-table: %w", err)
	}
	_, err = db.conn.NamedExec(`INSERT OR REPLACE INTO checkpoints
		(fingerprint, policy, actions_json, q_table, run_id, saved_at)
		VALUES (:fingerprint, :policy, :actions_json, :q_table, :run_id, :saved_at)`,
		checkpointRow{
			Fingerprint: formatFingerprint(cp.Fingerprint),
			Policy:      policy,
			ActionsJSON: string(actionsJSON),
			QTable:      table,
			RunID:       runID,
			SavedAt:     time.Now().UTC(),
		})
	if err != nil {
		return fmt.Errorf("insert checkpoint %016x: %w", cp.Fingerprint, err)
	}
	return nil
}

// LoadCheckpoint returns the table stored for the given fingerprint.
func (db *DB) LoadCheckpoint(fingerprint uint64) (optimizer.Checkpoint, error) {
	var row checkpointRow
	err := db.conn.Get(&row, "SELECT * FROM checkpoints WHERE fingerprint = ?", formatFingerprint(fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return optimizer.Checkpoint{}, fmt.Errorf("%w: %016x", ErrCheckpointNotFound, fingerprint)
	}
	if err != nil {
		return optimizer.Checkpoint{}, err
	}
	return row.decode()
}

// LatestCheckpoint returns the most recently saved table for policy.
func (db *DB) LatestCheckpoint(policy string) (optimizer.Checkpoint, error) {
	var row checkpointRow
	err := db.conn.Get(&row,
		"SELECT * FROM checkpoints WHERE policy = ? ORDER BY saved_at DESC LIMIT 1", policy)
	if errors.Is(err, sql.ErrNoRows) {
		return optimizer.Checkpoint{}, fmt.Errorf("%w: no %s table saved", ErrCheckpointNotFound, policy)
	}
	if err != nil {
		return optimizer.Checkpoint{}, err
	}
	return row.decode()
}

func (r checkpointRow) decode() (optimizer.Checkpoint, error) {
	fp, err := strconv.ParseUint(r.Fingerprint, 16, 64)
	if err != nil {
		return optimizer.Checkpoint{}, fmt.Errorf("decode fingerprint %q: %w", r.Fingerprint, err)
	}
	var actions []core.Point
	if err := json.Unmarshal([]byte(r.ActionsJSON), &actions); err != nil {
		return optimizer.Checkpoint{}, fmt.Errorf("decode actions: %w", err)
	}
	q := new(mat.Dense)
	if err := q.UnmarshalBinary(r.QTable); err != nil {
		return optimizer.Checkpoint{}, fmt.Errorf("decode q-table: %w", err)
	}
	return optimizer.Checkpoint{Actions: actions, Fingerprint: fp, Q: q}, nil
}

func formatFingerprint(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}

// RunSummary is the outcome of one simulation run.
type RunSummary struct {
	ID              string    `db:"id"`
	Scenario        string    `db:"scenario"`
	Policy          string    `db:"policy"`
	Seed            int64     `db:"seed"`
	StartedAt       time.Time `db:"started_at"`
	FinishedAt      time.Time `db:"finished_at"`
	SimSeconds      float64   `db:"sim_seconds"`
	StopReason      string    `db:"stop_reason"`
	Alive           bool      `db:"alive"`
	DeadNodes       int       `db:"dead_nodes"`
	AvgEnergy       float64   `db:"avg_energy"`
	EnergyDelivered float64   `db:"energy_delivered"`
}

// SaveRun records a finished run.
func (db *DB) SaveRun(r RunSummary) error {
	_, err := db.conn.NamedExec(`INSERT OR REPLACE INTO runs
		(id, scenario, policy, seed, started_at, finished_at, sim_seconds,
		 stop_reason, alive, dead_nodes, avg_energy, energy_delivered)
		VALUES (:id, :scenario, :policy, :seed, :started_at, :finished_at, :sim_seconds,
		 :stop_reason, :alive, :dead_nodes, :avg_energy, :energy_delivered)`, r)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.ID, err)
	}
	return nil
}

// RecentRuns returns the most recent runs, newest first.
func (db *DB) RecentRuns(limit int) ([]RunSummary, error) {
	var runs []RunSummary
	err := db.conn.Select(&runs,
		"SELECT * FROM runs ORDER BY finished_at DESC LIMIT ?", limit)
	return runs, err
}
