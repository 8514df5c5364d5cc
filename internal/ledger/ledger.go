// Package ledger keeps a queryable SQLite history of a run: one row per
// iteration plus every progress event the run emitted.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/san-kum/mlipal/internal/convergence"
	"github.com/san-kum/mlipal/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS iterations (
    run_id            TEXT NOT NULL,
    iteration         INTEGER NOT NULL,
    train_size        INTEGER NOT NULL DEFAULT 0,
    valid_size        INTEGER NOT NULL DEFAULT 0,
    pool_size         INTEGER NOT NULL DEFAULT 0,
    selected          INTEGER NOT NULL DEFAULT 0,
    started_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL,
    PRIMARY KEY (run_id, iteration)
);

CREATE TABLE IF NOT EXISTS convergence (
    run_id            TEXT NOT NULL,
    iteration         INTEGER NOT NULL,
    converged         INTEGER NOT NULL,
    suggest_stop      INTEGER NOT NULL,
    pool_exhausted    INTEGER NOT NULL,
    disagreement_max  REAL NOT NULL,
    disagreement_mean REAL NOT NULL,
    above_cutoff      INTEGER NOT NULL,
    mae_energy        REAL,
    mae_force         REAL,
    reasons           TEXT NOT NULL,
    error             TEXT,
    created_at        TEXT NOT NULL,
    PRIMARY KEY (run_id, iteration),
    FOREIGN KEY (run_id, iteration) REFERENCES iterations(run_id, iteration)
);

CREATE TABLE IF NOT EXISTS events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    iteration  INTEGER NOT NULL,
    kind       TEXT NOT NULL,
    phase      TEXT,
    member     TEXT,
    epoch      INTEGER,
    loss       REAL,
    mae_e      REAL,
    mae_f      REAL,
    message    TEXT,
    error_kind TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, iteration);
`

type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// a single writer keeps WAL mode and foreign keys on one connection
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func (l *Ledger) DB() *sql.DB { return l.db }

// IterationRecord summarizes the datasets of one iteration.
type IterationRecord struct {
	RunID     string
	Iteration int
	TrainSize int
	ValidSize int
	PoolSize  int
	Selected  int
}

// RecordIteration inserts or updates the iteration row. started_at is kept
// from the first write.
func (l *Ledger) RecordIteration(rec IterationRecord) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := l.db.Exec(`
		INSERT INTO iterations (run_id, iteration, train_size, valid_size, pool_size, selected, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, iteration) DO UPDATE SET
			train_size = excluded.train_size,
			valid_size = excluded.valid_size,
			pool_size  = excluded.pool_size,
			selected   = excluded.selected,
			updated_at = excluded.updated_at`,
		rec.RunID, rec.Iteration, rec.TrainSize, rec.ValidSize, rec.PoolSize, rec.Selected, now, now,
	)
	if err != nil {
		return fmt.Errorf("record iteration %d: %w", rec.Iteration, err)
	}
	return nil
}

// RecordConvergence stores a convergence result for an iteration, creating
// the iteration row when it does not exist yet.
func (l *Ledger) RecordConvergence(runID string, iteration int, res convergence.Result) error {
	reasons, err := json.Marshal(nonNil(res.Reasons))
	if err != nil {
		return fmt.Errorf("marshal reasons: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO iterations (run_id, iteration, pool_size, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id, iteration) DO UPDATE SET updated_at = excluded.updated_at`,
		runID, iteration, res.Metrics.PoolSize, now, now,
	); err != nil {
		return fmt.Errorf("ensure iteration %d: %w", iteration, err)
	}

	m := res.Metrics
	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO convergence
			(run_id, iteration, converged, suggest_stop, pool_exhausted, disagreement_max, disagreement_mean,
			 above_cutoff, mae_energy, mae_force, reasons, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, iteration, res.Converged, res.SuggestStop, res.PoolExhausted, m.DisagreementMax, m.DisagreementMean,
		m.StructuresAboveCutoff, nullFloat(m.ValidationMAEEnergy), nullFloat(m.ValidationMAEForce),
		string(reasons), nullIfEmpty(res.Error), now,
	); err != nil {
		return fmt.Errorf("record convergence %d: %w", iteration, err)
	}
	return tx.Commit()
}

// LogEvent appends one event.
func (l *Ledger) LogEvent(e events.Event) error {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := l.db.Exec(`
		INSERT INTO events (run_id, iteration, kind, phase, member, epoch, loss, mae_e, mae_f, message, error_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Iteration, string(e.Kind), nullIfEmpty(e.Phase), nullIfEmpty(e.Member),
		e.Epoch, e.Loss, e.MAEEnergy, e.MAEForce, nullIfEmpty(e.Message), nullIfEmpty(e.ErrorKind),
		ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// Sink adapts the ledger to an event sink. Log lines are skipped unless
// withLogs is set; write failures are logged and otherwise ignored.
func (l *Ledger) Sink(logger *zap.Logger, withLogs bool) events.Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return events.SinkFunc(func(e events.Event) {
		if e.Kind == events.KindLog && !withLogs {
			return
		}
		if err := l.LogEvent(e); err != nil {
			logger.Warn("ledger write failed", zap.Error(err))
		}
	})
}

// Row is one iteration of a run's history.
type Row struct {
	Iteration        int
	TrainSize        int
	ValidSize        int
	PoolSize         int
	Selected         int
	Evaluated        bool
	Converged        bool
	SuggestStop      bool
	PoolExhausted    bool
	DisagreementMax  float64
	DisagreementMean float64
	AboveCutoff      int
	MAEEnergy        *float64
	MAEForce         *float64
	Reasons          []string
	Error            string
}

// History returns the run's iterations in order.
func (l *Ledger) History(runID string) ([]Row, error) {
	rows, err := l.db.Query(`
		SELECT i.iteration, i.train_size, i.valid_size, i.pool_size, i.selected,
		       c.converged, c.suggest_stop, c.pool_exhausted, c.disagreement_max, c.disagreement_mean,
		       c.above_cutoff, c.mae_energy, c.mae_force, c.reasons, c.error
		FROM iterations i
		LEFT JOIN convergence c ON c.run_id = i.run_id AND c.iteration = i.iteration
		WHERE i.run_id = ?
		ORDER BY i.iteration`, runID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r                        Row
			converged, stop, exhaust sql.NullBool
			dmax, dmean              sql.NullFloat64
			above                    sql.NullInt64
			maeE, maeF               sql.NullFloat64
			reasons, errText         sql.NullString
		)
		if err := rows.Scan(&r.Iteration, &r.TrainSize, &r.ValidSize, &r.PoolSize, &r.Selected,
			&converged, &stop, &exhaust, &dmax, &dmean, &above, &maeE, &maeF, &reasons, &errText); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if reasons.Valid {
			r.Evaluated = true
			r.Converged = converged.Bool
			r.SuggestStop = stop.Bool
			r.PoolExhausted = exhaust.Bool
			r.DisagreementMax = dmax.Float64
			r.DisagreementMean = dmean.Float64
			r.AboveCutoff = int(above.Int64)
			r.MAEEnergy = floatPtr(maeE)
			r.MAEForce = floatPtr(maeF)
			r.Error = errText.String
			if err := json.Unmarshal([]byte(reasons.String), &r.Reasons); err != nil {
				return nil, fmt.Errorf("decode reasons: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Events returns the run's events of the given kind in insertion order.
// An empty kind returns every event.
func (l *Ledger) Events(runID string, kind events.Kind) ([]events.Event, error) {
	rows, err := l.db.Query(`
		SELECT iteration, kind, phase, member, epoch, loss, mae_e, mae_f, message, error_kind, created_at
		FROM events
		WHERE run_id = ? AND (? = '' OR kind = ?)
		ORDER BY id`, runID, string(kind), string(kind))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			e                                 events.Event
			k, created                        string
			phase, member, message, errorKind sql.NullString
		)
		if err := rows.Scan(&e.Iteration, &k, &phase, &member, &e.Epoch, &e.Loss, &e.MAEEnergy, &e.MAEForce,
			&message, &errorKind, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.RunID = runID
		e.Kind = events.Kind(k)
		e.Phase = phase.String
		e.Member = member.String
		e.Message = message.String
		e.ErrorKind = errorKind.String
		e.Time, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
