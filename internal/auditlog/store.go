package auditlog

import (
	"context"
	"database/sql"
	"fmt"
)

// WorkerKind distinguishes swarm workers from lieutenants in the
// journal, mirroring the registry-role discriminator convention used
// elsewhere (internal/persistence.RegistryEntry.Role).
type WorkerKind string

const (
	KindSwarm      WorkerKind = "swarm"
	KindLieutenant WorkerKind = "lieutenant"
)

// Transition names a lifecycle event recorded in the journal.
type Transition string

const (
	TransitionSpawn         Transition = "spawn"
	TransitionPause         Transition = "pause"
	TransitionResume        Transition = "resume"
	TransitionDestroy       Transition = "destroy"
	TransitionModeDowngrade Transition = "mode_downgrade"
	TransitionError         Transition = "error"
	TransitionReconnect     Transition = "reconnect"
)

// Event is one row of the journal.
type Event struct {
	ID         int64
	WorkerName string
	WorkerKind WorkerKind
	Transition Transition
	Detail     string
	OccurredAt string
}

// Log is an append-only lifecycle journal backed by a migrated SQLite
// database. Callers treat every write as best-effort: a journal
// failure must never fail the operation that triggered it.
type Log struct {
	db *sql.DB
}

// OpenLog opens and migrates the journal at path in one step.
func OpenLog(path string) (*Log, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Log{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends one lifecycle event. occurredAt is an RFC3339
// timestamp, passed in by the caller rather than computed here so the
// journal stays deterministic and testable.
func (l *Log) Record(ctx context.Context, workerName string, kind WorkerKind, transition Transition, detail, occurredAt string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO events (worker_name, worker_kind, transition, detail, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		workerName, string(kind), string(transition), detail, occurredAt,
	)
	if err != nil {
		return fmt.Errorf("auditlog: record event: %w", err)
	}
	return nil
}

// Recent returns the most recent events across all workers, newest
// first, capped at limit.
func (l *Log) Recent(ctx context.Context, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, worker_name, worker_kind, transition, detail, occurred_at
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("auditlog: query recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ForWorker returns every recorded event for name, oldest first.
func (l *Log) ForWorker(ctx context.Context, name string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, worker_name, worker_kind, transition, detail, occurred_at
		 FROM events WHERE worker_name = ? ORDER BY id ASC`, name)
	if err != nil {
		return nil, fmt.Errorf("auditlog: query worker events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var e Event
		var kind, transition string
		if err := rows.Scan(&e.ID, &e.WorkerName, &kind, &transition, &e.Detail, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("auditlog: scan event: %w", err)
		}
		e.WorkerKind = WorkerKind(kind)
		e.Transition = Transition(transition)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auditlog: iterate events: %w", err)
	}
	return events, nil
}
