// Package journal persists device health and cloud session transitions
// to SQLite. The journal answers the operational question "when did
// device X last go unhealthy, and why" across bridge restarts, which
// in-memory health state cannot. Writes are best-effort: a journal
// failure is logged and the bridge keeps running.
package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oakhollow/iotbridge/internal/fleet"
)

// Transition kinds stored in the journal.
const (
	KindDevice  = "device"
	KindSession = "session"
	KindBridge  = "bridge"
	KindConn    = "conn"
)

// Entry is a single journaled transition.
type Entry struct {
	ID         int64     `json:"id"`
	InstanceID string    `json:"instance_id"`
	At         time.Time `json:"at"`
	Kind       string    `json:"kind"`
	Subject    string    `json:"subject"`
	Detail     string    `json:"detail"`
}

// Journal is a SQLite-backed transition log. All public methods are
// safe for concurrent use (SQLite serializes writes). It implements
// fleet.TransitionSink and the cloud session's transition sink.
type Journal struct {
	db         *sql.DB
	instanceID string
	logger     *slog.Logger
}

// Open creates or opens the journal database at dbPath. The schema is
// created automatically on first use.
func Open(dbPath string, logger *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	j := &Journal{db: db, logger: logger}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// SetInstanceID tags subsequent entries with the bridge instance
// identity, so logs from reinstalls are distinguishable.
func (j *Journal) SetInstanceID(id string) {
	j.instanceID = id
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transitions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id TEXT NOT NULL DEFAULT '',
		at          TEXT NOT NULL,
		kind        TEXT NOT NULL,
		subject     TEXT NOT NULL,
		detail      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_subject ON transitions (kind, subject, at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record appends a transition entry. Errors are logged, not returned:
// the journal must never take the bridge down.
func (j *Journal) Record(kind, subject, detail string) {
	_, err := j.db.Exec(
		`INSERT INTO transitions (instance_id, at, kind, subject, detail)
		 VALUES (?, ?, ?, ?, ?)`,
		j.instanceID, time.Now().UTC().Format(time.RFC3339), kind, subject, detail,
	)
	if err != nil {
		j.logger.Warn("journal write failed",
			"kind", kind,
			"subject", subject,
			"error", err,
		)
	}
}

// DeviceTransition implements fleet.TransitionSink.
func (j *Journal) DeviceTransition(deviceID string, from, to fleet.Status, detail string) {
	j.Record(KindDevice, deviceID, fmt.Sprintf("%s -> %s: %s", from, to, detail))
}

// SessionTransition records a cloud session lifecycle event.
func (j *Journal) SessionTransition(event, detail string) {
	j.Record(KindSession, event, detail)
}

// ConnTransition records a watched dependency going ready or down.
func (j *Journal) ConnTransition(name string, ready bool, err error) {
	detail := "ready"
	if !ready {
		detail = "down"
		if err != nil {
			detail = "down: " + err.Error()
		}
	}
	j.Record(KindConn, name, detail)
}

// Recent returns the most recent n entries, newest first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	rows, err := j.db.Query(
		`SELECT id, instance_id, at, kind, subject, detail
		 FROM transitions ORDER BY id DESC LIMIT ?`,
		n,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var at string
		if err := rows.Scan(&e.ID, &e.InstanceID, &at, &e.Kind, &e.Subject, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339, at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
