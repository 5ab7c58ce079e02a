// Package store implements the SQLite-backed execution/incident audit
// trail: additive local state for operators, never the system of
// record for measurement results (that is the external DB upload
// collaborator in internal/transport/httpsmtls) and never replayed on
// process restart. Grounded on the teacher's internal/anticipation
// package's sql.DB + migrate-on-construct pattern, repurposed from
// agent anticipations to campaign incident records.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Severity classifies an incident record, mirroring the exception
// taxonomy of spec.md §7.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Incident is one audit record: an instrument timeout, a UUB removed
// from the active set, a critical evaluator abort, or any other
// program-fatal or recoverable condition worth a durable trail.
type Incident struct {
	ID        int64
	Timestamp time.Time
	Severity  Severity
	Source    string
	Kind      string
	Message   string
	Data      map[string]any
}

// Store wraps a *sql.DB open on a campaign's SQLite audit file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and
// applies the incident-table migration.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers per connection
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS incidents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TIMESTAMP NOT NULL,
			severity TEXT NOT NULL,
			source TEXT NOT NULL,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			data_json TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_incidents_timestamp ON incidents(timestamp);
		CREATE INDEX IF NOT EXISTS idx_incidents_severity ON incidents(severity);
	`)
	return err
}

// Record inserts one incident, assigning it a timestamp if Timestamp
// is zero.
func (s *Store) Record(inc Incident) error {
	if inc.Timestamp.IsZero() {
		inc.Timestamp = time.Now().UTC()
	}
	var dataJSON []byte
	if len(inc.Data) > 0 {
		var err error
		dataJSON, err = json.Marshal(inc.Data)
		if err != nil {
			return fmt.Errorf("store: marshal incident data: %w", err)
		}
	}
	_, err := s.db.Exec(
		`INSERT INTO incidents (timestamp, severity, source, kind, message, data_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		inc.Timestamp, string(inc.Severity), inc.Source, inc.Kind, inc.Message, string(dataJSON),
	)
	return err
}

// Since returns every incident recorded at or after ts, oldest first.
func (s *Store) Since(ts time.Time) ([]Incident, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, severity, source, kind, message, data_json
		 FROM incidents WHERE timestamp >= ? ORDER BY timestamp ASC`, ts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidents(rows)
}

// BySeverity returns every incident of the given severity, oldest first.
func (s *Store) BySeverity(sev Severity) ([]Incident, error) {
	rows, err := s.db.Query(
		`SELECT id, timestamp, severity, source, kind, message, data_json
		 FROM incidents WHERE severity = ? ORDER BY timestamp ASC`, string(sev))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIncidents(rows)
}

func scanIncidents(rows *sql.Rows) ([]Incident, error) {
	var out []Incident
	for rows.Next() {
		var inc Incident
		var sev string
		var dataJSON sql.NullString
		if err := rows.Scan(&inc.ID, &inc.Timestamp, &sev, &inc.Source, &inc.Kind, &inc.Message, &dataJSON); err != nil {
			return nil, err
		}
		inc.Severity = Severity(sev)
		if dataJSON.Valid && dataJSON.String != "" {
			if err := json.Unmarshal([]byte(dataJSON.String), &inc.Data); err != nil {
				return nil, fmt.Errorf("store: unmarshal incident %d data: %w", inc.ID, err)
			}
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
