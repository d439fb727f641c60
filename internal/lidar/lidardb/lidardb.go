// Package lidardb stores per-rotation statistics of publishing sessions in
// sqlite.
package lidardb

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type LidarDB struct {
	*sql.DB
}

// NewLidarDB opens the database at path and applies pending migrations.
func NewLidarDB(path string) (*LidarDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases and the migration lock on
	// the same handle.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	ldb := &LidarDB{db}
	if err := ldb.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return ldb, nil
}

// Session is one run of the driver daemon.
type Session struct {
	SessionID string     `json:"session_id"`
	Model     string     `json:"model"`
	Port      string     `json:"port"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Scan is the stored summary of one published rotation.
type Scan struct {
	ScanID         string    `json:"scan_id"`
	SessionID      string    `json:"session_id"`
	Seq            uint64    `json:"seq"`
	SampleCount    int       `json:"sample_count"`
	PublishedCount int       `json:"published_count"`
	FrequencyHz    float64   `json:"frequency_hz"`
	Stats          ScanStats `json:"stats"`
	DurationMs     float64   `json:"duration_ms"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// StartSession records a new session.
func (ldb *LidarDB) StartSession(s Session) error {
	_, err := ldb.Exec(`INSERT INTO sessions (session_id, model, port, started_at) VALUES (?, ?, ?, ?)`,
		s.SessionID, s.Model, s.Port, s.StartedAt.UnixNano())
	return err
}

// EndSession stamps the end of a session.
func (ldb *LidarDB) EndSession(sessionID string, at time.Time) error {
	res, err := ldb.Exec(`UPDATE sessions SET ended_at = ? WHERE session_id = ?`, at.UnixNano(), sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, sql.ErrNoRows)
	}
	return nil
}

// Sessions returns every session, most recent first.
func (ldb *LidarDB) Sessions() ([]Session, error) {
	rows, err := ldb.Query(`SELECT session_id, model, port, started_at, ended_at FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&s.SessionID, &s.Model, &s.Port, &started, &ended); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, started)
		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// InsertScan stores a scan summary.
func (ldb *LidarDB) InsertScan(s Scan) error {
	_, err := ldb.Exec(`INSERT INTO scans (
			scan_id, session_id, seq, sample_count, published_count, frequency_hz,
			mean_range_mm, stddev_range_mm, min_range_mm, max_range_mm,
			duration_ms, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ScanID, s.SessionID, s.Seq, s.SampleCount, s.PublishedCount, s.FrequencyHz,
		s.Stats.MeanRange, s.Stats.StdDevRange, s.Stats.MinRange, s.Stats.MaxRange,
		s.DurationMs, s.RecordedAt.UnixNano(),
	)
	return err
}

// Scans returns up to limit scans of a session, most recent first.
func (ldb *LidarDB) Scans(sessionID string, limit int) ([]Scan, error) {
	rows, err := ldb.Query(`SELECT scan_id, session_id, seq, sample_count, published_count, frequency_hz,
			mean_range_mm, stddev_range_mm, min_range_mm, max_range_mm, duration_ms, recorded_at
		FROM scans WHERE session_id = ? ORDER BY seq DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scans []Scan
	for rows.Next() {
		var s Scan
		var recorded int64
		if err := rows.Scan(&s.ScanID, &s.SessionID, &s.Seq, &s.SampleCount, &s.PublishedCount, &s.FrequencyHz,
			&s.Stats.MeanRange, &s.Stats.StdDevRange, &s.Stats.MinRange, &s.Stats.MaxRange,
			&s.DurationMs, &recorded); err != nil {
			return nil, err
		}
		s.Stats.Count = s.PublishedCount
		s.RecordedAt = time.Unix(0, recorded)
		scans = append(scans, s)
	}
	return scans, rows.Err()
}

// ScanCount returns the number of scans stored for a session.
func (ldb *LidarDB) ScanCount(sessionID string) (int, error) {
	var n int
	err := ldb.QueryRow(`SELECT COUNT(*) FROM scans WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}
