package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"flashguard/internal/database/migrations"
	"flashguard/internal/flash"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase stores session history in SQLite. It implements
// flash.History.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens the database at path and applies any pending
// migrations. path can be a file path or ":memory:".
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// NewSQLiteDatabaseFromDB wraps an existing connection. The caller is
// responsible for its configuration and schema.
func NewSQLiteDatabaseFromDB(db *sql.DB) *SQLiteDatabase {
	return &SQLiteDatabase{db: db}
}

// OpenConnection opens and configures a SQLite connection. Pragmas are set
// through the DSN so that every pooled connection gets them.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Session operations

func (s *SQLiteDatabase) CreateSession(rec flash.SessionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, device_id, firmware_version, firmware_sha256, firmware_size,
			stage, failed_stage, outcome, reason, started_at, updated_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DeviceID, rec.FirmwareVersion, rec.FirmwareSHA256, rec.FirmwareSize,
		string(rec.Stage), string(rec.FailedStage), rec.Outcome, rec.Reason,
		rec.StartedAt.UTC(), rec.UpdatedAt.UTC(), nullTime(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("creating session %s: %w", rec.ID, err)
	}
	return nil
}

// AppendTransition records a stage change and moves the session's current
// stage along with it.
func (s *SQLiteDatabase) AppendTransition(sessionID string, t flash.Transition) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO session_transitions (session_id, stage, reason, at) VALUES (?, ?, ?, ?)`,
		sessionID, string(t.Stage), t.Reason, t.At.UTC()); err != nil {
		return fmt.Errorf("appending transition to session %s: %w", sessionID, err)
	}
	if _, err := tx.Exec(`UPDATE sessions SET stage = ?, updated_at = ? WHERE id = ?`,
		string(t.Stage), t.At.UTC(), sessionID); err != nil {
		return fmt.Errorf("updating session %s: %w", sessionID, err)
	}
	return tx.Commit()
}

func (s *SQLiteDatabase) FinishSession(rec flash.SessionRecord) error {
	res, err := s.db.Exec(`
		UPDATE sessions
		SET stage = ?, failed_stage = ?, outcome = ?, reason = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`,
		string(rec.Stage), string(rec.FailedStage), rec.Outcome, rec.Reason,
		rec.UpdatedAt.UTC(), nullTime(rec.FinishedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("finishing session %s: %w", rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finishing session %s: no such session", rec.ID)
	}
	return nil
}

const sessionColumns = `id, device_id, firmware_version, firmware_sha256, firmware_size,
	stage, failed_stage, outcome, reason, started_at, updated_at, finished_at`

func (s *SQLiteDatabase) ListSessions(limit int) ([]flash.SessionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions
		ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []flash.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("listing sessions: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return out, nil
}

func (s *SQLiteDatabase) FindSession(id string) (*flash.SessionRecord, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding session %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLiteDatabase) LatestSessionForDevice(deviceID string) (*flash.SessionRecord, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE device_id = ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1`, deviceID)
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding latest session for %s: %w", deviceID, err)
	}
	return rec, nil
}

func (s *SQLiteDatabase) ListTransitions(sessionID string) ([]flash.Transition, error) {
	rows, err := s.db.Query(`SELECT stage, reason, at FROM session_transitions
		WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing transitions for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []flash.Transition
	for rows.Next() {
		var t flash.Transition
		var stage string
		if err := rows.Scan(&stage, &t.Reason, &t.At); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		t.Stage = flash.Stage(stage)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing transitions for %s: %w", sessionID, err)
	}
	return out, nil
}

// DeleteFinishedBefore removes finished sessions that ended before cutoff,
// with their transitions. It returns the number of sessions removed.
func (s *SQLiteDatabase) DeleteFinishedBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("deleting sessions before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted sessions: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(r scanner) (*flash.SessionRecord, error) {
	var rec flash.SessionRecord
	var stage, failed string
	var finished sql.NullTime
	err := r.Scan(&rec.ID, &rec.DeviceID, &rec.FirmwareVersion, &rec.FirmwareSHA256, &rec.FirmwareSize,
		&stage, &failed, &rec.Outcome, &rec.Reason, &rec.StartedAt, &rec.UpdatedAt, &finished)
	if err != nil {
		return nil, err
	}
	rec.Stage = flash.Stage(stage)
	rec.FailedStage = flash.Stage(failed)
	if finished.Valid {
		rec.FinishedAt = finished.Time
	}
	return &rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	_, err := s.db.Exec("VACUUM INTO ?", destPath)
	if err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ flash.History = (*SQLiteDatabase)(nil)
