// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package edgedb is the local durable store for recording sessions,
// recording parts and the cloud identity row.
package edgedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver (pure Go, no CGO)
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("edgedb: not found")
	// ErrRecordingInProgress is returned when a second recording is started
	// while one still has capture_done = false.
	ErrRecordingInProgress = errors.New("edgedb: a recording is already in progress")
)

// Store provides SQLite persistence for the edge appliance.
type Store struct {
	db *sql.DB
}

// Open initializes the store and runs migrations.
// WAL mode + busy_timeout avoid "database locked" errors under the
// concurrent bus handlers.
func Open(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS video_recordings (
		id TEXT PRIMARY KEY,
		dir TEXT NOT NULL,
		capture_done INTEGER NOT NULL DEFAULT 0,
		cloud_sync_done INTEGER NOT NULL DEFAULT 0,
		recording_start INTEGER,
		recording_end INTEGER,
		gcode_file_name TEXT
	);

	-- at most one recording may be in progress
	CREATE UNIQUE INDEX IF NOT EXISTS idx_video_recordings_current
		ON video_recordings(capture_done) WHERE capture_done = 0;

	CREATE TABLE IF NOT EXISTS video_recording_parts (
		recording_id TEXT NOT NULL REFERENCES video_recordings(id),
		part_number INTEGER NOT NULL,
		file_name TEXT NOT NULL,
		size_bytes INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		cloud_sync_done INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (recording_id, part_number)
	);

	CREATE TABLE IF NOT EXISTS cloud_identity (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		pi_id INTEGER NOT NULL,
		hostname TEXT NOT NULL,
		bus_uri TEXT NOT NULL,
		creds_path TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Recording is one capture session.
type Recording struct {
	ID             string     `json:"id"`
	Dir            string     `json:"dir"`
	CaptureDone    bool       `json:"capture_done"`
	CloudSyncDone  bool       `json:"cloud_sync_done"`
	RecordingStart *time.Time `json:"recording_start,omitempty"`
	RecordingEnd   *time.Time `json:"recording_end,omitempty"`
	GcodeFileName  *string    `json:"gcode_file_name,omitempty"`
}

// Part is one rotated file of a recording.
type Part struct {
	RecordingID   string `json:"recording_id"`
	PartNumber    int    `json:"part_number"`
	FileName      string `json:"file_name"`
	SizeBytes     int64  `json:"size_bytes"`
	Deleted       bool   `json:"deleted"`
	CloudSyncDone bool   `json:"cloud_sync_done"`
}

// CloudIdentity links this device to the remote bus.
type CloudIdentity struct {
	PiID      int64  `json:"pi_id"`
	Hostname  string `json:"hostname"`
	BusURI    string `json:"bus_uri"`
	CredsPath string `json:"creds_path"`
}

func timeFromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

// InsertNewRecording creates the target directory under baseDir and inserts
// the row with recording_start = now. The partial unique index rejects a
// second in-progress recording.
func (s *Store) InsertNewRecording(ctx context.Context, baseDir string) (*Recording, error) {
	id := uuid.NewString()
	dir := filepath.Join(baseDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}

	start := time.Now().UTC()
	rec := &Recording{ID: id, Dir: dir, RecordingStart: &start}

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO video_recordings (id, dir, capture_done, cloud_sync_done, recording_start)
	VALUES (?, ?, 0, 0, ?)`, rec.ID, rec.Dir, start.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrRecordingInProgress
		}
		return nil, fmt.Errorf("insert recording: %w", err)
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the message; the
	// driver error type is not exported in a comparable form.
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "constraint failed")
}

// RecordingPatch carries optional field updates for UpdateRecording.
type RecordingPatch struct {
	CaptureDone   *bool
	CloudSyncDone *bool
	RecordingEnd  *time.Time
	GcodeFileName *string
}

// UpdateRecording applies the non-nil fields of patch in one transaction.
// capture_done never reverts to false once set.
func (s *Store) UpdateRecording(ctx context.Context, id string, patch RecordingPatch) (*Recording, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if patch.CaptureDone != nil {
		if _, err := tx.ExecContext(ctx, `
		UPDATE video_recordings SET capture_done = MAX(capture_done, ?) WHERE id = ?`,
			boolToInt(*patch.CaptureDone), id); err != nil {
			return nil, fmt.Errorf("update capture_done: %w", err)
		}
	}
	if patch.CloudSyncDone != nil {
		if _, err := tx.ExecContext(ctx, `
		UPDATE video_recordings SET cloud_sync_done = ? WHERE id = ?`,
			boolToInt(*patch.CloudSyncDone), id); err != nil {
			return nil, fmt.Errorf("update cloud_sync_done: %w", err)
		}
	}
	if patch.RecordingEnd != nil {
		if _, err := tx.ExecContext(ctx, `
		UPDATE video_recordings SET recording_end = ? WHERE id = ?`,
			patch.RecordingEnd.UnixNano(), id); err != nil {
			return nil, fmt.Errorf("update recording_end: %w", err)
		}
	}
	if patch.GcodeFileName != nil {
		if _, err := tx.ExecContext(ctx, `
		UPDATE video_recordings SET gcode_file_name = ? WHERE id = ?`,
			*patch.GcodeFileName, id); err != nil {
			return nil, fmt.Errorf("update gcode_file_name: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetRecording(ctx, id)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const recordingColumns = `id, dir, capture_done, cloud_sync_done, recording_start, recording_end, gcode_file_name`

func scanRecording(row interface{ Scan(...any) error }) (*Recording, error) {
	var r Recording
	var captureDone, cloudSyncDone int
	var start, end sql.NullInt64
	var gcode sql.NullString
	if err := row.Scan(&r.ID, &r.Dir, &captureDone, &cloudSyncDone, &start, &end, &gcode); err != nil {
		return nil, err
	}
	r.CaptureDone = captureDone != 0
	r.CloudSyncDone = cloudSyncDone != 0
	r.RecordingStart = timeFromNanos(start)
	r.RecordingEnd = timeFromNanos(end)
	if gcode.Valid {
		r.GcodeFileName = &gcode.String
	}
	return &r, nil
}

// GetRecording retrieves a recording by id.
func (s *Store) GetRecording(ctx context.Context, id string) (*Recording, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT `+recordingColumns+` FROM video_recordings WHERE id = ?`, id)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// GetCurrent returns the unique in-progress recording, or nil when no
// capture is running.
func (s *Store) GetCurrent(ctx context.Context) (*Recording, error) {
	row := s.db.QueryRowContext(ctx, `
	SELECT `+recordingColumns+` FROM video_recordings
	WHERE capture_done = 0
	ORDER BY recording_start DESC
	LIMIT 1`)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// ListRecordings returns all recordings ordered by start time descending.
func (s *Store) ListRecordings(ctx context.Context) ([]Recording, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+recordingColumns+` FROM video_recordings ORDER BY recording_start DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
