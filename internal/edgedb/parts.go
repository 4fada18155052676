// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package edgedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertPart records (or refreshes) a rotated file of a recording.
func (s *Store) UpsertPart(ctx context.Context, p Part) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO video_recording_parts (recording_id, part_number, file_name, size_bytes, deleted, cloud_sync_done)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (recording_id, part_number) DO UPDATE SET
		file_name = excluded.file_name,
		size_bytes = excluded.size_bytes`,
		p.RecordingID, p.PartNumber, p.FileName, p.SizeBytes,
		boolToInt(p.Deleted), boolToInt(p.CloudSyncDone))
	if err != nil {
		return fmt.Errorf("upsert part: %w", err)
	}
	return nil
}

const partColumns = `recording_id, part_number, file_name, size_bytes, deleted, cloud_sync_done`

func scanPart(row interface{ Scan(...any) error }) (*Part, error) {
	var p Part
	var deleted, synced int
	if err := row.Scan(&p.RecordingID, &p.PartNumber, &p.FileName, &p.SizeBytes, &deleted, &synced); err != nil {
		return nil, err
	}
	p.Deleted = deleted != 0
	p.CloudSyncDone = synced != 0
	return &p, nil
}

// PartsForRecording returns all parts for id ordered by part number.
func (s *Store) PartsForRecording(ctx context.Context, id string) ([]Part, error) {
	return s.queryParts(ctx, `
	SELECT `+partColumns+` FROM video_recording_parts
	WHERE recording_id = ?
	ORDER BY part_number ASC`, id)
}

// PartsPendingSync returns the not-yet-synced, not-deleted parts for id.
func (s *Store) PartsPendingSync(ctx context.Context, id string) ([]Part, error) {
	return s.queryParts(ctx, `
	SELECT `+partColumns+` FROM video_recording_parts
	WHERE recording_id = ? AND cloud_sync_done = 0 AND deleted = 0
	ORDER BY part_number ASC`, id)
}

func (s *Store) queryParts(ctx context.Context, query string, args ...any) ([]Part, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Part
	for rows.Next() {
		p, err := scanPart(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// MarkPartSynced flags a part as uploaded.
func (s *Store) MarkPartSynced(ctx context.Context, recordingID string, partNumber int) error {
	return s.setPartFlag(ctx, recordingID, partNumber, "cloud_sync_done")
}

// MarkPartDeleted flags a part as removed from local disk.
func (s *Store) MarkPartDeleted(ctx context.Context, recordingID string, partNumber int) error {
	return s.setPartFlag(ctx, recordingID, partNumber, "deleted")
}

func (s *Store) setPartFlag(ctx context.Context, recordingID string, partNumber int, column string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE video_recording_parts SET `+column+` = 1 WHERE recording_id = ? AND part_number = ?`,
		recordingID, partNumber)
	if err != nil {
		return fmt.Errorf("update part %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCloudIdentity stores the single identity row, replacing any previous one.
func (s *Store) SetCloudIdentity(ctx context.Context, ident CloudIdentity) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO cloud_identity (id, pi_id, hostname, bus_uri, creds_path)
	VALUES (1, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		pi_id = excluded.pi_id,
		hostname = excluded.hostname,
		bus_uri = excluded.bus_uri,
		creds_path = excluded.creds_path`,
		ident.PiID, ident.Hostname, ident.BusURI, ident.CredsPath)
	if err != nil {
		return fmt.Errorf("store cloud identity: %w", err)
	}
	return nil
}

// GetCloudIdentity returns the identity row, or ErrNotFound before enrollment.
func (s *Store) GetCloudIdentity(ctx context.Context) (*CloudIdentity, error) {
	var ident CloudIdentity
	err := s.db.QueryRowContext(ctx, `
	SELECT pi_id, hostname, bus_uri, creds_path FROM cloud_identity WHERE id = 1`).
		Scan(&ident.PiID, &ident.Hostname, &ident.BusURI, &ident.CredsPath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ident, nil
}
