// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package recording drives the per-session capture lifecycle and keeps
// the edge database reconciled with the pipeline state.
package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/printwatch/internal/edgedb"
	applog "github.com/ManuGH/printwatch/internal/log"
)

// PipelineDriver is the slice of the pipeline factory the controller
// needs: create-and-play the split-mux pipeline, and tear it down after
// end-of-stream.
type PipelineDriver interface {
	StartRecording(ctx context.Context, dir string) error
	StopRecording(ctx context.Context) error
}

// Session is the reply shape for recording operations.
type Session struct {
	Recording edgedb.Recording `json:"recording"`
	Parts     []edgedb.Part    `json:"parts"`
}

// Controller coordinates the database and the pipeline factory.
type Controller struct {
	store    *edgedb.Store
	driver   PipelineDriver
	videoDir string
	log      zerolog.Logger
}

// NewController builds a controller writing sessions under videoDir.
func NewController(store *edgedb.Store, driver PipelineDriver, videoDir string) *Controller {
	return &Controller{
		store:    store,
		driver:   driver,
		videoDir: videoDir,
		log:      applog.WithComponent("recording"),
	}
}

// Start allocates a fresh recording and plays the split-mux pipeline
// into its directory. A session already in progress is a conflict.
func (c *Controller) Start(ctx context.Context) (*edgedb.Recording, error) {
	rec, err := c.store.InsertNewRecording(ctx, c.videoDir)
	if err != nil {
		return nil, err
	}

	if err := c.driver.StartRecording(ctx, rec.Dir); err != nil {
		// roll the row forward to done so the session does not wedge
		done := true
		now := time.Now().UTC()
		if _, dbErr := c.store.UpdateRecording(ctx, rec.ID, edgedb.RecordingPatch{
			CaptureDone:  &done,
			RecordingEnd: &now,
		}); dbErr != nil {
			c.log.Error().Err(dbErr).
				Str("event", "recording.start.rollback").
				Str(applog.FieldRecordingID, rec.ID).
				Msg("failed to finalize recording after pipeline error")
		}
		return nil, fmt.Errorf("start recording pipeline: %w", err)
	}

	c.log.Info().
		Str("event", "recording.start").
		Str(applog.FieldRecordingID, rec.ID).
		Str(applog.FieldPath, rec.Dir).
		Msg("recording started")
	return rec, nil
}

// Stop sends end-of-stream to the recording pipeline, tears it down and
// finalizes the current row. Stopping with no current recording logs a
// warning and succeeds with a nil recording.
func (c *Controller) Stop(ctx context.Context) (*edgedb.Recording, error) {
	current, err := c.store.GetCurrent(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		c.log.Warn().
			Str("event", "recording.stop.idle").
			Msg("stop requested with no recording in progress")
		return nil, nil
	}

	if err := c.driver.StopRecording(ctx); err != nil {
		return nil, fmt.Errorf("stop recording pipeline: %w", err)
	}
	if err := c.reconcileParts(ctx, current); err != nil {
		c.log.Warn().Err(err).
			Str("event", "recording.parts.reconcile").
			Str(applog.FieldRecordingID, current.ID).
			Msg("part reconciliation incomplete")
	}

	done := true
	end := time.Now().UTC()
	updated, err := c.store.UpdateRecording(ctx, current.ID, edgedb.RecordingPatch{
		CaptureDone:  &done,
		RecordingEnd: &end,
	})
	if err != nil {
		return nil, fmt.Errorf("finalize recording %s: %w", current.ID, err)
	}

	c.log.Info().
		Str("event", "recording.stop").
		Str(applog.FieldRecordingID, updated.ID).
		Msg("recording stopped")
	return updated, nil
}

// Load returns the current recording with its parts, or nil when no
// capture is running.
func (c *Controller) Load(ctx context.Context) (*Session, error) {
	current, err := c.store.GetCurrent(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}
	if err := c.reconcileParts(ctx, current); err != nil {
		c.log.Warn().Err(err).
			Str("event", "recording.parts.reconcile").
			Str(applog.FieldRecordingID, current.ID).
			Msg("part reconciliation incomplete")
	}
	parts, err := c.store.PartsForRecording(ctx, current.ID)
	if err != nil {
		return nil, err
	}
	return &Session{Recording: *current, Parts: parts}, nil
}

// reconcileParts registers every numbered segment the muxer has written
// so far, sizing each from the file itself. Segments rotate as
// {part}.mp4 starting at 0.
func (c *Controller) reconcileParts(ctx context.Context, rec *edgedb.Recording) error {
	entries, err := os.ReadDir(rec.Dir)
	if err != nil {
		return fmt.Errorf("read recording dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		num, ok := partNumber(name)
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", name, err)
		}
		if err := c.store.UpsertPart(ctx, edgedb.Part{
			RecordingID: rec.ID,
			PartNumber:  num,
			FileName:    filepath.Join(rec.Dir, name),
			SizeBytes:   info.Size(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func partNumber(name string) (int, bool) {
	base, ok := strings.CutSuffix(name, ".mp4")
	if !ok {
		return 0, false
	}
	num, err := strconv.Atoi(base)
	if err != nil || num < 0 {
		return 0, false
	}
	return num, true
}
