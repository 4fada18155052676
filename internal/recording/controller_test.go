// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package recording

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/printwatch/internal/edgedb"
)

type fakeDriver struct {
	started  []string
	stops    int
	startErr error
	stopErr  error
}

func (d *fakeDriver) StartRecording(_ context.Context, dir string) error {
	if d.startErr != nil {
		return d.startErr
	}
	d.started = append(d.started, dir)
	return nil
}

func (d *fakeDriver) StopRecording(context.Context) error {
	if d.stopErr != nil {
		return d.stopErr
	}
	d.stops++
	return nil
}

func newTestController(t *testing.T) (*Controller, *edgedb.Store, *fakeDriver) {
	t.Helper()
	store, err := edgedb.Open(filepath.Join(t.TempDir(), "edge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	driver := &fakeDriver{}
	return NewController(store, driver, t.TempDir()), store, driver
}

func TestColdStartStopCycle(t *testing.T) {
	ctrl, store, driver := newTestController(t)
	ctx := context.Background()

	current, err := store.GetCurrent(ctx)
	require.NoError(t, err)
	require.Nil(t, current)

	rec, err := ctrl.Start(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	require.Equal(t, []string{rec.Dir}, driver.started)

	current, err = store.GetCurrent(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	require.Equal(t, rec.ID, current.ID)
	require.False(t, current.CaptureDone)

	stopped, err := ctrl.Stop(ctx)
	require.NoError(t, err)
	require.Equal(t, rec.ID, stopped.ID)
	require.True(t, stopped.CaptureDone)
	require.NotNil(t, stopped.RecordingEnd)
	require.Equal(t, 1, driver.stops)

	current, err = store.GetCurrent(ctx)
	require.NoError(t, err)
	require.Nil(t, current)
}

func TestDoubleStartConflicts(t *testing.T) {
	ctrl, store, _ := newTestController(t)
	ctx := context.Background()

	first, err := ctrl.Start(ctx)
	require.NoError(t, err)

	_, err = ctrl.Start(ctx)
	require.ErrorIs(t, err, edgedb.ErrRecordingInProgress)

	current, err := store.GetCurrent(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, current.ID)
}

func TestStopWithoutCurrentSucceeds(t *testing.T) {
	ctrl, _, driver := newTestController(t)

	rec, err := ctrl.Stop(context.Background())
	require.NoError(t, err)
	require.Nil(t, rec)
	require.Zero(t, driver.stops)
}

func TestStartFinalizesRowOnPipelineFailure(t *testing.T) {
	ctrl, store, driver := newTestController(t)
	ctx := context.Background()

	driver.startErr = errors.New("daemon unreachable")
	_, err := ctrl.Start(ctx)
	require.Error(t, err)

	// the failed session must not block the next start
	current, err := store.GetCurrent(ctx)
	require.NoError(t, err)
	require.Nil(t, current)

	driver.startErr = nil
	_, err = ctrl.Start(ctx)
	require.NoError(t, err)
}

func TestLoadReturnsSessionWithParts(t *testing.T) {
	ctrl, store, _ := newTestController(t)
	ctx := context.Background()

	session, err := ctrl.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, session)

	rec, err := ctrl.Start(ctx)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, store.UpsertPart(ctx, edgedb.Part{
			RecordingID: rec.ID,
			PartNumber:  i,
			FileName:    filepath.Join(rec.Dir, "part.mp4"),
			SizeBytes:   1024,
		}))
	}

	session, err = ctrl.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, rec.ID, session.Recording.ID)
	require.Len(t, session.Parts, 2)
	require.Equal(t, 0, session.Parts[0].PartNumber)
	require.Equal(t, 1, session.Parts[1].PartNumber)
}

func TestLoadReconcilesSegmentsFromDisk(t *testing.T) {
	ctrl, _, _ := newTestController(t)
	ctx := context.Background()

	rec, err := ctrl.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(rec.Dir, "0.mp4"), make([]byte, 512), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(rec.Dir, "1.mp4"), make([]byte, 2048), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(rec.Dir, "playlist.m3u8"), []byte("#EXTM3U"), 0o644))

	session, err := ctrl.Load(ctx)
	require.NoError(t, err)
	require.Len(t, session.Parts, 2)
	require.Equal(t, filepath.Join(rec.Dir, "0.mp4"), session.Parts[0].FileName)
	require.EqualValues(t, 512, session.Parts[0].SizeBytes)
	require.EqualValues(t, 2048, session.Parts[1].SizeBytes)

	// growing segments are re-measured on the next load
	require.NoError(t, os.WriteFile(filepath.Join(rec.Dir, "1.mp4"), make([]byte, 4096), 0o644))
	session, err = ctrl.Load(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 4096, session.Parts[1].SizeBytes)
}
