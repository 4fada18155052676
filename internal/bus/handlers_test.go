// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/printwatch/internal/device"
	"github.com/ManuGH/printwatch/internal/edgedb"
	"github.com/ManuGH/printwatch/internal/recording"
	"github.com/ManuGH/printwatch/internal/settings"
	"github.com/ManuGH/printwatch/internal/units"
)

type fakeDriver struct{}

func (fakeDriver) StartRecording(context.Context, string) error { return nil }
func (fakeDriver) StopRecording(context.Context) error          { return nil }

type fakeSyncer struct{ synced int }

func (f *fakeSyncer) SyncOptionalPipelines(context.Context) error {
	f.synced++
	return nil
}

type fakeUnits struct {
	calls []string
}

func (f *fakeUnits) Start(_ context.Context, unit string) error {
	f.calls = append(f.calls, "start "+unit)
	return nil
}

func (f *fakeUnits) Stop(_ context.Context, unit string) error {
	f.calls = append(f.calls, "stop "+unit)
	return nil
}

func (f *fakeUnits) Restart(_ context.Context, unit string) error {
	f.calls = append(f.calls, "restart "+unit)
	return nil
}

func (f *fakeUnits) Enable(_ context.Context, files []string) ([]units.Change, error) {
	return []units.Change{{
		Type:        units.ChangeSymlink,
		File:        "/etc/systemd/system/multi-user.target.wants/" + filepath.Base(files[0]),
		Destination: files[0],
	}}, nil
}

func (f *fakeUnits) Disable(_ context.Context, files []string) ([]units.Change, error) {
	return []units.Change{{
		Type: units.ChangeUnlink,
		File: "/etc/systemd/system/multi-user.target.wants/" + filepath.Base(files[0]),
	}}, nil
}

func (f *fakeUnits) GetUnit(_ context.Context, unit string) (*units.UnitStatus, error) {
	return &units.UnitStatus{Name: unit, ActiveState: "active", SubState: "running"}, nil
}

func (f *fakeUnits) GetUnitFileState(context.Context, string) (string, error) {
	return "enabled", nil
}

func newTestServices(t *testing.T) (*Services, *fakeUnits, *fakeSyncer) {
	t.Helper()

	edge, err := edgedb.Open(filepath.Join(t.TempDir(), "edge.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = edge.Close() })

	store, err := settings.Open(context.Background(), settings.Options{
		Path: filepath.Join(t.TempDir(), "printwatch.toml"),
	})
	require.NoError(t, err)

	unitMgr := &fakeUnits{}
	syncer := &fakeSyncer{}
	services := &Services{
		Recorder: recording.NewController(edge, fakeDriver{}, t.TempDir()),
		Settings: store,
		Factory:  syncer,
		Devices:  &device.Enumerator{SysfsRoot: filepath.Join(t.TempDir(), "absent")},
		Units:    unitMgr,
		Edge:     edge,
	}
	return services, unitMgr, syncer
}

func request(pattern string, payload any) Request {
	var data []byte
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	return Request{Subject: Concrete(pattern, "aurora"), Pattern: pattern, Data: data}
}

func TestRecordingStartStopRoundTrip(t *testing.T) {
	services, _, _ := newTestServices(t)
	ctx := context.Background()

	result, err := services.recordingStart(ctx, request(PatternRecordingStart, nil))
	require.NoError(t, err)
	started := result.(map[string]any)["recording"].(*edgedb.Recording)
	require.NotEmpty(t, started.ID)

	// second start conflicts while the first is current
	_, err = services.recordingStart(ctx, request(PatternRecordingStart, nil))
	require.ErrorIs(t, err, edgedb.ErrRecordingInProgress)

	result, err = services.recordingLoad(ctx, request(PatternRecordingLoad, nil))
	require.NoError(t, err)
	session := result.(*recording.Session)
	require.Equal(t, started.ID, session.Recording.ID)

	result, err = services.recordingStop(ctx, request(PatternRecordingStop, nil))
	require.NoError(t, err)
	stopped := result.(map[string]any)["recording"].(*edgedb.Recording)
	require.Equal(t, started.ID, stopped.ID)
	require.True(t, stopped.CaptureDone)

	result, err = services.recordingLoad(ctx, request(PatternRecordingLoad, nil))
	require.NoError(t, err)
	require.Nil(t, result.(map[string]any)["recording"])
}

func TestCloudSyncPersistsIdentity(t *testing.T) {
	services, _, _ := newTestServices(t)
	ctx := context.Background()

	_, err := services.cloudSync(ctx, request(PatternCloudSync, CloudSyncRequest{
		PiID:     77,
		Hostname: "aurora",
		BusURI:   "tls://nats.example.com:4222",
	}))
	require.NoError(t, err)

	ident, err := services.Edge.GetCloudIdentity(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 77, ident.PiID)
	require.Equal(t, "aurora", ident.Hostname)
}

func TestCamerasLoadWithoutDevices(t *testing.T) {
	services, _, _ := newTestServices(t)

	result, err := services.camerasLoad(context.Background(), request(PatternCamerasLoad, nil))
	require.NoError(t, err)
	require.Empty(t, result.(map[string]any)["cameras"])
}

func TestSettingsApplyLoadRevertFlow(t *testing.T) {
	services, _, _ := newTestServices(t)
	ctx := context.Background()

	contentA := "[camera]\ndevice_name = \"cam-a\"\n"
	result, err := services.settingsFileApply(ctx, request(PatternSettingsFileApply, SettingsApplyRequest{
		SubTree: "printwatch",
		Content: contentA,
		Message: "A",
	}))
	require.NoError(t, err)
	commitA := result.(map[string]any)["commit"].(settings.Commit)

	_, err = services.settingsFileApply(ctx, request(PatternSettingsFileApply, SettingsApplyRequest{
		SubTree: "printwatch",
		Content: "[camera]\ndevice_name = \"cam-b\"\n",
		Message: "B",
	}))
	require.NoError(t, err)

	result, err = services.settingsFileLoad(ctx, request(PatternSettingsFileLoad, nil))
	require.NoError(t, err)
	loaded := result.(map[string]any)
	require.Len(t, loaded["history"].([]settings.Commit), 2)

	_, err = services.settingsFileRevert(ctx, request(PatternSettingsFileRevert, SettingsRevertRequest{
		Commit: commitA.Hash,
	}))
	require.NoError(t, err)

	result, err = services.settingsFileLoad(ctx, request(PatternSettingsFileLoad, nil))
	require.NoError(t, err)
	files := result.(map[string]any)["files"].(map[string]string)
	require.Equal(t, contentA, files["printwatch.toml"])
}

func TestSettingsApplyRejectsUnknownSubTree(t *testing.T) {
	services, _, _ := newTestServices(t)

	_, err := services.settingsFileApply(context.Background(), request(PatternSettingsFileApply, SettingsApplyRequest{
		SubTree: "mystery",
		Content: "x = 1\n",
	}))
	require.Error(t, err)
}

func TestCameraApplySyncsOptionalPipelines(t *testing.T) {
	services, _, syncer := newTestServices(t)
	ctx := context.Background()

	result, err := services.settingsCameraApply(ctx, request(PatternSettingsCameraApply, CameraApplyRequest{
		Camera:  settings.Camera{DeviceName: "usb-cam", Width: 1280, Height: 720, FramerateN: 30, FramerateD: 1},
		Message: "switch to usb",
	}))
	require.NoError(t, err)
	require.Equal(t, 1, syncer.synced)
	require.Equal(t, "usb-cam", services.Settings.Current().Camera.DeviceName)

	reply := result.(map[string]any)
	require.NotNil(t, reply["commit"])
}

func TestUnitHandlers(t *testing.T) {
	services, unitMgr, _ := newTestServices(t)
	ctx := context.Background()

	_, err := services.unitStart(ctx, request(PatternUnitStart, UnitRequest{Unit: "octoprint.service"}))
	require.NoError(t, err)
	_, err = services.unitRestart(ctx, request(PatternUnitRestart, UnitRequest{Unit: "octoprint.service"}))
	require.NoError(t, err)
	require.Equal(t, []string{"start octoprint.service", "restart octoprint.service"}, unitMgr.calls)

	result, err := services.unitEnable(ctx, request(PatternUnitEnable, UnitFilesRequest{
		Files: []string{"/usr/lib/systemd/system/printwatch.service"},
	}))
	require.NoError(t, err)
	changes := result.(map[string]any)["changes"].([]units.Change)
	require.Len(t, changes, 1)
	require.Equal(t, units.ChangeSymlink, changes[0].Type)

	result, err = services.unitGetFileState(ctx, request(PatternUnitGetFileState, UnitRequest{Unit: "printwatch.service"}))
	require.NoError(t, err)
	require.Equal(t, "enabled", result.(map[string]any)["state"])
}

func TestUnitLifecycleRequiresName(t *testing.T) {
	services, _, _ := newTestServices(t)

	_, err := services.unitStart(context.Background(), request(PatternUnitStart, UnitRequest{}))
	require.Error(t, err)
}
