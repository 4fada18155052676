// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ManuGH/printwatch/internal/device"
	"github.com/ManuGH/printwatch/internal/edgedb"
	"github.com/ManuGH/printwatch/internal/recording"
	"github.com/ManuGH/printwatch/internal/settings"
	"github.com/ManuGH/printwatch/internal/units"
)

// UnitManager is the slice of the systemd adapter the handlers use.
type UnitManager interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
	Enable(ctx context.Context, unitFiles []string) ([]units.Change, error)
	Disable(ctx context.Context, unitFiles []string) ([]units.Change, error)
	GetUnit(ctx context.Context, unit string) (*units.UnitStatus, error)
	GetUnitFileState(ctx context.Context, unitFile string) (string, error)
}

// PipelineSyncer reconciles optional pipelines after settings changes.
type PipelineSyncer interface {
	SyncOptionalPipelines(ctx context.Context) error
}

// Services bundles the components the dispatch table operates on.
type Services struct {
	Recorder *recording.Controller
	Settings *settings.Store
	Factory  PipelineSyncer
	Devices  *device.Enumerator
	Units    UnitManager
	Edge     *edgedb.Store
}

// Register installs the full dispatch table on the router.
func (s *Services) Register(r *Router) {
	r.Handle(PatternRecordingStart, s.recordingStart)
	r.Handle(PatternRecordingStop, s.recordingStop)
	r.Handle(PatternRecordingLoad, s.recordingLoad)
	r.Handle(PatternCloudSync, s.cloudSync)
	r.Handle(PatternCamerasLoad, s.camerasLoad)
	r.Handle(PatternSettingsFileLoad, s.settingsFileLoad)
	r.Handle(PatternSettingsFileApply, s.settingsFileApply)
	r.Handle(PatternSettingsFileRevert, s.settingsFileRevert)
	r.Handle(PatternSettingsCameraLoad, s.settingsCameraLoad)
	r.Handle(PatternSettingsCameraApply, s.settingsCameraApply)
	r.Handle(PatternSettingsCameraStatus, s.settingsCameraStatus)
	r.Handle(PatternUnitStart, s.unitStart)
	r.Handle(PatternUnitStop, s.unitStop)
	r.Handle(PatternUnitRestart, s.unitRestart)
	r.Handle(PatternUnitEnable, s.unitEnable)
	r.Handle(PatternUnitDisable, s.unitDisable)
	r.Handle(PatternUnitGet, s.unitGet)
	r.Handle(PatternUnitGetFileState, s.unitGetFileState)
}

func decode[T any](req Request) (T, error) {
	var payload T
	if len(req.Data) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(req.Data, &payload); err != nil {
		return payload, fmt.Errorf("decode %s request: %w", req.Pattern, err)
	}
	return payload, nil
}

// --- recording ---

func (s *Services) recordingStart(ctx context.Context, _ Request) (any, error) {
	rec, err := s.Recorder.Start(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"recording": rec}, nil
}

func (s *Services) recordingStop(ctx context.Context, _ Request) (any, error) {
	rec, err := s.Recorder.Stop(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"recording": rec}, nil
}

func (s *Services) recordingLoad(ctx context.Context, _ Request) (any, error) {
	session, err := s.Recorder.Load(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return map[string]any{"recording": nil}, nil
	}
	return session, nil
}

// --- cloud ---

// CloudSyncRequest carries the backend-issued identity to persist.
type CloudSyncRequest struct {
	PiID      int64  `json:"pi_id"`
	Hostname  string `json:"hostname"`
	BusURI    string `json:"bus_uri"`
	CredsPath string `json:"creds_path"`
}

func (s *Services) cloudSync(ctx context.Context, req Request) (any, error) {
	payload, err := decode[CloudSyncRequest](req)
	if err != nil {
		return nil, err
	}
	ident := edgedb.CloudIdentity{
		PiID:      payload.PiID,
		Hostname:  payload.Hostname,
		BusURI:    payload.BusURI,
		CredsPath: payload.CredsPath,
	}
	if err := s.Edge.SetCloudIdentity(ctx, ident); err != nil {
		return nil, err
	}
	return map[string]any{"identity": ident}, nil
}

// --- cameras ---

func (s *Services) camerasLoad(ctx context.Context, _ Request) (any, error) {
	cameras, err := s.Devices.List(ctx)
	if err != nil {
		return nil, err
	}
	if cameras == nil {
		cameras = []device.Camera{}
	}
	return map[string]any{"cameras": cameras}, nil
}

// --- settings files ---

func (s *Services) settingsFileLoad(ctx context.Context, _ Request) (any, error) {
	files := map[string]string{}
	for _, tree := range settings.SubTrees {
		content, err := s.Settings.Read(tree)
		if errors.Is(err, settings.ErrConfigNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		files[tree.FileName()] = string(content)
	}
	history, err := s.Settings.History().Log(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"files": files, "history": history}, nil
}

// SettingsApplyRequest is one document save.
type SettingsApplyRequest struct {
	SubTree string `json:"subtree"`
	Content string `json:"content"`
	Message string `json:"message"`
}

func (s *Services) settingsFileApply(ctx context.Context, req Request) (any, error) {
	payload, err := decode[SettingsApplyRequest](req)
	if err != nil {
		return nil, err
	}
	tree, err := settings.ParseSubTree(payload.SubTree)
	if err != nil {
		return nil, err
	}

	commit, err := s.Settings.Apply(ctx, tree, []byte(payload.Content), payload.Message)
	if errors.Is(err, settings.ErrPostHook) {
		// the commit exists, the dependent service did not come back
		return map[string]any{"commit": commit, "partial": true, "detail": err.Error()}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"commit": commit}, nil
}

// SettingsRevertRequest identifies the commit to restore.
type SettingsRevertRequest struct {
	Commit string `json:"commit"`
}

func (s *Services) settingsFileRevert(ctx context.Context, req Request) (any, error) {
	payload, err := decode[SettingsRevertRequest](req)
	if err != nil {
		return nil, err
	}
	commit, err := s.Settings.Revert(ctx, payload.Commit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"commit": commit}, nil
}

// --- camera sub-tree ---

func (s *Services) settingsCameraLoad(_ context.Context, _ Request) (any, error) {
	return map[string]any{"camera": s.Settings.Current().Camera}, nil
}

// CameraApplyRequest updates the camera section of the main document.
type CameraApplyRequest struct {
	Camera  settings.Camera `json:"camera"`
	Message string          `json:"message"`
}

func (s *Services) settingsCameraApply(ctx context.Context, req Request) (any, error) {
	payload, err := decode[CameraApplyRequest](req)
	if err != nil {
		return nil, err
	}

	cfg := s.Settings.Current()
	cfg.Camera = payload.Camera
	content, err := settings.FormatTOML.Marshal(cfg)
	if err != nil {
		return nil, err
	}

	commit, err := s.Settings.Apply(ctx, settings.SubTreePrintwatch, content, payload.Message)
	if err != nil && !errors.Is(err, settings.ErrPostHook) {
		return nil, err
	}

	if s.Factory != nil {
		if err := s.Factory.SyncOptionalPipelines(ctx); err != nil {
			return map[string]any{"commit": commit, "partial": true, "detail": err.Error()}, nil
		}
	}
	return map[string]any{"commit": commit, "camera": payload.Camera}, nil
}

func (s *Services) settingsCameraStatus(ctx context.Context, _ Request) (any, error) {
	cameras, err := s.Devices.List(ctx)
	if err != nil {
		return nil, err
	}
	cfg := s.Settings.Current().Camera
	attached := device.Find(cameras, cfg.DeviceName) != nil
	return map[string]any{"camera": cfg, "attached": attached, "cameras": cameras}, nil
}

// --- units ---

// UnitRequest names one unit.
type UnitRequest struct {
	Unit string `json:"unit"`
}

// UnitFilesRequest names the unit files for enable/disable.
type UnitFilesRequest struct {
	Files []string `json:"files"`
}

func (s *Services) unitLifecycle(ctx context.Context, req Request,
	op func(context.Context, string) error) (any, error) {

	payload, err := decode[UnitRequest](req)
	if err != nil {
		return nil, err
	}
	if payload.Unit == "" {
		return nil, fmt.Errorf("%s: unit name required", req.Pattern)
	}
	if err := op(ctx, payload.Unit); err != nil {
		return nil, err
	}
	return map[string]any{"unit": payload.Unit}, nil
}

func (s *Services) unitStart(ctx context.Context, req Request) (any, error) {
	return s.unitLifecycle(ctx, req, s.Units.Start)
}

func (s *Services) unitStop(ctx context.Context, req Request) (any, error) {
	return s.unitLifecycle(ctx, req, s.Units.Stop)
}

func (s *Services) unitRestart(ctx context.Context, req Request) (any, error) {
	return s.unitLifecycle(ctx, req, s.Units.Restart)
}

func (s *Services) unitEnable(ctx context.Context, req Request) (any, error) {
	payload, err := decode[UnitFilesRequest](req)
	if err != nil {
		return nil, err
	}
	changes, err := s.Units.Enable(ctx, payload.Files)
	if err != nil {
		return nil, err
	}
	return map[string]any{"changes": changes}, nil
}

func (s *Services) unitDisable(ctx context.Context, req Request) (any, error) {
	payload, err := decode[UnitFilesRequest](req)
	if err != nil {
		return nil, err
	}
	changes, err := s.Units.Disable(ctx, payload.Files)
	if err != nil {
		return nil, err
	}
	return map[string]any{"changes": changes}, nil
}

func (s *Services) unitGet(ctx context.Context, req Request) (any, error) {
	payload, err := decode[UnitRequest](req)
	if err != nil {
		return nil, err
	}
	status, err := s.Units.GetUnit(ctx, payload.Unit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"unit": status}, nil
}

func (s *Services) unitGetFileState(ctx context.Context, req Request) (any, error) {
	payload, err := decode[UnitRequest](req)
	if err != nil {
		return nil, err
	}
	state, err := s.Units.GetUnitFileState(ctx, payload.Unit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"unit": payload.Unit, "state": state}, nil
}
