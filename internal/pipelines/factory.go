// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipelines

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/printwatch/internal/device"
	"github.com/ManuGH/printwatch/internal/gstd"
	applog "github.com/ManuGH/printwatch/internal/log"
	"github.com/ManuGH/printwatch/internal/metrics"
	"github.com/ManuGH/printwatch/internal/settings"
)

// ErrNoCamera is returned when device enumeration finds nothing usable.
var ErrNoCamera = errors.New("pipelines: no camera device available")

// waitPollInterval is the fixed state poll interval of WaitFor.
const waitPollInterval = 2 * time.Second

// eosTimeout bounds the bus read that waits for the muxer to flush.
const eosTimeout = 60 * time.Second

// Factory owns the named pipelines for the lifetime of the process. The
// control daemon is the source of truth for pipeline existence; the
// factory never caches state it can query.
type Factory struct {
	client *gstd.Client
	store  *settings.Store
	enum   *device.Enumerator
	log    zerolog.Logger
}

// NewFactory wires the factory to the control endpoint, the settings
// store and the device enumerator.
func NewFactory(client *gstd.Client, store *settings.Store, enum *device.Enumerator) *Factory {
	return &Factory{
		client: client,
		store:  store,
		enum:   enum,
		log:    applog.WithComponent("pipelines"),
	}
}

// ElectCamera returns the configured camera when it is attached, or
// falls back to the first enumerated device and persists the change as
// a settings commit. With no devices at all the test source is used.
func (f *Factory) ElectCamera(ctx context.Context) (device.Camera, error) {
	cfg := f.store.Current()

	cameras, err := f.enum.List(ctx)
	if err != nil {
		return device.Camera{}, fmt.Errorf("enumerate cameras: %w", err)
	}
	for _, cam := range cameras {
		// configured names may be partial (e.g. "imx219" for "imx219 10-0010")
		if strings.Contains(cam.DeviceName, cfg.Camera.DeviceName) {
			return cam, nil
		}
	}
	if cfg.Camera.DeviceName == device.TestSource || len(cameras) == 0 {
		f.log.Warn().
			Str("event", "pipelines.camera.testsrc").
			Str(applog.FieldDevice, cfg.Camera.DeviceName).
			Msg("no matching capture device, using test source")
		return device.Camera{DeviceName: device.TestSource}, nil
	}

	elected := cameras[0]
	f.log.Warn().
		Str("event", "pipelines.camera.hotplug").
		Str("configured", cfg.Camera.DeviceName).
		Str(applog.FieldDevice, elected.DeviceName).
		Msg("configured camera unavailable, electing first device")

	cfg.Camera.DeviceName = elected.DeviceName
	content, err := settings.FormatTOML.Marshal(cfg)
	if err != nil {
		return device.Camera{}, fmt.Errorf("serialize camera election: %w", err)
	}
	msg := fmt.Sprintf("camera hotplug: selected %s", elected.DeviceName)
	if _, err := f.store.Apply(ctx, settings.SubTreePrintwatch, content, msg); err != nil {
		return device.Camera{}, fmt.Errorf("persist camera election: %w", err)
	}
	return elected, nil
}

// create is idempotent: a pipeline that already exists counts as created.
func (f *Factory) create(ctx context.Context, def Definition) error {
	err := f.client.Pipeline(def.Name).Create(ctx, def.Description)
	if err != nil {
		var status *gstd.StatusError
		if errors.As(err, &status) && status.AlreadyExists() {
			f.log.Debug().
				Str("event", "pipelines.create.exists").
				Str(applog.FieldPipeline, def.Name).
				Msg("pipeline already exists")
			return nil
		}
		return fmt.Errorf("create pipeline %s: %w", def.Name, err)
	}
	f.log.Info().
		Str("event", "pipelines.create").
		Str(applog.FieldPipeline, def.Name).
		Msg("pipeline created")
	return nil
}

// start drives one pipeline through PAUSED then PLAYING.
func (f *Factory) start(ctx context.Context, name string) error {
	p := f.client.Pipeline(name)
	if err := p.Pause(ctx); err != nil {
		return fmt.Errorf("pause %s: %w", name, err)
	}
	metrics.PipelineTransitionsTotal.WithLabelValues(name, string(gstd.StatePaused)).Inc()
	if err := p.Play(ctx); err != nil {
		return fmt.Errorf("play %s: %w", name, err)
	}
	metrics.PipelineTransitionsTotal.WithLabelValues(name, string(gstd.StatePlaying)).Inc()
	return nil
}

// Start elects a camera, materializes the base pipeline set and drives
// every enabled pipeline to PLAYING, camera first. It blocks until the
// camera pipeline reports PLAYING.
func (f *Factory) Start(ctx context.Context) error {
	cam, err := f.ElectCamera(ctx)
	if err != nil {
		return err
	}
	cfg := f.store.Current()

	for _, def := range Definitions(cam, cfg) {
		if def.Optional && !f.optionalEnabled(def.Name, cfg) {
			continue
		}
		if err := f.create(ctx, def); err != nil {
			return err
		}
		if err := f.start(ctx, def.Name); err != nil {
			return err
		}
		if def.Name == NameCamera {
			if err := f.WaitFor(ctx, NameCamera, gstd.StatePlaying); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Factory) optionalEnabled(name string, cfg settings.Settings) bool {
	switch name {
	case NameHLS:
		return cfg.HLS.Enabled
	case NameSnapshot:
		return cfg.Snapshot.Enabled
	default:
		return true
	}
}

// WaitFor polls the pipeline state every two seconds until it reaches
// want or ctx is cancelled. Intermediate states are logged at debug.
func (f *Factory) WaitFor(ctx context.Context, name string, want gstd.State) error {
	p := f.client.Pipeline(name)

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		state, err := p.State(ctx)
		if err != nil {
			return fmt.Errorf("poll state of %s: %w", name, err)
		}
		if state == want {
			return nil
		}
		f.log.Debug().
			Str("event", "pipelines.waitfor").
			Str(applog.FieldPipeline, name).
			Str(applog.FieldOldState, string(state)).
			Str(applog.FieldNewState, string(want)).
			Msg("pipeline not yet in target state")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Delete tears the pipeline down. Deleting a missing pipeline is logged
// at info and swallowed.
func (f *Factory) Delete(ctx context.Context, name string) error {
	err := f.client.Pipeline(name).Delete(ctx)
	if err != nil {
		var status *gstd.StatusError
		if errors.As(err, &status) && status.NotFound() {
			f.log.Info().
				Str("event", "pipelines.delete.missing").
				Str(applog.FieldPipeline, name).
				Msg("pipeline already gone")
			return nil
		}
		return fmt.Errorf("delete pipeline %s: %w", name, err)
	}
	f.log.Info().
		Str("event", "pipelines.delete").
		Str(applog.FieldPipeline, name).
		Msg("pipeline deleted")
	return nil
}

// SyncOptionalPipelines reconciles the hls and snapshot pipelines with
// the current settings: a disabled pipeline is deleted, an enabled one
// is deleted and recreated so a stale description never lingers.
func (f *Factory) SyncOptionalPipelines(ctx context.Context) error {
	cam, err := f.ElectCamera(ctx)
	if err != nil {
		return err
	}
	cfg := f.store.Current()

	for _, def := range Definitions(cam, cfg) {
		if !def.Optional {
			continue
		}
		if err := f.Delete(ctx, def.Name); err != nil {
			return err
		}
		if !f.optionalEnabled(def.Name, cfg) {
			continue
		}
		if err := f.create(ctx, def); err != nil {
			return err
		}
		if err := f.start(ctx, def.Name); err != nil {
			return err
		}
	}
	return nil
}

// StartRecording materializes the split-mux pipeline writing numbered
// parts under dir and drives it to PLAYING.
func (f *Factory) StartRecording(ctx context.Context, dir string) error {
	def := RecordingDefinition(dir, f.store.Current().Recording)
	if err := f.create(ctx, def); err != nil {
		return err
	}
	return f.start(ctx, def.Name)
}

// StopRecording sends end-of-stream to the recording pipeline, waits for
// the muxer to flush its tail part, then stops and deletes the pipeline.
func (f *Factory) StopRecording(ctx context.Context) error {
	p := f.client.Pipeline(NameH264Record)

	if err := p.EmitEOS(ctx); err != nil {
		return fmt.Errorf("send eos: %w", err)
	}

	bus := p.Bus()
	if err := bus.SetFilter(ctx, "eos"); err != nil {
		return fmt.Errorf("set bus filter: %w", err)
	}
	if err := bus.SetTimeout(ctx, eosTimeout.Nanoseconds()); err != nil {
		return fmt.Errorf("set bus timeout: %w", err)
	}
	if _, err := bus.Read(ctx); err != nil {
		// flushing best-effort, teardown continues
		f.log.Warn().Err(err).
			Str("event", "pipelines.record.eos_timeout").
			Str(applog.FieldPipeline, NameH264Record).
			Msg("did not observe eos on bus")
	}

	if err := p.Stop(ctx); err != nil {
		return fmt.Errorf("stop recording pipeline: %w", err)
	}
	metrics.PipelineTransitionsTotal.WithLabelValues(NameH264Record, string(gstd.StateNull)).Inc()
	return f.Delete(ctx, NameH264Record)
}

// StopAll stops and deletes every known pipeline, dependents before the
// camera.
func (f *Factory) StopAll(ctx context.Context) error {
	nodes, err := f.client.Pipelines(ctx)
	if err != nil {
		return fmt.Errorf("list pipelines: %w", err)
	}

	// camera goes last so dependents drain first
	ordered := make([]string, 0, len(nodes))
	cameraSeen := false
	for _, n := range nodes {
		if n.Name == NameCamera {
			cameraSeen = true
			continue
		}
		ordered = append(ordered, n.Name)
	}
	if cameraSeen {
		ordered = append(ordered, NameCamera)
	}

	var firstErr error
	for _, name := range ordered {
		if err := f.client.Pipeline(name).Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", name, err)
		}
		if err := f.Delete(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
