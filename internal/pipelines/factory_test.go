// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package pipelines

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ManuGH/printwatch/internal/device"
	"github.com/ManuGH/printwatch/internal/gstd"
	"github.com/ManuGH/printwatch/internal/settings"
)

// fakeDaemon records every control request and answers like the real
// pipeline daemon.
type fakeDaemon struct {
	mu        sync.Mutex
	calls     []string
	pipelines map[string]bool
	state     string
}

func newFakeDaemon() *fakeDaemon {
	return &fakeDaemon{pipelines: map[string]bool{}, state: "PLAYING"}
}

func (d *fakeDaemon) record(r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	call := r.Method + " " + r.URL.Path
	if name := r.URL.Query().Get("name"); name != "" {
		call += "?name=" + name
	}
	d.calls = append(d.calls, call)
}

func (d *fakeDaemon) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.record(r)
		w.Header().Set("Content-Type", "application/json")

		write := func(status, code int, response any) {
			raw, _ := json.Marshal(response)
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"code":        code,
				"description": "",
				"response":    json.RawMessage(raw),
			})
		}

		name := r.URL.Query().Get("name")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/pipelines":
			d.mu.Lock()
			exists := d.pipelines[name]
			d.pipelines[name] = true
			d.mu.Unlock()
			if exists {
				write(http.StatusConflict, 3, nil)
				return
			}
			write(http.StatusOK, 0, nil)
		case r.Method == http.MethodDelete && r.URL.Path == "/pipelines":
			d.mu.Lock()
			exists := d.pipelines[name]
			delete(d.pipelines, name)
			d.mu.Unlock()
			if !exists {
				write(http.StatusNotFound, 5, nil)
				return
			}
			write(http.StatusOK, 0, nil)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/state"):
			d.mu.Lock()
			state := d.state
			d.mu.Unlock()
			write(http.StatusOK, 0, map[string]any{"name": "state", "value": state, "param": ""})
		case r.Method == http.MethodGet && r.URL.Path == "/pipelines":
			d.mu.Lock()
			nodes := make([]map[string]string, 0, len(d.pipelines))
			for p := range d.pipelines {
				nodes = append(nodes, map[string]string{"name": p})
			}
			d.mu.Unlock()
			write(http.StatusOK, 0, map[string]any{"nodes": nodes})
		default:
			write(http.StatusOK, 0, nil)
		}
	}
}

func (d *fakeDaemon) callsSnapshot() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func sysfsWithCamera(t *testing.T, names ...string) device.Enumerator {
	t.Helper()
	root := t.TempDir()
	for i, name := range names {
		dir := filepath.Join(root, fmt.Sprintf("video%d", i))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "name"), []byte(name+"\n"), 0o644))
	}
	return device.Enumerator{SysfsRoot: root, DevRoot: "/dev"}
}

func newTestFactory(t *testing.T, daemon *fakeDaemon, enum device.Enumerator) (*Factory, *settings.Store) {
	t.Helper()
	srv := httptest.NewServer(daemon.handler())
	t.Cleanup(srv.Close)

	store, err := settings.Open(context.Background(), settings.Options{
		Path: filepath.Join(t.TempDir(), "printwatch.toml"),
	})
	require.NoError(t, err)

	return NewFactory(gstd.New(srv.URL), store, &enum), store
}

func TestDefinitionsNamingDiscipline(t *testing.T) {
	store, err := settings.Open(context.Background(), settings.Options{
		Path: filepath.Join(t.TempDir(), "printwatch.toml"),
	})
	require.NoError(t, err)
	cfg := store.Current()

	defs := Definitions(device.Camera{DeviceName: "imx219 10-0010", Path: "/dev/video0"}, cfg)
	require.Len(t, defs, 8)
	require.Equal(t, NameCamera, defs[0].Name, "camera starts first")

	byName := map[string]Definition{}
	for _, d := range defs {
		byName[d.Name] = d
	}

	require.Contains(t, byName[NameCamera].Description, "interpipesink name=camera_sink")
	require.Contains(t, byName[NameH264Encode].Description, "interpipesrc name=h264_encode_src listen-to=camera_sink")
	require.Contains(t, byName[NameH264Encode].Description, "interpipesink name=h264_encode_sink")
	require.Contains(t, byName[NameRTP].Description, "listen-to=h264_encode_sink")
	require.Contains(t, byName[NameSnapshot].Description, "listen-to=camera_sink")
	require.Contains(t, byName[NameBoundingBoxes].Description, "listen-to=tflite_inference_sink")
	require.Contains(t, byName[NameDF].Description, "listen-to=tflite_inference_sink")
	require.True(t, byName[NameHLS].Optional)
	require.True(t, byName[NameSnapshot].Optional)
}

func TestCameraCapsPinColorimetryForIMX219(t *testing.T) {
	cam := settings.Camera{Width: 640, Height: 480, FramerateN: 15, FramerateD: 1}

	caps := cameraCaps(device.Camera{DeviceName: "imx219 10-0010"}, cam)
	require.Contains(t, caps, "format=YUY2")
	require.Contains(t, caps, "colorimetry=bt709")

	caps = cameraCaps(device.Camera{DeviceName: "usb-cam"}, cam)
	require.Contains(t, caps, "format=YUY2")
	require.NotContains(t, caps, "colorimetry")
}

func TestRecordingDefinition(t *testing.T) {
	def := RecordingDefinition("/var/lib/printwatch/video/abc", settings.Recording{
		MaxFiles:     50,
		MaxSizeBytes: 10485760,
	})
	require.Equal(t, NameH264Record, def.Name)
	require.Contains(t, def.Description, "listen-to=h264_encode_sink")
	require.Contains(t, def.Description, "splitmuxsink muxer=mp4mux")
	require.Contains(t, def.Description, "location=/var/lib/printwatch/video/abc/%d.mp4")
	require.Contains(t, def.Description, "max-files=50")
	require.Contains(t, def.Description, "max-size-bytes=10485760")
	require.Contains(t, def.Description, "send-keyframe-requests=false")
}

func TestStartIsIdempotent(t *testing.T) {
	daemon := newFakeDaemon()
	factory, _ := newTestFactory(t, daemon, sysfsWithCamera(t, "imx219 10-0010"))
	ctx := context.Background()

	require.NoError(t, factory.Start(ctx))
	// second start hits 409 on every create and still succeeds
	require.NoError(t, factory.Start(ctx))
}

func TestElectCameraFallsBackAndCommits(t *testing.T) {
	daemon := newFakeDaemon()
	factory, store := newTestFactory(t, daemon, sysfsWithCamera(t, "usb-cam 3-1"))
	ctx := context.Background()

	// configured default is imx219, only a usb cam is attached
	cam, err := factory.ElectCamera(ctx)
	require.NoError(t, err)
	require.Equal(t, "usb-cam 3-1", cam.DeviceName)
	require.Equal(t, "usb-cam 3-1", store.Current().Camera.DeviceName)

	log, err := store.History().Log(ctx)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, "camera hotplug: selected usb-cam 3-1", log[0].Message)
}

func TestElectCameraUsesTestSourceWithoutDevices(t *testing.T) {
	daemon := newFakeDaemon()
	factory, _ := newTestFactory(t, daemon, device.Enumerator{SysfsRoot: filepath.Join(t.TempDir(), "absent")})

	cam, err := factory.ElectCamera(context.Background())
	require.NoError(t, err)
	require.Equal(t, device.TestSource, cam.DeviceName)
}

func TestDeleteMissingPipelineIsSwallowed(t *testing.T) {
	daemon := newFakeDaemon()
	factory, _ := newTestFactory(t, daemon, sysfsWithCamera(t, "imx219 10-0010"))

	require.NoError(t, factory.Delete(context.Background(), "snapshot"))
}

func TestSyncOptionalPipelinesDisabledDeletesOnly(t *testing.T) {
	daemon := newFakeDaemon()
	factory, store := newTestFactory(t, daemon, sysfsWithCamera(t, "imx219 10-0010"))
	ctx := context.Background()

	require.NoError(t, factory.Start(ctx))

	_, err := store.Apply(ctx, settings.SubTreePrintwatch,
		[]byte("[hls]\nenabled = false\n\n[snapshot]\nenabled = false\n"), "disable optional sinks")
	require.NoError(t, err)

	before := len(daemon.callsSnapshot())
	require.NoError(t, factory.SyncOptionalPipelines(ctx))

	var creates, deletes []string
	for _, call := range daemon.callsSnapshot()[before:] {
		if strings.HasPrefix(call, "POST /pipelines?") {
			creates = append(creates, call)
		}
		if strings.HasPrefix(call, "DELETE /pipelines?") {
			deletes = append(deletes, call)
		}
	}
	require.Empty(t, creates)
	require.ElementsMatch(t, []string{"DELETE /pipelines?name=hls", "DELETE /pipelines?name=snapshot"}, deletes)
}

func TestSyncOptionalPipelinesRecreatesWhenEnabled(t *testing.T) {
	daemon := newFakeDaemon()
	factory, _ := newTestFactory(t, daemon, sysfsWithCamera(t, "imx219 10-0010"))
	ctx := context.Background()

	require.NoError(t, factory.Start(ctx))

	before := len(daemon.callsSnapshot())
	require.NoError(t, factory.SyncOptionalPipelines(ctx))

	calls := daemon.callsSnapshot()[before:]
	require.Contains(t, calls, "DELETE /pipelines?name=hls")
	require.Contains(t, calls, "POST /pipelines?name=hls")
	require.Contains(t, calls, "DELETE /pipelines?name=snapshot")
	require.Contains(t, calls, "POST /pipelines?name=snapshot")
}

func TestStopRecordingSequence(t *testing.T) {
	daemon := newFakeDaemon()
	factory, _ := newTestFactory(t, daemon, sysfsWithCamera(t, "imx219 10-0010"))
	ctx := context.Background()

	require.NoError(t, factory.StartRecording(ctx, t.TempDir()))
	require.NoError(t, factory.StopRecording(ctx))

	var sequence []string
	for _, call := range daemon.callsSnapshot() {
		if strings.Contains(call, "h264_record") || strings.Contains(call, "/event") || strings.Contains(call, "/bus/") {
			sequence = append(sequence, call)
		}
	}

	// eos precedes the bus read, which precedes stop and delete
	joined := strings.Join(sequence, "\n")
	eosAt := strings.Index(joined, "POST /pipelines/h264_record/event?name=eos")
	readAt := strings.Index(joined, "GET /pipelines/h264_record/bus/message")
	stopAt := strings.Index(joined, "PUT /pipelines/h264_record/state?name=stop")
	deleteAt := strings.Index(joined, "DELETE /pipelines?name=h264_record")
	require.GreaterOrEqual(t, eosAt, 0)
	require.Greater(t, readAt, eosAt)
	require.Greater(t, stopAt, readAt)
	require.Greater(t, deleteAt, stopAt)
}
