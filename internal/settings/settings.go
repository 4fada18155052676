// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package settings loads the layered device configuration and commits
// every edit to a local version-controlled history.
package settings

import (
	"time"
)

// DefaultFile is used when PRINTWATCH_SETTINGS is unset.
const DefaultFile = "/var/lib/printwatch/settings/printwatch.toml"

// EnvSettingsPath overrides the settings file location.
const EnvSettingsPath = "PRINTWATCH_SETTINGS"

// Settings is the materialized configuration tree. Field tags follow the
// TOML document layout; viper overlays PRINTWATCH_* env vars on top.
type Settings struct {
	Paths     Paths     `mapstructure:"paths" toml:"paths"`
	Git       Git       `mapstructure:"git" toml:"git"`
	Camera    Camera    `mapstructure:"camera" toml:"camera"`
	Detection Detection `mapstructure:"detection" toml:"detection"`
	HLS       HLS       `mapstructure:"hls" toml:"hls"`
	RTP       RTP       `mapstructure:"rtp" toml:"rtp"`
	Snapshot  Snapshot  `mapstructure:"snapshot" toml:"snapshot"`
	Recording Recording `mapstructure:"recording" toml:"recording"`
	Bus       Bus       `mapstructure:"bus" toml:"bus"`
	Cloud     Cloud     `mapstructure:"cloud" toml:"cloud"`
}

// Bus points at the on-device broker.
type Bus struct {
	URI     string `mapstructure:"uri" toml:"uri"`
	Workers int    `mapstructure:"workers" toml:"workers"`
}

// Paths locates the writable state of the appliance.
type Paths struct {
	StateDir    string `mapstructure:"state_dir" toml:"state_dir"`
	SettingsDir string `mapstructure:"settings_dir" toml:"settings_dir"`
	DBPath      string `mapstructure:"db_path" toml:"db_path"`
	SocketPath  string `mapstructure:"socket_path" toml:"socket_path"`
	VideoDir    string `mapstructure:"video_dir" toml:"video_dir"`
}

// Git configures the settings history.
type Git struct {
	Remote string `mapstructure:"remote" toml:"remote"`
	Branch string `mapstructure:"branch" toml:"branch"`
}

// Camera selects and shapes the capture device.
type Camera struct {
	DeviceName string `mapstructure:"device_name" toml:"device_name"`
	Width      int    `mapstructure:"width" toml:"width"`
	Height     int    `mapstructure:"height" toml:"height"`
	FramerateN int    `mapstructure:"framerate_n" toml:"framerate_n"`
	FramerateD int    `mapstructure:"framerate_d" toml:"framerate_d"`
}

// Detection configures the inference pipeline and the aggregator.
type Detection struct {
	ModelFile       string        `mapstructure:"model_file" toml:"model_file"`
	LabelFile       string        `mapstructure:"label_file" toml:"label_file"`
	TensorWidth     int           `mapstructure:"tensor_width" toml:"tensor_width"`
	TensorHeight    int           `mapstructure:"tensor_height" toml:"tensor_height"`
	FilterThreshold float64       `mapstructure:"filter_threshold" toml:"filter_threshold"`
	MaxSizeDuration time.Duration `mapstructure:"max_size_duration" toml:"max_size_duration"`
	WindowInterval  time.Duration `mapstructure:"window_interval" toml:"window_interval"`
	WindowPeriod    time.Duration `mapstructure:"window_period" toml:"window_period"`
	WindowOffset    time.Duration `mapstructure:"window_offset" toml:"window_offset"`
	DDOF            int           `mapstructure:"ddof" toml:"ddof"`
}

// HLS configures the segmented playlist sink.
type HLS struct {
	Enabled      bool   `mapstructure:"enabled" toml:"enabled"`
	SegmentsDir  string `mapstructure:"segments_dir" toml:"segments_dir"`
	PlaylistPath string `mapstructure:"playlist_path" toml:"playlist_path"`
}

// RTP configures the UDP video sinks.
type RTP struct {
	VideoPort   int `mapstructure:"video_port" toml:"video_port"`
	OverlayPort int `mapstructure:"overlay_port" toml:"overlay_port"`
}

// Snapshot configures the rotating JPEG sink.
type Snapshot struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Path    string `mapstructure:"path" toml:"path"`
}

// Recording bounds the split muxer output.
type Recording struct {
	MaxFiles     int   `mapstructure:"max_files" toml:"max_files"`
	MaxSizeBytes int64 `mapstructure:"max_size_bytes" toml:"max_size_bytes"`
}

// Cloud holds the remote bus coordinates.
type Cloud struct {
	BusURI    string `mapstructure:"bus_uri" toml:"bus_uri"`
	CredsPath string `mapstructure:"creds_path" toml:"creds_path"`
	FIFOSize  int    `mapstructure:"fifo_size" toml:"fifo_size"`
}

// defaults is the lowest-precedence layer.
func defaults() map[string]any {
	return map[string]any{
		"paths.state_dir":             "/var/lib/printwatch",
		"paths.settings_dir":          "/var/lib/printwatch/settings",
		"paths.db_path":               "/var/lib/printwatch/edge.db",
		"paths.socket_path":           "/var/run/printwatch/events.sock",
		"paths.video_dir":             "/var/lib/printwatch/video",
		"git.remote":                  "",
		"git.branch":                  "main",
		"camera.device_name":          "imx219",
		"camera.width":                640,
		"camera.height":               480,
		"camera.framerate_n":          15,
		"camera.framerate_d":          1,
		"detection.model_file":        "/usr/share/printwatch/model.tflite",
		"detection.label_file":        "/usr/share/printwatch/labels.txt",
		"detection.tensor_width":      320,
		"detection.tensor_height":     320,
		"detection.filter_threshold":  0.5,
		"detection.max_size_duration": 30 * time.Second,
		"detection.window_interval":   time.Second,
		"detection.window_period":     2 * time.Second,
		"detection.window_offset":     time.Duration(0),
		"detection.ddof":              0,
		"hls.enabled":                 true,
		"hls.segments_dir":            "/var/run/printwatch/hls",
		"hls.playlist_path":           "/var/run/printwatch/hls/playlist.m3u8",
		"rtp.video_port":              20001,
		"rtp.overlay_port":            20002,
		"snapshot.enabled":            true,
		"snapshot.path":               "/var/run/printwatch/snapshot/latest.jpg",
		"recording.max_files":         50,
		"recording.max_size_bytes":    int64(10485760),
		"bus.uri":                     "nats://127.0.0.1:4222",
		"bus.workers":                 8,
		"cloud.bus_uri":               "tls://nats.printwatch.cloud:4222",
		"cloud.creds_path":            "",
		"cloud.fifo_size":             12,
	}
}
