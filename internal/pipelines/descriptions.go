// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package pipelines builds and supervises the fixed set of named media
// pipelines at the local control endpoint. Pipelines share buffers via
// named inter-pipe channels: an upstream pipeline exposes "{name}_sink"
// and a downstream one listens from "{name}_src".
package pipelines

import (
	"fmt"
	"strings"

	"github.com/ManuGH/printwatch/internal/device"
	"github.com/ManuGH/printwatch/internal/settings"
)

// Pipeline names. Creation order matters: the camera pipeline must play
// before its dependents.
const (
	NameCamera        = "camera"
	NameH264Encode    = "h264_encode"
	NameRTP           = "rtp"
	NameHLS           = "hls"
	NameSnapshot      = "snapshot"
	NameInference     = "tflite_inference"
	NameBoundingBoxes = "bounding_boxes"
	NameDF            = "df"
	NameH264Record    = "h264_record"
)

// Definition is one named pipeline and its launch description.
type Definition struct {
	Name        string
	Description string
	// Optional pipelines follow the hls/snapshot toggles instead of the
	// factory's base lifecycle.
	Optional bool
}

func sinkName(name string) string { return name + "_sink" }

func srcElement(name, listenTo string) string {
	return fmt.Sprintf("interpipesrc name=%s_src listen-to=%s format=time", name, sinkName(listenTo))
}

func sinkElement(name string) string {
	return fmt.Sprintf("interpipesink name=%s sync=false", sinkName(name))
}

// cameraCaps renders the raw video caps for the selected device. The
// imx219 sensor needs its colorimetry pinned or downstream encoders
// negotiate the wrong matrix.
func cameraCaps(cam device.Camera, c settings.Camera) string {
	caps := fmt.Sprintf("video/x-raw,format=YUY2,width=%d,height=%d,framerate=%d/%d",
		c.Width, c.Height, c.FramerateN, c.FramerateD)
	if strings.Contains(cam.DeviceName, "imx219") {
		caps += ",colorimetry=bt709"
	}
	return caps
}

func cameraSource(cam device.Camera) string {
	if cam.DeviceName == device.TestSource {
		return "videotestsrc is-live=true"
	}
	return fmt.Sprintf("libcamerasrc camera-name=%s", cam.Path)
}

// Definitions renders the base pipeline set for the elected camera, in
// start order.
func Definitions(cam device.Camera, cfg settings.Settings) []Definition {
	defs := []Definition{
		{
			Name: NameCamera,
			Description: fmt.Sprintf("%s ! capsfilter caps=%s ! %s",
				cameraSource(cam), cameraCaps(cam, cfg.Camera), sinkElement(NameCamera)),
		},
		{
			Name: NameH264Encode,
			Description: fmt.Sprintf(
				"%s ! v4l2h264enc ! h264parse ! capsfilter caps=video/x-h264,level=(string)4 ! %s",
				srcElement(NameH264Encode, NameCamera), sinkElement(NameH264Encode)),
		},
		{
			Name: NameRTP,
			Description: fmt.Sprintf(
				"%s ! rtph264pay config-interval=1 ! udpsink host=127.0.0.1 port=%d",
				srcElement(NameRTP, NameH264Encode), cfg.RTP.VideoPort),
		},
		{
			Name:     NameHLS,
			Optional: true,
			Description: fmt.Sprintf(
				"%s ! h264parse ! hlssink2 location=%s/segment%%05d.ts playlist-location=%s",
				srcElement(NameHLS, NameH264Encode), cfg.HLS.SegmentsDir, cfg.HLS.PlaylistPath),
		},
		{
			Name:     NameSnapshot,
			Optional: true,
			Description: fmt.Sprintf(
				"%s ! videoconvert ! jpegenc ! multifilesink location=%s max-files=2",
				srcElement(NameSnapshot, NameCamera), cfg.Snapshot.Path),
		},
		{
			Name: NameInference,
			Description: fmt.Sprintf(
				"%s ! videoconvert ! videoscale ! capsfilter caps=video/x-raw,format=RGB,width=%d,height=%d"+
					" ! tensor_converter ! tensor_filter framework=tensorflow2-lite model=%s ! %s",
				srcElement(NameInference, NameCamera),
				cfg.Detection.TensorWidth, cfg.Detection.TensorHeight,
				cfg.Detection.ModelFile, sinkElement(NameInference)),
		},
		{
			Name: NameBoundingBoxes,
			Description: fmt.Sprintf(
				"%s ! tensor_decoder mode=bounding_boxes option1=%s option2=%d:%d option3=%d:%d"+
					" ! videoconvert ! rtpvrawpay ! udpsink host=127.0.0.1 port=%d",
				srcElement(NameBoundingBoxes, NameInference),
				cfg.Detection.LabelFile,
				cfg.Detection.TensorWidth, cfg.Detection.TensorHeight,
				cfg.Camera.Width, cfg.Camera.Height,
				cfg.RTP.OverlayPort),
		},
		{
			Name: NameDF,
			Description: fmt.Sprintf(
				"%s ! dataframe_agg filter-threshold=%v max-size-duration=%d output-type=json ! bus_sink",
				srcElement(NameDF, NameInference),
				cfg.Detection.FilterThreshold,
				cfg.Detection.MaxSizeDuration.Nanoseconds()),
		},
	}
	return defs
}

// RecordingDefinition renders the per-session split-mux pipeline writing
// numbered parts under dir.
func RecordingDefinition(dir string, cfg settings.Recording) Definition {
	return Definition{
		Name: NameH264Record,
		Description: fmt.Sprintf(
			"%s ! h264parse ! splitmuxsink muxer=mp4mux location=%s/%%d.mp4"+
				" max-files=%d max-size-bytes=%d send-keyframe-requests=false",
			srcElement(NameH264Record, NameH264Encode),
			dir, cfg.MaxFiles, cfg.MaxSizeBytes),
	}
}
