// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package bus dispatches subject-tagged requests and events arriving on
// the device's message bus subtree.
package bus

import "strings"

// PiIDToken is the placeholder standing in for the hostname in canonical
// subject patterns.
const PiIDToken = "{pi_id}"

// Canonical subject patterns. Incoming subjects carry the hostname where
// the token stands; dispatch happens on the canonical form.
const (
	PatternRecordingStart = "pi.{pi_id}.command.camera.recording.start"
	PatternRecordingStop  = "pi.{pi_id}.command.camera.recording.stop"
	PatternRecordingLoad  = "pi.{pi_id}.command.camera.recording.load"

	PatternCloudSync = "pi.{pi_id}.command.cloud.sync"

	PatternCamerasLoad = "pi.{pi_id}.cameras.load"

	PatternSettingsFileLoad   = "pi.{pi_id}.settings.file.load"
	PatternSettingsFileApply  = "pi.{pi_id}.settings.file.apply"
	PatternSettingsFileRevert = "pi.{pi_id}.settings.file.revert"

	PatternSettingsCameraLoad   = "pi.{pi_id}.settings.camera.load"
	PatternSettingsCameraApply  = "pi.{pi_id}.settings.camera.apply"
	PatternSettingsCameraStatus = "pi.{pi_id}.settings.camera.status"

	PatternUnitStart        = "pi.{pi_id}.dbus.org.freedesktop.systemd1.Manager.StartUnit"
	PatternUnitStop         = "pi.{pi_id}.dbus.org.freedesktop.systemd1.Manager.StopUnit"
	PatternUnitRestart      = "pi.{pi_id}.dbus.org.freedesktop.systemd1.Manager.RestartUnit"
	PatternUnitEnable       = "pi.{pi_id}.dbus.org.freedesktop.systemd1.Manager.EnableUnit"
	PatternUnitDisable      = "pi.{pi_id}.dbus.org.freedesktop.systemd1.Manager.DisableUnit"
	PatternUnitGet          = "pi.{pi_id}.dbus.org.freedesktop.systemd1.Manager.GetUnit"
	PatternUnitGetFileState = "pi.{pi_id}.dbus.org.freedesktop.systemd1.Manager.GetUnitFileState"
)

// PatternTensorFrames matches raw detection tensor sets published by the
// inference pipeline.
const PatternTensorFrames = "pi.{pi_id}.df.tensors"

// SubjectDetectionWindows carries the aggregated per-class statistics.
func SubjectDetectionWindows(hostname string) string {
	return "pi." + hostname + ".df.windows"
}

// Subscription is the wildcard covering the device's whole subtree.
func Subscription(hostname string) string {
	return "pi." + hostname + ".>"
}

// Canonical recovers the dispatch pattern from a concrete subject by
// substituting the first occurrence of the hostname with the pi_id
// token. Applying it twice is a no-op.
func Canonical(subject, hostname string) string {
	return strings.Replace(subject, hostname, PiIDToken, 1)
}

// Concrete renders a canonical pattern back into a publishable subject.
func Concrete(pattern, hostname string) string {
	return strings.Replace(pattern, PiIDToken, hostname, 1)
}
