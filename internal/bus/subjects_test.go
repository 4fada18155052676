// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalRecoversPattern(t *testing.T) {
	got := Canonical("pi.aurora.command.camera.recording.start", "aurora")
	require.Equal(t, PatternRecordingStart, got)
}

func TestCanonicalIsIdempotent(t *testing.T) {
	once := Canonical("pi.aurora.settings.file.apply", "aurora")
	twice := Canonical(once, "aurora")
	require.Equal(t, PatternSettingsFileApply, once)
	require.Equal(t, once, twice)
}

func TestCanonicalReplacesOnlyFirstOccurrence(t *testing.T) {
	// a hostname that collides with a later token must not clobber it
	got := Canonical("pi.camera.settings.camera.load", "camera")
	require.Equal(t, "pi.{pi_id}.settings.camera.load", got)
}

func TestConcreteInvertsCanonical(t *testing.T) {
	subject := Concrete(PatternUnitEnable, "aurora")
	require.Equal(t, "pi.aurora.dbus.org.freedesktop.systemd1.Manager.EnableUnit", subject)
	require.Equal(t, PatternUnitEnable, Canonical(subject, "aurora"))
}

func TestSubscriptionCoversSubtree(t *testing.T) {
	require.Equal(t, "pi.aurora.>", Subscription("aurora"))
}

func TestDetectionWindowsSubjectCarriesIdentity(t *testing.T) {
	// published subjects must name the device; the {pi_id} token is only
	// for dispatch-side pattern matching
	subject := SubjectDetectionWindows("aurora")
	require.Equal(t, "pi.aurora.df.windows", subject)
	require.NotContains(t, subject, PiIDToken)
}

func TestEncodeReplyTagsPattern(t *testing.T) {
	payload, err := encodeReply(PatternRecordingLoad, map[string]any{"recording": nil})
	require.NoError(t, err)
	require.JSONEq(t, `{"recording": null, "subject_pattern": "pi.{pi_id}.command.camera.recording.load"}`, string(payload))
}

func TestEncodeReplyWrapsNonObjects(t *testing.T) {
	payload, err := encodeReply(PatternCamerasLoad, []string{"a", "b"})
	require.NoError(t, err)
	require.JSONEq(t, `{"data": ["a","b"], "subject_pattern": "pi.{pi_id}.cameras.load"}`, string(payload))
}
