// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRecordingID = "recording_id"
	FieldPiID        = "pi_id"
	FieldCommit      = "commit"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPipeline  = "pipeline"
	FieldUnit      = "unit"

	// Bus fields
	FieldSubject        = "subject"
	FieldSubjectPattern = "subject_pattern"
	FieldReplyInbox     = "reply_inbox"

	// Media / stream fields
	FieldDevice = "device"
	FieldCaps   = "caps"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path / URL fields
	FieldPath    = "path"
	FieldBaseURL = "base_url"
	FieldSocket  = "socket"
)
