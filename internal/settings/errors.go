// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package settings

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound is returned when the declared settings file is absent.
	ErrConfigNotFound = errors.New("settings: config file not found")
	// ErrUnknownCommit is returned by Revert for an unresolvable identifier.
	ErrUnknownCommit = errors.New("settings: unknown commit")
	// ErrPostHook marks a partial success: the document was written and
	// committed, but the post-hook failed.
	ErrPostHook = errors.New("settings: post-hook failed")
)

// SerializationError reports malformed document content.
type SerializationError struct {
	File string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("settings: serialize %s: %v", e.File, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }
