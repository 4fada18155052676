// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package units

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyChange(t *testing.T) {
	require.Equal(t, ChangeSymlink, classifyChange("symlink"))
	require.Equal(t, ChangeUnlink, classifyChange("unlink"))
	// systemd reports only the two kinds; anything new maps to symlink
	require.Equal(t, ChangeSymlink, classifyChange(""))
}

func TestChangeWireShape(t *testing.T) {
	raw, err := json.Marshal(Change{
		Type:        ChangeSymlink,
		File:        "/etc/systemd/system/multi-user.target.wants/printwatch.service",
		Destination: "/usr/lib/systemd/system/printwatch.service",
	})
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "symlink",
		"file": "/etc/systemd/system/multi-user.target.wants/printwatch.service",
		"destination": "/usr/lib/systemd/system/printwatch.service"
	}`, string(raw))

	raw, err = json.Marshal(Change{Type: ChangeUnlink, File: "/etc/systemd/system/a.service"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type": "unlink", "file": "/etc/systemd/system/a.service"}`, string(raw))
}
