// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package device

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, root, dev, name string) {
	t.Helper()
	dir := filepath.Join(root, dev)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "name"), []byte(name+"\n"), 0o644))
}

func TestListOrdersByIndex(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "video11", "bcm2835-codec-decode")
	writeFixture(t, root, "video0", "imx219 10-0010")
	writeFixture(t, root, "video2", "usb webcam")

	cams, err := Enumerator{SysfsRoot: root, DevRoot: "/dev"}.List(context.Background())
	require.NoError(t, err)
	require.Len(t, cams, 3)
	require.Equal(t, "imx219 10-0010", cams[0].DeviceName)
	require.Equal(t, "/dev/video0", cams[0].Path)
	require.Equal(t, 11, cams[2].Index)
}

func TestListMissingRoot(t *testing.T) {
	cams, err := Enumerator{SysfsRoot: filepath.Join(t.TempDir(), "nope")}.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, cams)
}

func TestFind(t *testing.T) {
	cams := []Camera{{DeviceName: "imx219 10-0010"}, {DeviceName: "usb webcam"}}
	require.NotNil(t, Find(cams, "usb webcam"))
	require.Nil(t, Find(cams, "missing"))
}
