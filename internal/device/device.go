// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package device enumerates video capture devices from sysfs.
package device

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// TestSource is the synthetic camera used when no hardware is present.
const TestSource = "videotestsrc"

// Camera describes one video capture device.
type Camera struct {
	// DeviceName is the kernel-reported card name (e.g. "imx219 10-0010").
	DeviceName string `json:"device_name"`
	// Path is the character device path (e.g. "/dev/video0").
	Path string `json:"path"`
	// Index is the v4l device index.
	Index int `json:"index"`
}

// Enumerator lists capture devices. The sysfs root is configurable so tests
// can point it at a fixture tree.
type Enumerator struct {
	SysfsRoot string // defaults to /sys/class/video4linux
	DevRoot   string // defaults to /dev
}

// List returns all video capture devices, ordered by device index.
func (e Enumerator) List(ctx context.Context) ([]Camera, error) {
	root := e.SysfsRoot
	if root == "" {
		root = "/sys/class/video4linux"
	}
	devRoot := e.DevRoot
	if devRoot == "" {
		devRoot = "/dev"
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var cameras []Camera
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		base := entry.Name()
		if !strings.HasPrefix(base, "video") {
			continue
		}
		index := 0
		for _, r := range base[len("video"):] {
			if r < '0' || r > '9' {
				index = -1
				break
			}
			index = index*10 + int(r-'0')
		}
		if index < 0 {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(root, base, "name"))
		if err != nil {
			continue
		}
		cameras = append(cameras, Camera{
			DeviceName: strings.TrimSpace(string(raw)),
			Path:       filepath.Join(devRoot, base),
			Index:      index,
		})
	}
	sort.Slice(cameras, func(i, j int) bool { return cameras[i].Index < cameras[j].Index })
	return cameras, nil
}

// Find returns the camera whose name matches, or nil.
func Find(cameras []Camera, deviceName string) *Camera {
	for i := range cameras {
		if cameras[i].DeviceName == deviceName {
			return &cameras[i]
		}
	}
	return nil
}
