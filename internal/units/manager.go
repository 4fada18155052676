// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package units adapts the systemd D-Bus manager interface for the bus
// router: start/stop/restart/reload, enable/disable with typed change
// sets, and unit inspection.
package units

import (
	"context"
	"errors"
	"fmt"

	systemd "github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	applog "github.com/ManuGH/printwatch/internal/log"
)

// jobMode is passed on every lifecycle call.
const jobMode = "replace"

// ErrUnknownUnit is returned when a referenced unit does not exist.
var ErrUnknownUnit = errors.New("units: unknown unit")

// ChangeType classifies one filesystem effect of enable/disable.
type ChangeType string

const (
	ChangeSymlink ChangeType = "symlink"
	ChangeUnlink  ChangeType = "unlink"
)

// Change is one observed unit-file change.
type Change struct {
	Type        ChangeType `json:"type"`
	File        string     `json:"file"`
	Destination string     `json:"destination,omitempty"`
}

// UnitStatus mirrors the systemd unit listing entry.
type UnitStatus struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LoadState   string `json:"load_state"`
	ActiveState string `json:"active_state"`
	SubState    string `json:"sub_state"`
}

// Manager wraps one system bus connection.
type Manager struct {
	conn *systemd.Conn
	bus  *godbus.Conn
	log  zerolog.Logger
}

// NewManager connects to the system bus.
func NewManager(ctx context.Context) (*Manager, error) {
	conn, err := systemd.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect systemd: %w", err)
	}
	bus, err := godbus.SystemBus()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &Manager{conn: conn, bus: bus, log: applog.WithComponent("units")}, nil
}

// Close releases both connections.
func (m *Manager) Close() {
	m.conn.Close()
	// the godbus system bus connection is shared, never closed here
}

func (m *Manager) runJob(ctx context.Context, unit, verb string,
	call func(context.Context, string, string, chan<- string) (int, error)) error {

	results := make(chan string, 1)
	if _, err := call(ctx, unit, jobMode, results); err != nil {
		return fmt.Errorf("%s %s: %w", verb, unit, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-results:
		if result != "done" {
			return fmt.Errorf("%s %s: job finished as %q", verb, unit, result)
		}
	}

	m.log.Info().
		Str("event", "units."+verb).
		Str(applog.FieldUnit, unit).
		Msg("unit job done")
	return nil
}

// Start starts the unit and waits for the job to finish.
func (m *Manager) Start(ctx context.Context, unit string) error {
	return m.runJob(ctx, unit, "start", m.conn.StartUnitContext)
}

// Stop stops the unit.
func (m *Manager) Stop(ctx context.Context, unit string) error {
	return m.runJob(ctx, unit, "stop", m.conn.StopUnitContext)
}

// Restart restarts the unit.
func (m *Manager) Restart(ctx context.Context, unit string) error {
	return m.runJob(ctx, unit, "restart", m.conn.RestartUnitContext)
}

// Reload asks the manager to reload its configuration.
func (m *Manager) Reload(ctx context.Context) error {
	if err := m.conn.ReloadContext(ctx); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	return nil
}

// Enable enables the unit files, reloads the manager and returns the
// observed change set.
func (m *Manager) Enable(ctx context.Context, unitFiles []string) ([]Change, error) {
	_, raw, err := m.conn.EnableUnitFilesContext(ctx, unitFiles, false, true)
	if err != nil {
		return nil, fmt.Errorf("enable %v: %w", unitFiles, err)
	}
	changes := make([]Change, 0, len(raw))
	for _, c := range raw {
		changes = append(changes, Change{
			Type:        classifyChange(c.Type),
			File:        c.Filename,
			Destination: c.Destination,
		})
	}
	if err := m.Reload(ctx); err != nil {
		return changes, err
	}
	return changes, nil
}

// Disable disables the unit files, reloads the manager and returns the
// observed change set.
func (m *Manager) Disable(ctx context.Context, unitFiles []string) ([]Change, error) {
	raw, err := m.conn.DisableUnitFilesContext(ctx, unitFiles, false)
	if err != nil {
		return nil, fmt.Errorf("disable %v: %w", unitFiles, err)
	}
	changes := make([]Change, 0, len(raw))
	for _, c := range raw {
		changes = append(changes, Change{
			Type:        classifyChange(c.Type),
			File:        c.Filename,
			Destination: c.Destination,
		})
	}
	if err := m.Reload(ctx); err != nil {
		return changes, err
	}
	return changes, nil
}

func classifyChange(t string) ChangeType {
	if t == "unlink" {
		return ChangeUnlink
	}
	return ChangeSymlink
}

// GetUnit returns the unit's runtime status.
func (m *Manager) GetUnit(ctx context.Context, unit string) (*UnitStatus, error) {
	statuses, err := m.conn.ListUnitsByNamesContext(ctx, []string{unit})
	if err != nil {
		return nil, fmt.Errorf("get unit %s: %w", unit, err)
	}
	if len(statuses) == 0 || statuses[0].LoadState == "not-found" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUnit, unit)
	}
	s := statuses[0]
	return &UnitStatus{
		Name:        s.Name,
		Description: s.Description,
		LoadState:   s.LoadState,
		ActiveState: s.ActiveState,
		SubState:    s.SubState,
	}, nil
}

// GetUnitFileState queries the enablement state of a unit file
// ("enabled", "disabled", "static", …). go-systemd does not wrap this
// call, so it goes through the bus object directly.
func (m *Manager) GetUnitFileState(ctx context.Context, unitFile string) (string, error) {
	obj := m.bus.Object("org.freedesktop.systemd1", godbus.ObjectPath("/org/freedesktop/systemd1"))
	var state string
	err := obj.CallWithContext(ctx, "org.freedesktop.systemd1.Manager.GetUnitFileState", 0, unitFile).Store(&state)
	if err != nil {
		var dbusErr godbus.Error
		if errors.As(err, &dbusErr) && dbusErr.Name == "org.freedesktop.systemd1.NoSuchUnit" {
			return "", fmt.Errorf("%w: %s", ErrUnknownUnit, unitFile)
		}
		return "", fmt.Errorf("unit file state %s: %w", unitFile, err)
	}
	return state, nil
}
