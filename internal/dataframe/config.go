// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dataframe

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownKey is returned by Set for a key outside the property table.
var ErrUnknownKey = errors.New("dataframe: unknown property")

// OutputMode selects the serialization of aggregated frames.
type OutputMode int

const (
	// OutputArrowIPC emits an Arrow IPC stream.
	OutputArrowIPC OutputMode = iota
	// OutputJSONLines emits one JSON object per row, newline-terminated.
	OutputJSONLines
	// OutputFramedJSON emits a big-endian 4-byte length followed by a
	// JSON array of rows.
	OutputFramedJSON
)

func (m OutputMode) String() string {
	switch m {
	case OutputArrowIPC:
		return "arrow"
	case OutputJSONLines:
		return "json-lines"
	case OutputFramedJSON:
		return "framed-json"
	default:
		return fmt.Sprintf("output(%d)", int(m))
	}
}

// ParseOutputMode resolves a mode name.
func ParseOutputMode(s string) (OutputMode, error) {
	switch s {
	case "arrow":
		return OutputArrowIPC, nil
	case "json-lines":
		return OutputJSONLines, nil
	case "framed-json":
		return OutputFramedJSON, nil
	default:
		return 0, fmt.Errorf("dataframe: unknown output mode %q", s)
	}
}

// Config is the hot-settable aggregator configuration.
type Config struct {
	FilterThreshold float64
	MaxSizeDuration time.Duration
	WindowInterval  time.Duration
	WindowPeriod    time.Duration
	WindowOffset    time.Duration
	Truncate        bool
	DDOF            int
	Output          OutputMode
}

func (c *Config) applyDefaults() {
	if c.FilterThreshold == 0 {
		c.FilterThreshold = 0.5
	}
	if c.MaxSizeDuration == 0 {
		c.MaxSizeDuration = 30 * time.Second
	}
	if c.WindowInterval == 0 {
		c.WindowInterval = time.Second
	}
	if c.WindowPeriod == 0 {
		c.WindowPeriod = 2 * time.Second
	}
}

// Set updates one property by key. Values are type-checked before they
// take effect; durations accept time.Duration or a parseable string.
func (a *Aggregator) Set(key string, value any) error {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	switch key {
	case "filter_threshold":
		v, ok := asFloat(value)
		if !ok {
			return typeError(key, "float64", value)
		}
		a.cfg.FilterThreshold = v
	case "max_size_duration":
		return a.setDurationLocked(key, &a.cfg.MaxSizeDuration, value)
	case "window_interval":
		return a.setDurationLocked(key, &a.cfg.WindowInterval, value)
	case "window_period":
		return a.setDurationLocked(key, &a.cfg.WindowPeriod, value)
	case "window_offset":
		return a.setDurationLocked(key, &a.cfg.WindowOffset, value)
	case "truncate":
		v, ok := value.(bool)
		if !ok {
			return typeError(key, "bool", value)
		}
		a.cfg.Truncate = v
	case "ddof":
		v, ok := asInt(value)
		if !ok {
			return typeError(key, "int", value)
		}
		a.cfg.DDOF = v
	case "output":
		switch v := value.(type) {
		case OutputMode:
			a.cfg.Output = v
		case string:
			mode, err := ParseOutputMode(v)
			if err != nil {
				return err
			}
			a.cfg.Output = mode
		default:
			return typeError(key, "output mode", value)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return nil
}

// GetProperty reads one property by key.
func (a *Aggregator) GetProperty(key string) (any, error) {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	switch key {
	case "filter_threshold":
		return a.cfg.FilterThreshold, nil
	case "max_size_duration":
		return a.cfg.MaxSizeDuration, nil
	case "window_interval":
		return a.cfg.WindowInterval, nil
	case "window_period":
		return a.cfg.WindowPeriod, nil
	case "window_offset":
		return a.cfg.WindowOffset, nil
	case "truncate":
		return a.cfg.Truncate, nil
	case "ddof":
		return a.cfg.DDOF, nil
	case "output":
		return a.cfg.Output, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
}

func (a *Aggregator) setDurationLocked(key string, dst *time.Duration, value any) error {
	switch v := value.(type) {
	case time.Duration:
		*dst = v
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("dataframe: property %q: %w", key, err)
		}
		*dst = d
	default:
		return typeError(key, "duration", value)
	}
	return nil
}

func typeError(key, want string, got any) error {
	return fmt.Errorf("dataframe: property %q wants %s, got %T", key, want, got)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	default:
		return 0, false
	}
}

func asInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		if x == float64(int(x)) {
			return int(x), true
		}
		return 0, false
	default:
		return 0, false
	}
}
