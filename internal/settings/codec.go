// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package settings

import (
	"bytes"
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// Format identifies the canonical serialization of a settings document.
type Format int

const (
	FormatTOML Format = iota
	FormatYAML
	FormatINI
)

func (f Format) String() string {
	switch f {
	case FormatTOML:
		return "toml"
	case FormatYAML:
		return "yaml"
	case FormatINI:
		return "ini"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// Validate checks that data parses in this format. Content is not
// interpreted further; documents are opaque until a component reads them.
func (f Format) Validate(data []byte) error {
	switch f {
	case FormatTOML:
		var v map[string]any
		return toml.Unmarshal(data, &v)
	case FormatYAML:
		var v map[string]any
		return yaml.Unmarshal(data, &v)
	case FormatINI:
		_, err := ini.Load(data)
		return err
	default:
		return fmt.Errorf("unknown format %d", int(f))
	}
}

// Marshal serializes v in this format.
func (f Format) Marshal(v any) ([]byte, error) {
	switch f {
	case FormatTOML:
		return toml.Marshal(v)
	case FormatYAML:
		return yaml.Marshal(v)
	case FormatINI:
		file := ini.Empty()
		if err := ini.ReflectFrom(file, v); err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if _, err := file.WriteTo(&buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown format %d", int(f))
	}
}

// SubTree names one versioned settings document.
type SubTree int

const (
	SubTreePrintwatch SubTree = iota
	SubTreeOctoprint
	SubTreeMoonraker
	SubTreeKlipper
)

// SubTrees lists every document in canonical order.
var SubTrees = []SubTree{SubTreePrintwatch, SubTreeOctoprint, SubTreeMoonraker, SubTreeKlipper}

func (t SubTree) String() string {
	switch t {
	case SubTreePrintwatch:
		return "printwatch"
	case SubTreeOctoprint:
		return "octoprint"
	case SubTreeMoonraker:
		return "moonraker"
	case SubTreeKlipper:
		return "klipper"
	default:
		return fmt.Sprintf("subtree(%d)", int(t))
	}
}

// FileName is the document's path relative to the history root.
func (t SubTree) FileName() string {
	switch t {
	case SubTreePrintwatch:
		return "printwatch.toml"
	case SubTreeOctoprint:
		return "octoprint.yaml"
	case SubTreeMoonraker:
		return "moonraker.conf"
	case SubTreeKlipper:
		return "klipper.cfg"
	default:
		return ""
	}
}

// Format is the document's canonical serialization.
func (t SubTree) Format() Format {
	switch t {
	case SubTreePrintwatch:
		return FormatTOML
	case SubTreeOctoprint:
		return FormatYAML
	default:
		return FormatINI
	}
}

// ParseSubTree resolves a document by its short name.
func ParseSubTree(name string) (SubTree, error) {
	for _, t := range SubTrees {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("settings: unknown sub-tree %q", name)
}

// SubTreeForFile resolves a history-relative file name back to its document.
func SubTreeForFile(name string) (SubTree, bool) {
	for _, t := range SubTrees {
		if t.FileName() == name {
			return t, true
		}
	}
	return 0, false
}
