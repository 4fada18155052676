// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestConfigureAttachesServiceField(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "printwatch-test"})

	logger := WithComponent("pipelines")
	logger.Info().Str(FieldEvent, "test.emit").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["service"] != "printwatch-test" {
		t.Errorf("service = %v, want printwatch-test", entry["service"])
	}
	if entry["component"] != "pipelines" {
		t.Errorf("component = %v, want pipelines", entry["component"])
	}
	if entry["event"] != "test.emit" {
		t.Errorf("event = %v, want test.emit", entry["event"])
	}
}
