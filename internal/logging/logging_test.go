package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "warn", "json")

	log.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}

	log.Warn().Str("timer_id", "t-1").Msg("visible")
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json line: %v (%q)", err, buf.String())
	}
	if line["timer_id"] != "t-1" || line["message"] != "visible" {
		t.Fatalf("unexpected fields %v", line)
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if lvl := parseLevel("nonsense"); lvl.String() != "info" {
		t.Fatalf("expected info, got %s", lvl)
	}
	if lvl := parseLevel("DEBUG"); lvl.String() != "debug" {
		t.Fatalf("expected debug, got %s", lvl)
	}
}
