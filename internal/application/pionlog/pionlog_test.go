package pionlog

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestFactory_RoutesLevelsAndScope(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	l := NewFactory(logger).NewLogger("ice")

	l.Debugf("hidden %d", 1)
	l.Warnf("candidate %s failed", "host")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected exactly one json record, got %q: %v", buf.String(), err)
	}

	if rec["msg"] != "candidate host failed" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["level"] != "WARN" {
		t.Errorf("level = %v", rec["level"])
	}
	if rec["scope"] != "pion/ice" {
		t.Errorf("scope = %v", rec["scope"])
	}
}
