package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	if ParseLevel("WARNING") != slog.LevelWarn {
		t.Fatalf("expected warn level")
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("expected info fallback")
	}
}

func TestLoggerCarriesServiceAndComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewLoggerTo(&buf, "debug", "vault", "test"), "tracker")
	logger.Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["service"] != "vault" || entry["env"] != "test" || entry["component"] != "tracker" {
		t.Fatalf("unexpected attributes: %v", entry)
	}
}
