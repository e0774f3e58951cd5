package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewTagsServiceAndEnv(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "folio-ledger", "test")

	logger.Info("dropped")
	logger.Warn("kept", "account_id", "a1")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected a single json record, got %q: %v", buf.String(), err)
	}
	if record["msg"] != "kept" || record["service"] != "folio-ledger" || record["env"] != "test" || record["account_id"] != "a1" {
		t.Fatalf("unexpected record %v", record)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
