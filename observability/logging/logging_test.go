package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupEmitsRedactedJSON(t *testing.T) {
	var buf bytes.Buffer
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	file := filepath.Join(t.TempDir(), "escrowd.log")
	logger, closer := Setup(Options{Service: "escrowd", Environment: "test", Level: "debug", File: file, Output: &buf})
	defer closer.Close()

	logger.Debug("webhook registered", slog.String("url", "https://hooks.example.com"), slog.String("webhook_secret", "hunter2"))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["message"] != "webhook registered" || line["severity"] != "DEBUG" {
		t.Fatalf("unexpected line %v", line)
	}
	if line["service"] != "escrowd" || line["env"] != "test" {
		t.Fatalf("missing service attributes %v", line)
	}
	if line["webhook_secret"] != RedactedValue {
		t.Fatalf("secret was not redacted: %v", line["webhook_secret"])
	}
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("secret leaked into output")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for name, want := range cases {
		if got := ParseLevel(name); got != want {
			t.Fatalf("%q: expected %v, got %v", name, want, got)
		}
	}
}

func TestMaskValue(t *testing.T) {
	if MaskValue("  ") != "  " {
		t.Fatalf("blank values should pass through")
	}
	if MaskField("secret", "x").Value.String() != RedactedValue {
		t.Fatalf("expected redaction")
	}
}
