package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/contrib/processors/minsev"
)

func TestInstrumentFormats(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	shutdown, err := instrument(context.Background(), &buf, slog.LevelInfo, FormatJSON, "")
	if err != nil {
		t.Fatal(err)
	}
	slog.Debug("hidden")
	slog.Info("visible", "provider", "acme")
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatal(err)
	}
	if rec["msg"] != "visible" || rec["provider"] != "acme" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	if _, err := instrument(context.Background(), &buf, slog.LevelDebug, FormatText, ""); err != nil {
		t.Fatal(err)
	}
	slog.Debug("shown")
	if !strings.Contains(buf.String(), "msg=shown") {
		t.Errorf("text output = %q", buf.String())
	}
}

func TestInstrumentOTelStdout(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	shutdown, err := instrument(context.Background(), &buf, slog.LevelInfo, FormatOTel, ProtocolStdout)
	if err != nil {
		t.Fatal(err)
	}
	slog.Info("exported")
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "exported") {
		t.Errorf("stdout exporter output = %q", buf.String())
	}
}

func TestInstrumentRejectsUnknown(t *testing.T) {
	if _, err := instrument(context.Background(), &bytes.Buffer{}, slog.LevelInfo, "xml", ""); err == nil {
		t.Error("unknown format accepted")
	}
	if _, err := instrument(context.Background(), &bytes.Buffer{}, slog.LevelInfo, FormatOTel, "carrier-pigeon"); err == nil {
		t.Error("unknown protocol accepted")
	}
}

func TestSeverity(t *testing.T) {
	tests := map[slog.Level]minsev.Severity{
		slog.LevelDebug: minsev.SeverityDebug,
		slog.LevelInfo:  minsev.SeverityInfo,
		slog.LevelWarn:  minsev.SeverityWarn,
		slog.LevelError: minsev.SeverityError,
	}
	for level, want := range tests {
		if got := severity(level); got != want {
			t.Errorf("severity(%v) = %v, want %v", level, got, want)
		}
	}
}
