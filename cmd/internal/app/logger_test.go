package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerLevelParsing(t *testing.T) {
	cases := []struct {
		level string
		debug bool
	}{
		{"debug", true},
		{"info", false},
		{"WARN", false},
		{"nonsense", false},
		{"", false},
	}

	for _, tc := range cases {
		log := NewLogger(tc.level, "json")
		if got := log.Enabled(context.Background(), slog.LevelDebug); got != tc.debug {
			t.Fatalf("level %q: debug enabled = %v, want %v", tc.level, got, tc.debug)
		}
	}
}

func TestPrettyHandlerLine(t *testing.T) {
	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}, false)
	log := slog.New(h)

	log.Info("server.start", "addr", "0.0.0.0:8080", "note", "two words")

	line := buf.String()
	for _, want := range []string{"lvl=[INFO]", "msg=server.start", "addr=0.0.0.0:8080", `note="two words"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("line missing %q: %s", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("color escapes with color disabled: %s", line)
	}
}

func TestPrettyHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	h := newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	log := slog.New(h)

	log.Info("dropped")
	log.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("info record passed a warn filter: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("warn record was filtered: %s", out)
	}
}

func TestPrettyHandlerGroupsAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newPrettyHandler(&buf, nil, false)
	log := slog.New(h).With("conn_id", "c1").WithGroup("doc")

	log.Info("doc.join", "id", "p1")

	line := buf.String()
	if !strings.Contains(line, "conn_id=c1") || !strings.Contains(line, "doc.id=p1") {
		t.Fatalf("unexpected attr rendering: %s", line)
	}
}
