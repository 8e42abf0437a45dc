package logging

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"DEBUG": LevelDebug,
		"debug": LevelDebug,
		"ERROR": LevelError,
		"INFO":  LevelInfo,
		"":      LevelInfo,
		"junk":  LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo, "")
	defer l.Close()

	l.Debug("Test", "hidden")
	l.Info("Test", "shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug entry leaked through INFO filter")
	}
	if !strings.Contains(out, "shown") {
		t.Error("info entry missing")
	}
	if len(l.Ring()) != 1 {
		t.Errorf("ring size = %d, want 1", len(l.Ring()))
	}
}

func TestLogger_SlogFrontEnd(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo, "")
	defer l.Close()

	l.Slog().Info("direct record", slog.String("module", "Test"))
	l.Slog().Debug("filtered", slog.String("module", "Test"))

	ring := l.Ring()
	if len(ring) != 1 {
		t.Fatalf("ring size = %d, want 1", len(ring))
	}
	if ring[0].Module != "Test" || ring[0].Message != "direct record" || ring[0].Level != "INFO" {
		t.Errorf("entry = %+v", ring[0])
	}

	// A child logger carries the module attribute through WithAttrs.
	l.Slog().With(slog.String("module", "Sub")).Error("from child")
	ring = l.Ring()
	last := ring[len(ring)-1]
	if last.Module != "Sub" || last.Level != "ERROR" || last.Message != "from child" {
		t.Errorf("child entry = %+v", last)
	}
}

func TestLogger_RingCapped(t *testing.T) {
	l := New(nil, LevelDebug, "")
	defer l.Close()

	for i := 0; i < 150; i++ {
		l.Info("Test", "entry %d", i)
	}
	ring := l.Ring()
	if len(ring) != 100 {
		t.Fatalf("ring size = %d, want 100", len(ring))
	}
	if ring[0].Message != "entry 50" {
		t.Errorf("oldest retained = %q, want entry 50", ring[0].Message)
	}
	if ring[99].Message != "entry 149" {
		t.Errorf("newest retained = %q", ring[99].Message)
	}
}

func TestLogger_SubscribeAndUnsubscribe(t *testing.T) {
	l := New(nil, LevelDebug, "")
	defer l.Close()

	var got []Entry
	unsub := l.Subscribe(func(e Entry) { got = append(got, e) })

	l.Info("Test", "first")
	unsub()
	l.Info("Test", "second")

	if len(got) != 1 || got[0].Message != "first" {
		t.Fatalf("subscriber saw %v", got)
	}
}

func TestLogger_SeenRecently(t *testing.T) {
	l := New(nil, LevelDebug, "")
	defer l.Close()

	l.Info("Test", "a line")
	ring := l.Ring()
	if len(ring) != 1 {
		t.Fatal("expected one entry")
	}
	if !l.SeenRecently(ring[0].Signature()) {
		t.Error("own entry not recognized as seen")
	}
	if l.SeenRecently("2026-01-01 00:00:00|INFO|X|never produced") {
		t.Error("foreign signature reported as seen")
	}
}

func TestLogger_FileSink(t *testing.T) {
	dir := t.TempDir()
	l := New(nil, LevelDebug, dir)

	l.Info("Test", "persisted line")
	l.Close()

	raw, err := os.ReadFile(l.CurrentFilePath())
	if err != nil {
		t.Fatal(err)
	}
	line := string(raw)
	if !strings.Contains(line, "[INFO] [Test] persisted line") {
		t.Errorf("file line = %q", line)
	}
}

func TestFormatLine(t *testing.T) {
	e := Entry{Timestamp: "2026-08-24 12:00:00", Level: "ERROR", Module: "Router", Message: "boom"}
	want := "[2026-08-24 12:00:00] [ERROR] [Router] boom"
	if got := formatLine(e); got != want {
		t.Errorf("formatLine = %q, want %q", got, want)
	}
}

func TestParseLine(t *testing.T) {
	e, ok := ParseLine("[2026-08-24 12:00:00] [INFO] [Router] 图片 1/2 生成成功\n")
	if !ok {
		t.Fatal("line not parsed")
	}
	if e.Timestamp != "2026-08-24 12:00:00" || e.Level != "INFO" || e.Module != "Router" {
		t.Errorf("entry = %+v", e)
	}
	if e.Message != "图片 1/2 生成成功" {
		t.Errorf("message = %q", e.Message)
	}
	if _, ok := ParseLine("plain text without brackets"); ok {
		t.Error("malformed line accepted")
	}
}
