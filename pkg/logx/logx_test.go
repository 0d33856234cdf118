package logx

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestWithFieldsAreAppliedInOrder(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"), Owner(42))
	log.Info("hello", Account("acc-1"), String("comp", "override"))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("not json: %v (%s)", err, buf.String())
	}
	if m["message"] != "hello" || m["owner"] != float64(42) || m["account"] != "acc-1" {
		t.Fatalf("fields missing: %v", m)
	}
	if !strings.Contains(buf.String(), `"comp":"override"`) {
		t.Fatalf("call-site field should be written after fixed fields: %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level")
	}
	if !log.Enabled(LevelError) || log.Enabled(LevelDebug) {
		t.Fatalf("Enabled disagrees with level")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing happens", Err(nil))
}

func TestFormatChatLine(t *testing.T) {
	line := []byte(`{"level":"warn","message":"send failed","owner":7,"err":"timeout","time":"x"}`)
	got := formatChatLine(line)
	want := "[WARN] send failed\n- err=timeout\n- owner=7"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := formatChatLine([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("raw line: %q", got)
	}
}
