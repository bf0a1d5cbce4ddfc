package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&buf, "warn", false)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	log.Info("quiet")
	log.Warn("loud")
	_ = log.Sync()
	out := buf.String()
	if strings.Contains(out, "quiet") || !strings.Contains(out, "loud") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestInvalidLevel(t *testing.T) {
	if _, err := New("chatty", false); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if _, err := New("", false); err != nil {
		t.Fatalf("empty level should default to info: %v", err)
	}
}
