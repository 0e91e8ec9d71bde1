package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("updates")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("refresh finished", "targets", 3)

	out := buf.String()
	if strings.Contains(out, `msg="INFO refresh`) {
		t.Fatalf("unexpected nested severity prefix in message: %s", out)
	}
	if !strings.Contains(out, `msg="refresh finished"`) {
		t.Fatalf("expected plain refresh message, got: %s", out)
	}
	if !strings.Contains(out, "component=updates") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "targets=3") {
		t.Fatalf("expected targets field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("updates")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestWithJobAttachesCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "debug", &buf)

	logger := WithJob(L("updates"), "/org/freedesktop/sysupdate1/job/_1", "host")
	logger.Debug("job registered")

	out := buf.String()
	if !strings.Contains(out, "job=/org/freedesktop/sysupdate1/job/_1") {
		t.Fatalf("expected job field, got: %s", out)
	}
	if !strings.Contains(out, "target=host") {
		t.Fatalf("expected target field, got: %s", out)
	}
}
