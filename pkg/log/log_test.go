package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Str("event_id", "e-1").Msg("published")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output, got error: %v (body=%s)", err, buf.String())
	}
	if entry["message"] != "published" {
		t.Errorf("message = %v, want %q", entry["message"], "published")
	}
	if entry["event_id"] != "e-1" {
		t.Errorf("event_id = %v, want %q", entry["event_id"], "e-1")
	}
}

func TestInitRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	Logger.Info().Msg("should be suppressed")
	if buf.Len() != 0 {
		t.Errorf("expected info log to be suppressed at warn level, got: %s", buf.String())
	}

	Logger.Warn().Msg("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Errorf("expected warn log to appear, got: %s", buf.String())
	}
}

func TestWithComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	child := WithComponent("dispatch")
	child.Debug().Msg("hello")

	if !strings.Contains(buf.String(), `"component":"dispatch"`) {
		t.Errorf("expected component field in output, got: %s", buf.String())
	}
}
