package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/ehrlich-b/go-nvmeq/internal/nvme"
)

func newTestLogger(buf *bytes.Buffer, level LogLevel) *Logger {
	return NewLogger(&Config{
		Level:   level,
		Format:  "text",
		Output:  buf,
		Sync:    true,
		NoColor: true,
	})
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "json format", config: &Config{Level: LevelInfo, Format: "json", Output: &bytes.Buffer{}}},
		{name: "text format", config: &Config{Level: LevelDebug, Format: "text", Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if NewLogger(tt.config) == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	ctrlrLogger := logger.WithController(42)
	ctrlrLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "ctrlr_id=42") {
		t.Errorf("Expected ctrlr_id=42 in output, got: %s", output)
	}

	buf.Reset()
	queueLogger := ctrlrLogger.WithQueue(1)
	queueLogger.Info("queue message")

	output = buf.String()
	if !strings.Contains(output, "ctrlr_id=42") {
		t.Errorf("Expected ctrlr_id=42 in queue logger output, got: %s", output)
	}
	if !strings.Contains(output, "qid=1") {
		t.Errorf("Expected qid=1 in output, got: %s", output)
	}
}

func TestLoggerWithCommand(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithCommand(123, "READ").Debug("submitting")

	output := buf.String()
	if !strings.Contains(output, "cid=123") {
		t.Errorf("Expected cid=123 in output, got: %s", output)
	}
	if !strings.Contains(output, "op=READ") {
		t.Errorf("Expected op=READ in output, got: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithError(errors.New("test error")).Error("operation failed")

	if output := buf.String(); !strings.Contains(output, "test error") {
		t.Errorf("Expected 'test error' in output, got: %s", output)
	}
}

func TestKeyValueFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelInfo)

	logger.Warn("queue full", "outstanding", 32, "backlog", 4, "dangling")

	output := buf.String()
	if !strings.Contains(output, "outstanding=32") || !strings.Contains(output, "backlog=4") {
		t.Errorf("Expected key/value fields in output, got: %s", output)
	}
	if strings.Contains(output, "dangling") {
		t.Errorf("Expected unpaired key to be dropped, got: %s", output)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelWarn)

	logger.Info("hidden")
	logger.Debugf("hidden %d", 1)
	if buf.Len() != 0 {
		t.Errorf("Expected no output below warn, got: %s", buf.String())
	}
	if logger.Enabled(LevelInfo) {
		t.Error("Expected info to be disabled")
	}
	if !logger.Enabled(LevelError) {
		t.Error("Expected error to be enabled")
	}

	logger.Errorf("shown %d", 2)
	if !strings.Contains(buf.String(), "shown 2") {
		t.Errorf("Expected error output, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	if err != nil || lvl != LevelDebug {
		t.Errorf("Expected debug level, got %v (%v)", lvl, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	defer SetDefault(prev)

	SetDefault(newTestLogger(&buf, LevelInfo))
	Info("from package", "k", "v")

	if !strings.Contains(buf.String(), "from package") {
		t.Errorf("Expected default logger output, got: %s", buf.String())
	}
}

func TestPrintCommandAndCompletion(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelError)

	cmd := nvme.Command{OPC: uint8(nvme.IORead), CID: 7, NSID: 1}
	logger.PrintCommand(1, &cmd)
	if out := buf.String(); !strings.Contains(out, "READ") || !strings.Contains(out, "cid=7") {
		t.Errorf("Expected decoded read command, got: %s", out)
	}

	buf.Reset()
	cpl := nvme.Completion{CID: 7}
	cpl.SetStatus(nvme.SCTMediaError, nvme.SCUnrecoveredReadError, false)
	logger.PrintCompletion(&cpl)
	out := buf.String()
	if !strings.Contains(out, "sct=2") || !strings.Contains(out, "dnr=false") {
		t.Errorf("Expected status fields, got: %s", out)
	}
}

type blockingWriter struct{ release chan struct{} }

func (w blockingWriter) Write(p []byte) (int, error) {
	<-w.release
	return len(p), nil
}

func TestQueuedWriterDrops(t *testing.T) {
	w := blockingWriter{release: make(chan struct{})}
	logger := NewLogger(&Config{Level: LevelInfo, Format: "json", Output: w, Backlog: 1})

	for i := 0; i < 10; i++ {
		logger.Info("line", "n", i)
	}
	// One line may be held by the drain goroutine and one queued.
	if d := logger.Dropped(); d < 8 {
		t.Errorf("Expected at least 8 dropped lines, got %d", d)
	}
	close(w.release)
	logger.Close()

	if NewLogger(&Config{Sync: true, Output: &bytes.Buffer{}}).Dropped() != 0 {
		t.Error("Sync logger should never drop")
	}
}
