package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != InfoLevel {
		t.Errorf("expected Level to be InfoLevel, got %v", cfg.Level)
	}
	if cfg.Output != os.Stderr {
		t.Errorf("expected Output to be os.Stderr")
	}
	if cfg.TimeFormat != time.RFC3339 {
		t.Errorf("expected TimeFormat to be RFC3339, got %s", cfg.TimeFormat)
	}
	if cfg.LogToFile {
		t.Errorf("expected LogToFile to be false")
	}
	if cfg.LogDir != "/tmp" {
		t.Errorf("expected LogDir to be /tmp, got %s", cfg.LogDir)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"DEBUG", DebugLevel},
		{"  debug ", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"WARNING", WarnLevel},
		{"error", ErrorLevel},
		{"FATAL", FatalLevel},
		{"", InfoLevel},
		{"verbose", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, expected %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, Output: &buf})

	Info().Msg("frame relayed")
	Warn().Msg("malformed frame")

	output := buf.String()
	if strings.Contains(output, "frame relayed") {
		t.Errorf("info message should be filtered at warn level, got %s", output)
	}
	if !strings.Contains(output, "malformed frame") {
		t.Errorf("expected warn message in output, got %s", output)
	}
}

func TestPrettyOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf, Pretty: true})

	Info().Str("sessionID", "s1").Msg("agent connected")

	output := buf.String()
	if strings.HasPrefix(strings.TrimSpace(output), "{") {
		t.Errorf("pretty output should not be JSON, got %s", output)
	}
	if !strings.Contains(output, "agent connected") {
		t.Errorf("expected message in output, got %s", output)
	}
}

func TestSessionAndComponentLoggers(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})

	sessionLog := Session("abc")
	sessionLog.Info().Msg("observer attached")
	componentLog := Component("server")
	componentLog.Info().Msg("listening")

	output := buf.String()
	if !strings.Contains(output, `"sessionID":"abc"`) {
		t.Errorf("expected sessionID field, got %s", output)
	}
	if !strings.Contains(output, `"component":"server"`) {
		t.Errorf("expected component field, got %s", output)
	}
}

func TestLogToFile(t *testing.T) {
	tempDir := t.TempDir()

	Init(Config{
		Level:     InfoLevel,
		Output:    &bytes.Buffer{},
		LogToFile: true,
		LogDir:    tempDir,
	})
	defer Close()

	Info().Msg("file log test")

	logPath := GetLogFilePath()
	if logPath == "" {
		t.Fatal("expected log file path to be set")
	}
	if !strings.HasPrefix(logPath, tempDir) {
		t.Errorf("log file path %s should be in %s", logPath, tempDir)
	}
	name := filepath.Base(logPath)
	if !strings.HasPrefix(name, "bridge-") || !strings.HasSuffix(name, ".log") {
		t.Errorf("unexpected log file name: %s", name)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "file log test") {
		t.Errorf("log file should contain message, got: %s", string(content))
	}
}

func TestCloseClearsPath(t *testing.T) {
	Init(Config{
		Level:     InfoLevel,
		Output:    &bytes.Buffer{},
		LogToFile: true,
		LogDir:    t.TempDir(),
	})
	if GetLogFilePath() == "" {
		t.Fatal("expected log file path before close")
	}

	Close()

	if GetLogFilePath() != "" {
		t.Error("expected empty log file path after close")
	}
}

func TestInitWithNilOutput(t *testing.T) {
	Init(Config{Level: InfoLevel})
	defer Init(DefaultConfig())

	if GetLogFilePath() != "" {
		t.Error("expected no log file")
	}
}
