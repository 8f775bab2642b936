// Package logging provides structured logging for the bridge using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level is a zerolog level.
type Level = zerolog.Level

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	FatalLevel = zerolog.FatalLevel
)

// Config holds logger configuration.
type Config struct {
	Level Level
	// Output receives console logs. Defaults to os.Stderr.
	Output io.Writer
	// Pretty switches the console to zerolog's human readable writer.
	Pretty     bool
	TimeFormat string
	// LogToFile tees JSON logs into bridge-<timestamp>.log under LogDir.
	LogToFile bool
	LogDir    string
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Level:      InfoLevel,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
		LogDir:     "/tmp",
	}
}

// sink is the log file opened by the last Init.
var sink struct {
	sync.Mutex
	file *os.File
	path string
}

// Init replaces the global logger. A log file opened by a previous Init
// is closed first. Failing to open the log file is reported on Output
// and leaves console logging in place.
func Init(cfg Config) {
	def := DefaultConfig()
	if cfg.Output == nil {
		cfg.Output = def.Output
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = def.TimeFormat
	}
	if cfg.LogDir == "" {
		cfg.LogDir = def.LogDir
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	Close()

	var out io.Writer = cfg.Output
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: cfg.TimeFormat}
	}
	if cfg.LogToFile {
		f, err := openLogFile(cfg.LogDir)
		if err != nil {
			fmt.Fprintf(cfg.Output, "logging: %v\n", err)
		} else {
			out = zerolog.MultiLevelWriter(out, f)
		}
	}

	Logger = zerolog.New(out).Level(cfg.Level).With().Timestamp().Logger()
}

func openLogFile(dir string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, "bridge-"+time.Now().Format("20060102-150405")+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	sink.Lock()
	sink.file, sink.path = f, path
	sink.Unlock()
	return f, nil
}

// Close closes the current log file, if any. Console logging continues.
func Close() {
	sink.Lock()
	defer sink.Unlock()
	if sink.file != nil {
		sink.file.Close()
	}
	sink.file, sink.path = nil, ""
}

// GetLogFilePath returns the path of the active log file, or "" when
// file logging is disabled.
func GetLogFilePath() string {
	sink.Lock()
	defer sink.Unlock()
	return sink.path
}

// ParseLevel maps a configured level name to a Level. Matching ignores
// case and surrounding space, accepts WARNING for WARN and falls back to
// InfoLevel for anything unknown, including the empty string.
func ParseLevel(level string) Level {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}
	switch l, err := zerolog.ParseLevel(name); {
	case err != nil, l == zerolog.NoLevel, l < DebugLevel, l > FatalLevel:
		return InfoLevel
	default:
		return l
	}
}

func Debug() *zerolog.Event { return Logger.Debug() }
func Info() *zerolog.Event  { return Logger.Info() }
func Warn() *zerolog.Event  { return Logger.Warn() }
func Error() *zerolog.Event { return Logger.Error() }

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Session returns a child logger tagged with a session id.
func Session(sessionID string) zerolog.Logger {
	return Logger.With().Str("sessionID", sessionID).Logger()
}

func init() {
	Init(DefaultConfig())
}
