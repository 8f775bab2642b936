// Package commands provides the CLI commands of the session bridge.
package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/opencode-ai/sessionbridge/internal/config"
	"github.com/opencode-ai/sessionbridge/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Session bridge between a coding agent and its observers",
	Long: `The session bridge relays a coding agent's NDJSON stream to any number
of observer connections, orders and buffers observer events for replay,
and runs the permission handshake before the agent uses a tool.

Run 'bridge serve' to start the bridge, or 'bridge sessions' to list
live and persisted sessions.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	addGlobalFlags(rootCmd.PersistentFlags())

	rootCmd.SetVersionTemplate(fmt.Sprintf("bridge %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// addGlobalFlags registers the flags shared by every subcommand.
func addGlobalFlags(flagSet *pflag.FlagSet) {
	flagSet.BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	flagSet.StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	flagSet.StringVarP(&workDir, "directory", "d", "", "Project directory used to find .bridge config")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return filepath.Abs(dir)
	}
	return os.Getwd()
}

// loadConfig resolves the working directory and loads its configuration.
func loadConfig() (*config.Config, string, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return nil, "", err
	}
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, "", fmt.Errorf("create data directories: %w", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, "", fmt.Errorf("load configuration: %w", err)
	}
	return cfg, dir, nil
}

// setupLogging initializes the global logger. Console output is only
// enabled by --print-logs or when serving in the foreground.
func setupLogging(cfg *config.Config, console bool) {
	lc := logging.DefaultConfig()

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	lc.Level = logging.ParseLevel(level)
	lc.Pretty = cfg.Log.Pretty != nil && *cfg.Log.Pretty
	lc.LogToFile = cfg.Log.File != nil && *cfg.Log.File
	lc.LogDir = cfg.Log.Dir
	if lc.LogDir == "" {
		lc.LogDir = config.GetPaths().LogPath()
	}
	if !console && !printLogs {
		lc.Output = io.Discard
	}
	logging.Init(lc)
}
