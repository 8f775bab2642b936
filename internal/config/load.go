package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/sessionbridge/internal/logging"
)

var configNames = []string{"bridge.json", "bridge.jsonc", "bridge.yaml", "bridge.yml"}

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/bridge/)
// 2. Project config (<directory>/.bridge/)
// 3. BRIDGE_CONFIG file
// 4. BRIDGE_CONFIG_CONTENT inline JSON
// 5. <directory>/.env
// 6. BRIDGE_* environment variables
func Load(directory string) (*Config, error) {
	config := &Config{}
	loaded := make(map[string]bool)

	loadOnce := func(path string) error {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil
		}
		if loaded[absPath] {
			return nil
		}
		err = loadConfigFile(path, config)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		loaded[absPath] = true
		return nil
	}

	globalPath := GetPaths().Config
	for _, name := range configNames {
		if err := loadOnce(filepath.Join(globalPath, name)); err != nil {
			return nil, err
		}
	}

	if directory != "" {
		projectDir := filepath.Join(directory, ".bridge")
		for _, name := range configNames {
			if err := loadOnce(filepath.Join(projectDir, name)); err != nil {
				return nil, err
			}
		}
	}

	if configPath := os.Getenv("BRIDGE_CONFIG"); configPath != "" {
		if err := loadConfigFile(configPath, config); err != nil {
			return nil, fmt.Errorf("load BRIDGE_CONFIG %s: %w", configPath, err)
		}
	}

	if content := os.Getenv("BRIDGE_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal(interpolate(jsonc.ToJSON([]byte(content))), &inline); err != nil {
			return nil, fmt.Errorf("parse BRIDGE_CONFIG_CONTENT: %w", err)
		}
		mergeConfig(config, &inline)
	}

	if directory != "" {
		envFile := filepath.Join(directory, ".env")
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			logging.Warn().Err(err).Str("path", envFile).Msg("failed to read env file")
		}
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	config.applyDefaults()
	return config, nil
}

// loadConfigFile merges a single JSON, JSONC or YAML file into config.
func loadConfigFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	data = interpolate(data)

	var fileConfig Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fileConfig); err != nil {
			return err
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), &fileConfig); err != nil {
			return err
		}
	}

	mergeConfig(config, &fileConfig)
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate replaces {env:VAR} placeholders with the variable's value.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// mergeConfig merges the set fields of source into target.
func mergeConfig(target, source *Config) {
	if source.Schema != "" {
		target.Schema = source.Schema
	}

	if source.Server.Port != 0 {
		target.Server.Port = source.Server.Port
	}
	if source.Server.Hostname != "" {
		target.Server.Hostname = source.Server.Hostname
	}
	if source.Server.CORS != nil {
		target.Server.CORS = source.Server.CORS
	}
	if len(source.Server.AllowedOrigins) > 0 {
		target.Server.AllowedOrigins = source.Server.AllowedOrigins
	}

	if source.Bridge.ReplayBufferSize != 0 {
		target.Bridge.ReplayBufferSize = source.Bridge.ReplayBufferSize
	}
	if source.Bridge.DedupeLimit != 0 {
		target.Bridge.DedupeLimit = source.Bridge.DedupeLimit
	}
	if source.Bridge.SocketQueue != 0 {
		target.Bridge.SocketQueue = source.Bridge.SocketQueue
	}

	if source.Persist.Enabled != nil {
		target.Persist.Enabled = source.Persist.Enabled
	}
	if source.Persist.Dir != "" {
		target.Persist.Dir = source.Persist.Dir
	}
	if source.Persist.AutosaveInterval != 0 {
		target.Persist.AutosaveInterval = source.Persist.AutosaveInterval
	}

	// Watch directories merge per session
	if source.Watch.Directories != nil {
		if target.Watch.Directories == nil {
			target.Watch.Directories = make(map[string]string)
		}
		for k, v := range source.Watch.Directories {
			target.Watch.Directories[k] = v
		}
	}
	if len(source.Watch.Ignore) > 0 {
		target.Watch.Ignore = append(target.Watch.Ignore, source.Watch.Ignore...)
	}
	if source.Watch.Debounce != 0 {
		target.Watch.Debounce = source.Watch.Debounce
	}

	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.Pretty != nil {
		target.Log.Pretty = source.Log.Pretty
	}
	if source.Log.File != nil {
		target.Log.File = source.Log.File
	}
	if source.Log.Dir != "" {
		target.Log.Dir = source.Log.Dir
	}
}

// applyEnvOverrides applies BRIDGE_* environment variables.
func applyEnvOverrides(config *Config) error {
	ints := []struct {
		env string
		dst *int
	}{
		{"BRIDGE_PORT", &config.Server.Port},
		{"BRIDGE_REPLAY_BUFFER", &config.Bridge.ReplayBufferSize},
		{"BRIDGE_DEDUPE_LIMIT", &config.Bridge.DedupeLimit},
	}
	for _, o := range ints {
		v := os.Getenv(o.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", o.env, err)
		}
		*o.dst = n
	}

	if v := os.Getenv("BRIDGE_HOSTNAME"); v != "" {
		config.Server.Hostname = v
	}
	if v := os.Getenv("BRIDGE_LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv("BRIDGE_STORAGE_DIR"); v != "" {
		config.Persist.Dir = v
	}
	if v := os.Getenv("BRIDGE_AUTOSAVE_INTERVAL"); v != "" {
		var d Duration
		if err := d.set(v); err != nil {
			return fmt.Errorf("BRIDGE_AUTOSAVE_INTERVAL: %w", err)
		}
		config.Persist.AutosaveInterval = d
	}
	return nil
}

// Save writes the configuration as indented JSON.
func Save(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
