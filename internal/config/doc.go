// Package config provides configuration loading, merging, and path management
// for the session bridge.
//
// # Configuration Loading
//
// Load merges configuration from several sources. Later sources override
// earlier ones:
//
//  1. Global config (~/.config/bridge/bridge.json|jsonc|yaml|yml)
//  2. Project config (<dir>/.bridge/bridge.json|jsonc|yaml|yml)
//  3. BRIDGE_CONFIG file
//  4. BRIDGE_CONFIG_CONTENT inline JSON
//  5. <dir>/.env, loaded with godotenv without overriding set variables
//  6. BRIDGE_* environment variables
//
// Defaults fill whatever no source set.
//
// # Supported Formats
//
//   - bridge.json / bridge.jsonc - JSON with optional comments (tidwall/jsonc)
//   - bridge.yaml / bridge.yml - YAML (gopkg.in/yaml.v3)
//
// Files may reference environment variables with {env:VAR_NAME}.
//
// # Environment Variables
//
//   - BRIDGE_PORT, BRIDGE_HOSTNAME
//   - BRIDGE_LOG_LEVEL
//   - BRIDGE_REPLAY_BUFFER, BRIDGE_DEDUPE_LIMIT
//   - BRIDGE_STORAGE_DIR, BRIDGE_AUTOSAVE_INTERVAL
//
// # Paths
//
// GetPaths follows the XDG base directory layout:
//
//	paths := config.GetPaths()
//	paths.Data    // ~/.local/share/bridge
//	paths.Config  // ~/.config/bridge
//	paths.State   // ~/.local/state/bridge
package config
