package testutil

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// MockAgentConfig defines the YAML schema of a scripted agent.
type MockAgentConfig struct {
	Settings  AgentSettings `yaml:"settings"`
	Defaults  AgentDefaults `yaml:"defaults"`
	Responses []TurnRule    `yaml:"responses"`
	ToolRules []ToolRule    `yaml:"tool_rules"`
}

// AgentSettings configures the agent process.
type AgentSettings struct {
	SessionID      string   `yaml:"session_id"`      // Agent session id reported in system/init
	Model          string   `yaml:"model"`           // Model reported in system/init
	PermissionMode string   `yaml:"permission_mode"` // Permission mode reported in system/init
	Cwd            string   `yaml:"cwd"`
	Tools          []string `yaml:"tools"`
	LagMS          int      `yaml:"lag_ms"`          // Delay before answering a turn
	StreamDeltas   bool     `yaml:"stream_deltas"`   // Send stream_event deltas before the assistant turn
	SkipInit       bool     `yaml:"skip_init"`       // Do not announce system/init on connect
	IgnoreControls bool     `yaml:"ignore_controls"` // Never answer bridge control requests
}

// AgentDefaults defines fallback behavior.
type AgentDefaults struct {
	Fallback string `yaml:"fallback"` // Reply when no rule matches
}

// TurnRule maps a prompt to the assistant reply.
type TurnRule struct {
	Name     string      `yaml:"name"`
	Match    MatchConfig `yaml:"match"`
	Response string      `yaml:"response"`
	IsError  bool        `yaml:"is_error"` // End the turn with an error result
	Priority int         `yaml:"priority"` // Higher priority rules are checked first
}

// MatchConfig defines how to match a prompt.
type MatchConfig struct {
	// Simple string matching (case-insensitive contains)
	Contains string `yaml:"contains"`

	// All strings must be present (case-insensitive)
	ContainsAll []string `yaml:"contains_all"`

	// Any string must be present (case-insensitive)
	ContainsAny []string `yaml:"contains_any"`

	// Exact match (case-insensitive)
	Exact string `yaml:"exact"`

	// Regex pattern
	Regex string `yaml:"regex"`
}

// ToolRule makes the agent ask for permission to run a tool before it
// replies.
type ToolRule struct {
	Name     string            `yaml:"name"`
	Match    MatchConfig       `yaml:"match"`
	Tool     string            `yaml:"tool"`
	Input    map[string]string `yaml:"input"`
	Allowed  string            `yaml:"allowed"` // Reply after the tool was allowed
	Denied   string            `yaml:"denied"`  // Reply after the tool was denied
	Priority int               `yaml:"priority"`
}

// DefaultMockAgentConfig returns the default configuration with common
// scenarios.
func DefaultMockAgentConfig() *MockAgentConfig {
	return &MockAgentConfig{
		Settings: AgentSettings{
			SessionID:      "agent-session-1",
			Model:          "claude-sonnet-4",
			PermissionMode: "default",
			Cwd:            "/workspace",
			Tools:          []string{"Bash", "Read", "Edit"},
		},
		Defaults: AgentDefaults{
			Fallback: "I understand your request. Let me help you with that.",
		},
		Responses: []TurnRule{
			{
				Name:     "hello-world",
				Match:    MatchConfig{Contains: "hello, world"},
				Response: "Hello, World!",
				Priority: 10,
			},
			{
				Name:     "math-2plus2",
				Match:    MatchConfig{ContainsAny: []string{"2+2", "2 + 2"}},
				Response: "4",
				Priority: 10,
			},
			{
				Name:     "fail",
				Match:    MatchConfig{Exact: "fail please"},
				Response: "Something went wrong",
				IsError:  true,
				Priority: 10,
			},
			{
				Name:     "simple-hello",
				Match:    MatchConfig{Contains: "hello"},
				Response: "Hello! How can I help you today?",
				Priority: 1,
			},
		},
		ToolRules: []ToolRule{
			{
				Name:     "echo-hello-world",
				Match:    MatchConfig{Contains: "echo hello world"},
				Tool:     "Bash",
				Input:    map[string]string{"command": "echo hello world"},
				Allowed:  "hello world",
				Denied:   "OK, I won't run it.",
				Priority: 10,
			},
		},
	}
}

// LoadMockAgentConfig loads configuration from a YAML file.
func LoadMockAgentConfig(path string) (*MockAgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config MockAgentConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadMockAgentConfigFromDir looks for mockagent.yaml in the given
// directory.
func LoadMockAgentConfigFromDir(dir string) (*MockAgentConfig, error) {
	path := filepath.Join(dir, "mockagent.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Join(dir, "mockagent.yml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, err
		}
	}
	return LoadMockAgentConfig(path)
}

// SaveMockAgentConfig saves configuration to a YAML file.
func SaveMockAgentConfig(config *MockAgentConfig, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Matches checks if the prompt matches this rule.
func (m *MatchConfig) Matches(prompt string) bool {
	promptLower := strings.ToLower(prompt)

	if m.Exact != "" {
		return strings.EqualFold(prompt, m.Exact)
	}

	if m.Contains != "" {
		return strings.Contains(promptLower, strings.ToLower(m.Contains))
	}

	if len(m.ContainsAll) > 0 {
		for _, s := range m.ContainsAll {
			if !strings.Contains(promptLower, strings.ToLower(s)) {
				return false
			}
		}
		return true
	}

	if len(m.ContainsAny) > 0 {
		for _, s := range m.ContainsAny {
			if strings.Contains(promptLower, strings.ToLower(s)) {
				return true
			}
		}
		return false
	}

	if m.Regex != "" {
		re, err := regexp.Compile("(?i)" + m.Regex)
		return err == nil && re.MatchString(prompt)
	}

	return false
}

// FindMatchingResponse returns the highest priority rule matching prompt,
// or a fallback rule when none does.
func (c *MockAgentConfig) FindMatchingResponse(prompt string) (TurnRule, bool) {
	var bestMatch *TurnRule
	bestPriority := -1

	for i := range c.Responses {
		rule := &c.Responses[i]
		if rule.Match.Matches(prompt) && rule.Priority > bestPriority {
			bestMatch = rule
			bestPriority = rule.Priority
		}
	}

	if bestMatch != nil {
		return *bestMatch, true
	}
	return TurnRule{Name: "fallback", Response: c.Defaults.Fallback}, false
}

// FindMatchingToolRule finds a matching tool rule among the tools the
// agent announced.
func (c *MockAgentConfig) FindMatchingToolRule(prompt string) *ToolRule {
	toolSet := make(map[string]bool)
	for _, t := range c.Settings.Tools {
		toolSet[t] = true
	}

	var bestMatch *ToolRule
	bestPriority := -1

	for i := range c.ToolRules {
		rule := &c.ToolRules[i]
		if !toolSet[rule.Tool] {
			continue
		}
		if rule.Match.Matches(prompt) && rule.Priority > bestPriority {
			bestMatch = rule
			bestPriority = rule.Priority
		}
	}

	return bestMatch
}
