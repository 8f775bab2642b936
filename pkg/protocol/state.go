package protocol

// Permission modes understood by the agent.
const (
	PermissionModeDefault = "default"
	PermissionModeBypass  = "bypassPermissions"
)

// MCPServer describes one MCP server reported by the agent at init.
type MCPServer struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// SessionState is the projection of agent-reported facts that a newly
// joining observer receives as a snapshot.
type SessionState struct {
	SessionID          string      `json:"session_id"`
	AgentSessionID     string      `json:"agent_session_id,omitempty"`
	Model              string      `json:"model"`
	Cwd                string      `json:"cwd"`
	Tools              []string    `json:"tools"`
	PermissionMode     string      `json:"permission_mode"`
	AgentVersion       string      `json:"agent_version"`
	MCPServers         []MCPServer `json:"mcp_servers"`
	Agents             []string    `json:"agents"`
	SlashCommands      []string    `json:"slash_commands"`
	Skills             []string    `json:"skills"`
	TotalCostUSD       float64     `json:"total_cost_usd"`
	NumTurns           int         `json:"num_turns"`
	ContextUsedPercent int         `json:"context_used_percent"`
	IsCompacting       bool        `json:"is_compacting"`
	TotalLinesAdded    int         `json:"total_lines_added"`
	TotalLinesRemoved  int         `json:"total_lines_removed"`
}

// NewSessionState returns the initial state for a session.
func NewSessionState(sessionID string) SessionState {
	return SessionState{
		SessionID:      sessionID,
		PermissionMode: PermissionModeDefault,
		Tools:          []string{},
		MCPServers:     []MCPServer{},
		Agents:         []string{},
		SlashCommands:  []string{},
		Skills:         []string{},
	}
}

// Clone returns a deep copy of the state.
func (s SessionState) Clone() SessionState {
	out := s
	out.Tools = cloneStrings(s.Tools)
	out.Agents = cloneStrings(s.Agents)
	out.SlashCommands = cloneStrings(s.SlashCommands)
	out.Skills = cloneStrings(s.Skills)
	if s.MCPServers != nil {
		out.MCPServers = append([]MCPServer{}, s.MCPServers...)
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string{}, in...)
}

// SessionPatch is a partial state update. Nil fields are unchanged.
type SessionPatch struct {
	Model              *string  `json:"model,omitempty"`
	PermissionMode     *string  `json:"permission_mode,omitempty"`
	TotalCostUSD       *float64 `json:"total_cost_usd,omitempty"`
	NumTurns           *int     `json:"num_turns,omitempty"`
	ContextUsedPercent *int     `json:"context_used_percent,omitempty"`
	IsCompacting       *bool    `json:"is_compacting,omitempty"`
	TotalLinesAdded    *int     `json:"total_lines_added,omitempty"`
	TotalLinesRemoved  *int     `json:"total_lines_removed,omitempty"`
}

// Apply writes the non-nil fields of the patch into s.
func (p SessionPatch) Apply(s *SessionState) {
	if p.Model != nil {
		s.Model = *p.Model
	}
	if p.PermissionMode != nil {
		s.PermissionMode = *p.PermissionMode
	}
	if p.TotalCostUSD != nil {
		s.TotalCostUSD = *p.TotalCostUSD
	}
	if p.NumTurns != nil {
		s.NumTurns = *p.NumTurns
	}
	if p.ContextUsedPercent != nil {
		s.ContextUsedPercent = *p.ContextUsedPercent
	}
	if p.IsCompacting != nil {
		s.IsCompacting = *p.IsCompacting
	}
	if p.TotalLinesAdded != nil {
		s.TotalLinesAdded = *p.TotalLinesAdded
	}
	if p.TotalLinesRemoved != nil {
		s.TotalLinesRemoved = *p.TotalLinesRemoved
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
