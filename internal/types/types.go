// Package types provides shared types used across Convene packages
// to avoid import cycles between the gateway, cycle, and orchestrator.
package types

import "time"

// AdminAgentID is the fixed id of the coordinator agent. It exists for the
// whole session and cannot be deleted.
const AdminAgentID = "admin_ai"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single entry in an agent's history. Immutable after append.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// ToolCall is one tool invocation parsed from assistant output.
// Arguments are strings as they appear in the XML; tools coerce types.
type ToolCall struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments"`
}

// AgentState is the lifecycle state of an agent within its cycle.
type AgentState string

const (
	StateIdle            AgentState = "idle"
	StatePlanning        AgentState = "planning"
	StateProcessing      AgentState = "processing"
	StateExecutingTool   AgentState = "executing_tool"
	StateAwaitingToolRes AgentState = "awaiting_tool_result"
	StateError           AgentState = "error"
)

// Event types pushed to UI clients.
const (
	EventAgentStatus      = "agent_status"
	EventContentChunk     = "content_chunk"
	EventMessageAppended  = "message_appended"
	EventToolResult       = "tool_result"
	EventError            = "error"
	EventOverrideRequired = "override_required"
)

// Event is a server-to-client notification.
type Event struct {
	Type      string         `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AgentConfig is the LLM-facing configuration of one agent.
type AgentConfig struct {
	Provider     string         `json:"provider"`
	Model        string         `json:"model"`
	Temperature  float64        `json:"temperature"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Extras       map[string]any `json:"extras,omitempty"`
}

// AgentInfo is a snapshot of one agent's externally visible state.
type AgentInfo struct {
	ID      string      `json:"id"`
	Persona string      `json:"persona"`
	Config  AgentConfig `json:"config"`
	State   AgentState  `json:"state"`
	Team    string      `json:"team,omitempty"`
}
