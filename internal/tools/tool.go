package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/convene-ai/convene/internal/types"
)

// Per-tool execution timeouts.
const (
	fsTimeout   = 30 * time.Second
	teamTimeout = 10 * time.Second
)

// ActionKind tags a framework side-effect requested by a tool result.
type ActionKind string

const (
	ActionDeliverMessage ActionKind = "deliver_message"
	ActionCreateTeam     ActionKind = "create_team"
	ActionDeleteTeam     ActionKind = "delete_team"
	ActionCreateAgent    ActionKind = "create_agent"
	ActionDeleteAgent    ActionKind = "delete_agent"
)

// CreateAgentSpec carries the parameters of a requested agent creation.
type CreateAgentSpec struct {
	AgentID      string
	Provider     string
	Model        string
	Persona      string
	SystemPrompt string
	Temperature  float64
	TeamID       string
}

// Action is a structured side-effect the framework executes after reading a
// tool result. Tools themselves never mutate framework state.
type Action struct {
	Kind        ActionKind
	TargetAgent string
	Sender      string
	Content     string
	TeamID      string
	Spec        CreateAgentSpec
}

// Result is what a tool execution produces: the text appended as a tool
// message, an error flag, and requested framework actions.
type Result struct {
	Message string
	IsError bool
	Actions []Action
}

// Errorf builds an error result.
func Errorf(format string, args ...any) Result {
	return Result{Message: "ERROR: " + fmt.Sprintf(format, args...), IsError: true}
}

// Directory gives tools read access to the live agent and team tables. The
// interaction handler implements it over the orchestrator's state.
type Directory interface {
	// ResolveAgent maps an agent id, or a unique persona, to an agent id.
	ResolveAgent(target string) (string, error)
	ListAgents() []types.AgentInfo
	ListTeams() map[string][]string
}

// Env is the execution environment of one tool call.
type Env struct {
	AgentID     string
	SandboxRoot string
	SharedRoot  string
	Dir         Directory
}

// Param describes one tool parameter for prompt rendering.
type Param struct {
	Name        string
	Description string
	Required    bool
}

// Tool is one registered capability callable from assistant XML.
type Tool interface {
	Name() string
	Description() string
	Params() []Param
	Execute(ctx context.Context, call types.ToolCall, env Env) Result
}

// Executor owns the tool registry and runs calls with per-tool timeouts.
type Executor struct {
	tools  map[string]Tool
	logger *slog.Logger
}

// NewExecutor creates an executor with the given tools registered.
func NewExecutor(logger *slog.Logger, ts ...Tool) *Executor {
	e := &Executor{
		tools:  make(map[string]Tool),
		logger: logger.With("component", "tool-executor"),
	}
	for _, t := range ts {
		e.tools[t.Name()] = t
	}
	return e
}

// Has reports whether name is a registered tool.
func (e *Executor) Has(name string) bool {
	_, ok := e.tools[name]
	return ok
}

// Parse extracts this executor's tool calls from assistant text in document
// order and assigns ids monotonic within the turn.
func (e *Executor) Parse(text, cycleID string) []types.ToolCall {
	raw := ParseCalls(text, e.Has)
	calls := make([]types.ToolCall, len(raw))
	for i, rc := range raw {
		calls[i] = types.ToolCall{
			ID:        fmt.Sprintf("%s-%d", cycleID, i+1),
			Name:      rc.Name,
			Arguments: rc.Params,
		}
	}
	return calls
}

// Execute runs one call. Unknown tools and timeouts come back as error
// results, never as Go errors: the agent sees them as tool messages and may
// recover next cycle.
func (e *Executor) Execute(ctx context.Context, call types.ToolCall, env Env) Result {
	tool, ok := e.tools[call.Name]
	if !ok {
		return Errorf("unknown tool %s", call.Name)
	}

	if d := e.timeoutFor(call.Name); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	start := time.Now()
	res := tool.Execute(ctx, call, env)
	e.logger.Debug("tool executed",
		"tool", call.Name,
		"agent", env.AgentID,
		"call_id", call.ID,
		"error", res.IsError,
		"elapsed", time.Since(start),
	)
	return res
}

func (e *Executor) timeoutFor(name string) time.Duration {
	switch name {
	case "file_system":
		return fsTimeout
	case "manage_team":
		return teamTimeout
	default:
		return 0 // send_message resolves immediately
	}
}

// DescriptionsXML renders all registered tools as an XML block for prompt
// injection, sorted by tool name for stable prompts.
func (e *Executor) DescriptionsXML() string {
	names := make([]string, 0, len(e.tools))
	for n := range e.tools {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("<tools>\n")
	for _, n := range names {
		t := e.tools[n]
		fmt.Fprintf(&b, "  <tool name=%q>\n", t.Name())
		fmt.Fprintf(&b, "    <description>%s</description>\n", t.Description())
		for _, p := range t.Params() {
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "    <param name=%q use=%q>%s</param>\n", p.Name, req, p.Description)
		}
		b.WriteString("  </tool>\n")
	}
	b.WriteString("</tools>")
	return b.String()
}
