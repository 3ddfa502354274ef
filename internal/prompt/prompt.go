// Package prompt loads the prompt templates file and renders system prompts
// per agent state.
package prompt

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Template keys the runtime relies on.
const (
	KeyFrameworkInstructions = "standard_framework_instructions"
	KeyAdminPlanning         = "admin_ai_planning"
	KeyAdminExecution        = "admin_ai_execution"
	KeyDefaultSystemPrompt   = "default_system_prompt"
	KeyDefaultPersona        = "default_agent_persona"
)

// defaults keep the runtime usable without a templates file; a loaded file
// overrides per key.
var defaults = map[string]string{
	KeyDefaultPersona: "Assistant",

	KeyDefaultSystemPrompt: "You are {persona} (@{agent_id}), an agent in a collaborative multi-agent team.",

	KeyFrameworkInstructions: `--- Framework instructions for @{agent_id} ---
You act by emitting XML tool calls in your reply. Available tools:
{tool_descriptions_xml}
Rules:
- Use one or more tool calls per turn.
- When your task is complete, send your result to the agent that requested it
  with a final send_message call.
- Files live in your private sandbox (scope "private") or the session
  workspace (scope "shared").
Available models:
{available_models}`,

	KeyAdminPlanning: `You are the Admin AI (@{agent_id}). A user request follows.
Think, then emit exactly one <plan>...</plan> element containing a numbered
plan: the team to create, the agents (personas) needed, and the hand-offs.
Do not call any tools yet.`,

	KeyAdminExecution: `You are the Admin AI (@{agent_id}). Execute the approved plan:
{current_plan}
Create teams and agents with manage_team, delegate work with send_message,
and report back to the user when the team delivers. Emit tool calls in the
order they must run.`,
}

// Assembler renders templates by key with {placeholder} substitution.
type Assembler struct {
	templates map[string]string
}

// New returns an assembler carrying only the built-in templates.
func New() *Assembler {
	t := make(map[string]string, len(defaults))
	for k, v := range defaults {
		t[k] = v
	}
	return &Assembler{templates: t}
}

// Load reads a TOML templates file (flat string table keyed by template
// name) over the built-in defaults. A missing file keeps the defaults.
func Load(path string) (*Assembler, error) {
	a := New()
	if path == "" {
		return a, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return a, nil
		}
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var loaded map[string]string
	if err := toml.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	for k, v := range loaded {
		a.templates[k] = v
	}
	return a, nil
}

// Render substitutes {name} placeholders in the named template. Unknown
// placeholders are left verbatim so template bugs stay visible.
func (a *Assembler) Render(key string, vars map[string]string) (string, error) {
	tpl, ok := a.templates[key]
	if !ok {
		return "", fmt.Errorf("unknown template %q", key)
	}
	return Substitute(tpl, vars), nil
}

// Has reports whether a template key exists.
func (a *Assembler) Has(key string) bool {
	_, ok := a.templates[key]
	return ok
}

// Substitute applies {name} substitution to an arbitrary template string.
func Substitute(tpl string, vars map[string]string) string {
	if len(vars) == 0 {
		return tpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}
