package tools

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/convene-ai/convene/internal/types"
)

// ManageTeam implements the manage_team tool. Like send_message it is
// side-effect free: each action is validated here and returned as a
// structured Action that the framework executes.
type ManageTeam struct{}

func NewManageTeam() *ManageTeam { return &ManageTeam{} }

func (m *ManageTeam) Name() string { return "manage_team" }

func (m *ManageTeam) Description() string {
	return "Create or delete teams and agents, and list the current teams and agents."
}

func (m *ManageTeam) Params() []Param {
	return []Param{
		{Name: "action", Description: "one of create_team, delete_team, create_agent, delete_agent, list_teams, list_agents", Required: true},
		{Name: "team_id", Description: "team identifier"},
		{Name: "agent_id", Description: "agent identifier"},
		{Name: "provider", Description: "LLM provider for create_agent; auto-selected when omitted"},
		{Name: "model", Description: "model for create_agent; auto-selected when omitted"},
		{Name: "persona", Description: "display name for create_agent"},
		{Name: "system_prompt", Description: "role prompt for create_agent"},
		{Name: "temperature", Description: "sampling temperature for create_agent"},
	}
}

func (m *ManageTeam) Execute(ctx context.Context, call types.ToolCall, env Env) Result {
	args := call.Arguments
	switch args["action"] {
	case "create_team":
		if args["team_id"] == "" {
			return Errorf("create_team requires team_id")
		}
		return Result{
			Message: fmt.Sprintf("Team %q created.", args["team_id"]),
			Actions: []Action{{Kind: ActionCreateTeam, TeamID: args["team_id"]}},
		}

	case "delete_team":
		if args["team_id"] == "" {
			return Errorf("delete_team requires team_id")
		}
		return Result{
			Message: fmt.Sprintf("Team %q deleted.", args["team_id"]),
			Actions: []Action{{Kind: ActionDeleteTeam, TeamID: args["team_id"]}},
		}

	case "create_agent":
		spec := CreateAgentSpec{
			AgentID:      args["agent_id"],
			Provider:     args["provider"],
			Model:        args["model"],
			Persona:      args["persona"],
			SystemPrompt: args["system_prompt"],
			TeamID:       args["team_id"],
		}
		if t := args["temperature"]; t != "" {
			f, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return Errorf("create_agent: invalid temperature %q", t)
			}
			spec.Temperature = f
		}
		return Result{
			// The framework fills in the generated agent id when it
			// executes the action.
			Message: "Agent creation requested.",
			Actions: []Action{{Kind: ActionCreateAgent, Spec: spec}},
		}

	case "delete_agent":
		id := args["agent_id"]
		if id == "" {
			return Errorf("delete_agent requires agent_id")
		}
		if _, err := env.Dir.ResolveAgent(id); err != nil {
			return Errorf("delete_agent: %v", err)
		}
		return Result{
			Message: fmt.Sprintf("Agent %q deleted.", id),
			Actions: []Action{{Kind: ActionDeleteAgent, TargetAgent: id}},
		}

	case "list_teams":
		teams := env.Dir.ListTeams()
		if len(teams) == 0 {
			return Result{Message: "No teams."}
		}
		ids := make([]string, 0, len(teams))
		for id := range teams {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		var b strings.Builder
		for _, id := range ids {
			fmt.Fprintf(&b, "%s: [%s]\n", id, strings.Join(teams[id], ", "))
		}
		return Result{Message: strings.TrimRight(b.String(), "\n")}

	case "list_agents":
		agents := env.Dir.ListAgents()
		if len(agents) == 0 {
			return Result{Message: "No agents."}
		}
		var b strings.Builder
		for _, a := range agents {
			fmt.Fprintf(&b, "@%s (%s) %s/%s state=%s\n", a.ID, a.Persona, a.Config.Provider, a.Config.Model, a.State)
		}
		return Result{Message: strings.TrimRight(b.String(), "\n")}

	case "":
		return Errorf("manage_team requires an action parameter")
	default:
		return Errorf("manage_team: unknown action %q", args["action"])
	}
}

var _ Tool = (*ManageTeam)(nil)
