// Package interaction routes messages between agents and executes the
// framework side-effects requested by tool results. Tools validate and
// describe; this handler is the only place actions actually happen.
package interaction

import (
	"fmt"
	"log/slog"

	"github.com/convene-ai/convene/internal/agent"
	"github.com/convene-ai/convene/internal/lifecycle"
	"github.com/convene-ai/convene/internal/state"
	"github.com/convene-ai/convene/internal/tools"
	"github.com/convene-ai/convene/internal/types"
)

// Handler implements tools.Directory over the live tables and applies
// tool-result actions.
type Handler struct {
	table  *agent.Table
	teams  *state.Manager
	life   *lifecycle.Manager
	logger *slog.Logger
}

// New wires an interaction handler.
func New(table *agent.Table, teams *state.Manager, life *lifecycle.Manager, logger *slog.Logger) *Handler {
	return &Handler{
		table:  table,
		teams:  teams,
		life:   life,
		logger: logger.With("component", "interaction"),
	}
}

// ResolveAgent maps target to an agent id. An exact id match wins; otherwise
// a persona that names exactly one agent resolves to it. Ambiguous personas
// and unknown targets fail.
func (h *Handler) ResolveAgent(target string) (string, error) {
	if _, ok := h.table.Get(target); ok {
		return target, nil
	}
	matches := h.table.FindByPersona(target)
	switch len(matches) {
	case 1:
		return matches[0].ID, nil
	case 0:
		return "", fmt.Errorf("no agent named %q", target)
	default:
		ids := make([]string, len(matches))
		for i, a := range matches {
			ids[i] = "@" + a.ID
		}
		return "", fmt.Errorf("ambiguous persona %q matches %d agents (%v); use an agent id", target, len(matches), ids)
	}
}

// ListAgents snapshots every live agent with its team attached.
func (h *Handler) ListAgents() []types.AgentInfo {
	agents := h.table.List()
	out := make([]types.AgentInfo, 0, len(agents))
	for _, a := range agents {
		info := a.Info()
		if team, ok := h.teams.TeamOf(a.ID); ok {
			info.Team = team
		}
		out = append(out, info)
	}
	return out
}

// ListTeams returns team id to ordered member ids.
func (h *Handler) ListTeams() map[string][]string {
	out := make(map[string][]string)
	for _, id := range h.teams.Teams() {
		members, _ := h.teams.Members(id)
		out[id] = members
	}
	return out
}

// Apply executes the actions of one tool result on behalf of senderID and
// returns the agent ids that must be activated. Outcomes a tool could not
// know at validation time (generated agent ids, late failures) are appended
// to the result message so the calling agent sees them.
func (h *Handler) Apply(res *tools.Result, senderID string) (activate []string) {
	for _, act := range res.Actions {
		switch act.Kind {
		case tools.ActionDeliverMessage:
			target, ok := h.table.Get(act.TargetAgent)
			if !ok {
				h.fail(res, "agent %s no longer exists", act.TargetAgent)
				continue
			}
			target.Append(types.Message{
				Role:    types.RoleUser,
				Content: fmt.Sprintf("[From @%s] %s", act.Sender, act.Content),
			})
			activate = append(activate, target.ID)
			h.logger.Info("message delivered", "from", act.Sender, "to", target.ID)

		case tools.ActionCreateTeam:
			h.teams.CreateTeam(act.TeamID)

		case tools.ActionDeleteTeam:
			if err := h.teams.DeleteTeam(act.TeamID); err != nil {
				h.fail(res, "%v", err)
			}

		case tools.ActionCreateAgent:
			a, err := h.life.CreateAgent(act.Spec)
			if err != nil {
				h.fail(res, "create agent: %v", err)
				continue
			}
			res.Message += fmt.Sprintf("\ncreated agent @%s (%s)", a.ID, a.Persona)

		case tools.ActionDeleteAgent:
			if err := h.life.DeleteAgent(act.TargetAgent); err != nil {
				h.fail(res, "%v", err)
			}

		default:
			h.fail(res, "unknown action %q", act.Kind)
		}
	}
	return activate
}

func (h *Handler) fail(res *tools.Result, format string, args ...any) {
	res.Message += "\nERROR: " + fmt.Sprintf(format, args...)
	res.IsError = true
	h.logger.Warn("action failed", "detail", fmt.Sprintf(format, args...))
}
