// Package session saves and restores full runtime snapshots: teams, agents,
// configurations and histories, as one JSON file per session.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/convene-ai/convene/internal/agent"
	"github.com/convene-ai/convene/internal/state"
	"github.com/convene-ai/convene/internal/types"
)

// schemaVersion guards against loading snapshots from incompatible builds.
const schemaVersion = 1

// snapshot is the on-disk session shape.
type snapshot struct {
	SchemaVersion int             `json:"schema_version"`
	CreatedAt     time.Time       `json:"created_at"`
	Project       string          `json:"project"`
	Session       string          `json:"session"`
	Teams         []teamSnapshot  `json:"teams"`
	Agents        []agentSnapshot `json:"agents"`
}

type teamSnapshot struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
}

type agentSnapshot struct {
	ID      string            `json:"id"`
	Persona string            `json:"persona"`
	Config  types.AgentConfig `json:"config"`
	Team    string            `json:"team,omitempty"`
	Plan    string            `json:"plan,omitempty"`
	History []types.Message   `json:"history"`
}

// Manager persists sessions under projectsDir/<project>/<session>.json.
type Manager struct {
	projectsDir string
	sandboxRoot string
	table       *agent.Table
	teams       *state.Manager
	logger      *slog.Logger
	saving      atomic.Bool
}

// New wires a session manager. sandboxRoot is where restored agents get
// their sandbox directories recreated.
func New(projectsDir, sandboxRoot string, table *agent.Table, teams *state.Manager, logger *slog.Logger) *Manager {
	return &Manager{
		projectsDir: projectsDir,
		sandboxRoot: sandboxRoot,
		table:       table,
		teams:       teams,
		logger:      logger.With("component", "session"),
	}
}

// InProgress reports whether a save is currently running. The lifecycle
// manager consults this before purging sandboxes.
func (m *Manager) InProgress() bool { return m.saving.Load() }

// Path returns the snapshot file for (project, session).
func (m *Manager) Path(project, session string) string {
	return filepath.Join(m.projectsDir, project, session+".json")
}

// Save snapshots the current runtime via write-temp + atomic rename and
// returns the snapshot path.
func (m *Manager) Save(project, session string) (string, error) {
	if project == "" || session == "" {
		return "", fmt.Errorf("project and session names required")
	}
	m.saving.Store(true)
	defer m.saving.Store(false)

	snap := snapshot{
		SchemaVersion: schemaVersion,
		CreatedAt:     time.Now().UTC(),
		Project:       project,
		Session:       session,
	}
	for _, id := range m.teams.Teams() {
		members, _ := m.teams.Members(id)
		snap.Teams = append(snap.Teams, teamSnapshot{ID: id, Members: members})
	}
	for _, a := range m.table.List() {
		as := agentSnapshot{
			ID:      a.ID,
			Persona: a.Persona,
			Config:  a.Config(),
			Plan:    a.Plan(),
			History: a.History(),
		}
		if team, ok := m.teams.TeamOf(a.ID); ok {
			as.Team = team
		}
		snap.Agents = append(snap.Agents, as)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}

	path := m.Path(project, session)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return "", fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename session: %w", err)
	}

	m.logger.Info("session saved", "path", path, "agents", len(snap.Agents), "teams", len(snap.Teams))
	return path, nil
}

// Load replaces the whole runtime with the named snapshot. The file is
// parsed and validated before anything is touched, so a bad snapshot leaves
// the current session intact. Restored agents come back idle.
func (m *Manager) Load(project, session string) error {
	path := m.Path(project, session)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse session: %w", err)
	}
	if snap.SchemaVersion != schemaVersion {
		return fmt.Errorf("session schema %d not supported (want %d)", snap.SchemaVersion, schemaVersion)
	}
	for _, as := range snap.Agents {
		if !agent.ValidID(as.ID) {
			return fmt.Errorf("snapshot holds invalid agent id %q", as.ID)
		}
	}

	// Point of no return: drop the live session.
	for _, a := range m.table.List() {
		a.CancelCycle()
		m.table.Remove(a.ID)
	}
	m.teams.Reset()

	for _, ts := range snap.Teams {
		m.teams.CreateTeam(ts.ID)
		for _, member := range ts.Members {
			_ = m.teams.AddAgent(ts.ID, member)
		}
	}
	for _, as := range snap.Agents {
		a := agent.New(as.ID, as.Persona, as.Config)
		a.SandboxDir = filepath.Join(m.sandboxRoot, as.ID)
		if err := os.MkdirAll(a.SandboxDir, 0750); err != nil {
			m.logger.Warn("sandbox restore failed", "agent", as.ID, "error", err)
		}
		a.RestoreHistory(as.History)
		if as.Plan != "" {
			a.SetPlan(as.Plan)
		}
		if err := m.table.Add(a); err != nil {
			m.logger.Warn("skipping duplicate agent in snapshot", "agent", as.ID)
		}
	}

	m.logger.Info("session loaded", "path", path, "agents", len(snap.Agents), "teams", len(snap.Teams))
	return nil
}

// List enumerates the sessions of a project by snapshot filename.
func (m *Manager) List(project string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.projectsDir, project))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		out = append(out, e.Name()[:len(e.Name())-len(".json")])
	}
	return out, nil
}
