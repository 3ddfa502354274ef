// Package state is the in-memory team index: team membership and the
// agent→team reverse map, guarded by one lock so compound operations stay
// atomic.
package state

import (
	"fmt"
	"sort"
	"sync"
)

// Manager tracks teams and membership. Safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	teams     map[string][]string // team_id -> ordered member agent ids
	agentTeam map[string]string   // agent_id -> team_id
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		teams:     make(map[string][]string),
		agentTeam: make(map[string]string),
	}
}

// CreateTeam registers a team. Idempotent: creating an existing team is a
// no-op.
func (m *Manager) CreateTeam(teamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.teams[teamID]; !ok {
		m.teams[teamID] = nil
	}
}

// DeleteTeam removes a team and detaches its members.
func (m *Manager) DeleteTeam(teamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.teams[teamID]
	if !ok {
		return fmt.Errorf("team %q does not exist", teamID)
	}
	for _, id := range members {
		delete(m.agentTeam, id)
	}
	delete(m.teams, teamID)
	return nil
}

// AddAgent places an agent in a team, moving it from any previous team.
func (m *Manager) AddAgent(teamID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.teams[teamID]; !ok {
		return fmt.Errorf("team %q does not exist", teamID)
	}
	if prev, ok := m.agentTeam[agentID]; ok {
		m.removeFromTeamLocked(prev, agentID)
	}
	m.teams[teamID] = append(m.teams[teamID], agentID)
	m.agentTeam[agentID] = teamID
	return nil
}

// RemoveAgent detaches an agent from whatever team holds it. Used by agent
// deletion; removal and reverse-map cleanup happen under one lock.
func (m *Manager) RemoveAgent(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	team, ok := m.agentTeam[agentID]
	if !ok {
		return
	}
	m.removeFromTeamLocked(team, agentID)
	delete(m.agentTeam, agentID)
}

func (m *Manager) removeFromTeamLocked(teamID, agentID string) {
	members := m.teams[teamID]
	for i, id := range members {
		if id == agentID {
			m.teams[teamID] = append(members[:i], members[i+1:]...)
			return
		}
	}
}

// Reset drops every team and membership. Session load only.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teams = make(map[string][]string)
	m.agentTeam = make(map[string]string)
}

// TeamOf returns the team holding agentID, if any.
func (m *Manager) TeamOf(agentID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.agentTeam[agentID]
	return t, ok
}

// Members returns the ordered member list of a team.
func (m *Manager) Members(teamID string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.teams[teamID]
	if !ok {
		return nil, false
	}
	return append([]string(nil), members...), true
}

// Teams returns all team ids, sorted.
func (m *Manager) Teams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.teams))
	for id := range m.teams {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
