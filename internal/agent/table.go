package agent

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// idPattern is the allowed agent id character set.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidID reports whether id is non-empty and uses only allowed characters.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Table indexes all live agents by id. All other components hold agents by
// id and look them up here; the orchestrator owns the table.
type Table struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewTable creates an empty agent table.
func NewTable() *Table {
	return &Table{agents: make(map[string]*Agent)}
}

// Add registers an agent; the id must be unique and well-formed.
func (t *Table) Add(a *Agent) error {
	if !ValidID(a.ID) {
		return fmt.Errorf("invalid agent id %q", a.ID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.agents[a.ID]; exists {
		return fmt.Errorf("agent id %q already exists", a.ID)
	}
	t.agents[a.ID] = a
	return nil
}

// Get looks up an agent by id.
func (t *Table) Get(id string) (*Agent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.agents[id]
	return a, ok
}

// Remove drops an agent from the table.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.agents, id)
}

// List returns all agents sorted by id.
func (t *Table) List() []*Agent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Agent, 0, len(t.agents))
	for _, a := range t.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindByPersona returns all agents whose persona matches exactly, sorted by
// id. Personas are display names and may collide.
func (t *Table) FindByPersona(persona string) []*Agent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Agent
	for _, a := range t.agents {
		if a.Persona == persona {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of live agents.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.agents)
}
