// Package lifecycle creates and destroys agents: id generation, automatic
// model selection, sandbox provisioning and system prompt composition.
package lifecycle

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/convene-ai/convene/internal/agent"
	"github.com/convene-ai/convene/internal/metrics"
	"github.com/convene-ai/convene/internal/prompt"
	"github.com/convene-ai/convene/internal/registry"
	"github.com/convene-ai/convene/internal/state"
	"github.com/convene-ai/convene/internal/tools"
	"github.com/convene-ai/convene/internal/types"
)

// defaultTemperature applies when a creation request omits one.
const defaultTemperature = 0.7

// SnapshotGuard reports whether a session snapshot is currently being
// written. Sandbox purges are skipped while one is in flight so the snapshot
// never races a directory removal.
type SnapshotGuard interface {
	InProgress() bool
}

// Manager builds and tears down agents. One instance per runtime.
type Manager struct {
	table    *agent.Table
	teams    *state.Manager
	reg      *registry.Registry
	tracker  *metrics.Tracker
	prompts  *prompt.Assembler
	executor *tools.Executor

	sandboxRoot string
	guard       SnapshotGuard
	logger      *slog.Logger
}

// New wires a lifecycle manager. sandboxRoot is the directory under which
// per-agent sandboxes are created.
func New(table *agent.Table, teams *state.Manager, reg *registry.Registry, tracker *metrics.Tracker, prompts *prompt.Assembler, executor *tools.Executor, sandboxRoot string, logger *slog.Logger) *Manager {
	return &Manager{
		table:       table,
		teams:       teams,
		reg:         reg,
		tracker:     tracker,
		prompts:     prompts,
		executor:    executor,
		sandboxRoot: sandboxRoot,
		logger:      logger.With("component", "lifecycle"),
	}
}

// SetGuard installs the snapshot guard. Optional; without one sandboxes are
// always purged on deletion.
func (m *Manager) SetGuard(g SnapshotGuard) { m.guard = g }

// CreateAgent builds an agent from spec, registers it and returns it. Omitted
// fields are filled in: persona from the default template, id generated from
// the persona, provider/model by metric-ranked auto-selection.
func (m *Manager) CreateAgent(spec tools.CreateAgentSpec) (*agent.Agent, error) {
	persona := strings.TrimSpace(spec.Persona)
	if persona == "" {
		persona, _ = m.prompts.Render(prompt.KeyDefaultPersona, nil)
	}

	id := spec.AgentID
	if id == "" {
		id = m.generateID(persona)
	} else if !agent.ValidID(id) {
		return nil, fmt.Errorf("invalid agent id %q", id)
	}

	providerName, model := spec.Provider, spec.Model
	if providerName == "" || model == "" {
		ref, err := m.SelectModel(nil)
		if err != nil {
			return nil, fmt.Errorf("auto-select model for %s: %w", id, err)
		}
		providerName, model = ref.Provider, ref.Model
	} else {
		if _, ok := m.reg.Provider(providerName); !ok {
			return nil, fmt.Errorf("unknown provider %q", providerName)
		}
		if !m.reg.IsAvailable(providerName, model) {
			// Allowed: the registry may simply not have probed yet.
			m.logger.Warn("model not in discovery table", "provider", providerName, "model", model)
		}
	}

	temp := spec.Temperature
	if temp == 0 {
		temp = defaultTemperature
	}

	sandbox := filepath.Join(m.sandboxRoot, id)
	if err := os.MkdirAll(sandbox, 0750); err != nil {
		return nil, fmt.Errorf("create sandbox for %s: %w", id, err)
	}

	cfg := types.AgentConfig{
		Provider:     providerName,
		Model:        model,
		Temperature:  temp,
		SystemPrompt: m.composeSystemPrompt(id, persona, spec.SystemPrompt),
	}

	a := agent.New(id, persona, cfg)
	a.SandboxDir = sandbox
	if err := m.table.Add(a); err != nil {
		os.RemoveAll(sandbox)
		return nil, err
	}

	if spec.TeamID != "" {
		m.teams.CreateTeam(spec.TeamID)
		if err := m.teams.AddAgent(spec.TeamID, id); err != nil {
			m.table.Remove(id)
			os.RemoveAll(sandbox)
			return nil, err
		}
	}

	m.logger.Info("agent created",
		"agent", id,
		"persona", persona,
		"provider", providerName,
		"model", model,
		"team", spec.TeamID,
	)
	return a, nil
}

// DeleteAgent cancels any in-flight cycle, detaches the agent from its team
// and removes it. The sandbox is purged unless a snapshot is being written.
func (m *Manager) DeleteAgent(id string) error {
	if id == types.AdminAgentID {
		return fmt.Errorf("agent %s cannot be deleted", id)
	}
	a, ok := m.table.Get(id)
	if !ok {
		return fmt.Errorf("no agent %q", id)
	}

	a.CancelCycle()
	m.teams.RemoveAgent(id)
	m.table.Remove(id)

	if a.SandboxDir != "" {
		if m.guard != nil && m.guard.InProgress() {
			m.logger.Warn("snapshot in progress, keeping sandbox", "agent", id, "dir", a.SandboxDir)
		} else if err := os.RemoveAll(a.SandboxDir); err != nil {
			m.logger.Warn("sandbox purge failed", "agent", id, "error", err)
		}
	}

	m.logger.Info("agent deleted", "agent", id)
	return nil
}

// SelectModel returns the best available model outside exclude: metric rank
// first, then local > free > paid, then alphabetical among unranked models.
func (m *Manager) SelectModel(exclude map[metrics.ModelRef]bool) (metrics.ModelRef, error) {
	var candidates []metrics.ModelRef
	for _, ref := range m.reg.ListAvailable() {
		if exclude[ref] {
			continue
		}
		candidates = append(candidates, ref)
	}
	if len(candidates) == 0 {
		return metrics.ModelRef{}, fmt.Errorf("no models available")
	}

	// Pre-order by cost class so unranked models tie-break local > free >
	// paid; ListAvailable is already alphabetical within a provider and
	// Rank is stable.
	class := func(ref metrics.ModelRef) int {
		switch {
		case m.reg.IsLocal(ref.Provider):
			return 0
		case m.reg.IsFree(ref.Provider, ref.Model):
			return 1
		default:
			return 2
		}
	}
	sortStableByClass(candidates, class)

	return m.tracker.Rank(candidates)[0], nil
}

func sortStableByClass(refs []metrics.ModelRef, class func(metrics.ModelRef) int) {
	// Insertion sort keeps the alphabetical order within each class; the
	// candidate list is small.
	for i := 1; i < len(refs); i++ {
		for j := i; j > 0 && class(refs[j]) < class(refs[j-1]); j-- {
			refs[j], refs[j-1] = refs[j-1], refs[j]
		}
	}
}

// composeSystemPrompt joins the agent's role prompt with the framework
// instructions carrying the tool and model inventories.
func (m *Manager) composeSystemPrompt(id, persona, rolePrompt string) string {
	vars := map[string]string{
		"agent_id": id,
		"persona":  persona,
	}
	base := strings.TrimSpace(rolePrompt)
	if base == "" {
		base, _ = m.prompts.Render(prompt.KeyDefaultSystemPrompt, vars)
	} else {
		base = prompt.Substitute(base, vars)
	}

	vars["tool_descriptions_xml"] = m.executor.DescriptionsXML()
	vars["available_models"] = m.availableModelsText()
	framework, _ := m.prompts.Render(prompt.KeyFrameworkInstructions, vars)

	return base + "\n\n" + framework
}

func (m *Manager) availableModelsText() string {
	refs := m.reg.ListAvailable()
	if len(refs) == 0 {
		return "(none discovered)"
	}
	var b strings.Builder
	for _, ref := range refs {
		b.WriteString("- ")
		b.WriteString(ref.String())
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// generateID derives a fresh id from the persona, e.g. "web_researcher_3f9a".
func (m *Manager) generateID(persona string) string {
	base := slugify(persona)
	for {
		id := base + "_" + uuid.NewString()[:8]
		if _, taken := m.table.Get(id); !taken {
			return id
		}
	}
}

func slugify(s string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "agent"
	}
	return out
}
