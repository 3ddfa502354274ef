// Package agent holds the Agent entity and the Table indexing all live
// agents by id. Histories are single-writer: only the cycle and interaction
// handlers append, never concurrently for the same agent.
package agent

import (
	"context"
	"sync"

	"github.com/convene-ai/convene/internal/types"
)

// Agent is one LLM-backed worker with identity, configuration and history.
type Agent struct {
	ID      string
	Persona string

	// SandboxDir is the private filesystem root for this agent.
	SandboxDir string

	mu           sync.Mutex
	config       types.AgentConfig
	state        types.AgentState
	history      []types.Message
	currentPlan  string
	pendingCalls []types.ToolCall

	// cycle bookkeeping
	cancelCycle context.CancelFunc
	running     bool
	queued      bool
	wantsRerun  bool

	// recovery budgets, reset on a successful cycle
	failoverAttempts int
	corrections      int
}

// New creates an idle agent.
func New(id, persona string, cfg types.AgentConfig) *Agent {
	return &Agent{
		ID:      id,
		Persona: persona,
		config:  cfg,
		state:   types.StateIdle,
	}
}

// Config returns a copy of the agent's LLM configuration.
func (a *Agent) Config() types.AgentConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.config
}

// SetModel updates the (provider, model) pair, e.g. after failover or a user
// override. Subsequent cycles use the new pair.
func (a *Agent) SetModel(provider, model string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config.Provider = provider
	a.config.Model = model
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() types.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SetState transitions the agent's lifecycle state.
func (a *Agent) SetState(s types.AgentState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// Append adds a message to the history in program order.
func (a *Agent) Append(msg types.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, msg)
}

// History returns a copy of the full message history.
func (a *Agent) History() []types.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]types.Message, len(a.history))
	copy(out, a.history)
	return out
}

// RestoreHistory replaces the history wholesale (session load only).
func (a *Agent) RestoreHistory(msgs []types.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append([]types.Message(nil), msgs...)
}

// SetPlan stores the plan produced while in planning state.
func (a *Agent) SetPlan(plan string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentPlan = plan
}

// Plan returns the current plan text.
func (a *Agent) Plan() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentPlan
}

// SetPendingCalls records the unresolved tool calls of the current turn.
func (a *Agent) SetPendingCalls(calls []types.ToolCall) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingCalls = append([]types.ToolCall(nil), calls...)
}

// PendingCalls returns the unresolved tool calls of the current turn.
func (a *Agent) PendingCalls() []types.ToolCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.ToolCall(nil), a.pendingCalls...)
}

// BeginCycle derives the cycle context from parent and stores its cancel so
// deletion can abort the in-flight generation.
func (a *Agent) BeginCycle(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	a.mu.Lock()
	a.cancelCycle = cancel
	a.mu.Unlock()
	return ctx
}

// EndCycle releases the cycle context.
func (a *Agent) EndCycle() {
	a.mu.Lock()
	cancel := a.cancelCycle
	a.cancelCycle = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelCycle aborts the in-flight cycle, if any.
func (a *Agent) CancelCycle() {
	a.mu.Lock()
	cancel := a.cancelCycle
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// TryEnqueue marks the agent queued for activation. It returns false when the
// agent is already queued, or is running (in which case a rerun is recorded
// and scheduled once the current cycle ends).
func (a *Agent) TryEnqueue() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		a.wantsRerun = true
		return false
	}
	if a.queued {
		return false
	}
	a.queued = true
	return true
}

// BeginRun flips queued→running. At most one run is active per agent.
func (a *Agent) BeginRun() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return false
	}
	a.queued = false
	a.running = true
	return true
}

// EndRun clears the running flag and reports whether an activation arrived
// while the cycle was in flight.
func (a *Agent) EndRun() (rerun bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	rerun = a.wantsRerun
	a.wantsRerun = false
	return rerun
}

// FailoverAttempts returns the failovers spent on the current request.
func (a *Agent) FailoverAttempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failoverAttempts
}

// AddFailoverAttempt increments and returns the failover budget used.
func (a *Agent) AddFailoverAttempt() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failoverAttempts++
	return a.failoverAttempts
}

// Corrections returns the malformed-response corrections spent on this task.
func (a *Agent) Corrections() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.corrections
}

// AddCorrection increments and returns the correction budget used.
func (a *Agent) AddCorrection() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.corrections++
	return a.corrections
}

// ResetBudgets clears the failover and correction budgets after a cycle
// completes cleanly.
func (a *Agent) ResetBudgets() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failoverAttempts = 0
	a.corrections = 0
}

// Info returns an external snapshot of the agent.
func (a *Agent) Info() types.AgentInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return types.AgentInfo{
		ID:      a.ID,
		Persona: a.Persona,
		Config:  a.config,
		State:   a.state,
	}
}
