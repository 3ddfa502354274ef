// Package cycle runs one agent turn: prompt assembly, streamed generation
// with retry/key-rotation/model-failover, tool execution and reactivation.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/convene-ai/convene/internal/agent"
	"github.com/convene-ai/convene/internal/config"
	"github.com/convene-ai/convene/internal/interaction"
	"github.com/convene-ai/convene/internal/keyring"
	"github.com/convene-ai/convene/internal/lifecycle"
	"github.com/convene-ai/convene/internal/metrics"
	"github.com/convene-ai/convene/internal/prompt"
	"github.com/convene-ai/convene/internal/provider"
	"github.com/convene-ai/convene/internal/registry"
	"github.com/convene-ai/convene/internal/tools"
	"github.com/convene-ai/convene/internal/types"
)

// maxCorrections bounds corrective feedback for malformed replies before the
// agent is parked in error state.
const maxCorrections = 2

// backoffBase are the retry delays for transient failures; each is jittered
// by ±20%.
var backoffBase = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// Events receives runtime notifications for UI fan-out.
type Events interface {
	Emit(ev types.Event)
}

// Activator schedules an agent for a cycle.
type Activator interface {
	Activate(agentID string)
}

// Handler executes agent cycles. Safe for concurrent use across distinct
// agents; the orchestrator serialises cycles per agent.
type Handler struct {
	reg     *registry.Registry
	keys    *keyring.Manager
	tracker *metrics.Tracker
	prompts *prompt.Assembler
	exec    *tools.Executor
	inter   *interaction.Handler
	life    *lifecycle.Manager
	events  Events
	cfg     config.CycleConfig

	// sharedRoot is the session-wide workspace mounted as scope "shared".
	sharedRoot string
	logger     *slog.Logger

	activator Activator

	// sleep is context-aware; tests replace it to skip real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires a cycle handler.
func New(reg *registry.Registry, keys *keyring.Manager, tracker *metrics.Tracker, prompts *prompt.Assembler, exec *tools.Executor, inter *interaction.Handler, life *lifecycle.Manager, events Events, cfg config.CycleConfig, sharedRoot string, logger *slog.Logger) *Handler {
	return &Handler{
		reg:        reg,
		keys:       keys,
		tracker:    tracker,
		prompts:    prompts,
		exec:       exec,
		inter:      inter,
		life:       life,
		events:     events,
		cfg:        cfg,
		sharedRoot: sharedRoot,
		logger:     logger.With("component", "cycle"),
		sleep:      sleepCtx,
	}
}

// SetActivator installs the activation sink (the orchestrator's queue).
func (h *Handler) SetActivator(a Activator) { h.activator = a }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes one full cycle for a. It never returns an error: failures end
// in the agent's error state with events emitted.
func (h *Handler) Run(ctx context.Context, a *agent.Agent) {
	cctx := a.BeginCycle(ctx)
	defer a.EndCycle()

	cycleID := uuid.NewString()[:8]
	planning := a.ID == types.AdminAgentID && a.Plan() == ""

	if planning {
		h.setState(a, types.StatePlanning)
	} else {
		h.setState(a, types.StateProcessing)
	}

	text, ok := h.generate(cctx, a, planning)
	if !ok {
		return
	}

	a.Append(types.Message{Role: types.RoleAssistant, Content: text})
	h.emit(types.EventMessageAppended, a.ID, map[string]any{
		"role":    types.RoleAssistant,
		"content": text,
	})

	if planning {
		h.finishPlanning(a, text)
		return
	}
	h.finishExecution(cctx, a, cycleID, text)
}

// finishPlanning extracts the plan, auto-approves it and reactivates the
// admin in execution mode. A reply without a plan draws corrective feedback.
func (h *Handler) finishPlanning(a *agent.Agent, text string) {
	plan, ok := tools.ExtractElement(text, "plan")
	if !ok {
		h.correct(a, "Your reply contained no <plan> element. Reply with exactly one <plan>...</plan> element holding a numbered plan.")
		return
	}

	a.SetPlan(plan)
	h.emit(types.EventAgentStatus, a.ID, map[string]any{
		"status": "plan_generated",
		"plan":   plan,
	})
	// Plans are approved automatically; the user can still steer with
	// follow-up messages.
	a.Append(types.Message{Role: types.RoleUser, Content: "Plan approved. Proceed."})
	a.ResetBudgets()
	h.setState(a, types.StateIdle)
	h.activate(a.ID)
}

// finishExecution parses and runs tool calls in document order, delivers
// their actions and decides reactivation.
func (h *Handler) finishExecution(ctx context.Context, a *agent.Agent, cycleID, text string) {
	calls := h.exec.Parse(text, cycleID)
	if len(calls) == 0 {
		// A bare reply is a final answer, not a fault. For the admin it
		// concludes the task: the next user request re-enters planning.
		if a.ID == types.AdminAgentID {
			a.SetPlan("")
		}
		a.ResetBudgets()
		h.setState(a, types.StateIdle)
		return
	}

	a.SetPendingCalls(calls)
	h.setState(a, types.StateExecutingTool)

	env := tools.Env{
		AgentID:     a.ID,
		SandboxRoot: a.SandboxDir,
		SharedRoot:  h.sharedRoot,
		Dir:         h.inter,
	}

	// A turn that is pure successful delegation parks the sender until a
	// reply arrives; any other tool, or any failure, earns a rerun.
	allSendsDelivered := true
	for _, call := range calls {
		if call.Name != "send_message" {
			allSendsDelivered = false
		}
	}
	for _, call := range calls {
		res := h.exec.Execute(ctx, call, env)
		for _, id := range h.inter.Apply(&res, a.ID) {
			h.activate(id)
		}
		if res.IsError {
			allSendsDelivered = false
		}

		a.Append(types.Message{
			Role:       types.RoleTool,
			Content:    res.Message,
			ToolCallID: call.ID,
			Name:       call.Name,
		})
		h.emit(types.EventToolResult, a.ID, map[string]any{
			"call_id": call.ID,
			"tool":    call.Name,
			"result":  res.Message,
			"error":   res.IsError,
		})
	}
	a.SetPendingCalls(nil)
	a.ResetBudgets()

	h.setState(a, types.StateAwaitingToolRes)
	if allSendsDelivered {
		h.setState(a, types.StateIdle)
		return
	}
	h.activate(a.ID)
}

// correct appends corrective feedback and reruns the agent, up to the
// correction budget.
func (h *Handler) correct(a *agent.Agent, feedback string) {
	if a.AddCorrection() > maxCorrections {
		h.failAgent(a, "agent kept producing malformed replies")
		return
	}
	a.Append(types.Message{Role: types.RoleUser, Content: "[Framework] " + feedback})
	h.setState(a, types.StateIdle)
	h.activate(a.ID)
}

// generate produces one assistant reply, rotating keys and failing over
// across models as errors dictate. ok=false means the cycle is over (error
// state set or context canceled).
func (h *Handler) generate(ctx context.Context, a *agent.Agent, planning bool) (string, bool) {
	tried := make(map[metrics.ModelRef]bool)

	for {
		cfg := a.Config()
		ref := metrics.ModelRef{Provider: cfg.Provider, Model: cfg.Model}
		tried[ref] = true

		text, outcome := h.tryModel(ctx, a, cfg, planning)
		switch outcome {
		case outcomeSuccess:
			return text, true
		case outcomeAborted:
			return "", false
		}

		// outcomeFailover: move to the next model or give up.
		if a.AddFailoverAttempt() > h.cfg.MaxFailoverAttempts {
			h.failAgent(a, fmt.Sprintf("model failover budget exhausted after %s", ref))
			return "", false
		}
		next, err := h.nextModel(ref, tried)
		if err != nil {
			h.failAgent(a, "no alternative models available")
			return "", false
		}
		a.SetModel(next.Provider, next.Model)
		h.logger.Warn("model failover", "agent", a.ID, "from", ref.String(), "to", next.String())
		h.emit(types.EventAgentStatus, a.ID, map[string]any{
			"status": "model_changed",
			"model":  next.String(),
		})
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailover
	outcomeAborted
)

// tryModel drives attempts against the agent's current model: transient
// retries with backoff, key rotation on 429/auth. It returns outcomeFailover
// when this model should be abandoned.
func (h *Handler) tryModel(ctx context.Context, a *agent.Agent, cfg types.AgentConfig, planning bool) (string, outcome) {
	p, ok := h.reg.Provider(cfg.Provider)
	if !ok {
		h.logger.Warn("provider not registered", "agent", a.ID, "provider", cfg.Provider)
		return "", outcomeFailover
	}

	var (
		key    string
		lease  keyring.Lease
		leased bool
	)
	if !h.reg.IsLocal(cfg.Provider) {
		var err error
		key, lease, err = h.keys.Acquire(cfg.Provider)
		if err != nil {
			h.logger.Warn("no usable key", "agent", a.ID, "provider", cfg.Provider)
			return "", outcomeFailover
		}
		leased = true
	}

	req := provider.Request{
		Model:       cfg.Model,
		Messages:    h.buildMessages(a, cfg, planning),
		Temperature: cfg.Temperature,
		APIKey:      key,
		Extras:      cfg.Extras,
	}

	retries := 0
	for {
		start := time.Now()
		text, perr := h.streamOnce(ctx, p, req, a.ID)
		latency := time.Since(start)

		if perr == nil {
			h.tracker.Record(cfg.Provider, cfg.Model, true, latency)
			return text, outcomeSuccess
		}
		h.tracker.Record(cfg.Provider, cfg.Model, false, latency)
		if ctx.Err() != nil {
			return "", outcomeAborted
		}
		h.logger.Warn("generation failed",
			"agent", a.ID,
			"model", cfg.Provider+"/"+cfg.Model,
			"kind", string(perr.Kind),
			"detail", perr.Detail,
		)

		switch perr.Kind {
		case provider.KindRateLimited, provider.KindAuthFailed:
			if leased {
				d := keyring.RateLimitQuarantine
				if perr.Kind == provider.KindAuthFailed {
					d = keyring.AuthQuarantine
				}
				h.keys.Quarantine(lease, d)
			}
			var err error
			key, lease, err = h.keys.Acquire(cfg.Provider)
			if err != nil {
				return "", outcomeFailover
			}
			leased = true
			req.APIKey = key

		case provider.KindTransientNetwork, provider.KindProviderInternal:
			retries++
			if retries > h.cfg.MaxRetries {
				return "", outcomeFailover
			}
			if err := h.sleep(ctx, jittered(backoff(retries))); err != nil {
				return "", outcomeAborted
			}

		default: // model unavailable, invalid request
			return "", outcomeFailover
		}
	}
}

// streamOnce runs one generation attempt, forwarding deltas as content_chunk
// events. A stream silent past the idle timeout counts as a transport
// failure.
func (h *Handler) streamOnce(ctx context.Context, p provider.Provider, req provider.Request, agentID string) (string, *provider.Error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := p.Stream(attemptCtx, req)
	if err != nil {
		return "", asProviderError(err)
	}

	idle := time.Duration(h.cfg.StreamIdleTimeoutSec) * time.Second
	if idle <= 0 {
		idle = time.Minute
	}
	timer := time.NewTimer(idle)
	defer timer.Stop()

	var b strings.Builder
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return "", &provider.Error{Kind: provider.KindTransientNetwork, Detail: "stream closed without completion"}
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idle)

			switch ev.Kind {
			case provider.EventDelta:
				b.WriteString(ev.Text)
				h.emit(types.EventContentChunk, agentID, map[string]any{"text": ev.Text})
			case provider.EventDone:
				return b.String(), nil
			case provider.EventError:
				return b.String(), ev.Err
			}

		case <-timer.C:
			cancel()
			return "", &provider.Error{Kind: provider.KindTransientNetwork, Detail: fmt.Sprintf("stream idle for %s", idle)}

		case <-ctx.Done():
			return "", &provider.Error{Kind: provider.KindTransientNetwork, Detail: "canceled"}
		}
	}
}

// buildMessages assembles the request history. The admin's system prompt is
// overlaid with the planning or execution template for its current mode.
func (h *Handler) buildMessages(a *agent.Agent, cfg types.AgentConfig, planning bool) []types.Message {
	sys := cfg.SystemPrompt
	if a.ID == types.AdminAgentID {
		key := prompt.KeyAdminExecution
		if planning {
			key = prompt.KeyAdminPlanning
		}
		overlay, err := h.prompts.Render(key, map[string]string{
			"agent_id":     a.ID,
			"current_plan": a.Plan(),
		})
		if err == nil {
			sys = overlay + "\n\n" + sys
		}
	}

	history := a.History()
	msgs := make([]types.Message, 0, len(history)+1)
	msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: sys})
	return append(msgs, history...)
}

// nextModel picks the failover target: untried models on the same provider
// first, then the global local > free > paid order.
func (h *Handler) nextModel(current metrics.ModelRef, tried map[metrics.ModelRef]bool) (metrics.ModelRef, error) {
	var sameProvider []metrics.ModelRef
	for _, ref := range h.reg.ListAvailable() {
		if ref.Provider == current.Provider && !tried[ref] {
			sameProvider = append(sameProvider, ref)
		}
	}
	if len(sameProvider) > 0 {
		return h.tracker.Rank(sameProvider)[0], nil
	}
	return h.life.SelectModel(tried)
}

// failAgent parks the agent in error state and asks the user to intervene.
func (h *Handler) failAgent(a *agent.Agent, detail string) {
	h.logger.Error("cycle failed", "agent", a.ID, "detail", detail)
	h.setState(a, types.StateError)
	h.emit(types.EventError, a.ID, map[string]any{"detail": detail})
	h.emit(types.EventOverrideRequired, a.ID, map[string]any{
		"detail": detail,
		"model":  a.Config().Provider + "/" + a.Config().Model,
	})
}

func (h *Handler) setState(a *agent.Agent, s types.AgentState) {
	a.SetState(s)
	h.emit(types.EventAgentStatus, a.ID, map[string]any{"state": string(s)})
}

func (h *Handler) emit(evType, agentID string, payload map[string]any) {
	if h.events == nil {
		return
	}
	h.events.Emit(types.Event{
		Type:      evType,
		AgentID:   agentID,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

func (h *Handler) activate(id string) {
	if h.activator != nil {
		h.activator.Activate(id)
	}
}

// backoff returns the base delay for the nth retry (1-based).
func backoff(n int) time.Duration {
	if n-1 < len(backoffBase) {
		return backoffBase[n-1]
	}
	return backoffBase[len(backoffBase)-1]
}

// jittered spreads a delay by ±20% so synchronized retries fan out.
func jittered(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}

// asProviderError coerces transport-level errors into the taxonomy.
func asProviderError(err error) *provider.Error {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr
	}
	return &provider.Error{Kind: provider.KindTransientNetwork, Detail: err.Error()}
}
