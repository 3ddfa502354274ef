// Package orchestrator owns the runtime: the activation queue, the cycle
// worker pool, user ingress, bootstrap and shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/convene-ai/convene/internal/agent"
	"github.com/convene-ai/convene/internal/config"
	"github.com/convene-ai/convene/internal/cycle"
	"github.com/convene-ai/convene/internal/lifecycle"
	"github.com/convene-ai/convene/internal/metrics"
	"github.com/convene-ai/convene/internal/registry"
	"github.com/convene-ai/convene/internal/session"
	"github.com/convene-ai/convene/internal/state"
	"github.com/convene-ai/convene/internal/tools"
	"github.com/convene-ai/convene/internal/types"
)

// queueDepth bounds pending activations. TryEnqueue deduplicates per agent,
// so the queue never holds more entries than live agents.
const queueDepth = 4096

// metricsFlushSpec drives the periodic metric flush.
const metricsFlushSpec = "@every 1m"

// Orchestrator coordinates all runtime components.
type Orchestrator struct {
	cfg     *config.Config
	table   *agent.Table
	teams   *state.Manager
	reg     *registry.Registry
	life    *lifecycle.Manager
	cyc     *cycle.Handler
	sess    *session.Manager
	tracker *metrics.Tracker
	events  cycle.Events
	logger  *slog.Logger

	queue chan string
	cron  *cron.Cron
}

// New wires an orchestrator and installs itself as the cycle activator.
func New(cfg *config.Config, table *agent.Table, teams *state.Manager, reg *registry.Registry, life *lifecycle.Manager, cyc *cycle.Handler, sess *session.Manager, tracker *metrics.Tracker, events cycle.Events, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		table:   table,
		teams:   teams,
		reg:     reg,
		life:    life,
		cyc:     cyc,
		sess:    sess,
		tracker: tracker,
		events:  events,
		logger:  logger.With("component", "orchestrator"),
		queue:   make(chan string, queueDepth),
		cron:    cron.New(),
	}
	cyc.SetActivator(o)
	return o
}

// Activate schedules an agent for a cycle. Duplicate activations collapse;
// activating a running agent records a rerun instead.
func (o *Orchestrator) Activate(agentID string) {
	a, ok := o.table.Get(agentID)
	if !ok {
		return
	}
	if !a.TryEnqueue() {
		return
	}
	select {
	case o.queue <- agentID:
	default:
		// Cannot happen while queueDepth exceeds the live agent count.
		o.logger.Error("activation queue full, dropping", "agent", agentID)
	}
}

// Bootstrap probes providers, creates the Admin AI and any configured
// bootstrap agents. Agents a loaded session already restored are kept.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	if err := o.reg.Refresh(ctx); err != nil {
		return fmt.Errorf("probe providers: %w", err)
	}

	if _, ok := o.table.Get(types.AdminAgentID); !ok {
		if _, err := o.life.CreateAgent(tools.CreateAgentSpec{
			AgentID: types.AdminAgentID,
			Persona: "Admin AI",
		}); err != nil {
			return fmt.Errorf("create admin agent: %w", err)
		}
	}

	boot, err := config.LoadBootstrap(o.cfg.BootstrapPath)
	if err != nil {
		return err
	}
	for _, b := range boot {
		if _, ok := o.table.Get(b.AgentID); ok {
			continue
		}
		if _, err := o.life.CreateAgent(tools.CreateAgentSpec{
			AgentID:      b.AgentID,
			Provider:     b.Provider,
			Model:        b.Model,
			Persona:      b.Persona,
			SystemPrompt: b.SystemPrompt,
			Temperature:  b.Temperature,
		}); err != nil {
			o.logger.Warn("bootstrap agent skipped", "agent", b.AgentID, "error", err)
		}
	}
	return nil
}

// Run starts the worker pool and periodic jobs and blocks until ctx is
// canceled, then drains and flushes.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.cron.AddFunc(metricsFlushSpec, func() {
		if err := o.tracker.Flush(); err != nil {
			o.logger.Error("metric flush failed", "error", err)
		}
	})
	if spec := o.cfg.Session.AutosaveSpec; spec != "" {
		o.cron.AddFunc(spec, func() {
			if _, err := o.SaveSession("", ""); err != nil {
				o.logger.Error("autosave failed", "error", err)
			}
		})
	}
	o.cron.Start()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.cfg.Server.Workers; i++ {
		g.Go(func() error { return o.worker(gctx) })
	}
	o.logger.Info("orchestrator running", "workers", o.cfg.Server.Workers)

	err := g.Wait()
	<-o.cron.Stop().Done()
	if ferr := o.tracker.Flush(); ferr != nil {
		o.logger.Error("final metric flush failed", "error", ferr)
	}
	if err == context.Canceled {
		return nil
	}
	return err
}

func (o *Orchestrator) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-o.queue:
			a, ok := o.table.Get(id)
			if !ok {
				continue // deleted while queued
			}
			if !a.BeginRun() {
				continue
			}
			o.cyc.Run(ctx, a)
			if a.EndRun() {
				o.Activate(id)
			}
		}
	}
}

// UserMessage delivers user input to the Admin AI and activates it.
func (o *Orchestrator) UserMessage(content string) error {
	admin, ok := o.table.Get(types.AdminAgentID)
	if !ok {
		return fmt.Errorf("admin agent not running")
	}
	admin.Append(types.Message{Role: types.RoleUser, Content: content})
	o.emit(types.EventMessageAppended, admin.ID, map[string]any{
		"role":    types.RoleUser,
		"content": content,
	})
	o.Activate(admin.ID)
	return nil
}

// UserOverride repoints a (typically errored) agent at a new model, clears
// its budgets and reruns it.
func (o *Orchestrator) UserOverride(agentID, providerName, model string) error {
	a, ok := o.table.Get(agentID)
	if !ok {
		return fmt.Errorf("no agent %q", agentID)
	}
	if _, ok := o.reg.Provider(providerName); !ok {
		return fmt.Errorf("unknown provider %q", providerName)
	}
	a.SetModel(providerName, model)
	a.ResetBudgets()
	a.SetState(types.StateIdle)
	o.emit(types.EventAgentStatus, agentID, map[string]any{
		"status": "model_changed",
		"model":  providerName + "/" + model,
	})
	o.Activate(agentID)
	return nil
}

// SaveSession snapshots the runtime; empty names fall back to the configured
// project and session.
func (o *Orchestrator) SaveSession(project, name string) (string, error) {
	if project == "" {
		project = o.cfg.Session.Project
	}
	if name == "" {
		name = o.cfg.Session.Session
	}
	return o.sess.Save(project, name)
}

// LoadSession replaces the runtime with a snapshot. Restored agents are idle
// until the next user message.
func (o *Orchestrator) LoadSession(project, name string) error {
	if project == "" {
		project = o.cfg.Session.Project
	}
	if name == "" {
		name = o.cfg.Session.Session
	}
	if err := o.sess.Load(project, name); err != nil {
		return err
	}
	o.emit(types.EventAgentStatus, "", map[string]any{
		"status":  "session_loaded",
		"project": project,
		"session": name,
	})
	return nil
}

// Agents snapshots all live agents with team attached, for UI listings.
func (o *Orchestrator) Agents() []types.AgentInfo {
	agents := o.table.List()
	out := make([]types.AgentInfo, 0, len(agents))
	for _, a := range agents {
		info := a.Info()
		if team, ok := o.teams.TeamOf(a.ID); ok {
			info.Team = team
		}
		out = append(out, info)
	}
	return out
}

func (o *Orchestrator) emit(evType, agentID string, payload map[string]any) {
	if o.events == nil {
		return
	}
	o.events.Emit(types.Event{
		Type:      evType,
		AgentID:   agentID,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}
