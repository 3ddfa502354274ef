package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/convene-ai/convene/internal/agent"
	"github.com/convene-ai/convene/internal/config"
	"github.com/convene-ai/convene/internal/metrics"
	"github.com/convene-ai/convene/internal/prompt"
	"github.com/convene-ai/convene/internal/provider"
	"github.com/convene-ai/convene/internal/registry"
	"github.com/convene-ai/convene/internal/state"
	"github.com/convene-ai/convene/internal/tools"
	"github.com/convene-ai/convene/internal/types"
)

type fakeProvider struct {
	name   string
	models []provider.ModelInfo
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	return nil, errors.New("not used")
}

func (f *fakeProvider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return f.models, nil
}

type fixture struct {
	m       *Manager
	table   *agent.Table
	teams   *state.Manager
	tracker *metrics.Tracker
}

func newFixture(t *testing.T, entries ...registry.Entry) *fixture {
	t.Helper()
	logger := slog.Default()

	reg := registry.New(config.TierAll, logger)
	for _, e := range entries {
		reg.Register(e)
	}
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	table := agent.NewTable()
	teams := state.New()
	tracker := metrics.New(filepath.Join(t.TempDir(), "metrics.json"), logger)
	exec := tools.NewExecutor(logger, tools.NewSendMessage(), tools.NewFileSystem(), tools.NewManageTeam())

	m := New(table, teams, reg, tracker, prompt.New(), exec, t.TempDir(), logger)
	return &fixture{m: m, table: table, teams: teams, tracker: tracker}
}

func paidEntry() registry.Entry {
	return registry.Entry{Provider: &fakeProvider{
		name:   "openai",
		models: []provider.ModelInfo{{ID: "gpt-4o", PromptPrice: 0.000005}},
	}}
}

func TestCreateAgentFillsDefaults(t *testing.T) {
	f := newFixture(t, paidEntry())

	a, err := f.m.CreateAgent(tools.CreateAgentSpec{Persona: "Web Researcher"})
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(a.ID, "web_researcher_") {
		t.Errorf("generated id = %q", a.ID)
	}
	cfg := a.Config()
	if cfg.Provider != "openai" || cfg.Model != "gpt-4o" {
		t.Errorf("auto-selected model = %s/%s", cfg.Provider, cfg.Model)
	}
	if cfg.Temperature != defaultTemperature {
		t.Errorf("temperature = %v", cfg.Temperature)
	}
	if a.State() != types.StateIdle {
		t.Errorf("state = %s", a.State())
	}
	if _, ok := f.table.Get(a.ID); !ok {
		t.Error("agent not registered")
	}
	if fi, err := os.Stat(a.SandboxDir); err != nil || !fi.IsDir() {
		t.Error("sandbox directory not created")
	}
}

func TestCreateAgentSystemPromptCarriesInventories(t *testing.T) {
	f := newFixture(t, paidEntry())

	a, err := f.m.CreateAgent(tools.CreateAgentSpec{
		AgentID:      "worker_1",
		Persona:      "Researcher",
		SystemPrompt: "You are {persona}, focused on primary sources.",
	})
	if err != nil {
		t.Fatal(err)
	}

	sp := a.Config().SystemPrompt
	for _, want := range []string{
		"You are Researcher, focused on primary sources.",
		`<tool name="send_message">`,
		"openai/gpt-4o",
		"@worker_1",
	} {
		if !strings.Contains(sp, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
}

func TestCreateAgentJoinsTeam(t *testing.T) {
	f := newFixture(t, paidEntry())

	a, err := f.m.CreateAgent(tools.CreateAgentSpec{AgentID: "w1", Persona: "Writer", TeamID: "team_alpha"})
	if err != nil {
		t.Fatal(err)
	}
	team, ok := f.teams.TeamOf(a.ID)
	if !ok || team != "team_alpha" {
		t.Errorf("team = %q, ok=%v", team, ok)
	}
}

func TestCreateAgentRejectsBadAndDuplicateIDs(t *testing.T) {
	f := newFixture(t, paidEntry())

	if _, err := f.m.CreateAgent(tools.CreateAgentSpec{AgentID: "bad id!"}); err == nil {
		t.Error("invalid id accepted")
	}

	if _, err := f.m.CreateAgent(tools.CreateAgentSpec{AgentID: "w1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.m.CreateAgent(tools.CreateAgentSpec{AgentID: "w1"}); err == nil {
		t.Error("duplicate id accepted")
	}
}

func TestCreateAgentUnknownProvider(t *testing.T) {
	f := newFixture(t, paidEntry())
	_, err := f.m.CreateAgent(tools.CreateAgentSpec{AgentID: "w1", Provider: "nope", Model: "m"})
	if err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestSelectModelPrefersLocalThenFree(t *testing.T) {
	f := newFixture(t,
		paidEntry(),
		registry.Entry{
			Provider: &fakeProvider{name: "openrouter", models: []provider.ModelInfo{{ID: "meta/llama:free"}}},
		},
		registry.Entry{
			Provider: &fakeProvider{name: "ollama", models: []provider.ModelInfo{{ID: "llama3:8b"}}},
			Local:    true,
		},
	)

	// No metrics recorded: the cost-class tie-break decides.
	ref, err := f.m.SelectModel(nil)
	if err != nil {
		t.Fatal(err)
	}
	if ref.Provider != "ollama" {
		t.Errorf("selected %s, want local first", ref)
	}

	ref, err = f.m.SelectModel(map[metrics.ModelRef]bool{
		{Provider: "ollama", Model: "llama3:8b"}: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if ref.Provider != "openrouter" {
		t.Errorf("selected %s, want free before paid", ref)
	}
}

func TestSelectModelPrefersMetricRank(t *testing.T) {
	f := newFixture(t,
		paidEntry(),
		registry.Entry{
			Provider: &fakeProvider{name: "ollama", models: []provider.ModelInfo{{ID: "llama3:8b"}}},
			Local:    true,
		},
	)

	// A well-measured paid model outranks an unmeasured local one.
	for i := 0; i < 5; i++ {
		f.tracker.Record("openai", "gpt-4o", true, 200*time.Millisecond)
	}

	ref, err := f.m.SelectModel(nil)
	if err != nil {
		t.Fatal(err)
	}
	if ref.Provider != "openai" {
		t.Errorf("selected %s, want ranked model first", ref)
	}
}

func TestSelectModelAllExcluded(t *testing.T) {
	f := newFixture(t, paidEntry())
	_, err := f.m.SelectModel(map[metrics.ModelRef]bool{
		{Provider: "openai", Model: "gpt-4o"}: true,
	})
	if err == nil {
		t.Error("exhausted candidates must error")
	}
}

func TestDeleteAgentPurgesSandbox(t *testing.T) {
	f := newFixture(t, paidEntry())

	a, err := f.m.CreateAgent(tools.CreateAgentSpec{AgentID: "w1", Persona: "Writer", TeamID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(a.SandboxDir, "scratch.txt"), []byte("x"), 0640)

	if err := f.m.DeleteAgent("w1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.table.Get("w1"); ok {
		t.Error("agent still in table")
	}
	if _, ok := f.teams.TeamOf("w1"); ok {
		t.Error("agent still in team")
	}
	if _, err := os.Stat(a.SandboxDir); !os.IsNotExist(err) {
		t.Error("sandbox not purged")
	}
}

type stuckGuard struct{}

func (stuckGuard) InProgress() bool { return true }

func TestDeleteAgentKeepsSandboxDuringSnapshot(t *testing.T) {
	f := newFixture(t, paidEntry())
	f.m.SetGuard(stuckGuard{})

	a, err := f.m.CreateAgent(tools.CreateAgentSpec{AgentID: "w1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.m.DeleteAgent("w1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(a.SandboxDir); err != nil {
		t.Error("sandbox must survive while a snapshot is in flight")
	}
}

func TestDeleteAdminRefused(t *testing.T) {
	f := newFixture(t, paidEntry())
	if err := f.m.DeleteAgent(types.AdminAgentID); err == nil {
		t.Error("admin deletion must be refused")
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Web Researcher":  "web_researcher",
		"  QA -- Lead  ":  "qa_lead",
		"Data/Analyst v2": "data_analyst_v2",
		"!!!":             "agent",
	}
	for in, want := range cases {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
