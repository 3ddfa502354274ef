// Package config loads the Convene runtime configuration: the main JSON
// config file, the .env settings (provider keys, tier, base URLs), and the
// bootstrap agent list.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Tier controls which models the registry exposes.
type Tier string

const (
	TierFree Tier = "FREE"
	TierAll  Tier = "ALL"
)

// Config holds all Convene configuration.
type Config struct {
	Server    ServerConfig              `json:"server"`
	Providers map[string]ProviderConfig `json:"providers"`
	Session   SessionConfig             `json:"session"`
	Cycle     CycleConfig               `json:"cycle"`
	Gateway   GatewayConfig             `json:"gateway"`

	// ModelTier filters discovered models; overridden by MODEL_TIER.
	ModelTier Tier `json:"modelTier"`

	// PromptsPath is the TOML prompt templates file.
	PromptsPath string `json:"promptsPath"`

	// BootstrapPath is the YAML bootstrap agents file.
	BootstrapPath string `json:"bootstrapPath"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
	// Workers is the activation worker pool size; 0 means 4x CPU.
	Workers int `json:"workers"`
}

// ProviderConfig describes one configured LLM provider endpoint.
type ProviderConfig struct {
	// Type selects the adapter: "openai", "openrouter", "ollama", "local".
	Type    string `json:"type"`
	BaseURL string `json:"baseUrl,omitempty"`
	// APIKeys is filled from the environment (<PROVIDER>_API_KEY[_N]);
	// keys listed here are appended after the environment ones.
	APIKeys []string `json:"apiKeys,omitempty"`
	// FreeMarker is the substring marking free models (e.g. ":free" on
	// OpenRouter). Local providers are implicitly free.
	FreeMarker string `json:"freeMarker,omitempty"`
	// Local marks providers running on this machine (ollama, LM Studio).
	Local bool `json:"local,omitempty"`
}

type SessionConfig struct {
	ProjectsDir string `json:"projectsDir"`
	// AutosaveSpec is an optional cron spec for periodic session saves.
	AutosaveSpec string `json:"autosaveSpec,omitempty"`
	Project      string `json:"project"`
	Session      string `json:"session"`
}

type CycleConfig struct {
	MaxFailoverAttempts int `json:"maxFailoverAttempts"`
	MaxRetries          int `json:"maxRetries"`
	// StreamIdleTimeoutSec treats a silent stream as a transport failure.
	StreamIdleTimeoutSec int `json:"streamIdleTimeoutSec"`
}

type GatewayConfig struct {
	// JWTSecret enables bearer-token checks on websocket connects when set.
	JWTSecret string `json:"jwtSecret,omitempty"`
	// ClientQueueDepth bounds the per-client event queue.
	ClientQueueDepth int `json:"clientQueueDepth"`
}

// BootstrapAgent is one entry in the bootstrap agents file.
type BootstrapAgent struct {
	AgentID      string  `yaml:"agent_id"`
	Provider     string  `yaml:"provider,omitempty"`
	Model        string  `yaml:"model,omitempty"`
	SystemPrompt string  `yaml:"system_prompt,omitempty"`
	Temperature  float64 `yaml:"temperature,omitempty"`
	Persona      string  `yaml:"persona"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8017,
			DataDir:  "data",
			LogLevel: "info",
			Workers:  4 * runtime.NumCPU(),
		},
		Providers: map[string]ProviderConfig{},
		Session: SessionConfig{
			ProjectsDir: "projects",
			Project:     "default",
			Session:     "main",
		},
		Cycle: CycleConfig{
			MaxFailoverAttempts:  5,
			MaxRetries:           3,
			StreamIdleTimeoutSec: 60,
		},
		Gateway: GatewayConfig{
			ClientQueueDepth: 256,
		},
		ModelTier:     TierAll,
		PromptsPath:   "prompts.toml",
		BootstrapPath: "agents.yaml",
	}
}

// Load reads the JSON config, applies .env and environment overrides, and
// ensures the data directory exists.
func Load(path string) (*Config, error) {
	// .env is optional; real environment always wins.
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()

	if cfg.Server.Workers <= 0 {
		cfg.Server.Workers = 4 * runtime.NumCPU()
	}
	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

// applyEnv folds environment settings into the config: MODEL_TIER,
// per-provider API keys and base URLs, projects dir.
func (c *Config) applyEnv() {
	if tier := os.Getenv("MODEL_TIER"); tier != "" {
		c.ModelTier = Tier(strings.ToUpper(tier))
	}
	if dir := os.Getenv("PROJECTS_DIR"); dir != "" {
		c.Session.ProjectsDir = dir
	}
	for name, pc := range c.Providers {
		envKeys := keysFromEnv(name)
		pc.APIKeys = append(envKeys, pc.APIKeys...)
		if url := os.Getenv(envName(name) + "_BASE_URL"); url != "" {
			pc.BaseURL = url
		}
		c.Providers[name] = pc
	}
}

// keysFromEnv collects <PROVIDER>_API_KEY plus numbered variants
// <PROVIDER>_API_KEY_1..N in order.
func keysFromEnv(provider string) []string {
	prefix := envName(provider) + "_API_KEY"
	var keys []string
	if k := os.Getenv(prefix); k != "" {
		keys = append(keys, k)
	}
	for i := 1; ; i++ {
		k := os.Getenv(fmt.Sprintf("%s_%d", prefix, i))
		if k == "" {
			break
		}
		keys = append(keys, k)
	}
	return keys
}

func envName(provider string) string {
	return strings.ToUpper(strings.ReplaceAll(provider, "-", "_"))
}

// ProviderNames returns configured provider names in stable order.
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for n := range c.Providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadBootstrap reads the bootstrap agents file. A missing file is not an
// error: the runtime then starts with only the built-in Admin AI.
func LoadBootstrap(path string) ([]BootstrapAgent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bootstrap file: %w", err)
	}
	var agents []BootstrapAgent
	if err := yaml.Unmarshal(data, &agents); err != nil {
		return nil, fmt.Errorf("parse bootstrap file: %w", err)
	}
	for i, a := range agents {
		if a.AgentID == "" && a.Persona == "" {
			return nil, fmt.Errorf("bootstrap agent %d: agent_id or persona required", i)
		}
	}
	return agents, nil
}

// Save writes the config back to a JSON file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}
