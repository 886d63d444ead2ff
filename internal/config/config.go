// Package config loads the FunMax configuration from yaml or json5
// files, with $include composition and environment variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/iHeyTang/heyfun/pkg/models"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Agent      AgentConfig      `yaml:"agent"`
	Credits    CreditsConfig    `yaml:"credits"`
	Paintboard PaintboardConfig `yaml:"paintboard"`
	Assets     AssetsConfig     `yaml:"assets"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	// Path is the sqlite database file. Empty selects the in-memory
	// store, which does not survive restarts.
	Path string `yaml:"path"`
}

type ProvidersConfig struct {
	// Order lists provider names in failover priority. Empty uses the
	// configured providers in openai, anthropic order.
	Order     []string        `yaml:"order"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type AgentConfig struct {
	Name     string `yaml:"name"`
	Language string `yaml:"language"`
	// Plan toggles the planning phase: one extra model call before the
	// first round whose output seeds conversation memory. Unset means
	// enabled.
	Plan          *bool         `yaml:"plan"`
	MaxSteps      int           `yaml:"max_steps"`
	MaxObserve    int           `yaml:"max_observe"`
	MaxTokens     int           `yaml:"max_tokens"`
	Temperature   float32       `yaml:"temperature"`
	StepResultTTL time.Duration `yaml:"step_result_ttl"`
}

// PlanEnabled reports whether the planning phase should run.
func (a AgentConfig) PlanEnabled() bool {
	return a.Plan == nil || *a.Plan
}

type CreditsConfig struct {
	// InitialGrant is credited to an organization on first sight.
	InitialGrant int64 `yaml:"initial_grant"`
}

type PaintboardConfig struct {
	// PipelineURL receives generation dispatches. Empty disables the
	// trigger; tasks then rely on an external worker picking up rows.
	PipelineURL string `yaml:"pipeline_url"`

	// Costs overrides per-modality credit prices.
	Costs map[string]int64 `yaml:"costs"`

	// Models maps a model identifier to the generation types it
	// supports, seeded into the model registry on startup.
	Models map[string][]string `yaml:"models"`
}

type AssetsConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`

	// BaseURL switches to the static signer for local development.
	BaseURL string `yaml:"base_url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8090",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Storage: StorageConfig{Path: "funmax.db"},
		Agent: AgentConfig{
			Name:          "FunMax",
			Language:      "English",
			MaxSteps:      20,
			MaxObserve:    10000,
			MaxTokens:     4096,
			StepResultTTL: 24 * time.Hour,
		},
		Credits: CreditsConfig{InitialGrant: 1000},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads, merges and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path when it exists, otherwise returns defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = d.Server.ReadHeaderTimeout
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if c.Agent.Name == "" {
		c.Agent.Name = d.Agent.Name
	}
	if c.Agent.Language == "" {
		c.Agent.Language = d.Agent.Language
	}
	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = d.Agent.MaxSteps
	}
	if c.Agent.MaxObserve <= 0 {
		c.Agent.MaxObserve = d.Agent.MaxObserve
	}
	if c.Agent.MaxTokens <= 0 {
		c.Agent.MaxTokens = d.Agent.MaxTokens
	}
	if c.Agent.StepResultTTL <= 0 {
		c.Agent.StepResultTTL = d.Agent.StepResultTTL
	}
	if c.Credits.InitialGrant <= 0 {
		c.Credits.InitialGrant = d.Credits.InitialGrant
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}

// Validate rejects configurations that cannot start.
func (c *Config) Validate() error {
	if c.Providers.OpenAI.APIKey == "" && c.Providers.Anthropic.APIKey == "" {
		return fmt.Errorf("config: at least one provider api key is required")
	}
	for name := range c.Paintboard.Costs {
		if !validGenerationType(name) {
			return fmt.Errorf("config: unknown generation type %q in paintboard.costs", name)
		}
	}
	for model, types := range c.Paintboard.Models {
		for _, tp := range types {
			if !validGenerationType(tp) {
				return fmt.Errorf("config: model %q declares unknown generation type %q", model, tp)
			}
		}
	}
	return nil
}

func validGenerationType(name string) bool {
	switch models.GenerationType(name) {
	case models.GenerationImage, models.GenerationVideo, models.GenerationAudio, models.GenerationMusic:
		return true
	}
	return false
}
