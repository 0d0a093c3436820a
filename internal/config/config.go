package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/nuka-conductor/internal/checkpoint"
	"github.com/nidhogg/nuka-conductor/internal/orchestrator"
	"github.com/nidhogg/nuka-conductor/internal/provider"
	"github.com/nidhogg/nuka-conductor/internal/registry"
)

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig        `json:"server"`
	Providers    []ProviderConfig    `json:"providers"`
	Bindings     map[string]string   `json:"bindings"`
	Fallbacks    map[string][]string `json:"fallbacks"`
	Database     DatabaseConfig      `json:"database"`
	Orchestrator OrchestratorConfig  `json:"orchestrator"`
	Agents       []AgentConfig       `json:"agents"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
	Timeout  Duration          `json:"timeout,omitempty"`
	Default  bool              `json:"default,omitempty"`
}

// Provider converts to the provider package's form.
func (p ProviderConfig) Provider() provider.ProviderConfig {
	return provider.ProviderConfig{
		ID:       p.ID,
		Type:     p.Type,
		Name:     p.Name,
		Endpoint: p.Endpoint,
		APIKey:   p.APIKey,
		Models:   p.Models,
		Extra:    p.Extra,
		Timeout:  p.Timeout.Duration,
	}
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// OrchestratorConfig tunes the workflow engine. Zero values take defaults.
type OrchestratorConfig struct {
	GraphTTL           Duration `json:"graph_ttl"`
	MaxGraphs          int      `json:"max_graphs"`
	SweepInterval      Duration `json:"sweep_interval"`
	RegistryRefresh    Duration `json:"registry_refresh"`
	DefaultConcurrency int      `json:"default_concurrency"`
	MaxSteps           int      `json:"max_steps"`
	ModeratorModel     string   `json:"moderator_model"`
	CostPer1KTokens    float64  `json:"cost_per_1k_tokens"`
	EventTruncate      int      `json:"event_truncate"`
	ResultTruncate     int      `json:"result_truncate"`
}

// AgentConfig seeds one agent definition.
type AgentConfig struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Skills         []string `json:"skills"`
	TaskTypes      []string `json:"task_types"`
	MaxConcurrency int      `json:"max_concurrency"`
	SystemPrompt   string   `json:"system_prompt"`
	Model          string   `json:"model"`
	Temperature    float64  `json:"temperature"`
	MaxTokens      int      `json:"max_tokens"`
}

// Duration is a time.Duration read from a JSON string such as "30m".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration must be a string like \"30s\": %w", err)
		}
		d.Duration = time.Duration(n)
		return nil
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse substitutes environment variables in data, decodes it and applies defaults.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	o := &c.Orchestrator
	if o.GraphTTL.Duration == 0 {
		o.GraphTTL.Duration = 30 * time.Minute
	}
	if o.MaxGraphs == 0 {
		o.MaxGraphs = 500
	}
	if o.SweepInterval.Duration == 0 {
		o.SweepInterval.Duration = time.Minute
	}
	if o.RegistryRefresh.Duration == 0 {
		o.RegistryRefresh.Duration = 5 * time.Minute
	}
	if o.DefaultConcurrency == 0 {
		o.DefaultConcurrency = registry.DefaultConcurrency
	}
	if o.MaxSteps == 0 {
		o.MaxSteps = 64
	}
	if o.CostPer1KTokens == 0 {
		o.CostPer1KTokens = 0.002
	}
	def := checkpoint.DefaultLimits()
	if o.EventTruncate == 0 {
		o.EventTruncate = def.EventContent
	}
	if o.ResultTruncate == 0 {
		o.ResultTruncate = def.ResultContent
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider without id")
		}
		if p.Type != "openai" && p.Type != "anthropic" {
			return fmt.Errorf("provider %s: unknown type %q", p.ID, p.Type)
		}
		seen[p.ID] = true
	}
	for agent, id := range c.Bindings {
		if !seen[id] {
			return fmt.Errorf("binding %s: unknown provider %q", agent, id)
		}
	}
	for agent, ids := range c.Fallbacks {
		for _, id := range ids {
			if !seen[id] {
				return fmt.Errorf("fallback %s: unknown provider %q", agent, id)
			}
		}
	}
	agents := make(map[string]bool)
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent without id")
		}
		if agents[a.ID] {
			return fmt.Errorf("duplicate agent %q", a.ID)
		}
		agents[a.ID] = true
	}
	return nil
}

// RegistryOptions maps the orchestrator section onto registry options.
func (c *Config) RegistryOptions() registry.Options {
	opts := registry.DefaultOptions()
	opts.RefreshInterval = c.Orchestrator.RegistryRefresh.Duration
	opts.DefaultConcurrency = c.Orchestrator.DefaultConcurrency
	return opts
}

// AssemblerOptions maps the orchestrator section onto assembler options.
func (c *Config) AssemblerOptions() orchestrator.AssemblerOptions {
	return orchestrator.AssemblerOptions{
		ModeratorModel: c.Orchestrator.ModeratorModel,
		CostPer1K:      c.Orchestrator.CostPer1KTokens,
		MaxSteps:       c.Orchestrator.MaxSteps,
	}
}

// CacheOptions maps the orchestrator section onto graph cache options.
func (c *Config) CacheOptions() orchestrator.CacheOptions {
	return orchestrator.CacheOptions{
		TTL:           c.Orchestrator.GraphTTL.Duration,
		MaxEntries:    c.Orchestrator.MaxGraphs,
		SweepInterval: c.Orchestrator.SweepInterval.Duration,
	}
}

// CheckpointLimits returns the truncation limits for persisted state.
func (c *Config) CheckpointLimits() checkpoint.Limits {
	return checkpoint.Limits{
		EventContent:  c.Orchestrator.EventTruncate,
		ResultContent: c.Orchestrator.ResultTruncate,
	}
}

// AgentSource returns the configured agents as a registry source.
func (c *Config) AgentSource() registry.StaticSource {
	src := make(registry.StaticSource, 0, len(c.Agents))
	for _, a := range c.Agents {
		src = append(src, registry.Definition{
			Capability: registry.Capability{
				ID:             a.ID,
				Name:           a.Name,
				Description:    a.Description,
				Skills:         a.Skills,
				TaskTypes:      a.TaskTypes,
				MaxConcurrency: a.MaxConcurrency,
			},
			Profile: registry.Profile{
				SystemPrompt: a.SystemPrompt,
				Model:        a.Model,
				Temperature:  a.Temperature,
				MaxTokens:    a.MaxTokens,
			},
		})
	}
	return src
}
