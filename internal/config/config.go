// Package config handles toolloop configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/toolloop/config.yaml, /etc/toolloop/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "toolloop", "config.yaml"))
	}

	paths = append(paths, "/etc/toolloop/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all toolloop configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Models    ModelsConfig    `yaml:"models"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Loop      LoopConfig      `yaml:"loop"`
	MCP       MCPConfig       `yaml:"mcp"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines the models the loop may drive.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig describes one model and how the loop should drive it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama or anthropic

	// TextToolCalling means the model writes tool calls as JSON in its
	// reply text instead of using the provider's tool-call fields.
	TextToolCalling bool `yaml:"text_tool_calling"`
	// ExplicitLoop selects the explicit loop even for models with
	// native tool calling.
	ExplicitLoop         bool `yaml:"explicit_loop"`
	MaxIterations        int  `yaml:"max_iterations"`
	NudgeOnHallucination bool `yaml:"nudge_on_hallucination"`
	ContextWindow        int  `yaml:"context_window"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// LoopConfig tunes the tool-calling loop.
type LoopConfig struct {
	// MaxIterations is the default model-call budget per turn.
	MaxIterations int `yaml:"max_iterations"`
	// TimeoutThreshold is how many consecutive rounds with a timed-out
	// tool trip the breaker.
	TimeoutThreshold int `yaml:"timeout_threshold"`
	// ToolTimeout bounds a single tool execution. Zero disables it.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
	// HallucinationPatterns are extra regular expressions that flag a
	// claimed action taken without a tool call.
	HallucinationPatterns []string `yaml:"hallucination_patterns"`
	// SystemPrompt replaces the built-in system prompt.
	SystemPrompt string `yaml:"system_prompt"`
}

// MCPConfig lists the MCP servers whose tools the loop can reach.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one MCP server.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio (default) or http
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       []string          `yaml:"env"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
	Expose    []string          `yaml:"expose"`
	Timeout   time.Duration     `yaml:"timeout"`
}

// MQTTConfig configures the MQTT event bridge. The bridge is disabled
// when Broker is empty.
type MQTTConfig struct {
	Broker             string   `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string   `yaml:"username"`
	Password           string   `yaml:"password"`
	DeviceName         string   `yaml:"device_name"`
	TopicPrefix        string   `yaml:"topic_prefix"`
	DiscoveryPrefix    string   `yaml:"discovery_prefix"`
	PublishIntervalSec int      `yaml:"publish_interval"`
	Events             []string `yaml:"events"` // event kinds to forward; empty forwards all
	MaxEventsPerMinute int      `yaml:"max_events_per_minute"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Model returns the configuration for name, or nil.
func (c *Config) Model(name string) *ModelConfig {
	for i := range c.Models.Available {
		if c.Models.Available[i].Name == name {
			return &c.Models.Available[i]
		}
	}
	return nil
}

// Load reads configuration from a YAML file, expands environment
// variables, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyDefaults fills zero values with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	if c.Models.Default == "" && len(c.Models.Available) > 0 {
		c.Models.Default = c.Models.Available[0].Name
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "ollama"
		}
	}
	if c.Loop.MaxIterations == 0 {
		c.Loop.MaxIterations = 12
	}
	if c.Loop.TimeoutThreshold == 0 {
		c.Loop.TimeoutThreshold = 2
	}
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].Transport == "" {
			c.MCP.Servers[i].Transport = "stdio"
		}
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "toolloop"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "toolloop"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.MQTT.MaxEventsPerMinute == 0 {
		c.MQTT.MaxEventsPerMinute = 600
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate reports every configuration problem it finds.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.Models.Default != "" && len(c.Models.Available) > 0 && c.Model(c.Models.Default) == nil {
		errs = append(errs, fmt.Errorf("models.default %q is not in models.available", c.Models.Default))
	}

	seen := make(map[string]bool)
	for i, m := range c.Models.Available {
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("models.available[%d]: name is required", i))
			continue
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Errorf("models.available: duplicate model %q", m.Name))
		}
		seen[m.Name] = true
		switch m.Provider {
		case "ollama":
		case "anthropic":
			if c.Anthropic.APIKey == "" {
				errs = append(errs, fmt.Errorf("model %q uses anthropic but anthropic.api_key is empty", m.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("model %q: unknown provider %q (valid: ollama, anthropic)", m.Name, m.Provider))
		}
		if m.MaxIterations < 0 {
			errs = append(errs, fmt.Errorf("model %q: max_iterations must not be negative", m.Name))
		}
	}

	if c.Loop.MaxIterations < 0 {
		errs = append(errs, errors.New("loop.max_iterations must not be negative"))
	}
	if c.Loop.TimeoutThreshold < 1 {
		errs = append(errs, errors.New("loop.timeout_threshold must be at least 1"))
	}
	if c.Loop.ToolTimeout < 0 {
		errs = append(errs, errors.New("loop.tool_timeout must not be negative"))
	}

	servers := make(map[string]bool)
	for i, s := range c.MCP.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: name is required", i))
			continue
		}
		if servers[s.Name] {
			errs = append(errs, fmt.Errorf("mcp.servers: duplicate server %q", s.Name))
		}
		servers[s.Name] = true
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				errs = append(errs, fmt.Errorf("mcp server %q: command is required for stdio", s.Name))
			}
		case "http":
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("mcp server %q: url is required for http", s.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("mcp server %q: unknown transport %q", s.Name, s.Transport))
		}
	}

	if c.MQTT.Configured() {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker %q is not a valid URL", c.MQTT.Broker))
		}
		if c.MQTT.PublishIntervalSec < 1 {
			errs = append(errs, errors.New("mqtt.publish_interval must be at least 1 second"))
		}
	}

	return errors.Join(errs...)
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Models: ModelsConfig{
			Default: "qwen3:4b",
			Available: []ModelConfig{
				{
					Name:                 "qwen3:4b",
					Provider:             "ollama",
					TextToolCalling:      true,
					MaxIterations:        8,
					NudgeOnHallucination: true,
					ContextWindow:        8192,
				},
				{
					Name:          "qwen2.5:72b",
					Provider:      "ollama",
					ContextWindow: 32768,
				},
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}
