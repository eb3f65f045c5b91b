package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig indicates a malformed swarm configuration reached the
// orchestrator.
var ErrInvalidConfig = errors.New("invalid swarm configuration")

// AgentConfig holds the per-agent-type settings of a swarm configuration.
type AgentConfig map[string]any

// Instances returns the declared instance count, defaulting to 1.
func (a AgentConfig) Instances() int {
	if v, ok := a["instances"]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return 1
}

// defaultDeployment mirrors the documented deployment defaults.
func defaultDeployment() map[string]any {
	return map[string]any{
		"strategy":       "parallel",
		"max_concurrent": 8,
		"timeout":        "30m",
	}
}

// SwarmConfig describes one swarm deployment: which agent types to run,
// how many instances of each, and deployment-wide settings.
type SwarmConfig struct {
	Agents     map[string]AgentConfig `json:"agents" yaml:"agents"`
	Deployment map[string]any         `json:"deployment" yaml:"deployment"`
	Metadata   map[string]any         `json:"metadata" yaml:"metadata"`
}

// NewSwarmConfig builds a config, fills deployment defaults, and
// validates it — first against the JSON schema, then the structural
// rules.
func NewSwarmConfig(agents map[string]AgentConfig, deployment, metadata map[string]any) (*SwarmConfig, error) {
	cfg := &SwarmConfig{
		Agents:     agents,
		Deployment: deepMerge(defaultDeployment(), deployment),
		Metadata:   metadata,
	}
	if cfg.Metadata == nil {
		cfg.Metadata = map[string]any{}
	}
	if err := ValidateSwarmConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSwarmConfig reads a swarm configuration from a YAML or JSON file.
func LoadSwarmConfig(path string) (*SwarmConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configuration file not found: %s: %w", path, err)
	}

	raw := struct {
		Agents     map[string]AgentConfig `json:"agents" yaml:"agents"`
		Deployment map[string]any         `json:"deployment" yaml:"deployment"`
		Metadata   map[string]any         `json:"metadata" yaml:"metadata"`
	}{}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported config format %q, expected .yaml, .yml or .json", ErrInvalidConfig, filepath.Ext(path))
	}

	return NewSwarmConfig(raw.Agents, raw.Deployment, raw.Metadata)
}

// SwarmConfigFromInstances builds a configuration from an instance
// specification string such as "codex:3,claude:2". An optional task is
// attached to every agent entry.
func SwarmConfigFromInstances(spec, task string) (*SwarmConfig, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, fmt.Errorf("%w: instance specification cannot be empty", ErrInvalidConfig)
	}

	agents := make(map[string]AgentConfig)
	for _, chunk := range strings.Split(spec, ",") {
		token := strings.TrimSpace(chunk)
		if token == "" {
			continue
		}
		parts := strings.SplitN(token, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("%w: invalid agent specification %q, expected agent:count", ErrInvalidConfig, token)
		}
		agentType := strings.TrimSpace(parts[0])
		count, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("%w: instance count should be an integer for %q", ErrInvalidConfig, token)
		}
		if count < 1 {
			return nil, fmt.Errorf("%w: instance count must be >= 1 for agent %q", ErrInvalidConfig, agentType)
		}

		entry := AgentConfig{"instances": count}
		if task != "" {
			entry["tasks"] = []any{task}
		}
		agents[agentType] = entry
	}

	if len(agents) == 0 {
		return nil, fmt.Errorf("%w: no valid agent definitions found in specification", ErrInvalidConfig)
	}
	return NewSwarmConfig(agents, nil, nil)
}

// Merge returns a new config with overrides recursively applied.
func (c *SwarmConfig) Merge(overrides map[string]any) (*SwarmConfig, error) {
	agents := make(map[string]AgentConfig, len(c.Agents))
	for agentType, entry := range c.Agents {
		agents[agentType] = AgentConfig(deepMerge(map[string]any(entry), nil))
	}
	if raw, ok := overrides["agents"].(map[string]any); ok {
		for agentType, v := range raw {
			patch, _ := v.(map[string]any)
			base := map[string]any(agents[agentType])
			agents[agentType] = AgentConfig(deepMerge(base, patch))
		}
	}

	deployment, _ := overrides["deployment"].(map[string]any)
	metadata, _ := overrides["metadata"].(map[string]any)
	return NewSwarmConfig(agents, deepMerge(c.Deployment, deployment), deepMerge(c.Metadata, metadata))
}

// Validate checks the structural rules: at least one agent, each with a
// positive instance count.
func (c *SwarmConfig) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("%w: configuration must include at least one agent", ErrInvalidConfig)
	}
	for agentType, entry := range c.Agents {
		if entry == nil {
			return fmt.Errorf("%w: agent %q configuration must be a mapping", ErrInvalidConfig, agentType)
		}
		if entry.Instances() < 1 {
			return fmt.Errorf("%w: agent %q must declare at least one instance", ErrInvalidConfig, agentType)
		}
	}
	return nil
}

// TotalInstances sums the declared instance counts.
func (c *SwarmConfig) TotalInstances() int {
	total := 0
	for _, entry := range c.Agents {
		total += entry.Instances()
	}
	return total
}

// AgentTypes lists the configured agent types.
func (c *SwarmConfig) AgentTypes() []string {
	types := make([]string, 0, len(c.Agents))
	for agentType := range c.Agents {
		types = append(types, agentType)
	}
	return types
}

// WriteYAML dumps the configuration to a YAML file.
func (c *SwarmConfig) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// WriteJSON dumps the configuration to a JSON file.
func (c *SwarmConfig) WriteJSON(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// DefaultSwarmConfig returns an opinionated single-instance configuration
// for the codex and claude agents.
func DefaultSwarmConfig() *SwarmConfig {
	cfg, _ := NewSwarmConfig(map[string]AgentConfig{
		"codex": {
			"instances": 1,
			"resources": map[string]any{"memory": "2GB", "timeout": "30m"},
			"tasks":     []any{"code_generation", "testing"},
		},
		"claude": {
			"instances": 1,
			"resources": map[string]any{"memory": "1GB", "timeout": "30m"},
			"tasks":     []any{"architecture_review", "documentation"},
		},
	}, nil, nil)
	return cfg
}

// deepMerge returns a recursively merged copy of base with overrides
// applied on top.
func deepMerge(base, overrides map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range overrides {
		if existing, ok := result[k].(map[string]any); ok {
			if patch, ok := v.(map[string]any); ok {
				result[k] = deepMerge(existing, patch)
				continue
			}
		}
		result[k] = v
	}
	return result
}
