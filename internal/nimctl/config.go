package nimctl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the CLI configuration.
type Config struct {
	CurrentContext string             `yaml:"currentContext" json:"currentContext" jsonschema:"description=Context used when --context is not given"`
	Contexts       map[string]Context `yaml:"contexts" json:"contexts" jsonschema:"description=Named server connections"`
	Display        Display            `yaml:"display,omitempty" json:"display,omitempty"`
}

// Context holds connection settings for a server.
type Context struct {
	Name   string `yaml:"name" json:"name" jsonschema:"required"`
	Server string `yaml:"server" json:"server" jsonschema:"required,format=uri,description=Base URL of the nimkit API"`
	Token  string `yaml:"token,omitempty" json:"token,omitempty" jsonschema:"description=Bearer token sent on mutating calls"`
}

// Display tunes table output.
type Display struct {
	// Thresholds are the probabilities at which tokens are coloured as high
	// and medium confidence.
	HighConfidence   float64 `yaml:"highConfidence,omitempty" json:"highConfidence,omitempty" jsonschema:"minimum=0,maximum=1,default=0.9"`
	MediumConfidence float64 `yaml:"mediumConfidence,omitempty" json:"mediumConfidence,omitempty" jsonschema:"minimum=0,maximum=1,default=0.5"`
	TopAlternatives  int     `yaml:"topAlternatives,omitempty" json:"topAlternatives,omitempty" jsonschema:"minimum=0,default=3"`
}

func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Contexts: map[string]Context{},
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Contexts == nil {
		cfg.Contexts = map[string]Context{}
	}
	return cfg, nil
}

func SaveConfig(cfg *Config, path string) error {
	if cfg.Contexts == nil {
		cfg.Contexts = map[string]Context{}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./nimctl-config.yaml"
	}
	return filepath.Join(dir, "nimctl", "config.yaml")
}

func setContext(cfg *Config, ctx Context, makeCurrent bool) {
	if cfg.Contexts == nil {
		cfg.Contexts = map[string]Context{}
	}
	cfg.Contexts[ctx.Name] = ctx
	if cfg.CurrentContext == "" || makeCurrent {
		cfg.CurrentContext = ctx.Name
	}
}

func ensureContextExists(cfg *Config, name string) error {
	if _, ok := cfg.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	return nil
}
