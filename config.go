package cloak

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"southwinds.dev/cloak/audit"
	"southwinds.dev/cloak/persist"
)

// Config is the declarative configuration surface for embedding hosts: one
// YAML document describing the pipeline, the key chain and auditing. The CLI
// builds the same objects through flags; library consumers can load a Config
// and hand it to the builders below.
type Config struct {
	Pipeline PipelineConfig `yaml:"pipeline"`
	Keys     KeysConfig     `yaml:"keys"`
	Audit    audit.Config   `yaml:"audit"`
}

// PipelineConfig names the pipeline steps in encode order.
type PipelineConfig struct {
	Steps []string `yaml:"steps"`
}

// KeysConfig configures the key manager. Durations are Go duration strings
// ("720h", "30m").
type KeysConfig struct {
	KDF              string `yaml:"kdf"`
	Salt             string `yaml:"salt"`
	SizeBits         int    `yaml:"size_bits"`
	RotationEnabled  bool   `yaml:"rotation_enabled"`
	RotationInterval string `yaml:"rotation_interval"`
	MaxOldKeys       int    `yaml:"max_old_keys"`
	Lifetime         string `yaml:"lifetime"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML config document and validates it.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks step names, the KDF name and the duration fields without
// building anything.
func (c *Config) Validate() error {
	for _, step := range c.Pipeline.Steps {
		resolved := step
		if target, ok := codecAliases[step]; ok {
			resolved = target
		}
		if _, ok := codecRegistry[resolved]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAlgorithm, step)
		}
	}
	if err := (KDFConfig{Name: KDFName(c.Keys.KDF)}).Validate(); err != nil {
		return err
	}
	for field, value := range map[string]string{
		"keys.rotation_interval": c.Keys.RotationInterval,
		"keys.lifetime":          c.Keys.Lifetime,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", field, err)
		}
	}
	return nil
}

// KeyManagerOptions converts the config into options for NewKeyManager.
// Duration fields were validated by Validate; malformed ones fall back to
// the option defaults.
func (c *Config) KeyManagerOptions(store persist.Store, logger audit.Logger) KeyManagerOptions {
	opts := KeyManagerOptions{
		RotationEnabled: c.Keys.RotationEnabled,
		MaxOldKeys:      c.Keys.MaxOldKeys,
		KDF: KDFConfig{
			Name: KDFName(c.Keys.KDF),
			Salt: []byte(c.Keys.Salt),
		},
		Store: store,
		Audit: logger,
	}
	if d, err := time.ParseDuration(c.Keys.RotationInterval); err == nil {
		opts.RotationInterval = d
	}
	if d, err := time.ParseDuration(c.Keys.Lifetime); err == nil {
		opts.KeyLifetime = d
	}
	return opts
}

// BuildPipeline constructs the configured pipeline, attaching keys to its
// encryption steps and logger to the whole chain.
func (c *Config) BuildPipeline(keys *KeyManager, logger audit.Logger) (*Pipeline, error) {
	pipeline, err := NewPipelineFromNames(c.Pipeline.Steps, CodecOptions{
		Keys:        keys,
		KeySizeBits: c.Keys.SizeBits,
		KDF: KDFConfig{
			Name: KDFName(c.Keys.KDF),
			Salt: []byte(c.Keys.Salt),
		},
	})
	if err != nil {
		return nil, err
	}
	if logger != nil {
		pipeline = pipeline.WithAudit(logger)
	}
	return pipeline, nil
}
