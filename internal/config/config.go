// Package config resolves service configuration from defaults, an optional
// YAML file and MESH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const EnvPrefix = "MESH"

type Config struct {
	LogLevel  string          `mapstructure:"log_level"`
	Region    string          `mapstructure:"region"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Warm      WarmConfig      `mapstructure:"warm"`
	Cold      ColdConfig      `mapstructure:"cold"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Learning  LearningConfig  `mapstructure:"learning"`
	Brain     BrainConfig     `mapstructure:"brain"`
	Primary   ProviderConfig  `mapstructure:"primary"`
	Fallback  ProviderConfig  `mapstructure:"fallback"`
}

type MemoryConfig struct {
	HotCapacity      int           `mapstructure:"hot_capacity"`
	HotRetention     time.Duration `mapstructure:"hot_retention"`
	WarmRetention    time.Duration `mapstructure:"warm_retention"`
	ColdRetention    time.Duration `mapstructure:"cold_retention"`
	ArchiveThreshold float64       `mapstructure:"archive_threshold"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
}

// WarmConfig enables the DynamoDB tier when Table is set.
type WarmConfig struct {
	Table string `mapstructure:"table"`
}

// ColdConfig enables the S3 tier when Bucket is set.
type ColdConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// KnowledgeConfig reads reference documents from the cold bucket.
type KnowledgeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
	Limit   int    `mapstructure:"limit"`
}

type LearningConfig struct {
	MinProfileConfidence float64       `mapstructure:"min_profile_confidence"`
	ProfileIdleTTL       time.Duration `mapstructure:"profile_idle_ttl"`
	PatternLookback      time.Duration `mapstructure:"pattern_lookback"`
	RetainedPatterns     int           `mapstructure:"retained_patterns"`
}

type BrainConfig struct {
	SystemPrompt    string        `mapstructure:"system_prompt"`
	HistoryWindow   int           `mapstructure:"history_window"`
	PersistTimeout  time.Duration `mapstructure:"persist_timeout"`
	MaxMessageRunes int           `mapstructure:"max_message_runes"`
}

// ProviderConfig describes one provider slot. An empty Type disables it.
type ProviderConfig struct {
	Type           string `mapstructure:"type"`
	Model          string `mapstructure:"model"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	BaseURL        string `mapstructure:"base_url"`
	APIVersion     string `mapstructure:"api_version"`
	KeyParameter   string `mapstructure:"key_parameter"`
	// APIKey bypasses the parameter store. Meant for local CLI runs.
	APIKey      string  `mapstructure:"api_key"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`

	Timeout           time.Duration `mapstructure:"timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Workers           int           `mapstructure:"workers"`
}

func (p ProviderConfig) Enabled() bool { return strings.TrimSpace(p.Type) != "" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("region", "")

	v.SetDefault("memory.hot_capacity", 20)
	v.SetDefault("memory.hot_retention", 30*time.Minute)
	v.SetDefault("memory.warm_retention", 7*24*time.Hour)
	v.SetDefault("memory.cold_retention", 90*24*time.Hour)
	v.SetDefault("memory.archive_threshold", 0.8)
	v.SetDefault("memory.sweep_interval", time.Minute)

	v.SetDefault("warm.table", "")
	v.SetDefault("cold.bucket", "")
	v.SetDefault("cold.prefix", "conversations/")

	v.SetDefault("knowledge.enabled", false)
	v.SetDefault("knowledge.prefix", "knowledge/")
	v.SetDefault("knowledge.limit", 3)

	v.SetDefault("learning.min_profile_confidence", 0.7)
	v.SetDefault("learning.profile_idle_ttl", 24*time.Hour)
	v.SetDefault("learning.pattern_lookback", 168*time.Hour)
	v.SetDefault("learning.retained_patterns", 100)

	v.SetDefault("brain.system_prompt", "")
	v.SetDefault("brain.history_window", 20)
	v.SetDefault("brain.persist_timeout", 10*time.Second)
	v.SetDefault("brain.max_message_runes", 4000)

	providerDefaults(v, "primary", "openai", 10*time.Second, 0)
	providerDefaults(v, "fallback", "anthropic", 40*time.Second, 4)
}

func providerDefaults(v *viper.Viper, slot, typ string, timeout time.Duration, workers int) {
	v.SetDefault(slot+".type", typ)
	v.SetDefault(slot+".key_parameter", "/mesh-assistant/"+typ+"-api-key")
	v.SetDefault(slot+".model", "")
	v.SetDefault(slot+".embedding_model", "")
	v.SetDefault(slot+".base_url", "")
	v.SetDefault(slot+".api_version", "")
	v.SetDefault(slot+".api_key", "")
	v.SetDefault(slot+".max_tokens", 1000)
	v.SetDefault(slot+".temperature", 0.7)
	v.SetDefault(slot+".timeout", timeout)
	v.SetDefault(slot+".max_attempts", 2)
	v.SetDefault(slot+".base_delay", 2*time.Second)
	v.SetDefault(slot+".max_delay", 10*time.Second)
	v.SetDefault(slot+".requests_per_second", 0.0)
	v.SetDefault(slot+".workers", workers)
}

// Load resolves the configuration. path may be empty, in which case only
// defaults and the environment apply. MESH_PRIMARY_MODEL overrides
// primary.model, and so on for every key.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Memory.HotCapacity <= 0 {
		errs = append(errs, errors.New("memory.hot_capacity must be positive"))
	}
	if c.Memory.HotRetention <= 0 || c.Memory.WarmRetention <= 0 || c.Memory.ColdRetention <= 0 {
		errs = append(errs, errors.New("memory retentions must be positive"))
	}
	if c.Memory.ArchiveThreshold < 0 || c.Memory.ArchiveThreshold > 1 {
		errs = append(errs, errors.New("memory.archive_threshold must be within [0,1]"))
	}
	if c.Knowledge.Enabled && c.Cold.Bucket == "" {
		errs = append(errs, errors.New("knowledge.enabled requires cold.bucket"))
	}
	if c.Knowledge.Enabled && c.Knowledge.Limit <= 0 {
		errs = append(errs, errors.New("knowledge.limit must be positive"))
	}
	if c.Learning.MinProfileConfidence < 0 || c.Learning.MinProfileConfidence > 1 {
		errs = append(errs, errors.New("learning.min_profile_confidence must be within [0,1]"))
	}
	if c.Brain.HistoryWindow <= 0 {
		errs = append(errs, errors.New("brain.history_window must be positive"))
	}
	for slot, p := range map[string]ProviderConfig{"primary": c.Primary, "fallback": c.Fallback} {
		if !p.Enabled() {
			continue
		}
		if p.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("%s.timeout must be positive", slot))
		}
		if p.MaxAttempts < 1 {
			errs = append(errs, fmt.Errorf("%s.max_attempts must be at least 1", slot))
		}
		if p.Type != "static" && strings.TrimSpace(p.KeyParameter) == "" && strings.TrimSpace(p.APIKey) == "" {
			errs = append(errs, fmt.Errorf("%s: key_parameter or api_key is required for %s", slot, p.Type))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// Level is the configured log level, info when unparseable.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
