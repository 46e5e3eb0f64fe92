// Package config is the single source of truth for memloom settings.
// Values load from a YAML file, then MEMLOOM_* environment variables,
// then explicit overrides; a proactivity preset expands into a coherent
// override set before anything else is applied.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all memloom configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Confidence ConfidenceConfig `mapstructure:"confidence"`
	Decay      DecayConfig      `mapstructure:"decay"`
	Probing    ProbingConfig    `mapstructure:"probing"`
	Starters   StarterConfig    `mapstructure:"starters"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Workers    WorkerConfig     `mapstructure:"workers"`
	Monitors   MonitorConfig    `mapstructure:"monitors"`
	Privacy    PrivacyConfig    `mapstructure:"privacy"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Events     EventsConfig     `mapstructure:"events"`

	// Preset is one of conservative, balanced, proactive. Applied before
	// individual overrides.
	Preset string `mapstructure:"preset"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text, json
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin mode: debug, release, test
}

// StorageConfig selects persistence backends.
type StorageConfig struct {
	// GraphDriver is memory or neo4j.
	GraphDriver string `mapstructure:"graph_driver"`
	URI         string `mapstructure:"uri"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	Database    string `mapstructure:"database"`
	// DataDir is the badger directory for queues and the audit log.
	// Empty means in-memory badger (tests, ephemeral runs).
	DataDir string `mapstructure:"data_dir"`
}

// LLMModelConfig configures one LLM capability tier.
type LLMModelConfig struct {
	Provider         string  `mapstructure:"provider"` // openai, anthropic, mock
	Model            string  `mapstructure:"model"`
	APIKey           string  `mapstructure:"api_key"`
	BaseURL          string  `mapstructure:"base_url"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	Retries          int     `mapstructure:"retries"`
	DailyTokenBudget int     `mapstructure:"daily_token_budget"`
	Temperature      float32 `mapstructure:"temperature"`
	MaxTokens        int     `mapstructure:"max_tokens"`
}

// BreakerConfig holds one circuit breaker's thresholds.
type BreakerConfig struct {
	Failures        uint32 `mapstructure:"failures"`
	WindowSeconds   int    `mapstructure:"window_seconds"`
	CooldownSeconds int    `mapstructure:"cooldown_seconds"`
}

// LLMConfig holds small and large model tiers plus breaker settings.
type LLMConfig struct {
	Small        LLMModelConfig `mapstructure:"small"`
	Large        LLMModelConfig `mapstructure:"large"`
	SmallBreaker BreakerConfig  `mapstructure:"small_breaker"`
	LargeBreaker BreakerConfig  `mapstructure:"large_breaker"`
	StoreBreaker BreakerConfig  `mapstructure:"store_breaker"`
}

// ExtractionConfig holds extraction pipeline toggles.
type ExtractionConfig struct {
	IndirectInference    bool    `mapstructure:"indirect_inference"`
	MinStorageConfidence float64 `mapstructure:"min_storage_confidence"`
	STTFloor             float64 `mapstructure:"stt_floor"`
	STTScaling           bool    `mapstructure:"stt_scaling"`
}

// ConfidenceConfig holds confidence engine parameters.
type ConfidenceConfig struct {
	BaseExplicit       float64 `mapstructure:"base_explicit"`
	BaseObservational  float64 `mapstructure:"base_observational"`
	BaseInferential    float64 `mapstructure:"base_inferential"`
	BaseReflective     float64 `mapstructure:"base_reflective"`
	HedgeNone          float64 `mapstructure:"hedge_none"`
	HedgeMild          float64 `mapstructure:"hedge_mild"`
	HedgeModerate      float64 `mapstructure:"hedge_moderate"`
	HedgeStrong        float64 `mapstructure:"hedge_strong"`
	ReinforcementBoost float64 `mapstructure:"reinforcement_boost"`
	ContradictMargin   float64 `mapstructure:"contradict_margin"`
	MaxConfidence      float64 `mapstructure:"max_confidence"`
	ArchiveThreshold   float64 `mapstructure:"archive_threshold"`
	TraitDecayShield   bool    `mapstructure:"trait_decay_protection"`
}

// DecayConfig holds per-temporal-type monthly decay rates and grace.
type DecayConfig struct {
	TraitRate       float64 `mapstructure:"trait_rate"`
	StateRate       float64 `mapstructure:"state_rate"`
	WishRate        float64 `mapstructure:"wish_rate"`
	EpisodeRate     float64 `mapstructure:"episode_rate"`
	GraceDays       int     `mapstructure:"grace_days"`
	CycleHours      int     `mapstructure:"cycle_hours"`
	RetentionMonths int     `mapstructure:"retention_months"`
}

// ProbingConfig holds probe delivery gates.
type ProbingConfig struct {
	MaxPerConversation  int     `mapstructure:"max_per_conversation"`
	MaxPerDay           int     `mapstructure:"max_per_day"`
	MaxPerWeek          int     `mapstructure:"max_per_week"`
	MinTurn             int     `mapstructure:"min_turn"`
	MinContextFit       float64 `mapstructure:"min_context_fit"`
	IgnoreCooldownHours int     `mapstructure:"ignore_cooldown_hours"`
	DeflectCooldownHrs  int     `mapstructure:"deflect_cooldown_hours"`
}

// StarterConfig holds starter generation limits.
type StarterConfig struct {
	RelevanceThreshold float64        `mapstructure:"relevance_threshold"`
	PerSubtypeDaily    map[string]int `mapstructure:"per_subtype_daily"`
	QuietHourStart     int            `mapstructure:"quiet_hour_start"`
	QuietHourEnd       int            `mapstructure:"quiet_hour_end"`
	AlertsOverrideQuiet bool          `mapstructure:"alerts_override_quiet"`
}

// RiskConfig maps confidence and cost category to an action tier.
type RiskConfig struct {
	AutoExecuteMin   float64 `mapstructure:"auto_execute_min"`
	SuggestMin       float64 `mapstructure:"suggest_min"`
	CasualMentionMin float64 `mapstructure:"casual_mention_min"`
}

// WorkerConfig holds background cycle schedules.
type WorkerConfig struct {
	DecayIntervalHours      int `mapstructure:"decay_interval_hours"`
	RevisionIntervalHours   int `mapstructure:"revision_interval_hours"`
	InferenceIntervalHours  int `mapstructure:"inference_interval_hours"`
	ClusteringIntervalHours int `mapstructure:"clustering_interval_hours"`
	RevisionBudget          int `mapstructure:"revision_budget"`
	InferenceCap            int `mapstructure:"inference_cap"`
	RevisionTTLDays         int `mapstructure:"revision_ttl_days"`
}

// MonitorConfig enables external event sources.
type MonitorConfig struct {
	Sources         map[string]bool `mapstructure:"sources"`
	IntervalSeconds int             `mapstructure:"interval_seconds"`
}

// PrivacyConfig holds privacy settings.
type PrivacyConfig struct {
	SharingEnabled   bool    `mapstructure:"sharing_enabled"`
	SharingMinLevel  int     `mapstructure:"sharing_min_level"`
	DPEpsilon        float64 `mapstructure:"dp_epsilon"`
	AutoPIIDetection bool    `mapstructure:"auto_pii_detection"`
	ArchiveRetention int     `mapstructure:"archive_retention_days"`
}

// QueueConfig holds inbound/outbound queue parameters.
type QueueConfig struct {
	RetentionHours int   `mapstructure:"retention_hours"`
	MaxRetries     int   `mapstructure:"max_retries"`
	BackoffSeconds []int `mapstructure:"backoff_seconds"`
}

// EventsConfig holds event bus parameters.
type EventsConfig struct {
	// QueueDepth bounds each subscriber's pending queue. Zero selects
	// the bus default.
	QueueDepth int `mapstructure:"queue_depth"`
	// SlowHandlerSeconds is the soft deadline after which a handler is
	// counted and logged as slow. Handlers are not cancelled.
	SlowHandlerSeconds int `mapstructure:"slow_handler_seconds"`
}

// Load reads configuration from the given file (optional) plus MEMLOOM_*
// environment variables, applying defaults and the proactivity preset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MEMLOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.ApplyPreset(cfg.Preset); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration with all defaults and no file input.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// Unmarshal of pure defaults cannot fail.
	_ = v.Unmarshal(cfg)
	return cfg
}

// ApplyPreset expands a proactivity preset into a coherent override set.
// An empty preset is treated as balanced. Unknown presets are an error.
func (c *Config) ApplyPreset(preset string) error {
	switch preset {
	case "", "balanced":
		// Defaults are the balanced preset.
	case "conservative":
		c.Probing.MaxPerConversation = 1
		c.Probing.MaxPerDay = 1
		c.Probing.MaxPerWeek = 3
		c.Probing.MinTurn = 6
		c.Probing.MinContextFit = 0.50
		c.Starters.RelevanceThreshold = 0.70
		c.Extraction.IndirectInference = false
	case "proactive":
		c.Probing.MaxPerConversation = 2
		c.Probing.MaxPerDay = 5
		c.Probing.MaxPerWeek = 15
		c.Probing.MinTurn = 2
		c.Probing.MinContextFit = 0.25
		c.Starters.RelevanceThreshold = 0.40
		c.Extraction.IndirectInference = true
	default:
		return fmt.Errorf("unknown proactivity preset %q", preset)
	}
	return nil
}

// Validate rejects configurations that would violate graph invariants.
func (c *Config) Validate() error {
	if c.Confidence.MaxConfidence <= 0 || c.Confidence.MaxConfidence > 1 {
		return fmt.Errorf("max_confidence must be in (0,1], got %v", c.Confidence.MaxConfidence)
	}
	if c.Confidence.ArchiveThreshold < 0 || c.Confidence.ArchiveThreshold >= c.Confidence.MaxConfidence {
		return fmt.Errorf("archive_threshold must be in [0, max_confidence), got %v", c.Confidence.ArchiveThreshold)
	}
	if c.Extraction.MinStorageConfidence < 0 || c.Extraction.MinStorageConfidence > 1 {
		return fmt.Errorf("min_storage_confidence must be in [0,1], got %v", c.Extraction.MinStorageConfidence)
	}
	if len(c.Queue.BackoffSeconds) == 0 {
		return fmt.Errorf("queue backoff schedule cannot be empty")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("preset", "balanced")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.mode", "release")

	v.SetDefault("storage.graph_driver", "memory")
	v.SetDefault("storage.data_dir", "")

	v.SetDefault("llm.small.provider", "openai")
	v.SetDefault("llm.small.model", "gpt-4o-mini")
	v.SetDefault("llm.small.timeout_seconds", 15)
	v.SetDefault("llm.small.retries", 1)
	v.SetDefault("llm.small.daily_token_budget", 500000)
	v.SetDefault("llm.small.max_tokens", 1024)
	v.SetDefault("llm.large.provider", "openai")
	v.SetDefault("llm.large.model", "gpt-4o")
	v.SetDefault("llm.large.timeout_seconds", 60)
	v.SetDefault("llm.large.retries", 1)
	v.SetDefault("llm.large.daily_token_budget", 200000)
	v.SetDefault("llm.large.max_tokens", 2048)
	v.SetDefault("llm.small_breaker.failures", 3)
	v.SetDefault("llm.small_breaker.window_seconds", 60)
	v.SetDefault("llm.small_breaker.cooldown_seconds", 15)
	v.SetDefault("llm.large_breaker.failures", 2)
	v.SetDefault("llm.large_breaker.window_seconds", 60)
	v.SetDefault("llm.large_breaker.cooldown_seconds", 60)
	v.SetDefault("llm.store_breaker.failures", 5)
	v.SetDefault("llm.store_breaker.window_seconds", 60)
	v.SetDefault("llm.store_breaker.cooldown_seconds", 30)

	v.SetDefault("extraction.indirect_inference", true)
	v.SetDefault("extraction.min_storage_confidence", 0.25)
	v.SetDefault("extraction.stt_floor", 0.40)
	v.SetDefault("extraction.stt_scaling", true)

	v.SetDefault("confidence.base_explicit", 0.90)
	v.SetDefault("confidence.base_observational", 0.65)
	v.SetDefault("confidence.base_inferential", 0.45)
	v.SetDefault("confidence.base_reflective", 0.50)
	v.SetDefault("confidence.hedge_none", 1.00)
	v.SetDefault("confidence.hedge_mild", 0.90)
	v.SetDefault("confidence.hedge_moderate", 0.65)
	v.SetDefault("confidence.hedge_strong", 0.50)
	v.SetDefault("confidence.reinforcement_boost", 0.08)
	v.SetDefault("confidence.contradict_margin", 0.10)
	v.SetDefault("confidence.max_confidence", 1.0)
	v.SetDefault("confidence.archive_threshold", 0.15)
	v.SetDefault("confidence.trait_decay_protection", true)

	v.SetDefault("decay.trait_rate", 0.01)
	v.SetDefault("decay.state_rate", 0.05)
	v.SetDefault("decay.wish_rate", 0.04)
	v.SetDefault("decay.episode_rate", 0.08)
	v.SetDefault("decay.grace_days", 30)
	v.SetDefault("decay.retention_months", 12)

	v.SetDefault("probing.max_per_conversation", 1)
	v.SetDefault("probing.max_per_day", 3)
	v.SetDefault("probing.max_per_week", 10)
	v.SetDefault("probing.min_turn", 3)
	v.SetDefault("probing.min_context_fit", 0.35)
	v.SetDefault("probing.ignore_cooldown_hours", 24)
	v.SetDefault("probing.deflect_cooldown_hours", 96)

	v.SetDefault("starters.relevance_threshold", 0.50)
	v.SetDefault("starters.quiet_hour_start", 22)
	v.SetDefault("starters.quiet_hour_end", 8)
	v.SetDefault("starters.alerts_override_quiet", true)

	v.SetDefault("risk.auto_execute_min", 0.90)
	v.SetDefault("risk.suggest_min", 0.50)
	v.SetDefault("risk.casual_mention_min", 0.30)

	v.SetDefault("workers.decay_interval_hours", 168)
	v.SetDefault("workers.revision_interval_hours", 24)
	v.SetDefault("workers.inference_interval_hours", 24)
	v.SetDefault("workers.clustering_interval_hours", 168)
	v.SetDefault("workers.revision_budget", 50)
	v.SetDefault("workers.inference_cap", 20)
	v.SetDefault("workers.revision_ttl_days", 30)

	v.SetDefault("monitors.interval_seconds", 300)

	v.SetDefault("privacy.sharing_enabled", false)
	v.SetDefault("privacy.sharing_min_level", 0)
	v.SetDefault("privacy.dp_epsilon", 1.0)
	v.SetDefault("privacy.auto_pii_detection", true)
	v.SetDefault("privacy.archive_retention_days", 365)

	v.SetDefault("queue.retention_hours", 72)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.backoff_seconds", []int{1, 5, 30})

	v.SetDefault("events.queue_depth", 256)
	v.SetDefault("events.slow_handler_seconds", 5)
}
