package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all engram configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig  `yaml:"database" mapstructure:"database"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Embedding EmbeddingConfig `yaml:"embedding" mapstructure:"embedding"`
	LLM       LLMConfig       `yaml:"llm" mapstructure:"llm"`
	Strength  StrengthConfig  `yaml:"strength" mapstructure:"strength"`
	Gate      GateConfig      `yaml:"gate" mapstructure:"gate"`
	Linker    LinkerConfig    `yaml:"linker" mapstructure:"linker"`
	Review    ReviewConfig    `yaml:"review" mapstructure:"review"`
	Session   SessionConfig   `yaml:"session" mapstructure:"session"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
}

type ServerConfig struct {
	Bind string `yaml:"bind" mapstructure:"bind"`
	Port int    `yaml:"port" mapstructure:"port"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path" mapstructure:"path"` // empty resolves to ~/.engram/engram.db
	SnapshotEvery int    `yaml:"snapshot_every" mapstructure:"snapshot_every"`
}

type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format     string `yaml:"format" mapstructure:"format"` // text, json, logfmt
	File       string `yaml:"file" mapstructure:"file"`     // empty logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

type EmbeddingConfig struct {
	Provider   string        `yaml:"provider" mapstructure:"provider"` // "ollama", "tfidf", "auto"
	OllamaURL  string        `yaml:"ollama_url" mapstructure:"ollama_url"`
	Model      string        `yaml:"model" mapstructure:"model"`
	Dimensions int           `yaml:"dimensions" mapstructure:"dimensions"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
	RateLimit  float64       `yaml:"rate_limit" mapstructure:"rate_limit"` // calls per second, 0 = unlimited
	Workers    int           `yaml:"workers" mapstructure:"workers"`
}

type LLMConfig struct {
	Provider     string        `yaml:"provider" mapstructure:"provider"` // "", "claude-cli", "anthropic", "ollama"
	Model        string        `yaml:"model" mapstructure:"model"`
	OllamaURL    string        `yaml:"ollama_url" mapstructure:"ollama_url"`
	AnthropicKey string        `yaml:"anthropic_key" mapstructure:"anthropic_key"`
	MaxTokens    int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"` // one completion, CLI subprocess included
	Temperature  float64       `yaml:"temperature" mapstructure:"temperature"`
}

type StrengthConfig struct {
	QualityWeight    float64 `yaml:"quality_weight" mapstructure:"quality_weight"`
	RecallWeight     float64 `yaml:"recall_weight" mapstructure:"recall_weight"`
	RecencyWeight    float64 `yaml:"recency_weight" mapstructure:"recency_weight"`
	HalfLifeDays     float64 `yaml:"half_life_days" mapstructure:"half_life_days"`
	MinStrength      float64 `yaml:"min_strength" mapstructure:"min_strength"`
	DormantThreshold float64 `yaml:"dormant_threshold" mapstructure:"dormant_threshold"`
}

type GateConfig struct {
	AdmissionThreshold int     `yaml:"admission_threshold" mapstructure:"admission_threshold"`
	DriftCeiling       float64 `yaml:"drift_ceiling" mapstructure:"drift_ceiling"`
	GoalTopic          string  `yaml:"goal_topic" mapstructure:"goal_topic"`
	TrendWindow        int     `yaml:"trend_window" mapstructure:"trend_window"` // verdicts in a quality trend
}

type LinkerConfig struct {
	Neighbors         int           `yaml:"neighbors" mapstructure:"neighbors"`
	AutoLinkThreshold float64       `yaml:"auto_link_threshold" mapstructure:"auto_link_threshold"`
	AutoLinkMax       int           `yaml:"auto_link_max" mapstructure:"auto_link_max"`
	MaxEdgesPerRecord int           `yaml:"max_edges_per_record" mapstructure:"max_edges_per_record"`
	MaxDepth          int           `yaml:"max_depth" mapstructure:"max_depth"`
	RelatedLimit      int           `yaml:"related_limit" mapstructure:"related_limit"`
	SearchTimeout     time.Duration `yaml:"search_timeout" mapstructure:"search_timeout"`
}

type SessionConfig struct {
	DefaultDuration time.Duration `yaml:"default_duration" mapstructure:"default_duration"`
	MaxDuration     time.Duration `yaml:"max_duration" mapstructure:"max_duration"`
}

type ReviewConfig struct {
	MinInterval time.Duration `yaml:"min_interval" mapstructure:"min_interval"`
	MaxInterval time.Duration `yaml:"max_interval" mapstructure:"max_interval"` // linear growth beyond
	InitialEase float64       `yaml:"initial_ease" mapstructure:"initial_ease"`
	MinEase     float64       `yaml:"min_ease" mapstructure:"min_ease"`
	MaxEase     float64       `yaml:"max_ease" mapstructure:"max_ease"`
	EaseStep    float64       `yaml:"ease_step" mapstructure:"ease_step"`
	EasePenalty float64       `yaml:"ease_penalty" mapstructure:"ease_penalty"`
	DueLimit    int           `yaml:"due_limit" mapstructure:"due_limit"`
}

type SchedulerConfig struct {
	Enabled    bool           `yaml:"enabled" mapstructure:"enabled"`
	StartDelay time.Duration  `yaml:"start_delay" mapstructure:"start_delay"`
	Interval   time.Duration  `yaml:"interval" mapstructure:"interval"`
	Cron       string         `yaml:"cron" mapstructure:"cron"` // overrides interval when set
	Fade       PhaseConfig    `yaml:"fade" mapstructure:"fade"`
	Reflect    ReflectConfig  `yaml:"reflect" mapstructure:"reflect"`
	Reassess   ReassessConfig `yaml:"reassess" mapstructure:"reassess"`
	Compress   CompressConfig `yaml:"compress" mapstructure:"compress"`
	Replay     ReplayConfig   `yaml:"replay" mapstructure:"replay"`
}

type PhaseConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

type ReflectConfig struct {
	Enabled    bool          `yaml:"enabled" mapstructure:"enabled"`
	MinRecords int           `yaml:"min_records" mapstructure:"min_records"`
	MinQuality int           `yaml:"min_quality" mapstructure:"min_quality"`
	Cooldown   time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	MaxTopics  int           `yaml:"max_topics" mapstructure:"max_topics"`
	MaxSources int           `yaml:"max_sources" mapstructure:"max_sources"`
}

type ReassessConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	AutoApply     bool    `yaml:"auto_apply" mapstructure:"auto_apply"`
	Limit         int     `yaml:"limit" mapstructure:"limit"`
	MinConfidence float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	MinDelta      int     `yaml:"min_delta" mapstructure:"min_delta"`
}

type CompressConfig struct {
	Enabled    bool    `yaml:"enabled" mapstructure:"enabled"`
	AutoApply  bool    `yaml:"auto_apply" mapstructure:"auto_apply"`
	Threshold  float64 `yaml:"threshold" mapstructure:"threshold"`
	Limit      int     `yaml:"limit" mapstructure:"limit"`
	MaxGroup   int     `yaml:"max_group" mapstructure:"max_group"`
	MaxContent int     `yaml:"max_content" mapstructure:"max_content"`
}

type ReplayConfig struct {
	Enabled bool    `yaml:"enabled" mapstructure:"enabled"`
	Limit   int     `yaml:"limit" mapstructure:"limit"`
	Margin  float64 `yaml:"margin" mapstructure:"margin"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Database: DatabaseConfig{
			Path:          "", // resolved at runtime via store.DefaultDBPath()
			SnapshotEvery: 500,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Embedding: EmbeddingConfig{
			Provider:   "auto",
			OllamaURL:  "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 768,
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RateLimit:  20,
			Workers:    4,
		},
		LLM: LLMConfig{
			MaxTokens:   1024,
			Timeout:     2 * time.Minute,
			Temperature: 0.3,
		},
		Strength: StrengthConfig{
			QualityWeight:    0.4,
			RecallWeight:     0.3,
			RecencyWeight:    0.3,
			HalfLifeDays:     30,
			MinStrength:      0.01,
			DormantThreshold: 0.2,
		},
		Gate: GateConfig{
			AdmissionThreshold: 8,
			DriftCeiling:       0.85,
			GoalTopic:          "goals",
			TrendWindow:        10,
		},
		Linker: LinkerConfig{
			Neighbors:         10,
			AutoLinkThreshold: 0.75,
			AutoLinkMax:       3,
			MaxEdgesPerRecord: 20,
			MaxDepth:          3,
			RelatedLimit:      25,
			SearchTimeout:     5 * time.Second,
		},
		Review: ReviewConfig{
			MinInterval: 24 * time.Hour,
			MaxInterval: 5 * 365 * 24 * time.Hour,
			InitialEase: 2.5,
			MinEase:     1.3,
			MaxEase:     3.0,
			EaseStep:    0.1,
			EasePenalty: 0.2,
			DueLimit:    20,
		},
		Session: SessionConfig{
			DefaultDuration: 30 * time.Minute,
			MaxDuration:     8 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Enabled:    true,
			StartDelay: 5 * time.Minute,
			Interval:   24 * time.Hour,
			Fade:       PhaseConfig{Enabled: true},
			Reflect: ReflectConfig{
				Enabled:    true,
				MinRecords: 5,
				MinQuality: 7,
				Cooldown:   7 * 24 * time.Hour,
				MaxTopics:  3,
				MaxSources: 20,
			},
			Reassess: ReassessConfig{
				Enabled:       true,
				AutoApply:     true,
				Limit:         15,
				MinConfidence: 0.8,
				MinDelta:      2,
			},
			Compress: CompressConfig{
				Enabled:    true,
				AutoApply:  true,
				Threshold:  0.88,
				Limit:      10,
				MaxGroup:   5,
				MaxContent: 2000,
			},
			Replay: ReplayConfig{
				Enabled: true,
				Limit:   20,
				Margin:  0.15,
			},
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path (if it
// exists) and ENGRAM_* environment variables, e.g. ENGRAM_GATE_ADMISSION_THRESHOLD.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return Config{}, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, fmt.Errorf("seed defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix("ENGRAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every tunable and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	s := c.Strength
	sum := s.QualityWeight + s.RecallWeight + s.RecencyWeight
	check(math.Abs(sum-1) < 1e-6, "strength weights must sum to 1, got %.3f", sum)
	check(s.QualityWeight >= 0 && s.RecallWeight >= 0 && s.RecencyWeight >= 0, "strength weights must be non-negative")
	check(s.HalfLifeDays > 0, "strength.half_life_days must be positive")
	check(s.MinStrength > 0 && s.MinStrength < 1, "strength.min_strength must be in (0,1)")
	check(s.DormantThreshold > s.MinStrength && s.DormantThreshold < 1, "strength.dormant_threshold must be in (min_strength,1)")

	check(c.Gate.AdmissionThreshold >= 1 && c.Gate.AdmissionThreshold <= 10, "gate.admission_threshold must be in [1,10]")
	check(c.Gate.DriftCeiling >= 0 && c.Gate.DriftCeiling <= 1, "gate.drift_ceiling must be in [0,1]")

	l := c.Linker
	check(l.AutoLinkThreshold >= 0 && l.AutoLinkThreshold <= 1, "linker.auto_link_threshold must be in [0,1]")
	check(l.AutoLinkMax >= 0, "linker.auto_link_max must be non-negative")
	check(l.Neighbors >= l.AutoLinkMax, "linker.neighbors must be >= auto_link_max")
	check(l.MaxEdgesPerRecord >= l.AutoLinkMax, "linker.max_edges_per_record must be >= auto_link_max")
	check(l.MaxDepth >= 1 && l.MaxDepth <= 3, "linker.max_depth must be in [1,3]")
	check(l.RelatedLimit > 0, "linker.related_limit must be positive")

	r := c.Review
	check(r.MinInterval > 0, "review.min_interval must be positive")
	check(r.MaxInterval > r.MinInterval, "review.max_interval must exceed min_interval")
	check(r.MinEase > 1, "review.min_ease must be > 1")
	check(r.MaxEase >= r.MinEase, "review.max_ease must be >= min_ease")
	check(r.InitialEase >= r.MinEase && r.InitialEase <= r.MaxEase, "review.initial_ease must be within [min_ease,max_ease]")
	check(r.EaseStep >= 0 && r.EasePenalty >= 0, "review ease steps must be non-negative")

	check(c.Session.DefaultDuration > 0, "session.default_duration must be positive")
	check(c.Session.MaxDuration >= c.Session.DefaultDuration, "session.max_duration must be >= default_duration")
	check(c.Gate.TrendWindow >= 2, "gate.trend_window must be >= 2")

	sc := c.Scheduler
	check(sc.StartDelay >= 0, "scheduler.start_delay must be non-negative")
	check(sc.Interval > 0 || sc.Cron != "", "scheduler.interval must be positive when no cron is set")
	check(sc.Reflect.MinRecords > 0, "scheduler.reflect.min_records must be positive")
	check(sc.Reassess.MinConfidence >= 0 && sc.Reassess.MinConfidence <= 1, "scheduler.reassess.min_confidence must be in [0,1]")
	check(sc.Compress.Threshold > 0 && sc.Compress.Threshold <= 1, "scheduler.compress.threshold must be in (0,1]")
	check(sc.Compress.MaxGroup >= 2, "scheduler.compress.max_group must be >= 2")
	check(sc.Replay.Margin > 0, "scheduler.replay.margin must be positive")

	check(c.Embedding.Timeout > 0, "embedding.timeout must be positive")
	check(c.Embedding.MaxRetries >= 0, "embedding.max_retries must be non-negative")
	check(c.LLM.Timeout > 0, "llm.timeout must be positive")
	check(c.LLM.Temperature >= 0 && c.LLM.Temperature <= 1, "llm.temperature must be in [0,1]")
	check(c.Database.SnapshotEvery >= 0, "database.snapshot_every must be non-negative")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// YAML renders the config as a YAML document.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
