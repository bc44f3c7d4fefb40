package kamishibai

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harunnryd/kamishibai/pkg/errorsx"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	LogFormat     string              `mapstructure:"log_format"`
	Scenario      ScenarioConfig      `mapstructure:"scenario"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Text          CompletionConfig    `mapstructure:"text"`
	Analysis      CompletionConfig    `mapstructure:"analysis"`
	Voice         VoiceConfig         `mapstructure:"voice"`
	Turn          TurnConfig          `mapstructure:"turn"`
	Resilience    ResilienceConfig    `mapstructure:"resilience"`
	Session       SessionConfig       `mapstructure:"session"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
}

type ScenarioConfig struct {
	Path      string `mapstructure:"path"`
	ImageRoot string `mapstructure:"image_root"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	LLM VendorConfig `mapstructure:"llm"`
	// Analyzer falls back to LLM when no provider is set.
	Analyzer VendorConfig `mapstructure:"analyzer"`
	// Realtime is optional; without it voice turns are disabled.
	Realtime VendorConfig `mapstructure:"realtime"`
}

type CompletionConfig struct {
	Model       string  `mapstructure:"model"`
	Temperature float32 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	TimeoutMS   int     `mapstructure:"timeout_ms"`
}

type VADConfig struct {
	Threshold         float64 `mapstructure:"threshold"`
	PrefixPaddingMS   int     `mapstructure:"prefix_padding_ms"`
	SilenceDurationMS int     `mapstructure:"silence_duration_ms"`
}

type VoiceConfig struct {
	Model              string    `mapstructure:"model"`
	Voice              string    `mapstructure:"voice"`
	SampleRate         int       `mapstructure:"sample_rate"`
	ChunkSamples       int       `mapstructure:"chunk_samples"`
	MinSamples         int       `mapstructure:"min_samples"`
	SilenceMS          int       `mapstructure:"silence_ms"`
	ResponseTimeoutMS  int       `mapstructure:"response_timeout_ms"`
	TranscriptionModel string    `mapstructure:"transcription_model"`
	VAD                VADConfig `mapstructure:"vad"`
	Preamble           string    `mapstructure:"preamble"`
}

type TurnConfig struct {
	DistressedMood string `mapstructure:"distressed_mood"`
	ErrorMessage   string `mapstructure:"error_message"`
	BusyPolicy     string `mapstructure:"busy_policy"`
}

type ResilienceConfig struct {
	Retries           int `mapstructure:"retries"`
	RetryBackoffMS    int `mapstructure:"retry_backoff_ms"`
	CircuitThreshold  int `mapstructure:"circuit_threshold"`
	CircuitCooldownMS int `mapstructure:"circuit_cooldown_ms"`
}

type LockConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type SessionConfig struct {
	IdleTTLMS int        `mapstructure:"idle_ttl_ms"`
	Lock      LockConfig `mapstructure:"lock"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	DrainTimeoutMS int      `mapstructure:"drain_timeout_ms"`
}

type ObservabilityConfig struct {
	Prometheus bool    `mapstructure:"prometheus"`
	MetricsLog string  `mapstructure:"metrics_log"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("scenario.image_root", "prompts/")
	v.SetDefault("text.model", "gpt-4o-mini")
	v.SetDefault("text.temperature", 0.7)
	v.SetDefault("text.max_tokens", 500)
	v.SetDefault("text.timeout_ms", 30000)
	v.SetDefault("analysis.model", "gpt-4o-mini")
	v.SetDefault("analysis.temperature", 0.3)
	v.SetDefault("analysis.max_tokens", 150)
	v.SetDefault("analysis.timeout_ms", 15000)
	v.SetDefault("voice.model", "gpt-4o-realtime-preview")
	v.SetDefault("voice.voice", "alloy")
	v.SetDefault("voice.sample_rate", 24000)
	v.SetDefault("voice.chunk_samples", 480)
	v.SetDefault("voice.min_samples", 100)
	v.SetDefault("voice.silence_ms", 100)
	v.SetDefault("voice.response_timeout_ms", 60000)
	v.SetDefault("voice.transcription_model", "whisper-1")
	v.SetDefault("voice.vad.threshold", 0.5)
	v.SetDefault("voice.vad.prefix_padding_ms", 300)
	v.SetDefault("voice.vad.silence_duration_ms", 500)
	v.SetDefault("voice.preamble", "You are a friendly drive navigator. Answer briefly.")
	v.SetDefault("turn.distressed_mood", "困る")
	v.SetDefault("turn.error_message", "Sorry, something went wrong. Please try again.")
	v.SetDefault("turn.busy_policy", "queue")
	v.SetDefault("resilience.retries", 2)
	v.SetDefault("resilience.retry_backoff_ms", 200)
	v.SetDefault("resilience.circuit_threshold", 3)
	v.SetDefault("resilience.circuit_cooldown_ms", 30000)
	v.SetDefault("session.idle_ttl_ms", 1800000)
	v.SetDefault("session.lock.provider", "local")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.drain_timeout_ms", 10000)
	v.SetDefault("observability.prometheus", true)
	v.SetDefault("observability.metrics_log", "")
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("privacy.redact_pii", true)
}

// LoadConfig reads the config file, applies defaults and expands ${ENV}
// references before validating.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("read config: %w", err), errorsx.ReasonConfig)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("unmarshal: %w", err), errorsx.ReasonConfig)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, errorsx.Wrap(fmt.Errorf("validate config: %w", err), errorsx.ReasonConfig)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Scenario.Path) == "" {
		return fmt.Errorf("scenario.path is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	switch c.Turn.BusyPolicy {
	case "queue", "reject":
	default:
		return fmt.Errorf("turn.busy_policy must be queue or reject, got %q", c.Turn.BusyPolicy)
	}
	switch strings.ToLower(c.Session.Lock.Provider) {
	case "", "local", "redis":
	default:
		return fmt.Errorf("session.lock.provider must be local or redis, got %q", c.Session.Lock.Provider)
	}
	if c.Voice.SampleRate <= 0 || c.Voice.ChunkSamples <= 0 {
		return fmt.Errorf("voice.sample_rate and voice.chunk_samples must be positive")
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return fmt.Errorf("observability.sample_rate must be within [0, 1]")
	}
	return nil
}

// AnalyzerVendor returns the analyzer vendor, falling back to the text vendor.
func (c Config) AnalyzerVendor() VendorConfig {
	if strings.TrimSpace(c.Vendors.Analyzer.Provider) == "" {
		return c.Vendors.LLM
	}
	return c.Vendors.Analyzer
}

// VoiceEnabled reports whether a realtime vendor is configured.
func (c Config) VoiceEnabled() bool {
	return strings.TrimSpace(c.Vendors.Realtime.Provider) != ""
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Vendors.Analyzer.Settings = expandSettings(cfg.Vendors.Analyzer.Settings)
	cfg.Vendors.Realtime.Settings = expandSettings(cfg.Vendors.Realtime.Settings)
	cfg.Session.Lock.Settings = expandSettings(cfg.Session.Lock.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
