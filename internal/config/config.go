// Package config loads process configuration the way iamprashant-voice-ai
// and lookatitude-beluga-ai do it: github.com/joho/godotenv populates the
// environment from a local .env file before github.com/spf13/viper reads it,
// with an optional on-disk YAML file (gopkg.in/yaml.v3 tags, following
// MatchaCake-LiveSub/internal/config/config.go's struct shape) layered
// underneath. Every default below is taken verbatim from
// original_source/backend/config.py.
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the full set of options named in spec §6.4.
type Config struct {
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	STT        STTConfig        `yaml:"stt"`
	Translate  TranslateConfig  `yaml:"translate"`
	TTS        TTSConfig        `yaml:"tts"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Fallback   FallbackConfig   `yaml:"fallback"`
	Streaming  StreamingConfig  `yaml:"streaming"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	ConnMgr    ConnMgrConfig    `yaml:"connection_manager"`
	Server     ServerConfig     `yaml:"server"`
}

type PipelineConfig struct {
	APIRetryAttempts int           `yaml:"api_retry_attempts"`
	APIRetryBase     time.Duration `yaml:"api_retry_base"`
	PipelineTimeout  time.Duration `yaml:"pipeline_timeout"`
}

type STTConfig struct {
	SampleRate   int           `yaml:"sample_rate"`
	LanguageCode string        `yaml:"language_code"`
	Timeout      time.Duration `yaml:"timeout"`
}

type TranslateConfig struct {
	SourceLang string        `yaml:"source_lang"`
	TargetLang string        `yaml:"target_lang"`
	Timeout    time.Duration `yaml:"timeout"`
}

type TTSConfig struct {
	LanguageCode string        `yaml:"language_code"`
	VoiceName    string        `yaml:"voice_name"`
	VoiceGender  string        `yaml:"voice_gender"`
	AudioFormat  string        `yaml:"audio_format"`
	Timeout      time.Duration `yaml:"timeout"`
}

type BreakerConfig struct {
	FailMax      int           `yaml:"fail_max"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

type FallbackConfig struct {
	FallbackAudio       []byte        `yaml:"-"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	RecoveryInterval    time.Duration `yaml:"recovery_interval"`
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
}

type StreamingConfig struct {
	EnableStreaming         bool          `yaml:"enable_streaming"`
	QualityThreshold        float64       `yaml:"quality_threshold"`
	StreamingTimeout        time.Duration `yaml:"streaming_timeout"`
	StreamingThresholdBytes int           `yaml:"streaming_threshold_bytes"`
	BufferedTimeoutSeconds  time.Duration `yaml:"buffered_timeout_seconds"`
	FreqThreshold           float64       `yaml:"freq_threshold"`
}

type MonitorConfig struct {
	MeasurementWindow     time.Duration `yaml:"measurement_window"`
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`
}

type ConnMgrConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
}

type ServerConfig struct {
	Port        int    `yaml:"port"`
	MetricsPort int    `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
}

// DefaultFallbackAudio is the literal marker payload from
// original_source/backend/config.py's FALLBACK_AUDIO.
var DefaultFallbackAudio = []byte("TEST_AUDIO_BEEP_MARKER:PIPELINE_ERROR_FALLBACK")

// Default returns the spec §6.4 / config.py defaults.
func Default() Config {
	return Config{
		Pipeline: PipelineConfig{
			APIRetryAttempts: 3,
			APIRetryBase:     500 * time.Millisecond,
			PipelineTimeout:  15 * time.Second,
		},
		STT: STTConfig{
			SampleRate:   16000,
			LanguageCode: "nl-NL",
			Timeout:      10 * time.Second,
		},
		Translate: TranslateConfig{
			SourceLang: "nl",
			TargetLang: "en",
			Timeout:    10 * time.Second,
		},
		TTS: TTSConfig{
			LanguageCode: "en-US",
			VoiceName:    "en-US-Wavenet-D",
			AudioFormat:  "MP3",
			Timeout:      10 * time.Second,
		},
		Breaker: BreakerConfig{
			FailMax:      5,
			ResetTimeout: 30 * time.Second,
		},
		Fallback: FallbackConfig{
			FallbackAudio:       DefaultFallbackAudio,
			FailureThreshold:    3,
			RecoveryInterval:    60 * time.Second,
			MaxRecoveryAttempts: 5,
		},
		Streaming: StreamingConfig{
			EnableStreaming:         true,
			QualityThreshold:        0.7,
			StreamingTimeout:        5 * time.Second,
			StreamingThresholdBytes: 5000,
			BufferedTimeoutSeconds:  2 * time.Second,
			FreqThreshold:           8,
		},
		Monitor: MonitorConfig{
			MeasurementWindow:     10 * time.Second,
			MaxConcurrentSessions: 20,
		},
		ConnMgr: ConnMgrConfig{
			PingInterval: 30 * time.Second,
			PongTimeout:  10 * time.Second,
		},
		Server: ServerConfig{
			Port:        8080,
			MetricsPort: 9090,
			LogLevel:    "info",
		},
	}
}

// Load reads a local .env file (if present, via godotenv), then layers
// optional YAML config (configPath, if non-empty) and environment variables
// on top of the defaults via viper. Environment variables take precedence
// over the YAML file, matching the teacher's cmd/agent/main.go ordering
// (godotenv.Load() before any env var is read).
func Load(configPath string) (Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("BROKER")
	v.AutomaticEnv()
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, err
		}
	}

	applyEnvOverrides(v, &cfg)
	return cfg, nil
}

// applyEnvOverrides mirrors config.py's pydantic BaseSettings env-var
// binding for a subset of fields: BROKER_STT_LANGUAGE_CODE,
// BROKER_TTS_VOICE_NAME, BROKER_PORT, BROKER_METRICS_PORT, BROKER_LOG_LEVEL
// and BROKER_ENABLE_STREAMING. No other field is read from the environment.
func applyEnvOverrides(v *viper.Viper, cfg *Config) {
	if v.IsSet("stt_language_code") {
		cfg.STT.LanguageCode = v.GetString("stt_language_code")
	}
	if v.IsSet("tts_voice_name") {
		cfg.TTS.VoiceName = v.GetString("tts_voice_name")
	}
	if v.IsSet("port") {
		cfg.Server.Port = v.GetInt("port")
	}
	if v.IsSet("metrics_port") {
		cfg.Server.MetricsPort = v.GetInt("metrics_port")
	}
	if v.IsSet("log_level") {
		cfg.Server.LogLevel = v.GetString("log_level")
	}
	if v.IsSet("enable_streaming") {
		cfg.Streaming.EnableStreaming = v.GetBool("enable_streaming")
	}
}
