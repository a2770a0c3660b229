// Package config handles loading and validating the speechbridge configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the speechbridge daemon.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Transports TransportsConfig `mapstructure:"transports"`
	STT        STTConfig        `mapstructure:"stt"`
	TTS        TTSConfig        `mapstructure:"tts"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the health and metrics server settings.
type ServerConfig struct {
	HealthPort int  `mapstructure:"health_port"`
	Metrics    bool `mapstructure:"metrics"` // expose /metrics on the health port
}

// TransportsConfig holds the configuration for each transport layer.
type TransportsConfig struct {
	GRPC GRPCConfig `mapstructure:"grpc"`
	HTTP HTTPConfig `mapstructure:"http"`
	MQTT MQTTConfig `mapstructure:"mqtt"`
}

// GRPCConfig configures the gRPC health transport.
type GRPCConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Port       int  `mapstructure:"port"`
	Reflection bool `mapstructure:"reflection"`
}

// HTTPConfig configures the HTTP/WebSocket transport.
type HTTPConfig struct {
	Enabled       bool  `mapstructure:"enabled"`
	Port          int   `mapstructure:"port"`
	MaxAudioBytes int64 `mapstructure:"max_audio_bytes"` // per /v1/stt/audio request
}

// MQTTConfig configures the MQTT event publisher.
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"` // events go to <topic>/<source>/<kind>
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	QoS      byte   `mapstructure:"qos"`
	Commands bool   `mapstructure:"commands"` // subscribe to <topic>/cmd/#
}

// STTConfig selects and configures the recognition backend.
type STTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Backend        string        `mapstructure:"backend"` // "whisper"
	Language       string        `mapstructure:"language"`
	PartialResults bool          `mapstructure:"partial_results"`
	PreferOffline  bool          `mapstructure:"prefer_offline"`
	Whisper        WhisperConfig `mapstructure:"whisper"`
}

// WhisperConfig holds Whisper transcription settings.
//
// Flavor "openai" talks to the OpenAI audio API or any compatible server
// (whisper.cpp, faster-whisper) through BaseURL. Flavor "asr" posts to an
// ahmetoner/whisper-asr-webservice /asr endpoint.
type WhisperConfig struct {
	Flavor          string        `mapstructure:"flavor"`
	Endpoint        string        `mapstructure:"endpoint"` // base URL ("openai") or /asr URL ("asr")
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	VADFilter       bool          `mapstructure:"vad_filter"`
	SampleRate      int           `mapstructure:"sample_rate"` // of pushed 16-bit mono PCM
	PartialInterval time.Duration `mapstructure:"partial_interval"`
	SpeechTimeout   time.Duration `mapstructure:"speech_timeout"` // no audio after start
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// TTSConfig selects and configures the synthesis backend.
type TTSConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Backend     string        `mapstructure:"backend"` // "piper"
	Language    string        `mapstructure:"language"`
	VoiceID     string        `mapstructure:"voice_id"`
	CacheDir    string        `mapstructure:"cache_dir"`
	FileTimeout time.Duration `mapstructure:"file_timeout"`
	Piper       PiperConfig   `mapstructure:"piper"`
}

// PiperConfig holds Piper TTS settings (Wyoming protocol).
//
// For a single Piper instance that serves all languages, set Endpoint.
// For per-language instances, set Endpoints which maps ISO-639-1 codes to
// individual Wyoming TCP endpoints. If both are set, Endpoints takes
// precedence and Endpoint is the fallback.
type PiperConfig struct {
	Endpoint       string            `mapstructure:"endpoint"`  // Default Wyoming TCP endpoint (host:port)
	Endpoints      map[string]string `mapstructure:"endpoints"` // ISO-639-1 language code -> Wyoming TCP endpoint
	Voices         map[string]string `mapstructure:"voices"`    // ISO-639-1 language code -> Piper voice model name
	Player         string            `mapstructure:"player"`    // "paced" or "command"
	PlayerCommand  []string          `mapstructure:"player_command"`
	DialTimeout    time.Duration     `mapstructure:"dial_timeout"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text, pretty
}

// Load reads the configuration from file, environment variables, and defaults.
// If configFile is non-empty it is used directly; otherwise the standard
// search order applies: ./speechbridge.yaml, ./configs/speechbridge.yaml, /etc/speechbridge/speechbridge.yaml.
func Load(configFile string) (*Config, error) {
	return LoadWith(viper.New(), configFile)
}

// LoadWith is Load on a caller-supplied viper instance, so command-line flags
// bound to v take precedence over the file and environment.
func LoadWith(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("speechbridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/speechbridge")
	}

	// Environment variables: SPEECHBRIDGE_SERVER_HEALTH_PORT, SPEECHBRIDGE_TTS_PIPER_ENDPOINT, etc.
	v.SetEnvPrefix("SPEECHBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional: env vars and defaults are sufficient)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Info("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Resolve env var references in sensitive fields (e.g., "${OPENAI_API_KEY}")
	cfg.STT.Whisper.APIKey = resolveEnvRef(cfg.STT.Whisper.APIKey)
	cfg.Transports.MQTT.Password = resolveEnvRef(cfg.Transports.MQTT.Password)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.health_port", 8081)
	v.SetDefault("server.metrics", true)
	v.SetDefault("transports.grpc.enabled", true)
	v.SetDefault("transports.grpc.port", 50051)
	v.SetDefault("transports.grpc.reflection", true)
	v.SetDefault("transports.http.enabled", true)
	v.SetDefault("transports.http.port", 8080)
	v.SetDefault("transports.http.max_audio_bytes", 10<<20)
	v.SetDefault("transports.mqtt.enabled", false)
	v.SetDefault("transports.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("transports.mqtt.topic", "speechbridge")
	v.SetDefault("transports.mqtt.client_id", "")
	v.SetDefault("transports.mqtt.qos", 0)
	v.SetDefault("transports.mqtt.commands", false)
	v.SetDefault("stt.enabled", true)
	v.SetDefault("stt.backend", "whisper")
	v.SetDefault("stt.language", "ja-JP")
	v.SetDefault("stt.partial_results", true)
	v.SetDefault("stt.prefer_offline", false)
	v.SetDefault("stt.whisper.flavor", "openai")
	v.SetDefault("stt.whisper.endpoint", "")
	v.SetDefault("stt.whisper.model", "whisper-1")
	v.SetDefault("stt.whisper.vad_filter", false)
	v.SetDefault("stt.whisper.sample_rate", 16000)
	v.SetDefault("stt.whisper.partial_interval", "1500ms")
	v.SetDefault("stt.whisper.speech_timeout", "5s")
	v.SetDefault("stt.whisper.max_duration", "30s")
	v.SetDefault("stt.whisper.request_timeout", "30s")
	v.SetDefault("tts.enabled", true)
	v.SetDefault("tts.backend", "piper")
	v.SetDefault("tts.language", "ja-JP")
	v.SetDefault("tts.voice_id", "")
	v.SetDefault("tts.cache_dir", "")
	v.SetDefault("tts.file_timeout", "15s")
	v.SetDefault("tts.piper.endpoint", "localhost:10200")
	v.SetDefault("tts.piper.player", "paced")
	v.SetDefault("tts.piper.dial_timeout", "10s")
	v.SetDefault("tts.piper.request_timeout", "30s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	if c.STT.Enabled && c.STT.Backend != "whisper" {
		return fmt.Errorf("stt.backend: unsupported backend %q", c.STT.Backend)
	}
	if c.STT.Enabled {
		switch c.STT.Whisper.Flavor {
		case "openai", "asr":
		default:
			return fmt.Errorf("stt.whisper.flavor: must be \"openai\" or \"asr\", got %q", c.STT.Whisper.Flavor)
		}
		if c.STT.Whisper.Flavor == "asr" && c.STT.Whisper.Endpoint == "" {
			return fmt.Errorf("stt.whisper.endpoint: required for flavor \"asr\"")
		}
	}
	if c.TTS.Enabled && c.TTS.Backend != "piper" {
		return fmt.Errorf("tts.backend: unsupported backend %q", c.TTS.Backend)
	}
	if c.TTS.FileTimeout <= 0 {
		return fmt.Errorf("tts.file_timeout: must be positive, got %s", c.TTS.FileTimeout)
	}
	if c.Transports.MQTT.QoS > 2 {
		return fmt.Errorf("transports.mqtt.qos: must be 0, 1 or 2")
	}
	return nil
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}
