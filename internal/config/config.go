package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/enesunal-m/rtrelay"
)

// Config is the application configuration shared by the binaries.
type Config struct {
	Azure   AzureConfig   `yaml:"azure"`
	Server  ServerConfig  `yaml:"server"`
	Audio   AudioConfig   `yaml:"audio"`
	Session SessionConfig `yaml:"session"`
	Search  SearchConfig  `yaml:"search"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

// AzureConfig holds the realtime resource credentials.
type AzureConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Deployment string `yaml:"deployment"`
	APIVersion string `yaml:"api_version"`
	Region     string `yaml:"region"` // WebRTC only
	Voice      string `yaml:"voice"`
}

// ServerConfig contains the HTTP and websocket server settings.
type ServerConfig struct {
	Address         string   `yaml:"address"`
	StaticDir       string   `yaml:"static_dir"`
	OutputDir       string   `yaml:"output_dir"` // empty disables persisted outputs
	Demo            bool     `yaml:"demo"`
	DemoAudio       string   `yaml:"demo_audio"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	EnableToken     bool     `yaml:"enable_token"`
	ShutdownTimeout int      `yaml:"shutdown_timeout"` // seconds
}

// AudioConfig contains the framing parameters of uplink audio.
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate"`
	ChunkMS    int `yaml:"chunk_ms"`
}

// SessionConfig holds the server VAD and transcription settings.
type SessionConfig struct {
	VADThreshold       float64 `yaml:"vad_threshold"`
	PrefixPaddingMS    int     `yaml:"prefix_padding_ms"`
	SilenceDurationMS  int     `yaml:"silence_duration_ms"`
	TranscriptionModel string  `yaml:"transcription_model"`
	Instructions       string  `yaml:"instructions"`
}

// SearchConfig configures the web search helper.
type SearchConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Key          string `yaml:"key"`
	Market       string `yaml:"market"`
	CustomConfig string `yaml:"custom_config"`
	TopN         int    `yaml:"top_n"`
	FetchTimeout int    `yaml:"fetch_timeout"` // seconds
}

// AuthConfig enables OIDC verification of callers when Issuer is set.
type AuthConfig struct {
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
	TokenType string `yaml:"token_type"` // "id" or "access"
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MissingError lists every required variable that is absent.
type MissingError struct {
	Names []string
}

func (e *MissingError) Error() string {
	return "missing required configuration: " + strings.Join(e.Names, ", ")
}

// Default returns the configuration used before any file or environment is
// applied.
func Default() *Config {
	return &Config{
		Azure: AzureConfig{APIVersion: rtrelay.DefaultAPIVersion, Voice: "alloy"},
		Server: ServerConfig{
			Address:         ":8000",
			StaticDir:       "static",
			DemoAudio:       "test.wav",
			ShutdownTimeout: 10,
		},
		Audio: AudioConfig{SampleRate: rtrelay.DefaultSampleRate, ChunkMS: 100},
		Session: SessionConfig{
			VADThreshold:       0.5,
			PrefixPaddingMS:    300,
			SilenceDurationMS:  200,
			TranscriptionModel: "whisper-1",
		},
		Search: SearchConfig{
			Endpoint:     "https://api.bing.microsoft.com/v7.0/custom/search",
			Market:       "zh-CN",
			CustomConfig: "0",
			TopN:         3,
			FetchTimeout: 10,
		},
		Auth:    AuthConfig{TokenType: "access"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, a .env file in the working directory and finally the process
// environment. Later sources win.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Overload(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	integer := func(dst *int, key string) error {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}

	str(&c.Azure.Endpoint, "AZURE_OPENAI_ENDPOINT")
	str(&c.Azure.APIKey, "AZURE_OPENAI_API_KEY")
	str(&c.Azure.Deployment, "AZURE_OPENAI_DEPLOYMENT", "AZURE_OPENAI_REALTIME_DEPLOYMENT")
	str(&c.Azure.APIVersion, "AZURE_OPENAI_API_VERSION")
	str(&c.Azure.Region, "AZURE_OPENAI_REGION")
	str(&c.Azure.Voice, "AZURE_OPENAI_VOICE")

	str(&c.Server.Address, "RTRELAY_ADDR")
	str(&c.Server.StaticDir, "RTRELAY_STATIC_DIR")
	str(&c.Server.OutputDir, "RTRELAY_OUTPUT_DIR")
	str(&c.Server.DemoAudio, "RTRELAY_DEMO_AUDIO")
	if v := os.Getenv("RTRELAY_DEMO"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RTRELAY_DEMO: %w", err)
		}
		c.Server.Demo = b
	}
	if v := os.Getenv("RTRELAY_ENABLE_TOKEN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RTRELAY_ENABLE_TOKEN: %w", err)
		}
		c.Server.EnableToken = b
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitCSV(v)
	}
	if err := integer(&c.Server.ShutdownTimeout, "RTRELAY_SHUTDOWN_TIMEOUT"); err != nil {
		return err
	}

	str(&c.Search.Endpoint, "BING_SEARCH_ENDPOINT")
	str(&c.Search.Key, "BING_SEARCH_KEY")
	str(&c.Search.Market, "BING_SEARCH_MARKET")

	str(&c.Auth.Issuer, "OIDC_ISSUER")
	str(&c.Auth.Audience, "OIDC_AUDIENCE")
	str(&c.Auth.TokenType, "OIDC_TOKEN_TYPE")

	str(&c.Logging.Level, "RTRELAY_LOG_LEVEL")
	str(&c.Logging.Format, "RTRELAY_LOG_FORMAT")
	return nil
}

// Validate checks values that are wrong regardless of which binary runs.
// Credentials are checked separately by RequireAzure and RequireSearch.
func (c *Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio sample_rate must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.ChunkMS <= 0 {
		return fmt.Errorf("audio chunk_ms must be positive, got %d", c.Audio.ChunkMS)
	}
	if c.Session.VADThreshold < 0 || c.Session.VADThreshold > 1 {
		return fmt.Errorf("session vad_threshold must be between 0 and 1, got %f", c.Session.VADThreshold)
	}
	if c.Search.TopN < 1 {
		return fmt.Errorf("search top_n must be at least 1, got %d", c.Search.TopN)
	}
	if c.Auth.Issuer != "" {
		if c.Auth.Audience == "" {
			return fmt.Errorf("auth audience is required when issuer is set")
		}
		if c.Auth.TokenType != "id" && c.Auth.TokenType != "access" {
			return fmt.Errorf("auth token_type must be 'id' or 'access', got '%s'", c.Auth.TokenType)
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging format must be 'json' or 'text', got '%s'", c.Logging.Format)
	}
	return nil
}

// RequireAzure reports the absent realtime credentials.
func (c *Config) RequireAzure() error {
	var missing []string
	if c.Azure.Endpoint == "" {
		missing = append(missing, "AZURE_OPENAI_ENDPOINT")
	}
	if c.Azure.APIKey == "" {
		missing = append(missing, "AZURE_OPENAI_API_KEY")
	}
	if c.Azure.Deployment == "" {
		missing = append(missing, "AZURE_OPENAI_DEPLOYMENT")
	}
	if len(missing) > 0 {
		return &MissingError{Names: missing}
	}
	return nil
}

// RequireSearch reports an absent search key.
func (c *Config) RequireSearch() error {
	if c.Search.Key == "" {
		return &MissingError{Names: []string{"BING_SEARCH_KEY"}}
	}
	return nil
}

// Realtime returns the connection settings for rtrelay.Open.
func (c *Config) Realtime(logger *rtrelay.Logger) rtrelay.Config {
	retry := rtrelay.DefaultRetryConfig()
	return rtrelay.Config{
		ResourceEndpoint: c.Azure.Endpoint,
		Deployment:       c.Azure.Deployment,
		APIVersion:       c.Azure.APIVersion,
		Credential:       rtrelay.APIKey(c.Azure.APIKey),
		DialTimeout:      15 * time.Second,
		Logger:           logger,
		Retry:            &retry,
	}
}

// RealtimeSession returns the session.update payload: server VAD and input
// transcription as configured.
func (c *Config) RealtimeSession() rtrelay.SessionConfig {
	sc := rtrelay.SessionConfig{
		TurnDetection: &rtrelay.TurnDetection{
			Type:              "server_vad",
			Threshold:         c.Session.VADThreshold,
			PrefixPaddingMS:   c.Session.PrefixPaddingMS,
			SilenceDurationMS: c.Session.SilenceDurationMS,
		},
	}
	if c.Session.TranscriptionModel != "" {
		sc.InputTranscription = &rtrelay.InputTranscription{Model: c.Session.TranscriptionModel}
	}
	if c.Session.Instructions != "" {
		sc.Instructions = rtrelay.Ptr(c.Session.Instructions)
	}
	if c.Azure.Voice != "" {
		sc.Voice = rtrelay.Ptr(c.Azure.Voice)
	}
	return sc
}

// Logger builds the rtrelay logger described by the logging section.
func (c *Config) Logger() *rtrelay.Logger {
	return rtrelay.NewLoggerWithHandler(
		rtrelay.ParseLogLevel(c.Logging.Level),
		rtrelay.NewHandler(c.Logging.Format, os.Stderr),
	)
}

// ChunkDuration is the uplink frame length.
func (a AudioConfig) ChunkDuration() time.Duration {
	return time.Duration(a.ChunkMS) * time.Millisecond
}

// FetchTimeoutDuration is the per-page timeout of the search helper.
func (s SearchConfig) FetchTimeoutDuration() time.Duration {
	return time.Duration(s.FetchTimeout) * time.Second
}

// ShutdownTimeoutDuration bounds graceful shutdown.
func (s ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
