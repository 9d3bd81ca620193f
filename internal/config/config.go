package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

const (
	envPrefix    = "QUEST_"
	envPath      = "QUEST_CONFIG"
	envOpenAIKey = "OPENAI_API_KEY"

	SessionBackendFile   = "file"
	SessionBackendSQLite = "sqlite"
)

// Config stores runtime configuration for every context.
type Config struct {
	API           APIConfig           `toml:"api" envPrefix:"API_"`
	Transcription TranscriptionConfig `toml:"transcription" envPrefix:"TRANSCRIPTION_"`
	Audio         AudioConfig         `toml:"audio" envPrefix:"AUDIO_"`
	Bus           BusConfig           `toml:"bus" envPrefix:"BUS_"`
	Session       SessionConfig       `toml:"session" envPrefix:"SESSION_"`
	Google        GoogleConfig        `toml:"google" envPrefix:"GOOGLE_"`
	Log           LogConfig           `toml:"log" envPrefix:"LOG_"`

	// Source is the config file that was read, if any.
	Source string `toml:"-"`
}

type APIConfig struct {
	BaseURL string   `toml:"base_url" env:"BASE_URL"`
	Timeout Duration `toml:"timeout" env:"TIMEOUT"`
}

type TranscriptionConfig struct {
	APIKey     string   `toml:"api_key" env:"API_KEY"`
	APIBaseURL string   `toml:"api_base_url" env:"API_BASE_URL"`
	Model      string   `toml:"model" env:"MODEL"`
	Language   string   `toml:"language" env:"LANGUAGE"`
	Timeout    Duration `toml:"timeout" env:"TIMEOUT"`
}

type AudioConfig struct {
	RecorderCommand string `toml:"recorder_command" env:"FFMPEG_COMMAND"`
	InputFormat     string `toml:"input_format" env:"INPUT_FORMAT"`
	InputDevice     string `toml:"input_device" env:"INPUT_DEVICE"`
	SampleRate      int    `toml:"sample_rate" env:"SAMPLE_RATE"`
	Channels        int    `toml:"channels" env:"CHANNELS"`
}

type BusConfig struct {
	// Listen is where the background hub accepts connections.
	Listen string `toml:"listen" env:"LISTEN"`
	// URL is how the other contexts reach the hub.
	URL               string   `toml:"url" env:"URL"`
	Timeout           Duration `toml:"timeout" env:"TIMEOUT"`
	CompletionTimeout Duration `toml:"completion_timeout" env:"COMPLETION_TIMEOUT"`
	TranscribeTimeout Duration `toml:"transcribe_timeout" env:"TRANSCRIBE_TIMEOUT"`
}

type SessionConfig struct {
	Backend string   `toml:"backend" env:"BACKEND"`
	Path    string   `toml:"path" env:"PATH"`
	TTL     Duration `toml:"ttl" env:"TTL"`
}

type GoogleConfig struct {
	ClientID        string   `toml:"client_id" env:"CLIENT_ID"`
	ClientSecret    string   `toml:"client_secret" env:"CLIENT_SECRET"`
	CallbackTimeout Duration `toml:"callback_timeout" env:"CALLBACK_TIMEOUT"`
}

type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
}

// Duration reads Go duration strings ("10s", "1m30s") from TOML and the
// environment.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Options overrides where Load looks. Zero values use the process
// environment and the user's home directory.
type Options struct {
	Path    string
	Environ map[string]string
	Home    string
}

// Load resolves configuration from defaults, the config file and the
// environment, in that order.
func Load() (Config, error) {
	return LoadWith(Options{})
}

func LoadWith(opts Options) (Config, error) {
	environ := opts.Environ
	if environ == nil {
		environ = env.ToMap(os.Environ())
	}
	home := opts.Home
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return Config{}, errors.New("could not determine home directory")
		}
	}
	configDir := filepath.Join(home, ".config", "quest")

	cfg := Defaults()

	path := firstNonEmpty(opts.Path, environ[envPath])
	explicit := path != ""
	if !explicit {
		path = filepath.Join(configDir, "config.toml")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		cfg.Source = path
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if strings.TrimSpace(cfg.Transcription.APIKey) == "" {
		cfg.Transcription.APIKey = environ[envOpenAIKey]
	}

	cfg.normalize(configDir)
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		API: APIConfig{
			BaseURL: "https://quest-api-edz1.onrender.com",
			Timeout: Duration(30 * time.Second),
		},
		Transcription: TranscriptionConfig{
			APIBaseURL: "https://api.openai.com/v1",
			Model:      "whisper-1",
			Timeout:    Duration(60 * time.Second),
		},
		Audio: AudioConfig{
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
		},
		Bus: BusConfig{
			Listen:            "127.0.0.1:7433",
			URL:               "ws://127.0.0.1:7433",
			Timeout:           Duration(10 * time.Second),
			CompletionTimeout: Duration(15 * time.Second),
			TranscribeTimeout: Duration(90 * time.Second),
		},
		Session: SessionConfig{
			Backend: SessionBackendFile,
			TTL:     Duration(24 * time.Hour),
		},
		Google: GoogleConfig{
			CallbackTimeout: Duration(3 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// normalize trims values and puts invalid ones back to their defaults.
func (c *Config) normalize(configDir string) {
	def := Defaults()

	c.API.BaseURL = strings.TrimRight(firstNonEmpty(c.API.BaseURL, def.API.BaseURL), "/")
	c.Transcription.APIKey = strings.TrimSpace(c.Transcription.APIKey)
	c.Transcription.APIBaseURL = strings.TrimRight(firstNonEmpty(c.Transcription.APIBaseURL, def.Transcription.APIBaseURL), "/")
	c.Transcription.Model = firstNonEmpty(c.Transcription.Model, def.Transcription.Model)
	c.Transcription.Language = strings.TrimSpace(c.Transcription.Language)

	c.Audio.RecorderCommand = firstNonEmpty(c.Audio.RecorderCommand, def.Audio.RecorderCommand)
	c.Audio.InputFormat = firstNonEmpty(c.Audio.InputFormat, def.Audio.InputFormat)
	c.Audio.InputDevice = firstNonEmpty(c.Audio.InputDevice, def.Audio.InputDevice)
	if c.Audio.SampleRate <= 0 {
		c.Audio.SampleRate = def.Audio.SampleRate
	}
	if c.Audio.Channels <= 0 {
		c.Audio.Channels = def.Audio.Channels
	}

	c.Bus.Listen = firstNonEmpty(c.Bus.Listen, def.Bus.Listen)
	c.Bus.URL = firstNonEmpty(c.Bus.URL, def.Bus.URL)

	positive(&c.API.Timeout, def.API.Timeout)
	positive(&c.Transcription.Timeout, def.Transcription.Timeout)
	positive(&c.Bus.Timeout, def.Bus.Timeout)
	positive(&c.Bus.CompletionTimeout, def.Bus.CompletionTimeout)
	positive(&c.Bus.TranscribeTimeout, def.Bus.TranscribeTimeout)
	positive(&c.Session.TTL, def.Session.TTL)
	positive(&c.Google.CallbackTimeout, def.Google.CallbackTimeout)

	switch backend := strings.ToLower(strings.TrimSpace(c.Session.Backend)); backend {
	case SessionBackendFile, SessionBackendSQLite:
		c.Session.Backend = backend
	default:
		c.Session.Backend = def.Session.Backend
	}
	if strings.TrimSpace(c.Session.Path) == "" {
		name := "session.json"
		if c.Session.Backend == SessionBackendSQLite {
			name = "session.db"
		}
		c.Session.Path = filepath.Join(configDir, name)
	}

	c.Google.ClientID = strings.TrimSpace(c.Google.ClientID)
	c.Log.Level = strings.ToLower(firstNonEmpty(c.Log.Level, def.Log.Level))
	switch format := strings.ToLower(strings.TrimSpace(c.Log.Format)); format {
	case "text", "json":
		c.Log.Format = format
	default:
		c.Log.Format = def.Log.Format
	}
}

func positive(d *Duration, fallback Duration) {
	if *d <= 0 {
		*d = fallback
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
