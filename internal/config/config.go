// Package config loads service settings. Precedence: defaults, then the
// optional YAML file named by CONFIG_FILE, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ParamPrefix     string `yaml:"param_prefix"`
	DefaultLanguage string `yaml:"default_language"`

	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Gemini  GeminiConfig  `yaml:"gemini"`
	Poll    PollConfig    `yaml:"poll"`
	Limits  LimitsConfig  `yaml:"limits"`
	History HistoryConfig `yaml:"history"`
	Blob    BlobConfig    `yaml:"blob"`
	Auth    AuthConfig    `yaml:"auth"`
}

type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type GeminiConfig struct {
	BaseURL    string        `yaml:"base_url"`
	ImageModel string        `yaml:"image_model"`
	VideoModel string        `yaml:"video_model"`
	Timeout    time.Duration `yaml:"timeout"`
}

// PollConfig bounds the video operation poll loop.
type PollConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	Timeout         time.Duration `yaml:"timeout"`
}

type LimitsConfig struct {
	MaxPromptLength   int `yaml:"max_prompt_length"`
	MaxReferenceBytes int `yaml:"max_reference_bytes"`
	HistoryLimit      int `yaml:"history_limit"`
}

// HistoryConfig selects the history backend. An empty Table keeps history in
// memory.
type HistoryConfig struct {
	Table      string        `yaml:"table"`
	TTL        time.Duration `yaml:"ttl"`
	MaxPerUser int           `yaml:"max_per_user"`
}

// BlobConfig selects the artifact store. An empty RedisAddr keeps bytes in
// memory.
type BlobConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
	Capacity      int           `yaml:"capacity"`
	MaxBytes      int           `yaml:"max_bytes"`
}

// AuthConfig configures ID token verification. Exactly one of PublicKeyPEM
// and SecretParam must be set.
type AuthConfig struct {
	Issuer       string `yaml:"issuer"`
	Audience     string `yaml:"audience"`
	PublicKeyPEM string `yaml:"public_key_pem"`
	SecretParam  string `yaml:"secret_param"`
}

func Default() Config {
	return Config{
		DefaultLanguage: "ar",
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    15 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Gemini: GeminiConfig{
			ImageModel: "gemini-3-pro-image-preview",
			VideoModel: "veo-3.1-fast-generate-preview",
			Timeout:    2 * time.Minute,
		},
		Poll: PollConfig{
			InitialInterval: 5 * time.Second,
			MaxInterval:     30 * time.Second,
			MaxAttempts:     60,
			Timeout:         10 * time.Minute,
		},
		Limits: LimitsConfig{
			MaxPromptLength:   2000,
			MaxReferenceBytes: 8 << 20,
			HistoryLimit:      50,
		},
		History: HistoryConfig{
			TTL:        30 * 24 * time.Hour,
			MaxPerUser: 200,
		},
		Blob: BlobConfig{
			TTL:      24 * time.Hour,
			Capacity: 256,
			MaxBytes: 1 << 30,
		},
	}
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv, os.ReadFile)
}

// LoadFrom is Load with injectable environment and file access.
func LoadFrom(lookup func(string) (string, bool), readFile func(string) ([]byte, error)) (Config, error) {
	cfg := Default()

	if path, ok := lookup("CONFIG_FILE"); ok && strings.TrimSpace(path) != "" {
		raw, err := readFile(strings.TrimSpace(path))
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	o := overrider{lookup: lookup}
	o.str("PARAM_PREFIX", &cfg.ParamPrefix)
	o.str("DEFAULT_LANGUAGE", &cfg.DefaultLanguage)

	o.str("LISTEN_ADDR", &cfg.Server.ListenAddr)
	o.duration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	o.duration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	o.duration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	o.str("LOG_LEVEL", &cfg.Log.Level)
	o.str("LOG_FORMAT", &cfg.Log.Format)

	o.str("GEMINI_BASE_URL", &cfg.Gemini.BaseURL)
	o.str("GEMINI_IMAGE_MODEL", &cfg.Gemini.ImageModel)
	o.str("GEMINI_VIDEO_MODEL", &cfg.Gemini.VideoModel)
	o.duration("GEMINI_TIMEOUT", &cfg.Gemini.Timeout)

	o.duration("VIDEO_POLL_INTERVAL", &cfg.Poll.InitialInterval)
	o.duration("VIDEO_POLL_MAX_INTERVAL", &cfg.Poll.MaxInterval)
	o.integer("VIDEO_POLL_MAX_ATTEMPTS", &cfg.Poll.MaxAttempts)
	o.duration("VIDEO_POLL_TIMEOUT", &cfg.Poll.Timeout)

	o.integer("MAX_PROMPT_LENGTH", &cfg.Limits.MaxPromptLength)
	o.integer("MAX_REFERENCE_BYTES", &cfg.Limits.MaxReferenceBytes)
	o.integer("HISTORY_LIMIT", &cfg.Limits.HistoryLimit)

	o.str("MEDIA_TABLE", &cfg.History.Table)
	o.duration("MEDIA_TTL", &cfg.History.TTL)
	o.integer("HISTORY_MAX_PER_USER", &cfg.History.MaxPerUser)

	o.str("REDIS_ADDR", &cfg.Blob.RedisAddr)
	o.str("REDIS_PASSWORD", &cfg.Blob.RedisPassword)
	o.integer("REDIS_DB", &cfg.Blob.RedisDB)
	o.duration("BLOB_TTL", &cfg.Blob.TTL)
	o.integer("BLOB_CAPACITY", &cfg.Blob.Capacity)
	o.integer("BLOB_MAX_BYTES", &cfg.Blob.MaxBytes)

	o.str("AUTH_ISSUER", &cfg.Auth.Issuer)
	o.str("AUTH_AUDIENCE", &cfg.Auth.Audience)
	o.str("AUTH_PUBLIC_KEY", &cfg.Auth.PublicKeyPEM)
	o.str("AUTH_SECRET_PARAM", &cfg.Auth.SecretParam)

	if o.err != nil {
		return Config{}, o.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ParamPrefix) == "" {
		errs = append(errs, errors.New("PARAM_PREFIX is required"))
	}
	if c.DefaultLanguage != "en" && c.DefaultLanguage != "ar" {
		errs = append(errs, fmt.Errorf("default language %q is not supported", c.DefaultLanguage))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log format %q is not supported", c.Log.Format))
	}
	if c.Limits.MaxPromptLength <= 0 {
		errs = append(errs, errors.New("max prompt length must be positive"))
	}
	if c.Limits.MaxReferenceBytes <= 0 {
		errs = append(errs, errors.New("max reference bytes must be positive"))
	}
	if c.Limits.HistoryLimit <= 0 {
		errs = append(errs, errors.New("history limit must be positive"))
	}
	if c.Poll.MaxAttempts <= 0 || c.Poll.InitialInterval <= 0 || c.Poll.Timeout <= 0 {
		errs = append(errs, errors.New("video poll bounds must be positive"))
	}
	if (c.Auth.PublicKeyPEM == "") == (c.Auth.SecretParam == "") {
		errs = append(errs, errors.New("exactly one of AUTH_PUBLIC_KEY and AUTH_SECRET_PARAM is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

type overrider struct {
	lookup func(string) (string, bool)
	err    error
}

func (o *overrider) value(key string) (string, bool) {
	v, ok := o.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (o *overrider) str(key string, dst *string) {
	if v, ok := o.value(key); ok {
		*dst = v
	}
}

func (o *overrider) integer(key string, dst *int) {
	v, ok := o.value(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		o.fail(key, v, err)
		return
	}
	*dst = n
}

func (o *overrider) duration(key string, dst *time.Duration) {
	v, ok := o.value(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		o.fail(key, v, err)
		return
	}
	*dst = d
}

func (o *overrider) fail(key, value string, err error) {
	if o.err == nil {
		o.err = fmt.Errorf("config: invalid %s=%q: %w", key, value, err)
	}
}
