package config

import (
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func noFile(string) ([]byte, error) {
	return nil, fs.ErrNotExist
}

func TestLoadFrom_DefaultsWithRequiredEnv(t *testing.T) {
	cfg, err := LoadFrom(envMap(map[string]string{
		"PARAM_PREFIX":      "/studio/prod",
		"AUTH_SECRET_PARAM": "/studio/prod/id-token-secret",
	}), noFile)
	require.NoError(t, err)

	require.Equal(t, "/studio/prod", cfg.ParamPrefix)
	require.Equal(t, "ar", cfg.DefaultLanguage)
	require.Equal(t, ":8080", cfg.Server.ListenAddr)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, 5*time.Second, cfg.Poll.InitialInterval)
	require.Equal(t, 60, cfg.Poll.MaxAttempts)
	require.Equal(t, 10*time.Minute, cfg.Poll.Timeout)
	require.Empty(t, cfg.History.Table)
	require.Empty(t, cfg.Blob.RedisAddr)
	require.Equal(t, 1<<30, cfg.Blob.MaxBytes)
}

func TestLoadFrom_FileThenEnv(t *testing.T) {
	file := []byte(`
param_prefix: /studio/file
default_language: en
log:
  level: debug
  format: console
poll:
  initial_interval: 2s
  max_attempts: 12
history:
  table: media-file
blob:
  redis_addr: redis:6379
  ttl: 1h
auth:
  public_key_pem: "-----BEGIN PUBLIC KEY-----"
  issuer: https://id.example.com
`)
	var readPath string
	cfg, err := LoadFrom(envMap(map[string]string{
		"CONFIG_FILE":             " /etc/studio.yaml ",
		"MEDIA_TABLE":             "media-env",
		"VIDEO_POLL_MAX_ATTEMPTS": "30",
		"LOG_LEVEL":               "   ",
	}), func(p string) ([]byte, error) {
		readPath = p
		return file, nil
	})
	require.NoError(t, err)

	require.Equal(t, "/etc/studio.yaml", readPath)
	require.Equal(t, "/studio/file", cfg.ParamPrefix)
	require.Equal(t, "en", cfg.DefaultLanguage)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "console", cfg.Log.Format)
	require.Equal(t, 2*time.Second, cfg.Poll.InitialInterval)
	require.Equal(t, 30, cfg.Poll.MaxAttempts)
	require.Equal(t, 30*time.Second, cfg.Poll.MaxInterval)
	require.Equal(t, "media-env", cfg.History.Table)
	require.Equal(t, "redis:6379", cfg.Blob.RedisAddr)
	require.Equal(t, time.Hour, cfg.Blob.TTL)
	require.Equal(t, "https://id.example.com", cfg.Auth.Issuer)
}

func TestLoadFrom_InvalidNumbers(t *testing.T) {
	_, err := LoadFrom(envMap(map[string]string{
		"PARAM_PREFIX":      "/p",
		"AUTH_SECRET_PARAM": "/p/s",
		"HISTORY_LIMIT":     "many",
	}), noFile)
	require.ErrorContains(t, err, "HISTORY_LIMIT")

	_, err = LoadFrom(envMap(map[string]string{
		"PARAM_PREFIX":       "/p",
		"AUTH_SECRET_PARAM":  "/p/s",
		"VIDEO_POLL_TIMEOUT": "ten minutes",
	}), noFile)
	require.ErrorContains(t, err, "VIDEO_POLL_TIMEOUT")
}

func TestLoadFrom_FileErrors(t *testing.T) {
	_, err := LoadFrom(envMap(map[string]string{"CONFIG_FILE": "/missing.yaml"}), noFile)
	require.ErrorIs(t, err, fs.ErrNotExist)

	_, err = LoadFrom(envMap(map[string]string{"CONFIG_FILE": "/bad.yaml"}), func(string) ([]byte, error) {
		return []byte("poll: [unclosed"), nil
	})
	require.ErrorContains(t, err, "parse /bad.yaml")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Default()
		c.ParamPrefix = "/p"
		c.Auth.SecretParam = "/p/s"
		return c
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"PARAM_PREFIX":      func(c *Config) { c.ParamPrefix = " " },
		"default language":  func(c *Config) { c.DefaultLanguage = "fr" },
		"log format":        func(c *Config) { c.Log.Format = "xml" },
		"max prompt length": func(c *Config) { c.Limits.MaxPromptLength = 0 },
		"history limit":     func(c *Config) { c.Limits.HistoryLimit = -1 },
		"video poll bounds": func(c *Config) { c.Poll.MaxAttempts = 0 },
		"exactly one of":    func(c *Config) { c.Auth.PublicKeyPEM = "pem" },
	}
	for want, mutate := range cases {
		t.Run(want, func(t *testing.T) {
			c := valid()
			mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), want)
		})
	}

	c := valid()
	c.Auth.SecretParam = ""
	require.ErrorContains(t, c.Validate(), "exactly one of")
}

func TestLoad_UsesProcessEnvironment(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("PARAM_PREFIX", "/from/env")
	t.Setenv("AUTH_SECRET_PARAM", "/from/env/secret")
	t.Setenv("BLOB_CAPACITY", "9")
	t.Setenv("BLOB_MAX_BYTES", "1048576")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/from/env", cfg.ParamPrefix)
	require.Equal(t, 9, cfg.Blob.Capacity)
	require.Equal(t, 1<<20, cfg.Blob.MaxBytes)
}

func TestLoadFrom_ReadErrorIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	_, err := LoadFrom(envMap(map[string]string{"CONFIG_FILE": "/x"}), func(string) ([]byte, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
}
