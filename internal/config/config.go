package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

type NotificationsConfig struct {
	Enabled bool   `json:"enabled"`
	Webhook string `json:"webhook"`
	NtfyURL string `json:"ntfy"`
}

type TLSConfig struct {
	Mode     string `json:"mode"`     // "self-signed", "manual", or "" (disabled)
	CertFile string `json:"certFile"` // required for manual
	KeyFile  string `json:"keyFile"`  // required for manual
	CacheDir string `json:"cacheDir"` // for self-signed; defaults to ~/.agent-relay/certs
}

type AuthConfig struct {
	Username     string `json:"username"`
	PasswordHash string `json:"passwordHash"` // bcrypt, see `agent-relay hash-password`
	JWTSecret    string `json:"jwtSecret"`
	TokenTTL     string `json:"tokenTTL"`
}

// Enabled reports whether the API requires a login.
func (a AuthConfig) Enabled() bool {
	return a.Username != ""
}

type ServerConfig struct {
	Port       int        `json:"port"`
	Host       string     `json:"host"`
	StaticPath string     `json:"staticPath"`
	TLS        TLSConfig  `json:"tls"`
	Auth       AuthConfig `json:"auth"`
}

// StorageConfig selects the storage provider. Type is "file", "sqlite",
// "memory" or "" (no persistence).
type StorageConfig struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

type WorkspaceConfig struct {
	WorkingDirectory string `json:"workingDirectory"`
	IsolateSessions  bool   `json:"isolateSessions"`
}

type ShareConfig struct {
	Provider string `json:"provider"`
	Timeout  string `json:"timeout"`
}

// SlugConfig selects the generator used to name published shares.
type SlugConfig struct {
	Provider string `json:"provider"` // "anthropic", "openai", "heuristic" or ""
	Model    string `json:"model"`
	APIKey   string `json:"apiKey"`
	BaseURL  string `json:"baseURL"`
}

type ReaperConfig struct {
	Schedule string `json:"schedule"`
	MaxIdle  string `json:"maxIdle"`
}

type SessionsConfig struct {
	CleanupTimeout string `json:"cleanupTimeout"`
	Concurrency    int    `json:"concurrency"`
	ObserverBuffer int    `json:"observerBuffer"`
}

type Config struct {
	Server        ServerConfig        `json:"server"`
	Storage       StorageConfig       `json:"storage"`
	Workspace     WorkspaceConfig     `json:"workspace"`
	Sessions      SessionsConfig      `json:"sessions"`
	Share         ShareConfig         `json:"share"`
	Slug          SlugConfig          `json:"slug"`
	Reaper        ReaperConfig        `json:"reaper"`
	Notifications NotificationsConfig `json:"notifications"`
	LogDir        string              `json:"logDir"`
	LogLevel      string              `json:"logLevel"`
	LogFormat     string              `json:"logFormat"`
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8888,
			Host: "127.0.0.1",
			TLS:  TLSConfig{CacheDir: filepath.Join(DataDir(), "certs")},
			Auth: AuthConfig{TokenTTL: "24h"},
		},
		Storage: StorageConfig{
			Type: "sqlite",
			Path: DBPath(),
		},
		Workspace: WorkspaceConfig{
			WorkingDirectory: filepath.Join(DataDir(), "workspace"),
		},
		Sessions: SessionsConfig{
			CleanupTimeout: "10s",
			Concurrency:    8,
			ObserverBuffer: 256,
		},
		Share:     ShareConfig{Timeout: "60s"},
		Reaper:    ReaperConfig{Schedule: "@every 10m", MaxIdle: "2h"},
		LogDir:    filepath.Join(DataDir(), "logs"),
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// DataDir is the root of everything agent-relay keeps on disk.
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agent-relay")
}

func DefaultPath() string {
	return filepath.Join(DataDir(), "config.json")
}

func DBPath() string {
	return filepath.Join(DataDir(), "agent-relay.db")
}

// Load reads the config at path over the defaults. A missing file yields the
// defaults. Environment overrides are applied last.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg.applyEnv()
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("AGENT_RELAY_SHARE_PROVIDER"); v != "" {
		c.Share.Provider = v
	}
	if v := os.Getenv("AGENT_RELAY_JWT_SECRET"); v != "" {
		c.Server.Auth.JWTSecret = v
	}
	if c.Slug.APIKey == "" {
		switch c.Slug.Provider {
		case "anthropic":
			c.Slug.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "openai":
			c.Slug.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
}

// Save writes cfg to path atomically.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// EnsureJWTSecret generates and persists a signing secret when auth is
// enabled and none is configured.
func EnsureJWTSecret(path string, cfg *Config) error {
	if !cfg.Server.Auth.Enabled() || cfg.Server.Auth.JWTSecret != "" {
		return nil
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return err
	}
	cfg.Server.Auth.JWTSecret = hex.EncodeToString(b)
	return Save(path, *cfg)
}

// Duration parses s, falling back to def when s is empty or invalid.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
