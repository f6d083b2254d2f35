// Package config holds the process configuration: a JSON5 file with env
// overrides for secrets, plus a watcher for live reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Config is the root configuration for the relay fleet.
type Config struct {
	Name    string       `json:"name"`    // database file stem: {name}.db
	Basedir string       `json:"basedir"` // state directory
	Proxy   string       `json:"proxy"`   // outbound HTTP proxy for all bots
	Tele    TeleConfig   `json:"tele"`
	Father  FatherConfig `json:"father"`
	Redis   RedisConfig  `json:"redis"`
}

// TeleConfig carries the platform application credentials shared by every
// relay.
type TeleConfig struct {
	APIID   int    `json:"api_id"`
	APIHash string `json:"api_hash"`
}

// FatherConfig configures the operator relay.
type FatherConfig struct {
	Token           string `json:"token"`
	InviteAwardDays int    `json:"invite_award_days"`
}

// RedisConfig selects the cache backing. An empty Addr falls back to the
// in-process backing.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Name:    "velvet",
		Basedir: "~/.velvet",
		Father: FatherConfig{
			InviteAwardDays: 180,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Father.InviteAwardDays <= 0 {
		cfg.Father.InviteAwardDays = 180
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("VELVET_FATHER_TOKEN", &c.Father.Token)
	envStr("VELVET_BASEDIR", &c.Basedir)
	envStr("VELVET_PROXY", &c.Proxy)
	envStr("VELVET_REDIS_ADDR", &c.Redis.Addr)
	envStr("VELVET_REDIS_PASSWORD", &c.Redis.Password)
	envStr("VELVET_TELE_API_HASH", &c.Tele.APIHash)
	if v := os.Getenv("VELVET_TELE_API_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.Tele.APIID = id
		}
	}
	if v := os.Getenv("VELVET_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}
}

// Validate rejects configs the process cannot run with.
func (c *Config) Validate() error {
	if c.Father.Token == "" {
		return fmt.Errorf("father.token is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	return nil
}

// DatabasePath returns the SQLite file path under the basedir.
func (c *Config) DatabasePath() string {
	return filepath.Join(ExpandHome(c.Basedir), c.Name+".db")
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
