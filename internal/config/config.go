// Package config loads server configuration from an optional YAML file with
// environment variable overrides. Environment always wins, so deployments
// can run with no file at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Redis   RedisConfig   `yaml:"redis"`
	Auth    AuthConfig    `yaml:"auth"`
	Gateway GatewayConfig `yaml:"gateway"`
	Actors  ActorsConfig  `yaml:"actors"`
	Bots    BotsConfig    `yaml:"bots"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type StoreConfig struct {
	// Driver is one of "postgres", "sqlite", "memory".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type AuthConfig struct {
	Secret        string `yaml:"secret"`
	TokenTTLHours int    `yaml:"token_ttl_hours"`
	AdminKeyHash  string `yaml:"admin_key_hash"`
}

type GatewayConfig struct {
	// RateLimit is commands per window per session; 0 disables limiting.
	RateLimit  int `yaml:"rate_limit"`
	RateWindow int `yaml:"rate_window_seconds"`
	SendBuffer int `yaml:"send_buffer"`
}

type ActorsConfig struct {
	MailboxCap     int `yaml:"mailbox_cap"`
	IdleTTLMinutes int `yaml:"idle_ttl_minutes"`
}

type BotsConfig struct {
	Enabled bool `yaml:"enabled"`
	// AutoplayDelayMs paces autoplay moves so humans can follow along.
	AutoplayDelayMs int `yaml:"autoplay_delay_ms"`
}

// Load reads the YAML file at path (skipped when path is empty or missing),
// applies environment overrides, and fills defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.Env, "APP_ENV")
	setString(&cfg.Store.Driver, "STORE_DRIVER")
	setString(&cfg.Store.DSN, "STORE_DSN")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setString(&cfg.Redis.Channel, "REDIS_CHANNEL")
	setString(&cfg.Auth.Secret, "AUTH_SECRET")
	setInt(&cfg.Auth.TokenTTLHours, "AUTH_TOKEN_TTL_HOURS")
	setString(&cfg.Auth.AdminKeyHash, "ADMIN_KEY_HASH")
	setInt(&cfg.Gateway.RateLimit, "GATEWAY_RATE_LIMIT")
	setInt(&cfg.Gateway.RateWindow, "GATEWAY_RATE_WINDOW_SECONDS")
	setInt(&cfg.Actors.MailboxCap, "ACTOR_MAILBOX_CAP")
	setInt(&cfg.Actors.IdleTTLMinutes, "ACTOR_IDLE_TTL_MINUTES")
	setBool(&cfg.Bots.Enabled, "BOTS_ENABLED")
	setInt(&cfg.Bots.AutoplayDelayMs, "BOTS_AUTOPLAY_DELAY_MS")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.Env == "" {
		cfg.Server.Env = "development"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.DSN == "" && cfg.Store.Driver == "sqlite" {
		cfg.Store.DSN = "white_elephant.db"
	}
	if cfg.Auth.TokenTTLHours <= 0 {
		cfg.Auth.TokenTTLHours = 24
	}
	if cfg.Gateway.RateLimit == 0 {
		cfg.Gateway.RateLimit = 20
	}
	if cfg.Gateway.RateWindow <= 0 {
		cfg.Gateway.RateWindow = 10
	}
	if cfg.Gateway.SendBuffer <= 0 {
		cfg.Gateway.SendBuffer = 64
	}
	if cfg.Actors.MailboxCap <= 0 {
		cfg.Actors.MailboxCap = 64
	}
	if cfg.Actors.IdleTTLMinutes <= 0 {
		cfg.Actors.IdleTTLMinutes = 10
	}
	if cfg.Bots.AutoplayDelayMs <= 0 {
		cfg.Bots.AutoplayDelayMs = 800
	}
}

// TokenTTL returns the session token lifetime as a duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLHours) * time.Hour
}

// ActorIdleTTL returns the actor quiescence window as a duration.
func (c *Config) ActorIdleTTL() time.Duration {
	return time.Duration(c.Actors.IdleTTLMinutes) * time.Minute
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
