// Package config holds runtime configuration for the recallmesh server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all recallmesh configuration.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	LLM          LLMConfig
	Backend      BackendConfig
	Coordination CoordinationConfig
	Events       EventsConfig
}

type ServerConfig struct {
	Bind string
	Port int

	// DefaultUser is the identity assumed for stdio clients, which have
	// no transport-level user handle.
	DefaultUser string

	// AllowedTools restricts which tools a client may see and call.
	// Empty means no restriction.
	AllowedTools []string
}

type DatabaseConfig struct {
	Path string
}

type LLMConfig struct {
	Provider     string // "anthropic", "ollama", "mock"
	Model        string
	AnthropicKey string
	OllamaURL    string
	Timeout      time.Duration // per completion call
}

type BackendConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration // per search/store call
}

type CoordinationConfig struct {
	SweepInterval  time.Duration // expired-lock, stale-agent and idle-session sweeps
	StaleThreshold time.Duration // no heartbeat for this long marks an agent disconnected
	SessionMaxIdle time.Duration // a session silent this long is closed by the sweeper
	MaxLockTime    time.Duration // cap on requested lock duration
}

type EventsConfig struct {
	KeepaliveInterval time.Duration
	MaxKeepalives     int // channel lifetime cap, forces periodic reconnection
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:        "127.0.0.1",
			Port:        8080,
			DefaultUser: "local",
		},
		Database: DatabaseConfig{
			Path: "recallmesh.db",
		},
		LLM: LLMConfig{
			Provider: "anthropic",
			Timeout:  30 * time.Second,
		},
		Backend: BackendConfig{
			Timeout: 10 * time.Second,
		},
		Coordination: CoordinationConfig{
			SweepInterval:  1 * time.Minute,
			StaleThreshold: 5 * time.Minute,
			SessionMaxIdle: 2 * time.Hour,
			MaxLockTime:    30 * time.Minute,
		},
		Events: EventsConfig{
			KeepaliveInterval: 30 * time.Second,
			MaxKeepalives:     60,
		},
	}
}

// FromEnv returns the default config overridden by environment variables.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("RECALLMESH_BIND"); v != "" {
		cfg.Server.Bind = v
	}
	if v := os.Getenv("RECALLMESH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("RECALLMESH_DB"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("RECALLMESH_USER"); v != "" {
		cfg.Server.DefaultUser = v
	}
	if v := os.Getenv("RECALLMESH_ALLOWED_TOOLS"); v != "" {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				cfg.Server.AllowedTools = append(cfg.Server.AllowedTools, name)
			}
		}
	}
	if v := os.Getenv("RECALLMESH_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("RECALLMESH_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.LLM.AnthropicKey = v
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		cfg.LLM.OllamaURL = v
	}
	if v := os.Getenv("RECALLMESH_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("RECALLMESH_BACKEND_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}

	return cfg
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
