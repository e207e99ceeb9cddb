// Package config holds the gameplay constants and the runtime server
// configuration. Gameplay constants must match the client exactly: the client
// mirrors the physics between authoritative snapshots, so a divergent constant
// shows up as visible rubber-banding.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Game constants - must match client exactly for deterministic physics
const (
	// Ticking
	TickRate          = 24 // Hz, physics for every started room
	TicksPerBroadcast = 24 // one authoritative snapshot per second
	TickInterval      = 1.0 / float64(TickRate)

	// Physics / Gameplay
	MaxVelocity    = 100.0 // m/s, hard clamp
	TurnRate       = 50.0  // deg/s at full steering authority
	CrashDuration  = 3.0   // seconds of input lockout after a crash
	DefaultHitbox  = 2.5   // meters, circular hitbox radius
	CountdownDelay = 5.0   // seconds between game-init and game-start

	// Room settings
	MaxPlayersPerRoom = 8
	MaxRoomsPerServer = 64
	RoomCodeLength    = 6
	RoomCodeRetries   = 16

	// Handshake
	MaxUsernameBytes = 64
)

// ServerConfig is the runtime configuration: listen addresses and asset
// locations. Loaded from defaults, then an optional YAML file, then
// environment variables (highest precedence).
type ServerConfig struct {
	Host     string `yaml:"host"`
	TCPPort  int    `yaml:"tcp_port"`
	HTTPPort int    `yaml:"http_port"`
	MapsDir  string `yaml:"maps_dir"`
	LogLevel string `yaml:"log_level"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:     "0.0.0.0",
		TCPPort:  3999,
		HTTPPort: 4000,
		MapsDir:  "maps",
		LogLevel: "info",
	}
}

// Load builds the effective configuration. A missing config file is not an
// error; a malformed one is.
func Load(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides fields from environment variables if set.
func (c *ServerConfig) applyEnv() {
	if host := os.Getenv("HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv("TCP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.TCPPort = p
		}
	}
	if port := os.Getenv("HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.HTTPPort = p
		}
	}
	if dir := os.Getenv("MAPS_DIR"); dir != "" {
		c.MapsDir = dir
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		c.LogLevel = lvl
	}
}

// TCPAddr returns the game socket listen address.
func (c *ServerConfig) TCPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.TCPPort)
}

// HTTPAddr returns the control-plane listen address.
func (c *ServerConfig) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.HTTPPort)
}
