// Package config loads the demo binary's settings from a JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Setting is the top-level configuration read from setting.json.
type Setting struct {
	Log    Log    `json:"log"`
	Server Server `json:"server"`
}

type Log struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

type Server struct {
	Listen             string  `json:"listen"`
	ProtocolID         uint32  `json:"protocol_id"`
	MaxClients         int     `json:"max_clients"`
	SendRate           float32 `json:"send_rate"`
	MetricsListen      string  `json:"metrics_listen"`
	RateLimitPerSecond int     `json:"rate_limit_per_second"`
}

// Load reads the settings file, falling back to the GAMENET_CONFIG
// environment variable and then defaults when path is empty.
func Load(path string) (*Setting, error) {
	cfg := &Setting{
		Log:    Log{Level: "info"},
		Server: Server{Listen: "0.0.0.0:7777", ProtocolID: 0x12345678, MaxClients: 64, SendRate: 60},
	}
	if path == "" {
		path = os.Getenv("GAMENET_CONFIG")
	}
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := json.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.verify(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Setting) verify() error {
	if s.Server.Listen == "" {
		return fmt.Errorf("invalid listen address")
	}
	if s.Server.MaxClients <= 0 {
		return fmt.Errorf("invalid max_clients")
	}
	if s.Server.SendRate <= 0 {
		s.Server.SendRate = 60
	}
	return nil
}
