// File: config/config.go
// Author: momentics <momentics@gmail.com>

// Package config holds the tunables of the position-sync system. Values come
// from an optional YAML file; a missing file yields the defaults. There are
// deliberately no environment variables and no CLI flags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full set of tunables shared by server and client.
type Config struct {
	ServerAddr               string `yaml:"server_addr"`
	Port                     int    `yaml:"port"`
	ReactorThreads           int    `yaml:"reactor_threads"`
	ListenBacklog            int    `yaml:"listen_backlog"`
	PositionUpdateIntervalMs int    `yaml:"position_update_interval_ms"`
	MaxMessagesPerRead       int    `yaml:"max_messages_per_read"`
}

// ServerDefault returns the server-side defaults.
func ServerDefault() Config {
	return Config{
		ServerAddr:               "127.0.0.1",
		Port:                     9333,
		ReactorThreads:           4,
		ListenBacklog:            5,
		PositionUpdateIntervalMs: 10,
		MaxMessagesPerRead:       10,
	}
}

// ClientDefault returns the client-side defaults. The client runs one fewer
// reactor thread than the server.
func ClientDefault() Config {
	c := ServerDefault()
	c.ReactorThreads = 3
	return c
}

// PositionUpdateInterval is the broadcast/update cadence as a Duration.
func (c Config) PositionUpdateInterval() time.Duration {
	return time.Duration(c.PositionUpdateIntervalMs) * time.Millisecond
}

// Load reads path over the given defaults. A missing file is not an error;
// any present key overrides its default.
func Load(path string, defaults Config) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return defaults, nil
	}
	if err != nil {
		return defaults, fmt.Errorf("read config: %w", err)
	}
	c := defaults
	if err := yaml.Unmarshal(data, &c); err != nil {
		return defaults, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}
