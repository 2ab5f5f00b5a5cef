// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package config loads and validates engine configuration: the transfer
// engine's tunable options (§6 of the protocol), the journal's storage
// backend, logging, and metrics.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	Environment string         `yaml:"environment" json:"environment"`
	Engine      *EngineConfig  `yaml:"engine" json:"engine"`
	Journal     *JournalConfig `yaml:"journal" json:"journal"`
	Logging     *LoggingConfig `yaml:"logging" json:"logging"`
	Metrics     *MetricsConfig `yaml:"metrics" json:"metrics"`
}

// EngineConfig holds the transfer engine's tunable options, per §6 of the
// protocol's external interfaces.
type EngineConfig struct {
	BlockSize              int           `yaml:"block_size" json:"block_size"`
	VisualFrameCapacity    int           `yaml:"visual_frame_capacity" json:"visual_frame_capacity"`
	VisualSafetyFactor     float64       `yaml:"visual_safety_factor" json:"visual_safety_factor"`
	VisualHoldMS           int           `yaml:"visual_hold_ms" json:"visual_hold_ms"`
	BinaryWatermark        int64         `yaml:"binary_watermark" json:"binary_watermark"`
	MaxRetransmitsPerBlock int           `yaml:"max_retransmits_per_block" json:"max_retransmits_per_block"`
	HandshakeTimeout       time.Duration `yaml:"handshake_timeout_ms" json:"handshake_timeout_ms"`
	BlockTimeout           time.Duration `yaml:"block_timeout_ms" json:"block_timeout_ms"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
}

// JournalConfig holds the durable store's connection settings.
type JournalConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
	SSLMode  string `yaml:"ssl_mode" json:"ssl_mode"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// MetricsConfig represents metrics server configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

// LoadFromFile loads configuration from a YAML (falling back to JSON) file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file (tried YAML and JSON): %w", err)
		}
	}

	setDefaults(cfg)
	return cfg, nil
}

// SaveToFile saves configuration to a file, choosing format by extension.
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if len(path) > 5 && path[len(path)-5:] == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setDefaults fills the protocol's documented defaults (§6) for any zero field.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Engine == nil {
		cfg.Engine = &EngineConfig{}
	}
	e := cfg.Engine
	if e.BlockSize == 0 {
		e.BlockSize = 1024
	}
	if e.VisualFrameCapacity == 0 {
		e.VisualFrameCapacity = 2953
	}
	if e.VisualSafetyFactor == 0 {
		e.VisualSafetyFactor = 0.6
	}
	if e.VisualHoldMS == 0 {
		e.VisualHoldMS = 500
	}
	if e.BinaryWatermark == 0 {
		e.BinaryWatermark = 1 << 20 // 1 MiB
	}
	if e.MaxRetransmitsPerBlock == 0 {
		e.MaxRetransmitsPerBlock = 5
	}
	if e.HandshakeTimeout == 0 {
		e.HandshakeTimeout = 60 * time.Second
	}
	if e.BlockTimeout == 0 {
		e.BlockTimeout = 10 * time.Second
	}
	if e.HeartbeatInterval == 0 {
		e.HeartbeatInterval = 5 * time.Second
	}

	if cfg.Journal != nil {
		if cfg.Journal.Port == 0 {
			cfg.Journal.Port = 5432
		}
		if cfg.Journal.SSLMode == "" {
			cfg.Journal.SSLMode = "disable"
		}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{}
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}
