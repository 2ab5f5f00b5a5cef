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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromFile_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("environment: test\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Engine.BlockSize != 1024 {
		t.Errorf("BlockSize = %d, want 1024", cfg.Engine.BlockSize)
	}
	if cfg.Engine.VisualFrameCapacity != 2953 {
		t.Errorf("VisualFrameCapacity = %d, want 2953", cfg.Engine.VisualFrameCapacity)
	}
	if cfg.Engine.VisualSafetyFactor != 0.6 {
		t.Errorf("VisualSafetyFactor = %v, want 0.6", cfg.Engine.VisualSafetyFactor)
	}
	if cfg.Engine.MaxRetransmitsPerBlock != 5 {
		t.Errorf("MaxRetransmitsPerBlock = %d, want 5", cfg.Engine.MaxRetransmitsPerBlock)
	}
	if cfg.Engine.BinaryWatermark != 1<<20 {
		t.Errorf("BinaryWatermark = %d, want 1MiB", cfg.Engine.BinaryWatermark)
	}
}

func TestLoad_FallsBackToEmptyConfig(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(LoaderOptions{ConfigDir: dir, Environment: "nonexistent"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.BlockSize != 1024 {
		t.Errorf("expected defaults to apply on empty config, got BlockSize=%d", cfg.Engine.BlockSize)
	}
}

func TestValidateConfiguration_RejectsBadSafetyFactor(t *testing.T) {
	cfg := &Config{Engine: &EngineConfig{
		BlockSize:              1024,
		VisualFrameCapacity:    2953,
		VisualSafetyFactor:     1.5,
		BinaryWatermark:        1024,
		MaxRetransmitsPerBlock: 5,
	}}

	errs := ValidateConfiguration(cfg)
	found := false
	for _, e := range errs {
		if e.Field == "engine.visual_safety_factor" && e.Level == "error" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an error-level validation failure for visual_safety_factor > 1")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("OPTICALSEND_LOG_LEVEL", "debug")
	cfg := &Config{Logging: &LoggingConfig{Level: "info"}}
	applyEnvironmentOverrides(cfg)
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
}
