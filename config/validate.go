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

import "fmt"

// ValidationError describes a single configuration problem. Level
// "warning" entries are surfaced but do not fail loading; "error"
// entries do.
type ValidationError struct {
	Field   string
	Message string
	Level   string // "error" | "warning"
}

func (e ValidationError) String() string {
	return fmt.Sprintf("[%s] %s: %s", e.Level, e.Field, e.Message)
}

// ValidateConfiguration checks engine-level invariants implied by §6 of
// the protocol (positive sizes, a safety factor in (0,1], a sane retry cap).
func ValidateConfiguration(cfg *Config) []ValidationError {
	var errs []ValidationError

	if cfg.Engine != nil {
		e := cfg.Engine
		if e.BlockSize <= 0 {
			errs = append(errs, ValidationError{"engine.block_size", "must be positive", "error"})
		}
		if e.VisualFrameCapacity <= 0 {
			errs = append(errs, ValidationError{"engine.visual_frame_capacity", "must be positive", "error"})
		}
		if e.VisualSafetyFactor <= 0 || e.VisualSafetyFactor > 1 {
			errs = append(errs, ValidationError{"engine.visual_safety_factor", "must be in (0, 1]", "error"})
		}
		if e.MaxRetransmitsPerBlock <= 0 {
			errs = append(errs, ValidationError{"engine.max_retransmits_per_block", "must be positive", "error"})
		}
		if e.BinaryWatermark <= 0 {
			errs = append(errs, ValidationError{"engine.binary_watermark", "must be positive", "error"})
		}
	}

	if cfg.Journal != nil {
		if cfg.Journal.Database == "" {
			errs = append(errs, ValidationError{"journal.database", "database name not set", "warning"})
		}
	}

	return errs
}
