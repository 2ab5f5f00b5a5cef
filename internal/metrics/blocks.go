// SAGE - Secure Agent Guarantee Engine
// Copyright (C) 2025 SAGE-X-project
//
// This file is part of SAGE.
//
// SAGE is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// SAGE is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with SAGE. If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BlocksEmitted tracks blocks sent per channel.
	BlocksEmitted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blocks",
			Name:      "emitted_total",
			Help:      "Total number of blocks emitted by channel",
		},
		[]string{"channel"}, // visual, binary
	)

	// BlocksVerified tracks blocks that passed AEAD+hash verification on receive.
	BlocksVerified = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blocks",
			Name:      "verified_total",
			Help:      "Total number of blocks verified and accepted",
		},
	)

	// BlocksSkipped tracks blocks that reached the terminal skipped state.
	BlocksSkipped = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blocks",
			Name:      "skipped_total",
			Help:      "Total number of blocks abandoned after max_retransmits_per_block",
		},
	)

	// RetransmitsTotal tracks NACK-triggered retransmits.
	RetransmitsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "blocks",
			Name:      "retransmits_total",
			Help:      "Total number of block retransmits by NACK reason",
		},
		[]string{"reason"}, // decrypt_failed, hash_mismatch, decompress_failed, missing_chunk
	)

	// CompressionChoice tracks codec selection outcomes.
	CompressionChoice = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "codec",
			Name:      "selected_total",
			Help:      "Total number of codec selections by mode",
		},
		[]string{"mode"}, // gzip, none
	)

	// BlockCipherDuration tracks per-block AEAD seal/open latency.
	BlockCipherDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "blocks",
			Name:      "cipher_duration_seconds",
			Help:      "AEAD seal/open duration per block in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 15),
		},
		[]string{"operation"}, // seal, open
	)
)
