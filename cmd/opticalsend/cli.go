package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rani-wehbe/opticalsend/config"
	"github.com/rani-wehbe/opticalsend/core/journal"
)

func uniqueSessionID() string {
	return uuid.NewString()
}

func marshalFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalFrame(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// openJournal resolves the durable store: a Postgres-backed journal when
// a DSN is configured, an in-memory store otherwise. The returned close
// function is always safe to defer, even for the memory store.
func openJournal(ctx context.Context) (journal.JournalStore, func(), error) {
	if journalDSN == "" {
		return journal.NewMemoryStore(), func() {}, nil
	}

	jc, err := parseJournalDSN(journalDSN)
	if err != nil {
		return nil, func() {}, err
	}

	store, err := journal.Open(ctx, jc)
	if err != nil {
		return nil, func() {}, err
	}
	return store, func() { store.Close() }, nil
}

func defaultEngineConfig(cfg *config.Config) *config.EngineConfig {
	if cfg != nil && cfg.Engine != nil {
		return cfg.Engine
	}
	return &config.EngineConfig{
		BlockSize:              1024,
		VisualFrameCapacity:    2953,
		VisualSafetyFactor:     0.6,
		VisualHoldMS:           500,
		BinaryWatermark:        1 << 20,
		MaxRetransmitsPerBlock: 5,
		HandshakeTimeout:       60 * time.Second,
		BlockTimeout:           10 * time.Second,
		HeartbeatInterval:      5 * time.Second,
	}
}
