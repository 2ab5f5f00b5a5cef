package transfer

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// visualEnvelope wraps one fragment of a larger visual payload so the
// receiver can reassemble multi-frame messages, per §4.6.3. Payload is
// a single JSON object (a visualBlockFrame or a block.Manifest); Kind
// disambiguates which.
type visualEnvelope struct {
	MsgID string `json:"msg_id"`
	Kind  string `json:"kind"`
	Index int    `json:"index"`
	Total int    `json:"total"`
	Data  []byte `json:"data"`
}

const (
	kindBlock    = "block"
	kindManifest = "manifest"
)

// effectiveVisualCapacity returns capacity*safetyFactor, the usable
// bytes-per-frame budget.
func effectiveVisualCapacity(capacity int, safetyFactor float64) int {
	eff := int(float64(capacity) * safetyFactor)
	if eff < 1 {
		eff = 1
	}
	return eff
}

// splitVisualFrames cuts payload (already a complete JSON object) into
// slices of at most the effective visual capacity and wraps each slice in
// an envelope frame. The envelope's JSON fields and the base64 encoding
// of its data make each frame larger than the slice it carries.
func splitVisualFrames(payload []byte, kind string, capacity int, safetyFactor float64) [][]byte {
	eff := effectiveVisualCapacity(capacity, safetyFactor)
	msgID := uuid.NewString()

	var chunks [][]byte
	if len(payload) == 0 {
		chunks = [][]byte{{}}
	} else {
		for start := 0; start < len(payload); start += eff {
			end := start + eff
			if end > len(payload) {
				end = len(payload)
			}
			chunks = append(chunks, payload[start:end])
		}
	}

	frames := make([][]byte, len(chunks))
	for i, c := range chunks {
		env := visualEnvelope{MsgID: msgID, Kind: kind, Index: i, Total: len(chunks), Data: c}
		raw, err := json.Marshal(env)
		if err != nil {
			continue
		}
		frames[i] = raw
	}
	return frames
}

// visualReassembler accumulates envelope fragments by message id until a
// complete message is available.
type visualReassembler struct {
	mu      sync.Mutex
	pending map[string][][]byte
	kinds   map[string]string
}

func newVisualReassembler() *visualReassembler {
	return &visualReassembler{
		pending: make(map[string][][]byte),
		kinds:   make(map[string]string),
	}
}

// Add ingests one frame. When the frame completes its message, it
// returns the reassembled payload and kind.
func (r *visualReassembler) Add(frame []byte) (payload []byte, kind string, ok bool) {
	var env visualEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	parts, exists := r.pending[env.MsgID]
	if !exists {
		parts = make([][]byte, env.Total)
	}
	if env.Index < len(parts) {
		parts[env.Index] = env.Data
	}
	r.pending[env.MsgID] = parts
	r.kinds[env.MsgID] = env.Kind

	for _, p := range parts {
		if p == nil {
			return nil, "", false
		}
	}

	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	delete(r.pending, env.MsgID)
	kind = r.kinds[env.MsgID]
	delete(r.kinds, env.MsgID)
	return out, kind, true
}
