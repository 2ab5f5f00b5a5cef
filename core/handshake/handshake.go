// Package handshake implements the two-message key-agreement state
// machine that produces a session's symmetric key from exchanged
// ephemeral public keys and nonces.
package handshake

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/rani-wehbe/opticalsend/core/crypto"
	"github.com/rani-wehbe/opticalsend/internal/metrics"
)

// ProtocolInfo is the constant HKDF info tag for session-key expansion.
const ProtocolInfo = "opticalsend-v1"

// NonceSize is the length in bytes of each side's handshake nonce.
const NonceSize = 16

// Role names a handshake participant.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// SenderState is the sender-side state machine's current state.
type SenderState string

const (
	SenderIdle         SenderState = "idle"
	SenderAwaitingPeer SenderState = "awaiting_peer"
	SenderFinalized    SenderState = "finalized"
	SenderFailed       SenderState = "failed"
)

// ReceiverState is the receiver-side state machine's current state.
type ReceiverState string

const (
	ReceiverIdle      ReceiverState = "idle"
	ReceiverResponded ReceiverState = "responded"
	ReceiverFailed    ReceiverState = "failed"
)

// Frame is the wire shape exchanged by both sides of the handshake.
type Frame struct {
	Role                Role      `json:"role"`
	SessionID           string    `json:"session_id"`
	PublicRaw           []byte    `json:"public_raw"`
	Nonce               []byte    `json:"nonce"`
	OfferedCompression  string    `json:"offered_compression,omitempty"`
	SupportedBlockSizes []int     `json:"supported_block_sizes,omitempty"`
	Ack                 bool      `json:"ack,omitempty"`
	RequestedOptions    *Options  `json:"requested_options,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
}

// Options carries the receiver's requested session parameters.
type Options struct {
	BlockSize        int    `json:"block_size"`
	PreferCompression string `json:"prefer_compression"`
}

// Sender drives the sender-side state machine: idle -> awaiting_peer ->
// finalized | failed.
type Sender struct {
	State       SenderState
	SessionID   string
	priv        *ecdh.PrivateKey
	nonce       []byte
	SessionKey  []byte
	Fingerprint string
	FailReason  string
}

// NewSender allocates a sender in the idle state for sessionID.
func NewSender(sessionID string) *Sender {
	return &Sender{State: SenderIdle, SessionID: sessionID}
}

// Start transitions idle -> awaiting_peer, generating the ephemeral
// keypair and nonce and producing the outbound offer frame.
func (s *Sender) Start() (*Frame, error) {
	metrics.HandshakesInitiated.WithLabelValues(string(RoleSender)).Inc()

	priv, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		s.State = SenderFailed
		s.FailReason = "crypto_keygen_failed"
		metrics.HandshakesFailed.WithLabelValues(s.FailReason).Inc()
		return nil, fmt.Errorf("crypto_keygen_failed: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		s.State = SenderFailed
		s.FailReason = "crypto_keygen_failed"
		return nil, fmt.Errorf("crypto_keygen_failed: %w", err)
	}

	s.priv = priv
	s.nonce = nonce
	s.State = SenderAwaitingPeer

	return &Frame{
		Role:      RoleSender,
		SessionID: s.SessionID,
		PublicRaw: crypto.ExportPublicRaw(priv.PublicKey()),
		Nonce:     nonce,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Finalize consumes the receiver's response frame, deriving the session
// key and transitioning awaiting_peer -> finalized (or -> failed).
func (s *Sender) Finalize(peer Frame) error {
	if s.State != SenderAwaitingPeer {
		return fmt.Errorf("mismatched_session: sender not awaiting peer (state=%s)", s.State)
	}
	if peer.Role != RoleReceiver || peer.SessionID != s.SessionID {
		s.State = SenderFailed
		s.FailReason = "mismatched_session"
		metrics.HandshakesFailed.WithLabelValues(s.FailReason).Inc()
		return fmt.Errorf("mismatched_session: got role=%s session=%s", peer.Role, peer.SessionID)
	}

	peerPub, err := crypto.ImportPublicRaw(peer.PublicRaw)
	if err != nil {
		s.State = SenderFailed
		s.FailReason = "invalid_peer_frame"
		metrics.HandshakesFailed.WithLabelValues(s.FailReason).Inc()
		return fmt.Errorf("invalid_peer_frame: %w", err)
	}

	start := time.Now()
	key, fp, err := deriveSession(s.priv, peerPub, s.nonce, peer.Nonce)
	metrics.HandshakeDuration.WithLabelValues("derive_key").Observe(time.Since(start).Seconds())
	if err != nil {
		s.State = SenderFailed
		s.FailReason = "invalid_peer_frame"
		metrics.HandshakesFailed.WithLabelValues(s.FailReason).Inc()
		return fmt.Errorf("invalid_peer_frame: %w", err)
	}

	s.SessionKey = key
	s.Fingerprint = fp
	s.State = SenderFinalized
	metrics.HandshakesCompleted.WithLabelValues(string(SenderFinalized)).Inc()
	return nil
}

// Receiver drives the receiver-side state machine: idle -> responded |
// failed.
type Receiver struct {
	State       ReceiverState
	SessionID   string
	SessionKey  []byte
	Fingerprint string
	FailReason  string
}

// NewReceiver allocates a receiver in the idle state.
func NewReceiver() *Receiver {
	return &Receiver{State: ReceiverIdle}
}

// Respond consumes a sender's offer frame, deriving the session key and
// transitioning idle -> responded, returning the response frame to emit.
func (r *Receiver) Respond(offer Frame, blockSize int, preferCompression string) (*Frame, error) {
	metrics.HandshakesInitiated.WithLabelValues(string(RoleReceiver)).Inc()

	if offer.Role != RoleSender {
		r.State = ReceiverFailed
		r.FailReason = "invalid_peer_frame"
		metrics.HandshakesFailed.WithLabelValues(r.FailReason).Inc()
		return nil, fmt.Errorf("invalid_peer_frame: expected role sender, got %s", offer.Role)
	}

	priv, err := crypto.GenerateEphemeralKeypair()
	if err != nil {
		r.State = ReceiverFailed
		r.FailReason = "crypto_keygen_failed"
		metrics.HandshakesFailed.WithLabelValues(r.FailReason).Inc()
		return nil, fmt.Errorf("crypto_keygen_failed: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		r.State = ReceiverFailed
		r.FailReason = "crypto_keygen_failed"
		metrics.HandshakesFailed.WithLabelValues(r.FailReason).Inc()
		return nil, fmt.Errorf("crypto_keygen_failed: %w", err)
	}

	peerPub, err := crypto.ImportPublicRaw(offer.PublicRaw)
	if err != nil {
		r.State = ReceiverFailed
		r.FailReason = "invalid_peer_frame"
		metrics.HandshakesFailed.WithLabelValues(r.FailReason).Inc()
		return nil, fmt.Errorf("invalid_peer_frame: %w", err)
	}

	start := time.Now()
	key, fp, err := deriveSession(priv, peerPub, offer.Nonce, nonce)
	metrics.HandshakeDuration.WithLabelValues("derive_key").Observe(time.Since(start).Seconds())
	if err != nil {
		r.State = ReceiverFailed
		r.FailReason = "invalid_peer_frame"
		metrics.HandshakesFailed.WithLabelValues(r.FailReason).Inc()
		return nil, fmt.Errorf("invalid_peer_frame: %w", err)
	}

	r.SessionID = offer.SessionID
	r.SessionKey = key
	r.Fingerprint = fp
	r.State = ReceiverResponded
	metrics.HandshakesCompleted.WithLabelValues(string(ReceiverResponded)).Inc()

	return &Frame{
		Role:      RoleReceiver,
		SessionID: offer.SessionID,
		PublicRaw: crypto.ExportPublicRaw(priv.PublicKey()),
		Nonce:     nonce,
		Ack:       true,
		RequestedOptions: &Options{
			BlockSize:         blockSize,
			PreferCompression: preferCompression,
		},
		Timestamp: time.Now().UTC(),
	}, nil
}

// deriveSession runs the shared salt/session-key derivation common to
// both sides: salt = content_hash(N_S ‖ N_R) with the sender's nonce
// always first, session_key = derive_session_key(shared, salt,
// ProtocolInfo). The fingerprint is the first 16 hex characters of
// content_hash(the caller's own public key).
func deriveSession(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey, senderNonce, receiverNonce []byte) (key []byte, fingerprint string, err error) {
	shared, err := crypto.DeriveSharedBits(priv, peerPub)
	if err != nil {
		return nil, "", err
	}

	salt := crypto.ContentHashBytes(append(append([]byte{}, senderNonce...), receiverNonce...))
	key, err = crypto.DeriveSessionKey(shared, salt, ProtocolInfo)
	if err != nil {
		return nil, "", err
	}

	fp := crypto.Fingerprint(crypto.ExportPublicRaw(priv.PublicKey()))
	return key, fp, nil
}
