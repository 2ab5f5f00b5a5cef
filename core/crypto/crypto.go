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

// Package crypto implements the transfer protocol's cryptographic
// primitives: ephemeral ECDH on P-256, HKDF-SHA256 session-key
// derivation, AES-256-GCM authenticated encryption, and SHA-256 content
// hashing. No custom cryptography; every primitive is standards-named.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KDFIdentifier is the on-wire constant naming the key-agreement curve.
	KDFIdentifier = "ECDH-P256"
	// EncryptionIdentifier is the on-wire AEAD identifier.
	EncryptionIdentifier = "AES-GCM"
	// NonceSize is the AEAD nonce length in bytes (96 bits).
	NonceSize = 12
	// KeySize is the derived session key length in bytes (256 bits).
	KeySize = 32
	// HashSize is the content-hash digest length in bytes (256 bits).
	HashSize = 32
)

// curve returns the agreed 256-bit prime-order curve used for the
// handshake's ephemeral key agreement.
func curve() ecdh.Curve {
	return ecdh.P256()
}

// GenerateEphemeralKeypair produces a fresh ECDH-P256 keypair. Failure is
// fatal to the handshake (crypto_keygen_failed).
func GenerateEphemeralKeypair() (*ecdh.PrivateKey, error) {
	priv, err := curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	return priv, nil
}

// ExportPublicRaw serializes a public key as a raw, lossless curve point
// (uncompressed SEC1 form for P-256).
func ExportPublicRaw(pub *ecdh.PublicKey) []byte {
	return pub.Bytes()
}

// ImportPublicRaw parses a raw curve point previously produced by
// ExportPublicRaw. A malformed point is reported as invalid_peer_frame.
func ImportPublicRaw(raw []byte) (*ecdh.PublicKey, error) {
	pub, err := curve().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("import public key: %w", err)
	}
	return pub, nil
}

// DeriveSharedBits runs the ECDH agreement between a local private key
// and a peer's public key. The result is the raw shared secret; no
// hashing is applied here, per the protocol's layering.
func DeriveSharedBits(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	shared, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("derive shared bits: %w", err)
	}
	return shared, nil
}

// DeriveSessionKey expands the shared secret into a 32-byte AEAD key via
// HKDF-SHA256, extracting with salt and expanding with the constant
// protocol info tag.
func DeriveSessionKey(sharedBits, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, sharedBits, salt, []byte(info))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key with a fresh random 96-bit nonce,
// returning ciphertext‖tag and the nonce used. Nonces are never reused
// under the same key.
func Seal(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Open decrypts ciphertext‖tag under key and nonce, failing with a
// wrapped error on any authentication mismatch (decrypt_auth_failed).
func Open(ciphertext, key, nonce []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt_auth_failed: %w", err)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}

// ContentHash returns the hex-encoded SHA-256 digest of data. Hashing
// never fails.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentHashBytes returns the raw SHA-256 digest of data, used where the
// hash itself becomes further key-derivation input (e.g. the handshake
// salt over the two nonces).
func ContentHashBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Fingerprint returns the first 16 hex characters of ContentHash(rawPublicKey),
// the human-comparable value both peers display for out-of-band MITM defense.
func Fingerprint(rawPublicKey []byte) string {
	h := ContentHash(rawPublicKey)
	if len(h) < 16 {
		return h
	}
	return h[:16]
}

// KeyDerivative returns the first 16 hex characters of
// ContentHash(sessionKey). The key itself never crosses a persistence
// boundary; only this derivative is stored on the session row, where it
// lets a freshly derived key be matched against journaled progress on
// resume.
func KeyDerivative(sessionKey []byte) string {
	return Fingerprint(sessionKey)
}
