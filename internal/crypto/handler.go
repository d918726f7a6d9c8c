// Package crypto implements the per-direction authenticated encryption used
// on every session packet.
package crypto

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	NonceSize = 24
	Overhead  = secretbox.Overhead
)

// Direction tags stored in the most significant nonce byte. Each direction
// of a session has its own nonce space.
const (
	ClientToServer byte = 0
	ServerToClient byte = 1
)

var (
	ErrInvalidKeyLength = errors.New("crypto: key must be 32 bytes")
	ErrShortCiphertext  = errors.New("crypto: ciphertext shorter than authenticator")
	ErrAuthFailed       = errors.New("crypto: message forged or corrupted")
)

// Handler encrypts or decrypts one direction of a session. The nonce is a
// little-endian counter advanced once per call, so both peers must process
// packets in exactly the same order.
type Handler struct {
	mu    sync.Mutex
	key   [KeySize]byte
	nonce [NonceSize]byte
}

// NewHandler creates a Handler for the given direction tag.
func NewHandler(key []byte, direction byte) (*Handler, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeyLength, len(key))
	}
	h := &Handler{}
	copy(h.key[:], key)
	h.nonce[NonceSize-1] = direction
	return h, nil
}

// Encrypt seals plaintext under the next nonce.
func (h *Handler) Encrypt(plaintext []byte) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.incrementNonce()
	return secretbox.Seal(nil, plaintext, &h.nonce, &h.key)
}

// Decrypt opens ciphertext under the next nonce. The nonce advances even when
// decryption fails; the caller must discard the session transport then.
func (h *Handler) Decrypt(ciphertext []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.incrementNonce()
	if len(ciphertext) < Overhead {
		return nil, ErrShortCiphertext
	}
	plaintext, ok := secretbox.Open(nil, ciphertext, &h.nonce, &h.key)
	if !ok {
		return nil, ErrAuthFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// incrementNonce treats the first 23 bytes as a little-endian counter. The
// last byte is the direction tag and never changes.
func (h *Handler) incrementNonce() {
	for i := 0; i < NonceSize-1; i++ {
		h.nonce[i]++
		if h.nonce[i] != 0 {
			return
		}
	}
}
