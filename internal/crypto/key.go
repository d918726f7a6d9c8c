package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

var ErrInvalidHexKey = errors.New("crypto: hex key must be 64 hex characters")

const passkeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// DecodeHexKey decodes a 64-character hex string into a 32-byte key.
func DecodeHexKey(s string) ([]byte, error) {
	if len(s) != 2*KeySize {
		return nil, fmt.Errorf("%w: got %d characters", ErrInvalidHexKey, len(s))
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHexKey, err)
	}
	return key, nil
}

// ParseKey accepts a passkey as either 32 raw bytes or 64 hex characters.
func ParseKey(passkey string) ([]byte, error) {
	switch len(passkey) {
	case KeySize:
		return []byte(passkey), nil
	case 2 * KeySize:
		return DecodeHexKey(passkey)
	}
	return nil, fmt.Errorf("%w: got %d characters", ErrInvalidKeyLength, len(passkey))
}

// GenerateKey returns a random 32-character alphanumeric passkey.
func GenerateKey() (string, error) {
	out := make([]byte, KeySize)
	limit := big.NewInt(int64(len(passkeyAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("crypto: generate key: %w", err)
		}
		out[i] = passkeyAlphabet[n.Int64()]
	}
	return string(out), nil
}
