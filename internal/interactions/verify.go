package interactions

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
)

// ParsePublicKey decodes the hex-encoded Ed25519 public key Discord shows
// in the application portal. Called once at startup; a bad key is a fatal
// configuration error.
func ParsePublicKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("public key is not valid hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, errors.New("public key must be 32 bytes")
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks the Ed25519 signature over (timestamp ‖ body). It returns
// false for malformed hex, wrong-length signatures, and verification
// failures alike; callers reject with 401 without distinguishing the
// cause, so no failure mode leaks to the sender.
func Verify(rawBody []byte, signatureHex, timestamp string, key ed25519.PublicKey) bool {
	if len(key) != ed25519.PublicKeySize {
		return false
	}

	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}

	msg := make([]byte, 0, len(timestamp)+len(rawBody))
	msg = append(msg, timestamp...)
	msg = append(msg, rawBody...)

	return ed25519.Verify(key, msg, sig)
}
