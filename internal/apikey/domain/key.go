package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Keys look like mf_live_<id>_<secret>. The id half is public and indexes the
// row; only the sha256 of the whole key is stored.
const (
	KeyPrefix   = "mf_live_"
	keyIDPrefix = "key_"
	secretBytes = 32
)

// NewSecret returns a fresh plaintext key for keyID and the hash to persist.
func NewSecret(keyID string) (plain, hash string, err error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", "", err
	}
	plain = KeyPrefix + strings.TrimPrefix(keyID, keyIDPrefix) + "_" + hex.EncodeToString(secret)
	return plain, HashAPIKey(plain), nil
}

// ParseKeyID extracts the public key ID, rejecting anything not shaped like a key.
func ParseKeyID(raw string) (string, bool) {
	rest, ok := strings.CutPrefix(raw, KeyPrefix)
	if !ok {
		return "", false
	}
	id, secret, ok := strings.Cut(rest, "_")
	if !ok || id == "" || len(secret) != secretBytes*2 {
		return "", false
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return "", false
	}
	return keyIDPrefix + id, true
}

func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
