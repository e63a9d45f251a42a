// Package apikeys is the long-lived credential store. Raw keys are shown once
// at creation; only a SHA-256 hash and a short prefix are persisted.
package apikeys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Header carries a raw API key.
const Header = "X-API-Key"

const (
	keyPrefix  = "mk_"
	secretLen  = 32
	displayLen = 8
)

// Key is a stored credential.
type Key struct {
	ID         string
	UserID     string
	Name       string
	KeyHash    string
	KeyPrefix  string
	Enabled    bool
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// Usable reports whether the key may authenticate at now.
func (k Key) Usable(now time.Time) bool {
	if !k.Enabled {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// NewSecret returns a fresh raw key and its display prefix.
func NewSecret() (raw, prefix string, err error) {
	buf := make([]byte, secretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("apikeys: read random: %w", err)
	}
	raw = keyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return raw, raw[:len(keyPrefix)+displayLen], nil
}

// Hash returns the lookup hash of a raw key.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}
