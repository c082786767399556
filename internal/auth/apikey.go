// Package auth implements the admission gate: API-key load/rotate,
// trusted-subnet match, and one-shot-token mint/consume (spec.md §4.6).
package auth

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// keyLength is the character length of a generated API key / one-shot
// token (spec.md §3: "32-char base-32 string").
const keyLength = 32

// genKey returns a fresh, uppercase, unpadded base32 string of
// keyLength characters.
func genKey() (string, error) {
	// base32 (RFC4648, no padding) encodes 5 bits/char, so ceil(32*5/8)
	// raw bytes are enough head-room before trimming to keyLength chars.
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generating key: %w", err)
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	if len(enc) < keyLength {
		// Practically unreachable at this byte length, but stay correct.
		more := make([]byte, 20)
		_, _ = rand.Read(more)
		enc += base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(more)
	}
	return strings.ToUpper(enc[:keyLength]), nil
}

// APIKey owns the persisted, rotatable API key (spec.md §3/§4.6).
type APIKey struct {
	mu   sync.RWMutex
	path string
	key  string
}

// LoadOrCreateAPIKey reads the key from dir/.klippy_api_key, creating it
// with 0600 permissions if absent.
func LoadOrCreateAPIKey(dir string) (*APIKey, error) {
	path := filepath.Join(dir, ".klippy_api_key")
	a := &APIKey{path: path}

	b, err := os.ReadFile(path)
	if err == nil {
		a.key = strings.TrimSpace(string(b))
		return a, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("auth: reading api key: %w", err)
	}
	if err := a.Rotate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Current returns the active key.
func (a *APIKey) Current() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.key
}

// Matches reports whether candidate equals the current key.
func (a *APIKey) Matches(candidate string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.key != "" && candidate == a.key
}

// Rotate generates a fresh key and atomically replaces the persisted
// file (write temp + rename), so a concurrent reader never observes a
// truncated key and the new value takes effect for the very next
// request (spec.md §4.6, §8 "API-key atomicity").
func (a *APIKey) Rotate() error {
	newKey, err := genKey()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0700); err != nil {
		return fmt.Errorf("auth: creating key directory: %w", err)
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(newKey), 0600); err != nil {
		return fmt.Errorf("auth: writing key: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		return fmt.Errorf("auth: renaming key into place: %w", err)
	}

	a.mu.Lock()
	a.key = newKey
	a.mu.Unlock()
	return nil
}
