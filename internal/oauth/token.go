// Package oauth owns OAuth credentials for provider runtimes: it loads and
// saves token files, refreshes tokens proactively before expiry, and keeps
// a refresh schedule per auth id. Provider runtimes look tokens up by auth
// id on every call and must tolerate the token changing underneath them.
package oauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// refreshLead is how long before expiry a token is refreshed.
const refreshLead = 5 * time.Minute

// Token is the persisted OAuth token file shape.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	// ExpiresIn is the token lifetime in seconds.
	ExpiresIn int64  `json:"expires_in"`
	Scope     string `json:"scope,omitempty"`
	// CreatedAt is the issue time in Unix milliseconds. CreatedAt plus
	// ExpiresIn seconds is the absolute expiry.
	CreatedAt int64 `json:"created_at"`
}

// ExpiresAt returns the absolute expiry time.
func (t *Token) ExpiresAt() time.Time {
	if t == nil {
		return time.Time{}
	}
	return time.UnixMilli(t.CreatedAt).Add(time.Duration(t.ExpiresIn) * time.Second)
}

// RefreshAt returns the scheduled proactive refresh time (expiry minus the
// refresh lead).
func (t *Token) RefreshAt() time.Time {
	return t.ExpiresAt().Add(-refreshLead)
}

// ValidAt reports whether the token is usable at the given instant.
func (t *Token) ValidAt(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Before(t.ExpiresAt())
}

// NearExpiryAt reports whether the token is inside the refresh lead window.
func (t *Token) NearExpiryAt(now time.Time) bool {
	return t == nil || !now.Before(t.RefreshAt())
}

// LoadTokenFile reads a token JSON file from disk.
func LoadTokenFile(path string) (*Token, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("oauth: read token file %s failed: %w", path, err)
	}
	token := &Token{}
	if err = json.Unmarshal(raw, token); err != nil {
		return nil, fmt.Errorf("oauth: parse token file %s failed: %w", path, err)
	}
	return token, nil
}

// SaveTokenFile writes the token atomically: the JSON is written to a
// temporary file in the same directory and renamed over the target.
func SaveTokenFile(path string, token *Token) error {
	if token == nil {
		return fmt.Errorf("oauth: token is nil")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("oauth: create token dir failed: %w", err)
	}
	raw, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("oauth: marshal token failed: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".token-*.json")
	if err != nil {
		return fmt.Errorf("oauth: create temp token file failed: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("oauth: write temp token file failed: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("oauth: close temp token file failed: %w", err)
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("oauth: chmod temp token file failed: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("oauth: replace token file failed: %w", err)
	}
	return nil
}
