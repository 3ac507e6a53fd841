package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

const (
	secretService = "wardsync"
	tokenAccount  = "api_token"
)

// GetAPIToken returns the management API token from the platform secret store.
// The WARDSYNC_API_TOKEN environment variable takes precedence, which keeps
// scripted clients working on machines without a secret store.
func GetAPIToken() (string, error) {
	if t := envToken(); t != "" {
		return t, nil
	}
	out, err := keychainGet(secretService, tokenAccount)
	if err != nil {
		return "", fmt.Errorf("reading API token: %w", err)
	}
	t := strings.TrimSpace(string(out))
	if t == "" {
		return "", fmt.Errorf("API token in secret store is empty")
	}
	return t, nil
}

// EnsureAPIToken returns the management API token, generating and persisting
// one on first daemon start.
func EnsureAPIToken() (string, error) {
	if t := envToken(); t != "" {
		return t, nil
	}
	if out, err := keychainGet(secretService, tokenAccount); err == nil {
		if t := strings.TrimSpace(string(out)); t != "" {
			return t, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	t := hex.EncodeToString(buf)
	if err := keychainSet(secretService, tokenAccount, t); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return t, nil
}

func envToken() string {
	return strings.TrimSpace(os.Getenv("WARDSYNC_API_TOKEN"))
}
