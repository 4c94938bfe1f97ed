package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitsuri-ai/dispatcher/internal/ratelimit"
)

// Keys look like dsp_<env>_<32 hex chars>.
const (
	keyBrand     = "dsp"
	secretBytes  = 16
	prefixSecret = 8
)

var ErrMalformedKey = errors.New("malformed api key")

// GenerateKey returns a fresh key for env. env must be lower-case alphanumeric.
func GenerateKey(env string) (string, error) {
	if !validEnv(env) {
		return "", fmt.Errorf("env %q must be lower-case letters and digits", env)
	}
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return keyBrand + "_" + env + "_" + hex.EncodeToString(secret), nil
}

// ParseKey checks the shape of a presented key and returns its env segment.
// Keys that fail here never reach the key store.
func ParseKey(raw string) (env string, err error) {
	brand, rest, ok := strings.Cut(raw, "_")
	if !ok || brand != keyBrand {
		return "", ErrMalformedKey
	}
	env, secret, ok := strings.Cut(rest, "_")
	if !ok || !validEnv(env) || len(secret) != 2*secretBytes {
		return "", ErrMalformedKey
	}
	if _, err := hex.DecodeString(secret); err != nil || strings.ToLower(secret) != secret {
		return "", ErrMalformedKey
	}
	return env, nil
}

// HashKey is the stored form of a key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyPrefix is the part of a key that is safe to display and log.
func KeyPrefix(raw string) string {
	i := strings.LastIndexByte(raw, '_')
	if i < 0 {
		return ""
	}
	end := min(len(raw), i+1+prefixSecret)
	return raw[:end]
}

func validEnv(env string) bool {
	if env == "" {
		return false
	}
	for _, c := range env {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// KeyMetadata is what a key resolves to.
type KeyMetadata struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ClientID  string    `json:"client_id"`
	ExpiresAt time.Time `json:"expires_at"`
	// Quota is nil when the client uses the configured rate limit.
	Quota *ratelimit.Quota `json:"quota,omitempty"`
}

// ParseDuration accepts time.ParseDuration syntax plus whole days ("30d").
func ParseDuration(s string) (time.Duration, error) {
	days, ok := strings.CutSuffix(s, "d")
	if !ok {
		return time.ParseDuration(s)
	}
	n, err := strconv.Atoi(days)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid day count %q", s)
	}
	return time.Duration(n) * 24 * time.Hour, nil
}
