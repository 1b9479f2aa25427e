// Package storage provides the PostgreSQL and in-memory persistence layers for faultline:
// error groups, occurrences, projects, and API keys.
package storage

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	// KeyPrefix starts every faultline API key.
	KeyPrefix = "faultline_ak_" // pragma: allowlist secret

	randomBytesSize = 32
	apiKeyLength    = len(KeyPrefix) + 2*randomBytesSize // 13 + 64 = 77
	prefixLen       = len(KeyPrefix) + 4                 // Show "faultline_ak_1234"
	suffixLen       = 4
)

// Permissions granted to API keys.
const (
	PermissionReportsWrite  = "reports:write"
	PermissionGroupsRead    = "groups:read"
	PermissionGroupsResolve = "groups:resolve"
	PermissionStatsRead     = "stats:read"
	PermissionAdmin         = "admin"
)

var (
	// ErrKeyAlreadyExists is returned when attempting to add a key that already exists.
	ErrKeyAlreadyExists = errors.New("API key already exists")
	// ErrKeyNotFound is returned when attempting to operate on a non-existent key.
	ErrKeyNotFound = errors.New("API key not found")
	// ErrKeyNil is returned when a nil API key is provided.
	ErrKeyNil = errors.New("API key cannot be nil")
	// ErrClientIDEmpty is returned when client ID is empty during key generation.
	ErrClientIDEmpty = errors.New("client ID cannot be empty")
	// ErrKeyStringEmpty is returned when key string is empty during parsing.
	ErrKeyStringEmpty = errors.New("key string cannot be empty")
	// ErrInvalidKeyFormat is returned when API key doesn't match expected format.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	// ErrInvalidKeyLength is returned when API key length is incorrect.
	ErrInvalidKeyLength = errors.New("invalid API key length")
	// ErrUnknownPermission is returned when a key is granted a permission faultline does not define.
	ErrUnknownPermission = errors.New("unknown permission")
)

// AllPermissions lists every permission a key may hold.
func AllPermissions() []string {
	return []string{
		PermissionReportsWrite,
		PermissionGroupsRead,
		PermissionGroupsResolve,
		PermissionStatsRead,
		PermissionAdmin,
	}
}

// ValidatePermissions rejects permissions outside AllPermissions.
func ValidatePermissions(permissions []string) error {
	known := AllPermissions()
	for _, p := range permissions {
		if !slices.Contains(known, p) {
			return fmt.Errorf("%w: %q", ErrUnknownPermission, p)
		}
	}

	return nil
}

// APIKey identifies a reporting client or operator and the permissions it holds.
// ClientID names the application or person the key was issued to.
type APIKey struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	ClientID    string     `json:"clientId"`
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Active      bool       `json:"active"`
}

// APIKeyStore defines API key storage and retrieval.
type APIKeyStore interface {
	// FindByKey retrieves an API key by its plaintext value.
	FindByKey(ctx context.Context, key string) (*APIKey, bool)
	// Get returns an API key by id, active or not, with the key value masked.
	Get(ctx context.Context, id string) (*APIKey, error)
	// Add stores a new API key.
	Add(ctx context.Context, apiKey *APIKey) error
	// Update modifies an existing API key.
	Update(ctx context.Context, apiKey *APIKey) error
	// Delete deactivates an API key.
	Delete(ctx context.Context, keyID string) error
	// ListByClient returns all active API keys issued to a client.
	ListByClient(ctx context.Context, clientID string) ([]*APIKey, error)
	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error
}

// ValidateKey performs constant-time comparison of the provided key against this API key.
func (ak *APIKey) ValidateKey(providedKey string) bool {
	if providedKey == "" || ak.Key == "" {
		return false
	}

	if !ak.IsUsable() {
		return false
	}

	return SecureCompare(ak.Key, providedKey)
}

// IsUsable reports whether the key is active and unexpired.
func (ak *APIKey) IsUsable() bool {
	if !ak.Active {
		return false
	}

	return ak.ExpiresAt == nil || time.Now().Before(*ak.ExpiresAt)
}

// HasPermission checks if the API key has a specific permission.
// The admin permission implies every other permission.
func (ak *APIKey) HasPermission(permission string) bool {
	for _, p := range ak.Permissions {
		if p == permission || p == PermissionAdmin {
			return true
		}
	}

	return false
}

// SecureCompare performs constant-time comparison of two strings to prevent timing attacks.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		// Keep the work proportional to len(a) so mismatched lengths are not observable.
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// MaskKey masks an API key for logging by showing only the prefix and suffix.
// Keys of any other length are masked completely.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}

	keyLen := len(key)

	if keyLen == apiKeyLength {
		maskedLen := keyLen - prefixLen - suffixLen // 77 - 17 - 4 = 56

		return key[:prefixLen] + strings.Repeat("*", maskedLen) + key[keyLen-suffixLen:]
	}

	return strings.Repeat("*", keyLen)
}

// GenerateAPIKey creates a new random API key for a client.
func GenerateAPIKey(clientID string) (string, error) {
	if clientID == "" {
		return "", ErrClientIDEmpty
	}

	randomBytes := make([]byte, randomBytesSize)

	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	return KeyPrefix + hex.EncodeToString(randomBytes), nil
}

// ParseAPIKey extracts the API key from an X-Api-Key or Authorization header value.
func ParseAPIKey(keyString string) (string, error) {
	if keyString == "" {
		return "", ErrKeyStringEmpty
	}

	keyString = strings.TrimPrefix(keyString, "Bearer ")

	if !strings.HasPrefix(keyString, KeyPrefix) {
		return "", ErrInvalidKeyFormat
	}

	if len(keyString) != apiKeyLength {
		return "", ErrInvalidKeyLength
	}

	return keyString, nil
}
