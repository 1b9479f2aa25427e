package storage

import (
	"context"
	"slices"
	"sync"
)

// InMemoryKeyStore implements APIKeyStore.
var _ APIKeyStore = (*InMemoryKeyStore)(nil)

// InMemoryKeyStore provides thread-safe in-memory storage for API keys.
// Keys are held in plaintext; use it for development and tests only.
type InMemoryKeyStore struct {
	// keys maps key strings to APIKey structs for fast lookup
	keys map[string]*APIKey
	// keysByID maps key IDs to APIKey structs for ID-based operations
	keysByID map[string]*APIKey
	// mutex protects concurrent access to both maps
	mutex sync.RWMutex
}

// NewInMemoryKeyStore creates a new thread-safe in-memory key store.
func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{
		keys:     make(map[string]*APIKey),
		keysByID: make(map[string]*APIKey),
	}
}

// FindByKey retrieves an active API key by its key value.
func (s *InMemoryKeyStore) FindByKey(_ context.Context, key string) (*APIKey, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	apiKey, exists := s.keys[key]
	if !exists || !apiKey.Active {
		return nil, false
	}

	return cloneKey(apiKey), true
}

// Get returns an API key by id, active or not, with the key value masked.
func (s *InMemoryKeyStore) Get(_ context.Context, id string) (*APIKey, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	existing, exists := s.keysByID[id]
	if !exists {
		return nil, ErrKeyNotFound
	}

	keyCopy := cloneKey(existing)
	keyCopy.Key = MaskKey(keyCopy.Key)

	return keyCopy, nil
}

// Add stores a new API key.
func (s *InMemoryKeyStore) Add(_ context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if err := ValidatePermissions(apiKey.Permissions); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.keysByID[apiKey.ID]; exists {
		return ErrKeyAlreadyExists
	}

	if _, exists := s.keys[apiKey.Key]; exists {
		return ErrKeyAlreadyExists
	}

	keyCopy := cloneKey(apiKey)
	s.keys[keyCopy.Key] = keyCopy
	s.keysByID[keyCopy.ID] = keyCopy

	return nil
}

// Update modifies an existing API key. The key value itself is immutable.
func (s *InMemoryKeyStore) Update(_ context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if err := ValidatePermissions(apiKey.Permissions); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, exists := s.keysByID[apiKey.ID]
	if !exists {
		return ErrKeyNotFound
	}

	existing.Name = apiKey.Name
	existing.Permissions = slices.Clone(apiKey.Permissions)
	existing.Active = apiKey.Active
	existing.ExpiresAt = apiKey.ExpiresAt

	return nil
}

// Delete deactivates an API key, mirroring the persistent store's soft delete.
func (s *InMemoryKeyStore) Delete(_ context.Context, keyID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	existing, exists := s.keysByID[keyID]
	if !exists {
		return ErrKeyNotFound
	}

	existing.Active = false

	return nil
}

// ListByClient returns the active API keys issued to a client.
func (s *InMemoryKeyStore) ListByClient(_ context.Context, clientID string) ([]*APIKey, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*APIKey, 0)

	for _, key := range s.keysByID {
		if key.ClientID == clientID && key.Active {
			result = append(result, cloneKey(key))
		}
	}

	slices.SortFunc(result, func(a, b *APIKey) int { return b.CreatedAt.Compare(a.CreatedAt) })

	return result, nil
}

// HealthCheck always succeeds.
func (s *InMemoryKeyStore) HealthCheck(_ context.Context) error {
	return nil
}

// cloneKey returns a copy that shares no mutable state with the stored key.
func cloneKey(key *APIKey) *APIKey {
	keyCopy := *key
	keyCopy.Permissions = slices.Clone(key.Permissions)

	return &keyCopy
}
