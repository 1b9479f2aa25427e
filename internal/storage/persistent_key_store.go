package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/faultline-io/faultline/internal/config"
)

var _ APIKeyStore = (*PersistentKeyStore)(nil)

// Audit operations; the api_key_audit_log CHECK constraint lists the same values.
const (
	auditCreated = "created"
	auditUpdated = "updated"
	auditDeleted = "deleted"
)

// keyColumns is the select list scanned by scanKey. key_hash lands in APIKey.Key and is
// masked before any key leaves the store.
const keyColumns = `id, key_hash, client_id, name, permissions, created_at, expires_at, active`

type (
	// PersistentKeyStore keeps API keys in PostgreSQL as bcrypt hashes. Every mutation
	// writes an api_key_audit_log row; audit failures are logged, never returned.
	PersistentKeyStore struct {
		conn   *Connection
		logger *slog.Logger
	}

	// KeyStoreOption configures a PersistentKeyStore.
	KeyStoreOption func(*PersistentKeyStore)

	rowScanner interface {
		Scan(dest ...any) error
	}
)

// WithKeyStoreLogger sets the logger.
func WithKeyStoreLogger(logger *slog.Logger) KeyStoreOption {
	return func(s *PersistentKeyStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewPersistentKeyStore creates a key store on a shared connection.
// Returns ErrNoDatabaseConnection if conn is nil.
func NewPersistentKeyStore(conn *Connection, opts ...KeyStoreOption) (*PersistentKeyStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	s := &PersistentKeyStore{
		conn:   conn,
		logger: config.NewLogger(config.GetEnvLogLevel("FAULTLINE_LOG_LEVEL", slog.LevelInfo)),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// HealthCheck verifies the database connection.
func (s *PersistentKeyStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// FindByKey returns the usable key whose hash matches the plaintext key.
//
// Hashes are salted, so every active, unexpired hash is compared in turn. That is fine for
// the few hundred keys a deployment issues.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*APIKey, bool) {
	if key == "" {
		return nil, false
	}

	rows, err := s.conn.QueryContext(ctx, `SELECT `+keyColumns+` FROM api_keys
		WHERE active AND (expires_at IS NULL OR expires_at > NOW())`)
	if err != nil {
		s.logger.Error("API key lookup failed", slog.String("error", err.Error()))

		return nil, false
	}

	defer func() { _ = rows.Close() }()

	for rows.Next() {
		candidate, err := scanKey(rows)
		if err != nil {
			s.logger.Warn("Skipping unreadable API key row", slog.String("error", err.Error()))

			continue
		}

		if CompareAPIKeyHash(candidate.Key, key) {
			candidate.Key = MaskKey(key)

			return candidate, true
		}
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("API key lookup failed", slog.String("key", MaskKey(key)), slog.String("error", err.Error()))
	}

	return nil, false
}

// Get returns a key by id, active or not, with its hash masked. Returns ErrKeyNotFound.
func (s *PersistentKeyStore) Get(ctx context.Context, id string) (*APIKey, error) {
	if !isKeyID(id) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}

	key, err := scanKey(s.conn.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}

	if err != nil {
		return nil, fmt.Errorf("get API key %s: %w", id, err)
	}

	key.Key = MaskKey(key.Key)

	return key, nil
}

// Add stores a new key as a bcrypt hash.
// A plaintext that already matches an active key is ErrKeyAlreadyExists.
func (s *PersistentKeyStore) Add(ctx context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if err := ValidatePermissions(apiKey.Permissions); err != nil {
		return err
	}

	if _, found := s.FindByKey(ctx, apiKey.Key); found {
		return ErrKeyAlreadyExists
	}

	keyHash, err := HashAPIKey(apiKey.Key)
	if err != nil {
		return fmt.Errorf("hash API key: %w", err)
	}

	permissions, err := permissionsJSON(apiKey.Permissions)
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO api_keys (id, key_hash, client_id, name, permissions, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		apiKey.ID, keyHash, apiKey.ClientID, apiKey.Name, permissions,
		apiKey.CreatedAt, apiKey.ExpiresAt, apiKey.Active,
	)
	if err != nil {
		return fmt.Errorf("insert API key: %w", err)
	}

	s.audit(ctx, auditCreated, apiKey.ID, MaskKey(apiKey.Key), apiKey.ClientID, keyChanges(apiKey))

	return nil
}

// Update overwrites the name, permissions, active flag and expiry of key apiKey.ID.
// The hash and client are immutable. Returns ErrKeyNotFound for an unknown id.
func (s *PersistentKeyStore) Update(ctx context.Context, apiKey *APIKey) error {
	if apiKey == nil { // pragma: allowlist secret
		return ErrKeyNil
	}

	if !isKeyID(apiKey.ID) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, apiKey.ID)
	}

	if err := ValidatePermissions(apiKey.Permissions); err != nil {
		return err
	}

	permissions, err := permissionsJSON(apiKey.Permissions)
	if err != nil {
		return err
	}

	var clientID string

	err = s.conn.QueryRowContext(ctx, `
		UPDATE api_keys SET name = $2, permissions = $3, active = $4, expires_at = $5
		WHERE id = $1
		RETURNING client_id`,
		apiKey.ID, apiKey.Name, permissions, apiKey.Active, apiKey.ExpiresAt,
	).Scan(&clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, apiKey.ID)
	}

	if err != nil {
		return fmt.Errorf("update API key %s: %w", apiKey.ID, err)
	}

	s.audit(ctx, auditUpdated, apiKey.ID, "", clientID, keyChanges(apiKey))

	return nil
}

// Delete deactivates a key. Rows are kept for the audit trail. Deleting an inactive key
// succeeds; an unknown id is ErrKeyNotFound.
func (s *PersistentKeyStore) Delete(ctx context.Context, keyID string) error {
	if !isKeyID(keyID) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	var clientID string

	err := s.conn.QueryRowContext(ctx,
		`UPDATE api_keys SET active = FALSE WHERE id = $1 RETURNING client_id`, keyID,
	).Scan(&clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}

	if err != nil {
		return fmt.Errorf("delete API key %s: %w", keyID, err)
	}

	s.audit(ctx, auditDeleted, keyID, "", clientID, nil)

	return nil
}

// ListByClient returns the active keys issued to a client, newest first, hashes masked.
func (s *PersistentKeyStore) ListByClient(ctx context.Context, clientID string) ([]*APIKey, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}

	rows, err := s.conn.QueryContext(ctx, `SELECT `+keyColumns+` FROM api_keys
		WHERE client_id = $1 AND active
		ORDER BY created_at DESC`, clientID)
	if err != nil {
		return nil, fmt.Errorf("list API keys of %s: %w", clientID, err)
	}

	defer func() { _ = rows.Close() }()

	keys := []*APIKey{}

	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("list API keys of %s: %w", clientID, err)
		}

		key.Key = MaskKey(key.Key)
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list API keys of %s: %w", clientID, err)
	}

	return keys, nil
}

// isKeyID reports whether id can name a row; api_keys.id is a UUID column.
func isKeyID(id string) bool {
	_, err := uuid.Parse(id)

	return err == nil
}

func scanKey(row rowScanner) (*APIKey, error) {
	var (
		key         APIKey
		permissions []byte
		expiresAt   sql.NullTime
	)

	if err := row.Scan(&key.ID, &key.Key, &key.ClientID, &key.Name, &permissions,
		&key.CreatedAt, &expiresAt, &key.Active); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(permissions, &key.Permissions); err != nil {
		return nil, fmt.Errorf("key %s permissions: %w", key.ID, err)
	}

	if expiresAt.Valid {
		t := expiresAt.Time
		key.ExpiresAt = &t
	}

	return &key, nil
}

func permissionsJSON(permissions []string) (string, error) {
	if permissions == nil {
		permissions = []string{}
	}

	data, err := json.Marshal(permissions)
	if err != nil {
		return "", fmt.Errorf("encode permissions: %w", err)
	}

	return string(data), nil
}

// keyChanges is the audit metadata of a create or update.
func keyChanges(key *APIKey) map[string]any {
	changes := map[string]any{
		"name":        key.Name,
		"permissions": key.Permissions,
		"active":      key.Active,
	}

	if key.ExpiresAt != nil {
		changes["expiresAt"] = key.ExpiresAt.UTC().Format(time.RFC3339)
	}

	return changes
}

// audit writes one api_key_audit_log row synchronously.
func (s *PersistentKeyStore) audit(
	ctx context.Context,
	operation, keyID, maskedKey, clientID string,
	metadata map[string]any,
) {
	if metadata == nil {
		metadata = map[string]any{}
	}

	data, err := json.Marshal(metadata)
	if err == nil {
		_, err = s.conn.ExecContext(ctx, `
			INSERT INTO api_key_audit_log (api_key_id, operation, masked_key, client_id, metadata)
			VALUES ($1, $2, $3, $4, $5)`,
			keyID, operation, maskedKey, clientID, string(data),
		)
	}

	if err != nil {
		s.logger.Error("Failed to write API key audit entry",
			slog.String("operation", operation),
			slog.String("key_id", keyID),
			slog.String("error", err.Error()),
		)
	}
}
