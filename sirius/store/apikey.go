package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	// APIKeyPrefix is prepended to generated keys so they are recognisable in logs and configs.
	APIKeyPrefix = "csk_"

	apiKeyStorePrefix = "codescan:apikey:"
)

// ErrInvalidAPIKey is returned when a presented key is unknown.
var ErrInvalidAPIKey = errors.New("store: invalid API key")

// APIKeyMeta describes an API key. Only the hash of the raw key is stored.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Prefix    string    `json:"prefix"`
	CreatedAt time.Time `json:"created_at"`
}

// GenerateAPIKey returns a new random key. The raw value is shown once and never persisted.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(b), nil
}

func hashKey(rawKey string) string {
	h := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(h[:])
}

// StoreAPIKey records rawKey under its hash.
func StoreAPIKey(ctx context.Context, s KVStore, rawKey, label string) (APIKeyMeta, error) {
	id := hashKey(rawKey)
	prefix := rawKey
	if len(prefix) > len(APIKeyPrefix)+6 {
		prefix = prefix[:len(APIKeyPrefix)+6] + "..."
	}
	meta := APIKeyMeta{ID: id, Label: label, Prefix: prefix, CreatedAt: time.Now().UTC()}

	data, err := json.Marshal(meta)
	if err != nil {
		return APIKeyMeta{}, fmt.Errorf("failed to marshal API key metadata: %w", err)
	}
	if err := s.SetValue(ctx, apiKeyStorePrefix+id, string(data)); err != nil {
		return APIKeyMeta{}, fmt.Errorf("failed to store API key: %w", err)
	}
	return meta, nil
}

// ValidateAPIKey returns the metadata for rawKey or ErrInvalidAPIKey.
func ValidateAPIKey(ctx context.Context, s KVStore, rawKey string) (APIKeyMeta, error) {
	if rawKey == "" {
		return APIKeyMeta{}, ErrInvalidAPIKey
	}
	resp, err := s.GetValue(ctx, apiKeyStorePrefix+hashKey(rawKey))
	if errors.Is(err, ErrKeyNotFound) {
		return APIKeyMeta{}, ErrInvalidAPIKey
	}
	if err != nil {
		return APIKeyMeta{}, err
	}

	var meta APIKeyMeta
	if err := json.Unmarshal([]byte(resp.Message.Value), &meta); err != nil {
		return APIKeyMeta{}, fmt.Errorf("failed to unmarshal API key metadata: %w", err)
	}
	return meta, nil
}

// RevokeAPIKey deletes the key with the given hash id.
func RevokeAPIKey(ctx context.Context, s KVStore, id string) error {
	if err := s.DeleteValue(ctx, apiKeyStorePrefix+id); err != nil {
		return fmt.Errorf("failed to revoke API key: %w", err)
	}
	return nil
}
