package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Default locations of the authoritative document.
const (
	DefaultKey     = "rate:policies"
	DefaultField   = "current"
	DefaultChannel = "rate_policies_broadcast"
)

// Repository stores the authoritative policy document. Load returns
// ErrNotFound when nothing is stored yet and a *ValidationError when the
// stored bytes do not decode. Decoded documents are returned unvalidated.
type Repository interface {
	Load(ctx context.Context) (*PolicySet, error)
	Save(ctx context.Context, set *PolicySet) error
}

// Decode parses a JSON policy document.
func Decode(data []byte) (*PolicySet, error) {
	var set PolicySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, &ValidationError{Field: "document", Reason: fmt.Sprintf("is not valid JSON: %v", err)}
	}
	return &set, nil
}

// RedisRepository keeps the document as JSON in a hash field.
type RedisRepository struct {
	client redis.UniversalClient
	key    string
	field  string
}

// NewRedisRepository creates a repository on client. Empty key or field
// fall back to DefaultKey and DefaultField.
func NewRedisRepository(client redis.UniversalClient, key, field string) *RedisRepository {
	if key == "" {
		key = DefaultKey
	}
	if field == "" {
		field = DefaultField
	}
	return &RedisRepository{client: client, key: key, field: field}
}

// Load implements Repository.
func (r *RedisRepository) Load(ctx context.Context) (*PolicySet, error) {
	raw, err := r.client.HGet(ctx, r.key, r.field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read policy document: %w", err)
	}
	return Decode(raw)
}

// Save implements Repository.
func (r *RedisRepository) Save(ctx context.Context, set *PolicySet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode policy document: %w", err)
	}
	if err := r.client.HSet(ctx, r.key, r.field, data).Err(); err != nil {
		return fmt.Errorf("failed to write policy document: %w", err)
	}
	return nil
}

// MemoryRepository is a process-local Repository for single-instance
// deployments and tests. It stores encoded bytes so callers never share
// maps with it.
type MemoryRepository struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Load implements Repository.
func (r *MemoryRepository) Load(_ context.Context) (*PolicySet, error) {
	r.mu.RLock()
	data := r.data
	r.mu.RUnlock()

	if data == nil {
		return nil, ErrNotFound
	}
	return Decode(data)
}

// Save implements Repository.
func (r *MemoryRepository) Save(_ context.Context, set *PolicySet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to encode policy document: %w", err)
	}
	r.mu.Lock()
	r.data = data
	r.mu.Unlock()
	return nil
}

// SetRaw stores bytes verbatim, bypassing encoding.
func (r *MemoryRepository) SetRaw(data []byte) {
	r.mu.Lock()
	r.data = data
	r.mu.Unlock()
}
