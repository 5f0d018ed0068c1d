package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

const (
	DefaultAddress = "sirius-valkey:6379"
)

// ErrKeyNotFound is returned by GetValue when the key does not exist.
var ErrKeyNotFound = errors.New("store: key not found")

// KVStore defines the key/value operations our store supports.
type KVStore interface {
	// SetValue sets the given key to the specified value.
	SetValue(ctx context.Context, key, value string) error
	// SetValueWithTTL sets the given key to the specified value with a TTL in seconds.
	SetValueWithTTL(ctx context.Context, key, value string, ttlSeconds int) error
	// GetValue retrieves the value associated with the given key.
	GetValue(ctx context.Context, key string) (ValkeyResponse, error)
	// ListKeys retrieves all keys matching the given pattern.
	ListKeys(ctx context.Context, pattern string) ([]string, error)
	// DeleteValue removes the value associated with the given key.
	DeleteValue(ctx context.Context, key string) error
	// SetNX sets key only when it does not exist. It reports whether the key was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	// CompareAndExpire resets the TTL of key only while it still holds value.
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// SetUnlessField sets key to value unless the current value is a JSON
	// object whose field equals one of refused. It reports whether it wrote.
	SetUnlessField(ctx context.Context, key, value, field string, refused ...string) (bool, error)
	// Close shuts down the underlying connection.
	Close() error
}

var (
	compareAndDelete = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	compareAndExpire = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	setUnlessField = valkey.NewLuaScript(`
local current = redis.call("GET", KEYS[1])
if current then
	local ok, doc = pcall(cjson.decode, current)
	if ok and type(doc) == "table" then
		local v = doc[ARGV[2]]
		for i = 3, #ARGV do
			if v == ARGV[i] then
				return 0
			end
		end
	end
end
redis.call("SET", KEYS[1], ARGV[1])
return 1`)
)

// valkeyStore is a concrete implementation of KVStore using the valkey-go client.
type valkeyStore struct {
	client valkey.Client
}

// NewValkeyStore creates a new store connected to address, or to
// DefaultAddress when address is empty.
func NewValkeyStore(address string) (KVStore, error) {
	if address == "" {
		address = DefaultAddress
	}
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{address}})
	if err != nil {
		return nil, fmt.Errorf("connect valkey at %s: %w", address, err)
	}
	return &valkeyStore{client: client}, nil
}

// SetValue implements KVStore by executing a SET command.
func (s *valkeyStore) SetValue(ctx context.Context, key, value string) error {
	cmd := s.client.B().Set().Key(key).Value(value).Build()
	return s.client.Do(ctx, cmd).Error()
}

// SetValueWithTTL implements KVStore by executing a SET command with TTL.
func (s *valkeyStore) SetValueWithTTL(ctx context.Context, key, value string, ttlSeconds int) error {
	cmd := s.client.B().Set().Key(key).Value(value).Ex(time.Duration(ttlSeconds) * time.Second).Build()
	return s.client.Do(ctx, cmd).Error()
}

// GetValue implements KVStore by executing a GET command.
func (s *valkeyStore) GetValue(ctx context.Context, key string) (ValkeyResponse, error) {
	cmd := s.client.B().Get().Key(key).Build()
	resp := s.client.Do(ctx, cmd)
	var val ValkeyResponse

	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return val, fmt.Errorf("key '%s': %w", key, ErrKeyNotFound)
		}
		return val, fmt.Errorf("valkey GET for key '%s' failed: %w", key, err)
	}

	stringValue, err := resp.ToString()
	if err != nil {
		return val, fmt.Errorf("failed to convert valkey reply to string for key '%s': %w", key, err)
	}

	val = ValkeyResponse{
		Message: ValkeyValue{Value: stringValue},
	}
	return val, nil
}

// ListKeys implements KVStore by executing a KEYS command with pattern matching.
func (s *valkeyStore) ListKeys(ctx context.Context, pattern string) ([]string, error) {
	cmd := s.client.B().Keys().Pattern(pattern).Build()
	resp := s.client.Do(ctx, cmd)

	if err := resp.Error(); err != nil {
		return nil, fmt.Errorf("valkey KEYS with pattern '%s' failed: %w", pattern, err)
	}

	keys, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to convert valkey KEYS reply for pattern '%s': %w", pattern, err)
	}
	return keys, nil
}

// DeleteValue implements KVStore by executing a DEL command.
func (s *valkeyStore) DeleteValue(ctx context.Context, key string) error {
	cmd := s.client.B().Del().Key(key).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// SetNX implements KVStore with SET NX EX. A nil reply means the key was
// already present.
func (s *valkeyStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cmd := s.client.B().Set().Key(key).Value(value).Nx().Ex(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("valkey SET NX for key '%s' failed: %w", key, err)
	}
	return true, nil
}

func (s *valkeyStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Exec(ctx, s.client, []string{key}, []string{value}).AsInt64()
	if err != nil {
		return false, fmt.Errorf("valkey compare-and-delete for key '%s' failed: %w", key, err)
	}
	return n == 1, nil
}

func (s *valkeyStore) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ms := fmt.Sprintf("%d", ttl.Milliseconds())
	n, err := compareAndExpire.Exec(ctx, s.client, []string{key}, []string{value, ms}).AsInt64()
	if err != nil {
		return false, fmt.Errorf("valkey compare-and-expire for key '%s' failed: %w", key, err)
	}
	return n == 1, nil
}

func (s *valkeyStore) SetUnlessField(ctx context.Context, key, value, field string, refused ...string) (bool, error) {
	args := append([]string{value, field}, refused...)
	n, err := setUnlessField.Exec(ctx, s.client, []string{key}, args).AsInt64()
	if err != nil {
		return false, fmt.Errorf("valkey conditional set for key '%s' failed: %w", key, err)
	}
	return n == 1, nil
}

// Close shuts down the underlying client connection.
func (s *valkeyStore) Close() error {
	s.client.Close()
	return nil
}

type ValkeyResponse struct {
	Message ValkeyValue `json:"Message"`
	Type    string      `json:"Type"`
}

type ValkeyValue struct {
	Value string `json:"Value"`
}
