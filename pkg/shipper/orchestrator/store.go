package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tournevent/carrierlink/pkg/shipper"
)

// ResultStore persists successful shipment results by idempotency key so
// replicas sharing the store replay each other's results.
type ResultStore interface {
	// Load returns the stored result and its request fingerprint. A missing
	// key returns (nil, "", nil).
	Load(ctx context.Context, key string) (*shipper.ShipmentResult, string, error)
	Save(ctx context.Context, key, fingerprint string, result *shipper.ShipmentResult, ttl time.Duration) error
}

const defaultKeyPrefix = "carrierlink:idempotency:"

type storedResult struct {
	Fingerprint string                  `json:"fingerprint"`
	Result      *shipper.ShipmentResult `json:"result"`
}

// RedisStore is a ResultStore backed by Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore parses a redis:// URL and returns a store using it.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewRedisStoreWithClient(redis.NewClient(opts)), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: defaultKeyPrefix}
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Load(ctx context.Context, key string) (*shipper.ShipmentResult, string, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}

	var stored storedResult
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, "", fmt.Errorf("failed to decode stored result: %w", err)
	}
	return stored.Result, stored.Fingerprint, nil
}

func (s *RedisStore) Save(ctx context.Context, key, fingerprint string, result *shipper.ShipmentResult, ttl time.Duration) error {
	data, err := json.Marshal(storedResult{Fingerprint: fingerprint, Result: result})
	if err != nil {
		return err
	}
	// SetNX keeps the first result if two replicas raced on the same key.
	return s.client.SetNX(ctx, s.prefix+key, data, ttl).Err()
}

var _ ResultStore = (*RedisStore)(nil)
