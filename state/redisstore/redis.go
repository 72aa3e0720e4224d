package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/machinectx/mcp-go/state"
)

// Config for the Redis-backed RecoveryStore. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: MCP_STATE_KEY_PREFIX
	KeyPrefix string `env:"MCP_STATE_KEY_PREFIX,default=mcp:state:"`
}

// Store persists recovery-point logs in Redis.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New builds a Store and verifies connectivity with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:state:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) logKey(name string) string  { return s.keyPrefix + "log:" + name }
func (s *Store) byIDKey(name string) string { return s.keyPrefix + "byid:" + name }

func (s *Store) Append(ctx context.Context, name string, pt state.RecoveryPoint) error {
	raw, err := json.Marshal(pt)
	if err != nil {
		return fmt.Errorf("marshal point: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.logKey(name), raw)
		pipe.HSet(ctx, s.byIDKey(name), pt.ID, raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append point: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, name string) ([]state.RecoveryPoint, error) {
	rows, err := s.client.LRange(ctx, s.logKey(name), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list points: %w", err)
	}
	out := make([]state.RecoveryPoint, 0, len(rows))
	for _, row := range rows {
		var pt state.RecoveryPoint
		if err := json.Unmarshal([]byte(row), &pt); err != nil {
			return nil, fmt.Errorf("decode point: %w", err)
		}
		out = append(out, pt)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, name, id string) (state.RecoveryPoint, bool, error) {
	row, err := s.client.HGet(ctx, s.byIDKey(name), id).Result()
	if err == redis.Nil {
		return state.RecoveryPoint{}, false, nil
	}
	if err != nil {
		return state.RecoveryPoint{}, false, fmt.Errorf("get point: %w", err)
	}
	var pt state.RecoveryPoint
	if err := json.Unmarshal([]byte(row), &pt); err != nil {
		return state.RecoveryPoint{}, false, fmt.Errorf("decode point: %w", err)
	}
	return pt, true, nil
}

func (s *Store) Remove(ctx context.Context, name string, ids []string) error {
	for _, id := range ids {
		row, err := s.client.HGet(ctx, s.byIDKey(name), id).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return fmt.Errorf("remove point: %w", err)
		}
		_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.LRem(ctx, s.logKey(name), 1, row)
			pipe.HDel(ctx, s.byIDKey(name), id)
			return nil
		})
		if err != nil {
			return fmt.Errorf("remove point: %w", err)
		}
	}
	return nil
}

func (s *Store) Drop(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.logKey(name), s.byIDKey(name)).Err(); err != nil {
		return fmt.Errorf("drop log: %w", err)
	}
	return nil
}

var _ state.RecoveryStore = (*Store)(nil)
