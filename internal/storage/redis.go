package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"

	"github.com/your-org/presence/internal/config"
)

// RedisMirror keeps a secondary copy of the identity index in Redis:
// a set of labels under face:index and one binary vector per label
// under face:vec:{label}. Vectors are little-endian float32.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

func NewRedisMirror(cfg config.RedisConfig, orgID string) *RedisMirror {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisMirror{client: client, prefix: orgID + ":"}
}

func (m *RedisMirror) indexKey() string { return m.prefix + "face:index" }
func (m *RedisMirror) vecKey(label string) string { return m.prefix + "face:vec:" + label }

func (m *RedisMirror) Save(ctx context.Context, label string, vec []float32) error {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	pipe := m.client.TxPipeline()
	pipe.SAdd(ctx, m.indexKey(), label)
	pipe.Set(ctx, m.vecKey(label), buf, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror save %q: %w", label, err)
	}
	return nil
}

func (m *RedisMirror) Delete(ctx context.Context, label string) error {
	pipe := m.client.TxPipeline()
	pipe.SRem(ctx, m.indexKey(), label)
	pipe.Del(ctx, m.vecKey(label))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror delete %q: %w", label, err)
	}
	return nil
}

func (m *RedisMirror) LoadAll(ctx context.Context) (map[string][]float32, error) {
	labels, err := m.client.SMembers(ctx, m.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("mirror index: %w", err)
	}

	out := make(map[string][]float32, len(labels))
	for _, label := range labels {
		raw, err := m.client.Get(ctx, m.vecKey(label)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("mirror vector %q: %w", label, err)
		}
		if len(raw)%4 != 0 {
			continue
		}
		vec := make([]float32, len(raw)/4)
		for i := range vec {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		out[label] = vec
	}
	return out, nil
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
