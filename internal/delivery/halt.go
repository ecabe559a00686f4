package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Halter records channels whose automated sending has been stopped.
type Halter interface {
	Halted(ctx context.Context, channel string) (bool, error)
	Halt(ctx context.Context, channel, reason string) error
	Clear(ctx context.Context, channel string) error
}

// RedisHalter keeps halt flags in redis so every engine process sees them.
type RedisHalter struct {
	rdb *redis.Client
}

func NewRedisHalter(rdb *redis.Client) *RedisHalter {
	return &RedisHalter{rdb: rdb}
}

func haltKey(channel string) string {
	return "chatflow:halt:" + channel
}

func (h *RedisHalter) Halted(ctx context.Context, channel string) (bool, error) {
	_, err := h.rdb.Get(ctx, haltKey(channel)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read halt flag: %w", err)
	}
	return true, nil
}

func (h *RedisHalter) Halt(ctx context.Context, channel, reason string) error {
	if err := h.rdb.Set(ctx, haltKey(channel), reason, 0).Err(); err != nil {
		return fmt.Errorf("failed to set halt flag: %w", err)
	}
	return nil
}

func (h *RedisHalter) Clear(ctx context.Context, channel string) error {
	return h.rdb.Del(ctx, haltKey(channel)).Err()
}

// MemoryHalter is a process-local Halter.
type MemoryHalter struct {
	mu     sync.Mutex
	halted map[string]string
}

func NewMemoryHalter() *MemoryHalter {
	return &MemoryHalter{halted: make(map[string]string)}
}

func (h *MemoryHalter) Halted(_ context.Context, channel string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.halted[channel]
	return ok, nil
}

func (h *MemoryHalter) Halt(_ context.Context, channel, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.halted[channel] = reason
	return nil
}

func (h *MemoryHalter) Clear(_ context.Context, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.halted, channel)
	return nil
}
