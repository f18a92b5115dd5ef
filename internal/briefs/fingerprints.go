package briefs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// FingerprintSet хранит отпечатки уже выпущенных брифов между пачками.
type FingerprintSet interface {
	// Seen возвращает подмножество fps, которое уже встречалось.
	Seen(ctx context.Context, fps []string) (map[string]bool, error)
	Add(ctx context.Context, fps []string) error
}

// MemoryFingerprints - набор в памяти процесса (без Redis).
type MemoryFingerprints struct {
	mu  sync.Mutex
	fps map[string]struct{}
}

// NewMemoryFingerprints создает пустой набор.
func NewMemoryFingerprints() *MemoryFingerprints {
	return &MemoryFingerprints{fps: make(map[string]struct{})}
}

func (m *MemoryFingerprints) Seen(_ context.Context, fps []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for _, fp := range fps {
		if _, ok := m.fps[fp]; ok {
			seen[fp] = true
		}
	}
	return seen, nil
}

func (m *MemoryFingerprints) Add(_ context.Context, fps []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, fp := range fps {
		m.fps[fp] = struct{}{}
	}
	return nil
}

const fingerprintKeyPrefix = "story_brief_fp:"

// RedisFingerprints хранит отпечатки в Redis с TTL.
type RedisFingerprints struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisFingerprints создает набор поверх клиента Redis.
func NewRedisFingerprints(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisFingerprints {
	return &RedisFingerprints{client: client, ttl: ttl, logger: logger.Named("RedisFingerprints")}
}

// NewRedisClient разбирает URL и проверяет соединение.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *RedisFingerprints) Seen(ctx context.Context, fps []string) (map[string]bool, error) {
	seen := make(map[string]bool)
	if len(fps) == 0 {
		return seen, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(fps))
	for i, fp := range fps {
		cmds[i] = pipe.Exists(ctx, fingerprintKeyPrefix+fp)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("Failed to check brief fingerprints", zap.Int("count", len(fps)), zap.Error(err))
		return nil, fmt.Errorf("check brief fingerprints: %w", err)
	}
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			seen[fps[i]] = true
		}
	}
	return seen, nil
}

func (r *RedisFingerprints) Add(ctx context.Context, fps []string) error {
	if len(fps) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, fp := range fps {
		pipe.Set(ctx, fingerprintKeyPrefix+fp, 1, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("Failed to store brief fingerprints", zap.Int("count", len(fps)), zap.Error(err))
		return fmt.Errorf("store brief fingerprints: %w", err)
	}
	r.logger.Debug("Brief fingerprints stored", zap.Int("count", len(fps)), zap.Duration("ttl", r.ttl))
	return nil
}
