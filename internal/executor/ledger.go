package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"concierge/internal/constants"
)

// Ledger remembers completed actions so a decision can be re-run without repeating side effects.
type Ledger interface {
	Completed(ctx context.Context, key string) (bool, error)
	MarkCompleted(ctx context.Context, key string) error
}

// LedgerKey identifies one action of one decision.
func LedgerKey(decisionID string, index int, actionType string) string {
	return fmt.Sprintf("%s:%d:%s", decisionID, index, actionType)
}

type RedisLedger struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisLedger(client redis.UniversalClient, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = constants.ActionLedgerTTL
	}
	return &RedisLedger{client: client, ttl: ttl}
}

func (l *RedisLedger) Completed(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, constants.CacheKeyPrefixActionLedger+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis ledger lookup failed: %w", err)
	}
	return n > 0, nil
}

func (l *RedisLedger) MarkCompleted(ctx context.Context, key string) error {
	if err := l.client.SetNX(ctx, constants.CacheKeyPrefixActionLedger+key, time.Now().UTC().Format(time.RFC3339), l.ttl).Err(); err != nil {
		return fmt.Errorf("redis ledger write failed: %w", err)
	}
	return nil
}

type MemoryLedger struct {
	mu   sync.Mutex
	done map[string]struct{}
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{done: make(map[string]struct{})}
}

func (l *MemoryLedger) Completed(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.done[key]
	return ok, nil
}

func (l *MemoryLedger) MarkCompleted(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done[key] = struct{}{}
	return nil
}
