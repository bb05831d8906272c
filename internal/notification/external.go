package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"concierge/internal/rules"
)

// ExternalLookup resolves custom fields whose source is "external".
type ExternalLookup interface {
	Lookup(ctx context.Context, path string, e rules.Event) (string, bool, error)
}

// RedisLookup reads values that other systems publish into Redis.
// The path is a key pattern with {booking_id}, {guest_id} and {property_id} placeholders;
// "key#field" reads a hash field.
type RedisLookup struct {
	client redis.UniversalClient
}

func NewRedisLookup(client redis.UniversalClient) *RedisLookup {
	return &RedisLookup{client: client}
}

func (l *RedisLookup) Lookup(ctx context.Context, path string, e rules.Event) (string, bool, error) {
	key := strings.NewReplacer(
		"{booking_id}", e.BookingID,
		"{guest_id}", e.GuestID,
		"{property_id}", e.PropertyID,
	).Replace(path)

	var (
		val string
		err error
	)
	if k, field, ok := strings.Cut(key, "#"); ok {
		val, err = l.client.HGet(ctx, k, field).Result()
	} else {
		val, err = l.client.Get(ctx, key).Result()
	}
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}
	return val, true, nil
}
