package grace

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"concierge/internal/constants"
	apperrors "concierge/pkg/errors"
)

// createScript stores the record and indexes its deadline in one step.
var createScript = redis.NewScript(`
if redis.call('SETNX', KEYS[1], ARGV[1]) == 1 then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
	return 1
end
return 0
`)

type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func graceKey(bookingID string) string {
	return constants.CacheKeyPrefixGrace + bookingID
}

func (s *RedisStore) Create(ctx context.Context, g GracePeriod) (bool, error) {
	body, err := json.Marshal(g)
	if err != nil {
		return false, fmt.Errorf("failed to marshal grace period: %w", err)
	}

	created, err := createScript.Run(ctx, s.client,
		[]string{graceKey(g.BookingID), constants.CacheKeyGraceDeadlines},
		body, g.Deadline.UnixMilli(), g.BookingID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis grace create failed: %w", err)
	}
	return created == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, bookingID string) (GracePeriod, bool, error) {
	raw, err := s.client.Get(ctx, graceKey(bookingID)).Bytes()
	if err == redis.Nil {
		return GracePeriod{}, false, nil
	}
	if err != nil {
		return GracePeriod{}, false, fmt.Errorf("redis grace get failed: %w", err)
	}

	var g GracePeriod
	if err := json.Unmarshal(raw, &g); err != nil {
		return GracePeriod{}, false, fmt.Errorf("failed to decode grace period: %w", err)
	}
	return g, true, nil
}

func (s *RedisStore) MarkExpired(ctx context.Context, bookingID string) error {
	g, ok, err := s.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.ErrNotFound.WithDetail("booking_id", bookingID)
	}

	g.Expired = true
	body, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal grace period: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetXX(ctx, graceKey(bookingID), body, redis.KeepTTL)
		pipe.ZRem(ctx, constants.CacheKeyGraceDeadlines, bookingID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis grace expire failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Close(ctx context.Context, g GracePeriod) error {
	existing, ok, err := s.Get(ctx, g.BookingID)
	if err != nil {
		return err
	}
	if ok {
		g = existing
	}
	g.Expired = true
	g.Closed = true

	body, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to marshal grace period: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, graceKey(g.BookingID), body, 0)
		pipe.ZRem(ctx, constants.CacheKeyGraceDeadlines, g.BookingID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis grace close failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, bookingID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, graceKey(bookingID))
		pipe.ZRem(ctx, constants.CacheKeyGraceDeadlines, bookingID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis grace delete failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Due(ctx context.Context, now time.Time, limit int) ([]GracePeriod, error) {
	ids, err := s.client.ZRangeByScore(ctx, constants.CacheKeyGraceDeadlines, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis grace due scan failed: %w", err)
	}

	out := make([]GracePeriod, 0, len(ids))
	for _, id := range ids {
		g, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			// index entry outlived its record
			s.client.ZRem(ctx, constants.CacheKeyGraceDeadlines, id)
			continue
		}
		if g.Expired {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func (s *RedisStore) CountPending(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, constants.CacheKeyGraceDeadlines).Result()
	if err != nil {
		return 0, fmt.Errorf("redis grace count failed: %w", err)
	}
	return int(n), nil
}
