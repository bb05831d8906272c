package health

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const checkTimeout = 5 * time.Second

type Checker interface {
	Check(ctx context.Context) error
	Name() string
}

type Health struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

type CheckResult struct {
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type registration struct {
	checker  Checker
	optional bool
}

// CheckerRegistry runs every registered check in parallel. A failing required check makes the
// service unhealthy; a failing optional one only degrades it.
type CheckerRegistry struct {
	checkers []registration
}

func NewCheckerRegistry() *CheckerRegistry {
	return &CheckerRegistry{}
}

func (r *CheckerRegistry) Register(checker Checker) {
	r.checkers = append(r.checkers, registration{checker: checker})
}

func (r *CheckerRegistry) RegisterOptional(checker Checker) {
	r.checkers = append(r.checkers, registration{checker: checker, optional: true})
}

func (r *CheckerRegistry) Check(ctx context.Context) Health {
	var (
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(r.checkers))
		overall = StatusHealthy
	)

	var g errgroup.Group
	for _, reg := range r.checkers {
		reg := reg
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			result := CheckResult{Status: StatusHealthy, Timestamp: time.Now()}
			if err := reg.checker.Check(checkCtx); err != nil {
				result.Status = StatusUnhealthy
				if reg.optional {
					result.Status = StatusDegraded
				}
				result.Message = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			results[reg.checker.Name()] = result
			switch {
			case result.Status == StatusUnhealthy:
				overall = StatusUnhealthy
			case result.Status == StatusDegraded && overall == StatusHealthy:
				overall = StatusDegraded
			}
			return nil
		})
	}
	_ = g.Wait()

	return Health{
		Status:    overall,
		Timestamp: time.Now(),
		Checks:    results,
	}
}

type PostgreSQLChecker struct {
	db *sql.DB
}

func NewPostgreSQLChecker(db *sql.DB) *PostgreSQLChecker {
	return &PostgreSQLChecker{db: db}
}

func (c *PostgreSQLChecker) Name() string {
	return "postgresql"
}

func (c *PostgreSQLChecker) Check(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgresql ping failed: %w", err)
	}
	return nil
}

type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

type MongoDBChecker struct {
	client *mongo.Client
}

func NewMongoDBChecker(client *mongo.Client) *MongoDBChecker {
	return &MongoDBChecker{client: client}
}

func (c *MongoDBChecker) Name() string {
	return "mongodb"
}

func (c *MongoDBChecker) Check(ctx context.Context) error {
	if err := c.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongodb ping failed: %w", err)
	}
	return nil
}

// FreshnessChecker fails when the last recorded success is older than maxAge.
type FreshnessChecker struct {
	name   string
	maxAge time.Duration
	last   func() time.Time
	now    func() time.Time
}

func NewFreshnessChecker(name string, maxAge time.Duration, last func() time.Time) *FreshnessChecker {
	return &FreshnessChecker{name: name, maxAge: maxAge, last: last, now: time.Now}
}

func (c *FreshnessChecker) Name() string {
	return c.name
}

func (c *FreshnessChecker) Check(ctx context.Context) error {
	last := c.last()
	if last.IsZero() {
		return fmt.Errorf("%s has not completed yet", c.name)
	}
	if age := c.now().Sub(last); age > c.maxAge {
		return fmt.Errorf("%s last succeeded %s ago", c.name, age.Truncate(time.Second))
	}
	return nil
}
