package configstore

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"concierge/internal/logger"
	"concierge/internal/rules"
	"concierge/pkg/cel"
	apperrors "concierge/pkg/errors"
	"concierge/pkg/metrics"
	"concierge/pkg/models"
)

type EventPublisher interface {
	PublishConfigUpdate(ctx context.Context, propertyID string, version int, action, changedBy string) error
}

// Service is the read-mostly cache in front of the Repository.
// Cached documents are treated as immutable; writers swap whole entries.
type Service struct {
	repo      Repository
	evaluator *cel.Evaluator
	publisher EventPublisher
	logger    logger.Logger

	mu    sync.RWMutex
	cache map[string]rules.Configuration

	reloadInterval time.Duration
	jitterMax      time.Duration
}

type ServiceOption func(*Service)

func WithPublisher(p EventPublisher) ServiceOption {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithReloadInterval(interval, jitterMax time.Duration) ServiceOption {
	return func(s *Service) {
		s.reloadInterval = interval
		s.jitterMax = jitterMax
	}
}

func NewService(repo Repository, evaluator *cel.Evaluator, log logger.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:      repo,
		evaluator: evaluator,
		logger:    log,
		cache:     make(map[string]rules.Configuration),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the property document, loading it on first use.
func (s *Service) Get(ctx context.Context, propertyID string) (rules.Configuration, error) {
	s.mu.RLock()
	cfg, ok := s.cache[propertyID]
	s.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	cfg, err := s.repo.Get(ctx, propertyID)
	if err != nil {
		return rules.Configuration{}, err
	}

	s.store(cfg)
	return cfg, nil
}

// Active is Get for event processing: a missing or disabled document is a configuration error.
func (s *Service) Active(ctx context.Context, propertyID string) (rules.Configuration, error) {
	cfg, err := s.Get(ctx, propertyID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return rules.Configuration{}, apperrors.ErrConfiguration.
				WithDetail("message", "no automation configuration for property").
				WithDetail("property_id", propertyID)
		}
		return rules.Configuration{}, err
	}
	if !cfg.Enabled {
		return rules.Configuration{}, apperrors.ErrConfiguration.
			WithDetail("message", "automation is disabled for property").
			WithDetail("property_id", propertyID)
	}
	return cfg, nil
}

// Put validates and stores cfg, then announces the change to other instances.
func (s *Service) Put(ctx context.Context, cfg rules.Configuration, changedBy string) (rules.Configuration, error) {
	if err := rules.ValidateConfiguration(cfg, s.evaluator); err != nil {
		return rules.Configuration{}, err
	}

	saved, err := s.repo.Save(ctx, cfg)
	if err != nil {
		return rules.Configuration{}, err
	}
	s.store(saved)

	s.logger.InfowCtx(ctx, "Property configuration saved",
		"property_id", saved.PropertyID,
		"version", saved.Version,
		"changed_by", changedBy,
	)

	if s.publisher != nil {
		if err := s.publisher.PublishConfigUpdate(ctx, saved.PropertyID, saved.Version, models.ActionUpdate, changedBy); err != nil {
			s.logger.WarnwCtx(ctx, "Failed to publish config update event",
				"property_id", saved.PropertyID,
				"error", err,
			)
		}
	}

	return saved, nil
}

func (s *Service) Invalidate(propertyID string) {
	s.mu.Lock()
	delete(s.cache, propertyID)
	size := len(s.cache)
	s.mu.Unlock()

	metrics.SetCachedConfigurations(size)
}

// ReloadAll replaces the whole cache with the stored documents.
func (s *Service) ReloadAll(ctx context.Context) error {
	cfgs, err := s.repo.List(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]rules.Configuration, len(cfgs))
	for _, cfg := range cfgs {
		fresh[cfg.PropertyID] = cfg
	}

	s.mu.Lock()
	s.cache = fresh
	s.mu.Unlock()

	metrics.SetCachedConfigurations(len(fresh))
	s.logger.InfowCtx(ctx, "Reloaded property configurations", "count", len(fresh))
	return nil
}

func (s *Service) store(cfg rules.Configuration) {
	s.mu.Lock()
	s.cache[cfg.PropertyID] = cfg
	size := len(s.cache)
	s.mu.Unlock()

	metrics.SetCachedConfigurations(size)
}

// StartReloader refreshes the cache periodically until ctx ends. A zero interval disables it.
func (s *Service) StartReloader(ctx context.Context) error {
	if s.reloadInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.sleepJitter(ctx); err != nil {
				return err
			}
			if err := s.ReloadAll(ctx); err != nil {
				s.logger.ErrorwCtx(ctx, "Failed to reload property configurations", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Service) sleepJitter(ctx context.Context) error {
	if s.jitterMax <= 0 {
		return nil
	}
	jitter := time.Duration(rand.Int63n(int64(s.jitterMax)))
	select {
	case <-time.After(jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
