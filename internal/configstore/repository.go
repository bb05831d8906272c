package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"concierge/internal/constants"
	"concierge/internal/rules"
	apperrors "concierge/pkg/errors"
	"concierge/pkg/metrics"
)

// Repository stores one automation document per property.
// Save uses optimistic versioning: cfg.Version must equal the stored version (0 for a new document).
type Repository interface {
	Get(ctx context.Context, propertyID string) (rules.Configuration, error)
	Save(ctx context.Context, cfg rules.Configuration) (rules.Configuration, error)
	List(ctx context.Context) ([]rules.Configuration, error)
}

type MongoDBRepository struct {
	collection *mongo.Collection
	now        func() time.Time
}

func NewMongoRepository(db *mongo.Database) *MongoDBRepository {
	return &MongoDBRepository{
		collection: db.Collection(constants.PropertyConfigCollection),
		now:        time.Now,
	}
}

func (r *MongoDBRepository) Get(ctx context.Context, propertyID string) (rules.Configuration, error) {
	start := time.Now()
	var cfg rules.Configuration
	err := r.collection.FindOne(ctx, bson.M{"property_id": propertyID}).Decode(&cfg)
	metrics.ObserveQuery("mongodb", "get_config", start, err)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return rules.Configuration{}, apperrors.ErrNotFound.WithDetail("property_id", propertyID)
		}
		return rules.Configuration{}, fmt.Errorf("failed to find configuration: %w", err)
	}
	return cfg, nil
}

func (r *MongoDBRepository) Save(ctx context.Context, cfg rules.Configuration) (rules.Configuration, error) {
	start := time.Now()
	expected := cfg.Version
	cfg.Version = expected + 1
	cfg.UpdatedAt = r.now().UTC()

	if expected == 0 {
		_, err := r.collection.InsertOne(ctx, cfg)
		metrics.ObserveQuery("mongodb", "insert_config", start, err)
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return rules.Configuration{}, apperrors.ErrConflict.WithDetail("property_id", cfg.PropertyID)
			}
			return rules.Configuration{}, fmt.Errorf("failed to insert configuration: %w", err)
		}
		return cfg, nil
	}

	filter := bson.M{"property_id": cfg.PropertyID, "version": expected}
	res, err := r.collection.ReplaceOne(ctx, filter, cfg)
	metrics.ObserveQuery("mongodb", "replace_config", start, err)
	if err != nil {
		return rules.Configuration{}, fmt.Errorf("failed to replace configuration: %w", err)
	}
	if res.MatchedCount == 0 {
		return rules.Configuration{}, apperrors.ErrConflict.
			WithDetail("property_id", cfg.PropertyID).
			WithDetail("message", fmt.Sprintf("configuration version %d is stale", expected))
	}
	return cfg, nil
}

func (r *MongoDBRepository) List(ctx context.Context) ([]rules.Configuration, error) {
	start := time.Now()
	opts := options.Find().SetSort(bson.D{{Key: "property_id", Value: 1}})

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	metrics.ObserveQuery("mongodb", "list_configs", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to find configurations: %w", err)
	}
	defer cursor.Close(ctx)

	var cfgs []rules.Configuration
	if err := cursor.All(ctx, &cfgs); err != nil {
		return nil, fmt.Errorf("failed to decode configurations: %w", err)
	}
	return cfgs, nil
}

// MemoryRepository keeps documents in process. Values are deep-copied on the way in and out.
type MemoryRepository struct {
	mu   sync.RWMutex
	docs map[string][]byte
	now  func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		docs: make(map[string][]byte),
		now:  time.Now,
	}
}

func (r *MemoryRepository) Get(ctx context.Context, propertyID string) (rules.Configuration, error) {
	r.mu.RLock()
	raw, ok := r.docs[propertyID]
	r.mu.RUnlock()
	if !ok {
		return rules.Configuration{}, apperrors.ErrNotFound.WithDetail("property_id", propertyID)
	}
	return decode(raw)
}

func (r *MemoryRepository) Save(ctx context.Context, cfg rules.Configuration) (rules.Configuration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := 0
	if raw, ok := r.docs[cfg.PropertyID]; ok {
		stored, err := decode(raw)
		if err != nil {
			return rules.Configuration{}, err
		}
		current = stored.Version
	}
	if cfg.Version != current {
		return rules.Configuration{}, apperrors.ErrConflict.
			WithDetail("property_id", cfg.PropertyID).
			WithDetail("message", fmt.Sprintf("configuration version %d is stale", cfg.Version))
	}

	cfg.Version = current + 1
	cfg.UpdatedAt = r.now().UTC()
	raw, err := json.Marshal(cfg)
	if err != nil {
		return rules.Configuration{}, fmt.Errorf("failed to encode configuration: %w", err)
	}
	r.docs[cfg.PropertyID] = raw
	return cfg, nil
}

func (r *MemoryRepository) List(ctx context.Context) ([]rules.Configuration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]rules.Configuration, 0, len(r.docs))
	for _, raw := range r.docs {
		cfg, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PropertyID < out[j].PropertyID })
	return out, nil
}

func decode(raw []byte) (rules.Configuration, error) {
	var cfg rules.Configuration
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return rules.Configuration{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}
