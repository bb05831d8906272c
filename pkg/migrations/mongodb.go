package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"concierge/internal/constants"
)

// EnsureMongoCollection creates the property configuration indexes. One document per property.
func EnsureMongoCollection(ctx context.Context, db *mongo.Database) error {
	collection := db.Collection(constants.PropertyConfigCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "property_id", Value: 1}},
			Options: options.Index().SetName("idx_property_configs_property_id").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "enabled", Value: 1}, {Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("idx_property_configs_enabled_updated_at"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return nil
}
