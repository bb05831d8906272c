package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"concierge/internal/config"
	"concierge/internal/constants"
	"concierge/internal/logger"
	"concierge/pkg/migrations"
)

// Databases holds the three stores the automation service needs: Postgres for history and jobs,
// Redis for grace periods and the action ledger, MongoDB for property configurations.
type Databases struct {
	Postgres    *sql.DB
	Redis       *redis.Client
	MongoClient *mongo.Client
	Mongo       *mongo.Database
}

type DatabaseConnector struct {
	Config *config.Config
	Logger logger.Logger
}

func NewDatabaseConnector(cfg *config.Config, log logger.Logger) *DatabaseConnector {
	return &DatabaseConnector{
		Config: cfg,
		Logger: log,
	}
}

// Connect opens every store and prepares its schema. Already opened stores are closed on failure.
func (dc *DatabaseConnector) Connect(ctx context.Context) (*Databases, error) {
	dbs := &Databases{}

	fail := func(err error) (*Databases, error) {
		for _, closeErr := range dc.ShutdownDatabases(ctx, dbs) {
			dc.Logger.WarnwCtx(ctx, "Failed to close store after connect error", "error", closeErr)
		}
		return nil, err
	}

	var err error
	if dbs.Postgres, err = dc.InitPostgreSQL(ctx); err != nil {
		return fail(err)
	}
	if dc.Config.Database.RunMigrations {
		if err := migrations.RunPostgres(dbs.Postgres); err != nil {
			return fail(fmt.Errorf("failed to run migrations: %w", err))
		}
		dc.Logger.InfowCtx(ctx, "PostgreSQL migrations applied")
	}

	if dbs.Redis, err = dc.InitRedis(ctx); err != nil {
		return fail(err)
	}

	if dbs.MongoClient, err = dc.InitMongoDB(ctx); err != nil {
		return fail(err)
	}
	dbName := dc.Config.Database.MongoDB.Database
	if dbName == "" {
		dbName = constants.DefaultMongoDBName
	}
	dbs.Mongo = dbs.MongoClient.Database(dbName)
	if err := migrations.EnsureMongoCollection(ctx, dbs.Mongo); err != nil {
		return fail(fmt.Errorf("failed to prepare property config collection: %w", err))
	}

	return dbs, nil
}

func (dc *DatabaseConnector) InitRedis(ctx context.Context) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", dc.Config.Database.Redis.Host, dc.Config.Database.Redis.Port),
		Password: dc.Config.Database.Redis.Password,
		DB:       dc.Config.Database.Redis.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	dc.Logger.InfowCtx(ctx, "Redis connected", "addr", rdb.Options().Addr)
	return rdb, nil
}

func (dc *DatabaseConnector) InitPostgreSQL(ctx context.Context) (*sql.DB, error) {
	pg := dc.Config.Database.Postgres
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		pg.User, pg.Password, pg.Host, pg.Port, pg.DBName, pg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	dc.Logger.InfowCtx(ctx, "PostgreSQL connected", "host", pg.Host, "dbname", pg.DBName)
	return db, nil
}

func (dc *DatabaseConnector) InitMongoDB(ctx context.Context) (*mongo.Client, error) {
	mongoOpts := options.Client().ApplyURI(dc.Config.Database.MongoDB.URI)
	mongoClient, err := mongo.Connect(ctx, mongoOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := mongoClient.Ping(ctx, nil); err != nil {
		mongoClient.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dc.Logger.InfowCtx(ctx, "MongoDB connected")
	return mongoClient, nil
}

func (dc *DatabaseConnector) ShutdownDatabases(ctx context.Context, dbs *Databases) []error {
	if dbs == nil {
		return nil
	}

	var errs []error

	if dbs.Redis != nil {
		if err := dbs.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if dbs.Postgres != nil {
		if err := dbs.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close error: %w", err))
		}
	}

	if dbs.MongoClient != nil {
		if err := dbs.MongoClient.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mongodb disconnect error: %w", err))
		}
	}

	return errs
}
