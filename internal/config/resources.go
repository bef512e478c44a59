package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
)

const probeTimeout = 5 * time.Second

// Resources holds the external backends the engine depends on: Postgres for
// the operation log, Redis for fan-out and presence, object storage for
// snapshots. One place owns dialing, probing, and teardown.
type Resources struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	Object   *minio.Client

	bucket string
}

// NewResources dials every backend and fails fast if any of them does not
// answer a first probe.
func NewResources(ctx context.Context, cfg Config) (*Resources, error) {
	pool, err := newPostgresPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	object, err := minio.New(cfg.ObjectEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ObjectAccessKey, cfg.ObjectSecretKey, ""),
		Secure: cfg.ObjectUseSSL,
		Region: cfg.ObjectRegion,
	})
	if err != nil {
		pool.Close()
		_ = rdb.Close()
		return nil, fmt.Errorf("create object client: %w", err)
	}

	res := &Resources{Postgres: pool, Redis: rdb, Object: object, bucket: cfg.ObjectBucket}
	if err := res.HealthCheck(ctx); err != nil {
		res.Close()
		return nil, err
	}
	return res, nil
}

func newPostgresPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pgCfg, err := pgxpool.ParseConfig(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.PostgresMaxConns > 0 {
		pgCfg.MaxConns = cfg.PostgresMaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return pool, nil
}

// HealthCheck probes each backend within a shared deadline.
func (r *Resources) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := r.Postgres.Ping(ctx); err != nil {
		return fmt.Errorf("postgres healthcheck failed: %w", err)
	}
	if err := r.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis healthcheck failed: %w", err)
	}
	// object storage has no ping; a bucket stat is the cheapest round trip
	if _, err := r.Object.BucketExists(ctx, r.bucket); err != nil {
		return fmt.Errorf("object storage healthcheck failed: %w", err)
	}
	return nil
}

// Close releases every live connection. Safe on a partially built bundle.
func (r *Resources) Close() {
	if r.Postgres != nil {
		r.Postgres.Close()
	}
	if r.Redis != nil {
		_ = r.Redis.Close()
	}
}
