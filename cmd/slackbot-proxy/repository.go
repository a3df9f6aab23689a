package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/growilabs/slackbot-proxy/internal/config"
	"github.com/growilabs/slackbot-proxy/internal/relation"
	"github.com/growilabs/slackbot-proxy/internal/relation/repositoryimpl"
	"github.com/growilabs/slackbot-proxy/pkg/storage"
)

// newRepository opens the relation store selected by STORAGE_TYPE. The
// returned func releases it.
func newRepository(ctx context.Context, env *config.Env) (relation.Repository, func(), error) {
	switch env.StorageEnv.Type {
	case "postgres":
		pool, err := pgxpool.New(ctx, env.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		repo := repositoryimpl.NewPostgresRepository(pool)
		if err := repo.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to migrate postgres: %w", err)
		}
		return repo, pool.Close, nil
	case "s3":
		store, err := storage.NewS3Storage(ctx, env.S3Bucket, env.S3Prefix, env.S3Region)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create S3 storage: %w", err)
		}
		return repositoryimpl.NewYAMLRepository(store), func() {}, nil
	default:
		store, err := storage.NewLocalStorage(env.StorageEnv.BaseDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create local storage: %w", err)
		}
		return repositoryimpl.NewYAMLRepository(store), func() {}, nil
	}
}
