// Package testutils 提供整合測試用的容器環境
//
// PostgreSQL 與 Redis 以 testcontainers 啟動，測試結束時自動清理；
// -short 模式下直接跳過。
package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/system-design/14-math-arena/internal/storage"
	"github.com/koopa0/system-design/14-math-arena/internal/storage/migrations"
	"github.com/koopa0/system-design/14-math-arena/pkg/logger"
)

// SkipIfShort -short 模式下跳過整合測試
func SkipIfShort(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// Postgres 啟動 PostgreSQL 容器、執行遷移並返回連接池
func Postgres(t testing.TB) *pgxpool.Pool {
	t.Helper()
	SkipIfShort(t)
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("arena"),
		tcpostgres.WithUsername("arena"),
		tcpostgres.WithPassword("arena"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	m, err := migrations.New(dsn, logger.Discard())
	if err != nil {
		t.Fatalf("failed to create migrator: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	_ = m.Close()

	pool, err := storage.NewPostgresPool(ctx, dsn, 5, 1)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// Redis 啟動 Redis 容器並返回客戶端
func Redis(t testing.TB) *redis.Client {
	t.Helper()
	SkipIfShort(t)
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}

	client, err := storage.NewRedisClient(ctx, endpoint, "", 0, 10)
	if err != nil {
		t.Fatalf("failed to connect redis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}
