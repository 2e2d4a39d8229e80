package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-math-arena/internal/broadcast"
	"github.com/koopa0/system-design/14-math-arena/internal/config"
	"github.com/koopa0/system-design/14-math-arena/internal/handler"
	"github.com/koopa0/system-design/14-math-arena/internal/matchmaking"
	"github.com/koopa0/system-design/14-math-arena/internal/registry"
	"github.com/koopa0/system-design/14-math-arena/internal/storage"
	"github.com/koopa0/system-design/14-math-arena/internal/storage/migrations"
	"github.com/koopa0/system-design/14-math-arena/pkg/logger"
)

// main 函數：應用程序入口
//
// 系統設計重點：
//  1. 依賴初始化順序（配置 → 外部服務 → 房間核心 → HTTP）
//  2. 外部服務皆為可選：未設定時退回記憶體實作，單機即可啟動
//  3. 優雅關閉（停止接受請求 → 停止清理 goroutine → 關閉連線）
func main() {
	configPath := flag.String("config", "config.yaml", "配置檔案路徑")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "math-arena: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. 讀取配置
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. 初始化日誌
	log := logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx := context.Background()

	// 3. 結果儲存：Postgres（含遷移）或記憶體
	var store storage.ResultStore = storage.NewMemory()
	if cfg.Postgres.Enabled {
		pool, err := setupPostgres(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer pool.Close()
		store = storage.NewPostgres(pool, log)
	}
	log.Info("result store initialized", "postgres", cfg.Postgres.Enabled)

	// 4. 加入碼預留：Redis（可選）
	regOpts := []registry.Option{
		registry.WithRoomTTL(cfg.Game.RoomTTL),
		registry.WithSweepInterval(cfg.Game.SweepInterval),
		registry.WithTimers(cfg.Game.Countdown, cfg.Game.RematchTimeout),
		registry.WithMaxCodeAttempts(cfg.Game.MaxCodeAttempts),
	}
	if cfg.Redis.Enabled {
		client, err := storage.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer closeRedis(client, log)
		regOpts = append(regOpts, registry.WithCodeReserver(storage.NewRedisCodeReserver(client, "arena:code:")))
		log.Info("redis code reservation enabled", "addr", cfg.Redis.Addr)
	}

	// 5. 廣播：WebSocket Hub 一律啟用，NATS 可選
	hub := broadcast.NewHub(log)
	defer hub.Stop()

	broadcasters := broadcast.Multi{hub}
	if cfg.NATS.Enabled {
		conn, err := broadcast.ConnectNATS(cfg.NATS.URL, cfg.NATS.ReconnectWait, log)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer drainNATS(conn, log)
		broadcasters = append(broadcasters, broadcast.NewNATS(conn, cfg.NATS.SubjectPrefix))
		log.Info("nats broadcasting enabled", "url", cfg.NATS.URL)
	}

	// 6. 房間核心
	reg, err := registry.New(log, regOpts...)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	defer reg.Stop()

	queue := matchmaking.New(log,
		matchmaking.WithEntryTTL(cfg.Game.QueueEntryTTL),
		matchmaking.WithSweepInterval(cfg.Game.SweepInterval),
	)
	defer queue.Stop()

	// 7. HTTP
	h := handler.New(reg, queue, store, broadcasters, log,
		handler.WithHub(hub),
		handler.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		handler.WithRateLimit(cfg.Server.RateLimit.Capacity, cfg.Server.RateLimit.RefillPerSecond),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("math arena server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 8. 等待中斷信號或啟動失敗
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// 9. 優雅關閉：先停止接受新請求，其餘資源由 defer 依反序關閉
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

// setupPostgres 執行遷移並建立連接池
func setupPostgres(ctx context.Context, cfg *config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	dsn := cfg.PostgresDSN()

	m, err := migrations.New(dsn, log)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil {
		_ = m.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := m.Close(); err != nil {
		log.Warn("failed to close migrator", "error", err)
	}

	pool, err := storage.NewPostgresPool(ctx, dsn, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	log.Info("postgres connected", "max_conns", cfg.Postgres.MaxConns)
	return pool, nil
}

func closeRedis(client *redis.Client, log *slog.Logger) {
	if err := client.Close(); err != nil {
		log.Warn("failed to close redis client", "error", err)
	}
}

func drainNATS(conn *nats.Conn, log *slog.Logger) {
	if err := conn.Drain(); err != nil {
		log.Warn("failed to drain nats connection", "error", err)
	}
}
