package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient 建立 Redis 客戶端並驗證連線
func NewRedisClient(ctx context.Context, addr, password string, db, poolSize int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisCodeReserver 以 Redis SET NX 預留加入碼
//
// 鍵：<prefix><code>，TTL 與房間存活時間相同，
// 程序崩潰時預留也會自然過期。
type RedisCodeReserver struct {
	client *redis.Client
	prefix string
}

// NewRedisCodeReserver 創建預留器
func NewRedisCodeReserver(client *redis.Client, prefix string) *RedisCodeReserver {
	return &RedisCodeReserver{client: client, prefix: prefix}
}

func (r *RedisCodeReserver) key(code string) string {
	return r.prefix + code
}

// Reserve 預留加入碼，已被佔用時返回 false
func (r *RedisCodeReserver) Reserve(ctx context.Context, code string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(code), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve code %s: %w", code, err)
	}
	return ok, nil
}

// Release 釋放加入碼
func (r *RedisCodeReserver) Release(ctx context.Context, code string) error {
	if err := r.client.Del(ctx, r.key(code)).Err(); err != nil {
		return fmt.Errorf("release code %s: %w", code, err)
	}
	return nil
}
