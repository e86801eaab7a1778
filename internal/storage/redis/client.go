package redis

import (
	"context"
	"fmt"
	"strings"

	"StrongNet-Agent/internal/config"

	goredis "github.com/redis/go-redis/v9"
)

// Open 创建客户端并通过 PING 确认可达。
func Open(ctx context.Context, cfg config.RedisConfig) (*goredis.Client, error) {
	addr := strings.TrimSpace(cfg.Address)
	if addr == "" {
		return nil, fmt.Errorf("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("无法连接到 Redis %s: %w", addr, err)
	}
	return client, nil
}
