package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"StrongNet-Agent/internal/config"
	redisstore "StrongNet-Agent/internal/storage/redis"

	"github.com/redis/go-redis/v9"
)

const requeueTimeout = 5 * time.Second

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现触发队列。LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client redis.UniversalClient
	queue  string
	wait   time.Duration
	owned  bool
}

// NewRedisQueue 连接 Redis 并创建队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	client, err := redisstore.Open(ctx, config.RedisConfig{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		return nil, err
	}
	q := NewRedisQueueWithClient(client, cfg.Queue, cfg.BlockWait)
	q.owned = true
	return q, nil
}

// NewRedisQueueWithClient 在已有客户端上创建队列，Close 不会关闭该客户端。
func NewRedisQueueWithClient(client redis.UniversalClient, queue string, wait time.Duration) *RedisQueue {
	if queue == "" {
		queue = "strongnet:triggers"
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Publish 将请求投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, req Request) error {
	payload, err := encode(req)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布触发请求失败: %w", err)
	}
	return nil
}

// Consume 通过 BRPOP 获取请求，处理失败时重新投递到队尾。
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return err
			}
			return fmt.Errorf("Redis 取触发请求失败: %w", err)
		}
		if len(values) != 2 {
			continue
		}
		raw := values[1]
		if handlerErr := handler(ctx, decode([]byte(raw))); handlerErr != nil {
			if err := q.requeue(raw); err != nil {
				return fmt.Errorf("Redis 重新投递触发请求失败: %w", err)
			}
		}
	}
}

// requeue 把未执行的请求放回出队一端。BRPOP 已移除消息，ctx 可能已取消，使用独立的上下文。
func (q *RedisQueue) requeue(raw string) error {
	ctx, cancel := context.WithTimeout(context.Background(), requeueTimeout)
	defer cancel()
	return q.client.RPush(ctx, q.queue, raw).Err()
}

// Close 关闭自建的 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil || !q.owned {
		return nil
	}
	return q.client.Close()
}
