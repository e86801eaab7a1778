package lock

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	xerrors "StrongNet-Agent/internal/errors"
	"StrongNet-Agent/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisConfig 描述分布式锁。
type RedisConfig struct {
	Key string
	TTL time.Duration
	// RetryInterval 是 Acquire 轮询的间隔。
	RetryInterval time.Duration
}

// Redis 是跨副本的周期锁。本地先持有进程内锁，再抢占 Redis 键。
// 持有期间后台按 TTL/3 续期，Release 只删除自己写入的键。
type Redis struct {
	local  *Memory
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	retry  time.Duration
	log    *slog.Logger
}

// NewRedis 创建分布式锁。
func NewRedis(client redis.UniversalClient, cfg RedisConfig) (*Redis, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 客户端不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "strongnet:wallet-lock"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = 250 * time.Millisecond
	}
	return &Redis{
		local:  NewMemory(),
		client: client,
		key:    key,
		ttl:    ttl,
		retry:  retry,
		log:    logger.Named("lock"),
	}, nil
}

// TryAcquire 只尝试一次。
func (r *Redis) TryAcquire(ctx context.Context) (Release, bool, error) {
	localRelease, ok, _ := r.local.TryAcquire(ctx)
	if !ok {
		return nil, false, nil
	}
	token := uuid.NewString()
	acquired, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		localRelease()
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "抢占分布式锁失败")
	}
	if !acquired {
		localRelease()
		return nil, false, nil
	}
	return r.hold(token, localRelease), true, nil
}

// Acquire 轮询直到获得锁或 ctx 结束。
func (r *Redis) Acquire(ctx context.Context) (Release, error) {
	localRelease, err := r.local.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	token := uuid.NewString()
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		acquired, err := r.client.SetNX(ctx, r.key, token, r.ttl).Result()
		switch {
		case err != nil && ctx.Err() == nil:
			localRelease()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "抢占分布式锁失败")
		case acquired:
			return r.hold(token, localRelease), nil
		}
		select {
		case <-ctx.Done():
			localRelease()
			return nil, busy(ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Redis) hold(token string, localRelease Release) Release {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
				res, err := refreshScript.Run(ctx, r.client, []string{r.key}, token, r.ttl.Milliseconds()).Int64()
				cancel()
				if err != nil || res == 0 {
					r.log.Warn("续期分布式锁失败", slog.String("key", r.key), slog.Any("error", err))
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{r.key}, token).Err(); err != nil && !stdErrors.Is(err, redis.Nil) {
				r.log.Warn("释放分布式锁失败", slog.String("key", r.key), slog.Any("error", err))
			}
			localRelease()
		})
	}
}
