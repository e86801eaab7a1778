package wallet

import (
	"context"
	"strings"

	"StrongNet-Agent/internal/config"
	xerrors "StrongNet-Agent/internal/errors"
	redisstore "StrongNet-Agent/internal/storage/redis"
)

// OpenStore 根据配置创建凭据存储。返回的 closer 释放底层连接。
func OpenStore(ctx context.Context, cfg config.WalletStoreConfig) (Store, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		store, err := NewFileStore(cfg.Path)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case "mysql":
		store, err := OpenMySQLStore(ctx, cfg.DSN, cfg.Key)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	case "redis":
		client, err := redisstore.Open(ctx, cfg.Redis)
		if err != nil {
			return nil, noop, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 凭据存储失败")
		}
		store, err := NewRedisStore(client, cfg.Key)
		if err != nil {
			client.Close()
			return nil, noop, err
		}
		return store, client.Close, nil
	default:
		return nil, noop, xerrors.New(xerrors.CodeInvalidArgument, "不支持的钱包存储类型: "+cfg.Driver)
	}
}
