package wallet

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	xerrors "StrongNet-Agent/internal/errors"
	mysqlstore "StrongNet-Agent/internal/storage/mysql"

	"github.com/redis/go-redis/v9"
)

// ErrNoCredential 表示存储中尚无钱包快照。
var ErrNoCredential = stdErrors.New("wallet: no stored credential")

// Store 持久化钱包快照。快照可能是 keystore 加密 JSON 或明文 JSON。
type Store interface {
	Name() string
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, blob string) error
}

// FileStore 把快照保存在本地文件中。
type FileStore struct {
	path string
}

// NewFileStore 创建文件存储。
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "钱包文件路径不能为空")
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Name() string { return "file" }

// Load 读取快照文件。
func (s *FileStore) Load(context.Context) (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if stdErrors.Is(err, os.ErrNotExist) {
			return "", ErrNoCredential
		}
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取钱包文件失败")
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", ErrNoCredential
	}
	return string(data), nil
}

// Save 先写临时文件再原子替换，权限为 0600。
func (s *FileStore) Save(_ context.Context, blob string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建钱包目录失败")
	}
	tmp, err := os.CreateTemp(dir, ".wallet-*")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时钱包文件失败")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "设置钱包文件权限失败")
	}
	if _, err := tmp.WriteString(blob); err != nil {
		tmp.Close()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入钱包文件失败")
	}
	if err := tmp.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "关闭钱包文件失败")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换钱包文件失败")
	}
	return nil
}

// MySQLStore 把快照保存在 agent_configs 表中，按 config_key 覆盖写。
type MySQLStore struct {
	db  *sql.DB
	key string
}

// OpenMySQLStore 连接 MySQL 并执行内嵌迁移以确保 agent_configs 表存在。
func OpenMySQLStore(ctx context.Context, dsn, key string) (*MySQLStore, error) {
	db, err := mysqlstore.Open(ctx, mysqlstore.Config{DSN: dsn})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 凭据存储失败")
	}
	if err := mysqlstore.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 agent_configs 表失败")
	}
	store, err := NewMySQLStore(db, key)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLStore 在已迁移的连接上创建存储。
func NewMySQLStore(db *sql.DB, key string) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	if strings.TrimSpace(key) == "" {
		key = "wallet_data"
	}
	return &MySQLStore{db: db, key: key}, nil
}

func (s *MySQLStore) Name() string { return "mysql" }

// Load 读取快照。
func (s *MySQLStore) Load(ctx context.Context) (string, error) {
	const query = `SELECT config_value FROM agent_configs WHERE config_key = ?`
	var value string
	if err := s.db.QueryRowContext(ctx, query, s.key).Scan(&value); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return "", ErrNoCredential
		}
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询钱包快照失败")
	}
	if strings.TrimSpace(value) == "" {
		return "", ErrNoCredential
	}
	return value, nil
}

// Save 覆盖写快照。
func (s *MySQLStore) Save(ctx context.Context, blob string) error {
	const upsert = `INSERT INTO agent_configs (config_key, config_value) VALUES (?, ?)
ON DUPLICATE KEY UPDATE config_value = VALUES(config_value)`
	if _, err := s.db.ExecContext(ctx, upsert, s.key, blob); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存钱包快照失败")
	}
	return nil
}

// Close 释放连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RedisStore 把快照保存在单个 Redis 键中。
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore 创建 Redis 存储。
func NewRedisStore(client redis.UniversalClient, key string) (*RedisStore, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 客户端不能为空")
	}
	if strings.TrimSpace(key) == "" {
		key = "wallet_data"
	}
	return &RedisStore{client: client, key: key}, nil
}

func (s *RedisStore) Name() string { return "redis" }

// Load 读取快照。
func (s *RedisStore) Load(ctx context.Context) (string, error) {
	value, err := s.client.Get(ctx, s.key).Result()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return "", ErrNoCredential
		}
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 钱包快照失败")
	}
	if strings.TrimSpace(value) == "" {
		return "", ErrNoCredential
	}
	return value, nil
}

// Save 覆盖写快照，不设置过期时间。
func (s *RedisStore) Save(ctx context.Context, blob string) error {
	if err := s.client.Set(ctx, s.key, blob, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入 Redis 键 %s 失败", s.key))
	}
	return nil
}
