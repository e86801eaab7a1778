package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	xerrors "StrongNet-Agent/internal/errors"
	"StrongNet-Agent/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// Identity 是进程独占的钱包身份：地址与签名密钥。加载后只读。
type Identity struct {
	address common.Address
	key     *ecdsa.PrivateKey
}

// NewIdentity 由私钥构造身份。
func NewIdentity(key *ecdsa.PrivateKey) *Identity {
	return &Identity{address: crypto.PubkeyToAddress(key.PublicKey), key: key}
}

// Address 返回钱包地址。
func (i *Identity) Address() common.Address {
	return i.address
}

// IsSelf 判断给定地址（忽略大小写）是否为钱包自身。
func (i *Identity) IsSelf(addr string) bool {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return false
	}
	return common.HexToAddress(addr) == i.address
}

// SignTx 使用链 ID 对应的最新签名器签名交易。
func (i *Identity) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if chainID == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "签名需要链 ID")
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), i.key)
}

// plainBlob 是未加密的钱包快照格式。
type plainBlob struct {
	Address    string `json:"address"`
	PrivateKey string `json:"private_key"`
}

// CleanSecret 清理部署平台注入环境变量时常见的转义换行、引号与空白。
func CleanSecret(raw string) string {
	cleaned := strings.ReplaceAll(raw, `\n`, "\n")
	cleaned = strings.NewReplacer(`\`, "", `'`, "", `"`, "").Replace(cleaned)
	return strings.TrimSpace(cleaned)
}

// ParseBlob 解析钱包快照。支持 keystore v3 JSON、{"private_key": ...} JSON 以及裸十六进制私钥。
func ParseBlob(blob, passphrase string) (*Identity, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" {
		return nil, xerrors.New(xerrors.CodeCredentialFailure, "钱包数据为空")
	}

	if strings.HasPrefix(blob, "{") {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(blob), &probe); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCredentialFailure, err, "解析钱包 JSON 失败")
		}
		_, lower := probe["crypto"]
		_, upper := probe["Crypto"]
		if lower || upper {
			key, err := keystore.DecryptKey([]byte(blob), passphrase)
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeCredentialFailure, err, "解密 keystore 失败")
			}
			return NewIdentity(key.PrivateKey), nil
		}

		var plain plainBlob
		if err := json.Unmarshal([]byte(blob), &plain); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCredentialFailure, err, "解析钱包 JSON 失败")
		}
		id, err := parseHexKey(plain.PrivateKey)
		if err != nil {
			return nil, err
		}
		if plain.Address != "" && !id.IsSelf(plain.Address) {
			return nil, xerrors.New(xerrors.CodeCredentialFailure, "钱包快照地址与私钥不匹配",
				xerrors.WithMetadata("address", plain.Address))
		}
		return id, nil
	}

	return parseHexKey(blob)
}

func parseHexKey(raw string) (*Identity, error) {
	hexKey := strings.TrimPrefix(strings.TrimPrefix(CleanSecret(raw), "0x"), "0X")
	if hexKey == "" {
		return nil, xerrors.New(xerrors.CodeCredentialFailure, "私钥为空")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCredentialFailure, err, "私钥格式非法")
	}
	return NewIdentity(key), nil
}

// LoadOptions 控制钱包加载过程。
type LoadOptions struct {
	// PrivateKey 来自环境变量，仅在存储中没有快照时使用。
	PrivateKey string
	// Passphrase 用于解密或生成 keystore 快照；为空时快照以明文 JSON 保存。
	Passphrase string
	ScryptN    int
	ScryptP    int
}

// Load 从凭据存储恢复钱包身份。存储为空时回退到环境变量私钥，并把快照写回存储。
// 任何失败都带有 CodeCredentialFailure，调用方应视为启动期致命错误。
func Load(ctx context.Context, store Store, opts LoadOptions) (*Identity, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeCredentialFailure, "未配置凭据存储")
	}

	blob, err := store.Load(ctx)
	switch {
	case err == nil:
		id, parseErr := ParseBlob(blob, opts.Passphrase)
		if parseErr != nil {
			return nil, parseErr
		}
		logger.L().Info("已从凭据存储恢复钱包", slog.String("store", store.Name()), slog.String("address", id.Address().Hex()))
		return id, nil
	case stdErrors.Is(err, ErrNoCredential):
	default:
		return nil, xerrors.Wrap(xerrors.CodeCredentialFailure, err, "读取凭据存储失败")
	}

	if strings.TrimSpace(opts.PrivateKey) == "" {
		return nil, xerrors.New(xerrors.CodeCredentialFailure, "凭据存储为空且未提供私钥")
	}
	id, err := parseHexKey(opts.PrivateKey)
	if err != nil {
		return nil, err
	}

	snapshot, err := exportSnapshot(id, opts)
	if err != nil {
		return nil, err
	}
	if err := store.Save(ctx, snapshot); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCredentialFailure, err, "写入钱包快照失败")
	}
	logger.L().Info("已根据私钥生成钱包快照", slog.String("store", store.Name()), slog.String("address", id.Address().Hex()))
	return id, nil
}

func exportSnapshot(id *Identity, opts LoadOptions) (string, error) {
	if opts.Passphrase == "" {
		payload, err := json.Marshal(plainBlob{
			Address:    id.Address().Hex(),
			PrivateKey: fmt.Sprintf("0x%x", crypto.FromECDSA(id.key)),
		})
		if err != nil {
			return "", xerrors.Wrap(xerrors.CodeCredentialFailure, err, "序列化钱包快照失败")
		}
		return string(payload), nil
	}

	scryptN, scryptP := opts.ScryptN, opts.ScryptP
	if scryptN <= 0 || scryptP <= 0 {
		scryptN, scryptP = keystore.StandardScryptN, keystore.StandardScryptP
	}
	payload, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    id.Address(),
		PrivateKey: id.key,
	}, opts.Passphrase, scryptN, scryptP)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeCredentialFailure, err, "加密钱包快照失败")
	}
	return string(payload), nil
}
