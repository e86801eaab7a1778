package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	xerrors "StrongNet-Agent/internal/errors"
)

const safeHarbor = "0x2222222222222222222222222222222222222222"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strongnet.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

type check struct {
	name      string
	got, want any
}

func runChecks(t *testing.T, checks []check) {
	t.Helper()
	for _, c := range checks {
		if !reflect.DeepEqual(c.got, c.want) {
			t.Errorf("%s: got %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"web3": {"chain_config": "chain.yaml", "default_chain": "bsc-testnet"},
		"dispatch": {"confirmation": " Receipt "},
		"selector": {"safe_harbor": "`+safeHarbor+`"}
	}`)
	base := filepath.Dir(path)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	runChecks(t, []check{
		{"server address", cfg.Server.Address, ":10000"},
		{"trigger timeout", cfg.Server.TriggerTimeout(), 5 * time.Minute},
		{"chain config", cfg.Web3.ChainConfig, filepath.Join(base, "chain.yaml")},
		{"call timeout", cfg.Web3.CallTimeout(), 15 * time.Second},
		{"confirmation", cfg.Dispatch.Confirmation, ConfirmationReceipt},
		{"amount", cfg.Dispatch.Amount, "0.0000001"},
		{"confirm timeout", cfg.Dispatch.ConfirmTimeout(), 2 * time.Minute},
		{"confirm poll", cfg.Dispatch.ConfirmPoll(), 2 * time.Second},
		{"gas limit", cfg.Dispatch.GasLimit, uint64(21000)},
		{"probe", *cfg.Dispatch.ProbePriorSubmissions, true},
		{"probability", *cfg.Selector.Probability, 0.5},
		{"interval", cfg.Scheduler.Interval(), 10 * time.Minute},
		{"run on start", *cfg.Scheduler.RunOnStart, true},
		{"lock driver", cfg.Lock.Driver, "memory"},
		{"store driver", cfg.Wallet.Store.Driver, "file"},
		{"store path", cfg.Wallet.Store.Path, filepath.Join(base, "data", "wallet_data.txt")},
		{"private key env", cfg.Wallet.PrivateKeyEnv, "PRIVATE_KEY"},
		{"intent", cfg.Notifier.Intent, "transfer"},
		{"log level", cfg.Logging.Level, "info"},
		{"trigger max age", cfg.Trigger.MaxAge(), time.Duration(0)},
	})
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8088")
	t.Setenv("RPC_URL", "https://rpc.example")
	t.Setenv("NETWORK_ID", "bsc")

	path := writeConfig(t, `{
		"dispatch": {"confirmation": "broadcast"},
		"selector": {"safe_harbor": "`+safeHarbor+`", "probability": 3},
		"trigger": {"max_age_seconds": 90}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	runChecks(t, []check{
		{"server address", cfg.Server.Address, ":8088"},
		{"rpc urls", cfg.Web3.RPCURLs, []string{"https://rpc.example"}},
		{"default chain", cfg.Web3.DefaultChain, "bsc"},
		{"probability", *cfg.Selector.Probability, 1.0},
		{"trigger max age", cfg.Trigger.MaxAge(), 90 * time.Second},
	})
}

func TestLoadRequiresConfirmationPolicy(t *testing.T) {
	path := writeConfig(t, `{
		"web3": {"rpc_urls": ["https://rpc.example"]},
		"selector": {"safe_harbor": "`+safeHarbor+`"}
	}`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error without confirmation policy")
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeInvalidArgument {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestValidateRejectsBadInput(t *testing.T) {
	valid := func() Config {
		cfg := Config{
			Web3:     Web3Config{RPCURLs: []string{"https://rpc.example"}},
			Dispatch: DispatchConfig{Confirmation: "broadcast"},
			Selector: SelectorConfig{SafeHarbor: safeHarbor},
		}
		cfg.applyDefaults(t.TempDir())
		return cfg
	}
	base := valid()
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(*Config){
		"unknown policy":  func(c *Config) { c.Dispatch.Confirmation = "eventually" },
		"bad safe harbor": func(c *Config) { c.Selector.SafeHarbor = "0x123" },
		"bad allow entry": func(c *Config) { c.Selector.AllowList = []string{safeHarbor, "nope"} },
		"no endpoints":    func(c *Config) { c.Web3.RPCURLs = nil },
		"unknown store":   func(c *Config) { c.Wallet.Store.Driver = "s3" },
		"unknown lock":    func(c *Config) { c.Lock.Driver = "etcd" },
		"unknown trigger": func(c *Config) { c.Trigger.Driver = "kafka" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
