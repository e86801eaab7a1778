package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"StrongNet-Agent/internal/api"
	"StrongNet-Agent/internal/config"
	"StrongNet-Agent/internal/cycle"
	"StrongNet-Agent/internal/dispatch"
	xerrors "StrongNet-Agent/internal/errors"
	"StrongNet-Agent/internal/lock"
	"StrongNet-Agent/internal/notify"
	"StrongNet-Agent/internal/selector"
	redisstore "StrongNet-Agent/internal/storage/redis"
	"StrongNet-Agent/internal/trigger"
	"StrongNet-Agent/internal/wallet"
	"StrongNet-Agent/internal/web3/provider"
	"StrongNet-Agent/pkg/logger"
)

// main 是 StrongNet 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("strongnetd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("STRONGNET_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "strongnet.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("strongnetd")

	// 凭据是启动期唯一不可恢复的依赖，失败直接退出。
	store, closeStore, err := wallet.OpenStore(ctx, cfg.Wallet.Store)
	if err != nil {
		return err
	}
	identity, err := wallet.Load(ctx, store, wallet.LoadOptions{
		PrivateKey: os.Getenv(cfg.Wallet.PrivateKeyEnv),
		Passphrase: os.Getenv(cfg.Wallet.PassphraseEnv),
	})
	if closeErr := closeStore(); closeErr != nil {
		log.Warn("关闭凭据存储失败", slog.Any("error", closeErr))
	}
	if err != nil {
		return err
	}

	pool, err := provider.NewPool(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer pool.Close()
	log.Info("端点池已就绪",
		slog.String("chain", pool.Chain()),
		slog.Any("endpoints", pool.Names()),
		slog.String("wallet", identity.Address().Hex()))

	sel, err := selector.New(identity.Address(), pool, selector.Config{
		AllowList:   cfg.Selector.AllowList,
		SafeHarbor:  cfg.Selector.SafeHarbor,
		Probability: *cfg.Selector.Probability,
		CallTimeout: cfg.Web3.CallTimeout(),
	}, selector.WithRandom(selector.NewRandom(cfg.Selector.Seed)))
	if err != nil {
		return err
	}

	disp, err := dispatch.New(identity, pool, dispatch.Config{
		Policy:                dispatch.Policy(cfg.Dispatch.Confirmation),
		CallTimeout:           cfg.Web3.CallTimeout(),
		ConfirmTimeout:        cfg.Dispatch.ConfirmTimeout(),
		ConfirmPoll:           cfg.Dispatch.ConfirmPoll(),
		GasLimit:              cfg.Dispatch.GasLimit,
		ChainID:               pool.ChainID(),
		ProbePriorSubmissions: *cfg.Dispatch.ProbePriorSubmissions,
	})
	if err != nil {
		return err
	}

	amount, err := dispatch.ParseAmount(cfg.Dispatch.Amount)
	if err != nil {
		return err
	}

	sinks, closeSinks, err := buildSinks(cfg.Notifier)
	if err != nil {
		return err
	}
	defer closeSinks()
	notifier := notify.New(cfg.Notifier.Intent, sinks)

	locker, closeLock, err := buildLocker(ctx, cfg.Lock)
	if err != nil {
		return err
	}
	defer closeLock()

	engine, err := cycle.New(sel, disp, notifier, locker, amount)
	if err != nil {
		return err
	}

	queue, err := trigger.Open(ctx, cfg.Trigger)
	if err != nil {
		return err
	}
	if queue != nil {
		defer func() {
			if err := queue.Close(); err != nil {
				log.Warn("关闭触发队列失败", slog.Any("error", err))
			}
		}()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler := cycle.NewScheduler(engine, cfg.Scheduler.Interval(), *cfg.Scheduler.RunOnStart)
		if err := scheduler.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("定时触发器异常退出", slog.Any("error", err))
		}
	}()

	apiOpts := []api.Option{
		api.WithTriggerTimeout(cfg.Server.TriggerTimeout()),
		api.WithInfo(api.Info{
			Wallet:    identity.Address(),
			Chain:     pool.Chain(),
			Endpoints: pool.Names(),
			Policy:    string(disp.Policy()),
			Amount:    amount.String(),
			Sinks:     notifier.Sinks(),
		}),
	}
	if queue != nil {
		apiOpts = append(apiOpts, api.WithQueue(queue))
		processor := trigger.NewProcessor(engine, queue,
			trigger.WithRequestTimeout(cfg.Server.TriggerTimeout()),
			trigger.WithMaxAge(cfg.Trigger.MaxAge()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := processor.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("触发队列消费者异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, engine, apiOpts...)
	serveErr := server.Start(ctx)

	cancel()
	wg.Wait()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer waitCancel()
	if err := notifier.Wait(waitCtx); err != nil {
		log.Warn("仍有通知未完成投递", slog.Any("error", err))
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	log.Info("strongnetd 已退出")
	return nil
}

func buildSinks(cfg config.NotifierConfig) ([]notify.Sink, func(), error) {
	var (
		sinks   []notify.Sink
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	if cfg.Webhook.URL != "" {
		client := &http.Client{Timeout: time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second}
		sink, err := notify.NewWebhookSink(cfg.Webhook.URL, client)
		if err != nil {
			return nil, closeAll, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.AMQP.URL != "" {
		sink, err := notify.NewAMQPSink(notify.AMQPConfig{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
		})
		if err != nil {
			closeAll()
			return nil, func() {}, xerrors.Wrap(xerrors.CodeNotifyFailure, err, "初始化 AMQP 通知失败")
		}
		sinks = append(sinks, sink)
		closers = append(closers, sink.Close)
	}
	return sinks, closeAll, nil
}

func buildLocker(ctx context.Context, cfg config.LockConfig) (lock.Locker, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return lock.NewMemory(), func() {}, nil
	case "redis":
		client, err := redisstore.Open(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 Redis 锁失败")
		}
		l, err := lock.NewRedis(client, lock.RedisConfig{TTL: time.Duration(cfg.TTLSeconds) * time.Second})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return l, func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的锁驱动: %s", cfg.Driver)
	}
}
