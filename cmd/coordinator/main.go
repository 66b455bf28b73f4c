package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cyberherd/config"
	"cyberherd/internal/database"
	"cyberherd/internal/feed"
	"cyberherd/internal/feeder"
	"cyberherd/internal/herd"
	"cyberherd/internal/messages"
	"cyberherd/internal/nostr"
	"cyberherd/internal/notify"
	"cyberherd/internal/payout"
	"cyberherd/internal/pipeline"
	"cyberherd/internal/queue"
	"cyberherd/internal/recovery"
	"cyberherd/internal/scheduler"
	"cyberherd/internal/splits"
	"cyberherd/internal/wallet"
	"cyberherd/pkg/broadcast"
	"cyberherd/pkg/logger"
	pkgqueue "cyberherd/pkg/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := logger.Init(logger.GetEnv()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var cfg config.CoordinatorConfig
	if err := config.Load(configPath(), &cfg); err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDB(database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		DB:              cfg.Database.DB,
		SslMode:         cfg.Database.SslMode,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	redisClient, err := pkgqueue.Connect(pkgqueue.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	streams := pkgqueue.NewStreamQueue(redisClient, 2)
	if err := streams.DeclareStream(ctx, queue.PaymentStream, queue.PaymentGroup); err != nil {
		logger.Fatal("Failed to declare payment stream", zap.Error(err))
	}

	members := database.NewHerdRepository(db)
	zaps := database.NewZapRepository(db)
	cacheRepo := database.NewCacheRepository(db)
	metrics := database.NewMetricsRepository(db)

	hub := broadcast.NewHub()
	relay := nostr.NewPoolClient(ctx, cfg.Nostr.PubKey, cfg.Nostr.SecretKey, cfg.Nostr.Relays)

	walletSvc := wallet.NewLNbitsService(wallet.Config{
		BaseURL:     cfg.Wallet.BaseURL,
		MainAPIKey:  cfg.Wallet.MainAPIKey,
		SplitAPIKey: cfg.Wallet.SplitAPIKey,
	})
	feederClient := feeder.NewClient(feeder.Config{
		BaseURL:  cfg.Feeder.BaseURL,
		User:     cfg.Feeder.User,
		Password: cfg.Feeder.Password,
	})

	notifier := notify.NewNotifier(messages.NewTemplateSelector(), hub, relay, members)
	syncer := splits.NewSynchronizer(members, walletSvc, cacheRepo,
		cfg.Split.FallbackWallet, cfg.Split.FallbackAlias, nil)
	engine := herd.NewEngine(db, members, zaps, notifier, syncer, herd.Config{
		MaxSize:         cfg.Herd.MaxSize,
		HeadbuttMinSats: cfg.Herd.HeadbuttMinSats,
	}, nil)

	balance := pipeline.NewBalance(0)
	orchestrator := payout.NewOrchestrator(walletSvc, syncer, balance, metrics, notifier, nil)
	pipe := pipeline.NewPipeline(balance, engine, relay, members, cacheRepo,
		feederClient, orchestrator, notifier, metrics, cfg.Herd.TriggerSats, nil)

	// Preflight the wallet. The tracked balance self-corrects from feed
	// frames, so failures here only cost accuracy until the first payment.
	if sats, err := walletSvc.Balance(ctx); err != nil {
		logger.Warn("Could not read wallet balance at startup", zap.Error(err))
	} else {
		balance.Set(sats)
		logger.Info("Wallet balance loaded", zap.Int64("sats", sats))
	}
	if targets, err := walletSvc.GetTargets(ctx); err != nil {
		logger.Warn("Could not read split targets at startup", zap.Error(err))
	} else {
		logger.Info("Split targets loaded", zap.Int("targets", len(targets)))
	}

	// Replay receipts missed while the process was down, then align the
	// split router with whatever the herd table holds now.
	if err := recovery.NewRunner(relay, pipe, members, zaps, cacheRepo, nil).Run(ctx); err != nil {
		logger.Error("Startup recovery failed", zap.Error(err))
	}
	if err := syncer.Sync(ctx, true); err != nil {
		logger.Warn("Startup split sync failed", zap.Error(err))
	}

	daily := scheduler.NewDailyJob(engine, syncer, metrics, cacheRepo, zaps, notifier, nil)
	feedConsumer := feed.NewConsumer(cfg.Feed.WebSocketURL, queue.PaymentStream, streams)
	consumerName := "coordinator-" + uuid.NewString()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return feedConsumer.Run(gctx)
	})
	g.Go(func() error {
		return daily.Run(gctx)
	})
	g.Go(func() error {
		return streams.Consume(gctx, queue.PaymentStream, queue.PaymentGroup, consumerName,
			func(messageID string, data []byte) error {
				return pipe.HandlePayment(gctx, data)
			})
	})

	notifier.Info(ctx, "coordinator online")
	logger.Info("Coordinator running",
		zap.String("consumer", consumerName),
		zap.Int("max_herd_size", cfg.Herd.MaxSize),
		zap.Int64("trigger_sats", cfg.Herd.TriggerSats))

	if err := g.Wait(); err != nil {
		logger.Error("Coordinator stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	hub.Shutdown(shutdownCtx)

	logger.Info("Coordinator stopped")
}

func configPath() config.Path {
	if p := os.Getenv("CYBERHERD_CONFIG"); p != "" {
		return config.Path(p)
	}
	return config.Path("config.toml")
}
