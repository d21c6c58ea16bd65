package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gridcredit/accounting/internal/accounting"
	"github.com/gridcredit/accounting/internal/api"
	"github.com/gridcredit/accounting/internal/auth"
	"github.com/gridcredit/accounting/internal/bufpool"
	"github.com/gridcredit/accounting/internal/config"
	"github.com/gridcredit/accounting/internal/database"
	"github.com/gridcredit/accounting/internal/directory"
	"github.com/gridcredit/accounting/internal/filler"
	mw "github.com/gridcredit/accounting/internal/middleware"
	inats "github.com/gridcredit/accounting/internal/nats"
	"github.com/gridcredit/accounting/internal/notify"
	iredis "github.com/gridcredit/accounting/internal/redis"
	"github.com/gridcredit/accounting/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
		slog.Error("running migrations", "error", err)
		os.Exit(1)
	}

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS
	natsClient, err := inats.NewClient(ctx, cfg.NATS)
	if err != nil {
		slog.Error("connecting to nats", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	publisher := inats.NewPublisher(natsClient.JetStream())
	consumerMgr := inats.NewConsumerManager(natsClient.JetStream())

	// Auth
	jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Issuer)

	// Ledger
	dir := directory.NewRepository(pool)
	ledger, err := accounting.Open(ctx, cfg.Ledger, accounting.NewPostgresStore(pool), dir, dir, publisher)
	if err != nil {
		slog.Error("opening ledger", "error", err)
		os.Exit(1)
	}
	defer ledger.Close()

	go func() {
		if err := ledger.Run(ctx); err != nil {
			slog.Error("ledger background jobs", "error", err)
		}
	}()

	// Provider notifications
	broadcaster := notify.NewBroadcaster()
	notifySvc := notify.NewService(
		ledger,
		dir,
		jwtManager,
		bufpool.New(cfg.Notify.BufferCount, cfg.Notify.BufferSize),
		broadcaster,
		notify.NewRegistry(),
		cfg.Notify,
	)
	notifyHandler := notify.NewHandler(notifySvc)

	listener := notify.NewEventListener(consumerMgr, ledger.Relevance(), broadcaster)
	go func() {
		if err := listener.Start(ctx); err != nil {
			slog.Error("project listener", "error", err)
		}
	}()

	// Personal provider projects
	fill := filler.New(ledger, dir, consumerMgr, cfg.Filler)
	go func() {
		if err := fill.Start(ctx); err != nil {
			slog.Error("provider project filler", "error", err)
		}
	}()

	// Handlers
	walletHandler := accounting.NewHandler(ledger)
	directoryHandler := directory.NewHandler(dir, publisher)

	walletLimiter := mw.NewRateLimiter(redisClient, "wallets",
		cfg.RateLimit.MaxRequests, cfg.RateLimit.WindowSec, limitByUser)

	// Router
	router := api.NewRouter(
		api.Deps{Pool: pool, NATS: natsClient, Redis: redisClient},
		api.RouterConfig{CORSAllowedOrigins: cfg.CORS.AllowedOrigins},
		api.HandlerSet{
			Balance:            walletHandler.Balance,
			AddCredits:         walletHandler.AddCredits,
			AddCreditsBulk:     walletHandler.AddCreditsBulk,
			SetBalance:         walletHandler.SetBalance,
			ReserveCredits:     walletHandler.ReserveCredits,
			ReserveCreditsBulk: walletHandler.ReserveCreditsBulk,
			ChargeReservation:  walletHandler.ChargeReservation,
			Transfer:           walletHandler.Transfer,
			RetrieveWallets:    walletHandler.RetrieveWallets,

			SaveProject:     directoryHandler.SaveProject,
			PublishCategory: directoryHandler.PublishCategory,

			Notifications: notifyHandler.Notifications,

			AuthMiddleware:      auth.Middleware(jwtManager),
			WalletRateLimiter:   walletLimiter.Middleware,
			RequireOperator:     auth.RequireRole(auth.RoleAdmin, auth.RoleService),
			RequireWalletReader: auth.RequireRole(auth.RoleAdmin, auth.RoleService, auth.RoleProvider),

			ProviderSessions: notifySvc.Registry().ConnectedCount,
		},
	)

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// limitByUser buckets wallet traffic per authenticated user.
func limitByUser(r *http.Request) string {
	if claims := auth.GetClaims(r.Context()); claims != nil {
		return "user:" + claims.Username
	}
	return ""
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
