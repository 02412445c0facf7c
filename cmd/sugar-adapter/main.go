package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/sugar-adapter/internal/api"
	"github.com/Checker-Finance/sugar-adapter/internal/jobs"
	"github.com/Checker-Finance/sugar-adapter/internal/publisher"
	"github.com/Checker-Finance/sugar-adapter/internal/rate"
	"github.com/Checker-Finance/sugar-adapter/internal/records"
	intsecrets "github.com/Checker-Finance/sugar-adapter/internal/secrets"
	"github.com/Checker-Finance/sugar-adapter/internal/store"
	"github.com/Checker-Finance/sugar-adapter/internal/sugar"
	"github.com/Checker-Finance/sugar-adapter/pkg/config"
	"github.com/Checker-Finance/sugar-adapter/pkg/logger"
	pkgsecrets "github.com/Checker-Finance/sugar-adapter/pkg/secrets"
	"github.com/Checker-Finance/sugar-adapter/pkg/utils"
)

// envSecretName keys the login taken from SUGAR_USERNAME/SUGAR_PASSWORD.
const envSecretName = "env"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()

	if err := cfg.Validate(); err != nil {
		logg.Fatalw("invalid configuration", "error", err)
	}
	logg.Infow("starting [sugar-adapter]...", "crm", cfg.SugarURL)

	// --- Credentials: AWS Secrets Manager or environment ---
	var (
		provider   pkgsecrets.Provider
		secretName = cfg.CredentialsSecret
	)
	if secretName != "" {
		awsProvider, err := pkgsecrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to init AWS provider", "error", err)
		}
		provider = awsProvider
	} else {
		secretName = envSecretName
		provider = pkgsecrets.StaticProvider{
			envSecretName: {"username": cfg.SugarUsername, "password": cfg.SugarPassword},
		}
	}

	credCache := pkgsecrets.NewCache[sugar.Credentials](cfg.CacheTTL)
	go credCache.StartCleaner(ctx, cfg.CleanupFreq)

	resolver := intsecrets.NewCredentialResolver(
		logger.L(),
		provider,
		credCache,
		secretName,
		sugar.Credentials{
			ClientID:     cfg.SugarClientID,
			ClientSecret: cfg.SugarClientSecret,
			Platform:     cfg.SugarPlatform,
		},
	)

	// --- Rate limiter ---
	var rateMgr *rate.Manager
	if cfg.SugarRPS > 0 {
		rateMgr = rate.NewManager(rate.Config{
			RequestsPerSecond: cfg.SugarRPS,
			Burst:             cfg.SugarBurst,
		})
	}

	// --- CRM client ---
	client, err := sugar.NewClient(logger.L(), sugar.Config{
		BaseURL:  cfg.SugarURL,
		Timeout:  cfg.SugarTimeout,
		RetryMax: cfg.SugarRetryMax,
	}, rateMgr)
	if err != nil {
		logg.Fatalw("failed to init sugar client", "error", err)
	}

	deps := api.Dependencies{Session: client.Session()}

	// --- Record cache (optional) ---
	var cache store.RecordCache
	if cfg.RedisAddr != "" {
		rs, err := store.NewRedis(store.Options{
			Addr:     cfg.RedisAddr,
			DB:       cfg.RedisDB,
			Password: cfg.RedisPass,
			TTL:      cfg.RecordCacheTTL,
		}, logger.L())
		if err != nil {
			logg.Fatalw("failed to init record cache", "error", err)
		}
		defer rs.Close() //nolint:errcheck
		cache = rs
		deps.Store = rs
	} else {
		logg.Warn("REDIS_ADDR not set; record cache disabled")
	}

	// --- Event publisher (optional) ---
	var events records.EventPublisher
	if cfg.NATSURL != "" {
		logg.Info("connecting to NATS: ", utils.MaskDSN(cfg.NATSURL))
		nc, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
		if err != nil {
			logg.Fatalw("failed to connect to NATS", "error", err)
		}
		defer nc.Drain() //nolint:errcheck

		pub, err := publisher.New(nc, logger.L(), cfg.EventSubject, cfg.EventStream, client.Endpoint(), cfg.ServiceName)
		if err != nil {
			logg.Fatalw("failed to init publisher", "error", err)
		}
		events = pub
		deps.NATS = nc
	} else {
		logg.Warn("NATS_URL not set; record events disabled")
	}

	// --- Record service ---
	svc := records.NewService(logger.L(), client, resolver, cache, events)

	loginCtx, cancelLogin := context.WithTimeout(ctx, cfg.SugarTimeout)
	if err := svc.Login(loginCtx); err != nil {
		logg.Warnw("initial login failed; retrying on first request", "error", err)
	} else {
		logg.Infow("logged in",
			"client_id", client.Session().ClientID(),
			"access_token", utils.MaskSecret(client.Session().AccessToken()))
	}
	cancelLogin()

	if cfg.SessionKeepAlive > 0 {
		keeper := jobs.NewSessionKeeper(logger.L(), client.Session(), client, svc, cfg.SessionKeepAlive, cfg.SessionRefreshMargin)
		go keeper.Start(ctx)
	}

	// --- HTTP API ---
	app := fiber.New(fiber.Config{
		AppName:      cfg.ServiceName,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
		BodyLimit:    cfg.HTTPBodyLimit,
	})
	api.RegisterRoutes(app, deps, api.NewSugarHandler(logger.L(), svc))

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	logg.Infow("[sugar-adapter] running",
		"cache", cfg.RedisAddr != "",
		"events", cfg.NATSURL != "",
		"rate_limit", cfg.SugarRPS)

	<-ctx.Done()
	stop()
	logg.Info("shutting down [sugar-adapter]...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.L().Warn("fiber.shutdown_failed", zap.Error(err))
	}
}
