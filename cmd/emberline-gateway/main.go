package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emberline-chat/gateway/internal/api"
	"github.com/emberline-chat/gateway/internal/apierrors"
	"github.com/emberline-chat/gateway/internal/auth"
	"github.com/emberline-chat/gateway/internal/bus"
	"github.com/emberline-chat/gateway/internal/config"
	"github.com/emberline-chat/gateway/internal/conn"
	"github.com/emberline-chat/gateway/internal/dispatcher"
	"github.com/emberline-chat/gateway/internal/httputil"
	"github.com/emberline-chat/gateway/internal/manager"
	"github.com/emberline-chat/gateway/internal/membership"
	"github.com/emberline-chat/gateway/internal/postgres"
	"github.com/emberline-chat/gateway/internal/presence"
	"github.com/emberline-chat/gateway/internal/replay"
	"github.com/emberline-chat/gateway/internal/subscriber"
	"github.com/emberline-chat/gateway/internal/valkey"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes (spec §6).
const (
	exitOK           = 0
	exitConfigError  = 1
	exitBindFailure  = 2
	valkeyDialWindow = 5 * time.Second
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(exitConfigError)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	if err := run(cfg); err != nil {
		if errors.Is(err, errBindFailure) {
			log.Error().Err(err).Msg("gateway failed to bind")
			os.Exit(exitBindFailure)
		}
		log.Fatal().Err(err).Msg("gateway stopped")
	}
}

var errBindFailure = errors.New("bind failure")

func run(cfg *config.Config) error {
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("env", cfg.GatewayEnv).
		Msg("starting emberline gateway")

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("postgres connected")

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("database migrations complete")

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, valkeyDialWindow)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("valkey connected")

	directory := membership.NewPGDirectory(db, log.Logger)
	validator := auth.NewJWTValidator(cfg.JWTSecret, cfg.ServerURL)
	presenceStore := presence.NewStore(rdb)

	mgr := manager.New(cfg.MaxConnections)
	sub := subscriber.New(subscriber.NewRedisBus(rdb), mgr, time.Duration(cfg.SubscribeDecaySeconds)*time.Second, log.Logger)
	sub.SetMembershipChecker(directory)
	publisher := bus.NewPublisher(rdb, log.Logger)

	dispatchCfg := dispatcher.Config{
		HeartbeatInterval:   cfg.HeartbeatInterval(),
		ResumeWindow:        cfg.ResumeWindow(),
		GuildCreateThrottle: time.Duration(cfg.GuildCreateThrottleMS) * time.Millisecond,
		ReplayCapacity:      cfg.ReplayCapacity,
	}
	d := dispatcher.New(dispatchCfg, mgr, sub, publisher, validator, directory, presenceStore, log.Logger)
	d.SetMirror(replay.NewMirror(rdb, cfg.ResumeWindow(), cfg.ReplayCapacity))

	connCfg := conn.DefaultConfig()
	connCfg.CloseGrace = cfg.CloseGrace()
	connCfg.EgressQueueSize = cfg.EgressQueueSize
	connCfg.HeartbeatInterval = cfg.HeartbeatInterval()
	connCfg.IdentifyTimeout = cfg.IdentifyTimeout()
	connCfg.InboundRateLimit = cfg.InboundRateLimit
	connCfg.InboundRateWindow = time.Duration(cfg.InboundRateWindowSecs) * time.Second

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	go runWithBackoff(subCtx, "pubsub-subscriber", sub.Run)

	app := fiber.New(fiber.Config{
		AppName: "emberline-gateway",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "an internal error occurred"
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
			} else {
				log.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{Code: apierrors.InternalError, Message: message},
			})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))

	health := api.NewHealthHandler(db, rdb)
	app.Get("/health", health.Health)

	gatewayHandler := api.NewGatewayHandler(d, connCfg)
	app.Get(cfg.GatewayPath, gatewayHandler.Upgrade)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("shutting down gateway")
		d.Shutdown()
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.GatewayPort)
	log.Info().Str("addr", addr).Str("path", cfg.GatewayPath).Msg("gateway listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("%w: %v", errBindFailure, err)
	}

	return nil
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a non-nil, non-cancelled
// error. If fn returns nil or context.Canceled the goroutine exits. The delay starts at 1 second and doubles on each
// consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}
