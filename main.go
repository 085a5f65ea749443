package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"tarefas/api"
	"tarefas/board"
	"tarefas/config"
	"tarefas/feed"
	"tarefas/projector"
	"tarefas/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	logger := log.StandardLogger()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	store, err := storage.New(cfg.StorageConnection, cfg.TasksTable, cfg.CommandQueue, logger)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisOpts, err := config.RedisOptions(cfg.RedisConnection)
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	rc := redis.NewClient(redisOpts)
	cache := storage.NewCache(store, rc, cfg.CacheTTL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := feed.NewHub(cache, rc, cfg.UpdatesChannel, cfg.FeedPollInterval, logger)
	go hub.Run(ctx)
	go projector.New(store, store, cache, rc, cfg.UpdatesChannel, logger).Run(ctx)

	sessions := api.NewSessions(cfg.SessionSecret(), cfg.SessionTTL, strings.HasPrefix(cfg.PublicURL, "https://"))
	deps := api.Deps{
		Sessions: sessions,
		Tasks:    cache,
		Feed:     hub,
		Gateway:  board.NewGateway(store, logger),
		Deduper:  api.NewRedisDeduper(rc, cfg.DeduperTTL),
		Health: func(ctx context.Context) error {
			return rc.Ping(ctx).Err()
		},
		Logger: logger,
	}
	if cfg.GoogleEnabled() {
		jwks, err := keyfunc.Get(api.GoogleJWKSURL, keyfunc.Options{
			RefreshInterval:   time.Hour,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				logger.WithError(err).Warn("google jwks refresh failed")
			},
		})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
		deps.SignIn = api.NewGoogleSignIn(cfg.GoogleClientID, cfg.GoogleSecret, cfg.PublicURL, jwks.Keyfunc, sessions, logger)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{cfg.PublicURL},
		AllowHeaders:     []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
		AllowCredentials: true,
	}))
	api.Register(e, deps)
	// streams end with the process context
	e.Server.BaseContext = func(net.Listener) context.Context { return ctx }

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Close()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("tracer shutdown")
	}
	_ = rc.Close()
}
