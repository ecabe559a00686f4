package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatflow/internal/api"
	"chatflow/internal/auth"
	"chatflow/internal/config"
	"chatflow/internal/db"
	"chatflow/internal/delivery"
	"chatflow/internal/dispatch"
	"chatflow/internal/jobs"
	"chatflow/internal/lock"
	"chatflow/internal/logging"
	"chatflow/internal/pubsub"
	"chatflow/internal/schema"
	"chatflow/internal/service"
	"chatflow/internal/storage"
	"chatflow/internal/template"
	"chatflow/internal/ws"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "migrate":
		if err := db.Migrate(context.Background(), cfg.DatabaseURL); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
	case "token":
		// chatflow token <operator> [ttl]
		if len(os.Args) < 3 {
			log.Fatalf("usage: chatflow token <operator> [ttl]")
		}
		ttl := 24 * time.Hour
		if len(os.Args) > 3 {
			if ttl, err = time.ParseDuration(os.Args[3]); err != nil {
				log.Fatalf("Invalid ttl: %v", err)
			}
		}
		token, err := auth.NewJWTConfig(cfg.JWTSecret).Issue(os.Args[2], ttl)
		if err != nil {
			log.Fatalf("Failed to issue token (is JWT_SECRET set?): %v", err)
		}
		fmt.Println(token)
	case "serve":
		if err := serve(cfg); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	default:
		log.Fatalf("Unknown command: %s (use 'serve', 'migrate' or 'token')", cmd)
	}
}

func serve(cfg *config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := db.NewPool(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Pub/sub bus and operator feed
	bus := pubsub.New(rdb, logger)
	hub := ws.NewHub(logger)
	hub.SetStreamsProvider(bus.GetStreams())
	go hub.Run(ctx)
	bus.SetWSHub(hub)

	// Rendering, schemas and the HTTP action dispatcher
	renderer := template.New(
		template.WithCurrency(cfg.DefaultCurrency),
		template.WithLocation(cfg.Location()),
		template.WithLanguage(language.Make(cfg.DefaultLanguage)),
	)
	schemas := schema.NewCompilerWithCache(128)
	dispatcher := dispatch.New(dbPool, dispatch.NewStoreSink(dbPool, logger), renderer, schemas, logger)

	media, err := storage.NewMediaStore(cfg.MediaDir, cfg.MediaBaseURL)
	if err != nil {
		return err
	}

	// Conversation engine
	content := service.NewContentResolver(dbPool, media, renderer, cfg.SupportedLanguages, cfg.DefaultLanguage, logger)
	engine := service.NewEngine(dbPool, dispatcher, content, service.NewInputValidator(schemas), cfg.MaxHops, logger)
	sessions := service.NewSessionManager(dbPool, bus, cfg.IdleWindow, logger)
	var locker service.Locker = lock.NewRedisLocker(rdb, cfg.LockTTL, logger)
	if cfg.LockBackend == "local" {
		// single-process deployments only
		locker = lock.NewLocalLocker()
	}
	sessions.SetLocker(locker)
	conversation := service.NewConversationService(sessions, engine, dbPool, locker, bus, logger)

	// Channel delivery
	tracker := delivery.NewTracker(
		dbPool,
		delivery.NewHTTPSender(cfg.TransportURL, cfg.SendTimeout, nil),
		delivery.NewRedisHalter(rdb),
		bus,
		cfg.Channel,
		delivery.Policy{
			Base:       cfg.DeliveryBaseBackoff,
			Max:        cfg.DeliveryMaxBackoff,
			MaxRetries: cfg.DeliveryMaxRetries,
			Lease:      3 * cfg.SendTimeout,
		},
		logger,
	)
	conversation.SetDeliverer(tracker)

	// Background jobs
	jobServer, jobClient, err := jobs.NewJobServer(cfg.RedisAddr, jobs.NewHandlers(sessions, tracker, 100, logger), cfg.SweepPeriod, cfg.Location(), logger)
	if err != nil {
		return err
	}
	if err := jobServer.Start(); err != nil {
		return err
	}
	defer jobServer.Stop()
	tracker.SetJobClient(delivery.NewAsynqJobClient(jobClient))

	hub.SetCommandHandler(ws.NewCommandHandler(sessions, logger))

	handler := api.Routes(api.Dependencies{
		Conversation: conversation,
		Deliveries:   tracker,
		Channels:     tracker,
		Sessions:     sessions,
		Endpoints:    dispatcher,
		Media:        media,
		Hub:          hub,
		Auth:         auth.NewJWTConfig(cfg.JWTSecret),
		Health: map[string]api.HealthCheck{
			"postgres": dbPool.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
		Log: logger,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Starting server", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server stopped")
	return nil
}
