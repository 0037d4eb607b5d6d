package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/umlcdp/collab/auth"
	"github.com/umlcdp/collab/collab"
	"github.com/umlcdp/collab/internal/config"
	"github.com/umlcdp/collab/internal/db"
	"github.com/umlcdp/collab/internal/slogging"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "server exited with error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := slogging.Initialize(slogging.Config{
		Level:            slogging.ParseLogLevel(cfg.Logging.Level),
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.LogDir,
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	}); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := slogging.Get()
	defer func() {
		_ = logger.Close()
	}()

	gormDB, err := db.NewGormDB(cfg.Database.Postgres.ConnString())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer func() {
		_ = gormDB.Close()
	}()

	if err := gormDB.AutoMigrate(collab.Models()...); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Broadcast transport: Redis pub/sub when enabled, in-process otherwise
	var broadcaster collab.Broadcaster
	if cfg.Database.Redis.Enabled {
		redisDB, err := db.NewRedisDB(db.RedisConfig{
			Host:     cfg.Database.Redis.Host,
			Port:     cfg.Database.Redis.Port,
			Password: cfg.Database.Redis.Password,
			DB:       cfg.Database.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer func() {
			_ = redisDB.Close()
		}()
		broadcaster = collab.NewRedisBroadcaster(redisDB.Client(), cfg.Collab.SendBufferSize)
		logger.Info("using Redis broadcast transport at %s", cfg.Database.Redis.Addr())
	} else {
		broadcaster = collab.NewMemoryBroadcaster(cfg.Collab.SendBufferSize)
		logger.Info("using in-memory broadcast transport")
	}
	defer broadcaster.Close()

	authService, err := auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}
	authMiddleware := auth.NewMiddleware(authService, cfg.Auth.TokenQueryAuth)

	presence := collab.NewPresenceStore(cfg.Collab.PresenceWindow)
	locks := collab.NewLockManager(cfg.Collab.LockTTL)
	repo := collab.NewGormRepository(gormDB.DB())
	notifier := collab.NewNotifier(collab.NewGormNotificationStore(gormDB.DB()), broadcaster)
	sessions := collab.NewSessionStore(gormDB.DB(), cfg.Collab.SessionTTL, cfg.Collab.PresenceWindow)
	changes := collab.NewChangeLog(gormDB.DB())
	comments := collab.NewCommentStore(gormDB.DB())

	hub := collab.NewHub(collab.HubOptions{
		Broadcaster: broadcaster,
		Presence:    presence,
		Locks:       locks,
		Repo:        repo,
		Perms:       repo,
		Sessions:    sessions,
		Changes:     changes,
		Notifier:    notifier,
	})
	handlers := collab.NewHandlers(collab.HandlerOptions{
		Presence:    presence,
		Locks:       locks,
		Broadcaster: broadcaster,
		Repo:        repo,
		Perms:       repo,
		Notifier:    notifier,
		Comments:    comments,
		Changes:     changes,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := collab.NewCleanupWorker(locks, presence, broadcaster, sessions, cfg.Collab.CleanupInterval)
	worker.Start(ctx)
	defer worker.Stop()

	if !cfg.Logging.IsDev {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(slogging.LoggerMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ws := router.Group("/ws", authMiddleware.AuthRequired())
	ws.GET("/diagrams/:id", hub.HandleDiagramWS)
	ws.GET("/projects/:id", hub.HandleProjectWS)
	ws.GET("/notifications/:user_id", hub.HandleNotificationsWS)

	api := router.Group("/api", authMiddleware.AuthRequired())
	handlers.RegisterRoutes(api)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Interface, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("received signal %s, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
