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

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/bidengine/api"
	"github.com/Aidin1998/bidengine/api/handlers"
	"github.com/Aidin1998/bidengine/internal/auction/model"
	"github.com/Aidin1998/bidengine/internal/auction/publisher"
	"github.com/Aidin1998/bidengine/internal/auction/sequencer"
	"github.com/Aidin1998/bidengine/internal/auction/store"
	"github.com/Aidin1998/bidengine/internal/config"
	"github.com/Aidin1998/bidengine/internal/database"
	"github.com/Aidin1998/bidengine/internal/telemetry"
	"github.com/Aidin1998/bidengine/internal/ws"
	"github.com/Aidin1998/bidengine/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Tracing: cfg.Telemetry.Tracing,
		Metrics: cfg.Telemetry.Metrics,
	})
	if err != nil {
		zapLogger.Fatal("Failed to set up telemetry", zap.Error(err))
	}

	st, err := openStore(ctx, cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to open store", zap.Error(err))
	}

	// Event sinks
	hub := ws.NewHub(ws.DefaultConfig(), zapLogger)
	go hub.Run(ctx)

	bus := publisher.NewBus(zapLogger)
	unsubscribe := bus.Subscribe(publisher.AllAuctions, func(e model.Event) {
		if e.Type == model.EventAuctionClosed || e.Type == model.EventAuctionCancelled {
			zapLogger.Info("Auction finished",
				zap.String("auction_id", e.AuctionID),
				zap.String("status", string(e.Snapshot.Status)),
				zap.String("winner_id", e.Snapshot.CurrentWinnerID),
				zap.String("price", e.Snapshot.CurrentPrice.StringFixed(model.AmountScale)))
		}
	})
	defer unsubscribe()

	sinks := []publisher.Sink{bus, hub}
	if cfg.Redis.Enabled {
		rdb, err := database.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer rdb.Close()
		sinks = append(sinks, publisher.NewRedisSink(rdb, cfg.Redis.Prefix, cfg.Redis.TTL))
	}
	var kafkaSink *publisher.KafkaSink
	if cfg.Kafka.Enabled {
		kafkaSink = publisher.NewKafkaSink(publisher.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
			RequiredAcks: cfg.Kafka.RequiredAcks,
			Compression:  cfg.Kafka.Compression,
		})
		sinks = append(sinks, kafkaSink)
	}

	dcfg := publisher.DefaultDispatcherConfig()
	dcfg.RetryBase = cfg.Publisher.RetryBase
	dcfg.RetryMax = cfg.Publisher.RetryMax
	dcfg.SinkTimeout = cfg.Publisher.SinkTimeout
	dispatcher := publisher.NewDispatcher(dcfg, zapLogger, sinks...)
	dispatcher.OnForget(hub.Forget)

	// Auction engine
	scfg := sequencer.DefaultConfig()
	scfg.QueueTimeout = cfg.Auction.QueueTimeout
	scfg.MailboxSize = cfg.Auction.MailboxSize
	manager := sequencer.NewManager(scfg, st, dispatcher, zapLogger)
	manager.OnEvict(dispatcher.Forget)

	restored, err := manager.Restore(ctx)
	if err != nil {
		zapLogger.Error("Some auctions could not be restored", zap.Error(err))
	}
	zapLogger.Info("Auctions restored", zap.Int("count", restored))

	scheduler := sequencer.NewScheduler(manager, cfg.Auction.ExpiryCheckInterval, zapLogger)
	go scheduler.Run(ctx)

	apiServer := api.NewServer(zapLogger, api.Config{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Handlers: handlers.Options{
			RetryAttempts:   cfg.API.RetryAttempts,
			ExtensionWindow: cfg.Auction.ExtensionWindow,
		},
	}, manager, hub)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		zapLogger.Info("Starting API server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Sequencer shutdown failed", zap.Error(err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		zapLogger.Error("Event dispatcher did not drain", zap.Error(err))
	}
	if kafkaSink != nil {
		if err := kafkaSink.Close(); err != nil {
			zapLogger.Error("Failed to close Kafka writer", zap.Error(err))
		}
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		zapLogger.Error("Telemetry shutdown failed", zap.Error(err))
	}

	zapLogger.Info("Server exited properly")
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Database.Driver {
	case "memory":
		log.Warn("Using in-memory store; auctions are lost on restart")
		return store.NewMemoryStore(), nil
	case "sqlite":
		db, err = database.NewSQLiteDB(cfg.Database.DSN, log)
	case "postgres":
		db, err = database.NewPostgresDB(cfg.Database.DSN, database.PoolConfig{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, log)
		if err == nil {
			go database.ReportPoolStats(ctx, "postgres", db, 30*time.Second, log)
		}
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	if err != nil {
		return nil, err
	}
	gs := store.NewGormStore(db, log)
	if err := gs.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return gs, nil
}
