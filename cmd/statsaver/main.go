package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MIAOMC-Server/SSaver/internal/syncer"
	"github.com/MIAOMC-Server/SSaver/pkg/collector"
	"github.com/MIAOMC-Server/SSaver/pkg/config"
	"github.com/MIAOMC-Server/SSaver/pkg/consumer"
	"github.com/MIAOMC-Server/SSaver/pkg/database"
	"github.com/MIAOMC-Server/SSaver/pkg/logger"
	"github.com/MIAOMC-Server/SSaver/pkg/server"
	"github.com/MIAOMC-Server/SSaver/pkg/session"
	"github.com/MIAOMC-Server/SSaver/pkg/store"
	"github.com/MIAOMC-Server/SSaver/pkg/worker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	l, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Environment,
		ServiceName: cfg.ServiceName,
		Debug:       cfg.Settings.DebugMode,
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer l.Sync()

	l.Info("statsaver initializing",
		zap.String("env", cfg.Environment),
		zap.String("server_name", cfg.Settings.ServerName))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Initialize PostgreSQL and reconcile the table
	manager, err := database.Open(ctx, cfg.Database, l)
	if err != nil {
		l.Error("failed to create connection pool", err)
		os.Exit(1)
	}
	defer manager.Close()

	if !manager.TestConnection(ctx) {
		l.Error("database unavailable, statistics cannot be saved", errors.New("connection test failed"),
			zap.String("host", cfg.Database.Host), zap.String("table", cfg.Database.TableName))
		os.Exit(1)
	}
	if err := manager.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		l.Warn("failed to register pool metrics", zap.Error(err))
	}

	// 4. Initialize worker pool
	workerPool := worker.NewWorkerPool(l, cfg.Settings.WorkerCount, 0)
	workerPool.Start(ctx)

	gateway := store.NewGateway(manager, workerPool, l, syncer.GatewayOptions(cfg))

	// 5. Session windows
	windows, closeWindows, err := openWindows(ctx, cfg)
	if err != nil {
		l.Error("failed to open session store", err, zap.String("store", cfg.Session.Store))
		os.Exit(1)
	}
	defer closeWindows()

	coll := collector.New(collector.FileCatalog(cfg.Settings.CatalogPath), l)
	if _, err := coll.Universe(); err != nil {
		l.Error("failed to load statistic catalog", err, zap.String("path", cfg.Settings.CatalogPath))
		os.Exit(1)
	}

	aggregator := session.NewAggregator(syncer.AggregatorConfig(cfg), windows, coll, gateway, l)

	// 6. Initialize consumer
	kafkaConsumer := consumer.NewKafkaConsumer(consumer.Config{
		Brokers: cfg.Kafka.Brokers,
		Topic:   cfg.Kafka.Topic,
		GroupID: cfg.Kafka.GroupID,
	})

	reload := syncer.NewReloader(*configPath, manager,
		syncer.Configurable{Gateway: gateway, Aggregator: aggregator}, l)
	svc := syncer.NewService(l, kafkaConsumer, aggregator, workerPool, reload)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				svc.RequestReload()
			case <-ctx.Done():
				return
			}
		}
	}()

	// 7. Start observability server
	obsServer := server.New(cfg.Server.Addr, manager, l)
	go func() {
		if err := obsServer.Start(); err != nil {
			l.Error("observability server failed", err)
		}
	}()

	// 8. Start service
	l.Info("statsaver starting")
	if err := svc.Start(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			l.Info("statsaver stopping")
		} else {
			l.Error("statsaver failed", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	obsServer.Shutdown(shutdownCtx)
}

func openWindows(ctx context.Context, cfg *config.AppConfig) (session.WindowStore, func(), error) {
	if cfg.Session.Store != config.SessionStoreRedis {
		return session.NewMemoryWindows(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, err
	}
	return session.NewRedisWindows(client, cfg.Settings.ServerName), func() { client.Close() }, nil
}
