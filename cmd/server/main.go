package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	webAdapter "inventory-ledger/internal/adapters/web"
	"inventory-ledger/internal/cache"
	"inventory-ledger/internal/config"
	"inventory-ledger/internal/core"
	"inventory-ledger/internal/db"
	"inventory-ledger/internal/events"
	"inventory-ledger/internal/listener"
	"inventory-ledger/internal/logger"
	"inventory-ledger/internal/realtime"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	// Realtime: the coordinator publishes onto the bus after commit and the
	// broadcaster drains it.
	bus := events.NewBus(cfg.Realtime.BusBuffer)
	hub := realtime.NewBroadcaster(log.Named("realtime"), cfg.Realtime.ConnectionQueue)
	hubDone := make(chan struct{})
	go func() {
		hub.Run(context.Background(), bus.C())
		close(hubDone)
	}()

	opts := []core.Option{core.WithLockTimeout(cfg.Database.LockTimeout)}
	if cfg.Redis.Enabled {
		rdb, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal("could not connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		log.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
		opts = append(opts, core.WithAnalyticsCache(cache.NewAnalyticsCache(rdb, cfg.Redis.TTL)))
	}

	store := core.NewInventoryStore(pool, core.RecordDefaults{
		ReorderPoint:    cfg.Inventory.DefaultReorderPoint,
		ReorderQuantity: cfg.Inventory.DefaultReorderQuantity,
		MinStockLevel:   cfg.Inventory.DefaultMinStockLevel,
	})
	ledger := core.NewMovementLedger(pool)
	svc := core.NewInventoryService(pool, store, ledger, bus, log.Named("inventory"), opts...)

	listenerDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		reader := listener.NewReader(cfg.Kafka)
		orders := listener.NewOrderListener(reader, svc, log.Named("listener"))
		log.Info("consuming orders", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
		go func() {
			orders.Start(ctx)
			_ = reader.Close()
			close(listenerDone)
		}()
	} else {
		close(listenerDone)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           webAdapter.NewHandler(svc, hub, log.Named("http"), cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop intake first, then let in-flight events reach subscribers.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", zap.Error(err))
	}
	<-listenerDone
	bus.Close()
	<-hubDone
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Error("realtime shutdown", zap.Error(err))
	}
}
