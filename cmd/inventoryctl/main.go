package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"inventory-ledger/internal/adapters/cli"
	"inventory-ledger/internal/config"
	"inventory-ledger/internal/core"
	"inventory-ledger/internal/db"
	"inventory-ledger/internal/logger"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	connect := func(ctx context.Context) (*pgxpool.Pool, error) {
		pool, err := db.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("unable to connect to database: %w", err)
		}
		return pool, nil
	}

	root := cli.NewRootCommand(cli.Options{
		Migrate: func(ctx context.Context) error {
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			return db.Migrate(ctx, pool)
		},
		Service: func(ctx context.Context) (core.InventoryService, func(), error) {
			pool, err := connect(ctx)
			if err != nil {
				return nil, nil, err
			}
			store := core.NewInventoryStore(pool, core.RecordDefaults{
				ReorderPoint:    cfg.Inventory.DefaultReorderPoint,
				ReorderQuantity: cfg.Inventory.DefaultReorderQuantity,
				MinStockLevel:   cfg.Inventory.DefaultMinStockLevel,
			})
			// No realtime hub in the CLI; events are discarded.
			svc := core.NewInventoryService(pool, store, core.NewMovementLedger(pool), nil, log.Named("inventory"),
				core.WithLockTimeout(cfg.Database.LockTimeout))
			return svc, pool.Close, nil
		},
	})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
