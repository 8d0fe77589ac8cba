// Command flowd runs the workflow runtime: the API server, the run worker
// and the database seeder.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/openpsa/flowd/internal/config"
	"github.com/openpsa/flowd/internal/logging"
	"github.com/openpsa/flowd/internal/repository"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "flowd",
		Short: "Multi-tenant workflow runtime",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	root.AddCommand(newServeCmd(), newWorkerCmd(), newSeedCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime bundles the process-wide dependencies shared by the subcommands.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	pool   *pgxpool.Pool
	rdb    *redis.Client
	store  *repository.PostgresStore
}

func (r *runtime) close() {
	if r.rdb != nil {
		r.rdb.Close()
	}
	if r.pool != nil {
		r.pool.Close()
	}
}

// newRuntime loads configuration, connects Postgres and Redis and runs the
// schema migration.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger := logging.NewLogger(cfg.Log.Level)

	pool, err := initDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := repository.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
	}

	logger.Info("runtime initialized", "db", cfg.DB.Host, "redis", cfg.Redis.Addr)
	return &runtime{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		rdb:    rdb,
		store:  repository.NewPostgresStore(pool),
	}, nil
}

func initDatabase(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func consumerName(cfg *config.Config) string {
	if cfg.Worker.Consumer != "" {
		return cfg.Worker.Consumer
	}
	host, err := os.Hostname()
	if err != nil {
		host = "flowd"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
