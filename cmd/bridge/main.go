package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/whookdev/busbridge/internal/bus"
	"github.com/whookdev/busbridge/internal/bus/amqpbus"
	"github.com/whookdev/busbridge/internal/bus/natsbus"
	"github.com/whookdev/busbridge/internal/bus/redisbus"
	"github.com/whookdev/busbridge/internal/config"
	"github.com/whookdev/busbridge/internal/delivery"
	"github.com/whookdev/busbridge/internal/dispatch"
	"github.com/whookdev/busbridge/internal/lifecycle"
	"github.com/whookdev/busbridge/internal/logging"
	"github.com/whookdev/busbridge/internal/metrics"
	"github.com/whookdev/busbridge/internal/server"
)

func main() {
	var envFile, configFile string

	rootCmd := &cobra.Command{
		Use:           "bridge",
		Short:         "HTTP bridge onto a message bus",
		Long:          "Accepts send and publish requests over HTTP, puts them on the configured bus and posts replies back to the caller.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return initiateApp(ctx, envFile, configFile)
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Env file to load instead of ./.env")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Bridge JSON config file (overrides BRIDGE_CONFIG)")

	instancesCmd := &cobra.Command{
		Use:   "instances",
		Short: "List bridge instances registered in redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfig(envFile, configFile)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			if cfg.RedisURL == "" {
				return fmt.Errorf("REDIS_URL is required to read the registry")
			}
			return listInstances(cmd.Context(), cfg)
		},
	}
	rootCmd.AddCommand(instancesCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("error in app lifecycle", "error", err)
		os.Exit(1)
	}
}

func initiateApp(ctx context.Context, envFile, configFile string) error {
	cfg, err := config.NewConfig(envFile, configFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogFormat, cfg.LogLevel, os.Stdout)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	slog.SetDefault(logger)

	var rdb *redis.Client
	if cfg.RedisURL != "" && (cfg.BusDriver == config.DriverRedis || cfg.RegistryEnabled) {
		rdb, err = redisbus.Connect(ctx, cfg.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("connecting to redis server: %w", err)
		}
		defer rdb.Close()
	}

	b, closeConn, err := newBus(ctx, cfg, rdb, logger)
	if err != nil {
		return fmt.Errorf("creating %s bus: %w", cfg.BusDriver, err)
	}
	defer closeConn()

	whitelist, err := cfg.NewWhitelist()
	if err != nil {
		return fmt.Errorf("building whitelist: %w", err)
	}

	m := metrics.New()
	deliverer := delivery.New(&http.Client{Timeout: cfg.CallbackTimeout}, m, logger)
	dispatcher := dispatch.New(b, whitelist, deliverer, logger,
		dispatch.WithTimeout(cfg.SendTimeout),
		dispatch.WithMetrics(m),
	)

	registryDone := make(chan struct{})
	if cfg.RegistryEnabled {
		lc, err := lifecycle.New(cfg, rdb, dispatcher.Inflight, logger)
		if err != nil {
			return fmt.Errorf("creating lifecycle: %w", err)
		}
		if err := lc.Register(ctx); err != nil {
			return fmt.Errorf("registering instance: %w", err)
		}
		registryDone = lc.MaintainRegistration(ctx)
	} else {
		close(registryDone)
	}

	srv, err := server.New(cfg, dispatcher, b, whitelist, m, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	logger.Info("bridge starting", "server_id", cfg.ServerID, "driver", cfg.BusDriver, "base_path", cfg.BasePath)

	if err := srv.Start(ctx); err != nil {
		logger.Error("error shutting down server", "error", err)
	}
	logger.Info("starting graceful shutdown")

	if err := b.Close(); err != nil {
		logger.Error("error closing bus", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	select {
	case <-registryDone:
		logger.Info("registry cleanup complete")
	case <-shutdownCtx.Done():
		logger.Error("registry cleanup timed out")
	}

	return nil
}

// newBus connects the configured driver. The returned func closes the
// underlying connection once the bus itself is closed.
func newBus(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (bus.Bus, func(), error) {
	noop := func() {}

	switch cfg.BusDriver {
	case config.DriverLocal:
		return bus.NewLocal(
			bus.WithDefaultTimeout(cfg.BusDefaultTimeout),
			bus.WithLogger(logger),
		), noop, nil

	case config.DriverRedis:
		b, err := redisbus.New(ctx, rdb, logger, redisbus.WithDefaultTimeout(cfg.BusDefaultTimeout))
		if err != nil {
			return nil, nil, err
		}
		return b, noop, nil

	case config.DriverNATS:
		nc, err := natsbus.Connect(cfg.NATSURL, logger)
		if err != nil {
			return nil, nil, err
		}
		b, err := natsbus.New(nc, logger, natsbus.WithDefaultTimeout(cfg.BusDefaultTimeout))
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return b, nc.Close, nil

	case config.DriverAMQP:
		conn, err := amqpbus.Connect(cfg.AMQPURL, logger)
		if err != nil {
			return nil, nil, err
		}
		b, err := amqpbus.New(conn, logger,
			amqpbus.WithExchange(cfg.AMQPExchange),
			amqpbus.WithDefaultTimeout(cfg.BusDefaultTimeout),
		)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return b, func() { _ = conn.Close() }, nil
	}

	return nil, nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
}

func listInstances(ctx context.Context, cfg *config.Config) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	rdb, err := redisbus.Connect(ctx, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("connecting to redis server: %w", err)
	}
	defer rdb.Close()

	instances, err := lifecycle.Instances(ctx, rdb)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(instances))
	for id := range instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Printf("%-24s %-8s %-10s %s\n", "SERVER ID", "DRIVER", "INFLIGHT", "LAST HEARTBEAT")
	for _, id := range ids {
		info := instances[id]
		fmt.Printf("%-24s %-8s %-10d %s\n", id, info.Driver, info.Inflight, info.LastHeartbeat.Format(time.RFC3339))
	}
	return nil
}
