package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/ledger"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/limiter"
	"github.com/oriys/quasar/limiter/redisbackend"
)

func daemonCmd() *cobra.Command {
	var (
		metricsAddr string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the quasar daemon",
		Long:  "Run quasar as a daemon: the limiter, the Redis coordination backend, the Postgres usage ledger, and a Prometheus metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics") {
				cfg.Daemon.MetricsAddr = metricsAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}

			logging.SetLevelFromString(cfg.Daemon.LogLevel)
			if cfg.Daemon.JobLogPath != "" {
				if err := logging.Default().SetOutput(cfg.Daemon.JobLogPath); err != nil {
					logging.Op().Warn("failed to open job log", "path", cfg.Daemon.JobLogPath, "error", err)
				}
			}

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Telemetry.Enabled,
				Exporter:    cfg.Telemetry.Exporter,
				Endpoint:    cfg.Telemetry.Endpoint,
				ServiceName: "quasar",
				SampleRate:  cfg.Telemetry.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			metrics.InitPrometheus("quasar", nil)
			if cfg.Daemon.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				go func() {
					if err := http.ListenAndServe(cfg.Daemon.MetricsAddr, mux); err != nil {
						logging.Op().Error("metrics server failed", "error", err)
					}
				}()
				logging.Op().Info("metrics endpoint started", "addr", cfg.Daemon.MetricsAddr)
			}

			l, cleanup, err := buildLimiter(context.Background(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := l.Start(context.Background()); err != nil {
				return fmt.Errorf("start limiter: %w", err)
			}
			defer l.Stop()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics", ":9090", "Prometheus metrics address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("config declares no models; see --config")
	}
	return cfg, nil
}

// buildLimiter assembles the limiter and its optional backends from the
// daemon config. The returned cleanup closes whatever was opened.
func buildLimiter(ctx context.Context, cfg *config.Config) (*limiter.Limiter, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	lcfg := limiter.Config{
		Models:              cfg.Models,
		EscalationOrder:     cfg.EscalationOrder,
		ResourceEstimations: cfg.ResourceEstimations,
		TotalCapacity:       cfg.TotalCapacity,
		Memory:              cfg.Memory,
		RatioAdjustment:     cfg.RatioAdjustment,
		InstanceID:          cfg.Daemon.InstanceID,
		HeartbeatInterval:   cfg.Daemon.HeartbeatInterval,
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		closers = append(closers, func() { client.Close() })

		backend, err := redisbackend.New(redisbackend.Config{
			Client:              client,
			Prefix:              cfg.Redis.Prefix,
			Models:              cfg.Models,
			ResourceEstimations: cfg.ResourceEstimations,
		})
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		lcfg.Backend = backend
		logging.Op().Info("distributed backend enabled", "redis", cfg.Redis.Addr)
	}

	if cfg.Postgres.Enabled {
		led, err := ledger.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("open usage ledger: %w", err)
		}
		closers = append(closers, func() { led.Close() })
		lcfg.UsageRecorder = led
		logging.Op().Info("usage ledger enabled")
	}

	l, err := limiter.New(lcfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return l, cleanup, nil
}
