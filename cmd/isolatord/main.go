// Command isolatord runs the ingestion isolation sidecar on the given control
// port.
//
// The base logger is created here and injected into every component; nothing
// configures a global logger.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"isolator/internal/config"
	"isolator/internal/consumer"
	"isolator/internal/isolation"
	"isolator/internal/logctx"
	"isolator/internal/metadata"
	"isolator/internal/metrics"
	"isolator/internal/report"
	"isolator/internal/report/rabbitmq"
	"isolator/internal/storage"
	"isolator/internal/storage/memory"
	"isolator/internal/storage/sqlite"
)

func main() {
	var cfgPath string
	cmd := &cobra.Command{
		Use:           "isolatord <port>",
		Short:         "Run the ingestion isolation sidecar",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil || port < 0 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[0])
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, logctx.New(cfg.Log.Level, cfg.Log.Human), cfg, port)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "path to config file (YAML, TOML or JSON)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "isolatord:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger zerolog.Logger, cfg config.Config, port int) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewWith(reg)

	streams, err := config.NewLoader(cfg.Streams)
	if err != nil {
		return err
	}
	storageSvc, err := newStorage(cfg.Storage)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Metadata.Path), 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	meta, err := metadata.Open(cfg.Metadata.Path)
	if err != nil {
		return fmt.Errorf("open metadata: %w", err)
	}
	defer meta.Close()

	consumption := consumer.New(storageSvc.Repository(), meta, consumer.KafkaFetchers(cfg.Kafka),
		consumer.WithLogger(logger),
		consumer.WithMetrics(m),
		consumer.WithCheckpointInterval(cfg.Ingestion.CheckpointInterval),
	)

	sender, closeSender, err := newSender(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSender()

	coord := isolation.New(port,
		isolation.WithSettings(isolation.SettingsFrom(cfg)),
		isolation.WithStorage(storageSvc),
		isolation.WithConsumer(consumption),
		isolation.WithMetadata(meta),
		isolation.WithReporter(sender),
		isolation.WithStreamConfigs(streams),
		isolation.WithLogger(logger),
		isolation.WithMetrics(m),
	)
	consumption.SetListener(coord)

	if err := coord.Start(ctx); err != nil {
		_ = coord.Stop()
		return err
	}
	if err := coord.Activate(); err != nil {
		_ = coord.Stop()
		return err
	}

	if cfg.Metrics.Address != "" {
		srv := &http.Server{Addr: cfg.Metrics.Address, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info().Str("address", cfg.Metrics.Address).Msg("metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("signal received, shutting down")
	case <-coord.Done():
	}
	return coord.Stop()
}

func newStorage(cfg config.StorageConfig) (*storage.Service, error) {
	switch cfg.Engine {
	case config.EngineMemory:
		return storage.NewService(memory.Factory), nil
	case config.EngineSQLite:
		if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		return storage.NewService(sqlite.NewFactory(cfg.BaseDir, cfg.MemtableSize)), nil
	default:
		return nil, fmt.Errorf("unsupported storage engine %q", cfg.Engine)
	}
}

func newSender(ctx context.Context, cfg config.Config, logger zerolog.Logger) (report.Sender, func(), error) {
	switch cfg.Report.Transport {
	case config.TransportSocket:
		return report.NewSocketSender(cfg.Report.Address, cfg.Ingestion.ReportTimeout), func() {}, nil
	case config.TransportRabbitMQ:
		pub, err := rabbitmq.NewPublisher(rabbitmq.Config{
			URL:        cfg.Report.RabbitMQ.URL,
			Exchange:   cfg.Report.RabbitMQ.Exchange,
			RoutingKey: cfg.Report.RabbitMQ.RoutingKey,
			Auth:       rabbitmq.AuthConfig{Username: cfg.Report.RabbitMQ.Username, Password: cfg.Report.RabbitMQ.Password},
		})
		if err != nil {
			return nil, nil, err
		}
		if err := pub.Start(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect report exchange: %w", err)
		}
		return pub, func() { _ = pub.Close() }, nil
	default:
		return report.LogSender{Logger: logctx.Component(logger, "report")}, func() {}, nil
	}
}
