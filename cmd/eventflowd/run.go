package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eventflow-io/eventflow/pkg/config"
	"github.com/eventflow-io/eventflow/pkg/deadletter"
	"github.com/eventflow-io/eventflow/pkg/eventbus"
	"github.com/eventflow-io/eventflow/pkg/kafkabridge"
	"github.com/eventflow-io/eventflow/pkg/log"
	"github.com/eventflow-io/eventflow/pkg/metrics"
	"github.com/eventflow-io/eventflow/pkg/outbox"
	"github.com/eventflow-io/eventflow/pkg/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the eventflow bus, outbox, and Kafka bridge",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().String("data-dir", "./eventflow-data", "Directory for bbolt-backed dead-letter and outbox stores")
	runCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on the metrics server")
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if jsonOut, _ := cmd.Flags().GetBool("log-json"); jsonOut {
		cfg.Log.JSONOutput = true
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSONOutput})
	logger := log.WithComponent("eventflowd")

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	metricsSink := metrics.NewSink()
	tracer := tracing.New("eventflowd")

	dlqStore, err := deadletter.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open dead-letter store: %w", err)
	}
	defer dlqStore.Close()

	dlq, err := deadletter.WithPersistence(deadletter.NewQueue(), dlqStore)
	if err != nil {
		return fmt.Errorf("restore dead-letter queue: %w", err)
	}

	poisonCfg := deadletter.DefaultPoisonConfig()
	poison := deadletter.NewHandler(poisonCfg, dlq)

	bus := eventbus.NewBus(eventbus.Config{
		WorkerPoolSize: cfg.Bus.WorkerPoolSize,
		ShutdownGrace:  cfg.Bus.ShutdownDeadline,
		DeadLetter:     dlq,
		Poison:         poison,
		Metrics:        metricsSink,
		Tracer:         tracer,
	})

	var bridge *kafkabridge.Bridge
	var transport outbox.Transport = outbox.TransportFunc(func(ctx context.Context, event *eventbus.Event) error {
		_, err := bus.Publish(ctx, event)
		return err
	})

	if cfg.Kafka.Enabled {
		bridge = kafkabridge.New(kafkabridge.Config{
			Producer:    kafkabridge.NewKafkaProducer(cfg.Kafka.Brokers),
			Consumer:    kafkabridge.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.Topics),
			TopicPrefix: cfg.Kafka.TopicPrefix,
			Metrics:     metricsSink,
		})
		transport = bridge
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Strs("topics", cfg.Kafka.Topics).Msg("kafka bridge enabled")
	}

	outboxStore, err := outbox.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open outbox store: %w", err)
	}
	defer outboxStore.Close()

	outboxCfg := outbox.DefaultConfig(outboxStore, transport)
	outboxCfg.PollInterval = cfg.Outbox.PollInterval
	outboxCfg.MaxRetries = cfg.Outbox.MaxRetries
	outboxCfg.RetentionPeriod = cfg.Outbox.RetentionPeriod
	outboxCfg.Metrics = metricsSink
	ob := outbox.New(outboxCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ob.Start(ctx)
	defer ob.Stop()

	if bridge != nil && len(cfg.Kafka.Topics) > 0 {
		go func() {
			if err := bridge.Consume(ctx, bus); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("kafka consume loop exited")
			}
		}()
	}
	if bridge != nil {
		defer bridge.Close()
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("eventbus", true, "ready")
	metrics.RegisterComponent("outbox", true, "ready")

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/metrics.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(metricsSink.Snapshot())
	})
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if pprofEnabled {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	metricsServer := &http.Server{Addr: cfg.Bus.MetricsAddr, Handler: mux}
	serverErrCh := make(chan error, 1)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	logger.Info().Str("addr", cfg.Bus.MetricsAddr).Msg("metrics and health endpoints listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("metrics server error")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Bus.ShutdownDeadline)
	defer shutdownCancel()

	if err := bus.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("bus shutdown did not complete cleanly")
	}
	_ = metricsServer.Shutdown(shutdownCtx)

	logger.Info().Msg("shutdown complete")
	return nil
}
