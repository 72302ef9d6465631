package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/capnplanet/codespaces-infusion-pump/internal/api"
	"github.com/capnplanet/codespaces-infusion-pump/internal/audit"
	"github.com/capnplanet/codespaces-infusion-pump/internal/auth"
	"github.com/capnplanet/codespaces-infusion-pump/internal/broker"
	"github.com/capnplanet/codespaces-infusion-pump/internal/config"
	"github.com/capnplanet/codespaces-infusion-pump/internal/dedup"
	"github.com/capnplanet/codespaces-infusion-pump/internal/ingest"
	"github.com/capnplanet/codespaces-infusion-pump/internal/metrics"
	"github.com/capnplanet/codespaces-infusion-pump/internal/retry"
	"github.com/capnplanet/codespaces-infusion-pump/internal/store"
	"github.com/capnplanet/codespaces-infusion-pump/internal/telemetry"
)

func main() {
	cfg := config.Load()
	fs := pflag.NewFlagSet("telemetry-gateway", pflag.ExitOnError)
	config.BindFlags(fs, &cfg)
	fs.Parse(os.Args[1:])

	setupLogging(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("telemetry gateway starting",
		"grpc_addr", cfg.GRPCAddr,
		"http_port", cfg.HTTPPort,
		"broker", cfg.BrokerDriver,
		"topic", cfg.Topic,
		"encoding", cfg.Encoding,
		"max_retries", cfg.PublishMaxRetries,
		"dedup_cache_size", cfg.DedupCacheSize,
		"enforce_credentials", cfg.EnforceDeviceCredentials,
		"tls", cfg.TLSEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Load device credentials (env list, then file, then database).
	creds, err := loadCredentials(ctx, cfg)
	if err != nil {
		slog.Error("failed to load device credentials", "error", err)
		os.Exit(1)
	}
	if cfg.EnforceDeviceCredentials && len(creds) == 0 {
		slog.Warn("credential enforcement is on but no devices are provisioned")
	}
	authenticator := auth.New(cfg.EnforceDeviceCredentials, creds)
	slog.Info("device credentials loaded", "devices", len(creds))

	// Step 2: Metrics.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg)

	// Step 3: Dedup cache.
	cache, err := dedup.New(cfg.DedupCacheSize)
	if err != nil {
		slog.Error("failed to create dedup cache", "error", err)
		os.Exit(1)
	}
	collector.TrackDedup(cache.Len)

	// Step 4: Connect to the broker.
	pub, err := broker.New(ctx, broker.Config{
		Driver:  cfg.BrokerDriver,
		NATSURL: cfg.NatsURL,
		AMQPURL: cfg.AMQPURL,
		Topic:   cfg.Topic,
	})
	if err != nil {
		slog.Error("failed to connect to broker", "driver", cfg.BrokerDriver, "error", err)
		os.Exit(1)
	}
	defer pub.Close()
	slog.Info("broker connected", "driver", cfg.BrokerDriver)

	executor, err := retry.New(pub, retry.Config{
		MaxRetries:     cfg.PublishMaxRetries,
		BackoffInitial: cfg.PublishBackoffInitial,
		BackoffMax:     cfg.PublishBackoffMax,
		AttemptTimeout: cfg.PublishTimeout,
	}, retry.WithReporter(collector))
	if err != nil {
		slog.Error("invalid retry configuration", "error", err)
		os.Exit(1)
	}

	// Step 5: Safety alarm forwarding.
	var alarms ingest.AlarmForwarder
	if cfg.AuditEndpoint != "" {
		alarms = audit.NewForwarder(audit.NewHTTPSink(cfg.AuditEndpoint, cfg.AuditAPIToken, cfg.AuditTimeout), collector)
		slog.Info("safety alarm forwarding enabled", "endpoint", cfg.AuditEndpoint)
	}

	codec, err := telemetry.CodecFor(cfg.Encoding)
	if err != nil {
		slog.Error("invalid payload encoding", "error", err)
		os.Exit(1)
	}

	coord := ingest.NewCoordinator(ingest.Options{
		Topic:     cfg.Topic,
		Codec:     codec,
		Auth:      authenticator,
		Dedup:     cache,
		Publisher: executor,
		Alarms:    alarms,
		Recorder:  collector,
	})

	// Step 6: Start the gRPC ingestion service.
	var tlsCfg *tls.Config
	if cfg.TLSEnabled {
		tlsCfg, err = ingest.ServerTLSConfig(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.TLSCAPath)
		if err != nil {
			slog.Error("failed to load TLS material", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("gRPC served without TLS")
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		slog.Error("failed to listen", "addr", cfg.GRPCAddr, "error", err)
		os.Exit(1)
	}
	grpcServer := ingest.NewServer(tlsCfg, coord)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC server error", "error", err)
		}
	}()

	// Step 7: Start the admin HTTP API.
	srv := api.NewServer(cache, pub, reg, cfg.HTTPPort)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("telemetry gateway ready", "grpc_addr", cfg.GRPCAddr, "http_port", cfg.HTTPPort)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("shutting down", "signal", sig)
	cancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		slog.Warn("graceful stop timed out, closing open streams")
		grpcServer.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown error", "error", err)
	}
	slog.Info("telemetry gateway stopped")
}

func loadCredentials(ctx context.Context, cfg config.Config) (auth.Credentials, error) {
	inline, err := auth.ParseList(cfg.DeviceCredentials)
	if err != nil {
		return nil, err
	}

	var fromFile auth.Credentials
	if cfg.DeviceCredentialsFile != "" {
		fromFile, err = auth.LoadFile(cfg.DeviceCredentialsFile)
		if err != nil {
			return nil, err
		}
	}

	var fromDB auth.Credentials
	if cfg.DatabaseURL != "" {
		dbCtx, dbCancel := context.WithTimeout(ctx, 10*time.Second)
		defer dbCancel()

		db, err := store.Open(dbCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		defer db.Close()

		if err := db.EnsureSchema(dbCtx); err != nil {
			return nil, err
		}
		if cfg.ProvisionDevices != "" {
			provision, err := auth.ParseList(cfg.ProvisionDevices)
			if err != nil {
				return nil, err
			}
			if err := db.ProvisionDeviceCredentials(dbCtx, provision); err != nil {
				return nil, err
			}
		}
		fromDB, err = db.LoadDeviceCredentials(dbCtx)
		if err != nil {
			return nil, err
		}
		slog.Info("database credentials loaded", "devices", len(fromDB))
	}

	return auth.Merge(inline, fromFile, fromDB), nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
