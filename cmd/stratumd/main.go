// Package main is the entry point for the Stratum mining pool daemon. It
// wires configuration, logging, storage, the block-template host, the
// outbound P2P peer, and the Stratum server together and runs them until
// a shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stratumforge/corepool/internal/config"
	"github.com/stratumforge/corepool/internal/host"
	"github.com/stratumforge/corepool/internal/peer"
	"github.com/stratumforge/corepool/internal/storage"
	"github.com/stratumforge/corepool/internal/stratumserver"
	"github.com/stratumforge/corepool/internal/vardiff"
)

var (
	configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")
	version    = "1.0.0"
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting stratum pool daemon",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisStorage, err := storage.NewRedisClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisStorage.Close()

	pgStorage, err := storage.NewPostgresClient(ctx, cfg.Postgres, logger)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pgStorage.Close()

	vd := vardiff.New(vardiff.Config{
		MinDifficulty:   cfg.Mining.MinDifficulty,
		MaxDifficulty:   cfg.Mining.MaxDifficulty,
		TargetShareTime: cfg.Mining.TargetShareTime,
		RetargetTime:    cfg.Mining.RetargetTime,
		VariancePercent: cfg.Mining.VariancePercent,
	})

	h := host.New(host.Config{InitialDifficulty: cfg.Mining.InitialDifficulty}, logger, redisStorage, pgStorage, vd, nil)

	go runVarDiffLoop(ctx, h, cfg.Mining.RetargetTime)

	peerEvents := make(chan peer.Event, 256)
	p := peer.New(peer.Config{
		Host:                cfg.Peer.Host,
		Port:                cfg.Peer.Port,
		Magic:               cfg.Coin.PeerMagic,
		ProtocolVersion:     cfg.Coin.ProtocolVersion,
		DisableTransactions: cfg.Peer.DisableTransactions,
	}, logger, peerEvents)

	go p.Run(ctx)
	go logPeerEvents(ctx, logger, peerEvents)

	ports := make(map[int]stratumserver.PortConfig, len(cfg.Server.Ports))
	for port, pc := range cfg.Server.Ports {
		ports[port] = stratumserver.PortConfig{Difficulty: pc.Difficulty}
	}

	srv := stratumserver.New(stratumserver.Config{
		Ports:                 ports,
		ConnectionTimeout:     cfg.Server.ConnectionTimeout,
		JobRebroadcastTimeout: cfg.Server.JobRebroadcastTimeout,
		TCPProxyProtocol:      cfg.Server.TCPProxyProtocol,
		Banning: stratumserver.BanningConfig{
			Enabled:        cfg.Server.Banning.Enabled,
			Time:           cfg.Server.Banning.Time,
			PurgeInterval:  cfg.Server.Banning.PurgeInterval,
			CheckThreshold: cfg.Server.Banning.CheckThreshold,
			// config.BanningConfig.InvalidPercent is a 0-100 percentage per
			// the YAML surface; stratumserver takes a 0-1 fraction, which each
			// stratum session compares its invalid-share ratio against.
			InvalidPercent: cfg.Server.Banning.InvalidPercent / 100,
		},
	}, logger, h, h, h, make(chan stratumserver.Event, 256))

	go func() {
		if err := srv.Start(ctx); err != nil {
			logger.Error("stratum server error", zap.Error(err))
			cancel()
		}
	}()

	if cfg.Server.Metrics.Enabled {
		go startMetricsServer(logger, cfg.Server.Metrics.Port)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}
	cancel()

	logger.Info("shutdown complete")
}

// runVarDiffLoop periodically checks every registered worker's share
// cadence and retargets its VarDiff difficulty where VarDiff decides one
// is due. It only computes and records the new value: nothing calls
// stratum.Session.EnqueueDifficulty with it, since internal/host has no
// reference back to live sessions, so a connected session keeps its
// difficulty until the worker authorizes again.
func runVarDiffLoop(ctx context.Context, h *host.Host, retargetTime time.Duration) {
	if retargetTime <= 0 {
		retargetTime = 90 * time.Second
	}
	ticker := time.NewTicker(retargetTime / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, name := range h.WorkerNames() {
				h.CheckVarDiff(name)
			}
		}
	}
}

func logPeerEvents(ctx context.Context, logger *zap.Logger, events chan peer.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			switch e.Type {
			case peer.EventBlockFound:
				logger.Info("peer reported new block", zap.String("hash", e.BlockHash))
			case peer.EventError, peer.EventSocketError:
				logger.Warn("peer error", zap.Error(e.Err))
			case peer.EventConnected:
				logger.Info("peer handshake complete")
			case peer.EventDisconnected:
				logger.Warn("peer disconnected", zap.Error(e.Err))
			}
		}
	}
}

func startMetricsServer(logger *zap.Logger, port int) {
	addr := fmt.Sprintf(":%d", port)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	logger.Info("metrics server started", zap.String("address", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server error", zap.Error(err))
	}
}

// initLogger initializes the zap logger based on configuration.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
	}
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var writeSyncer zapcore.WriteSyncer
	if cfg.Output == "file" && cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writeSyncer = zapcore.AddSync(file)
	} else {
		writeSyncer = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, writeSyncer, level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logger, nil
}
