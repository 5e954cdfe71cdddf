package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/trackshift-tunnel/tunnel/internal/config"
	"github.com/trackshift-tunnel/tunnel/internal/flowcontrol"
	"github.com/trackshift-tunnel/tunnel/internal/legacywhole"
	"github.com/trackshift-tunnel/tunnel/internal/logging"
	"github.com/trackshift-tunnel/tunnel/internal/netconn"
	"github.com/trackshift-tunnel/tunnel/internal/progress"
	"github.com/trackshift-tunnel/tunnel/internal/progressui"
	"github.com/trackshift-tunnel/tunnel/internal/retry"
	"github.com/trackshift-tunnel/tunnel/internal/session"
	"github.com/trackshift-tunnel/tunnel/internal/transfer"
	"github.com/trackshift-tunnel/tunnel/internal/transport"
	"github.com/trackshift-tunnel/tunnel/internal/tunnel"
	"github.com/trackshift-tunnel/tunnel/pkg/models"
)

// stopGrace bounds how long the accept loop's in-flight workers are
// given to finish on SIGINT before being abandoned.
const stopGrace = time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if !cfg.Receiver.Enabled {
		log.Fatal("config does not enable the receiver role")
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	go func() {
		<-interrupt
		logger.Info("interrupt received, shutting down")
		cancel()
	}()

	var tm *tunnel.Manager
	var tunnelID string
	if cfg.SSH.JumpServer != "" {
		tm = tunnel.NewManager(nil, retry.NewPolicy(), logger)
		spec := reverseTunnelSpec(cfg)
		tunnelID, _, err = tm.Spawn(ctx, spec)
		if err != nil {
			logger.Fatal("spawn reverse tunnel", zap.Error(err))
		}
		defer func() { _ = tm.Stop(tunnelID) }()
	}

	bus := progress.NewBus(logger)
	if cfg.Progress.UseProgressObserver {
		obs := progressui.NewConsoleProgressObserver(logger)
		if err := bus.Register(obs); err != nil {
			logger.Warn("register progress observer", zap.Error(err))
		}
	}

	probe := flowcontrol.NewLatencyProbe(logger)
	stopMonitor := make(chan struct{})
	go probe.Monitor(cfg.SSH.JumpServer, cfg.Transfer.LocalPort, 30*time.Second, bus, stopMonitor)
	defer close(stopMonitor)

	sessions := session.NewManager()
	handler := buildHandler(cfg, sessions, bus, logger)

	ln, err := netconn.NewListener(cfg.Transfer.LocalPort, handler, logger)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	logger.Info("receiver listening", zap.Int("port", cfg.Transfer.LocalPort), zap.String("output_dir", cfg.Receiver.OutputDir))

	if err := ln.Serve(ctx); err != nil {
		logger.Error("accept loop exited", zap.Error(err))
	}
	if err := ln.Stop(stopGrace); err != nil {
		logger.Warn("listener stop", zap.Error(err))
	}
}

func buildHandler(cfg *config.Config, sessions *session.Manager, bus *progress.Bus, logger *zap.Logger) netconn.Handler {
	return func(ctx context.Context, tr transport.Transport, peer string) {
		logger.Info("accepted connection", zap.String("peer", peer))

		var outPath string
		var err error
		if cfg.Performance.UseAdaptiveTransfer {
			svc := transfer.New(sessions, bus, logger, cfg.Transfer.VerifyHash, cfg.Performance.ChunkMinSize, cfg.Performance.ChunkMaxSize)
			outPath, err = svc.ReceiveFile(tr, cfg.Receiver.OutputDir, 0, 0)
		} else {
			svc := legacywhole.New(sessions, bus, logger, cfg.Transfer.VerifyHash, cfg.Transfer.MaxFrameSize)
			outPath, err = svc.ReceiveFile(tr, cfg.Receiver.OutputDir)
		}
		if err != nil {
			logger.Error("receive file", zap.String("peer", peer), zap.Error(err))
			return
		}
		logger.Info("file received", zap.String("peer", peer), zap.String("path", outPath))
	}
}

func reverseTunnelSpec(cfg *config.Config) models.TunnelSpec {
	auth := models.TunnelAuth{Kind: models.AuthKey, IdentityPath: cfg.SSH.IdentityFile}
	if cfg.SSH.UsePassword {
		auth = models.TunnelAuth{Kind: models.AuthPassword, Secret: cfg.SSH.Password}
	}
	return models.TunnelSpec{
		Mode:     models.TunnelReverse,
		JumpHost: cfg.SSH.JumpServer,
		JumpPort: cfg.SSH.JumpPort,
		JumpUser: cfg.SSH.JumpUser,
		Auth:     auth,
		Bind:     models.Endpoint{Host: "127.0.0.1", Port: cfg.Transfer.LocalPort},
		Target:   models.Endpoint{Host: cfg.SSH.JumpServer, Port: cfg.Transfer.RemotePort},
	}
}
