package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"

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
	"github.com/trackshift-tunnel/tunnel/internal/tunnel"
	"github.com/trackshift-tunnel/tunnel/pkg/models"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if !cfg.Sender.Enabled {
		log.Fatal("config does not enable the sender role")
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
		logger.Info("interrupt received, aborting transfer")
		cancel()
	}()

	var tm *tunnel.Manager
	var tunnelID string
	if cfg.SSH.JumpServer != "" {
		tm = tunnel.NewManager(nil, retry.NewPolicy(), logger)
		spec := forwardTunnelSpec(cfg)
		tunnelID, _, err = tm.Spawn(ctx, spec)
		if err != nil {
			logger.Fatal("spawn forward tunnel", zap.Error(err))
		}
		defer func() { _ = tm.Stop(tunnelID) }()
	}

	probe := flowcontrol.NewLatencyProbe(logger)
	latency := probe.MeasureTCP("127.0.0.1", cfg.Transfer.LocalPort)
	quality, recommended := flowcontrol.Classify(latency)
	logger.Info("network quality classified",
		zap.Duration("latency", latency),
		zap.String("quality", string(quality)),
		zap.Int64("recommended_chunk_size", recommended))

	bus := progress.NewBus(logger)
	if cfg.Progress.UseProgressObserver {
		obs := progressui.NewConsoleProgressObserver(logger)
		if err := bus.Register(obs); err != nil {
			logger.Warn("register progress observer", zap.Error(err))
		}
	}

	tr, err := netconn.Dial(ctx, "127.0.0.1", cfg.Transfer.LocalPort, retry.NewPolicy())
	if err != nil {
		logger.Fatal("dial local tunnel endpoint", zap.Error(err))
	}
	defer tr.Close()

	sessions := session.NewManager()

	if cfg.Performance.UseAdaptiveTransfer {
		svc := transfer.New(sessions, bus, logger, cfg.Transfer.VerifyHash, cfg.Performance.ChunkMinSize, cfg.Performance.ChunkMaxSize)
		err = svc.SendFile(tr, cfg.Sender.File, recommended, latency.Seconds())
	} else {
		svc := legacywhole.New(sessions, bus, logger, cfg.Transfer.VerifyHash, cfg.Transfer.MaxFrameSize)
		err = svc.SendFile(tr, cfg.Sender.File)
	}
	if err != nil {
		logger.Error("send file", zap.String("file", cfg.Sender.File), zap.Error(err))
		os.Exit(1)
	}

	logger.Info("file sent", zap.String("file", cfg.Sender.File))
}

func forwardTunnelSpec(cfg *config.Config) models.TunnelSpec {
	auth := models.TunnelAuth{Kind: models.AuthKey, IdentityPath: cfg.SSH.IdentityFile}
	if cfg.SSH.UsePassword {
		auth = models.TunnelAuth{Kind: models.AuthPassword, Secret: cfg.SSH.Password}
	}
	return models.TunnelSpec{
		Mode:     models.TunnelForward,
		JumpHost: cfg.SSH.JumpServer,
		JumpPort: cfg.SSH.JumpPort,
		JumpUser: cfg.SSH.JumpUser,
		Auth:     auth,
		Bind:     models.Endpoint{Host: "127.0.0.1", Port: cfg.Transfer.LocalPort},
		Target:   models.Endpoint{Host: cfg.SSH.JumpServer, Port: cfg.Transfer.RemotePort},
	}
}
