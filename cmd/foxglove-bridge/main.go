package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxglove/foxglove-sdk-sub001/internal/bus"
	"github.com/foxglove/foxglove-sdk-sub001/internal/liveserver"
	"github.com/foxglove/foxglove-sdk-sub001/internal/listener"
	"github.com/foxglove/foxglove-sdk-sub001/internal/logger"
	"github.com/foxglove/foxglove-sdk-sub001/internal/rpc"
	"github.com/foxglove/foxglove-sdk-sub001/internal/sink/filewriter"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		// the flag package prints its own parse errors; validation errors
		// from parseFlags are not printed
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	handshakeTimeout, _ := time.ParseDuration(cfg.handshakeTimeout) // validated in parseFlags

	busCtx := bus.New()

	if cfg.recordPath != "" {
		container, err := filewriter.NewJSONLContainer(cfg.recordPath)
		if err != nil {
			log.Error("failed to open record path", "path", cfg.recordPath, "error", err)
			os.Exit(1)
		}
		recSink := filewriter.New(bus.NextSinkID(), container, nil, logger.Logger())
		busCtx.AddSink(recSink)
		busCtx.SubscribeGlobal(recSink)
		log.Info("recording enabled", "path", cfg.recordPath)
	}

	server := liveserver.New(liveserver.Config{
		ListenAddr:         cfg.listenAddr,
		Name:               cfg.name,
		Metadata:           cfg.metadataMap(),
		SupportedEncodings: cfg.supportedEncodings,
		Subprotocol:        cfg.subprotocol,
		LogLevel:           cfg.logLevel,
		HandshakeTimeout:   handshakeTimeout,
		SendQueueCapacity:  cfg.sendQueueCapacity,
		AsyncConcurrency:   cfg.asyncConcurrency,
	}, busCtx, listener.NopListener{}, rpc.NewRegistry(), nil)

	if err := server.Start(); err != nil {
		log.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	log.Info("server started", "addr", server.Addr().String(), "version", version)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if err := server.Stop(); err != nil {
			log.Error("server stop error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}
