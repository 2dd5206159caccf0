package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fxdesk/internal/app"
	"fxdesk/internal/server"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	// 1. Pprof Server (for performance profiling)
	go func() {
		// Localhost only for security
		slog.Info("🕵️ Pprof server started on localhost:6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			slog.Error("Pprof server failed", slog.Any("error", err))
		}
	}()

	// 2. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := app.DefaultConfigPath
	if p := os.Getenv("FXDESK_CONFIG"); p != "" {
		configPath = p
	}

	// 3. System Bootstrapping
	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(ctx, configPath); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	// 4. Engine lanes (the hot path)
	go bootstrap.Engine.Run(ctx)
	if err := bootstrap.Start(ctx); err != nil {
		slog.Error("❌ Engine start failed", slog.Any("error", err))
		return
	}
	slog.InfoContext(ctx, "✅ Engine started")

	// 5. Client gateway
	addr := bootstrap.Config.Server.Addr
	httpServer := server.NewHTTPServer(ctx, addr, bootstrap.Gateway.Handler())
	slog.InfoContext(ctx, "✨ fxdesk operational. Press Ctrl+C to exit.", slog.String("addr", addr))

	if err := httpServer.Run(ctx); err != nil {
		slog.Error("Gateway server failed", slog.Any("error", err))
	}

	slog.Info("👋 Shutting down gracefully...")
}
