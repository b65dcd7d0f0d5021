// Signal Fish -- lightweight WebSocket signaling server for P2P game networking.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/config"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/logging"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/metrics"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/server"
	"github.com/Ambiguous-Interactive/signal-fish-server/internal/v1/transport"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const version = "2.3.0"

func main() {
	validateConfig := flag.Bool("validate-config", false, "Validate configuration and exit without starting the server")
	flag.BoolVar(validateConfig, "c", false, "Shorthand for --validate-config")
	printConfig := flag.Bool("print-config", false, "Print the loaded configuration to stdout (as JSON) and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("signal-fish-server %s\n", version)
		return
	}
	if *validateConfig && *printConfig {
		fmt.Fprintln(os.Stderr, "--validate-config cannot be used with --print-config")
		os.Exit(2)
	}

	// Load .env for local development; silence is fine in production.
	_ = godotenv.Load()

	cfg := config.Load()

	if *printConfig {
		out, err := config.PrettyJSON(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(out)
		return
	}

	validationErr := config.Validate(cfg)

	if *validateConfig {
		if validationErr != nil {
			fmt.Fprintf(os.Stderr, "Configuration validation failed:\n%v\n", validationErr)
			os.Exit(1)
		}
		fmt.Println("Configuration validation passed")
		fmt.Println()
		fmt.Println("Configuration summary:")
		fmt.Printf("  Port: %d\n", cfg.Port)
		fmt.Println("  Storage backend: InMemory")
		fmt.Printf("  TLS enabled: %t\n", cfg.Security.Transport.TLS.Enabled)
		fmt.Printf("  Metrics auth required: %t\n", cfg.Security.RequireMetricsAuth)
		fmt.Printf("  Reconnection enabled: %t\n", cfg.Server.EnableReconnection)
		fmt.Printf("  Max players per room: %d\n", cfg.Server.DefaultMaxPlayers)
		fmt.Printf("  Deployment region: %s\n", cfg.Server.RegionID)
		return
	}

	if validationErr != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed:\n%v\n", validationErr)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()

	if cfg.Logging.Format != "console" {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	gameServer := server.New(cfg, registry)
	handler := transport.NewHandler(gameServer, cfg)

	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	go gameServer.RunCleanup(cleanupCtx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler.Router(),
	}

	go func() {
		logging.Info(ctx, "Starting Signal Fish server",
			zap.String("addr", addr),
			zap.String("cors_origins", cfg.Security.CorsOrigins),
			zap.Bool("tls", cfg.Security.Transport.TLS.Enabled))

		var err error
		if cfg.Security.Transport.TLS.Enabled {
			err = srv.ListenAndServeTLS(cfg.Security.Transport.TLS.CertFile, cfg.Security.Transport.TLS.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal(ctx, "Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	cancelCleanup()
	handler.Shutdown(ctx)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	logging.Info(ctx, "Server exiting")
}
