package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/tinyland-inc/deskbridge/cmd/deskbridge/internal"
	"github.com/tinyland-inc/deskbridge/pkg/bridge"
	"github.com/tinyland-inc/deskbridge/pkg/logger"
)

func serveCmd(debug bool, host string, port int) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}

	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if host != "" {
		cfg.Bridge.Host = host
	}
	if port != 0 {
		cfg.Bridge.Port = port
	}

	switch cfg.Log.Level {
	case "debug":
		logger.SetLevel(logger.DEBUG)
	case "warn":
		logger.SetLevel(logger.WARN)
	case "error":
		logger.SetLevel(logger.ERROR)
	}
	if cfg.Log.File != "" {
		if err := logger.SetLogFile(cfg.Log.File); err != nil {
			fmt.Printf("⚠ Log file unavailable: %v\n", err)
		}
		defer logger.CloseLogFile()
	}

	srv := bridge.NewServer(cfg)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	fmt.Printf("✓ Bridge listening on ws://%s:%d/ws\n", cfg.Bridge.Host, cfg.Bridge.Port)
	fmt.Printf("✓ Status endpoints at http://%s:%d/status and /health\n", cfg.Bridge.Host, cfg.Bridge.Port)
	fmt.Printf("  • Liveness timeout: %s\n", cfg.LivenessTimeout())
	fmt.Printf("  • Queue window: %s (limit %d)\n", cfg.QueueTimeout(), cfg.Delivery.QueueLimit)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)

	select {
	case err := <-errCh:
		return fmt.Errorf("bridge server error: %w", err)
	case <-sigChan:
	}

	fmt.Println("\nShutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Println("✓ Bridge stopped")

	return nil
}
