package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/textlens/textlens/internal/cache"
	"github.com/textlens/textlens/internal/engine/tesseract"
	"github.com/textlens/textlens/internal/fetch"
	"github.com/textlens/textlens/internal/pool"
	"github.com/textlens/textlens/internal/queue"
	"github.com/textlens/textlens/internal/relay"
	"github.com/textlens/textlens/internal/server"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the recognition server",
	Long: `Start an HTTP server that accepts recognition jobs and streams their
progress to connected surfaces.

The server provides the following endpoints:
  POST /ocr/image   - Recognize an uploaded image (blocks until done)
  POST /ocr/url     - Recognize an image by URL (blocks until done)
  POST /ocr/last    - Recognize a surface's last interacted image
  GET  /ws          - WebSocket surface session for jobs and live events
  GET  /cache/stats - Result cache statistics
  POST /cache/clear - Drop all cached results
  GET  /health      - Health check endpoint
  GET  /metrics     - Prometheus metrics

Examples:
  textlens serve
  textlens serve --port 8080
  textlens serve --host 0.0.0.0 --cache-dir /var/cache/textlens`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()

	host := cfg.Server.Host
	if cmd.Flags().Changed("host") {
		host, _ = cmd.Flags().GetString("host")
	}

	port := cfg.Server.Port
	if cmd.Flags().Changed("port") {
		port, _ = cmd.Flags().GetInt("port")
	}

	corsOrigin := cfg.Server.CORSOrigin
	if cmd.Flags().Changed("cors-origin") {
		corsOrigin, _ = cmd.Flags().GetString("cors-origin")
	}

	maxUploadMB := cfg.Server.MaxUploadMB
	if cmd.Flags().Changed("max-upload-size") {
		maxUploadMB, _ = cmd.Flags().GetInt("max-upload-size")
	}

	timeout := cfg.Server.TimeoutSec
	if cmd.Flags().Changed("timeout") {
		timeout, _ = cmd.Flags().GetInt("timeout")
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if cmd.Flags().Changed("shutdown-timeout") {
		shutdownTimeout, _ = cmd.Flags().GetInt("shutdown-timeout")
	}

	rateLimit := cfg.Server.RateLimitPerMinute
	if cmd.Flags().Changed("rate-limit") {
		rateLimit, _ = cmd.Flags().GetInt("rate-limit")
	}

	cacheDir := cfg.Cache.Dir
	if cmd.Flags().Changed("cache-dir") {
		cacheDir, _ = cmd.Flags().GetString("cache-dir")
	}

	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port number: %d (must be between 1 and 65535)", port)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Assemble the job pipeline: fetcher, cache, warm engine pool, relay
	// and the single-worker scheduler.
	store, err := cache.Open(cacheDir, cfg.Cache.MaxEntries)
	if err != nil {
		return fmt.Errorf("failed to open result cache: %w", err)
	}

	fetcher := fetch.New(cfg.Fetch)
	enginePool := pool.New(tesseract.Factory(cfg.Engine), cfg.Pool.IdleTimeout())
	eventRelay := relay.New()
	scheduler := queue.New(fetcher, store, enginePool, eventRelay, cfg.Queue)

	srv := server.NewServer(server.Config{
		Host:               host,
		Port:               port,
		CORSOrigin:         corsOrigin,
		MaxUploadMB:        int64(maxUploadMB),
		TimeoutSec:         timeout,
		RateLimitPerMinute: rateLimit,
	}, scheduler, eventRelay, store)

	mux := http.NewServeMux()
	srv.SetupRoutes(mux)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(timeout) * time.Second,
		WriteTimeout:      time.Duration(timeout) * time.Second,
	}

	go func() {
		slog.Info("Starting recognition server", "host", host, "port", port, "cache_dir", cacheDir)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		slog.Info("Context cancelled, initiating shutdown")
	}

	slog.Info("Starting graceful shutdown", "timeout", fmt.Sprintf("%ds", shutdownTimeout))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(shutdownTimeout)*time.Second)
	defer shutdownCancel()

	slog.Info("Shutting down HTTP server")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Drain the queue, then drop the warm engine.
	slog.Info("Draining job queue")
	scheduler.Close()
	enginePool.Close()

	slog.Info("Graceful shutdown completed")
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origins")
	serveCmd.Flags().Int("max-upload-size", 32, "maximum upload size in MB")
	serveCmd.Flags().Int("timeout", 120, "request timeout in seconds")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	serveCmd.Flags().Int("rate-limit", 60, "maximum requests per minute per client (0 disables)")
	serveCmd.Flags().String("cache-dir", "", "result cache directory (empty uses the user cache dir)")
}
