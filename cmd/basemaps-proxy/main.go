// Command basemaps-proxy serves the Basemaps API through a shared caching
// client, plus GDAL XML and STAC views of mosaics and quads.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/planet-client/internal/config"
	"github.com/Sternrassler/planet-client/pkg/basemaps"
	"github.com/Sternrassler/planet-client/pkg/client"
	"github.com/Sternrassler/planet-client/pkg/logging"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.Setup(cfg.LoggerConfig()).With().Str("component", "basemaps-proxy").Logger()

	var rdb *redis.Client
	if opts := cfg.RedisOptions(); opts != nil {
		rdb = redis.NewClient(opts)
		defer rdb.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
		}
		logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, running without response cache")
	}

	api, err := client.New(cfg.ClientConfig(rdb))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer api.Close()

	s := &server{
		api:    api,
		bm:     basemaps.New(api),
		redis:  rdb,
		logger: logger,
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Proxy.Port),
		Handler:      newRouter(s, cfg.Proxy.AllowedOrigins),
		ReadTimeout:  cfg.Proxy.ReadTimeout,
		WriteTimeout: cfg.Proxy.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Str("upstream", cfg.BasemapsURL).Msg("Proxy listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	logger.Info().Msg("Proxy stopped")
	return nil
}
