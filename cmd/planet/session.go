package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Sternrassler/planet-client/internal/config"
	"github.com/Sternrassler/planet-client/pkg/basemaps"
	"github.com/Sternrassler/planet-client/pkg/client"
	"github.com/Sternrassler/planet-client/pkg/logging"
	"github.com/Sternrassler/planet-client/pkg/orders"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
)

var (
	EnvFileFlag = &cli.StringSliceFlag{
		Name:  "env-file",
		Usage: "Load environment variables from these files instead of ./.env",
	}
	LogLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error (overrides LOG_LEVEL)",
	}
	LogFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Log format: json or console (overrides LOG_FORMAT)",
	}
)

const sessionKey = "session"

// session holds the clients shared by all commands of one invocation.
type session struct {
	cfg    *config.Config
	api    *client.Client
	bm     *basemaps.Client
	orders *orders.Client
	redis  *redis.Client
	logger zerolog.Logger
}

func setup(c *cli.Context) error {
	cfg, err := config.Parse(c.StringSlice(EnvFileFlag.Name)...)
	if err != nil {
		return err
	}
	if c.IsSet(LogLevelFlag.Name) {
		cfg.Logging.Level = c.String(LogLevelFlag.Name)
	}
	if c.IsSet(LogFormatFlag.Name) {
		cfg.Logging.Format = c.String(LogFormatFlag.Name)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logCfg := cfg.LoggerConfig()
	logCfg.Output = c.App.ErrWriter
	logger := logging.Setup(logCfg).With().Str("component", "cli").Logger()

	s := &session{cfg: cfg, logger: logger}
	if opts := cfg.RedisOptions(); opts != nil {
		s.redis = redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(c.Context, 5*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Str("addr", opts.Addr).Msg("Redis unavailable, continuing without cache")
			s.redis.Close()
			s.redis = nil
		}
	}

	s.api, err = client.New(cfg.ClientConfig(s.redis))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	s.bm = basemaps.New(s.api)
	s.orders = cfg.OrdersClient(s.api)

	c.App.Metadata = map[string]any{sessionKey: s}
	return nil
}

func teardown(c *cli.Context) error {
	s, ok := c.App.Metadata[sessionKey].(*session)
	if !ok {
		return nil
	}
	s.api.Close()
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}

func getSession(c *cli.Context) *session {
	return c.App.Metadata[sessionKey].(*session)
}

// newProgress returns a byte-counting spinner on w, or nil when disabled.
func newProgress(w io.Writer, description string, enabled bool) *progressbar.ProgressBar {
	if !enabled {
		return nil
	}
	return progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(10),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(w, "\n")
		}),
	)
}

// progressWriter returns bar as an io.Writer, keeping a nil bar a nil
// interface.
func progressWriter(bar *progressbar.ProgressBar) io.Writer {
	if bar == nil {
		return nil
	}
	return bar
}
