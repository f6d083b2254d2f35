package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/velvetmask/velvet/internal/cache"
	"github.com/velvetmask/velvet/internal/config"
	"github.com/velvetmask/velvet/internal/father"
	"github.com/velvetmask/velvet/internal/fleet"
	"github.com/velvetmask/velvet/internal/platform"
	"github.com/velvetmask/velvet/internal/store"
	"github.com/velvetmask/velvet/internal/voicemask"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operator bot and the relay fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	basedir := config.ExpandHome(cfg.Basedir)
	if err := os.MkdirAll(basedir, 0o700); err != nil {
		return fmt.Errorf("create basedir: %w", err)
	}

	s, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backing, err := newBacking(ctx, cfg)
	if err != nil {
		return err
	}

	sup := fleet.New(fleet.Options{
		Store:     s,
		Backing:   backing,
		Masker:    voicemask.NewShifter(),
		Proxy:     cfg.Proxy,
		AwardDays: cfg.Father.InviteAwardDays,
		Log:       slog.Default(),
	})
	if err := sup.StartAll(ctx); err != nil {
		return fmt.Errorf("start fleet: %w", err)
	}

	adapter, err := platform.NewTelego(cfg.Father.Token, cfg.Proxy)
	if err != nil {
		return fmt.Errorf("build father adapter: %w", err)
	}
	fa := father.New(father.Options{
		Token:   cfg.Father.Token,
		Store:   s,
		Fleet:   sup,
		Adapter: adapter,
		Log:     slog.Default(),
	})
	if err := fa.Start(ctx); err != nil {
		return fmt.Errorf("start father: %w", err)
	}

	if err := config.Watch(ctx, cfgPath, cfg, func(fresh *config.Config) {
		sup.SetAwardDays(fresh.Father.InviteAwardDays)
	}); err != nil {
		slog.Warn("config watch unavailable", "error", err)
	}

	slog.Info("velvet running", "version", Version, "relays", sup.NRelays())
	<-ctx.Done()
	slog.Info("shutting down")

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fa.Stop(shCtx); err != nil {
		slog.Warn("stop father", "error", err)
	}
	if err := sup.StopAll(shCtx); err != nil {
		slog.Warn("stop fleet", "error", err)
	}
	return nil
}

// newBacking selects redis when configured, the in-process cache otherwise.
func newBacking(ctx context.Context, cfg *config.Config) (cache.Backing, error) {
	if cfg.Redis.Addr == "" {
		return cache.NewMemory(), nil
	}
	host, portStr, err := net.SplitHostPort(cfg.Redis.Addr)
	if err != nil {
		host = cfg.Redis.Addr
		portStr = ""
	}
	port := 0
	if portStr != "" {
		if port, err = strconv.Atoi(portStr); err != nil {
			return nil, fmt.Errorf("invalid redis addr %q: %w", cfg.Redis.Addr, err)
		}
	}
	backing, err := cache.NewRedis(ctx, cache.RedisOptions{
		Host:     host,
		Port:     port,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return backing, nil
}
