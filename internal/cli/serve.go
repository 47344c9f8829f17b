package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/reef/internal/config"
	"github.com/harun/reef/internal/logger"
	"github.com/harun/reef/internal/metrics"
	"github.com/harun/reef/pkg/federation"
	"github.com/harun/reef/pkg/orchestrator"
	"github.com/harun/reef/pkg/registry"
	"github.com/harun/reef/pkg/server"
	"github.com/harun/reef/pkg/session"
)

var devmode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the server",
	Long: `Run the server in the foreground: load the agent registry, start the
session manager and orchestrator, and serve the API until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&devmode, "devmode", false, "skip credential checks and allow caller-chosen session ids")
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if devmode {
		cfg.Devmode = true
	}

	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("invalid configuration:\n  %s", strings.Join(msgs, "\n  "))
	}
	return cfg, nil
}

func orchestratorOptions(cfg *config.Config, m *metrics.Metrics, zl zerolog.Logger) []orchestrator.Option {
	opts := []orchestrator.Option{
		orchestrator.WithMetrics(m),
		orchestrator.WithDockerArgs(cfg.Docker.ExtraArgs...),
		orchestrator.WithDockerStopTimeout(time.Duration(cfg.Docker.StopTimeoutSecs) * time.Second),
	}
	if cfg.Federation.Enabled {
		opts = append(opts,
			orchestrator.WithClaimer(federation.NewClient(cfg.Federation.Wallet, zl)))
	}
	return opts
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   100,
		MaxAge:    7,
		Compress:  true,
	})
	if err != nil {
		return err
	}
	defer log.Close()
	zl := log.Zerolog()

	reg, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	if cfg.Registry.Watch {
		watcher, err := registry.NewWatcher(reg, cfg.Registry.Path, time.Second)
		if err != nil {
			zl.Warn().Err(err).Msg("registry watcher unavailable")
		} else {
			watcher.Start()
			defer watcher.Stop()
		}
	}

	m := metrics.NewMetrics()
	sessions := session.NewManager(session.Credentials(cfg.Credentials()), cfg.Devmode, zl,
		session.WithMetrics(m))

	orch := orchestrator.New(reg, orchestrator.Endpoints{BaseURL: cfg.Server.PublicURL}, zl,
		orchestratorOptions(cfg, m, zl)...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Docker.PrePull {
		orch.PrePullImages(ctx)
	}

	var claims *federation.Manager
	if cfg.Federation.Enabled {
		claims = federation.NewManager(reg, orch, federation.LogNotifier{Logger: zl}, m, zl)
	}

	if cfg.Session.IdleTimeoutSecs > 0 {
		sessions.StartReaper(ctx,
			time.Duration(cfg.Session.IdleTimeoutSecs)*time.Second,
			time.Duration(cfg.Session.ReapIntervalSecs)*time.Second)
	}

	srv, err := server.NewServer(server.Options{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		MaxWaitTimeout: time.Duration(cfg.Session.MaxWaitMs) * time.Millisecond,
	}, sessions, orch, claims, m, zl)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	zl.Info().Msg("shutting down")
	if err := srv.Stop(); err != nil {
		zl.Warn().Err(err).Msg("server shutdown failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sessions.DestroyAll(shutdownCtx, session.CloseNormal)
	if claims != nil {
		claims.DestroyAll(shutdownCtx, session.CloseNormal)
	}
	orch.Destroy(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	default:
	}
	return nil
}
