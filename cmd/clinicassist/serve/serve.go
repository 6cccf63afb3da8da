package servecmder

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zlnick/PatientInfoSE/cmd/clinicassist/wiring"
	"github.com/zlnick/PatientInfoSE/pkg/agent"
	"github.com/zlnick/PatientInfoSE/pkg/config"
	"github.com/zlnick/PatientInfoSE/pkg/logger"
	"github.com/zlnick/PatientInfoSE/server"
)

const serveLongDesc string = `Run the clinical assistant HTTP server.

Configuration is read from the TOML file given with --config, overlaid
with environment variables (a .env file in the working directory is
loaded first). MCP tool servers listed in the configuration are
connected at startup.

Examples:
  clinicassist serve --config clinicassist.toml
  clinicassist serve --listen :9090 --debug`

const serveShortDesc string = "Run the HTTP server"

type serveCommander struct {
	configPath string
	listen     string
	sqlitePath string
	debug      bool
}

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&cmder.configPath, "config", "c", "", "Path to TOML configuration")
	cmd.Flags().StringVar(&cmder.listen, "listen", "", "Address to listen on (overrides config)")
	cmd.Flags().StringVarP(&cmder.sqlitePath, "sqlite", "s", "", "Path to session database (overrides config)")
	cmd.Flags().BoolVar(&cmder.debug, "debug", false, "Enable debug logging")

	return cmd
}

func (c *serveCommander) run(ctx context.Context) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.listen != "" {
		cfg.Server.Listen = c.listen
	}
	if c.sqlitePath != "" {
		cfg.Storage.SQLitePath = c.sqlitePath
	}

	log := logger.NewLogger(c.debug || cfg.Debug)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	visualizer := agent.VisualizerFunc(func(_ context.Context, answer, question string) error {
		log.Info("chart requested",
			zap.String("question", logger.Truncate(question, 80)),
			zap.String("answer", logger.Truncate(answer, 80)),
		)
		return nil
	})

	stack, err := wiring.Build(ctx, cfg, visualizer, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Close(); err != nil {
			log.Warn("shutdown", zap.Error(err))
		}
	}()

	srv := server.New(server.Config{ListenAddr: cfg.Server.Listen}, stack.Controller, stack.Store, log)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
