package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dbgcopilot/dbgcopilot/config"
	"github.com/dbgcopilot/dbgcopilot/core"
	"github.com/dbgcopilot/dbgcopilot/errors"
	"github.com/dbgcopilot/dbgcopilot/llm"
	"github.com/dbgcopilot/dbgcopilot/logger"
	"github.com/dbgcopilot/dbgcopilot/server"
)

// ServeCmd starts the HTTP/WebSocket front-end.
var ServeCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"server"},
	Short:   "Start the HTTP/WebSocket copilot front-end",
	Long: `Serve the copilot core over HTTP: session create/ask endpoints plus a
WebSocket at /ws that streams debugger output and chat events as JSON.`,
	RunE: runServe,
}

var serveAddr string

func init() {
	ServeCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}

	registry, err := llm.NewRegistry(logger.Named("llm"))
	if err != nil {
		return errors.Wrap(err, "loading provider registry")
	}
	prompts, err := core.LoadPromptConfig()
	if err != nil {
		prompts = core.DefaultPromptConfig()
	}

	srv, err := server.New(server.Options{
		Addr:    addr,
		Clients: registry,
		Prompts: prompts,
		Logger:  logger.Named("server"),
	})
	if err != nil {
		return err
	}

	stopWatch, err := registry.Watch()
	if err != nil {
		logger.Logger.Warnw("Provider registry watch unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Logger.Infow("Shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
