package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/aide/pkg/aide/channels/whatsapp"
	"github.com/jholhewres/aide/pkg/aide/core"
)

// newServeCmd creates the `aide serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon with messaging channels",
		Long: `Start aide as a daemon: connect the configured messaging channels,
spawn the LLM subprocess on demand, and run crons and workflows.

Examples:
  aide serve
  aide serve --config ./config.yaml`,
		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := buildLogger(cmd, cfg)

	c, err := core.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("building daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Channels.WhatsApp.Enabled {
		wa := whatsapp.New(cfg.Channels.WhatsApp.Config, cfg.DataDir, c.Channels(), logger)
		c.Channels().Register(wa)
		if cfg.Channels.WhatsApp.Owner != "" {
			c.SetOwner("whatsapp", cfg.Channels.WhatsApp.Owner)
		}
		logger.Info("WhatsApp channel registered")
	}

	// A panic in the main goroutine must still reach the supervisor: log
	// it, give in-flight writes a moment, then exit non-zero.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("unhandled panic", "panic", r, "stack", string(debug.Stack()))
			time.Sleep(2 * time.Second)
			os.Exit(1)
		}
	}()

	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	logger.Info("aide running. Press Ctrl+C to stop.", "name", cfg.Name)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")
	c.Shutdown()
	return nil
}
