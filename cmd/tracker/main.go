package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/rudransh-shrivastava/peer-drop/internal/tracker"
	"github.com/spf13/cobra"
)

func main() {
	addr := ":8080"
	if v := os.Getenv("PEERDROP_TRACKER_ADDR"); v != "" {
		addr = v
	}
	logLevel := "info"
	if v := os.Getenv("PEERDROP_LOG_LEVEL"); v != "" {
		logLevel = v
	}

	cmd := &cobra.Command{
		Use:          "tracker",
		Short:        "peerdrop signaling server",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := tracker.NewServer(tracker.Config{
				Addr:   addr,
				Logger: logger.New(os.Stderr, logLevel),
			})
			if err != nil {
				return err
			}
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", addr, "listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", logLevel, "log level (debug, info, warn, error)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
