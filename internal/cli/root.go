// Package cli implements the peerdrop command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rudransh-shrivastava/peer-drop/internal/config"
	"github.com/rudransh-shrivastava/peer-drop/internal/history"
	"github.com/rudransh-shrivastava/peer-drop/internal/rendezvous"
	"github.com/rudransh-shrivastava/peer-drop/internal/session"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type app struct {
	cfg config.Config
	log *logrus.Logger

	// newRendezvous is swapped in tests.
	newRendezvous func(cfg config.Config, log *logrus.Logger) session.Rendezvous
}

func defaultRendezvous(cfg config.Config, log *logrus.Logger) session.Rendezvous {
	return rendezvous.NewClient(cfg.Rendezvous(log))
}

func NewRootCmd() *cobra.Command {
	cfg, envErr := config.Load()
	a := &app{cfg: cfg, newRendezvous: defaultRendezvous}
	return a.rootCmd(envErr)
}

func (a *app) rootCmd(envErr error) *cobra.Command {
	root := &cobra.Command{
		Use:   "peerdrop",
		Short: "peer to peer file transfer",
		Long: `peerdrop sends files straight to another peer over a WebRTC data channel.
A signaling server is only used to find the peer and set up the connection.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return envErr
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			a.log = a.cfg.Logger()
			return nil
		},
	}
	a.cfg.BindFlags(root.PersistentFlags())

	root.AddCommand(a.shareCmd())
	root.AddCommand(a.sendCmd())
	root.AddCommand(a.historyCmd())
	return root
}

func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// start creates a coordinator and registers with the rendezvous server.
func (a *app) start(ctx context.Context, out io.Writer) (*session.Coordinator, error) {
	rv := a.newRendezvous(a.cfg, a.log)
	c := session.New(rv, a.cfg.Session(a.log))

	id, err := c.Start(ctx)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "Your peer ID: %s\n", id)
	return c, nil
}

// openHistory returns nil when the history database is disabled.
func (a *app) openHistory() (*history.Store, error) {
	if a.cfg.HistoryDB == "" {
		return nil, nil
	}
	return history.Open(a.cfg.HistoryDB)
}

func (a *app) record(store *history.Store, res transfer.Result, paths []string) {
	if store == nil {
		return
	}
	if _, err := store.Record(context.Background(), res, paths); err != nil {
		a.log.Warnf("Failed to record transfer: %v", err)
	}
}
