package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rudransh-shrivastava/peer-drop/internal/session"
	"github.com/spf13/cobra"
)

func (a *app) sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send peer-id file...",
		Short: "send files to a peer",
		Long:  `send connects to peer-id and offers it the given files. It returns once the peer accepts and the transfer finishes, or rejects it.`,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			peerID, paths := args[0], args[1:]
			out := cmd.OutOrStdout()

			files, err := loadFiles(paths, a.cfg.MaxFileSize)
			if err != nil {
				return err
			}

			store, err := a.openHistory()
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			c, err := a.start(ctx, out)
			if err != nil {
				return err
			}
			defer c.Stop()

			bars := newProgressBars(out)
			c.Subscribe(session.ObserverFuncs{
				OnTransferProgress: bars.update,
			})

			fmt.Fprintf(out, "Connecting to %s...\n", peerID)
			if err := c.Connect(ctx, peerID); err != nil {
				return err
			}

			var total uint64
			for _, f := range files {
				total += f.Size
			}
			fmt.Fprintf(out, "Offering %d file(s), %s. Waiting for %s to accept...\n", len(files), humanize.IBytes(total), peerID)

			res, err := c.SendFiles(ctx, peerID, files)
			bars.finish(res)
			if res.PeerID != "" {
				a.record(store, res, nil)
			}
			if err != nil {
				return fmt.Errorf("transfer %s: %w", res.Status, err)
			}
			fmt.Fprintf(out, "%d file(s) sent successfully\n", len(files))
			return nil
		},
	}
}
