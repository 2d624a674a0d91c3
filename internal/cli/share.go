package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rudransh-shrivastava/peer-drop/internal/history"
	"github.com/rudransh-shrivastava/peer-drop/internal/session"
	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/spf13/cobra"
)

func (a *app) shareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share",
		Short: "wait for peers and receive files",
		Long: `share registers with the signaling server, prints this peer's ID and
waits. Peers that connect with the ID can offer files, which are saved to
the output directory once accepted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.share(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func (a *app) share(ctx context.Context, in io.Reader, out io.Writer) error {
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

	offers := make(chan transfer.Offer, 16)
	bars := newProgressBars(out)
	c.Subscribe(session.ObserverFuncs{
		OnPeersChanged: func(peers []string) {
			fmt.Fprintf(out, "Connected peers: %s\n", strings.Join(peers, ", "))
		},
		OnOfferReceived: func(o transfer.Offer) {
			select {
			case offers <- o:
			default:
				a.log.WithField("peer", o.PeerID).Warn("Too many pending offers, rejecting")
				go func() { _ = c.RejectOffer(o.PeerID, o.TransferID) }()
			}
		},
		OnTransferProgress: bars.update,
		OnTransferFinished: func(res transfer.Result) {
			bars.finish(res)
			if res.Direction == transfer.Incoming {
				go a.received(store, res, out)
			}
		},
	})

	fmt.Fprintln(out, "Waiting for peers, press Ctrl+C to stop")
	answers := readLines(ctx, in)
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-offers:
			printOffer(out, o)
			accept := a.cfg.AutoAccept
			if !accept {
				var answered bool
				if accept, answered = confirm(ctx, answers, out); !answered {
					return nil
				}
			}
			if accept {
				err = c.AcceptOffer(o.PeerID, o.TransferID)
			} else {
				err = c.RejectOffer(o.PeerID, o.TransferID)
			}
			if err != nil {
				fmt.Fprintf(out, "Could not answer offer: %v\n", err)
			}
		}
	}
}

// received saves a finished incoming transfer and records it.
func (a *app) received(store *history.Store, res transfer.Result, out io.Writer) {
	if res.Status != transfer.StatusCompleted {
		fmt.Fprintf(out, "Transfer %d from %s %s: %v\n", res.TransferID, res.PeerID, res.Status, res.Err)
		a.record(store, res, nil)
		return
	}

	paths, err := saveReceived(a.cfg.OutputDir, res.Received)
	if err != nil {
		fmt.Fprintf(out, "Failed to save files from %s: %v\n", res.PeerID, err)
	}
	for _, p := range paths {
		fmt.Fprintf(out, "Saved %s\n", p)
	}
	a.record(store, res, paths)
}

func printOffer(out io.Writer, o transfer.Offer) {
	fmt.Fprintf(out, "%s wants to send %d file(s), %s:\n", o.PeerID, len(o.Files), humanize.IBytes(o.TotalSize()))
	for _, f := range o.Files {
		fmt.Fprintf(out, "  %s (%s)\n", f.Name, humanize.IBytes(f.Size))
	}
}

// readLines feeds lines from in to the returned channel until in ends or
// ctx is done. A read blocked on a terminal outlives ctx; the process exits
// soon after.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// confirm asks whether to accept an offer. answered is false when ctx ended
// before an answer; a closed input counts as no.
func confirm(ctx context.Context, lines <-chan string, out io.Writer) (accept, answered bool) {
	fmt.Fprint(out, "Accept? [y/N] ")
	select {
	case <-ctx.Done():
		fmt.Fprintln(out)
		return false, false
	case line, ok := <-lines:
		if !ok {
			return false, true
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, true
		default:
			return false, true
		}
	}
}
