package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rudransh-shrivastava/peer-drop/internal/history"
	"github.com/spf13/cobra"
)

func (a *app) historyCmd() *cobra.Command {
	var (
		limit  int
		peerID string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "list past transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.HistoryDB == "" {
				return fmt.Errorf("history is disabled")
			}
			store, err := history.Open(a.cfg.HistoryDB)
			if err != nil {
				return err
			}
			defer store.Close()

			var records []history.Record
			if peerID != "" {
				records, err = store.ByPeer(cmd.Context(), peerID)
			} else {
				records, err = store.List(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of transfers to show (0 for all)")
	cmd.Flags().StringVar(&peerID, "peer", "", "only show transfers with this peer")
	return cmd
}

func printHistory(out io.Writer, records []history.Record) {
	if len(records) == 0 {
		fmt.Fprintln(out, "No transfers yet")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWHEN\tPEER\tDIRECTION\tSTATUS\tSIZE\tFILES")
	for _, r := range records {
		names := make([]string, 0, len(r.Files))
		for _, f := range r.Files {
			names = append(names, f.Name)
		}
		status := r.Status
		if r.Error != "" {
			status += " (" + r.Error + ")"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			humanize.Time(time.Unix(r.CreatedAt, 0)),
			r.PeerID,
			r.Direction,
			status,
			humanize.IBytes(uint64(r.TotalSize)),
			strings.Join(names, ", "),
		)
	}
	_ = w.Flush()
}
