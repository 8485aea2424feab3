package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rudransh-shrivastava/peer-sync/internal/db"
	"github.com/rudransh-shrivastava/peer-sync/internal/store"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "show recent sync operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		gormDB, err := db.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer func() { _ = db.Close(gormDB) }()

		journal := store.NewJournalStore(gormDB)
		ctx := cmd.Context()

		last, err := journal.LastSync(ctx)
		if err != nil {
			return err
		}
		records, err := journal.Recent(ctx, limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if last.IsZero() {
			fmt.Fprintln(out, "Last sync: never")
		} else {
			fmt.Fprintf(out, "Last sync: %s\n", last.Local().Format(time.DateTime))
		}

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tDIR\tOPERATE\tPATH")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", time.Unix(r.At, 0).Local().Format(time.DateTime), r.Direction, r.Operate, r.Path)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "number of operations to show")
}
