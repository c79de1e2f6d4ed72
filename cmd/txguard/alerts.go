package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hed1ad/txguard/pkg/alert"
	"github.com/hed1ad/txguard/pkg/features"
)

func alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List journaled fraud alerts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			limit, _ := cmd.Flags().GetInt("limit")

			journal := alert.NewFileJournal(cfg.Alert.JournalPath)
			records, err := journal.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("read %s: %w", journal.Path(), err)
			}
			if limit > 0 && len(records) > limit {
				records = records[len(records)-limit:]
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DISPATCHED\tTX\tOWNER\tAMOUNT\tCONFIDENCE\tOUTCOME\tREASONS")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%.1f%%\t%s\t%s\n",
					r.DispatchedAt.Format(features.TimestampLayout),
					r.TransactionID, r.OwnerID, r.Amount.StringFixed(2),
					r.Confidence*100, r.Outcome, strings.Join(r.Reasons, "; "))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "print records as JSON")
	cmd.Flags().Int("limit", 0, "show only the most recent N alerts")
	return cmd
}
