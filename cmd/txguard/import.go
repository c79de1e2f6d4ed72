package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/txguard/pkg/io/csv"
	"github.com/hed1ad/txguard/pkg/transaction"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Import historical transactions from CSV",
		Long: `Import transactions with columns owner_id, amount, timestamp,
payment_method and optionally flagged. Rows keep their own timestamps.
With --dedup each row goes through the duplicate check first, stamped with
the current time.`,
		Args: cobra.ExactArgs(1),
		RunE: runImport,
	}
	cmd.Flags().Bool("dedup", false, "admit rows through the duplicate check")
	cmd.Flags().Bool("train", false, "retrain the model after importing")
	return cmd
}

func runImport(cmd *cobra.Command, args []string) error {
	useDedup, _ := cmd.Flags().GetBool("dedup")
	retrain, _ := cmd.Flags().GetBool("train")
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	r, err := csv.NewReader(args[0])
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer func() { _ = r.Close() }()

	rows, err := r.Stream(ctx)
	if err != nil {
		return err
	}

	var imported, rejected int
	for tx := range rows {
		if useDedup {
			_, d, err := a.guard.Record(ctx, transaction.Candidate{OwnerID: tx.OwnerID, Amount: tx.Amount, Method: tx.Method}, a.store)
			if err != nil {
				return err
			}
			if !d.Accepted {
				rejected++
				continue
			}
		} else if _, err := a.store.Insert(ctx, tx); err != nil {
			return err
		}
		imported++
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("import stopped after %d rows: %w", imported, err)
	}

	logger.Info("import complete",
		zap.String("file", args[0]),
		zap.Int("imported", imported),
		zap.Int("duplicates", rejected),
		zap.Int("skipped", r.Skipped()))
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d, duplicates %d, malformed %d\n", imported, rejected, r.Skipped())

	if retrain {
		if err := a.model.Retrain(ctx); err != nil {
			return fmt.Errorf("training failed: %w", err)
		}
	}
	return nil
}
