package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hed1ad/txguard/pkg/features"
	txio "github.com/hed1ad/txguard/pkg/io"
	"github.com/hed1ad/txguard/pkg/io/csv"
	"github.com/hed1ad/txguard/pkg/model"
	"github.com/hed1ad/txguard/pkg/transaction"
)

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score <file.csv>",
		Short: "Score transactions from CSV without storing them",
		Long: `Score each row of a transaction CSV with the current model and print
one JSON result per line. The model is loaded from its artifact, or
trained from the stored history when no artifact exists.`,
		Args: cobra.ExactArgs(1),
		RunE: runScore,
	}
	cmd.Flags().Bool("anomalies-only", false, "print only anomalous rows")
	return cmd
}

func runScore(cmd *cobra.Command, args []string) error {
	onlyAnomalies, _ := cmd.Flags().GetBool("anomalies-only")
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	if err := a.model.EnsureReady(ctx); err != nil {
		return fmt.Errorf("model not ready: %w", err)
	}

	r, err := csv.NewReader(args[0])
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer func() { _ = r.Close() }()

	rows, err := r.Stream(ctx)
	if err != nil {
		return err
	}

	// ClassifyStream answers in input order, so pending lines results up
	// with their transactions.
	pending := make(chan transaction.Transaction, 16)
	in := make(chan features.Vector)
	out := make(chan model.Scored)
	unscorable := 0
	produced := make(chan struct{})

	go func() {
		defer close(produced)
		defer close(in)
		defer close(pending)
		for tx := range rows {
			v, err := features.FromTransaction(tx)
			if err != nil {
				unscorable++
				continue
			}
			pending <- tx
			select {
			case in <- v:
			case <-ctx.Done():
				return
			}
		}
	}()

	streamErr := make(chan error, 1)
	go func() {
		streamErr <- a.model.ClassifyStream(ctx, in, out)
		close(out)
	}()

	w := txio.NewJSONWriter(cmd.OutOrStdout())
	var scored, anomalies int
	for s := range out {
		tx := <-pending
		if s.Err != nil {
			logger.Warn("failed to score row", zap.Error(s.Err))
			continue
		}
		scored++
		if s.Verdict.Anomalous {
			anomalies++
		} else if onlyAnomalies {
			continue
		}
		if err := w.Write(txio.Result{
			OwnerID:    tx.OwnerID,
			Amount:     tx.Amount,
			Timestamp:  tx.Timestamp,
			Score:      s.Verdict.Score,
			Threshold:  s.Verdict.Threshold,
			IsAnomaly:  s.Verdict.Anomalous,
			Confidence: s.Verdict.Confidence,
			Reasons:    s.Verdict.Reasons,
		}); err != nil {
			return err
		}
	}
	if err := <-streamErr; err != nil {
		return err
	}
	<-produced
	if err := r.Err(); err != nil {
		return fmt.Errorf("scoring stopped after %d rows: %w", scored, err)
	}

	logger.Info("scoring complete",
		zap.Int("scored", scored),
		zap.Int("anomalies", anomalies),
		zap.Int("unscorable", unscorable),
		zap.Int("malformed", r.Skipped()))
	return nil
}
